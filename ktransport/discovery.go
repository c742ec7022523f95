package ktransport

import (
	"context"
	"io"
	"net/http"
	"strings"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime/schema"

	"github.com/kr8s-go/kr8s/kregistry"
)

// FetchGroup implements kregistry.DiscoveryFetcher: it merges
// /api/v1 (group=="") or /apis/<group>/<version> for every version the
// group offers, deduplicating concurrent fetches for the same group via
// singleflight, so concurrent callers await a single shared fetch. The
// session keeps no copy of the result; kregistry.Registry caches the
// descriptors per group.
func (s *Session) FetchGroup(ctx context.Context, group string) ([]kregistry.ResourceDescriptor, error) {
	result, err, _ := s.discoveryGroup.Do(group, func() (any, error) {
		return s.fetchGroupLocked(ctx, group)
	})
	if err != nil {
		return nil, err
	}
	return result.([]kregistry.ResourceDescriptor), nil
}

func (s *Session) fetchGroupLocked(ctx context.Context, group string) ([]kregistry.ResourceDescriptor, error) {
	if group == "" {
		return s.fetchCoreV1(ctx)
	}

	versions, err := s.groupVersions(ctx, group)
	if err != nil {
		return nil, err
	}

	var out []kregistry.ResourceDescriptor
	for _, version := range versions {
		descriptors, err := s.fetchAPIResourceList(ctx, "/apis/"+group+"/"+version, group, version)
		if err != nil {
			continue // a single broken group-version should not fail discovery of siblings
		}
		out = append(out, descriptors...)
	}
	return out, nil
}

func (s *Session) fetchCoreV1(ctx context.Context) ([]kregistry.ResourceDescriptor, error) {
	return s.fetchAPIResourceList(ctx, "/api/v1", "", "v1")
}

// groupVersions fetches /apis/<group> to discover every version offered.
func (s *Session) groupVersions(ctx context.Context, group string) ([]string, error) {
	resp, err := s.rawCall(ctx, http.MethodGet, "/apis/"+group)
	if err != nil {
		return nil, err
	}
	var discovery metav1.APIGroup
	if err := resp.JSON(&discovery); err != nil {
		return nil, err
	}
	var versions []string
	for _, v := range discovery.Versions {
		versions = append(versions, v.Version)
	}
	return versions, nil
}

func (s *Session) fetchAPIResourceList(ctx context.Context, path, group, version string) ([]kregistry.ResourceDescriptor, error) {
	resp, err := s.rawCall(ctx, http.MethodGet, path)
	if err != nil {
		return nil, err
	}
	var list metav1.APIResourceList
	if err := resp.JSON(&list); err != nil {
		return nil, err
	}

	var out []kregistry.ResourceDescriptor
	for _, r := range list.APIResources {
		if strings.Contains(r.Name, "/") {
			// Subresource entries (e.g. "pods/log", "deployments/scale")
			// share the parent's Kind; skipping them keeps kind lookup
			// from matching a subresource instead of the collection.
			continue
		}
		if r.Group != "" {
			group = r.Group
		}
		if r.Version != "" {
			version = r.Version
		}
		out = append(out, kregistry.ResourceDescriptor{
			GVR:          schema.GroupVersionResource{Group: group, Version: version, Resource: r.Name},
			Name:         r.Name,
			SingularName: r.SingularName,
			Kind:         r.Kind,
			Namespaced:   r.Namespaced,
			ShortNames:   r.ShortNames,
			Categories:   r.Categories,
			Verbs:        []string(r.Verbs),
		})
	}
	return out, nil
}

// rawCall is a discovery-only helper that bypasses the namespace-prefixed
// buildURL rule (discovery endpoints are never namespaced) by constructing
// the path directly against /api or /apis root rather than through Call's
// version-prefixing logic.
func (s *Session) rawCall(ctx context.Context, method, absPath string) (*Response, error) {
	bundle := s.holder.Current()
	client, err := s.httpClientFor(bundle)
	if err != nil {
		return nil, err
	}
	fullURL := strings.TrimRight(bundle.ServerURL, "/") + absPath
	req, err := http.NewRequestWithContext(ctx, method, fullURL, nil)
	if err != nil {
		return nil, err
	}
	s.applyHeaders(req, bundle, CallOptions{})
	resp, err := client.Do(req)
	if err != nil {
		return nil, classifyNetworkError(err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if mapped := mapStatusError(resp.StatusCode, body); mapped != nil {
		return nil, mapped
	}
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}, nil
}
