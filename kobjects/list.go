package kobjects

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"time"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"github.com/kr8s-go/kr8s/kerrors"
	"github.com/kr8s-go/kr8s/kregistry"
	"github.com/kr8s-go/kr8s/ktransport"
)

func ktransportCallOpts(namespace string, params url.Values) ktransport.CallOptions {
	return ktransport.CallOptions{Namespace: namespace, Params: params}
}

// ListOptions configures List and the class-level Get-with-selectors
// path.
type ListOptions struct {
	Namespace     string
	LabelSelector string
	FieldSelector string

	// AllowUnknownType makes a KindUnknown lookup failure non-fatal: a
	// descriptor is synthesized from the reference itself, with
	// namespaced=true assumed.
	AllowUnknownType bool
}

// unstructuredList is the minimal shape needed to walk items without
// importing the full unstructured.UnstructuredList decode path twice.
type unstructuredList struct {
	Metadata struct {
		ResourceVersion string `json:"resourceVersion"`
	} `json:"metadata"`
	Items []map[string]any `json:"items"`
}

// List issues a LIST against descriptor's collection endpoint and returns
// one Object per item, plus the list's resourceVersion (used by kwatch to
// seed a watch). Kind is resolved via handle's registry.
func List(ctx context.Context, handle Handle, kindRef string, opts ListOptions) ([]*Object, string, error) {
	descriptor, err := handle.Lookup(ctx, kindRef)
	if err != nil {
		var unknown *kerrors.KindUnknown
		if !opts.AllowUnknownType || !errors.As(err, &unknown) {
			return nil, "", err
		}
		descriptor, err = synthesizeDescriptor(kindRef)
		if err != nil {
			return nil, "", err
		}
	}
	return ListByDescriptor(ctx, handle, descriptor, opts)
}

// synthesizeDescriptor builds a descriptor for a kind discovery has
// never seen: namespaced=true is assumed, and the version defaults to v1
// when the reference does not carry one.
func synthesizeDescriptor(kindRef string) (kregistry.ResourceDescriptor, error) {
	ref, err := kregistry.ParseKindReference(kindRef)
	if err != nil {
		return kregistry.ResourceDescriptor{}, err
	}
	version := ref.Version
	if version == "" {
		version = "v1"
	}
	return kregistry.NewKind(kregistry.KindSpec{
		Kind:       ref.Kind,
		Group:      ref.Group,
		Version:    version,
		Namespaced: true,
	}), nil
}

// ListByDescriptor is List without a fresh registry lookup, used when the
// caller already resolved a descriptor (e.g. a typed subclass constant).
func ListByDescriptor(ctx context.Context, handle Handle, descriptor kregistry.ResourceDescriptor, opts ListOptions) ([]*Object, string, error) {
	apiVersion := descriptor.GVR.Version
	if descriptor.GVR.Group != "" {
		apiVersion = descriptor.GVR.Group + "/" + descriptor.GVR.Version
	}

	params := url.Values{}
	if opts.LabelSelector != "" {
		params.Set("labelSelector", opts.LabelSelector)
	}
	if opts.FieldSelector != "" {
		params.Set("fieldSelector", opts.FieldSelector)
	}

	namespace := opts.Namespace
	if descriptor.Namespaced && namespace == "" {
		namespace = handle.Namespace()
	}
	if !descriptor.Namespaced {
		namespace = ""
	}

	resp, err := handle.Call(ctx, http.MethodGet, apiVersion, "/"+descriptor.Name, ktransportCallOpts(namespace, params))
	if err != nil {
		return nil, "", err
	}

	var list unstructuredList
	if err := json.Unmarshal(resp.Body, &list); err != nil {
		return nil, "", &kerrors.ValueError{Message: err.Error()}
	}

	objs := make([]*Object, 0, len(list.Items))
	for _, item := range list.Items {
		objs = append(objs, New(handle, descriptor, &unstructured.Unstructured{Object: item}))
	}
	return objs, list.Metadata.ResourceVersion, nil
}

// Get fetches a single named object, retrying transient 404s
// until timeout elapses (a new object can take a moment to become
// listable after creation on some API servers).
func Get(ctx context.Context, handle Handle, kindRef, name string, namespace string, timeout time.Duration) (*Object, error) {
	descriptor, err := handle.Lookup(ctx, kindRef)
	if err != nil {
		return nil, err
	}
	apiVersion := descriptor.GVR.Version
	if descriptor.GVR.Group != "" {
		apiVersion = descriptor.GVR.Group + "/" + descriptor.GVR.Version
	}
	if descriptor.Namespaced && namespace == "" {
		namespace = handle.Namespace()
	}
	if !descriptor.Namespaced {
		namespace = ""
	}

	deadline := time.Now().Add(timeout)
	for {
		resp, err := handle.Call(ctx, http.MethodGet, apiVersion, "/"+descriptor.Name+"/"+name, ktransportCallOpts(namespace, nil))
		if err == nil {
			var doc map[string]any
			if jerr := json.Unmarshal(resp.Body, &doc); jerr != nil {
				return nil, &kerrors.ValueError{Message: jerr.Error()}
			}
			return New(handle, descriptor, &unstructured.Unstructured{Object: doc}), nil
		}
		if !kerrors.IsNotFound(err) || timeout <= 0 || time.Now().After(deadline) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, err
		case <-time.After(200 * time.Millisecond):
		}
	}
}
