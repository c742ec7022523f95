package kobjects

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"github.com/kr8s-go/kr8s/kexec"
	"github.com/kr8s-go/kr8s/kportforward"
	"github.com/kr8s-go/kr8s/kregistry"
	"github.com/kr8s-go/kr8s/ktransport"
)

// Service extends Object with ReadyPods, PortForward, Exec, proxy
// helpers, and a Ready predicate.
type Service struct {
	*Object
}

// NewService wraps an existing document as a typed Service.
func NewService(handle Handle, raw *unstructured.Unstructured) *Service {
	return &Service{Object: New(handle, serviceDescriptor(), raw)}
}

func serviceDescriptor() kregistry.ResourceDescriptor {
	for _, d := range kregistry.BuiltIns() {
		if d.Kind == "Service" {
			return d
		}
	}
	panic("kobjects: services missing from built-in descriptor table")
}

// AsService narrows a generic Object already known to be a Service.
func AsService(o *Object) *Service { return &Service{Object: o} }

func (s *Service) selectorString() (string, bool) {
	selector, found, err := unstructured.NestedStringMap(s.raw.Object, "spec", "selector")
	if err != nil || !found || len(selector) == 0 {
		return "", false
	}
	parts := make([]string, 0, len(selector))
	for k, v := range selector {
		parts = append(parts, k+"="+v)
	}
	return strings.Join(parts, ","), true
}

// ReadyPods returns the pods matching the service's spec.selector in its
// namespace whose Ready condition is True.
func (s *Service) ReadyPods(ctx context.Context) ([]*Pod, error) {
	labelSelector, ok := s.selectorString()
	if !ok {
		return nil, nil
	}
	objs, _, err := ListByDescriptor(ctx, s.handle, podDescriptor(), ListOptions{
		Namespace:     s.Namespace(),
		LabelSelector: labelSelector,
	})
	if err != nil {
		return nil, err
	}
	var ready []*Pod
	for _, o := range objs {
		p := AsPod(o)
		if p.Ready() {
			ready = append(ready, p)
		}
	}
	return ready, nil
}

func (s *Service) readyPodRefs(ctx context.Context, opts ExecOptions) ([]kexec.PodRef, error) {
	pods, err := s.ReadyPods(ctx)
	if err != nil {
		return nil, err
	}
	refs := make([]kexec.PodRef, 0, len(pods))
	for _, p := range pods {
		p := p
		name, err := p.Name()
		if err != nil {
			continue
		}
		refs = append(refs, kexec.PodRef{
			Name: name,
			Dial: func(ctx context.Context) (*kexec.Session, error) {
				return p.Exec(ctx, opts)
			},
		})
	}
	return refs, nil
}

// Exec iterates ready pods (attempt mod len(pods)) with retry, since a
// Service has no single exec target of its own.
func (s *Service) Exec(ctx context.Context, opts ExecOptions) (*kexec.Session, error) {
	return kexec.RunViaReadyPods(ctx, func(ctx context.Context) ([]kexec.PodRef, error) {
		return s.readyPodRefs(ctx, opts)
	})
}

// PortForward picks a ready pod uniformly at random per new WebSocket,
// resetting selection and retrying with backoff on failure.
func (s *Service) PortForward(ctx context.Context, localPort, remotePort int, bindAddresses []string) (*kportforward.Forwarder, error) {
	target := kportforward.ReadyPodsTarget{
		ReadyPods: func(ctx context.Context) ([]kportforward.PodRef, error) {
			pods, err := s.ReadyPods(ctx)
			if err != nil {
				return nil, err
			}
			refs := make([]kportforward.PodRef, 0, len(pods))
			for _, p := range pods {
				p := p
				name, err := p.Name()
				if err != nil {
					continue
				}
				version, path, namespace := p.apiVersionPath(), p.basePath(name)+"/portforward", p.namespaceForCall()
				refs = append(refs, kportforward.PodRef{
					Name: name,
					Dial: func(dctx context.Context) (*websocket.Conn, error) {
						return kportforward.Open(dctx, p.handle, version, path, namespace, remotePort)
					},
				})
			}
			return refs, nil
		},
	}
	return kportforward.New(kportforward.Options{
		LocalPort:     localPort,
		RemotePort:    remotePort,
		BindAddresses: bindAddresses,
		Target:        target,
	}), nil
}

// Ready reports whether the service is usable: for LoadBalancer type, it
// requires at least one ingress entry; other types are always ready.
func (s *Service) Ready() bool {
	serviceType, _, _ := unstructured.NestedString(s.raw.Object, "spec", "type")
	if serviceType != string(corev1.ServiceTypeLoadBalancer) {
		return true
	}
	ingress, found, err := unstructured.NestedSlice(s.raw.Object, "status", "loadBalancer", "ingress")
	return err == nil && found && len(ingress) > 0
}

// ProxyGet issues a GET through the service's /proxy subresource,
// optionally targeting a named port (appended as "service:port") and a
// sub-path within the backend.
func (s *Service) ProxyGet(ctx context.Context, port, subPath string, params url.Values) ([]byte, error) {
	return s.proxyCall(ctx, http.MethodGet, port, subPath, params, nil)
}

func (s *Service) proxyCall(ctx context.Context, method, port, subPath string, params url.Values, body []byte) ([]byte, error) {
	name, err := s.Name()
	if err != nil {
		return nil, err
	}
	target := name
	if port != "" {
		target = name + ":" + port
	}
	path := s.proxyBasePath(target)
	if subPath != "" {
		if !strings.HasPrefix(subPath, "/") {
			path += "/"
		}
		path += subPath
	}
	resp, err := s.handle.Call(ctx, method, s.apiVersionPath(), path, ktransport.CallOptions{
		Namespace: s.namespaceForCall(),
		Params:    params,
		Body:      body,
	})
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// proxyBasePath rebuilds basePath(name) + "/proxy" with target (which may
// carry a ":port" suffix) substituted for the plain name segment.
func (s *Service) proxyBasePath(target string) string {
	return "/" + s.descriptor.Name + "/" + target + "/proxy"
}
