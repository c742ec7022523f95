// Package kobjects implements the object model: a uniform wrapper over
// arbitrary resource documents with metadata/spec/status accessors and
// the shared per-instance operations (get, create, patch, delete, scale,
// refresh, wait, watch, adopt). Typed subclasses (Pod, Service, the
// workload kinds) embed *Object and add resource-specific operations.
package kobjects

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"github.com/kr8s-go/kr8s/kerrors"
	"github.com/kr8s-go/kr8s/kregistry"
	"github.com/kr8s-go/kr8s/ktransport"
)

// Handle is the narrow surface kobjects needs from the shared API handle
// assembled by the root kr8s package, kept as an interface so this
// package depends on behavior rather than on the concrete client.
// OpenWebSocket is included so the Pod/Service subclasses in this package
// can drive kexec/kportforward without widening their own constructors.
type Handle interface {
	Namespace() string
	Lookup(ctx context.Context, kindRef string) (kregistry.ResourceDescriptor, error)
	Call(ctx context.Context, method, version, path string, opts ktransport.CallOptions) (*ktransport.Response, error)
	CallStream(ctx context.Context, method, version, path string, opts ktransport.CallOptions) (*http.Response, error)
	OpenWebSocket(ctx context.Context, version, path, namespace string, params url.Values, subprotocols []string) (*websocket.Conn, string, error)
	FieldManager() string
}

// PatchType selects the PATCH content-type.
type PatchType int

const (
	PatchMerge PatchType = iota
	PatchJSON
	PatchStrategic
	PatchApply
)

func (t PatchType) contentType() string {
	switch t {
	case PatchJSON:
		return "application/json-patch+json"
	case PatchStrategic:
		return "application/strategic-merge-patch+json"
	case PatchApply:
		return "application/apply-patch+yaml"
	default:
		return "application/merge-patch+json"
	}
}

// Object is a wrapper around a raw resource document bound to a Handle,
// plus its resolved descriptor. Typed
// subclasses (Pod, Service, ...) embed *Object and add resource-specific
// operations.
type Object struct {
	handle     Handle
	descriptor kregistry.ResourceDescriptor
	raw        *unstructured.Unstructured
}

// New wraps an existing document (e.g. returned by a previous call) as an
// Object bound to handle. The document's apiVersion/kind are overwritten
// from descriptor on every serialization.
func New(handle Handle, descriptor kregistry.ResourceDescriptor, raw *unstructured.Unstructured) *Object {
	if raw == nil {
		raw = &unstructured.Unstructured{Object: map[string]any{}}
	}
	o := &Object{handle: handle, descriptor: descriptor, raw: raw}
	o.stampAPIVersionKind()
	return o
}

// NewFromKind resolves kindRef via the handle's registry and constructs an
// empty Object of that kind, used by callers building a new resource to
// create.
func NewFromKind(ctx context.Context, handle Handle, kindRef string) (*Object, error) {
	descriptor, err := handle.Lookup(ctx, kindRef)
	if err != nil {
		return nil, err
	}
	return New(handle, descriptor, nil), nil
}

func (o *Object) stampAPIVersionKind() {
	apiVersion := o.descriptor.GVR.Version
	if o.descriptor.GVR.Group != "" {
		apiVersion = o.descriptor.GVR.Group + "/" + o.descriptor.GVR.Version
	}
	o.raw.Object["apiVersion"] = apiVersion
	o.raw.Object["kind"] = o.descriptor.Kind
}

// Raw exposes the wrapped document.
func (o *Object) Raw() *unstructured.Unstructured { return o.raw }

// Descriptor exposes the resolved GVR/namespaced/scalable metadata.
func (o *Object) Descriptor() kregistry.ResourceDescriptor { return o.descriptor }

// Name returns metadata.name, falling back to metadata.generateName.
// Fails if neither is present.
func (o *Object) Name() (string, error) {
	if name := o.raw.GetName(); name != "" {
		return name, nil
	}
	if gen := o.raw.GetGenerateName(); gen != "" {
		return gen, nil
	}
	return "", &kerrors.ValueError{Message: "object has neither metadata.name nor metadata.generateName"}
}

// Namespace returns metadata.namespace, defaulting to the handle's
// active namespace when the descriptor says the kind is namespaced and
// the field is unset at read time.
func (o *Object) Namespace() string {
	if ns := o.raw.GetNamespace(); ns != "" {
		return ns
	}
	if o.descriptor.Namespaced {
		return o.handle.Namespace()
	}
	return ""
}

// Labels/Annotations expose metadata maps.
func (o *Object) Labels() map[string]string      { return o.raw.GetLabels() }
func (o *Object) Annotations() map[string]string { return o.raw.GetAnnotations() }

func (o *Object) basePath(name string) string {
	plural := o.descriptor.Name
	if name == "" {
		return "/" + plural
	}
	return "/" + plural + "/" + name
}

func (o *Object) apiVersionPath() string {
	if o.descriptor.GVR.Group == "" {
		return "v1"
	}
	return o.descriptor.GVR.Group + "/" + o.descriptor.GVR.Version
}

func (o *Object) namespaceForCall() string {
	if o.descriptor.Namespaced {
		return o.Namespace()
	}
	return ""
}

// overwrite replaces the wrapped document with server response bytes,
// re-stamping apiVersion/kind from the class constants.
func (o *Object) overwrite(body []byte) error {
	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		return &kerrors.ValueError{Message: fmt.Sprintf("decoding server response: %v", err)}
	}
	o.raw = &unstructured.Unstructured{Object: doc}
	o.stampAPIVersionKind()
	return nil
}

// Create issues a POST and overwrites self with the server response.
func (o *Object) Create(ctx context.Context) error {
	body, err := json.Marshal(o.raw.Object)
	if err != nil {
		return &kerrors.ValueError{Message: err.Error()}
	}
	resp, err := o.handle.Call(ctx, http.MethodPost, o.apiVersionPath(), o.basePath(""), ktransport.CallOptions{
		Namespace: o.namespaceForCall(),
		Body:      body,
	})
	if err != nil {
		return err
	}
	return o.overwrite(resp.Body)
}

// Refresh issues a GET and overwrites self.
func (o *Object) Refresh(ctx context.Context) error {
	name, err := o.Name()
	if err != nil {
		return err
	}
	resp, err := o.handle.Call(ctx, http.MethodGet, o.apiVersionPath(), o.basePath(name), ktransport.CallOptions{
		Namespace: o.namespaceForCall(),
	})
	if err != nil {
		return err
	}
	return o.overwrite(resp.Body)
}

// Exists is a HEAD-like existence check: a cheap GET
// discarding the body. When ensure is true, a NotFoundError is returned
// instead of (false, nil).
func (o *Object) Exists(ctx context.Context, ensure bool) (bool, error) {
	name, err := o.Name()
	if err != nil {
		return false, err
	}
	_, err = o.handle.Call(ctx, http.MethodGet, o.apiVersionPath(), o.basePath(name), ktransport.CallOptions{
		Namespace: o.namespaceForCall(),
	})
	if err == nil {
		return true, nil
	}
	if kerrors.IsNotFound(err) {
		if ensure {
			return false, err
		}
		return false, nil
	}
	return false, err
}

// DeleteOptions configures Delete.
type DeleteOptions struct {
	PropagationPolicy string // "Orphan" | "Background" | "Foreground"
}

// Delete issues a DELETE with an optional propagation policy.
func (o *Object) Delete(ctx context.Context, opts DeleteOptions) error {
	name, err := o.Name()
	if err != nil {
		return err
	}
	params := url.Values{}
	if opts.PropagationPolicy != "" {
		params.Set("propagationPolicy", opts.PropagationPolicy)
	}
	_, err = o.handle.Call(ctx, http.MethodDelete, o.apiVersionPath(), o.basePath(name), ktransport.CallOptions{
		Namespace: o.namespaceForCall(),
		Params:    params,
	})
	return err
}

// PatchOptions configures Patch.
type PatchOptions struct {
	Type         PatchType
	Subresource  string
	FieldManager string
	Force        bool
}

// Patch issues a PATCH and overwrites self with the server response.
func (o *Object) Patch(ctx context.Context, body []byte, opts PatchOptions) error {
	if len(body) == 0 {
		return &kerrors.ValueError{Message: "patch body must not be empty"}
	}
	name, err := o.Name()
	if err != nil {
		return err
	}
	path := o.basePath(name)
	if opts.Subresource != "" {
		path += "/" + opts.Subresource
	}

	params := url.Values{}
	fieldManager := opts.FieldManager
	if fieldManager == "" {
		fieldManager = o.handle.FieldManager()
	}
	if opts.Type == PatchApply {
		params.Set("fieldManager", fieldManager)
		if opts.Force {
			params.Set("force", "true")
		}
	}

	resp, err := o.handle.Call(ctx, "PATCH", o.apiVersionPath(), path, ktransport.CallOptions{
		Namespace: o.namespaceForCall(),
		Params:    params,
		Headers:   map[string][]string{"Content-Type": {opts.Type.contentType()}},
		Body:      body,
	})
	if err != nil {
		return err
	}
	return o.overwrite(resp.Body)
}

// lastAppliedAnnotation mirrors kubectl's client-side-apply bookkeeping
// key, used by Apply(serverSide=false).
const lastAppliedAnnotation = "kubectl.kubernetes.io/last-applied-configuration"

// Apply mirrors kubectl apply: client-side sets the last-applied annotation
// and POSTs (if absent) or merge-PATCHes (if present); server-side PATCHes
// with the apply content-type.
func (o *Object) Apply(ctx context.Context, serverSide bool, force bool) error {
	if serverSide {
		body, err := json.Marshal(o.raw.Object)
		if err != nil {
			return &kerrors.ValueError{Message: err.Error()}
		}
		return o.Patch(ctx, body, PatchOptions{Type: PatchApply, Force: force})
	}

	snapshot, err := json.Marshal(o.raw.Object)
	if err != nil {
		return &kerrors.ValueError{Message: err.Error()}
	}
	annotations := o.raw.GetAnnotations()
	if annotations == nil {
		annotations = map[string]string{}
	}
	annotations[lastAppliedAnnotation] = string(snapshot)
	o.raw.SetAnnotations(annotations)

	exists, err := o.Exists(ctx, false)
	if err != nil {
		return err
	}
	if !exists {
		return o.Create(ctx)
	}
	body, err := json.Marshal(o.raw.Object)
	if err != nil {
		return &kerrors.ValueError{Message: err.Error()}
	}
	return o.Patch(ctx, body, PatchOptions{Type: PatchMerge})
}

// Annotate merges entries into metadata.annotations via a merge-patch.
func (o *Object) Annotate(ctx context.Context, values map[string]string) error {
	if len(values) == 0 {
		return &kerrors.ValueError{Message: "annotate requires a non-empty map"}
	}
	return o.metadataMergePatch(ctx, "annotations", values)
}

// Label merges entries into metadata.labels via a merge-patch.
func (o *Object) Label(ctx context.Context, values map[string]string) error {
	if len(values) == 0 {
		return &kerrors.ValueError{Message: "label requires a non-empty map"}
	}
	return o.metadataMergePatch(ctx, "labels", values)
}

func (o *Object) metadataMergePatch(ctx context.Context, field string, values map[string]string) error {
	patch := map[string]any{"metadata": map[string]any{field: values}}
	body, err := json.Marshal(patch)
	if err != nil {
		return &kerrors.ValueError{Message: err.Error()}
	}
	return o.Patch(ctx, body, PatchOptions{Type: PatchMerge})
}

// ownerReference builds metadata.ownerReferences[0] with
// controller=true/blockOwnerDeletion=true.
func ownerReference(parent *Object) (map[string]any, error) {
	name, err := parent.Name()
	if err != nil {
		return nil, err
	}
	apiVersion := parent.apiVersionPath()
	if parent.descriptor.GVR.Group == "" {
		apiVersion = parent.descriptor.GVR.Version
	}
	return map[string]any{
		"apiVersion":         apiVersion,
		"kind":               parent.descriptor.Kind,
		"name":               name,
		"uid":                parent.raw.GetUID(),
		"controller":         true,
		"blockOwnerDeletion": true,
	}, nil
}

// SetOwner sets o's ownerReferences[0] to point at parent and PATCHes.
func (o *Object) SetOwner(ctx context.Context, parent *Object) error {
	ref, err := ownerReference(parent)
	if err != nil {
		return err
	}
	patch := map[string]any{"metadata": map[string]any{"ownerReferences": []any{ref}}}
	body, err := json.Marshal(patch)
	if err != nil {
		return &kerrors.ValueError{Message: err.Error()}
	}
	return o.Patch(ctx, body, PatchOptions{Type: PatchMerge})
}

// Adopt sets child's ownerReferences[0] to point at o.
func (o *Object) Adopt(ctx context.Context, child *Object) error {
	return child.SetOwner(ctx, o)
}

// Scale patches the descriptor's scalable field and waits until the
// observed value equals replicas. A descriptor that is not scalable is a
// NotImplementedError.
func (o *Object) Scale(ctx context.Context, replicas int64) error {
	if !o.descriptor.Scalable {
		return &kerrors.NotImplementedError{Operation: "scale", Kind: o.descriptor.Kind}
	}
	field := strings.TrimPrefix(o.descriptor.ScalableField, "/")
	parts := strings.Split(field, "/")
	patchBody := map[string]any{}
	cursor := patchBody
	for i, p := range parts {
		if i == len(parts)-1 {
			cursor[p] = replicas
			break
		}
		next := map[string]any{}
		cursor[p] = next
		cursor = next
	}
	body, err := json.Marshal(patchBody)
	if err != nil {
		return &kerrors.ValueError{Message: err.Error()}
	}
	// The /scale subresource always speaks the autoscaling/v1.Scale schema
	// (spec.replicas only), which can't carry Job's spec.parallelism; patch
	// the descriptor's scalable field directly on the main resource instead.
	if err := o.Patch(ctx, body, PatchOptions{Type: PatchMerge}); err != nil {
		return err
	}
	return o.observeScale(ctx, field, replicas)
}

// observeScale polls until the observed field value equals the desired
// replica count.
func (o *Object) observeScale(ctx context.Context, field string, replicas int64) error {
	path := strings.Split(field, "/")
	for {
		if err := o.Refresh(ctx); err != nil {
			return err
		}
		if observed, ok := nestedCount(o.raw.Object, path); ok && observed == replicas {
			return nil
		}
		select {
		case <-ctx.Done():
			return &kerrors.TimeoutError{Conditions: []string{fmt.Sprintf("%s==%d", field, replicas)}}
		case <-time.After(200 * time.Millisecond):
		}
	}
}

// nestedCount reads an integer-valued field from a document that may
// have round-tripped through encoding/json, which decodes every JSON
// number as float64.
func nestedCount(obj map[string]any, path []string) (int64, bool) {
	val, found, err := unstructured.NestedFieldNoCopy(obj, path...)
	if err != nil || !found {
		return 0, false
	}
	switch n := val.(type) {
	case int64:
		return n, true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}
