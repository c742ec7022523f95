package kobjects

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"github.com/kr8s-go/kr8s/kerrors"
	"github.com/kr8s-go/kr8s/kregistry"
	"github.com/kr8s-go/kr8s/ktransport"
)

// fakeHandle is a minimal Handle backed by an httptest.Server, routing
// purely on the request path Object builds (ignoring the
// version/namespace URL-shaping ktransport.Session does, since that is
// exercised separately by ktransport's own tests).
type fakeHandle struct {
	t         *testing.T
	srv       *httptest.Server
	namespace string
}

func newFakeHandle(t *testing.T, mux *http.ServeMux) *fakeHandle {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return &fakeHandle{t: t, srv: srv, namespace: "default"}
}

func (f *fakeHandle) Namespace() string { return f.namespace }

func (f *fakeHandle) Lookup(ctx context.Context, kindRef string) (kregistry.ResourceDescriptor, error) {
	reg := kregistry.New(nil)
	return reg.Lookup(ctx, kindRef)
}

func (f *fakeHandle) Call(ctx context.Context, method, version, path string, opts ktransport.CallOptions) (*ktransport.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, f.srv.URL+path, nil)
	require.NoError(f.t, err)
	if opts.Params != nil {
		req.URL.RawQuery = opts.Params.Encode()
	}
	if len(opts.Body) > 0 {
		req, err = http.NewRequestWithContext(ctx, method, f.srv.URL+path, httpBody(opts.Body))
		require.NoError(f.t, err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusNotFound {
		// ktransport's status mapping turns a 404 into NotFoundError.
		return nil, &kerrors.NotFoundError{}
	}
	return &ktransport.Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}, nil
}

func (f *fakeHandle) CallStream(ctx context.Context, method, version, path string, opts ktransport.CallOptions) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, f.srv.URL+path, nil)
	require.NoError(f.t, err)
	return http.DefaultClient.Do(req)
}

func (f *fakeHandle) OpenWebSocket(ctx context.Context, version, path, namespace string, params url.Values, subprotocols []string) (*websocket.Conn, string, error) {
	return nil, "", assert.AnError
}

func (f *fakeHandle) FieldManager() string { return "kr8s-go" }

func httpBody(b []byte) *bodyReader { return &bodyReader{b: b} }

type bodyReader struct {
	b []byte
	i int
}

func (r *bodyReader) Read(p []byte) (int, error) {
	if r.i >= len(r.b) {
		return 0, io.EOF
	}
	n := copy(p, r.b[r.i:])
	r.i += n
	return n, nil
}

func podDoc(name string) *unstructured.Unstructured {
	return &unstructured.Unstructured{Object: map[string]any{
		"metadata": map[string]any{"name": name, "namespace": "default"},
	}}
}

func TestObject_CreateRefreshPatch(t *testing.T) {
	var created, patched bool
	mux := http.NewServeMux()
	mux.HandleFunc("/pods", func(w http.ResponseWriter, r *http.Request) {
		created = true
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"metadata":{"name":"p1","namespace":"default"}}`))
	})
	mux.HandleFunc("/pods/p1", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			if patched {
				w.Write([]byte(`{"metadata":{"name":"p1","namespace":"default","labels":{"patched":"true"}}}`))
				return
			}
			w.Write([]byte(`{"metadata":{"name":"p1","namespace":"default"}}`))
		case "PATCH":
			patched = true
			w.Write([]byte(`{"metadata":{"name":"p1","namespace":"default","labels":{"patched":"true"}}}`))
		}
	})
	handle := newFakeHandle(t, mux)

	descriptor := kregistry.ResourceDescriptor{Name: "pods", Kind: "Pod", Namespaced: true}
	obj := New(handle, descriptor, podDoc("p1"))

	require.NoError(t, obj.Create(context.Background()))
	assert.True(t, created)

	// patch then refresh, expect labels["patched"] == "true".
	body, err := json.Marshal(map[string]any{"metadata": map[string]any{"labels": map[string]string{"patched": "true"}}})
	require.NoError(t, err)
	require.NoError(t, obj.Patch(context.Background(), body, PatchOptions{Type: PatchMerge}))
	require.NoError(t, obj.Refresh(context.Background()))
	assert.Equal(t, "true", obj.Labels()["patched"])
}

func TestObject_NameFallsBackToGenerateName(t *testing.T) {
	descriptor := kregistry.ResourceDescriptor{Name: "pods", Kind: "Pod", Namespaced: true}
	obj := New(nil, descriptor, &unstructured.Unstructured{Object: map[string]any{
		"metadata": map[string]any{"generateName": "p-"},
	}})
	name, err := obj.Name()
	require.NoError(t, err)
	assert.Equal(t, "p-", name)
}

func TestObject_NameMissingErrors(t *testing.T) {
	descriptor := kregistry.ResourceDescriptor{Name: "pods", Kind: "Pod", Namespaced: true}
	obj := New(nil, descriptor, &unstructured.Unstructured{Object: map[string]any{}})
	_, err := obj.Name()
	assert.Error(t, err)
}

func TestObject_ScaleNotScalable(t *testing.T) {
	descriptor := kregistry.ResourceDescriptor{Name: "configmaps", Kind: "ConfigMap", Namespaced: true}
	obj := New(nil, descriptor, podDoc("cm1"))
	err := obj.Scale(context.Background(), 3)
	var notImpl *kerrors.NotImplementedError
	require.ErrorAs(t, err, &notImpl)
	assert.Equal(t, "scale", notImpl.Operation)
}

func TestObject_Scale(t *testing.T) {
	var patched bool
	mux := http.NewServeMux()
	// The server response round-trips through encoding/json, so
	// spec.replicas comes back as a float64; Scale must still observe it.
	mux.HandleFunc("/deployments/d1", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == "PATCH" {
			patched = true
		}
		w.Write([]byte(`{"metadata":{"name":"d1","namespace":"default"},"spec":{"replicas":2}}`))
	})
	handle := newFakeHandle(t, mux)
	descriptor := kregistry.ResourceDescriptor{
		Name: "deployments", Kind: "Deployment", Namespaced: true,
		Scalable: true, ScalableField: "/spec/replicas",
	}
	obj := New(handle, descriptor, &unstructured.Unstructured{Object: map[string]any{
		"metadata": map[string]any{"name": "d1", "namespace": "default"},
		"spec":     map[string]any{"replicas": int64(1)},
	}})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, obj.Scale(ctx, 2))
	assert.True(t, patched)
}

func TestObject_Exists(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/pods/p1", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"metadata":{"name":"p1"}}`))
	})
	mux.HandleFunc("/pods/missing", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"kind":"Status","status":"Failure","reason":"NotFound"}`))
	})
	handle := newFakeHandle(t, mux)
	descriptor := kregistry.ResourceDescriptor{Name: "pods", Kind: "Pod", Namespaced: true}

	found := New(handle, descriptor, podDoc("p1"))
	ok, err := found.Exists(context.Background(), false)
	require.NoError(t, err)
	assert.True(t, ok)

	missing := New(handle, descriptor, podDoc("missing"))
	ok, err = missing.Exists(context.Background(), false)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestList_AllowUnknownType(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/widgets", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"metadata":{"resourceVersion":"1"},"items":[{"metadata":{"name":"w1"}}]}`))
	})
	handle := newFakeHandle(t, mux)

	_, _, err := List(context.Background(), handle, "widget.example.com", ListOptions{})
	var unknown *kerrors.KindUnknown
	require.ErrorAs(t, err, &unknown)

	objs, _, err := List(context.Background(), handle, "widget.example.com", ListOptions{AllowUnknownType: true})
	require.NoError(t, err)
	require.Len(t, objs, 1)
	name, err := objs[0].Name()
	require.NoError(t, err)
	assert.Equal(t, "w1", name)
	assert.Equal(t, "widgets", objs[0].Descriptor().Name)
	assert.True(t, objs[0].Descriptor().Namespaced)
}
