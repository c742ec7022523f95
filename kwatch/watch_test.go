package kwatch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/watch"

	"github.com/kr8s-go/kr8s/kauth"
	"github.com/kr8s-go/kr8s/kregistry"
	"github.com/kr8s-go/kr8s/ktransport"
)

type fakeHandle struct {
	srv *httptest.Server
}

func (f *fakeHandle) Namespace() string { return "default" }

// CallStream goes through a real ktransport.Session so the request URL
// (/api/v1/namespaces/<ns>/...) and the error-status mapping (410 ->
// ServerError) are the ones kwatch sees in production.
func (f *fakeHandle) CallStream(ctx context.Context, method, version, path string, opts ktransport.CallOptions) (*http.Response, error) {
	session := ktransport.New(kauth.NewHolder(&kauth.Bundle{ServerURL: f.srv.URL}, nil), "")
	return session.CallStream(ctx, method, version, path, opts)
}

var podDescriptor = kregistry.ResourceDescriptor{
	GVR:        schema.GroupVersionResource{Version: "v1", Resource: "pods"},
	Name:       "pods",
	Kind:       "Pod",
	Namespaced: true,
}

func TestStream_ListThenWatch(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/namespaces/default/pods", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("watch") == "true" {
			w.WriteHeader(http.StatusOK)
			flusher := w.(http.Flusher)
			w.Write([]byte(`{"type":"MODIFIED","object":{"metadata":{"name":"p1","resourceVersion":"2"}}}` + "\n"))
			flusher.Flush()
			<-r.Context().Done()
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"metadata":{"resourceVersion":"1"},"items":[{"metadata":{"name":"p1","resourceVersion":"1"}}]}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, stop, err := Stream(ctx, &fakeHandle{srv: srv}, podDescriptor, Options{})
	require.NoError(t, err)
	defer stop()

	first := <-events
	assert.Equal(t, watch.Added, first.Type)
	assert.Equal(t, "p1", first.Object.GetName())

	second := <-events
	assert.Equal(t, watch.Modified, second.Type)
}

func TestWatchOnce_GoneRestartsList(t *testing.T) {
	calls := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/namespaces/default/pods", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("watch") == "true" {
			calls++
			w.WriteHeader(http.StatusGone)
			w.Write([]byte(`{"kind":"Status","status":"Failure","code":410,"reason":"Gone"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"metadata":{"resourceVersion":"1"},"items":[]}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	_, gone, err := watchOnce(context.Background(), &fakeHandle{srv: srv}, podDescriptor, Options{}, "1", make(chan Event, 1))
	require.NoError(t, err)
	assert.True(t, gone)
}

// TestStream_Reconnect verifies the reconnect loop doesn't busy-spin forever
// once the caller cancels, draining within a short deadline.
func TestStream_Reconnect(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/namespaces/default/pods", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("watch") == "true" {
			w.WriteHeader(http.StatusOK)
			// immediate EOF: the caller should reconnect, not error out.
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"metadata":{"resourceVersion":"1"},"items":[]}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	events, stop, err := Stream(ctx, &fakeHandle{srv: srv}, podDescriptor, Options{})
	require.NoError(t, err)
	defer stop()

	for range events {
		// drain until the channel closes on ctx cancellation.
	}
}

func TestStream_SinceSkipsList(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/namespaces/default/pods", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("watch") != "true" {
			t.Error("unexpected LIST when Since is set")
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		if rv := r.URL.Query().Get("resourceVersion"); rv != "5" && rv != "6" {
			t.Errorf("unexpected resourceVersion %q", rv)
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"type":"MODIFIED","object":{"metadata":{"name":"p1","resourceVersion":"6"}}}` + "\n"))
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, stop, err := Stream(ctx, &fakeHandle{srv: srv}, podDescriptor, Options{Since: "5"})
	require.NoError(t, err)
	defer stop()

	ev := <-events
	assert.Equal(t, watch.Modified, ev.Type)
	assert.Equal(t, "p1", ev.Object.GetName())
}
