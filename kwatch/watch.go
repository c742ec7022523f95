// Package kwatch implements the watch/wait engine: a list-then-watch
// event emitter with resourceVersion resume, and the condition predicate
// evaluator backing wait (status-condition matching, jsonpath equality,
// and a deletion predicate, composable under any/all).
package kwatch

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/watch"

	"github.com/kr8s-go/kr8s/kerrors"
	"github.com/kr8s-go/kr8s/kregistry"
	"github.com/kr8s-go/kr8s/ktransport"
)

// Handle is the narrow transport surface kwatch needs: a namespace default
// and the streaming call primitive. Implemented by kr8s.Client, kept
// as an interface the same way kobjects.Handle is so kwatch never imports
// the kobjects package (no cycle between the two C5/Watch-Engine leaves).
type Handle interface {
	Namespace() string
	CallStream(ctx context.Context, method, version, path string, opts ktransport.CallOptions) (*http.Response, error)
}

// Event is one watch delivery: (phase, object).
type Event struct {
	Type   watch.EventType
	Object *unstructured.Unstructured
}

// Options configures Stream: selectors narrowing the LIST/WATCH pair, and
// an optional resume point. When Since is set the initial LIST (and its
// synthetic ADDED events) is skipped and the WATCH opens directly at that
// resourceVersion.
type Options struct {
	Namespace     string
	LabelSelector string
	FieldSelector string
	Since         string
}

func apiVersionPath(d kregistry.ResourceDescriptor) string {
	if d.GVR.Group == "" {
		return d.GVR.Version
	}
	return d.GVR.Group + "/" + d.GVR.Version
}

func resolveNamespace(handle Handle, d kregistry.ResourceDescriptor, opts Options) string {
	if !d.Namespaced {
		return ""
	}
	if opts.Namespace != "" {
		return opts.Namespace
	}
	return handle.Namespace()
}

func selectorParams(opts Options) url.Values {
	params := url.Values{}
	if opts.LabelSelector != "" {
		params.Set("labelSelector", opts.LabelSelector)
	}
	if opts.FieldSelector != "" {
		params.Set("fieldSelector", opts.FieldSelector)
	}
	return params
}

// listOnce issues a LIST against descriptor's collection endpoint, raising a
// synthetic ADDED event per item (preserving server order) and returning
// the list's resourceVersion to seed the subsequent WATCH.
func listOnce(ctx context.Context, handle Handle, d kregistry.ResourceDescriptor, opts Options) ([]Event, string, error) {
	params := selectorParams(opts)
	resp, err := handle.CallStream(ctx, http.MethodGet, apiVersionPath(d), "/"+d.Name, ktransport.CallOptions{
		Namespace: resolveNamespace(handle, d, opts),
		Params:    params,
	})
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	var list struct {
		Metadata struct {
			ResourceVersion string `json:"resourceVersion"`
		} `json:"metadata"`
		Items []map[string]any `json:"items"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, "", &kerrors.ValueError{Message: fmt.Sprintf("decoding list response: %v", err)}
	}

	events := make([]Event, 0, len(list.Items))
	for _, item := range list.Items {
		events = append(events, Event{Type: watch.Added, Object: &unstructured.Unstructured{Object: item}})
	}
	return events, list.Metadata.ResourceVersion, nil
}

// watchOnce opens a single WATCH stream at resourceVersion and relays raw
// {type, object} events onto ch until the stream ends (server disconnect,
// 410 Gone, or ctx cancellation). It returns the last observed
// resourceVersion (for reconnect) and whether the stream ended with a 410
// Gone (signalling a full list-then-watch restart).
func watchOnce(ctx context.Context, handle Handle, d kregistry.ResourceDescriptor, opts Options, resourceVersion string, ch chan<- Event) (lastRV string, gone bool, err error) {
	params := selectorParams(opts)
	params.Set("watch", "true")
	if resourceVersion != "" {
		params.Set("resourceVersion", resourceVersion)
	}

	resp, err := handle.CallStream(ctx, http.MethodGet, apiVersionPath(d), "/"+d.Name, ktransport.CallOptions{
		Namespace: resolveNamespace(handle, d, opts),
		Params:    params,
	})
	if err != nil {
		if se, ok := err.(*kerrors.ServerError); ok && se.StatusCode == http.StatusGone {
			return resourceVersion, true, nil
		}
		return resourceVersion, false, err
	}
	defer resp.Body.Close()

	lastRV = resourceVersion
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		var raw struct {
			Type   string         `json:"type"`
			Object map[string]any `json:"object"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &raw); err != nil {
			continue // a malformed line should not abort the whole watch
		}
		obj := &unstructured.Unstructured{Object: raw.Object}
		if rv := obj.GetResourceVersion(); rv != "" {
			lastRV = rv
		}
		select {
		case ch <- Event{Type: watch.EventType(raw.Type), Object: obj}:
		case <-ctx.Done():
			return lastRV, false, ctx.Err()
		}
	}
	if err := scanner.Err(); err != nil {
		return lastRV, false, &kerrors.ConnectionClosedError{Cause: err}
	}
	return lastRV, false, nil
}

// Stream runs the full list-then-watch loop with reconnect:
// on any disconnect that is not a cancellation, reconnect with the last
// observed resourceVersion; on HTTP 410 Gone, restart from the LIST.
// The returned channel is closed when ctx is cancelled; the returned stop
// function cancels the internal goroutine and should be called on every
// exit path.
func Stream(ctx context.Context, handle Handle, d kregistry.ResourceDescriptor, opts Options) (<-chan Event, func(), error) {
	var events []Event
	rv := opts.Since
	if rv == "" {
		var err error
		events, rv, err = listOnce(ctx, handle, d, opts)
		if err != nil {
			return nil, nil, err
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	ch := make(chan Event, len(events)+16)
	for _, e := range events {
		ch <- e
	}

	var once sync.Once
	stop := func() { once.Do(cancel) }

	go func() {
		defer close(ch)
		defer stop()
		defer func() {
			if r := recover(); r != nil {
				slog.Error("kr8s: watch relay goroutine panicked", "panic", r)
			}
		}()
		currentRV := rv
		for {
			select {
			case <-runCtx.Done():
				return
			default:
			}
			lastRV, gone, err := watchOnce(runCtx, handle, d, opts, currentRV, ch)
			if err != nil {
				if runCtx.Err() != nil {
					return
				}
				// Reconnect with the last observed resourceVersion.
				currentRV = lastRV
				continue
			}
			if gone {
				// 410 Gone: restart the whole list-then-watch loop.
				freshEvents, freshRV, err := listOnce(runCtx, handle, d, opts)
				if err != nil {
					if runCtx.Err() != nil {
						return
					}
					continue
				}
				for _, e := range freshEvents {
					select {
					case ch <- e:
					case <-runCtx.Done():
						return
					}
				}
				currentRV = freshRV
				continue
			}
			currentRV = lastRV
		}
	}()

	return ch, stop, nil
}
