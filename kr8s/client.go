// Package kr8s assembles the credential resolver (kauth), the resource
// registry (kregistry), and the HTTP session (ktransport) into a single
// *Client. Callers obtain kobjects.Object values bound to a Client and
// invoke operations on them.
package kr8s

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kr8s-go/kr8s/kauth"
	"github.com/kr8s-go/kr8s/kconfig"
	"github.com/kr8s-go/kr8s/kerrors"
	"github.com/kr8s-go/kr8s/kregistry"
	"github.com/kr8s-go/kr8s/ktransport"
)

var errNoKubeconfig = errors.New("no kubeconfig source and no explicit server URL configured")

// options collects the functional-option configuration of New.
type options struct {
	kubeconfigPaths []string
	kubeconfigBytes []byte
	contextName     string
	namespace       string
	serverURL       string
	fieldManager    string
	timeout         time.Duration
}

// Option configures New.
type Option func(*options)

// WithKubeconfig sets explicit kubeconfig file paths, taking priority
// over the KUBECONFIG environment variable and the default path.
func WithKubeconfig(paths ...string) Option {
	return func(o *options) { o.kubeconfigPaths = paths }
}

// WithKubeconfigBytes loads a kubeconfig document from memory instead of
// disk, bypassing path resolution entirely.
func WithKubeconfigBytes(data []byte) Option {
	return func(o *options) { o.kubeconfigBytes = data }
}

// WithContext selects a kubeconfig context by name, overriding the
// current-context entry.
func WithContext(name string) Option {
	return func(o *options) { o.contextName = name }
}

// WithNamespace overrides the active namespace used whenever an operation
// does not specify one.
func WithNamespace(ns string) Option {
	return func(o *options) { o.namespace = ns }
}

// WithServerURL bypasses kubeconfig/in-pod resolution entirely and talks
// to serverURL with no client authentication.
func WithServerURL(serverURL string) Option {
	return func(o *options) { o.serverURL = serverURL }
}

// WithFieldManager overrides the server-side-apply field manager from
// ktransport.DefaultFieldManager.
func WithFieldManager(name string) Option {
	return func(o *options) { o.fieldManager = name }
}

// WithTimeout sets the default per-request timeout applied by Call when
// the caller's CallOptions leaves Timeout unset. CallStream does not apply
// it.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// Client is the shared API handle that kobjects.Object and
// kwatch.Stream operate against.
type Client struct {
	session        *ktransport.Session
	registry       *kregistry.Registry
	holder         *kauth.Holder
	namespace      string
	defaultTimeout time.Duration
}

// New resolves credentials (explicit URL, else kubeconfig context, else
// in-pod service account, in that priority order) and assembles a Client
// ready for use.
func New(ctx context.Context, opts ...Option) (*Client, error) {
	var o options
	for _, apply := range opts {
		apply(&o)
	}

	resolver := kauth.NewResolver()

	var (
		set *kconfig.Set
		err error
	)
	switch {
	case o.serverURL != "":
		// priority (a): nothing more to resolve.
	case len(o.kubeconfigBytes) > 0:
		set, err = kconfig.LoadInline(o.kubeconfigBytes)
	default:
		set, err = kconfig.LoadPaths(kconfig.ResolvePaths(o.kubeconfigPaths))
	}
	loadErr := err

	rebuild := func() (*kauth.Bundle, error) {
		return resolveBundle(ctx, resolver, set, o)
	}
	initial, err := rebuild()
	if err != nil {
		if o.serverURL != "" {
			return nil, err
		}
		// no kubeconfig loads, or it is unusable; fall back to the in-pod
		// service account, which then also serves reauthentication.
		saBundle, saErr := resolver.ResolveServiceAccount(kauth.ServiceAccountDir)
		if saErr != nil {
			if loadErr != nil {
				return nil, loadErr
			}
			return nil, err
		}
		initial = saBundle
		rebuild = func() (*kauth.Bundle, error) {
			return resolver.ResolveServiceAccount(kauth.ServiceAccountDir)
		}
	}

	holder := kauth.NewHolder(initial, rebuild)
	session := ktransport.New(holder, o.fieldManager)
	registry := kregistry.New(session)

	namespace := o.namespace
	if namespace == "" {
		namespace = initial.Namespace
	}
	if namespace == "" {
		namespace = "default"
	}

	return &Client{session: session, registry: registry, holder: holder, namespace: namespace, defaultTimeout: o.timeout}, nil
}

func (c *Client) withDefaultTimeout(opts ktransport.CallOptions) ktransport.CallOptions {
	if opts.Timeout == 0 {
		opts.Timeout = c.defaultTimeout
	}
	return opts
}

func resolveBundle(ctx context.Context, resolver *kauth.Resolver, set *kconfig.Set, o options) (*kauth.Bundle, error) {
	if o.serverURL != "" {
		return resolver.ResolveURL(o.serverURL)
	}
	if set == nil {
		return nil, &kerrors.ConfigInvalid{Cause: errNoKubeconfig}
	}
	return resolver.ResolveKubeconfig(ctx, set, o.contextName)
}

// Namespace returns the active namespace, satisfying kobjects.Handle and
// kwatch.Handle.
func (c *Client) Namespace() string { return c.namespace }

// FieldManager returns the configured server-side-apply field manager.
func (c *Client) FieldManager() string { return c.session.FieldManager() }

// Lookup resolves kindRef against the registry, fetching discovery from
// the live server on a cache miss.
func (c *Client) Lookup(ctx context.Context, kindRef string) (kregistry.ResourceDescriptor, error) {
	return c.registry.Lookup(ctx, kindRef)
}

// RegisterKind adds a dynamically constructed descriptor (e.g. for a CRD
// the caller already knows the shape of).
func (c *Client) RegisterKind(d kregistry.ResourceDescriptor) {
	c.registry.RegisterKind(d)
}

// Call issues a single request and buffers the response body.
func (c *Client) Call(ctx context.Context, method, version, path string, opts ktransport.CallOptions) (*ktransport.Response, error) {
	return c.session.Call(ctx, method, version, path, c.withDefaultTimeout(opts))
}

// CallStream issues a request and returns the live response for the
// caller to stream (logs, watch). The default timeout is deliberately not
// applied here: a streaming response (follow=true logs, watch) is meant
// to run for as long as the caller's own context allows.
func (c *Client) CallStream(ctx context.Context, method, version, path string, opts ktransport.CallOptions) (*http.Response, error) {
	return c.session.CallStream(ctx, method, version, path, opts)
}

// OpenWebSocket dials an exec/attach/portforward subresource.
func (c *Client) OpenWebSocket(ctx context.Context, version, path, namespace string, params url.Values, subprotocols []string) (*websocket.Conn, string, error) {
	return c.session.OpenWebSocket(ctx, version, path, namespace, params, subprotocols)
}

// CheckVersion logs (does not fail) when the server version falls
// outside the compiled compatibility window.
func (c *Client) CheckVersion(ctx context.Context) {
	c.session.CheckVersion(ctx)
}

// Reauthenticate rebuilds the credential bundle from its original source
// and atomically swaps it in, serialized behind the holder's lock.
func (c *Client) Reauthenticate() (*kauth.Bundle, error) {
	return c.holder.Reauthenticate()
}
