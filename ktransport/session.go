// Package ktransport implements the authenticated HTTP/1.1 + WebSocket
// transport: request shaping, error-status mapping, retry-on-reauth, the
// server version check, and discovery fetching for kregistry.
package ktransport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"golang.org/x/sync/singleflight"

	"github.com/kr8s-go/kr8s/kauth"
	"github.com/kr8s-go/kr8s/kerrors"
)

// UserAgent identifies this client to the API server.
const UserAgent = "kr8s-go/kr8s"

// DefaultFieldManager is used for server-side apply when the caller does
// not configure one explicitly.
const DefaultFieldManager = "kr8s-go"

// MinServerVersion/MaxServerVersion bound the compiled compatibility
// window. Mismatches log a warning and never fail.
var (
	MinServerVersion = semver.MustParse("1.23.0")
	MaxServerVersion = semver.MustParse("1.34.0")
)

// Response is the result of Call: the raw body plus enough metadata for
// callers to decode JSON or stream lines themselves.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// JSON unmarshals the response body into v.
func (r *Response) JSON(v any) error {
	return json.Unmarshal(r.Body, v)
}

// Session is the shared HTTP transport. A Session is bound to one
// CredentialBundle at a time via an *kauth.Holder; reauthentication swaps
// the bundle (and therefore the derived *http.Client) atomically.
type Session struct {
	holder       *kauth.Holder
	fieldManager string

	mu          sync.RWMutex
	clientCache map[string]*http.Client // keyed by bundle pointer identity via fmt.Sprintf("%p", bundle)

	versionOnce sync.Once

	discoveryGroup singleflight.Group
}

// New constructs a Session bound to holder. fieldManager overrides
// DefaultFieldManager when non-empty.
func New(holder *kauth.Holder, fieldManager string) *Session {
	if fieldManager == "" {
		fieldManager = DefaultFieldManager
	}
	return &Session{
		holder:       holder,
		fieldManager: fieldManager,
		clientCache:  make(map[string]*http.Client),
	}
}

// FieldManager returns the configured server-side-apply field manager.
func (s *Session) FieldManager() string { return s.fieldManager }

// httpClientFor returns a cached *http.Client for the given bundle,
// building a fresh one (with the bundle's TLS material) on first use.
// A reauthenticated bundle is a new pointer, so its client is rebuilt.
func (s *Session) httpClientFor(b *kauth.Bundle) (*http.Client, error) {
	key := fmt.Sprintf("%p", b)

	s.mu.RLock()
	client, ok := s.clientCache[key]
	s.mu.RUnlock()
	if ok {
		return client, nil
	}

	tlsCfg, err := b.TLSConfig()
	if err != nil {
		return nil, err
	}
	transport := &http.Transport{TLSClientConfig: tlsCfg}
	client = &http.Client{Transport: transport, Timeout: 0}

	s.mu.Lock()
	s.clientCache[key] = client
	s.mu.Unlock()
	return client, nil
}

// buildURL assembles the request URL: serverURL + "/api/<version>" if
// version=="v1" else "/apis/<version>", plus optional
// "/namespaces/<ns>", plus path.
func buildURL(serverURL, version, namespace, path string, params url.Values) (string, error) {
	base, err := url.Parse(serverURL)
	if err != nil {
		return "", &kerrors.ValueError{Message: fmt.Sprintf("invalid server URL: %v", err)}
	}

	var sb strings.Builder
	if version == "v1" {
		sb.WriteString("/api/v1")
	} else {
		sb.WriteString("/apis/")
		sb.WriteString(version)
	}
	if namespace != "" {
		sb.WriteString("/namespaces/")
		sb.WriteString(namespace)
	}
	if path != "" {
		if !strings.HasPrefix(path, "/") {
			sb.WriteString("/")
		}
		sb.WriteString(path)
	}
	base.Path = base.Path + sb.String()
	if params != nil {
		base.RawQuery = params.Encode()
	}
	return base.String(), nil
}

// CallOptions configures Call beyond the mandatory method/version/path.
type CallOptions struct {
	Namespace      string
	Params         url.Values
	Headers        http.Header
	Body           []byte
	Timeout        time.Duration
	RaiseForStatus bool // not read by Call; error mapping is on unless SuppressErrors is set
	SuppressErrors bool // when true, Call returns error statuses without mapping them to kerrors
}

// Call issues a single authenticated HTTP request and maps error
// statuses to their kerrors kinds. A 401 response triggers one
// reauthentication through the holder and a single retry. It is the sole
// non-streaming entry point; streaming reads (watch) use the returned Body
// reader directly via CallStream.
func (s *Session) Call(ctx context.Context, method, version, path string, opts CallOptions) (*Response, error) {
	resp, body, err := s.doRequest(ctx, method, version, path, opts)
	if err == nil && resp.StatusCode == http.StatusUnauthorized {
		if _, rerr := s.holder.Reauthenticate(); rerr == nil {
			resp, body, err = s.doRequest(ctx, method, version, path, opts)
		}
	}
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	r := &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}

	raise := true
	if opts.SuppressErrors {
		raise = false
	}
	if raise {
		if mapped := mapStatusError(resp.StatusCode, body); mapped != nil {
			return r, mapped
		}
	}
	return r, nil
}

// CallStream issues a request and returns the live response for the
// caller to read incrementally (used by watch and streamed pod logs).
// The caller owns resp.Body and must close it.
func (s *Session) CallStream(ctx context.Context, method, version, path string, opts CallOptions) (*http.Response, error) {
	bundle := s.holder.Current()
	client, err := s.httpClientFor(bundle)
	if err != nil {
		return nil, err
	}

	fullURL, err := buildURL(bundle.ServerURL, version, opts.Namespace, path, opts.Params)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, bytes.NewReader(opts.Body))
	if err != nil {
		return nil, err
	}
	s.applyHeaders(req, bundle, opts)

	resp, err := client.Do(req)
	if err != nil {
		return nil, classifyNetworkError(err)
	}
	if mapped := mapStatusError(resp.StatusCode, nil); mapped != nil {
		resp.Body.Close()
		return nil, mapped
	}
	return resp, nil
}

func (s *Session) doRequest(ctx context.Context, method, version, path string, opts CallOptions) (*http.Response, []byte, error) {
	bundle := s.holder.Current()
	client, err := s.httpClientFor(bundle)
	if err != nil {
		return nil, nil, err
	}

	fullURL, err := buildURL(bundle.ServerURL, version, opts.Namespace, path, opts.Params)
	if err != nil {
		return nil, nil, err
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, bytes.NewReader(opts.Body))
	if err != nil {
		return nil, nil, err
	}
	s.applyHeaders(req, bundle, opts)

	resp, err := client.Do(req)
	if err != nil {
		return nil, nil, classifyNetworkError(err)
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, nil, err
	}
	return resp, body, nil
}

func (s *Session) applyHeaders(req *http.Request, bundle *kauth.Bundle, opts CallOptions) {
	req.Header.Set("User-Agent", UserAgent)
	if bundle.Token != "" {
		req.Header.Set("Authorization", "Bearer "+bundle.Token)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, vs := range opts.Headers {
		for _, v := range vs {
			req.Header.Set(k, v)
		}
	}
}

func classifyNetworkError(err error) error {
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "context deadline exceeded") || strings.Contains(err.Error(), "Client.Timeout") {
		return &kerrors.APITimeoutError{Cause: err}
	}
	return err
}

// CheckVersion fetches /version once and logs a warning (never fails) if
// gitVersion falls outside [MinServerVersion, MaxServerVersion].
func (s *Session) CheckVersion(ctx context.Context) {
	s.versionOnce.Do(func() {
		bundle := s.holder.Current()
		client, err := s.httpClientFor(bundle)
		if err != nil {
			slog.Warn("kr8s: could not fetch server version", "error", err)
			return
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(bundle.ServerURL, "/")+"/version", nil)
		if err != nil {
			return
		}
		s.applyHeaders(req, bundle, CallOptions{})
		resp, err := client.Do(req)
		if err != nil {
			slog.Warn("kr8s: could not fetch server version", "error", err)
			return
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			slog.Warn("kr8s: could not read server version response", "error", err)
			return
		}
		var info struct {
			GitVersion string `json:"gitVersion"`
		}
		if err := json.Unmarshal(body, &info); err != nil {
			slog.Warn("kr8s: could not parse server version", "error", err)
			return
		}
		raw := strings.TrimPrefix(info.GitVersion, "v")
		if idx := strings.IndexAny(raw, "-+"); idx >= 0 {
			raw = raw[:idx]
		}
		v, err := semver.NewVersion(raw)
		if err != nil {
			return
		}
		if v.LessThan(MinServerVersion) || v.GreaterThan(MaxServerVersion) {
			slog.Warn("kr8s: server version outside compiled compatibility window",
				"server", info.GitVersion, "min", MinServerVersion.String(), "max", MaxServerVersion.String())
		}
	})
}
