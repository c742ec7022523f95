// Package kauth implements the credential resolver: assembling a
// CredentialBundle from layered sources (explicit URL, kubeconfig context,
// in-pod service account), including TLS material staging, exec-plugin
// credential-provider invocation, and OIDC bearer-token handling. It also
// owns the single-holder reauthentication lock.
package kauth

import (
	"crypto/tls"
	"crypto/x509"
	"os"
	"sync"
	"sync/atomic"

	"github.com/kr8s-go/kr8s/kerrors"
)

// Bundle is a resolved credential set: everything the session needs to build
// an authenticated transport. It is produced once per authentication
// cycle and is opaque to callers; TLS material it stages to disk is owned
// by the bundle and removed on Close.
type Bundle struct {
	ServerURL          string
	CAData             []byte // PEM-encoded trust roots; nil means system pool
	ClientCertData     []byte
	ClientKeyData      []byte
	Token              string
	TLSServerName      string
	InsecureSkipVerify bool
	Namespace          string

	// CAFile/ClientCertFile/ClientKeyFile are the temp-file paths the
	// corresponding *Data fields were staged to; the files are removed on
	// session teardown. Empty when the matching *Data field is empty.
	CAFile         string
	ClientCertFile string
	ClientKeyFile  string

	tempFiles []string
}

// TLSConfig builds a *tls.Config from the bundle's material. Certificates
// are kept in memory (already decoded by the resolver); tempFiles exist
// only for exec-plugin-style consumers that require filesystem paths.
func (b *Bundle) TLSConfig() (*tls.Config, error) {
	cfg := &tls.Config{
		ServerName:         b.TLSServerName,
		InsecureSkipVerify: b.InsecureSkipVerify,
	}
	if len(b.CAData) > 0 {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(b.CAData) {
			return nil, &kerrors.ConfigInvalid{Cause: &kerrors.ValueError{Message: "no certificates found in CA data"}}
		}
		cfg.RootCAs = pool
	}
	if len(b.ClientCertData) > 0 && len(b.ClientKeyData) > 0 {
		cert, err := tls.X509KeyPair(b.ClientCertData, b.ClientKeyData)
		if err != nil {
			return nil, &kerrors.ConfigInvalid{Cause: err}
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

// addTempFile registers a path for cleanup on Close. Used when a consumer
// (e.g. an exec plugin that only accepts file paths) needs TLS material
// materialized on disk rather than in memory.
func (b *Bundle) addTempFile(path string) {
	b.tempFiles = append(b.tempFiles, path)
}

// stageTempFiles writes CAData/ClientCertData/ClientKeyData to temporary
// files and records the resulting paths on the bundle
// for consumers (e.g. an exec plugin invocation) that require a
// filesystem path rather than in-memory bytes. Every staged path is
// registered for removal on Close.
func (b *Bundle) stageTempFiles() error {
	for _, f := range []struct {
		data []byte
		dst  *string
	}{
		{b.CAData, &b.CAFile},
		{b.ClientCertData, &b.ClientCertFile},
		{b.ClientKeyData, &b.ClientKeyFile},
	} {
		if len(f.data) == 0 {
			continue
		}
		path, err := writeTempFile(f.data)
		if err != nil {
			return err
		}
		*f.dst = path
		b.addTempFile(path)
	}
	return nil
}

func writeTempFile(data []byte) (string, error) {
	tmp, err := os.CreateTemp("", "kr8s-tls-*.pem")
	if err != nil {
		return "", err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	return tmp.Name(), nil
}

// Close removes every temporary file the bundle staged. A bundle lives
// exactly as long as the API handle that owns it.
func (b *Bundle) Close() error {
	var firstErr error
	for _, p := range b.tempFiles {
		if err := os.Remove(p); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	b.tempFiles = nil
	return firstErr
}

// Holder atomically owns the current Bundle and serializes
// reauthentication behind a single-holder lock: rebuilding is idempotent,
// the replacement is atomic, operations already awaiting a response
// complete against the old transport, and operations started after the
// lock is released use the new one.
type Holder struct {
	mu      sync.Mutex
	current atomic.Pointer[Bundle]
	rebuild func() (*Bundle, error)
}

// NewHolder wraps an initial bundle with a rebuild function used on
// Reauthenticate.
func NewHolder(initial *Bundle, rebuild func() (*Bundle, error)) *Holder {
	h := &Holder{rebuild: rebuild}
	h.current.Store(initial)
	return h
}

// Current returns the presently active bundle. Safe for concurrent use
// with Reauthenticate: readers always see either the old or the new
// bundle, never a partially-built one.
func (h *Holder) Current() *Bundle { return h.current.Load() }

// Reauthenticate rebuilds the bundle from the same source and atomically
// swaps it in. Concurrent callers collapse onto a single rebuild: the
// first caller performs it, subsequent ones block on the mutex and then
// observe the already-swapped bundle without rebuilding again.
func (h *Holder) Reauthenticate() (*Bundle, error) {
	before := h.current.Load()
	h.mu.Lock()
	defer h.mu.Unlock()

	if cur := h.current.Load(); cur != before {
		return cur, nil
	}
	fresh, err := h.rebuild()
	if err != nil {
		return nil, err
	}
	h.current.Store(fresh)
	if before != nil {
		_ = before.Close()
	}
	return fresh, nil
}
