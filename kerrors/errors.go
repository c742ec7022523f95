// Package kerrors defines the error kinds raised across the client: config
// loading, authentication, resource dispatch, transport, streaming
// channels, and wait/watch. Every constructor wraps its cause so
// errors.As/errors.Unwrap reach the underlying error.
package kerrors

import (
	"errors"
	"fmt"
)

// ConfigInvalid indicates that no kubeconfig source could be parsed.
type ConfigInvalid struct {
	Path  string
	Cause error
}

func (e *ConfigInvalid) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("kubeconfig: no parseable source: %v", e.Cause)
	}
	return fmt.Sprintf("kubeconfig: %s: %v", e.Path, e.Cause)
}

func (e *ConfigInvalid) Unwrap() error { return e.Cause }

// ContextUnknown indicates a referenced context does not exist.
type ContextUnknown struct {
	Context string
}

func (e *ContextUnknown) Error() string {
	return fmt.Sprintf("kubeconfig: context %q not found", e.Context)
}

// IsADirectory indicates a kubeconfig path resolved to a directory.
type IsADirectory struct {
	Path string
}

func (e *IsADirectory) Error() string {
	return fmt.Sprintf("kubeconfig: %s is a directory", e.Path)
}

// ExecAuthFailed indicates the exec credential plugin exited non-zero or
// produced an unparseable ExecCredential payload.
type ExecAuthFailed struct {
	Command string
	Cause   error
}

func (e *ExecAuthFailed) Error() string {
	return fmt.Sprintf("exec auth plugin %q failed: %v", e.Command, e.Cause)
}

func (e *ExecAuthFailed) Unwrap() error { return e.Cause }

// AuthUnsupported indicates a rejected auth mode: username/password, a
// non-oidc auth-provider, or an alpha ExecCredential apiVersion.
type AuthUnsupported struct {
	Reason string
}

func (e *AuthUnsupported) Error() string {
	return fmt.Sprintf("unsupported authentication method: %s", e.Reason)
}

// KindUnknown indicates a KindReference could not be resolved to a GVR.
type KindUnknown struct {
	Reference string
}

func (e *KindUnknown) Error() string {
	return fmt.Sprintf("no matching kind for reference %q", e.Reference)
}

// NotFoundError indicates a 404 from the server, or that the object
// disappeared between operations.
type NotFoundError struct {
	Kind      string
	Namespace string
	Name      string
}

func (e *NotFoundError) Error() string {
	if e.Namespace != "" {
		return fmt.Sprintf("%s %q not found in namespace %q", e.Kind, e.Name, e.Namespace)
	}
	return fmt.Sprintf("%s %q not found", e.Kind, e.Name)
}

// Cause is a causer extracted from a status body, kept generic so
// ktransport's status mapping can carry the parsed Kubernetes Status
// without this package depending on apimachinery.
type Cause struct {
	Type    string
	Field   string
	Message string
}

// ServerError wraps any non-404, non-success HTTP response, carrying the
// parsed Status body.
type ServerError struct {
	StatusCode int
	Reason     string
	Message    string
	Causes     []Cause
}

func (e *ServerError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("server error (%d %s): %s", e.StatusCode, e.Reason, e.Message)
	}
	return fmt.Sprintf("server error (%d %s)", e.StatusCode, e.Reason)
}

// APITimeoutError indicates a network or server-side timeout.
type APITimeoutError struct {
	Cause error
}

func (e *APITimeoutError) Error() string {
	return fmt.Sprintf("api call timed out: %v", e.Cause)
}

func (e *APITimeoutError) Unwrap() error { return e.Cause }

// ConnectionClosedError indicates a WebSocket channel (exec or
// port-forward) closed unexpectedly, optionally carrying a server-supplied
// error payload.
type ConnectionClosedError struct {
	Payload []byte
	Cause   error
}

func (e *ConnectionClosedError) Error() string {
	if len(e.Payload) > 0 {
		return fmt.Sprintf("connection closed: %s", string(e.Payload))
	}
	return fmt.Sprintf("connection closed: %v", e.Cause)
}

func (e *ConnectionClosedError) Unwrap() error { return e.Cause }

// ExecError indicates the remote command exited non-zero (when the caller
// asked for check=true) or a protocol violation in the exec channel (e.g.
// stdin half-close requested against a v4-only negotiation).
type ExecError struct {
	ReturnCode int
	Reason     string
}

func (e *ExecError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("exec failed: %s (exit %d)", e.Reason, e.ReturnCode)
	}
	return fmt.Sprintf("exec failed with exit code %d", e.ReturnCode)
}

// NotImplementedError indicates an operation the resource's descriptor
// does not support, e.g. scaling a kind with no scalable field.
type NotImplementedError struct {
	Operation string
	Kind      string
}

func (e *NotImplementedError) Error() string {
	return fmt.Sprintf("%s is not supported for %s", e.Operation, e.Kind)
}

// TimeoutError indicates a wait predicate was not satisfied within the
// caller's deadline.
type TimeoutError struct {
	Conditions []string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timed out waiting for conditions %v", e.Conditions)
}

// ValueError indicates a programmer error: empty patch, contradictory
// flags, or a malformed KindReference.
type ValueError struct {
	Message string
}

func (e *ValueError) Error() string { return e.Message }

// IsNotFound reports whether err is, or wraps, a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsTimeout reports whether err is, or wraps, a TimeoutError or
// APITimeoutError.
func IsTimeout(err error) bool {
	var t *TimeoutError
	var at *APITimeoutError
	return errors.As(err, &t) || errors.As(err, &at)
}
