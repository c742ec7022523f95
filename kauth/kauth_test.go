package kauth

import (
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"

	"github.com/kr8s-go/kr8s/kconfig"
	"github.com/kr8s-go/kr8s/kerrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveURL(t *testing.T) {
	r := NewResolver()
	b, err := r.ResolveURL("https://example.com:6443")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com:6443", b.ServerURL)
	assert.Empty(t, b.Token)
	assert.Empty(t, b.CAData)
}

func TestResolveURL_Empty(t *testing.T) {
	r := NewResolver()
	_, err := r.ResolveURL("")
	require.Error(t, err)
}

func kubeconfigWithToken(t *testing.T, caData string) *kconfig.Set {
	t.Helper()
	content := `
apiVersion: v1
kind: Config
current-context: ctx
clusters:
- name: c
  cluster:
    server: https://cluster.example.com
    certificate-authority-data: ` + caData + `
users:
- name: u
  user:
    token: the-token
contexts:
- name: ctx
  context:
    cluster: c
    user: u
    namespace: myns
`
	dir := t.TempDir()
	p := filepath.Join(dir, "config")
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	set, err := kconfig.LoadPaths([]string{p})
	require.NoError(t, err)
	return set
}

func TestResolveKubeconfig_Token(t *testing.T) {
	caB64 := base64.StdEncoding.EncodeToString([]byte("fake-ca-pem"))
	set := kubeconfigWithToken(t, caB64)

	r := NewResolver()
	b, err := r.ResolveKubeconfig(context.Background(), set, "")
	require.NoError(t, err)
	assert.Equal(t, "https://cluster.example.com", b.ServerURL)
	assert.Equal(t, "the-token", b.Token)
	assert.Equal(t, "myns", b.Namespace)
	assert.Equal(t, []byte("fake-ca-pem"), b.CAData)
}

func TestResolveKubeconfig_StagesTempFiles(t *testing.T) {
	caB64 := base64.StdEncoding.EncodeToString([]byte("fake-ca-pem"))
	set := kubeconfigWithToken(t, caB64)

	r := NewResolver()
	b, err := r.ResolveKubeconfig(context.Background(), set, "")
	require.NoError(t, err)
	require.NotEmpty(t, b.CAFile)

	staged, err := os.ReadFile(b.CAFile)
	require.NoError(t, err)
	assert.Equal(t, []byte("fake-ca-pem"), staged)

	require.NoError(t, b.Close())
	_, err = os.Stat(b.CAFile)
	assert.True(t, os.IsNotExist(err))
}

func TestResolveKubeconfig_RejectsUsernamePassword(t *testing.T) {
	content := `
apiVersion: v1
kind: Config
current-context: ctx
clusters:
- name: c
  cluster:
    server: https://cluster.example.com
users:
- name: u
  user:
    username: bob
    password: hunter2
contexts:
- name: ctx
  context:
    cluster: c
    user: u
`
	dir := t.TempDir()
	p := filepath.Join(dir, "config")
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	set, err := kconfig.LoadPaths([]string{p})
	require.NoError(t, err)

	r := NewResolver()
	_, err = r.ResolveKubeconfig(context.Background(), set, "")
	require.Error(t, err)
	var unsupported *kerrors.AuthUnsupported
	assert.ErrorAs(t, err, &unsupported)
}

func TestResolveServiceAccount(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "token"), []byte("sa-token\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ca.crt"), []byte("ca-pem"), 0o600))
	// deliberately omit namespace file to exercise the "default" fallback.

	t.Setenv("KUBERNETES_SERVICE_HOST", "10.0.0.1")
	t.Setenv("KUBERNETES_SERVICE_PORT", "443")

	r := NewResolver()
	b, err := r.ResolveServiceAccount(dir)
	require.NoError(t, err)
	assert.Equal(t, "https://10.0.0.1:443", b.ServerURL)
	assert.Equal(t, "sa-token", b.Token)
	assert.Equal(t, "default", b.Namespace)
}

func TestResolveServiceAccount_MissingEnv(t *testing.T) {
	t.Setenv("KUBERNETES_SERVICE_HOST", "")
	t.Setenv("KUBERNETES_SERVICE_PORT", "")
	r := NewResolver()
	_, err := r.ResolveServiceAccount(t.TempDir())
	require.Error(t, err)
}

type fakeExecRunner struct {
	output []byte
	err    error
}

func (f fakeExecRunner) Run(ctx context.Context, command string, args, env []string) ([]byte, error) {
	return f.output, f.err
}

func TestRunExecPlugin_Token(t *testing.T) {
	r := &Resolver{ExecRunner: fakeExecRunner{output: []byte(`{
		"apiVersion": "client.authentication.k8s.io/v1beta1",
		"kind": "ExecCredential",
		"status": {"token": "exec-token"}
	}`)}}

	token, cert, key, err := r.runExecPlugin(context.Background(), map[string]any{
		"command": "aws-iam-authenticator",
	})
	require.NoError(t, err)
	assert.Equal(t, "exec-token", token)
	assert.Empty(t, cert)
	assert.Empty(t, key)
}

func TestRunExecPlugin_RejectsAlpha(t *testing.T) {
	r := &Resolver{ExecRunner: fakeExecRunner{}}
	_, _, _, err := r.runExecPlugin(context.Background(), map[string]any{
		"command":    "plugin",
		"apiVersion": "client.authentication.k8s.io/v1alpha1",
	})
	require.Error(t, err)
	var unsupported *kerrors.AuthUnsupported
	assert.ErrorAs(t, err, &unsupported)
}

func TestHolder_Reauthenticate(t *testing.T) {
	calls := 0
	initial := &Bundle{Token: "v1"}
	h := NewHolder(initial, func() (*Bundle, error) {
		calls++
		return &Bundle{Token: "v2"}, nil
	})

	assert.Equal(t, "v1", h.Current().Token)
	fresh, err := h.Reauthenticate()
	require.NoError(t, err)
	assert.Equal(t, "v2", fresh.Token)
	assert.Equal(t, "v2", h.Current().Token)
	assert.Equal(t, 1, calls)
}
