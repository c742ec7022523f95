package kconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/kr8s-go/kr8s/kerrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const docA = `
apiVersion: v1
kind: Config
current-context: ctx-a
clusters:
- name: cluster-a
  cluster:
    server: https://a.example.com
users:
- name: user-a
  user:
    token: token-a
contexts:
- name: ctx-a
  context:
    cluster: cluster-a
    user: user-a
    namespace: ns-a
`

const docB = `
apiVersion: v1
kind: Config
current-context: ctx-b
clusters:
- name: cluster-a
  cluster:
    server: https://a-duplicate.example.com
- name: cluster-b
  cluster:
    server: https://b.example.com
users:
- name: user-b
  user:
    token: token-b
contexts:
- name: ctx-b
  context:
    cluster: cluster-b
    user: user-b
`

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	return p
}

func TestLoadPaths_MergeRules(t *testing.T) {
	pa := writeTemp(t, "a.yaml", docA)
	pb := writeTemp(t, "b.yaml", docB)

	set, err := LoadPaths([]string{pa, pb})
	require.NoError(t, err)

	// current-context comes from document 0 only.
	assert.Equal(t, "ctx-a", set.CurrentContext())

	ns, err := set.CurrentNamespace()
	require.NoError(t, err)
	assert.Equal(t, "ns-a", ns)

	clusters := set.Clusters()
	require.Len(t, clusters, 2, "duplicate cluster-a from doc B must be dropped")
	assert.Equal(t, "cluster-a", clusters[0].Name)
	assert.Equal(t, "https://a.example.com", clusters[0].Cluster["server"], "first occurrence wins")
	assert.Equal(t, "cluster-b", clusters[1].Name)

	contexts := set.Contexts()
	assert.Len(t, contexts, 2)
}

func TestLoadPaths_Directory(t *testing.T) {
	dir := t.TempDir()
	_, err := LoadPaths([]string{dir})
	require.Error(t, err)
	var isDir *kerrors.IsADirectory
	assert.ErrorAs(t, err, &isDir)
}

func TestLoadPaths_NoneParse(t *testing.T) {
	_, err := LoadPaths([]string{"/nonexistent/path/kubeconfig"})
	require.Error(t, err)
	var invalid *kerrors.ConfigInvalid
	assert.ErrorAs(t, err, &invalid)
}

func TestContextUnknown(t *testing.T) {
	pa := writeTemp(t, "a.yaml", docA)
	set, err := LoadPaths([]string{pa})
	require.NoError(t, err)

	err = set.UseContext("does-not-exist")
	require.Error(t, err)
	var unknown *kerrors.ContextUnknown
	assert.ErrorAs(t, err, &unknown)
}

func TestUseContextAndNamespace(t *testing.T) {
	pa := writeTemp(t, "a.yaml", docA)
	pb := writeTemp(t, "b.yaml", docB)
	set, err := LoadPaths([]string{pa, pb})
	require.NoError(t, err)

	require.NoError(t, set.UseContext("ctx-b"))
	assert.Equal(t, "ctx-b", set.CurrentContext())

	require.NoError(t, set.UseNamespace("ns-b"))
	ns, err := set.CurrentNamespace()
	require.NoError(t, err)
	assert.Equal(t, "ns-b", ns)
}

func TestSetAndUnset(t *testing.T) {
	pa := writeTemp(t, "a.yaml", docA)
	set, err := LoadPaths([]string{pa})
	require.NoError(t, err)

	require.NoError(t, set.Set("/preferences", map[string]any{"colors": true}))
	v, err := set.Get("$.preferences.colors")
	require.NoError(t, err)
	assert.Equal(t, true, v)

	require.NoError(t, set.Unset("/preferences"))
	_, err = set.Get("$.preferences.colors")
	assert.Error(t, err)
}

func TestRenameContext(t *testing.T) {
	pa := writeTemp(t, "a.yaml", docA)
	set, err := LoadPaths([]string{pa})
	require.NoError(t, err)

	require.NoError(t, set.RenameContext("ctx-a", "ctx-a-renamed"))
	assert.Equal(t, "ctx-a-renamed", set.CurrentContext())
}

func TestResolvePaths(t *testing.T) {
	t.Setenv("KUBECONFIG", "")
	explicit := ResolvePaths([]string{"/a", "/b"})
	assert.Equal(t, []string{"/a", "/b"}, explicit)

	t.Setenv("KUBECONFIG", "/x"+string(filepath.ListSeparator)+"/y")
	fromEnv := ResolvePaths(nil)
	assert.Equal(t, []string{"/x", "/y"}, fromEnv)
}
