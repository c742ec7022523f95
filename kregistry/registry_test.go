package kregistry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/runtime/schema"
)

func TestParseKindReference(t *testing.T) {
	cases := []struct {
		raw     string
		kind    string
		group   string
		version string
	}{
		{"pod", "pod", "", ""},
		{"pods", "pods", "", ""},
		{"Pod", "Pod", "", ""},
		{"pod/v1", "pod", "", "v1"},
		{"ingress.networking.k8s.io", "ingress", "networking.k8s.io", ""},
		{"ingress.networking.k8s.io/v1", "ingress", "networking.k8s.io", "v1"},
		{"ingress.v1.networking.k8s.io", "ingress", "networking.k8s.io", "v1"},
	}
	for _, c := range cases {
		ref, err := ParseKindReference(c.raw)
		require.NoError(t, err, c.raw)
		assert.Equal(t, c.kind, ref.Kind, c.raw)
		assert.Equal(t, c.group, ref.Group, c.raw)
		assert.Equal(t, c.version, ref.Version, c.raw)
	}
}

func TestParseKindReference_Idempotent(t *testing.T) {
	for _, raw := range []string{"pod", "pods", "ingress.networking.k8s.io/v1", "ingress.v1.networking.k8s.io"} {
		ref, err := ParseKindReference(raw)
		require.NoError(t, err)
		rendered := ref.String()
		reparsed, err := ParseKindReference(rendered)
		require.NoError(t, err)
		want := ref
		want.Raw = rendered
		assert.Equal(t, want, reparsed, "re-parsing the rendered form must be stable for %q", raw)
	}
}

func TestSortVersions(t *testing.T) {
	in := []string{"v1beta1", "v2", "v1", "v10beta3", "v1alpha1", "foo"}
	got := SortVersions(in)
	assert.Equal(t, []string{"v2", "v1", "v10beta3", "v1beta1", "v1alpha1", "foo"}, got)
}

func TestInferPlural(t *testing.T) {
	assert.Equal(t, "pods", InferPlural("Pod"))
	assert.Equal(t, "ingresses", InferPlural("Ingress"))
	assert.Equal(t, "policies", InferPlural("Policy"))
	assert.Equal(t, "gateways", InferPlural("Gateway")) // vowel before y: regular -s
}

func TestRegistry_LookupBuiltin(t *testing.T) {
	r := New(nil)
	d, err := r.Lookup(context.Background(), "pods")
	require.NoError(t, err)
	assert.Equal(t, "Pod", d.Kind)
	assert.True(t, d.Namespaced)

	d2, err := r.Lookup(context.Background(), "po")
	require.NoError(t, err)
	assert.Equal(t, "Pod", d2.Kind)
}

func TestRegistry_LookupUnknown(t *testing.T) {
	r := New(nil)
	_, err := r.Lookup(context.Background(), "widgets")
	require.Error(t, err)
}

type fakeFetcher struct {
	result []ResourceDescriptor
	err    error
	calls  int
}

func (f *fakeFetcher) FetchGroup(ctx context.Context, group string) ([]ResourceDescriptor, error) {
	f.calls++
	return f.result, f.err
}

func TestRegistry_DiscoveryCacheMiss(t *testing.T) {
	fetcher := &fakeFetcher{result: []ResourceDescriptor{
		{GVR: schema.GroupVersionResource{Group: "widgets.example.com", Version: "v1", Resource: "widgets"},
			Name: "widgets", SingularName: "widget", Kind: "Widget", Namespaced: true},
	}}
	r := New(fetcher)

	d, err := r.Lookup(context.Background(), "widget.widgets.example.com")
	require.NoError(t, err)
	assert.Equal(t, "Widget", d.Kind)
	assert.Equal(t, 1, fetcher.calls)

	// second lookup of the same group must hit the cache, not refetch.
	_, err = r.Lookup(context.Background(), "widgets.widgets.example.com")
	require.NoError(t, err)
	assert.Equal(t, 1, fetcher.calls)
}

func TestRegistry_TieBreak_UserRegistrationWins(t *testing.T) {
	r := New(nil)
	r.RegisterKind(ResourceDescriptor{
		GVR:  schema.GroupVersionResource{Group: "", Version: "v1", Resource: "pods"},
		Kind: "Pod", Namespaced: true,
	})
	d, err := r.Lookup(context.Background(), "pod")
	require.NoError(t, err)
	assert.Equal(t, "Pod", d.Kind)
	assert.Empty(t, d.Verbs, "the user registration (no verbs) wins over the built-in pods entry")
}

func TestNewKind(t *testing.T) {
	d := NewKind(KindSpec{Kind: "Widget", Group: "example.com", Version: "v1alpha2", Namespaced: true})
	assert.Equal(t, schema.GroupVersionResource{Group: "example.com", Version: "v1alpha2", Resource: "widgets"}, d.GVR)
	assert.Equal(t, "widgets", d.Name)
	assert.Equal(t, "widget", d.SingularName)
	assert.True(t, d.Namespaced)

	explicit := NewKind(KindSpec{Kind: "Widget", Version: "v1", Plural: "widgetfleet"})
	assert.Equal(t, "widgetfleet", explicit.Name)
}
