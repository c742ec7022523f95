// Package kconfig implements the kubeconfig loader: merging one
// or more kubeconfig documents into a single addressable view, exposing the
// current context/cluster/user/namespace, and supporting structural
// mutation via JSON-Pointer set/unset and JSON-Path reads.
//
// Resolution of the kubeconfig *source* is layered: explicit path(s)
// passed by the caller win; otherwise KUBECONFIG is
// consulted; otherwise the default path ($HOME/.kube/config) is used.
package kconfig

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/kr8s-go/kr8s/kerrors"
	"sigs.k8s.io/yaml"
)

// NamedCluster, NamedContext, NamedUser mirror the kubeconfig schema's
// named-entity-list shape, keeping the raw per-entry document as
// map[string]any so unknown fields round-trip untouched.
type NamedCluster struct {
	Name    string         `json:"name"`
	Cluster map[string]any `json:"cluster"`
}

type NamedContext struct {
	Name    string         `json:"name"`
	Context map[string]any `json:"context"`
}

type NamedUser struct {
	Name string         `json:"name"`
	User map[string]any `json:"user"`
}

// Document is a single parsed kubeconfig file (or inline document).
type Document struct {
	// Path is empty for an inline document supplied directly as bytes.
	Path string `json:"-"`

	APIVersion     string         `json:"apiVersion"`
	Kind           string         `json:"kind"`
	CurrentContext string         `json:"current-context"`
	Preferences    map[string]any `json:"preferences,omitempty"`
	Clusters       []NamedCluster `json:"clusters"`
	Contexts       []NamedContext `json:"contexts"`
	Users          []NamedUser    `json:"users"`
}

func parseDocument(path string, data []byte) (*Document, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, &kerrors.ConfigInvalid{Path: path, Cause: err}
	}
	doc.Path = path
	return &doc, nil
}

// Set is the merged view over an ordered list of kubeconfig documents,
// emulating the path-separated KUBECONFIG env var. Merge rules:
// current-context from document 0; clusters/users/contexts are the
// deduplicated union by name, first occurrence wins; writes target the
// owning document, new writes go to document 0.
type Set struct {
	docs []*Document
}

// DefaultPath returns $HOME/.kube/config, the loader's last resort when
// neither an explicit path nor KUBECONFIG is supplied.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".kube", "config")
}

// ResolvePaths implements the layered source resolution: explicit paths
// win; otherwise KUBECONFIG (colon-separated on POSIX, a single path on
// Windows); otherwise the default path.
func ResolvePaths(explicit []string) []string {
	if len(explicit) > 0 {
		return explicit
	}
	if env := os.Getenv("KUBECONFIG"); env != "" {
		if runtime.GOOS == "windows" {
			return []string{env}
		}
		return filepath.SplitList(env)
	}
	if p := DefaultPath(); p != "" {
		return []string{p}
	}
	return nil
}

// LoadPaths reads and merges the kubeconfig documents found at paths, in
// order. A path that resolves to a directory fails the whole load with
// IsADirectory; a missing file is skipped (mirroring kubectl's tolerance
// for a partially-present KUBECONFIG list) unless ALL paths are missing,
// in which case ConfigInvalid is returned.
func LoadPaths(paths []string) (*Set, error) {
	var docs []*Document
	var lastErr error
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			lastErr = err
			continue
		}
		if info.IsDir() {
			return nil, &kerrors.IsADirectory{Path: p}
		}
		data, err := os.ReadFile(p)
		if err != nil {
			lastErr = err
			continue
		}
		doc, err := parseDocument(p, data)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	if len(docs) == 0 {
		return nil, &kerrors.ConfigInvalid{Path: strings.Join(paths, string(filepath.ListSeparator)), Cause: lastErr}
	}
	return &Set{docs: docs}, nil
}

// LoadInline parses a single inline kubeconfig document (no filesystem
// access), used by callers that already hold kubeconfig bytes.
func LoadInline(data []byte) (*Set, error) {
	doc, err := parseDocument("", data)
	if err != nil {
		return nil, err
	}
	return &Set{docs: []*Document{doc}}, nil
}

// CurrentContext returns the current-context from document 0 only.
func (s *Set) CurrentContext() string {
	if len(s.docs) == 0 {
		return ""
	}
	return s.docs[0].CurrentContext
}

// Contexts returns the deduplicated union of contexts across all
// documents, first occurrence wins, order-stable w.r.t. document order.
func (s *Set) Contexts() []NamedContext { return dedupContexts(s.docs) }

// Clusters returns the deduplicated union of clusters.
func (s *Set) Clusters() []NamedCluster { return dedupClusters(s.docs) }

// Users returns the deduplicated union of users.
func (s *Set) Users() []NamedUser { return dedupUsers(s.docs) }

// Preferences returns document 0's preferences block (nil when absent);
// structural edits go through Set("/preferences", ...).
func (s *Set) Preferences() map[string]any {
	if len(s.docs) == 0 {
		return nil
	}
	return s.docs[0].Preferences
}

func dedupContexts(docs []*Document) []NamedContext {
	seen := make(map[string]bool)
	var out []NamedContext
	for _, d := range docs {
		for _, c := range d.Contexts {
			if seen[c.Name] {
				continue
			}
			seen[c.Name] = true
			out = append(out, c)
		}
	}
	return out
}

func dedupClusters(docs []*Document) []NamedCluster {
	seen := make(map[string]bool)
	var out []NamedCluster
	for _, d := range docs {
		for _, c := range d.Clusters {
			if seen[c.Name] {
				continue
			}
			seen[c.Name] = true
			out = append(out, c)
		}
	}
	return out
}

func dedupUsers(docs []*Document) []NamedUser {
	seen := make(map[string]bool)
	var out []NamedUser
	for _, d := range docs {
		for _, u := range d.Users {
			if seen[u.Name] {
				continue
			}
			seen[u.Name] = true
			out = append(out, u)
		}
	}
	return out
}

// contextEntry resolves a named context, returning the document that owns
// it alongside the context's raw map.
func (s *Set) contextEntry(name string) (*Document, map[string]any, error) {
	for _, d := range s.docs {
		for _, c := range d.Contexts {
			if c.Name == name {
				return d, c.Context, nil
			}
		}
	}
	return nil, nil, &kerrors.ContextUnknown{Context: name}
}

// CurrentNamespace resolves the current context's namespace field, from
// the document that owns that context.
func (s *Set) CurrentNamespace() (string, error) {
	ctxName := s.CurrentContext()
	if ctxName == "" {
		return "", nil
	}
	_, ctx, err := s.contextEntry(ctxName)
	if err != nil {
		return "", err
	}
	if ns, ok := ctx["namespace"].(string); ok {
		return ns, nil
	}
	return "", nil
}

// ClusterFor returns the cluster entry referenced by a context.
func (s *Set) ClusterFor(ctxName string) (map[string]any, error) {
	_, ctx, err := s.contextEntry(ctxName)
	if err != nil {
		return nil, err
	}
	clusterName, _ := ctx["cluster"].(string)
	for _, c := range s.Clusters() {
		if c.Name == clusterName {
			return c.Cluster, nil
		}
	}
	return nil, &kerrors.ConfigInvalid{Path: clusterName, Cause: &kerrors.ValueError{Message: "cluster not found: " + clusterName}}
}

// UserFor returns the user entry referenced by a context.
func (s *Set) UserFor(ctxName string) (map[string]any, error) {
	_, ctx, err := s.contextEntry(ctxName)
	if err != nil {
		return nil, err
	}
	userName, _ := ctx["user"].(string)
	for _, u := range s.Users() {
		if u.Name == userName {
			return u.User, nil
		}
	}
	return nil, &kerrors.ConfigInvalid{Path: userName, Cause: &kerrors.ValueError{Message: "user not found: " + userName}}
}

// OwningPath returns the filesystem path of the document that owns a
// kubeconfig entity name, used to resolve TLS material paths relative to
// the owning file rather than the process working directory.
func (s *Set) OwningPath(ctxName string) string {
	d, _, err := s.contextEntry(ctxName)
	if err != nil || d == nil {
		if len(s.docs) > 0 {
			return s.docs[0].Path
		}
		return ""
	}
	return d.Path
}

// UseContext sets current-context on document 0.
func (s *Set) UseContext(name string) error {
	if len(s.docs) == 0 {
		return &kerrors.ConfigInvalid{Cause: &kerrors.ValueError{Message: "empty config set"}}
	}
	if _, _, err := s.contextEntry(name); err != nil {
		return err
	}
	s.docs[0].CurrentContext = name
	return nil
}

// RenameContext renames a context in the document that owns it, updating
// current-context in document 0 if it pointed at the old name.
func (s *Set) RenameContext(oldName, newName string) error {
	d, _, err := s.contextEntry(oldName)
	if err != nil {
		return err
	}
	for i := range d.Contexts {
		if d.Contexts[i].Name == oldName {
			d.Contexts[i].Name = newName
		}
	}
	if s.docs[0].CurrentContext == oldName {
		s.docs[0].CurrentContext = newName
	}
	return nil
}

// UseNamespace sets the namespace field on the current context's entry, in
// its owning document.
func (s *Set) UseNamespace(ns string) error {
	ctxName := s.CurrentContext()
	d, ctx, err := s.contextEntry(ctxName)
	if err != nil {
		return err
	}
	ctx["namespace"] = ns
	for i := range d.Contexts {
		if d.Contexts[i].Name == ctxName {
			d.Contexts[i].Context = ctx
		}
	}
	return nil
}

// Documents exposes the underlying ordered document list, primarily for
// persistence (Save) and tests.
func (s *Set) Documents() []*Document { return s.docs }
