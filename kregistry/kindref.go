// Package kregistry parses user-supplied kind references and maps them
// to GroupVersionResource tuples via a combination of a static built-in
// table, dynamically registered kinds, and a cached server discovery
// lookup, with group/version priority ordering.
package kregistry

import (
	"strings"

	"github.com/kr8s-go/kr8s/kerrors"
)

// KindReference is a parsed user-supplied resource reference:
// `(kind|singular|plural, group?, version?)`.
type KindReference struct {
	Raw     string
	Kind    string // kind, singular, or plural form as given; matched case-insensitively
	Group   string // empty means unspecified, not "core"
	Version string // empty means unspecified
}

// looksLikeVersion matches a version-like group segment, e.g. "v1",
// "v1beta1", "v10alpha3": the pattern v\d[a-z0-9]*.
func looksLikeVersion(s string) bool {
	if len(s) < 2 || s[0] != 'v' {
		return false
	}
	if s[1] < '0' || s[1] > '9' {
		return false
	}
	for _, r := range s[1:] {
		if !((r >= '0' && r <= '9') || (r >= 'a' && r <= 'z')) {
			return false
		}
	}
	return true
}

// ParseKindReference parses a reference in three steps:
//
//	Split on first '/' into (head, version).
//	Split head on first '.' into (kind, group).
//	If the first group segment matches v\d[a-z0-9]* and version is empty,
//	promote it to version and demote the remainder to group.
//
// Accepted forms: pod, pods, Pod, pod/v1, ingress.networking.k8s.io,
// ingress.networking.k8s.io/v1, ingress.v1.networking.k8s.io.
func ParseKindReference(raw string) (KindReference, error) {
	if raw == "" {
		return KindReference{}, &kerrors.ValueError{Message: "empty kind reference"}
	}

	ref := KindReference{Raw: raw}

	head := raw
	if idx := strings.Index(raw, "/"); idx >= 0 {
		head = raw[:idx]
		ref.Version = raw[idx+1:]
	}

	kind := head
	group := ""
	if idx := strings.Index(head, "."); idx >= 0 {
		kind = head[:idx]
		group = head[idx+1:]
	}
	ref.Kind = kind

	if group != "" {
		firstSeg := group
		rest := ""
		if idx := strings.Index(group, "."); idx >= 0 {
			firstSeg = group[:idx]
			rest = group[idx+1:]
		}
		if ref.Version == "" && looksLikeVersion(firstSeg) {
			ref.Version = firstSeg
			group = rest
		}
		ref.Group = group
	}

	return ref, nil
}

// String renders the reference back in its canonical "kind.group/version"
// form; re-parsing the rendered form yields the same Kind, Group and
// Version (Raw then holds the rendered text).
func (r KindReference) String() string {
	var sb strings.Builder
	sb.WriteString(r.Kind)
	if r.Group != "" {
		sb.WriteString(".")
		sb.WriteString(r.Group)
	}
	if r.Version != "" {
		sb.WriteString("/")
		sb.WriteString(r.Version)
	}
	return sb.String()
}

func foldEqual(a, b string) bool {
	return strings.EqualFold(a, b)
}
