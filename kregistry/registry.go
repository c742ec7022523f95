package kregistry

import (
	"context"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/kr8s-go/kr8s/kerrors"
)

// DiscoveryFetcher is the narrow interface the registry needs from C4 (the
// HTTP Session) to resolve an unknown group against the live cluster. It
// is implemented by ktransport.Session, kept here as an interface so
// kregistry never imports the transport package.
type DiscoveryFetcher interface {
	// FetchGroup returns every resource the server offers for group (""
	// means the core/v1 group), across all versions that group offers.
	FetchGroup(ctx context.Context, group string) ([]ResourceDescriptor, error)
}

// Registry maps kind references to descriptors: a static built-in table,
// dynamically registered kinds, and a cached discovery lookup.
type Registry struct {
	mu sync.RWMutex

	// registered holds built-ins followed by dynamically registered
	// kinds, in registration order; built-ins come first, so user
	// registrations win ties.
	registered []ResourceDescriptor

	discovered map[string][]ResourceDescriptor // keyed by group
	fetcher    DiscoveryFetcher
	fetchGroup singleflight.Group
}

// New constructs a Registry seeded with the built-in kinds table.
func New(fetcher DiscoveryFetcher) *Registry {
	return &Registry{
		registered: append([]ResourceDescriptor(nil), BuiltIns()...),
		discovered: make(map[string][]ResourceDescriptor),
		fetcher:    fetcher,
	}
}

// RegisterKind adds a dynamically constructed descriptor to the
// registry. The plural defaults via InferPlural when not supplied.
func (r *Registry) RegisterKind(d ResourceDescriptor) {
	if d.Name == "" {
		d.Name = InferPlural(d.Kind)
	}
	if d.SingularName == "" {
		d.SingularName = strings.ToLower(d.Kind)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.registered = append(r.registered, d)
}

// Rebuild discards the discovery cache. Nothing else evicts it; entries
// live until the registry is explicitly rebuilt.
func (r *Registry) Rebuild() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.discovered = make(map[string][]ResourceDescriptor)
}

func nameMatches(d ResourceDescriptor, kind string) bool {
	if foldEqual(d.Kind, kind) ||
		foldEqual(d.SingularName, kind) ||
		foldEqual(d.Name, kind) {
		return true
	}
	for _, s := range d.ShortNames {
		if foldEqual(s, kind) {
			return true
		}
	}
	return false
}

// candidates filters pool for entries matching ref's kind/singular/plural
// or a short name and, when specified, group/version.
func candidates(pool []ResourceDescriptor, ref KindReference) []ResourceDescriptor {
	var out []ResourceDescriptor
	for _, d := range pool {
		if !nameMatches(d, ref.Kind) {
			continue
		}
		if ref.Group != "" && !strings.EqualFold(d.GVR.Group, ref.Group) {
			continue
		}
		if ref.Version != "" && d.GVR.Version != ref.Version {
			continue
		}
		out = append(out, d)
	}
	return out
}

// pickBest applies the lookup tie-break: prefer exact group+version;
// else prefer candidates whose group equals the reference's promoted
// group; else take the last match.
func pickBest(cands []ResourceDescriptor, ref KindReference) ResourceDescriptor {
	if len(cands) == 1 {
		return cands[0]
	}
	if ref.Group != "" && ref.Version != "" {
		for i := len(cands) - 1; i >= 0; i-- {
			if strings.EqualFold(cands[i].GVR.Group, ref.Group) && cands[i].GVR.Version == ref.Version {
				return cands[i]
			}
		}
	}
	if ref.Group != "" {
		for i := len(cands) - 1; i >= 0; i-- {
			if strings.EqualFold(cands[i].GVR.Group, ref.Group) {
				return cands[i]
			}
		}
	}
	return cands[len(cands)-1]
}

// Lookup implements lookupKind: reference -> (descriptor, namespaced).
func (r *Registry) Lookup(ctx context.Context, raw string) (ResourceDescriptor, error) {
	ref, err := ParseKindReference(raw)
	if err != nil {
		return ResourceDescriptor{}, err
	}

	r.mu.RLock()
	cands := candidates(r.registered, ref)
	r.mu.RUnlock()
	if len(cands) > 0 {
		return pickBest(cands, ref), nil
	}

	discovered, err := r.discoveryFor(ctx, ref.Group)
	if err != nil {
		if _, ok := err.(*kerrors.KindUnknown); ok {
			return ResourceDescriptor{}, &kerrors.KindUnknown{Reference: raw}
		}
		return ResourceDescriptor{}, err
	}
	cands = candidates(discovered, ref)
	if len(cands) == 0 {
		return ResourceDescriptor{}, &kerrors.KindUnknown{Reference: raw}
	}
	return pickBest(cands, ref), nil
}

// discoveryFor returns the cached descriptors for group, fetching (and
// deduplicating concurrent fetches via singleflight) on a cache miss.
func (r *Registry) discoveryFor(ctx context.Context, group string) ([]ResourceDescriptor, error) {
	r.mu.RLock()
	cached, ok := r.discovered[group]
	r.mu.RUnlock()
	if ok {
		return cached, nil
	}
	if r.fetcher == nil {
		return nil, &kerrors.KindUnknown{Reference: group}
	}

	result, err, _ := r.fetchGroup.Do(group, func() (any, error) {
		fetched, err := r.fetcher.FetchGroup(ctx, group)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.discovered[group] = fetched
		r.mu.Unlock()
		return fetched, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]ResourceDescriptor), nil
}
