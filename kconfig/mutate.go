package kconfig

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/PaesslerAG/jsonpath"
	jsonpatch "github.com/evanphx/json-patch"
	"github.com/kr8s-go/kr8s/kerrors"
	"sigs.k8s.io/yaml"
)

// asJSON round-trips document 0 through JSON so JSON-Pointer/JSON-Path
// libraries (which operate on encoding/json trees) see the same shape a
// YAML-aware reader would.
func (s *Set) asJSON() ([]byte, error) {
	if len(s.docs) == 0 {
		return nil, &kerrors.ConfigInvalid{Cause: &kerrors.ValueError{Message: "empty config set"}}
	}
	return json.Marshal(s.docs[0])
}

// Set applies an RFC 6901 JSON-Pointer "add" (or "replace") operation to
// document 0 (structural writes always target the primary document).
// value must be JSON-marshalable.
func (s *Set) Set(pointer string, value any) error {
	if len(s.docs) == 0 {
		return &kerrors.ConfigInvalid{Cause: &kerrors.ValueError{Message: "empty config set"}}
	}
	raw, err := s.asJSON()
	if err != nil {
		return err
	}
	valueJSON, err := json.Marshal(value)
	if err != nil {
		return &kerrors.ValueError{Message: fmt.Sprintf("set: value does not marshal to JSON: %v", err)}
	}
	patch, err := json.Marshal([]map[string]any{
		{"op": "add", "path": pointer, "value": json.RawMessage(valueJSON)},
	})
	if err != nil {
		return &kerrors.ValueError{Message: err.Error()}
	}
	return s.applyPatch(patch, raw)
}

// Unset applies an RFC 6901 JSON-Pointer "remove" operation to document 0.
// Removing an absent pointer is a no-op, matching the tolerant behavior of
// kubectl's config unset.
func (s *Set) Unset(pointer string) error {
	if len(s.docs) == 0 {
		return &kerrors.ConfigInvalid{Cause: &kerrors.ValueError{Message: "empty config set"}}
	}
	raw, err := s.asJSON()
	if err != nil {
		return err
	}
	patch, err := json.Marshal([]map[string]any{{"op": "remove", "path": pointer}})
	if err != nil {
		return &kerrors.ValueError{Message: err.Error()}
	}
	decoded, err := jsonpatch.DecodePatch(patch)
	if err != nil {
		return &kerrors.ValueError{Message: err.Error()}
	}
	result, err := decoded.Apply(raw)
	if err != nil {
		// absent pointer: tolerate, mirroring unset-of-missing-key being a no-op.
		return nil
	}
	return s.reloadDocument0(result)
}

func (s *Set) applyPatch(patch, raw []byte) error {
	decoded, err := jsonpatch.DecodePatch(patch)
	if err != nil {
		return &kerrors.ValueError{Message: err.Error()}
	}
	result, err := decoded.Apply(raw)
	if err != nil {
		return &kerrors.ValueError{Message: err.Error()}
	}
	return s.reloadDocument0(result)
}

func (s *Set) reloadDocument0(result []byte) error {
	path := s.docs[0].Path
	var doc Document
	if err := json.Unmarshal(result, &doc); err != nil {
		return &kerrors.ConfigInvalid{Path: path, Cause: err}
	}
	doc.Path = path
	s.docs[0] = &doc
	return nil
}

// Get evaluates a JSON-Path expression against the merged document 0 view
// and returns the single matched value.
func (s *Set) Get(expr string) (any, error) {
	raw, err := s.asJSON()
	if err != nil {
		return nil, err
	}
	var tree any
	if err := json.Unmarshal(raw, &tree); err != nil {
		return nil, &kerrors.ConfigInvalid{Cause: err}
	}
	v, err := jsonpath.Get(expr, tree)
	if err != nil {
		return nil, &kerrors.ValueError{Message: fmt.Sprintf("jsonpath %q: %v", expr, err)}
	}
	return v, nil
}

// Save persists each document back to its originating path as YAML,
// preserving the loader's read schema. Inline documents (empty Path) are
// skipped.
func (s *Set) Save() error {
	for _, d := range s.docs {
		if d.Path == "" {
			continue
		}
		data, err := yaml.Marshal(d)
		if err != nil {
			return &kerrors.ConfigInvalid{Path: d.Path, Cause: err}
		}
		if err := os.WriteFile(d.Path, data, 0o600); err != nil {
			return &kerrors.ConfigInvalid{Path: d.Path, Cause: err}
		}
	}
	return nil
}
