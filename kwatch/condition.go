package kwatch

import (
	"fmt"
	"strings"

	"github.com/PaesslerAG/jsonpath"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"github.com/kr8s-go/kr8s/kerrors"
)

// Mode selects any/all composition of a condition set.
type Mode int

const (
	ModeAny Mode = iota
	ModeAll
)

// kind distinguishes the three predicate forms.
type kind int

const (
	kindStatusCondition kind = iota
	kindJSONPath
	kindDelete
)

// Predicate is one parsed wait condition string.
type Predicate struct {
	raw string
	k   kind

	// kindStatusCondition
	condType  string
	condValue string

	// kindJSONPath
	expr    string
	literal string
}

// ParsePredicate parses one condition string:
//
//	condition=<Type>[=<Value>]  (default Value "True")
//	jsonpath='{expr}'=<literal>
//	delete
func ParsePredicate(raw string) (Predicate, error) {
	switch {
	case raw == "delete":
		return Predicate{raw: raw, k: kindDelete}, nil

	case strings.HasPrefix(raw, "condition="):
		rest := strings.TrimPrefix(raw, "condition=")
		parts := strings.SplitN(rest, "=", 2)
		p := Predicate{raw: raw, k: kindStatusCondition, condType: parts[0], condValue: "True"}
		if len(parts) == 2 {
			p.condValue = parts[1]
		}
		if p.condType == "" {
			return Predicate{}, &kerrors.ValueError{Message: "empty condition type in " + raw}
		}
		return p, nil

	case strings.HasPrefix(raw, "jsonpath="):
		rest := strings.TrimPrefix(raw, "jsonpath=")
		idx := strings.LastIndex(rest, "=")
		if idx < 0 {
			return Predicate{}, &kerrors.ValueError{Message: "jsonpath condition missing literal: " + raw}
		}
		expr := strings.Trim(rest[:idx], "'")
		expr = strings.TrimSuffix(strings.TrimPrefix(expr, "{"), "}")
		literal := rest[idx+1:]
		return Predicate{raw: raw, k: kindJSONPath, expr: expr, literal: literal}, nil

	default:
		return Predicate{}, &kerrors.ValueError{Message: "unrecognized wait condition: " + raw}
	}
}

// ParsePredicates parses every element of conditions.
func ParsePredicates(conditions []string) ([]Predicate, error) {
	out := make([]Predicate, 0, len(conditions))
	for _, c := range conditions {
		p, err := ParsePredicate(c)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// IsDeleteOnly reports whether preds is exactly the single "delete"
// predicate, the sole case in which a NotFoundError on wait's initial
// refresh is tolerated.
func IsDeleteOnly(preds []Predicate) bool {
	return len(preds) == 1 && preds[0].k == kindDelete
}

// Matches evaluates one predicate against an object. exists must reflect
// whether a fresh fetch of the object still succeeds (needed for the
// "delete" predicate, which has no object to inspect once it is gone).
func (p Predicate) Matches(obj *unstructured.Unstructured, exists bool) (bool, error) {
	switch p.k {
	case kindDelete:
		return !exists, nil

	case kindStatusCondition:
		if !exists || obj == nil {
			return false, nil
		}
		return matchStatusCondition(obj, p.condType, p.condValue), nil

	case kindJSONPath:
		if !exists || obj == nil {
			return false, nil
		}
		return matchJSONPath(obj, p.expr, p.literal)

	default:
		return false, &kerrors.ValueError{Message: "unreachable predicate kind"}
	}
}

// matchStatusCondition implements "status.conditions[?type==Type].status ==
// Value", case-insensitive match after folding.
func matchStatusCondition(obj *unstructured.Unstructured, condType, condValue string) bool {
	conditions, found, err := unstructured.NestedSlice(obj.Object, "status", "conditions")
	if err != nil || !found {
		return false
	}
	for _, raw := range conditions {
		c, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		t, _ := c["type"].(string)
		if !strings.EqualFold(t, condType) {
			continue
		}
		s, _ := c["status"].(string)
		return strings.EqualFold(s, condValue)
	}
	return false
}

// kubectlExprToJSONPath translates kubectl-style `{.status.phase}`
// expressions into the `$.status.phase` form the PaesslerAG/jsonpath
// library expects.
func kubectlExprToJSONPath(expr string) string {
	expr = strings.TrimSpace(expr)
	expr = strings.TrimPrefix(expr, "{")
	expr = strings.TrimSuffix(expr, "}")
	if !strings.HasPrefix(expr, ".") && !strings.HasPrefix(expr, "[") {
		expr = "." + expr
	}
	return "$" + expr
}

// matchJSONPath evaluates expr against obj and compares the single result
// as a string.
func matchJSONPath(obj *unstructured.Unstructured, expr, literal string) (bool, error) {
	value, err := jsonpath.Get(kubectlExprToJSONPath(expr), obj.Object)
	if err != nil {
		return false, nil // no match, not an error: the field may not exist yet
	}
	return fmt.Sprintf("%v", value) == literal, nil
}

// Evaluate composes preds under mode: any returns true if any predicate
// matches; all requires all of them.
func Evaluate(preds []Predicate, obj *unstructured.Unstructured, exists bool, mode Mode) (bool, error) {
	if len(preds) == 0 {
		return false, &kerrors.ValueError{Message: "wait requires at least one condition"}
	}
	switch mode {
	case ModeAny:
		for _, p := range preds {
			ok, err := p.Matches(obj, exists)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	case ModeAll:
		for _, p := range preds {
			ok, err := p.Matches(obj, exists)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil
	default:
		return false, &kerrors.ValueError{Message: "unknown wait mode"}
	}
}
