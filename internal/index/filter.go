package index

import (
	"encoding/json"
	"fmt"

	"github.com/aifocal/akidb/internal/doc"
)

// Op is a filter comparison operator.
type Op string

const (
	OpEq  Op = "eq"
	OpNe  Op = "ne"
	OpIn  Op = "in"
	OpGt  Op = "gt"
	OpGte Op = "gte"
	OpLt  Op = "lt"
	OpLte Op = "lte"
)

// Condition compares one payload field against a literal. Supported field
// types are the payload's typed subset: string, number, bool, and list.
// A condition on a list field matches when any element matches, except ne,
// which matches only when every element differs.
type Condition struct {
	Field string `json:"field"`
	Op    Op     `json:"op"`
	Value any    `json:"value"`
}

// Filter is a conjunction of conditions evaluated against a document's
// payload. Both index providers push it down so non-matching candidates are
// pruned before distances are merged.
type Filter struct {
	Must []Condition `json:"must"`
}

// ParseFilter decodes and validates a JSON filter. Empty input is no filter.
func ParseFilter(b []byte) (*Filter, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var f Filter
	if err := json.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("%w: invalid filter: %v", ErrValidation, err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	if len(f.Must) == 0 {
		return nil, nil
	}
	return &f, nil
}

// Validate checks operators and operand shapes.
func (f *Filter) Validate() error {
	for i, c := range f.Must {
		if c.Field == "" {
			return fmt.Errorf("%w: filter condition %d has empty field", ErrValidation, i)
		}
		switch c.Op {
		case OpEq, OpNe:
		case OpIn:
			if _, ok := c.Value.([]any); !ok {
				return fmt.Errorf("%w: filter condition %d: in requires a list operand", ErrValidation, i)
			}
		case OpGt, OpGte, OpLt, OpLte:
			if _, ok := toNumber(c.Value); !ok {
				return fmt.Errorf("%w: filter condition %d: %s requires a numeric operand", ErrValidation, i, c.Op)
			}
		default:
			return fmt.Errorf("%w: filter condition %d: unknown operator %q", ErrValidation, i, c.Op)
		}
	}
	return nil
}

// Matches evaluates the filter against decoded payload fields. A document
// with no payload matches only an empty filter.
func (f *Filter) Matches(fields map[string]any) bool {
	if f == nil || len(f.Must) == 0 {
		return true
	}
	for _, c := range f.Must {
		v, ok := fields[c.Field]
		if !ok {
			return false
		}
		if !c.matches(v) {
			return false
		}
	}
	return true
}

// MatchesPayload decodes a raw payload and evaluates the filter. Used by
// the metadata-scan fallback, which works straight off the segment's
// metadata block.
func (f *Filter) MatchesPayload(p doc.Payload) bool {
	if f == nil || len(f.Must) == 0 {
		return true
	}
	fields, err := p.Fields()
	if err != nil {
		return false
	}
	return f.Matches(fields)
}

func (c *Condition) matches(v any) bool {
	// List fields: any element matching satisfies the condition, except ne
	// which requires all elements to differ.
	if list, ok := v.([]any); ok {
		if c.Op == OpNe {
			for _, el := range list {
				if scalarEq(el, c.Value) {
					return false
				}
			}
			return true
		}
		for _, el := range list {
			if c.matchesScalar(el) {
				return true
			}
		}
		return false
	}
	return c.matchesScalar(v)
}

func (c *Condition) matchesScalar(v any) bool {
	switch c.Op {
	case OpEq:
		return scalarEq(v, c.Value)
	case OpNe:
		return !scalarEq(v, c.Value)
	case OpIn:
		options, ok := c.Value.([]any)
		if !ok {
			return false
		}
		for _, opt := range options {
			if scalarEq(v, opt) {
				return true
			}
		}
		return false
	case OpGt, OpGte, OpLt, OpLte:
		a, okA := toNumber(v)
		b, okB := toNumber(c.Value)
		if !okA || !okB {
			return false
		}
		switch c.Op {
		case OpGt:
			return a > b
		case OpGte:
			return a >= b
		case OpLt:
			return a < b
		default:
			return a <= b
		}
	default:
		return false
	}
}

func scalarEq(a, b any) bool {
	if na, ok := toNumber(a); ok {
		if nb, ok := toNumber(b); ok {
			return na == nb
		}
		return false
	}
	return a == b
}

func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
