// Package targeting evaluates the rule trees that restrict which request contexts are eligible for an
// experiment.
//
// A rule tree is a closed union of And, Or, Not and Predicate nodes. Evaluation is pure and total:
// it never panics and never returns an error. A predicate whose key is missing from the context, or
// whose context value has the wrong type for its operator, evaluates to false, so targeting can
// only ever exclude traffic it cannot reason about. Anything that can fail, such as compiling a
// regular expression, happens once when the tree is built from its wire form.
package targeting

import (
	"regexp"
)

// Context holds the request attributes a rule tree is evaluated against, e.g. subjectId or country.
type Context map[string]interface{}

// Condition is a node of a rule tree. The set of implementations is closed: And, Or, Not and
// *Predicate. A nil Condition matches every context.
type Condition interface {
	isCondition()
}

// And matches when every child matches. An And without children matches everything.
type And struct {
	Children []Condition
}

// Or matches when at least one child matches. An Or without children matches nothing.
type Or struct {
	Children []Condition
}

// Not negates its child.
type Not struct {
	Child Condition
}

type Operator string

const (
	OpEquals  Operator = "equals"
	OpIn      Operator = "in"
	OpRange   Operator = "range"
	OpMatches Operator = "matches"
)

// Range is the operand of OpRange. Bounds are inclusive; a nil bound is unbounded.
type Range struct {
	Min *float64 `json:"min,omitempty" yaml:"min,omitempty"`
	Max *float64 `json:"max,omitempty" yaml:"max,omitempty"`
}

// Predicate compares the context value under Key with an operand.
// Predicates must be created with NewPredicate so that the operand is checked against the operator.
type Predicate struct {
	Key      string
	Operator Operator
	// Operand for OpEquals.
	value interface{}
	// Operand for OpIn.
	values []interface{}
	// Operand for OpRange.
	bounds Range
	// Operand for OpMatches.
	pattern *regexp.Regexp
}

func (And) isCondition()        {}
func (Or) isCondition()         {}
func (Not) isCondition()        {}
func (*Predicate) isCondition() {}

// Operand returns the operand in the form it was created with.
func (p *Predicate) Operand() interface{} {
	switch p.Operator {
	case OpIn:
		return p.values
	case OpRange:
		return p.bounds
	case OpMatches:
		if p.pattern == nil {
			return ""
		}
		return p.pattern.String()
	default:
		return p.value
	}
}
