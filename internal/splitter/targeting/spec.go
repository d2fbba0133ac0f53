package targeting

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/G-Research/splitter/internal/common/splittererrors"
)

// Spec is the serialised form of a rule tree, as stored in the database and written in definition
// files. Exactly one of And, Or, Not or Key must be set, e.g.
//
//	and:
//	  - {key: country, op: in, value: [GB, IE]}
//	  - not: {key: plan, op: equals, value: free}
//
// An empty Spec matches every context.
type Spec struct {
	And   []*Spec     `json:"and,omitempty" yaml:"and,omitempty"`
	Or    []*Spec     `json:"or,omitempty" yaml:"or,omitempty"`
	Not   *Spec       `json:"not,omitempty" yaml:"not,omitempty"`
	Key   string      `json:"key,omitempty" yaml:"key,omitempty"`
	Op    Operator    `json:"op,omitempty" yaml:"op,omitempty"`
	Value interface{} `json:"value,omitempty" yaml:"value,omitempty"`
}

// Build compiles s into a Condition. A nil or empty Spec builds to a nil Condition.
func (s *Spec) Build() (Condition, error) {
	return s.build("targeting")
}

func (s *Spec) build(path string) (Condition, error) {
	if s == nil {
		return nil, nil
	}
	set := 0
	if s.And != nil {
		set++
	}
	if s.Or != nil {
		set++
	}
	if s.Not != nil {
		set++
	}
	if s.Key != "" || s.Op != "" || s.Value != nil {
		set++
	}
	switch {
	case set == 0:
		return nil, nil
	case set > 1:
		return nil, errors.WithStack(&splittererrors.ErrInvalidArgument{
			Name:    path,
			Value:   s,
			Message: "exactly one of and, or, not or key must be set",
		})
	}

	switch {
	case s.And != nil:
		children, err := buildChildren(path+".and", s.And)
		if err != nil {
			return nil, err
		}
		return And{Children: children}, nil
	case s.Or != nil:
		children, err := buildChildren(path+".or", s.Or)
		if err != nil {
			return nil, err
		}
		return Or{Children: children}, nil
	case s.Not != nil:
		child, err := s.Not.build(path + ".not")
		if err != nil {
			return nil, err
		}
		return Not{Child: child}, nil
	default:
		p, err := NewPredicate(s.Key, s.Op, s.Value)
		if err != nil {
			return nil, errors.WithMessagef(err, "invalid predicate at %s", path)
		}
		return p, nil
	}
}

func buildChildren(path string, specs []*Spec) ([]Condition, error) {
	children := make([]Condition, 0, len(specs))
	for i, spec := range specs {
		child, err := spec.build(fmt.Sprintf("%s[%d]", path, i))
		if err != nil {
			return nil, err
		}
		children = append(children, child)
	}
	return children, nil
}

// ToSpec converts c back into its serialised form. ToSpec(nil) is nil.
func ToSpec(c Condition) *Spec {
	switch node := c.(type) {
	case nil:
		return nil
	case And:
		return &Spec{And: toSpecs(node.Children)}
	case *And:
		return ToSpec(*node)
	case Or:
		if len(node.Children) == 0 {
			// An empty or list would be dropped on encoding; not(always) keeps the meaning.
			return &Spec{Not: &Spec{}}
		}
		return &Spec{Or: toSpecs(node.Children)}
	case *Or:
		return ToSpec(*node)
	case Not:
		child := ToSpec(node.Child)
		if child == nil {
			child = &Spec{}
		}
		return &Spec{Not: child}
	case *Not:
		return ToSpec(*node)
	case *Predicate:
		return &Spec{Key: node.Key, Op: node.Operator, Value: node.Operand()}
	default:
		return nil
	}
}

func toSpecs(conditions []Condition) []*Spec {
	specs := make([]*Spec, 0, len(conditions))
	for _, c := range conditions {
		s := ToSpec(c)
		if s == nil {
			s = &Spec{}
		}
		specs = append(specs, s)
	}
	return specs
}
