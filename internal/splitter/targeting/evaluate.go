package targeting

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"regexp"
	"strconv"

	"github.com/pkg/errors"

	"github.com/G-Research/splitter/internal/common/splittererrors"
)

// NewPredicate creates a predicate, checking that operand has the shape operator expects:
// a scalar for equals, a list for in, a Range (or map with min/max) for range and a valid
// regular expression string for matches.
func NewPredicate(key string, operator Operator, operand interface{}) (*Predicate, error) {
	if key == "" {
		return nil, errors.WithStack(&splittererrors.ErrInvalidArgument{
			Name:    "key",
			Value:   key,
			Message: "predicate key must not be empty",
		})
	}
	p := &Predicate{Key: key, Operator: operator}
	switch operator {
	case OpEquals:
		if operand == nil || !isScalar(operand) {
			return nil, invalidOperand(operator, operand, "expected a scalar value")
		}
		p.value = operand
	case OpIn:
		values, ok := toList(operand)
		if !ok {
			return nil, invalidOperand(operator, operand, "expected a list of values")
		}
		p.values = values
	case OpRange:
		bounds, ok := toRange(operand)
		if !ok {
			return nil, invalidOperand(operator, operand, "expected min and/or max numeric bounds")
		}
		if bounds.Min != nil && bounds.Max != nil && *bounds.Min > *bounds.Max {
			return nil, invalidOperand(operator, operand, "min must not exceed max")
		}
		p.bounds = bounds
	case OpMatches:
		pattern, ok := operand.(string)
		if !ok {
			return nil, invalidOperand(operator, operand, "expected a regular expression string")
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, invalidOperand(operator, operand, err.Error())
		}
		p.pattern = re
	default:
		return nil, errors.WithStack(&splittererrors.ErrInvalidArgument{
			Name:    "op",
			Value:   operator,
			Message: "unknown operator",
		})
	}
	return p, nil
}

func invalidOperand(operator Operator, operand interface{}, message string) error {
	return errors.WithStack(&splittererrors.ErrInvalidArgument{
		Name:    string(operator),
		Value:   operand,
		Message: message,
	})
}

// Evaluate reports whether ctx satisfies c. A nil c is satisfied by every context.
func Evaluate(c Condition, ctx Context) bool {
	switch node := c.(type) {
	case nil:
		return true
	case And:
		for _, child := range node.Children {
			if !Evaluate(child, ctx) {
				return false
			}
		}
		return true
	case *And:
		return node != nil && Evaluate(*node, ctx)
	case Or:
		for _, child := range node.Children {
			if Evaluate(child, ctx) {
				return true
			}
		}
		return false
	case *Or:
		return node != nil && Evaluate(*node, ctx)
	case Not:
		return !Evaluate(node.Child, ctx)
	case *Not:
		return node != nil && Evaluate(*node, ctx)
	case *Predicate:
		return node != nil && node.matches(ctx)
	default:
		return false
	}
}

func (p *Predicate) matches(ctx Context) bool {
	actual, ok := ctx[p.Key]
	if !ok || actual == nil {
		return false
	}
	switch p.Operator {
	case OpEquals:
		return equal(actual, p.value)
	case OpIn:
		for _, v := range p.values {
			if equal(actual, v) {
				return true
			}
		}
		return false
	case OpRange:
		x, ok := toFloat(actual)
		if !ok || math.IsNaN(x) {
			return false
		}
		if p.bounds.Min != nil && x < *p.bounds.Min {
			return false
		}
		if p.bounds.Max != nil && x > *p.bounds.Max {
			return false
		}
		return true
	case OpMatches:
		s, ok := actual.(string)
		if !ok || p.pattern == nil {
			return false
		}
		return p.pattern.MatchString(s)
	default:
		return false
	}
}

// equal compares numerically when both sides parse as numbers and at least one of them is a number
// rather than a string, so "02134" and "2134" are different values but 2 and "2" are the same.
func equal(a, b interface{}) bool {
	if !isScalar(a) || !isScalar(b) {
		return false
	}
	if isNumber(a) || isNumber(b) {
		af, aNumeric := toFloat(a)
		bf, bNumeric := toFloat(b)
		if aNumeric && bNumeric {
			return af == bf
		}
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

// isNumber reports whether v is a numeric type. json.Number counts; plain strings don't.
func isNumber(v interface{}) bool {
	if _, ok := v.(json.Number); ok {
		return true
	}
	switch reflect.TypeOf(v).Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	default:
		return false
	}
}

func isScalar(v interface{}) bool {
	if v == nil {
		return false
	}
	switch reflect.TypeOf(v).Kind() {
	case reflect.Bool, reflect.String,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	default:
		return false
	}
}

func toFloat(v interface{}) (float64, bool) {
	switch x := v.(type) {
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(x, 64)
		return f, err == nil
	case bool, nil:
		return 0, false
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint()), true
	case reflect.Float32, reflect.Float64:
		return rv.Float(), true
	default:
		return 0, false
	}
}

func toList(v interface{}) ([]interface{}, bool) {
	if v == nil {
		return nil, false
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	values := make([]interface{}, 0, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		element := rv.Index(i).Interface()
		if !isScalar(element) {
			return nil, false
		}
		values = append(values, element)
	}
	return values, true
}

// toRange accepts a Range or the map decoded from JSON or YAML.
func toRange(v interface{}) (Range, bool) {
	switch r := v.(type) {
	case Range:
		return r, r.Min != nil || r.Max != nil
	case *Range:
		if r == nil {
			return Range{}, false
		}
		return *r, r.Min != nil || r.Max != nil
	}
	bound := func(raw interface{}) (*float64, bool) {
		if raw == nil {
			return nil, true
		}
		f, ok := toFloat(raw)
		if !ok || math.IsNaN(f) {
			return nil, false
		}
		return &f, true
	}
	var fields map[string]interface{}
	switch m := v.(type) {
	case map[string]interface{}:
		fields = m
	case map[interface{}]interface{}:
		fields = make(map[string]interface{}, len(m))
		for k, value := range m {
			fields[fmt.Sprint(k)] = value
		}
	default:
		return Range{}, false
	}
	var r Range
	for k, raw := range fields {
		b, ok := bound(raw)
		if !ok {
			return Range{}, false
		}
		switch k {
		case "min":
			r.Min = b
		case "max":
			r.Max = b
		default:
			return Range{}, false
		}
	}
	return r, r.Min != nil || r.Max != nil
}
