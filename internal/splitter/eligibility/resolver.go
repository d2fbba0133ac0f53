// Package eligibility decides whether a request context takes part in an experiment and, if it does,
// which variant it is in. Assignment and metric recording both go through Resolve, so a metric is
// attributed to exactly the variant the subject was shown.
package eligibility

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/G-Research/splitter/internal/splitter/assignment"
	"github.com/G-Research/splitter/internal/splitter/model"
	"github.com/G-Research/splitter/internal/splitter/targeting"
)

const DefaultSubjectKey = "subjectId"

type Reason string

const (
	ReasonAssigned          Reason = "assigned"
	ReasonNotRunning        Reason = "not_running"
	ReasonTargetingMismatch Reason = "targeting_mismatch"
	ReasonNoSubject         Reason = "no_subject"
	ReasonInvalid           Reason = "invalid"
)

// Decision is the outcome of resolving one context against one experiment.
// Variant is nil unless Reason is ReasonAssigned.
type Decision struct {
	Variant   *model.Variant
	SubjectId string
	Reason    Reason
}

func (d Decision) Assigned() bool {
	return d.Reason == ReasonAssigned && d.Variant != nil
}

type Resolver struct {
	// Context key holding the subject identifier. Defaults to DefaultSubjectKey.
	SubjectKey string
	// Subject used for contexts without one. If empty, such contexts are not assigned.
	AnonymousSubject string
}

// Resolve applies, in order, the status gate, the targeting rules, the subject lookup and the
// weighted assignment. Only Running experiments assign.
func (r *Resolver) Resolve(experiment *model.Experiment, ctx targeting.Context) Decision {
	if experiment.Status != model.StatusRunning {
		return Decision{Reason: ReasonNotRunning}
	}
	if !targeting.Evaluate(experiment.Targeting, ctx) {
		return Decision{Reason: ReasonTargetingMismatch}
	}
	subjectId, ok := r.subject(ctx)
	if !ok {
		return Decision{Reason: ReasonNoSubject}
	}
	index, err := assignment.Assign(experiment.Id, subjectId, experiment.Weights())
	if err != nil {
		return Decision{SubjectId: subjectId, Reason: ReasonInvalid}
	}
	return Decision{
		Variant:   &experiment.Variants[index],
		SubjectId: subjectId,
		Reason:    ReasonAssigned,
	}
}

func (r *Resolver) subject(ctx targeting.Context) (string, bool) {
	key := r.SubjectKey
	if key == "" {
		key = DefaultSubjectKey
	}
	if id, ok := subjectString(ctx[key]); ok {
		return id, true
	}
	if r.AnonymousSubject != "" {
		return r.AnonymousSubject, true
	}
	return "", false
}

// subjectString accepts any non-empty scalar, so numeric user ids work without conversion.
func subjectString(v interface{}) (string, bool) {
	switch s := v.(type) {
	case nil:
		return "", false
	case string:
		return s, s != ""
	case json.Number:
		return s.String(), s != ""
	case fmt.Stringer:
		id := s.String()
		return id, id != ""
	}
	switch reflect.TypeOf(v).Kind() {
	case reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return fmt.Sprint(v), true
	default:
		return "", false
	}
}
