package model

import (
	"fmt"
	"math"
	"regexp"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/G-Research/splitter/internal/common/splittererrors"
	"github.com/G-Research/splitter/internal/splitter/targeting"
)

type Status string

const (
	StatusDraft     Status = "Draft"
	StatusRunning   Status = "Running"
	StatusPaused    Status = "Paused"
	StatusCompleted Status = "Completed"
)

func (s Status) IsValid() bool {
	switch s {
	case StatusDraft, StatusRunning, StatusPaused, StatusCompleted:
		return true
	default:
		return false
	}
}

type MetricType string

const MetricTypeNumeric MetricType = "numeric"

// Ids end up in store keys joined with ':', so they are restricted to a safe alphabet.
var idPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

type Variant struct {
	Id     string
	Name   string
	Weight float64
}

type Metric struct {
	Id   string
	Name string
	Type MetricType
}

// Experiment is a named, versioned test with ordered variants and the metrics recorded against it.
// The first variant is the control that the other variants are compared with.
type Experiment struct {
	Id     string
	Name   string
	Status Status
	// Nil means every context is eligible.
	Targeting targeting.Condition
	Variants  []Variant
	Metrics   []Metric
}

// Validate returns an *splittererrors.ErrInvalidExperiment describing every structural problem with e,
// or nil if e is usable for assignment.
func (e *Experiment) Validate() error {
	var result *multierror.Error
	invalid := func(name string, value interface{}, message string) {
		result = multierror.Append(result, &splittererrors.ErrInvalidArgument{
			Name:    name,
			Value:   value,
			Message: message,
		})
	}

	if !idPattern.MatchString(e.Id) {
		invalid("id", e.Id, "must be non-empty and contain only letters, digits, '_', '.' or '-'")
	}
	if e.Name == "" {
		invalid("name", e.Name, "must not be empty")
	}
	if !e.Status.IsValid() {
		invalid("status", e.Status, "must be one of Draft, Running, Paused or Completed")
	}

	if len(e.Variants) == 0 {
		invalid("variants", e.Variants, "at least one variant is required")
	}
	total := 0.0
	variantIds := make(map[string]bool, len(e.Variants))
	for i, v := range e.Variants {
		field := fmt.Sprintf("variants[%d]", i)
		if !idPattern.MatchString(v.Id) {
			invalid(field+".id", v.Id, "must be non-empty and contain only letters, digits, '_', '.' or '-'")
		} else if variantIds[v.Id] {
			invalid(field+".id", v.Id, "duplicate variant id")
		}
		variantIds[v.Id] = true
		if math.IsNaN(v.Weight) || math.IsInf(v.Weight, 0) || v.Weight < 0 {
			invalid(field+".weight", v.Weight, "must be a finite, non-negative number")
			continue
		}
		total += v.Weight
	}
	if len(e.Variants) > 0 && !(total > 0) {
		invalid("variants", total, "weights must sum to a positive number")
	}

	metricIds := make(map[string]bool, len(e.Metrics))
	metricNames := make(map[string]bool, len(e.Metrics))
	for i, m := range e.Metrics {
		field := fmt.Sprintf("metrics[%d]", i)
		if !idPattern.MatchString(m.Id) {
			invalid(field+".id", m.Id, "must be non-empty and contain only letters, digits, '_', '.' or '-'")
		} else if metricIds[m.Id] {
			invalid(field+".id", m.Id, "duplicate metric id")
		}
		metricIds[m.Id] = true
		if m.Name == "" {
			invalid(field+".name", m.Name, "must not be empty")
		} else if metricNames[m.Name] {
			invalid(field+".name", m.Name, "duplicate metric name")
		}
		metricNames[m.Name] = true
		if m.Type != MetricTypeNumeric {
			invalid(field+".type", m.Type, "only numeric metrics are supported")
		}
	}

	if err := result.ErrorOrNil(); err != nil {
		return errors.WithStack(&splittererrors.ErrInvalidExperiment{Name: e.Name, Cause: err})
	}
	return nil
}

// Weights returns the variant weights in variant order.
func (e *Experiment) Weights() []float64 {
	weights := make([]float64, len(e.Variants))
	for i, v := range e.Variants {
		weights[i] = v.Weight
	}
	return weights
}

// Control returns the first declared variant, or nil if there are none.
func (e *Experiment) Control() *Variant {
	if len(e.Variants) == 0 {
		return nil
	}
	return &e.Variants[0]
}

func (e *Experiment) MetricByName(name string) (*Metric, bool) {
	for i := range e.Metrics {
		if e.Metrics[i].Name == name {
			return &e.Metrics[i], true
		}
	}
	return nil, false
}

func (e *Experiment) VariantById(id string) (*Variant, bool) {
	for i := range e.Variants {
		if e.Variants[i].Id == id {
			return &e.Variants[i], true
		}
	}
	return nil, false
}
