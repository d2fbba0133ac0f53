package model

import (
	"time"
)

// Result is one recorded metric observation. Results are only ever appended.
type Result struct {
	Id           string
	ExperimentId string
	VariantId    string
	MetricId     string
	Value        float64
	SubjectId    string
	Timestamp    time.Time
}

func (r *Result) CounterKey() CounterKey {
	return CounterKey{
		ExperimentId: r.ExperimentId,
		VariantId:    r.VariantId,
		MetricId:     r.MetricId,
	}
}

// CounterKey identifies one (experiment, variant, metric) cell of the live counters.
type CounterKey struct {
	ExperimentId string
	VariantId    string
	MetricId     string
}

// Aggregate holds the running totals of one (variant, metric) cell.
type Aggregate struct {
	VariantId  string
	MetricId   string
	Count      int64
	Sum        float64
	SumSquares float64
}

// Add folds a single observation into the aggregate.
func (a *Aggregate) Add(value float64) {
	a.Count++
	a.Sum += value
	a.SumSquares += value * value
}

// Average returns Sum / Count, or 0 for an empty cell.
func (a Aggregate) Average() float64 {
	if a.Count == 0 {
		return 0
	}
	return a.Sum / float64(a.Count)
}

// Variance returns the unbiased sample variance, or 0 with fewer than two observations.
func (a Aggregate) Variance() float64 {
	if a.Count < 2 {
		return 0
	}
	n := float64(a.Count)
	mean := a.Sum / n
	v := (a.SumSquares - n*mean*mean) / (n - 1)
	// Rounding can push a constant sample slightly negative.
	if v < 0 {
		return 0
	}
	return v
}
