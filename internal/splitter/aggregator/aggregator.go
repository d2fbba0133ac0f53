// Package aggregator turns recorded results into per-variant reports with significance tests against the control.
package aggregator

import (
	"context"
	"math"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/G-Research/splitter/internal/common/splittererrors"
	"github.com/G-Research/splitter/internal/common/util"
	"github.com/G-Research/splitter/internal/splitter/configuration"
	"github.com/G-Research/splitter/internal/splitter/model"
	"github.com/G-Research/splitter/internal/splitter/repository"
)

type Source string

const (
	// SourceDurable reads the result log. It is authoritative.
	SourceDurable Source = "durable"
	// SourceCounters reads the live counters. They may lag the log.
	SourceCounters Source = "counters"
)

// ParseSource maps "", "durable" and "counters" to a Source.
func ParseSource(s string) (Source, error) {
	switch Source(s) {
	case "", SourceDurable:
		return SourceDurable, nil
	case SourceCounters:
		return SourceCounters, nil
	default:
		return "", errors.WithStack(&splittererrors.ErrInvalidArgument{
			Name:    "source",
			Value:   s,
			Message: "must be durable or counters",
		})
	}
}

type Report struct {
	ExperimentId   string       `json:"experimentId"`
	ExperimentName string       `json:"experimentName"`
	Source         Source       `json:"source"`
	Confidence     float64      `json:"confidence"`
	Cells          []Cell       `json:"cells"`
	Comparisons    []Comparison `json:"comparisons"`
}

// Cell summarises one metric of one variant.
type Cell struct {
	VariantId   string  `json:"variantId"`
	VariantName string  `json:"variantName"`
	MetricId    string  `json:"metricId"`
	MetricName  string  `json:"metricName"`
	Count       int64   `json:"count"`
	Sum         float64 `json:"sum"`
	Average     float64 `json:"average"`
	Variance    float64 `json:"variance"`
}

// Comparison is a two-sided Welch z-test of one variant against the control for one metric.
// Computable is false when either arm has fewer than two observations or both have zero variance,
// in which case none of the statistics are set.
type Comparison struct {
	MetricId   string  `json:"metricId"`
	ControlId  string  `json:"controlId"`
	VariantId  string  `json:"variantId"`
	Computable bool    `json:"computable"`
	Difference float64 `json:"difference"`
	Lower      float64 `json:"lower"`
	Upper      float64 `json:"upper"`
	Z          float64 `json:"z"`
	PValue     float64 `json:"pValue"`
	// Significant is true if PValue < 1 - Confidence.
	Significant bool `json:"significant"`
	// CandidateWinner is the variant with the higher average when the difference is significant.
	CandidateWinner string `json:"candidateWinner,omitempty"`
}

// ExperimentLoader returns validated experiment definitions by id.
type ExperimentLoader interface {
	LoadById(ctx context.Context, id string) (*model.Experiment, error)
}

type Aggregator struct {
	experiments  ExperimentLoader
	durable      repository.DurableStore
	counters     repository.CounterStore
	confidence   float64
	rebuildGrace time.Duration
	clock        util.Clock
}

func New(
	experiments ExperimentLoader,
	durable repository.DurableStore,
	counters repository.CounterStore,
	config configuration.ResultsConfig,
	clock util.Clock,
) *Aggregator {
	return &Aggregator{
		experiments:  experiments,
		durable:      durable,
		counters:     counters,
		confidence:   config.Confidence,
		rebuildGrace: config.RebuildGrace,
		clock:        clock,
	}
}

// GetResults reports every declared (variant, metric) pair of an experiment, ordered by variant then
// metric, along with the comparison of each non-control variant with the control for every metric.
func (a *Aggregator) GetResults(ctx context.Context, experimentId string, source Source) (*Report, error) {
	experiment, err := a.experiments.LoadById(ctx, experimentId)
	if err != nil {
		return nil, err
	}

	var aggregates []model.Aggregate
	switch source {
	case SourceDurable:
		aggregates, err = a.durable.AggregateResults(ctx, experimentId)
	case SourceCounters:
		aggregates, err = a.counters.Counters(ctx, experimentId)
	default:
		_, err = ParseSource(string(source))
	}
	if err != nil {
		return nil, err
	}

	return buildReport(experiment, source, aggregates, a.confidence), nil
}

// RebuildCounters replaces the counters of an experiment with the aggregates of its result log.
//
// Only results recorded more than the rebuild grace ago are counted. The increment of a newer result may
// still be in flight and would otherwise be applied on top of a total that already includes it, leaving the
// counters ahead of the log. Newer results are left out instead, so the counters lag the log until the next
// rebuild.
func (a *Aggregator) RebuildCounters(ctx context.Context, experimentId string) error {
	if _, err := a.durable.GetExperiment(ctx, experimentId); err != nil {
		return err
	}
	cutoff := a.clock.Now().Add(-a.rebuildGrace)
	aggregates, err := a.durable.AggregateResultsBefore(ctx, experimentId, cutoff)
	if err != nil {
		return err
	}
	if err := a.counters.Reset(ctx, experimentId, aggregates); err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"experiment": experimentId,
		"cells":      len(aggregates),
		"before":     cutoff,
	}).Info("rebuilt counters from result log")
	return nil
}

// Reconcile rebuilds the counters of every running experiment. It carries on past failures and
// returns them all.
func (a *Aggregator) Reconcile(ctx context.Context) error {
	experiments, err := a.durable.ListExperiments(ctx)
	if err != nil {
		return err
	}
	var result *multierror.Error
	for _, experiment := range experiments {
		if experiment.Status != model.StatusRunning {
			continue
		}
		if err := ctx.Err(); err != nil {
			return errors.WithStack(err)
		}
		if err := a.RebuildCounters(ctx, experiment.Id); err != nil {
			result = multierror.Append(result, errors.WithMessagef(err, "experiment %s", experiment.Id))
		}
	}
	return result.ErrorOrNil()
}

func buildReport(experiment *model.Experiment, source Source, aggregates []model.Aggregate, confidence float64) *Report {
	type cellKey struct {
		variantId string
		metricId  string
	}
	observed := make(map[cellKey]model.Aggregate, len(aggregates))
	for _, aggregate := range aggregates {
		observed[cellKey{aggregate.VariantId, aggregate.MetricId}] = aggregate
	}

	report := &Report{
		ExperimentId:   experiment.Id,
		ExperimentName: experiment.Name,
		Source:         source,
		Confidence:     confidence,
		Cells:          make([]Cell, 0, len(experiment.Variants)*len(experiment.Metrics)),
		Comparisons:    []Comparison{},
	}
	for _, variant := range experiment.Variants {
		for _, metric := range experiment.Metrics {
			aggregate := observed[cellKey{variant.Id, metric.Id}]
			report.Cells = append(report.Cells, Cell{
				VariantId:   variant.Id,
				VariantName: variant.Name,
				MetricId:    metric.Id,
				MetricName:  metric.Name,
				Count:       aggregate.Count,
				Sum:         aggregate.Sum,
				Average:     aggregate.Average(),
				Variance:    aggregate.Variance(),
			})
		}
	}

	control := experiment.Control()
	if control == nil {
		return report
	}
	for _, metric := range experiment.Metrics {
		controlCell := observed[cellKey{control.Id, metric.Id}]
		for _, variant := range experiment.Variants[1:] {
			variantCell := observed[cellKey{variant.Id, metric.Id}]
			c := compare(controlCell, variantCell, confidence)
			c.MetricId = metric.Id
			c.ControlId = control.Id
			c.VariantId = variant.Id
			if c.Significant {
				if c.Difference > 0 {
					c.CandidateWinner = variant.Id
				} else {
					c.CandidateWinner = control.Id
				}
			}
			report.Comparisons = append(report.Comparisons, c)
		}
	}
	return report
}

// compare runs a Welch two-mean z-test of variant against control.
func compare(control model.Aggregate, variant model.Aggregate, confidence float64) Comparison {
	if control.Count < 2 || variant.Count < 2 {
		return Comparison{}
	}
	se := math.Sqrt(control.Variance()/float64(control.Count) + variant.Variance()/float64(variant.Count))
	if se == 0 || math.IsNaN(se) {
		return Comparison{}
	}
	difference := variant.Average() - control.Average()
	z := difference / se
	p := 2 * distuv.UnitNormal.Survival(math.Abs(z))
	critical := distuv.UnitNormal.Quantile(1 - (1-confidence)/2)
	return Comparison{
		Computable:  true,
		Difference:  difference,
		Lower:       difference - critical*se,
		Upper:       difference + critical*se,
		Z:           z,
		PValue:      p,
		Significant: p < 1-confidence,
	}
}
