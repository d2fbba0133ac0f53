// Package recorder attributes metric observations to the variant a subject was assigned and persists them.
//
// Each observation is first appended to the durable result log and only then added to the live counters.
// A failed append leaves the counters untouched; a failed counter update leaves the counters behind the
// log until they are rebuilt from it.
package recorder

import (
	"context"
	"math"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/G-Research/splitter/internal/common/logging"
	"github.com/G-Research/splitter/internal/common/splittererrors"
	"github.com/G-Research/splitter/internal/common/util"
	"github.com/G-Research/splitter/internal/splitter/configuration"
	"github.com/G-Research/splitter/internal/splitter/eligibility"
	"github.com/G-Research/splitter/internal/splitter/metrics"
	"github.com/G-Research/splitter/internal/splitter/model"
	"github.com/G-Research/splitter/internal/splitter/repository"
	"github.com/G-Research/splitter/internal/splitter/targeting"
)

// ExperimentLoader returns validated experiment definitions by name.
type ExperimentLoader interface {
	Load(ctx context.Context, name string) (*model.Experiment, error)
}

type Recorder struct {
	experiments ExperimentLoader
	resolver    *eligibility.Resolver
	results     repository.ResultRepository
	counters    repository.CounterStore
	clock       util.Clock
	config      configuration.RecorderConfig
}

func New(
	experiments ExperimentLoader,
	resolver *eligibility.Resolver,
	results repository.ResultRepository,
	counters repository.CounterStore,
	clock util.Clock,
	config configuration.RecorderConfig,
) *Recorder {
	return &Recorder{
		experiments: experiments,
		resolver:    resolver,
		results:     results,
		counters:    counters,
		clock:       clock,
		config:      config,
	}
}

// Record stores one observation of metricName for the subject described by subject.
//
// Subjects that are not assigned a variant of the experiment, and metrics the experiment does not
// declare, are dropped and nil is returned. Any variant named in subject is ignored: the variant is
// always the one the subject resolves to. A durable write failure is returned as
// *splittererrors.ErrStoreUnavailable; a counter failure is only logged.
func (r *Recorder) Record(
	ctx context.Context,
	experimentName string,
	metricName string,
	value float64,
	subject targeting.Context,
) error {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		metrics.RecordMetricEvent(metrics.OutcomeRejected)
		return errors.WithStack(&splittererrors.ErrInvalidArgument{
			Name:    "value",
			Value:   value,
			Message: "must be a finite number",
		})
	}

	experiment, err := r.experiments.Load(ctx, experimentName)
	if err != nil {
		metrics.RecordMetricEvent(metrics.OutcomeRejected)
		return err
	}

	decision := r.resolver.Resolve(experiment, subject)
	if !decision.Assigned() {
		metrics.RecordMetricEvent(metrics.OutcomeNotEligible)
		return nil
	}

	metric, ok := experiment.MetricByName(metricName)
	if !ok {
		metrics.RecordMetricEvent(metrics.OutcomeUndeclaredMetric)
		log.WithFields(log.Fields{
			"experiment": experimentName,
			"metric":     metricName,
		}).Warn("dropping value for metric not declared by experiment")
		return nil
	}

	now := r.clock.Now()
	result := &model.Result{
		Id:           util.NewULIDAt(now),
		ExperimentId: experiment.Id,
		VariantId:    decision.Variant.Id,
		MetricId:     metric.Id,
		Value:        value,
		SubjectId:    decision.SubjectId,
		Timestamp:    now,
	}

	if err := r.append(ctx, result); err != nil {
		metrics.RecordMetricEvent(metrics.OutcomeDurableFailed)
		return err
	}

	if err := r.increment(ctx, result); err != nil {
		metrics.RecordMetricEvent(metrics.OutcomeCounterFailed)
		logging.WithStacktrace(log.WithFields(log.Fields{
			"experiment": experiment.Id,
			"variant":    result.VariantId,
			"metric":     result.MetricId,
		}), err).Warn("counter update failed; live results will lag until counters are rebuilt")
		return nil
	}

	metrics.RecordMetricEvent(metrics.OutcomeRecorded)
	return nil
}

func (r *Recorder) append(ctx context.Context, result *model.Result) error {
	ctx, cancel := context.WithTimeout(ctx, r.config.WriteTimeout)
	defer cancel()

	start := time.Now()
	err := r.results.AppendResult(ctx, result)
	metrics.RecordStoreLatency("durable", "append result", time.Since(start))
	if err == nil {
		return nil
	}
	var unavailable *splittererrors.ErrStoreUnavailable
	if errors.As(err, &unavailable) {
		return err
	}
	return errors.WithStack(&splittererrors.ErrStoreUnavailable{
		Store:     "durable",
		Operation: "append result",
		Cause:     err,
	})
}

func (r *Recorder) increment(ctx context.Context, result *model.Result) error {
	ctx, cancel := context.WithTimeout(ctx, r.config.CounterTimeout)
	defer cancel()

	start := time.Now()
	err := r.counters.Increment(ctx, result.CounterKey(), result.Value)
	metrics.RecordStoreLatency("counters", "increment", time.Since(start))
	return err
}
