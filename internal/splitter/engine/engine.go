// Package engine wires the registry, eligibility resolution, recorder and aggregator into the single entry
// point used by the HTTP server and the command line.
package engine

import (
	"context"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/G-Research/splitter/internal/common/logging"
	"github.com/G-Research/splitter/internal/common/splittererrors"
	"github.com/G-Research/splitter/internal/common/util"
	"github.com/G-Research/splitter/internal/splitter/aggregator"
	"github.com/G-Research/splitter/internal/splitter/configuration"
	"github.com/G-Research/splitter/internal/splitter/eligibility"
	"github.com/G-Research/splitter/internal/splitter/metrics"
	"github.com/G-Research/splitter/internal/splitter/model"
	"github.com/G-Research/splitter/internal/splitter/recorder"
	"github.com/G-Research/splitter/internal/splitter/registry"
	"github.com/G-Research/splitter/internal/splitter/repository"
	"github.com/G-Research/splitter/internal/splitter/targeting"
)

// Reasons for not assigning that come from loading the experiment rather than from resolving it.
const (
	reasonNotFound         = "not_found"
	reasonStoreUnavailable = "store_unavailable"
)

type Engine struct {
	durable    repository.DurableStore
	registry   *registry.Registry
	resolver   *eligibility.Resolver
	recorder   *recorder.Recorder
	aggregator *aggregator.Aggregator
}

func New(durable repository.DurableStore, counters repository.CounterStore, config configuration.EngineConfig) (*Engine, error) {
	return NewWithClock(durable, counters, config, &util.DefaultClock{})
}

// NewWithClock is New with the clock used to timestamp results.
func NewWithClock(
	durable repository.DurableStore,
	counters repository.CounterStore,
	config configuration.EngineConfig,
	clock util.Clock,
) (*Engine, error) {
	if durable == nil {
		return nil, errors.New("durable store must not be nil")
	}
	if counters == nil {
		return nil, errors.New("counter store must not be nil")
	}
	config.ApplyDefaults()

	reg := registry.New(durable, config.Registry)
	resolver := &eligibility.Resolver{
		SubjectKey:       config.Assignment.SubjectKey,
		AnonymousSubject: config.Assignment.AnonymousSubject,
	}
	return &Engine{
		durable:    durable,
		registry:   reg,
		resolver:   resolver,
		recorder:   recorder.New(reg, resolver, durable, counters, clock, config.Recorder),
		aggregator: aggregator.New(reg, durable, counters, config.Results, clock),
	}, nil
}

// GetVariant returns the id of the variant the subject described by subject is assigned in the experiment
// called name. It returns false whenever there is no assignment, whatever the reason.
func (e *Engine) GetVariant(ctx context.Context, name string, subject map[string]interface{}) (string, bool) {
	variant, err := e.Assign(ctx, name, subject)
	if err != nil {
		return "", false
	}
	return variant.Id, true
}

// Assign is GetVariant with the reason for not assigning reported as an error: splittererrors.ErrNoAssignment
// if the subject is not eligible, or the error that prevented loading the experiment.
func (e *Engine) Assign(ctx context.Context, name string, subject map[string]interface{}) (*model.Variant, error) {
	logger := log.WithField("experiment", name)
	experiment, err := e.registry.Load(ctx, name)
	if err != nil {
		switch {
		case splittererrors.IsNotFound(err):
			metrics.RecordNoAssignment(reasonNotFound)
			logger.Debug("no assignment: experiment not found")
		case splittererrors.IsInvalidExperiment(err):
			metrics.RecordNoAssignment(string(eligibility.ReasonInvalid))
			logger.WithError(err).Debug("no assignment: experiment is invalid")
		default:
			metrics.RecordNoAssignment(reasonStoreUnavailable)
			logging.WithStacktrace(logger, err).Warn("no assignment: could not load experiment")
		}
		return nil, err
	}

	decision := e.resolver.Resolve(experiment, targeting.Context(subject))
	if !decision.Assigned() {
		metrics.RecordNoAssignment(string(decision.Reason))
		logger.WithField("reason", decision.Reason).Debug("no assignment")
		return nil, errors.WithMessage(splittererrors.ErrNoAssignment, string(decision.Reason))
	}
	metrics.RecordAssignment(experiment.Name, decision.Variant.Id)
	variant := *decision.Variant
	return &variant, nil
}

// TrackMetric records value for metric against the variant the subject is assigned in the experiment called
// name. Failures are logged and counted, never returned or retried.
func (e *Engine) TrackMetric(ctx context.Context, name string, metric string, value float64, subject map[string]interface{}) {
	if err := e.Record(ctx, name, metric, value, subject); err != nil {
		logging.WithStacktrace(log.WithFields(log.Fields{
			"experiment": name,
			"metric":     metric,
		}), err).Warn("metric value not recorded")
	}
}

// Record is TrackMetric with failures returned.
func (e *Engine) Record(ctx context.Context, name string, metric string, value float64, subject map[string]interface{}) error {
	return e.recorder.Record(ctx, name, metric, value, targeting.Context(subject))
}

// GetResults reports an experiment from the durable result log.
func (e *Engine) GetResults(ctx context.Context, experimentId string) (*aggregator.Report, error) {
	return e.aggregator.GetResults(ctx, experimentId, aggregator.SourceDurable)
}

// GetLiveResults reports an experiment from the live counters, which may lag the result log.
func (e *Engine) GetLiveResults(ctx context.Context, experimentId string) (*aggregator.Report, error) {
	return e.aggregator.GetResults(ctx, experimentId, aggregator.SourceCounters)
}

func (e *Engine) Results(ctx context.Context, experimentId string, source aggregator.Source) (*aggregator.Report, error) {
	return e.aggregator.GetResults(ctx, experimentId, source)
}

func (e *Engine) RebuildCounters(ctx context.Context, experimentId string) error {
	return e.aggregator.RebuildCounters(ctx, experimentId)
}

func (e *Engine) Reconcile(ctx context.Context) error {
	return e.aggregator.Reconcile(ctx)
}

// Define stores experiments and drops any cached copies of them, so this process sees the new
// definitions immediately. Other processes see them once their cache entries expire.
func (e *Engine) Define(ctx context.Context, experiments []*model.Experiment) error {
	defer func() {
		for _, experiment := range experiments {
			e.registry.Invalidate(experiment.Name, experiment.Id)
		}
	}()
	return repository.ApplyDefinitions(ctx, e.durable, experiments)
}
