package recorder

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/G-Research/splitter/internal/common/splittererrors"
	"github.com/G-Research/splitter/internal/common/util"
	"github.com/G-Research/splitter/internal/splitter/configuration"
	"github.com/G-Research/splitter/internal/splitter/eligibility"
	"github.com/G-Research/splitter/internal/splitter/model"
	"github.com/G-Research/splitter/internal/splitter/repository"
	"github.com/G-Research/splitter/internal/splitter/targeting"
)

var testTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type staticLoader map[string]*model.Experiment

func (l staticLoader) Load(_ context.Context, name string) (*model.Experiment, error) {
	e, ok := l[name]
	if !ok {
		return nil, &splittererrors.ErrNotFound{Type: "experiment", Value: name}
	}
	return e, nil
}

type failingResults struct {
	repository.ResultRepository
	err error
}

func (f *failingResults) AppendResult(context.Context, *model.Result) error {
	return f.err
}

type failingCounters struct {
	repository.CounterStore
	calls int
}

func (f *failingCounters) Increment(context.Context, model.CounterKey, float64) error {
	f.calls++
	return errors.New("redis: connection refused")
}

// blockingResults never completes until the context ends.
type blockingResults struct {
	repository.ResultRepository
}

func (blockingResults) AppendResult(ctx context.Context, _ *model.Result) error {
	<-ctx.Done()
	return ctx.Err()
}

func testExperiment() *model.Experiment {
	return &model.Experiment{
		Id:     "exp-1",
		Name:   "checkout-button-color",
		Status: model.StatusRunning,
		Variants: []model.Variant{
			{Id: "control", Name: "control", Weight: 50},
			{Id: "green", Name: "green", Weight: 50},
		},
		Metrics: []model.Metric{{Id: "clicks", Name: "clicks", Type: model.MetricTypeNumeric}},
	}
}

func testConfig() configuration.RecorderConfig {
	return configuration.RecorderConfig{WriteTimeout: time.Second, CounterTimeout: time.Second}
}

func newTestRecorder(
	experiment *model.Experiment,
	results repository.ResultRepository,
	counters repository.CounterStore,
) *Recorder {
	return New(
		staticLoader{experiment.Name: experiment},
		&eligibility.Resolver{},
		results,
		counters,
		util.NewDummyClock(testTime),
		testConfig(),
	)
}

func TestRecord_AppendsAndIncrements(t *testing.T) {
	durable := repository.NewInMemoryDurableStore()
	counters := repository.NewInMemoryCounterStore()
	experiment := testExperiment()
	r := newTestRecorder(experiment, durable, counters)

	subject := targeting.Context{"subjectId": "user-42"}
	for i := 0; i < 3; i++ {
		require.NoError(t, r.Record(context.Background(), "checkout-button-color", "clicks", 1, subject))
	}

	decision := (&eligibility.Resolver{}).Resolve(experiment, subject)
	require.True(t, decision.Assigned())

	results := durable.Results()
	require.Len(t, results, 3)
	for _, result := range results {
		assert.Equal(t, "exp-1", result.ExperimentId)
		assert.Equal(t, decision.Variant.Id, result.VariantId)
		assert.Equal(t, "clicks", result.MetricId)
		assert.Equal(t, "user-42", result.SubjectId)
		assert.Equal(t, testTime, result.Timestamp)
		assert.NotEmpty(t, result.Id)
	}

	cells, err := counters.Counters(context.Background(), "exp-1")
	require.NoError(t, err)
	assert.Equal(t, []model.Aggregate{
		{VariantId: decision.Variant.Id, MetricId: "clicks", Count: 3, Sum: 3, SumSquares: 3},
	}, cells)
}

func TestRecord_IgnoresCallerSuppliedVariant(t *testing.T) {
	durable := repository.NewInMemoryDurableStore()
	experiment := testExperiment()
	r := newTestRecorder(experiment, durable, repository.NewInMemoryCounterStore())

	subject := targeting.Context{"subjectId": "user-42"}
	assigned := (&eligibility.Resolver{}).Resolve(experiment, subject).Variant.Id
	other := "control"
	if assigned == "control" {
		other = "green"
	}
	subject["variant"] = other
	subject["variantId"] = other

	require.NoError(t, r.Record(context.Background(), "checkout-button-color", "clicks", 1, subject))
	require.Len(t, durable.Results(), 1)
	assert.Equal(t, assigned, durable.Results()[0].VariantId)
}

func TestRecord_Dropped(t *testing.T) {
	tests := map[string]struct {
		status  model.Status
		metric  string
		subject targeting.Context
	}{
		"not running": {
			status:  model.StatusPaused,
			metric:  "clicks",
			subject: targeting.Context{"subjectId": "user-42"},
		},
		"no subject": {
			status:  model.StatusRunning,
			metric:  "clicks",
			subject: targeting.Context{},
		},
		"undeclared metric": {
			status:  model.StatusRunning,
			metric:  "revenue",
			subject: targeting.Context{"subjectId": "user-42"},
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			durable := repository.NewInMemoryDurableStore()
			counters := repository.NewInMemoryCounterStore()
			experiment := testExperiment()
			experiment.Status = tc.status
			r := newTestRecorder(experiment, durable, counters)

			err := r.Record(context.Background(), "checkout-button-color", tc.metric, 1, tc.subject)
			require.NoError(t, err)
			assert.Empty(t, durable.Results())
			cells, err := counters.Counters(context.Background(), "exp-1")
			require.NoError(t, err)
			assert.Empty(t, cells)
		})
	}
}

func TestRecord_TargetingMismatchDropped(t *testing.T) {
	durable := repository.NewInMemoryDurableStore()
	experiment := testExperiment()
	country, err := targeting.NewPredicate("country", targeting.OpEquals, "GB")
	require.NoError(t, err)
	experiment.Targeting = country
	r := newTestRecorder(experiment, durable, repository.NewInMemoryCounterStore())

	require.NoError(t, r.Record(context.Background(), "checkout-button-color", "clicks", 1,
		targeting.Context{"subjectId": "user-42", "country": "FR"}))
	assert.Empty(t, durable.Results())

	require.NoError(t, r.Record(context.Background(), "checkout-button-color", "clicks", 1,
		targeting.Context{"subjectId": "user-42", "country": "GB"}))
	assert.Len(t, durable.Results(), 1)
}

func TestRecord_RejectsNonFiniteValues(t *testing.T) {
	durable := repository.NewInMemoryDurableStore()
	r := newTestRecorder(testExperiment(), durable, repository.NewInMemoryCounterStore())

	for _, value := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		err := r.Record(context.Background(), "checkout-button-color", "clicks", value,
			targeting.Context{"subjectId": "user-42"})
		var invalid *splittererrors.ErrInvalidArgument
		assert.ErrorAs(t, err, &invalid)
	}
	assert.Empty(t, durable.Results())
}

func TestRecord_UnknownExperiment(t *testing.T) {
	r := newTestRecorder(testExperiment(), repository.NewInMemoryDurableStore(), repository.NewInMemoryCounterStore())

	err := r.Record(context.Background(), "missing", "clicks", 1, targeting.Context{"subjectId": "user-42"})
	assert.True(t, splittererrors.IsNotFound(err))
}

func TestRecord_DurableFailureSkipsCounters(t *testing.T) {
	counters := repository.NewInMemoryCounterStore()
	r := newTestRecorder(testExperiment(), &failingResults{err: errors.New("disk full")}, counters)

	err := r.Record(context.Background(), "checkout-button-color", "clicks", 1, targeting.Context{"subjectId": "user-42"})
	var unavailable *splittererrors.ErrStoreUnavailable
	require.ErrorAs(t, err, &unavailable)
	assert.Equal(t, "append result", unavailable.Operation)

	cells, err := counters.Counters(context.Background(), "exp-1")
	require.NoError(t, err)
	assert.Empty(t, cells)
}

func TestRecord_DurableTimeout(t *testing.T) {
	counters := &failingCounters{}
	r := New(
		staticLoader{"checkout-button-color": testExperiment()},
		&eligibility.Resolver{},
		blockingResults{},
		counters,
		util.NewDummyClock(testTime),
		configuration.RecorderConfig{WriteTimeout: 10 * time.Millisecond, CounterTimeout: time.Second},
	)

	err := r.Record(context.Background(), "checkout-button-color", "clicks", 1, targeting.Context{"subjectId": "user-42"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	var unavailable *splittererrors.ErrStoreUnavailable
	assert.ErrorAs(t, err, &unavailable)
	assert.Equal(t, 0, counters.calls)
}

func TestRecord_CounterFailureIsNotReturned(t *testing.T) {
	durable := repository.NewInMemoryDurableStore()
	counters := &failingCounters{}
	r := newTestRecorder(testExperiment(), durable, counters)

	err := r.Record(context.Background(), "checkout-button-color", "clicks", 1, targeting.Context{"subjectId": "user-42"})
	require.NoError(t, err)
	assert.Len(t, durable.Results(), 1)
	assert.Equal(t, 1, counters.calls)
}
