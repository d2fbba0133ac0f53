package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/G-Research/splitter/internal/common/health"
	"github.com/G-Research/splitter/internal/common/splittererrors"
	"github.com/G-Research/splitter/internal/splitter/aggregator"
	"github.com/G-Research/splitter/internal/splitter/configuration"
	"github.com/G-Research/splitter/internal/splitter/engine"
	"github.com/G-Research/splitter/internal/splitter/model"
	"github.com/G-Research/splitter/internal/splitter/repository"
)

const definitions = `
experiments:
  - id: exp-1
    name: checkout-button-color
    status: Running
    targeting: {key: age, op: range, value: {min: 18}}
    variants:
      - {id: control, name: Blue, weight: 50}
      - {id: green, name: Green, weight: 50}
    metrics:
      - {id: clicks, name: clicks}
`

func newTestHandler(t *testing.T) (http.Handler, *repository.InMemoryDurableStore) {
	durable := repository.NewInMemoryDurableStore()
	e, err := engine.New(durable, repository.NewInMemoryCounterStore(), configuration.EngineConfig{})
	require.NoError(t, err)
	experiments, err := repository.LoadDefinitions(strings.NewReader(definitions))
	require.NoError(t, err)
	require.NoError(t, e.Define(context.Background(), experiments))
	return NewServer(e).Handler(health.NewMultiChecker()), durable
}

func do(handler http.Handler, method string, path string, body string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(method, path, strings.NewReader(body)))
	return rec
}

func TestAssignment(t *testing.T) {
	tests := map[string]struct {
		path      string
		body      string
		status    int
		variantId interface{}
	}{
		"assigned": {
			path:      "/v1/experiments/checkout-button-color/assignment",
			body:      `{"context": {"subjectId": "user-42", "age": 30}}`,
			status:    http.StatusOK,
			variantId: "control",
		},
		"targeting mismatch": {
			path:      "/v1/experiments/checkout-button-color/assignment",
			body:      `{"context": {"subjectId": "user-42", "age": 12}}`,
			status:    http.StatusOK,
			variantId: nil,
		},
		"empty body": {
			path:      "/v1/experiments/checkout-button-color/assignment",
			body:      ``,
			status:    http.StatusOK,
			variantId: nil,
		},
		"unknown experiment": {
			path:      "/v1/experiments/missing/assignment",
			body:      `{"context": {"subjectId": "user-42"}}`,
			status:    http.StatusOK,
			variantId: nil,
		},
		"malformed body": {
			path:   "/v1/experiments/checkout-button-color/assignment",
			body:   `{"context": [}`,
			status: http.StatusBadRequest,
		},
		"unknown field": {
			path:   "/v1/experiments/checkout-button-color/assignment",
			body:   `{"variant": "green"}`,
			status: http.StatusBadRequest,
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			handler, _ := newTestHandler(t)
			rec := do(handler, http.MethodPost, tc.path, tc.body)
			require.Equal(t, tc.status, rec.Code, rec.Body.String())
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			if tc.status != http.StatusOK {
				return
			}
			var resp map[string]interface{}
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Contains(t, resp, "variantId")
			assert.Equal(t, tc.variantId, resp["variantId"])
		})
	}
}

func TestAssignment_WrongMethod(t *testing.T) {
	handler, _ := newTestHandler(t)
	rec := do(handler, http.MethodGet, "/v1/experiments/checkout-button-color/assignment", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestMetrics(t *testing.T) {
	handler, durable := newTestHandler(t)
	path := "/v1/experiments/checkout-button-color/metrics/clicks"

	for i := 0; i < 3; i++ {
		rec := do(handler, http.MethodPost, path, `{"value": 1, "context": {"subjectId": "user-42", "age": 30}}`)
		require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	}
	assert.Len(t, durable.Results(), 3)

	rec := do(handler, http.MethodPost, path, `{"context": {"subjectId": "user-42", "age": 30}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Not eligible and undeclared metrics are accepted and dropped.
	rec = do(handler, http.MethodPost, path, `{"value": 1, "context": {"subjectId": "user-42", "age": 12}}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	rec = do(handler, http.MethodPost, "/v1/experiments/checkout-button-color/metrics/scrolls",
		`{"value": 1, "context": {"subjectId": "user-42", "age": 30}}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Len(t, durable.Results(), 3)

	rec = do(handler, http.MethodPost, "/v1/experiments/missing/metrics/clicks", `{"value": 1}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Len(t, durable.Results(), 3)
}

func TestResults(t *testing.T) {
	handler, _ := newTestHandler(t)
	rec := do(handler, http.MethodPost, "/v1/experiments/checkout-button-color/metrics/clicks",
		`{"value": 2.5, "context": {"subjectId": "user-42", "age": 30}}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	for _, source := range []string{"", "?source=durable", "?source=counters"} {
		rec = do(handler, http.MethodGet, "/v1/results/exp-1"+source, "")
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		var report aggregator.Report
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
		assert.Equal(t, "exp-1", report.ExperimentId)
		require.Len(t, report.Cells, 2)
		assert.Equal(t, int64(1), report.Cells[0].Count)
		assert.Equal(t, 2.5, report.Cells[0].Sum)
		require.Len(t, report.Comparisons, 1)
		assert.False(t, report.Comparisons[0].Computable)
	}

	rec = do(handler, http.MethodGet, "/v1/results/exp-1?source=cache", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(handler, http.MethodGet, "/v1/results/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

type failingService struct {
	err error
}

func (f failingService) Assign(context.Context, string, map[string]interface{}) (*model.Variant, error) {
	return nil, f.err
}

func (f failingService) Record(context.Context, string, string, float64, map[string]interface{}) error {
	return f.err
}

func (f failingService) Results(context.Context, string, aggregator.Source) (*aggregator.Report, error) {
	return nil, f.err
}

func TestFailuresDoNotBreakAssignmentOrMetrics(t *testing.T) {
	tests := map[string]error{
		"not found": errors.WithStack(&splittererrors.ErrNotFound{Type: "experiment", Value: "x"}),
		"store unavailable": errors.WithStack(&splittererrors.ErrStoreUnavailable{
			Store: "durable", Operation: "load experiment", Cause: context.DeadlineExceeded,
		}),
		"invalid experiment": &splittererrors.ErrInvalidExperiment{
			Name:  "x",
			Cause: &splittererrors.ErrInvalidArgument{Name: "variants", Value: 0},
		},
		"unexpected": errors.New("boom"),
	}
	for name, err := range tests {
		t.Run(name, func(t *testing.T) {
			handler := NewServer(failingService{err: err}).Handler(health.NewMultiChecker())

			rec := do(handler, http.MethodPost, "/v1/experiments/x/assignment", `{"context": {"subjectId": "user-42"}}`)
			require.Equal(t, http.StatusOK, rec.Code)
			var resp map[string]interface{}
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Contains(t, resp, "variantId")
			assert.Nil(t, resp["variantId"])

			rec = do(handler, http.MethodPost, "/v1/experiments/x/metrics/y", `{"value": 1}`)
			assert.Equal(t, http.StatusAccepted, rec.Code)
		})
	}
}

// unavailableStore fails every read of a definition.
type unavailableStore struct {
	*repository.InMemoryDurableStore
}

func (unavailableStore) GetExperimentByName(context.Context, string) (*model.Experiment, error) {
	return nil, errors.New("connection refused")
}

func TestDurableStoreDown(t *testing.T) {
	durable := unavailableStore{InMemoryDurableStore: repository.NewInMemoryDurableStore()}
	e, err := engine.New(durable, repository.NewInMemoryCounterStore(), configuration.EngineConfig{})
	require.NoError(t, err)
	handler := NewServer(e).Handler(health.NewMultiChecker())

	rec := do(handler, http.MethodPost, "/v1/experiments/checkout-button-color/assignment",
		`{"context": {"subjectId": "user-42", "age": 30}}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"variantId": null}`, rec.Body.String())

	rec = do(handler, http.MethodPost, "/v1/experiments/checkout-button-color/metrics/clicks",
		`{"value": 1, "context": {"subjectId": "user-42", "age": 30}}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Empty(t, durable.Results())
}

func TestMetrics_InvalidValue(t *testing.T) {
	err := errors.WithStack(&splittererrors.ErrInvalidArgument{Name: "value", Value: 1, Message: "must be a finite number"})
	handler := NewServer(failingService{err: err}).Handler(health.NewMultiChecker())

	rec := do(handler, http.MethodPost, "/v1/experiments/x/metrics/y", `{"value": 1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestResults_ErrorStatuses(t *testing.T) {
	tests := map[string]struct {
		err    error
		status int
	}{
		"store unavailable": {
			err:    errors.WithStack(&splittererrors.ErrStoreUnavailable{Store: "postgres", Operation: "aggregate results", Cause: errors.New("timeout")}),
			status: http.StatusServiceUnavailable,
		},
		"invalid experiment": {
			err: &splittererrors.ErrInvalidExperiment{
				Name:  "checkout-button-color",
				Cause: &splittererrors.ErrInvalidArgument{Name: "variants", Value: 0},
			},
			status: http.StatusUnprocessableEntity,
		},
		"unexpected": {
			err:    errors.New("boom"),
			status: http.StatusInternalServerError,
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			handler := NewServer(failingService{err: tc.err}).Handler(health.NewMultiChecker())

			rec := do(handler, http.MethodGet, "/v1/results/x", "")
			assert.Equal(t, tc.status, rec.Code)

			var resp ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tc.err.Error(), resp.Error)
		})
	}
}

func TestHealth(t *testing.T) {
	handler, _ := newTestHandler(t)
	rec := do(handler, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
}
