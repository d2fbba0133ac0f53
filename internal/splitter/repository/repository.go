// Package repository holds the two stores behind the engine.
//
// The durable store (Postgres, SQLite or in memory) owns experiment definitions and the append-only log
// of metric results; it is the source of truth for reporting. The counter store (Redis or in memory)
// keeps running count, sum and sum of squares per (experiment, variant, metric) cell for a cheap live
// view. Counters are incremented only after the durable append succeeded, so they can lag the log but
// never run ahead of it, and they can always be rebuilt from it.
package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/pkg/errors"

	"github.com/G-Research/splitter/internal/common/health"
	"github.com/G-Research/splitter/internal/common/splittererrors"
	"github.com/G-Research/splitter/internal/splitter/model"
	"github.com/G-Research/splitter/internal/splitter/targeting"
)

type ExperimentRepository interface {
	// GetExperimentByName returns *splittererrors.ErrNotFound if there is no such experiment.
	GetExperimentByName(ctx context.Context, name string) (*model.Experiment, error)
	// GetExperiment returns *splittererrors.ErrNotFound if there is no such experiment.
	GetExperiment(ctx context.Context, id string) (*model.Experiment, error)
	ListExperiments(ctx context.Context) ([]*model.Experiment, error)
	// PutExperiment creates or replaces the experiment with the id of e. It returns
	// *splittererrors.ErrAlreadyExists if another experiment already uses the name of e.
	PutExperiment(ctx context.Context, e *model.Experiment) error
}

type ResultRepository interface {
	AppendResult(ctx context.Context, r *model.Result) error
	// AggregateResults groups the results of an experiment by (variant, metric).
	// Cells without results are omitted.
	AggregateResults(ctx context.Context, experimentId string) ([]model.Aggregate, error)
	// AggregateResultsBefore is AggregateResults restricted to results timestamped strictly before before.
	AggregateResultsBefore(ctx context.Context, experimentId string, before time.Time) ([]model.Aggregate, error)
}

type DurableStore interface {
	ExperimentRepository
	ResultRepository
	health.Checker
}

type CounterStore interface {
	// Increment atomically adds one observation of value to the cell identified by key.
	Increment(ctx context.Context, key model.CounterKey, value float64) error
	// Counters returns every non-empty cell of an experiment.
	Counters(ctx context.Context, experimentId string) ([]model.Aggregate, error)
	// Reset replaces all cells of an experiment with aggregates.
	Reset(ctx context.Context, experimentId string, aggregates []model.Aggregate) error
	health.Checker
}

var (
	// Tables
	experimentsTable = goqu.T("experiments")
	resultsTable     = goqu.T("results")

	// Columns: experiments table
	experiment_id        = goqu.C("id")
	experiment_name      = goqu.C("name")
	experiment_status    = goqu.C("status")
	experiment_targeting = goqu.C("targeting")
	experiment_variants  = goqu.C("variants")
	experiment_metrics   = goqu.C("metrics")

	// Columns: results table
	result_experimentId = goqu.C("experiment_id")
	result_variantId    = goqu.C("variant_id")
	result_metricId     = goqu.C("metric_id")
	result_value        = goqu.C("value")
	result_recordedAt   = goqu.C("recorded_at")
)

// experimentRow is the stored form of an experiment. Targeting, variants and metrics are JSON documents.
type experimentRow struct {
	Id        string `db:"id"`
	Name      string `db:"name"`
	Status    string `db:"status"`
	Targeting string `db:"targeting"`
	Variants  string `db:"variants"`
	Metrics   string `db:"metrics"`
}

type aggregateRow struct {
	VariantId  string  `db:"variant_id"`
	MetricId   string  `db:"metric_id"`
	Count      int64   `db:"count"`
	Sum        float64 `db:"sum"`
	SumSquares float64 `db:"sum_squares"`
}

func (r aggregateRow) toAggregate() model.Aggregate {
	return model.Aggregate{
		VariantId:  r.VariantId,
		MetricId:   r.MetricId,
		Count:      r.Count,
		Sum:        r.Sum,
		SumSquares: r.SumSquares,
	}
}

func experimentColumns() []interface{} {
	return []interface{}{
		experiment_id,
		experiment_name,
		experiment_status,
		experiment_targeting,
		experiment_variants,
		experiment_metrics,
	}
}

func aggregateColumns() []interface{} {
	return []interface{}{
		result_variantId,
		result_metricId,
		goqu.COUNT(goqu.Star()).As("count"),
		goqu.SUM(result_value).As("sum"),
		goqu.SUM(goqu.L("? * ?", result_value, result_value)).As("sum_squares"),
	}
}

// aggregatesDataset narrows a dataset over the results table to the grouped cells of one experiment,
// keeping only the results that match every filter.
func aggregatesDataset(results *goqu.SelectDataset, experimentId string, filters ...goqu.Expression) *goqu.SelectDataset {
	return results.
		Select(aggregateColumns()...).
		Where(append([]goqu.Expression{result_experimentId.Eq(experimentId)}, filters...)...).
		GroupBy(result_variantId, result_metricId).
		Order(result_variantId.Asc(), result_metricId.Asc())
}

func toExperimentRow(e *model.Experiment) (*experimentRow, error) {
	variants, err := json.Marshal(e.Variants)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	metrics, err := json.Marshal(e.Metrics)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	row := &experimentRow{
		Id:       e.Id,
		Name:     e.Name,
		Status:   string(e.Status),
		Variants: string(variants),
		Metrics:  string(metrics),
	}
	if spec := targeting.ToSpec(e.Targeting); spec != nil {
		t, err := json.Marshal(spec)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		row.Targeting = string(t)
	}
	return row, nil
}

// toExperiment decodes a stored row. A row that can't be decoded is an invalid definition,
// so it is reported as *splittererrors.ErrInvalidExperiment rather than as a store failure.
func (row *experimentRow) toExperiment() (*model.Experiment, error) {
	invalid := func(err error) error {
		return errors.WithStack(&splittererrors.ErrInvalidExperiment{Name: row.Name, Cause: err})
	}
	e := &model.Experiment{
		Id:     row.Id,
		Name:   row.Name,
		Status: model.Status(row.Status),
	}
	if err := json.Unmarshal([]byte(row.Variants), &e.Variants); err != nil {
		return nil, invalid(errors.Wrap(err, "decoding variants"))
	}
	if row.Metrics != "" {
		if err := json.Unmarshal([]byte(row.Metrics), &e.Metrics); err != nil {
			return nil, invalid(errors.Wrap(err, "decoding metrics"))
		}
	}
	if row.Targeting != "" {
		var spec targeting.Spec
		if err := json.Unmarshal([]byte(row.Targeting), &spec); err != nil {
			return nil, invalid(errors.Wrap(err, "decoding targeting"))
		}
		condition, err := spec.Build()
		if err != nil {
			return nil, invalid(err)
		}
		e.Targeting = condition
	}
	return e, nil
}

func experimentNotFound(value string) error {
	return errors.WithStack(&splittererrors.ErrNotFound{Type: "experiment", Value: value})
}

func experimentNameTaken(name string) error {
	return errors.WithStack(&splittererrors.ErrAlreadyExists{
		Type:    "experiment",
		Value:   name,
		Message: "the name is used by an experiment with a different id",
	})
}

func storeUnavailable(store string, operation string, err error) error {
	return errors.WithStack(&splittererrors.ErrStoreUnavailable{Store: store, Operation: operation, Cause: err})
}
