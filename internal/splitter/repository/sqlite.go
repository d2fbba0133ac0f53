package repository

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"github.com/G-Research/splitter/internal/splitter/model"
)

var sqliteSchema = []string{
	`PRAGMA journal_mode=WAL`,
	`CREATE TABLE IF NOT EXISTS experiments (
		id        TEXT PRIMARY KEY,
		name      TEXT NOT NULL UNIQUE,
		status    TEXT NOT NULL,
		targeting TEXT NOT NULL DEFAULT '',
		variants  TEXT NOT NULL,
		metrics   TEXT NOT NULL DEFAULT '[]',
		updated   INTEGER NOT NULL)`,
	`CREATE TABLE IF NOT EXISTS results (
		id            TEXT PRIMARY KEY,
		experiment_id TEXT NOT NULL,
		variant_id    TEXT NOT NULL,
		metric_id     TEXT NOT NULL,
		value         REAL NOT NULL,
		subject_id    TEXT NOT NULL,
		recorded_at   INTEGER NOT NULL)`,
	`CREATE INDEX IF NOT EXISTS idx_results_cell ON results (experiment_id, variant_id, metric_id)`,
}

// SQLiteStore is a single-node DurableStore backed by a local file.
type SQLiteStore struct {
	db     *sql.DB
	goquDb *goqu.Database
	// SQLite only allows one writer at a time, so writes are serialised here
	// instead of surfacing SQLITE_BUSY.
	writeLock sync.Mutex
}

// NewSQLiteStore opens (creating if needed) the database at path and ensures the schema exists.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "could not make directory at %s for sqlite db", dir)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "error opening sqlite db from %s", path)
	}
	for _, stmt := range sqliteSchema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, errors.Wrap(err, "error creating sqlite schema")
		}
	}
	return &SQLiteStore{db: db, goquDb: goqu.New("sqlite3", db)}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) GetExperimentByName(ctx context.Context, name string) (*model.Experiment, error) {
	return s.getExperiment(ctx, experiment_name.Eq(name), name)
}

func (s *SQLiteStore) GetExperiment(ctx context.Context, id string) (*model.Experiment, error) {
	return s.getExperiment(ctx, experiment_id.Eq(id), id)
}

func (s *SQLiteStore) getExperiment(ctx context.Context, filter goqu.Expression, value string) (*model.Experiment, error) {
	var row experimentRow
	found, err := s.goquDb.
		From(experimentsTable).
		Select(experimentColumns()...).
		Where(filter).
		ScanStructContext(ctx, &row)
	if err != nil {
		return nil, storeUnavailable("sqlite", "get experiment", err)
	}
	if !found {
		return nil, experimentNotFound(value)
	}
	return row.toExperiment()
}

func (s *SQLiteStore) ListExperiments(ctx context.Context) ([]*model.Experiment, error) {
	var rows []experimentRow
	err := s.goquDb.
		From(experimentsTable).
		Select(experimentColumns()...).
		Order(experiment_name.Asc()).
		ScanStructsContext(ctx, &rows)
	if err != nil {
		return nil, storeUnavailable("sqlite", "list experiments", err)
	}
	experiments := make([]*model.Experiment, 0, len(rows))
	for i := range rows {
		e, err := rows[i].toExperiment()
		if err != nil {
			return nil, err
		}
		experiments = append(experiments, e)
	}
	return experiments, nil
}

func (s *SQLiteStore) PutExperiment(ctx context.Context, e *model.Experiment) error {
	row, err := toExperimentRow(e)
	if err != nil {
		return err
	}

	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	var existingId string
	found, err := s.goquDb.
		From(experimentsTable).
		Select(experiment_id).
		Where(experiment_name.Eq(e.Name)).
		ScanValContext(ctx, &existingId)
	if err != nil {
		return storeUnavailable("sqlite", "put experiment", err)
	}
	if found && existingId != e.Id {
		return experimentNameTaken(e.Name)
	}

	record := goqu.Record{
		"name":      row.Name,
		"status":    row.Status,
		"targeting": row.Targeting,
		"variants":  row.Variants,
		"metrics":   row.Metrics,
		"updated":   time.Now().Unix(),
	}
	count, err := s.goquDb.From(experimentsTable).Where(experiment_id.Eq(e.Id)).CountContext(ctx)
	if err != nil {
		return storeUnavailable("sqlite", "put experiment", err)
	}
	if count > 0 {
		_, err = s.goquDb.Update(experimentsTable).Set(record).Where(experiment_id.Eq(e.Id)).Executor().ExecContext(ctx)
	} else {
		record["id"] = row.Id
		_, err = s.goquDb.Insert(experimentsTable).Rows(record).Executor().ExecContext(ctx)
	}
	if err != nil {
		return storeUnavailable("sqlite", "put experiment", err)
	}
	return nil
}

func (s *SQLiteStore) AppendResult(ctx context.Context, r *model.Result) error {
	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	_, err := s.goquDb.
		Insert(resultsTable).
		Rows(goqu.Record{
			"id":            r.Id,
			"experiment_id": r.ExperimentId,
			"variant_id":    r.VariantId,
			"metric_id":     r.MetricId,
			"value":         r.Value,
			"subject_id":    r.SubjectId,
			"recorded_at":   r.Timestamp.UnixMilli(),
		}).
		Executor().
		ExecContext(ctx)
	if err != nil {
		return storeUnavailable("sqlite", "append result", err)
	}
	return nil
}

func (s *SQLiteStore) AggregateResults(ctx context.Context, experimentId string) ([]model.Aggregate, error) {
	return s.aggregateResults(ctx, experimentId)
}

// AggregateResultsBefore compares against recorded_at, which is stored as unix milliseconds.
func (s *SQLiteStore) AggregateResultsBefore(ctx context.Context, experimentId string, before time.Time) ([]model.Aggregate, error) {
	return s.aggregateResults(ctx, experimentId, result_recordedAt.Lt(before.UnixMilli()))
}

func (s *SQLiteStore) aggregateResults(ctx context.Context, experimentId string, filters ...goqu.Expression) ([]model.Aggregate, error) {
	var rows []aggregateRow
	if err := aggregatesDataset(s.goquDb.From(resultsTable), experimentId, filters...).ScanStructsContext(ctx, &rows); err != nil {
		return nil, storeUnavailable("sqlite", "aggregate results", err)
	}
	aggregates := make([]model.Aggregate, 0, len(rows))
	for _, row := range rows {
		aggregates = append(aggregates, row.toAggregate())
	}
	return aggregates, nil
}

func (s *SQLiteStore) Check() error {
	ctx, cancel := context.WithTimeout(context.Background(), healthCheckTimeout)
	defer cancel()
	var col int
	if err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&col); err != nil {
		return errors.Errorf("SQL health check failed: %v", err)
	}
	return nil
}
