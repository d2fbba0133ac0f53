package repository

import (
	"context"
	"embed"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"

	"github.com/G-Research/splitter/internal/common/database"
	"github.com/G-Research/splitter/internal/splitter/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const healthCheckTimeout = 5 * time.Second

var postgresDialect = goqu.Dialect("postgres")

// PostgresStore is the production DurableStore.
type PostgresStore struct {
	db *pgxpool.Pool
}

func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate brings the schema up to date.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	migrations, err := database.ReadMigrations(migrationsFS, "migrations")
	if err != nil {
		return err
	}
	return database.UpdateDatabase(ctx, s.db, migrations)
}

func (s *PostgresStore) GetExperimentByName(ctx context.Context, name string) (*model.Experiment, error) {
	return s.getExperiment(ctx, experiment_name.Eq(name), name)
}

func (s *PostgresStore) GetExperiment(ctx context.Context, id string) (*model.Experiment, error) {
	return s.getExperiment(ctx, experiment_id.Eq(id), id)
}

func (s *PostgresStore) getExperiment(ctx context.Context, filter goqu.Expression, value string) (*model.Experiment, error) {
	sql, args, err := postgresDialect.
		From(experimentsTable).
		Select(experimentColumns()...).
		Where(filter).
		Prepared(true).
		ToSQL()
	if err != nil {
		return nil, errors.WithStack(err)
	}

	var row experimentRow
	err = s.db.QueryRow(ctx, sql, args...).
		Scan(&row.Id, &row.Name, &row.Status, &row.Targeting, &row.Variants, &row.Metrics)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, experimentNotFound(value)
	} else if err != nil {
		return nil, storeUnavailable("postgres", "get experiment", err)
	}
	return row.toExperiment()
}

func (s *PostgresStore) ListExperiments(ctx context.Context) ([]*model.Experiment, error) {
	sql, args, err := postgresDialect.
		From(experimentsTable).
		Select(experimentColumns()...).
		Order(experiment_name.Asc()).
		Prepared(true).
		ToSQL()
	if err != nil {
		return nil, errors.WithStack(err)
	}

	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, storeUnavailable("postgres", "list experiments", err)
	}
	defer rows.Close()

	var experiments []*model.Experiment
	for rows.Next() {
		var row experimentRow
		if err := rows.Scan(&row.Id, &row.Name, &row.Status, &row.Targeting, &row.Variants, &row.Metrics); err != nil {
			return nil, storeUnavailable("postgres", "list experiments", err)
		}
		e, err := row.toExperiment()
		if err != nil {
			return nil, err
		}
		experiments = append(experiments, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storeUnavailable("postgres", "list experiments", err)
	}
	return experiments, nil
}

func (s *PostgresStore) PutExperiment(ctx context.Context, e *model.Experiment) error {
	row, err := toExperimentRow(e)
	if err != nil {
		return err
	}
	sql, args, err := postgresDialect.
		Insert(experimentsTable).
		Rows(goqu.Record{
			"id":        row.Id,
			"name":      row.Name,
			"status":    row.Status,
			"targeting": row.Targeting,
			"variants":  row.Variants,
			"metrics":   row.Metrics,
			"updated":   goqu.L("now()"),
		}).
		OnConflict(goqu.DoUpdate("id", goqu.Record{
			"name":      goqu.I("excluded.name"),
			"status":    goqu.I("excluded.status"),
			"targeting": goqu.I("excluded.targeting"),
			"variants":  goqu.I("excluded.variants"),
			"metrics":   goqu.I("excluded.metrics"),
			"updated":   goqu.I("excluded.updated"),
		})).
		Prepared(true).
		ToSQL()
	if err != nil {
		return errors.WithStack(err)
	}

	_, err = s.db.Exec(ctx, sql, args...)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
		return experimentNameTaken(e.Name)
	} else if err != nil {
		return storeUnavailable("postgres", "put experiment", err)
	}
	return nil
}

func (s *PostgresStore) AppendResult(ctx context.Context, r *model.Result) error {
	sql, args, err := postgresDialect.
		Insert(resultsTable).
		Rows(goqu.Record{
			"id":            r.Id,
			"experiment_id": r.ExperimentId,
			"variant_id":    r.VariantId,
			"metric_id":     r.MetricId,
			"value":         r.Value,
			"subject_id":    r.SubjectId,
			"recorded_at":   r.Timestamp,
		}).
		Prepared(true).
		ToSQL()
	if err != nil {
		return errors.WithStack(err)
	}
	if _, err := s.db.Exec(ctx, sql, args...); err != nil {
		return storeUnavailable("postgres", "append result", err)
	}
	return nil
}

func (s *PostgresStore) AggregateResults(ctx context.Context, experimentId string) ([]model.Aggregate, error) {
	return s.aggregateResults(ctx, experimentId)
}

func (s *PostgresStore) AggregateResultsBefore(ctx context.Context, experimentId string, before time.Time) ([]model.Aggregate, error) {
	return s.aggregateResults(ctx, experimentId, result_recordedAt.Lt(before))
}

func (s *PostgresStore) aggregateResults(ctx context.Context, experimentId string, filters ...goqu.Expression) ([]model.Aggregate, error) {
	sql, args, err := aggregatesDataset(postgresDialect.From(resultsTable), experimentId, filters...).Prepared(true).ToSQL()
	if err != nil {
		return nil, errors.WithStack(err)
	}

	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, storeUnavailable("postgres", "aggregate results", err)
	}
	defer rows.Close()

	var aggregates []model.Aggregate
	for rows.Next() {
		var row aggregateRow
		if err := rows.Scan(&row.VariantId, &row.MetricId, &row.Count, &row.Sum, &row.SumSquares); err != nil {
			return nil, storeUnavailable("postgres", "aggregate results", err)
		}
		aggregates = append(aggregates, row.toAggregate())
	}
	if err := rows.Err(); err != nil {
		return nil, storeUnavailable("postgres", "aggregate results", err)
	}
	return aggregates, nil
}

func (s *PostgresStore) Check() error {
	ctx, cancel := context.WithTimeout(context.Background(), healthCheckTimeout)
	defer cancel()
	var col int
	if err := s.db.QueryRow(ctx, "SELECT 1").Scan(&col); err != nil {
		return errors.Errorf("database health check failed: %v", err)
	}
	return nil
}
