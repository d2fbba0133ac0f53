package configuration

import (
	"time"

	"github.com/go-redis/redis"

	"github.com/G-Research/splitter/internal/common/database"
	"github.com/G-Research/splitter/internal/common/logging"
)

const (
	DatabaseTypePostgres = "postgres"
	DatabaseTypeSqlite   = "sqlite"
	DatabaseTypeMemory   = "memory"

	CounterTypeRedis  = "redis"
	CounterTypeMemory = "memory"
)

type SplitterConfig struct {
	HttpPort    uint16 `validate:"required"`
	MetricsPort uint16 `validate:"required"`

	// Type of durable store: postgres, sqlite or memory.
	DatabaseType string `validate:"oneof=postgres sqlite memory"`
	// Path of the sqlite database file. Only read when DatabaseType is sqlite.
	DatabasePath string
	// Only read when DatabaseType is postgres.
	Postgres database.PostgresConfig

	// Type of counter store: redis or memory.
	CounterType string `validate:"oneof=redis memory"`
	// Only read when CounterType is redis.
	Redis redis.UniversalOptions

	// How often, and how many times, to try connecting to the stores at startup.
	StartupRetry RetryConfig

	Engine   EngineConfig
	Counters CountersConfig
	Logging  logging.Config
}

type RetryConfig struct {
	Attempts uint
	Delay    time.Duration
}

type EngineConfig struct {
	Registry   RegistryConfig
	Recorder   RecorderConfig
	Assignment AssignmentConfig
	Results    ResultsConfig
}

type RegistryConfig struct {
	// How long a loaded definition is served before it is read again. Status changes take up to
	// this long to be seen by every process.
	CacheTTL time.Duration
	// Upper bound on a single backend read of a definition.
	LoadTimeout time.Duration
}

type RecorderConfig struct {
	// Upper bound on the durable append of one result.
	WriteTimeout time.Duration
	// Upper bound on the counter increment that follows it.
	CounterTimeout time.Duration
}

type AssignmentConfig struct {
	// Context key holding the subject identifier; subjectId if empty.
	SubjectKey string
	// Subject used for contexts that carry none. If empty, such contexts are never assigned.
	AnonymousSubject string
}

type ResultsConfig struct {
	// Confidence level of the significance test, e.g. 0.95.
	Confidence float64 `validate:"omitempty,gt=0.5,lt=1"`
	// Counter rebuilds only count results recorded at least this long ago, so that an increment still in
	// flight for a newer result cannot be applied on top of a rebuilt total that already includes it.
	// Must cover the longest time between timestamping a result and its increment landing, including any
	// client-side timeouts of the counter store. Defaults to Recorder.WriteTimeout + Recorder.CounterTimeout.
	RebuildGrace time.Duration
}

type CountersConfig struct {
	// How often the service rebuilds the counters of running experiments from the durable log.
	// Zero disables the periodic rebuild.
	RebuildInterval time.Duration
}
