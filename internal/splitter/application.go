package splitter

import (
	"context"
	"time"

	"github.com/avast/retry-go"
	"github.com/go-redis/redis"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	commonconfig "github.com/G-Research/splitter/internal/common/config"
	"github.com/G-Research/splitter/internal/common/database"
	"github.com/G-Research/splitter/internal/common/health"
	"github.com/G-Research/splitter/internal/common/logging"
	"github.com/G-Research/splitter/internal/common/serve"
	"github.com/G-Research/splitter/internal/common/util"
	"github.com/G-Research/splitter/internal/splitter/configuration"
	"github.com/G-Research/splitter/internal/splitter/engine"
	"github.com/G-Research/splitter/internal/splitter/repository"
	"github.com/G-Research/splitter/internal/splitter/server"
)

const (
	defaultDatabasePath         = "splitter.db"
	defaultStartupRetryAttempts = 5
	defaultStartupRetryDelay    = 2 * time.Second
)

type App struct {
	Config *configuration.SplitterConfig
}

func New(config *configuration.SplitterConfig) *App {
	return &App{Config: config}
}

// CheckConfig replaces unset or unusable values with defaults and validates what remains.
// Returns a non-nil error if mis-configuration is unrecoverable.
func CheckConfig(config *configuration.SplitterConfig) error {
	logger := log.WithField("splitter", "CheckConfig")

	if config.DatabaseType == "" {
		logger.WithField("default", configuration.DatabaseTypeMemory).Warn("config.DatabaseType not set, using default instead")
		config.DatabaseType = configuration.DatabaseTypeMemory
	}
	if config.CounterType == "" {
		logger.WithField("default", configuration.CounterTypeMemory).Warn("config.CounterType not set, using default instead")
		config.CounterType = configuration.CounterTypeMemory
	}
	if config.DatabaseType == configuration.DatabaseTypeSqlite && config.DatabasePath == "" {
		logger.WithField("default", defaultDatabasePath).Warn("config.DatabasePath not set, using default instead")
		config.DatabasePath = defaultDatabasePath
	}
	if config.StartupRetry.Attempts == 0 {
		config.StartupRetry.Attempts = defaultStartupRetryAttempts
	}
	if config.StartupRetry.Delay <= 0 {
		config.StartupRetry.Delay = defaultStartupRetryDelay
	}
	if config.Counters.RebuildInterval < 0 {
		logger.WithField("configured", config.Counters.RebuildInterval).Warn("config.Counters.RebuildInterval invalid, disabling periodic rebuild")
		config.Counters.RebuildInterval = 0
	}
	config.Engine.ApplyDefaults()

	if err := commonconfig.Validate(config); err != nil {
		commonconfig.LogValidationErrors(err)
		return errors.WithMessage(err, "invalid splitter configuration")
	}
	return nil
}

// Stores holds the opened durable and counter stores.
type Stores struct {
	Durable  repository.DurableStore
	Counters repository.CounterStore
	closers  []func()
}

func (s *Stores) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}

// OpenStores connects to the configured stores, retrying connection failures according to
// config.StartupRetry, and brings the durable schema up to date.
func OpenStores(ctx context.Context, config *configuration.SplitterConfig) (*Stores, error) {
	stores := &Stores{}
	ok := false
	defer func() {
		if !ok {
			stores.Close()
		}
	}()

	var err error
	stores.Durable, err = openDurableStore(ctx, config, stores)
	if err != nil {
		return nil, err
	}
	stores.Counters, err = openCounterStore(ctx, config, stores)
	if err != nil {
		return nil, err
	}
	ok = true
	return stores, nil
}

func openDurableStore(ctx context.Context, config *configuration.SplitterConfig, stores *Stores) (repository.DurableStore, error) {
	switch config.DatabaseType {
	case configuration.DatabaseTypePostgres:
		var store *repository.PostgresStore
		err := withRetry(ctx, config.StartupRetry, "postgres", func() error {
			db, err := database.OpenPgxPool(ctx, config.Postgres)
			if err != nil {
				return err
			}
			stores.closers = append(stores.closers, db.Close)
			store = repository.NewPostgresStore(db)
			return nil
		})
		if err != nil {
			return nil, err
		}
		if err := store.Migrate(ctx); err != nil {
			return nil, err
		}
		return store, nil
	case configuration.DatabaseTypeSqlite:
		store, err := repository.NewSQLiteStore(ctx, config.DatabasePath)
		if err != nil {
			return nil, err
		}
		stores.closers = append(stores.closers, func() { util.CloseResource("sqlite store", store) })
		return store, nil
	case configuration.DatabaseTypeMemory:
		log.Warn("using in-memory durable store; definitions and results are lost on exit")
		return repository.NewInMemoryDurableStore(), nil
	default:
		return nil, errors.Errorf("unknown database type %q", config.DatabaseType)
	}
}

func openCounterStore(ctx context.Context, config *configuration.SplitterConfig, stores *Stores) (repository.CounterStore, error) {
	switch config.CounterType {
	case configuration.CounterTypeRedis:
		db := redis.NewUniversalClient(&config.Redis)
		stores.closers = append(stores.closers, func() { util.CloseResource("redis client", db) })
		store := repository.NewRedisCounterStore(db)
		if err := withRetry(ctx, config.StartupRetry, "redis", store.Check); err != nil {
			return nil, err
		}
		return store, nil
	case configuration.CounterTypeMemory:
		return repository.NewInMemoryCounterStore(), nil
	default:
		return nil, errors.Errorf("unknown counter type %q", config.CounterType)
	}
}

func withRetry(ctx context.Context, config configuration.RetryConfig, store string, f func() error) error {
	return retry.Do(
		f,
		retry.Context(ctx),
		retry.Attempts(config.Attempts),
		retry.Delay(config.Delay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			log.WithField("store", store).WithError(err).Warnf("connection attempt %d failed", n+1)
		}),
	)
}

// NewEngine opens the configured stores and builds an engine on top of them. The caller must close the stores.
func NewEngine(ctx context.Context, config *configuration.SplitterConfig) (*engine.Engine, *Stores, error) {
	if err := CheckConfig(config); err != nil {
		return nil, nil, err
	}
	stores, err := OpenStores(ctx, config)
	if err != nil {
		return nil, nil, err
	}
	e, err := engine.New(stores.Durable, stores.Counters, config.Engine)
	if err != nil {
		stores.Close()
		return nil, nil, err
	}
	return e, stores, nil
}

// StartUp runs the HTTP API, the metrics server and, if configured, the periodic counter rebuild until ctx
// is cancelled or one of them fails.
func (a *App) StartUp(ctx context.Context) error {
	logger := log.WithField("splitter", "StartUp")

	if err := logging.AddPrometheusHook(); err != nil {
		return err
	}

	e, stores, err := NewEngine(ctx, a.Config)
	if err != nil {
		return err
	}
	defer stores.Close()

	startupCompleteCheck := health.NewStartupCompleteChecker()
	healthChecks := health.NewMultiChecker(startupCompleteCheck, stores.Durable, stores.Counters)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return serve.ListenAndServe(ctx, a.Config.HttpPort, server.NewServer(e).Handler(healthChecks))
	})
	g.Go(func() error {
		return serve.ServeMetrics(ctx, a.Config.MetricsPort)
	})
	if interval := a.Config.Counters.RebuildInterval; interval > 0 {
		g.Go(func() error {
			reconcile(ctx, e, interval)
			return nil
		})
	}

	startupCompleteCheck.MarkComplete()
	logger.WithFields(log.Fields{
		"httpPort":    a.Config.HttpPort,
		"metricsPort": a.Config.MetricsPort,
		"database":    a.Config.DatabaseType,
		"counters":    a.Config.CounterType,
	}).Info("splitter started")

	return g.Wait()
}

// reconcile rebuilds the counters of running experiments every interval until ctx is cancelled.
func reconcile(ctx context.Context, e *engine.Engine, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.Reconcile(ctx); err != nil {
				logging.WithStacktrace(log.WithField("splitter", "reconcile"), err).Warn("error rebuilding counters")
			}
		}
	}
}
