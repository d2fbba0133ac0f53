// Package registry serves experiment definitions from a TTL cache in front of the durable store.
//
// Definitions are cached per process for the configured TTL, so a change of status (e.g. pausing an
// experiment) is only guaranteed to be seen by every process once the TTL has elapsed. Concurrent
// misses for the same experiment share a single backend read, and no caller waits for it longer than the
// load timeout. Definitive answers, i.e. not found or
// invalid, are cached like found definitions; transient store failures are not cached.
//
// Experiments returned by the registry are shared between callers and must not be modified.
package registry

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/G-Research/splitter/internal/common/splittererrors"
	"github.com/G-Research/splitter/internal/splitter/configuration"
	"github.com/G-Research/splitter/internal/splitter/metrics"
	"github.com/G-Research/splitter/internal/splitter/model"
	"github.com/G-Research/splitter/internal/splitter/repository"
)

const (
	nameKeyPrefix = "name:"
	idKeyPrefix   = "id:"
)

type Registry struct {
	store       repository.ExperimentRepository
	cache       *cache.Cache
	group       singleflight.Group
	loadTimeout time.Duration
}

// entry is what gets cached: either a valid experiment or a definitive error.
type entry struct {
	experiment *model.Experiment
	err        error
}

func New(store repository.ExperimentRepository, config configuration.RegistryConfig) *Registry {
	return &Registry{
		store:       store,
		cache:       cache.New(config.CacheTTL, 2*config.CacheTTL),
		loadTimeout: config.LoadTimeout,
	}
}

// Load returns the validated experiment called name. It returns *splittererrors.ErrNotFound,
// *splittererrors.ErrInvalidExperiment or, if the store could not be read, *splittererrors.ErrStoreUnavailable.
func (r *Registry) Load(ctx context.Context, name string) (*model.Experiment, error) {
	return r.load(ctx, nameKeyPrefix+name, func(ctx context.Context) (*model.Experiment, error) {
		return r.store.GetExperimentByName(ctx, name)
	})
}

// LoadById is Load keyed by experiment id.
func (r *Registry) LoadById(ctx context.Context, id string) (*model.Experiment, error) {
	return r.load(ctx, idKeyPrefix+id, func(ctx context.Context) (*model.Experiment, error) {
		return r.store.GetExperiment(ctx, id)
	})
}

// Invalidate drops the cached definitions keyed by name and by id, so the next Load or LoadById reads the store.
func (r *Registry) Invalidate(name, id string) {
	r.cache.Delete(nameKeyPrefix + name)
	r.cache.Delete(idKeyPrefix + id)
}

func (r *Registry) load(
	ctx context.Context,
	key string,
	fetch func(ctx context.Context) (*model.Experiment, error),
) (*model.Experiment, error) {
	if cached, ok := r.cache.Get(key); ok {
		metrics.RecordRegistryLoad("hit")
		e := cached.(*entry)
		return e.experiment, e.err
	}
	metrics.RecordRegistryLoad("miss")

	// The read runs detached from ctx so that one caller giving up doesn't fail the others waiting on it.
	ch := r.group.DoChan(key, func() (interface{}, error) {
		loadCtx, cancel := context.WithTimeout(context.Background(), r.loadTimeout)
		defer cancel()

		start := time.Now()
		e, err := fetch(loadCtx)
		metrics.RecordStoreLatency("durable", "load experiment", time.Since(start))
		if err == nil {
			err = e.Validate()
		}
		if err != nil && !isDefinitive(err) {
			return nil, err
		}
		if err != nil {
			e = nil
		}
		result := &entry{experiment: e, err: err}
		r.cache.Set(key, result, cache.DefaultExpiration)
		return result, nil
	})

	// Waiting is bounded too, so a store that ignores its deadline still fails closed.
	timeout := time.NewTimer(r.loadTimeout)
	defer timeout.Stop()

	select {
	case <-ctx.Done():
		return nil, errors.WithStack(&splittererrors.ErrStoreUnavailable{
			Store:     "registry",
			Operation: "load experiment",
			Cause:     ctx.Err(),
		})
	case <-timeout.C:
		metrics.RecordRegistryLoad("error")
		log.WithField("key", key).Warn("timed out loading experiment definition")
		return nil, errors.WithStack(&splittererrors.ErrStoreUnavailable{
			Store:     "durable",
			Operation: "load experiment",
			Cause:     context.DeadlineExceeded,
		})
	case res := <-ch:
		if res.Err != nil {
			metrics.RecordRegistryLoad("error")
			log.WithField("key", key).WithError(res.Err).Warn("error loading experiment definition")
			return nil, asStoreUnavailable(res.Err)
		}
		e := res.Val.(*entry)
		return e.experiment, e.err
	}
}

func isDefinitive(err error) bool {
	return splittererrors.IsNotFound(err) || splittererrors.IsInvalidExperiment(err)
}

func asStoreUnavailable(err error) error {
	var unavailable *splittererrors.ErrStoreUnavailable
	if errors.As(err, &unavailable) {
		return err
	}
	return errors.WithStack(&splittererrors.ErrStoreUnavailable{
		Store:     "durable",
		Operation: "load experiment",
		Cause:     err,
	})
}
