package repository

import (
	"context"
	"sync"
	"time"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/G-Research/splitter/internal/splitter/model"
)

// InMemoryDurableStore keeps everything in process memory. It is used by tests and by the "memory"
// database type for local experimentation; nothing survives a restart.
type InMemoryDurableStore struct {
	mu          sync.RWMutex
	experiments map[string]*model.Experiment
	results     []model.Result
}

func NewInMemoryDurableStore() *InMemoryDurableStore {
	return &InMemoryDurableStore{experiments: make(map[string]*model.Experiment)}
}

func (s *InMemoryDurableStore) GetExperimentByName(_ context.Context, name string) (*model.Experiment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.experiments {
		if e.Name == name {
			return copyExperiment(e), nil
		}
	}
	return nil, experimentNotFound(name)
}

func (s *InMemoryDurableStore) GetExperiment(_ context.Context, id string) (*model.Experiment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.experiments[id]
	if !ok {
		return nil, experimentNotFound(id)
	}
	return copyExperiment(e), nil
}

func (s *InMemoryDurableStore) ListExperiments(_ context.Context) ([]*model.Experiment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	experiments := make([]*model.Experiment, 0, len(s.experiments))
	for _, e := range s.experiments {
		experiments = append(experiments, copyExperiment(e))
	}
	slices.SortFunc(experiments, func(a, b *model.Experiment) bool { return a.Name < b.Name })
	return experiments, nil
}

func (s *InMemoryDurableStore) PutExperiment(_ context.Context, e *model.Experiment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, existing := range s.experiments {
		if existing.Name == e.Name && id != e.Id {
			return experimentNameTaken(e.Name)
		}
	}
	s.experiments[e.Id] = copyExperiment(e)
	return nil
}

func (s *InMemoryDurableStore) AppendResult(_ context.Context, r *model.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, *r)
	return nil
}

func (s *InMemoryDurableStore) AggregateResults(_ context.Context, experimentId string) ([]model.Aggregate, error) {
	return s.aggregateResults(experimentId, func(model.Result) bool { return true }), nil
}

func (s *InMemoryDurableStore) AggregateResultsBefore(_ context.Context, experimentId string, before time.Time) ([]model.Aggregate, error) {
	return s.aggregateResults(experimentId, func(r model.Result) bool { return r.Timestamp.Before(before) }), nil
}

func (s *InMemoryDurableStore) aggregateResults(experimentId string, include func(model.Result) bool) []model.Aggregate {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cells := make(map[model.CounterKey]*model.Aggregate)
	for _, r := range s.results {
		if r.ExperimentId != experimentId || !include(r) {
			continue
		}
		key := r.CounterKey()
		cell, ok := cells[key]
		if !ok {
			cell = &model.Aggregate{VariantId: r.VariantId, MetricId: r.MetricId}
			cells[key] = cell
		}
		cell.Add(r.Value)
	}
	return sortedAggregates(cells)
}

// Results returns a copy of every stored result, in append order.
func (s *InMemoryDurableStore) Results() []model.Result {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.Result(nil), s.results...)
}

func (s *InMemoryDurableStore) Check() error {
	return nil
}

// InMemoryCounterStore is the in-process counterpart of RedisCounterStore.
type InMemoryCounterStore struct {
	mu    sync.Mutex
	cells map[model.CounterKey]*model.Aggregate
}

func NewInMemoryCounterStore() *InMemoryCounterStore {
	return &InMemoryCounterStore{cells: make(map[model.CounterKey]*model.Aggregate)}
}

func (s *InMemoryCounterStore) Increment(_ context.Context, key model.CounterKey, value float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cell, ok := s.cells[key]
	if !ok {
		cell = &model.Aggregate{VariantId: key.VariantId, MetricId: key.MetricId}
		s.cells[key] = cell
	}
	cell.Add(value)
	return nil
}

func (s *InMemoryCounterStore) Counters(_ context.Context, experimentId string) ([]model.Aggregate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cells := make(map[model.CounterKey]*model.Aggregate)
	for key, cell := range s.cells {
		if key.ExperimentId == experimentId {
			c := *cell
			cells[key] = &c
		}
	}
	return sortedAggregates(cells), nil
}

func (s *InMemoryCounterStore) Reset(_ context.Context, experimentId string, aggregates []model.Aggregate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.cells {
		if key.ExperimentId == experimentId {
			delete(s.cells, key)
		}
	}
	for _, a := range aggregates {
		a := a
		s.cells[model.CounterKey{ExperimentId: experimentId, VariantId: a.VariantId, MetricId: a.MetricId}] = &a
	}
	return nil
}

func (s *InMemoryCounterStore) Check() error {
	return nil
}

// sortedAggregates returns the cells ordered by variant id, then metric id.
func sortedAggregates(cells map[model.CounterKey]*model.Aggregate) []model.Aggregate {
	aggregates := make([]model.Aggregate, 0, len(cells))
	for _, cell := range maps.Values(cells) {
		aggregates = append(aggregates, *cell)
	}
	slices.SortFunc(aggregates, func(a, b model.Aggregate) bool {
		if a.VariantId != b.VariantId {
			return a.VariantId < b.VariantId
		}
		return a.MetricId < b.MetricId
	})
	return aggregates
}

// copyExperiment returns a copy that shares no slices with e. Conditions are immutable once built.
func copyExperiment(e *model.Experiment) *model.Experiment {
	c := *e
	c.Variants = append([]model.Variant(nil), e.Variants...)
	c.Metrics = append([]model.Metric(nil), e.Metrics...)
	return &c
}
