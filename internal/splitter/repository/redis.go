package repository

import (
	"context"
	"strconv"
	"strings"

	"github.com/go-redis/redis"
	"github.com/pkg/errors"

	"github.com/G-Research/splitter/internal/splitter/model"
)

const (
	counterPrefix = "splitter:counters:"

	countSuffix      = "count"
	sumSuffix        = "sum"
	sumSquaresSuffix = "sumsq"
)

// RedisCounterStore keeps one hash per experiment with three fields per (variant, metric) cell:
// <variant>:<metric>:count, <variant>:<metric>:sum and <variant>:<metric>:sumsq.
// Ids never contain ':', so fields split back unambiguously.
//
// The client has no per-call context; operations are bounded by the client's dial, read and write
// timeouts, and a cancelled ctx only prevents new commands from being sent.
type RedisCounterStore struct {
	db redis.UniversalClient
}

func NewRedisCounterStore(db redis.UniversalClient) *RedisCounterStore {
	return &RedisCounterStore{db: db}
}

func (s *RedisCounterStore) Increment(ctx context.Context, key model.CounterKey, value float64) error {
	if err := ctx.Err(); err != nil {
		return storeUnavailable("redis", "increment counter", err)
	}
	hash := counterPrefix + key.ExperimentId
	field := key.VariantId + ":" + key.MetricId + ":"

	pipe := s.db.TxPipeline()
	pipe.HIncrBy(hash, field+countSuffix, 1)
	pipe.HIncrByFloat(hash, field+sumSuffix, value)
	pipe.HIncrByFloat(hash, field+sumSquaresSuffix, value*value)
	if _, err := pipe.Exec(); err != nil {
		return storeUnavailable("redis", "increment counter", err)
	}
	return nil
}

func (s *RedisCounterStore) Counters(ctx context.Context, experimentId string) ([]model.Aggregate, error) {
	if err := ctx.Err(); err != nil {
		return nil, storeUnavailable("redis", "read counters", err)
	}
	fields, err := s.db.HGetAll(counterPrefix + experimentId).Result()
	if err != nil {
		return nil, storeUnavailable("redis", "read counters", err)
	}

	cells := make(map[model.CounterKey]*model.Aggregate)
	for field, raw := range fields {
		parts := strings.Split(field, ":")
		if len(parts) != 3 {
			return nil, errors.Errorf("unexpected counter field %q in %s", field, counterPrefix+experimentId)
		}
		key := model.CounterKey{ExperimentId: experimentId, VariantId: parts[0], MetricId: parts[1]}
		cell, ok := cells[key]
		if !ok {
			cell = &model.Aggregate{VariantId: key.VariantId, MetricId: key.MetricId}
			cells[key] = cell
		}
		switch parts[2] {
		case countSuffix:
			cell.Count, err = strconv.ParseInt(raw, 10, 64)
		case sumSuffix:
			cell.Sum, err = strconv.ParseFloat(raw, 64)
		case sumSquaresSuffix:
			cell.SumSquares, err = strconv.ParseFloat(raw, 64)
		default:
			err = errors.Errorf("unexpected counter field %q", field)
		}
		if err != nil {
			return nil, errors.WithStack(err)
		}
	}
	return sortedAggregates(cells), nil
}

func (s *RedisCounterStore) Reset(ctx context.Context, experimentId string, aggregates []model.Aggregate) error {
	if err := ctx.Err(); err != nil {
		return storeUnavailable("redis", "reset counters", err)
	}
	hash := counterPrefix + experimentId
	pipe := s.db.TxPipeline()
	pipe.Del(hash)
	if len(aggregates) > 0 {
		fields := make(map[string]interface{}, 3*len(aggregates))
		for _, a := range aggregates {
			field := a.VariantId + ":" + a.MetricId + ":"
			fields[field+countSuffix] = a.Count
			fields[field+sumSuffix] = strconv.FormatFloat(a.Sum, 'f', -1, 64)
			fields[field+sumSquaresSuffix] = strconv.FormatFloat(a.SumSquares, 'f', -1, 64)
		}
		pipe.HMSet(hash, fields)
	}
	if _, err := pipe.Exec(); err != nil {
		return storeUnavailable("redis", "reset counters", err)
	}
	return nil
}

func (s *RedisCounterStore) Check() error {
	if _, err := s.db.Ping().Result(); err != nil {
		return errors.Errorf("[RedisCounterStore.Check] error: %s", err)
	}
	return nil
}
