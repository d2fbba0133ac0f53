package repository

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/G-Research/splitter/internal/common/splittererrors"
	"github.com/G-Research/splitter/internal/splitter/model"
	"github.com/G-Research/splitter/internal/splitter/targeting"
)

const testDefinitions = `
experiments:
  - name: checkout-button-color
    status: Running
    targeting:
      and:
        - {key: country, op: in, value: [GB, IE]}
        - {key: age, op: range, value: {min: 18}}
    variants:
      - {id: control, name: Blue, weight: 50}
      - {id: green, name: Green, weight: 50}
    metrics:
      - {name: click}
      - {id: rev, name: revenue, type: numeric}
  - id: pricing-v2
    name: pricing
    variants:
      - {id: a, weight: 1}
      - {id: b, weight: 2}
`

func TestLoadDefinitions(t *testing.T) {
	experiments, err := LoadDefinitions(strings.NewReader(testDefinitions))
	require.NoError(t, err)
	require.Len(t, experiments, 2)

	checkout := experiments[0]
	assert.Equal(t, "checkout-button-color", checkout.Name)
	assert.Equal(t, model.StatusRunning, checkout.Status)
	assert.Len(t, checkout.Id, 36)
	assert.Equal(t, []model.Metric{
		{Id: "click", Name: "click", Type: model.MetricTypeNumeric},
		{Id: "rev", Name: "revenue", Type: model.MetricTypeNumeric},
	}, checkout.Metrics)
	assert.True(t, targeting.Evaluate(checkout.Targeting, targeting.Context{"country": "IE", "age": 30}))
	assert.False(t, targeting.Evaluate(checkout.Targeting, targeting.Context{"country": "IE", "age": 12}))

	pricing := experiments[1]
	assert.Equal(t, "pricing-v2", pricing.Id)
	assert.Equal(t, model.StatusDraft, pricing.Status)
	assert.Equal(t, "a", pricing.Variants[0].Name)
	assert.Equal(t, []float64{1, 2}, pricing.Weights())
	assert.Nil(t, pricing.Targeting)

	// Generated ids are stable across loads.
	again, err := LoadDefinitions(strings.NewReader(testDefinitions))
	require.NoError(t, err)
	assert.Equal(t, checkout.Id, again[0].Id)
}

func TestLoadDefinitions_ReportsEveryInvalidExperiment(t *testing.T) {
	definitions := `
experiments:
  - name: zero-weights
    variants:
      - {id: a, weight: 0}
  - name: bad-status
    status: Archived
    variants:
      - {id: a, weight: 1}
  - name: bad-targeting
    targeting: {key: email, op: matches, value: "("}
    variants:
      - {id: a, weight: 1}
`
	_, err := LoadDefinitions(strings.NewReader(definitions))
	require.Error(t, err)
	assert.True(t, splittererrors.IsInvalidExperiment(err))
	assert.Contains(t, err.Error(), "zero-weights")
	assert.Contains(t, err.Error(), "bad-status")
	assert.Contains(t, err.Error(), "bad-targeting")
}

func TestLoadDefinitions_RejectsUnknownFields(t *testing.T) {
	_, err := LoadDefinitions(strings.NewReader("experiments:\n  - name: x\n    weights: [1]\n"))
	assert.Error(t, err)
}

func TestLoadDefinitionsFile_AndApply(t *testing.T) {
	path := filepath.Join(t.TempDir(), "experiments.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testDefinitions), 0o644))

	experiments, err := LoadDefinitionsFile(path)
	require.NoError(t, err)

	ctx := context.Background()
	store := NewInMemoryDurableStore()
	require.NoError(t, ApplyDefinitions(ctx, store, experiments))
	// Applying the same file again updates in place.
	require.NoError(t, ApplyDefinitions(ctx, store, experiments))

	all, err := store.ListExperiments(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	_, err = LoadDefinitionsFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
