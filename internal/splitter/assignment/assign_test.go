package assignment

import (
	"fmt"
	"math"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAssign_KnownBuckets(t *testing.T) {
	tests := map[string]struct {
		experimentId string
		subjectId    string
		weights      []float64
		expected     int
	}{
		"even split":            {experimentId: "exp-1", subjectId: "user-42", weights: []float64{50, 50}, expected: 0},
		"weighted upper bucket": {experimentId: "exp-1", subjectId: "user-1", weights: []float64{1, 1, 2}, expected: 2},
		"weighted middle":       {experimentId: "exp-1", subjectId: "user-4", weights: []float64{1, 1, 2}, expected: 1},
		"single variant":        {experimentId: "exp-1", subjectId: "user-4", weights: []float64{3}, expected: 0},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			index, err := Assign(tc.experimentId, tc.subjectId, tc.weights)
			require.NoError(t, err)
			assert.Equal(t, tc.expected, index)
		})
	}
}

func TestAssign_Deterministic(t *testing.T) {
	weights := []float64{10, 30, 60}
	for i := 0; i < 1000; i++ {
		subject := fmt.Sprintf("user-%d", i)
		first, err := Assign("exp-1", subject, weights)
		require.NoError(t, err)
		for j := 0; j < 3; j++ {
			again, err := Assign("exp-1", subject, weights)
			require.NoError(t, err)
			require.Equal(t, first, again)
		}
	}
}

func TestAssign_Proportional(t *testing.T) {
	const n = 100000
	tests := map[string]struct {
		weights  []float64
		expected []float64
	}{
		"two equal weights": {weights: []float64{50, 50}, expected: []float64{0.5, 0.5}},
		"one heavier":       {weights: []float64{1, 1, 2}, expected: []float64{0.25, 0.25, 0.5}},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			counts := make([]int, len(tc.weights))
			for i := 0; i < n; i++ {
				index, err := Assign("exp-1", fmt.Sprintf("user-%d", i), tc.weights)
				require.NoError(t, err)
				counts[index]++
			}
			for i, c := range counts {
				assert.InDelta(t, tc.expected[i], float64(c)/n, 0.02, "variant %d", i)
			}
		})
	}
}

func TestAssign_ExperimentIdIsPartOfTheHash(t *testing.T) {
	weights := []float64{1, 1}
	differ := 0
	for i := 0; i < 200; i++ {
		subject := fmt.Sprintf("user-%d", i)
		a, err := Assign("exp-a", subject, weights)
		require.NoError(t, err)
		b, err := Assign("exp-b", subject, weights)
		require.NoError(t, err)
		if a != b {
			differ++
		}
	}
	// Independent experiments must not put the same subjects in the same arms.
	assert.Greater(t, differ, 50)
}

func TestAssign_ZeroWeightNeverSelected(t *testing.T) {
	weights := []float64{0, 1, 0, 1, 0}
	for i := 0; i < 10000; i++ {
		index, err := Assign("exp-1", fmt.Sprintf("user-%d", i), weights)
		require.NoError(t, err)
		assert.NotEqual(t, 0.0, weights[index])
	}
}

func TestAssign_InvalidWeights(t *testing.T) {
	tests := map[string][]float64{
		"nil":      nil,
		"empty":    {},
		"all zero": {0, 0},
		"negative": {1, -1},
		"nan":      {1, math.NaN()},
		"infinite": {1, math.Inf(1)},
	}
	for name, weights := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Assign("exp-1", "user-1", weights)
			assert.True(t, errors.Is(err, ErrInvalidWeights))
		})
	}
}
