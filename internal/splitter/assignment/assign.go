// Package assignment maps subjects onto weighted variants.
//
// The mapping is a pure function of (experimentId, subjectId, weights): the same subject always lands
// in the same variant for as long as the weights don't change, on every process and every host, with
// no stored state. Changing the weights of a running experiment reshuffles subjects.
package assignment

import (
	"crypto/sha256"
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
)

var ErrInvalidWeights = errors.New("weights must be finite, non-negative and sum to a positive number")

// Assign returns the index of the variant subjectId is bucketed into.
//
// The first four bytes of SHA-256(experimentId + ":" + subjectId), read big-endian, give a point
// in [0, 2^32). Scaled onto [0, total) that point selects the first variant with a positive weight
// whose cumulative weight reaches it. Variants with zero weight are never selected.
func Assign(experimentId, subjectId string, weights []float64) (int, error) {
	total, err := totalWeight(weights)
	if err != nil {
		return 0, err
	}

	digest := sha256.Sum256([]byte(experimentId + ":" + subjectId))
	h := binary.BigEndian.Uint32(digest[:4])
	position := float64(h) / (1 << 32) * total

	last := -1
	cumulative := 0.0
	for i, w := range weights {
		if w == 0 {
			continue
		}
		last = i
		cumulative += w
		if cumulative >= position {
			return i, nil
		}
	}
	// Floating point rounding can leave the final cumulative sum a hair below position.
	return last, nil
}

func totalWeight(weights []float64) (float64, error) {
	if len(weights) == 0 {
		return 0, errors.WithStack(ErrInvalidWeights)
	}
	total := 0.0
	for _, w := range weights {
		if math.IsNaN(w) || math.IsInf(w, 0) || w < 0 {
			return 0, errors.WithStack(ErrInvalidWeights)
		}
		total += w
	}
	if !(total > 0) || math.IsInf(total, 0) {
		return 0, errors.WithStack(ErrInvalidWeights)
	}
	return total, nil
}
