// Package metrics scores surrogate predictions against classifier labels.
package metrics

import (
	"errors"
	"fmt"
)

var ErrShape = errors.New("metrics: inconsistent shapes")

// Spread re-expands probability columns that follow seen (the classes a
// model was trained on) to the full universe 0..numClasses-1. Columns for
// unseen classes are zero.
func Spread(probs [][]float64, seen []int, numClasses int) ([][]float64, error) {
	for _, c := range seen {
		if c < 0 || c >= numClasses {
			return nil, fmt.Errorf("%w: class %d outside universe of %d", ErrShape, c, numClasses)
		}
	}
	out := make([][]float64, len(probs))
	for i, row := range probs {
		if len(row) != len(seen) {
			return nil, fmt.Errorf("%w: row %d has %d columns for %d classes", ErrShape, i, len(row), len(seen))
		}
		full := make([]float64, numClasses)
		for j, c := range seen {
			full[c] = row[j]
		}
		out[i] = full
	}
	return out, nil
}

// Collapse keeps the positive-class column of two-column probabilities.
// It returns nil and false for any other width.
func Collapse(probs [][]float64) ([]float64, bool) {
	if len(probs) == 0 || len(probs[0]) != 2 {
		return nil, false
	}
	out := make([]float64, len(probs))
	for i, row := range probs {
		out[i] = row[1]
	}
	return out, true
}

// Expand turns positive-class probabilities back into two columns.
func Expand(positive []float64) [][]float64 {
	out := make([][]float64, len(positive))
	for i, p := range positive {
		out[i] = []float64{1 - p, p}
	}
	return out
}

// Argmax returns the column with the highest value, preferring the lower
// index on ties.
func Argmax(row []float64) int {
	best := 0
	for j := range row {
		if row[j] > row[best] {
			best = j
		}
	}
	return best
}
