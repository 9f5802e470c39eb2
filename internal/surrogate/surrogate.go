// Package surrogate defines the interpretable models trained on concept
// counts and provides a CART decision tree implementation.
package surrogate

import (
	"errors"
	"fmt"
)

var (
	ErrNotFitted      = errors.New("surrogate is not fitted")
	ErrUnknownTrainer = errors.New("unknown surrogate trainer")
	ErrNoSamples      = errors.New("surrogate: no training samples")
)

// Model is a fittable probabilistic classifier over feature vectors.
type Model interface {
	Fit(x [][]float64, y []int) error
	// PredictProba returns one row per input with a column per Classes entry.
	PredictProba(x [][]float64) ([][]float64, error)
	Classes() []int
	SetParams(params map[string]any) error
	Params() map[string]any
	// Clone returns an unfitted copy with the same parameters.
	Clone() Model
}

// Trainer is the "type 1" explainer: it creates surrogate models and knows
// how to describe fitted ones.
type Trainer interface {
	fmt.Stringer
	CreatePipeline(randomState int64) Model
	Serialize(m Model) (string, error)
	ComplexityMetrics(m Model) (map[string]float64, error)
}

// NewTrainer builds a trainer by name.
func NewTrainer(kind string, params map[string]any) (Trainer, error) {
	switch kind {
	case "", KindDecisionTree:
		t := &TreeTrainer{}
		if len(params) > 0 {
			probe := NewDecisionTree(0)
			if err := probe.SetParams(params); err != nil {
				return nil, err
			}
			t.Defaults = params
		}
		return t, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownTrainer, kind)
	}
}
