// Package folds decides how a sample labeled by classifier predictions can
// be cross-validated. Predicted classes are typically imbalanced, so rare
// classes are excluded rather than letting a stratified split fail.
package folds

import (
	"errors"
	"fmt"
	"sort"
)

var (
	ErrInvalidFoldBounds  = errors.New("folds: invalid fold bounds")
	ErrNoObservations     = errors.New("folds: no observations")
	ErrTooFewObservations = errors.New("folds: fewer observations than folds")
	ErrLabelCount         = errors.New("folds: label count differs from plan")
)

type Strategy string

const (
	KFold           Strategy = "kfold"
	StratifiedKFold Strategy = "stratified_kfold"
)

const DefaultMinFolds = 5

// Planner holds the configured fold bounds.
type Planner struct {
	MinFolds int `yaml:"min_folds" json:"min_folds"`
	MaxFolds int `yaml:"max_folds" json:"max_folds"`
}

func DefaultPlanner() Planner {
	return Planner{MinFolds: DefaultMinFolds, MaxFolds: DefaultMinFolds}
}

func (p Planner) Validate() error {
	if p.MinFolds < 2 {
		return fmt.Errorf("%w: min folds %d < 2", ErrInvalidFoldBounds, p.MinFolds)
	}
	if p.MaxFolds < p.MinFolds {
		return fmt.Errorf("%w: max folds %d < min folds %d", ErrInvalidFoldBounds, p.MaxFolds, p.MinFolds)
	}
	return nil
}

// Plan is the per-run cross-validation decision.
type Plan struct {
	Include  []bool
	Folds    int
	Strategy Strategy
	// Retained lists the class ids that kept their observations. It is
	// empty for the unstratified fallback.
	Retained []int
}

// Included returns the positions whose Include flag is set.
func (p Plan) Included() []int {
	out := make([]int, 0, len(p.Include))
	for i, ok := range p.Include {
		if ok {
			out = append(out, i)
		}
	}
	return out
}

type ClassCount struct {
	Class int
	Count int
}

// ClassCounts merges the observed label counts with the class universe, so
// that never predicted classes appear with count zero. The result is
// ordered by descending count, then ascending class id.
func ClassCounts(predicted, classes []int) []ClassCount {
	counts := make(map[int]int, len(classes))
	for _, c := range classes {
		counts[c] += 0
	}
	for _, c := range predicted {
		counts[c]++
	}
	out := make([]ClassCount, 0, len(counts))
	for c, n := range counts {
		out = append(out, ClassCount{Class: c, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Class < out[j].Class
	})
	return out
}

// Plan computes the inclusion mask and fold layout for predicted labels.
func (p Planner) Plan(predicted, classes []int) (Plan, error) {
	if err := p.Validate(); err != nil {
		return Plan{}, err
	}
	if len(predicted) == 0 {
		return Plan{}, ErrNoObservations
	}

	retained := make(map[int]bool)
	var retainedIDs []int
	least := 0
	for _, cc := range ClassCounts(predicted, classes) {
		if cc.Count < p.MinFolds {
			continue
		}
		retained[cc.Class] = true
		retainedIDs = append(retainedIDs, cc.Class)
		if least == 0 || cc.Count < least {
			least = cc.Count
		}
	}

	include := make([]bool, len(predicted))
	if len(retainedIDs) == 0 {
		for i := range include {
			include[i] = true
		}
		if len(predicted) < p.MinFolds {
			return Plan{}, fmt.Errorf("%w: %d observations, %d folds", ErrTooFewObservations, len(predicted), p.MinFolds)
		}
		return Plan{Include: include, Folds: p.MinFolds, Strategy: KFold}, nil
	}

	for i, c := range predicted {
		include[i] = retained[c]
	}
	sort.Ints(retainedIDs)
	return Plan{
		Include:  include,
		Folds:    min(p.MaxFolds, least),
		Strategy: StratifiedKFold,
		Retained: retainedIDs,
	}, nil
}
