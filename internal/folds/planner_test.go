package folds

import (
	"math/rand/v2"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func repeatLabels(counts map[int]int) []int {
	classes := make([]int, 0, len(counts))
	for c := range counts {
		classes = append(classes, c)
	}
	sort.Ints(classes)
	var out []int
	for _, c := range classes {
		for i := 0; i < counts[c]; i++ {
			out = append(out, c)
		}
	}
	return out
}

func TestClassCountsFloorIsZero(t *testing.T) {
	got := ClassCounts([]int{0, 0, 2}, []int{0, 1, 2})
	assert.Equal(t, []ClassCount{{0, 2}, {2, 1}, {1, 0}}, got)
}

func TestPlanDropsRareClasses(t *testing.T) {
	predicted := repeatLabels(map[int]int{0: 10, 1: 3, 2: 1})

	plan, err := Planner{MinFolds: 5, MaxFolds: 5}.Plan(predicted, []int{0, 1, 2})
	require.NoError(t, err)
	assert.Equal(t, StratifiedKFold, plan.Strategy)
	assert.Equal(t, 5, plan.Folds)
	assert.Equal(t, []int{0}, plan.Retained)
	for i, c := range predicted {
		assert.Equal(t, c == 0, plan.Include[i], "observation %d of class %d", i, c)
	}

	plan, err = Planner{MinFolds: 5, MaxFolds: 20}.Plan(predicted, []int{0, 1, 2})
	require.NoError(t, err)
	assert.Equal(t, 10, plan.Folds)
}

func TestPlanFallsBackToPlainKFold(t *testing.T) {
	predicted := repeatLabels(map[int]int{0: 4, 1: 3, 2: 1})
	plan, err := Planner{MinFolds: 5, MaxFolds: 10}.Plan(predicted, []int{0, 1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, KFold, plan.Strategy)
	assert.Equal(t, 5, plan.Folds)
	assert.Len(t, plan.Included(), len(predicted))
	assert.Empty(t, plan.Retained)
}

func TestPlanErrors(t *testing.T) {
	_, err := DefaultPlanner().Plan(nil, []int{0, 1})
	assert.ErrorIs(t, err, ErrNoObservations)

	_, err = Planner{MinFolds: 1, MaxFolds: 3}.Plan([]int{0}, nil)
	assert.ErrorIs(t, err, ErrInvalidFoldBounds)

	_, err = Planner{MinFolds: 4, MaxFolds: 3}.Plan([]int{0}, nil)
	assert.ErrorIs(t, err, ErrInvalidFoldBounds)

	_, err = DefaultPlanner().Plan([]int{0, 1, 2}, []int{0, 1, 2})
	assert.ErrorIs(t, err, ErrTooFewObservations)
}

func TestPlanFoldCountNeverExceedsBounds(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 11))
	for trial := 0; trial < 300; trial++ {
		numClasses := 2 + rng.IntN(6)
		counts := make(map[int]int, numClasses)
		for c := 0; c < numClasses; c++ {
			counts[c] = rng.IntN(25)
		}
		predicted := repeatLabels(counts)
		if len(predicted) < 5 {
			continue
		}
		planner := Planner{MinFolds: 2 + rng.IntN(4), MaxFolds: 5 + rng.IntN(6)}
		classes := make([]int, numClasses)
		for i := range classes {
			classes[i] = i
		}

		plan, err := planner.Plan(predicted, classes)
		if err != nil {
			require.ErrorIs(t, err, ErrTooFewObservations)
			continue
		}
		require.LessOrEqual(t, plan.Folds, planner.MaxFolds)
		if plan.Strategy == KFold {
			assert.Equal(t, planner.MinFolds, plan.Folds)
			continue
		}
		for _, c := range plan.Retained {
			require.GreaterOrEqual(t, counts[c], planner.MinFolds)
			require.LessOrEqual(t, plan.Folds, counts[c])
		}

		labels := make([]int, 0, len(predicted))
		for _, i := range plan.Included() {
			labels = append(labels, predicted[i])
		}
		splits, err := plan.Splits(labels)
		require.NoError(t, err)
		require.Len(t, splits, plan.Folds)
	}
}
