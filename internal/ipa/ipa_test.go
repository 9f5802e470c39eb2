package ipa

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ipalab/internal/conceptstest"
	"ipalab/internal/corpus"
	"ipalab/internal/folds"
	"ipalab/internal/model"
	"ipalab/internal/picker"
	"ipalab/internal/selector"
	"ipalab/internal/surrogate"
)

// Concepts 0 and 1 are influential. Images hold {0}, {1} or {0, 1}, so the
// fake classifier labels them 0, 1 and 0 and the count of concept 0 alone
// separates the classes.
func separableSample(n int) []model.LabeledImage {
	cycle := [][]int{{0}, {1}, {0, 1}}
	present := make([][]int, n)
	for i := range present {
		present[i] = cycle[i%len(cycle)]
	}
	return conceptstest.Sample(8, 4, 4, present)
}

func newPipeline(explainer *conceptstest.Explainer) *Pipeline {
	sel := selector.New(explainer)
	sel.Workers = 2
	return &Pipeline{
		Selector:  sel,
		Picker:    picker.Passthrough{},
		Surrogate: surrogate.NewDecisionTree(7),
	}
}

func searchOptions() SearchOptions {
	return SearchOptions{
		Planner:    folds.DefaultPlanner(),
		Grid:       ParamGrid{"approximate.max_depth": {1, 2}},
		Workers:    3,
		NumClasses: 2,
	}
}

func TestParamGridCombinations(t *testing.T) {
	g := ParamGrid{"b": {1, 2}, "a": {"x", "y", "z"}}
	combos := g.Combinations()
	require.Len(t, combos, 6)
	assert.Equal(t, 6, g.Size())
	assert.Equal(t, map[string]any{"a": "x", "b": 1}, combos[0])
	assert.Equal(t, map[string]any{"a": "x", "b": 2}, combos[1])
	assert.Equal(t, map[string]any{"a": "z", "b": 2}, combos[5])

	assert.Equal(t, []map[string]any{{}}, ParamGrid{}.Combinations())
	assert.Equal(t, "{a=x, b=1}", FormatParams(combos[0]))
}

func TestSetParamsRoutesByStage(t *testing.T) {
	p := newPipeline(conceptstest.New(4, 2, 0, 1))
	require.NoError(t, p.SetParams(map[string]any{
		"interpret_pick.threshold": 0.25,
		"approximate.max_depth":    3,
	}))
	assert.Equal(t, 0.25, p.Selector.Threshold)
	assert.Equal(t, 3, p.Surrogate.Params()["max_depth"])

	assert.ErrorIs(t, p.SetParams(map[string]any{"threshold": 1}), ErrUnknownParam)
	assert.ErrorIs(t, p.SetParams(map[string]any{"fit.threshold": 1}), ErrUnknownParam)
}

func TestRunFindsSeparatingSurrogate(t *testing.T) {
	explainer := conceptstest.New(4, 2, 0, 1)
	res, err := Run(context.Background(), corpus.NewSliceStream(separableSample(15)), newPipeline(explainer), RunOptions{
		Search:         searchOptions(),
		ObserveWorkers: 4,
		Corpus:         corpus.Options{InMemory: true},
	})
	require.NoError(t, err)

	assert.Equal(t, folds.StratifiedKFold, res.Plan.Strategy)
	assert.Equal(t, 5, res.Plan.Folds)
	assert.Equal(t, []int{0, 1, 0, 0, 1, 0}, res.Predicted[:6])
	require.Len(t, res.Scores, 2)
	for _, s := range res.Scores {
		assert.Len(t, s.Folds, 5)
		assert.InDelta(t, 1.0, s.Mean, 1e-12)
	}
	assert.Equal(t, map[string]any{"approximate.max_depth": 1}, res.BestParams, "ties keep the first combination")
	assert.InDelta(t, 1.0, res.BestScore, 1e-12)

	picked, err := res.Best.PickedConcepts()
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, picked)

	probs, err := res.Best.PredictCounts([][]int{{1, 0, 0, 0}, {0, 1, 0, 0}})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, res.Best.Classes())
	assert.Greater(t, probs[0][0], probs[0][1])
	assert.Greater(t, probs[1][1], probs[1][0])
}

func TestGridSearchExcludesRareClasses(t *testing.T) {
	explainer := conceptstest.New(3, 3, 0, 1, 2)
	// Labels follow the lowest present concept: ten 0s, five 1s, one 2.
	present := make([][]int, 0, 16)
	for i := 0; i < 10; i++ {
		present = append(present, []int{0})
	}
	for i := 0; i < 5; i++ {
		present = append(present, []int{1})
	}
	present = append(present, []int{2})
	images, err := corpus.Build(context.Background(), corpus.NewSliceStream(conceptstest.Sample(9, 3, 3, present)), corpus.Options{InMemory: true})
	require.NoError(t, err)
	defer images.Close()

	predicted := make([]int, len(present))
	for i, p := range present {
		predicted[i] = p[0]
	}
	opts := searchOptions()
	opts.NumClasses = 3
	res, err := GridSearch(context.Background(), images, predicted, newPipeline(explainer), opts)
	require.NoError(t, err)

	assert.Equal(t, []int{0, 1}, res.Plan.Retained)
	assert.False(t, res.Plan.Include[15])
	assert.Len(t, res.Plan.Included(), 15)
	assert.Equal(t, []int{0, 1}, res.Best.Classes())
}

func TestRunRejectsEmptyStream(t *testing.T) {
	_, err := Run(context.Background(), corpus.NewSliceStream(nil), newPipeline(conceptstest.New(4, 2)), RunOptions{
		Search: searchOptions(),
		Corpus: corpus.Options{InMemory: true},
	})
	assert.ErrorIs(t, err, ErrEmptyPopulation)
}

func TestGridSearchRejectsBadGrid(t *testing.T) {
	images, err := corpus.Build(context.Background(), corpus.NewSliceStream(separableSample(6)), corpus.Options{InMemory: true})
	require.NoError(t, err)
	defer images.Close()

	opts := searchOptions()
	opts.Grid = ParamGrid{"nope.k": {1}}
	_, err = GridSearch(context.Background(), images, make([]int, 6), newPipeline(conceptstest.New(4, 2, 0)), opts)
	assert.ErrorIs(t, err, ErrUnknownParam)
}

func TestLookupScorer(t *testing.T) {
	y := []int{0, 1, 1}
	probs := [][]float64{{0.9, 0.1}, {0.2, 0.8}, {0.4, 0.6}}
	for _, name := range []string{"", ScoreROCAUCOvO, ScoreAccuracy} {
		s, err := LookupScorer(name)
		require.NoError(t, err)
		v, err := s(y, probs)
		require.NoError(t, err)
		assert.InDelta(t, 1.0, v, 1e-12, name)
	}
	s, err := LookupScorer(ScoreNegLogLoss)
	require.NoError(t, err)
	v, err := s(y, probs)
	require.NoError(t, err)
	assert.Less(t, v, 0.0)

	_, err = LookupScorer("f1")
	assert.Error(t, err)
}
