package surrogate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecisionTreeSeparatesClasses(t *testing.T) {
	tree := NewDecisionTree(1)
	require.NoError(t, tree.Fit([][]float64{{0, 5}, {1, 5}, {2, 5}, {3, 5}}, []int{4, 4, 7, 7}))
	assert.Equal(t, []int{4, 7}, tree.Classes())

	probs, err := tree.PredictProba([][]float64{{0.5, 0}, {2.5, 9}})
	require.NoError(t, err)
	assert.Equal(t, [][]float64{{1, 0}, {0, 1}}, probs)

	fitted, err := tree.Tree()
	require.NoError(t, err)
	require.Len(t, fitted.Nodes, 1)
	assert.Equal(t, 0, fitted.Nodes[0].FeatureIndex)
	assert.Equal(t, 1.5, fitted.Nodes[0].Threshold)
	assert.Contains(t, fitted.Describe([]string{"dog", "cat"}), "dog <= 1.5")
}

func TestDecisionTreeRespectsLimits(t *testing.T) {
	x := [][]float64{{0}, {1}, {2}, {3}}

	shallow := NewDecisionTree(0)
	require.NoError(t, shallow.SetParams(map[string]any{"max_depth": 1}))
	require.NoError(t, shallow.Fit([][]float64{{0}, {1}, {2}}, []int{0, 1, 2}))
	tr, _ := shallow.Tree()
	assert.Equal(t, 1, tr.Depth)
	assert.Equal(t, 2, tr.NumLeaves())

	leafy := NewDecisionTree(0)
	require.NoError(t, leafy.SetParams(map[string]any{"min_samples_leaf": 2}))
	require.NoError(t, leafy.Fit(x, []int{0, 1, 1, 1}))
	tr, _ = leafy.Tree()
	require.Len(t, tr.Nodes, 1)
	assert.Equal(t, 1.5, tr.Nodes[0].Threshold)

	require.Error(t, leafy.SetParams(map[string]any{"min_samples_leaf": 0}))
	require.Error(t, leafy.SetParams(map[string]any{"criterion": "entropy"}))
}

func TestDecisionTreeSingleClassIsOneLeaf(t *testing.T) {
	tree := NewDecisionTree(0)
	require.NoError(t, tree.Fit([][]float64{{1}, {2}}, []int{3, 3}))
	metrics, err := (&TreeTrainer{}).ComplexityMetrics(tree)
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"depth": 0, "n_leaves": 1, "n_nodes": 1}, metrics)
	probs, err := tree.PredictProba([][]float64{{10}})
	require.NoError(t, err)
	assert.Equal(t, [][]float64{{1}}, probs)
}

func TestTrainerSerializationIsDeterministic(t *testing.T) {
	x := [][]float64{{0, 1, 0}, {1, 0, 0}, {1, 1, 1}, {0, 0, 1}, {2, 1, 0}, {0, 2, 2}}
	y := []int{0, 1, 2, 0, 1, 2}
	trainer, err := NewTrainer(KindDecisionTree, map[string]any{"max_depth": 3})
	require.NoError(t, err)
	assert.Equal(t, "decision_tree(max_depth=3)", trainer.String())

	first := trainer.CreatePipeline(42)
	second := trainer.CreatePipeline(42)
	require.NoError(t, first.Fit(x, y))
	require.NoError(t, second.Fit(x, y))
	a, err := trainer.Serialize(first)
	require.NoError(t, err)
	b, err := trainer.Serialize(second)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	loaded, err := LoadTree(a)
	require.NoError(t, err)
	fitted, _ := first.(*DecisionTree).Tree()
	assert.Equal(t, fitted, loaded)
	assert.LessOrEqual(t, loaded.Depth, 3)
}

func TestUnfittedAndUnknown(t *testing.T) {
	_, err := NewDecisionTree(0).PredictProba([][]float64{{1}})
	assert.ErrorIs(t, err, ErrNotFitted)
	_, err = NewTrainer("svm", nil)
	assert.ErrorIs(t, err, ErrUnknownTrainer)
	_, err = NewTrainer(KindDecisionTree, map[string]any{"max_depth": -1})
	assert.Error(t, err)
	assert.ErrorIs(t, NewDecisionTree(0).Fit(nil, nil), ErrNoSamples)
}
