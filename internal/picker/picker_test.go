package picker

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	xs = [][]float64{{1, 0, 1, 0}, {1, 0, 1, 0}, {0, 1, 1, 0}, {0, 1, 1, 0}}
	ys = []int{0, 0, 1, 1}
)

func TestSelectKBestScoresAndTies(t *testing.T) {
	p, err := New(KindSelectKBest, map[string]any{"k": 2})
	require.NoError(t, err)
	require.NoError(t, p.Fit(xs, ys))

	scores := p.(*SelectKBest).Scores()
	assert.InDelta(t, 2, scores[0], 1e-12)
	assert.InDelta(t, 2, scores[1], 1e-12)
	assert.InDelta(t, 0, scores[2], 1e-12)
	assert.True(t, math.IsNaN(scores[3]))

	support, ok := p.Support()
	require.True(t, ok)
	assert.Equal(t, []int{0, 1}, support)

	out, err := p.Transform([][]float64{{5, 6, 7, 8}})
	require.NoError(t, err)
	assert.Equal(t, [][]float64{{5, 6}}, out)

	one := &SelectKBest{K: 1}
	require.NoError(t, one.Fit(xs, ys))
	support, _ = one.Support()
	assert.Equal(t, []int{1}, support, "ties keep the later column")
}

func TestSelectKBestClampsK(t *testing.T) {
	p := &SelectKBest{K: 50}
	require.NoError(t, p.Fit(xs, ys))
	support, _ := p.Support()
	assert.Equal(t, []int{0, 1, 2, 3}, support)

	require.NoError(t, p.SetParams(map[string]any{"k": "all"}))
	assert.Zero(t, p.K)
}

func TestSelectKBestTransformBeforeFit(t *testing.T) {
	_, err := (&SelectKBest{K: 1}).Transform(xs)
	assert.ErrorIs(t, err, ErrNotFitted)
	assert.Nil(t, (&SelectKBest{K: 1}).Clone().(*SelectKBest).Scores())
}

func TestPassthrough(t *testing.T) {
	p, err := New("", nil)
	require.NoError(t, err)
	assert.Equal(t, "passthrough", p.String())
	require.NoError(t, p.Fit(xs, ys))
	out, err := p.Transform(xs)
	require.NoError(t, err)
	assert.Equal(t, xs, out)
	_, ok := p.Support()
	assert.False(t, ok)
	assert.Error(t, p.SetParams(map[string]any{"k": 1}))
}

func TestNewRejectsUnknownKind(t *testing.T) {
	_, err := New("variance_threshold", nil)
	assert.ErrorIs(t, err, ErrUnknownPicker)
}
