package selector

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ipalab/internal/concepts"
	"ipalab/internal/conceptstest"
	"ipalab/internal/corpus"
	"ipalab/internal/model"
)

func buildCorpus(t *testing.T, numConcepts int, present [][]int) *corpus.Corpus {
	t.Helper()
	items := conceptstest.Sample(8, 4, numConcepts, present)
	c, err := corpus.Build(context.Background(), corpus.NewSliceStream(items), corpus.Options{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

var bandsSample = [][]int{{0, 1}, {0}, {1, 2}, {2, 3}, {}}

func TestFitComputesInfluenceRatios(t *testing.T) {
	explainer := conceptstest.New(4, 2, 0, 2)
	s := New(explainer)
	s.Workers = 3
	require.NoError(t, s.Fit(context.Background(), buildCorpus(t, 4, bandsSample)))

	state, ok := s.State()
	require.True(t, ok)
	assert.Equal(t, []int{2, 2, 2, 1}, state.Totals)
	assert.Equal(t, []int{2, 0, 2, 0}, state.Influential)
	assert.Equal(t, []float64{1, 0, 1, 0}, state.Influences)
	assert.Equal(t, []int{0, 2}, state.Picked)
	assert.Equal(t, []string{"c0", "c2"}, state.PickedNames)
	assert.Equal(t, 4, state.NumInfluentialInstances)
	assert.Equal(t, 4.0, state.Stats["num_influential_concept_instances"])
	assert.Equal(t, 0.5, state.Threshold)
}

func TestFitTransformMatchesTransformAndReusesCounts(t *testing.T) {
	explainer := conceptstest.New(4, 2, 0, 2)
	images := buildCorpus(t, 4, bandsSample)

	s := New(explainer)
	got, err := s.FitTransform(context.Background(), images)
	require.NoError(t, err)
	assert.Equal(t, int64(images.Len()), explainer.Interp.Calls.Load(), "fit_transform must not interpret twice")

	want, err := s.Transform(context.Background(), images)
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Equal(t, [][]float64{{1, 0}, {1, 0}, {0, 1}, {0, 1}, {0, 0}}, got)
	assert.Len(t, s.FitCounts(), images.Len())
}

func TestQuantileModePicksAllWhenRatiosAreIdentical(t *testing.T) {
	images := buildCorpus(t, 3, [][]int{{0, 1, 2}, {0, 1, 2}})

	s := New(conceptstest.New(3, 2))
	s.Quantile = true
	require.NoError(t, s.Fit(context.Background(), images))
	state, _ := s.State()
	assert.Equal(t, []int{0, 1, 2}, state.Picked)

	s = New(conceptstest.New(3, 2))
	require.NoError(t, s.Fit(context.Background(), images))
	state, _ = s.State()
	assert.Empty(t, state.Picked)
}

func TestQuantileModeThresholdsOnRatioQuantile(t *testing.T) {
	// ratios: c0 = 1, c1 = 0, c2 = 1, c3 = 0 -> median 0.5
	s := New(conceptstest.New(4, 2, 0, 2))
	require.NoError(t, s.SetParams(map[string]any{"quantile": true, "threshold": 0.5}))
	require.NoError(t, s.Fit(context.Background(), buildCorpus(t, 4, bandsSample)))
	state, _ := s.State()
	assert.InDelta(t, 0.5, state.Threshold, 1e-12)
	assert.Equal(t, []int{0, 2}, state.Picked)
}

func TestZeroOccurrenceConceptHasZeroRatio(t *testing.T) {
	images := buildCorpus(t, 3, [][]int{{0}, {1}})
	s := New(conceptstest.New(3, 2, 0, 1, 2))
	s.Threshold = 0
	require.NoError(t, s.Fit(context.Background(), images))
	state, _ := s.State()
	assert.Equal(t, 0.0, state.Influences[2])
	assert.Equal(t, []int{0, 1}, state.Picked)

	s.Threshold = -0.1
	require.NoError(t, s.Fit(context.Background(), images))
	state, _ = s.State()
	assert.Equal(t, []int{0, 1, 2}, state.Picked)
}

func TestFitRequiresCalibration(t *testing.T) {
	explainer := conceptstest.New(2, 2)
	uncalibrated := &conceptstest.Explainer{Interp: explainer.Interp, Clf: explainer.Clf}
	err := New(uncalibrated).Fit(context.Background(), buildCorpus(t, 2, [][]int{{0}}))
	assert.ErrorIs(t, err, concepts.ErrNotCalibrated)
}

func TestTransformBeforeFit(t *testing.T) {
	_, err := New(conceptstest.New(2, 2)).Transform(context.Background(), buildCorpus(t, 2, [][]int{{0}}))
	assert.ErrorIs(t, err, ErrNotFitted)
}

type failingExplainer struct {
	*conceptstest.Explainer
}

var errExplain = errors.New("explain failed")

func (f failingExplainer) Explain(ctx context.Context, img model.LabeledImage) ([]concepts.InfluentialConcept, error) {
	if img.ID == "img-001" {
		return nil, errExplain
	}
	return f.Explainer.Explain(ctx, img)
}

func TestFitPropagatesWorkerErrors(t *testing.T) {
	s := New(failingExplainer{conceptstest.New(2, 2)})
	err := s.Fit(context.Background(), buildCorpus(t, 2, [][]int{{0}, {1}, {0, 1}}))
	require.ErrorIs(t, err, errExplain)
	assert.Contains(t, err.Error(), "img-001")
	_, fitted := s.State()
	assert.False(t, fitted)
}

func TestSetParamsRejectsUnknownKeys(t *testing.T) {
	s := New(conceptstest.New(2, 2))
	require.Error(t, s.SetParams(map[string]any{"depth": 3}))
	require.Error(t, s.SetParams(map[string]any{"threshold": "high"}))
}
