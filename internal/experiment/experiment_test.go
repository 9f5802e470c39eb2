package experiment

import (
	"context"
	"fmt"
	"math"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ipalab/internal/concepts"
	"ipalab/internal/conceptstest"
	"ipalab/internal/corpus"
	"ipalab/internal/folds"
	"ipalab/internal/interpret"
	"ipalab/internal/ipa"
	"ipalab/internal/logging"
	"ipalab/internal/model"
	"ipalab/internal/surrogate"
	"ipalab/internal/telemetry"
)

type recordingExplainer struct {
	*conceptstest.Explainer

	mu           sync.Mutex
	calibrations [][]string
}

func (r *recordingExplainer) Calibrate(ctx context.Context, images corpus.Stream) error {
	items, err := corpus.Collect(ctx, images)
	if err != nil {
		return err
	}
	ids := make([]string, len(items))
	for i, it := range items {
		ids[i] = it.ID
	}
	r.mu.Lock()
	r.calibrations = append(r.calibrations, ids)
	r.mu.Unlock()
	return r.Explainer.Calibrate(ctx, corpus.NewSliceStream(items))
}

// Images cycle through {0}, {1} and {0, 1}; the fake classifier labels them
// 0, 1 and 0, so every slice of fifteen holds ten 0s and five 1s.
func streamOf(n int) corpus.Opener {
	cycle := [][]int{{0}, {1}, {0, 1}}
	present := make([][]int, n)
	for i := range present {
		present[i] = cycle[i%len(cycle)]
	}
	items := conceptstest.Sample(8, 4, 4, present)
	return func(context.Context, string) (corpus.Stream, error) {
		return corpus.NewSliceStream(items), nil
	}
}

func newExperiment(t *testing.T, images int) (*Experiment, *recordingExplainer) {
	t.Helper()
	explainer := &recordingExplainer{Explainer: conceptstest.New(4, 2, 0, 1)}
	trainer, err := surrogate.NewTrainer(surrogate.KindDecisionTree, nil)
	require.NoError(t, err)
	return &Experiment{
		RandomState:             3,
		Repetitions:             2,
		ImagesURL:               "mem://bands",
		NumTrainObs:             15,
		NumCalibrationObs:       3,
		NumTestObs:              6,
		ClassNames:              []string{"zero", "one"},
		Type1:                   trainer,
		Type2:                   explainer,
		ParamGrid:               ipa.ParamGrid{"approximate.max_depth": {1, 2}},
		CV:                      CV{Planner: folds.DefaultPlanner(), Workers: 2},
		TopK:                    []int{1},
		SelectorWorkers:         2,
		ObserveWorkers:          2,
		CounterfactualsPerImage: 1,
		Open:                    streamOf(images),
		Corpus:                  corpus.Options{InMemory: true},
	}, explainer
}

func collect(t *testing.T, e *Experiment, resumeAt int) []model.RepetitionResult {
	t.Helper()
	var out []model.RepetitionResult
	require.NoError(t, e.Run(context.Background(), resumeAt, func(r model.RepetitionResult) error {
		out = append(out, r)
		return nil
	}))
	return out
}

func TestRunScoresEveryRepetition(t *testing.T) {
	e, explainer := newExperiment(t, 42)
	results := collect(t, e, 1)
	require.Len(t, results, 2)

	assert.Equal(t, [][]string{
		{"img-006", "img-007", "img-008"},
		{"img-024", "img-025", "img-026"},
	}, explainer.calibrations)

	r := results[0]
	assert.Equal(t, 1, r.RepNo)
	assert.Equal(t, map[string]any{"approximate.max_depth": 1}, r.CVParams)
	assert.Equal(t, []int{0, 1}, r.FitParams.PickedConcepts)
	assert.Equal(t, []string{"c0", "c1"}, r.FitParams.PickedConceptNames)
	assert.Equal(t, []float64{1, 1, 0, 0}, r.FitParams.ConceptInfluences)
	assert.Contains(t, r.Stats, "num_influential_concept_instances")
	assert.NotEmpty(t, r.SurrogateSerial)

	m := r.Metrics
	assert.Equal(t, 1.0, m["depth"])
	assert.InDelta(t, 1.0, m["auc"], 1e-12)
	assert.InDelta(t, 0.0, m["cross_entropy"], 1e-9)
	assert.InDelta(t, 1.0, m["top_1_acc"], 1e-12)
	// Every counterfactual is labeled 0, so the AUC is undefined.
	assert.True(t, math.IsNaN(m["iv_auc"]))
	assert.InDelta(t, 2.0/6, m["iv_top_1_acc"], 1e-12)
	assert.Equal(t, 6.0, m["cf_samples"])
	assert.Equal(t, 2.0, m["cf_changed_samples"])
	assert.InDelta(t, 2.0/6, m["cf_top_1_acc"], 1e-12)
	assert.Equal(t, 0.0, m["cf_changed_top_1_acc"])
	assert.Contains(t, m, "runtime_s")
}

func TestResumeSkipsCompletedRepetitions(t *testing.T) {
	full, _ := newExperiment(t, 42)
	want := collect(t, full, 1)

	resumed, explainer := newExperiment(t, 42)
	got := collect(t, resumed, 2)
	require.Len(t, got, 1)

	assert.Equal(t, [][]string{{"img-024", "img-025", "img-026"}}, explainer.calibrations)
	assert.Equal(t, 2, got[0].RepNo)
	assert.Equal(t, want[1].SurrogateSerial, got[0].SurrogateSerial)
	assert.Equal(t, want[1].FitParams, got[0].FitParams)
	assert.Equal(t, want[1].CVParams, got[0].CVParams)

	assert.Empty(t, collect(t, resumed, 3))
}

func TestSkipCountIncludesCalibrationSlices(t *testing.T) {
	e, _ := newExperiment(t, 0)
	assert.Equal(t, 6, e.SkipCount(1))
	assert.Equal(t, 42, e.SkipCount(3))
}

func TestRunFailsWhenStreamEndsBeforeResumePoint(t *testing.T) {
	e, _ := newExperiment(t, 10)
	err := e.Run(context.Background(), 2, func(model.RepetitionResult) error { return nil })
	assert.ErrorIs(t, err, ErrStreamExhausted)
}

func TestRunFailsOnShortRepetitionSlices(t *testing.T) {
	for name, images := range map[string]int{
		"training":    20,
		"calibration": 8,
	} {
		t.Run(name, func(t *testing.T) {
			e, _ := newExperiment(t, images)
			var emitted int
			err := e.Run(context.Background(), 1, func(model.RepetitionResult) error {
				emitted++
				return nil
			})
			assert.ErrorIs(t, err, ErrStreamExhausted)
			assert.ErrorIs(t, err, corpus.ErrShortStream)
			assert.Zero(t, emitted)
		})
	}
}

func TestValidate(t *testing.T) {
	e, _ := newExperiment(t, 42)
	require.NoError(t, e.Validate())

	e.ClassNames = []string{"a", "b", "c"}
	assert.ErrorIs(t, e.Validate(), ErrClassNames)

	e, _ = newExperiment(t, 42)
	e.Repetitions = 0
	assert.ErrorIs(t, e.Validate(), ErrInvalidConfig)

	assert.ErrorIs(t, e.Run(context.Background(), 0, nil), ErrInvalidConfig)
}

func TestParams(t *testing.T) {
	e, _ := newExperiment(t, 42)
	p := e.Params()
	assert.Equal(t, "bands-2", p.Classifier)
	assert.Equal(t, "bands", p.Interpreter)
	assert.Equal(t, "fixed_influence", p.Type2)
	assert.Equal(t, "passthrough", p.ModelAgnosticPicker)
	assert.Equal(t, []string{"c0", "c1", "c2", "c3"}, p.ConceptNames)
	assert.Equal(t, 15, p.NumTrainObs)
}

func TestTestObservationsAreCached(t *testing.T) {
	cache, err := OpenTestCache(CacheConfig{InMemory: true})
	require.NoError(t, err)
	defer cache.Close()

	e, explainer := newExperiment(t, 42)
	e.Cache = cache
	hits := testutil.ToFloat64(telemetry.TestCacheTotal.WithLabelValues("hit"))

	first, err := e.testObservations(context.Background(), logging.Nop())
	require.NoError(t, err)
	calls := explainer.Interp.Calls.Load()

	second, err := e.testObservations(context.Background(), logging.Nop())
	require.NoError(t, err)
	assert.Equal(t, calls, explainer.Interp.Calls.Load())
	assert.Equal(t, first, second)
	assert.Equal(t, hits+1, testutil.ToFloat64(telemetry.TestCacheTotal.WithLabelValues("hit")))

	assert.Equal(t, []int{0, 1, 0, 0, 1, 0}, second.Predicted)
	assert.Equal(t, []int{1, 1, 0, 0}, second.Counts[2])
	ivCounts, ivLabels := second.Interventions()
	assert.Equal(t, []int{1, 0, 0, 0}, ivCounts[2])
	assert.Equal(t, []int{0, 0, 0, 0, 0, 0}, ivLabels)
}

type boxedExplainer struct {
	*recordingExplainer
	interp concepts.Interpreter
}

func (b boxedExplainer) Interpreter() concepts.Interpreter { return b.interp }

// withBoxes swaps the experiment's interpreter for ground truth boxes that
// cover a quarter of every held-out image.
func withBoxes(t *testing.T, e *Experiment, maxArea float64) {
	t.Helper()
	var boxes []interpret.Box
	for i := 0; i < e.NumTestObs; i++ {
		boxes = append(boxes, interpret.Box{ImageID: fmt.Sprintf("img-%03d", i), Object: "ball", XMax: 0.5, YMax: 0.5})
	}
	p := interpret.DefaultPerturbation()
	p.MaxPerturbedArea = maxArea
	g, err := interpret.NewGroundTruthObjects(boxes, interpret.GroundTruthOptions{Perturbation: p})
	require.NoError(t, err)
	e.Type2 = boxedExplainer{recordingExplainer: e.Type2.(*recordingExplainer), interp: g}
}

func TestTestCacheSeparatesInterpreterConfigurations(t *testing.T) {
	ctx := context.Background()
	fresh, _ := newExperiment(t, 42)
	withBoxes(t, fresh, 0.1)
	want, err := fresh.testObservations(ctx, logging.Nop())
	require.NoError(t, err)
	ivCounts, _ := want.Interventions()
	assert.Empty(t, ivCounts)

	cache, err := OpenTestCache(CacheConfig{InMemory: true})
	require.NoError(t, err)
	defer cache.Close()

	loose, _ := newExperiment(t, 42)
	withBoxes(t, loose, 1)
	loose.Cache = cache
	filled, err := loose.testObservations(ctx, logging.Nop())
	require.NoError(t, err)
	ivCounts, _ = filled.Interventions()
	assert.Len(t, ivCounts, 6)

	strict, _ := newExperiment(t, 42)
	withBoxes(t, strict, 0.1)
	strict.Cache = cache
	got, err := strict.testObservations(ctx, logging.Nop())
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestCacheKeyIsPure(t *testing.T) {
	a := TestCacheKey("s3://b/p", "colors", "resnet", 100, 1)
	assert.Equal(t, a, TestCacheKey("s3://b/p", "colors", "resnet", 100, 1))
	assert.NotEqual(t, a, TestCacheKey("s3://b/p", "colors", "resnet", 101, 1))
	assert.Len(t, a, len(testCachePrefix)+32)
}
