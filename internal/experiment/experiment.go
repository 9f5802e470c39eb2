// Package experiment runs repeated IPA experiments: it calibrates the
// explainer, draws a fresh training slice per repetition from one forward-only
// image stream and scores the resulting surrogate on cached held-out data.
package experiment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"ipalab/internal/concepts"
	"ipalab/internal/corpus"
	"ipalab/internal/folds"
	"ipalab/internal/ipa"
	"ipalab/internal/logging"
	"ipalab/internal/metrics"
	"ipalab/internal/model"
	"ipalab/internal/picker"
	"ipalab/internal/selector"
	"ipalab/internal/surrogate"
	"ipalab/internal/telemetry"
)

var (
	ErrClassNames      = errors.New("experiment: class names differ from the classifier's output dimension")
	ErrInvalidConfig   = errors.New("experiment: invalid configuration")
	ErrStreamExhausted = errors.New("experiment: image stream ended early")
)

// CV configures the cross-validated grid search of every repetition.
type CV struct {
	Planner folds.Planner
	Scoring string
	Workers int
}

type Experiment struct {
	RandomState       int64
	Repetitions       int
	ImagesURL         string
	NumTrainObs       int
	NumCalibrationObs int
	NumTestObs        int
	ClassNames        []string

	Type1  surrogate.Trainer
	Type2  concepts.Explainer
	Picker picker.Picker

	ParamGrid ipa.ParamGrid
	CV        CV
	TopK      []int

	SelectorWorkers         int
	ObserveWorkers          int
	CounterfactualsPerImage int

	Open   corpus.Opener
	Cache  *TestCache
	Corpus corpus.Options
	Logger *logging.Logger
}

// RepetitionCount is the number of repetitions a complete run records.
func (e *Experiment) RepetitionCount() int {
	return e.Repetitions
}

func (e *Experiment) Classifier() concepts.Classifier {
	return e.Type2.Classifier()
}

func (e *Experiment) Interpreter() concepts.Interpreter {
	return e.Type2.Interpreter()
}

func (e *Experiment) picker() picker.Picker {
	if e.Picker == nil {
		return picker.Passthrough{}
	}
	return e.Picker
}

func (e *Experiment) Validate() error {
	switch {
	case e.Repetitions < 1:
		return fmt.Errorf("%w: repetitions %d", ErrInvalidConfig, e.Repetitions)
	case e.NumTrainObs < 1 || e.NumCalibrationObs < 0 || e.NumTestObs < 1:
		return fmt.Errorf("%w: sample sizes train=%d calibration=%d test=%d",
			ErrInvalidConfig, e.NumTrainObs, e.NumCalibrationObs, e.NumTestObs)
	case e.Type1 == nil || e.Type2 == nil || e.Open == nil:
		return fmt.Errorf("%w: type1, type2 and an image opener are required", ErrInvalidConfig)
	}
	if n := e.Classifier().NumClasses(); len(e.ClassNames) != n {
		return fmt.Errorf("%w: %d names, %d classes", ErrClassNames, len(e.ClassNames), n)
	}
	if err := e.CV.Planner.Validate(); err != nil {
		return err
	}
	base := e.pipeline(nil)
	for _, combo := range e.ParamGrid.Combinations() {
		if err := base.Clone().SetParams(combo); err != nil {
			return fmt.Errorf("%w: param grid: %w", ErrInvalidConfig, err)
		}
	}
	return nil
}

// Params describes the experiment for the ledger.
func (e *Experiment) Params() model.ExperimentParams {
	interp := e.Interpreter()
	return model.ExperimentParams{
		Classifier:                e.Classifier().Name(),
		ClassNames:                e.ClassNames,
		ImagesURL:                 e.ImagesURL,
		NumTrainObs:               e.NumTrainObs,
		NumCalibrationObs:         e.NumCalibrationObs,
		NumTestObs:                e.NumTestObs,
		Interpreter:               interp.String(),
		ConceptNames:              interp.Concepts(),
		Type2:                     e.Type2.String(),
		Type1:                     e.Type1.String(),
		ModelAgnosticPicker:       e.picker().String(),
		MaxPerturbedArea:          interp.MaxPerturbedArea(),
		MinOverlapForConceptMerge: interp.MaxConceptOverlap(),
	}
}

// SkipCount is the number of images the repetitions before resumeAt
// consumed: the held-out prefix plus one calibration and one training slice
// per completed repetition.
func (e *Experiment) SkipCount(resumeAt int) int {
	return e.NumTestObs + (resumeAt-1)*(e.NumCalibrationObs+e.NumTrainObs)
}

// Run executes repetitions resumeAt..Repetitions and hands every result to
// emit before starting the next one.
func (e *Experiment) Run(ctx context.Context, resumeAt int, emit func(model.RepetitionResult) error) error {
	if resumeAt < 1 {
		return fmt.Errorf("%w: resume at %d", ErrInvalidConfig, resumeAt)
	}
	if err := e.Validate(); err != nil {
		return err
	}
	log, done := logging.Or(e.Logger).Task("Running experiment...", "resume_at", resumeAt, "repetitions", e.Repetitions)
	defer done()
	log.Item("Parameters", "params", fmt.Sprintf("%+v", e.Params()))

	test, err := e.testObservations(ctx, log)
	if err != nil {
		return err
	}

	stream, err := e.Open(ctx, e.ImagesURL)
	if err != nil {
		return fmt.Errorf("open %s: %w", e.ImagesURL, err)
	}
	defer stream.Close()

	skip := e.SkipCount(resumeAt)
	skipped, err := corpus.Skip(ctx, stream, skip)
	if err != nil {
		return err
	}
	if skipped < skip {
		return fmt.Errorf("%w: skipped %d of %d images", ErrStreamExhausted, skipped, skip)
	}

	for rep := resumeAt; rep <= e.Repetitions; rep++ {
		res, err := e.repetition(ctx, rep, stream, test, log)
		if err != nil {
			return fmt.Errorf("repetition %d: %w", rep, err)
		}
		if err := emit(res); err != nil {
			return err
		}
	}
	return nil
}

func (e *Experiment) testObservations(ctx context.Context, log *logging.Logger) (TestObservations, error) {
	interp, clf := e.Interpreter(), e.Classifier()
	key := TestCacheKey(e.ImagesURL, concepts.Identity(interp), clf.Name(), e.NumTestObs, e.CounterfactualsPerImage)
	if e.Cache != nil {
		obs, ok, err := e.Cache.Get(key)
		if err != nil {
			return TestObservations{}, err
		}
		if ok {
			telemetry.TestCacheTotal.WithLabelValues("hit").Inc()
			log.Item("Reusing cached test observations", "key", key, "images", obs.Len())
			return obs, nil
		}
		telemetry.TestCacheTotal.WithLabelValues("miss").Inc()
	}

	src, err := e.Open(ctx, e.ImagesURL)
	if err != nil {
		return TestObservations{}, fmt.Errorf("open %s: %w", e.ImagesURL, err)
	}
	defer src.Close()
	obs, err := PrepareTestObservations(ctx, src, interp, clf, PrepareOptions{
		NumTest:                 e.NumTestObs,
		CounterfactualsPerImage: e.CounterfactualsPerImage,
		Workers:                 e.ObserveWorkers,
		Corpus:                  e.Corpus,
		Logger:                  log,
	})
	if err != nil {
		return TestObservations{}, err
	}
	if obs.Len() < e.NumTestObs {
		return TestObservations{}, fmt.Errorf("%w: %d of %d test images", ErrStreamExhausted, obs.Len(), e.NumTestObs)
	}
	if e.Cache != nil {
		if err := e.Cache.Put(key, obs); err != nil {
			return TestObservations{}, err
		}
	}
	return obs, nil
}

func (e *Experiment) pipeline(log *logging.Logger) *ipa.Pipeline {
	sel := selector.New(e.Type2)
	sel.Workers = e.SelectorWorkers
	sel.Logger = log
	return &ipa.Pipeline{
		Selector:  sel,
		Picker:    e.picker().Clone(),
		Surrogate: e.Type1.CreatePipeline(e.RandomState),
	}
}

func (e *Experiment) repetition(ctx context.Context, rep int, stream corpus.Stream, test TestObservations, parent *logging.Logger) (res model.RepetitionResult, err error) {
	ctx, span := telemetry.Tracer("experiment").Start(ctx, "experiment.repetition")
	span.SetAttributes(attribute.Int("experiment.rep_no", rep))
	started := time.Now()
	defer func() {
		telemetry.RepetitionsTotal.WithLabelValues(telemetry.Result(err)).Inc()
		telemetry.RepetitionDuration.Observe(time.Since(started).Seconds())
		telemetry.End(span, err)
	}()

	log, done := parent.Task(fmt.Sprintf("Running repetition %d...", rep))
	defer done()

	if err := e.calibrate(ctx, stream, log); err != nil {
		return res, exhausted(err)
	}

	start := time.Now()
	search, err := ipa.Run(ctx, corpus.Exactly(stream, e.NumTrainObs), e.pipeline(log), ipa.RunOptions{
		Search: ipa.SearchOptions{
			Planner:    e.CV.Planner,
			Grid:       e.ParamGrid,
			Scoring:    e.CV.Scoring,
			Workers:    e.CV.Workers,
			NumClasses: len(e.ClassNames),
			Logger:     log,
		},
		ObserveWorkers: e.ObserveWorkers,
		Corpus:         e.Corpus,
	})
	if err != nil {
		return res, exhausted(err)
	}
	runtime := time.Since(start)

	best := search.Best
	state, ok := best.Selector.State()
	if !ok {
		return res, selector.ErrNotFitted
	}
	fit := model.FitParams{
		PickedConcepts:     state.Picked,
		PickedConceptNames: state.PickedNames,
		ConceptInfluences:  state.Influences,
	}
	if support, drops := best.Picker.Support(); drops {
		fit.AgnosticPickedConcepts = support
	}

	_, scored := log.Task("Scoring surrogate model...")
	m, err := e.score(best, test)
	scored()
	if err != nil {
		return res, err
	}
	m["runtime_s"] = runtime.Seconds()

	serial, err := e.Type1.Serialize(best.Surrogate)
	if err != nil {
		return res, err
	}
	return model.RepetitionResult{
		RepNo:           rep,
		Stats:           state.Stats.Clone(),
		CVParams:        search.BestParams,
		FitParams:       fit,
		Metrics:         m,
		SurrogateSerial: serial,
	}, nil
}

// calibrate feeds the next calibration slice to the explainer and discards
// whatever part of the slice it did not read, so the stream position is
// independent of the explainer.
func (e *Experiment) calibrate(ctx context.Context, stream corpus.Stream, log *logging.Logger) error {
	_, done := log.Task("Calibrating the Type 2 explainer...", "images", e.NumCalibrationObs)
	defer done()
	slice := corpus.Exactly(stream, e.NumCalibrationObs)
	if err := e.Type2.Calibrate(ctx, slice); err != nil {
		return fmt.Errorf("calibrate: %w", err)
	}
	_, err := corpus.Skip(ctx, slice, e.NumCalibrationObs)
	return err
}

func exhausted(err error) error {
	if errors.Is(err, corpus.ErrShortStream) {
		return fmt.Errorf("%w: %w", ErrStreamExhausted, err)
	}
	return err
}

func (e *Experiment) predict(best *ipa.Pipeline, counts [][]int) ([][]float64, error) {
	if len(counts) == 0 {
		return nil, nil
	}
	probs, err := best.PredictCounts(counts)
	if err != nil {
		return nil, err
	}
	return metrics.Spread(probs, best.Classes(), len(e.ClassNames))
}

func (e *Experiment) score(best *ipa.Pipeline, test TestObservations) (model.Floats, error) {
	complexity, err := e.Type1.ComplexityMetrics(best.Surrogate)
	if err != nil {
		return nil, err
	}
	m := model.Floats{}
	for k, v := range complexity {
		m[k] = v
	}

	probs, err := e.predict(best, test.Counts)
	if err != nil {
		return nil, err
	}
	ivCounts, ivLabels := test.Interventions()
	ivProbs, err := e.predict(best, ivCounts)
	if err != nil {
		return nil, err
	}

	if m["cross_entropy"], err = metrics.LogLoss(test.Predicted, probs); err != nil {
		return nil, err
	}
	m["auc"] = metrics.AUC(test.Predicted, probs)
	if m["iv_cross_entropy"], err = metrics.LogLoss(ivLabels, ivProbs); err != nil {
		return nil, err
	}
	m["iv_auc"] = metrics.AUC(ivLabels, ivProbs)
	for _, k := range e.TopK {
		m[fmt.Sprintf("top_%d_acc", k)] = metrics.TopKAccuracy(test.Predicted, probs, k)
		m[fmt.Sprintf("iv_top_%d_acc", k)] = metrics.TopKAccuracy(ivLabels, ivProbs, k)
	}

	var samples []metrics.CounterfactualSample
	for i, ps := range test.Perturbations {
		if len(ps) == 0 {
			continue
		}
		counts := make([][]int, len(ps))
		for j, p := range ps {
			counts[j] = p.Counts
		}
		cfProbs, err := e.predict(best, counts)
		if err != nil {
			return nil, err
		}
		for j, p := range ps {
			samples = append(samples, metrics.CounterfactualSample{
				Probs:     cfProbs[j],
				Predicted: p.Predicted,
				Original:  test.Predicted[i],
			})
		}
	}
	for k, v := range metrics.CounterfactualTopK(samples, 1) {
		m[k] = v
	}
	return m, nil
}
