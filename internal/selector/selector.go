// Package selector implements the interpret-pick stage: it measures how
// often each concept is influential for the classifier's predictions and
// keeps the concepts whose influence ratio exceeds a threshold.
package selector

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"

	"golang.org/x/sync/errgroup"

	"ipalab/internal/concepts"
	"ipalab/internal/corpus"
	"ipalab/internal/hyper"
	"ipalab/internal/logging"
	"ipalab/internal/model"
	"ipalab/internal/stats"
)

var ErrNotFitted = errors.New("selector is not fitted")

const DefaultThreshold = 0.5

// State is the result of a fit. It is replaced wholesale by the next fit.
type State struct {
	Totals      []int
	Influential []int
	// Influences holds influential/total per concept, 0 when total is 0.
	Influences  []float64
	Threshold   float64
	Picked      []int
	PickedNames []string
	// NumInfluentialInstances sums Influential.
	NumInfluentialInstances int
	Stats                   model.Floats
}

// Selector is the concept influence selector. Its exported fields are the
// hyperparameters; set them before Fit.
type Selector struct {
	Explainer concepts.Explainer
	Threshold float64
	// Quantile reinterprets Threshold as a quantile level over the
	// influence ratios of all concepts.
	Quantile bool
	Workers  int
	Logger   *logging.Logger

	state     *State
	fitCounts [][]int
}

func New(explainer concepts.Explainer) *Selector {
	return &Selector{Explainer: explainer, Threshold: DefaultThreshold}
}

func (s *Selector) String() string {
	return fmt.Sprintf("interpret_pick(threshold=%g, quantile=%v)", s.Threshold, s.Quantile)
}

// Clone returns an unfitted copy sharing the explainer.
func (s *Selector) Clone() *Selector {
	return &Selector{
		Explainer: s.Explainer,
		Threshold: s.Threshold,
		Quantile:  s.Quantile,
		Workers:   s.Workers,
		Logger:    s.Logger,
	}
}

// SetParams accepts "threshold", "quantile" and "workers".
func (s *Selector) SetParams(params map[string]any) error {
	for k, v := range params {
		var err error
		switch k {
		case "threshold":
			s.Threshold, err = hyper.Float(v)
		case "quantile":
			s.Quantile, err = hyper.Bool(v)
		case "workers":
			s.Workers, err = hyper.Int(v)
		default:
			err = errors.New("unknown parameter")
		}
		if err != nil {
			return fmt.Errorf("interpret_pick.%s: %w", k, err)
		}
	}
	return nil
}

// Params reports the hyperparameters.
func (s *Selector) Params() map[string]any {
	return map[string]any{"threshold": s.Threshold, "quantile": s.Quantile}
}

// State returns the fitted state.
func (s *Selector) State() (State, bool) {
	if s.state == nil {
		return State{}, false
	}
	return *s.state, true
}

type imageCounts struct {
	counts      []int
	influential []int
}

func (s *Selector) Fit(ctx context.Context, images *corpus.Corpus) error {
	_, err := s.fit(ctx, images)
	return err
}

// FitTransform fits and returns the picked-concept counts computed during
// the fit, without interpreting the images a second time.
func (s *Selector) FitTransform(ctx context.Context, images *corpus.Corpus) ([][]float64, error) {
	counts, err := s.fit(ctx, images)
	if err != nil {
		return nil, err
	}
	return s.project(counts), nil
}

// Transform interprets images and returns their counts restricted to the
// picked concepts, in picked order.
func (s *Selector) Transform(ctx context.Context, images *corpus.Corpus) ([][]float64, error) {
	if s.state == nil {
		return nil, ErrNotFitted
	}
	log, done := logging.Or(s.Logger).Task("Interpreting inputs...", "images", images.Len())
	defer done()

	interp := s.Explainer.Interpreter()
	counts := make([][]int, images.Len())
	err := s.forEach(ctx, images, func(ctx context.Context, i int, img model.LabeledImage) error {
		c, err := concepts.CountConcepts(ctx, interp, img)
		if err != nil {
			return err
		}
		counts[i] = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.Debug("interpreted", "images", len(counts))
	return s.project(counts), nil
}

// FitCounts returns the full per-image concept counts of the last fit.
func (s *Selector) FitCounts() [][]int {
	return s.fitCounts
}

// Project restricts full concept count vectors to the picked concepts.
func (s *Selector) Project(counts [][]int) ([][]float64, error) {
	if s.state == nil {
		return nil, ErrNotFitted
	}
	return s.project(counts), nil
}

func (s *Selector) project(counts [][]int) [][]float64 {
	out := make([][]float64, len(counts))
	for i, row := range counts {
		picked := make([]float64, len(s.state.Picked))
		for j, c := range s.state.Picked {
			picked[j] = float64(row[c])
		}
		out[i] = picked
	}
	return out
}

func (s *Selector) fit(ctx context.Context, images *corpus.Corpus) ([][]int, error) {
	if s.Explainer == nil {
		return nil, errors.New("selector has no explainer")
	}
	if !s.Explainer.Calibrated() {
		return nil, concepts.ErrNotCalibrated
	}
	log, done := logging.Or(s.Logger).Task("Observing concept influences...", "images", images.Len())
	defer done()

	numConcepts := len(s.Explainer.Interpreter().Concepts())
	perImage := make([]imageCounts, images.Len())
	err := s.forEach(ctx, images, func(ctx context.Context, i int, img model.LabeledImage) error {
		explained, err := s.Explainer.Explain(ctx, img)
		if err != nil {
			return err
		}
		ids := make([]int, 0, len(explained))
		var influentialIDs []int
		for _, e := range explained {
			ids = append(ids, e.ConceptID)
			if e.Influential {
				influentialIDs = append(influentialIDs, e.ConceptID)
			}
		}
		var ic imageCounts
		if ic.counts, err = concepts.Counts(ids, numConcepts); err != nil {
			return err
		}
		if ic.influential, err = concepts.Counts(influentialIDs, numConcepts); err != nil {
			return err
		}
		perImage[i] = ic
		return nil
	})
	if err != nil {
		return nil, err
	}

	// reduce only after every worker has returned
	state := &State{
		Totals:      make([]int, numConcepts),
		Influential: make([]int, numConcepts),
		Influences:  make([]float64, numConcepts),
		Stats:       s.Explainer.Stats().Clone(),
	}
	counts := make([][]int, len(perImage))
	for i, ic := range perImage {
		counts[i] = ic.counts
		for c := 0; c < numConcepts; c++ {
			state.Totals[c] += ic.counts[c]
			state.Influential[c] += ic.influential[c]
		}
	}
	for c := 0; c < numConcepts; c++ {
		state.NumInfluentialInstances += state.Influential[c]
		if state.Totals[c] > 0 {
			state.Influences[c] = float64(state.Influential[c]) / float64(state.Totals[c])
		}
	}
	if state.Stats == nil {
		state.Stats = model.Floats{}
	}
	state.Stats["num_influential_concept_instances"] = float64(state.NumInfluentialInstances)

	state.Threshold, state.Picked = pick(state.Influences, s.Threshold, s.Quantile)
	names := s.Explainer.Interpreter().Concepts()
	state.PickedNames = make([]string, len(state.Picked))
	for i, c := range state.Picked {
		state.PickedNames[i] = names[c]
	}

	s.state = state
	s.fitCounts = counts
	log.Item("Final concept influences", "influences", rankedInfluences(names, state.Influences))
	log.Item("Picked concepts", "names", state.PickedNames, "threshold", state.Threshold)
	return counts, nil
}

// pick applies the threshold. In quantile mode, when all ratios are equal
// no quantile separates them and every concept is picked.
func pick(influences []float64, threshold float64, quantile bool) (float64, []int) {
	if quantile {
		if stats.AllEqual(influences) {
			all := make([]int, len(influences))
			for i := range all {
				all[i] = i
			}
			return threshold, all
		}
		threshold = stats.Quantile(influences, threshold)
	}
	picked := make([]int, 0, len(influences))
	for c, inf := range influences {
		if inf > threshold {
			picked = append(picked, c)
		}
	}
	return threshold, picked
}

func (s *Selector) forEach(ctx context.Context, images *corpus.Corpus, fn func(context.Context, int, model.LabeledImage) error) error {
	g, ctx := errgroup.WithContext(ctx)
	workers := s.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	g.SetLimit(workers)
	for i := 0; i < images.Len(); i++ {
		g.Go(func() error {
			img, err := images.At(i)
			if err != nil {
				return err
			}
			if err := fn(ctx, i, img); err != nil {
				return fmt.Errorf("image %s: %w", img.ID, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func rankedInfluences(names []string, influences []float64) []string {
	idx := make([]int, len(influences))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return influences[idx[a]] > influences[idx[b]] })
	out := make([]string, len(idx))
	for i, c := range idx {
		out[i] = fmt.Sprintf("%s=%.3f", names[c], influences[c])
	}
	return out
}
