package experiment

import (
	"context"
	"fmt"
	"runtime"

	"golang.org/x/sync/errgroup"

	"ipalab/internal/concepts"
	"ipalab/internal/corpus"
	"ipalab/internal/logging"
	"ipalab/internal/model"
)

// Perturbation is one counterfactual of a held-out image.
type Perturbation struct {
	Counts    []int `json:"counts"`
	Predicted int   `json:"predicted"`
}

// TestObservations are the held-out data every repetition is scored on.
type TestObservations struct {
	IDs       []string `json:"ids"`
	Counts    [][]int  `json:"counts"`
	Predicted []int    `json:"predicted"`
	// Perturbations holds, per image, the first counterfactuals in shuffled
	// order. Images without any admissible counterfactual have none.
	Perturbations [][]Perturbation `json:"perturbations"`
}

// Len is the number of held-out images.
func (o TestObservations) Len() int {
	return len(o.IDs)
}

// Interventions returns the first counterfactual of every image that has
// one, with the classifier's label for it.
func (o TestObservations) Interventions() ([][]int, []int) {
	var counts [][]int
	var labels []int
	for _, ps := range o.Perturbations {
		if len(ps) == 0 {
			continue
		}
		counts = append(counts, ps[0].Counts)
		labels = append(labels, ps[0].Predicted)
	}
	return counts, labels
}

// PrepareOptions configures PrepareTestObservations.
type PrepareOptions struct {
	NumTest                 int
	CounterfactualsPerImage int
	Workers                 int
	Corpus                  corpus.Options
	Logger                  *logging.Logger
}

// PrepareTestObservations reads the first NumTest images of src and records
// their concept counts, the classifier's labels and up to
// CounterfactualsPerImage perturbations per image.
func PrepareTestObservations(ctx context.Context, src corpus.Stream, interp concepts.Interpreter, clf concepts.Classifier, opts PrepareOptions) (TestObservations, error) {
	log, done := logging.Or(opts.Logger).Task("Preparing test observations...", "images", opts.NumTest)
	defer done()

	perImage := opts.CounterfactualsPerImage
	if perImage <= 0 {
		perImage = 1
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if opts.Corpus.Logger == nil {
		opts.Corpus.Logger = log
	}

	var obs TestObservations
	err := corpus.With(ctx, corpus.Take(src, opts.NumTest), opts.Corpus, func(c *corpus.Corpus) error {
		n := c.Len()
		obs = TestObservations{
			IDs:           c.IDs(),
			Counts:        make([][]int, n),
			Predicted:     make([]int, n),
			Perturbations: make([][]Perturbation, n),
		}
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(workers)
		for i := 0; i < n; i++ {
			g.Go(func() error {
				img, err := c.At(i)
				if err != nil {
					return err
				}
				if err := observe(gctx, img, interp, clf, perImage, &obs, i); err != nil {
					return fmt.Errorf("test image %s: %w", img.ID, err)
				}
				return nil
			})
		}
		return g.Wait()
	})
	if err != nil {
		return TestObservations{}, err
	}
	if obs.Len() < opts.NumTest {
		log.Warn("stream ended before the requested test size", "requested", opts.NumTest, "read", obs.Len())
	}
	return obs, nil
}

func observe(ctx context.Context, img model.LabeledImage, interp concepts.Interpreter, clf concepts.Classifier, perImage int, obs *TestObservations, i int) error {
	counts, err := concepts.CountConcepts(ctx, interp, img)
	if err != nil {
		return err
	}
	label, err := clf.PredictSingle(ctx, img)
	if err != nil {
		return err
	}
	var perturbations []Perturbation
	for cf, err := range interp.Counterfactuals(ctx, img, true) {
		if err != nil {
			return err
		}
		predicted, err := clf.PredictSingle(ctx, model.LabeledImage{ID: img.ID, Image: cf.Image})
		if err != nil {
			return err
		}
		perturbations = append(perturbations, Perturbation{Counts: cf.Counts, Predicted: predicted})
		if len(perturbations) == perImage {
			break
		}
	}
	obs.Counts[i] = counts
	obs.Predicted[i] = label
	obs.Perturbations[i] = perturbations
	return nil
}
