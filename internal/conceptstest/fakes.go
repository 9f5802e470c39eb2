// Package conceptstest provides deterministic classifier, interpreter and
// explainer fakes for tests.
//
// Images are split into horizontal bands, one per concept. Concept k is
// present when the red channel of band k's first pixel is non-zero. The
// classifier predicts the lowest present concept id modulo the number of
// classes, and class 0 when nothing is present.
package conceptstest

import (
	"context"
	"fmt"
	"iter"
	"sync"
	"sync/atomic"

	"ipalab/internal/concepts"
	"ipalab/internal/corpus"
	"ipalab/internal/model"
)

// Image draws an image of the given size with the listed concepts present.
func Image(height, width, numConcepts int, present ...int) model.Image {
	img := model.NewImage(height, width)
	for _, k := range present {
		lo, hi := band(height, numConcepts, k)
		for y := lo; y < hi; y++ {
			for x := 0; x < width; x++ {
				img.Set(y, x, 200, 10, 10)
			}
		}
	}
	return img
}

func band(height, numConcepts, k int) (int, int) {
	size := height / numConcepts
	return k * size, (k + 1) * size
}

func present(img model.Image, numConcepts int) []int {
	var out []int
	for k := 0; k < numConcepts; k++ {
		lo, hi := band(img.Height, numConcepts, k)
		if hi > lo {
			if r, _, _ := img.At(lo, 0); r != 0 {
				out = append(out, k)
			}
		}
	}
	return out
}

type Interpreter struct {
	Names   []string
	MaxArea float64
	Calls   atomic.Int64
}

func NewInterpreter(numConcepts int) *Interpreter {
	names := make([]string, numConcepts)
	for i := range names {
		names[i] = fmt.Sprintf("c%d", i)
	}
	return &Interpreter{Names: names, MaxArea: 1}
}

func (i *Interpreter) String() string             { return "bands" }
func (i *Interpreter) Concepts() []string         { return i.Names }
func (i *Interpreter) MaxPerturbedArea() float64  { return i.MaxArea }
func (i *Interpreter) MaxConceptOverlap() float64 { return 0 }

func (i *Interpreter) Interpret(_ context.Context, image model.LabeledImage) ([]concepts.ConceptMask, error) {
	i.Calls.Add(1)
	var out []concepts.ConceptMask
	for _, k := range present(image.Image, len(i.Names)) {
		mask := model.NewMask(image.Image.Height, image.Image.Width)
		lo, hi := band(image.Image.Height, len(i.Names), k)
		for y := lo; y < hi; y++ {
			for x := 0; x < image.Image.Width; x++ {
				mask.Set(y, x, true)
			}
		}
		out = append(out, concepts.ConceptMask{ConceptID: k, Mask: mask})
	}
	return out, nil
}

// Counterfactuals removes present concepts one at a time, highest id first
// when shuffle is set and lowest first otherwise.
func (i *Interpreter) Counterfactuals(ctx context.Context, image model.LabeledImage, shuffle bool) iter.Seq2[concepts.Counterfactual, error] {
	return func(yield func(concepts.Counterfactual, error) bool) {
		masks, err := i.Interpret(ctx, image)
		if err != nil {
			yield(concepts.Counterfactual{}, err)
			return
		}
		ids := make([]int, len(masks))
		for j, m := range masks {
			ids[j] = m.ConceptID
		}
		counts, err := concepts.Counts(ids, len(i.Names))
		if err != nil {
			yield(concepts.Counterfactual{}, err)
			return
		}
		order := make([]int, len(masks))
		for j := range order {
			order[j] = j
			if shuffle {
				order[j] = len(masks) - 1 - j
			}
		}
		for _, j := range order {
			perturbed := image.Image.Clone()
			masks[j].Mask.Fill(perturbed, 0, 0, 0)
			cf := append([]int(nil), counts...)
			cf[masks[j].ConceptID]--
			if !yield(concepts.Counterfactual{Counts: cf, Image: perturbed, Removed: masks[j].ConceptID}, nil) {
				return
			}
		}
	}
}

type Classifier struct {
	Classes     int
	NumConcepts int
}

func (c *Classifier) Name() string    { return fmt.Sprintf("bands-%d", c.Classes) }
func (c *Classifier) NumClasses() int { return c.Classes }

func (c *Classifier) Predict(img model.Image) int {
	p := present(img, c.NumConcepts)
	if len(p) == 0 {
		return 0
	}
	return p[0] % c.Classes
}

func (c *Classifier) PredictProba(_ context.Context, images []model.Image) ([][]float64, error) {
	out := make([][]float64, len(images))
	for i, img := range images {
		row := make([]float64, c.Classes)
		rest := 0.2 / float64(c.Classes-1)
		for j := range row {
			row[j] = rest
		}
		row[c.Predict(img)] = 0.8
		out[i] = row
	}
	return out, nil
}

func (c *Classifier) PredictSingle(_ context.Context, image model.LabeledImage) (int, error) {
	return c.Predict(image.Image), nil
}

// Explainer flags every instance of the concepts in Influential.
type Explainer struct {
	Interp      *Interpreter
	Clf         *Classifier
	Influential map[int]bool

	mu         sync.Mutex
	calibrated bool
	explained  int
}

func (e *Explainer) String() string                    { return "fixed_influence" }
func (e *Explainer) Classifier() concepts.Classifier   { return e.Clf }
func (e *Explainer) Interpreter() concepts.Interpreter { return e.Interp }

func (e *Explainer) Calibrate(ctx context.Context, images corpus.Stream) error {
	if _, err := corpus.Collect(ctx, images); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calibrated = true
	return nil
}

func (e *Explainer) Calibrated() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calibrated
}

func (e *Explainer) Explain(ctx context.Context, image model.LabeledImage) ([]concepts.InfluentialConcept, error) {
	if !e.Calibrated() {
		return nil, concepts.ErrNotCalibrated
	}
	masks, err := e.Interp.Interpret(ctx, image)
	if err != nil {
		return nil, err
	}
	out := make([]concepts.InfluentialConcept, len(masks))
	for i, m := range masks {
		out[i] = concepts.InfluentialConcept{ConceptID: m.ConceptID, Mask: m.Mask, Influential: e.Influential[m.ConceptID]}
	}
	e.mu.Lock()
	e.explained++
	e.mu.Unlock()
	return out, nil
}

func (e *Explainer) Stats() model.Floats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return model.Floats{"explained_images": float64(e.explained)}
}

// New wires the three fakes together. The explainer starts calibrated.
func New(numConcepts, numClasses int, influential ...int) *Explainer {
	set := make(map[int]bool, len(influential))
	for _, k := range influential {
		set[k] = true
	}
	return &Explainer{
		Interp:      NewInterpreter(numConcepts),
		Clf:         &Classifier{Classes: numClasses, NumConcepts: numConcepts},
		Influential: set,
		calibrated:  true,
	}
}

// Sample builds labeled images, one per entry of present.
func Sample(height, width, numConcepts int, present [][]int) []model.LabeledImage {
	out := make([]model.LabeledImage, len(present))
	for i, p := range present {
		out[i] = model.LabeledImage{ID: fmt.Sprintf("img-%03d", i), Image: Image(height, width, numConcepts, p...)}
	}
	return out
}
