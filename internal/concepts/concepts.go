// Package concepts defines the collaborators an IPA run consumes: the
// black-box classifier, the interpreter that finds concept masks, and the
// explainer that decides which concept instances influence a prediction.
package concepts

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"ipalab/internal/corpus"
	"ipalab/internal/model"
)

var (
	ErrNotCalibrated = errors.New("explainer is not calibrated")
	// ErrNoConcepts is returned by interpreters configured to fail on images
	// they know nothing about.
	ErrNoConcepts     = errors.New("no concepts known for image")
	ErrUnknownConcept = errors.New("unknown concept id")
)

// Classifier is the model being approximated.
type Classifier interface {
	Name() string
	NumClasses() int
	// PredictProba returns one probability row of length NumClasses per image.
	PredictProba(ctx context.Context, images []model.Image) ([][]float64, error)
	PredictSingle(ctx context.Context, image model.LabeledImage) (int, error)
}

type ConceptMask struct {
	ConceptID int
	Mask      model.Mask
}

// Counterfactual is a perturbed image together with the concept counts the
// interpreter expects for it.
type Counterfactual struct {
	Counts  []int
	Image   model.Image
	Removed int
}

// Interpreter maps images to concept instances.
type Interpreter interface {
	fmt.Stringer
	Concepts() []string
	MaxPerturbedArea() float64
	MaxConceptOverlap() float64
	Interpret(ctx context.Context, image model.LabeledImage) ([]ConceptMask, error)
	// Counterfactuals lazily yields perturbed versions of image. With
	// shuffle the order is randomized deterministically per image.
	Counterfactuals(ctx context.Context, image model.LabeledImage, shuffle bool) iter.Seq2[Counterfactual, error]
}

// Identifier is implemented by interpreters whose masks depend on more than
// their name.
type Identifier interface {
	Identity() string
}

// Identity returns interp's Identity, or its String when it has none.
func Identity(interp Interpreter) string {
	if id, ok := interp.(Identifier); ok {
		return id.Identity()
	}
	return interp.String()
}

type InfluentialConcept struct {
	ConceptID   int
	Mask        model.Mask
	Influential bool
}

// Explainer is a calibratable attribution method ("type 2" explainer). After
// calibration Explain must be safe for concurrent use.
type Explainer interface {
	fmt.Stringer
	Classifier() Classifier
	Interpreter() Interpreter
	Calibrate(ctx context.Context, images corpus.Stream) error
	Calibrated() bool
	Explain(ctx context.Context, image model.LabeledImage) ([]InfluentialConcept, error)
	Stats() model.Floats
}

// Counts turns concept ids into a count vector of length numConcepts.
func Counts(ids []int, numConcepts int) ([]int, error) {
	out := make([]int, numConcepts)
	for _, id := range ids {
		if id < 0 || id >= numConcepts {
			return nil, fmt.Errorf("%w: %d of %d", ErrUnknownConcept, id, numConcepts)
		}
		out[id]++
	}
	return out, nil
}

// CountConcepts interprets image and counts the instances per concept.
func CountConcepts(ctx context.Context, interp Interpreter, image model.LabeledImage) ([]int, error) {
	masks, err := interp.Interpret(ctx, image)
	if err != nil {
		return nil, err
	}
	ids := make([]int, len(masks))
	for i, m := range masks {
		ids[i] = m.ConceptID
	}
	return Counts(ids, len(interp.Concepts()))
}

// ClassIDs returns 0..n-1.
func ClassIDs(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}
