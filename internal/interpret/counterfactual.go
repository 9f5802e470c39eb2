// Package interpret provides the concept interpreters: ground truth object
// boxes and perceivable colors.
package interpret

import (
	"context"
	"fmt"
	"iter"
	"math/rand/v2"

	"github.com/dgryski/go-spooky"

	"ipalab/internal/concepts"
	"ipalab/internal/model"
)

// Perturbation settings shared by the interpreters.
type Perturbation struct {
	// MaxPerturbedArea is the largest image share a removed concept may
	// cover.
	MaxPerturbedArea float64 `yaml:"max_perturbed_area" json:"max_perturbed_area" validate:"gte=0,lte=1"`
	// MaxConceptOverlap is the largest share of a removed concept's mask
	// that may be covered by other concepts.
	MaxConceptOverlap float64 `yaml:"max_concept_overlap" json:"max_concept_overlap" validate:"gte=0,lte=1"`
	RandomState       int64   `yaml:"random_state" json:"random_state"`
}

func DefaultPerturbation() Perturbation {
	return Perturbation{MaxPerturbedArea: 0.6, MaxConceptOverlap: 0.4, RandomState: 42}
}

func (p Perturbation) identity() string {
	return fmt.Sprintf("max_perturbed_area=%g,max_concept_overlap=%g,random_state=%d", p.MaxPerturbedArea, p.MaxConceptOverlap, p.RandomState)
}

var removalFill = [3]byte{127, 127, 127}

// counterfactuals removes one concept instance per yielded item by painting
// its mask grey. Instances that are too large or overlap other concepts too
// much are skipped.
func counterfactuals(ctx context.Context, interp concepts.Interpreter, p Perturbation, image model.LabeledImage, shuffle bool) iter.Seq2[concepts.Counterfactual, error] {
	return func(yield func(concepts.Counterfactual, error) bool) {
		masks, err := interp.Interpret(ctx, image)
		if err != nil {
			yield(concepts.Counterfactual{}, err)
			return
		}
		ids := make([]int, len(masks))
		for i, m := range masks {
			ids[i] = m.ConceptID
		}
		counts, err := concepts.Counts(ids, len(interp.Concepts()))
		if err != nil {
			yield(concepts.Counterfactual{}, err)
			return
		}

		order := make([]int, len(masks))
		for i := range order {
			order[i] = i
		}
		if shuffle {
			rng := rand.New(rand.NewPCG(uint64(p.RandomState), spooky.Hash64([]byte(image.ID))))
			rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
		}

		for _, i := range order {
			if ctx.Err() != nil {
				yield(concepts.Counterfactual{}, ctx.Err())
				return
			}
			m := masks[i].Mask
			area := m.Area()
			if area == 0 || m.Fraction() > p.MaxPerturbedArea {
				continue
			}
			if maxOverlap(masks, i)/float64(area) > p.MaxConceptOverlap {
				continue
			}
			perturbed := image.Image.Clone()
			m.Fill(perturbed, removalFill[0], removalFill[1], removalFill[2])
			cf := append([]int(nil), counts...)
			cf[masks[i].ConceptID]--
			if !yield(concepts.Counterfactual{Counts: cf, Image: perturbed, Removed: masks[i].ConceptID}, nil) {
				return
			}
		}
	}
}

func maxOverlap(masks []concepts.ConceptMask, i int) float64 {
	best := 0
	for j := range masks {
		if j == i {
			continue
		}
		if o := masks[i].Mask.Overlap(masks[j].Mask); o > best {
			best = o
		}
	}
	return float64(best)
}
