// Package ipa implements Interpret-Pick-Approximate: the concept influence
// selector, a model-agnostic picker and a surrogate trainer composed into one
// pipeline, fitted by cross-validated grid search on classifier labels.
package ipa

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"ipalab/internal/corpus"
	"ipalab/internal/picker"
	"ipalab/internal/selector"
	"ipalab/internal/surrogate"
)

var (
	ErrEmptyPopulation = errors.New("ipa: no observations left to fit")
	ErrUnknownParam    = errors.New("ipa: unknown parameter")
)

// Stage names, used as prefixes of grid parameters ("approximate.max_depth").
const (
	StageInterpretPick = "interpret_pick"
	StagePickAgnostic  = "pick_agnostic"
	StageApproximate   = "approximate"
)

// Pipeline is the three stage IPA estimator.
type Pipeline struct {
	Selector  *selector.Selector
	Picker    picker.Picker
	Surrogate surrogate.Model
}

// Clone returns an unfitted pipeline with the same hyperparameters.
func (p *Pipeline) Clone() *Pipeline {
	return &Pipeline{
		Selector:  p.Selector.Clone(),
		Picker:    p.Picker.Clone(),
		Surrogate: p.Surrogate.Clone(),
	}
}

// SetParams routes "stage.param" keys to the matching stage.
func (p *Pipeline) SetParams(params map[string]any) error {
	byStage := map[string]map[string]any{}
	for key, v := range params {
		stage, name, ok := strings.Cut(key, ".")
		if !ok {
			return fmt.Errorf("%w: %q has no stage prefix", ErrUnknownParam, key)
		}
		if byStage[stage] == nil {
			byStage[stage] = map[string]any{}
		}
		byStage[stage][name] = v
	}
	for stage, values := range byStage {
		var err error
		switch stage {
		case StageInterpretPick:
			err = p.Selector.SetParams(values)
		case StagePickAgnostic:
			err = p.Picker.SetParams(values)
		case StageApproximate:
			err = p.Surrogate.SetParams(values)
		default:
			err = fmt.Errorf("%w: stage %q", ErrUnknownParam, stage)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// Fit fits all stages on images labeled y.
func (p *Pipeline) Fit(ctx context.Context, images *corpus.Corpus, y []int) error {
	if images.Len() != len(y) {
		return fmt.Errorf("ipa: %d images, %d labels", images.Len(), len(y))
	}
	x, err := p.Selector.FitTransform(ctx, images)
	if err != nil {
		return fmt.Errorf("%s: %w", StageInterpretPick, err)
	}
	if err := p.Picker.Fit(x, y); err != nil {
		return fmt.Errorf("%s: %w", StagePickAgnostic, err)
	}
	if x, err = p.Picker.Transform(x); err != nil {
		return fmt.Errorf("%s: %w", StagePickAgnostic, err)
	}
	if err := p.Surrogate.Fit(x, y); err != nil {
		return fmt.Errorf("%s: %w", StageApproximate, err)
	}
	return nil
}

// PredictProba interprets images and returns surrogate probabilities with a
// column per Classes entry.
func (p *Pipeline) PredictProba(ctx context.Context, images *corpus.Corpus) ([][]float64, error) {
	x, err := p.Selector.Transform(ctx, images)
	if err != nil {
		return nil, err
	}
	return p.predictFeatures(x)
}

// PredictCounts predicts from full concept count vectors, skipping
// interpretation.
func (p *Pipeline) PredictCounts(counts [][]int) ([][]float64, error) {
	x, err := p.Selector.Project(counts)
	if err != nil {
		return nil, err
	}
	return p.predictFeatures(x)
}

func (p *Pipeline) predictFeatures(x [][]float64) ([][]float64, error) {
	x, err := p.Picker.Transform(x)
	if err != nil {
		return nil, err
	}
	return p.Surrogate.PredictProba(x)
}

// Classes are the labels the surrogate was trained on.
func (p *Pipeline) Classes() []int {
	return p.Surrogate.Classes()
}

// PickedConcepts returns the concept ids feeding the surrogate after both
// picking stages.
func (p *Pipeline) PickedConcepts() ([]int, error) {
	state, ok := p.Selector.State()
	if !ok {
		return nil, selector.ErrNotFitted
	}
	support, drops := p.Picker.Support()
	if !drops {
		return append([]int(nil), state.Picked...), nil
	}
	out := make([]int, len(support))
	for i, s := range support {
		out[i] = state.Picked[s]
	}
	return out, nil
}
