// Package explain provides concept-level attribution ("type 2" explainers).
package explain

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"

	"ipalab/internal/concepts"
	"ipalab/internal/corpus"
	"ipalab/internal/logging"
	"ipalab/internal/metrics"
	"ipalab/internal/model"
	"ipalab/internal/stats"
)

const DefaultQuantileLevel = 0.8

// Occlusion attributes a prediction to a concept instance by the drop in
// the predicted class probability when the instance's mask is greyed out.
// Calibration picks the influence threshold as a quantile of the positive
// drops observed on calibration images.
type Occlusion struct {
	clf           concepts.Classifier
	interp        concepts.Interpreter
	quantileLevel float64
	logger        *logging.Logger

	mu         sync.RWMutex
	calibrated bool
	threshold  float64

	statsMu      sync.Mutex
	influenceSum float64
	instances    int
	influential  int
	images       int
}

func NewOcclusion(clf concepts.Classifier, interp concepts.Interpreter, quantileLevel float64, logger *logging.Logger) *Occlusion {
	if quantileLevel <= 0 || quantileLevel > 1 {
		quantileLevel = DefaultQuantileLevel
	}
	return &Occlusion{clf: clf, interp: interp, quantileLevel: quantileLevel, logger: logger}
}

func (o *Occlusion) String() string {
	return fmt.Sprintf("occlusion(quantile=%g)", o.quantileLevel)
}

func (o *Occlusion) Classifier() concepts.Classifier   { return o.clf }
func (o *Occlusion) Interpreter() concepts.Interpreter { return o.interp }

func (o *Occlusion) Calibrated() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.calibrated
}

// Threshold is the calibrated influence threshold.
func (o *Occlusion) Threshold() float64 {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.threshold
}

func (o *Occlusion) Calibrate(ctx context.Context, images corpus.Stream) error {
	log, done := logging.Or(o.logger).Task("Calibrating occlusion threshold...")
	defer done()

	var positive []float64
	n := 0
	for {
		img, err := images.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		n++
		_, influences, err := o.influences(ctx, img)
		if err != nil {
			return fmt.Errorf("calibrate on %s: %w", img.ID, err)
		}
		for _, v := range influences {
			if v > 0 {
				positive = append(positive, v)
			}
		}
	}

	threshold := 0.0
	if len(positive) > 0 {
		threshold = stats.Quantile(positive, o.quantileLevel)
	}
	o.mu.Lock()
	o.threshold = threshold
	o.calibrated = true
	o.mu.Unlock()

	o.statsMu.Lock()
	o.influenceSum, o.instances, o.influential, o.images = 0, 0, 0, 0
	o.statsMu.Unlock()

	log.Item("Calibrated", "images", n, "positive_influences", len(positive), "threshold", threshold)
	return nil
}

// Explain flags an instance as influential when its probability drop is
// positive and reaches the calibrated threshold.
func (o *Occlusion) Explain(ctx context.Context, image model.LabeledImage) ([]concepts.InfluentialConcept, error) {
	if !o.Calibrated() {
		return nil, concepts.ErrNotCalibrated
	}
	threshold := o.Threshold()
	masks, influences, err := o.influences(ctx, image)
	if err != nil {
		return nil, err
	}
	out := make([]concepts.InfluentialConcept, len(masks))
	flagged := 0
	sum := 0.0
	for i, m := range masks {
		inf := influences[i] > 0 && influences[i] >= threshold
		if inf {
			flagged++
		}
		sum += influences[i]
		out[i] = concepts.InfluentialConcept{ConceptID: m.ConceptID, Mask: m.Mask, Influential: inf}
	}

	o.statsMu.Lock()
	o.images++
	o.instances += len(masks)
	o.influential += flagged
	o.influenceSum += sum
	o.statsMu.Unlock()
	return out, nil
}

func (o *Occlusion) Stats() model.Floats {
	o.statsMu.Lock()
	defer o.statsMu.Unlock()
	mean := math.NaN()
	if o.instances > 0 {
		mean = o.influenceSum / float64(o.instances)
	}
	return model.Floats{
		"influence_threshold": o.Threshold(),
		"mean_influence":      mean,
		"explained_images":    float64(o.images),
		"explained_instances": float64(o.instances),
		"influential_flags":   float64(o.influential),
	}
}

func (o *Occlusion) influences(ctx context.Context, image model.LabeledImage) ([]concepts.ConceptMask, []float64, error) {
	masks, err := o.interp.Interpret(ctx, image)
	if err != nil || len(masks) == 0 {
		return nil, nil, err
	}
	batch := make([]model.Image, 0, len(masks)+1)
	batch = append(batch, image.Image)
	for _, m := range masks {
		occluded := image.Image.Clone()
		m.Mask.Fill(occluded, 127, 127, 127)
		batch = append(batch, occluded)
	}
	probs, err := o.clf.PredictProba(ctx, batch)
	if err != nil {
		return nil, nil, err
	}
	if len(probs) != len(batch) {
		return nil, nil, fmt.Errorf("classifier returned %d rows for %d images", len(probs), len(batch))
	}
	pred := metrics.Argmax(probs[0])
	influences := make([]float64, len(masks))
	for i := range masks {
		influences[i] = probs[0][pred] - probs[i+1][pred]
	}
	return masks, influences, nil
}
