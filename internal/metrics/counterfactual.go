package metrics

import (
	"fmt"
	"math"
)

// CounterfactualSample is one perturbed held-out image: the surrogate's
// probabilities for its concept counts, the classifier's prediction on the
// perturbed image and its prediction on the original.
type CounterfactualSample struct {
	Probs     []float64
	Predicted int
	Original  int
}

// CounterfactualTopK measures how often the surrogate's top k contain the
// classifier's prediction under perturbation, overall and restricted to the
// perturbations that changed the classifier's prediction.
func CounterfactualTopK(samples []CounterfactualSample, k int) map[string]float64 {
	var hits, changed, changedHits int
	for _, s := range samples {
		hit := false
		for _, c := range TopK(s.Probs, k) {
			if c == s.Predicted {
				hit = true
				break
			}
		}
		if hit {
			hits++
		}
		if s.Predicted != s.Original {
			changed++
			if hit {
				changedHits++
			}
		}
	}
	ratio := func(a, b int) float64 {
		if b == 0 {
			return math.NaN()
		}
		return float64(a) / float64(b)
	}
	return map[string]float64{
		fmt.Sprintf("cf_top_%d_acc", k):         ratio(hits, len(samples)),
		fmt.Sprintf("cf_changed_top_%d_acc", k): ratio(changedHits, changed),
		"cf_samples":                            float64(len(samples)),
		"cf_changed_samples":                    float64(changed),
	}
}
