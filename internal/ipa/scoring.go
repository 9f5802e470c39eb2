package ipa

import (
	"fmt"

	"ipalab/internal/metrics"
)

const (
	ScoreROCAUCOvO  = "roc_auc_ovo"
	ScoreAccuracy   = "accuracy"
	ScoreNegLogLoss = "neg_log_loss"
)

// Scorer rates full-universe probabilities against labels; higher is better.
type Scorer func(yTrue []int, probs [][]float64) (float64, error)

// LookupScorer returns the scorer registered under name. The empty name
// selects the macro one-vs-one AUC.
func LookupScorer(name string) (Scorer, error) {
	switch name {
	case "", ScoreROCAUCOvO:
		return func(y []int, probs [][]float64) (float64, error) {
			return metrics.AUC(y, probs), nil
		}, nil
	case ScoreAccuracy:
		return func(y []int, probs [][]float64) (float64, error) {
			return metrics.Accuracy(y, probs), nil
		}, nil
	case ScoreNegLogLoss:
		return func(y []int, probs [][]float64) (float64, error) {
			loss, err := metrics.LogLoss(y, probs)
			return -loss, err
		}, nil
	default:
		return nil, fmt.Errorf("ipa: unknown scoring %q", name)
	}
}
