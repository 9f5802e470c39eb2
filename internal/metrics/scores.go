package metrics

import (
	"fmt"
	"math"
	"sort"
)

const logLossEps = 1e-15

// LogLoss is the mean negative log-likelihood of yTrue under probs, whose
// columns are classes 0..len(row)-1. Rows are clipped to [eps, 1-eps] and
// renormalized.
func LogLoss(yTrue []int, probs [][]float64) (float64, error) {
	if len(yTrue) != len(probs) {
		return math.NaN(), fmt.Errorf("%w: %d labels, %d rows", ErrShape, len(yTrue), len(probs))
	}
	if len(yTrue) == 0 {
		return math.NaN(), nil
	}
	total := 0.0
	for i, row := range probs {
		if yTrue[i] < 0 || yTrue[i] >= len(row) {
			return math.NaN(), fmt.Errorf("%w: label %d outside %d columns", ErrShape, yTrue[i], len(row))
		}
		sum := 0.0
		clipped := make([]float64, len(row))
		for j, p := range row {
			clipped[j] = math.Min(math.Max(p, logLossEps), 1-logLossEps)
			sum += clipped[j]
		}
		total -= math.Log(clipped[yTrue[i]] / sum)
	}
	return total / float64(len(yTrue)), nil
}

// ROCAUC is the area under the ROC curve of scores for the positive labels.
// Tied scores share their average rank. It returns NaN unless both
// classes are present.
func ROCAUC(positive []bool, scores []float64) float64 {
	if len(positive) != len(scores) {
		return math.NaN()
	}
	ranks := averageRanks(scores)
	var nPos, nNeg int
	var rankSum float64
	for i, p := range positive {
		if p {
			nPos++
			rankSum += ranks[i]
		} else {
			nNeg++
		}
	}
	if nPos == 0 || nNeg == 0 {
		return math.NaN()
	}
	return (rankSum - float64(nPos)*float64(nPos+1)/2) / (float64(nPos) * float64(nNeg))
}

func averageRanks(values []float64) []float64 {
	idx := make([]int, len(values))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return values[idx[a]] < values[idx[b]] })
	ranks := make([]float64, len(values))
	for i := 0; i < len(idx); {
		j := i
		for j+1 < len(idx) && values[idx[j+1]] == values[idx[i]] {
			j++
		}
		avg := float64(i+j)/2 + 1
		for k := i; k <= j; k++ {
			ranks[idx[k]] = avg
		}
		i = j + 1
	}
	return ranks
}

// BinaryAUC scores class 1 probabilities against 0/1 labels.
func BinaryAUC(yTrue []int, positive []float64) float64 {
	labels := make([]bool, len(yTrue))
	for i, y := range yTrue {
		labels[i] = y == 1
	}
	return ROCAUC(labels, positive)
}

// MacroOvOAUC averages the pairwise AUC of Hand and Till over every pair of
// classes present in yTrue. Absent classes are skipped; with fewer than two
// present classes the result is NaN.
func MacroOvOAUC(yTrue []int, probs [][]float64) float64 {
	if len(yTrue) != len(probs) || len(probs) == 0 {
		return math.NaN()
	}
	present := map[int]bool{}
	for _, y := range yTrue {
		present[y] = true
	}
	classes := make([]int, 0, len(present))
	for c := range present {
		if c >= 0 && c < len(probs[0]) {
			classes = append(classes, c)
		}
	}
	sort.Ints(classes)
	if len(classes) < 2 {
		return math.NaN()
	}

	total, pairs := 0.0, 0
	for a := 0; a < len(classes); a++ {
		for b := a + 1; b < len(classes); b++ {
			ca, cb := classes[a], classes[b]
			var labels []bool
			var sa, sb []float64
			for i, y := range yTrue {
				if y != ca && y != cb {
					continue
				}
				labels = append(labels, y == ca)
				sa = append(sa, probs[i][ca])
				sb = append(sb, probs[i][cb])
			}
			inverted := make([]bool, len(labels))
			for i, l := range labels {
				inverted[i] = !l
			}
			total += (ROCAUC(labels, sa) + ROCAUC(inverted, sb)) / 2
			pairs++
		}
	}
	return total / float64(pairs)
}

// AUC picks the binary statistic for two-class universes and the macro
// one-vs-one statistic otherwise. probs spans the full class universe.
func AUC(yTrue []int, probs [][]float64) float64 {
	if positive, ok := Collapse(probs); ok {
		return BinaryAUC(yTrue, positive)
	}
	return MacroOvOAUC(yTrue, probs)
}

// TopK returns the k columns with the highest values, lower index first on
// ties.
func TopK(row []float64, k int) []int {
	idx := make([]int, len(row))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return row[idx[a]] > row[idx[b]] })
	if k > len(idx) {
		k = len(idx)
	}
	return idx[:k]
}

// TopKAccuracy is the share of rows whose label is among the k most
// probable columns.
func TopKAccuracy(yTrue []int, probs [][]float64, k int) float64 {
	if len(yTrue) == 0 || len(yTrue) != len(probs) {
		return math.NaN()
	}
	hits := 0
	for i, row := range probs {
		for _, c := range TopK(row, k) {
			if c == yTrue[i] {
				hits++
				break
			}
		}
	}
	return float64(hits) / float64(len(yTrue))
}

// Accuracy is TopKAccuracy with k = 1.
func Accuracy(yTrue []int, probs [][]float64) float64 {
	return TopKAccuracy(yTrue, probs, 1)
}
