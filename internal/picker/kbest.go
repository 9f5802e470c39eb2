package picker

import (
	"fmt"
	"math"
	"sort"

	"ipalab/internal/hyper"
)

const DefaultK = 10

// SelectKBest keeps the K columns with the highest chi-squared statistic
// against the class labels. K <= 0 keeps every column; K larger than the
// column count is clamped.
type SelectKBest struct {
	K int

	scores  []float64
	support []int
	fitted  bool
}

func (s *SelectKBest) String() string {
	return fmt.Sprintf("%s(k=%d)", KindSelectKBest, s.K)
}

func (s *SelectKBest) SetParams(params map[string]any) error {
	for k, v := range params {
		switch k {
		case "k":
			if str, ok := v.(string); ok && str == "all" {
				s.K = 0
				continue
			}
			n, err := hyper.Int(v)
			if err != nil {
				return fmt.Errorf("pick_agnostic.k: %w", err)
			}
			s.K = n
		default:
			return fmt.Errorf("pick_agnostic.%s: unknown parameter", k)
		}
	}
	return nil
}

func (s *SelectKBest) Clone() Picker {
	return &SelectKBest{K: s.K}
}

// Scores returns the chi-squared statistic per column of the last fit.
func (s *SelectKBest) Scores() []float64 {
	return s.scores
}

func (s *SelectKBest) Fit(x [][]float64, y []int) error {
	if len(x) != len(y) {
		return fmt.Errorf("select_k_best: %d rows, %d labels", len(x), len(y))
	}
	numFeatures := 0
	if len(x) > 0 {
		numFeatures = len(x[0])
	}
	s.scores = chi2(x, y, numFeatures)

	k := s.K
	if k <= 0 || k > numFeatures {
		k = numFeatures
	}
	// stable ascending sort of cleaned scores, keep the last k
	order := make([]int, numFeatures)
	for i := range order {
		order[i] = i
	}
	cleaned := make([]float64, numFeatures)
	for i, v := range s.scores {
		cleaned[i] = v
		if math.IsNaN(v) {
			cleaned[i] = -math.MaxFloat64
		}
	}
	sort.SliceStable(order, func(a, b int) bool { return cleaned[order[a]] < cleaned[order[b]] })
	support := append([]int(nil), order[numFeatures-k:]...)
	sort.Ints(support)
	s.support = support
	s.fitted = true
	return nil
}

func (s *SelectKBest) Transform(x [][]float64) ([][]float64, error) {
	if !s.fitted {
		return nil, ErrNotFitted
	}
	out := make([][]float64, len(x))
	for i, row := range x {
		kept := make([]float64, len(s.support))
		for j, c := range s.support {
			kept[j] = row[c]
		}
		out[i] = kept
	}
	return out, nil
}

func (s *SelectKBest) Support() ([]int, bool) {
	return s.support, true
}

// chi2 compares observed per-class feature sums against the sums expected
// from class frequencies. Features that are zero everywhere score NaN.
func chi2(x [][]float64, y []int, numFeatures int) []float64 {
	classIndex := map[int]int{}
	var classes []int
	for _, c := range y {
		if _, ok := classIndex[c]; !ok {
			classIndex[c] = 0
			classes = append(classes, c)
		}
	}
	sort.Ints(classes)
	for i, c := range classes {
		classIndex[c] = i
	}

	observed := make([][]float64, len(classes))
	for i := range observed {
		observed[i] = make([]float64, numFeatures)
	}
	featureTotals := make([]float64, numFeatures)
	classFreq := make([]float64, len(classes))
	for i, row := range x {
		ci := classIndex[y[i]]
		classFreq[ci]++
		for j, v := range row {
			observed[ci][j] += v
			featureTotals[j] += v
		}
	}

	scores := make([]float64, numFeatures)
	n := float64(len(y))
	for j := 0; j < numFeatures; j++ {
		var stat float64
		for ci := range classes {
			expected := classFreq[ci] / n * featureTotals[j]
			diff := observed[ci][j] - expected
			stat += diff * diff / expected
		}
		scores[j] = stat
	}
	return scores
}
