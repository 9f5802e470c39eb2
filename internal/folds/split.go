package folds

import "fmt"

// Split is one train/test partition of positions 0..n-1.
type Split struct {
	Train []int
	Test  []int
}

// Splits partitions the included observations, whose labels are given in
// included order, according to the plan. Splits are deterministic; there is
// no shuffling.
func (p Plan) Splits(labels []int) ([]Split, error) {
	if want := len(p.Included()); len(labels) != want {
		return nil, fmt.Errorf("%w: %d labels, %d included", ErrLabelCount, len(labels), want)
	}
	if len(labels) < p.Folds {
		return nil, fmt.Errorf("%w: %d observations, %d folds", ErrTooFewObservations, len(labels), p.Folds)
	}
	var testFold []int
	switch p.Strategy {
	case StratifiedKFold:
		testFold = stratifiedTestFolds(labels, p.Folds)
	default:
		testFold = contiguousTestFolds(len(labels), p.Folds)
	}
	return splitsFromTestFolds(testFold, p.Folds), nil
}

// contiguousTestFolds assigns consecutive runs to folds; the first n%k
// folds are one element larger.
func contiguousTestFolds(n, k int) []int {
	out := make([]int, n)
	pos := 0
	for f := 0; f < k; f++ {
		size := n / k
		if f < n%k {
			size++
		}
		for i := 0; i < size; i++ {
			out[pos] = f
			pos++
		}
	}
	return out
}

// stratifiedTestFolds spreads every class over the folds as evenly as
// possible. Classes are encoded in order of first appearance, the sorted
// encoded labels are dealt round robin to compute per fold allocations,
// and each class then fills folds in order.
func stratifiedTestFolds(labels []int, k int) []int {
	code := make(map[int]int)
	encoded := make([]int, len(labels))
	for i, l := range labels {
		c, ok := code[l]
		if !ok {
			c = len(code)
			code[l] = c
		}
		encoded[i] = c
	}
	numClasses := len(code)

	counts := make([]int, numClasses)
	for _, c := range encoded {
		counts[c]++
	}
	order := make([]int, 0, len(encoded))
	for c, n := range counts {
		for i := 0; i < n; i++ {
			order = append(order, c)
		}
	}
	allocation := make([][]int, k)
	for f := 0; f < k; f++ {
		allocation[f] = make([]int, numClasses)
		for i := f; i < len(order); i += k {
			allocation[f][order[i]]++
		}
	}

	out := make([]int, len(labels))
	for c := 0; c < numClasses; c++ {
		var foldsForClass []int
		for f := 0; f < k; f++ {
			for i := 0; i < allocation[f][c]; i++ {
				foldsForClass = append(foldsForClass, f)
			}
		}
		next := 0
		for i, e := range encoded {
			if e == c {
				out[i] = foldsForClass[next]
				next++
			}
		}
	}
	return out
}

func splitsFromTestFolds(testFold []int, k int) []Split {
	out := make([]Split, k)
	for i, f := range testFold {
		for s := range out {
			if s == f {
				out[s].Test = append(out[s].Test, i)
			} else {
				out[s].Train = append(out[s].Train, i)
			}
		}
	}
	return out
}
