package surrogate

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"sort"
	"strings"

	"ipalab/internal/hyper"
)

const KindDecisionTree = "decision_tree"

// Node is a split "x[FeatureIndex] <= Threshold". Children index into Nodes
// or, when the matching IsLeaf flag is set, into Leaves.
type Node struct {
	FeatureIndex int     `json:"feature_index"`
	Threshold    float64 `json:"threshold"`
	LeftChild    int     `json:"left_child"`
	LeftIsLeaf   bool    `json:"left_is_leaf"`
	RightChild   int     `json:"right_child"`
	RightIsLeaf  bool    `json:"right_is_leaf"`
}

// Tree is the flat serialized form. A tree without nodes is the single
// leaf Leaves[0].
type Tree struct {
	Nodes       []Node      `json:"nodes"`
	Leaves      [][]float64 `json:"leaves"`
	Classes     []int       `json:"classes"`
	FeatureSize int         `json:"feature_size"`
	Depth       int         `json:"depth"`
}

// DecisionTree is a gini CART classifier. MaxDepth 0 grows until leaves are
// pure or too small to split.
type DecisionTree struct {
	MaxDepth        int
	MinSamplesLeaf  int
	MinSamplesSplit int
	RandomState     int64

	tree *Tree
}

func NewDecisionTree(randomState int64) *DecisionTree {
	return &DecisionTree{MinSamplesLeaf: 1, MinSamplesSplit: 2, RandomState: randomState}
}

func (d *DecisionTree) SetParams(params map[string]any) error {
	for k, v := range params {
		var err error
		switch k {
		case "max_depth":
			d.MaxDepth, err = hyper.OptionalInt(v)
		case "min_samples_leaf":
			d.MinSamplesLeaf, err = hyper.Int(v)
		case "min_samples_split":
			d.MinSamplesSplit, err = hyper.Int(v)
		case "random_state":
			var n int
			n, err = hyper.Int(v)
			d.RandomState = int64(n)
		default:
			err = fmt.Errorf("unknown parameter")
		}
		if err != nil {
			return fmt.Errorf("approximate.%s: %w", k, err)
		}
	}
	if d.MinSamplesLeaf < 1 || d.MinSamplesSplit < 2 || d.MaxDepth < 0 {
		return fmt.Errorf("approximate: invalid tree parameters %+v", d.Params())
	}
	return nil
}

func (d *DecisionTree) Params() map[string]any {
	return map[string]any{
		"max_depth":         d.MaxDepth,
		"min_samples_leaf":  d.MinSamplesLeaf,
		"min_samples_split": d.MinSamplesSplit,
	}
}

func (d *DecisionTree) Clone() Model {
	return &DecisionTree{
		MaxDepth:        d.MaxDepth,
		MinSamplesLeaf:  d.MinSamplesLeaf,
		MinSamplesSplit: d.MinSamplesSplit,
		RandomState:     d.RandomState,
	}
}

func (d *DecisionTree) Classes() []int {
	if d.tree == nil {
		return nil
	}
	return d.tree.Classes
}

// Tree returns the fitted tree.
func (d *DecisionTree) Tree() (*Tree, error) {
	if d.tree == nil {
		return nil, ErrNotFitted
	}
	return d.tree, nil
}

func (d *DecisionTree) Fit(x [][]float64, y []int) error {
	if len(x) == 0 {
		return ErrNoSamples
	}
	if len(x) != len(y) {
		return fmt.Errorf("surrogate: %d rows, %d labels", len(x), len(y))
	}
	b := &treeBuilder{
		x:        x,
		numFeat:  len(x[0]),
		minLeaf:  max(1, d.MinSamplesLeaf),
		minSplit: max(2, d.MinSamplesSplit),
		maxDepth: d.MaxDepth,
		rng:      rand.New(rand.NewPCG(uint64(d.RandomState), 0x1f2e3d4c)),
	}
	b.classes, b.labels = encodeLabels(y)
	b.tree = &Tree{Classes: b.classes, FeatureSize: b.numFeat}

	samples := make([]int, len(x))
	for i := range samples {
		samples[i] = i
	}
	b.grow(samples, 0)
	d.tree = b.tree
	return nil
}

func (d *DecisionTree) PredictProba(x [][]float64) ([][]float64, error) {
	if d.tree == nil {
		return nil, ErrNotFitted
	}
	out := make([][]float64, len(x))
	for i, row := range x {
		if len(row) != d.tree.FeatureSize {
			return nil, fmt.Errorf("surrogate: row %d has %d features, expected %d", i, len(row), d.tree.FeatureSize)
		}
		out[i] = append([]float64(nil), d.tree.leafFor(row)...)
	}
	return out, nil
}

func (t *Tree) leafFor(row []float64) []float64 {
	if len(t.Nodes) == 0 {
		return t.Leaves[0]
	}
	n := t.Nodes[0]
	for {
		if row[n.FeatureIndex] <= n.Threshold {
			if n.LeftIsLeaf {
				return t.Leaves[n.LeftChild]
			}
			n = t.Nodes[n.LeftChild]
		} else {
			if n.RightIsLeaf {
				return t.Leaves[n.RightChild]
			}
			n = t.Nodes[n.RightChild]
		}
	}
}

// NumLeaves and NumNodes count the fitted tree; NumNodes includes leaves.
func (t *Tree) NumLeaves() int { return len(t.Leaves) }
func (t *Tree) NumNodes() int  { return len(t.Nodes) + len(t.Leaves) }

// Describe renders the tree as indented rules, one line per node.
func (t *Tree) Describe(featureNames []string) string {
	var sb strings.Builder
	name := func(i int) string {
		if i < len(featureNames) {
			return featureNames[i]
		}
		return fmt.Sprintf("x[%d]", i)
	}
	var walk func(idx int, leaf bool, depth int)
	walk = func(idx int, leaf bool, depth int) {
		pad := strings.Repeat("|   ", depth)
		if leaf {
			fmt.Fprintf(&sb, "%sclass: %d %v\n", pad, t.Classes[argmax(t.Leaves[idx])], t.Leaves[idx])
			return
		}
		n := t.Nodes[idx]
		fmt.Fprintf(&sb, "%s%s <= %g\n", pad, name(n.FeatureIndex), n.Threshold)
		walk(n.LeftChild, n.LeftIsLeaf, depth+1)
		fmt.Fprintf(&sb, "%s%s >  %g\n", pad, name(n.FeatureIndex), n.Threshold)
		walk(n.RightChild, n.RightIsLeaf, depth+1)
	}
	walk(0, len(t.Nodes) == 0, 0)
	return sb.String()
}

type treeBuilder struct {
	x        [][]float64
	labels   []int
	classes  []int
	numFeat  int
	minLeaf  int
	minSplit int
	maxDepth int
	rng      *rand.Rand
	tree     *Tree
}

// grow adds the subtree for samples and returns its index and kind.
func (b *treeBuilder) grow(samples []int, depth int) (int, bool) {
	dist := b.distribution(samples)
	if depth > b.tree.Depth {
		b.tree.Depth = depth
	}
	feature, threshold, ok := b.bestSplit(samples, dist, depth)
	if !ok {
		b.tree.Leaves = append(b.tree.Leaves, dist)
		return len(b.tree.Leaves) - 1, true
	}

	idx := len(b.tree.Nodes)
	b.tree.Nodes = append(b.tree.Nodes, Node{FeatureIndex: feature, Threshold: threshold})
	var left, right []int
	for _, s := range samples {
		if b.x[s][feature] <= threshold {
			left = append(left, s)
		} else {
			right = append(right, s)
		}
	}
	l, lLeaf := b.grow(left, depth+1)
	r, rLeaf := b.grow(right, depth+1)
	b.tree.Nodes[idx].LeftChild, b.tree.Nodes[idx].LeftIsLeaf = l, lLeaf
	b.tree.Nodes[idx].RightChild, b.tree.Nodes[idx].RightIsLeaf = r, rLeaf
	return idx, false
}

func (b *treeBuilder) distribution(samples []int) []float64 {
	dist := make([]float64, len(b.classes))
	for _, s := range samples {
		dist[b.labels[s]]++
	}
	for i := range dist {
		dist[i] /= float64(len(samples))
	}
	return dist
}

func (b *treeBuilder) bestSplit(samples []int, dist []float64, depth int) (int, float64, bool) {
	if len(samples) < b.minSplit || (b.maxDepth > 0 && depth >= b.maxDepth) {
		return 0, 0, false
	}
	parent := gini(dist)
	if parent == 0 {
		return 0, 0, false
	}

	bestGain := 0.0
	bestFeature, bestThreshold, found := 0, 0.0, false
	n := float64(len(samples))
	sorted := append([]int(nil), samples...)
	for _, f := range b.rng.Perm(b.numFeat) {
		sort.SliceStable(sorted, func(i, j int) bool { return b.x[sorted[i]][f] < b.x[sorted[j]][f] })
		leftCounts := make([]float64, len(b.classes))
		rightCounts := make([]float64, len(b.classes))
		for _, s := range sorted {
			rightCounts[b.labels[s]]++
		}
		for i := 0; i < len(sorted)-1; i++ {
			c := b.labels[sorted[i]]
			leftCounts[c]++
			rightCounts[c]--
			lo, hi := b.x[sorted[i]][f], b.x[sorted[i+1]][f]
			nl := i + 1
			nr := len(sorted) - nl
			if lo == hi || nl < b.minLeaf || nr < b.minLeaf {
				continue
			}
			impurity := float64(nl)/n*giniCounts(leftCounts, nl) + float64(nr)/n*giniCounts(rightCounts, nr)
			if gain := parent - impurity; gain > bestGain+1e-12 {
				bestGain, bestFeature, bestThreshold, found = gain, f, lo+(hi-lo)/2, true
			}
		}
	}
	return bestFeature, bestThreshold, found
}

func gini(dist []float64) float64 {
	g := 1.0
	for _, p := range dist {
		g -= p * p
	}
	return g
}

func giniCounts(counts []float64, n int) float64 {
	g := 1.0
	for _, c := range counts {
		p := c / float64(n)
		g -= p * p
	}
	return g
}

func encodeLabels(y []int) ([]int, []int) {
	seen := map[int]bool{}
	var classes []int
	for _, c := range y {
		if !seen[c] {
			seen[c] = true
			classes = append(classes, c)
		}
	}
	sort.Ints(classes)
	index := make(map[int]int, len(classes))
	for i, c := range classes {
		index[c] = i
	}
	labels := make([]int, len(y))
	for i, c := range y {
		labels[i] = index[c]
	}
	return classes, labels
}

func argmax(v []float64) int {
	best := 0
	for i := range v {
		if v[i] > v[best] {
			best = i
		}
	}
	return best
}

// TreeTrainer creates decision trees and reports their size.
type TreeTrainer struct {
	// Defaults are applied to every created tree before grid parameters.
	Defaults map[string]any
}

func (t *TreeTrainer) String() string {
	if len(t.Defaults) == 0 {
		return KindDecisionTree
	}
	keys := make([]string, 0, len(t.Defaults))
	for k := range t.Defaults {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%v", k, t.Defaults[k])
	}
	return fmt.Sprintf("%s(%s)", KindDecisionTree, strings.Join(parts, ", "))
}

func (t *TreeTrainer) CreatePipeline(randomState int64) Model {
	d := NewDecisionTree(randomState)
	// Defaults were validated by NewTrainer.
	_ = d.SetParams(t.Defaults)
	return d
}

func (t *TreeTrainer) Serialize(m Model) (string, error) {
	tree, err := asTree(m)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(tree)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// LoadTree decodes a serialized tree.
func LoadTree(serial string) (*Tree, error) {
	var tree Tree
	if err := json.Unmarshal([]byte(serial), &tree); err != nil {
		return nil, err
	}
	return &tree, nil
}

func (t *TreeTrainer) ComplexityMetrics(m Model) (map[string]float64, error) {
	tree, err := asTree(m)
	if err != nil {
		return nil, err
	}
	return map[string]float64{
		"depth":    float64(tree.Depth),
		"n_leaves": float64(tree.NumLeaves()),
		"n_nodes":  float64(tree.NumNodes()),
	}, nil
}

func asTree(m Model) (*Tree, error) {
	d, ok := m.(*DecisionTree)
	if !ok {
		return nil, fmt.Errorf("%w: %T is not a decision tree", ErrUnknownTrainer, m)
	}
	return d.Tree()
}
