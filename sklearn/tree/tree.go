// Package tree implements a CART decision tree classifier.
package tree

import (
	"bytes"
	"encoding/gob"
	"math"
	"math/rand/v2"
	"slices"
	"sort"

	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/flowclf/core/model"
	"github.com/YuminosukeSato/flowclf/core/parallel"
	"github.com/YuminosukeSato/flowclf/pkg/errors"
)

const (
	leafFeature      = -1
	impurityEpsilon  = 1e-12
	parallelRowLimit = 4096
)

// node is one entry of the flat node table. Leaves have Feature == -1.
// Value holds the weighted class distribution reaching the node, normalized
// to sum to 1, indexed like the tree's classes.
type node struct {
	Feature   int
	Threshold float64
	Left      int
	Right     int
	Value     []float64
	Weight    float64
	Depth     int
}

// DecisionTreeClassifier is a CART classifier with exact split search.
// Class labels are arbitrary non-negative integer codes.
type DecisionTreeClassifier struct {
	state *model.StateManager

	criterion       string
	maxDepth        int // <= 0 means unlimited
	minSamplesSplit int
	minSamplesLeaf  int
	maxFeatures     int // <= 0 means all features
	randomState     uint64

	classes_            []int
	nClasses_           int
	nFeatures_          int
	nodes               []node
	featureImportances_ []float64
}

// Option configures a DecisionTreeClassifier.
type Option func(*DecisionTreeClassifier)

// WithCriterion sets the split criterion: "gini" or "entropy".
func WithCriterion(criterion string) Option {
	return func(dt *DecisionTreeClassifier) { dt.criterion = criterion }
}

// WithMaxDepth limits the tree depth. Zero or negative means unlimited.
func WithMaxDepth(depth int) Option {
	return func(dt *DecisionTreeClassifier) { dt.maxDepth = depth }
}

// WithMinSamplesSplit sets the minimum number of rows required to split a node.
func WithMinSamplesSplit(n int) Option {
	return func(dt *DecisionTreeClassifier) { dt.minSamplesSplit = n }
}

// WithMinSamplesLeaf sets the minimum number of rows in each leaf.
func WithMinSamplesLeaf(n int) Option {
	return func(dt *DecisionTreeClassifier) { dt.minSamplesLeaf = n }
}

// WithMaxFeatures sets how many features are examined per split. Zero or
// negative means every feature.
func WithMaxFeatures(n int) Option {
	return func(dt *DecisionTreeClassifier) { dt.maxFeatures = n }
}

// WithRandomState seeds the feature sampling.
func WithRandomState(seed uint64) Option {
	return func(dt *DecisionTreeClassifier) { dt.randomState = seed }
}

// NewDecisionTreeClassifier creates a tree with gini impurity, unlimited
// depth, min_samples_split 2 and min_samples_leaf 1.
func NewDecisionTreeClassifier(opts ...Option) *DecisionTreeClassifier {
	dt := &DecisionTreeClassifier{
		state:           model.NewStateManager(),
		criterion:       "gini",
		minSamplesSplit: 2,
		minSamplesLeaf:  1,
	}
	for _, opt := range opts {
		opt(dt)
	}
	return dt
}

func (dt *DecisionTreeClassifier) validate() error {
	if dt.criterion != "gini" && dt.criterion != "entropy" {
		return errors.NewValidationError("criterion", "must be gini or entropy", dt.criterion)
	}
	if dt.minSamplesSplit < 2 {
		return errors.NewValidationError("min_samples_split", "must be at least 2", dt.minSamplesSplit)
	}
	if dt.minSamplesLeaf < 1 {
		return errors.NewValidationError("min_samples_leaf", "must be at least 1", dt.minSamplesLeaf)
	}
	return nil
}

// IsFitted implements model.Estimator.
func (dt *DecisionTreeClassifier) IsFitted() bool {
	return dt.state.IsFitted()
}

// Fit builds the tree from X (n×d) and the class-code column y (n×1).
func (dt *DecisionTreeClassifier) Fit(X, y mat.Matrix) error {
	return dt.FitWeighted(X, y, nil)
}

// FitWeighted builds the tree using per-row weights. Rows with zero weight
// are ignored, which lets a forest pass bootstrap counts instead of copying
// rows. A nil weights slice means every row has weight 1.
func (dt *DecisionTreeClassifier) FitWeighted(X, y mat.Matrix, weights []float64) error {
	if err := dt.validate(); err != nil {
		return err
	}
	rows, cols := X.Dims()
	if rows == 0 || cols == 0 {
		return errors.NewModelError("DecisionTreeClassifier.Fit", "empty data", errors.ErrEmptyData)
	}
	yRows, _ := y.Dims()
	if yRows != rows {
		return errors.NewDimensionError("DecisionTreeClassifier.Fit", rows, yRows, 0)
	}
	if weights != nil && len(weights) != rows {
		return errors.NewDimensionError("DecisionTreeClassifier.Fit", rows, len(weights), 0)
	}

	codes := model.ColumnToInts(y)
	idx := make([]int, 0, rows)
	for i := 0; i < rows; i++ {
		if weights != nil && weights[i] <= 0 {
			continue
		}
		if codes[i] < 0 {
			return errors.NewValueError("DecisionTreeClassifier.Fit", "class codes must be non-negative")
		}
		idx = append(idx, i)
	}
	if len(idx) == 0 {
		return errors.NewModelError("DecisionTreeClassifier.Fit", "no rows with positive weight", errors.ErrEmptyData)
	}

	classes := make([]int, 0)
	for _, i := range idx {
		classes = append(classes, codes[i])
	}
	slices.Sort(classes)
	classes = slices.Compact(classes)

	classIndex := make(map[int]int, len(classes))
	for k, c := range classes {
		classIndex[c] = k
	}
	yIdx := make([]int, rows)
	for _, i := range idx {
		yIdx[i] = classIndex[codes[i]]
	}
	w := weights
	if w == nil {
		w = make([]float64, rows)
		for i := range w {
			w[i] = 1
		}
	}

	// X is only read, so a *mat.Dense is shared rather than copied
	dense, ok := X.(*mat.Dense)
	if !ok {
		dense = mat.DenseCopyOf(X)
	}
	b := &builder{
		dt:          dt,
		X:           dense,
		y:           yIdx,
		w:           w,
		nClasses:    len(classes),
		nFeatures:   cols,
		rng:         rand.New(rand.NewPCG(dt.randomState, dt.randomState^0x9e3779b97f4a7c15)),
		importances: make([]float64, cols),
	}
	b.grow(idx, 0)

	total := 0.0
	for _, v := range b.importances {
		total += v
	}
	if total > 0 {
		for j := range b.importances {
			b.importances[j] /= total
		}
	}

	dt.classes_ = classes
	dt.nClasses_ = len(classes)
	dt.nFeatures_ = cols
	dt.nodes = b.nodes
	dt.featureImportances_ = b.importances
	dt.state.Reset()
	dt.state.MarkFitted(cols, len(idx))
	return nil
}

type builder struct {
	dt          *DecisionTreeClassifier
	X           *mat.Dense
	y           []int
	w           []float64
	nClasses    int
	nFeatures   int
	rng         *rand.Rand
	nodes       []node
	importances []float64
}

func (b *builder) distribution(idx []int) ([]float64, float64) {
	counts := make([]float64, b.nClasses)
	total := 0.0
	for _, i := range idx {
		counts[b.y[i]] += b.w[i]
		total += b.w[i]
	}
	return counts, total
}

func (b *builder) impurity(counts []float64, total float64) float64 {
	if total <= 0 {
		return 0
	}
	if b.dt.criterion == "entropy" {
		h := 0.0
		for _, c := range counts {
			if c > 0 {
				p := c / total
				h -= p * math.Log2(p)
			}
		}
		return h
	}
	sq := 0.0
	for _, c := range counts {
		p := c / total
		sq += p * p
	}
	return 1 - sq
}

// grow appends the subtree for idx and returns its node index.
func (b *builder) grow(idx []int, depth int) int {
	counts, total := b.distribution(idx)
	value := make([]float64, len(counts))
	for k, c := range counts {
		value[k] = c / total
	}
	self := len(b.nodes)
	b.nodes = append(b.nodes, node{
		Feature: leafFeature,
		Left:    -1,
		Right:   -1,
		Value:   value,
		Weight:  total,
		Depth:   depth,
	})

	parentImpurity := b.impurity(counts, total)
	dt := b.dt
	if parentImpurity <= impurityEpsilon ||
		len(idx) < dt.minSamplesSplit ||
		len(idx) < 2*dt.minSamplesLeaf ||
		(dt.maxDepth > 0 && depth >= dt.maxDepth) {
		return self
	}

	feature, threshold, childImpurity, ok := b.bestSplit(idx, counts, total)
	if !ok {
		return self
	}

	left := make([]int, 0, len(idx))
	right := make([]int, 0, len(idx))
	for _, i := range idx {
		if b.X.At(i, feature) <= threshold {
			left = append(left, i)
		} else {
			right = append(right, i)
		}
	}

	b.importances[feature] += total*parentImpurity - childImpurity

	l := b.grow(left, depth+1)
	r := b.grow(right, depth+1)
	b.nodes[self].Feature = feature
	b.nodes[self].Threshold = threshold
	b.nodes[self].Left = l
	b.nodes[self].Right = r
	return self
}

// bestSplit scans features in a random order and returns the split with the
// lowest weighted child impurity (sum of weight*impurity over both children).
// At most maxFeatures non-constant features are evaluated, continuing past
// constant ones as scikit-learn does.
func (b *builder) bestSplit(idx []int, counts []float64, total float64) (int, float64, float64, bool) {
	features := b.rng.Perm(b.nFeatures)
	limit := b.dt.maxFeatures
	if limit <= 0 || limit > b.nFeatures {
		limit = b.nFeatures
	}

	sorted := make([]int, len(idx))
	leftCounts := make([]float64, b.nClasses)
	rightCounts := make([]float64, b.nClasses)

	bestFeature, bestThreshold, bestScore := -1, 0.0, math.Inf(1)
	visited := 0
	minLeaf := b.dt.minSamplesLeaf

	for _, f := range features {
		if visited >= limit {
			break
		}
		copy(sorted, idx)
		sort.Slice(sorted, func(a, c int) bool {
			return b.X.At(sorted[a], f) < b.X.At(sorted[c], f)
		})
		lo, hi := b.X.At(sorted[0], f), b.X.At(sorted[len(sorted)-1], f)
		if hi <= lo {
			continue
		}
		visited++

		clear(leftCounts)
		copy(rightCounts, counts)
		leftWeight, rightWeight := 0.0, total

		for k := 0; k < len(sorted)-1; k++ {
			i := sorted[k]
			leftCounts[b.y[i]] += b.w[i]
			rightCounts[b.y[i]] -= b.w[i]
			leftWeight += b.w[i]
			rightWeight -= b.w[i]

			cur, next := b.X.At(i, f), b.X.At(sorted[k+1], f)
			if next <= cur {
				continue
			}
			nLeft := k + 1
			if nLeft < minLeaf || len(sorted)-nLeft < minLeaf {
				continue
			}
			score := leftWeight*b.impurity(leftCounts, leftWeight) +
				rightWeight*b.impurity(rightCounts, rightWeight)
			if score < bestScore-impurityEpsilon {
				bestScore = score
				bestFeature = f
				bestThreshold = cur + (next-cur)/2
				if bestThreshold == next {
					bestThreshold = cur
				}
			}
		}
	}
	return bestFeature, bestThreshold, bestScore, bestFeature >= 0
}

func (dt *DecisionTreeClassifier) checkInput(op string, X mat.Matrix) error {
	if err := dt.state.RequireFitted("DecisionTreeClassifier", op); err != nil {
		return err
	}
	_, cols := X.Dims()
	return dt.state.CheckFeatures("DecisionTreeClassifier."+op, cols)
}

// LeafDistribution returns the class distribution of the leaf reached by one
// row of X, indexed like Classes(). The caller must have checked that the tree
// is fitted and X has the fitted width. The returned slice must not be modified.
func (dt *DecisionTreeClassifier) LeafDistribution(X mat.Matrix, row int) []float64 {
	return dt.leaf(X, row)
}

func (dt *DecisionTreeClassifier) leaf(X mat.Matrix, row int) []float64 {
	n := 0
	for {
		nd := &dt.nodes[n]
		if nd.Feature == leafFeature {
			return nd.Value
		}
		if X.At(row, nd.Feature) <= nd.Threshold {
			n = nd.Left
		} else {
			n = nd.Right
		}
	}
}

// PredictProba returns an n×K matrix of class probabilities, one column per
// entry of Classes().
func (dt *DecisionTreeClassifier) PredictProba(X mat.Matrix) (mat.Matrix, error) {
	if err := dt.checkInput("PredictProba", X); err != nil {
		return nil, err
	}
	rows, _ := X.Dims()
	out := mat.NewDense(rows, dt.nClasses_, nil)
	parallel.ParallelizeWithThreshold(rows, parallelRowLimit, func(start, end int) {
		for i := start; i < end; i++ {
			out.SetRow(i, dt.leaf(X, i))
		}
	})
	return out, nil
}

// Predict returns the n×1 column of predicted class codes. Ties resolve to
// the smallest code.
func (dt *DecisionTreeClassifier) Predict(X mat.Matrix) (mat.Matrix, error) {
	if err := dt.checkInput("Predict", X); err != nil {
		return nil, err
	}
	rows, _ := X.Dims()
	out := mat.NewDense(rows, 1, nil)
	parallel.ParallelizeWithThreshold(rows, parallelRowLimit, func(start, end int) {
		for i := start; i < end; i++ {
			out.Set(i, 0, float64(dt.classes_[argmax(dt.leaf(X, i))]))
		}
	})
	return out, nil
}

func argmax(v []float64) int {
	best := 0
	for k := 1; k < len(v); k++ {
		if v[k] > v[best] {
			best = k
		}
	}
	return best
}

// Score returns the mean accuracy on X and y.
func (dt *DecisionTreeClassifier) Score(X, y mat.Matrix) (float64, error) {
	pred, err := dt.Predict(X)
	if err != nil {
		return 0, err
	}
	rows, _ := X.Dims()
	correct := 0
	for i := 0; i < rows; i++ {
		if pred.At(i, 0) == y.At(i, 0) {
			correct++
		}
	}
	return float64(correct) / float64(rows), nil
}

// Classes returns the class codes seen during fitting, ascending.
func (dt *DecisionTreeClassifier) Classes() []int {
	return append([]int(nil), dt.classes_...)
}

// GetFeatureImportances returns the normalized total impurity decrease per feature.
func (dt *DecisionTreeClassifier) GetFeatureImportances() []float64 {
	return append([]float64(nil), dt.featureImportances_...)
}

// GetDepth returns the depth of the deepest leaf.
func (dt *DecisionTreeClassifier) GetDepth() int {
	depth := 0
	for _, nd := range dt.nodes {
		depth = max(depth, nd.Depth)
	}
	return depth
}

// GetNLeaves returns the number of leaves.
func (dt *DecisionTreeClassifier) GetNLeaves() int {
	n := 0
	for _, nd := range dt.nodes {
		if nd.Feature == leafFeature {
			n++
		}
	}
	return n
}

// GetParams returns the hyperparameters keyed by their scikit-learn names.
func (dt *DecisionTreeClassifier) GetParams() map[string]interface{} {
	return map[string]interface{}{
		"criterion":         dt.criterion,
		"max_depth":         dt.maxDepth,
		"min_samples_split": dt.minSamplesSplit,
		"min_samples_leaf":  dt.minSamplesLeaf,
		"max_features":      dt.maxFeatures,
		"random_state":      dt.randomState,
	}
}

// SetParams updates hyperparameters by scikit-learn name.
func (dt *DecisionTreeClassifier) SetParams(params map[string]interface{}) error {
	for key, value := range params {
		switch key {
		case "criterion":
			s, ok := value.(string)
			if !ok {
				return errors.NewValidationError(key, "must be a string", value)
			}
			dt.criterion = s
		case "max_depth", "min_samples_split", "min_samples_leaf", "max_features":
			n, ok := value.(int)
			if !ok {
				return errors.NewValidationError(key, "must be an int", value)
			}
			switch key {
			case "max_depth":
				dt.maxDepth = n
			case "min_samples_split":
				dt.minSamplesSplit = n
			case "min_samples_leaf":
				dt.minSamplesLeaf = n
			default:
				dt.maxFeatures = n
			}
		case "random_state":
			n, ok := value.(uint64)
			if !ok {
				return errors.NewValidationError(key, "must be a uint64", value)
			}
			dt.randomState = n
		default:
			return errors.NewValidationError(key, "unknown parameter", value)
		}
	}
	return dt.validate()
}

// treeSnapshot is the gob form of a fitted tree.
type treeSnapshot struct {
	Criterion       string
	MaxDepth        int
	MinSamplesSplit int
	MinSamplesLeaf  int
	MaxFeatures     int
	RandomState     uint64
	Classes         []int
	NFeatures       int
	NSamples        int
	Fitted          bool
	Nodes           []node
	Importances     []float64
}

// GobEncode implements gob.GobEncoder.
func (dt *DecisionTreeClassifier) GobEncode() ([]byte, error) {
	_, nSamples := dt.state.GetDimensions()
	snap := treeSnapshot{
		Criterion:       dt.criterion,
		MaxDepth:        dt.maxDepth,
		MinSamplesSplit: dt.minSamplesSplit,
		MinSamplesLeaf:  dt.minSamplesLeaf,
		MaxFeatures:     dt.maxFeatures,
		RandomState:     dt.randomState,
		Classes:         dt.classes_,
		NFeatures:       dt.nFeatures_,
		NSamples:        nSamples,
		Fitted:          dt.state.IsFitted(),
		Nodes:           dt.nodes,
		Importances:     dt.featureImportances_,
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(snap); err != nil {
		return nil, errors.Wrap(err, "encode tree")
	}
	return buf.Bytes(), nil
}

// GobDecode implements gob.GobDecoder.
func (dt *DecisionTreeClassifier) GobDecode(data []byte) error {
	var snap treeSnapshot
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&snap); err != nil {
		return errors.Wrap(err, "decode tree")
	}
	*dt = DecisionTreeClassifier{
		state:               model.NewStateManager(),
		criterion:           snap.Criterion,
		maxDepth:            snap.MaxDepth,
		minSamplesSplit:     snap.MinSamplesSplit,
		minSamplesLeaf:      snap.MinSamplesLeaf,
		maxFeatures:         snap.MaxFeatures,
		randomState:         snap.RandomState,
		classes_:            snap.Classes,
		nClasses_:           len(snap.Classes),
		nFeatures_:          snap.NFeatures,
		nodes:               snap.Nodes,
		featureImportances_: snap.Importances,
	}
	if snap.Fitted {
		if len(snap.Nodes) == 0 {
			return errors.NewValueError("DecisionTreeClassifier.GobDecode", "fitted tree has no nodes")
		}
		dt.state.MarkFitted(snap.NFeatures, snap.NSamples)
	}
	return nil
}
