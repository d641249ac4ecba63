// Package ensemble provides tree ensembles: a bagged random forest and the
// chunk-wise ensemble used for streaming training.
package ensemble

import (
	"bytes"
	"encoding/gob"
	"math"
	"math/rand/v2"
	"slices"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/flowclf/core/model"
	"github.com/YuminosukeSato/flowclf/core/parallel"
	"github.com/YuminosukeSato/flowclf/pkg/errors"
	"github.com/YuminosukeSato/flowclf/sklearn/tree"
)

const parallelRowLimit = 2048

// Params are the hyperparameters of a RandomForestClassifier.
type Params struct {
	NEstimators     int
	Criterion       string
	MaxDepth        int
	MinSamplesSplit int
	MinSamplesLeaf  int
	// MaxFeatures is "sqrt", "log2", "all" or a positive integer.
	MaxFeatures string
	Bootstrap   bool
	RandomState uint64
	// NJobs bounds the number of trees built concurrently. Zero or negative
	// means one per CPU core.
	NJobs int
}

// DefaultParams mirrors scikit-learn's RandomForestClassifier defaults with
// random_state=42.
func DefaultParams() Params {
	return Params{
		NEstimators:     100,
		Criterion:       "gini",
		MinSamplesSplit: 2,
		MinSamplesLeaf:  1,
		MaxFeatures:     "sqrt",
		Bootstrap:       true,
		RandomState:     42,
	}
}

// Validate checks the hyperparameters.
func (p Params) Validate() error {
	if p.NEstimators < 1 {
		return errors.NewValidationError("n_estimators", "must be at least 1", p.NEstimators)
	}
	if p.Criterion != "gini" && p.Criterion != "entropy" {
		return errors.NewValidationError("criterion", "must be gini or entropy", p.Criterion)
	}
	if p.MinSamplesSplit < 2 {
		return errors.NewValidationError("min_samples_split", "must be at least 2", p.MinSamplesSplit)
	}
	if p.MinSamplesLeaf < 1 {
		return errors.NewValidationError("min_samples_leaf", "must be at least 1", p.MinSamplesLeaf)
	}
	if _, err := p.featuresPerSplit(1); err != nil {
		return err
	}
	return nil
}

func (p Params) featuresPerSplit(nFeatures int) (int, error) {
	switch strings.ToLower(p.MaxFeatures) {
	case "sqrt", "auto":
		return max(1, int(math.Sqrt(float64(nFeatures)))), nil
	case "log2":
		return max(1, int(math.Log2(float64(nFeatures)))), nil
	case "all", "", "none":
		return nFeatures, nil
	}
	n, err := strconv.Atoi(p.MaxFeatures)
	if err != nil || n < 1 {
		return 0, errors.NewValidationError("max_features", "must be sqrt, log2, all or a positive integer", p.MaxFeatures)
	}
	return min(n, nFeatures), nil
}

// Option configures the forest hyperparameters.
type Option func(*Params)

// WithParams replaces every hyperparameter.
func WithParams(p Params) Option {
	return func(dst *Params) { *dst = p }
}

// WithNEstimators sets the number of trees.
func WithNEstimators(n int) Option { return func(p *Params) { p.NEstimators = n } }

// WithCriterion sets the split criterion of every tree.
func WithCriterion(c string) Option { return func(p *Params) { p.Criterion = c } }

func WithMaxDepth(d int) Option { return func(p *Params) { p.MaxDepth = d } }

func WithMinSamplesSplit(n int) Option { return func(p *Params) { p.MinSamplesSplit = n } }

func WithMinSamplesLeaf(n int) Option { return func(p *Params) { p.MinSamplesLeaf = n } }

// WithMaxFeatures sets the per-split feature budget: "sqrt", "log2", "all" or an integer.
func WithMaxFeatures(s string) Option { return func(p *Params) { p.MaxFeatures = s } }

func WithBootstrap(b bool) Option { return func(p *Params) { p.Bootstrap = b } }

// WithRandomState seeds the forest. Equal seeds give equal forests.
func WithRandomState(seed uint64) Option { return func(p *Params) { p.RandomState = seed } }

func WithNJobs(n int) Option { return func(p *Params) { p.NJobs = n } }

// RandomForestClassifier averages the class distributions of bagged CART trees.
type RandomForestClassifier struct {
	state   *model.StateManager
	params  Params
	classes []int
	trees   []*tree.DecisionTreeClassifier
}

var (
	_ model.Classifier = (*RandomForestClassifier)(nil)
	_ model.Fitter     = (*RandomForestClassifier)(nil)
)

// NewRandomForestClassifier creates an unfitted forest with DefaultParams
// adjusted by opts.
func NewRandomForestClassifier(opts ...Option) *RandomForestClassifier {
	p := DefaultParams()
	for _, opt := range opts {
		opt(&p)
	}
	return &RandomForestClassifier{
		state:  model.NewStateManager(),
		params: p,
	}
}

// Params returns the forest hyperparameters.
func (f *RandomForestClassifier) Params() Params {
	return f.params
}

// IsFitted implements model.Estimator.
func (f *RandomForestClassifier) IsFitted() bool {
	return f.state.IsFitted()
}

// splitmix64 derives well-spread per-tree seeds from the forest seed.
func splitmix64(x uint64) uint64 {
	x += 0x9e3779b97f4a7c15
	x = (x ^ (x >> 30)) * 0xbf58476d1ce4e5b9
	x = (x ^ (x >> 27)) * 0x94d049bb133111eb
	return x ^ (x >> 31)
}

// Fit trains NEstimators trees concurrently. Each tree draws its bootstrap
// sample and feature subsets from its own seed, so the fitted forest does not
// depend on goroutine scheduling.
func (f *RandomForestClassifier) Fit(X, y mat.Matrix) error {
	if err := f.params.Validate(); err != nil {
		return err
	}
	rows, cols := X.Dims()
	if rows == 0 || cols == 0 {
		return errors.NewModelError("RandomForestClassifier.Fit", "empty data", errors.ErrEmptyData)
	}
	if yRows, _ := y.Dims(); yRows != rows {
		return errors.NewDimensionError("RandomForestClassifier.Fit", rows, yRows, 0)
	}
	if err := errors.CheckMatrix("RandomForestClassifier.Fit", X, rows, cols, 0); err != nil {
		return err
	}
	perSplit, err := f.params.featuresPerSplit(cols)
	if err != nil {
		return err
	}

	var dense *mat.Dense
	if d, ok := X.(*mat.Dense); ok {
		dense = d
	} else {
		dense = mat.DenseCopyOf(X)
	}

	codes := model.ColumnToInts(y)
	classes := slices.Clone(codes)
	slices.Sort(classes)
	classes = slices.Compact(classes)

	n := f.params.NEstimators
	trees := make([]*tree.DecisionTreeClassifier, n)
	errs := make([]error, n)
	parallel.ParallelizeWorkers(n, f.params.NJobs, func(start, end int) {
		for t := start; t < end; t++ {
			seed := splitmix64(f.params.RandomState + uint64(t))
			dt := tree.NewDecisionTreeClassifier(
				tree.WithCriterion(f.params.Criterion),
				tree.WithMaxDepth(f.params.MaxDepth),
				tree.WithMinSamplesSplit(f.params.MinSamplesSplit),
				tree.WithMinSamplesLeaf(f.params.MinSamplesLeaf),
				tree.WithMaxFeatures(perSplit),
				tree.WithRandomState(seed),
			)
			var weights []float64
			if f.params.Bootstrap {
				weights = bootstrapCounts(rows, seed)
			}
			errs[t] = errors.SafeExecute("tree fit", func() error {
				return dt.FitWeighted(dense, y, weights)
			})
			trees[t] = dt
		}
	})
	for t, err := range errs {
		if err != nil {
			return errors.Wrapf(err, "tree %d", t)
		}
	}

	f.classes = classes
	f.trees = trees
	f.state.Reset()
	f.state.MarkFitted(cols, rows)
	return nil
}

// bootstrapCounts draws n rows with replacement and returns how often each
// row was drawn.
func bootstrapCounts(n int, seed uint64) []float64 {
	rng := rand.New(rand.NewPCG(seed, ^seed))
	counts := make([]float64, n)
	for i := 0; i < n; i++ {
		counts[rng.IntN(n)]++
	}
	return counts
}

func (f *RandomForestClassifier) checkInput(op string, X mat.Matrix) error {
	if err := f.state.RequireFitted("RandomForestClassifier", op); err != nil {
		return err
	}
	_, cols := X.Dims()
	return f.state.CheckFeatures("RandomForestClassifier."+op, cols)
}

// accumulateProba adds weight times the averaged tree distribution of each
// row into out, whose columns follow outClasses.
func (f *RandomForestClassifier) accumulateProba(X mat.Matrix, out *mat.Dense, outClasses []int, weight float64) {
	cols := make([][]int, len(f.trees))
	for t, dt := range f.trees {
		treeClasses := dt.Classes()
		cols[t] = make([]int, len(treeClasses))
		for k, c := range treeClasses {
			idx, _ := slices.BinarySearch(outClasses, c)
			cols[t][k] = idx
		}
	}
	scale := weight / float64(len(f.trees))
	rows, _ := X.Dims()
	parallel.ParallelizeWithThreshold(rows, parallelRowLimit, func(start, end int) {
		for i := start; i < end; i++ {
			for t, dt := range f.trees {
				dist := dt.LeafDistribution(X, i)
				for k, p := range dist {
					if p == 0 {
						continue
					}
					j := cols[t][k]
					out.Set(i, j, out.At(i, j)+scale*p)
				}
			}
		}
	})
}

// PredictProba returns the mean tree distribution, one column per Classes() entry.
func (f *RandomForestClassifier) PredictProba(X mat.Matrix) (mat.Matrix, error) {
	if err := f.checkInput("PredictProba", X); err != nil {
		return nil, err
	}
	rows, _ := X.Dims()
	out := mat.NewDense(rows, len(f.classes), nil)
	f.accumulateProba(X, out, f.classes, 1)
	return out, nil
}

// Predict returns the n×1 column of predicted codes. Ties resolve to the smallest code.
func (f *RandomForestClassifier) Predict(X mat.Matrix) (mat.Matrix, error) {
	proba, err := f.PredictProba(X)
	if err != nil {
		return nil, err
	}
	return argmaxCodes(proba, f.classes), nil
}

// Score returns the mean accuracy on X and y.
func (f *RandomForestClassifier) Score(X, y mat.Matrix) (float64, error) {
	return score(f, X, y)
}

// Classes returns the class codes seen during fitting, ascending.
func (f *RandomForestClassifier) Classes() []int {
	return slices.Clone(f.classes)
}

// NTrees returns the number of fitted trees.
func (f *RandomForestClassifier) NTrees() int {
	return len(f.trees)
}

// FeatureImportances returns the mean tree importance per feature.
func (f *RandomForestClassifier) FeatureImportances() []float64 {
	nFeatures, _ := f.state.GetDimensions()
	out := make([]float64, nFeatures)
	if len(f.trees) == 0 {
		return out
	}
	for _, dt := range f.trees {
		for j, v := range dt.GetFeatureImportances() {
			out[j] += v / float64(len(f.trees))
		}
	}
	return out
}

func argmaxCodes(proba mat.Matrix, classes []int) *mat.Dense {
	rows, cols := proba.Dims()
	out := mat.NewDense(rows, 1, nil)
	for i := 0; i < rows; i++ {
		best := 0
		for k := 1; k < cols; k++ {
			if proba.At(i, k) > proba.At(i, best) {
				best = k
			}
		}
		out.Set(i, 0, float64(classes[best]))
	}
	return out
}

func score(p model.Predictor, X, y mat.Matrix) (float64, error) {
	pred, err := p.Predict(X)
	if err != nil {
		return 0, err
	}
	rows, _ := pred.Dims()
	if rows == 0 {
		return 0, nil
	}
	correct := 0
	for i := 0; i < rows; i++ {
		if pred.At(i, 0) == y.At(i, 0) {
			correct++
		}
	}
	return float64(correct) / float64(rows), nil
}

type forestSnapshot struct {
	Params    Params
	Classes   []int
	Trees     []*tree.DecisionTreeClassifier
	NFeatures int
	NSamples  int
	Fitted    bool
}

// GobEncode implements gob.GobEncoder.
func (f *RandomForestClassifier) GobEncode() ([]byte, error) {
	nFeatures, nSamples := f.state.GetDimensions()
	var buf bytes.Buffer
	err := gob.NewEncoder(&buf).Encode(forestSnapshot{
		Params:    f.params,
		Classes:   f.classes,
		Trees:     f.trees,
		NFeatures: nFeatures,
		NSamples:  nSamples,
		Fitted:    f.state.IsFitted(),
	})
	if err != nil {
		return nil, errors.Wrap(err, "encode forest")
	}
	return buf.Bytes(), nil
}

// GobDecode implements gob.GobDecoder.
func (f *RandomForestClassifier) GobDecode(data []byte) error {
	var snap forestSnapshot
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&snap); err != nil {
		return errors.Wrap(err, "decode forest")
	}
	*f = RandomForestClassifier{
		state:   model.NewStateManager(),
		params:  snap.Params,
		classes: snap.Classes,
		trees:   snap.Trees,
	}
	if snap.Fitted {
		if len(snap.Trees) == 0 {
			return errors.NewValueError("RandomForestClassifier.GobDecode", "fitted forest has no trees")
		}
		f.state.MarkFitted(snap.NFeatures, snap.NSamples)
	}
	return nil
}
