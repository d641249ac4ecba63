package ensemble

import (
	"bytes"
	"encoding/gob"
	"slices"
	"sync"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/flowclf/core/model"
	"github.com/YuminosukeSato/flowclf/pkg/errors"
)

// ChunkEnsemble learns incrementally by fitting one RandomForestClassifier per
// PartialFit call and keeping every fitted forest as a member. Prediction is a
// soft vote in which each member's class distribution is weighted by the
// number of rows it was trained on. Members are never dropped, so structure
// learned from earlier chunks is kept for the lifetime of the model.
type ChunkEnsemble struct {
	mu      sync.RWMutex
	state   *model.StateManager
	params  Params
	members []*RandomForestClassifier
	weights []float64
	classes []int
}

var _ model.ClassifierWithPartialFit = (*ChunkEnsemble)(nil)

// NewChunkEnsemble creates an empty ensemble. Every member is built with the
// forest hyperparameters assembled from opts.
func NewChunkEnsemble(opts ...Option) *ChunkEnsemble {
	p := DefaultParams()
	for _, opt := range opts {
		opt(&p)
	}
	return &ChunkEnsemble{
		state:  model.NewStateManager(),
		params: p,
	}
}

// Params returns the hyperparameters each member is built with.
func (c *ChunkEnsemble) Params() Params {
	return c.params
}

// IsFitted reports whether at least one member has been trained.
func (c *ChunkEnsemble) IsFitted() bool {
	return c.state.IsFitted()
}

// memberSeed keeps member forests distinct while staying a pure function of
// the ensemble seed and the member ordinal.
func memberSeed(seed uint64, member int) uint64 {
	return splitmix64(seed ^ splitmix64(uint64(member)+1))
}

// PartialFit trains one new member on X and y. classes is accepted for
// interface compatibility; the ensemble learns its class set from y, so codes
// never seen before are accepted at any time. The feature width is fixed by
// the first call.
func (c *ChunkEnsemble) PartialFit(X, y mat.Matrix, classes []int) error {
	rows, cols := X.Dims()
	if rows == 0 || cols == 0 {
		return errors.NewModelError("ChunkEnsemble.PartialFit", "empty data", errors.ErrEmptyData)
	}
	if c.state.IsFitted() {
		if err := c.state.CheckFeatures("ChunkEnsemble.PartialFit", cols); err != nil {
			return err
		}
	}

	c.mu.RLock()
	next := len(c.members)
	c.mu.RUnlock()

	p := c.params
	p.RandomState = memberSeed(c.params.RandomState, next)
	member := NewRandomForestClassifier(WithParams(p))
	if err := member.Fit(X, y); err != nil {
		return err
	}

	c.mu.Lock()
	c.members = append(c.members, member)
	c.weights = append(c.weights, float64(rows))
	merged := append(slices.Clone(c.classes), member.classes...)
	slices.Sort(merged)
	c.classes = slices.Compact(merged)
	c.mu.Unlock()

	c.state.MarkFitted(cols, rows)
	return nil
}

// PredictProba returns the sample-weighted mean of member distributions, one
// column per Classes() entry. A class a member never saw contributes zero
// from that member.
func (c *ChunkEnsemble) PredictProba(X mat.Matrix) (mat.Matrix, error) {
	if err := c.state.RequireFitted("ChunkEnsemble", "PredictProba"); err != nil {
		return nil, err
	}
	_, cols := X.Dims()
	if err := c.state.CheckFeatures("ChunkEnsemble.PredictProba", cols); err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	total := floats.Sum(c.weights)
	rows, _ := X.Dims()
	out := mat.NewDense(rows, len(c.classes), nil)
	for m, member := range c.members {
		member.accumulateProba(X, out, c.classes, c.weights[m]/total)
	}
	return out, nil
}

// Predict returns the n×1 column of predicted codes. Ties resolve to the smallest code.
func (c *ChunkEnsemble) Predict(X mat.Matrix) (mat.Matrix, error) {
	proba, err := c.PredictProba(X)
	if err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return argmaxCodes(proba, c.classes), nil
}

// Score returns the mean accuracy on X and y.
func (c *ChunkEnsemble) Score(X, y mat.Matrix) (float64, error) {
	return score(c, X, y)
}

// Classes returns the union of codes seen by every member, ascending.
func (c *ChunkEnsemble) Classes() []int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.classes)
}

// Members returns the number of trained members.
func (c *ChunkEnsemble) Members() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.members)
}

// TrainedSamples returns the total number of rows absorbed across all members.
func (c *ChunkEnsemble) TrainedSamples() int {
	_, n := c.state.GetDimensions()
	return n
}

// NFeatures returns the fixed feature width, or 0 before the first PartialFit.
func (c *ChunkEnsemble) NFeatures() int {
	n, _ := c.state.GetDimensions()
	return n
}

// FeatureImportances returns the sample-weighted mean member importance.
func (c *ChunkEnsemble) FeatureImportances() []float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]float64, c.NFeatures())
	total := floats.Sum(c.weights)
	for m, member := range c.members {
		for j, v := range member.FeatureImportances() {
			out[j] += v * c.weights[m] / total
		}
	}
	return out
}

type chunkSnapshot struct {
	Params    Params
	Members   []*RandomForestClassifier
	Weights   []float64
	Classes   []int
	NFeatures int
	NSamples  int
}

// GobEncode implements gob.GobEncoder.
func (c *ChunkEnsemble) GobEncode() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	nFeatures, nSamples := c.state.GetDimensions()
	var buf bytes.Buffer
	err := gob.NewEncoder(&buf).Encode(chunkSnapshot{
		Params:    c.params,
		Members:   c.members,
		Weights:   c.weights,
		Classes:   c.classes,
		NFeatures: nFeatures,
		NSamples:  nSamples,
	})
	if err != nil {
		return nil, errors.Wrap(err, "encode chunk ensemble")
	}
	return buf.Bytes(), nil
}

// GobDecode implements gob.GobDecoder.
func (c *ChunkEnsemble) GobDecode(data []byte) error {
	var snap chunkSnapshot
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&snap); err != nil {
		return errors.Wrap(err, "decode chunk ensemble")
	}
	if len(snap.Members) != len(snap.Weights) {
		return errors.NewValueError("ChunkEnsemble.GobDecode", "member and weight counts differ")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = model.NewStateManager()
	c.params = snap.Params
	c.members = snap.Members
	c.weights = snap.Weights
	c.classes = snap.Classes
	if len(snap.Members) > 0 {
		c.state.MarkFitted(snap.NFeatures, snap.NSamples)
	}
	return nil
}
