package model

import (
	"gonum.org/v1/gonum/mat"
)

// Scorer is the interface for models that can compute a score.
type Scorer interface {
	// Score returns the mean accuracy on the given samples.
	Score(X mat.Matrix, y mat.Matrix) (float64, error)
}

// IncrementalLearner is the interface for models that absorb data one batch
// at a time. classes lists the codes the caller knows about so far and may be
// nil; a learner must accept codes it has never seen in earlier batches.
type IncrementalLearner interface {
	PartialFit(X mat.Matrix, y mat.Matrix, classes []int) error
}

// Classifier combines interfaces for classification models.
type Classifier interface {
	Estimator
	Predictor
	Scorer

	// PredictProba returns probability estimates, one column per entry of Classes().
	PredictProba(X mat.Matrix) (mat.Matrix, error)

	// Classes returns the class codes seen during fitting, ascending.
	Classes() []int
}

// ClassifierWithPartialFit combines interfaces for streaming classifiers.
type ClassifierWithPartialFit interface {
	Classifier
	IncrementalLearner
}

// ColumnToInts converts an n×1 code column into a slice.
func ColumnToInts(y mat.Matrix) []int {
	r, _ := y.Dims()
	out := make([]int, r)
	for i := 0; i < r; i++ {
		out[i] = int(y.At(i, 0))
	}
	return out
}

// IntsToColumn converts codes into an n×1 matrix. An empty slice yields nil
// because gonum does not allow zero-sized matrices.
func IntsToColumn(codes []int) *mat.Dense {
	if len(codes) == 0 {
		return nil
	}
	data := make([]float64, len(codes))
	for i, c := range codes {
		data[i] = float64(c)
	}
	return mat.NewDense(len(codes), 1, data)
}
