package errors

import (
	"fmt"
	"io"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestReadError(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		reason  string
		cause   error
		wantMsg string
	}{
		{
			name:    "with cause",
			path:    "train.csv",
			reason:  "open",
			cause:   fmt.Errorf("no such file or directory"),
			wantMsg: "flowclf: read train.csv: open: no such file or directory",
		},
		{
			name:    "without cause",
			path:    "model.bin",
			reason:  "bad magic header",
			wantMsg: "flowclf: read model.bin: bad magic header",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewReadError(tt.path, tt.reason, tt.cause)
			assert.Equal(t, tt.wantMsg, err.Error())

			var readErr *ReadError
			require.True(t, As(err, &readErr))
			assert.Equal(t, tt.path, readErr.Path)

			// スタックトレースにテストファイル名が含まれる
			assert.Contains(t, fmt.Sprintf("%+v", err), "errors_test.go")
		})
	}
}

func TestReadErrorUnwrap(t *testing.T) {
	err := NewReadError("in.csv", "read", io.ErrUnexpectedEOF)
	assert.True(t, Is(err, io.ErrUnexpectedEOF))
}

func TestSchemaError(t *testing.T) {
	err := NewSchemaError(3, "Label", "is missing")
	assert.Equal(t, `flowclf: chunk 3: column "Label" is missing`, err.Error())

	var schemaErr *SchemaError
	require.True(t, As(err, &schemaErr))
	assert.Equal(t, 3, schemaErr.Chunk)

	noCol := NewSchemaError(2, "", "no feature columns")
	assert.Equal(t, "flowclf: chunk 2: no feature columns", noCol.Error())
}

func TestPhaseError(t *testing.T) {
	err := NewPhaseError("train", 3, ErrEmptyChunk)
	assert.Equal(t, "flowclf: train: chunk 3: chunk is empty after cleaning", err.Error())
	assert.True(t, Is(err, ErrEmptyChunk))

	whole := NewPhaseError("evaluate", 0, ErrNoEvaluableData)
	assert.True(t, strings.HasPrefix(whole.Error(), "flowclf: evaluate: no evaluable data"))
	assert.True(t, Is(whole, ErrNoEvaluableData))
	assert.False(t, Is(whole, ErrNoTrainableData))
}

func TestNewModelError(t *testing.T) {
	err := NewModelError("Fit", "invalid input", fmt.Errorf("test error"))
	assert.Equal(t, "flowclf: Fit: invalid input: test error", err.Error())

	err = NewModelError("Predict", "not fitted", nil)
	assert.Equal(t, "flowclf: Predict: not fitted", err.Error())

	var modelErr *ModelError
	assert.True(t, As(err, &modelErr))
}

func TestNewDimensionError(t *testing.T) {
	err := NewDimensionError("Predict", 10, 7, 1)
	assert.Equal(t, "flowclf: Predict: dimension mismatch on axis 1 (features). Expected 10, got 7", err.Error())

	var dimErr *DimensionError
	assert.True(t, As(err, &dimErr))
}

func TestNotFittedAndValidation(t *testing.T) {
	err := NewNotFittedError("ChunkEnsemble", "Predict")
	assert.Contains(t, err.Error(), "ChunkEnsemble")
	assert.Contains(t, err.Error(), "Predict()")

	err = NewValidationError("chunk_rows", "must be positive", 0)
	assert.Equal(t, "flowclf: validation failed for parameter 'chunk_rows': must be positive (got: 0)", err.Error())
}

func TestWarn(t *testing.T) {
	var got []error
	SetWarningHandler(func(w error) { got = append(got, w) })
	defer SetWarningHandler(func(w error) {})

	Warn(NewUndefinedMetricWarning("precision", "no predicted samples", 0))
	Warn(NewModelDriftWarning("DDM", 4, 0.41, 0.3, "alert"))

	require.Len(t, got, 2)
	assert.Equal(t, "'precision' is ill-defined and being set to 0.000000 due to no predicted samples.", got[0].Error())
	assert.Contains(t, got[1].Error(), "chunk 4")
}

func TestWarnPrefersZerologFunc(t *testing.T) {
	var handler, zl int
	SetWarningHandler(func(error) { handler++ })
	SetZerologWarnFunc(func(error) { zl++ })
	defer func() {
		SetZerologWarnFunc(nil)
		SetWarningHandler(func(error) {})
	}()

	Warn(New("w"))
	assert.Equal(t, 0, handler)
	assert.Equal(t, 1, zl)
}

func TestCheckMatrix(t *testing.T) {
	ok := mat.NewDense(2, 2, []float64{1, 2, 3, 4})
	assert.NoError(t, CheckMatrix("fit", ok, 2, 2, 0))

	bad := mat.NewDense(2, 2, []float64{1, math.NaN(), math.Inf(1), 4})
	err := CheckMatrix("fit", bad, 2, 2, 1)
	require.Error(t, err)

	var numErr *NumericalInstabilityError
	require.True(t, As(err, &numErr))
	assert.Len(t, numErr.Values, 1)
}

func TestSanitize(t *testing.T) {
	tests := []struct {
		in, want float64
	}{
		{math.NaN(), 0},
		{math.Inf(1), 0},
		{math.Inf(-1), 0},
		{5e6, 1e6},
		{-5e6, -1e6},
		{12.5, 12.5},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Sanitize(tt.in, 1e6))
	}
	assert.Equal(t, 0.0, SafeDivide(3, 0))
	assert.Equal(t, 1.5, SafeDivide(3, 2))
}
