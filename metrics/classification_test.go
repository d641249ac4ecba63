package metrics

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/flowclf/pkg/errors"
)

func captureWarnings(t *testing.T) func() []error {
	t.Helper()
	var (
		mu       sync.Mutex
		warnings []error
	)
	errors.SetWarningHandler(func(w error) {
		mu.Lock()
		defer mu.Unlock()
		warnings = append(warnings, w)
	})
	t.Cleanup(func() { errors.SetWarningHandler(func(error) {}) })
	return func() []error {
		mu.Lock()
		defer mu.Unlock()
		return append([]error(nil), warnings...)
	}
}

func TestAccuracy(t *testing.T) {
	tests := []struct {
		name  string
		yTrue []int
		yPred []int
		want  float64
	}{
		{"perfect", []int{0, 1, 2, 1}, []int{0, 1, 2, 1}, 1.0},
		{"half", []int{0, 0, 1, 1}, []int{0, 1, 0, 1}, 0.5},
		{"none", []int{3, 3}, []int{1, 1}, 0.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Accuracy(tt.yTrue, tt.yPred)
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 1e-12)
		})
	}

	_, err := Accuracy(nil, nil)
	var ve *errors.ValueError
	assert.True(t, errors.As(err, &ve))

	_, err = Accuracy([]int{1, 2}, []int{1})
	var dim *errors.DimensionError
	assert.True(t, errors.As(err, &dim))
}

func TestConfusionMatrix(t *testing.T) {
	// code 5 is only ever predicted; it still gets a row and a column
	yTrue := []int{2, 0, 2, 2, 0, 1}
	yPred := []int{0, 0, 2, 2, 0, 5}

	labels, cm, err := ConfusionMatrix(yTrue, yPred)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2, 5}, labels)

	want := mat.NewDense(4, 4, []float64{
		2, 0, 0, 0,
		0, 0, 0, 1,
		1, 0, 2, 0,
		0, 0, 0, 0,
	})
	assert.True(t, mat.Equal(want, cm), "got\n%v", mat.Formatted(cm))
	assert.Equal(t, float64(len(yTrue)), mat.Sum(cm))
}

func TestPrecisionRecallF1Macro(t *testing.T) {
	captureWarnings(t)
	yTrue := []int{0, 1, 2, 0, 1, 2}
	yPred := []int{0, 2, 1, 0, 0, 1}

	s, err := PrecisionRecallF1(yTrue, yPred, Macro)
	require.NoError(t, err)
	assert.InDelta(t, 0.2222, s.Precision, 1e-4)
	assert.InDelta(t, 0.3333, s.Recall, 1e-4)
	assert.InDelta(t, 0.2667, s.F1, 1e-4)
}

func TestPrecisionRecallF1Weighted(t *testing.T) {
	yTrue := []int{0, 0, 0, 1}
	yPred := []int{0, 0, 1, 1}

	w, err := PrecisionRecallF1(yTrue, yPred, Weighted)
	require.NoError(t, err)
	assert.InDelta(t, 0.875, w.Precision, 1e-12)
	assert.InDelta(t, 0.75, w.Recall, 1e-12)
	assert.InDelta(t, (3*0.8+2.0/3)/4, w.F1, 1e-12)

	m, err := PrecisionRecallF1(yTrue, yPred, Macro)
	require.NoError(t, err)
	assert.InDelta(t, 0.75, m.Precision, 1e-12)
	assert.InDelta(t, (2.0/3+1)/2, m.Recall, 1e-12)
}

func TestPerClass(t *testing.T) {
	per, err := PerClass([]int{0, 0, 0, 1}, []int{0, 0, 1, 1})
	require.NoError(t, err)
	require.Len(t, per, 2)
	assert.Equal(t, 0, per[0].Code)
	assert.Equal(t, 3, per[0].Support)
	assert.Equal(t, 1.0, per[0].Precision)
	assert.InDelta(t, 2.0/3, per[0].Recall, 1e-12)
	assert.InDelta(t, 0.8, per[0].F1, 1e-12)
	assert.Equal(t, 1, per[1].Support)
	assert.InDelta(t, 0.5, per[1].Precision, 1e-12)
}

func TestUndefinedMetricsWarn(t *testing.T) {
	warnings := captureWarnings(t)

	// label 1 is predicted but never true, label 2 is true but never predicted
	s, err := PrecisionRecallF1([]int{0, 0, 2}, []int{0, 1, 0}, Macro)
	require.NoError(t, err)
	assert.False(t, s.Precision != s.Precision, "precision must not be NaN")

	got := warnings()
	require.Len(t, got, 2)
	var umw *errors.UndefinedMetricWarning
	require.True(t, errors.As(got[0], &umw))
	assert.Equal(t, "precision", umw.Metric)
	require.True(t, errors.As(got[1], &umw))
	assert.Equal(t, "recall", umw.Metric)
	assert.Zero(t, umw.Result)
}

func TestParseAverage(t *testing.T) {
	a, err := ParseAverage(" Weighted")
	require.NoError(t, err)
	assert.Equal(t, Weighted, a)
	assert.Equal(t, "weighted", a.String())

	a, err = ParseAverage("macro")
	require.NoError(t, err)
	assert.Equal(t, Macro, a)

	_, err = ParseAverage("micro")
	assert.Error(t, err)
}
