package drift

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YuminosukeSato/flowclf/pkg/errors"
)

// stream feeds n outcomes where every period-th prediction is wrong.
func stream(ddm *DDM, n, period int) (drifts int) {
	for i := 1; i <= n; i++ {
		if ddm.Update(i%period != 0).DriftDetected {
			drifts++
		}
	}
	return drifts
}

func TestDDMStableStream(t *testing.T) {
	ddm := NewDDM()
	assert.Zero(t, stream(ddm, 2000, 10))

	stats := ddm.GetStatistics()
	assert.Equal(t, 2000, stats.NumInstances)
	assert.InDelta(t, 0.1, stats.ErrorRate, 1e-9)
	assert.Zero(t, stats.Drifts)
}

func TestDDMDetectsRisingErrorRate(t *testing.T) {
	ddm := NewDDM()
	require.Zero(t, stream(ddm, 1000, 10))

	var hit Result
	for i := 0; i < 500; i++ {
		// half of the predictions are now wrong
		if r := ddm.Update(i%2 == 0); r.DriftDetected {
			hit = r
			break
		}
	}
	require.True(t, hit.DriftDetected)
	assert.True(t, hit.WarningDetected)
	assert.Greater(t, hit.Level, 1.0)
	assert.Greater(t, hit.ErrorRate, 0.1)

	// statistics restart after a drift
	stats := ddm.GetStatistics()
	assert.Zero(t, stats.NumInstances)
	assert.Equal(t, 1, stats.Drifts)

	w := hit.Warning(3, "retrain")
	assert.Equal(t, "DDM", w.Detector)
	assert.Equal(t, 3, w.Chunk)
	assert.Contains(t, w.Error(), "model drift detected by DDM at chunk 3")
}

func TestDDMUpdateBatch(t *testing.T) {
	ddm := NewDDM(WithMinNumInstances(10))
	actual := make([]int, 400)
	predicted := make([]int, 400)
	for i := range actual {
		actual[i] = i % 3
		predicted[i] = actual[i]
		if i%20 == 0 || (i >= 200 && i%2 == 0) {
			predicted[i] = 7
		}
	}
	r, drifted := ddm.UpdateBatch(predicted, actual)
	assert.True(t, drifted)
	assert.True(t, r.DriftDetected)

	ddm.Reset()
	r, drifted = ddm.UpdateBatch(actual[:50], actual[:50])
	assert.False(t, drifted)
	assert.Zero(t, r.ErrorRate)
	assert.Zero(t, ddm.GetStatistics().Drifts)
}

func TestDDMWarmup(t *testing.T) {
	ddm := NewDDM(WithMinNumInstances(5))
	for i := 0; i < 4; i++ {
		assert.Equal(t, Result{}, ddm.Update(false))
	}
	assert.Equal(t, 1.0, ddm.Update(false).ErrorRate)
}

func TestDDMValidate(t *testing.T) {
	assert.NoError(t, NewDDM().Validate())

	var ve *errors.ValidationError
	assert.True(t, errors.As(NewDDM(WithMinNumInstances(0)).Validate(), &ve))
	assert.True(t, errors.As(NewDDM(WithWarningLevel(3), WithOutControlLevel(2)).Validate(), &ve))
}
