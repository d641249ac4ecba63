// Package drift provides concept-drift detection over a stream of
// prediction outcomes.
package drift

import (
	"math"
	"sync"

	"github.com/YuminosukeSato/flowclf/pkg/errors"
)

// DDM (Drift Detection Method) は予測の誤り率を監視するドリフト検出器
// J. Gama, P. Medas, G. Castillo, P. Rodrigues (2004) "Learning with Drift Detection"
type DDM struct {
	// ハイパーパラメータ
	minNumInstances int
	warningLevel    float64
	outControlLevel float64

	// 統計量
	numInstances int
	numErrors    int
	errorRate    float64
	stdDev       float64

	// 学習開始以降の最小値
	minErrorRate float64
	minStdDev    float64

	warningDetected bool
	drifts          int

	mu sync.RWMutex
}

// Result は1回の Update の結果
type Result struct {
	WarningDetected bool
	DriftDetected   bool
	ErrorRate       float64
	// Level は (p+s)/(pmin+smin)。基準値が未確定の間は 0
	Level float64
	// Threshold はドリフト判定に使った pmin + outControlLevel*smin
	Threshold float64
}

// Option はDDMの設定オプション
type Option func(*DDM)

// WithMinNumInstances は判定を始めるまでの最小サンプル数を設定
func WithMinNumInstances(n int) Option {
	return func(ddm *DDM) {
		ddm.minNumInstances = n
	}
}

// WithWarningLevel は警告レベル（σの倍数）を設定
func WithWarningLevel(level float64) Option {
	return func(ddm *DDM) {
		ddm.warningLevel = level
	}
}

// WithOutControlLevel はドリフトレベル（σの倍数）を設定
func WithOutControlLevel(level float64) Option {
	return func(ddm *DDM) {
		ddm.outControlLevel = level
	}
}

// NewDDM は新しいDDMを作成
func NewDDM(options ...Option) *DDM {
	ddm := &DDM{
		minNumInstances: 30,
		warningLevel:    2.0,
		outControlLevel: 3.0,
		minErrorRate:    math.Inf(1),
		minStdDev:       math.Inf(1),
	}
	for _, opt := range options {
		opt(ddm)
	}
	return ddm
}

// Validate はハイパーパラメータを検証
func (ddm *DDM) Validate() error {
	if ddm.minNumInstances < 1 {
		return errors.NewValidationError("drift.min_instances", "must be at least 1", ddm.minNumInstances)
	}
	if ddm.warningLevel <= 0 || ddm.outControlLevel <= ddm.warningLevel {
		return errors.NewValidationError("drift.out_control_level", "must exceed a positive warning level", ddm.outControlLevel)
	}
	return nil
}

// Update は1件の予測結果で検出器を更新する。ドリフト検出時は統計をリセットする
func (ddm *DDM) Update(correct bool) Result {
	ddm.mu.Lock()
	defer ddm.mu.Unlock()

	ddm.numInstances++
	if !correct {
		ddm.numErrors++
	}
	if ddm.numInstances < ddm.minNumInstances {
		return Result{}
	}

	n := float64(ddm.numInstances)
	ddm.errorRate = float64(ddm.numErrors) / n
	ddm.stdDev = math.Sqrt(ddm.errorRate * (1.0 - ddm.errorRate) / n)
	result := Result{ErrorRate: ddm.errorRate}

	current := ddm.errorRate + ddm.stdDev
	if current < ddm.minErrorRate+ddm.minStdDev {
		ddm.minErrorRate = ddm.errorRate
		ddm.minStdDev = ddm.stdDev
	}
	if base := ddm.minErrorRate + ddm.minStdDev; base > 0 {
		result.Level = current / base
	}

	ddm.warningDetected = current > ddm.minErrorRate+ddm.warningLevel*ddm.minStdDev
	result.WarningDetected = ddm.warningDetected

	result.Threshold = ddm.minErrorRate + ddm.outControlLevel*ddm.minStdDev
	if current > result.Threshold {
		result.DriftDetected = true
		ddm.drifts++
		ddm.reset()
	}
	return result
}

// UpdateBatch は予測コードと正解コードを順に流し込み、チャンク内で最初に
// 検出したドリフトの結果を返す。ドリフトがなければ最後の結果を返す
func (ddm *DDM) UpdateBatch(predicted, actual []int) (Result, bool) {
	var last, first Result
	found := false
	for i := range actual {
		r := ddm.Update(predicted[i] == actual[i])
		if r.DriftDetected && !found {
			first = r
			found = true
		}
		last = r
	}
	if found {
		return first, true
	}
	return last, false
}

// Reset はドリフト検出器を初期状態に戻す
func (ddm *DDM) Reset() {
	ddm.mu.Lock()
	defer ddm.mu.Unlock()
	ddm.reset()
	ddm.drifts = 0
}

func (ddm *DDM) reset() {
	ddm.numInstances = 0
	ddm.numErrors = 0
	ddm.errorRate = 0
	ddm.stdDev = 0
	ddm.minErrorRate = math.Inf(1)
	ddm.minStdDev = math.Inf(1)
	ddm.warningDetected = false
}

// Statistics はDDMの統計情報
type Statistics struct {
	NumInstances    int
	NumErrors       int
	ErrorRate       float64
	StdDev          float64
	MinErrorRate    float64
	MinStdDev       float64
	WarningDetected bool
	Drifts          int
}

// GetStatistics は現在の統計情報を返す
func (ddm *DDM) GetStatistics() Statistics {
	ddm.mu.RLock()
	defer ddm.mu.RUnlock()
	return Statistics{
		NumInstances:    ddm.numInstances,
		NumErrors:       ddm.numErrors,
		ErrorRate:       ddm.errorRate,
		StdDev:          ddm.stdDev,
		MinErrorRate:    ddm.minErrorRate,
		MinStdDev:       ddm.minStdDev,
		WarningDetected: ddm.warningDetected,
		Drifts:          ddm.drifts,
	}
}

// Warning は検出結果を ModelDriftWarning に変換する
func (r Result) Warning(chunk int, action string) *errors.ModelDriftWarning {
	return errors.NewModelDriftWarning("DDM", chunk, r.Level, r.Threshold, action)
}
