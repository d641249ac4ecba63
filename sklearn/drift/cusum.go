package drift

import (
	"math"
	"sync"

	"github.com/YuminosukeSato/flowclf/pkg/errors"
)

// CUSUM は窓ごとの平均からの累積偏差を監視するヒューリスティック検出器
//
// 累積和 S が |S| > ratio*mean を超えるとフラグを立てて S を 0 に戻す。
// S は窓をまたいで持ち越される。
type CUSUM struct {
	ratio  float64
	window int

	sum float64
	mu  sync.Mutex
}

// CUSUMOption はCUSUMの設定オプション
type CUSUMOption func(*CUSUM)

// WithRatio は平均に対する閾値の比率を設定（既定 0.1）
func WithRatio(r float64) CUSUMOption {
	return func(c *CUSUM) { c.ratio = r }
}

// WithWindow は1窓あたりの行数を設定（既定 1000）
func WithWindow(n int) CUSUMOption {
	return func(c *CUSUM) { c.window = n }
}

// NewCUSUM は新しいCUSUMを作成
func NewCUSUM(opts ...CUSUMOption) *CUSUM {
	c := &CUSUM{ratio: 0.1, window: 1000}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Validate はハイパーパラメータを検証
func (c *CUSUM) Validate() error {
	if c.window < 1 {
		return errors.NewValidationError("cusum.window", "must be at least 1", c.window)
	}
	if c.ratio <= 0 || math.IsNaN(c.ratio) || math.IsInf(c.ratio, 0) {
		return errors.NewValidationError("cusum.ratio", "must be positive and finite", c.ratio)
	}
	return nil
}

// Window returns the configured window length.
func (c *CUSUM) Window() int {
	return c.window
}

// Update は1件の値で累積和を更新し、閾値を超えたら true を返す
func (c *CUSUM) Update(value, mean float64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sum += value - mean
	if math.Abs(c.sum) > mean*c.ratio {
		c.sum = 0
		return true
	}
	return false
}

// Flag は values の平均を基準に全件を Update し、1件でも超えたかを返す
func (c *CUSUM) Flag(values []float64) bool {
	if len(values) == 0 {
		return false
	}
	mean := 0.0
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))

	flagged := false
	for _, v := range values {
		if c.Update(v, mean) {
			flagged = true
		}
	}
	return flagged
}

// FlagWindows splits values into consecutive windows, the last one possibly
// shorter, and flags every position of a window whose Flag is true.
func (c *CUSUM) FlagWindows(values []float64) []bool {
	out := make([]bool, len(values))
	for start := 0; start < len(values); start += c.window {
		end := min(start+c.window, len(values))
		if c.Flag(values[start:end]) {
			for i := start; i < end; i++ {
				out[i] = true
			}
		}
	}
	return out
}

// Reset は累積和を 0 に戻す
func (c *CUSUM) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sum = 0
}
