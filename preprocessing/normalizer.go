// Package preprocessing はチャンク単位の特徴量正規化とラベル符号化を提供します。
package preprocessing

import (
	"math"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/flowclf/dataset"
	"github.com/YuminosukeSato/flowclf/pkg/errors"
)

// DefaultMaxAbs は特徴量のクリッピング境界 M のデフォルト値
const DefaultMaxAbs = 1e6

// Outcome は正規化の結果種別
type Outcome int

const (
	// OutcomeOK は学習・評価に使える行が1行以上ある状態
	OutcomeOK Outcome = iota
	// OutcomeSchemaError は期待した列が存在しない状態（このチャンクのみスキップ）
	OutcomeSchemaError
	// OutcomeEmpty はフィルタ後に行が残らなかった状態（エラーログなしでスキップ）
	OutcomeEmpty
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeSchemaError:
		return "schema_error"
	case OutcomeEmpty:
		return "empty"
	default:
		return "unknown"
	}
}

// NormalizeResult は1チャンクの正規化結果
//
// Outcome が OutcomeOK の場合のみ X と Labels が設定される。
// Err は OutcomeSchemaError の場合は SchemaError、OutcomeEmpty の場合は ErrEmptyChunk。
type NormalizeResult struct {
	Outcome     Outcome
	X           *mat.Dense
	Labels      []string
	Features    []string
	DroppedRows int
	Err         error
}

// Rows は使用可能な行数を返す
func (r NormalizeResult) Rows() int {
	return len(r.Labels)
}

// Normalizer は生のレコードバッチを特徴量行列とラベル列に変換する
//
// すべてのセルは有限値かつ [-MaxAbs, MaxAbs] に収まることが保証される。
// 数値に変換できない値と ±Inf は欠損として扱い、欠損は 0 で埋める。
type Normalizer struct {
	// FeatureColumns は使用する特徴量列。空の場合はラベル列以外のすべての列
	FeatureColumns []string

	// LabelColumn はラベル列の名前。空の場合は最後の列
	LabelColumn string

	// MaxAbs はクリッピング境界 M。0 以下の場合は DefaultMaxAbs
	MaxAbs float64
}

// NewNormalizer は新しいNormalizerを作成する
//
// パラメータ:
//   - labelColumn: ラベル列の名前（空文字列は最後の列）
//   - featureColumns: 特徴量列（nil の場合は推論する）
//   - maxAbs: クリッピング境界
//
// 使用例:
//
//	n := preprocessing.NewNormalizer("Label", nil, 1e6)
//	res := n.Normalize(batch)
//	if res.Outcome != preprocessing.OutcomeOK {
//	    // スキップ
//	}
func NewNormalizer(labelColumn string, featureColumns []string, maxAbs float64) *Normalizer {
	return &Normalizer{
		FeatureColumns: featureColumns,
		LabelColumn:    strings.TrimSpace(labelColumn),
		MaxAbs:         maxAbs,
	}
}

func (n *Normalizer) bound() float64 {
	if n.MaxAbs <= 0 || math.IsNaN(n.MaxAbs) {
		return DefaultMaxAbs
	}
	return n.MaxAbs
}

// Normalize は1チャンクを正規化する
//
// 手順:
//  1. 列名の前後の空白を除去
//  2. ラベル列がなければ OutcomeSchemaError
//  3. 特徴量列を決定（明示指定の列が欠けていれば OutcomeSchemaError）
//  4. 数値変換（変換できない値と ±Inf は欠損）
//  5. 欠損を 0 で埋め、[-M, M] にクリップ
//  6. ラベルが空の行は除外し、残りが0行なら OutcomeEmpty
func (n *Normalizer) Normalize(batch *dataset.RecordBatch) NormalizeResult {
	columns := make([]string, len(batch.Columns))
	for i, c := range batch.Columns {
		columns[i] = strings.TrimSpace(c)
	}
	index := make(map[string]int, len(columns))
	for i, c := range columns {
		if _, dup := index[c]; !dup {
			index[c] = i
		}
	}

	labelIdx := len(columns) - 1
	labelName := n.LabelColumn
	if labelName != "" {
		idx, ok := index[labelName]
		if !ok {
			return schemaFailure(batch.Index, labelName, "is missing")
		}
		labelIdx = idx
	}
	if labelIdx < 0 {
		return schemaFailure(batch.Index, "", "batch has no columns")
	}

	var featureIdx []int
	var features []string
	if len(n.FeatureColumns) > 0 {
		for _, f := range n.FeatureColumns {
			f = strings.TrimSpace(f)
			idx, ok := index[f]
			if !ok {
				return schemaFailure(batch.Index, f, "is missing")
			}
			featureIdx = append(featureIdx, idx)
			features = append(features, f)
		}
	} else {
		for i, c := range columns {
			if i == labelIdx {
				continue
			}
			featureIdx = append(featureIdx, i)
			features = append(features, c)
		}
	}
	if len(featureIdx) == 0 {
		return schemaFailure(batch.Index, "", "no feature columns besides the label")
	}

	bound := n.bound()
	data := make([]float64, 0, len(batch.Rows)*len(featureIdx))
	labels := make([]string, 0, len(batch.Rows))
	dropped := 0
	for _, row := range batch.Rows {
		if labelIdx >= len(row) || strings.TrimSpace(row[labelIdx]) == "" {
			dropped++
			continue
		}
		for _, j := range featureIdx {
			cell := ""
			if j < len(row) {
				cell = row[j]
			}
			data = append(data, errors.Sanitize(parseCell(cell), bound))
		}
		labels = append(labels, row[labelIdx])
	}

	if len(labels) == 0 {
		return NormalizeResult{
			Outcome:     OutcomeEmpty,
			Features:    features,
			DroppedRows: dropped,
			Err:         errors.ErrEmptyChunk,
		}
	}

	return NormalizeResult{
		Outcome:     OutcomeOK,
		X:           mat.NewDense(len(labels), len(featureIdx), data),
		Labels:      labels,
		Features:    features,
		DroppedRows: dropped,
	}
}

// parseCell は数値に変換できないセルを NaN（欠損）として返す
func parseCell(s string) float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return math.NaN()
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		// 範囲外の値は ParseFloat が ±Inf とともにエラーを返す
		if ne, ok := err.(*strconv.NumError); ok && ne.Err == strconv.ErrRange {
			return v
		}
		return math.NaN()
	}
	return v
}

func schemaFailure(chunk int, column, reason string) NormalizeResult {
	return NormalizeResult{
		Outcome: OutcomeSchemaError,
		Err:     errors.NewSchemaError(chunk, column, reason),
	}
}
