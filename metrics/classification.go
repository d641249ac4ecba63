// Package metrics computes classification metrics over integer class codes.
package metrics

import (
	"slices"
	"strings"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/YuminosukeSato/flowclf/pkg/errors"
)

// Average は多クラスの precision/recall/F1 をまとめる方法
type Average int

const (
	// Macro はラベルごとの値の単純平均
	Macro Average = iota
	// Weighted はラベルごとの値を真のサポート数で重み付けした平均
	Weighted
)

func (a Average) String() string {
	if a == Weighted {
		return "weighted"
	}
	return "macro"
}

// ParseAverage は "macro" / "weighted" を Average に変換する
func ParseAverage(s string) (Average, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "macro":
		return Macro, nil
	case "weighted":
		return Weighted, nil
	}
	return Macro, errors.NewValidationError("average", "must be macro or weighted", s)
}

// Scores は平均化済みの precision/recall/F1
type Scores struct {
	Precision float64
	Recall    float64
	F1        float64
}

// ClassScore は1ラベル分のスコア
type ClassScore struct {
	Code      int
	Precision float64
	Recall    float64
	F1        float64
	Support   int
}

func checkPair(op string, yTrue, yPred []int) error {
	if len(yTrue) == 0 {
		return errors.NewValueError(op, "empty input")
	}
	if len(yPred) != len(yTrue) {
		return errors.NewDimensionError(op, len(yTrue), len(yPred), 0)
	}
	return nil
}

// Labels は yTrue と yPred に現れるコードの和集合を昇順で返す
func Labels(yTrue, yPred []int) []int {
	labels := make([]int, 0, len(yTrue)+len(yPred))
	labels = append(labels, yTrue...)
	labels = append(labels, yPred...)
	slices.Sort(labels)
	return slices.Compact(labels)
}

// Accuracy は一致率を計算する
func Accuracy(yTrue, yPred []int) (float64, error) {
	if err := checkPair("Accuracy", yTrue, yPred); err != nil {
		return 0, err
	}
	correct := 0
	for i := range yTrue {
		if yTrue[i] == yPred[i] {
			correct++
		}
	}
	return float64(correct) / float64(len(yTrue)), nil
}

// ConfusionMatrix は混同行列を返す。行が真のラベル、列が予測ラベルで、
// どちらも返り値 labels の昇順コード順に並ぶ
func ConfusionMatrix(yTrue, yPred []int) ([]int, *mat.Dense, error) {
	if err := checkPair("ConfusionMatrix", yTrue, yPred); err != nil {
		return nil, nil, err
	}
	labels := Labels(yTrue, yPred)
	cm := mat.NewDense(len(labels), len(labels), nil)
	for i := range yTrue {
		r, _ := slices.BinarySearch(labels, yTrue[i])
		c, _ := slices.BinarySearch(labels, yPred[i])
		cm.Set(r, c, cm.At(r, c)+1)
	}
	return labels, cm, nil
}

// PerClass はラベルごとの precision/recall/F1/support を計算する。
// 分母が 0 のときは 0 とし、UndefinedMetricWarning を一度だけ発行する
func PerClass(yTrue, yPred []int) ([]ClassScore, error) {
	labels, cm, err := ConfusionMatrix(yTrue, yPred)
	if err != nil {
		return nil, err
	}
	k := len(labels)
	out := make([]ClassScore, k)
	var noPredicted, noTrue bool
	for j := 0; j < k; j++ {
		tp := cm.At(j, j)
		predicted := mat.Sum(cm.ColView(j))
		support := mat.Sum(cm.RowView(j))

		s := ClassScore{Code: labels[j], Support: int(support)}
		if predicted > 0 {
			s.Precision = tp / predicted
		} else {
			noPredicted = true
		}
		if support > 0 {
			s.Recall = tp / support
		} else {
			noTrue = true
		}
		if s.Precision+s.Recall > 0 {
			s.F1 = 2 * s.Precision * s.Recall / (s.Precision + s.Recall)
		}
		out[j] = s
	}
	if noPredicted {
		errors.Warn(errors.NewUndefinedMetricWarning("precision", "labels with no predicted samples", 0))
	}
	if noTrue {
		errors.Warn(errors.NewUndefinedMetricWarning("recall", "labels with no true samples", 0))
	}
	return out, nil
}

// PrecisionRecallF1 は avg に従って平均化した precision/recall/F1 を返す。
// ラベル集合は yTrue と yPred の和集合
func PrecisionRecallF1(yTrue, yPred []int, avg Average) (Scores, error) {
	per, err := PerClass(yTrue, yPred)
	if err != nil {
		return Scores{}, err
	}
	p := make([]float64, len(per))
	r := make([]float64, len(per))
	f := make([]float64, len(per))
	var weights []float64
	if avg == Weighted {
		weights = make([]float64, len(per))
	}
	for i, s := range per {
		p[i], r[i], f[i] = s.Precision, s.Recall, s.F1
		if weights != nil {
			weights[i] = float64(s.Support)
		}
	}
	return Scores{
		Precision: stat.Mean(p, weights),
		Recall:    stat.Mean(r, weights),
		F1:        stat.Mean(f, weights),
	}, nil
}
