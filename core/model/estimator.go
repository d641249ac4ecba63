package model

import "gonum.org/v1/gonum/mat"

// Estimator は学習状態を持つモデルの基本インターフェース
type Estimator interface {
	// IsFitted はモデルが学習済みかどうかを返す
	IsFitted() bool
}

// Fitter は学習可能なモデルのインターフェース
type Fitter interface {
	// Fit はモデルを訓練データで学習させる
	// y は n×1 のクラスコード列
	Fit(X, y mat.Matrix) error
}

// Predictor は予測可能なモデルのインターフェース
type Predictor interface {
	// Predict は入力データに対する予測を行う
	// 戻り値は n×1 のクラスコード列
	Predict(X mat.Matrix) (mat.Matrix, error)
}
