package ml

import (
	"context"
	"errors"

	"gonum.org/v1/gonum/mat"
)

var (
	ErrNotFitted      = errors.New("model not trained")
	ErrSchemaMismatch = errors.New("feature schema mismatch")
)

// RoundProgress is reported after every boosting round.
type RoundProgress struct {
	Round     int     `json:"round"`
	Total     int     `json:"total"`
	TrainRMSE float64 `json:"train_rmse"`
}

type ProgressFunc func(RoundProgress)

// Regressor predicts a continuous target from a preprocessed design matrix.
type Regressor interface {
	Fit(ctx context.Context, X mat.Matrix, y []float64, progress ProgressFunc) error
	Predict(X mat.Matrix) ([]float64, error)
}
