package ml

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Metrics are computed on the original price scale.
type Metrics struct {
	MAE  float64 `json:"mae"`
	MSE  float64 `json:"mse"`
	RMSE float64 `json:"rmse"`
	R2   float64 `json:"r2"`
}

func (m Metrics) String() string {
	return fmt.Sprintf("MAE=%.2f MSE=%.2f RMSE=%.2f R2=%.4f", m.MAE, m.MSE, m.RMSE, m.R2)
}

func Evaluate(actual, predicted []float64) (Metrics, error) {
	if len(actual) == 0 {
		return Metrics{}, errors.New("no values to evaluate")
	}
	if len(actual) != len(predicted) {
		return Metrics{}, fmt.Errorf("length mismatch: %d actual, %d predicted", len(actual), len(predicted))
	}
	if !allFinite(actual) || !allFinite(predicted) {
		return Metrics{}, errors.New("values must be finite")
	}

	residuals := make([]float64, len(actual))
	floats.SubTo(residuals, actual, predicted)
	n := float64(len(actual))
	mae := floats.Norm(residuals, 1) / n
	mse := floats.Dot(residuals, residuals) / n

	// R² is undefined for a constant target; report 1 for a perfect fit and
	// 0 otherwise.
	var r2 float64
	if len(actual) > 1 && stat.Variance(actual, nil) > 0 {
		r2 = stat.RSquaredFrom(predicted, actual, nil)
	} else if mse == 0 {
		r2 = 1
	}
	return Metrics{MAE: mae, MSE: mse, RMSE: math.Sqrt(mse), R2: r2}, nil
}

func allFinite(values []float64) bool {
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
