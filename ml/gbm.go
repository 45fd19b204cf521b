package ml

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"

	"gonum.org/v1/gonum/mat"
)

// GBMParams are the boosting hyperparameters. Field names follow the usual
// gradient boosting vocabulary so config files read naturally.
type GBMParams struct {
	NEstimators     int     `json:"n_estimators" yaml:"n_estimators" validate:"gte=1"`
	MaxDepth        int     `json:"max_depth" yaml:"max_depth" validate:"gte=1,lte=16"`
	LearningRate    float64 `json:"learning_rate" yaml:"learning_rate" validate:"gt=0,lte=1"`
	Subsample       float64 `json:"subsample" yaml:"subsample" validate:"gt=0,lte=1"`
	ColsampleByTree float64 `json:"colsample_bytree" yaml:"colsample_bytree" validate:"gt=0,lte=1"`
	Lambda          float64 `json:"lambda" yaml:"lambda" validate:"gte=0"`
	Gamma           float64 `json:"gamma" yaml:"gamma" validate:"gte=0"`
	MinChildWeight  float64 `json:"min_child_weight" yaml:"min_child_weight" validate:"gte=0"`
	Seed            int64   `json:"seed" yaml:"seed"`
}

func DefaultGBMParams() GBMParams {
	return GBMParams{
		NEstimators:     500,
		MaxDepth:        5,
		LearningRate:    0.05,
		Subsample:       0.8,
		ColsampleByTree: 0.8,
		Lambda:          1,
		MinChildWeight:  1,
		Seed:            42,
	}
}

func (p GBMParams) validate() error {
	switch {
	case p.NEstimators <= 0:
		return errors.New("n_estimators must be positive")
	case p.MaxDepth <= 0:
		return errors.New("max_depth must be positive")
	case p.LearningRate <= 0:
		return errors.New("learning_rate must be positive")
	case p.Subsample <= 0 || p.Subsample > 1:
		return errors.New("subsample must be in (0, 1]")
	case p.ColsampleByTree <= 0 || p.ColsampleByTree > 1:
		return errors.New("colsample_bytree must be in (0, 1]")
	case p.Lambda < 0 || p.Gamma < 0 || p.MinChildWeight < 0:
		return errors.New("regularization terms must be non-negative")
	}
	return nil
}

// GBMRegressor is a squared-error gradient boosted tree ensemble.
type GBMRegressor struct {
	Params       GBMParams        `json:"params"`
	BaseScore    float64          `json:"base_score"`
	FeatureCount int              `json:"feature_count"`
	Trees        []RegressionTree `json:"trees"`
}

func NewGBMRegressor(params GBMParams) *GBMRegressor {
	return &GBMRegressor{Params: params}
}

func (m *GBMRegressor) Fit(ctx context.Context, X mat.Matrix, y []float64, progress ProgressFunc) error {
	if err := m.Params.validate(); err != nil {
		return err
	}
	cols, err := checkTrainingData(X, y)
	if err != nil {
		return err
	}
	n := len(y)
	builder := newTreeBuilder(cols, m.Params.MaxDepth, m.Params.Lambda, m.Params.Gamma, m.Params.MinChildWeight)
	rng := rand.New(rand.NewSource(m.Params.Seed))

	m.BaseScore = meanOf(y)
	m.FeatureCount = len(cols)
	m.Trees = make([]RegressionTree, 0, m.Params.NEstimators)

	pred := make([]float64, n)
	for i := range pred {
		pred[i] = m.BaseScore
	}
	grad := make([]float64, n)
	hess := make([]float64, n)
	row := make([]float64, len(cols))

	for round := 0; round < m.Params.NEstimators; round++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		for i := range grad {
			grad[i] = pred[i] - y[i]
			hess[i] = 1
		}
		rows := sampleIndices(rng, n, m.Params.Subsample)
		features := sampleIndices(rng, len(cols), m.Params.ColsampleByTree)

		tree, err := builder.build(ctx, grad, hess, rows, features, m.Params.LearningRate)
		if err != nil {
			return fmt.Errorf("round %d: %w", round+1, err)
		}
		m.Trees = append(m.Trees, tree)

		var sse float64
		for i := range pred {
			for j := range cols {
				row[j] = cols[j][i]
			}
			v, err := tree.PredictRow(row)
			if err != nil {
				return fmt.Errorf("round %d: %w", round+1, err)
			}
			pred[i] += v
			d := pred[i] - y[i]
			sse += d * d
		}
		if progress != nil {
			progress(RoundProgress{Round: round + 1, Total: m.Params.NEstimators, TrainRMSE: math.Sqrt(sse / float64(n))})
		}
	}
	return nil
}

func (m *GBMRegressor) Predict(X mat.Matrix) ([]float64, error) {
	if len(m.Trees) == 0 {
		return nil, ErrNotFitted
	}
	return predictRows(X, m.FeatureCount, func(row []float64) (float64, error) {
		sum := m.BaseScore
		for i := range m.Trees {
			v, err := m.Trees[i].PredictRow(row)
			if err != nil {
				return 0, fmt.Errorf("tree %d: %w", i, err)
			}
			sum += v
		}
		return sum, nil
	})
}

// sampleIndices draws round(fraction*n) distinct indices, at least one,
// returned in ascending order.
func sampleIndices(rng *rand.Rand, n int, fraction float64) []int {
	if fraction >= 1 {
		return allIndices(n)
	}
	k := int(math.Round(fraction * float64(n)))
	k = max(1, min(k, n))
	picked := rng.Perm(n)[:k]
	sort.Ints(picked)
	return picked
}
