package ml

import (
	"encoding/json"
	"fmt"
)

const (
	ModelGBM          = "gbm"
	ModelDecisionTree = "decision_tree"
)

// NewRegressor builds an untrained regressor of the given kind.
func NewRegressor(modelType string, params GBMParams) (Regressor, error) {
	switch modelType {
	case "", ModelGBM:
		return NewGBMRegressor(params), nil
	case ModelDecisionTree:
		return &DecisionTreeRegressor{
			MaxDepth:       params.MaxDepth,
			MinChildWeight: params.MinChildWeight,
			Lambda:         params.Lambda,
		}, nil
	default:
		return nil, fmt.Errorf("unsupported model type %q", modelType)
	}
}

func modelType(model Regressor) (string, error) {
	switch model.(type) {
	case *GBMRegressor:
		return ModelGBM, nil
	case *DecisionTreeRegressor:
		return ModelDecisionTree, nil
	default:
		return "", fmt.Errorf("model %T cannot be persisted", model)
	}
}

func decodeModel(modelType string, payload json.RawMessage) (Regressor, error) {
	var model Regressor
	switch modelType {
	case ModelGBM:
		model = &GBMRegressor{}
	case ModelDecisionTree:
		model = &DecisionTreeRegressor{}
	default:
		return nil, fmt.Errorf("unsupported model type %q", modelType)
	}
	if err := json.Unmarshal(payload, model); err != nil {
		return nil, fmt.Errorf("decode %s model: %w", modelType, err)
	}
	return model, nil
}
