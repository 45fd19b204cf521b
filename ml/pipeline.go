package ml

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"houseprice/apperrors"
)

const (
	artifactVersion = 1
	TargetLog1p     = "log1p"
)

// Meta describes how and when a pipeline was produced.
type Meta struct {
	RunID           string           `json:"run_id,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	TargetTransform string           `json:"target_transform"`
	ModelType       string           `json:"model_type"`
	TrainRows       int              `json:"train_rows"`
	Metrics         *Metrics         `json:"metrics,omitempty"`
	Skipped         []SkippedFeature `json:"skipped,omitempty"`
}

// Pipeline is the single fitted artifact produced by training and consumed
// by serving: the preprocessor state plus the trained regressor.
type Pipeline struct {
	Preprocessor *Preprocessor
	Model        Regressor
	Meta         Meta
}

func NewPipeline(model Regressor) *Pipeline {
	return &Pipeline{Model: model, Meta: Meta{TargetTransform: TargetLog1p}}
}

// Fit learns the preprocessor on frame and trains the model on the
// log-transformed targets.
func (p *Pipeline) Fit(ctx context.Context, frame *Frame, yLog []float64, progress ProgressFunc) error {
	if p.Model == nil {
		return errors.New("pipeline has no model")
	}
	if frame == nil || frame.Rows != len(yLog) {
		return errors.New("frame and target size mismatch")
	}
	pre, err := FitPreprocessor(frame)
	if err != nil {
		return fmt.Errorf("fit preprocessor: %w", err)
	}
	X, err := pre.Transform(frame)
	if err != nil {
		return fmt.Errorf("transform training frame: %w", err)
	}
	if err := p.Model.Fit(ctx, X, yLog, progress); err != nil {
		return fmt.Errorf("fit model: %w", err)
	}
	kind, err := modelType(p.Model)
	if err != nil {
		return err
	}
	p.Preprocessor = pre
	p.Meta.ModelType = kind
	p.Meta.TrainRows = frame.Rows
	if p.Meta.TargetTransform == "" {
		p.Meta.TargetTransform = TargetLog1p
	}
	return nil
}

func (p *Pipeline) Schema() Schema {
	if p.Preprocessor == nil {
		return Schema{}
	}
	return p.Preprocessor.Schema
}

// PredictLog returns raw model outputs in log1p space.
func (p *Pipeline) PredictLog(frame *Frame) ([]float64, error) {
	if p.Preprocessor == nil || p.Model == nil {
		return nil, ErrNotFitted
	}
	X, err := p.Preprocessor.Transform(frame)
	if err != nil {
		return nil, err
	}
	return p.Model.Predict(X)
}

// Predict returns prices on the original scale, never negative.
func (p *Pipeline) Predict(frame *Frame) ([]float64, error) {
	raw, err := p.PredictLog(frame)
	if err != nil {
		return nil, err
	}
	prices := make([]float64, len(raw))
	for i, v := range raw {
		prices[i] = InverseTarget(v)
	}
	return prices, nil
}

type artifact struct {
	Version      int             `json:"version"`
	Meta         Meta            `json:"meta"`
	Preprocessor *Preprocessor   `json:"preprocessor"`
	ModelType    string          `json:"model_type"`
	Model        json.RawMessage `json:"model"`
}

// Save writes the pipeline as JSON. The file is replaced atomically so a
// concurrent reader sees either the old or the new artifact.
func (p *Pipeline) Save(path string) error {
	if p.Preprocessor == nil || p.Model == nil {
		return ErrNotFitted
	}
	kind, err := modelType(p.Model)
	if err != nil {
		return err
	}
	model, err := json.Marshal(p.Model)
	if err != nil {
		return fmt.Errorf("encode model: %w", err)
	}
	payload, err := json.Marshal(artifact{
		Version:      artifactVersion,
		Meta:         p.Meta,
		Preprocessor: p.Preprocessor,
		ModelType:    kind,
		Model:        model,
	})
	if err != nil {
		return fmt.Errorf("encode pipeline: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".pipeline-*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// LoadPipeline reads an artifact written by Save. Any failure, including a
// missing file, is reported as apperrors.ErrModelUnavailable.
func LoadPipeline(path string) (*Pipeline, error) {
	p, err := loadPipeline(path)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrModelUnavailable, fmt.Errorf("%s: %w", path, err))
	}
	return p, nil
}

func loadPipeline(path string) (*Pipeline, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var a artifact
	if err := json.Unmarshal(payload, &a); err != nil {
		return nil, fmt.Errorf("decode pipeline: %w", err)
	}
	if a.Version != artifactVersion {
		return nil, fmt.Errorf("unsupported artifact version %d", a.Version)
	}
	if a.Preprocessor == nil {
		return nil, errors.New("artifact has no preprocessor")
	}
	if err := a.Preprocessor.check(); err != nil {
		return nil, err
	}
	if a.Meta.TargetTransform != TargetLog1p {
		return nil, fmt.Errorf("unsupported target transform %q", a.Meta.TargetTransform)
	}
	model, err := decodeModel(a.ModelType, a.Model)
	if err != nil {
		return nil, err
	}
	if w := modelWidth(model); w != a.Preprocessor.Width() {
		return nil, fmt.Errorf("model expects %d features, preprocessor produces %d", w, a.Preprocessor.Width())
	}
	a.Preprocessor.buildIndex()
	return &Pipeline{Preprocessor: a.Preprocessor, Model: model, Meta: a.Meta}, nil
}

func modelWidth(model Regressor) int {
	switch m := model.(type) {
	case *GBMRegressor:
		if len(m.Trees) == 0 {
			return 0
		}
		return m.FeatureCount
	case *DecisionTreeRegressor:
		if len(m.Tree.Nodes) == 0 {
			return 0
		}
		return m.FeatureCount
	}
	return -1
}
