package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"houseprice/apperrors"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
data:
  train_path: in/train.xlsx
  test_path: in/test.csv
  encoding: latin1
model:
  type: decision_tree
  path: out/model.json
  params:
    n_estimators: 50
    max_depth: 4
    learning_rate: 0.1
    subsample: 1
    colsample_bytree: 1
    lambda: 1
    min_child_weight: 1
http:
  port: 9090
  timeout: 5s
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Data.TrainPath != "in/train.xlsx" || cfg.Data.Encoding != "latin1" {
		t.Fatalf("data section not applied: %+v", cfg.Data)
	}
	if cfg.Model.Type != "decision_tree" || cfg.Model.Params.NEstimators != 50 {
		t.Fatalf("model section not applied: %+v", cfg.Model)
	}
	if cfg.HTTP.Port != 9090 || cfg.HTTP.Timeout != 5*time.Second {
		t.Fatalf("http section not applied: %+v", cfg.HTTP)
	}
	// untouched sections keep their defaults
	if cfg.Data.TargetColumn != "price" || cfg.Serving.MaxBatch != 1000 {
		t.Fatalf("defaults lost: %+v %+v", cfg.Data, cfg.Serving)
	}
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := writeConfig(t, "http:\n  port: 9090\n")
	t.Setenv("HOUSEPRICE_HTTP_PORT", "7070")
	t.Setenv("HOUSEPRICE_MODEL_PATH", "/srv/model.json")
	t.Setenv("HOUSEPRICE_HTTP_ALLOWED_ORIGINS", "http://a.example,http://b.example")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTP.Port != 7070 {
		t.Fatalf("expected env port 7070, got %d", cfg.HTTP.Port)
	}
	if cfg.Model.Path != "/srv/model.json" {
		t.Fatalf("expected env model path, got %s", cfg.Model.Path)
	}
	if len(cfg.HTTP.AllowedOrigins) != 2 || cfg.HTTP.AllowedOrigins[1] != "http://b.example" {
		t.Fatalf("unexpected origins %v", cfg.HTTP.AllowedOrigins)
	}
}

func TestBareEnvironmentNamesIgnored(t *testing.T) {
	t.Setenv("PORT", "1234")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTP.Port != 8000 {
		t.Fatalf("unprefixed PORT must not apply, got %d", cfg.HTTP.Port)
	}
	if cfg.Model.Path == os.Getenv("PATH") {
		t.Fatal("unprefixed PATH must not apply")
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name string
		path string
	}{
		{"missing file", filepath.Join(t.TempDir(), "nope.yaml")},
		{"malformed yaml", writeConfig(t, "http: [")},
		{"unknown key", writeConfig(t, "htp:\n  port: 1\n")},
		{"invalid model type", writeConfig(t, "model:\n  type: forest\n")},
		{"port out of range", writeConfig(t, "http:\n  port: 70000\n")},
		{"zero estimators", writeConfig(t, "model:\n  params:\n    n_estimators: 0\n")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(tt.path)
			if !errors.Is(err, apperrors.ErrConfiguration) {
				t.Fatalf("expected ErrConfiguration, got %v", err)
			}
		})
	}
}
