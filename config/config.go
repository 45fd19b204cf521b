// Package config loads the application configuration: built-in defaults,
// then a YAML file, then a .env file and HOUSEPRICE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"

	"houseprice/apperrors"
	"houseprice/ml"
	"houseprice/tuning"
)

// EnvPrefix prefixes every environment override, e.g.
// HOUSEPRICE_MODEL_PATH or HOUSEPRICE_HTTP_PORT. Leaf fields use split_words
// rather than envconfig tags: a tagged field would also read the bare name
// (PATH, PORT) from the environment.
const EnvPrefix = "HOUSEPRICE"

type Config struct {
	Data     DataConfig          `yaml:"data"`
	Model    ModelConfig         `yaml:"model"`
	Training TrainingConfig      `yaml:"training"`
	Tuning   tuning.SearchConfig `yaml:"tuning"`
	Serving  ServingConfig       `yaml:"serving"`
	HTTP     HTTPConfig          `yaml:"http"`
	Database DatabaseConfig      `yaml:"database"`
	Log      LogConfig           `yaml:"log"`
}

// DataConfig locates the training and evaluation files.
type DataConfig struct {
	TrainPath    string `yaml:"train_path" split_words:"true" validate:"required"`
	TestPath     string `yaml:"test_path" split_words:"true" validate:"required"`
	TargetColumn string `yaml:"target_column" split_words:"true" validate:"required"`
	// Encoding of CSV input, e.g. latin1. Empty means UTF-8.
	Encoding string `yaml:"encoding" split_words:"true"`
	Sheet    string `yaml:"sheet" split_words:"true"`
}

type ModelConfig struct {
	Type   string       `yaml:"type" split_words:"true" validate:"oneof=gbm decision_tree"`
	Path   string       `yaml:"path" split_words:"true" validate:"required"`
	Params ml.GBMParams `yaml:"params"`
}

type TrainingConfig struct {
	// ProgressEvery publishes a progress event every N boosting rounds.
	ProgressEvery int           `yaml:"progress_every" split_words:"true" validate:"gte=1"`
	Timeout       time.Duration `yaml:"timeout" split_words:"true" validate:"gte=0"`
	// RetrainInterval starts a run periodically from the server. Zero disables it.
	RetrainInterval time.Duration `yaml:"retrain_interval" split_words:"true" validate:"gte=0"`
}

type ServingConfig struct {
	CacheSize int  `yaml:"cache_size" split_words:"true" validate:"gte=0"`
	Watch     bool `yaml:"watch" split_words:"true"`
	// MaxBatch bounds the records accepted by one batch request.
	MaxBatch int `yaml:"max_batch" split_words:"true" validate:"gte=1"`
	// LogPredictions stores served predictions in the registry.
	LogPredictions bool `yaml:"log_predictions" split_words:"true"`
}

type HTTPConfig struct {
	Port            int           `yaml:"port" split_words:"true" validate:"min=1,max=65535"`
	Timeout         time.Duration `yaml:"timeout" split_words:"true" validate:"gt=0"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" split_words:"true" validate:"gt=0"`
	AllowedOrigins  []string      `yaml:"allowed_origins" split_words:"true"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes" split_words:"true" validate:"gt=0"`
}

type DatabaseConfig struct {
	// Path of the SQLite registry. Empty disables run history.
	Path string `yaml:"path" split_words:"true"`
}

type LogConfig struct {
	Level      string `yaml:"level" split_words:"true" validate:"oneof=debug info warn error"`
	File       string `yaml:"file" split_words:"true"`
	MaxSizeMB  int    `yaml:"max_size_mb" split_words:"true" validate:"gte=0"`
	MaxBackups int    `yaml:"max_backups" split_words:"true" validate:"gte=0"`
	MaxAgeDays int    `yaml:"max_age_days" split_words:"true" validate:"gte=0"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		Data: DataConfig{
			TrainPath:    "data/housing_train.csv",
			TestPath:     "data/housing_test.csv",
			TargetColumn: "price",
		},
		Model: ModelConfig{
			Type:   ml.ModelGBM,
			Path:   "models/house_price_pipeline.json",
			Params: ml.DefaultGBMParams(),
		},
		Training: TrainingConfig{
			ProgressEvery: 10,
		},
		Tuning: tuning.DefaultSearchConfig(),
		Serving: ServingConfig{
			CacheSize: 4096,
			Watch:     true,
			MaxBatch:  1000,
		},
		HTTP: HTTPConfig{
			Port:            8000,
			Timeout:         30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			AllowedOrigins:  []string{"http://localhost:3000", "http://localhost:8000"},
			MaxBodyBytes:    1 << 20,
		},
		Database: DatabaseConfig{
			Path: "data/registry.db",
		},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// Load builds the configuration. path may be empty to skip the YAML file;
// a named file that does not exist is an error. A .env file in the working
// directory is read when present; variables already set in the environment
// win over it.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrConfiguration, err)
		}
	}
	if err := loadDotEnv(".env"); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrConfiguration, err)
	}
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrConfiguration, fmt.Errorf("environment: %w", err))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func loadDotEnv(path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

var validate = validator.New()

// Validate checks every section and reports all offending fields at once.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return apperrors.Wrap(apperrors.ErrConfiguration, err)
	}
	msgs := make([]string, len(verrs))
	for i, fe := range verrs {
		msgs[i] = fmt.Sprintf("%s failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value())
	}
	return apperrors.Wrapf(apperrors.ErrConfiguration, "invalid config: %s", strings.Join(msgs, "; "))
}
