package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"houseprice/config"
	"houseprice/db"
	"houseprice/logging"
	"houseprice/training"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	trainPath := flag.String("train", "", "training file, overrides data.train_path")
	testPath := flag.String("test", "", "evaluation file, overrides data.test_path")
	modelPath := flag.String("model_path", "", "artifact output path, overrides model.path")
	search := flag.Bool("search", false, "run the parameter search before the final fit")
	asJSON := flag.Bool("json", false, "print the run report as JSON")
	flag.Parse()

	if _, err := os.Stat(*configPath); os.IsNotExist(err) {
		*configPath = ""
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if *trainPath != "" {
		cfg.Data.TrainPath = *trainPath
	}
	if *testPath != "" {
		cfg.Data.TestPath = *testPath
	}
	if *modelPath != "" {
		cfg.Model.Path = *modelPath
	}
	if *search {
		cfg.Tuning.Enabled = true
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		log.Fatalf("failed to create logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	opts := []training.Option{training.WithLogger(logger)}
	if cfg.Database.Path != "" {
		runs, err := db.Open(cfg.Database.Path)
		if err != nil {
			logger.Fatal("failed to open registry", zap.Error(err))
		}
		defer runs.Close()
		opts = append(opts, training.WithRegistry(runs))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	report, err := training.NewTrainer(*cfg, opts...).Train(ctx)
	if err != nil {
		logger.Fatal("training failed", zap.Error(err))
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			logger.Fatal("failed to encode report", zap.Error(err))
		}
		return
	}

	fmt.Printf("run %s: %d training rows, %d rejected, %d dropped\n",
		report.RunID, report.TrainRows, report.Rejected, report.Dropped)
	if report.Metrics != nil {
		fmt.Printf("evaluation on %d rows: %s\n", report.TestRows, report.Metrics)
	} else {
		fmt.Println("evaluation skipped: test file has no target column")
	}
	if report.Tuning != nil {
		best := report.Tuning.Best
		fmt.Printf("parameter search: best of %d candidates n_estimators=%d max_depth=%d learning_rate=%g (validation %s)\n",
			len(report.Tuning.Trials), best.Params.NEstimators, best.Params.MaxDepth, best.Params.LearningRate, best.Metrics)
	}
	fmt.Printf("model saved to %s\n", report.ModelPath)
}
