package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"go.uber.org/zap"

	"houseprice/config"
	"houseprice/db"
	"houseprice/housing"
	"houseprice/logging"
	"houseprice/serving"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	input := flag.String("input", "", "records to score, defaults to data.test_path")
	output := flag.String("output", "-", "CSV output path, - for stdout")
	limit := flag.Int("limit", 5, "score only the first N records, negative for all")
	flag.Parse()

	if _, err := os.Stat(*configPath); os.IsNotExist(err) {
		*configPath = ""
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if *input == "" {
		*input = cfg.Data.TestPath
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		log.Fatalf("failed to create logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(context.Background(), cfg, logger, *input, *output, *limit); err != nil {
		logger.Fatal("prediction failed", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger, input, output string, limit int) error {
	ds, err := housing.Load(input, housing.LoadOptions{
		TargetColumn: housing.Column(cfg.Data.TargetColumn),
		Encoding:     cfg.Data.Encoding,
		Sheet:        cfg.Data.Sheet,
	})
	if err != nil {
		return err
	}
	ds = ds.Head(limit)

	predictor, err := serving.NewPredictor(cfg.Model.Path,
		serving.WithLogger(logger),
		serving.WithCacheSize(0),
		serving.WithSource("cli"),
	)
	if err != nil {
		return err
	}
	preds, err := predictor.PredictDataset(ctx, ds)
	if err != nil {
		return err
	}
	if dropped := ds.Len() - len(preds); dropped > 0 {
		logger.Warn("records without a prediction", zap.Int("dropped", dropped))
	}

	var w io.Writer = os.Stdout
	if output != "-" {
		f, err := os.Create(output)
		if err != nil {
			return fmt.Errorf("create %s: %w", output, err)
		}
		defer f.Close()
		w = f
	}
	bw := bufio.NewWriter(w)
	if err := serving.WritePredictionsCSV(bw, serving.RecordIDs(ds.Records), preds); err != nil {
		return fmt.Errorf("write predictions: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return err
	}

	if cfg.Serving.LogPredictions && cfg.Database.Path != "" {
		savePredictions(ctx, cfg.Database.Path, predictor.Status(), preds, logger)
	}
	return nil
}

// savePredictions 写入预测日志，失败只记录警告
func savePredictions(ctx context.Context, path string, status serving.Status, preds []serving.Prediction, logger *zap.Logger) {
	runs, err := db.Open(path)
	if err != nil {
		logger.Warn("registry unavailable, predictions not logged", zap.Error(err))
		return
	}
	defer runs.Close()

	var runID string
	if status.Meta != nil {
		runID = status.Meta.RunID
	}
	now := time.Now().UTC()
	logs := make([]db.PredictionLog, len(preds))
	for i, p := range preds {
		logs[i] = db.PredictionLog{
			ModelRunID: runID,
			Source:     "cli",
			Row:        p.Row,
			Price:      p.Price.StringFixed(2),
			CreatedAt:  now,
		}
	}
	if err := runs.SavePredictions(ctx, logs); err != nil {
		logger.Warn("save predictions failed", zap.Error(err))
	}
}
