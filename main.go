package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"houseprice/config"
	"houseprice/db"
	qhttp "houseprice/http"
	"houseprice/logging"
	"houseprice/monitoring"
	"houseprice/serving"
	"houseprice/training"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	// 1. Load config
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		configPath = ""
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 2. Initialize database
	var runs *db.Registry
	if cfg.Database.Path != "" {
		runs, err = db.Open(cfg.Database.Path)
		if err != nil {
			return fmt.Errorf("open registry: %w", err)
		}
		defer runs.Close()
		logger.Info("registry opened", zap.String("path", cfg.Database.Path))
	}

	// 3. Monitoring
	metrics := monitoring.NewMetrics()
	hub := monitoring.NewHub(logger, cfg.HTTP.AllowedOrigins)
	go hub.Run(ctx)

	// 4. Prediction service
	predictor, err := serving.NewPredictor(cfg.Model.Path,
		serving.WithLogger(logger),
		serving.WithCacheSize(cfg.Serving.CacheSize),
		serving.WithObserver(reloadNotifier{Metrics: metrics, hub: hub, path: cfg.Model.Path}),
	)
	if err != nil {
		return err
	}
	if cfg.Serving.Watch {
		go func() {
			if err := predictor.Watch(ctx); err != nil {
				logger.Error("model watcher stopped", zap.Error(err))
			}
		}()
	}

	// 5. Training
	trainerOpts := []training.Option{
		training.WithLogger(logger),
		training.WithEventSink(hub),
		training.WithRecorder(metrics),
	}
	deps := qhttp.Deps{
		Predictor:      predictor,
		Events:         hub,
		Metrics:        metrics.Handler(),
		Logger:         logger,
		MaxBatch:       cfg.Serving.MaxBatch,
		LogPredictions: cfg.Serving.LogPredictions,
		BaseContext:    ctx,
		Timeout:        cfg.HTTP.Timeout,
	}
	if runs != nil {
		trainerOpts = append(trainerOpts, training.WithRegistry(runs))
		deps.Runs = runs
	}
	trainer := training.NewTrainer(*cfg, trainerOpts...)
	deps.Trainer = trainer
	if cfg.Training.RetrainInterval > 0 {
		scheduler, err := training.NewScheduler(trainer, cfg.Training.RetrainInterval, logger)
		if err != nil {
			return err
		}
		go scheduler.Run(ctx)
	}

	// 6. Start HTTP server
	server := qhttp.NewServer(qhttp.ServerConfigFrom(cfg.HTTP), qhttp.NewAPI(deps), metrics, logger)
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	// 7. Handle graceful shutdown
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down")
	if err := server.Stop(); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}
	logger.Info("exiting")
	return nil
}

// reloadNotifier 在记录指标的同时把模型重载事件推送给 WebSocket 客户端
type reloadNotifier struct {
	*monitoring.Metrics
	hub  *monitoring.Hub
	path string
}

func (n reloadNotifier) ObserveReload(err error, available bool) {
	n.Metrics.ObserveReload(err, available)
	if err != nil {
		return
	}
	_ = n.hub.Publish(monitoring.ModelReloaded, map[string]string{"path": n.path})
}
