// Package training runs the end-to-end training job: load, clean, engineer,
// fit, evaluate and persist the pipeline.
package training

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"houseprice/apperrors"
	"houseprice/config"
	"houseprice/db"
	"houseprice/housing"
	"houseprice/ml"
	"houseprice/monitoring"
	"houseprice/pipeline"
	"houseprice/tuning"
)

// ErrRunInProgress is returned when a run is requested while another one is
// still training.
var ErrRunInProgress = errors.New("training run already in progress")

// EventSink receives training lifecycle events. *monitoring.Hub satisfies it.
type EventSink interface {
	Publish(msgType monitoring.MessageType, data any) error
}

// Registry stores finished runs. *db.Registry satisfies it.
type Registry interface {
	RecordRun(ctx context.Context, run db.TrainingRun, issues []pipeline.QualityIssue) error
}

// Recorder receives training metrics. *monitoring.Metrics satisfies it.
type Recorder interface {
	TrainingRound(round int)
	ObserveTraining(status string, elapsed time.Duration, rmse, r2 *float64)
}

// Report summarizes a finished run.
type Report struct {
	RunID     string              `json:"run_id"`
	Metrics   *ml.Metrics         `json:"metrics,omitempty"`
	Schema    ml.Schema           `json:"schema"`
	Skipped   []ml.SkippedFeature `json:"skipped,omitempty"`
	TrainRows int                 `json:"train_rows"`
	TestRows  int                 `json:"test_rows"`
	// Rejected counts training rows removed by the quality rules.
	Rejected int `json:"rejected_rows"`
	// Dropped counts rows lost to unparseable sale dates, train and test.
	Dropped   int           `json:"dropped_rows"`
	ModelPath string        `json:"model_path"`
	Duration  time.Duration `json:"duration"`
	// Tuning is set when a parameter search chose the final parameters.
	Tuning *tuning.Result `json:"tuning,omitempty"`
}

type Option func(*Trainer)

func WithLogger(logger *zap.Logger) Option {
	return func(t *Trainer) {
		if logger != nil {
			t.logger = logger
		}
	}
}

func WithRegistry(r Registry) Option {
	return func(t *Trainer) { t.registry = r }
}

func WithEventSink(s EventSink) Option {
	return func(t *Trainer) { t.sink = s }
}

func WithRecorder(r Recorder) Option {
	return func(t *Trainer) { t.recorder = r }
}

// Trainer runs at most one training job at a time.
type Trainer struct {
	data     config.DataConfig
	model    config.ModelConfig
	opts     config.TrainingConfig
	search   tuning.SearchConfig
	logger   *zap.Logger
	registry Registry
	sink     EventSink
	recorder Recorder

	running atomic.Bool
}

func NewTrainer(cfg config.Config, opts ...Option) *Trainer {
	t := &Trainer{
		data:   cfg.Data,
		model:  cfg.Model,
		opts:   cfg.Training,
		search: cfg.Tuning,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Running reports whether a job is in flight.
func (t *Trainer) Running() bool {
	return t.running.Load()
}

// Train runs one job synchronously.
func (t *Trainer) Train(ctx context.Context) (*Report, error) {
	if !t.running.CompareAndSwap(false, true) {
		return nil, ErrRunInProgress
	}
	defer t.running.Store(false)
	return t.run(ctx, uuid.NewString())
}

// Start launches a job in the background and returns its run ID at once.
// done, if not nil, is called with the outcome.
func (t *Trainer) Start(ctx context.Context, done func(*Report, error)) (string, error) {
	if !t.running.CompareAndSwap(false, true) {
		return "", ErrRunInProgress
	}
	runID := uuid.NewString()
	go func() {
		defer t.running.Store(false)
		report, err := t.run(ctx, runID)
		if done != nil {
			done(report, err)
		}
	}()
	return runID, nil
}

func (t *Trainer) run(ctx context.Context, runID string) (*Report, error) {
	if t.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.opts.Timeout)
		defer cancel()
	}

	started := time.Now()
	log := t.logger.With(zap.String("run_id", runID))
	log.Info("training started",
		zap.String("model_type", t.model.Type),
		zap.String("train_path", t.data.TrainPath),
		zap.String("test_path", t.data.TestPath))
	t.publish(monitoring.TrainingStarted, map[string]any{
		"run_id":     runID,
		"model_type": t.model.Type,
	})

	report := &Report{RunID: runID, ModelPath: t.model.Path}
	issues, err := t.execute(ctx, log, report)
	report.Duration = time.Since(started)

	run := db.TrainingRun{
		RunID:      runID,
		Status:     db.RunSucceeded,
		ModelType:  t.model.Type,
		ModelPath:  t.model.Path,
		TrainRows:  report.TrainRows,
		TestRows:   report.TestRows,
		Rejected:   report.Rejected,
		Metrics:    report.Metrics,
		StartedAt:  started,
		FinishedAt: started.Add(report.Duration),
	}
	if err != nil {
		run.Status = db.RunFailed
		run.Error = err.Error()
	}
	t.record(log, run, issues)
	t.observe(run.Status, report)

	if err != nil {
		log.Error("training failed", zap.Error(err), zap.Duration("elapsed", report.Duration))
		t.publish(monitoring.TrainingFailed, map[string]any{"run_id": runID, "error": err.Error()})
		return nil, err
	}

	fields := []zap.Field{
		zap.Int("train_rows", report.TrainRows),
		zap.Int("test_rows", report.TestRows),
		zap.Duration("elapsed", report.Duration),
		zap.String("model_path", report.ModelPath),
	}
	if report.Metrics != nil {
		fields = append(fields, zap.Stringer("metrics", report.Metrics))
	}
	log.Info("training completed", fields...)
	t.publish(monitoring.TrainingCompleted, report)
	return report, nil
}

// execute fills report as it goes so a failed run still records how far it
// got. It returns the quality issues raised on the training file.
func (t *Trainer) execute(ctx context.Context, log *zap.Logger, report *Report) ([]pipeline.QualityIssue, error) {
	train, test, err := t.loadData(ctx)
	if err != nil {
		return nil, err
	}
	if !train.HasTarget() {
		return nil, apperrors.Wrapf(apperrors.ErrConfiguration,
			"target column %q not found in %s", t.data.TargetColumn, t.data.TrainPath)
	}

	cleaner := pipeline.NewDataCleaner(log)
	cleaned, issues := cleaner.Clean(train)
	report.Rejected = train.Len() - cleaned.Len()
	if cleaned.Len() == 0 {
		return issues, apperrors.Wrapf(apperrors.ErrDataLoad, "no training rows left after cleaning %d rows", train.Len())
	}

	set, err := ml.BuildTrainingSet(cleaned)
	if err != nil {
		return issues, apperrors.Wrap(apperrors.ErrDataLoad, fmt.Errorf("engineer training data: %w", err))
	}
	report.TrainRows = set.Frame.Rows
	report.Schema = set.Frame.Schema
	report.Skipped = set.Skipped
	report.Dropped = set.Dropped
	logSkipped(log, "train", set.Skipped, set.Dropped)

	params := t.model.Params
	if t.search.Enabled {
		res, err := t.tune(ctx, log, report.RunID, set)
		if err != nil {
			return issues, fmt.Errorf("parameter search: %w", err)
		}
		if res != nil {
			report.Tuning = res
			params = res.Best.Params
		}
	}

	model, err := ml.NewRegressor(t.model.Type, params)
	if err != nil {
		return issues, apperrors.Wrap(apperrors.ErrConfiguration, err)
	}
	pl := ml.NewPipeline(model)
	if err := pl.Fit(ctx, set.Frame, set.LogTarget(), t.progress(report.RunID)); err != nil {
		return issues, fmt.Errorf("fit pipeline: %w", err)
	}

	metrics, testRows, dropped, err := t.evaluate(log, pl, test)
	if err != nil {
		return issues, err
	}
	report.Metrics = metrics
	report.TestRows = testRows
	report.Dropped += dropped

	pl.Meta.RunID = report.RunID
	pl.Meta.CreatedAt = time.Now().UTC()
	pl.Meta.TrainRows = report.TrainRows
	pl.Meta.Metrics = metrics
	pl.Meta.Skipped = set.Skipped
	if err := pl.Save(t.model.Path); err != nil {
		return issues, fmt.Errorf("save pipeline: %w", err)
	}
	return issues, nil
}

// tune searches GBM parameters on a holdout split of the training set. Other
// model types are trained with their configured parameters.
func (t *Trainer) tune(ctx context.Context, log *zap.Logger, runID string, set *ml.TrainingSet) (*tuning.Result, error) {
	if t.model.Type != ml.ModelGBM {
		log.Warn("parameter search only supports gbm, skipping", zap.String("model_type", t.model.Type))
		return nil, nil
	}
	search, err := tuning.NewSearch(t.search, t.model.Params, log)
	if err != nil {
		return nil, err
	}
	search.OnProgress(func(done, total int) {
		t.publish(monitoring.TuningProgress, map[string]any{
			"run_id": runID,
			"done":   done,
			"total":  total,
		})
	})
	res, err := search.Run(ctx, set)
	if err != nil {
		return nil, err
	}
	best := res.Best.Params
	log.Info("parameter search chose parameters",
		zap.Int("n_estimators", best.NEstimators),
		zap.Int("max_depth", best.MaxDepth),
		zap.Float64("learning_rate", best.LearningRate),
		zap.Float64("validation_rmse", res.Best.Metrics.RMSE))
	return res, nil
}

func (t *Trainer) loadData(ctx context.Context) (train, test *housing.Dataset, err error) {
	opts := housing.LoadOptions{
		TargetColumn: housing.Column(t.data.TargetColumn),
		Encoding:     t.data.Encoding,
		Sheet:        t.data.Sheet,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		train, err = housing.Load(t.data.TrainPath, opts)
		if err != nil {
			return fmt.Errorf("load training data: %w", err)
		}
		return ctx.Err()
	})
	g.Go(func() error {
		var err error
		test, err = housing.Load(t.data.TestPath, opts)
		if err != nil {
			return fmt.Errorf("load test data: %w", err)
		}
		return ctx.Err()
	})
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return train, test, nil
}

// evaluate scores the fitted pipeline on the test file. Metrics are nil when
// the test file has no target.
func (t *Trainer) evaluate(log *zap.Logger, pl *ml.Pipeline, test *housing.Dataset) (*ml.Metrics, int, int, error) {
	res, err := ml.Engineer(test)
	if err != nil {
		return nil, 0, 0, apperrors.Wrap(apperrors.ErrDataLoad, fmt.Errorf("engineer test data: %w", err))
	}
	logSkipped(log, "test", res.Skipped, res.DroppedRows)
	if schema := pl.Schema(); !schema.Equal(res.Frame.Schema) {
		log.Warn("test schema differs from training schema", zap.String("diff", schema.Diff(res.Frame.Schema)))
	}

	predicted, err := pl.Predict(res.Frame)
	if err != nil {
		return nil, 0, 0, apperrors.Wrap(apperrors.ErrPrediction, fmt.Errorf("predict test data: %w", err))
	}
	if !test.HasTarget() {
		log.Warn("test data has no target column, skipping evaluation", zap.String("path", t.data.TestPath))
		return nil, res.Frame.Rows, res.DroppedRows, nil
	}

	actual := make([]float64, 0, len(predicted))
	scored := make([]float64, 0, len(predicted))
	for i, src := range res.Frame.RowIndex {
		v := test.Target[src]
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		actual = append(actual, v)
		scored = append(scored, predicted[i])
	}
	if skipped := len(predicted) - len(actual); skipped > 0 {
		log.Warn("test rows without a target left out of evaluation", zap.Int("rows", skipped))
	}
	if len(actual) == 0 {
		log.Warn("no labeled test rows, skipping evaluation")
		return nil, res.Frame.Rows, res.DroppedRows, nil
	}

	m, err := ml.Evaluate(actual, scored)
	if err != nil {
		return nil, 0, 0, apperrors.Wrap(apperrors.ErrPrediction, fmt.Errorf("evaluate: %w", err))
	}
	log.Info("test set evaluation",
		zap.Float64("mae", m.MAE),
		zap.Float64("mse", m.MSE),
		zap.Float64("rmse", m.RMSE),
		zap.Float64("r2", m.R2))
	return &m, res.Frame.Rows, res.DroppedRows, nil
}

func (t *Trainer) progress(runID string) ml.ProgressFunc {
	every := t.opts.ProgressEvery
	if every <= 0 {
		every = 1
	}
	return func(p ml.RoundProgress) {
		if t.recorder != nil {
			t.recorder.TrainingRound(p.Round)
		}
		if p.Round%every != 0 && p.Round != p.Total {
			return
		}
		t.logger.Debug("boosting round", zap.String("run_id", runID),
			zap.Int("round", p.Round), zap.Int("total", p.Total), zap.Float64("train_rmse", p.TrainRMSE))
		t.publish(monitoring.TrainingProgress, map[string]any{
			"run_id":     runID,
			"round":      p.Round,
			"total":      p.Total,
			"train_rmse": p.TrainRMSE,
		})
	}
}

func (t *Trainer) publish(msgType monitoring.MessageType, data any) {
	if t.sink == nil {
		return
	}
	if err := t.sink.Publish(msgType, data); err != nil {
		t.logger.Warn("publish training event failed", zap.String("type", string(msgType)), zap.Error(err))
	}
}

// record stores the run in the registry. A registry failure never fails the
// run: the artifact is already on disk.
func (t *Trainer) record(log *zap.Logger, run db.TrainingRun, issues []pipeline.QualityIssue) {
	if t.registry == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := t.registry.RecordRun(ctx, run, issues); err != nil {
		log.Error("record training run failed", zap.Error(err))
	}
}

func (t *Trainer) observe(status string, report *Report) {
	if t.recorder == nil {
		return
	}
	var rmse, r2 *float64
	if m := report.Metrics; m != nil {
		rmse, r2 = &m.RMSE, &m.R2
	}
	t.recorder.ObserveTraining(status, report.Duration, rmse, r2)
}

func logSkipped(log *zap.Logger, split string, skipped []ml.SkippedFeature, dropped int) {
	for _, s := range skipped {
		log.Warn("feature step skipped", zap.String("split", split), zap.Stringer("step", s))
	}
	if dropped > 0 {
		log.Warn("rows dropped: unparseable sale date", zap.String("split", split), zap.Int("rows", dropped))
	}
}
