package training

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"houseprice/apperrors"
	"houseprice/config"
	"houseprice/db"
	"houseprice/ml"
	"houseprice/monitoring"
	"houseprice/pipeline"
	"houseprice/tuning"
)

const header = "id,date,price,bedrooms,bathrooms,sqft_living,sqft_lot,floors,waterfront,view,condition,sqft_above,sqft_basement,yr_built,yr_renovated,street,city,statezip,country"

// writeHousingCSV writes n synthetic sales whose price grows with living
// area. withPrice=false drops the price column.
func writeHousingCSV(t *testing.T, dir, name string, n, offset int, withPrice bool) string {
	t.Helper()
	var b strings.Builder
	h := header
	if !withPrice {
		h = strings.Replace(h, ",price", "", 1)
	}
	b.WriteString(h + "\n")
	base := time.Date(2014, 5, 2, 0, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		k := i + offset
		beds := 2 + k%4
		living := 900 + (k*53)%2600
		basement := (k * 17) % 500
		built := 1920 + (k*7)%90
		price := 60000 + 210*living + 15000*beds
		date := base.AddDate(0, 0, k%380).Format("20060102T150405")
		row := []string{
			fmt.Sprint(1000 + k), date, fmt.Sprint(price), fmt.Sprint(beds), "1.5",
			fmt.Sprint(living), fmt.Sprint(4000 + (k*31)%6000), "1", "0", "0", "3",
			fmt.Sprint(living - basement), fmt.Sprint(basement), fmt.Sprint(built), "0",
			"1 Main St", "Seattle", "WA 98103", "USA",
		}
		if !withPrice {
			row = append(row[:2], row[3:]...)
		}
		b.WriteString(strings.Join(row, ",") + "\n")
	}
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o600))
	return path
}

func testConfig(t *testing.T, testWithPrice bool) config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Data.TrainPath = writeHousingCSV(t, dir, "train.csv", 160, 0, true)
	cfg.Data.TestPath = writeHousingCSV(t, dir, "test.csv", 40, 500, testWithPrice)
	cfg.Model.Path = filepath.Join(dir, "models", "pipeline.json")
	cfg.Model.Params = ml.GBMParams{
		NEstimators:     40,
		MaxDepth:        3,
		LearningRate:    0.2,
		Subsample:       1,
		ColsampleByTree: 1,
		Lambda:          1,
		MinChildWeight:  1,
		Seed:            42,
	}
	cfg.Training.ProgressEvery = 10
	return cfg
}

type fakeRegistry struct {
	mu     sync.Mutex
	runs   []db.TrainingRun
	issues []pipeline.QualityIssue
}

func (f *fakeRegistry) RecordRun(_ context.Context, run db.TrainingRun, issues []pipeline.QualityIssue) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, run)
	f.issues = append(f.issues, issues...)
	return nil
}

type fakeSink struct {
	mu     sync.Mutex
	events []monitoring.MessageType
}

func (f *fakeSink) Publish(msgType monitoring.MessageType, _ any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, msgType)
	return nil
}

func (f *fakeSink) count(msgType monitoring.MessageType) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.events {
		if e == msgType {
			n++
		}
	}
	return n
}

func TestTrainEndToEnd(t *testing.T) {
	cfg := testConfig(t, true)
	reg := &fakeRegistry{}
	sink := &fakeSink{}
	metrics := monitoring.NewMetrics()
	tr := NewTrainer(cfg, WithRegistry(reg), WithEventSink(sink), WithRecorder(metrics))

	report, err := tr.Train(context.Background())
	require.NoError(t, err)

	assert.NotEmpty(t, report.RunID)
	assert.Equal(t, 160, report.TrainRows)
	assert.Equal(t, 40, report.TestRows)
	require.NotNil(t, report.Metrics)
	assert.Greater(t, report.Metrics.R2, 0.5)
	assert.Contains(t, report.Schema.Numerical, ml.FeatDaysSinceRef)
	assert.NotContains(t, report.Schema.Numerical, ml.FeatLatXLong, "lat/long are absent from the training file")
	assert.NotEmpty(t, report.Skipped)

	pl, err := ml.LoadPipeline(cfg.Model.Path)
	require.NoError(t, err)
	assert.Equal(t, report.RunID, pl.Meta.RunID)
	assert.Equal(t, 160, pl.Meta.TrainRows)

	require.Len(t, reg.runs, 1)
	assert.Equal(t, db.RunSucceeded, reg.runs[0].Status)
	assert.Equal(t, report.RunID, reg.runs[0].RunID)

	assert.Equal(t, 1, sink.count(monitoring.TrainingStarted))
	assert.Equal(t, 4, sink.count(monitoring.TrainingProgress))
	assert.Equal(t, 1, sink.count(monitoring.TrainingCompleted))
	assert.False(t, tr.Running())
}

func TestTrainWithoutTestTarget(t *testing.T) {
	cfg := testConfig(t, false)
	report, err := NewTrainer(cfg).Train(context.Background())
	require.NoError(t, err)
	assert.Nil(t, report.Metrics)
	assert.Equal(t, 40, report.TestRows)
	assert.FileExists(t, cfg.Model.Path)
}

func TestTrainMissingTarget(t *testing.T) {
	cfg := testConfig(t, true)
	cfg.Data.TrainPath = writeHousingCSV(t, t.TempDir(), "train.csv", 10, 0, false)
	reg := &fakeRegistry{}
	sink := &fakeSink{}

	_, err := NewTrainer(cfg, WithRegistry(reg), WithEventSink(sink)).Train(context.Background())
	require.ErrorIs(t, err, apperrors.ErrConfiguration)
	assert.NoFileExists(t, cfg.Model.Path)

	require.Len(t, reg.runs, 1)
	assert.Equal(t, db.RunFailed, reg.runs[0].Status)
	assert.Contains(t, reg.runs[0].Error, "price")
	assert.Equal(t, 1, sink.count(monitoring.TrainingFailed))
}

func TestTrainRecordsQualityIssues(t *testing.T) {
	cfg := testConfig(t, true)
	data, err := os.ReadFile(cfg.Data.TrainPath)
	require.NoError(t, err)
	// a repeated sale of id 1000 and a zero price
	extra := "1000,20140502T000000,350000,3,1.5,1200,5000,1,0,0,3,1200,0,1990,0,x,Seattle,WA 98103,USA\n" +
		"9999,20140601T000000,0,3,1.5,1200,5000,1,0,0,3,1200,0,1990,0,x,Seattle,WA 98103,USA\n"
	require.NoError(t, os.WriteFile(cfg.Data.TrainPath, append(data, extra...), 0o600))

	reg := &fakeRegistry{}
	report, err := NewTrainer(cfg, WithRegistry(reg)).Train(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Rejected)
	assert.Equal(t, 160, report.TrainRows)
	assert.Len(t, reg.issues, 2)
}

func TestTrainDataLoadErrors(t *testing.T) {
	cfg := testConfig(t, true)
	cfg.Data.TestPath = filepath.Join(t.TempDir(), "missing.csv")
	_, err := NewTrainer(cfg).Train(context.Background())
	require.ErrorIs(t, err, apperrors.ErrDataLoad)
}

func TestTrainRejectsConcurrentRun(t *testing.T) {
	tr := NewTrainer(testConfig(t, true))
	tr.running.Store(true)

	_, err := tr.Train(context.Background())
	require.ErrorIs(t, err, ErrRunInProgress)
	_, err = tr.Start(context.Background(), nil)
	require.ErrorIs(t, err, ErrRunInProgress)
}

func TestStartRunsInBackground(t *testing.T) {
	cfg := testConfig(t, true)
	tr := NewTrainer(cfg)

	done := make(chan *Report, 1)
	runID, err := tr.Start(context.Background(), func(r *Report, err error) {
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
		done <- r
	})
	require.NoError(t, err)

	select {
	case r := <-done:
		require.NotNil(t, r)
		assert.Equal(t, runID, r.RunID)
	case <-time.After(30 * time.Second):
		t.Fatal("background run did not finish")
	}
	require.Eventually(t, func() bool { return !tr.Running() }, time.Second, 10*time.Millisecond)
}

func TestTrainCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewTrainer(testConfig(t, true)).Train(ctx)
	require.True(t, errors.Is(err, context.Canceled), "got %v", err)
}

func TestTrainWithParameterSearch(t *testing.T) {
	cfg := testConfig(t, true)
	cfg.Tuning.Enabled = true
	cfg.Tuning.MaxWorkers = 2
	cfg.Tuning.Parameters = map[string]tuning.ParameterConfig{
		"max_depth":    {Values: []float64{1, 3}},
		"n_estimators": {Values: []float64{5, 20}},
	}
	sink := &fakeSink{}

	report, err := NewTrainer(cfg, WithEventSink(sink)).Train(context.Background())
	require.NoError(t, err)

	require.NotNil(t, report.Tuning)
	assert.Len(t, report.Tuning.Trials, 4)
	assert.Equal(t, 4, sink.count(monitoring.TuningProgress))
	assert.Equal(t, 128, report.Tuning.TrainRows)
	assert.Equal(t, 32, report.Tuning.ValidationRows)

	pl, err := ml.LoadPipeline(cfg.Model.Path)
	require.NoError(t, err)
	gbm, ok := pl.Model.(*ml.GBMRegressor)
	require.True(t, ok)
	assert.Equal(t, report.Tuning.Best.Params, gbm.Params)
}

func TestParameterSearchSkippedForDecisionTree(t *testing.T) {
	cfg := testConfig(t, true)
	cfg.Model.Type = ml.ModelDecisionTree
	cfg.Tuning.Enabled = true

	report, err := NewTrainer(cfg).Train(context.Background())
	require.NoError(t, err)
	assert.Nil(t, report.Tuning)
}
