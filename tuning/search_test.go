package tuning

import (
	"context"
	"errors"
	"testing"

	"houseprice/apperrors"
	"houseprice/ml"
)

func baseParams() ml.GBMParams {
	p := ml.DefaultGBMParams()
	p.NEstimators = 10
	p.Subsample = 1
	p.ColsampleByTree = 1
	return p
}

// linearSet 价格随 x 线性增长
func linearSet(n int) *ml.TrainingSet {
	f := ml.NewFrame(n)
	f.Schema = ml.Schema{Numerical: []string{"x"}}
	f.RowIndex = make([]int, n)
	x := make([]float64, n)
	target := make([]float64, n)
	for i := 0; i < n; i++ {
		f.RowIndex[i] = i
		x[i] = float64(i % 25)
		target[i] = 100000 + 5000*x[i]
	}
	f.SetNumeric("x", x)
	return &ml.TrainingSet{Frame: f, Target: target}
}

func TestGridCandidates(t *testing.T) {
	cfg := DefaultSearchConfig()
	cfg.Parameters = map[string]ParameterConfig{
		"learning_rate": {Values: []float64{0.1, 0.2}},
		"max_depth":     {Min: 2, Max: 4, Step: 1},
	}
	s, err := NewSearch(cfg, baseParams(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := s.Candidates()
	if len(got) != 6 {
		t.Fatalf("expected 6 candidates, got %d", len(got))
	}
	// 参数名排序后 learning_rate 在外层
	if got[0].LearningRate != 0.1 || got[0].MaxDepth != 2 {
		t.Fatalf("unexpected first candidate %+v", got[0])
	}
	if got[5].LearningRate != 0.2 || got[5].MaxDepth != 4 {
		t.Fatalf("unexpected last candidate %+v", got[5])
	}
	if got[3].NEstimators != 10 {
		t.Fatalf("unsearched parameters should come from base, got %d estimators", got[3].NEstimators)
	}

	cfg.MaxIterations = 4
	s, _ = NewSearch(cfg, baseParams(), nil)
	if n := len(s.Candidates()); n != 4 {
		t.Fatalf("expected grid truncated to 4, got %d", n)
	}
}

func TestIntegerParametersAreRounded(t *testing.T) {
	cfg := DefaultSearchConfig()
	cfg.Parameters = map[string]ParameterConfig{
		"n_estimators": {Values: []float64{10.2, 9.8, 20}},
	}
	s, err := NewSearch(cfg, baseParams(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := s.Candidates()
	if len(got) != 2 || got[0].NEstimators != 10 || got[1].NEstimators != 20 {
		t.Fatalf("expected rounded, deduplicated values [10 20], got %+v", got)
	}
}

func TestRandomCandidatesAreDistinctAndSeeded(t *testing.T) {
	cfg := DefaultSearchConfig()
	cfg.Method = MethodRandom
	cfg.MaxIterations = 50
	cfg.Parameters = map[string]ParameterConfig{
		"subsample": {Values: []float64{0.5, 0.8, 1}},
		"lambda":    {Values: []float64{0, 1}},
	}
	s, err := NewSearch(cfg, baseParams(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	first := s.Candidates()
	if len(first) != 6 {
		t.Fatalf("expected the whole 6-point space, got %d", len(first))
	}
	seen := make(map[[2]float64]bool)
	for _, p := range first {
		key := [2]float64{p.Subsample, p.Lambda}
		if seen[key] {
			t.Fatalf("duplicate candidate %v", key)
		}
		seen[key] = true
	}

	second := s.Candidates()
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("candidate %d differs between runs with the same seed", i)
		}
	}
}

func TestNewSearchErrors(t *testing.T) {
	tests := []struct {
		name   string
		params map[string]ParameterConfig
	}{
		{"unknown parameter", map[string]ParameterConfig{"depth": {Values: []float64{3}}}},
		{"no step", map[string]ParameterConfig{"max_depth": {Min: 1, Max: 3}}},
		{"inverted range", map[string]ParameterConfig{"gamma": {Min: 2, Max: 1, Step: 0.5}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultSearchConfig()
			cfg.Parameters = tt.params
			_, err := NewSearch(cfg, baseParams(), nil)
			if !errors.Is(err, apperrors.ErrConfiguration) {
				t.Fatalf("expected configuration error, got %v", err)
			}
		})
	}
}

func TestRunRanksTrials(t *testing.T) {
	cfg := DefaultSearchConfig()
	cfg.MaxWorkers = 2
	cfg.Parameters = map[string]ParameterConfig{
		"n_estimators": {Values: []float64{1, 30}},
	}
	s, err := NewSearch(cfg, baseParams(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var calls int
	s.OnProgress(func(done, total int) {
		calls++
		if total != 2 {
			t.Errorf("expected total 2, got %d", total)
		}
	})

	res, err := s.Run(context.Background(), linearSet(100))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.TrainRows != 80 || res.ValidationRows != 20 {
		t.Fatalf("expected 80/20 split, got %d/%d", res.TrainRows, res.ValidationRows)
	}
	if len(res.Trials) != 2 || res.Trials[0].Metrics.RMSE > res.Trials[1].Metrics.RMSE {
		t.Fatalf("trials not sorted by RMSE: %+v", res.Trials)
	}
	if res.Best.Params.NEstimators != 30 {
		t.Fatalf("expected 30 rounds to beat 1, got %d", res.Best.Params.NEstimators)
	}
	if calls != 2 || s.Progress() != 1 {
		t.Fatalf("expected 2 progress callbacks and full progress, got %d and %v", calls, s.Progress())
	}
}

func TestRunNeedsEnoughRows(t *testing.T) {
	s, err := NewSearch(DefaultSearchConfig(), baseParams(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err = s.Run(context.Background(), linearSet(2))
	if !errors.Is(err, apperrors.ErrDataLoad) {
		t.Fatalf("expected data error, got %v", err)
	}
}

func TestRunCancelled(t *testing.T) {
	s, err := NewSearch(DefaultSearchConfig(), baseParams(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.Run(ctx, linearSet(50)); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
