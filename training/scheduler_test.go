package training

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	calls atomic.Int32
	err   error
	fail  error
}

func (f *fakeRunner) Start(_ context.Context, done func(*Report, error)) (string, error) {
	f.calls.Add(1)
	if f.err != nil {
		return "", f.err
	}
	done(&Report{RunID: "run"}, f.fail)
	return "run", nil
}

func TestSchedulerRejectsNonPositiveInterval(t *testing.T) {
	_, err := NewScheduler(&fakeRunner{}, 0, nil)
	assert.Error(t, err)
}

func TestSchedulerTick(t *testing.T) {
	tests := []struct {
		name    string
		runner  *fakeRunner
		started int64
		skipped int64
		failed  int64
	}{
		{"started", &fakeRunner{}, 1, 0, 0},
		{"busy", &fakeRunner{err: ErrRunInProgress}, 0, 1, 0},
		{"start error", &fakeRunner{err: errors.New("boom")}, 0, 0, 1},
		{"run failed", &fakeRunner{fail: errors.New("fit")}, 1, 0, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := NewScheduler(tt.runner, time.Hour, nil)
			require.NoError(t, err)
			s.tick(context.Background())

			stats := s.Stats()
			assert.Equal(t, tt.started, stats.Started)
			assert.Equal(t, tt.skipped, stats.Skipped)
			assert.Equal(t, tt.failed, stats.Failed)
			if tt.started > 0 {
				assert.Equal(t, "run", stats.LastRunID)
			}
		})
	}
}

func TestSchedulerRunStopsWithContext(t *testing.T) {
	runner := &fakeRunner{}
	s, err := NewScheduler(runner, 10*time.Millisecond, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(stopped)
	}()

	require.Eventually(t, func() bool { return runner.calls.Load() >= 2 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}
