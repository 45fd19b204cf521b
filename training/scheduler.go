package training

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Runner 可被调度的训练任务，*Trainer 满足该接口
type Runner interface {
	Start(ctx context.Context, done func(*Report, error)) (string, error)
}

// SchedulerStats 调度统计
type SchedulerStats struct {
	Interval  string    `json:"interval"`
	LastRun   time.Time `json:"last_run,omitempty"`
	LastRunID string    `json:"last_run_id,omitempty"`
	Started   int64     `json:"started"`
	Skipped   int64     `json:"skipped"`
	Failed    int64     `json:"failed"`
}

// Scheduler 定时重新训练
type Scheduler struct {
	runner   Runner
	interval time.Duration
	logger   *zap.Logger

	mu    sync.Mutex
	stats SchedulerStats
}

// NewScheduler interval 必须为正
func NewScheduler(runner Runner, interval time.Duration, logger *zap.Logger) (*Scheduler, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("invalid retrain interval %s", interval)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		runner:   runner,
		interval: interval,
		logger:   logger,
		stats:    SchedulerStats{Interval: interval.String()},
	}, nil
}

// Run 阻塞直到 ctx 取消；上一次训练未结束时跳过本轮
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.logger.Info("retrain scheduler started", zap.Duration("interval", s.interval))

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("retrain scheduler stopped")
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	runID, err := s.runner.Start(ctx, func(_ *Report, err error) {
		if err != nil {
			s.mu.Lock()
			s.stats.Failed++
			s.mu.Unlock()
		}
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case errors.Is(err, ErrRunInProgress):
		s.stats.Skipped++
		s.logger.Info("scheduled retrain skipped, a run is in progress")
	case err != nil:
		s.stats.Failed++
		s.logger.Error("scheduled retrain failed to start", zap.Error(err))
	default:
		s.stats.Started++
		s.stats.LastRun = time.Now()
		s.stats.LastRunID = runID
		s.logger.Info("scheduled retrain started", zap.String("run_id", runID))
	}
}

// Stats 获取调度统计
func (s *Scheduler) Stats() SchedulerStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}
