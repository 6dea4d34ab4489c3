package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"site-license-manager/internal/lifecycle"
	"site-license-manager/internal/lock"
	"site-license-manager/internal/metrics"

	"github.com/coder/quartz"
	"github.com/robfig/cron/v3"
)

const sweepLockKey = "slm:sweep:expiration"

// Sweeper 定时将过期许可证持久化为 expired；同一时间只运行一个
type Sweeper struct {
	engine  *lifecycle.Engine
	locker  lock.Locker
	lockTTL time.Duration
	clock   quartz.Clock
	metrics metrics.Metrics
	logger  *slog.Logger
	cron    *cron.Cron
}

func NewSweeper(engine *lifecycle.Engine, locker lock.Locker, lockTTL time.Duration, clock quartz.Clock, m metrics.Metrics, logger *slog.Logger) *Sweeper {
	if clock == nil {
		clock = quartz.NewReal()
	}
	if m == nil {
		m = metrics.Noop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		engine:  engine,
		locker:  locker,
		lockTTL: lockTTL,
		clock:   clock,
		metrics: m,
		logger:  logger.With("component", "sweeper"),
	}
}

// RunOnce 执行一次清理；已有清理在运行时返回 ErrSweepInProgress
func (s *Sweeper) RunOnce(ctx context.Context) (lifecycle.ReconcileResult, error) {
	token, ok, err := s.locker.TryAcquire(ctx, sweepLockKey, s.lockTTL)
	if err != nil {
		return lifecycle.ReconcileResult{}, fmt.Errorf("获取清理锁失败: %w", err)
	}
	if !ok {
		return lifecycle.ReconcileResult{}, ErrSweepInProgress
	}
	defer func() {
		if err := s.locker.Release(context.WithoutCancel(ctx), sweepLockKey, token); err != nil {
			s.logger.Warn("释放清理锁失败", "error", err)
		}
	}()

	res, err := s.engine.ReconcileAll(ctx, s.clock.Now())
	s.metrics.AddExpired(res.Expired)
	return res, err
}

// Start 按 cron 表达式调度清理，loc 为调度使用的时区
func (s *Sweeper) Start(schedule string, loc *time.Location) error {
	if loc == nil {
		loc = time.UTC
	}
	c := cron.New(cron.WithLocation(loc))
	_, err := c.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.lockTTL)
		defer cancel()
		if _, err := s.RunOnce(ctx); err != nil {
			s.logger.Warn("定时清理未完成", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("无效的清理计划 %q: %w", schedule, err)
	}
	s.cron = c
	c.Start()
	s.logger.Info("过期清理已调度", "schedule", schedule)
	return nil
}

// Stop 停止调度并等待正在运行的任务结束
func (s *Sweeper) Stop(ctx context.Context) error {
	if s.cron == nil {
		return nil
	}
	select {
	case <-s.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
