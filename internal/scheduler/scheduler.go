// Package scheduler drives the periodic tick: the worker drain on
// WorkerSchedule and the staleness sweep on StaleSchedule. Schedules use the
// standard five-field cron syntax or descriptors such as "@every 1m".
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/gdpr-cache/internal/logging"
	"github.com/any-hub/gdpr-cache/internal/worker"
)

// Runner 是调度器驱动的后台命令。
type Runner interface {
	RunPending(ctx context.Context) (worker.DrainResult, error)
	CheckStaleness(ctx context.Context) (worker.SweepResult, error)
}

// Options 配置调度表。
type Options struct {
	WorkerSchedule string
	StaleSchedule  string
	// StaleRetryDelay 是 Tick 在清理被推迟后等待重试的时长，0 表示不重试。
	StaleRetryDelay time.Duration
	Logger          *logrus.Logger
}

// Scheduler 包装 cron.Cron。
type Scheduler struct {
	cron       *cron.Cron
	runner     Runner
	retryDelay time.Duration
	logger     *logrus.Entry
}

// New 注册两个周期任务；任一表达式无法解析时返回错误。
func New(runner Runner, opts Options) (*Scheduler, error) {
	logger := logging.Component(opts.Logger, "scheduler")
	s := &Scheduler{
		cron:       cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		runner:     runner,
		retryDelay: opts.StaleRetryDelay,
		logger:     logger,
	}
	if _, err := s.cron.AddFunc(opts.WorkerSchedule, s.runPending); err != nil {
		return nil, fmt.Errorf("worker schedule %q: %w", opts.WorkerSchedule, err)
	}
	if _, err := s.cron.AddFunc(opts.StaleSchedule, s.checkStaleness); err != nil {
		return nil, fmt.Errorf("stale schedule %q: %w", opts.StaleSchedule, err)
	}
	return s, nil
}

// Start 在后台启动调度。
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.WithFields(logrus.Fields{"action": "start", "jobs": len(s.cron.Entries())}).Info("scheduler started")
}

// Run 启动调度并阻塞到 ctx 结束，随后等待正在执行的任务完成。
func (s *Scheduler) Run(ctx context.Context) error {
	s.Start()
	<-ctx.Done()
	<-s.Stop().Done()
	return nil
}

// Stop 停止调度，返回的 context 在运行中的任务结束后关闭。
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

// Next 返回各任务的下一次执行时间，按注册顺序排列。
func (s *Scheduler) Next() []time.Time {
	entries := s.cron.Entries()
	out := make([]time.Time, 0, len(entries))
	for _, entry := range entries {
		out = append(out, entry.Next)
	}
	return out
}

// Tick 立即依次执行一次 drain 与清理，供外部调度器（系统 cron）调用。
func (s *Scheduler) Tick(ctx context.Context) (worker.DrainResult, worker.SweepResult, error) {
	return Tick(ctx, s.runner, s.retryDelay)
}

// Tick 依次执行 RunPending 与 CheckStaleness。清理因 worker 忙碌被推迟时，
// 进程可能在延迟重试触发前退出，因此这里等待 retryDelay 后同步重试一次；
// 仍然忙碌时返回 Rescheduled，留给下一次 tick。
func Tick(ctx context.Context, runner Runner, retryDelay time.Duration) (worker.DrainResult, worker.SweepResult, error) {
	drained, err := runner.RunPending(ctx)
	if err != nil {
		return drained, worker.SweepResult{}, fmt.Errorf("run pending: %w", err)
	}
	swept, err := runner.CheckStaleness(ctx)
	if err != nil {
		return drained, swept, fmt.Errorf("check staleness: %w", err)
	}
	if !swept.Rescheduled || retryDelay <= 0 {
		return drained, swept, nil
	}

	timer := time.NewTimer(retryDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return drained, swept, nil
	case <-timer.C:
	}
	swept, err = runner.CheckStaleness(ctx)
	if err != nil {
		return drained, swept, fmt.Errorf("check staleness: %w", err)
	}
	return drained, swept, nil
}

func (s *Scheduler) runPending() {
	result, err := s.runner.RunPending(context.Background())
	if err != nil {
		s.logger.WithField("action", "run_pending").WithError(err).Warn("scheduled drain failed")
		return
	}
	if result.Busy {
		s.logger.WithField("action", "run_pending").Debug("worker busy, tick skipped")
	}
}

func (s *Scheduler) checkStaleness() {
	result, err := s.runner.CheckStaleness(context.Background())
	if err != nil {
		s.logger.WithField("action", "check_staleness").WithError(err).Warn("scheduled sweep failed")
		return
	}
	s.logger.WithFields(logrus.Fields{
		"action":      "check_staleness",
		"checked":     result.Checked,
		"evicted":     result.Evicted,
		"rescheduled": result.Rescheduled,
	}).Info("staleness sweep finished")
}
