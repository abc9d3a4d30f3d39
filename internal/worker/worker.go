package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/any-hub/gdpr-cache/internal/assets"
	"github.com/any-hub/gdpr-cache/internal/classify"
	"github.com/any-hub/gdpr-cache/internal/hooks"
	"github.com/any-hub/gdpr-cache/internal/logging"
	"github.com/any-hub/gdpr-cache/internal/queue"
	"github.com/any-hub/gdpr-cache/internal/uow"
)

// Fetcher 下载单个资源并登记条目。
type Fetcher interface {
	Fetch(ctx context.Context, u *uow.Unit, rawURL string, kind classify.Kind) (string, error)
}

// Trigger 负责异步执行任务，默认实现为受 WaitGroup 跟踪的 goroutine。
type Trigger interface {
	Trigger(task func())
}

// TriggerFunc 将函数适配为 Trigger。
type TriggerFunc func(task func())

func (f TriggerFunc) Trigger(task func()) { f(task) }

// AfterFunc 延迟执行任务，签名与 time.AfterFunc 对齐以便测试替换。
type AfterFunc func(d time.Duration, f func()) *time.Timer

// Options 配置 Worker。
type Options struct {
	StaleAfter time.Duration
	RetryDelay time.Duration
	Trigger    Trigger
	AfterFunc  AfterFunc
	Hooks      *hooks.Registry
	IsExternal func(string) bool
	Logger     *logrus.Logger
}

// Worker 协调队列、锁与抓取。
type Worker struct {
	queue      *queue.Queue
	lock       *queue.Lock
	assets     *assets.Store
	fetcher    Fetcher
	hooks      *hooks.Registry
	isExternal func(string) bool
	staleAfter time.Duration
	retryDelay time.Duration
	trigger    Trigger
	afterFunc  AfterFunc
	logger     *logrus.Entry

	group        singleflight.Group
	wg           sync.WaitGroup
	retryPending atomic.Bool

	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
}

// ErrBusy 表示另一个 worker 持有锁。
var ErrBusy = errors.New("worker busy")

// DrainResult 汇总一次队列处理。
type DrainResult struct {
	Busy      bool `json:"busy"`
	Processed int  `json:"processed"`
	Failed    int  `json:"failed"`
	Fresh     int  `json:"fresh"`
}

// SweepResult 汇总一次过期清理。
type SweepResult struct {
	Rescheduled bool `json:"rescheduled"`
	Checked     int  `json:"checked"`
	Evicted     int  `json:"evicted"`
	Pruned      int  `json:"pruned"`
	Seeded      int  `json:"seeded"`
}

// New 构建 Worker。
func New(q *queue.Queue, lock *queue.Lock, store *assets.Store, fetcher Fetcher, opts Options) *Worker {
	w := &Worker{
		queue:      q,
		lock:       lock,
		assets:     store,
		fetcher:    fetcher,
		hooks:      opts.Hooks,
		isExternal: opts.IsExternal,
		staleAfter: opts.StaleAfter,
		retryDelay: opts.RetryDelay,
		trigger:    opts.Trigger,
		afterFunc:  opts.AfterFunc,
		logger:     logging.Component(opts.Logger, "worker"),
	}
	if w.hooks == nil {
		w.hooks = hooks.NewRegistry()
	}
	if w.isExternal == nil {
		w.isExternal = func(string) bool { return true }
	}
	if w.staleAfter <= 0 {
		w.staleAfter = 720 * time.Hour
	}
	if w.retryDelay <= 0 {
		w.retryDelay = 15 * time.Second
	}
	if w.trigger == nil {
		w.trigger = TriggerFunc(w.goTrigger)
	}
	if w.afterFunc == nil {
		w.afterFunc = time.AfterFunc
	}
	return w
}

func (w *Worker) goTrigger(task func()) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		task()
	}()
}

// Wait 等待默认 Trigger 启动的任务结束。
func (w *Worker) Wait() {
	w.wg.Wait()
}

// Busy 当锁时间戳存在且未超时时返回 true。
func (w *Worker) Busy(ctx context.Context) bool {
	return w.lock.Busy(ctx)
}

// Enqueue 将 URL 加入队列；在 worker 上下文中改为同步抓取，返回是否已同步抓取成功。
func (w *Worker) Enqueue(ctx context.Context, u *uow.Unit, rawURL string) (bool, error) {
	if u != nil && u.Background {
		if _, err := w.fetcher.Fetch(ctx, u, rawURL, ""); err != nil {
			return false, err
		}
		return true, nil
	}
	added, err := w.queue.Push(ctx, rawURL)
	if err != nil {
		return false, err
	}
	if added {
		w.logger.WithFields(logging.AssetFields("enqueue", rawURL, "")).Debug("asset queued")
	}
	return false, nil
}

// Spawn 在空闲且队列非空时异步触发一次 drain；同一工作单元内至多触发一次。
func (w *Worker) Spawn(ctx context.Context, u *uow.Unit) bool {
	if u != nil && u.Background {
		return false
	}
	if w.Busy(ctx) || w.queue.Len(ctx) == 0 {
		return false
	}
	if u != nil && !u.MarkSpawned() {
		return false
	}

	base := context.WithoutCancel(ctx)
	w.trigger.Trigger(func() {
		_, _, _ = w.group.Do("drain", func() (any, error) {
			return w.Drain(base)
		})
	})
	w.logger.WithFields(logging.WorkerFields("spawn", w.queue.Len(ctx))).Debug("worker spawned")
	return true
}

// Drain 依次处理队列，直至队列为空；单个 URL 的失败会被吞掉，不会自动重新入队。
func (w *Worker) Drain(ctx context.Context) (DrainResult, error) {
	acquired, err := w.lock.TryAcquire(ctx)
	if err != nil {
		return DrainResult{}, err
	}
	if !acquired {
		return DrainResult{Busy: true}, nil
	}
	defer func() {
		if err := w.lock.Release(context.WithoutCancel(ctx)); err != nil {
			w.logger.WithError(err).Warn("worker lock release failed")
		}
	}()

	started := time.Now()
	unit := uow.NewBackground()
	result := DrainResult{}
	w.hooks.BeforeDrain(ctx, w.queue.Len(ctx))

	for {
		if err := ctx.Err(); err != nil {
			break
		}
		next, ok, err := w.queue.Pop(ctx)
		if err != nil {
			w.logger.WithError(err).Warn("queue pop failed")
			break
		}
		if !ok {
			break
		}
		if next == "" || !w.isExternal(next) {
			continue
		}

		if w.assets.Status(ctx, next) == assets.StatusValid {
			result.Fresh++
		} else if _, err := w.fetcher.Fetch(ctx, unit, next, ""); err != nil {
			result.Failed++
		} else {
			result.Processed++
		}

		if err := w.lock.Touch(ctx); err != nil {
			w.logger.WithError(err).Warn("worker heartbeat failed")
		}
	}

	if err := w.assets.Flush(ctx, unit); err != nil {
		w.logger.WithError(err).Warn("usage flush failed")
	}
	w.hooks.AfterDrain(ctx, result.Processed, result.Failed)

	fields := logging.WorkerFields("drain", w.queue.Len(ctx))
	fields["processed"] = result.Processed
	fields["failed"] = result.Failed
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	w.logger.WithFields(fields).Info("queue drained")
	return result, nil
}

// StaleSweep 驱逐长时间未被引用的条目；worker 忙碌时改为延迟重试，不与抓取并发执行。
func (w *Worker) StaleSweep(ctx context.Context) (SweepResult, error) {
	if w.Busy(ctx) {
		w.scheduleRetry(ctx)
		return SweepResult{Rescheduled: true}, nil
	}
	acquired, err := w.lock.TryAcquire(ctx)
	if err != nil {
		return SweepResult{}, err
	}
	if !acquired {
		w.scheduleRetry(ctx)
		return SweepResult{Rescheduled: true}, nil
	}
	defer func() {
		if err := w.lock.Release(context.WithoutCancel(ctx)); err != nil {
			w.logger.WithError(err).Warn("worker lock release failed")
		}
	}()

	threshold := w.staleAfter.Hours()
	result := SweepResult{}
	var untracked []string

	entries := w.assets.Entries(ctx)
	for _, url := range assets.SortedURLs(entries) {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		result.Checked++
		hours := w.assets.Staleness(ctx, url)
		if hours < 0 {
			untracked = append(untracked, url)
			continue
		}
		if !w.hooks.IsStale(url, hours, threshold) {
			continue
		}
		if err := w.assets.Delete(ctx, url); err != nil {
			w.logger.WithFields(logging.AssetFields("evict", url, string(entries[url].Type))).WithError(err).Warn("eviction failed")
			continue
		}
		result.Evicted++
		w.logger.WithFields(logging.AssetFields("evict", url, string(entries[url].Type))).Info("stale asset evicted")
		if err := w.lock.Touch(ctx); err != nil {
			w.logger.WithError(err).Warn("worker heartbeat failed")
		}
	}

	// 没有条目的键（内联样式键、抓取失败的 URL）只存在于使用记录和依赖表中。
	for _, key := range w.assets.Orphans(ctx) {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		hours := w.assets.Staleness(ctx, key)
		if hours < 0 {
			untracked = append(untracked, key)
			continue
		}
		if !w.hooks.IsStale(key, hours, threshold) {
			continue
		}
		if err := w.assets.Forget(ctx, key); err != nil {
			w.logger.WithFields(logging.AssetFields("prune", key, "")).WithError(err).Warn("prune failed")
			continue
		}
		result.Pruned++
		w.logger.WithFields(logging.AssetFields("prune", key, "")).Debug("stale reference pruned")
	}

	seeded, err := w.assets.SeedUsage(ctx, untracked)
	if err != nil {
		w.logger.WithError(err).Warn("usage seed failed")
	}
	result.Seeded = seeded
	return result, nil
}

func (w *Worker) scheduleRetry(ctx context.Context) {
	w.mu.Lock()
	if w.stopped || !w.retryPending.CompareAndSwap(false, true) {
		w.mu.Unlock()
		return
	}
	w.mu.Unlock()

	base := context.WithoutCancel(ctx)
	w.logger.WithFields(logrus.Fields{"action": "sweep_retry", "delay": w.retryDelay.String()}).Info("worker busy, sweep rescheduled")
	timer := w.afterFunc(w.retryDelay, func() {
		w.mu.Lock()
		if w.stopped {
			w.mu.Unlock()
			return
		}
		w.timer = nil
		w.retryPending.Store(false)
		w.wg.Add(1)
		w.mu.Unlock()

		defer w.wg.Done()
		if _, err := w.StaleSweep(base); err != nil {
			w.logger.WithError(err).Warn("rescheduled sweep failed")
		}
	})

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		if timer != nil {
			timer.Stop()
		}
		return
	}
	if w.retryPending.Load() && w.timer == nil {
		w.timer = timer
	}
}

// RetryPending 报告是否有延迟的清理尚未执行。
func (w *Worker) RetryPending() bool {
	return w.retryPending.Load()
}

// Stop 取消尚未触发的延迟清理，此后不再安排新的重试；已在执行的任务由 Wait 等待。
func (w *Worker) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopped = true
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.retryPending.Store(false)
}
