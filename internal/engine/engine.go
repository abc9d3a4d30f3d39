// Package engine assembles the asset-caching components from configuration
// and exposes the operations the HTTP surface, the scheduler and the CLI
// share: request-path resolution, HTML rewriting, background work and the
// administrative commands (invalidate, purge, refresh, status).
package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/gdpr-cache/internal/assets"
	"github.com/any-hub/gdpr-cache/internal/cache"
	"github.com/any-hub/gdpr-cache/internal/classify"
	"github.com/any-hub/gdpr-cache/internal/config"
	"github.com/any-hub/gdpr-cache/internal/fetch"
	"github.com/any-hub/gdpr-cache/internal/hooks"
	"github.com/any-hub/gdpr-cache/internal/logging"
	"github.com/any-hub/gdpr-cache/internal/queue"
	"github.com/any-hub/gdpr-cache/internal/resolver"
	"github.com/any-hub/gdpr-cache/internal/scanner"
	"github.com/any-hub/gdpr-cache/internal/settings"
	"github.com/any-hub/gdpr-cache/internal/uow"
	"github.com/any-hub/gdpr-cache/internal/worker"
)

// Options 允许测试替换外部依赖。
type Options struct {
	Logger *logrus.Logger
	// Client 为空时使用 fetch.NewClient。
	Client *http.Client
	// Settings 为空时按 [State] 配置打开。
	Settings  settings.Store
	Trigger   worker.Trigger
	AfterFunc worker.AfterFunc
	Now       func() time.Time
}

// Engine 持有装配完成的全部组件。
type Engine struct {
	cfg    *config.Config
	logger *logrus.Entry

	kv         settings.Store
	files      cache.Store
	classifier *classify.Classifier
	queue      *queue.Queue
	lock       *queue.Lock
	assets     *assets.Store
	fetcher    *fetch.Fetcher
	hooks      *hooks.Registry
	worker     *worker.Worker
	resolver   *resolver.Resolver
	scanner    *scanner.Scanner
}

// Status 是 Report 加上运行时信息。
type Status struct {
	assets.Report
	LockSince *time.Time        `json:"lock_since,omitempty"`
	Hooks     map[string]string `json:"hooks"`
	HomeURL   string            `json:"home_url"`
}

// RefreshResult 汇总一次刷新命令。
type RefreshResult struct {
	Invalidated int           `json:"invalidated"`
	Scanned     bool          `json:"scanned"`
	Scan        scanner.Stats `json:"scan"`
	Spawned     bool          `json:"spawned"`
}

// New 按配置装配引擎；任何一步失败都会释放已打开的资源。
func New(ctx context.Context, cfg *config.Config, opts Options) (*Engine, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	g := cfg.Global
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	kv := opts.Settings
	if kv == nil {
		opened, err := settings.Open(ctx, cfg.State)
		if err != nil {
			return nil, fmt.Errorf("open state backend: %w", err)
		}
		kv = opened
	}

	files, err := cache.NewStore(g.StoragePath, g.PublicPrefix())
	if err != nil {
		_ = kv.Close()
		return nil, fmt.Errorf("init cache dir: %w", err)
	}

	client := opts.Client
	if client == nil {
		client = fetch.NewClient(cfg)
	}

	classifier, err := classify.New(g.HomeURL, classify.NewHTTPProber(client, g.UserAgent, g.ProbeTimeout.DurationValue()))
	if err != nil {
		_ = kv.Close()
		return nil, err
	}

	q := queue.New(kv, classifier.IsExternal, logging.Component(opts.Logger, "queue"))
	lock := queue.NewLock(kv, g.WorkerTimeout.DurationValue(), now)
	store := assets.New(kv, files, q, assets.Options{Now: now, Logger: opts.Logger})
	fetcher := fetch.New(store, classifier, fetch.Options{
		Client:    client,
		UserAgent: g.UserAgent,
		Timeout:   g.FetchTimeout.DurationValue(),
		Logger:    opts.Logger,
	})

	registry := hooks.NewRegistry()
	w := worker.New(q, lock, store, fetcher, worker.Options{
		StaleAfter: g.StaleAfter.DurationValue(),
		RetryDelay: g.StaleRetryDelay.DurationValue(),
		Trigger:    opts.Trigger,
		AfterFunc:  opts.AfterFunc,
		Hooks:      registry,
		IsExternal: classifier.IsExternal,
		Logger:     opts.Logger,
	})

	res, err := resolver.New(classifier, store, w, resolver.Options{
		DenyHosts: cfg.DenyHosts(),
		Hooks:     registry,
		Logger:    opts.Logger,
	})
	if err != nil {
		_ = kv.Close()
		return nil, err
	}
	fetcher.SetNestedResolver(res.ResolveNested)

	scan := scanner.New(res, scanner.Options{
		HomeURL:   g.HomeURL,
		Client:    client,
		UserAgent: g.UserAgent,
		Timeout:   g.FetchTimeout.DurationValue(),
		Logger:    opts.Logger,
	})

	return &Engine{
		cfg:        cfg,
		logger:     logging.Component(opts.Logger, "engine"),
		kv:         kv,
		files:      files,
		classifier: classifier,
		queue:      q,
		lock:       lock,
		assets:     store,
		fetcher:    fetcher,
		hooks:      registry,
		worker:     w,
		resolver:   res,
		scanner:    scan,
	}, nil
}

// Config 返回装配时使用的配置。
func (e *Engine) Config() *config.Config {
	return e.cfg
}

// Files 返回磁盘缓存，供静态文件路由使用。
func (e *Engine) Files() cache.Store {
	return e.files
}

// Hooks 返回策略注册表。
func (e *Engine) Hooks() *hooks.Registry {
	return e.hooks
}

// Begin 开始一个工作单元（一次页面渲染或一次 API 请求）。
func (e *Engine) Begin() *uow.Unit {
	return uow.New()
}

// Resolve 返回资源引用应输出的地址，永不失败。
func (e *Engine) Resolve(ctx context.Context, u *uow.Unit, rawURL string) string {
	return e.resolver.Resolve(ctx, u, rawURL)
}

// RewriteHTML 重写整段 HTML 中的资源引用；解析失败时原样返回输入。
func (e *Engine) RewriteHTML(ctx context.Context, u *uow.Unit, html string) string {
	out, _, err := e.scanner.RewriteHTML(ctx, u, html)
	if err != nil {
		e.logger.WithField("action", "rewrite_html").WithError(err).Warn("html left unchanged")
		return html
	}
	return out
}

// Finish 结束工作单元，批量写入引用记录。
func (e *Engine) Finish(ctx context.Context, u *uow.Unit) {
	if u == nil {
		return
	}
	if err := e.assets.Flush(context.WithoutCancel(ctx), u); err != nil {
		e.logger.WithField("action", "flush_usage").WithError(err).Warn("usage not persisted")
	}
}

// RunPending 在当前 goroutine 中处理队列。
func (e *Engine) RunPending(ctx context.Context) (worker.DrainResult, error) {
	return e.worker.Drain(ctx)
}

// CheckStaleness 执行一次过期清理。
func (e *Engine) CheckStaleness(ctx context.Context) (worker.SweepResult, error) {
	return e.worker.StaleSweep(ctx)
}

// Invalidate 使全部条目过期，文件保留。
func (e *Engine) Invalidate(ctx context.Context) (int, error) {
	n, err := e.assets.InvalidateAll(ctx)
	if err != nil {
		return n, err
	}
	e.logger.WithFields(logrus.Fields{"action": "invalidate", "entries": n}).Info("cache invalidated")
	return n, nil
}

// Purge 删除全部缓存文件与状态。
func (e *Engine) Purge(ctx context.Context) (int, error) {
	return e.assets.PurgeAll(ctx)
}

// Refresh 使缓存失效，按配置扫描首页，然后触发后台任务。首页扫描失败不影响失效结果。
func (e *Engine) Refresh(ctx context.Context) (RefreshResult, error) {
	result := RefreshResult{}
	n, err := e.Invalidate(ctx)
	result.Invalidated = n
	if err != nil {
		return result, err
	}

	u := uow.New()
	defer e.Finish(ctx, u)
	if e.cfg.Global.ScanOnRefresh {
		stats, err := e.scanner.ScanHome(ctx, u)
		if err != nil {
			e.logger.WithField("action", "refresh").WithError(err).Warn("home scan failed")
		} else {
			result.Scanned = true
			result.Scan = stats
		}
	}
	result.Spawned = e.worker.Spawn(ctx, u)
	return result, nil
}

// Status 汇总缓存与 worker 状态。
func (e *Engine) Status(ctx context.Context) Status {
	status := Status{
		Report:  e.assets.Report(ctx),
		Hooks:   e.hooks.Snapshot(e.hooks.Names()),
		HomeURL: e.cfg.Global.HomeURL,
	}
	status.WorkerBusy = e.worker.Busy(ctx)
	if since, ok := e.lock.Since(ctx); ok {
		status.LockSince = &since
	}
	return status
}

// Wait 等待已触发的后台任务结束。
func (e *Engine) Wait() {
	e.worker.Wait()
}

// Close 取消尚未触发的延迟清理，等待后台任务并关闭状态后端。
func (e *Engine) Close() error {
	e.worker.Stop()
	e.worker.Wait()
	return e.kv.Close()
}
