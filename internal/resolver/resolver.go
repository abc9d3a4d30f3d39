// Package resolver is the synchronous decision made once per asset reference
// while a page renders. It never blocks on the network and never fails: a
// valid copy is served locally, an expired copy is served while a refresh is
// queued, and a missing copy falls back to the original URL until the worker
// has fetched it.
package resolver

import (
	"context"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/gdpr-cache/internal/assets"
	"github.com/any-hub/gdpr-cache/internal/classify"
	"github.com/any-hub/gdpr-cache/internal/config"
	"github.com/any-hub/gdpr-cache/internal/hooks"
	"github.com/any-hub/gdpr-cache/internal/logging"
	"github.com/any-hub/gdpr-cache/internal/rewrite"
	"github.com/any-hub/gdpr-cache/internal/uow"
)

// DenyListHook 是内置拒绝列表策略的注册名。
const DenyListHook = "denylist"

// Scheduler 是 Resolver 对任务队列的依赖。
type Scheduler interface {
	Enqueue(ctx context.Context, u *uow.Unit, rawURL string) (bool, error)
	Spawn(ctx context.Context, u *uow.Unit) bool
}

// Options 配置 Resolver。
type Options struct {
	DenyHosts []string
	Hooks     *hooks.Registry
	Logger    *logrus.Logger
}

// Resolver 决定每个资源引用最终输出的地址。
type Resolver struct {
	classifier *classify.Classifier
	assets     *assets.Store
	scheduler  Scheduler
	hooks      *hooks.Registry
	deny       map[string]struct{}
	logger     *logrus.Entry
}

// New 构建 Resolver，并把拒绝列表注册为第一个 pre-resolve 策略。
func New(classifier *classify.Classifier, store *assets.Store, scheduler Scheduler, opts Options) (*Resolver, error) {
	registry := opts.Hooks
	if registry == nil {
		registry = hooks.NewRegistry()
	}
	r := &Resolver{
		classifier: classifier,
		assets:     store,
		scheduler:  scheduler,
		hooks:      registry,
		deny:       make(map[string]struct{}, len(opts.DenyHosts)),
		logger:     logging.Component(opts.Logger, "resolver"),
	}
	for _, host := range opts.DenyHosts {
		if normalized := config.NormalizeHost(host); normalized != "" {
			r.deny[normalized] = struct{}{}
		}
	}
	if err := registry.Register(DenyListHook, hooks.Hooks{PreResolve: r.denyListed}); err != nil {
		return nil, err
	}
	return r, nil
}

// Hooks 返回策略注册表，供宿主注册自定义策略。
func (r *Resolver) Hooks() *hooks.Registry {
	return r.hooks
}

// Denied 判断主机是否命中拒绝列表（精确匹配或其子域名）。
func (r *Resolver) Denied(host string) bool {
	host = config.NormalizeHost(host)
	for host != "" {
		if _, ok := r.deny[host]; ok {
			return true
		}
		_, parent, found := strings.Cut(host, ".")
		if !found {
			return false
		}
		host = parent
	}
	return false
}

func (r *Resolver) denyListed(_ context.Context, rc *hooks.ResolveContext) (string, bool) {
	if len(r.deny) == 0 || !r.Denied(rc.Host) {
		return "", false
	}
	return rc.URL, true
}

// Resolve 返回应输出的地址；任何内部失败都降级为原始地址。
func (r *Resolver) Resolve(ctx context.Context, u *uow.Unit, rawURL string) string {
	if rawURL == "" || !r.classifier.IsExternal(rawURL) {
		return rawURL
	}
	if u == nil {
		u = uow.New()
	}

	rc := &hooks.ResolveContext{
		URL:        rawURL,
		Host:       classify.Hostname(rawURL),
		Background: u.Background,
	}
	if result, ok := r.hooks.PreResolve(ctx, rc); ok {
		r.logger.WithFields(logging.AssetFields("pre_resolve", rawURL, "")).Debug("resolution short-circuited")
		return result
	}

	r.assets.Touch(u, rawURL)
	status := r.assets.Status(ctx, rawURL)
	result := rawURL

	switch status {
	case assets.StatusValid:
		if local, ok := r.assets.LocalURL(ctx, rawURL); ok {
			result = local
		}
	case assets.StatusExpired:
		r.enqueue(ctx, u, rawURL)
		if local, ok := r.assets.LocalURL(ctx, rawURL); ok {
			result = local
		}
		r.scheduler.Spawn(ctx, u)
	default:
		if r.enqueue(ctx, u, rawURL) {
			if local, ok := r.assets.LocalURL(ctx, rawURL); ok {
				result = local
			}
		} else {
			r.scheduler.Spawn(ctx, u)
		}
	}

	rc.Status = string(status)
	if result != rawURL {
		rc.Local = result
	}
	result = r.hooks.PostResolve(ctx, rc, result)

	fields := logging.AssetFields("resolve", rawURL, "")
	fields["status"] = string(status)
	r.logger.WithFields(fields).Debug("asset resolved")
	return result
}

func (r *Resolver) enqueue(ctx context.Context, u *uow.Unit, rawURL string) bool {
	fetched, err := r.scheduler.Enqueue(ctx, u, rawURL)
	if err != nil {
		r.logger.WithFields(logging.AssetFields("enqueue", rawURL, "")).WithError(err).Warn("asset not scheduled")
		return false
	}
	return fetched
}

// ResolveNested 供样式表重写使用：仅当得到不同的地址时返回 ok。
func (r *Resolver) ResolveNested(ctx context.Context, u *uow.Unit, rawURL string) (string, bool) {
	local := r.Resolve(ctx, u, rawURL)
	if local == "" || local == rawURL {
		return "", false
	}
	return local, true
}

// RewriteInlineCSS 重写页面内联样式，并以内容哈希为父键登记依赖，使引用记录能级联到嵌套资源。
func (r *Resolver) RewriteInlineCSS(ctx context.Context, u *uow.Unit, css string) string {
	if u == nil {
		u = uow.New()
	}
	var deps []string
	result := rewrite.CSS(ctx, css, func(ctx context.Context, ref string) (string, bool) {
		if r.classifier.IsExternal(ref) {
			deps = append(deps, ref)
		}
		return r.ResolveNested(ctx, u, ref)
	})

	key := rewrite.InlineKey(css)
	if err := r.assets.SetDependencies(ctx, key, deps); err != nil {
		r.logger.WithField("action", "inline_deps").WithError(err).Warn("inline dependencies not recorded")
	}
	if len(deps) > 0 {
		r.assets.Touch(u, key)
	}
	return result.Content
}
