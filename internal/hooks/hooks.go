// Package hooks holds the strategy registry through which the resolver and
// the worker can be customized. Each registered strategy is a named bundle of
// optional callbacks; the registry runs them in registration order. The
// resolver registers its own deny-list as the first pre-resolve strategy.
package hooks

import "context"

// ResolveContext 在策略之间传递一次解析的上下文，Status/Local 仅在 PostResolve 阶段有值。
type ResolveContext struct {
	URL        string
	Host       string
	Background bool
	Status     string
	Local      string
}

// Hooks 描述可定制的行为，所有字段均可为空。
type Hooks struct {
	// PreResolve 返回 ok=true 时短路解析，直接使用返回的地址。
	PreResolve func(ctx context.Context, rc *ResolveContext) (string, bool)
	// PostResolve 可替换默认逻辑选出的地址。
	PostResolve func(ctx context.Context, rc *ResolveContext, result string) string
	// IsStale 在清理时覆盖默认判定；decided=false 表示交给下一个策略或默认阈值。
	IsStale func(url string, hours, threshold float64) (stale bool, decided bool)
	// BeforeDrain 在 worker 开始处理队列前调用。
	BeforeDrain func(ctx context.Context, queued int)
	// AfterDrain 在 worker 处理完队列后调用。
	AfterDrain func(ctx context.Context, processed, failed int)
}
