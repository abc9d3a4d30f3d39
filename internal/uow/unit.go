// Package uow carries the per-request (or per-worker-run) state that the
// asset cache threads through its calls: whether execution happens inside the
// background worker, the batched "last used" timestamps waiting to be flushed,
// whether a worker spawn was already requested, and which URLs are currently
// being fetched synchronously.
package uow

import (
	"sync"
	"time"
)

// Unit 是一次工作单元（一次页面渲染或一次 worker 执行）的显式上下文。
type Unit struct {
	// Background 为 true 时表示处于 worker 执行上下文，入队请求会改为同步抓取。
	Background bool

	mu       sync.Mutex
	usage    map[string]time.Time
	spawned  bool
	inflight map[string]struct{}
}

// New 返回请求路径上的工作单元。
func New() *Unit {
	return &Unit{}
}

// NewBackground 返回 worker 执行上下文。
func NewBackground() *Unit {
	return &Unit{Background: true}
}

// MarkUsed 记录 url 在本单元内被引用；同一 URL 只记录第一次，重复调用返回 false。
func (u *Unit) MarkUsed(url string, at time.Time) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.usage == nil {
		u.usage = make(map[string]time.Time)
	}
	if _, seen := u.usage[url]; seen {
		return false
	}
	u.usage[url] = at
	return true
}

// PendingUsage 返回尚未持久化的使用记录数量。
func (u *Unit) PendingUsage() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.usage)
}

// TakeUsage 取走批量使用记录并清空，供结束工作单元时一次性持久化。
func (u *Unit) TakeUsage() map[string]time.Time {
	u.mu.Lock()
	defer u.mu.Unlock()
	taken := u.usage
	u.usage = nil
	return taken
}

// MarkSpawned 第一次调用返回 true，之后返回 false，保证单元内最多请求一次 worker。
func (u *Unit) MarkSpawned() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.spawned {
		return false
	}
	u.spawned = true
	return true
}

// Spawned 返回是否已请求过 worker。
func (u *Unit) Spawned() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.spawned
}

// Begin 标记 url 开始同步抓取；若已在进行中返回 false（嵌套引用成环时用于终止递归）。
func (u *Unit) Begin(url string) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.inflight == nil {
		u.inflight = make(map[string]struct{})
	}
	if _, busy := u.inflight[url]; busy {
		return false
	}
	u.inflight[url] = struct{}{}
	return true
}

// End 结束 url 的同步抓取标记。
func (u *Unit) End(url string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	delete(u.inflight, url)
}
