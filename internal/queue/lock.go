package queue

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/any-hub/gdpr-cache/internal/settings"
)

// LockKey 存放 worker 存活时间戳（unix 秒）。
const LockKey = "worker_lock"

// Lock 是基于时间戳的 worker 互斥锁：时间戳存在且未超过 timeout 即视为忙碌，
// 超时的锁由观察者隐式视为已释放，不需要显式清理。
type Lock struct {
	kv      settings.Store
	timeout time.Duration
	now     func() time.Time

	mu sync.Mutex
}

// NewLock 构建锁；now 为空时使用 time.Now。
func NewLock(kv settings.Store, timeout time.Duration, now func() time.Time) *Lock {
	if now == nil {
		now = time.Now
	}
	return &Lock{kv: kv, timeout: timeout, now: now}
}

// Since 返回锁记录的时间戳。
func (l *Lock) Since(ctx context.Context) (time.Time, bool) {
	raw, err := l.kv.Get(ctx, LockKey)
	if err != nil {
		return time.Time{}, false
	}
	seconds, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil || seconds <= 0 {
		return time.Time{}, false
	}
	return time.Unix(seconds, 0), true
}

// Busy 当且仅当时间戳存在且仍在超时窗口内时返回 true。
func (l *Lock) Busy(ctx context.Context) bool {
	since, ok := l.Since(ctx)
	if !ok {
		return false
	}
	return l.now().Sub(since) < l.timeout
}

// TryAcquire 在锁空闲时写入当前时间并返回 true；本进程内的并发调用只会有一个成功。
func (l *Lock) TryAcquire(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.Busy(ctx) {
		return false, nil
	}
	if err := l.Touch(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// Touch 刷新存活时间戳（心跳）。
func (l *Lock) Touch(ctx context.Context) error {
	stamp := strconv.FormatInt(l.now().Unix(), 10)
	return l.kv.Set(ctx, LockKey, []byte(stamp))
}

// Release 清除时间戳。
func (l *Lock) Release(ctx context.Context) error {
	err := l.kv.Delete(ctx, LockKey)
	if errors.Is(err, settings.ErrNotFound) {
		return nil
	}
	return err
}
