package queue

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/gdpr-cache/internal/settings"
)

// Key 是待抓取队列在键值存储中的位置。
const Key = "cache_queue"

// Queue 是持久化的有序 URL 集合：不重复，且只接受站外 URL。
//
// 并发写入不加跨进程锁，依赖“已存在即忽略”的幂等语义，持久化结果为最后写入者胜出。
type Queue struct {
	kv         settings.Store
	isExternal func(string) bool
	logger     *logrus.Entry

	mu sync.Mutex
}

// New 构建队列；isExternal 为空时接受任意非空 URL。
func New(kv settings.Store, isExternal func(string) bool, logger *logrus.Entry) *Queue {
	if isExternal == nil {
		isExternal = func(string) bool { return true }
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Queue{kv: kv, isExternal: isExternal, logger: logger}
}

// List 返回当前队列快照，损坏或缺失的值视为空队列。
func (q *Queue) List(ctx context.Context) []string {
	var urls []string
	err := settings.Load(ctx, q.kv, Key, &urls)
	switch {
	case err == nil:
	case errors.Is(err, settings.ErrNotFound):
		return nil
	case errors.Is(err, settings.ErrCorrupt):
		q.logger.WithField("action", "queue_corrupt").Warn(err.Error())
		return nil
	default:
		q.logger.WithField("action", "queue_read").WithError(err).Warn("queue unavailable")
		return nil
	}
	result := urls[:0]
	for _, url := range urls {
		if strings.TrimSpace(url) != "" {
			result = append(result, url)
		}
	}
	return result
}

// Len 返回队列长度。
func (q *Queue) Len(ctx context.Context) int {
	return len(q.List(ctx))
}

// Contains 判断 URL 是否已在队列中。
func (q *Queue) Contains(ctx context.Context, url string) bool {
	for _, queued := range q.List(ctx) {
		if queued == url {
			return true
		}
	}
	return false
}

// Push 追加 URL；已存在、为空或非站外 URL 时返回 false。
func (q *Queue) Push(ctx context.Context, url string) (bool, error) {
	url = strings.TrimSpace(url)
	if url == "" || !q.isExternal(url) {
		return false, nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	urls := q.List(ctx)
	for _, queued := range urls {
		if queued == url {
			return false, nil
		}
	}
	if err := q.save(ctx, append(urls, url)); err != nil {
		return false, err
	}
	return true, nil
}

// Pop 取出队首并持久化剩余部分，队列为空时返回 false。
func (q *Queue) Pop(ctx context.Context) (string, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	urls := q.List(ctx)
	if len(urls) == 0 {
		return "", false, nil
	}
	head := urls[0]
	if err := q.save(ctx, urls[1:]); err != nil {
		return "", false, err
	}
	return head, true, nil
}

// Remove 从队列中删除指定 URL。
func (q *Queue) Remove(ctx context.Context, url string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	urls := q.List(ctx)
	kept := make([]string, 0, len(urls))
	for _, queued := range urls {
		if queued != url {
			kept = append(kept, queued)
		}
	}
	if len(kept) == len(urls) {
		return nil
	}
	return q.save(ctx, kept)
}

// Save 整体覆盖队列，会去重并剔除站内 URL。
func (q *Queue) Save(ctx context.Context, urls []string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	seen := make(map[string]struct{}, len(urls))
	cleaned := make([]string, 0, len(urls))
	for _, url := range urls {
		url = strings.TrimSpace(url)
		if url == "" || !q.isExternal(url) {
			continue
		}
		if _, dup := seen[url]; dup {
			continue
		}
		seen[url] = struct{}{}
		cleaned = append(cleaned, url)
	}
	return q.save(ctx, cleaned)
}

// Clear 清空队列。
func (q *Queue) Clear(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.kv.Delete(ctx, Key)
}

func (q *Queue) save(ctx context.Context, urls []string) error {
	if len(urls) == 0 {
		return q.kv.Delete(ctx, Key)
	}
	return settings.Save(ctx, q.kv, Key, urls)
}
