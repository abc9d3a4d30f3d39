package assets

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/gdpr-cache/internal/cache"
	"github.com/any-hub/gdpr-cache/internal/classify"
	"github.com/any-hub/gdpr-cache/internal/logging"
	"github.com/any-hub/gdpr-cache/internal/queue"
	"github.com/any-hub/gdpr-cache/internal/settings"
	"github.com/any-hub/gdpr-cache/internal/uow"
)

// Store 负责 CacheEntry、使用记录与依赖关系的持久化，是所有缓存状态变更的唯一入口。
//
// 读写采用 best-effort 的读-改-写；进程内以互斥锁串行化，跨进程接受最后写入者胜出。
type Store struct {
	kv     settings.Store
	files  cache.Store
	queue  *queue.Queue
	now    func() time.Time
	logger *logrus.Entry

	mu sync.Mutex
}

// Options 提供可选依赖。
type Options struct {
	Now    func() time.Time
	Logger *logrus.Logger
}

// New 构建资源存储。
func New(kv settings.Store, files cache.Store, q *queue.Queue, opts Options) *Store {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Store{
		kv:     kv,
		files:  files,
		queue:  q,
		now:    now,
		logger: logging.Component(opts.Logger, "assets"),
	}
}

// Files 返回底层磁盘缓存。
func (s *Store) Files() cache.Store {
	return s.files
}

// Entries 返回全部条目的快照。
func (s *Store) Entries(ctx context.Context) map[string]Entry {
	entries := map[string]Entry{}
	s.load(ctx, EntriesKey, &entries)
	return entries
}

// Entry 返回单个条目。
func (s *Store) Entry(ctx context.Context, url string) (Entry, bool) {
	entry, ok := s.Entries(ctx)[url]
	return entry, ok
}

// Status 计算条目状态：无条目或文件缺失为 missing，已过期为 expired，否则 valid。
func (s *Store) Status(ctx context.Context, url string) Status {
	entry, ok := s.Entry(ctx, url)
	return s.statusOf(entry, ok)
}

func (s *Store) statusOf(entry Entry, ok bool) Status {
	if !ok || entry.File == "" || !s.files.Exists(entry.File) {
		return StatusMissing
	}
	if !s.now().Before(entry.ExpiresAt()) {
		return StatusExpired
	}
	return StatusValid
}

// LocalURL 仅在状态为 valid 或 expired 时返回本地地址；过期副本仍可降级使用。
func (s *Store) LocalURL(ctx context.Context, url string) (string, bool) {
	entry, ok := s.Entry(ctx, url)
	if s.statusOf(entry, ok) == StatusMissing {
		return "", false
	}
	return s.files.URL(entry.File), true
}

// RecordEntry 写入或更新条目；lifetime <= 0 时使用一天。已有条目保留首次创建时间。
func (s *Store) RecordEntry(ctx context.Context, url, file string, kind classify.Kind, lifetime time.Duration) error {
	if url == "" || file == "" {
		return errors.New("url and file are required")
	}
	if lifetime <= 0 {
		lifetime = DefaultLifetime
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entries := map[string]Entry{}
	s.load(ctx, EntriesKey, &entries)

	now := s.now()
	created := now.Unix()
	if prev, ok := entries[url]; ok && prev.Created > 0 {
		created = prev.Created
	}
	entries[url] = Entry{
		File:    file,
		Type:    kind,
		Created: created,
		Expires: now.Add(lifetime).Unix(),
	}
	return settings.Save(ctx, s.kv, EntriesKey, entries)
}

// InvalidateAll 将全部条目的过期时间置为 0，文件保留，下一次引用时触发后台刷新。
func (s *Store) InvalidateAll(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := map[string]Entry{}
	s.load(ctx, EntriesKey, &entries)
	for url, entry := range entries {
		entry.Expires = 0
		entries[url] = entry
	}
	if len(entries) == 0 {
		return 0, nil
	}
	return len(entries), settings.Save(ctx, s.kv, EntriesKey, entries)
}

// PurgeAll 删除全部缓存文件，清空条目、队列、使用记录与依赖关系。
func (s *Store) PurgeAll(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed, err := s.files.Purge(ctx)
	if err != nil {
		return removed, fmt.Errorf("purge cache dir: %w", err)
	}
	for _, key := range []string{EntriesKey, UsageKey, DependenciesKey} {
		if err := s.kv.Delete(ctx, key); err != nil {
			return removed, fmt.Errorf("clear %s: %w", key, err)
		}
	}
	if s.queue != nil {
		if err := s.queue.Clear(ctx); err != nil {
			return removed, fmt.Errorf("clear queue: %w", err)
		}
	}
	s.logger.WithFields(logrus.Fields{"action": "purge", "files": removed}).Info("cache purged")
	return removed, nil
}

// Delete 驱逐单个条目：删除文件、条目、队列项、使用记录以及以它为父键的依赖。
func (s *Store) Delete(ctx context.Context, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := map[string]Entry{}
	s.load(ctx, EntriesKey, &entries)
	if entry, ok := entries[url]; ok {
		if entry.File != "" {
			if err := s.files.Remove(ctx, entry.File); err != nil && !errors.Is(err, cache.ErrInvalidName) {
				return fmt.Errorf("remove %s: %w", entry.File, err)
			}
		}
		delete(entries, url)
		if err := s.saveMap(ctx, EntriesKey, entries); err != nil {
			return err
		}
	}

	if s.queue != nil {
		if err := s.queue.Remove(ctx, url); err != nil {
			return err
		}
	}

	usage := map[string]int64{}
	s.load(ctx, UsageKey, &usage)
	if _, ok := usage[url]; ok {
		delete(usage, url)
		if err := s.saveMap(ctx, UsageKey, usage); err != nil {
			return err
		}
	}

	return s.setDependencies(ctx, url, nil)
}

// RecordUsage 立即记录一次引用，并级联到它的所有依赖。
func (s *Store) RecordUsage(ctx context.Context, url string) error {
	return s.mergeUsage(ctx, map[string]time.Time{url: s.now()})
}

// Touch 把引用记录批量暂存在工作单元中，同一单元内每个 URL 只记录一次。
func (s *Store) Touch(u *uow.Unit, url string) {
	if u == nil || url == "" {
		return
	}
	u.MarkUsed(url, s.now())
}

// Flush 在工作单元结束时一次性持久化暂存的引用记录（按时间取较大值合并）。
func (s *Store) Flush(ctx context.Context, u *uow.Unit) error {
	if u == nil {
		return nil
	}
	batch := u.TakeUsage()
	if len(batch) == 0 {
		return nil
	}
	return s.mergeUsage(ctx, batch)
}

func (s *Store) mergeUsage(ctx context.Context, batch map[string]time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	deps := map[string][]string{}
	s.load(ctx, DependenciesKey, &deps)
	expanded := make(map[string]int64, len(batch))
	for url, at := range batch {
		stamp := at.Unix()
		for _, key := range cascade(deps, url) {
			if stamp > expanded[key] {
				expanded[key] = stamp
			}
		}
	}

	usage := map[string]int64{}
	s.load(ctx, UsageKey, &usage)
	for url, stamp := range expanded {
		if stamp > usage[url] {
			usage[url] = stamp
		}
	}
	return settings.Save(ctx, s.kv, UsageKey, usage)
}

// cascade 返回 url 及其全部（传递）依赖。
func cascade(deps map[string][]string, url string) []string {
	seen := map[string]struct{}{url: {}}
	order := []string{url}
	for i := 0; i < len(order); i++ {
		for _, child := range deps[order[i]] {
			if _, ok := seen[child]; ok || child == "" {
				continue
			}
			seen[child] = struct{}{}
			order = append(order, child)
		}
	}
	return order
}

// LastUsed 返回最近一次引用时间。
func (s *Store) LastUsed(ctx context.Context, url string) (time.Time, bool) {
	usage := map[string]int64{}
	s.load(ctx, UsageKey, &usage)
	stamp, ok := usage[url]
	if !ok {
		return time.Time{}, false
	}
	return time.Unix(stamp, 0), true
}

// Staleness 返回距最近一次引用的小时数；从未记录时返回 -1。
func (s *Store) Staleness(ctx context.Context, url string) float64 {
	last, ok := s.LastUsed(ctx, url)
	if !ok {
		return -1
	}
	hours := s.now().Sub(last).Hours()
	if hours < 0 {
		return 0
	}
	return hours
}

// SeedUsage 为尚无使用记录的 URL 写入当前时间，返回写入数量。
func (s *Store) SeedUsage(ctx context.Context, urls []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	usage := map[string]int64{}
	s.load(ctx, UsageKey, &usage)
	now := s.now().Unix()
	seeded := 0
	for _, url := range urls {
		if _, ok := usage[url]; ok || url == "" {
			continue
		}
		usage[url] = now
		seeded++
	}
	if seeded == 0 {
		return 0, nil
	}
	return seeded, settings.Save(ctx, s.kv, UsageKey, usage)
}

// SetDependencies 替换父键的依赖列表；children 为空时删除该父键。
func (s *Store) SetDependencies(ctx context.Context, parent string, children []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setDependencies(ctx, parent, children)
}

func (s *Store) setDependencies(ctx context.Context, parent string, children []string) error {
	deps := map[string][]string{}
	s.load(ctx, DependenciesKey, &deps)

	cleaned := dedupe(children, parent)
	if len(cleaned) == 0 {
		if _, ok := deps[parent]; !ok {
			return nil
		}
		delete(deps, parent)
	} else {
		deps[parent] = cleaned
	}
	return s.saveMap(ctx, DependenciesKey, deps)
}

// Dependencies 返回父键的依赖列表。
func (s *Store) Dependencies(ctx context.Context, parent string) []string {
	deps := map[string][]string{}
	s.load(ctx, DependenciesKey, &deps)
	return deps[parent]
}

// Orphans 返回出现在使用记录或依赖表中、却没有条目也不在队列里的键（如内联样式键），按字典序排列。
func (s *Store) Orphans(ctx context.Context) []string {
	entries := s.Entries(ctx)
	usage := map[string]int64{}
	s.load(ctx, UsageKey, &usage)
	deps := map[string][]string{}
	s.load(ctx, DependenciesKey, &deps)

	seen := map[string]struct{}{}
	var keys []string
	collect := func(key string) {
		if _, ok := entries[key]; ok || key == "" {
			return
		}
		if _, ok := seen[key]; ok {
			return
		}
		if s.queue != nil && s.queue.Contains(ctx, key) {
			return
		}
		seen[key] = struct{}{}
		keys = append(keys, key)
	}
	for key := range usage {
		collect(key)
	}
	for key := range deps {
		collect(key)
	}
	sort.Strings(keys)
	return keys
}

// Forget 删除键的使用记录与依赖列表，不触碰条目、队列和文件。
func (s *Store) Forget(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	usage := map[string]int64{}
	s.load(ctx, UsageKey, &usage)
	if _, ok := usage[key]; ok {
		delete(usage, key)
		if err := s.saveMap(ctx, UsageKey, usage); err != nil {
			return err
		}
	}
	return s.setDependencies(ctx, key, nil)
}

// Report 汇总条目状态、磁盘占用与队列长度。
func (s *Store) Report(ctx context.Context) Report {
	report := Report{ByKind: map[string]int{}}
	for _, entry := range s.Entries(ctx) {
		report.Entries++
		switch s.statusOf(entry, true) {
		case StatusValid:
			report.Valid++
		case StatusExpired:
			report.Expired++
		default:
			report.Missing++
		}
		report.ByKind[string(entry.Type)]++
		if info, err := s.files.Stat(entry.File); err == nil {
			report.Bytes += info.SizeBytes
		}
	}
	if s.queue != nil {
		report.Queued = s.queue.Len(ctx)
	}
	usage := map[string]int64{}
	s.load(ctx, UsageKey, &usage)
	report.Tracked = len(usage)
	deps := map[string][]string{}
	s.load(ctx, DependenciesKey, &deps)
	report.Parents = len(deps)
	return report
}

// SortedURLs 返回按字典序排列的条目 URL，便于稳定遍历。
func SortedURLs(entries map[string]Entry) []string {
	urls := make([]string, 0, len(entries))
	for url := range entries {
		urls = append(urls, url)
	}
	sort.Strings(urls)
	return urls
}

// load 读取集合；缺失或损坏的值按空集合处理。
func (s *Store) load(ctx context.Context, key string, dst any) {
	err := settings.Load(ctx, s.kv, key, dst)
	switch {
	case err == nil, errors.Is(err, settings.ErrNotFound):
	case errors.Is(err, settings.ErrCorrupt):
		s.logger.WithFields(logrus.Fields{"action": "state_corrupt", "key": key}).Warn(err.Error())
	default:
		s.logger.WithFields(logrus.Fields{"action": "state_read", "key": key}).WithError(err).Warn("state unavailable")
	}
}

func (s *Store) saveMap(ctx context.Context, key string, value any) error {
	switch m := value.(type) {
	case map[string]Entry:
		if len(m) == 0 {
			return s.kv.Delete(ctx, key)
		}
	case map[string]int64:
		if len(m) == 0 {
			return s.kv.Delete(ctx, key)
		}
	case map[string][]string:
		if len(m) == 0 {
			return s.kv.Delete(ctx, key)
		}
	}
	return settings.Save(ctx, s.kv, key, value)
}

func dedupe(values []string, exclude string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	result := make([]string, 0, len(values))
	for _, value := range values {
		if value == "" || value == exclude {
			continue
		}
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}
		result = append(result, value)
	}
	return result
}
