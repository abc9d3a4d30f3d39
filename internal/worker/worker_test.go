package worker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	logtest "github.com/sirupsen/logrus/hooks/test"

	"github.com/any-hub/gdpr-cache/internal/assets"
	"github.com/any-hub/gdpr-cache/internal/cache"
	"github.com/any-hub/gdpr-cache/internal/classify"
	"github.com/any-hub/gdpr-cache/internal/hooks"
	"github.com/any-hub/gdpr-cache/internal/queue"
	"github.com/any-hub/gdpr-cache/internal/settings"
	"github.com/any-hub/gdpr-cache/internal/uow"
)

func isExternal(url string) bool {
	return strings.HasPrefix(url, "https://")
}

type fakeFetcher struct {
	mu      sync.Mutex
	store   *assets.Store
	files   cache.Store
	fail    map[string]bool
	calls   []string
	block   chan struct{}
	started chan struct{}
}

func (f *fakeFetcher) Fetch(ctx context.Context, u *uow.Unit, rawURL string, kind classify.Kind) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, rawURL)
	f.mu.Unlock()
	if f.started != nil {
		select {
		case f.started <- struct{}{}:
		default:
		}
	}
	if f.block != nil {
		<-f.block
	}
	if f.fail[rawURL] {
		return "", errors.New("upstream down")
	}
	name := strings.NewReplacer("https://", "", "/", "_").Replace(rawURL)
	if _, err := f.files.Put(ctx, name, strings.NewReader("body"), cache.PutOptions{}); err != nil {
		return "", err
	}
	return name, f.store.RecordEntry(ctx, rawURL, name, "js", time.Hour)
}

func (f *fakeFetcher) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type env struct {
	worker  *Worker
	queue   *queue.Queue
	lock    *queue.Lock
	assets  *assets.Store
	fetcher *fakeFetcher
	hooks   *hooks.Registry
	now     time.Time
	mu      sync.Mutex
}

func (e *env) clock() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.now
}

func (e *env) advance(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.now = e.now.Add(d)
}

func newEnv(t *testing.T, opts Options) *env {
	t.Helper()
	files, err := cache.NewStore(t.TempDir(), "/gdpr-cache")
	if err != nil {
		t.Fatalf("cache store: %v", err)
	}
	e := &env{now: time.Unix(1_700_000_000, 0), hooks: hooks.NewRegistry()}
	kv := settings.NewMemory()
	e.queue = queue.New(kv, isExternal, nil)
	e.lock = queue.NewLock(kv, 300*time.Second, e.clock)
	e.assets = assets.New(kv, files, e.queue, assets.Options{Now: e.clock})
	e.fetcher = &fakeFetcher{store: e.assets, files: files, fail: map[string]bool{}}
	if opts.Hooks == nil {
		opts.Hooks = e.hooks
	}
	opts.IsExternal = isExternal
	e.worker = New(e.queue, e.lock, e.assets, e.fetcher, opts)
	return e
}

func TestEnqueueQueuesOnRequestPath(t *testing.T) {
	e := newEnv(t, Options{})
	ctx := context.Background()
	u := uow.New()

	for i := 0; i < 2; i++ {
		fetched, err := e.worker.Enqueue(ctx, u, "https://fonts.example/font.woff2")
		if err != nil || fetched {
			t.Fatalf("request path enqueue should only queue: %v %v", fetched, err)
		}
	}
	if got := e.queue.List(ctx); len(got) != 1 {
		t.Fatalf("url should be queued exactly once, got %v", got)
	}
	if len(e.fetcher.Calls()) != 0 {
		t.Fatalf("request path must not fetch")
	}
}

func TestEnqueueFetchesSynchronouslyInWorkerContext(t *testing.T) {
	e := newEnv(t, Options{})
	ctx := context.Background()

	fetched, err := e.worker.Enqueue(ctx, uow.NewBackground(), "https://cdn.example/a.js")
	if err != nil || !fetched {
		t.Fatalf("background enqueue should fetch: %v %v", fetched, err)
	}
	if e.queue.Len(ctx) != 0 {
		t.Fatalf("background enqueue must bypass the queue")
	}
	if e.assets.Status(ctx, "https://cdn.example/a.js") != assets.StatusValid {
		t.Fatalf("asset should be cached")
	}
}

func TestDrainProcessesQueueAndSwallowsFailures(t *testing.T) {
	e := newEnv(t, Options{})
	ctx := context.Background()
	urls := []string{"https://cdn.example/1.js", "https://cdn.example/2.js", "https://cdn.example/3.js"}
	for _, url := range urls {
		_, _ = e.queue.Push(ctx, url)
	}
	e.fetcher.fail["https://cdn.example/2.js"] = true

	var before, after int
	e.hooks.MustRegister("count", hooks.Hooks{
		BeforeDrain: func(_ context.Context, queued int) { before = queued },
		AfterDrain:  func(_ context.Context, processed, failed int) { after = processed*10 + failed },
	})

	result, err := e.worker.Drain(ctx)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if result.Processed != 2 || result.Failed != 1 {
		t.Fatalf("unexpected result %+v", result)
	}
	if before != 3 || after != 21 {
		t.Fatalf("drain hooks not called correctly: before=%d after=%d", before, after)
	}
	if e.queue.Len(ctx) != 0 {
		t.Fatalf("queue should be empty after drain")
	}
	if e.queue.Contains(ctx, "https://cdn.example/2.js") {
		t.Fatalf("failed urls are not re-enqueued")
	}
	if e.worker.Busy(ctx) {
		t.Fatalf("lock must be released after drain")
	}
	if got := e.fetcher.Calls(); len(got) != 3 || got[0] != urls[0] || got[2] != urls[2] {
		t.Fatalf("queue should be processed in order, got %v", got)
	}
}

func TestDrainSkipsFreshItems(t *testing.T) {
	e := newEnv(t, Options{})
	ctx := context.Background()
	_, _ = e.worker.Enqueue(ctx, uow.NewBackground(), "https://cdn.example/fresh.js")
	_ = e.queue.Save(ctx, []string{"https://cdn.example/fresh.js"})

	result, err := e.worker.Drain(ctx)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if result.Fresh != 1 || result.Processed != 0 {
		t.Fatalf("valid entries should not be refetched: %+v", result)
	}
	if len(e.fetcher.Calls()) != 1 {
		t.Fatalf("unexpected fetches %v", e.fetcher.Calls())
	}
}

func TestDrainAbortsWhenBusyAndRecoversAbandonedLock(t *testing.T) {
	e := newEnv(t, Options{})
	ctx := context.Background()
	_, _ = e.queue.Push(ctx, "https://cdn.example/a.js")
	if err := e.lock.Touch(ctx); err != nil {
		t.Fatalf("touch: %v", err)
	}

	result, err := e.worker.Drain(ctx)
	if err != nil || !result.Busy {
		t.Fatalf("drain should abort while another worker holds the lock: %+v %v", result, err)
	}
	if e.queue.Len(ctx) != 1 {
		t.Fatalf("aborted drain must not touch the queue")
	}

	e.advance(301 * time.Second)
	result, err = e.worker.Drain(ctx)
	if err != nil || result.Busy || result.Processed != 1 {
		t.Fatalf("abandoned lock should be taken over: %+v %v", result, err)
	}
}

func TestSpawnOncePerUnit(t *testing.T) {
	var triggered int
	e := newEnv(t, Options{Trigger: TriggerFunc(func(task func()) {
		triggered++
		task()
	})})
	ctx := context.Background()
	u := uow.New()

	if e.worker.Spawn(ctx, u) {
		t.Fatalf("empty queue should not spawn")
	}
	_, _ = e.queue.Push(ctx, "https://cdn.example/a.js")
	if !e.worker.Spawn(ctx, u) {
		t.Fatalf("idle worker with pending work should spawn")
	}
	_, _ = e.queue.Push(ctx, "https://cdn.example/b.js")
	if e.worker.Spawn(ctx, u) {
		t.Fatalf("second spawn in the same unit must be a no-op")
	}
	if triggered != 1 {
		t.Fatalf("expected exactly one trigger, got %d", triggered)
	}
	if e.assets.Status(ctx, "https://cdn.example/a.js") != assets.StatusValid {
		t.Fatalf("triggered drain should have fetched the asset")
	}

	if err := e.lock.Touch(ctx); err != nil {
		t.Fatalf("touch: %v", err)
	}
	if e.worker.Spawn(ctx, uow.New()) {
		t.Fatalf("busy worker must not spawn")
	}
	if e.worker.Spawn(ctx, uow.NewBackground()) {
		t.Fatalf("worker context never spawns")
	}
}

func TestConcurrentSpawnRunsSingleDrain(t *testing.T) {
	e := newEnv(t, Options{})
	ctx := context.Background()
	e.fetcher.block = make(chan struct{})
	e.fetcher.started = make(chan struct{}, 1)
	for _, url := range []string{"https://cdn.example/1.js", "https://cdn.example/2.js"} {
		_, _ = e.queue.Push(ctx, url)
	}

	var mu sync.Mutex
	active, maxActive, drains := 0, 0, 0
	e.hooks.MustRegister("concurrency", hooks.Hooks{
		BeforeDrain: func(context.Context, int) {
			mu.Lock()
			defer mu.Unlock()
			active++
			drains++
			if active > maxActive {
				maxActive = active
			}
		},
		AfterDrain: func(context.Context, int, int) {
			mu.Lock()
			defer mu.Unlock()
			active--
		},
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.worker.Spawn(ctx, uow.New())
		}()
	}
	wg.Wait()

	<-e.fetcher.started
	for i := 0; i < 8; i++ {
		if e.worker.Spawn(ctx, uow.New()) {
			t.Fatalf("spawn while busy must be a no-op")
		}
	}
	close(e.fetcher.block)
	e.worker.Wait()

	if maxActive != 1 {
		t.Fatalf("expected a single active drain, saw %d", maxActive)
	}
	if calls := e.fetcher.Calls(); len(calls) != 2 {
		t.Fatalf("each queued url should be fetched once, got %v", calls)
	}
	if drains < 1 {
		t.Fatalf("at least one drain should run")
	}
}

func TestStaleSweepEvictsAndSeeds(t *testing.T) {
	e := newEnv(t, Options{StaleAfter: 720 * time.Hour})
	ctx := context.Background()
	bg := uow.NewBackground()
	for _, url := range []string{"https://cdn.example/old.js", "https://cdn.example/new.js", "https://cdn.example/untracked.js"} {
		if _, err := e.worker.Enqueue(ctx, bg, url); err != nil {
			t.Fatalf("seed %s: %v", url, err)
		}
	}
	_ = e.assets.RecordUsage(ctx, "https://cdn.example/old.js")
	e.advance(721 * time.Hour)
	_ = e.assets.RecordUsage(ctx, "https://cdn.example/new.js")
	_, _ = e.queue.Push(ctx, "https://cdn.example/old.js")

	result, err := e.worker.StaleSweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if result.Checked != 3 || result.Evicted != 1 || result.Seeded != 1 {
		t.Fatalf("unexpected sweep result %+v", result)
	}
	if e.assets.Status(ctx, "https://cdn.example/old.js") != assets.StatusMissing {
		t.Fatalf("stale entry should be evicted")
	}
	if e.queue.Contains(ctx, "https://cdn.example/old.js") {
		t.Fatalf("evicted url should leave the queue")
	}
	if e.assets.Status(ctx, "https://cdn.example/new.js") == assets.StatusMissing {
		t.Fatalf("recently used entry must survive")
	}
	if e.assets.Staleness(ctx, "https://cdn.example/untracked.js") != 0 {
		t.Fatalf("untracked entry should be seeded with the current time")
	}
	if e.worker.Busy(ctx) {
		t.Fatalf("sweep must release the lock")
	}
}

func TestStaleSweepHonoursStrategies(t *testing.T) {
	e := newEnv(t, Options{StaleAfter: time.Hour})
	ctx := context.Background()
	_, _ = e.worker.Enqueue(ctx, uow.NewBackground(), "https://cdn.example/pinned.js")
	_ = e.assets.RecordUsage(ctx, "https://cdn.example/pinned.js")
	e.hooks.MustRegister("pin", hooks.Hooks{IsStale: func(url string, _, _ float64) (bool, bool) {
		return false, strings.Contains(url, "pinned")
	}})
	e.advance(48 * time.Hour)

	result, err := e.worker.StaleSweep(ctx)
	if err != nil || result.Evicted != 0 {
		t.Fatalf("pinned entry must survive: %+v %v", result, err)
	}
}

func TestStaleSweepReschedulesWhenBusy(t *testing.T) {
	var delays []time.Duration
	var pending []func()
	e := newEnv(t, Options{
		RetryDelay: 15 * time.Second,
		AfterFunc: func(d time.Duration, f func()) *time.Timer {
			delays = append(delays, d)
			pending = append(pending, f)
			return nil
		},
	})
	ctx := context.Background()
	if err := e.lock.Touch(ctx); err != nil {
		t.Fatalf("touch: %v", err)
	}

	result, err := e.worker.StaleSweep(ctx)
	if err != nil || !result.Rescheduled {
		t.Fatalf("busy sweep should reschedule: %+v %v", result, err)
	}
	if _, err := e.worker.StaleSweep(ctx); err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if len(pending) != 1 || delays[0] != 15*time.Second {
		t.Fatalf("only one retry should be pending, got %d (%v)", len(pending), delays)
	}

	if err := e.lock.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	pending[0]()
	if len(pending) != 1 {
		t.Fatalf("idle retry should run instead of rescheduling again")
	}
	if _, err := e.worker.StaleSweep(ctx); err != nil {
		t.Fatalf("sweep after retry: %v", err)
	}
}

func TestStaleSweepPrunesInlineReferences(t *testing.T) {
	e := newEnv(t, Options{StaleAfter: 720 * time.Hour})
	ctx := context.Background()
	font := "https://fonts.example/a.woff2"
	oldInline := "inline:5f1d"
	freshInline := "inline:9c0e"
	if _, err := e.worker.Enqueue(ctx, uow.NewBackground(), font); err != nil {
		t.Fatalf("seed font: %v", err)
	}
	_ = e.assets.SetDependencies(ctx, oldInline, []string{font})
	_ = e.assets.RecordUsage(ctx, oldInline)
	e.advance(721 * time.Hour)
	_ = e.assets.SetDependencies(ctx, freshInline, []string{"https://fonts.example/b.woff2"})
	_ = e.assets.RecordUsage(ctx, freshInline)

	result, err := e.worker.StaleSweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if result.Evicted != 1 || result.Pruned != 1 {
		t.Fatalf("unexpected sweep result %+v", result)
	}
	if deps := e.assets.Dependencies(ctx, oldInline); len(deps) != 0 {
		t.Fatalf("stale inline key should lose its dependencies, got %v", deps)
	}
	if _, ok := e.assets.LastUsed(ctx, oldInline); ok {
		t.Fatalf("stale inline key should lose its usage record")
	}
	if _, ok := e.assets.LastUsed(ctx, font); ok {
		t.Fatalf("evicted font should lose its usage record")
	}
	if deps := e.assets.Dependencies(ctx, freshInline); len(deps) != 1 {
		t.Fatalf("recently used inline key must survive, got %v", deps)
	}
}

func TestStopCancelsPendingRetry(t *testing.T) {
	var pending []func()
	e := newEnv(t, Options{
		AfterFunc: func(_ time.Duration, f func()) *time.Timer {
			pending = append(pending, f)
			return nil
		},
	})
	ctx := context.Background()
	untracked := "https://cdn.example/untracked.js"
	if _, err := e.worker.Enqueue(ctx, uow.NewBackground(), untracked); err != nil {
		t.Fatalf("seed: %v", err)
	}
	_ = e.lock.Touch(ctx)

	if result, _ := e.worker.StaleSweep(ctx); !result.Rescheduled || !e.worker.RetryPending() {
		t.Fatalf("busy sweep should leave a retry pending: %+v", result)
	}
	e.worker.Stop()
	if e.worker.RetryPending() {
		t.Fatalf("stop should clear the pending retry")
	}

	_ = e.lock.Release(ctx)
	pending[0]()
	e.worker.Wait()
	if got := e.assets.Staleness(ctx, untracked); got != -1 {
		t.Fatalf("cancelled retry must not sweep, staleness=%v", got)
	}

	_ = e.lock.Touch(ctx)
	if _, err := e.worker.StaleSweep(ctx); err != nil {
		t.Fatalf("sweep after stop: %v", err)
	}
	if len(pending) != 1 || e.worker.RetryPending() {
		t.Fatalf("stopped worker must not schedule new retries, pending=%d", len(pending))
	}
}

func TestStopStopsRetryTimer(t *testing.T) {
	e := newEnv(t, Options{RetryDelay: 10 * time.Millisecond})
	ctx := context.Background()
	untracked := "https://cdn.example/untracked.js"
	_, _ = e.worker.Enqueue(ctx, uow.NewBackground(), untracked)
	_ = e.lock.Touch(ctx)

	if result, _ := e.worker.StaleSweep(ctx); !result.Rescheduled {
		t.Fatalf("busy sweep should reschedule: %+v", result)
	}
	e.worker.Stop()
	_ = e.lock.Release(ctx)

	time.Sleep(50 * time.Millisecond)
	e.worker.Wait()
	if got := e.assets.Staleness(ctx, untracked); got != -1 {
		t.Fatalf("stopped timer must not fire, staleness=%v", got)
	}
}

type lockFailingKV struct {
	settings.Store
	fail atomic.Bool
}

func (k *lockFailingKV) Set(ctx context.Context, key string, value []byte) error {
	if key == queue.LockKey && k.fail.Load() {
		return errors.New("state backend down")
	}
	return k.Store.Set(ctx, key, value)
}

func TestStaleSweepLogsHeartbeatFailure(t *testing.T) {
	files, err := cache.NewStore(t.TempDir(), "/gdpr-cache")
	if err != nil {
		t.Fatalf("cache store: %v", err)
	}
	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time { return now }
	kv := &lockFailingKV{Store: settings.NewMemory()}
	q := queue.New(kv, isExternal, nil)
	store := assets.New(kv, files, q, assets.Options{Now: clock})
	registry := hooks.NewRegistry()
	registry.MustRegister("evict-all", hooks.Hooks{IsStale: func(string, float64, float64) (bool, bool) {
		kv.fail.Store(true)
		return true, true
	}})
	logger, logs := logtest.NewNullLogger()
	w := New(q, queue.NewLock(kv, 300*time.Second, clock), store, &fakeFetcher{store: store, files: files}, Options{
		Hooks:      registry,
		IsExternal: isExternal,
		Logger:     logger,
	})

	ctx := context.Background()
	url := "https://cdn.example/app.js"
	if _, err := w.Enqueue(ctx, uow.NewBackground(), url); err != nil {
		t.Fatalf("seed: %v", err)
	}
	_ = store.RecordUsage(ctx, url)

	result, err := w.StaleSweep(ctx)
	if err != nil || result.Evicted != 1 {
		t.Fatalf("sweep should still evict: %+v %v", result, err)
	}
	for _, entry := range logs.AllEntries() {
		if entry.Message == "worker heartbeat failed" {
			return
		}
	}
	t.Fatalf("heartbeat failure should be logged, got %d entries", len(logs.AllEntries()))
}
