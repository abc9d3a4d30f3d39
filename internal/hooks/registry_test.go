package hooks

import (
	"context"
	"testing"
)

func TestRegisterAndFetch(t *testing.T) {
	r := NewRegistry()
	h := Hooks{PreResolve: func(context.Context, *ResolveContext) (string, bool) { return "ok", true }}
	if err := r.Register("Test", h); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if _, ok := r.Fetch("test"); !ok {
		t.Fatalf("expected fetch ok")
	}
	if r.Status("test") != "registered" {
		t.Fatalf("expected registered status")
	}
	if r.Status("missing") != "missing" {
		t.Fatalf("expected missing status")
	}
	if err := r.Register(" ", Hooks{}); err == nil {
		t.Fatalf("blank name should fail")
	}
}

func TestRegisterDuplicate(t *testing.T) {
	r := NewRegistry()
	if err := r.Register("dup", Hooks{}); err != nil {
		t.Fatalf("first register failed: %v", err)
	}
	if err := r.Register("DUP", Hooks{}); err != ErrDuplicateHook {
		t.Fatalf("expected ErrDuplicateHook, got %v", err)
	}
}

func TestSnapshot(t *testing.T) {
	r := NewRegistry()
	_ = r.Register("a", Hooks{})
	snap := r.Snapshot([]string{"a", "b"})
	if snap["a"] != "registered" {
		t.Fatalf("expected a registered, got %s", snap["a"])
	}
	if snap["b"] != "missing" {
		t.Fatalf("expected b missing, got %s", snap["b"])
	}
}

func TestPreResolveStopsAtFirstDecision(t *testing.T) {
	r := NewRegistry()
	var calls []string
	r.MustRegister("pass", Hooks{PreResolve: func(context.Context, *ResolveContext) (string, bool) {
		calls = append(calls, "pass")
		return "", false
	}})
	r.MustRegister("deny", Hooks{PreResolve: func(_ context.Context, rc *ResolveContext) (string, bool) {
		calls = append(calls, "deny")
		return rc.URL, true
	}})
	r.MustRegister("never", Hooks{PreResolve: func(context.Context, *ResolveContext) (string, bool) {
		calls = append(calls, "never")
		return "x", true
	}})

	got, ok := r.PreResolve(context.Background(), &ResolveContext{URL: "https://js.stripe.com/v3"})
	if !ok || got != "https://js.stripe.com/v3" {
		t.Fatalf("unexpected result %q %v", got, ok)
	}
	if len(calls) != 2 || calls[1] != "deny" {
		t.Fatalf("strategies should run in order and stop, got %v", calls)
	}

	if !r.Unregister("deny") || r.Unregister("deny") {
		t.Fatalf("unregister should succeed exactly once")
	}
	if names := r.Names(); len(names) != 2 || names[0] != "pass" || names[1] != "never" {
		t.Fatalf("unexpected order %v", names)
	}
}

func TestPostResolveChains(t *testing.T) {
	r := NewRegistry()
	r.MustRegister("suffix", Hooks{PostResolve: func(_ context.Context, _ *ResolveContext, result string) string {
		return result + "?v=1"
	}})
	r.MustRegister("blank-missing", Hooks{PostResolve: func(_ context.Context, rc *ResolveContext, result string) string {
		if rc.Status == "missing" {
			return ""
		}
		return result
	}})

	if got := r.PostResolve(context.Background(), &ResolveContext{Status: "valid"}, "/a.css"); got != "/a.css?v=1" {
		t.Fatalf("unexpected chained result %q", got)
	}
	if got := r.PostResolve(context.Background(), &ResolveContext{Status: "missing"}, "https://x"); got != "" {
		t.Fatalf("later strategy should see earlier output, got %q", got)
	}
}

func TestIsStaleFallsBackToThreshold(t *testing.T) {
	r := NewRegistry()
	if !r.IsStale("u", 800, 720) || r.IsStale("u", 10, 720) {
		t.Fatalf("default threshold comparison broken")
	}
	r.MustRegister("pin", Hooks{IsStale: func(url string, _, _ float64) (bool, bool) {
		return false, url == "pinned"
	}})
	if r.IsStale("pinned", 9999, 720) {
		t.Fatalf("strategy decision should win")
	}
	if !r.IsStale("other", 9999, 720) {
		t.Fatalf("undecided strategies fall back to threshold")
	}
}

func TestDrainNotifications(t *testing.T) {
	r := NewRegistry()
	var before, processed, failed int
	r.MustRegister("stats", Hooks{
		BeforeDrain: func(_ context.Context, queued int) { before = queued },
		AfterDrain:  func(_ context.Context, p, f int) { processed, failed = p, f },
	})
	r.BeforeDrain(context.Background(), 3)
	r.AfterDrain(context.Background(), 2, 1)
	if before != 3 || processed != 2 || failed != 1 {
		t.Fatalf("unexpected notifications %d %d %d", before, processed, failed)
	}
}
