package classify

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestClassifier(t *testing.T, probe ProbeFunc) *Classifier {
	t.Helper()
	c, err := New("https://www.example.com", probe)
	if err != nil {
		t.Fatalf("new classifier: %v", err)
	}
	return c
}

func TestIsExternal(t *testing.T) {
	c := newTestClassifier(t, nil)

	testCases := []struct {
		url      string
		external bool
	}{
		{"", false},
		{"/wp-content/theme.css", false},
		{"wp-content/theme.css", false},
		{"../fonts/a.woff2", false},
		{"data:image/png;base64,AAAA", false},
		{"https://www.example.com/app.js", false},
		{"http://WWW.EXAMPLE.COM/app.js", false},
		{"//www.example.com/app.js", false},
		{"https://www.example.com:443/app.js", false},
		{"/go/https://evil.com/x.js", false},
		{"https://fonts.googleapis.com/css?family=Roboto", true},
		{"//cdn.example.net/lib.js", true},
		{"https://www.example.com.evil.net/app.js", true},
		{"https://evil.net/?next=//www.example.com", true},
		{"https://www.example.com:8443/app.js", true},
	}

	for _, tc := range testCases {
		if got := c.IsExternal(tc.url); got != tc.external {
			t.Errorf("IsExternal(%q) = %v, want %v", tc.url, got, tc.external)
		}
	}
}

func TestNewRejectsHomeWithoutHost(t *testing.T) {
	if _, err := New("/relative", nil); err == nil {
		t.Fatalf("expected error for home url without host")
	}
}

func TestKindFromPath(t *testing.T) {
	testCases := map[string]Kind{
		"https://cdn.example.net/a.css":            "css",
		"https://cdn.example.net/a.min.js?ver=1.2": "js",
		"//fonts.example/font.WOFF2":               "woff2",
		"https://img.example/photo.jpeg":           "jpg",
		"https://img.example/logo.svg#icon":        "svg",
	}
	for raw, want := range testCases {
		got, ok := KindFromPath(raw)
		if !ok || got != want {
			t.Errorf("KindFromPath(%q) = %q,%v want %q", raw, got, ok, want)
		}
	}
	if _, ok := KindFromPath("https://fonts.googleapis.com/css?family=Roboto"); ok {
		t.Fatalf("path without extension should not resolve")
	}
}

func TestKindFromContentType(t *testing.T) {
	testCases := map[string]Kind{
		"text/css; charset=utf-8":  "css",
		"application/javascript":   "js",
		"application/x-font-woff2": "woff2",
		"image/svg+xml":            "svg",
		"IMAGE/PNG":                "png",
	}
	for ct, want := range testCases {
		got, ok := KindFromContentType(ct)
		if !ok || got != want {
			t.Errorf("KindFromContentType(%q) = %q,%v want %q", ct, got, ok, want)
		}
	}
	if _, ok := KindFromContentType("application/octet-stream"); ok {
		t.Fatalf("unknown content type should not resolve")
	}
}

func TestKindUsesProbeThenFallsBack(t *testing.T) {
	calls := 0
	c := newTestClassifier(t, func(context.Context, string) (string, error) {
		calls++
		return "text/css", nil
	})
	if kind := c.Kind(context.Background(), "https://fonts.googleapis.com/css?family=Roboto"); kind != "css" {
		t.Fatalf("expected css from probe, got %s", kind)
	}
	if kind := c.Kind(context.Background(), "https://cdn.example.net/a.js"); kind != "js" {
		t.Fatalf("expected js from suffix, got %s", kind)
	}
	if calls != 1 {
		t.Fatalf("probe should only run when suffix lookup fails, calls=%d", calls)
	}

	failing := newTestClassifier(t, func(context.Context, string) (string, error) {
		return "", errors.New("boom")
	})
	if kind := failing.Kind(context.Background(), "https://cdn.example.net/asset"); kind != KindUnknown {
		t.Fatalf("probe failure should yield tmp, got %s", kind)
	}
}

func TestHTTPProber(t *testing.T) {
	var gotMethod, gotAgent string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotAgent = r.Header.Get("User-Agent")
		if r.URL.Path == "/missing" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "font/woff2")
	}))
	defer upstream.Close()

	probe := NewHTTPProber(upstream.Client(), "gdpr-cache/test", time.Second)
	ct, err := probe(context.Background(), upstream.URL+"/font")
	if err != nil {
		t.Fatalf("probe error: %v", err)
	}
	if ct != "font/woff2" {
		t.Fatalf("unexpected content type %q", ct)
	}
	if gotMethod != http.MethodHead {
		t.Fatalf("expected HEAD request, got %s", gotMethod)
	}
	if gotAgent != "gdpr-cache/test" {
		t.Fatalf("user agent not forwarded: %q", gotAgent)
	}

	if _, err := probe(context.Background(), upstream.URL+"/missing"); !errors.Is(err, ErrProbeStatus) {
		t.Fatalf("expected ErrProbeStatus, got %v", err)
	}
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	r := newRegistry()
	if err := r.register(KindMetadata{Key: "css", Extensions: []string{"css"}}); err != nil {
		t.Fatalf("first register failed: %v", err)
	}
	if err := r.register(KindMetadata{Key: "CSS"}); err == nil {
		t.Fatalf("duplicate key should fail")
	}
	if err := r.register(KindMetadata{Key: "style", Extensions: []string{"css"}}); err == nil {
		t.Fatalf("duplicate extension should fail")
	}
}

func TestFamilyAndRewritable(t *testing.T) {
	if !IsRewritable("css") {
		t.Fatalf("css must be rewritable")
	}
	if IsRewritable("js") {
		t.Fatalf("js must not be rewritable")
	}
	if FamilyOf("woff2") != FamilyFont {
		t.Fatalf("woff2 should be a font")
	}
	if FamilyOf("nope") != FamilyUnknown {
		t.Fatalf("unregistered kinds should be unknown")
	}
}
