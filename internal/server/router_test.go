package server

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/gdpr-cache/internal/cache"
)

func newTestApp(t *testing.T) (*fiber.App, cache.Store) {
	t.Helper()

	files, err := cache.NewStore(t.TempDir(), "/gdpr-cache")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	app, err := NewApp(AppOptions{
		Logger:     logger,
		Files:      files,
		PublicPath: "/gdpr-cache/",
		ListenPort: 5000,
	})
	if err != nil {
		t.Fatalf("failed to create app: %v", err)
	}
	return app, files
}

func TestServesCachedFile(t *testing.T) {
	app, files := newTestApp(t)
	if _, err := files.Put(context.Background(), "abc.css", strings.NewReader("body{}"), cache.PutOptions{}); err != nil {
		t.Fatalf("put failed: %v", err)
	}

	resp, err := app.Test(httptest.NewRequest("GET", "/gdpr-cache/abc.css", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200 status, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "body{}" {
		t.Fatalf("unexpected body %q", body)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/css; charset=utf-8" {
		t.Fatalf("unexpected content type %q", ct)
	}
	if cc := resp.Header.Get("Cache-Control"); cc != "public, max-age=86400" {
		t.Fatalf("unexpected cache control %q", cc)
	}
	if reqID := resp.Header.Get("X-Request-ID"); reqID == "" {
		t.Fatalf("expected X-Request-ID header to be set")
	}
}

func TestMissingFileReturns404(t *testing.T) {
	app, _ := newTestApp(t)

	for _, target := range []string{"/gdpr-cache/nope.js", "/gdpr-cache/..%2Fstate.db"} {
		resp, err := app.Test(httptest.NewRequest("GET", target, nil))
		if err != nil {
			t.Fatalf("app.Test failed: %v", err)
		}
		if resp.StatusCode != fiber.StatusNotFound {
			t.Fatalf("%s: expected 404 status, got %d", target, resp.StatusCode)
		}
	}
}

func TestRequestIDIsEchoed(t *testing.T) {
	app, _ := newTestApp(t)

	req := httptest.NewRequest("GET", "/gdpr-cache/none.png", nil)
	req.Header.Set("X-Request-ID", "fixed-id")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if got := resp.Header.Get("X-Request-ID"); got != "fixed-id" {
		t.Fatalf("expected caller request id, got %q", got)
	}
}

func TestContentTypeFor(t *testing.T) {
	testCases := map[string]string{
		"a.woff2": "font/woff2",
		"a.js":    "text/javascript; charset=utf-8",
		"a.tmp":   fiber.MIMEOctetStream,
		"noext":   fiber.MIMEOctetStream,
	}
	for name, want := range testCases {
		if got := contentTypeFor(name); got != want {
			t.Errorf("contentTypeFor(%q) = %q, want %q", name, got, want)
		}
	}
}

func TestNewAppValidatesOptions(t *testing.T) {
	files, _ := cache.NewStore(t.TempDir(), "/gdpr-cache")
	if _, err := NewApp(AppOptions{Files: files, ListenPort: 5000, PublicPath: "/x"}); err == nil {
		t.Fatalf("missing logger should fail")
	}
	if _, err := NewApp(AppOptions{Logger: logrus.New(), Files: files, ListenPort: 5000, PublicPath: "/"}); err == nil {
		t.Fatalf("root public path should fail")
	}
}
