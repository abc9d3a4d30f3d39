// Package scanner connects the resolver to rendered HTML. It rewrites the
// asset references a page emits (external scripts, stylesheets, preloads,
// inline <style> blocks and style attributes) and can fetch the site's own
// front page so every asset it references gets scheduled for caching.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/gdpr-cache/internal/logging"
	"github.com/any-hub/gdpr-cache/internal/uow"
)

// Resolver 是 Scanner 对解析器的依赖。
type Resolver interface {
	Resolve(ctx context.Context, u *uow.Unit, rawURL string) string
	RewriteInlineCSS(ctx context.Context, u *uow.Unit, css string) string
}

// Options 配置 Scanner。
type Options struct {
	HomeURL   string
	Client    *http.Client
	UserAgent string
	Timeout   time.Duration
	Logger    *logrus.Logger
}

// Scanner 重写 HTML 中的资源引用。
type Scanner struct {
	resolver  Resolver
	homeURL   string
	client    *http.Client
	userAgent string
	timeout   time.Duration
	logger    *logrus.Entry
}

// Stats 统计一次扫描。
type Stats struct {
	Scripts   int `json:"scripts"`
	Styles    int `json:"styles"`
	Inline    int `json:"inline"`
	Rewritten int `json:"rewritten"`
}

// ErrHomeStatus 表示首页扫描收到非 2xx 响应。
var ErrHomeStatus = errors.New("home page returned non-success status")

// New 构建 Scanner。
func New(resolver Resolver, opts Options) *Scanner {
	client := opts.Client
	if client == nil {
		client = http.DefaultClient
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Scanner{
		resolver:  resolver,
		homeURL:   opts.HomeURL,
		client:    client,
		userAgent: opts.UserAgent,
		timeout:   timeout,
		logger:    logging.Component(opts.Logger, "scanner"),
	}
}

// RewriteHTML 重写文档中的资源引用；没有任何替换时原样返回输入。
func (s *Scanner) RewriteHTML(ctx context.Context, u *uow.Unit, html string) (string, Stats, error) {
	if u == nil {
		u = uow.New()
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return html, Stats{}, fmt.Errorf("parse html: %w", err)
	}

	stats := Stats{}
	swap := func(sel *goquery.Selection, attr string) {
		value, ok := sel.Attr(attr)
		if !ok || strings.TrimSpace(value) == "" {
			return
		}
		if local := s.resolver.Resolve(ctx, u, value); local != value {
			sel.SetAttr(attr, local)
			stats.Rewritten++
		}
	}

	doc.Find("script[src]").Each(func(_ int, sel *goquery.Selection) {
		stats.Scripts++
		swap(sel, "src")
	})
	doc.Find("link[href]").Each(func(_ int, sel *goquery.Selection) {
		if !assetLink(sel) {
			return
		}
		stats.Styles++
		swap(sel, "href")
	})
	doc.Find("style").Each(func(_ int, sel *goquery.Selection) {
		css := sel.Text()
		if !strings.Contains(strings.ToLower(css), "url") {
			return
		}
		stats.Inline++
		if rewritten := s.resolver.RewriteInlineCSS(ctx, u, css); rewritten != css {
			sel.SetText(rewritten)
			stats.Rewritten++
		}
	})
	doc.Find("[style]").Each(func(_ int, sel *goquery.Selection) {
		css, _ := sel.Attr("style")
		if !strings.Contains(strings.ToLower(css), "url") {
			return
		}
		stats.Inline++
		if rewritten := s.resolver.RewriteInlineCSS(ctx, u, css); rewritten != css {
			sel.SetAttr("style", rewritten)
			stats.Rewritten++
		}
	})

	if stats.Rewritten == 0 {
		return html, stats, nil
	}
	out, err := goquery.OuterHtml(doc.Selection)
	if err != nil {
		return html, stats, fmt.Errorf("render html: %w", err)
	}
	return out, stats, nil
}

func assetLink(sel *goquery.Selection) bool {
	rel, _ := sel.Attr("rel")
	for _, token := range strings.Fields(strings.ToLower(rel)) {
		switch token {
		case "stylesheet", "preload", "modulepreload":
			return true
		}
	}
	return false
}

// ScanHome 请求站点首页（附带防缓存参数）并扫描其中的资源引用，使它们进入队列。
func (s *Scanner) ScanHome(ctx context.Context, u *uow.Unit) (Stats, error) {
	if s.homeURL == "" {
		return Stats{}, errors.New("home url not configured")
	}
	target, err := url.Parse(s.homeURL)
	if err != nil {
		return Stats{}, fmt.Errorf("parse home url: %w", err)
	}
	query := target.Query()
	query.Set("gdpr-check", uuid.NewString())
	target.RawQuery = query.Encode()

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), http.NoBody)
	if err != nil {
		return Stats{}, err
	}
	if s.userAgent != "" {
		req.Header.Set("User-Agent", s.userAgent)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return Stats{}, fmt.Errorf("scan home: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Stats{}, fmt.Errorf("%w: %d", ErrHomeStatus, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return Stats{}, fmt.Errorf("read home: %w", err)
	}

	_, stats, err := s.RewriteHTML(ctx, u, string(body))
	if err != nil {
		return stats, err
	}
	s.logger.WithFields(logrus.Fields{
		"action":  "scan_home",
		"scripts": stats.Scripts,
		"styles":  stats.Styles,
		"inline":  stats.Inline,
	}).Info("home page scanned")
	return stats, nil
}
