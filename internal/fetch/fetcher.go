// Package fetch downloads remote assets into the cache directory. A fetch
// streams the response body to a deterministic file name, derives the cache
// lifetime from Cache-Control, lets stylesheets have their nested references
// localized, and only then records the entry in the asset store.
package fetch

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/gdpr-cache/internal/assets"
	"github.com/any-hub/gdpr-cache/internal/cache"
	"github.com/any-hub/gdpr-cache/internal/classify"
	"github.com/any-hub/gdpr-cache/internal/logging"
	"github.com/any-hub/gdpr-cache/internal/rewrite"
	"github.com/any-hub/gdpr-cache/internal/uow"
)

var (
	// ErrFetchFailed 表示传输错误、非 2xx 状态或空响应，调用方不得记录条目。
	ErrFetchFailed = errors.New("asset fetch failed")
	// ErrInFlight 表示同一工作单元内该 URL 已在抓取中（嵌套引用成环）。
	ErrInFlight = errors.New("asset fetch already in flight")
)

// NestedResolver 解析样式表中的嵌套引用，返回应写回的地址。
type NestedResolver func(ctx context.Context, u *uow.Unit, rawURL string) (string, bool)

// Options 配置 Fetcher。
type Options struct {
	Client    *http.Client
	UserAgent string
	Timeout   time.Duration
	// Header 为每次请求附加的请求头，参与文件名计算。
	Header http.Header
	Logger *logrus.Logger
}

// Fetcher 将远程资源下载到本地缓存并登记条目。
type Fetcher struct {
	client    *http.Client
	writer    cache.AssetWriter
	files     cache.Store
	assets    *assets.Store
	classify  *classify.Classifier
	userAgent string
	timeout   time.Duration
	header    http.Header
	logger    *logrus.Entry

	mu     sync.RWMutex
	nested NestedResolver
}

// New 构建 Fetcher；nested 解析器需在装配完成后通过 SetNestedResolver 注入。
func New(store *assets.Store, classifier *classify.Classifier, opts Options) *Fetcher {
	client := opts.Client
	if client == nil {
		client = NewClient(nil)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 300 * time.Second
	}
	return &Fetcher{
		client:    client,
		writer:    cache.NewAssetWriter(store.Files()),
		files:     store.Files(),
		assets:    store,
		classify:  classifier,
		userAgent: opts.UserAgent,
		timeout:   timeout,
		header:    opts.Header.Clone(),
		logger:    logging.Component(opts.Logger, "fetch"),
	}
}

// SetNestedResolver 注入嵌套引用解析器，打破 fetch 与 resolver 之间的循环依赖。
func (f *Fetcher) SetNestedResolver(resolve NestedResolver) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nested = resolve
}

func (f *Fetcher) nestedResolver() NestedResolver {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.nested
}

// FileName 计算确定性的本地文件名：sha1(URL + 规范化请求头).类型。
func (f *Fetcher) FileName(rawURL string, kind classify.Kind) string {
	return FileName(rawURL, f.header, kind)
}

// FileName 计算确定性的本地文件名，不同 (URL, 请求头) 组合得到不同名字。
func FileName(rawURL string, header http.Header, kind classify.Kind) string {
	if kind == "" {
		kind = classify.KindUnknown
	}
	sum := sha1.Sum([]byte(rawURL + "\n" + CanonicalHeaders(header)))
	return hex.EncodeToString(sum[:]) + "." + string(kind)
}

// Fetch 下载 rawURL 到本地并登记条目，返回本地文件名。kind 为空时自动识别。
func (f *Fetcher) Fetch(ctx context.Context, u *uow.Unit, rawURL string, kind classify.Kind) (string, error) {
	if u != nil {
		if !u.Begin(rawURL) {
			return "", fmt.Errorf("%w: %s", ErrInFlight, rawURL)
		}
		defer u.End(rawURL)
	}
	if kind == "" {
		kind = f.classify.Kind(ctx, rawURL)
	}

	started := time.Now()
	name := f.FileName(rawURL, kind)
	fields := logging.AssetFields("fetch", rawURL, string(kind))
	fields["file"] = name

	lifetime, err := f.download(ctx, rawURL, name)
	if err != nil {
		f.logger.WithFields(fields).WithError(err).Warn("asset fetch failed")
		return "", err
	}

	if classify.IsRewritable(kind) {
		if err := f.localizeNested(ctx, u, rawURL, name, kind); err != nil {
			f.logger.WithFields(fields).WithError(err).Warn("nested rewrite skipped")
		}
	}

	previous, hadPrevious := f.assets.Entry(ctx, rawURL)
	if err := f.assets.RecordEntry(ctx, rawURL, name, kind, lifetime); err != nil {
		return "", fmt.Errorf("record %s: %w", rawURL, err)
	}
	if hadPrevious && previous.File != "" && previous.File != name {
		_ = f.files.Remove(ctx, previous.File)
	}

	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	fields["lifetime_s"] = int64(lifetime / time.Second)
	f.logger.WithFields(fields).Info("asset cached")
	return name, nil
}

func (f *Fetcher) download(ctx context.Context, rawURL, name string) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, classify.AbsoluteURL(rawURL), http.NoBody)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrFetchFailed, rawURL, err)
	}
	for key, values := range f.header {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrFetchFailed, rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return 0, fmt.Errorf("%w: %s: status %d", ErrFetchFailed, rawURL, resp.StatusCode)
	}

	if _, err := f.writer.Write(ctx, name, resp.Body); err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrFetchFailed, rawURL, err)
	}
	return MaxAge(resp.Header.Get("Cache-Control")), nil
}

// localizeNested 重写已下载的样式表，并把其中的站外引用登记为依赖。
func (f *Fetcher) localizeNested(ctx context.Context, u *uow.Unit, rawURL, name string, kind classify.Kind) error {
	resolveNested := f.nestedResolver()
	if resolveNested == nil {
		return nil
	}

	result, err := f.files.Get(ctx, name)
	if err != nil {
		return err
	}
	body, err := io.ReadAll(result.Reader)
	result.Reader.Close()
	if err != nil {
		return err
	}

	base, _ := url.Parse(classify.AbsoluteURL(rawURL))
	var deps []string
	rewritten := rewrite.Rewrite(ctx, kind, string(body), func(ctx context.Context, ref string) (string, bool) {
		absolute := absolutize(base, ref)
		if f.classify.IsExternal(absolute) {
			deps = append(deps, absolute)
		}
		if local, ok := resolveNested(ctx, u, absolute); ok && local != absolute {
			return local, true
		}
		// 相对引用在本地副本中会失效，改写为绝对地址。
		if absolute != ref {
			return absolute, true
		}
		return "", false
	})

	if err := f.assets.SetDependencies(ctx, rawURL, deps); err != nil {
		return err
	}
	if !rewritten.Changed {
		return nil
	}
	_, err = f.files.Put(ctx, name, strings.NewReader(rewritten.Content), cache.PutOptions{})
	return err
}

func absolutize(base *url.URL, ref string) string {
	if base == nil || strings.HasPrefix(ref, "//") {
		return ref
	}
	parsed, err := url.Parse(ref)
	if err != nil || parsed.IsAbs() {
		return ref
	}
	return base.ResolveReference(parsed).String()
}

// maxAgeSeconds 是 time.Duration 能表示的最大秒数。
const maxAgeSeconds = math.MaxInt64 / int64(time.Second)

// MaxAge 解析 Cache-Control 的 max-age，缺失或非正数时返回默认一天。
func MaxAge(cacheControl string) time.Duration {
	for _, directive := range strings.Split(cacheControl, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(directive), "=")
		if !ok || !strings.EqualFold(strings.TrimSpace(key), "max-age") {
			continue
		}
		seconds, err := strconv.ParseInt(strings.Trim(strings.TrimSpace(value), `"`), 10, 64)
		if err == nil && seconds > 0 {
			if seconds > maxAgeSeconds {
				seconds = maxAgeSeconds
			}
			return time.Duration(seconds) * time.Second
		}
	}
	return assets.DefaultLifetime
}
