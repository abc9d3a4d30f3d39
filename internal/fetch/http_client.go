package fetch

import (
	"net"
	"net/http"
	"net/textproto"
	"sort"
	"strings"
	"time"

	"github.com/any-hub/gdpr-cache/internal/config"
)

// Shared HTTP transport tunings，复用长连接并集中配置超时。
var defaultTransport = &http.Transport{
	Proxy:                 http.ProxyFromEnvironment,
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   16,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
	ForceAttemptHTTP2:     true,
	DialContext: (&net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
}

// NewClient 返回共享 http.Client，用于资源抓取与类型探测。
// 单次请求的超时由调用方通过 context 控制，这里的 Timeout 只是兜底。
func NewClient(cfg *config.Config) *http.Client {
	timeout := 300 * time.Second
	if cfg != nil && cfg.Global.FetchTimeout.DurationValue() > 0 {
		timeout = cfg.Global.FetchTimeout.DurationValue()
	}

	return &http.Client{
		Timeout:   timeout,
		Transport: defaultTransport.Clone(),
	}
}

// hopByHopHeaders 定义 RFC 7230 中逐跳的头部，它们不影响响应内容，不参与文件名计算。
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Proxy-Connection":    {},
}

// volatileHeaders 随版本变化但不改变响应内容，同样排除在文件名之外。
var volatileHeaders = map[string]struct{}{
	"User-Agent": {},
}

// CanonicalHeaders 将请求头序列化为稳定文本：键按规范形式排序，值保持顺序，逐跳头被忽略。
func CanonicalHeaders(header http.Header) string {
	if len(header) == 0 {
		return ""
	}
	keys := make([]string, 0, len(header))
	for key := range header {
		canonical := textproto.CanonicalMIMEHeaderKey(key)
		if isHopByHopHeader(canonical) {
			continue
		}
		if _, skip := volatileHeaders[canonical]; skip {
			continue
		}
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		return textproto.CanonicalMIMEHeaderKey(keys[i]) < textproto.CanonicalMIMEHeaderKey(keys[j])
	})

	var b strings.Builder
	for _, key := range keys {
		b.WriteString(textproto.CanonicalMIMEHeaderKey(key))
		b.WriteString(": ")
		b.WriteString(strings.Join(header[key], ","))
		b.WriteString("\n")
	}
	return b.String()
}

func isHopByHopHeader(key string) bool {
	_, ok := hopByHopHeaders[textproto.CanonicalMIMEHeaderKey(key)]
	return ok
}
