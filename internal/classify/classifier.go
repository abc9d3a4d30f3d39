package classify

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"strings"
	"time"
)

// ProbeFunc 以轻量 HEAD 请求获取远程资源的 Content-Type。
type ProbeFunc func(ctx context.Context, rawURL string) (string, error)

// Classifier 判断 URL 是否为站外资源，并推断资源类型。
type Classifier struct {
	homeHost string
	probe    ProbeFunc
}

var schemePrefix = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9+.-]*:`)

// New 基于站点首页地址构建分类器；probe 为空时无法识别的 URL 直接归为 tmp。
func New(homeURL string, probe ProbeFunc) (*Classifier, error) {
	host := HostOf(homeURL)
	if host == "" {
		return nil, fmt.Errorf("home url %q has no host", homeURL)
	}
	return &Classifier{homeHost: host, probe: probe}, nil
}

// HomeHost 返回标准化后的站点主机（可能包含端口）。
func (c *Classifier) HomeHost() string {
	return c.homeHost
}

// IsExternal 判断 URL 是否指向站外主机。
//
// 相对路径（"/a.css"、"img/a.png"）、data: URI 以及与站点同主机的 URL 都视为本地；
// 协议相对 URL（"//host/a.css"）只比较主机部分。像 "/go/https://evil.com" 这样以单斜杠
// 开头的路径始终是本地路径。
func (c *Classifier) IsExternal(rawURL string) bool {
	host := HostOf(rawURL)
	if host == "" {
		return false
	}
	return host != c.homeHost
}

// HostOf 返回 URL 的小写主机名（含非默认端口），非绝对/协议相对 URL 返回空串。
func HostOf(rawURL string) string {
	parsed := parseNetworkURL(rawURL)
	if parsed == nil {
		return ""
	}
	host := strings.TrimSuffix(strings.ToLower(parsed.Hostname()), ".")
	if host == "" {
		return ""
	}
	if port := parsed.Port(); port != "" && port != "80" && port != "443" {
		return net.JoinHostPort(host, port)
	}
	return host
}

// Hostname 返回不含端口的主机名，供拒绝列表匹配使用。
func Hostname(rawURL string) string {
	parsed := parseNetworkURL(rawURL)
	if parsed == nil {
		return ""
	}
	return strings.TrimSuffix(strings.ToLower(parsed.Hostname()), ".")
}

func parseNetworkURL(rawURL string) *url.URL {
	raw := strings.TrimSpace(rawURL)
	if raw == "" {
		return nil
	}
	rest := raw
	if loc := schemePrefix.FindStringIndex(raw); loc != nil {
		rest = raw[loc[1]:]
	}
	if !strings.HasPrefix(rest, "//") {
		return nil
	}
	parsed, err := url.Parse(rest)
	if err != nil {
		return nil
	}
	return parsed
}

// Kind 推断资源类型：先看路径后缀，再发 HEAD 请求读取 Content-Type，均失败时返回 tmp。
// 网络错误不会向上抛出。
func (c *Classifier) Kind(ctx context.Context, rawURL string) Kind {
	if kind, ok := KindFromPath(rawURL); ok {
		return kind
	}
	if c.probe == nil {
		return KindUnknown
	}
	contentType, err := c.probe(ctx, rawURL)
	if err != nil {
		return KindUnknown
	}
	if kind, ok := KindFromContentType(contentType); ok {
		return kind
	}
	return KindUnknown
}

// KindFromPath 根据 URL 路径后缀识别类型。
func KindFromPath(rawURL string) (Kind, bool) {
	raw := strings.TrimSpace(rawURL)
	if loc := schemePrefix.FindStringIndex(raw); loc != nil {
		raw = raw[loc[1]:]
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", false
	}
	ext := strings.TrimPrefix(path.Ext(parsed.Path), ".")
	if ext == "" {
		return "", false
	}
	return globalRegistry.byExtension(ext)
}

// KindFromContentType 先精确匹配 Content-Type，再退化为匹配子类型（去掉 x-/font- 前缀与 +xml 后缀）。
func KindFromContentType(contentType string) (Kind, bool) {
	mediaType := strings.TrimSpace(contentType)
	if parsed, _, err := mime.ParseMediaType(mediaType); err == nil {
		mediaType = parsed
	} else if idx := strings.Index(mediaType, ";"); idx >= 0 {
		mediaType = mediaType[:idx]
	}
	mediaType = normalize(mediaType)
	if mediaType == "" {
		return "", false
	}
	if kind, ok := globalRegistry.byContentType(mediaType); ok {
		return kind, true
	}

	_, subtype, ok := strings.Cut(mediaType, "/")
	if !ok || subtype == "" {
		return "", false
	}
	subtype = strings.TrimSuffix(subtype, "+xml")
	subtype = strings.TrimPrefix(subtype, "x-")
	subtype = strings.TrimPrefix(subtype, "font-")
	return globalRegistry.byExtension(subtype)
}

// ErrProbeStatus 表示 HEAD 请求返回了非 2xx 状态码。
var ErrProbeStatus = errors.New("probe returned non-success status")

// NewHTTPProber 返回基于 HEAD 请求的 ProbeFunc，单次探测受 timeout 约束。
func NewHTTPProber(client *http.Client, userAgent string, timeout time.Duration) ProbeFunc {
	return func(ctx context.Context, rawURL string) (string, error) {
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, AbsoluteURL(rawURL), http.NoBody)
		if err != nil {
			return "", err
		}
		if userAgent != "" {
			req.Header.Set("User-Agent", userAgent)
		}
		resp, err := client.Do(req)
		if err != nil {
			return "", err
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return "", fmt.Errorf("%w: %d", ErrProbeStatus, resp.StatusCode)
		}
		return resp.Header.Get("Content-Type"), nil
	}
}

// AbsoluteURL 将协议相对 URL 补全为 https，便于发起请求。
func AbsoluteURL(rawURL string) string {
	raw := strings.TrimSpace(rawURL)
	if strings.HasPrefix(raw, "//") {
		return "https:" + raw
	}
	return raw
}
