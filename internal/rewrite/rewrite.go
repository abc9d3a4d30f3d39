// Package rewrite scans fetched text assets for nested remote references and
// substitutes local copies. Only stylesheets are rewritten: every url(...)
// token (quoted or not) is handed to a resolve callback, and only the URL
// between the parentheses is replaced. Everything else, including the quotes
// and any URL that cannot be resolved, is kept byte for byte.
package rewrite

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"regexp"
	"strings"

	"github.com/any-hub/gdpr-cache/internal/classify"
)

// ResolveFunc 将嵌套引用解析为应写回内容中的地址；ok 为 false 表示保留原值。
type ResolveFunc func(ctx context.Context, rawURL string) (string, bool)

// Result 描述一次重写结果。URLMap 仅包含实际被替换的 原始地址→本地地址。
type Result struct {
	Changed bool
	Content string
	URLMap  map[string]string
}

// NestedURLs 返回 URLMap 中的原始地址，供依赖关系记录。
func (r Result) NestedURLs() []string {
	if len(r.URLMap) == 0 {
		return nil
	}
	urls := make([]string, 0, len(r.URLMap))
	for original := range r.URLMap {
		urls = append(urls, original)
	}
	return urls
}

// cssURL 匹配 url( ... )，分组依次为："url(" 前缀、URL 记号（含引号）、右括号。
// 前一个字符是否构成标识符（如 myurl(...)）在匹配后单独判断，避免吞掉相邻记号。
var cssURL = regexp.MustCompile(`(?i)(url\s*\(\s*)("[^"]*"|'[^']*'|[^"'\s)][^)]*?)(\s*\))`)

// Rewrite 对可重写类型执行 url(...) 替换，其他类型原样返回。
func Rewrite(ctx context.Context, kind classify.Kind, content string, resolve ResolveFunc) Result {
	if !classify.IsRewritable(kind) || resolve == nil {
		return Result{Content: content}
	}
	return CSS(ctx, content, resolve)
}

// CSS 重写样式表中的全部 url(...) 引用。
func CSS(ctx context.Context, content string, resolve ResolveFunc) Result {
	matches := cssURL.FindAllStringSubmatchIndex(content, -1)
	if len(matches) == 0 {
		return Result{Content: content}
	}

	var (
		out    strings.Builder
		last   int
		urlMap map[string]string
	)
	out.Grow(len(content))

	for _, m := range matches {
		if m[0] > 0 && identByte(content[m[0]-1]) {
			continue
		}
		tokenStart, tokenEnd := m[4], m[5]
		token := content[tokenStart:tokenEnd]

		quote, raw := splitQuote(token)
		target := strings.TrimSpace(raw)
		if !candidate(target) {
			continue
		}
		local, ok := resolve(ctx, target)
		if !ok || local == "" || local == target {
			continue
		}

		out.WriteString(content[last:tokenStart])
		out.WriteString(quote)
		out.WriteString(local)
		out.WriteString(quote)
		last = tokenEnd

		if urlMap == nil {
			urlMap = make(map[string]string)
		}
		urlMap[target] = local
	}

	if urlMap == nil {
		return Result{Content: content}
	}
	out.WriteString(content[last:])
	return Result{Changed: true, Content: out.String(), URLMap: urlMap}
}

// InlineKey 为内联样式生成合成的依赖父键。
func InlineKey(content string) string {
	sum := sha1.Sum([]byte(content))
	return "inline:" + hex.EncodeToString(sum[:])
}

func splitQuote(token string) (string, string) {
	if len(token) >= 2 {
		first := token[0]
		if (first == '"' || first == '\'') && token[len(token)-1] == first {
			return string(first), token[1 : len(token)-1]
		}
	}
	return "", token
}

func candidate(target string) bool {
	if target == "" || strings.HasPrefix(target, "#") {
		return false
	}
	lower := strings.ToLower(target)
	return !strings.HasPrefix(lower, "data:") && !strings.HasPrefix(lower, "about:")
}

func identByte(b byte) bool {
	return b == '-' || b == '_' || b >= '0' && b <= '9' || b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z'
}
