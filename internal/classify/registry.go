package classify

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Kind 是资源类型键，与本地缓存文件的扩展名一致，例如 css、woff2、png。
type Kind string

// KindUnknown 表示既无法从路径后缀也无法从 Content-Type 推断的资源。
const KindUnknown Kind = "tmp"

// Family 描述资源所属大类，供日志和状态报表聚合使用。
type Family string

const (
	FamilyStylesheet Family = "stylesheet"
	FamilyScript     Family = "script"
	FamilyFont       Family = "font"
	FamilyImage      Family = "image"
	FamilyUnknown    Family = "unknown"
)

// KindMetadata 记录一种资源类型的识别规则。
type KindMetadata struct {
	Key          Kind
	Family       Family
	Extensions   []string
	ContentTypes []string
	// Rewritable 表示该类型的内容中可能嵌套远程引用（例如 CSS 的 url(...)）。
	Rewritable bool
}

var globalRegistry = newRegistry()

type registry struct {
	mu           sync.RWMutex
	kinds        map[Kind]KindMetadata
	extensions   map[string]Kind
	contentTypes map[string]Kind
}

func newRegistry() *registry {
	return &registry{
		kinds:        make(map[Kind]KindMetadata),
		extensions:   make(map[string]Kind),
		contentTypes: make(map[string]Kind),
	}
}

// Register 将资源类型加入全局注册表，重复键、扩展名或 Content-Type 会返回错误。
func Register(meta KindMetadata) error {
	return globalRegistry.register(meta)
}

// MustRegister 在注册失败时 panic，适合 init() 中调用。
func MustRegister(meta KindMetadata) {
	if err := Register(meta); err != nil {
		panic(err)
	}
}

// Resolve 返回指定类型的元数据。
func Resolve(kind Kind) (KindMetadata, bool) {
	return globalRegistry.resolve(kind)
}

// List 返回按键排序的类型列表。
func List() []KindMetadata {
	return globalRegistry.list()
}

// IsRewritable 判断该类型的内容是否需要扫描嵌套引用。
func IsRewritable(kind Kind) bool {
	meta, ok := Resolve(kind)
	return ok && meta.Rewritable
}

// FamilyOf 返回资源类型所属大类。
func FamilyOf(kind Kind) Family {
	if meta, ok := Resolve(kind); ok {
		return meta.Family
	}
	return FamilyUnknown
}

func normalize(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

func (r *registry) register(meta KindMetadata) error {
	key := Kind(normalize(string(meta.Key)))
	if key == "" {
		return fmt.Errorf("kind key is required")
	}
	meta.Key = key
	if meta.Family == "" {
		meta.Family = FamilyUnknown
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.kinds[key]; exists {
		return fmt.Errorf("kind %s already registered", key)
	}
	for _, ext := range meta.Extensions {
		if owner, exists := r.extensions[normalize(ext)]; exists {
			return fmt.Errorf("extension %s already owned by %s", ext, owner)
		}
	}
	for _, ct := range meta.ContentTypes {
		if owner, exists := r.contentTypes[normalize(ct)]; exists {
			return fmt.Errorf("content type %s already owned by %s", ct, owner)
		}
	}

	r.kinds[key] = meta
	for _, ext := range meta.Extensions {
		r.extensions[normalize(ext)] = key
	}
	for _, ct := range meta.ContentTypes {
		r.contentTypes[normalize(ct)] = key
	}
	return nil
}

func (r *registry) resolve(kind Kind) (KindMetadata, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	meta, ok := r.kinds[Kind(normalize(string(kind)))]
	return meta, ok
}

func (r *registry) byExtension(ext string) (Kind, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kind, ok := r.extensions[normalize(ext)]
	return kind, ok
}

func (r *registry) byContentType(ct string) (Kind, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kind, ok := r.contentTypes[normalize(ct)]
	return kind, ok
}

func (r *registry) list() []KindMetadata {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.kinds) == 0 {
		return nil
	}
	keys := make([]string, 0, len(r.kinds))
	for key := range r.kinds {
		keys = append(keys, string(key))
	}
	sort.Strings(keys)

	result := make([]KindMetadata, 0, len(keys))
	for _, key := range keys {
		result = append(result, r.kinds[Kind(key)])
	}
	return result
}
