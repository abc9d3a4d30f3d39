package assets

import (
	"time"

	"github.com/any-hub/gdpr-cache/internal/classify"
)

// 持久化集合的键。
const (
	EntriesKey      = "cache_entries"
	UsageKey        = "usage"
	DependenciesKey = "dependencies"
)

// DefaultLifetime 是响应未声明 max-age 时的缓存有效期。
const DefaultLifetime = 24 * time.Hour

// Status 是缓存条目的三态。
type Status string

const (
	StatusMissing Status = "missing"
	StatusExpired Status = "expired"
	StatusValid   Status = "valid"
)

// Entry 记录一个远程 URL 的本地副本；时间均为 unix 秒，Expires 为 0 表示已强制失效。
type Entry struct {
	File    string        `json:"file"`
	Type    classify.Kind `json:"type"`
	Created int64         `json:"created"`
	Expires int64         `json:"expires"`
}

// ExpiresAt 返回过期时间。
func (e Entry) ExpiresAt() time.Time {
	return time.Unix(e.Expires, 0)
}

// Report 汇总缓存状态，供管理接口与 CLI 展示。
type Report struct {
	Entries    int            `json:"entries"`
	Valid      int            `json:"valid"`
	Expired    int            `json:"expired"`
	Missing    int            `json:"missing"`
	Bytes      int64          `json:"bytes"`
	Queued     int            `json:"queued"`
	Tracked    int            `json:"tracked"`
	Parents    int            `json:"parents"`
	ByKind     map[string]int `json:"by_kind"`
	WorkerBusy bool           `json:"worker_busy"`
}
