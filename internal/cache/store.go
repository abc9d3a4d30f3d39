package cache

import (
	"context"
	"errors"
	"io"
	"time"
)

// Store 负责管理磁盘缓存的读写。磁盘布局遵循：
//
//	<StoragePath>/<sha1>.<kind>    # 远程资源的本地副本
//
// 文件名只能是单个路径元素，不允许子目录。
type Store interface {
	// Get 返回一个可流式读取的缓存文件。若不存在则返回 ErrNotFound。
	Get(ctx context.Context, name string) (*ReadResult, error)

	// Put 将正文写入缓存，实现需通过临时文件 + rename 保证写入原子性，
	// 并在失败时清理临时文件。
	Put(ctx context.Context, name string, body io.Reader, opts PutOptions) (*Entry, error)

	// Remove 删除文件，文件不存在不视为错误。
	Remove(ctx context.Context, name string) error

	// Exists 判断文件是否存在且为普通文件。
	Exists(name string) bool

	// Stat 返回文件信息。
	Stat(name string) (*Entry, error)

	// Purge 删除目录下的全部缓存文件，返回删除数量。
	Purge(ctx context.Context) (int, error)

	// URL 返回文件对外可访问的地址。
	URL(name string) string

	// Root 返回缓存目录的绝对路径。
	Root() string
}

// PutOptions 控制写入过程中的可选属性。
type PutOptions struct {
	ModTime time.Time
}

// Entry 描述磁盘上的一个缓存文件。
type Entry struct {
	Name      string `json:"name"`
	FilePath  string `json:"file_path"`
	SizeBytes int64  `json:"size_bytes"`
	ModTime   time.Time
}

// ReadResult 组合 Entry 与正文 Reader，便于 HTTP 层直接流式返回。
type ReadResult struct {
	Entry  Entry
	Reader io.ReadSeekCloser
}

var (
	// ErrNotFound 表示缓存文件不存在。
	ErrNotFound = errors.New("cache file not found")
	// ErrInvalidName 表示文件名为空或包含路径分隔符。
	ErrInvalidName = errors.New("invalid cache file name")
)
