package cache

import (
	"bufio"
	"context"
	"errors"
	"io"
)

var (
	// ErrStoreUnavailable 表示未注入缓存存储实例。
	ErrStoreUnavailable = errors.New("cache store unavailable")
	// ErrEmptyBody 表示写入的正文为空，空文件不会保留在缓存目录中。
	ErrEmptyBody = errors.New("empty asset body")
)

// AssetWriter 在 Store.Put 之上加入资源写入策略：空正文视为失败且不会覆盖已有文件，
// 写入失败时临时文件被清理，调用方不会看到半成品。
type AssetWriter struct {
	store Store
}

// NewAssetWriter 构造写入器。
func NewAssetWriter(store Store) AssetWriter {
	return AssetWriter{store: store}
}

// Enabled 返回当前是否具备缓存写入能力。
func (w AssetWriter) Enabled() bool {
	return w.store != nil
}

// Write 将 body 写入 name；零字节时返回 ErrEmptyBody，目标文件保持不变。
func (w AssetWriter) Write(ctx context.Context, name string, body io.Reader) (*Entry, error) {
	if w.store == nil {
		return nil, ErrStoreUnavailable
	}
	buffered := bufio.NewReader(body)
	if _, err := buffered.Peek(1); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrEmptyBody
		}
		return nil, err
	}
	return w.store.Put(ctx, name, buffered, PutOptions{})
}
