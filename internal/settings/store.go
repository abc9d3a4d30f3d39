package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/any-hub/gdpr-cache/internal/config"
)

// Store 是最小化的键值接口，所有实现都必须并发安全。
type Store interface {
	// Get 返回键对应的原始值，不存在时返回 ErrNotFound。
	Get(ctx context.Context, key string) ([]byte, error)
	// Set 覆盖写入键值。
	Set(ctx context.Context, key string, value []byte) error
	// Delete 删除键，键不存在不视为错误。
	Delete(ctx context.Context, key string) error
	Close() error
}

var (
	// ErrNotFound 表示键不存在。
	ErrNotFound = errors.New("settings key not found")
	// ErrCorrupt 表示持久化值无法按期望结构解码。
	ErrCorrupt = errors.New("settings value corrupt")
)

// Open 根据 [State] 配置创建对应后端。
func Open(ctx context.Context, cfg config.StateConfig) (Store, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return NewMemory(), nil
	case config.BackendSQLite, "":
		return OpenSQLite(ctx, cfg.Path)
	case config.BackendRedis:
		return OpenRedis(ctx, RedisOptions{
			Addr:      cfg.RedisAddr,
			Password:  cfg.RedisPassword,
			DB:        cfg.RedisDB,
			KeyPrefix: cfg.KeyPrefix,
		})
	default:
		return nil, fmt.Errorf("unsupported state backend %q", cfg.Backend)
	}
}

// Load 读取键并解码到 dst。键不存在返回 ErrNotFound，解码失败返回包装后的 ErrCorrupt。
func Load(ctx context.Context, store Store, key string, dst any) error {
	raw, err := store.Get(ctx, key)
	if err != nil {
		return err
	}
	if len(raw) == 0 {
		return ErrNotFound
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrCorrupt, key, err)
	}
	return nil
}

// Save 将 value 编码为 JSON 后写入。
func Save(ctx context.Context, store Store, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return store.Set(ctx, key, raw)
}
