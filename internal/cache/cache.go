package cache

import (
	"context"
	"time"
)

// Cache 抽象访问治理所依赖的共享键值缓存。
// 所有单键操作必须是原子的；跨键序列由调用方通过锁保护。
type Cache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// Incr 原子自增并返回新值。键不存在时按 0 起始。
	Incr(ctx context.Context, key string, delta int64) (int64, error)
	// Expire 为已有键设置过期时间。
	Expire(ctx context.Context, key string, ttl time.Duration) error
	// SetNX 在键不存在时写入并设置过期，返回是否写入成功。
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// LPush / RPop 提供简单的列表队列能力。
	LPush(ctx context.Context, key, value string) error
	RPop(ctx context.Context, key string) (string, bool, error)
	Close() error
}
