package cache

import (
	"context"
	stdErrors "errors"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "AgentLoop/internal/errors"
)

// RedisConfig 描述 Redis 连接参数。
type RedisConfig struct {
	Address  string
	Password string
	DB       int
}

// RedisCache 基于 Redis 实现共享缓存，是多实例部署下的默认选择。
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache 创建 Redis 缓存实例并验证连通性。
func NewRedisCache(cfg RedisConfig) (*RedisCache, error) {
	if cfg.Address == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeCacheFailure, err, "连接 Redis 失败")
	}
	return &RedisCache{client: client}, nil
}

// Get 读取键值。
func (c *RedisCache) Get(ctx context.Context, key string) (string, bool, error) {
	value, err := c.client.Get(ctx, key).Result()
	if stdErrors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, xerrors.Wrap(xerrors.CodeCacheFailure, err, "Redis GET 失败")
	}
	return value, true, nil
}

// Set 写入键值。
func (c *RedisCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := c.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeCacheFailure, err, "Redis SET 失败")
	}
	return nil
}

// Delete 删除键。
func (c *RedisCache) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, key).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeCacheFailure, err, "Redis DEL 失败")
	}
	return nil
}

// Incr 原子自增。
func (c *RedisCache) Incr(ctx context.Context, key string, delta int64) (int64, error) {
	value, err := c.client.IncrBy(ctx, key, delta).Result()
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeCacheFailure, err, "Redis INCRBY 失败")
	}
	return value, nil
}

// Expire 设置过期时间。
func (c *RedisCache) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := c.client.Expire(ctx, key, ttl).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeCacheFailure, err, "Redis EXPIRE 失败")
	}
	return nil
}

// SetNX 原子地 set-if-absent 并设置过期，是分布式锁的基础。
func (c *RedisCache) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := c.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, xerrors.Wrap(xerrors.CodeCacheFailure, err, "Redis SETNX 失败")
	}
	return ok, nil
}

// LPush 向列表头部推入。
func (c *RedisCache) LPush(ctx context.Context, key, value string) error {
	if err := c.client.LPush(ctx, key, value).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeCacheFailure, err, "Redis LPUSH 失败")
	}
	return nil
}

// RPop 从列表尾部弹出。
func (c *RedisCache) RPop(ctx context.Context, key string) (string, bool, error) {
	value, err := c.client.RPop(ctx, key).Result()
	if stdErrors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, xerrors.Wrap(xerrors.CodeCacheFailure, err, "Redis RPOP 失败")
	}
	return value, true, nil
}

// Close 关闭 Redis 连接。
func (c *RedisCache) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}

var _ Cache = (*RedisCache)(nil)
