package cache

import (
	"context"
	"strconv"
	"sync"
	"time"

	xerrors "AgentLoop/internal/errors"
)

type entry struct {
	value     string
	expiresAt time.Time
}

func (e entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// MemoryCache 以内存方式实现 Cache，用于测试与单机部署。
// 过期采用惰性清理：读到已过期的键时当作不存在处理。
type MemoryCache struct {
	mu    sync.Mutex
	items map[string]entry
	lists map[string][]string
	// now 可以在测试中替换以模拟时间流逝。
	now func() time.Time
}

// NewMemoryCache 创建 MemoryCache。
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		items: make(map[string]entry),
		lists: make(map[string][]string),
		now:   time.Now,
	}
}

// Get 读取键值。
func (c *MemoryCache) Get(_ context.Context, key string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	item, ok := c.items[key]
	if !ok || item.expired(c.now()) {
		delete(c.items, key)
		return "", false, nil
	}
	return item.value, true, nil
}

// Set 写入键值。
func (c *MemoryCache) Set(_ context.Context, key, value string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[key] = entry{value: value, expiresAt: c.deadline(ttl)}
	return nil
}

// Delete 删除键。
func (c *MemoryCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
	return nil
}

// Incr 原子自增并返回新值。
func (c *MemoryCache) Incr(_ context.Context, key string, delta int64) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	item, ok := c.items[key]
	current := int64(0)
	expiresAt := time.Time{}
	if ok && !item.expired(c.now()) {
		parsed, err := strconv.ParseInt(item.value, 10, 64)
		if err != nil {
			return 0, xerrors.New(xerrors.CodeCacheFailure, "键值不是整数")
		}
		current = parsed
		expiresAt = item.expiresAt
	}
	current += delta
	c.items[key] = entry{value: strconv.FormatInt(current, 10), expiresAt: expiresAt}
	return current, nil
}

// Expire 设置过期时间。
func (c *MemoryCache) Expire(_ context.Context, key string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	item, ok := c.items[key]
	if !ok || item.expired(c.now()) {
		return nil
	}
	item.expiresAt = c.deadline(ttl)
	c.items[key] = item
	return nil
}

// SetNX 在键不存在时写入。
func (c *MemoryCache) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if item, ok := c.items[key]; ok && !item.expired(c.now()) {
		return false, nil
	}
	c.items[key] = entry{value: value, expiresAt: c.deadline(ttl)}
	return true, nil
}

// LPush 向列表头部推入。
func (c *MemoryCache) LPush(_ context.Context, key, value string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lists[key] = append([]string{value}, c.lists[key]...)
	return nil
}

// RPop 从列表尾部弹出。
func (c *MemoryCache) RPop(_ context.Context, key string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	list := c.lists[key]
	if len(list) == 0 {
		return "", false, nil
	}
	value := list[len(list)-1]
	c.lists[key] = list[:len(list)-1]
	return value, true, nil
}

// Close 对内存缓存无需操作。
func (c *MemoryCache) Close() error {
	return nil
}

// SetClock 替换时间源，仅用于测试过期行为。
func (c *MemoryCache) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

func (c *MemoryCache) deadline(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return c.now().Add(ttl)
}

var _ Cache = (*MemoryCache)(nil)
