package cache

import (
	"sync"
	"testing"
	"time"

	xerrors "AgentLoop/internal/errors"
)

func TestMemoryCacheTTL(t *testing.T) {
	c := NewMemoryCache()
	ctx := t.Context()
	now := time.Unix(1000, 0)
	c.SetClock(func() time.Time { return now })

	if err := c.Set(ctx, "k", "v", 10*time.Second); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if value, found, _ := c.Get(ctx, "k"); !found || value != "v" {
		t.Fatalf("Get = %q, %v", value, found)
	}

	now = now.Add(11 * time.Second)
	if _, found, _ := c.Get(ctx, "k"); found {
		t.Fatal("过期键仍可读")
	}

	// ttl<=0 表示永不过期。
	_ = c.Set(ctx, "p", "v", 0)
	now = now.Add(24 * time.Hour)
	if _, found, _ := c.Get(ctx, "p"); !found {
		t.Fatal("零 ttl 的键不应过期")
	}
}

func TestMemoryCacheIncr(t *testing.T) {
	c := NewMemoryCache()
	ctx := t.Context()

	// 缺失键从零起算。
	if n, err := c.Incr(ctx, "counter", 3); err != nil || n != 3 {
		t.Fatalf("Incr = %d, %v", n, err)
	}
	if n, err := c.Incr(ctx, "counter", -1); err != nil || n != 2 {
		t.Fatalf("Incr = %d, %v", n, err)
	}

	_ = c.Set(ctx, "text", "abc", 0)
	if _, err := c.Incr(ctx, "text", 1); xerrors.CodeOf(err) != xerrors.CodeCacheFailure {
		t.Fatalf("非整数键自增 = %v", err)
	}

	// 并发自增不丢计数。
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = c.Incr(ctx, "race", 1)
		}()
	}
	wg.Wait()
	if value, _, _ := c.Get(ctx, "race"); value != "20" {
		t.Fatalf("race = %q", value)
	}
}

func TestMemoryCacheSetNX(t *testing.T) {
	c := NewMemoryCache()
	ctx := t.Context()
	now := time.Unix(1000, 0)
	c.SetClock(func() time.Time { return now })

	if ok, _ := c.SetNX(ctx, "lock", "a", 5*time.Second); !ok {
		t.Fatal("首次 SetNX 应成功")
	}
	if ok, _ := c.SetNX(ctx, "lock", "b", 5*time.Second); ok {
		t.Fatal("持有中的键不应被覆盖")
	}
	if value, _, _ := c.Get(ctx, "lock"); value != "a" {
		t.Fatalf("lock = %q", value)
	}

	// 过期后锁可以被重新拿到。
	now = now.Add(6 * time.Second)
	if ok, _ := c.SetNX(ctx, "lock", "b", 5*time.Second); !ok {
		t.Fatal("过期后 SetNX 应成功")
	}
}

func TestMemoryCacheExpire(t *testing.T) {
	c := NewMemoryCache()
	ctx := t.Context()
	now := time.Unix(1000, 0)
	c.SetClock(func() time.Time { return now })

	_ = c.Set(ctx, "k", "v", 0)
	if err := c.Expire(ctx, "k", 3*time.Second); err != nil {
		t.Fatalf("Expire: %v", err)
	}
	now = now.Add(4 * time.Second)
	if _, found, _ := c.Get(ctx, "k"); found {
		t.Fatal("Expire 未生效")
	}

	// 缺失键的 Expire 静默忽略。
	if err := c.Expire(ctx, "missing", time.Second); err != nil {
		t.Fatalf("缺失键 Expire: %v", err)
	}
}

func TestMemoryCacheList(t *testing.T) {
	c := NewMemoryCache()
	ctx := t.Context()

	for _, v := range []string{"1", "2", "3"} {
		if err := c.LPush(ctx, "q", v); err != nil {
			t.Fatalf("LPush: %v", err)
		}
	}
	// LPush + RPop 构成 FIFO。
	for _, want := range []string{"1", "2", "3"} {
		value, found, err := c.RPop(ctx, "q")
		if err != nil || !found || value != want {
			t.Fatalf("RPop = %q, %v, %v (want %q)", value, found, err, want)
		}
	}
	if _, found, _ := c.RPop(ctx, "q"); found {
		t.Fatal("空列表仍可弹出")
	}
}
