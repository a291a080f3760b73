package governor

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	xerrors "AgentLoop/internal/errors"
)

// ErrLockNotAcquired 表示在重试预算内未能拿到锁。
var ErrLockNotAcquired = xerrors.New(xerrors.CodeLockFailure, "未能在重试预算内获取锁")

// AcquireLock 尝试以 SetNX 语义获取带 TTL 的互斥锁。
// 成功时返回持有者令牌，释放时用令牌校验归属。
func (g *Governor) AcquireLock(ctx context.Context, name string, ttl time.Duration) (token string, ok bool, err error) {
	if g == nil || g.cache == nil {
		return "", true, nil
	}
	token = uuid.NewString()
	ok, err = g.cache.SetNX(ctx, "governor:lock:"+name, token, ttl)
	if err != nil {
		return "", false, xerrors.Wrap(xerrors.CodeLockFailure, err, "获取锁失败")
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// ReleaseLock 释放锁。只有令牌匹配的持有者才会真正删除键，
// 避免慢请求释放掉后来者持有的锁。
func (g *Governor) ReleaseLock(ctx context.Context, name, token string) error {
	if g == nil || g.cache == nil || token == "" {
		return nil
	}
	key := "governor:lock:" + name
	current, found, err := g.cache.Get(ctx, key)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeLockFailure, err, "检查锁持有者失败")
	}
	if !found || current != token {
		return nil
	}
	return g.cache.Delete(ctx, key)
}

// WithLock 在持有命名锁的前提下执行 fn。
// 获取失败时按线性退避重试，预算耗尽返回 ErrLockNotAcquired；
// fn 返回后无论成败都会释放锁。
func (g *Governor) WithLock(ctx context.Context, name string, ttl time.Duration, fn func(ctx context.Context) error) error {
	if g == nil || g.cache == nil {
		return fn(ctx)
	}
	var token string
	for attempt := 1; attempt <= g.cfg.LockAttempts; attempt++ {
		t, ok, err := g.AcquireLock(ctx, name, ttl)
		if err != nil {
			return err
		}
		if ok {
			token = t
			break
		}
		if attempt == g.cfg.LockAttempts {
			return ErrLockNotAcquired
		}
		backoff := time.Duration(attempt) * g.cfg.LockBackoff
		g.log.Debug("锁被占用，等待重试",
			slog.String("lock", name),
			slog.Int("attempt", attempt),
			slog.Duration("backoff", backoff))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := g.ReleaseLock(releaseCtx, name, token); err != nil {
			g.log.Warn("释放锁失败", slog.String("lock", name), slog.Any("error", err))
		}
	}()
	return fn(ctx)
}
