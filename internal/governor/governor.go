package governor

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"AgentLoop/internal/cache"
	xerrors "AgentLoop/internal/errors"
	"AgentLoop/pkg/logger"
)

// Config 描述访问治理的各项上限。零值表示对应机制关闭。
type Config struct {
	// RequestWindow / RequestMax 控制按调用方身份的请求限流。
	RequestWindow time.Duration
	RequestMax    int
	// TokenWindow / TokenMax 控制按调用方身份的 token 预算。
	TokenWindow time.Duration
	TokenMax    int
	// MaxConcurrent 控制同时进行的执行数量。
	MaxConcurrent int
	// LockAttempts / LockBackoff 控制分布式锁的重试策略。
	LockAttempts int
	LockBackoff  time.Duration
}

func (c *Config) applyDefaults() {
	if c.RequestWindow <= 0 {
		c.RequestWindow = time.Minute
	}
	if c.TokenWindow <= 0 {
		c.TokenWindow = time.Minute
	}
	if c.LockAttempts <= 0 {
		c.LockAttempts = 5
	}
	if c.LockBackoff <= 0 {
		c.LockBackoff = 100 * time.Millisecond
	}
}

// Decision 是一次准入判断的结果，携带限流元数据供响应头使用。
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Governor 聚合请求限流、token 预算、并发上限与分布式锁。
// 四种机制共享同一个外部缓存；缓存未配置时全部退化为放行，
// 治理缺席时只丢失可观测性，不阻断业务。
type Governor struct {
	cache cache.Cache
	cfg   Config
	log   *slog.Logger
}

// New 创建 Governor。cache 可以为 nil。
func New(c cache.Cache, cfg Config) *Governor {
	cfg.applyDefaults()
	return &Governor{cache: c, cfg: cfg, log: logger.Named("governor")}
}

// AllowRequest 对调用方身份做滑动窗口限流。
// 窗口内计数随首次写入设置过期，窗口滚动后配额自动恢复。
func (g *Governor) AllowRequest(ctx context.Context, caller string) (Decision, error) {
	if g == nil || g.cache == nil || g.cfg.RequestMax <= 0 {
		return allowAll(), nil
	}
	return g.windowIncr(ctx, "governor:req:"+caller, 1, g.cfg.RequestMax, g.cfg.RequestWindow)
}

// ConsumeTokens 在调用方的 token 预算窗口内记账。
// 若本次成本会超出剩余预算，则整体拒绝且不产生部分消耗。
func (g *Governor) ConsumeTokens(ctx context.Context, caller string, cost int) (Decision, error) {
	if g == nil || g.cache == nil || g.cfg.TokenMax <= 0 {
		return allowAll(), nil
	}
	if cost < 0 {
		return Decision{}, xerrors.New(xerrors.CodeInvalidArgument, "token 成本不能为负")
	}
	decision, err := g.windowIncr(ctx, "governor:tok:"+caller, int64(cost), g.cfg.TokenMax, g.cfg.TokenWindow)
	if err != nil {
		return decision, err
	}
	if !decision.Allowed {
		// 回滚本次增量，保证拒绝时无部分消耗。
		if _, rollbackErr := g.cache.Incr(ctx, "governor:tok:"+caller, -int64(cost)); rollbackErr != nil {
			g.log.Warn("回滚 token 计数失败", slog.Any("error", rollbackErr), slog.String("caller", caller))
		}
	}
	return decision, err
}

// RecordTokens 用实际消耗修正预算窗口，delta 为实际值与预估值之差。
// 修正只记账不拒绝，超预算的判定留给下一次 ConsumeTokens。
func (g *Governor) RecordTokens(ctx context.Context, caller string, delta int) error {
	if g == nil || g.cache == nil || g.cfg.TokenMax <= 0 || delta == 0 {
		return nil
	}
	if _, err := g.cache.Incr(ctx, "governor:tok:"+caller, int64(delta)); err != nil {
		g.log.Warn("修正 token 计数失败", slog.Any("error", err), slog.String("caller", caller))
		return err
	}
	return nil
}

// Acquire 申请一个并发名额。返回的 release 必须被调用（通常放在 defer 中），
// 即使执行出错也要释放，否则名额会泄漏到安全过期为止。
func (g *Governor) Acquire(ctx context.Context, scope string) (release func(), decision Decision, err error) {
	noop := func() {}
	if g == nil || g.cache == nil || g.cfg.MaxConcurrent <= 0 {
		return noop, allowAll(), nil
	}
	key := "governor:conc:" + scope
	count, err := g.cache.Incr(ctx, key, 1)
	if err != nil {
		// 缓存故障时放行：治理是观测手段而不是单点。
		g.log.Warn("并发计数失败，放行请求", slog.Any("error", err))
		return noop, allowAll(), nil
	}
	if count == 1 {
		// 安全阈值：实例崩溃未释放时计数最终自行清零。
		_ = g.cache.Expire(ctx, key, time.Hour)
	}
	decision = Decision{
		Allowed:   count <= int64(g.cfg.MaxConcurrent),
		Limit:     g.cfg.MaxConcurrent,
		Remaining: remaining(g.cfg.MaxConcurrent, count),
	}
	if !decision.Allowed {
		if _, err := g.cache.Incr(ctx, key, -1); err != nil {
			g.log.Warn("回滚并发计数失败", slog.Any("error", err))
		}
		return noop, decision, nil
	}
	var once sync.Once
	release = func() {
		once.Do(func() {
			// 释放必须脱离请求上下文，请求取消不应泄漏名额。
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if _, err := g.cache.Incr(releaseCtx, key, -1); err != nil {
				g.log.Warn("释放并发名额失败", slog.Any("error", err))
			}
		})
	}
	return release, decision, nil
}

func (g *Governor) windowIncr(ctx context.Context, key string, delta int64, max int, window time.Duration) (Decision, error) {
	count, err := g.cache.Incr(ctx, key, delta)
	if err != nil {
		g.log.Warn("窗口计数失败，放行请求", slog.Any("error", err), slog.String("key", key))
		return allowAll(), nil
	}
	resetKey := key + ":reset"
	now := time.Now()
	if count == delta {
		// 首次写入，开启一个新窗口。
		_ = g.cache.Expire(ctx, key, window)
		_ = g.cache.Set(ctx, resetKey, strconv.FormatInt(now.Add(window).Unix(), 10), window)
	}
	resetAt := now.Add(window)
	if raw, ok, err := g.cache.Get(ctx, resetKey); err == nil && ok {
		if ts, parseErr := strconv.ParseInt(raw, 10, 64); parseErr == nil {
			resetAt = time.Unix(ts, 0)
		}
	}
	return Decision{
		Allowed:   count <= int64(max),
		Limit:     max,
		Remaining: remaining(max, count),
		ResetAt:   resetAt,
	}, nil
}

func allowAll() Decision {
	return Decision{Allowed: true, Remaining: -1}
}

func remaining(max int, count int64) int {
	left := int64(max) - count
	if left < 0 {
		return 0
	}
	return int(left)
}

// Headers 返回决策对应的标准响应头键值，顺序固定。
func (d Decision) Headers() [][2]string {
	headers := [][2]string{
		{"X-RateLimit-Limit", strconv.Itoa(d.Limit)},
		{"X-RateLimit-Remaining", strconv.Itoa(d.Remaining)},
	}
	if !d.ResetAt.IsZero() {
		headers = append(headers, [2]string{"X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10)})
	}
	return headers
}

// String 便于日志输出。
func (d Decision) String() string {
	return fmt.Sprintf("allowed=%t limit=%d remaining=%d", d.Allowed, d.Limit, d.Remaining)
}
