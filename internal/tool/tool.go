// Package tool 定义工具抽象与注册表，执行引擎通过它调用外部能力。
package tool

import (
	"context"
	"sort"
	"sync"
	"time"

	xerrors "AgentLoop/internal/errors"
)

// RiskLevel 标记工具的风险等级，高风险工具可要求人工确认。
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Metadata 描述一个工具。
type Metadata struct {
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Risk        RiskLevel `json:"risk"`
	// Timeout 是单次调用的上限，0 表示不限制。
	Timeout time.Duration `json:"timeout"`
	// RequiresConfirmation 为真时，非自治会话执行前需要用户确认。
	RequiresConfirmation bool `json:"requiresConfirmation"`
	// Schema 是参数的 JSON Schema 描述，用于提示词与校验。
	Schema map[string]any `json:"schema,omitempty"`
}

// Result 是一次工具调用的结果。
type Result struct {
	Success bool   `json:"success"`
	Output  string `json:"output"`
	Error   string `json:"error,omitempty"`
}

// Tool 是可被执行引擎调用的能力单元。
type Tool interface {
	Metadata() Metadata
	Invoke(ctx context.Context, params map[string]any) (*Result, error)
}

// ErrToolNotFound 表示请求的工具未注册。
var ErrToolNotFound = xerrors.New(xerrors.CodeToolFailure, "工具未注册")

// Registry 是按名称索引的工具注册表，并发安全。
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry 创建空注册表。
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register 登记一个工具，同名覆盖。
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Metadata().Name] = t
}

// Get 按名称查找工具。
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List 返回全部工具元数据，按名称排序。
func (r *Registry) List() []Metadata {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Metadata, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t.Metadata())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Invoke 按名称调用工具。工具声明了 Timeout 时在此处强制：
// 调用在独立协程里与超时赛跑，不响应 ctx 的工具也拖不住调用方。
// 工具内部错误被折叠进 Result，只有基础设施层面的失败才返回 error。
func (r *Registry) Invoke(ctx context.Context, name string, params map[string]any) (*Result, error) {
	t, ok := r.Get(name)
	if !ok {
		return nil, xerrors.Wrap(xerrors.CodeToolFailure, ErrToolNotFound, "工具不存在: "+name)
	}
	meta := t.Metadata()
	if meta.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, meta.Timeout)
		defer cancel()
	}

	type reply struct {
		res *Result
		err error
	}
	done := make(chan reply, 1)
	go func() {
		res, err := t.Invoke(ctx, params)
		done <- reply{res: res, err: err}
	}()

	select {
	case <-ctx.Done():
		return &Result{Success: false, Error: "工具调用中止: " + ctx.Err().Error()}, nil
	case out := <-done:
		if out.err != nil {
			return &Result{Success: false, Error: out.err.Error()}, nil
		}
		if out.res == nil {
			return &Result{Success: false, Error: "工具未返回结果"}, nil
		}
		return out.res, nil
	}
}
