package action

import (
	xerrors "AgentLoop/internal/errors"
)

// Kind 是动作的封闭枚举。模型每次迭代只能返回其中一种。
type Kind string

const (
	KindToolCall          Kind = "tool_call"
	KindParallelToolCalls Kind = "parallel_tool_calls"
	KindForkRequest       Kind = "fork_request"
	KindAskUser           Kind = "ask_user"
	KindPlan              Kind = "plan"
	KindFinish            Kind = "finish"
)

// IsValidKind 检查动作类型是否为支持的枚举值。
func IsValidKind(kind Kind) bool {
	switch kind {
	case KindToolCall, KindParallelToolCalls, KindForkRequest, KindAskUser, KindPlan, KindFinish:
		return true
	default:
		return false
	}
}

// WaitStrategy 描述并行工具调用的等待策略。
type WaitStrategy string

const (
	WaitAll WaitStrategy = "all"
	WaitAny WaitStrategy = "any"
)

// IsValidWaitStrategy 检查等待策略是否合法。
func IsValidWaitStrategy(strategy WaitStrategy) bool {
	return strategy == WaitAll || strategy == WaitAny
}

// Action 是解析后的动作，按 Kind 恰好填充一个变体字段。
type Action struct {
	Kind      Kind
	Reasoning string

	ToolCall *ToolCall
	Parallel *ParallelToolCalls
	Fork     *ForkRequest
	AskUser  *AskUser
	Plan     *Plan
	Finish   *Finish
}

// ToolCall 表示单个工具调用。
type ToolCall struct {
	Tool   string         `json:"tool"`
	Params map[string]any `json:"params"`
}

// ToolInvocation 是并行批次中的一个调用。
type ToolInvocation struct {
	Tool       string         `json:"tool"`
	Params     map[string]any `json:"params"`
	MaxRetries int            `json:"maxRetries"`
}

// ParallelToolCalls 表示一批并发工具调用。
type ParallelToolCalls struct {
	Calls        []ToolInvocation `json:"calls"`
	WaitStrategy WaitStrategy     `json:"waitStrategy"`
}

// ForkRequest 表示派生一个子智能体处理子目标。
// Await 为真时父会话阻塞等待子任务终态，否则派发后立即继续。
type ForkRequest struct {
	SubGoal        string `json:"subGoal"`
	ContextSummary string `json:"contextSummary"`
	MaxSteps       int    `json:"maxSteps"`
	TimeoutSeconds int    `json:"timeoutSeconds"`
	Await          bool   `json:"await"`
}

// AskUser 表示向用户提问。
type AskUser struct {
	Question string   `json:"question"`
	Options  []string `json:"options"`
}

// PlanItem 是计划中的一个步骤。
type PlanItem struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	DependsOn   []string `json:"dependsOn"`
}

// Plan 表示模型给出的任务分解。
type Plan struct {
	Items []PlanItem `json:"items"`
}

// Finish 表示终止动作，Result 可以是任意形状。
type Finish struct {
	Result any `json:"result"`
}

var (
	// ErrMalformed 表示结构化文本在语法上无法解析。
	ErrMalformed = xerrors.New(xerrors.CodeActionMalformed, "")
	// ErrUnknownKind 表示动作类型不在枚举内。
	ErrUnknownKind = xerrors.New(xerrors.CodeActionUnknown, "")
	// ErrMissingField 表示动作缺少必填字段。
	ErrMissingField = xerrors.New(xerrors.CodeActionMissing, "")
)
