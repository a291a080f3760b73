package state

import (
	xerrors "AgentLoop/internal/errors"
)

// SessionStatus 表示会话在生命周期中的状态。
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
	SessionStopped   SessionStatus = "stopped"
)

// StepStatus 表示单次循环迭代的状态。
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

// ForkStatus 表示子智能体任务的状态。状态迁移是单向的，
// 任务一旦离开 pending 就不会再回到 pending。
type ForkStatus string

const (
	ForkPending   ForkStatus = "pending"
	ForkRunning   ForkStatus = "running"
	ForkCompleted ForkStatus = "completed"
	ForkFailed    ForkStatus = "failed"
	ForkTimeout   ForkStatus = "timeout"
)

// TodoStatus 表示规划条目的状态。
type TodoStatus string

const (
	TodoPending    TodoStatus = "pending"
	TodoInProgress TodoStatus = "in_progress"
	TodoCompleted  TodoStatus = "completed"
	TodoSkipped    TodoStatus = "skipped"
)

// Session 是一个目标的完整执行上下文。
// 子会话通过 ParentSessionID 关联父会话，Depth 严格等于父会话 Depth+1。
type Session struct {
	ID              string        `json:"id"`
	Goal            string        `json:"goal"`
	Status          SessionStatus `json:"status"`
	Autonomous      bool          `json:"autonomous"`
	ParentSessionID string        `json:"parent_session_id,omitempty"`
	Depth           int           `json:"depth"`
	ContextSummary  string        `json:"context_summary,omitempty"`
	Running         bool          `json:"running"`
	Compressing     bool          `json:"compressing"`
	Deleted         bool          `json:"deleted"`
	CreatedAt       int64         `json:"created_at"`
	UpdatedAt       int64         `json:"updated_at"`
}

// Step 记录一次循环迭代。同一会话内步骤编号从 1 开始、连续且严格递增。
// Discarded 步骤保留在存储中，但不再进入后续提示词。
type Step struct {
	ID           string         `json:"id"`
	SessionID    string         `json:"session_id"`
	Number       int            `json:"number"`
	Kind         string         `json:"kind"`
	Reasoning    string         `json:"reasoning,omitempty"`
	ToolName     string         `json:"tool_name,omitempty"`
	ToolParams   map[string]any `json:"tool_params,omitempty"`
	Prompt       string         `json:"prompt,omitempty"`
	RawResponse  string         `json:"raw_response,omitempty"`
	Result       string         `json:"result,omitempty"`
	Status       StepStatus     `json:"status"`
	Discarded    bool           `json:"discarded"`
	Parallel     bool           `json:"parallel"`
	WaitStrategy string         `json:"wait_strategy,omitempty"`
	ForkTaskID   string         `json:"fork_task_id,omitempty"`
	LastError    string         `json:"last_error,omitempty"`
	StartedAt    int64          `json:"started_at,omitempty"`
	FinishedAt   int64          `json:"finished_at,omitempty"`
	CreatedAt    int64          `json:"created_at"`
	UpdatedAt    int64          `json:"updated_at"`
}

// ParallelToolCall 是一次并行批次内的单个工具调用，归属于唯一的 Step。
type ParallelToolCall struct {
	ID         string         `json:"id"`
	StepID     string         `json:"step_id"`
	ToolName   string         `json:"tool_name"`
	Params     map[string]any `json:"params,omitempty"`
	Status     StepStatus     `json:"status"`
	Result     string         `json:"result,omitempty"`
	LastError  string         `json:"last_error,omitempty"`
	Progress   int            `json:"progress"`
	Attempts   int            `json:"attempts"`
	MaxRetries int            `json:"max_retries"`
	StartedAt  int64          `json:"started_at,omitempty"`
	FinishedAt int64          `json:"finished_at,omitempty"`
}

// ForkAgentTask 是一次子智能体派生请求。
// ChildSessionID 在子会话启动后回填，是弱引用而非属主关系。
type ForkAgentTask struct {
	ID              string     `json:"id"`
	ParentSessionID string     `json:"parent_session_id"`
	ParentStepID    string     `json:"parent_step_id,omitempty"`
	ChildSessionID  string     `json:"child_session_id,omitempty"`
	Goal            string     `json:"goal"`
	ContextSummary  string     `json:"context_summary,omitempty"`
	Depth           int        `json:"depth"`
	MaxSteps        int        `json:"max_steps"`
	TimeoutSeconds  int        `json:"timeout_seconds"`
	Status          ForkStatus `json:"status"`
	ResultSummary   string     `json:"result_summary,omitempty"`
	StepsExecuted   int        `json:"steps_executed"`
	TokensUsed      int        `json:"tokens_used"`
	ToolsCalled     int        `json:"tools_called"`
	Attempts        int        `json:"attempts"`
	MaxRetries      int        `json:"max_retries"`
	CreatedAt       int64      `json:"created_at"`
	UpdatedAt       int64      `json:"updated_at"`
	StartedAt       int64      `json:"started_at,omitempty"`
	FinishedAt      int64      `json:"finished_at,omitempty"`
}

// Todo 是会话内的可选任务分解单元，按 OrderIndex 排序。
type Todo struct {
	ID          string     `json:"id"`
	SessionID   string     `json:"session_id"`
	OrderIndex  int        `json:"order_index"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	DependsOn   []string   `json:"depends_on,omitempty"`
	Status      TodoStatus `json:"status"`
	Progress    int        `json:"progress"`
	CreatedAt   int64      `json:"created_at"`
	UpdatedAt   int64      `json:"updated_at"`
}

var (
	// ErrSessionNotFound 表示指定的会话不存在。
	ErrSessionNotFound = xerrors.New(CodeSessionNotFound, "session not found")
	// ErrStepNotFound 表示指定的步骤不存在。
	ErrStepNotFound = xerrors.New(CodeStepNotFound, "step not found")
	// ErrForkTaskNotFound 表示指定的子智能体任务不存在。
	ErrForkTaskNotFound = xerrors.New(CodeForkTaskNotFound, "fork task not found")
	// ErrTodoNotFound 表示指定的待办不存在。
	ErrTodoNotFound = xerrors.New(CodeTodoNotFound, "todo not found")
	// ErrCallNotFound 表示指定的并行工具调用不存在。
	ErrCallNotFound = xerrors.New(CodeCallNotFound, "parallel tool call not found")
	// ErrStepNumberConflict 表示步骤编号破坏了连续递增不变式。
	ErrStepNumberConflict = xerrors.New(CodeStepNumberConflict, "step number conflict",
		xerrors.WithSeverity(xerrors.SeverityWarning))
)

const (
	CodeSessionNotFound    xerrors.Code = "SESSION_NOT_FOUND"
	CodeStepNotFound       xerrors.Code = "STEP_NOT_FOUND"
	CodeForkTaskNotFound   xerrors.Code = "FORK_TASK_NOT_FOUND"
	CodeTodoNotFound       xerrors.Code = "TODO_NOT_FOUND"
	CodeCallNotFound       xerrors.Code = "PARALLEL_CALL_NOT_FOUND"
	CodeStepNumberConflict xerrors.Code = "STEP_NUMBER_CONFLICT"
)

func init() {
	xerrors.Register(CodeSessionNotFound, xerrors.Attributes{
		Message:  "session not found",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeStepNotFound, xerrors.Attributes{
		Message:  "step not found",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeForkTaskNotFound, xerrors.Attributes{
		Message:  "fork task not found",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeTodoNotFound, xerrors.Attributes{
		Message:  "todo not found",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeCallNotFound, xerrors.Attributes{
		Message:  "parallel tool call not found",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeStepNumberConflict, xerrors.Attributes{
		Message:  "step number conflict",
		Severity: xerrors.SeverityWarning,
		Alert:    true,
	})
}

// IsTerminalSession 判断会话状态是否为终态。
func IsTerminalSession(status SessionStatus) bool {
	switch status {
	case SessionCompleted, SessionFailed, SessionStopped:
		return true
	default:
		return false
	}
}

// IsTerminalFork 判断子智能体任务状态是否为终态。
func IsTerminalFork(status ForkStatus) bool {
	switch status {
	case ForkCompleted, ForkFailed, ForkTimeout:
		return true
	default:
		return false
	}
}

// CanTransitionFork 校验子智能体任务的状态迁移是否单调。
func CanTransitionFork(from, to ForkStatus) bool {
	if from == to {
		return true
	}
	switch from {
	case ForkPending:
		return to == ForkRunning || to == ForkFailed || to == ForkTimeout
	case ForkRunning:
		return to == ForkCompleted || to == ForkFailed || to == ForkTimeout
	default:
		return false
	}
}

func cloneParams(params map[string]any) map[string]any {
	if params == nil {
		return nil
	}
	cloned := make(map[string]any, len(params))
	for key, value := range params {
		cloned[key] = value
	}
	return cloned
}

func cloneStrings(values []string) []string {
	if values == nil {
		return nil
	}
	return append([]string(nil), values...)
}
