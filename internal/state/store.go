package state

import "context"

// Store 抽象了执行状态的持久化接口。
// 所有实现都要保证同一会话内步骤编号连续递增，
// 以及子智能体任务状态只做单调迁移。
type Store interface {
	CreateSession(ctx context.Context, session *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	UpdateSession(ctx context.Context, session *Session) error
	// DeleteSession 为软删除：会话仍被步骤引用时不允许物理删除。
	DeleteSession(ctx context.Context, id string) error

	CreateStep(ctx context.Context, step *Step) error
	GetStep(ctx context.Context, id string) (*Step, error)
	UpdateStep(ctx context.Context, step *Step) error
	// ListSteps 按步骤编号升序返回；includeDiscarded 为 false 时过滤已裁剪步骤。
	ListSteps(ctx context.Context, sessionID string, includeDiscarded bool) ([]*Step, error)
	// NextStepNumber 返回会话内下一个可用的步骤编号（从 1 开始）。
	NextStepNumber(ctx context.Context, sessionID string) (int, error)

	CreateParallelCall(ctx context.Context, call *ParallelToolCall) error
	UpdateParallelCall(ctx context.Context, call *ParallelToolCall) error
	ListParallelCalls(ctx context.Context, stepID string) ([]*ParallelToolCall, error)

	CreateTodo(ctx context.Context, todo *Todo) error
	UpdateTodo(ctx context.Context, todo *Todo) error
	ListTodos(ctx context.Context, sessionID string) ([]*Todo, error)

	CreateForkTask(ctx context.Context, task *ForkAgentTask) error
	GetForkTask(ctx context.Context, id string) (*ForkAgentTask, error)
	UpdateForkTask(ctx context.Context, task *ForkAgentTask) error
	ListForkTasks(ctx context.Context, parentSessionID string) ([]*ForkAgentTask, error)

	// Transaction 在单个事务内执行 fn。内存实现退化为互斥执行。
	Transaction(ctx context.Context, fn func(Store) error) error

	Close() error
}
