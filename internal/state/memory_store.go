package state

import (
	"context"
	"sort"
	"sync"
	"time"

	xerrors "AgentLoop/internal/errors"
)

// MemoryStore 以内存方式保存执行状态，是默认驱动，也用于测试。
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	steps    map[string]*Step
	calls    map[string]*ParallelToolCall
	todos    map[string]*Todo
	forks    map[string]*ForkAgentTask
	// lastStep 记录每个会话已分配的最大步骤编号。
	lastStep map[string]int
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*Session),
		steps:    make(map[string]*Step),
		calls:    make(map[string]*ParallelToolCall),
		todos:    make(map[string]*Todo),
		forks:    make(map[string]*ForkAgentTask),
		lastStep: make(map[string]int),
	}
}

// CreateSession 实现 Store 接口。
func (m *MemoryStore) CreateSession(_ context.Context, session *Session) error {
	if session == nil || session.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "会话 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[session.ID]; ok {
		return xerrors.New(xerrors.CodeConflict, "会话已存在")
	}
	now := time.Now().Unix()
	if session.CreatedAt == 0 {
		session.CreatedAt = now
	}
	session.UpdatedAt = now
	clone := *session
	m.sessions[session.ID] = &clone
	return nil
}

// GetSession 返回会话。
func (m *MemoryStore) GetSession(_ context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	session, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	clone := *session
	return &clone, nil
}

// UpdateSession 覆盖会话字段。
func (m *MemoryStore) UpdateSession(_ context.Context, session *Session) error {
	if session == nil || session.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "会话 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.sessions[session.ID]
	if !ok {
		return ErrSessionNotFound
	}
	session.CreatedAt = existing.CreatedAt
	session.UpdatedAt = time.Now().Unix()
	clone := *session
	m.sessions[session.ID] = &clone
	return nil
}

// DeleteSession 做软删除，仅打标记。
func (m *MemoryStore) DeleteSession(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	session.Deleted = true
	session.UpdatedAt = time.Now().Unix()
	return nil
}

// CreateStep 创建步骤。编号为 0 时自动分配下一个编号，
// 否则必须等于当前最大编号 +1，保证编号连续。
func (m *MemoryStore) CreateStep(_ context.Context, step *Step) error {
	if step == nil || step.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "步骤 ID 不能为空")
	}
	if step.SessionID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "步骤必须归属某个会话")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[step.SessionID]; !ok {
		return ErrSessionNotFound
	}
	if _, ok := m.steps[step.ID]; ok {
		return xerrors.New(xerrors.CodeConflict, "步骤已存在")
	}
	next := m.lastStep[step.SessionID] + 1
	if step.Number == 0 {
		step.Number = next
	} else if step.Number != next {
		return ErrStepNumberConflict
	}
	now := time.Now().Unix()
	if step.CreatedAt == 0 {
		step.CreatedAt = now
	}
	step.UpdatedAt = now
	m.lastStep[step.SessionID] = step.Number
	m.steps[step.ID] = cloneStep(step)
	return nil
}

// GetStep 返回步骤。
func (m *MemoryStore) GetStep(_ context.Context, id string) (*Step, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	step, ok := m.steps[id]
	if !ok {
		return nil, ErrStepNotFound
	}
	return cloneStep(step), nil
}

// UpdateStep 更新步骤。终态步骤不再允许修改。
func (m *MemoryStore) UpdateStep(_ context.Context, step *Step) error {
	if step == nil || step.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "步骤 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.steps[step.ID]
	if !ok {
		return ErrStepNotFound
	}
	if existing.Status == StepCompleted || existing.Status == StepFailed {
		// 终态步骤只允许翻转 discarded 标记，用于 token 裁剪。
		if step.Discarded != existing.Discarded {
			existing.Discarded = step.Discarded
			existing.UpdatedAt = time.Now().Unix()
			return nil
		}
		return xerrors.New(xerrors.CodeConflict, "终态步骤不可修改")
	}
	step.SessionID = existing.SessionID
	step.Number = existing.Number
	step.CreatedAt = existing.CreatedAt
	step.UpdatedAt = time.Now().Unix()
	m.steps[step.ID] = cloneStep(step)
	return nil
}

// ListSteps 按编号升序返回会话内步骤。
func (m *MemoryStore) ListSteps(_ context.Context, sessionID string, includeDiscarded bool) ([]*Step, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	results := make([]*Step, 0, 8)
	for _, step := range m.steps {
		if step.SessionID != sessionID {
			continue
		}
		if !includeDiscarded && step.Discarded {
			continue
		}
		results = append(results, cloneStep(step))
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].Number < results[j].Number
	})
	return results, nil
}

// NextStepNumber 返回下一个可用编号。
func (m *MemoryStore) NextStepNumber(_ context.Context, sessionID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.sessions[sessionID]; !ok {
		return 0, ErrSessionNotFound
	}
	return m.lastStep[sessionID] + 1, nil
}

// CreateParallelCall 记录一次并行工具调用。
func (m *MemoryStore) CreateParallelCall(_ context.Context, call *ParallelToolCall) error {
	if call == nil || call.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "调用 ID 不能为空")
	}
	if call.StepID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "调用必须归属某个步骤")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.calls[call.ID]; ok {
		return xerrors.New(xerrors.CodeConflict, "调用已存在")
	}
	m.calls[call.ID] = cloneCall(call)
	return nil
}

// UpdateParallelCall 更新调用进度或结果。重试次数不允许超过上限。
func (m *MemoryStore) UpdateParallelCall(_ context.Context, call *ParallelToolCall) error {
	if call == nil || call.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "调用 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.calls[call.ID]
	if !ok {
		return ErrCallNotFound
	}
	if call.MaxRetries > 0 && call.Attempts > call.MaxRetries {
		return xerrors.New(xerrors.CodeConflict, "重试次数超过上限")
	}
	call.StepID = existing.StepID
	m.calls[call.ID] = cloneCall(call)
	return nil
}

// ListParallelCalls 返回步骤下的全部并行调用。
func (m *MemoryStore) ListParallelCalls(_ context.Context, stepID string) ([]*ParallelToolCall, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	results := make([]*ParallelToolCall, 0, 4)
	for _, call := range m.calls {
		if call.StepID == stepID {
			results = append(results, cloneCall(call))
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].ID < results[j].ID })
	return results, nil
}

// CreateTodo 创建规划条目。
func (m *MemoryStore) CreateTodo(_ context.Context, todo *Todo) error {
	if todo == nil || todo.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "待办 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.todos[todo.ID]; ok {
		return xerrors.New(xerrors.CodeConflict, "待办已存在")
	}
	now := time.Now().Unix()
	if todo.CreatedAt == 0 {
		todo.CreatedAt = now
	}
	todo.UpdatedAt = now
	m.todos[todo.ID] = cloneTodo(todo)
	return nil
}

// UpdateTodo 更新规划条目。
func (m *MemoryStore) UpdateTodo(_ context.Context, todo *Todo) error {
	if todo == nil || todo.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "待办 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.todos[todo.ID]
	if !ok {
		return ErrTodoNotFound
	}
	todo.SessionID = existing.SessionID
	todo.CreatedAt = existing.CreatedAt
	todo.UpdatedAt = time.Now().Unix()
	m.todos[todo.ID] = cloneTodo(todo)
	return nil
}

// ListTodos 按 OrderIndex 升序返回会话内待办。
func (m *MemoryStore) ListTodos(_ context.Context, sessionID string) ([]*Todo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	results := make([]*Todo, 0, 4)
	for _, todo := range m.todos {
		if todo.SessionID == sessionID {
			results = append(results, cloneTodo(todo))
		}
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].OrderIndex < results[j].OrderIndex
	})
	return results, nil
}

// CreateForkTask 创建子智能体任务。
func (m *MemoryStore) CreateForkTask(_ context.Context, task *ForkAgentTask) error {
	if task == nil || task.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.forks[task.ID]; ok {
		return xerrors.New(xerrors.CodeConflict, "任务已存在")
	}
	if task.Status == "" {
		task.Status = ForkPending
	}
	now := time.Now().Unix()
	if task.CreatedAt == 0 {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	clone := *task
	m.forks[task.ID] = &clone
	return nil
}

// GetForkTask 返回子智能体任务。
func (m *MemoryStore) GetForkTask(_ context.Context, id string) (*ForkAgentTask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	task, ok := m.forks[id]
	if !ok {
		return nil, ErrForkTaskNotFound
	}
	clone := *task
	return &clone, nil
}

// UpdateForkTask 更新子智能体任务，状态迁移必须单调。
func (m *MemoryStore) UpdateForkTask(_ context.Context, task *ForkAgentTask) error {
	if task == nil || task.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.forks[task.ID]
	if !ok {
		return ErrForkTaskNotFound
	}
	if !CanTransitionFork(existing.Status, task.Status) {
		return xerrors.New(xerrors.CodeConflict, "非法的任务状态迁移",
			xerrors.WithMetadata("from", string(existing.Status)),
			xerrors.WithMetadata("to", string(task.Status)))
	}
	task.CreatedAt = existing.CreatedAt
	task.UpdatedAt = time.Now().Unix()
	clone := *task
	m.forks[task.ID] = &clone
	return nil
}

// ListForkTasks 返回某个父会话派生的全部任务。
func (m *MemoryStore) ListForkTasks(_ context.Context, parentSessionID string) ([]*ForkAgentTask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	results := make([]*ForkAgentTask, 0, 4)
	for _, task := range m.forks {
		if task.ParentSessionID == parentSessionID {
			clone := *task
			results = append(results, &clone)
		}
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].CreatedAt == results[j].CreatedAt {
			return results[i].ID < results[j].ID
		}
		return results[i].CreatedAt < results[j].CreatedAt
	})
	return results, nil
}

// Transaction 对内存实现退化为直接执行。
func (m *MemoryStore) Transaction(_ context.Context, fn func(Store) error) error {
	return fn(m)
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

func cloneStep(step *Step) *Step {
	clone := *step
	clone.ToolParams = cloneParams(step.ToolParams)
	return &clone
}

func cloneCall(call *ParallelToolCall) *ParallelToolCall {
	clone := *call
	clone.Params = cloneParams(call.Params)
	return &clone
}

func cloneTodo(todo *Todo) *Todo {
	clone := *todo
	clone.DependsOn = cloneStrings(todo.DependsOn)
	return &clone
}

// ensure interface compliance at compile time
var _ Store = (*MemoryStore)(nil)
