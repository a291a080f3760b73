package state

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"time"

	xerrors "AgentLoop/internal/errors"
)

// dbtx 抽象 *sql.DB 与 *sql.Tx 的公共能力，使 CRUD 逻辑可以在事务内外复用。
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLStore 基于 database/sql 实现 Store，由 MySQL 与 SQLite 驱动共享。
// 两种方言都使用 ? 占位符，差异只体现在建表语句上。
type SQLStore struct {
	db *sql.DB
	q  dbtx
}

func newSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db, q: db}
}

// CreateSession 插入会话记录。
func (s *SQLStore) CreateSession(ctx context.Context, session *Session) error {
	if session == nil || session.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "会话 ID 不能为空")
	}
	now := time.Now().Unix()
	if session.CreatedAt == 0 {
		session.CreatedAt = now
	}
	session.UpdatedAt = now
	const stmt = `INSERT INTO sessions
        (id, goal, status, autonomous, parent_session_id, depth, context_summary, running, compressing, deleted, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.q.ExecContext(ctx, stmt,
		session.ID, session.Goal, session.Status, session.Autonomous,
		session.ParentSessionID, session.Depth, session.ContextSummary,
		session.Running, session.Compressing, session.Deleted,
		session.CreatedAt, session.UpdatedAt,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入会话失败")
	}
	return nil
}

// GetSession 查询会话。
func (s *SQLStore) GetSession(ctx context.Context, id string) (*Session, error) {
	const stmt = `SELECT id, goal, status, autonomous, parent_session_id, depth, context_summary,
        running, compressing, deleted, created_at, updated_at
        FROM sessions WHERE id = ?`
	row := s.q.QueryRowContext(ctx, stmt, id)
	var session Session
	err := row.Scan(&session.ID, &session.Goal, &session.Status, &session.Autonomous,
		&session.ParentSessionID, &session.Depth, &session.ContextSummary,
		&session.Running, &session.Compressing, &session.Deleted,
		&session.CreatedAt, &session.UpdatedAt)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询会话失败")
	}
	return &session, nil
}

// UpdateSession 覆盖会话字段。
func (s *SQLStore) UpdateSession(ctx context.Context, session *Session) error {
	if session == nil || session.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "会话 ID 不能为空")
	}
	session.UpdatedAt = time.Now().Unix()
	const stmt = `UPDATE sessions SET goal = ?, status = ?, autonomous = ?, depth = ?,
        context_summary = ?, running = ?, compressing = ?, deleted = ?, updated_at = ?
        WHERE id = ?`
	result, err := s.q.ExecContext(ctx, stmt,
		session.Goal, session.Status, session.Autonomous, session.Depth,
		session.ContextSummary, session.Running, session.Compressing, session.Deleted,
		session.UpdatedAt, session.ID,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新会话失败")
	}
	return ensureAffected(result, ErrSessionNotFound)
}

// DeleteSession 软删除会话。
func (s *SQLStore) DeleteSession(ctx context.Context, id string) error {
	const stmt = `UPDATE sessions SET deleted = 1, updated_at = ? WHERE id = ?`
	result, err := s.q.ExecContext(ctx, stmt, time.Now().Unix(), id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "删除会话失败")
	}
	return ensureAffected(result, ErrSessionNotFound)
}

// CreateStep 插入步骤。编号为 0 时按当前最大编号 +1 分配。
func (s *SQLStore) CreateStep(ctx context.Context, step *Step) error {
	if step == nil || step.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "步骤 ID 不能为空")
	}
	if step.SessionID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "步骤必须归属某个会话")
	}
	next, err := s.NextStepNumber(ctx, step.SessionID)
	if err != nil {
		return err
	}
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
	params, err := marshalJSON(step.ToolParams)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码工具参数失败")
	}
	const stmt = `INSERT INTO steps
        (id, session_id, number, kind, reasoning, tool_name, tool_params, prompt, raw_response,
         result, status, discarded, parallel, wait_strategy, fork_task_id, last_error,
         started_at, finished_at, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.q.ExecContext(ctx, stmt,
		step.ID, step.SessionID, step.Number, step.Kind, step.Reasoning,
		step.ToolName, params, step.Prompt, step.RawResponse,
		step.Result, step.Status, step.Discarded, step.Parallel,
		step.WaitStrategy, step.ForkTaskID, step.LastError,
		step.StartedAt, step.FinishedAt, step.CreatedAt, step.UpdatedAt,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入步骤失败")
	}
	return nil
}

const stepColumns = `id, session_id, number, kind, reasoning, tool_name, tool_params, prompt,
        raw_response, result, status, discarded, parallel, wait_strategy, fork_task_id,
        last_error, started_at, finished_at, created_at, updated_at`

// GetStep 查询步骤。
func (s *SQLStore) GetStep(ctx context.Context, id string) (*Step, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+stepColumns+` FROM steps WHERE id = ?`, id)
	step, err := scanStep(row)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return nil, ErrStepNotFound
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询步骤失败")
	}
	return step, nil
}

// UpdateStep 更新步骤。终态步骤仅允许翻转 discarded 标记。
func (s *SQLStore) UpdateStep(ctx context.Context, step *Step) error {
	if step == nil || step.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "步骤 ID 不能为空")
	}
	existing, err := s.GetStep(ctx, step.ID)
	if err != nil {
		return err
	}
	if existing.Status == StepCompleted || existing.Status == StepFailed {
		if step.Discarded != existing.Discarded {
			const stmt = `UPDATE steps SET discarded = ?, updated_at = ? WHERE id = ?`
			if _, err := s.q.ExecContext(ctx, stmt, step.Discarded, time.Now().Unix(), step.ID); err != nil {
				return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新步骤裁剪标记失败")
			}
			return nil
		}
		return xerrors.New(xerrors.CodeConflict, "终态步骤不可修改")
	}
	params, err := marshalJSON(step.ToolParams)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码工具参数失败")
	}
	const stmt = `UPDATE steps SET kind = ?, reasoning = ?, tool_name = ?, tool_params = ?,
        prompt = ?, raw_response = ?, result = ?, status = ?, discarded = ?, parallel = ?,
        wait_strategy = ?, fork_task_id = ?, last_error = ?, started_at = ?, finished_at = ?,
        updated_at = ? WHERE id = ?`
	_, err = s.q.ExecContext(ctx, stmt,
		step.Kind, step.Reasoning, step.ToolName, params,
		step.Prompt, step.RawResponse, step.Result, step.Status, step.Discarded, step.Parallel,
		step.WaitStrategy, step.ForkTaskID, step.LastError, step.StartedAt, step.FinishedAt,
		time.Now().Unix(), step.ID,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新步骤失败")
	}
	return nil
}

// ListSteps 按编号升序返回会话内步骤。
func (s *SQLStore) ListSteps(ctx context.Context, sessionID string, includeDiscarded bool) ([]*Step, error) {
	query := `SELECT ` + stepColumns + ` FROM steps WHERE session_id = ?`
	if !includeDiscarded {
		query += ` AND discarded = 0`
	}
	query += ` ORDER BY number ASC`
	rows, err := s.q.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询步骤列表失败")
	}
	defer rows.Close()
	results := make([]*Step, 0, 8)
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析步骤行失败")
		}
		results = append(results, step)
	}
	return results, rows.Err()
}

// NextStepNumber 返回会话内下一个可用编号。
func (s *SQLStore) NextStepNumber(ctx context.Context, sessionID string) (int, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(number), 0) FROM steps WHERE session_id = ?`, sessionID)
	var max int
	if err := row.Scan(&max); err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询步骤编号失败")
	}
	return max + 1, nil
}

// CreateParallelCall 插入并行工具调用。
func (s *SQLStore) CreateParallelCall(ctx context.Context, call *ParallelToolCall) error {
	if call == nil || call.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "调用 ID 不能为空")
	}
	params, err := marshalJSON(call.Params)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码调用参数失败")
	}
	const stmt = `INSERT INTO parallel_tool_calls
        (id, step_id, tool_name, params, status, result, last_error, progress, attempts, max_retries, started_at, finished_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.q.ExecContext(ctx, stmt,
		call.ID, call.StepID, call.ToolName, params, call.Status, call.Result,
		call.LastError, call.Progress, call.Attempts, call.MaxRetries,
		call.StartedAt, call.FinishedAt,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入并行调用失败")
	}
	return nil
}

// UpdateParallelCall 更新并行调用，禁止重试次数超限。
func (s *SQLStore) UpdateParallelCall(ctx context.Context, call *ParallelToolCall) error {
	if call == nil || call.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "调用 ID 不能为空")
	}
	if call.MaxRetries > 0 && call.Attempts > call.MaxRetries {
		return xerrors.New(xerrors.CodeConflict, "重试次数超过上限")
	}
	params, err := marshalJSON(call.Params)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码调用参数失败")
	}
	const stmt = `UPDATE parallel_tool_calls SET tool_name = ?, params = ?, status = ?, result = ?,
        last_error = ?, progress = ?, attempts = ?, max_retries = ?, started_at = ?, finished_at = ?
        WHERE id = ?`
	result, err := s.q.ExecContext(ctx, stmt,
		call.ToolName, params, call.Status, call.Result, call.LastError,
		call.Progress, call.Attempts, call.MaxRetries, call.StartedAt, call.FinishedAt, call.ID,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新并行调用失败")
	}
	return ensureAffected(result, ErrCallNotFound)
}

// ListParallelCalls 返回步骤下的全部并行调用。
func (s *SQLStore) ListParallelCalls(ctx context.Context, stepID string) ([]*ParallelToolCall, error) {
	const stmt = `SELECT id, step_id, tool_name, params, status, result, last_error, progress,
        attempts, max_retries, started_at, finished_at
        FROM parallel_tool_calls WHERE step_id = ? ORDER BY id ASC`
	rows, err := s.q.QueryContext(ctx, stmt, stepID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询并行调用失败")
	}
	defer rows.Close()
	results := make([]*ParallelToolCall, 0, 4)
	for rows.Next() {
		var call ParallelToolCall
		var params sql.NullString
		err := rows.Scan(&call.ID, &call.StepID, &call.ToolName, &params, &call.Status,
			&call.Result, &call.LastError, &call.Progress, &call.Attempts, &call.MaxRetries,
			&call.StartedAt, &call.FinishedAt)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析并行调用行失败")
		}
		if err := unmarshalJSON(params, &call.Params); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解码调用参数失败")
		}
		results = append(results, &call)
	}
	return results, rows.Err()
}

// CreateTodo 插入规划条目。
func (s *SQLStore) CreateTodo(ctx context.Context, todo *Todo) error {
	if todo == nil || todo.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "待办 ID 不能为空")
	}
	now := time.Now().Unix()
	if todo.CreatedAt == 0 {
		todo.CreatedAt = now
	}
	todo.UpdatedAt = now
	deps, err := marshalJSON(todo.DependsOn)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码依赖列表失败")
	}
	const stmt = `INSERT INTO todos
        (id, session_id, order_index, title, description, depends_on, status, progress, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.q.ExecContext(ctx, stmt,
		todo.ID, todo.SessionID, todo.OrderIndex, todo.Title, todo.Description,
		deps, todo.Status, todo.Progress, todo.CreatedAt, todo.UpdatedAt,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入待办失败")
	}
	return nil
}

// UpdateTodo 更新规划条目。
func (s *SQLStore) UpdateTodo(ctx context.Context, todo *Todo) error {
	if todo == nil || todo.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "待办 ID 不能为空")
	}
	deps, err := marshalJSON(todo.DependsOn)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码依赖列表失败")
	}
	const stmt = `UPDATE todos SET order_index = ?, title = ?, description = ?, depends_on = ?,
        status = ?, progress = ?, updated_at = ? WHERE id = ?`
	result, err := s.q.ExecContext(ctx, stmt,
		todo.OrderIndex, todo.Title, todo.Description, deps,
		todo.Status, todo.Progress, time.Now().Unix(), todo.ID,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新待办失败")
	}
	return ensureAffected(result, ErrTodoNotFound)
}

// ListTodos 按 order_index 升序返回会话内待办。
func (s *SQLStore) ListTodos(ctx context.Context, sessionID string) ([]*Todo, error) {
	const stmt = `SELECT id, session_id, order_index, title, description, depends_on, status,
        progress, created_at, updated_at
        FROM todos WHERE session_id = ? ORDER BY order_index ASC`
	rows, err := s.q.QueryContext(ctx, stmt, sessionID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询待办失败")
	}
	defer rows.Close()
	results := make([]*Todo, 0, 4)
	for rows.Next() {
		var todo Todo
		var deps sql.NullString
		err := rows.Scan(&todo.ID, &todo.SessionID, &todo.OrderIndex, &todo.Title,
			&todo.Description, &deps, &todo.Status, &todo.Progress,
			&todo.CreatedAt, &todo.UpdatedAt)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析待办行失败")
		}
		if err := unmarshalJSON(deps, &todo.DependsOn); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解码依赖列表失败")
		}
		results = append(results, &todo)
	}
	return results, rows.Err()
}

// CreateForkTask 插入子智能体任务。
func (s *SQLStore) CreateForkTask(ctx context.Context, task *ForkAgentTask) error {
	if task == nil || task.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}
	if task.Status == "" {
		task.Status = ForkPending
	}
	now := time.Now().Unix()
	if task.CreatedAt == 0 {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	const stmt = `INSERT INTO fork_agent_tasks
        (id, parent_session_id, parent_step_id, child_session_id, goal, context_summary, depth,
         max_steps, timeout_seconds, status, result_summary, steps_executed, tokens_used,
         tools_called, attempts, max_retries, created_at, updated_at, started_at, finished_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.q.ExecContext(ctx, stmt,
		task.ID, task.ParentSessionID, task.ParentStepID, task.ChildSessionID,
		task.Goal, task.ContextSummary, task.Depth, task.MaxSteps, task.TimeoutSeconds,
		task.Status, task.ResultSummary, task.StepsExecuted, task.TokensUsed,
		task.ToolsCalled, task.Attempts, task.MaxRetries,
		task.CreatedAt, task.UpdatedAt, task.StartedAt, task.FinishedAt,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入子智能体任务失败")
	}
	return nil
}

const forkColumns = `id, parent_session_id, parent_step_id, child_session_id, goal, context_summary,
        depth, max_steps, timeout_seconds, status, result_summary, steps_executed, tokens_used,
        tools_called, attempts, max_retries, created_at, updated_at, started_at, finished_at`

// GetForkTask 查询子智能体任务。
func (s *SQLStore) GetForkTask(ctx context.Context, id string) (*ForkAgentTask, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+forkColumns+` FROM fork_agent_tasks WHERE id = ?`, id)
	task, err := scanForkTask(row)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return nil, ErrForkTaskNotFound
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询子智能体任务失败")
	}
	return task, nil
}

// UpdateForkTask 更新子智能体任务，状态迁移必须单调。
func (s *SQLStore) UpdateForkTask(ctx context.Context, task *ForkAgentTask) error {
	if task == nil || task.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}
	existing, err := s.GetForkTask(ctx, task.ID)
	if err != nil {
		return err
	}
	if !CanTransitionFork(existing.Status, task.Status) {
		return xerrors.New(xerrors.CodeConflict, "非法的任务状态迁移",
			xerrors.WithMetadata("from", string(existing.Status)),
			xerrors.WithMetadata("to", string(task.Status)))
	}
	const stmt = `UPDATE fork_agent_tasks SET child_session_id = ?, status = ?, result_summary = ?,
        steps_executed = ?, tokens_used = ?, tools_called = ?, attempts = ?, max_retries = ?,
        updated_at = ?, started_at = ?, finished_at = ? WHERE id = ?`
	_, err = s.q.ExecContext(ctx, stmt,
		task.ChildSessionID, task.Status, task.ResultSummary,
		task.StepsExecuted, task.TokensUsed, task.ToolsCalled, task.Attempts, task.MaxRetries,
		time.Now().Unix(), task.StartedAt, task.FinishedAt, task.ID,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新子智能体任务失败")
	}
	return nil
}

// ListForkTasks 返回某个父会话派生的全部任务。
func (s *SQLStore) ListForkTasks(ctx context.Context, parentSessionID string) ([]*ForkAgentTask, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+forkColumns+` FROM fork_agent_tasks WHERE parent_session_id = ? ORDER BY created_at ASC, id ASC`,
		parentSessionID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询子智能体任务失败")
	}
	defer rows.Close()
	results := make([]*ForkAgentTask, 0, 4)
	for rows.Next() {
		task, err := scanForkTask(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析子智能体任务行失败")
		}
		results = append(results, task)
	}
	return results, rows.Err()
}

// Transaction 在单个数据库事务内执行 fn。事务内再嵌套调用时直接复用当前事务。
func (s *SQLStore) Transaction(ctx context.Context, fn func(Store) error) error {
	if s.db == nil {
		return fn(s)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启事务失败")
	}
	txStore := &SQLStore{q: tx}
	if err := fn(txStore); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交事务失败")
	}
	return nil
}

// Close 关闭底层连接。
func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStep(row rowScanner) (*Step, error) {
	var step Step
	var params sql.NullString
	err := row.Scan(&step.ID, &step.SessionID, &step.Number, &step.Kind, &step.Reasoning,
		&step.ToolName, &params, &step.Prompt, &step.RawResponse,
		&step.Result, &step.Status, &step.Discarded, &step.Parallel,
		&step.WaitStrategy, &step.ForkTaskID, &step.LastError,
		&step.StartedAt, &step.FinishedAt, &step.CreatedAt, &step.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := unmarshalJSON(params, &step.ToolParams); err != nil {
		return nil, err
	}
	return &step, nil
}

func scanForkTask(row rowScanner) (*ForkAgentTask, error) {
	var task ForkAgentTask
	err := row.Scan(&task.ID, &task.ParentSessionID, &task.ParentStepID, &task.ChildSessionID,
		&task.Goal, &task.ContextSummary, &task.Depth, &task.MaxSteps, &task.TimeoutSeconds,
		&task.Status, &task.ResultSummary, &task.StepsExecuted, &task.TokensUsed,
		&task.ToolsCalled, &task.Attempts, &task.MaxRetries,
		&task.CreatedAt, &task.UpdatedAt, &task.StartedAt, &task.FinishedAt)
	if err != nil {
		return nil, err
	}
	return &task, nil
}

func ensureAffected(result sql.Result, missing error) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return nil
	}
	if affected == 0 {
		return missing
	}
	return nil
}

func marshalJSON(value any) (sql.NullString, error) {
	switch v := value.(type) {
	case map[string]any:
		if v == nil {
			return sql.NullString{}, nil
		}
	case []string:
		if v == nil {
			return sql.NullString{}, nil
		}
	case nil:
		return sql.NullString{}, nil
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(encoded), Valid: true}, nil
}

func unmarshalJSON(value sql.NullString, target any) error {
	if !value.Valid || value.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(value.String), target)
}
