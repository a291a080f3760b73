package state

import (
	"errors"
	"fmt"
	"testing"

	xerrors "AgentLoop/internal/errors"
)

func newSessionFixture(t *testing.T, store *MemoryStore, id string) *Session {
	t.Helper()
	sess := &Session{ID: id, Goal: "目标", Status: SessionActive}
	if err := store.CreateSession(t.Context(), sess); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	return sess
}

func TestStepNumbersContiguous(t *testing.T) {
	store := NewMemoryStore()
	ctx := t.Context()
	newSessionFixture(t, store, "s1")

	// 自动分配从 1 开始连续编号。
	for i := 1; i <= 3; i++ {
		step := &Step{ID: fmt.Sprintf("step-%d", i), SessionID: "s1", Kind: "tool_call", Status: StepRunning}
		if err := store.CreateStep(ctx, step); err != nil {
			t.Fatalf("CreateStep: %v", err)
		}
		if step.Number != i {
			t.Fatalf("Number = %d, want %d", step.Number, i)
		}
	}

	// 显式编号必须正好是下一个。
	if err := store.CreateStep(ctx, &Step{ID: "gap", SessionID: "s1", Number: 6}); !errors.Is(err, ErrStepNumberConflict) {
		t.Fatalf("跳号应被拒绝, got %v", err)
	}
	if err := store.CreateStep(ctx, &Step{ID: "dup", SessionID: "s1", Number: 2}); !errors.Is(err, ErrStepNumberConflict) {
		t.Fatalf("回填旧编号应被拒绝, got %v", err)
	}

	next, err := store.NextStepNumber(ctx, "s1")
	if err != nil || next != 4 {
		t.Fatalf("NextStepNumber = %d, %v", next, err)
	}

	// 编号序列按会话隔离。
	newSessionFixture(t, store, "s2")
	step := &Step{ID: "other", SessionID: "s2"}
	if err := store.CreateStep(ctx, step); err != nil || step.Number != 1 {
		t.Fatalf("独立会话首步编号 = %d, %v", step.Number, err)
	}
}

func TestTerminalStepOnlyDiscardedFlips(t *testing.T) {
	store := NewMemoryStore()
	ctx := t.Context()
	newSessionFixture(t, store, "s1")

	step := &Step{ID: "st", SessionID: "s1", Kind: "tool_call", Status: StepCompleted, Result: "42"}
	if err := store.CreateStep(ctx, step); err != nil {
		t.Fatalf("CreateStep: %v", err)
	}

	// 终态步骤的结果不可改写。
	mutated := *step
	mutated.Result = "篡改"
	if err := store.UpdateStep(ctx, &mutated); xerrors.CodeOf(err) != xerrors.CodeConflict {
		t.Fatalf("终态步骤改写应冲突, got %v", err)
	}

	// discarded 标记可以翻转。
	flip := *step
	flip.Discarded = true
	if err := store.UpdateStep(ctx, &flip); err != nil {
		t.Fatalf("翻转 discarded: %v", err)
	}

	visible, _ := store.ListSteps(ctx, "s1", false)
	all, _ := store.ListSteps(ctx, "s1", true)
	if len(visible) != 0 || len(all) != 1 {
		t.Fatalf("裁剪过滤错误: visible=%d all=%d", len(visible), len(all))
	}
	if all[0].Result != "42" {
		t.Fatalf("裁剪不应改动结果: %q", all[0].Result)
	}
}

func TestForkStatusMonotonic(t *testing.T) {
	store := NewMemoryStore()
	ctx := t.Context()

	task := &ForkAgentTask{ID: "f1", ParentSessionID: "p", Goal: "g", Status: ForkPending}
	if err := store.CreateForkTask(ctx, task); err != nil {
		t.Fatalf("CreateForkTask: %v", err)
	}

	task.Status = ForkRunning
	if err := store.UpdateForkTask(ctx, task); err != nil {
		t.Fatalf("pending→running: %v", err)
	}
	task.Status = ForkCompleted
	if err := store.UpdateForkTask(ctx, task); err != nil {
		t.Fatalf("running→completed: %v", err)
	}

	// 终态不可回退。
	for _, to := range []ForkStatus{ForkPending, ForkRunning, ForkFailed} {
		attempt := *task
		attempt.Status = to
		if err := store.UpdateForkTask(ctx, &attempt); xerrors.CodeOf(err) != xerrors.CodeConflict {
			t.Fatalf("completed→%s 应被拒绝, got %v", to, err)
		}
	}

	// running 可以超时。
	t2 := &ForkAgentTask{ID: "f2", ParentSessionID: "p", Goal: "g", Status: ForkPending}
	_ = store.CreateForkTask(ctx, t2)
	t2.Status = ForkRunning
	_ = store.UpdateForkTask(ctx, t2)
	t2.Status = ForkTimeout
	if err := store.UpdateForkTask(ctx, t2); err != nil {
		t.Fatalf("running→timeout: %v", err)
	}
}

func TestSessionSoftDelete(t *testing.T) {
	store := NewMemoryStore()
	ctx := t.Context()
	newSessionFixture(t, store, "s1")

	if err := store.DeleteSession(ctx, "s1"); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	sess, err := store.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("软删除后会话应仍可读: %v", err)
	}
	if !sess.Deleted {
		t.Fatal("Deleted 标记未置位")
	}
	if err := store.DeleteSession(ctx, "missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("删除缺失会话 = %v", err)
	}
}

func TestParallelCallRetryCap(t *testing.T) {
	store := NewMemoryStore()
	ctx := t.Context()

	call := &ParallelToolCall{ID: "c1", StepID: "st", ToolName: "calculator", Status: StepRunning, MaxRetries: 2}
	if err := store.CreateParallelCall(ctx, call); err != nil {
		t.Fatalf("CreateParallelCall: %v", err)
	}

	call.Attempts = 2
	if err := store.UpdateParallelCall(ctx, call); err != nil {
		t.Fatalf("上限内重试: %v", err)
	}
	call.Attempts = 3
	if err := store.UpdateParallelCall(ctx, call); xerrors.CodeOf(err) != xerrors.CodeConflict {
		t.Fatalf("超过重试上限应冲突, got %v", err)
	}
}

func TestStoreClonesOnReadWrite(t *testing.T) {
	store := NewMemoryStore()
	ctx := t.Context()
	newSessionFixture(t, store, "s1")

	params := map[string]any{"a": 1}
	step := &Step{ID: "st", SessionID: "s1", Kind: "tool_call", Status: StepRunning, ToolParams: params}
	if err := store.CreateStep(ctx, step); err != nil {
		t.Fatalf("CreateStep: %v", err)
	}
	// 调用方修改自己的 map 不应影响存储内的副本。
	params["a"] = 999

	got, err := store.GetStep(ctx, "st")
	if err != nil {
		t.Fatalf("GetStep: %v", err)
	}
	if got.ToolParams["a"] != 1 {
		t.Fatalf("存储未做深拷贝: %v", got.ToolParams)
	}
}

func TestTodosOrdered(t *testing.T) {
	store := NewMemoryStore()
	ctx := t.Context()

	for i, id := range []string{"b", "a", "c"} {
		todo := &Todo{ID: id, SessionID: "s1", OrderIndex: 2 - i, Title: id, Status: TodoPending}
		if err := store.CreateTodo(ctx, todo); err != nil {
			t.Fatalf("CreateTodo: %v", err)
		}
	}
	todos, err := store.ListTodos(ctx, "s1")
	if err != nil {
		t.Fatalf("ListTodos: %v", err)
	}
	for i, todo := range todos {
		if todo.OrderIndex != i {
			t.Fatalf("排序错误: %+v", todos)
		}
	}
}
