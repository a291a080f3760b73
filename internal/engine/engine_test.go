package engine

import (
	"context"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"AgentLoop/internal/action"
	"AgentLoop/internal/cache"
	xerrors "AgentLoop/internal/errors"
	"AgentLoop/internal/governor"
	"AgentLoop/internal/llm"
	"AgentLoop/internal/queue"
	"AgentLoop/internal/state"
	"AgentLoop/internal/tool"
)

type testEngine struct {
	store    *state.MemoryStore
	fake     *llm.FakeClient
	registry *tool.Registry
	stops    *StopController
	forks    *ForkManager
	sched    *Scheduler
	bus      chan Event
}

func newTestEngine(t *testing.T, turns ...llm.FakeTurn) *testEngine {
	t.Helper()
	store := state.NewMemoryStore()
	fake := llm.NewFakeClient(turns...)
	registry := tool.NewRegistry()
	registry.Register(tool.NewCalculator())
	stops := NewStopController()
	bus := make(chan Event, 128)
	emit := ChannelSink(bus)
	forks := NewForkManager(store, nil, nil, emit, ForkConfig{PollInterval: 10 * time.Millisecond})
	sched := NewScheduler(store, fake, registry, nil, nil, stops, forks, emit, Config{MaxSteps: 10})
	return &testEngine{store: store, fake: fake, registry: registry, stops: stops, forks: forks, sched: sched, bus: bus}
}

func actionText(body string) llm.FakeTurn {
	return llm.FakeTurn{Text: "<action>" + body + "</action>"}
}

func TestRunSessionCalculatorEndToEnd(t *testing.T) {
	e := newTestEngine(t,
		actionText(`{"kind":"tool_call","reasoning":"先算乘法","tool":"calculator","params":{"operation":"multiply","a":15,"b":8}}`),
		actionText(`{"kind":"tool_call","reasoning":"再加常数","tool":"calculator","params":{"operation":"add","a":120,"b":42}}`),
		actionText(`{"kind":"finish","result":{"answer":162}}`),
	)
	ctx := context.Background()

	sess, err := e.sched.CreateSession(ctx, "计算 15*8 再加 42", true)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := e.sched.RunSession(ctx, sess.ID); err != nil {
		t.Fatalf("RunSession: %v", err)
	}

	final, err := e.store.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if final.Status != state.SessionCompleted {
		t.Fatalf("Status = %s, want completed", final.Status)
	}
	if final.Running {
		t.Fatal("完成后 Running 应为 false")
	}

	steps, err := e.store.ListSteps(ctx, sess.ID, false)
	if err != nil {
		t.Fatalf("ListSteps: %v", err)
	}
	if len(steps) != 3 {
		t.Fatalf("步骤数 = %d, want 3", len(steps))
	}
	for i, st := range steps {
		if st.Number != i+1 {
			t.Fatalf("步骤编号不连续: %d 处为 %d", i, st.Number)
		}
		if st.Status != state.StepCompleted {
			t.Fatalf("步骤 %d 状态 = %s", st.Number, st.Status)
		}
	}
	if steps[0].Result != "120" {
		t.Fatalf("步骤 1 结果 = %q, want 120", steps[0].Result)
	}
	if steps[1].Result != "162" {
		t.Fatalf("步骤 2 结果 = %q, want 162", steps[1].Result)
	}
	if steps[2].Kind != string(action.KindFinish) {
		t.Fatalf("末步类型 = %s, want finish", steps[2].Kind)
	}
	if !strings.Contains(steps[2].Result, "162") {
		t.Fatalf("终止结果 = %q", steps[2].Result)
	}
	if e.fake.Calls() != 3 {
		t.Fatalf("模型调用次数 = %d, want 3", e.fake.Calls())
	}
	// 失败的工具结果应反馈给下一轮提示（此处全部成功，提示里应有历史）。
	prompts := e.fake.Prompts()
	if !strings.Contains(prompts[1], "120") {
		t.Fatal("第二轮提示应包含第一步结果")
	}
}

func TestRunSessionParseRetryThenFail(t *testing.T) {
	e := newTestEngine(t,
		llm.FakeTurn{Text: "我想先说点别的"},
		llm.FakeTurn{Text: "还是不输出动作"},
	)
	ctx := context.Background()

	sess, _ := e.sched.CreateSession(ctx, "测试解析重试", true)
	err := e.sched.RunSession(ctx, sess.ID)
	if xerrors.CodeOf(err) != xerrors.CodeActionMalformed {
		t.Fatalf("重试预算耗尽应返回解析错误, got %v", err)
	}

	final, _ := e.store.GetSession(ctx, sess.ID)
	if final.Status != state.SessionFailed {
		t.Fatalf("Status = %s, want failed", final.Status)
	}
	// 重试提示应携带上一次的解析错误。
	prompts := e.fake.Prompts()
	if len(prompts) != 2 {
		t.Fatalf("模型调用次数 = %d, want 2", len(prompts))
	}
	if !strings.Contains(prompts[1], "无法解析") {
		t.Fatal("重试提示应包含解析失败说明")
	}

	// 解析失败的步骤保留存档但被裁剪。
	all, _ := e.store.ListSteps(ctx, sess.ID, true)
	visible, _ := e.store.ListSteps(ctx, sess.ID, false)
	if len(all) != 2 || len(visible) != 0 {
		t.Fatalf("步骤数 all=%d visible=%d, want 2/0", len(all), len(visible))
	}
}

func TestRunSessionParseRetryRecovers(t *testing.T) {
	e := newTestEngine(t,
		llm.FakeTurn{Text: "格式不对"},
		actionText(`{"kind":"finish","result":"ok"}`),
	)
	ctx := context.Background()

	sess, _ := e.sched.CreateSession(ctx, "测试解析恢复", true)
	if err := e.sched.RunSession(ctx, sess.ID); err != nil {
		t.Fatalf("RunSession: %v", err)
	}
	final, _ := e.store.GetSession(ctx, sess.ID)
	if final.Status != state.SessionCompleted {
		t.Fatalf("Status = %s, want completed", final.Status)
	}
}

func TestRunSessionToolFailureContinues(t *testing.T) {
	e := newTestEngine(t,
		actionText(`{"kind":"tool_call","tool":"calculator","params":{"operation":"divide","a":1,"b":0}}`),
		actionText(`{"kind":"finish","result":"跳过除零"}`),
	)
	ctx := context.Background()

	sess, _ := e.sched.CreateSession(ctx, "除零后继续", true)
	if err := e.sched.RunSession(ctx, sess.ID); err != nil {
		t.Fatalf("RunSession: %v", err)
	}

	steps, _ := e.store.ListSteps(ctx, sess.ID, false)
	if len(steps) != 2 {
		t.Fatalf("步骤数 = %d, want 2", len(steps))
	}
	if steps[0].Status != state.StepFailed || steps[0].LastError == "" {
		t.Fatalf("失败步骤记录不完整: %+v", steps[0])
	}
	// 失败信息要进入下一轮提示。
	if !strings.Contains(e.fake.Prompts()[1], "失败") {
		t.Fatal("下一轮提示应包含失败信息")
	}
}

func TestRunSessionParallelAll(t *testing.T) {
	e := newTestEngine(t,
		actionText(`{"kind":"parallel_tool_calls","wait_strategy":"all","calls":[
			{"tool":"calculator","params":{"operation":"add","a":1,"b":2}},
			{"tool":"calculator","params":{"operation":"multiply","a":3,"b":4}}
		]}`),
		actionText(`{"kind":"finish","result":"done"}`),
	)
	ctx := context.Background()

	sess, _ := e.sched.CreateSession(ctx, "并行计算", true)
	if err := e.sched.RunSession(ctx, sess.ID); err != nil {
		t.Fatalf("RunSession: %v", err)
	}

	steps, _ := e.store.ListSteps(ctx, sess.ID, false)
	parallelStep := steps[0]
	if !parallelStep.Parallel || parallelStep.WaitStrategy != "all" {
		t.Fatalf("并行步骤标记错误: %+v", parallelStep)
	}
	if !strings.Contains(parallelStep.Result, "3") || !strings.Contains(parallelStep.Result, "12") {
		t.Fatalf("聚合结果 = %q", parallelStep.Result)
	}

	calls, err := e.store.ListParallelCalls(ctx, parallelStep.ID)
	if err != nil {
		t.Fatalf("ListParallelCalls: %v", err)
	}
	if len(calls) != 2 {
		t.Fatalf("并行调用记录数 = %d, want 2", len(calls))
	}
	for _, c := range calls {
		if c.Status != state.StepCompleted {
			t.Fatalf("调用 %s 状态 = %s", c.ID, c.Status)
		}
	}
}

func TestRunSessionAskUserPausesAndResumes(t *testing.T) {
	e := newTestEngine(t,
		actionText(`{"kind":"ask_user","question":"用哪个环境?"}`),
		actionText(`{"kind":"finish","result":"用生产环境完成"}`),
	)
	ctx := context.Background()

	sess, _ := e.sched.CreateSession(ctx, "需要确认的任务", false)
	if err := e.sched.RunSession(ctx, sess.ID); err != nil {
		t.Fatalf("RunSession: %v", err)
	}

	final, _ := e.store.GetSession(ctx, sess.ID)
	if final.Status != state.SessionActive {
		t.Fatalf("提问后会话应保持 active, got %s", final.Status)
	}

	// 未回答前再次执行不应消耗模型调用。
	if err := e.sched.RunSession(ctx, sess.ID); err != nil {
		t.Fatalf("RunSession(暂停中): %v", err)
	}
	if e.fake.Calls() != 1 {
		t.Fatalf("暂停期间模型调用次数 = %d, want 1", e.fake.Calls())
	}

	if err := e.sched.Resume(ctx, sess.ID, "生产环境"); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if err := e.sched.RunSession(ctx, sess.ID); err != nil {
		t.Fatalf("RunSession(恢复后): %v", err)
	}
	final, _ = e.store.GetSession(ctx, sess.ID)
	if final.Status != state.SessionCompleted {
		t.Fatalf("恢复后应完成, got %s", final.Status)
	}
}

func TestRunSessionAutonomousAskUserContinues(t *testing.T) {
	e := newTestEngine(t,
		actionText(`{"kind":"ask_user","question":"要继续吗?"}`),
		actionText(`{"kind":"finish","result":"自行继续完成"}`),
	)
	ctx := context.Background()

	sess, _ := e.sched.CreateSession(ctx, "自治提问", true)
	if err := e.sched.RunSession(ctx, sess.ID); err != nil {
		t.Fatalf("RunSession: %v", err)
	}

	// 自治会话的提问只作记录，不暂停执行。
	final, _ := e.store.GetSession(ctx, sess.ID)
	if final.Status != state.SessionCompleted {
		t.Fatalf("Status = %s, want completed", final.Status)
	}
	if e.fake.Calls() != 2 {
		t.Fatalf("模型调用次数 = %d, want 2", e.fake.Calls())
	}

	steps, _ := e.store.ListSteps(ctx, sess.ID, false)
	if len(steps) != 2 {
		t.Fatalf("步骤数 = %d, want 2", len(steps))
	}
	ask := steps[0]
	if ask.Kind != string(action.KindAskUser) || ask.Status != state.StepCompleted {
		t.Fatalf("提问步骤未收尾: %+v", ask)
	}
	if q, _ := ask.ToolParams["question"].(string); q != "要继续吗?" {
		t.Fatalf("提问内容 = %q", q)
	}
	if ask.Result == "" {
		t.Fatal("自治提问步骤应写入说明性结果")
	}
}

// blockingTool 挂在通道上直到被放行，模拟落后的并行调用。
type blockingTool struct {
	release chan struct{}
}

func (b *blockingTool) Metadata() tool.Metadata {
	return tool.Metadata{Name: "blocker", Description: "测试用阻塞工具"}
}

func (b *blockingTool) Invoke(ctx context.Context, _ map[string]any) (*tool.Result, error) {
	select {
	case <-b.release:
		return &tool.Result{Success: true, Output: "迟到的结果"}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestRunSessionParallelAnyReturnsOnFirstSettle(t *testing.T) {
	e := newTestEngine(t,
		actionText(`{"kind":"parallel_tool_calls","wait_strategy":"any","calls":[
			{"tool":"calculator","params":{"operation":"add","a":1,"b":2}},
			{"tool":"blocker","params":{}}
		]}`),
		actionText(`{"kind":"finish","result":"done"}`),
	)
	release := make(chan struct{})
	e.registry.Register(&blockingTool{release: release})
	ctx := context.Background()

	sess, _ := e.sched.CreateSession(ctx, "any 策略", true)
	if err := e.sched.RunSession(ctx, sess.ID); err != nil {
		t.Fatalf("RunSession: %v", err)
	}

	// 首个调用落定后会话立即继续，不等落后者。
	final, _ := e.store.GetSession(ctx, sess.ID)
	if final.Status != state.SessionCompleted {
		t.Fatalf("Status = %s, want completed", final.Status)
	}
	steps, _ := e.store.ListSteps(ctx, sess.ID, false)
	if steps[0].Result != "3" {
		t.Fatalf("any 步骤结果 = %q, want 3", steps[0].Result)
	}

	// 落后的调用在后台完成并落库。
	close(release)
	deadline := time.Now().Add(2 * time.Second)
	for {
		calls, err := e.store.ListParallelCalls(ctx, steps[0].ID)
		if err != nil {
			t.Fatalf("ListParallelCalls: %v", err)
		}
		settled := 0
		for _, c := range calls {
			if c.Status == state.StepCompleted || c.Status == state.StepFailed {
				settled++
			}
		}
		if settled == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("落后调用未落库: %+v", calls)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestForkWithoutAwaitContinues(t *testing.T) {
	store := state.NewMemoryStore()
	fake := llm.NewFakeClient(
		actionText(`{"kind":"fork_request","sub_goal":"后台收集数据"}`),
		actionText(`{"kind":"finish","result":"主线完成"}`),
	)
	stops := NewStopController()
	// 队列化派生：任务只入队，留给外部消费者执行。
	forks := NewForkManager(store, queue.NewMemoryQueue(4), nil, nil, ForkConfig{PollInterval: 10 * time.Millisecond})
	sched := NewScheduler(store, fake, tool.NewRegistry(), nil, nil, stops, forks, nil, Config{MaxSteps: 10})
	ctx := context.Background()

	sess, _ := sched.CreateSession(ctx, "派而不等", true)
	if err := sched.RunSession(ctx, sess.ID); err != nil {
		t.Fatalf("RunSession: %v", err)
	}

	final, _ := store.GetSession(ctx, sess.ID)
	if final.Status != state.SessionCompleted {
		t.Fatalf("Status = %s, want completed", final.Status)
	}
	if fake.Calls() != 2 {
		t.Fatalf("模型调用次数 = %d, want 2", fake.Calls())
	}

	steps, _ := store.ListSteps(ctx, sess.ID, false)
	forkStep := steps[0]
	if forkStep.Status != state.StepCompleted || forkStep.ForkTaskID == "" {
		t.Fatalf("派生步骤应立即收尾并关联任务: %+v", forkStep)
	}
	if !strings.Contains(forkStep.Result, forkStep.ForkTaskID) {
		t.Fatalf("派生步骤结果应含任务引用: %q", forkStep.Result)
	}

	tasks, _ := store.ListForkTasks(ctx, sess.ID)
	if len(tasks) != 1 || tasks[0].Status != state.ForkPending {
		t.Fatalf("未执行的任务应保持 pending: %+v", tasks)
	}

	// 后续提示词回流子任务状态。
	if !strings.Contains(fake.Prompts()[1], string(state.ForkPending)) {
		t.Fatal("第二轮提示应包含子任务状态")
	}
}

func TestRunSessionTokenBudgetCountsActualUsage(t *testing.T) {
	store := state.NewMemoryStore()
	fake := llm.NewFakeClient(
		llm.FakeTurn{
			Text:       `<action>{"kind":"tool_call","tool":"calculator","params":{"operation":"add","a":1,"b":1}}</action>`,
			TokensUsed: 1999,
		},
		actionText(`{"kind":"finish","result":"不应执行到这"}`),
	)
	registry := tool.NewRegistry()
	registry.Register(tool.NewCalculator())
	gov := governor.New(cache.NewMemoryCache(), governor.Config{TokenMax: 2000, TokenWindow: time.Minute})
	stops := NewStopController()
	forks := NewForkManager(store, nil, nil, nil, ForkConfig{})
	sched := NewScheduler(store, fake, registry, gov, nil, stops, forks, nil, Config{MaxSteps: 10})
	ctx := context.Background()

	sess, _ := sched.CreateSession(ctx, "预算按实际消耗记账", true)
	err := sched.RunSession(ctx, sess.ID)
	if xerrors.CodeOf(err) != xerrors.CodeTokenBudgetExhaust {
		t.Fatalf("实际消耗吃满预算后应拒绝下一轮, got %v", err)
	}
	if fake.Calls() != 1 {
		t.Fatalf("模型调用次数 = %d, want 1", fake.Calls())
	}
	final, _ := store.GetSession(ctx, sess.ID)
	if final.Status != state.SessionFailed {
		t.Fatalf("Status = %s, want failed", final.Status)
	}
}

func TestCompressContextKeepsRuneBoundary(t *testing.T) {
	forks := NewForkManager(state.NewMemoryStore(), nil, nil, nil, ForkConfig{SummaryLimit: 16})
	ctx := context.Background()

	out := forks.CompressContext(ctx, strings.Repeat("汉字边界测试", 20))
	if !utf8.ValidString(out) {
		t.Fatal("截断结果包含不完整字符")
	}
	if utf8.RuneCountInString(out) != 16 {
		t.Fatalf("截断长度 = %d, want 16", utf8.RuneCountInString(out))
	}

	if got := forks.CompressContext(ctx, "短文本"); got != "短文本" {
		t.Fatalf("未超限文本应原样返回: %q", got)
	}
}

func TestRunSessionPlanCreatesTodos(t *testing.T) {
	e := newTestEngine(t,
		actionText(`{"kind":"plan","items":[
			{"title":"调研","description":"收集资料"},
			{"title":"实施","depends_on":["调研"]}
		]}`),
		actionText(`{"kind":"finish","result":"planned"}`),
	)
	ctx := context.Background()

	sess, _ := e.sched.CreateSession(ctx, "规划任务", true)
	if err := e.sched.RunSession(ctx, sess.ID); err != nil {
		t.Fatalf("RunSession: %v", err)
	}

	todos, err := e.store.ListTodos(ctx, sess.ID)
	if err != nil {
		t.Fatalf("ListTodos: %v", err)
	}
	if len(todos) != 2 {
		t.Fatalf("待办数 = %d, want 2", len(todos))
	}
	if todos[1].DependsOn[0] != "调研" {
		t.Fatalf("依赖关系 = %v", todos[1].DependsOn)
	}
}

func TestForkEndToEnd(t *testing.T) {
	e := newTestEngine(t,
		actionText(`{"kind":"fork_request","sub_goal":"子目标: 算 2+3","max_steps":5,"await":true}`),
		// 子会话消耗下面两轮。
		actionText(`{"kind":"tool_call","tool":"calculator","params":{"operation":"add","a":2,"b":3}}`),
		actionText(`{"kind":"finish","result":"子任务结果是 5"}`),
		// 父会话拿到摘要后收尾。
		actionText(`{"kind":"finish","result":"总结完成"}`),
	)
	ctx := context.Background()

	sess, _ := e.sched.CreateSession(ctx, "派生子任务", true)
	if err := e.sched.RunSession(ctx, sess.ID); err != nil {
		t.Fatalf("RunSession: %v", err)
	}

	final, _ := e.store.GetSession(ctx, sess.ID)
	if final.Status != state.SessionCompleted {
		t.Fatalf("父会话状态 = %s, want completed", final.Status)
	}

	tasks, err := e.store.ListForkTasks(ctx, sess.ID)
	if err != nil {
		t.Fatalf("ListForkTasks: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("子任务数 = %d, want 1", len(tasks))
	}
	task := tasks[0]
	if task.Status != state.ForkCompleted {
		t.Fatalf("子任务状态 = %s, want completed", task.Status)
	}
	if !strings.Contains(task.ResultSummary, "5") {
		t.Fatalf("子任务摘要 = %q", task.ResultSummary)
	}
	if task.StepsExecuted != 2 {
		t.Fatalf("子任务步数 = %d, want 2", task.StepsExecuted)
	}

	child, err := e.store.GetSession(ctx, task.ChildSessionID)
	if err != nil {
		t.Fatalf("GetSession(child): %v", err)
	}
	if child.Depth != 1 || child.ParentSessionID != sess.ID {
		t.Fatalf("子会话谱系错误: depth=%d parent=%s", child.Depth, child.ParentSessionID)
	}

	// 父步骤关联了子任务并记录摘要。
	steps, _ := e.store.ListSteps(ctx, sess.ID, false)
	if steps[0].ForkTaskID != task.ID {
		t.Fatal("派生步骤未关联子任务")
	}
}

func TestForkDepthCheckedBeforeWrite(t *testing.T) {
	store := state.NewMemoryStore()
	forks := NewForkManager(store, nil, nil, nil, ForkConfig{MaxDepth: 3})
	ctx := context.Background()

	parent := &state.Session{ID: "deep", Goal: "g", Status: state.SessionActive, Depth: 3}
	if err := store.CreateSession(ctx, parent); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	_, err := forks.Fork(ctx, parent, "step-1", action.ForkRequest{SubGoal: "再深一层"})
	if xerrors.CodeOf(err) != xerrors.CodeForkDepthExceeded {
		t.Fatalf("超深派生应被拒绝, got %v", err)
	}

	// 拒绝发生在任何写入之前。
	tasks, _ := store.ListForkTasks(ctx, parent.ID)
	if len(tasks) != 0 {
		t.Fatalf("超深派生不应留下任务记录: %d", len(tasks))
	}
}

func TestStopBeforeFirstStep(t *testing.T) {
	e := newTestEngine(t,
		actionText(`{"kind":"finish","result":"不应执行到这"}`),
	)
	ctx := context.Background()

	sess, _ := e.sched.CreateSession(ctx, "立即停止", true)
	e.stops.RequestStop(sess.ID, true, false)

	if err := e.sched.RunSession(ctx, sess.ID); err != nil {
		t.Fatalf("RunSession: %v", err)
	}
	final, _ := e.store.GetSession(ctx, sess.ID)
	if final.Status != state.SessionStopped {
		t.Fatalf("Status = %s, want stopped", final.Status)
	}
	if e.fake.Calls() != 0 {
		t.Fatalf("停止的会话不应调用模型, calls=%d", e.fake.Calls())
	}
	if _, ok := e.stops.Pending(sess.ID); ok {
		t.Fatal("停止确认后请求应被清除")
	}
}

func TestStopWithSaveState(t *testing.T) {
	e := newTestEngine(t,
		actionText(`{"kind":"finish","result":"不应执行到这"}`),
	)
	ctx := context.Background()

	sess, _ := e.sched.CreateSession(ctx, "带状态停止", true)
	if err := e.store.CreateStep(ctx, &state.Step{
		ID:        "step-1",
		SessionID: sess.ID,
		Kind:      string(action.KindToolCall),
		ToolName:  "calculator",
		Result:    "120",
		Status:    state.StepCompleted,
	}); err != nil {
		t.Fatalf("CreateStep: %v", err)
	}

	e.stops.RequestStop(sess.ID, true, true)
	if err := e.sched.RunSession(ctx, sess.ID); err != nil {
		t.Fatalf("RunSession: %v", err)
	}

	final, _ := e.store.GetSession(ctx, sess.ID)
	if final.Status != state.SessionStopped {
		t.Fatalf("Status = %s, want stopped", final.Status)
	}
	// 保存状态的停止必须留下上下文摘要。
	if final.ContextSummary == "" {
		t.Fatal("SaveState 停止应写入 ContextSummary")
	}
	if !strings.Contains(final.ContextSummary, "120") {
		t.Fatalf("摘要应包含已完成步骤的结果: %q", final.ContextSummary)
	}
	if final.Compressing {
		t.Fatal("压缩完成后 Compressing 应复位")
	}
	if e.fake.Calls() != 0 {
		t.Fatalf("停止的会话不应调用模型, calls=%d", e.fake.Calls())
	}
}

func TestRunSessionStepCeiling(t *testing.T) {
	turns := make([]llm.FakeTurn, 0, 12)
	for i := 0; i < 12; i++ {
		turns = append(turns, actionText(`{"kind":"tool_call","tool":"calculator","params":{"operation":"add","a":1,"b":1}}`))
	}
	e := newTestEngine(t, turns...)
	ctx := context.Background()

	sess, _ := e.sched.CreateSession(ctx, "永不收敛", true)
	err := e.sched.RunSession(ctx, sess.ID)
	if err == nil {
		t.Fatal("超过步数上限应失败")
	}
	final, _ := e.store.GetSession(ctx, sess.ID)
	if final.Status != state.SessionFailed {
		t.Fatalf("Status = %s, want failed", final.Status)
	}
	steps, _ := e.store.ListSteps(ctx, sess.ID, false)
	if len(steps) != 10 {
		t.Fatalf("步骤数 = %d, want 10", len(steps))
	}
}

func TestRunSessionConcurrentRunRejected(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	sess, _ := e.sched.CreateSession(ctx, "并发保护", true)

	sess.Running = true
	if err := e.store.UpdateSession(ctx, sess); err != nil {
		t.Fatalf("UpdateSession: %v", err)
	}
	if err := e.sched.RunSession(ctx, sess.ID); xerrors.CodeOf(err) != xerrors.CodeConflict {
		t.Fatalf("运行中的会话应拒绝再次执行, got %v", err)
	}
}
