package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"AgentLoop/internal/action"
	xerrors "AgentLoop/internal/errors"
	"AgentLoop/internal/governor"
	"AgentLoop/internal/knowledge"
	"AgentLoop/internal/llm"
	"AgentLoop/internal/state"
	"AgentLoop/internal/tool"
	"AgentLoop/pkg/logger"
)

// Config 控制会话执行循环。
type Config struct {
	// MaxSteps 是根会话的步数上限。
	MaxSteps int
	// ParseRetryBudget 是一次迭代内允许的解析重试次数。
	ParseRetryBudget int
	// KnowledgeLimit 是注入提示词的知识条目上限。
	KnowledgeLimit int
	// Model / Temperature 透传给模型客户端。
	Model       string
	Temperature float32
}

func (c *Config) applyDefaults() {
	if c.MaxSteps <= 0 {
		c.MaxSteps = 50
	}
	if c.ParseRetryBudget < 0 {
		c.ParseRetryBudget = 0
	} else if c.ParseRetryBudget == 0 {
		c.ParseRetryBudget = 1
	}
	if c.KnowledgeLimit <= 0 {
		c.KnowledgeLimit = 3
	}
}

// Scheduler 驱动会话的执行循环：构建提示、调用模型、解析动作、
// 分发执行并记录步骤。停止请求只在步骤边界生效。
type Scheduler struct {
	store state.Store
	model llm.Client
	tools *tool.Registry
	gov   *governor.Governor
	know  knowledge.Provider
	stops *StopController
	forks *ForkManager
	emit  Sink
	cfg   Config
	log   *slog.Logger
}

// NewScheduler 创建调度器并把自身注册为子会话执行器。
// know 与 gov 允许为 nil。
func NewScheduler(store state.Store, model llm.Client, tools *tool.Registry, gov *governor.Governor,
	know knowledge.Provider, stops *StopController, forks *ForkManager, emit Sink, cfg Config) *Scheduler {
	cfg.applyDefaults()
	if emit == nil {
		emit = func(Event) {}
	}
	s := &Scheduler{
		store: store,
		model: model,
		tools: tools,
		gov:   gov,
		know:  know,
		stops: stops,
		forks: forks,
		emit:  emit,
		cfg:   cfg,
		log:   logger.Named("scheduler"),
	}
	if forks != nil {
		forks.SetRunner(s.RunSession)
	}
	return s
}

// CreateSession 创建一个根会话。
func (s *Scheduler) CreateSession(ctx context.Context, goal string, autonomous bool) (*state.Session, error) {
	if strings.TrimSpace(goal) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "目标不能为空")
	}
	now := time.Now().Unix()
	sess := &state.Session{
		ID:         uuid.NewString(),
		Goal:       goal,
		Status:     state.SessionActive,
		Autonomous: autonomous,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.CreateSession(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Resume 把用户回答写回最近一个等待输入的步骤，之后会话可重新执行。
func (s *Scheduler) Resume(ctx context.Context, sessionID, answer string) error {
	steps, err := s.store.ListSteps(ctx, sessionID, false)
	if err != nil {
		return err
	}
	for i := len(steps) - 1; i >= 0; i-- {
		step := steps[i]
		if step.Kind == string(action.KindAskUser) && step.Result == "" {
			now := time.Now().Unix()
			step.Result = answer
			step.Status = state.StepCompleted
			step.FinishedAt = now
			step.UpdatedAt = now
			return s.store.UpdateStep(ctx, step)
		}
	}
	return xerrors.New(xerrors.CodeConflict, "会话没有等待回答的提问")
}

// RunSession 执行会话直到终态、提问暂停或停止请求。
// 同一会话的并发执行由 Running 标记挡掉。
func (s *Scheduler) RunSession(ctx context.Context, sessionID string) error {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if state.IsTerminalSession(sess.Status) {
		return nil
	}
	if sess.Running {
		return xerrors.New(xerrors.CodeConflict, "会话正在执行中")
	}
	sess.Running = true
	sess.UpdatedAt = time.Now().Unix()
	if err := s.store.UpdateSession(ctx, sess); err != nil {
		return err
	}
	defer func() {
		if latest, err := s.store.GetSession(context.Background(), sessionID); err == nil && latest.Running {
			latest.Running = false
			latest.UpdatedAt = time.Now().Unix()
			_ = s.store.UpdateSession(context.Background(), latest)
		}
	}()

	ctx, unbind := s.stops.Bind(ctx, sessionID)
	defer unbind()

	s.emit(Event{Kind: EventSessionStarted, SessionID: sessionID, Detail: sess.Goal}.withTime())

	maxSteps := s.cfg.MaxSteps
	if sess.Depth > 0 {
		if task := s.findForkTask(ctx, sess); task != nil && task.MaxSteps > 0 {
			maxSteps = task.MaxSteps
		}
	}

	parseRetries := 0
	parseHint := ""
	for {
		if err := ctx.Err(); err != nil {
			if _, ok := s.stops.Pending(sessionID); ok {
				return s.finishStopped(sessionID)
			}
			return err
		}
		if _, ok := s.stops.Pending(sessionID); ok {
			return s.finishStopped(sessionID)
		}

		steps, err := s.store.ListSteps(ctx, sessionID, false)
		if err != nil {
			return err
		}
		if len(steps) >= maxSteps {
			return s.failSession(sessionID, xerrors.New(xerrors.CodeConflict,
				fmt.Sprintf("步数达到上限 %d", maxSteps)))
		}
		if last := lastStep(steps); last != nil && !sess.Autonomous &&
			last.Kind == string(action.KindAskUser) && last.Result == "" {
			// 提问还未得到回答，保持暂停。
			s.emit(Event{Kind: EventSessionAwaiting, SessionID: sessionID, StepNumber: last.Number}.withTime())
			return nil
		}

		sess, err = s.store.GetSession(ctx, sessionID)
		if err != nil {
			return err
		}

		prompt := s.buildPrompt(ctx, sess, steps, parseHint)
		estimated := 0
		if s.gov != nil {
			estimated = llm.EstimateTokens(prompt)
			decision, err := s.gov.ConsumeTokens(ctx, budgetOwner(sess), estimated)
			if err != nil {
				return err
			}
			if !decision.Allowed {
				return s.failSession(sessionID, xerrors.New(xerrors.CodeTokenBudgetExhaust,
					fmt.Sprintf("token 预算耗尽: limit=%d", decision.Limit)))
			}
		}

		resp, err := s.model.Call(ctx, prompt, llm.Options{Model: s.cfg.Model, Temperature: s.cfg.Temperature})
		if err != nil {
			if errors.Is(ctx.Err(), context.Canceled) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
				if _, ok := s.stops.Pending(sessionID); ok {
					return s.finishStopped(sessionID)
				}
				return ctx.Err()
			}
			return s.failSession(sessionID, xerrors.Wrap(xerrors.CodeModelFailure, err, "模型调用失败"))
		}
		if s.gov != nil && resp.TokensUsed > 0 && resp.TokensUsed != estimated {
			// 预算窗口按实际消耗修正，补全部分在预检时还不存在。
			_ = s.gov.RecordTokens(ctx, budgetOwner(sess), resp.TokensUsed-estimated)
		}

		act, parseErr := action.Parse(resp.Text)
		if parseErr != nil {
			s.recordDiscardedParse(ctx, sessionID, prompt, resp.Text, parseErr)
			if parseRetries < s.cfg.ParseRetryBudget {
				parseRetries++
				parseHint = parseErr.Error()
				continue
			}
			return s.failSession(sessionID, parseErr)
		}
		parseRetries = 0
		parseHint = ""

		step, err := s.beginStep(ctx, sess, act, prompt, resp.Text)
		if err != nil {
			return err
		}
		s.emit(Event{Kind: EventStepStarted, SessionID: sessionID, StepNumber: step.Number,
			Detail: string(act.Kind)}.withTime())

		finished, stepErr := s.dispatch(ctx, sess, step, act)
		if act.Kind == action.KindAskUser && stepErr == nil && !sess.Autonomous {
			// 提问步骤保持 running，回答写回时一并收尾。
			s.emit(Event{Kind: EventSessionAwaiting, SessionID: sessionID, StepNumber: step.Number}.withTime())
			return nil
		}
		s.closeStep(ctx, step, stepErr)
		if stepErr != nil {
			s.emit(Event{Kind: EventStepFailed, SessionID: sessionID, StepNumber: step.Number, Err: stepErr}.withTime())
		} else {
			s.emit(Event{Kind: EventStepCompleted, SessionID: sessionID, StepNumber: step.Number}.withTime())
		}
		if finished {
			return nil
		}
	}
}

// dispatch 按动作类型执行。返回 finished=true 表示会话进入终态。
// 工具层面的失败写入步骤记录后让循环继续，模型会在下一轮看到错误。
func (s *Scheduler) dispatch(ctx context.Context, sess *state.Session, step *state.Step, act *action.Action) (bool, error) {
	switch act.Kind {
	case action.KindToolCall:
		return false, s.runToolCall(ctx, sess, step, act.ToolCall)
	case action.KindParallelToolCalls:
		return false, s.runParallel(ctx, step, act.Parallel)
	case action.KindForkRequest:
		return false, s.runFork(ctx, sess, step, act.Fork)
	case action.KindAskUser:
		step.ToolParams = map[string]any{"question": act.AskUser.Question}
		if sess.Autonomous {
			// 自治策略下提问只作记录，不等待回答。
			step.Result = "自治会话继续执行，未等待回答"
		}
		step.UpdatedAt = time.Now().Unix()
		return false, s.store.UpdateStep(ctx, step)
	case action.KindPlan:
		return false, s.runPlan(ctx, sess, step, act.Plan)
	case action.KindFinish:
		return true, s.runFinish(ctx, sess, step, act.Finish)
	default:
		return false, xerrors.New(xerrors.CodeActionUnknown, "未知动作类型: "+string(act.Kind))
	}
}

func (s *Scheduler) runToolCall(ctx context.Context, sess *state.Session, step *state.Step, call *action.ToolCall) error {
	step.ToolName = call.Tool
	step.ToolParams = call.Params
	res, err := s.tools.Invoke(ctx, call.Tool, call.Params)
	if err != nil {
		return err
	}
	s.emit(Event{Kind: EventToolCalled, SessionID: sess.ID, StepNumber: step.Number, Detail: call.Tool}.withTime())
	if !res.Success {
		return xerrors.New(xerrors.CodeToolFailure, res.Error)
	}
	step.Result = res.Output
	return nil
}

// runParallel 并发执行一批工具调用。
// all 策略等全部落定；any 策略在首个调用落定（无论成败）后立即返回，
// 其余调用在后台继续执行并逐个落库。
func (s *Scheduler) runParallel(ctx context.Context, step *state.Step, batch *action.ParallelToolCalls) error {
	step.Parallel = true
	step.WaitStrategy = string(batch.WaitStrategy)

	callCtx := ctx
	if batch.WaitStrategy == action.WaitAny {
		// 落后的调用要在会话继续后完成，不能挂在本轮上下文上。
		callCtx = context.WithoutCancel(ctx)
	}

	type outcome struct {
		call *state.ParallelToolCall
		err  error
	}
	results := make(chan outcome, len(batch.Calls))
	now := time.Now().Unix()

	for _, inv := range batch.Calls {
		record := &state.ParallelToolCall{
			ID:         uuid.NewString(),
			StepID:     step.ID,
			ToolName:   inv.Tool,
			Params:     inv.Params,
			Status:     state.StepRunning,
			MaxRetries: inv.MaxRetries,
			StartedAt:  now,
		}
		if err := s.store.CreateParallelCall(ctx, record); err != nil {
			return err
		}
		go func(rec *state.ParallelToolCall) {
			results <- outcome{call: rec, err: s.runSingleCall(callCtx, rec)}
		}(record)
	}

	if batch.WaitStrategy == action.WaitAny {
		first := <-results
		s.settleParallelCall(ctx, first.call, first.err)
		go func(remaining int) {
			bg := context.Background()
			for i := 0; i < remaining; i++ {
				out := <-results
				s.settleParallelCall(bg, out.call, out.err)
			}
		}(len(batch.Calls) - 1)
		if first.err != nil {
			return first.err
		}
		step.Result = first.call.Result
		return nil
	}

	succeeded := 0
	var summaries []string
	for i := 0; i < len(batch.Calls); i++ {
		out := <-results
		s.settleParallelCall(ctx, out.call, out.err)
		if out.err == nil {
			succeeded++
		}
		summaries = append(summaries, callSummary(out.call))
	}
	step.Result = strings.Join(summaries, "\n")
	if succeeded == 0 {
		return xerrors.New(xerrors.CodeToolFailure, "全部并行调用失败")
	}
	return nil
}

// settleParallelCall 把单个调用的终态写回存储。
// 落库失败只记日志，调用结果本身已经产生。
func (s *Scheduler) settleParallelCall(ctx context.Context, rec *state.ParallelToolCall, callErr error) {
	rec.FinishedAt = time.Now().Unix()
	if callErr != nil {
		rec.Status = state.StepFailed
		rec.LastError = callErr.Error()
	} else {
		rec.Status = state.StepCompleted
		rec.Progress = 100
	}
	if err := s.store.UpdateParallelCall(ctx, rec); err != nil {
		s.log.Error("更新并行调用失败", slog.String("call_id", rec.ID), slog.Any("error", err))
	}
}

// runSingleCall 执行单个并行调用，失败时在重试预算内原地重试。
func (s *Scheduler) runSingleCall(ctx context.Context, rec *state.ParallelToolCall) error {
	var lastErr error
	for attempt := 0; attempt <= rec.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr == nil {
				lastErr = xerrors.New(xerrors.CodeToolFailure, "调用已取消")
			}
			return lastErr
		}
		rec.Attempts = attempt + 1
		res, err := s.tools.Invoke(ctx, rec.ToolName, rec.Params)
		if err != nil {
			lastErr = err
			continue
		}
		if !res.Success {
			lastErr = xerrors.New(xerrors.CodeToolFailure, res.Error)
			continue
		}
		rec.Result = res.Output
		return nil
	}
	return lastErr
}

// runFork 派生子任务。默认只登记任务引用后立即返回，
// 结果通过后续提示词里的任务状态回流；显式 await 时原地阻塞等待终态。
func (s *Scheduler) runFork(ctx context.Context, sess *state.Session, step *state.Step, req *action.ForkRequest) error {
	task, err := s.forks.Fork(ctx, sess, step.ID, *req)
	if err != nil {
		return err
	}
	step.ForkTaskID = task.ID
	if !req.Await {
		step.Result = "子任务已派发: " + task.ID
		return nil
	}
	done, err := s.forks.Wait(ctx, []string{task.ID}, action.WaitAll)
	if err != nil {
		return err
	}
	final := done[0]
	step.Result = final.ResultSummary
	switch final.Status {
	case state.ForkCompleted:
		return nil
	case state.ForkTimeout:
		return xerrors.New(xerrors.CodeForkTimeout, "子任务超时")
	default:
		return xerrors.New(xerrors.CodeToolFailure, "子任务失败: "+final.ResultSummary)
	}
}

func (s *Scheduler) runPlan(ctx context.Context, sess *state.Session, step *state.Step, plan *action.Plan) error {
	now := time.Now().Unix()
	var titles []string
	for i, item := range plan.Items {
		todo := &state.Todo{
			ID:          uuid.NewString(),
			SessionID:   sess.ID,
			OrderIndex:  i,
			Title:       item.Title,
			Description: item.Description,
			DependsOn:   item.DependsOn,
			Status:      state.TodoPending,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := s.store.CreateTodo(ctx, todo); err != nil {
			return err
		}
		titles = append(titles, item.Title)
	}
	step.Result = "已规划 " + strings.Join(titles, "; ")
	return nil
}

func (s *Scheduler) runFinish(ctx context.Context, sess *state.Session, step *state.Step, fin *action.Finish) error {
	if fin.Result != nil {
		if raw, err := json.Marshal(fin.Result); err == nil {
			step.Result = string(raw)
		}
	}
	sess.Status = state.SessionCompleted
	sess.Running = false
	sess.UpdatedAt = time.Now().Unix()
	if err := s.store.UpdateSession(ctx, sess); err != nil {
		return err
	}
	logger.AuditSession(sess.ID).Info("会话完成", slog.String("result", step.Result))
	s.emit(Event{Kind: EventSessionCompleted, SessionID: sess.ID, Detail: step.Result}.withTime())
	return nil
}

func (s *Scheduler) beginStep(ctx context.Context, sess *state.Session, act *action.Action, prompt, raw string) (*state.Step, error) {
	now := time.Now().Unix()
	step := &state.Step{
		ID:          uuid.NewString(),
		SessionID:   sess.ID,
		Kind:        string(act.Kind),
		Reasoning:   act.Reasoning,
		Prompt:      prompt,
		RawResponse: raw,
		Status:      state.StepRunning,
		StartedAt:   now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.CreateStep(ctx, step); err != nil {
		return nil, err
	}
	return step, nil
}

func (s *Scheduler) closeStep(ctx context.Context, step *state.Step, stepErr error) {
	now := time.Now().Unix()
	step.FinishedAt = now
	step.UpdatedAt = now
	if stepErr != nil {
		step.Status = state.StepFailed
		step.LastError = stepErr.Error()
	} else {
		step.Status = state.StepCompleted
	}
	if err := s.store.UpdateStep(ctx, step); err != nil {
		s.log.Error("更新步骤失败", slog.String("step_id", step.ID), slog.Any("error", err))
	}
}

// recordDiscardedParse 把解析失败的响应记成已裁剪的失败步骤，
// 保留现场但不进入后续提示词。
func (s *Scheduler) recordDiscardedParse(ctx context.Context, sessionID, prompt, raw string, parseErr error) {
	now := time.Now().Unix()
	step := &state.Step{
		ID:          uuid.NewString(),
		SessionID:   sessionID,
		Kind:        "unparsed",
		Prompt:      prompt,
		RawResponse: raw,
		Status:      state.StepFailed,
		Discarded:   true,
		LastError:   parseErr.Error(),
		StartedAt:   now,
		FinishedAt:  now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.CreateStep(ctx, step); err != nil {
		s.log.Error("记录解析失败步骤出错", slog.Any("error", err))
	}
}

func (s *Scheduler) failSession(sessionID string, cause error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	sess.Status = state.SessionFailed
	sess.Running = false
	sess.UpdatedAt = time.Now().Unix()
	if err := s.store.UpdateSession(ctx, sess); err != nil {
		return err
	}
	logger.AuditSession(sessionID).Warn("会话失败", slog.Any("error", cause))
	s.emit(Event{Kind: EventSessionFailed, SessionID: sessionID, Err: cause}.withTime())
	return cause
}

// finishStopped 处理停止请求：按需压缩保存上下文，然后置会话为 stopped。
func (s *Scheduler) finishStopped(sessionID string) error {
	req, _ := s.stops.Pending(sessionID)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if req.SaveState {
		sess.Compressing = true
		_ = s.store.UpdateSession(ctx, sess)
		steps, err := s.store.ListSteps(ctx, sessionID, false)
		if err == nil {
			sess.ContextSummary = s.forks.CompressContext(ctx, collectResult(sess, steps))
		}
		sess.Compressing = false
	}
	sess.Status = state.SessionStopped
	sess.Running = false
	sess.UpdatedAt = time.Now().Unix()
	if err := s.store.UpdateSession(ctx, sess); err != nil {
		return err
	}
	s.stops.Confirm(sessionID)
	logger.AuditSession(sessionID).Info("会话停止", slog.Bool("save_state", req.SaveState))
	s.emit(Event{Kind: EventSessionStopped, SessionID: sessionID}.withTime())
	return nil
}

// buildPrompt 汇总目标、知识背景、工具清单与历史步骤。
// 已裁剪步骤不会出现在历史中。
func (s *Scheduler) buildPrompt(ctx context.Context, sess *state.Session, steps []*state.Step, parseHint string) string {
	var sb strings.Builder
	sb.WriteString("你是一个自主执行目标的智能体。\n")
	sb.WriteString("目标: " + sess.Goal + "\n")
	if sess.ContextSummary != "" {
		sb.WriteString("背景: " + sess.ContextSummary + "\n")
	}

	if s.know != nil {
		if entries, err := s.know.Retrieve(ctx, sess.Goal, s.cfg.KnowledgeLimit); err == nil && len(entries) > 0 {
			sb.WriteString("\n相关知识:\n")
			for _, e := range entries {
				sb.WriteString("- " + e.Title + ": " + e.Content + "\n")
			}
		}
	}

	if s.tools != nil {
		metas := s.tools.List()
		if len(metas) > 0 {
			sb.WriteString("\n可用工具:\n")
			for _, m := range metas {
				fmt.Fprintf(&sb, "- %s: %s\n", m.Name, m.Description)
			}
		}
	}

	if len(steps) > 0 {
		sb.WriteString("\n已执行步骤:\n")
		for _, st := range steps {
			fmt.Fprintf(&sb, "%d. [%s]", st.Number, st.Kind)
			if st.ToolName != "" {
				fmt.Fprintf(&sb, " %s", st.ToolName)
			}
			if st.Status == state.StepFailed {
				fmt.Fprintf(&sb, " 失败: %s", st.LastError)
			} else if st.Result != "" {
				fmt.Fprintf(&sb, " 结果: %s", st.Result)
			}
			sb.WriteString("\n")
			if st.ForkTaskID != "" {
				// 未阻塞等待的子任务在这里回流当前状态与摘要。
				if task, err := s.store.GetForkTask(ctx, st.ForkTaskID); err == nil {
					fmt.Fprintf(&sb, "   子任务 %s 状态: %s", task.ID, task.Status)
					if task.ResultSummary != "" {
						fmt.Fprintf(&sb, " 摘要: %s", task.ResultSummary)
					}
					sb.WriteString("\n")
				}
			}
		}
	}

	sb.WriteString("\n请以 <action>{...}</action> 的形式输出下一个动作，JSON 需包含 kind 字段，")
	sb.WriteString("取值为 tool_call、parallel_tool_calls、fork_request、ask_user、plan、finish 之一。\n")
	if parseHint != "" {
		sb.WriteString("上一次输出无法解析: " + parseHint + "，请严格按格式重新输出。\n")
	}
	return sb.String()
}

func (s *Scheduler) findForkTask(ctx context.Context, sess *state.Session) *state.ForkAgentTask {
	tasks, err := s.store.ListForkTasks(ctx, sess.ParentSessionID)
	if err != nil {
		return nil
	}
	for _, t := range tasks {
		if t.ChildSessionID == sess.ID {
			return t
		}
	}
	return nil
}

// budgetOwner 返回 token 预算的记账主体：子会话记在父会话名下。
func budgetOwner(sess *state.Session) string {
	if sess.ParentSessionID != "" {
		return sess.ParentSessionID
	}
	return sess.ID
}

func lastStep(steps []*state.Step) *state.Step {
	if len(steps) == 0 {
		return nil
	}
	return steps[len(steps)-1]
}

func callSummary(c *state.ParallelToolCall) string {
	if c.Status == state.StepCompleted {
		return fmt.Sprintf("%s: %s", c.ToolName, c.Result)
	}
	return fmt.Sprintf("%s 失败: %s", c.ToolName, c.LastError)
}
