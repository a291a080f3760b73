package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"AgentLoop/internal/action"
	xerrors "AgentLoop/internal/errors"
	"AgentLoop/internal/llm"
	"AgentLoop/internal/queue"
	"AgentLoop/internal/state"
	"AgentLoop/pkg/logger"
)

// ForkConfig 控制子智能体派生的各项上限。
type ForkConfig struct {
	// MaxDepth 是派生链的最大深度，根会话深度为 0。
	MaxDepth int
	// DefaultTimeout 是子任务未指定时的执行超时。
	DefaultTimeout time.Duration
	// DefaultMaxSteps 是子会话未指定时的步数上限。
	DefaultMaxSteps int
	// MaxWorkers 是进程内执行子任务的并发上限，仅在无队列时生效。
	MaxWorkers int
	// PollInterval 是等待子任务完成的轮询间隔。
	PollInterval time.Duration
	// SummaryLimit 是结果摘要的最大字符数，超出时先尝试模型压缩。
	SummaryLimit int
}

func (c *ForkConfig) applyDefaults() {
	if c.MaxDepth <= 0 {
		c.MaxDepth = 3
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 300 * time.Second
	}
	if c.DefaultMaxSteps <= 0 {
		c.DefaultMaxSteps = 20
	}
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = 4
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 200 * time.Millisecond
	}
	if c.SummaryLimit <= 0 {
		c.SummaryLimit = 2000
	}
}

// ErrDepthExceeded 表示派生请求会超出深度上限。
var ErrDepthExceeded = xerrors.New(xerrors.CodeForkDepthExceeded, "派生深度超出上限")

// ForkManager 负责子智能体的派生与回收：创建子会话与任务记录、
// 投递执行、跟踪超时、压缩结果摘要。
// 队列存在时任务投递给外部消费者，否则在进程内的受限工作池执行。
type ForkManager struct {
	store state.Store
	queue queue.Queue
	model llm.Client
	emit  Sink
	cfg   ForkConfig
	log   *slog.Logger

	// runner 执行子会话，在装配阶段由调度器注入。
	runner func(ctx context.Context, sessionID string) error

	sem     chan struct{}
	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// NewForkManager 创建管理器。q 为 nil 时子任务在进程内执行。
func NewForkManager(store state.Store, q queue.Queue, model llm.Client, emit Sink, cfg ForkConfig) *ForkManager {
	cfg.applyDefaults()
	if emit == nil {
		emit = func(Event) {}
	}
	return &ForkManager{
		store:   store,
		queue:   q,
		model:   model,
		emit:    emit,
		cfg:     cfg,
		log:     logger.Named("fork"),
		sem:     make(chan struct{}, cfg.MaxWorkers),
		cancels: make(map[string]context.CancelFunc),
	}
}

// SetRunner 注入子会话执行函数，必须在第一次 Fork 之前完成。
func (f *ForkManager) SetRunner(runner func(ctx context.Context, sessionID string) error) {
	f.runner = runner
}

// Fork 为父会话派生一个子智能体任务。
// 深度校验发生在任何写入之前，超深的请求不会留下半成品记录。
func (f *ForkManager) Fork(ctx context.Context, parent *state.Session, parentStepID string, req action.ForkRequest) (*state.ForkAgentTask, error) {
	if req.SubGoal == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "子目标不能为空")
	}
	childDepth := parent.Depth + 1
	if childDepth > f.cfg.MaxDepth {
		return nil, xerrors.Wrap(xerrors.CodeForkDepthExceeded, ErrDepthExceeded,
			fmt.Sprintf("当前深度 %d, 上限 %d", parent.Depth, f.cfg.MaxDepth))
	}

	maxSteps := req.MaxSteps
	if maxSteps <= 0 || maxSteps > f.cfg.DefaultMaxSteps {
		maxSteps = f.cfg.DefaultMaxSteps
	}
	timeoutSeconds := req.TimeoutSeconds
	if timeoutSeconds <= 0 {
		timeoutSeconds = int(f.cfg.DefaultTimeout / time.Second)
	}

	now := time.Now().Unix()
	child := &state.Session{
		ID:              uuid.NewString(),
		Goal:            req.SubGoal,
		Status:          state.SessionActive,
		Autonomous:      true,
		ParentSessionID: parent.ID,
		Depth:           childDepth,
		ContextSummary:  req.ContextSummary,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := f.store.CreateSession(ctx, child); err != nil {
		return nil, err
	}

	task := &state.ForkAgentTask{
		ID:              uuid.NewString(),
		ParentSessionID: parent.ID,
		ParentStepID:    parentStepID,
		ChildSessionID:  child.ID,
		Goal:            req.SubGoal,
		ContextSummary:  req.ContextSummary,
		Depth:           childDepth,
		MaxSteps:        maxSteps,
		TimeoutSeconds:  timeoutSeconds,
		Status:          state.ForkPending,
		MaxRetries:      1,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := f.store.CreateForkTask(ctx, task); err != nil {
		return nil, err
	}

	f.emit(Event{Kind: EventForkSpawned, SessionID: parent.ID, ForkTaskID: task.ID, Detail: req.SubGoal}.withTime())

	if f.queue != nil {
		if err := f.queue.Enqueue(ctx, task.ID); err != nil {
			return nil, err
		}
		return task, nil
	}

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		f.sem <- struct{}{}
		defer func() { <-f.sem }()
		if err := f.Execute(context.Background(), task.ID); err != nil {
			f.log.Error("子任务执行失败", slog.String("task_id", task.ID), slog.Any("error", err))
		}
	}()
	return task, nil
}

// Execute 执行一个已登记的子任务，由进程内工作池或队列消费者调用。
// 对非 pending 任务直接返回，保证同一任务不会被重复执行。
func (f *ForkManager) Execute(ctx context.Context, taskID string) error {
	task, err := f.store.GetForkTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status != state.ForkPending {
		f.log.Debug("跳过非 pending 任务", slog.String("task_id", taskID), slog.String("status", string(task.Status)))
		return nil
	}
	if f.runner == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "子会话执行器未注入")
	}

	now := time.Now()
	task.Status = state.ForkRunning
	task.Attempts++
	task.StartedAt = now.Unix()
	if err := f.store.UpdateForkTask(ctx, task); err != nil {
		return err
	}

	timeout := time.Duration(task.TimeoutSeconds) * time.Second
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	f.mu.Lock()
	f.cancels[task.ID] = cancel
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		delete(f.cancels, task.ID)
		f.mu.Unlock()
		cancel()
	}()

	runErr := f.runner(runCtx, task.ChildSessionID)
	return f.finalize(ctx, task, runCtx, runErr)
}

// Cancel 取消一个正在执行的子任务。
func (f *ForkManager) Cancel(taskID string) {
	f.mu.Lock()
	cancel := f.cancels[taskID]
	f.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Drain 等待进程内的全部子任务退出，进程关闭时调用。
func (f *ForkManager) Drain() {
	f.wg.Wait()
}

func (f *ForkManager) finalize(ctx context.Context, task *state.ForkAgentTask, runCtx context.Context, runErr error) error {
	child, err := f.store.GetSession(ctx, task.ChildSessionID)
	if err != nil {
		return err
	}
	steps, err := f.store.ListSteps(ctx, task.ChildSessionID, false)
	if err != nil {
		return err
	}
	task.StepsExecuted = len(steps)
	task.ToolsCalled = countToolSteps(steps)
	task.TokensUsed = estimateSessionTokens(steps)
	task.FinishedAt = time.Now().Unix()

	switch {
	case runErr != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded):
		task.Status = state.ForkTimeout
		task.ResultSummary = f.compress(ctx, "任务超时，以下为部分进展:\n"+collectResult(child, steps))
		f.emit(Event{Kind: EventForkFailed, SessionID: task.ParentSessionID, ForkTaskID: task.ID,
			Err: xerrors.New(xerrors.CodeForkTimeout, "子任务超时")}.withTime())
	case runErr != nil:
		task.Status = state.ForkFailed
		task.ResultSummary = runErr.Error()
		f.emit(Event{Kind: EventForkFailed, SessionID: task.ParentSessionID, ForkTaskID: task.ID, Err: runErr}.withTime())
	case child.Status == state.SessionFailed:
		task.Status = state.ForkFailed
		task.ResultSummary = f.compress(ctx, collectResult(child, steps))
		f.emit(Event{Kind: EventForkFailed, SessionID: task.ParentSessionID, ForkTaskID: task.ID,
			Detail: task.ResultSummary}.withTime())
	default:
		task.Status = state.ForkCompleted
		task.ResultSummary = f.compress(ctx, collectResult(child, steps))
		f.emit(Event{Kind: EventForkCompleted, SessionID: task.ParentSessionID, ForkTaskID: task.ID,
			Detail: task.ResultSummary}.withTime())
	}
	return f.store.UpdateForkTask(ctx, task)
}

// Wait 阻塞直到任务进入终态。strategy 为 any 时，首个终态任务返回；
// 为 all 时等待全部任务落定。
func (f *ForkManager) Wait(ctx context.Context, taskIDs []string, strategy action.WaitStrategy) ([]*state.ForkAgentTask, error) {
	ticker := time.NewTicker(f.cfg.PollInterval)
	defer ticker.Stop()
	for {
		done := make([]*state.ForkAgentTask, 0, len(taskIDs))
		pending := 0
		for _, id := range taskIDs {
			task, err := f.store.GetForkTask(ctx, id)
			if err != nil {
				return nil, err
			}
			if state.IsTerminalFork(task.Status) {
				done = append(done, task)
			} else {
				pending++
			}
		}
		if pending == 0 || (strategy == action.WaitAny && len(done) > 0) {
			return done, nil
		}
		select {
		case <-ctx.Done():
			return done, ctx.Err()
		case <-ticker.C:
		}
	}
}

// CompressContext 压缩任意文本到摘要上限内，供停止保存与派生上下文使用。
func (f *ForkManager) CompressContext(ctx context.Context, text string) string {
	return f.compress(ctx, text)
}

// compress 在文本超限时先尝试模型摘要，模型不可用或失败时硬截断。
// 上限按字符计数，截断必须落在字符边界上。
func (f *ForkManager) compress(ctx context.Context, text string) string {
	runes := []rune(text)
	if len(runes) <= f.cfg.SummaryLimit {
		return text
	}
	if f.model != nil {
		prompt := fmt.Sprintf("请把以下执行结果压缩成不超过 %d 字的摘要，保留结论与关键数据:\n\n%s",
			f.cfg.SummaryLimit/2, text)
		resp, err := f.model.Call(ctx, prompt, llm.Options{})
		if err == nil && resp.Text != "" && len([]rune(resp.Text)) <= f.cfg.SummaryLimit {
			return resp.Text
		}
		if err != nil {
			f.log.Warn("结果压缩失败，退化为截断", slog.Any("error", err))
		}
	}
	return string(runes[:f.cfg.SummaryLimit])
}

func collectResult(child *state.Session, steps []*state.Step) string {
	for i := len(steps) - 1; i >= 0; i-- {
		if steps[i].Kind == string(action.KindFinish) && steps[i].Result != "" {
			return steps[i].Result
		}
	}
	var sb strings.Builder
	sb.WriteString("目标: " + child.Goal + "\n")
	for _, s := range steps {
		if s.Result == "" {
			continue
		}
		fmt.Fprintf(&sb, "步骤 %d (%s): %s\n", s.Number, s.Kind, s.Result)
	}
	return sb.String()
}

func countToolSteps(steps []*state.Step) int {
	n := 0
	for _, s := range steps {
		switch s.Kind {
		case string(action.KindToolCall), string(action.KindParallelToolCalls):
			n++
		}
	}
	return n
}

func estimateSessionTokens(steps []*state.Step) int {
	total := 0
	for _, s := range steps {
		total += llm.EstimateTokens(s.Prompt) + llm.EstimateTokens(s.RawResponse)
	}
	return total
}
