package llm

import (
	"context"
	"sync"

	xerrors "AgentLoop/internal/errors"
)

// FakeClient 按脚本顺序返回预置响应，供测试驱动执行流程。
type FakeClient struct {
	mu      sync.Mutex
	script  []FakeTurn
	cursor  int
	prompts []string
}

// FakeTurn 是脚本中的一步：要么返回文本，要么返回错误。
type FakeTurn struct {
	Text       string
	TokensUsed int
	Err        error
}

// NewFakeClient 创建脚本化客户端。
func NewFakeClient(turns ...FakeTurn) *FakeClient {
	return &FakeClient{script: turns}
}

var _ Client = (*FakeClient)(nil)

func (f *FakeClient) Call(ctx context.Context, prompt string, opts Options) (*Response, error) {
	return f.next(ctx, prompt, opts)
}

func (f *FakeClient) CallWithMessages(ctx context.Context, messages []Message, opts Options) (*Response, error) {
	prompt := ""
	if len(messages) > 0 {
		prompt = messages[len(messages)-1].Content
	}
	return f.next(ctx, prompt, opts)
}

func (f *FakeClient) Close() error { return nil }

// Prompts 返回按顺序记录的全部提示，供断言使用。
func (f *FakeClient) Prompts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.prompts))
	copy(out, f.prompts)
	return out
}

// Calls 返回已执行的调用次数。
func (f *FakeClient) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cursor
}

func (f *FakeClient) next(ctx context.Context, prompt string, opts Options) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.prompts = append(f.prompts, prompt)
	if f.cursor >= len(f.script) {
		f.mu.Unlock()
		return nil, xerrors.New(xerrors.CodeModelFailure, "脚本已耗尽")
	}
	turn := f.script[f.cursor]
	f.cursor++
	f.mu.Unlock()

	if turn.Err != nil {
		return nil, turn.Err
	}
	if opts.OnDelta != nil {
		if err := opts.OnDelta(turn.Text); err != nil {
			return nil, err
		}
	}
	tokens := turn.TokensUsed
	if tokens == 0 {
		tokens = EstimateTokens(prompt) + EstimateTokens(turn.Text)
	}
	return &Response{
		Text:         turn.Text,
		TokensUsed:   tokens,
		Model:        "fake",
		FinishReason: "stop",
	}, nil
}
