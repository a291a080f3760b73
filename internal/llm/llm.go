package llm

import (
	"context"

	xerrors "AgentLoop/internal/errors"
)

// Role 是对话消息的角色。
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message 是一条对话消息。
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Response 是模型一次调用的结果。
type Response struct {
	// Text 是模型输出的完整文本。
	Text string
	// TokensUsed 是本次调用消耗的 token 总数（提示 + 补全）。
	TokensUsed int
	// Model 是实际响应的模型名。
	Model string
	// FinishReason 是模型给出的结束原因，如 stop、length。
	FinishReason string
}

// Options 控制单次调用的行为，零值使用客户端默认。
type Options struct {
	Model       string
	Temperature float32
	MaxTokens   int
	// OnDelta 非空时启用流式输出，每个增量片段回调一次。
	// 回调返回错误会中断流并透传给调用方。
	OnDelta func(delta string) error
}

// Client 是大模型调用的统一抽象，上层不关心具体供应商。
type Client interface {
	// Call 以单条用户提示发起调用。
	Call(ctx context.Context, prompt string, opts Options) (*Response, error)
	// CallWithMessages 以完整对话历史发起调用。
	CallWithMessages(ctx context.Context, messages []Message, opts Options) (*Response, error)
	// Close 释放底层连接。
	Close() error
}

// ErrEmptyResponse 表示模型返回了空补全。
var ErrEmptyResponse = xerrors.New(xerrors.CodeModelFailure, "模型返回空响应")
