// Package openai 基于 OpenAI 兼容接口实现 llm.Client。
package openai

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	goopenai "github.com/sashabaranov/go-openai"

	xerrors "AgentLoop/internal/errors"
	"AgentLoop/internal/llm"
)

// Config 是 OpenAI 客户端的配置。
type Config struct {
	// APIKey 是鉴权密钥，必填。
	APIKey string
	// BaseURL 可指向任意 OpenAI 兼容服务，为空使用官方地址。
	BaseURL string
	// Model 是默认模型名。
	Model string
	// Temperature 是默认采样温度。
	Temperature float32
	// MaxTokens 是默认的补全 token 上限，0 表示不限制。
	MaxTokens int
	// Timeout 是单次请求超时。
	Timeout time.Duration
}

// Client 封装 go-openai 客户端并实现 llm.Client。
type Client struct {
	api *goopenai.Client
	cfg Config
}

var _ llm.Client = (*Client)(nil)

// New 创建客户端。
func New(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "OpenAI API Key 不能为空")
	}
	if cfg.Model == "" {
		cfg.Model = goopenai.GPT4oMini
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	clientCfg := goopenai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &Client{api: goopenai.NewClientWithConfig(clientCfg), cfg: cfg}, nil
}

// Call 以单条用户提示发起调用。
func (c *Client) Call(ctx context.Context, prompt string, opts llm.Options) (*llm.Response, error) {
	return c.CallWithMessages(ctx, []llm.Message{{Role: llm.RoleUser, Content: prompt}}, opts)
}

// CallWithMessages 以完整对话历史发起调用。
// opts.OnDelta 非空时走流式接口，token 用量在本地估算。
func (c *Client) CallWithMessages(ctx context.Context, messages []llm.Message, opts llm.Options) (*llm.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req := c.buildRequest(messages, opts)
	if opts.OnDelta != nil {
		return c.stream(ctx, req, messages, opts.OnDelta)
	}

	resp, err := c.api.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeModelFailure, err, "模型调用失败")
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return nil, llm.ErrEmptyResponse
	}
	choice := resp.Choices[0]
	return &llm.Response{
		Text:         choice.Message.Content,
		TokensUsed:   resp.Usage.TotalTokens,
		Model:        resp.Model,
		FinishReason: string(choice.FinishReason),
	}, nil
}

func (c *Client) stream(ctx context.Context, req goopenai.ChatCompletionRequest, messages []llm.Message, onDelta func(string) error) (*llm.Response, error) {
	req.Stream = true
	s, err := c.api.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeModelFailure, err, "建立模型流失败")
	}
	defer s.Close()

	var sb strings.Builder
	finishReason := "stop"
	model := req.Model
	for {
		chunk, err := s.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeModelFailure, err, "读取模型流失败")
		}
		if chunk.Model != "" {
			model = chunk.Model
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		if choice.FinishReason != "" {
			finishReason = string(choice.FinishReason)
		}
		if choice.Delta.Content == "" {
			continue
		}
		sb.WriteString(choice.Delta.Content)
		if err := onDelta(choice.Delta.Content); err != nil {
			return nil, err
		}
	}
	text := sb.String()
	if text == "" {
		return nil, llm.ErrEmptyResponse
	}
	return &llm.Response{
		Text:         text,
		TokensUsed:   llm.EstimateMessages(messages) + llm.EstimateTokens(text),
		Model:        model,
		FinishReason: finishReason,
	}, nil
}

func (c *Client) buildRequest(messages []llm.Message, opts llm.Options) goopenai.ChatCompletionRequest {
	model := opts.Model
	if model == "" {
		model = c.cfg.Model
	}
	temperature := opts.Temperature
	if temperature == 0 {
		temperature = c.cfg.Temperature
	}
	maxTokens := opts.MaxTokens
	if maxTokens == 0 {
		maxTokens = c.cfg.MaxTokens
	}
	req := goopenai.ChatCompletionRequest{
		Model:       model,
		Temperature: temperature,
		MaxTokens:   maxTokens,
	}
	for _, m := range messages {
		req.Messages = append(req.Messages, goopenai.ChatCompletionMessage{
			Role:    string(m.Role),
			Content: m.Content,
		})
	}
	return req
}

// Close 实现 llm.Client，底层 HTTP 客户端无需显式关闭。
func (c *Client) Close() error { return nil }
