package llm

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

// EstimateTokens 估算一段文本的 token 数，用于预算检查与上下文裁剪。
// 优先使用 cl100k_base 编码器；编码器不可用时退化为按 4 字节一个
// token 的粗略估算，宁可偏高也不漏报。
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	encodingOnce.Do(func() {
		enc, err := tiktoken.GetEncoding(tiktoken.MODEL_CL100K_BASE)
		if err == nil {
			encoding = enc
		}
	})
	if encoding != nil {
		return len(encoding.Encode(text, nil, nil))
	}
	est := len(text) / 4
	if est == 0 {
		est = 1
	}
	return est
}

// EstimateMessages 估算一组对话消息的 token 总量，
// 每条消息附加固定的角色与分隔开销。
func EstimateMessages(messages []Message) int {
	const perMessageOverhead = 4
	total := 0
	for _, m := range messages {
		total += EstimateTokens(m.Content) + perMessageOverhead
	}
	return total
}
