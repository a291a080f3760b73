package action

import (
	"encoding/json"
	"fmt"
	"strings"

	xerrors "AgentLoop/internal/errors"
)

// 输出边界标签。模型被要求将动作对象包在这对标签内，
// 退而求其次也接受围栏代码块或裸 JSON。
const (
	openTag  = "<action>"
	closeTag = "</action>"
)

// Parse 从模型原始输出中提取并校验一个动作。
// 提取顺序：边界标签内容、围栏代码块内容、原始文本本身，先匹配者优先。
// 解析器绝不猜测默认动作：提取失败、类型未知或缺字段都会返回带错误码的错误。
func Parse(raw string) (*Action, error) {
	payload := extractPayload(raw)
	obj, err := decodeObject(payload)
	if err != nil {
		return nil, err
	}
	return Validate(obj)
}

// Validate 校验一个调用方已经自行解析好的对象，跳过文本提取阶段。
func Validate(obj map[string]any) (*Action, error) {
	if obj == nil {
		return nil, xerrors.New(xerrors.CodeActionMalformed, "动作对象为空")
	}
	normalized, ok := NormalizeKeys(obj).(map[string]any)
	if !ok {
		return nil, xerrors.New(xerrors.CodeActionMalformed, "动作不是对象")
	}

	kindRaw, _ := normalized["kind"].(string)
	kind := Kind(strings.TrimSpace(kindRaw))
	if kind == "" {
		return nil, xerrors.New(xerrors.CodeActionMissing, "动作缺少 kind 字段")
	}
	if !IsValidKind(kind) {
		return nil, xerrors.New(xerrors.CodeActionUnknown,
			fmt.Sprintf("未知的动作类型: %s", kind))
	}

	act := &Action{Kind: kind}
	if reasoning, ok := normalized["reasoning"].(string); ok {
		act.Reasoning = strings.TrimSpace(reasoning)
	}

	switch kind {
	case KindToolCall:
		return validateToolCall(act, normalized)
	case KindParallelToolCalls:
		return validateParallel(act, normalized)
	case KindForkRequest:
		return validateFork(act, normalized)
	case KindAskUser:
		return validateAskUser(act, normalized)
	case KindPlan:
		return validatePlan(act, normalized)
	case KindFinish:
		act.Finish = &Finish{Result: normalized["result"]}
		return act, nil
	}
	return nil, xerrors.New(xerrors.CodeActionUnknown, fmt.Sprintf("未知的动作类型: %s", kind))
}

// ExtractKind 只读取动作类型，不做结构校验，供日志与遥测使用。
func ExtractKind(raw string) Kind {
	obj, err := decodeObject(extractPayload(raw))
	if err != nil {
		return ""
	}
	for _, key := range []string{"kind", "Kind"} {
		if value, ok := obj[key].(string); ok {
			return Kind(strings.TrimSpace(value))
		}
	}
	return ""
}

// ExtractReasoning 只读取推理文本，不做结构校验。
func ExtractReasoning(raw string) string {
	obj, err := decodeObject(extractPayload(raw))
	if err != nil {
		return ""
	}
	if value, ok := obj["reasoning"].(string); ok {
		return strings.TrimSpace(value)
	}
	return ""
}

func validateToolCall(act *Action, obj map[string]any) (*Action, error) {
	var call ToolCall
	if err := remarshal(obj, &call); err != nil {
		return nil, err
	}
	if strings.TrimSpace(call.Tool) == "" {
		return nil, xerrors.New(xerrors.CodeActionMissing, "tool_call 动作缺少 tool 字段")
	}
	if call.Params == nil {
		call.Params = map[string]any{}
	}
	act.ToolCall = &call
	return act, nil
}

func validateParallel(act *Action, obj map[string]any) (*Action, error) {
	var parallel ParallelToolCalls
	if err := remarshal(obj, &parallel); err != nil {
		return nil, err
	}
	if len(parallel.Calls) == 0 {
		return nil, xerrors.New(xerrors.CodeActionMissing, "parallel_tool_calls 动作的调用列表为空")
	}
	for i := range parallel.Calls {
		if strings.TrimSpace(parallel.Calls[i].Tool) == "" {
			return nil, xerrors.New(xerrors.CodeActionMissing,
				fmt.Sprintf("parallel_tool_calls 第 %d 个调用缺少 tool 字段", i+1))
		}
		if parallel.Calls[i].Params == nil {
			parallel.Calls[i].Params = map[string]any{}
		}
	}
	if parallel.WaitStrategy == "" {
		return nil, xerrors.New(xerrors.CodeActionMissing, "parallel_tool_calls 动作缺少 wait_strategy 字段")
	}
	if !IsValidWaitStrategy(parallel.WaitStrategy) {
		return nil, xerrors.New(xerrors.CodeActionUnknown,
			fmt.Sprintf("未知的等待策略: %s", parallel.WaitStrategy))
	}
	act.Parallel = &parallel
	return act, nil
}

func validateFork(act *Action, obj map[string]any) (*Action, error) {
	var fork ForkRequest
	if err := remarshal(obj, &fork); err != nil {
		return nil, err
	}
	if strings.TrimSpace(fork.SubGoal) == "" {
		return nil, xerrors.New(xerrors.CodeActionMissing, "fork_request 动作缺少 sub_goal 字段")
	}
	act.Fork = &fork
	return act, nil
}

func validateAskUser(act *Action, obj map[string]any) (*Action, error) {
	var ask AskUser
	if err := remarshal(obj, &ask); err != nil {
		return nil, err
	}
	if strings.TrimSpace(ask.Question) == "" {
		return nil, xerrors.New(xerrors.CodeActionMissing, "ask_user 动作缺少 question 字段")
	}
	act.AskUser = &ask
	return act, nil
}

func validatePlan(act *Action, obj map[string]any) (*Action, error) {
	var plan Plan
	if err := remarshal(obj, &plan); err != nil {
		return nil, err
	}
	if len(plan.Items) == 0 {
		return nil, xerrors.New(xerrors.CodeActionMissing, "plan 动作缺少步骤列表")
	}
	for i, item := range plan.Items {
		if strings.TrimSpace(item.Title) == "" {
			return nil, xerrors.New(xerrors.CodeActionMissing,
				fmt.Sprintf("plan 第 %d 个步骤缺少 title 字段", i+1))
		}
	}
	act.Plan = &plan
	return act, nil
}

// extractPayload 按优先级提取结构化文本：边界标签、围栏代码块、原文。
func extractPayload(raw string) string {
	text := strings.TrimSpace(raw)

	if start := strings.Index(text, openTag); start >= 0 {
		rest := text[start+len(openTag):]
		if end := strings.Index(rest, closeTag); end >= 0 {
			return strings.TrimSpace(rest[:end])
		}
	}

	if block, ok := extractFencedBlock(text); ok {
		return block
	}
	return text
}

// extractFencedBlock 提取第一个围栏代码块的内容，语言标记（如 json）会被剥掉。
func extractFencedBlock(text string) (string, bool) {
	start := strings.Index(text, "```")
	if start < 0 {
		return "", false
	}
	rest := text[start+3:]
	end := strings.Index(rest, "```")
	if end < 0 {
		return "", false
	}
	block := rest[:end]
	if newline := strings.IndexByte(block, '\n'); newline >= 0 {
		firstLine := strings.TrimSpace(block[:newline])
		// 首行若是语言标记而不是内容，跳过它。
		if firstLine != "" && !strings.ContainsAny(firstLine, "{[") {
			block = block[newline+1:]
		}
	}
	return strings.TrimSpace(block), true
}

func decodeObject(payload string) (map[string]any, error) {
	if strings.TrimSpace(payload) == "" {
		return nil, xerrors.New(xerrors.CodeActionMalformed, "动作内容为空")
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(payload), &obj); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeActionMalformed, err, "动作不是合法的 JSON 对象")
	}
	return obj, nil
}

// remarshal 将归一化后的对象按 camelCase 标签解码到变体结构体。
func remarshal(obj map[string]any, target any) error {
	encoded, err := json.Marshal(obj)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeActionMalformed, err, "重编码动作失败")
	}
	if err := json.Unmarshal(encoded, target); err != nil {
		return xerrors.Wrap(xerrors.CodeActionMalformed, err, "动作字段类型不匹配")
	}
	return nil
}
