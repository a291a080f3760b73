package action

import (
	stdErrors "errors"
	"testing"
)

func TestParseWrapperFormsEquivalent(t *testing.T) {
	payload := `{"kind":"tool_call","reasoning":"compute","tool":"calculator","params":{"operation":"multiply","operand_a":15,"operand_b":8}}`
	cases := map[string]string{
		"tagged": "思考过程...\n<action>\n" + payload + "\n</action>\n",
		"fenced": "Here is my action:\n```json\n" + payload + "\n```",
		"bare":   payload,
	}
	for name, raw := range cases {
		act, err := Parse(raw)
		if err != nil {
			t.Fatalf("%s: 解析失败: %v", name, err)
		}
		if act.Kind != KindToolCall {
			t.Fatalf("%s: kind = %s", name, act.Kind)
		}
		if act.ToolCall == nil || act.ToolCall.Tool != "calculator" {
			t.Fatalf("%s: 工具名解析错误: %+v", name, act.ToolCall)
		}
		if act.Reasoning != "compute" {
			t.Fatalf("%s: reasoning = %q", name, act.Reasoning)
		}
		if _, ok := act.ToolCall.Params["operandA"]; !ok {
			t.Fatalf("%s: 参数键未归一化: %v", name, act.ToolCall.Params)
		}
	}
}

func TestNormalizeKeysNested(t *testing.T) {
	input := map[string]any{
		"outer_key": map[string]any{
			"inner_key_one": 1,
			"list_field": []any{
				map[string]any{"deep_key": "v"},
			},
		},
		"plain": true,
	}
	normalized, ok := NormalizeKeys(input).(map[string]any)
	if !ok {
		t.Fatal("归一化结果不是对象")
	}
	outer, ok := normalized["outerKey"].(map[string]any)
	if !ok {
		t.Fatalf("outerKey 缺失: %v", normalized)
	}
	if _, ok := outer["innerKeyOne"]; !ok {
		t.Fatalf("innerKeyOne 缺失: %v", outer)
	}
	list, ok := outer["listField"].([]any)
	if !ok || len(list) != 1 {
		t.Fatalf("listField 缺失: %v", outer)
	}
	deep, ok := list[0].(map[string]any)
	if !ok {
		t.Fatal("数组内对象未归一化")
	}
	if _, ok := deep["deepKey"]; !ok {
		t.Fatalf("deepKey 缺失: %v", deep)
	}
	assertNoSnakeKeys(t, normalized)
}

func assertNoSnakeKeys(t *testing.T, value any) {
	t.Helper()
	switch v := value.(type) {
	case map[string]any:
		for key, inner := range v {
			for _, r := range key {
				if r == '_' {
					t.Fatalf("残留 snake_case 键: %s", key)
				}
			}
			assertNoSnakeKeys(t, inner)
		}
	case []any:
		for _, inner := range v {
			assertNoSnakeKeys(t, inner)
		}
	}
}

func TestParseMissingRequiredFields(t *testing.T) {
	cases := map[string]string{
		"tool_call 缺工具名":    `{"kind":"tool_call","params":{}}`,
		"parallel 空调用列表":    `{"kind":"parallel_tool_calls","calls":[],"wait_strategy":"all"}`,
		"parallel 缺等待策略":    `{"kind":"parallel_tool_calls","calls":[{"tool":"a"}]}`,
		"fork 缺子目标":         `{"kind":"fork_request","context_summary":"ctx"}`,
		"ask_user 缺问题":      `{"kind":"ask_user","options":["a","b"]}`,
		"plan 缺步骤":          `{"kind":"plan"}`,
		"缺 kind":            `{"reasoning":"..."} `,
	}
	for name, raw := range cases {
		if _, err := Parse(raw); !stdErrors.Is(err, ErrMissingField) {
			t.Fatalf("%s: 期望缺字段错误，实际 %v", name, err)
		}
	}
}

func TestParseUnknownKind(t *testing.T) {
	if _, err := Parse(`{"kind":"dance"}`); !stdErrors.Is(err, ErrUnknownKind) {
		t.Fatalf("期望未知类型错误，实际 %v", err)
	}
	raw := `{"kind":"parallel_tool_calls","calls":[{"tool":"a"}],"wait_strategy":"most"}`
	if _, err := Parse(raw); !stdErrors.Is(err, ErrUnknownKind) {
		t.Fatalf("非法等待策略应按未知类型处理，实际 %v", err)
	}
}

func TestParseMalformed(t *testing.T) {
	for _, raw := range []string{"", "not json at all", `{"kind":`} {
		if _, err := Parse(raw); !stdErrors.Is(err, ErrMalformed) {
			t.Fatalf("%q: 期望语法错误，实际 %v", raw, err)
		}
	}
}

func TestParseNeverGuessesDefault(t *testing.T) {
	// 合法 JSON 但不含 kind，不允许退化为任何默认动作。
	if act, err := Parse(`{"tool":"calculator"}`); err == nil {
		t.Fatalf("缺 kind 时不应返回动作: %+v", act)
	}
}

func TestValidateSkipsExtraction(t *testing.T) {
	obj := map[string]any{
		"kind":     "fork_request",
		"sub_goal": "调研子问题",
		"max_steps": 10,
	}
	act, err := Validate(obj)
	if err != nil {
		t.Fatalf("校验失败: %v", err)
	}
	if act.Fork == nil || act.Fork.SubGoal != "调研子问题" {
		t.Fatalf("fork 字段解析错误: %+v", act.Fork)
	}
	if act.Fork.MaxSteps != 10 {
		t.Fatalf("max_steps 未归一化: %+v", act.Fork)
	}
}

func TestParseFinishKeepsArbitraryResult(t *testing.T) {
	act, err := Parse(`{"kind":"finish","result":{"final_answer":162,"notes":["done"]}}`)
	if err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	result, ok := act.Finish.Result.(map[string]any)
	if !ok {
		t.Fatalf("result 形状不对: %T", act.Finish.Result)
	}
	if _, ok := result["finalAnswer"]; !ok {
		t.Fatalf("result 内部键未归一化: %v", result)
	}
}

func TestExtractKindAndReasoning(t *testing.T) {
	raw := "<action>{\"kind\":\"ask_user\",\"reasoning\":\"需要确认\",\"question\":\"继续吗\"}</action>"
	if kind := ExtractKind(raw); kind != KindAskUser {
		t.Fatalf("kind = %s", kind)
	}
	if reasoning := ExtractReasoning(raw); reasoning != "需要确认" {
		t.Fatalf("reasoning = %q", reasoning)
	}
	// 轻量路径对非法输入只返回零值，不报错。
	if kind := ExtractKind("垃圾输出"); kind != "" {
		t.Fatalf("非法输入应返回空 kind，实际 %s", kind)
	}
}

func TestParseParallelDefaultsParams(t *testing.T) {
	raw := `{"kind":"parallel_tool_calls","wait_strategy":"any","calls":[{"tool":"a"},{"tool":"b","params":{"x":1}}]}`
	act, err := Parse(raw)
	if err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	if act.Parallel.WaitStrategy != WaitAny {
		t.Fatalf("wait strategy = %s", act.Parallel.WaitStrategy)
	}
	if act.Parallel.Calls[0].Params == nil {
		t.Fatal("缺省参数应为空映射而不是 nil")
	}
}
