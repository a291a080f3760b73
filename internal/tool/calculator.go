package tool

import (
	"context"
	"fmt"
	"strconv"
)

// Calculator 是内置的四则运算工具，参数为 operation 与两个操作数。
type Calculator struct{}

var _ Tool = (*Calculator)(nil)

// NewCalculator 创建计算器工具。
func NewCalculator() *Calculator { return &Calculator{} }

func (c *Calculator) Metadata() Metadata {
	return Metadata{
		Name:        "calculator",
		Description: "对两个数字执行 add、subtract、multiply、divide 运算",
		Risk:        RiskLow,
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"operation": map[string]any{
					"type": "string",
					"enum": []any{"add", "subtract", "multiply", "divide"},
				},
				"a": map[string]any{"type": "number"},
				"b": map[string]any{"type": "number"},
			},
			"required": []any{"operation", "a", "b"},
		},
	}
}

func (c *Calculator) Invoke(_ context.Context, params map[string]any) (*Result, error) {
	op, _ := params["operation"].(string)
	a, ok := toFloat(params["a"])
	if !ok {
		return &Result{Success: false, Error: "参数 a 不是数字"}, nil
	}
	b, ok := toFloat(params["b"])
	if !ok {
		return &Result{Success: false, Error: "参数 b 不是数字"}, nil
	}

	var value float64
	switch op {
	case "add":
		value = a + b
	case "subtract":
		value = a - b
	case "multiply":
		value = a * b
	case "divide":
		if b == 0 {
			return &Result{Success: false, Error: "除数不能为零"}, nil
		}
		value = a / b
	default:
		return &Result{Success: false, Error: fmt.Sprintf("不支持的运算: %q", op)}, nil
	}
	return &Result{Success: true, Output: strconv.FormatFloat(value, 'f', -1, 64)}, nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
