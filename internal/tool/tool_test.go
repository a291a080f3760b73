package tool

import (
	"context"
	"testing"
	"time"

	xerrors "AgentLoop/internal/errors"
)

// sleepyTool 故意无视 ctx，模拟不配合超时的工具实现。
type sleepyTool struct {
	timeout time.Duration
	sleep   time.Duration
}

func (s *sleepyTool) Metadata() Metadata {
	return Metadata{Name: "sleepy", Description: "测试用慢工具", Timeout: s.timeout}
}

func (s *sleepyTool) Invoke(context.Context, map[string]any) (*Result, error) {
	time.Sleep(s.sleep)
	return &Result{Success: true, Output: "late"}, nil
}

func TestCalculator(t *testing.T) {
	reg := NewRegistry()
	reg.Register(NewCalculator())
	ctx := context.Background()

	tests := []struct {
		name   string
		params map[string]any
		want   string
		wantOK bool
	}{
		{"乘法", map[string]any{"operation": "multiply", "a": float64(15), "b": float64(8)}, "120", true},
		{"加法", map[string]any{"operation": "add", "a": float64(120), "b": float64(42)}, "162", true},
		{"字符串数字", map[string]any{"operation": "add", "a": "1.5", "b": float64(2)}, "3.5", true},
		{"除零", map[string]any{"operation": "divide", "a": float64(1), "b": float64(0)}, "", false},
		{"未知运算", map[string]any{"operation": "pow", "a": float64(2), "b": float64(3)}, "", false},
		{"非数字参数", map[string]any{"operation": "add", "a": "abc", "b": float64(1)}, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := reg.Invoke(ctx, "calculator", tt.params)
			if err != nil {
				t.Fatalf("Invoke: %v", err)
			}
			if res.Success != tt.wantOK {
				t.Fatalf("Success = %t, want %t (error=%q)", res.Success, tt.wantOK, res.Error)
			}
			if tt.wantOK && res.Output != tt.want {
				t.Fatalf("Output = %q, want %q", res.Output, tt.want)
			}
			if !tt.wantOK && res.Error == "" {
				t.Fatal("失败结果应携带错误信息")
			}
		})
	}
}

func TestRegistryUnknownTool(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Invoke(context.Background(), "nope", nil)
	if xerrors.CodeOf(err) != xerrors.CodeToolFailure {
		t.Fatalf("未注册工具应返回工具错误, got %v", err)
	}
}

func TestRegistryTimeoutBoundsIgnorantTool(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&sleepyTool{timeout: 50 * time.Millisecond, sleep: 2 * time.Second})

	start := time.Now()
	res, err := reg.Invoke(context.Background(), "sleepy", nil)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("超时未兜底, 耗时 %v", elapsed)
	}
	if res.Success || res.Error == "" {
		t.Fatalf("超时应折叠为失败结果: %+v", res)
	}
}

func TestRegistryListSorted(t *testing.T) {
	reg := NewRegistry()
	reg.Register(NewCalculator())
	list := reg.List()
	if len(list) != 1 || list[0].Name != "calculator" {
		t.Fatalf("List = %+v", list)
	}
}
