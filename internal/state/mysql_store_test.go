package state

import (
	"strings"
	"testing"

	xerrors "AgentLoop/internal/errors"
)

func TestNormalizeDSNEnablesFoundRows(t *testing.T) {
	dsn, err := normalizeDSN("agent:secret@tcp(127.0.0.1:3306)/agentloop?parseTime=true")
	if err != nil {
		t.Fatalf("normalizeDSN: %v", err)
	}
	// 同一秒内的同值更新也要按命中行计数，否则更新会被误判为记录不存在。
	if !strings.Contains(dsn, "clientFoundRows=true") {
		t.Fatalf("DSN 未启用 clientFoundRows: %s", dsn)
	}
	if !strings.Contains(dsn, "parseTime=true") {
		t.Fatalf("原有参数应保留: %s", dsn)
	}
}

func TestNormalizeDSNRejectsGarbage(t *testing.T) {
	if _, err := normalizeDSN("no-slash-here"); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("非法 DSN 应返回参数错误, got %v", err)
	}
}
