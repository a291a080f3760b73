package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadAppliesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
server:
  address: ":9090"
storage:
  driver: sqlite
  sqlite:
    path: /tmp/agentloop.db
llm:
  provider: openai
  openai:
    api_key: test-key
    model: gpt-4o-mini
engine:
  max_steps: 30
knowledge:
  - title: 计费规则
    content: 按量计费
    keywords: [计费]
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("写配置文件: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Address != ":9090" {
		t.Fatalf("Address = %q", cfg.Server.Address)
	}
	if cfg.Storage.Driver != "sqlite" || cfg.Storage.SQLite.Path != "/tmp/agentloop.db" {
		t.Fatalf("存储配置 = %+v", cfg.Storage)
	}
	if cfg.Engine.MaxSteps != 30 {
		t.Fatalf("MaxSteps = %d", cfg.Engine.MaxSteps)
	}
	// 未写明的字段得到默认值。
	if cfg.Engine.Fork.MaxDepth != 3 || cfg.Engine.Fork.TimeoutSec != 300 || cfg.Engine.Fork.MaxSteps != 20 {
		t.Fatalf("派生默认值 = %+v", cfg.Engine.Fork)
	}
	if cfg.Engine.ParseRetryBudget != 1 {
		t.Fatalf("ParseRetryBudget = %d", cfg.Engine.ParseRetryBudget)
	}
	if cfg.Queue.Driver != "memory" || cfg.Queue.Workers != 4 {
		t.Fatalf("队列默认值 = %+v", cfg.Queue)
	}
	if len(cfg.Knowledge) != 1 || cfg.Knowledge[0].Title != "计费规则" {
		t.Fatalf("知识条目 = %+v", cfg.Knowledge)
	}
}

func TestLoadRejectsUnknownDriver(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("storage:\n  driver: etcd\n"), 0o644); err != nil {
		t.Fatalf("写配置文件: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("未知驱动应报错")
	}
}

func TestMySQLDriverRequiresDSN(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("storage:\n  driver: mysql\n"), 0o644); err != nil {
		t.Fatalf("写配置文件: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("缺少 dsn 应报错")
	}
}

func TestDefaultIsRunnable(t *testing.T) {
	cfg := Default()
	if err := cfg.validate(); err != nil {
		t.Fatalf("默认配置应通过校验: %v", err)
	}
	if cfg.Storage.Driver != "memory" || cfg.Cache.Driver != "none" {
		t.Fatalf("默认驱动 = %+v %+v", cfg.Storage, cfg.Cache)
	}
}
