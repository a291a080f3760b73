package state

import (
	"database/sql"
	"strings"

	_ "modernc.org/sqlite"

	xerrors "AgentLoop/internal/errors"
)

// NewSQLiteStore 创建基于 SQLite 的 Store，适合单机部署。
// 驱动为纯 Go 实现（modernc.org/sqlite），无需 CGO。
func NewSQLiteStore(path string) (*SQLStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "SQLite 路径不能为空")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "打开 SQLite 失败")
	}
	// modernc.org/sqlite 的连接不支持并发写，串行化连接池。
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA journal_mode = WAL; PRAGMA busy_timeout = 5000;`); err != nil {
		_ = db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "配置 SQLite 失败")
	}
	store := newSQLStore(db)
	if err := initSQLiteSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func initSQLiteSchema(db *sql.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
            id TEXT PRIMARY KEY,
            goal TEXT NOT NULL,
            status TEXT NOT NULL,
            autonomous INTEGER NOT NULL DEFAULT 0,
            parent_session_id TEXT NOT NULL DEFAULT '',
            depth INTEGER NOT NULL DEFAULT 0,
            context_summary TEXT,
            running INTEGER NOT NULL DEFAULT 0,
            compressing INTEGER NOT NULL DEFAULT 0,
            deleted INTEGER NOT NULL DEFAULT 0,
            created_at INTEGER NOT NULL,
            updated_at INTEGER NOT NULL
        )`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_parent ON sessions (parent_session_id)`,
		`CREATE TABLE IF NOT EXISTS steps (
            id TEXT PRIMARY KEY,
            session_id TEXT NOT NULL,
            number INTEGER NOT NULL,
            kind TEXT NOT NULL,
            reasoning TEXT,
            tool_name TEXT NOT NULL DEFAULT '',
            tool_params TEXT,
            prompt TEXT,
            raw_response TEXT,
            result TEXT,
            status TEXT NOT NULL,
            discarded INTEGER NOT NULL DEFAULT 0,
            parallel INTEGER NOT NULL DEFAULT 0,
            wait_strategy TEXT NOT NULL DEFAULT '',
            fork_task_id TEXT NOT NULL DEFAULT '',
            last_error TEXT,
            started_at INTEGER NOT NULL DEFAULT 0,
            finished_at INTEGER NOT NULL DEFAULT 0,
            created_at INTEGER NOT NULL,
            updated_at INTEGER NOT NULL,
            UNIQUE (session_id, number)
        )`,
		`CREATE INDEX IF NOT EXISTS idx_steps_session ON steps (session_id)`,
		`CREATE TABLE IF NOT EXISTS parallel_tool_calls (
            id TEXT PRIMARY KEY,
            step_id TEXT NOT NULL,
            tool_name TEXT NOT NULL,
            params TEXT,
            status TEXT NOT NULL,
            result TEXT,
            last_error TEXT,
            progress INTEGER NOT NULL DEFAULT 0,
            attempts INTEGER NOT NULL DEFAULT 0,
            max_retries INTEGER NOT NULL DEFAULT 0,
            started_at INTEGER NOT NULL DEFAULT 0,
            finished_at INTEGER NOT NULL DEFAULT 0
        )`,
		`CREATE INDEX IF NOT EXISTS idx_calls_step ON parallel_tool_calls (step_id)`,
		`CREATE TABLE IF NOT EXISTS todos (
            id TEXT PRIMARY KEY,
            session_id TEXT NOT NULL,
            order_index INTEGER NOT NULL DEFAULT 0,
            title TEXT NOT NULL,
            description TEXT,
            depends_on TEXT,
            status TEXT NOT NULL,
            progress INTEGER NOT NULL DEFAULT 0,
            created_at INTEGER NOT NULL,
            updated_at INTEGER NOT NULL
        )`,
		`CREATE INDEX IF NOT EXISTS idx_todos_session ON todos (session_id)`,
		`CREATE TABLE IF NOT EXISTS fork_agent_tasks (
            id TEXT PRIMARY KEY,
            parent_session_id TEXT NOT NULL,
            parent_step_id TEXT NOT NULL DEFAULT '',
            child_session_id TEXT NOT NULL DEFAULT '',
            goal TEXT NOT NULL,
            context_summary TEXT,
            depth INTEGER NOT NULL DEFAULT 0,
            max_steps INTEGER NOT NULL DEFAULT 0,
            timeout_seconds INTEGER NOT NULL DEFAULT 0,
            status TEXT NOT NULL,
            result_summary TEXT,
            steps_executed INTEGER NOT NULL DEFAULT 0,
            tokens_used INTEGER NOT NULL DEFAULT 0,
            tools_called INTEGER NOT NULL DEFAULT 0,
            attempts INTEGER NOT NULL DEFAULT 0,
            max_retries INTEGER NOT NULL DEFAULT 0,
            created_at INTEGER NOT NULL,
            updated_at INTEGER NOT NULL,
            started_at INTEGER NOT NULL DEFAULT 0,
            finished_at INTEGER NOT NULL DEFAULT 0
        )`,
		`CREATE INDEX IF NOT EXISTS idx_forks_parent ON fork_agent_tasks (parent_session_id)`,
	}
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 SQLite 表结构失败")
		}
	}
	return nil
}
