package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the single-file backend: zero setup, WAL mode for
// concurrent reads, one writer at a time. The default for single-host
// deployments and tests (use ":memory:").
type SQLiteStore struct {
	sqlStore
}

// NewSQLiteStore opens (and migrates) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}

	// SQLite supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	s := &SQLiteStore{sqlStore{db: db}}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) createTables(ctx context.Context) error {
	tables := []string{
		`CREATE TABLE IF NOT EXISTS workflows (
			id INTEGER PRIMARY KEY,
			slug TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL,
			owner_id INTEGER NOT NULL DEFAULT 0,
			is_active BOOLEAN NOT NULL DEFAULT 1,
			is_default BOOLEAN NOT NULL DEFAULT 0,
			tags TEXT,
			max_execution_seconds INTEGER NOT NULL DEFAULT 0,
			input_schema TEXT,
			output_schema TEXT,
			error_handler_workflow_id INTEGER,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			deleted_at TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS component_configs (
			id INTEGER PRIMARY KEY,
			component_type TEXT NOT NULL,
			system_prompt TEXT,
			extra_config TEXT,
			model_name TEXT,
			temperature REAL,
			max_tokens INTEGER,
			top_p REAL,
			frequency_penalty REAL,
			presence_penalty REAL,
			timeout_seconds INTEGER,
			max_retries INTEGER,
			response_format TEXT,
			llm_credential_id INTEGER,
			llm_model_config_id INTEGER,
			credential_id INTEGER,
			is_active BOOLEAN NOT NULL DEFAULT 1,
			priority INTEGER NOT NULL DEFAULT 0,
			trigger_config TEXT,
			updated_at TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS workflow_nodes (
			id INTEGER PRIMARY KEY,
			workflow_id INTEGER NOT NULL REFERENCES workflows(id),
			node_id TEXT NOT NULL,
			component_type TEXT NOT NULL,
			component_config_id INTEGER,
			is_entry_point BOOLEAN NOT NULL DEFAULT 0,
			interrupt_before BOOLEAN NOT NULL DEFAULT 0,
			interrupt_after BOOLEAN NOT NULL DEFAULT 0,
			subworkflow_id INTEGER,
			code_block_id INTEGER,
			updated_at TIMESTAMP NOT NULL,
			UNIQUE(workflow_id, node_id)
		)`,
		`CREATE TABLE IF NOT EXISTS workflow_edges (
			id INTEGER PRIMARY KEY,
			workflow_id INTEGER NOT NULL REFERENCES workflows(id),
			source_node_id TEXT NOT NULL,
			target_node_id TEXT NOT NULL,
			edge_type TEXT NOT NULL,
			edge_label TEXT NOT NULL DEFAULT '',
			condition_value TEXT,
			condition_mapping TEXT,
			priority INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS workflow_executions (
			execution_id TEXT PRIMARY KEY,
			workflow_id INTEGER NOT NULL,
			trigger_node_id TEXT,
			parent_execution_id TEXT,
			parent_node_id TEXT,
			user_profile_id INTEGER,
			thread_id TEXT,
			status TEXT NOT NULL,
			trigger_payload TEXT,
			final_output TEXT,
			retry_count INTEGER NOT NULL DEFAULT 0,
			max_retries INTEGER NOT NULL DEFAULT 0,
			error_message TEXT,
			created_at TIMESTAMP NOT NULL,
			started_at TIMESTAMP,
			completed_at TIMESTAMP,
			total_input_tokens INTEGER NOT NULL DEFAULT 0,
			total_output_tokens INTEGER NOT NULL DEFAULT 0,
			total_tokens INTEGER NOT NULL DEFAULT 0,
			total_cost_usd REAL NOT NULL DEFAULT 0,
			llm_calls INTEGER NOT NULL DEFAULT 0,
			tool_invocations INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_parent
			ON workflow_executions(parent_execution_id)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_status
			ON workflow_executions(status, started_at)`,
		`CREATE TABLE IF NOT EXISTS execution_states (
			execution_id TEXT PRIMARY KEY,
			state TEXT NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS thread_checkpoints (
			thread_id TEXT PRIMARY KEY,
			state TEXT NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS execution_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			execution_id TEXT NOT NULL,
			node_id TEXT NOT NULL,
			status TEXT NOT NULL,
			input TEXT,
			output TEXT,
			error TEXT,
			error_code TEXT,
			metadata TEXT,
			retry_count INTEGER NOT NULL DEFAULT 0,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			timestamp TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_logs_execution
			ON execution_logs(execution_id, id)`,
		`CREATE TABLE IF NOT EXISTS pending_tasks (
			task_id TEXT PRIMARY KEY,
			execution_id TEXT NOT NULL,
			user_profile_id INTEGER,
			external_chat_id TEXT,
			node_id TEXT NOT NULL,
			prompt TEXT,
			expires_at TIMESTAMP NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS scheduled_jobs (
			id TEXT PRIMARY KEY,
			workflow_id INTEGER NOT NULL,
			trigger_node_id TEXT NOT NULL,
			user_profile_id INTEGER,
			interval_seconds INTEGER NOT NULL DEFAULT 0,
			total_repeats INTEGER NOT NULL DEFAULT 0,
			max_retries INTEGER NOT NULL DEFAULT 0,
			timeout_seconds INTEGER NOT NULL DEFAULT 0,
			trigger_payload TEXT,
			status TEXT NOT NULL,
			current_repeat INTEGER NOT NULL DEFAULT 0,
			current_retry INTEGER NOT NULL DEFAULT 0,
			last_run_at TIMESTAMP,
			next_run_at TIMESTAMP,
			run_count INTEGER NOT NULL DEFAULT 0,
			error_count INTEGER NOT NULL DEFAULT 0,
			last_error TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS child_waits (
			execution_id TEXT NOT NULL,
			node_id TEXT NOT NULL,
			child_ids TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			PRIMARY KEY (execution_id, node_id)
		)`,
	}

	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("failed to run migration: %w", err)
		}
	}
	return nil
}
