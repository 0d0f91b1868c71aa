package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLStore is the shared-cluster backend. Multiple worker hosts point at
// one MySQL instance; the database is the only cross-host coordination
// surface.
//
// The DSN must include parseTime=true so TIMESTAMP columns scan into
// time.Time, e.g.
//
//	user:pass@tcp(db:3306)/pipelit?parseTime=true&loc=UTC
type MySQLStore struct {
	sqlStore
}

// NewMySQLStore connects, verifies the connection, and migrates the schema.
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	s := &MySQLStore{sqlStore{db: db}}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (s *MySQLStore) createTables(ctx context.Context) error {
	tables := []string{
		`CREATE TABLE IF NOT EXISTS workflows (
			id BIGINT PRIMARY KEY,
			slug VARCHAR(255) NOT NULL UNIQUE,
			name VARCHAR(255) NOT NULL,
			owner_id BIGINT NOT NULL DEFAULT 0,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			is_default BOOLEAN NOT NULL DEFAULT FALSE,
			tags JSON,
			max_execution_seconds INT NOT NULL DEFAULT 0,
			input_schema JSON,
			output_schema JSON,
			error_handler_workflow_id BIGINT,
			created_at TIMESTAMP(6) NOT NULL,
			updated_at TIMESTAMP(6) NOT NULL,
			deleted_at TIMESTAMP(6) NULL
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS component_configs (
			id BIGINT PRIMARY KEY,
			component_type VARCHAR(64) NOT NULL,
			system_prompt TEXT,
			extra_config JSON,
			model_name VARCHAR(255),
			temperature DOUBLE,
			max_tokens INT,
			top_p DOUBLE,
			frequency_penalty DOUBLE,
			presence_penalty DOUBLE,
			timeout_seconds INT,
			max_retries INT,
			response_format VARCHAR(64),
			llm_credential_id BIGINT,
			llm_model_config_id BIGINT,
			credential_id BIGINT,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			priority INT NOT NULL DEFAULT 0,
			trigger_config JSON,
			updated_at TIMESTAMP(6) NULL
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS workflow_nodes (
			id BIGINT PRIMARY KEY,
			workflow_id BIGINT NOT NULL,
			node_id VARCHAR(255) NOT NULL,
			component_type VARCHAR(64) NOT NULL,
			component_config_id BIGINT,
			is_entry_point BOOLEAN NOT NULL DEFAULT FALSE,
			interrupt_before BOOLEAN NOT NULL DEFAULT FALSE,
			interrupt_after BOOLEAN NOT NULL DEFAULT FALSE,
			subworkflow_id BIGINT,
			code_block_id BIGINT,
			updated_at TIMESTAMP(6) NOT NULL,
			UNIQUE KEY uniq_workflow_node (workflow_id, node_id),
			KEY idx_nodes_type (component_type)
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS workflow_edges (
			id BIGINT PRIMARY KEY,
			workflow_id BIGINT NOT NULL,
			source_node_id VARCHAR(255) NOT NULL,
			target_node_id VARCHAR(255) NOT NULL,
			edge_type VARCHAR(32) NOT NULL,
			edge_label VARCHAR(32) NOT NULL DEFAULT '',
			condition_value VARCHAR(255),
			condition_mapping JSON,
			priority INT NOT NULL DEFAULT 0,
			KEY idx_edges_workflow (workflow_id)
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS workflow_executions (
			execution_id VARCHAR(36) PRIMARY KEY,
			workflow_id BIGINT NOT NULL,
			trigger_node_id VARCHAR(255),
			parent_execution_id VARCHAR(36),
			parent_node_id VARCHAR(255),
			user_profile_id BIGINT,
			thread_id VARCHAR(255),
			status VARCHAR(32) NOT NULL,
			trigger_payload JSON,
			final_output JSON,
			retry_count INT NOT NULL DEFAULT 0,
			max_retries INT NOT NULL DEFAULT 0,
			error_message TEXT,
			created_at TIMESTAMP(6) NOT NULL,
			started_at TIMESTAMP(6) NULL,
			completed_at TIMESTAMP(6) NULL,
			total_input_tokens BIGINT NOT NULL DEFAULT 0,
			total_output_tokens BIGINT NOT NULL DEFAULT 0,
			total_tokens BIGINT NOT NULL DEFAULT 0,
			total_cost_usd DOUBLE NOT NULL DEFAULT 0,
			llm_calls BIGINT NOT NULL DEFAULT 0,
			tool_invocations BIGINT NOT NULL DEFAULT 0,
			KEY idx_executions_parent (parent_execution_id),
			KEY idx_executions_status (status, started_at)
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS execution_states (
			execution_id VARCHAR(36) PRIMARY KEY,
			state MEDIUMTEXT NOT NULL,
			updated_at TIMESTAMP(6) NOT NULL
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS thread_checkpoints (
			thread_id VARCHAR(255) PRIMARY KEY,
			state MEDIUMTEXT NOT NULL,
			updated_at TIMESTAMP(6) NOT NULL
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS execution_logs (
			id BIGINT PRIMARY KEY AUTO_INCREMENT,
			execution_id VARCHAR(36) NOT NULL,
			node_id VARCHAR(255) NOT NULL,
			status VARCHAR(32) NOT NULL,
			input JSON,
			output JSON,
			error TEXT,
			error_code VARCHAR(64),
			metadata JSON,
			retry_count INT NOT NULL DEFAULT 0,
			duration_ms BIGINT NOT NULL DEFAULT 0,
			timestamp TIMESTAMP(6) NOT NULL,
			KEY idx_logs_execution (execution_id, id)
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS pending_tasks (
			task_id VARCHAR(8) PRIMARY KEY,
			execution_id VARCHAR(36) NOT NULL,
			user_profile_id BIGINT,
			external_chat_id VARCHAR(255),
			node_id VARCHAR(255) NOT NULL,
			prompt TEXT,
			expires_at TIMESTAMP(6) NOT NULL,
			created_at TIMESTAMP(6) NOT NULL
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS scheduled_jobs (
			id VARCHAR(36) PRIMARY KEY,
			workflow_id BIGINT NOT NULL,
			trigger_node_id VARCHAR(255) NOT NULL,
			user_profile_id BIGINT,
			interval_seconds INT NOT NULL DEFAULT 0,
			total_repeats INT NOT NULL DEFAULT 0,
			max_retries INT NOT NULL DEFAULT 0,
			timeout_seconds INT NOT NULL DEFAULT 0,
			trigger_payload JSON,
			status VARCHAR(32) NOT NULL,
			current_repeat INT NOT NULL DEFAULT 0,
			current_retry INT NOT NULL DEFAULT 0,
			last_run_at TIMESTAMP(6) NULL,
			next_run_at TIMESTAMP(6) NULL,
			run_count INT NOT NULL DEFAULT 0,
			error_count INT NOT NULL DEFAULT 0,
			last_error TEXT
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS child_waits (
			execution_id VARCHAR(36) NOT NULL,
			node_id VARCHAR(255) NOT NULL,
			child_ids JSON NOT NULL,
			created_at TIMESTAMP(6) NOT NULL,
			PRIMARY KEY (execution_id, node_id)
		) ENGINE=InnoDB`,
	}

	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("failed to run migration: %w", err)
		}
	}
	return nil
}
