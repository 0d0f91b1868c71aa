package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/theuselessai/pipelit/flow"
)

// sqlStore implements Store over database/sql. SQLite and MySQL share it:
// every statement sticks to "?" placeholders and ANSI-ish SQL, and upserts
// are delete+insert inside a transaction so no dialect-specific conflict
// clause is needed.
type sqlStore struct {
	db *sql.DB
}

// DB exposes the underlying handle for migrations and tests.
func (s *sqlStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *sqlStore) Close() error { return s.db.Close() }

func (s *sqlStore) SaveWorkflow(ctx context.Context, w *flow.Workflow) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin workflow save: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if w.ID == 0 {
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(id), 0) + 1 FROM workflows`).Scan(&w.ID); err != nil {
			return fmt.Errorf("failed to allocate workflow id: %w", err)
		}
	}

	for _, stmt := range []string{
		`DELETE FROM workflow_edges WHERE workflow_id = ?`,
		`DELETE FROM component_configs WHERE id IN (SELECT component_config_id FROM workflow_nodes WHERE workflow_id = ?)`,
		`DELETE FROM workflow_nodes WHERE workflow_id = ?`,
		`DELETE FROM workflows WHERE id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, w.ID); err != nil {
			return fmt.Errorf("failed to clear workflow %d: %w", w.ID, err)
		}
	}

	tags, err := marshalJSON(w.Tags)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO workflows (id, slug, name, owner_id, is_active, is_default, tags,
			max_execution_seconds, input_schema, output_schema, error_handler_workflow_id,
			created_at, updated_at, deleted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.Slug, w.Name, w.OwnerID, w.IsActive, w.IsDefault, tags,
		w.MaxExecutionSeconds, rawJSON(w.InputSchema), rawJSON(w.OutputSchema),
		w.ErrorHandlerWorkflowID, w.CreatedAt.UTC(), w.UpdatedAt.UTC(), nullTime(w.DeletedAt))
	if err != nil {
		return fmt.Errorf("failed to insert workflow %d: %w", w.ID, err)
	}

	for _, n := range w.Nodes {
		var configID any
		if n.Config != nil {
			cfg := n.Config
			if cfg.ID == 0 {
				cfg.ID = n.ID
			}
			extra, err := marshalJSON(cfg.ExtraConfig)
			if err != nil {
				return err
			}
			trigger, err := marshalJSON(cfg.TriggerConfig)
			if err != nil {
				return err
			}
			_, err = tx.ExecContext(ctx, `
				INSERT INTO component_configs (id, component_type, system_prompt, extra_config,
					model_name, temperature, max_tokens, top_p, frequency_penalty, presence_penalty,
					timeout_seconds, max_retries, response_format, llm_credential_id,
					llm_model_config_id, credential_id, is_active, priority, trigger_config, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				cfg.ID, string(cfg.ComponentType), cfg.SystemPrompt, extra,
				cfg.ModelName, cfg.Temperature, cfg.MaxTokens, cfg.TopP,
				cfg.FrequencyPenalty, cfg.PresencePenalty, cfg.TimeoutSeconds,
				cfg.MaxRetries, cfg.ResponseFormat, cfg.LLMCredentialID,
				cfg.LLMModelConfigID, cfg.CredentialID, cfg.IsActive, cfg.Priority,
				trigger, cfg.UpdatedAt.UTC())
			if err != nil {
				return fmt.Errorf("failed to insert config for node %s: %w", n.NodeID, err)
			}
			configID = cfg.ID
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO workflow_nodes (id, workflow_id, node_id, component_type,
				component_config_id, is_entry_point, interrupt_before, interrupt_after,
				subworkflow_id, code_block_id, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			n.ID, w.ID, n.NodeID, string(n.ComponentType), configID,
			n.IsEntryPoint, n.InterruptBefore, n.InterruptAfter,
			n.SubworkflowID, n.CodeBlockID, n.UpdatedAt.UTC())
		if err != nil {
			return fmt.Errorf("failed to insert node %s: %w", n.NodeID, err)
		}
	}

	for _, e := range w.Edges {
		mapping, err := marshalJSON(e.ConditionMapping)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO workflow_edges (id, workflow_id, source_node_id, target_node_id,
				edge_type, edge_label, condition_value, condition_mapping, priority)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ID, w.ID, e.SourceNodeID, e.TargetNodeID,
			string(e.EdgeType), string(e.EdgeLabel), e.ConditionValue, mapping, e.Priority)
		if err != nil {
			return fmt.Errorf("failed to insert edge %d: %w", e.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit workflow save: %w", err)
	}
	return nil
}

func (s *sqlStore) GetWorkflow(ctx context.Context, id int64) (*flow.Workflow, error) {
	return s.loadWorkflow(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE id = ?`, id)
}

func (s *sqlStore) GetWorkflowBySlug(ctx context.Context, slug string) (*flow.Workflow, error) {
	return s.loadWorkflow(ctx, `SELECT `+workflowColumns+` FROM workflows
		WHERE slug = ? AND is_active AND deleted_at IS NULL`, slug)
}

func (s *sqlStore) DefaultWorkflow(ctx context.Context) (*flow.Workflow, error) {
	return s.loadWorkflow(ctx, `SELECT `+workflowColumns+` FROM workflows
		WHERE is_default AND is_active AND deleted_at IS NULL ORDER BY id LIMIT 1`)
}

const workflowColumns = `id, slug, name, owner_id, is_active, is_default, tags,
	max_execution_seconds, input_schema, output_schema, error_handler_workflow_id,
	created_at, updated_at, deleted_at`

func (s *sqlStore) loadWorkflow(ctx context.Context, query string, args ...any) (*flow.Workflow, error) {
	var w flow.Workflow
	var tags, inputSchema, outputSchema sql.NullString
	var errHandler sql.NullInt64
	var deletedAt sql.NullTime

	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&w.ID, &w.Slug, &w.Name, &w.OwnerID, &w.IsActive, &w.IsDefault, &tags,
		&w.MaxExecutionSeconds, &inputSchema, &outputSchema, &errHandler,
		&w.CreatedAt, &w.UpdatedAt, &deletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load workflow: %w", err)
	}

	if err := unmarshalJSON(tags, &w.Tags); err != nil {
		return nil, err
	}
	if inputSchema.Valid {
		w.InputSchema = json.RawMessage(inputSchema.String)
	}
	if outputSchema.Valid {
		w.OutputSchema = json.RawMessage(outputSchema.String)
	}
	if errHandler.Valid {
		w.ErrorHandlerWorkflowID = &errHandler.Int64
	}
	if deletedAt.Valid {
		t := deletedAt.Time
		w.DeletedAt = &t
	}

	if err := s.loadNodes(ctx, &w); err != nil {
		return nil, err
	}
	if err := s.loadEdges(ctx, &w); err != nil {
		return nil, err
	}
	return &w, nil
}

func (s *sqlStore) loadNodes(ctx context.Context, w *flow.Workflow) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT n.id, n.node_id, n.component_type, n.is_entry_point,
			n.interrupt_before, n.interrupt_after, n.subworkflow_id, n.code_block_id,
			n.updated_at,
			c.id, c.component_type, c.system_prompt, c.extra_config, c.model_name,
			c.temperature, c.max_tokens, c.top_p, c.frequency_penalty, c.presence_penalty,
			c.timeout_seconds, c.max_retries, c.response_format, c.llm_credential_id,
			c.llm_model_config_id, c.credential_id, c.is_active, c.priority,
			c.trigger_config, c.updated_at
		FROM workflow_nodes n
		LEFT JOIN component_configs c ON c.id = n.component_config_id
		WHERE n.workflow_id = ?
		ORDER BY n.id`, w.ID)
	if err != nil {
		return fmt.Errorf("failed to load nodes: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var n flow.Node
		n.WorkflowID = w.ID
		var componentType string
		var subworkflowID, codeBlockID sql.NullInt64

		var cfgID sql.NullInt64
		var cfgType, cfgPrompt, cfgExtra, cfgModel, cfgFormat, cfgTrigger sql.NullString
		var cfgTemp, cfgTopP, cfgFreq, cfgPres sql.NullFloat64
		var cfgMaxTokens, cfgTimeout, cfgRetries, cfgLLMCred, cfgLLMModelCfg, cfgCred sql.NullInt64
		var cfgActive sql.NullBool
		var cfgPriority sql.NullInt64
		var cfgUpdated sql.NullTime

		err := rows.Scan(&n.ID, &n.NodeID, &componentType, &n.IsEntryPoint,
			&n.InterruptBefore, &n.InterruptAfter, &subworkflowID, &codeBlockID,
			&n.UpdatedAt,
			&cfgID, &cfgType, &cfgPrompt, &cfgExtra, &cfgModel,
			&cfgTemp, &cfgMaxTokens, &cfgTopP, &cfgFreq, &cfgPres,
			&cfgTimeout, &cfgRetries, &cfgFormat, &cfgLLMCred,
			&cfgLLMModelCfg, &cfgCred, &cfgActive, &cfgPriority,
			&cfgTrigger, &cfgUpdated)
		if err != nil {
			return fmt.Errorf("failed to scan node: %w", err)
		}

		n.ComponentType = flow.ComponentType(componentType)
		if subworkflowID.Valid {
			n.SubworkflowID = &subworkflowID.Int64
		}
		if codeBlockID.Valid {
			n.CodeBlockID = &codeBlockID.Int64
		}

		if cfgID.Valid {
			cfg := &flow.ComponentConfig{
				ID:             cfgID.Int64,
				ComponentType:  flow.ComponentType(cfgType.String),
				SystemPrompt:   cfgPrompt.String,
				ModelName:      cfgModel.String,
				ResponseFormat: cfgFormat.String,
			}
			if err := unmarshalJSON(cfgExtra, &cfg.ExtraConfig); err != nil {
				return err
			}
			if err := unmarshalJSON(cfgTrigger, &cfg.TriggerConfig); err != nil {
				return err
			}
			cfg.Temperature = nullFloatPtr(cfgTemp)
			cfg.TopP = nullFloatPtr(cfgTopP)
			cfg.FrequencyPenalty = nullFloatPtr(cfgFreq)
			cfg.PresencePenalty = nullFloatPtr(cfgPres)
			cfg.MaxTokens = nullIntPtr(cfgMaxTokens)
			cfg.TimeoutSeconds = nullIntPtr(cfgTimeout)
			cfg.MaxRetries = nullIntPtr(cfgRetries)
			cfg.LLMCredentialID = nullInt64Ptr(cfgLLMCred)
			cfg.LLMModelConfigID = nullInt64Ptr(cfgLLMModelCfg)
			cfg.CredentialID = nullInt64Ptr(cfgCred)
			cfg.IsActive = cfgActive.Bool
			cfg.Priority = int(cfgPriority.Int64)
			cfg.UpdatedAt = cfgUpdated.Time
			n.Config = cfg
		}
		w.Nodes = append(w.Nodes, &n)
	}
	return rows.Err()
}

func (s *sqlStore) loadEdges(ctx context.Context, w *flow.Workflow) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, source_node_id, target_node_id, edge_type, edge_label,
			condition_value, condition_mapping, priority
		FROM workflow_edges WHERE workflow_id = ? ORDER BY id`, w.ID)
	if err != nil {
		return fmt.Errorf("failed to load edges: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var e flow.Edge
		e.WorkflowID = w.ID
		var edgeType, edgeLabel string
		var conditionValue, mapping sql.NullString
		err := rows.Scan(&e.ID, &e.SourceNodeID, &e.TargetNodeID, &edgeType,
			&edgeLabel, &conditionValue, &mapping, &e.Priority)
		if err != nil {
			return fmt.Errorf("failed to scan edge: %w", err)
		}
		e.EdgeType = flow.EdgeType(edgeType)
		e.EdgeLabel = flow.NormalizeEdgeLabel(edgeLabel)
		e.ConditionValue = conditionValue.String
		if err := unmarshalJSON(mapping, &e.ConditionMapping); err != nil {
			return err
		}
		w.Edges = append(w.Edges, &e)
	}
	return rows.Err()
}

func (s *sqlStore) DeleteWorkflow(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflows SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL`,
		time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to delete workflow %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqlStore) ListTriggerNodes(ctx context.Context, ct flow.ComponentType) ([]TriggerBinding, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT n.workflow_id, n.node_id
		FROM workflow_nodes n
		JOIN workflows w ON w.id = n.workflow_id
		LEFT JOIN component_configs c ON c.id = n.component_config_id
		WHERE n.component_type = ? AND w.is_active AND w.deleted_at IS NULL
		ORDER BY COALESCE(c.priority, 0) DESC, n.id ASC`, string(ct))
	if err != nil {
		return nil, fmt.Errorf("failed to list trigger nodes: %w", err)
	}
	defer rows.Close()

	type ref struct {
		workflowID int64
		nodeID     string
	}
	var refs []ref
	for rows.Next() {
		var r ref
		if err := rows.Scan(&r.workflowID, &r.nodeID); err != nil {
			return nil, fmt.Errorf("failed to scan trigger ref: %w", err)
		}
		refs = append(refs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	workflows := map[int64]*flow.Workflow{}
	var out []TriggerBinding
	for _, r := range refs {
		w := workflows[r.workflowID]
		if w == nil {
			w, err = s.GetWorkflow(ctx, r.workflowID)
			if err != nil {
				return nil, err
			}
			workflows[r.workflowID] = w
		}
		if n := w.Node(r.nodeID); n != nil {
			out = append(out, TriggerBinding{Workflow: w, Node: n})
		}
	}
	return out, nil
}

const executionColumns = `execution_id, workflow_id, trigger_node_id, parent_execution_id,
	parent_node_id, user_profile_id, thread_id, status, trigger_payload, final_output,
	retry_count, max_retries, error_message, created_at, started_at, completed_at,
	total_input_tokens, total_output_tokens, total_tokens, total_cost_usd, llm_calls,
	tool_invocations`

func (s *sqlStore) CreateExecution(ctx context.Context, e *flow.WorkflowExecution) error {
	payload, err := marshalJSON(e.TriggerPayload)
	if err != nil {
		return err
	}
	output, err := marshalJSON(e.FinalOutput)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflow_executions (`+executionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ExecutionID, e.WorkflowID, e.TriggerNodeID, e.ParentExecutionID,
		e.ParentNodeID, e.UserProfileID, e.ThreadID, string(e.Status), payload, output,
		e.RetryCount, e.MaxRetries, e.ErrorMessage, e.CreatedAt.UTC(),
		nullTime(e.StartedAt), nullTime(e.CompletedAt),
		e.TotalInputTokens, e.TotalOutputTokens, e.TotalTokens, e.TotalCostUSD,
		e.LLMCalls, e.ToolInvocations)
	if err != nil {
		return fmt.Errorf("failed to create execution %s: %w", e.ExecutionID, err)
	}
	return nil
}

func (s *sqlStore) UpdateExecution(ctx context.Context, e *flow.WorkflowExecution) error {
	payload, err := marshalJSON(e.TriggerPayload)
	if err != nil {
		return err
	}
	output, err := marshalJSON(e.FinalOutput)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflow_executions SET workflow_id = ?, trigger_node_id = ?,
			parent_execution_id = ?, parent_node_id = ?, user_profile_id = ?, thread_id = ?,
			status = ?, trigger_payload = ?, final_output = ?, retry_count = ?,
			max_retries = ?, error_message = ?, started_at = ?, completed_at = ?,
			total_input_tokens = ?, total_output_tokens = ?, total_tokens = ?,
			total_cost_usd = ?, llm_calls = ?, tool_invocations = ?
		WHERE execution_id = ?`,
		e.WorkflowID, e.TriggerNodeID, e.ParentExecutionID, e.ParentNodeID,
		e.UserProfileID, e.ThreadID, string(e.Status), payload, output,
		e.RetryCount, e.MaxRetries, e.ErrorMessage,
		nullTime(e.StartedAt), nullTime(e.CompletedAt),
		e.TotalInputTokens, e.TotalOutputTokens, e.TotalTokens, e.TotalCostUSD,
		e.LLMCalls, e.ToolInvocations, e.ExecutionID)
	if err != nil {
		return fmt.Errorf("failed to update execution %s: %w", e.ExecutionID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqlStore) GetExecution(ctx context.Context, executionID string) (*flow.WorkflowExecution, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM workflow_executions WHERE execution_id = ?`,
		executionID)
	e, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

func (s *sqlStore) ListRunningBefore(ctx context.Context, cutoff time.Time) ([]*flow.WorkflowExecution, error) {
	return s.listExecutions(ctx, `SELECT `+executionColumns+` FROM workflow_executions
		WHERE status IN ('pending', 'running', 'interrupted') AND started_at IS NOT NULL
		AND started_at < ?`, cutoff.UTC())
}

func (s *sqlStore) ListChildren(ctx context.Context, executionID string) ([]*flow.WorkflowExecution, error) {
	return s.listExecutions(ctx, `SELECT `+executionColumns+` FROM workflow_executions
		WHERE parent_execution_id = ?`, executionID)
}

func (s *sqlStore) listExecutions(ctx context.Context, query string, args ...any) ([]*flow.WorkflowExecution, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	var out []*flow.WorkflowExecution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (*flow.WorkflowExecution, error) {
	var e flow.WorkflowExecution
	var parentExec, errMsg sql.NullString
	var parentNode sql.NullString
	var userProfile sql.NullInt64
	var status string
	var payload, output sql.NullString
	var startedAt, completedAt sql.NullTime

	err := row.Scan(&e.ExecutionID, &e.WorkflowID, &e.TriggerNodeID, &parentExec,
		&parentNode, &userProfile, &e.ThreadID, &status, &payload, &output,
		&e.RetryCount, &e.MaxRetries, &errMsg, &e.CreatedAt, &startedAt, &completedAt,
		&e.TotalInputTokens, &e.TotalOutputTokens, &e.TotalTokens, &e.TotalCostUSD,
		&e.LLMCalls, &e.ToolInvocations)
	if err != nil {
		return nil, err
	}

	e.Status = flow.ExecutionStatus(status)
	e.ParentNodeID = parentNode.String
	e.ErrorMessage = errMsg.String
	if parentExec.Valid {
		e.ParentExecutionID = &parentExec.String
	}
	if userProfile.Valid {
		e.UserProfileID = &userProfile.Int64
	}
	if startedAt.Valid {
		t := startedAt.Time
		e.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		e.CompletedAt = &t
	}
	if err := unmarshalJSON(payload, &e.TriggerPayload); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(output, &e.FinalOutput); err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *sqlStore) SaveState(ctx context.Context, executionID string, data []byte) error {
	return s.replaceBlob(ctx, "execution_states", "execution_id", executionID, data)
}

func (s *sqlStore) LoadState(ctx context.Context, executionID string) ([]byte, error) {
	return s.loadBlob(ctx, "execution_states", "execution_id", executionID)
}

func (s *sqlStore) SaveThreadCheckpoint(ctx context.Context, threadID string, data []byte) error {
	return s.replaceBlob(ctx, "thread_checkpoints", "thread_id", threadID, data)
}

func (s *sqlStore) LoadThreadCheckpoint(ctx context.Context, threadID string) ([]byte, error) {
	return s.loadBlob(ctx, "thread_checkpoints", "thread_id", threadID)
}

func (s *sqlStore) replaceBlob(ctx context.Context, table, keyCol, key string, data []byte) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin %s save: %w", table, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE %s = ?", table, keyCol), key); err != nil {
		return fmt.Errorf("failed to clear %s: %w", table, err)
	}
	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf("INSERT INTO %s (%s, state, updated_at) VALUES (?, ?, ?)", table, keyCol),
		key, string(data), time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to insert %s: %w", table, err)
	}
	return tx.Commit()
}

func (s *sqlStore) loadBlob(ctx context.Context, table, keyCol, key string) ([]byte, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT state FROM %s WHERE %s = ?", table, keyCol), key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", table, err)
	}
	return []byte(data), nil
}

func (s *sqlStore) AppendLog(ctx context.Context, l *flow.ExecutionLog) error {
	input, err := marshalJSON(l.Input)
	if err != nil {
		return err
	}
	output, err := marshalJSON(l.Output)
	if err != nil {
		return err
	}
	metadata, err := marshalJSON(l.Metadata)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO execution_logs (execution_id, node_id, status, input, output,
			error, error_code, metadata, retry_count, duration_ms, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ExecutionID, l.NodeID, string(l.Status), input, output,
		l.Error, l.ErrorCode, metadata, l.RetryCount, l.DurationMS, l.Timestamp.UTC())
	if err != nil {
		return fmt.Errorf("failed to append log for %s/%s: %w", l.ExecutionID, l.NodeID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read log id: %w", err)
	}
	l.ID = id
	return nil
}

func (s *sqlStore) ListLogs(ctx context.Context, executionID string) ([]*flow.ExecutionLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, node_id, status, input, output, error, error_code, metadata,
			retry_count, duration_ms, timestamp
		FROM execution_logs WHERE execution_id = ? ORDER BY id`, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list logs: %w", err)
	}
	defer rows.Close()

	var out []*flow.ExecutionLog
	for rows.Next() {
		l := &flow.ExecutionLog{ExecutionID: executionID}
		var status string
		var input, output, metadata, errStr, errCode sql.NullString
		err := rows.Scan(&l.ID, &l.NodeID, &status, &input, &output,
			&errStr, &errCode, &metadata, &l.RetryCount, &l.DurationMS, &l.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("failed to scan log: %w", err)
		}
		l.Status = flow.LogStatus(status)
		l.Error = errStr.String
		l.ErrorCode = errCode.String
		if err := unmarshalJSON(input, &l.Input); err != nil {
			return nil, err
		}
		if err := unmarshalJSON(output, &l.Output); err != nil {
			return nil, err
		}
		if err := unmarshalJSON(metadata, &l.Metadata); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *sqlStore) CreatePendingTask(ctx context.Context, t *flow.PendingTask) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pending_tasks (task_id, execution_id, user_profile_id,
			external_chat_id, node_id, prompt, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.TaskID, t.ExecutionID, t.UserProfileID, t.ExternalChatID,
		t.NodeID, t.Prompt, t.ExpiresAt.UTC(), t.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to create pending task %s: %w", t.TaskID, err)
	}
	return nil
}

func (s *sqlStore) GetPendingTask(ctx context.Context, taskID string) (*flow.PendingTask, error) {
	var t flow.PendingTask
	var userProfile sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT task_id, execution_id, user_profile_id, external_chat_id, node_id,
			prompt, expires_at, created_at
		FROM pending_tasks WHERE task_id = ?`, taskID).Scan(
		&t.TaskID, &t.ExecutionID, &userProfile, &t.ExternalChatID, &t.NodeID,
		&t.Prompt, &t.ExpiresAt, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load pending task: %w", err)
	}
	if userProfile.Valid {
		t.UserProfileID = &userProfile.Int64
	}
	return &t, nil
}

func (s *sqlStore) DeletePendingTask(ctx context.Context, taskID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM pending_tasks WHERE task_id = ?`, taskID)
	if err != nil {
		return fmt.Errorf("failed to delete pending task %s: %w", taskID, err)
	}
	return nil
}

func (s *sqlStore) DeleteExpiredPendingTasks(ctx context.Context, now time.Time) ([]*flow.PendingTask, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, execution_id, user_profile_id, external_chat_id, node_id,
			prompt, expires_at, created_at
		FROM pending_tasks WHERE expires_at < ?`, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to list expired pending tasks: %w", err)
	}
	defer rows.Close()

	var expired []*flow.PendingTask
	for rows.Next() {
		var t flow.PendingTask
		var userProfile sql.NullInt64
		if err := rows.Scan(&t.TaskID, &t.ExecutionID, &userProfile, &t.ExternalChatID,
			&t.NodeID, &t.Prompt, &t.ExpiresAt, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan pending task: %w", err)
		}
		if userProfile.Valid {
			t.UserProfileID = &userProfile.Int64
		}
		expired = append(expired, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM pending_tasks WHERE expires_at < ?`, now.UTC()); err != nil {
		return nil, fmt.Errorf("failed to expire pending tasks: %w", err)
	}
	return expired, nil
}

func (s *sqlStore) SaveScheduledJob(ctx context.Context, j *flow.ScheduledJob) error {
	payload, err := marshalJSON(j.TriggerPayload)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin schedule save: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM scheduled_jobs WHERE id = ?`, j.ID); err != nil {
		return fmt.Errorf("failed to clear schedule %s: %w", j.ID, err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO scheduled_jobs (id, workflow_id, trigger_node_id, user_profile_id,
			interval_seconds, total_repeats, max_retries, timeout_seconds, trigger_payload,
			status, current_repeat, current_retry, last_run_at, next_run_at,
			run_count, error_count, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.WorkflowID, j.TriggerNodeID, j.UserProfileID,
		j.IntervalSeconds, j.TotalRepeats, j.MaxRetries, j.TimeoutSeconds, payload,
		string(j.Status), j.CurrentRepeat, j.CurrentRetry,
		nullTime(j.LastRunAt), nullTime(j.NextRunAt),
		j.RunCount, j.ErrorCount, j.LastError)
	if err != nil {
		return fmt.Errorf("failed to save schedule %s: %w", j.ID, err)
	}
	return tx.Commit()
}

func (s *sqlStore) GetScheduledJob(ctx context.Context, id string) (*flow.ScheduledJob, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, workflow_id, trigger_node_id, user_profile_id, interval_seconds,
			total_repeats, max_retries, timeout_seconds, trigger_payload, status,
			current_repeat, current_retry, last_run_at, next_run_at, run_count,
			error_count, last_error
		FROM scheduled_jobs WHERE id = ?`, id)
	j, err := scanScheduledJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return j, err
}

func (s *sqlStore) ListScheduledJobs(ctx context.Context, status flow.ScheduleStatus) ([]*flow.ScheduledJob, error) {
	query := `SELECT id, workflow_id, trigger_node_id, user_profile_id, interval_seconds,
			total_repeats, max_retries, timeout_seconds, trigger_payload, status,
			current_repeat, current_retry, last_run_at, next_run_at, run_count,
			error_count, last_error
		FROM scheduled_jobs`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list schedules: %w", err)
	}
	defer rows.Close()

	var out []*flow.ScheduledJob
	for rows.Next() {
		j, err := scanScheduledJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func scanScheduledJob(row rowScanner) (*flow.ScheduledJob, error) {
	var j flow.ScheduledJob
	var userProfile sql.NullInt64
	var payload, lastError sql.NullString
	var status string
	var lastRun, nextRun sql.NullTime

	err := row.Scan(&j.ID, &j.WorkflowID, &j.TriggerNodeID, &userProfile,
		&j.IntervalSeconds, &j.TotalRepeats, &j.MaxRetries, &j.TimeoutSeconds,
		&payload, &status, &j.CurrentRepeat, &j.CurrentRetry, &lastRun, &nextRun,
		&j.RunCount, &j.ErrorCount, &lastError)
	if err != nil {
		return nil, err
	}

	j.Status = flow.ScheduleStatus(status)
	j.LastError = lastError.String
	if userProfile.Valid {
		j.UserProfileID = &userProfile.Int64
	}
	if lastRun.Valid {
		t := lastRun.Time
		j.LastRunAt = &t
	}
	if nextRun.Valid {
		t := nextRun.Time
		j.NextRunAt = &t
	}
	if err := unmarshalJSON(payload, &j.TriggerPayload); err != nil {
		return nil, err
	}
	return &j, nil
}

func (s *sqlStore) SaveChildWait(ctx context.Context, w *flow.ChildWait) error {
	childIDs, err := marshalJSON(w.ChildIDs)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin wait save: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM child_waits WHERE execution_id = ? AND node_id = ?`,
		w.ExecutionID, w.NodeID); err != nil {
		return fmt.Errorf("failed to clear wait: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO child_waits (execution_id, node_id, child_ids, created_at)
		VALUES (?, ?, ?, ?)`,
		w.ExecutionID, w.NodeID, childIDs, w.CreatedAt.UTC()); err != nil {
		return fmt.Errorf("failed to save wait: %w", err)
	}
	return tx.Commit()
}

func (s *sqlStore) GetChildWait(ctx context.Context, executionID, nodeID string) (*flow.ChildWait, error) {
	w := &flow.ChildWait{ExecutionID: executionID, NodeID: nodeID}
	var childIDs sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT child_ids, created_at FROM child_waits
		WHERE execution_id = ? AND node_id = ?`, executionID, nodeID).Scan(&childIDs, &w.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load wait: %w", err)
	}
	if err := unmarshalJSON(childIDs, &w.ChildIDs); err != nil {
		return nil, err
	}
	return w, nil
}

func (s *sqlStore) DeleteChildWait(ctx context.Context, executionID, nodeID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM child_waits WHERE execution_id = ? AND node_id = ?`, executionID, nodeID)
	if err != nil {
		return fmt.Errorf("failed to delete wait: %w", err)
	}
	return nil
}

func (s *sqlStore) ListChildWaitsBefore(ctx context.Context, cutoff time.Time) ([]*flow.ChildWait, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT execution_id, node_id, child_ids, created_at
		FROM child_waits WHERE created_at < ?`, cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to list waits: %w", err)
	}
	defer rows.Close()

	var out []*flow.ChildWait
	for rows.Next() {
		w := &flow.ChildWait{}
		var childIDs sql.NullString
		if err := rows.Scan(&w.ExecutionID, &w.NodeID, &childIDs, &w.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan wait: %w", err)
		}
		if err := unmarshalJSON(childIDs, &w.ChildIDs); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// marshalJSON renders v as a JSON string, or nil for empty values so the
// column stays NULL.
func marshalJSON(v any) (any, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		if t == nil {
			return nil, nil
		}
	case map[string]string:
		if t == nil {
			return nil, nil
		}
	case []string:
		if t == nil {
			return nil, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal json column: %w", err)
	}
	return string(data), nil
}

func unmarshalJSON(col sql.NullString, target any) error {
	if !col.Valid || col.String == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(col.String), target); err != nil {
		return fmt.Errorf("failed to unmarshal json column: %w", err)
	}
	return nil
}

func rawJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func nullFloatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func nullIntPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	i := int(v.Int64)
	return &i
}

func nullInt64Ptr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	i := v.Int64
	return &i
}
