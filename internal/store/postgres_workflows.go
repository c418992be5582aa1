package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const workflowColumns = `id, COALESCE(site_id, ''), name, description, definition, trigger_type, trigger_config,
	active, next_run_at, last_run_at, created_by, created_at, updated_at`

func scanWorkflow(row rowScanner) (Workflow, error) {
	var item Workflow
	var definition, triggerConfig []byte
	var nextRun, lastRun sql.NullTime
	err := row.Scan(&item.ID, &item.SiteID, &item.Name, &item.Description, &definition, &item.TriggerType,
		&triggerConfig, &item.Active, &nextRun, &lastRun, &item.CreatedBy, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Workflow{}, translate(err)
	}
	item.Definition = rawJSON(definition, "{}")
	item.TriggerConfig = rawJSON(triggerConfig, "{}")
	item.NextRunAt = timePtr(nextRun)
	item.LastRunAt = timePtr(lastRun)
	return item, nil
}

func collectWorkflows(rows *sql.Rows) ([]Workflow, error) {
	items := make([]Workflow, 0)
	for rows.Next() {
		item, err := scanWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workflow: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *PostgresStore) InsertWorkflow(ctx context.Context, item Workflow) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workflows (id, site_id, name, description, definition, trigger_type, trigger_config, active, next_run_at, created_by)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7::jsonb, $8, $9, $10)
	`, item.ID, nullString(item.SiteID), item.Name, item.Description, jsonText(item.Definition, "{}"),
		item.TriggerType, jsonText(item.TriggerConfig, "{}"), item.Active, item.NextRunAt, item.CreatedBy)
	if err != nil {
		return fmt.Errorf("insert workflow: %w", translate(err))
	}
	return nil
}

func (s *PostgresStore) GetWorkflow(ctx context.Context, workflowID string) (Workflow, error) {
	return scanWorkflow(s.db.QueryRowContext(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE id=$1`, workflowID))
}

func (s *PostgresStore) ListWorkflows(ctx context.Context, siteID string) ([]Workflow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+workflowColumns+` FROM workflows
		WHERE ($1 = '' OR site_id=$1)
		ORDER BY created_at DESC
	`, siteID)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	defer rows.Close()
	return collectWorkflows(rows)
}

func (s *PostgresStore) ListActiveWorkflowsByTrigger(ctx context.Context, triggerType string) ([]Workflow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+workflowColumns+` FROM workflows
		WHERE active AND trigger_type=$1
		ORDER BY id
	`, triggerType)
	if err != nil {
		return nil, fmt.Errorf("list workflows by trigger: %w", err)
	}
	defer rows.Close()
	return collectWorkflows(rows)
}

func (s *PostgresStore) ListDueWorkflows(ctx context.Context, now time.Time) ([]Workflow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+workflowColumns+` FROM workflows
		WHERE active AND trigger_type='schedule' AND next_run_at IS NOT NULL AND next_run_at <= $1
		ORDER BY next_run_at
	`, now)
	if err != nil {
		return nil, fmt.Errorf("list due workflows: %w", err)
	}
	defer rows.Close()
	return collectWorkflows(rows)
}

func (s *PostgresStore) UpdateWorkflow(ctx context.Context, item Workflow) error {
	changed, err := rowsAffected(s.db.ExecContext(ctx, `
		UPDATE workflows
		SET name=$2, description=$3, definition=$4::jsonb, trigger_type=$5, trigger_config=$6::jsonb,
			next_run_at=$7, updated_at=NOW()
		WHERE id=$1
	`, item.ID, item.Name, item.Description, jsonText(item.Definition, "{}"), item.TriggerType,
		jsonText(item.TriggerConfig, "{}"), item.NextRunAt))
	if err != nil {
		return fmt.Errorf("update workflow: %w", err)
	}
	if !changed {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) SetWorkflowActive(ctx context.Context, workflowID string, active bool, nextRunAt *time.Time) error {
	changed, err := rowsAffected(s.db.ExecContext(ctx, `
		UPDATE workflows SET active=$2, next_run_at=$3, updated_at=NOW() WHERE id=$1
	`, workflowID, active, nextRunAt))
	if err != nil {
		return fmt.Errorf("set workflow active: %w", err)
	}
	if !changed {
		return ErrNotFound
	}
	return nil
}

// ClaimScheduledRun moves next_run_at from due to next. Only one caller wins a given slot.
func (s *PostgresStore) ClaimScheduledRun(ctx context.Context, workflowID string, due, next time.Time) (bool, error) {
	return rowsAffected(s.db.ExecContext(ctx, `
		UPDATE workflows SET next_run_at=$3, last_run_at=NOW()
		WHERE id=$1 AND active AND next_run_at=$2
	`, workflowID, due, next))
}

func (s *PostgresStore) DeleteWorkflow(ctx context.Context, workflowID string) error {
	changed, err := rowsAffected(s.db.ExecContext(ctx, `DELETE FROM workflows WHERE id=$1`, workflowID))
	if err != nil {
		return fmt.Errorf("delete workflow: %w", err)
	}
	if !changed {
		return ErrNotFound
	}
	return nil
}

// DisableFailingWorkflows deactivates a site's workflows that failed since the given time.
func (s *PostgresStore) DisableFailingWorkflows(ctx context.Context, siteID string, since time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE workflows SET active=FALSE, updated_at=NOW()
		WHERE site_id=$1 AND active AND id IN (
			SELECT workflow_id FROM workflow_executions WHERE status='failed' AND started_at >= $2
		)
		RETURNING id
	`, siteID, since)
	if err != nil {
		return nil, fmt.Errorf("disable failing workflows: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan workflow id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

const executionColumns = `id, workflow_id, status, trigger_type, input, output, node_results, error, started_at, finished_at`

func scanExecution(row rowScanner) (WorkflowExecution, error) {
	var item WorkflowExecution
	var input, output, results []byte
	var finished sql.NullTime
	err := row.Scan(&item.ID, &item.WorkflowID, &item.Status, &item.TriggerType, &input, &output, &results,
		&item.Error, &item.StartedAt, &finished)
	if err != nil {
		return WorkflowExecution{}, translate(err)
	}
	item.Input = rawJSON(input, "{}")
	item.Output = rawJSON(output, "{}")
	item.NodeResults = rawJSON(results, "[]")
	item.FinishedAt = timePtr(finished)
	return item, nil
}

func (s *PostgresStore) InsertExecution(ctx context.Context, item WorkflowExecution) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workflow_executions (id, workflow_id, status, trigger_type, input, started_at)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6)
	`, item.ID, item.WorkflowID, item.Status, item.TriggerType, jsonText(item.Input, "{}"), item.StartedAt)
	if err != nil {
		return fmt.Errorf("insert execution: %w", translate(err))
	}
	return nil
}

// FinishExecution closes a running execution. It returns false when the
// execution was already finished.
func (s *PostgresStore) FinishExecution(ctx context.Context, item WorkflowExecution) (bool, error) {
	changed, err := rowsAffected(s.db.ExecContext(ctx, `
		UPDATE workflow_executions
		SET status=$2, output=$3::jsonb, node_results=$4::jsonb, error=$5, finished_at=NOW()
		WHERE id=$1 AND status='running'
	`, item.ID, item.Status, jsonText(item.Output, "{}"), jsonText(item.NodeResults, "[]"), item.Error))
	if err != nil {
		return false, fmt.Errorf("finish execution: %w", err)
	}
	return changed, nil
}

func (s *PostgresStore) GetExecution(ctx context.Context, executionID string) (WorkflowExecution, error) {
	return scanExecution(s.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM workflow_executions WHERE id=$1`, executionID))
}

func (s *PostgresStore) ListExecutions(ctx context.Context, workflowID string, limit int) ([]WorkflowExecution, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+executionColumns+` FROM workflow_executions
		WHERE workflow_id=$1
		ORDER BY started_at DESC
		LIMIT $2
	`, workflowID, limit)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	items := make([]WorkflowExecution, 0)
	for rows.Next() {
		item, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *PostgresStore) CountFailedExecutions(ctx context.Context, siteID string, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM workflow_executions e
		JOIN workflows w ON w.id = e.workflow_id
		WHERE w.site_id=$1 AND e.status='failed' AND e.started_at >= $2
	`, siteID, since).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count failed executions: %w", err)
	}
	return count, nil
}
