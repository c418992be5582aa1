package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

type ViolationFilter struct {
	SiteID string
	Status string
	Limit  int
}

const violationColumns = `id, site_id, metric, threshold, observed, severity, status, escalation_level, root_cause,
	confidence, evidence, details, resolution, detected_at, updated_at, escalated_at, resolved_at`

func scanViolation(row rowScanner) (SLAViolation, error) {
	var item SLAViolation
	var evidence, details []byte
	var escalated, resolved sql.NullTime
	err := row.Scan(&item.ID, &item.SiteID, &item.Metric, &item.Threshold, &item.Observed, &item.Severity, &item.Status,
		&item.EscalationLevel, &item.RootCause, &item.Confidence, &evidence, &details, &item.Resolution,
		&item.DetectedAt, &item.UpdatedAt, &escalated, &resolved)
	if err != nil {
		return SLAViolation{}, translate(err)
	}
	item.Evidence = rawJSON(evidence, "[]")
	item.Details = rawJSON(details, "{}")
	item.EscalatedAt = timePtr(escalated)
	item.ResolvedAt = timePtr(resolved)
	return item, nil
}

func collectViolations(rows *sql.Rows) ([]SLAViolation, error) {
	items := make([]SLAViolation, 0)
	for rows.Next() {
		item, err := scanViolation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan violation: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *PostgresStore) InsertViolation(ctx context.Context, item SLAViolation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sla_violations (id, site_id, metric, threshold, observed, severity, status, details, detected_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, $9)
	`, item.ID, item.SiteID, item.Metric, item.Threshold, item.Observed, item.Severity, item.Status,
		jsonText(item.Details, "{}"), item.DetectedAt)
	if err != nil {
		return fmt.Errorf("insert violation: %w", translate(err))
	}
	return nil
}

func (s *PostgresStore) GetViolation(ctx context.Context, violationID string) (SLAViolation, error) {
	return scanViolation(s.db.QueryRowContext(ctx, `SELECT `+violationColumns+` FROM sla_violations WHERE id=$1`, violationID))
}

func (s *PostgresStore) ListViolations(ctx context.Context, filter ViolationFilter) ([]SLAViolation, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+violationColumns+` FROM sla_violations
		WHERE ($1 = '' OR site_id=$1) AND ($2 = '' OR status=$2)
		ORDER BY detected_at DESC
		LIMIT $3
	`, filter.SiteID, filter.Status, limit)
	if err != nil {
		return nil, fmt.Errorf("list violations: %w", err)
	}
	defer rows.Close()
	return collectViolations(rows)
}

// FindActiveViolation returns the newest unresolved violation for a site and metric.
func (s *PostgresStore) FindActiveViolation(ctx context.Context, siteID, metric string) (SLAViolation, error) {
	return scanViolation(s.db.QueryRowContext(ctx, `
		SELECT `+violationColumns+` FROM sla_violations
		WHERE site_id=$1 AND metric=$2 AND status <> 'resolved'
		ORDER BY detected_at DESC
		LIMIT 1
	`, siteID, metric))
}

func (s *PostgresStore) CountViolationsSince(ctx context.Context, siteID, metric string, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM sla_violations WHERE site_id=$1 AND metric=$2 AND detected_at >= $3
	`, siteID, metric, since).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count violations: %w", err)
	}
	return count, nil
}

// ListStaleViolations returns unresolved violations whose current stage started before cutoff
// and that can still escalate.
func (s *PostgresStore) ListStaleViolations(ctx context.Context, cutoff time.Time) ([]SLAViolation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+violationColumns+` FROM sla_violations
		WHERE status IN ('open', 'analyzing', 'remediating', 'escalated')
			AND escalation_level < 3
			AND COALESCE(escalated_at, detected_at) < $1
		ORDER BY detected_at
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list stale violations: %w", err)
	}
	defer rows.Close()
	return collectViolations(rows)
}

// TransitionViolation is a compare-and-set on status.
func (s *PostgresStore) TransitionViolation(ctx context.Context, violationID, from, to string) (bool, error) {
	return rowsAffected(s.db.ExecContext(ctx, `
		UPDATE sla_violations SET status=$3, updated_at=NOW() WHERE id=$1 AND status=$2
	`, violationID, from, to))
}

func (s *PostgresStore) SaveViolationAnalysis(ctx context.Context, violationID, rootCause string, confidence float64, evidence json.RawMessage) error {
	changed, err := rowsAffected(s.db.ExecContext(ctx, `
		UPDATE sla_violations SET root_cause=$2, confidence=$3, evidence=$4::jsonb, updated_at=NOW()
		WHERE id=$1
	`, violationID, rootCause, confidence, jsonText(evidence, "[]")))
	if err != nil {
		return fmt.Errorf("save violation analysis: %w", err)
	}
	if !changed {
		return ErrNotFound
	}
	return nil
}

// EscalateViolation moves a violation from status `from` at level-1 to escalated at level.
func (s *PostgresStore) EscalateViolation(ctx context.Context, violationID, from string, level int) (bool, error) {
	return rowsAffected(s.db.ExecContext(ctx, `
		UPDATE sla_violations
		SET status='escalated', escalation_level=$3, escalated_at=NOW(), updated_at=NOW()
		WHERE id=$1 AND status=$2 AND escalation_level=$3-1
	`, violationID, from, level))
}

func (s *PostgresStore) ResolveViolation(ctx context.Context, violationID, from, resolution string) (bool, error) {
	return rowsAffected(s.db.ExecContext(ctx, `
		UPDATE sla_violations
		SET status='resolved', resolution=$3, resolved_at=NOW(), updated_at=NOW()
		WHERE id=$1 AND status=$2
	`, violationID, from, resolution))
}

const attemptColumns = `id, violation_id, strategy, status, actions, error, started_at, finished_at`

func scanAttempt(row rowScanner) (RemediationAttempt, error) {
	var item RemediationAttempt
	var actions []byte
	var finished sql.NullTime
	err := row.Scan(&item.ID, &item.ViolationID, &item.Strategy, &item.Status, &actions, &item.Error, &item.StartedAt, &finished)
	if err != nil {
		return RemediationAttempt{}, translate(err)
	}
	item.Actions = rawJSON(actions, "[]")
	item.FinishedAt = timePtr(finished)
	return item, nil
}

func (s *PostgresStore) InsertAttempt(ctx context.Context, item RemediationAttempt) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO remediation_attempts (id, violation_id, strategy, status, actions, started_at)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6)
	`, item.ID, item.ViolationID, item.Strategy, item.Status, jsonText(item.Actions, "[]"), item.StartedAt)
	if err != nil {
		return fmt.Errorf("insert remediation attempt: %w", translate(err))
	}
	return nil
}

func (s *PostgresStore) FinishAttempt(ctx context.Context, item RemediationAttempt) error {
	changed, err := rowsAffected(s.db.ExecContext(ctx, `
		UPDATE remediation_attempts SET status=$2, actions=$3::jsonb, error=$4, finished_at=NOW()
		WHERE id=$1 AND status='running'
	`, item.ID, item.Status, jsonText(item.Actions, "[]"), item.Error))
	if err != nil {
		return fmt.Errorf("finish remediation attempt: %w", err)
	}
	if !changed {
		return fmt.Errorf("finish remediation attempt: %w: attempt already finished", ErrConflict)
	}
	return nil
}

func (s *PostgresStore) ListAttempts(ctx context.Context, violationID string) ([]RemediationAttempt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+attemptColumns+` FROM remediation_attempts WHERE violation_id=$1 ORDER BY started_at, id
	`, violationID)
	if err != nil {
		return nil, fmt.Errorf("list remediation attempts: %w", err)
	}
	defer rows.Close()

	items := make([]RemediationAttempt, 0)
	for rows.Next() {
		item, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("scan remediation attempt: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// LastPublishedAt is used by root-cause analysis to spot a deploy right before a regression.
func (s *PostgresStore) LastPublishedAt(ctx context.Context, siteID string) (*time.Time, error) {
	var published sql.NullTime
	err := s.db.QueryRowContext(ctx, `SELECT published_at FROM sites WHERE id=$1`, siteID).Scan(&published)
	if err != nil {
		return nil, fmt.Errorf("read published_at: %w", translate(err))
	}
	return timePtr(published), nil
}
