package store

import (
	"context"
	"database/sql"
	"fmt"
)

const abTestColumns = `id, site_id, name, goal, status, winner_variant_id, created_by, created_at, started_at, completed_at`

func scanABTest(row rowScanner) (ABTest, error) {
	var item ABTest
	var started, completed sql.NullTime
	err := row.Scan(&item.ID, &item.SiteID, &item.Name, &item.Goal, &item.Status, &item.WinnerVariantID, &item.CreatedBy,
		&item.CreatedAt, &started, &completed)
	if err != nil {
		return ABTest{}, translate(err)
	}
	item.StartedAt = timePtr(started)
	item.CompletedAt = timePtr(completed)
	return item, nil
}

func (s *PostgresStore) InsertABTest(ctx context.Context, item ABTest) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin ab test tx: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO ab_tests (id, site_id, name, goal, status, created_by)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, item.ID, item.SiteID, item.Name, item.Goal, item.Status, item.CreatedBy); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("insert ab test: %w", translate(err))
	}
	for index, variant := range item.Variants {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO ab_variants (id, test_id, name, weight, content, position)
			VALUES ($1, $2, $3, $4, $5::jsonb, $6)
		`, variant.ID, item.ID, variant.Name, variant.Weight, jsonText(variant.Content, "{}"), index); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert ab variant: %w", translate(err))
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit ab test tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetABTest(ctx context.Context, testID string) (ABTest, error) {
	item, err := scanABTest(s.db.QueryRowContext(ctx, `SELECT `+abTestColumns+` FROM ab_tests WHERE id=$1`, testID))
	if err != nil {
		return ABTest{}, err
	}
	variants, err := s.listVariants(ctx, testID)
	if err != nil {
		return ABTest{}, err
	}
	item.Variants = variants
	return item, nil
}

func (s *PostgresStore) listVariants(ctx context.Context, testID string) ([]ABVariant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, test_id, name, weight, content, position FROM ab_variants WHERE test_id=$1 ORDER BY position
	`, testID)
	if err != nil {
		return nil, fmt.Errorf("list ab variants: %w", err)
	}
	defer rows.Close()

	items := make([]ABVariant, 0)
	for rows.Next() {
		var item ABVariant
		var content []byte
		if err := rows.Scan(&item.ID, &item.TestID, &item.Name, &item.Weight, &content, &item.Position); err != nil {
			return nil, fmt.Errorf("scan ab variant: %w", err)
		}
		item.Content = rawJSON(content, "{}")
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *PostgresStore) ListABTests(ctx context.Context, siteID string) ([]ABTest, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+abTestColumns+` FROM ab_tests WHERE ($1 = '' OR site_id=$1) ORDER BY created_at DESC
	`, siteID)
	if err != nil {
		return nil, fmt.Errorf("list ab tests: %w", err)
	}
	defer rows.Close()

	items := make([]ABTest, 0)
	for rows.Next() {
		item, err := scanABTest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ab test: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// TransitionABTest moves a test between statuses, stamping the matching timestamp.
func (s *PostgresStore) TransitionABTest(ctx context.Context, testID, from, to, winnerVariantID string) (bool, error) {
	return rowsAffected(s.db.ExecContext(ctx, `
		UPDATE ab_tests
		SET status=$3,
			winner_variant_id=CASE WHEN $3='completed' THEN $4 ELSE winner_variant_id END,
			started_at=CASE WHEN $3='running' THEN NOW() ELSE started_at END,
			completed_at=CASE WHEN $3='completed' THEN NOW() ELSE completed_at END
		WHERE id=$1 AND status=$2
	`, testID, from, to, winnerVariantID))
}

func (s *PostgresStore) DeleteABTest(ctx context.Context, testID string) error {
	changed, err := rowsAffected(s.db.ExecContext(ctx, `DELETE FROM ab_tests WHERE id=$1`, testID))
	if err != nil {
		return fmt.Errorf("delete ab test: %w", err)
	}
	if !changed {
		return ErrNotFound
	}
	return nil
}

// RecordExposure is idempotent per visitor and variant.
func (s *PostgresStore) RecordExposure(ctx context.Context, testID, variantID, visitorID string) (bool, error) {
	return rowsAffected(s.db.ExecContext(ctx, `
		INSERT INTO ab_exposures (test_id, variant_id, visitor_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (test_id, variant_id, visitor_id) DO NOTHING
	`, testID, variantID, visitorID))
}

// RecordConversion counts at most one conversion per visitor and variant. The visitor is
// exposed implicitly when no exposure row exists yet.
func (s *PostgresStore) RecordConversion(ctx context.Context, testID, variantID, visitorID string) (bool, error) {
	return rowsAffected(s.db.ExecContext(ctx, `
		INSERT INTO ab_exposures (test_id, variant_id, visitor_id, converted_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (test_id, variant_id, visitor_id)
		DO UPDATE SET converted_at=NOW() WHERE ab_exposures.converted_at IS NULL
	`, testID, variantID, visitorID))
}

func (s *PostgresStore) ABVariantStats(ctx context.Context, testID string) ([]ABVariantStats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT v.id, COUNT(e.visitor_id), COUNT(e.converted_at)
		FROM ab_variants v
		LEFT JOIN ab_exposures e ON e.variant_id = v.id
		WHERE v.test_id=$1
		GROUP BY v.id, v.position
		ORDER BY v.position
	`, testID)
	if err != nil {
		return nil, fmt.Errorf("ab variant stats: %w", err)
	}
	defer rows.Close()

	items := make([]ABVariantStats, 0)
	for rows.Next() {
		var item ABVariantStats
		if err := rows.Scan(&item.VariantID, &item.Exposures, &item.Conversions); err != nil {
			return nil, fmt.Errorf("scan ab variant stats: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}
