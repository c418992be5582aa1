package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

const siteColumns = `id, owner_id, name, slug, description, domain, status, COALESCE(template_id, ''), settings,
	published_version, published_hash, published_at, created_at, updated_at`

func scanSite(row rowScanner) (Site, error) {
	var site Site
	var settings []byte
	var publishedAt sql.NullTime
	err := row.Scan(&site.ID, &site.OwnerID, &site.Name, &site.Slug, &site.Description, &site.Domain, &site.Status,
		&site.TemplateID, &settings, &site.PublishedVersion, &site.PublishedHash, &publishedAt, &site.CreatedAt, &site.UpdatedAt)
	if err != nil {
		return Site{}, translate(err)
	}
	site.Settings = rawJSON(settings, "{}")
	site.PublishedAt = timePtr(publishedAt)
	return site, nil
}

func (s *PostgresStore) InsertSite(ctx context.Context, site Site) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sites (id, owner_id, name, slug, description, domain, status, template_id, settings)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::jsonb)
	`, site.ID, site.OwnerID, site.Name, site.Slug, site.Description, site.Domain, site.Status,
		nullString(site.TemplateID), jsonText(site.Settings, "{}"))
	if err != nil {
		return fmt.Errorf("insert site: %w", translate(err))
	}
	return nil
}

func (s *PostgresStore) GetSite(ctx context.Context, siteID string) (Site, error) {
	return scanSite(s.db.QueryRowContext(ctx, `SELECT `+siteColumns+` FROM sites WHERE id=$1`, siteID))
}

// ListSites returns sites owned by ownerID, or every site when ownerID is empty.
func (s *PostgresStore) ListSites(ctx context.Context, ownerID string) ([]Site, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+siteColumns+` FROM sites
		WHERE ($1 = '' OR owner_id = $1)
		ORDER BY updated_at DESC
	`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list sites: %w", err)
	}
	defer rows.Close()
	return collectSites(rows)
}

func (s *PostgresStore) ListPublishedSites(ctx context.Context) ([]Site, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+siteColumns+` FROM sites
		WHERE status = 'published' AND domain <> ''
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("list published sites: %w", err)
	}
	defer rows.Close()
	return collectSites(rows)
}

func collectSites(rows *sql.Rows) ([]Site, error) {
	items := make([]Site, 0)
	for rows.Next() {
		site, err := scanSite(rows)
		if err != nil {
			return nil, fmt.Errorf("scan site: %w", err)
		}
		items = append(items, site)
	}
	return items, rows.Err()
}

func (s *PostgresStore) UpdateSite(ctx context.Context, site Site) error {
	changed, err := rowsAffected(s.db.ExecContext(ctx, `
		UPDATE sites
		SET name=$2, description=$3, domain=$4, settings=$5::jsonb, updated_at=NOW()
		WHERE id=$1
	`, site.ID, site.Name, site.Description, site.Domain, jsonText(site.Settings, "{}")))
	if err != nil {
		return fmt.Errorf("update site: %w", err)
	}
	if !changed {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) TouchSite(ctx context.Context, siteID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sites SET updated_at=NOW() WHERE id=$1`, siteID)
	if err != nil {
		return fmt.Errorf("touch site: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteSite(ctx context.Context, siteID string) error {
	changed, err := rowsAffected(s.db.ExecContext(ctx, `DELETE FROM sites WHERE id=$1`, siteID))
	if err != nil {
		return fmt.Errorf("delete site: %w", err)
	}
	if !changed {
		return ErrNotFound
	}
	return nil
}

// MarkSitePublished bumps the published version and returns the new value.
func (s *PostgresStore) MarkSitePublished(ctx context.Context, siteID, hash string) (int, error) {
	var version int
	err := s.db.QueryRowContext(ctx, `
		UPDATE sites
		SET status='published', published_version=published_version+1, published_hash=$2,
			published_at=NOW(), updated_at=NOW()
		WHERE id=$1 AND status <> 'archived'
		RETURNING published_version
	`, siteID, hash).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("mark site published: %w", translate(err))
	}
	return version, nil
}

func (s *PostgresStore) MarkSiteUnpublished(ctx context.Context, siteID string) (bool, error) {
	return rowsAffected(s.db.ExecContext(ctx, `
		UPDATE sites SET status='draft', updated_at=NOW()
		WHERE id=$1 AND status='published'
	`, siteID))
}

const componentColumns = `id, site_id, page, type, name, props, position, version, updated_by, created_at, updated_at`

func scanComponent(row rowScanner) (Component, error) {
	var item Component
	var props []byte
	err := row.Scan(&item.ID, &item.SiteID, &item.Page, &item.Type, &item.Name, &props, &item.Position,
		&item.Version, &item.UpdatedBy, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Component{}, translate(err)
	}
	item.Props = rawJSON(props, "{}")
	return item, nil
}

// InsertComponent appends the component to the end of its page.
func (s *PostgresStore) InsertComponent(ctx context.Context, item Component) (Component, error) {
	return scanComponent(s.db.QueryRowContext(ctx, `
		INSERT INTO components (id, site_id, page, type, name, props, position, updated_by)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb,
			COALESCE((SELECT MAX(position) + 1 FROM components WHERE site_id=$2 AND page=$3), 0), $7)
		RETURNING `+componentColumns,
		item.ID, item.SiteID, item.Page, item.Type, item.Name, jsonText(item.Props, "{}"), item.UpdatedBy))
}

func (s *PostgresStore) GetComponent(ctx context.Context, componentID string) (Component, error) {
	return scanComponent(s.db.QueryRowContext(ctx, `SELECT `+componentColumns+` FROM components WHERE id=$1`, componentID))
}

// ListComponents returns a site's components; an empty page returns every page.
func (s *PostgresStore) ListComponents(ctx context.Context, siteID, page string) ([]Component, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+componentColumns+` FROM components
		WHERE site_id=$1 AND ($2 = '' OR page=$2)
		ORDER BY page, position, created_at
	`, siteID, page)
	if err != nil {
		return nil, fmt.Errorf("list components: %w", err)
	}
	defer rows.Close()

	items := make([]Component, 0)
	for rows.Next() {
		item, err := scanComponent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan component: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// UpdateComponent applies the edit and bumps the version. A positive expectedVersion
// turns the write into a compare-and-set that fails with ErrConflict on mismatch.
func (s *PostgresStore) UpdateComponent(ctx context.Context, item Component, expectedVersion int) (Component, error) {
	updated, err := scanComponent(s.db.QueryRowContext(ctx, `
		UPDATE components
		SET type=$2, name=$3, props=$4::jsonb, updated_by=$5, version=version+1, updated_at=NOW()
		WHERE id=$1 AND ($6 <= 0 OR version=$6)
		RETURNING `+componentColumns,
		item.ID, item.Type, item.Name, jsonText(item.Props, "{}"), item.UpdatedBy, expectedVersion))
	if err == nil {
		return updated, nil
	}
	if !errors.Is(err, ErrNotFound) || expectedVersion <= 0 {
		return Component{}, fmt.Errorf("update component: %w", err)
	}
	if _, getErr := s.GetComponent(ctx, item.ID); getErr != nil {
		return Component{}, getErr
	}
	return Component{}, fmt.Errorf("update component: %w: version changed", ErrConflict)
}

func (s *PostgresStore) DeleteComponent(ctx context.Context, componentID string) error {
	changed, err := rowsAffected(s.db.ExecContext(ctx, `DELETE FROM components WHERE id=$1`, componentID))
	if err != nil {
		return fmt.Errorf("delete component: %w", err)
	}
	if !changed {
		return ErrNotFound
	}
	return nil
}

// ReorderComponents rewrites positions for one page in the given order.
func (s *PostgresStore) ReorderComponents(ctx context.Context, siteID, page string, orderedIDs []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin reorder tx: %w", err)
	}
	for index, componentID := range orderedIDs {
		changed, err := rowsAffected(tx.ExecContext(ctx, `
			UPDATE components SET position=$4, updated_at=NOW()
			WHERE id=$1 AND site_id=$2 AND page=$3
		`, componentID, siteID, page, index))
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("reorder component %s: %w", componentID, err)
		}
		if !changed {
			_ = tx.Rollback()
			return fmt.Errorf("reorder component %s: %w", componentID, ErrNotFound)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit reorder tx: %w", err)
	}
	return nil
}

// ReplaceComponents swaps every component of a site for the given set.
func (s *PostgresStore) ReplaceComponents(ctx context.Context, siteID string, items []Component) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin replace tx: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM components WHERE site_id=$1`, siteID); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("clear components: %w", err)
	}
	for _, item := range items {
		version := item.Version
		if version <= 0 {
			version = 1
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO components (id, site_id, page, type, name, props, position, version, updated_by)
			VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $8, $9)
		`, item.ID, siteID, item.Page, item.Type, item.Name, jsonText(item.Props, "{}"), item.Position, version, item.UpdatedBy); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert component %s: %w", item.ID, translate(err))
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit replace tx: %w", err)
	}
	return nil
}

const templateColumns = `id, name, category, description, thumbnail_url, blueprints, is_public, created_by, created_at, updated_at`

func scanTemplate(row rowScanner) (Template, error) {
	var item Template
	var blueprints []byte
	err := row.Scan(&item.ID, &item.Name, &item.Category, &item.Description, &item.ThumbnailURL, &blueprints,
		&item.IsPublic, &item.CreatedBy, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Template{}, translate(err)
	}
	item.Blueprints = []ComponentBlueprint{}
	if len(blueprints) > 0 {
		if err := json.Unmarshal(blueprints, &item.Blueprints); err != nil {
			return Template{}, fmt.Errorf("decode blueprints: %w", err)
		}
	}
	return item, nil
}

func encodeBlueprints(items []ComponentBlueprint) (string, error) {
	if items == nil {
		items = []ComponentBlueprint{}
	}
	encoded, err := json.Marshal(items)
	if err != nil {
		return "", fmt.Errorf("encode blueprints: %w", err)
	}
	return string(encoded), nil
}

func (s *PostgresStore) InsertTemplate(ctx context.Context, item Template) error {
	blueprints, err := encodeBlueprints(item.Blueprints)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO templates (id, name, category, description, thumbnail_url, blueprints, is_public, created_by)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $8)
	`, item.ID, item.Name, item.Category, item.Description, item.ThumbnailURL, blueprints, item.IsPublic, item.CreatedBy)
	if err != nil {
		return fmt.Errorf("insert template: %w", translate(err))
	}
	return nil
}

func (s *PostgresStore) GetTemplate(ctx context.Context, templateID string) (Template, error) {
	return scanTemplate(s.db.QueryRowContext(ctx, `SELECT `+templateColumns+` FROM templates WHERE id=$1`, templateID))
}

func (s *PostgresStore) ListTemplates(ctx context.Context, category string) ([]Template, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+templateColumns+` FROM templates
		WHERE ($1 = '' OR category=$1)
		ORDER BY category, name
	`, category)
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	defer rows.Close()

	items := make([]Template, 0)
	for rows.Next() {
		item, err := scanTemplate(rows)
		if err != nil {
			return nil, fmt.Errorf("scan template: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *PostgresStore) UpdateTemplate(ctx context.Context, item Template) error {
	blueprints, err := encodeBlueprints(item.Blueprints)
	if err != nil {
		return err
	}
	changed, err := rowsAffected(s.db.ExecContext(ctx, `
		UPDATE templates
		SET name=$2, category=$3, description=$4, thumbnail_url=$5, blueprints=$6::jsonb, is_public=$7, updated_at=NOW()
		WHERE id=$1
	`, item.ID, item.Name, item.Category, item.Description, item.ThumbnailURL, blueprints, item.IsPublic))
	if err != nil {
		return fmt.Errorf("update template: %w", err)
	}
	if !changed {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteTemplate(ctx context.Context, templateID string) error {
	changed, err := rowsAffected(s.db.ExecContext(ctx, `DELETE FROM templates WHERE id=$1`, templateID))
	if err != nil {
		return fmt.Errorf("delete template: %w", err)
	}
	if !changed {
		return ErrNotFound
	}
	return nil
}
