package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; without Postgres nothing else works either.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search runs one UNION ALL query over the generated search_vector columns of sites,
// components and templates, ranked with ts_rank and snippeted with ts_headline.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	tsQuery := "plainto_tsquery('english', $1)"
	args := []any{q.Text}
	argN := 2
	bind := func(value any) string {
		args = append(args, value)
		placeholder := fmt.Sprintf("$%d", argN)
		argN++
		return placeholder
	}

	var subQueries []string

	if q.FilterType == "" || q.FilterType == ResultSite {
		where := "s.search_vector @@ " + tsQuery
		if q.SiteID != "" {
			where += " AND s.id = " + bind(q.SiteID)
		}
		if q.OwnerID != "" {
			where += " AND s.owner_id = " + bind(q.OwnerID)
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'site'::text AS type, s.id, s.name AS title,
				ts_headline('english', coalesce(s.description, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				s.id AS site_id, s.owner_id, ''::text AS page,
				ts_rank(s.search_vector, %s) AS rank
			FROM sites s
			WHERE %s`, tsQuery, tsQuery, where))
	}

	if q.FilterType == "" || q.FilterType == ResultComponent {
		where := "c.search_vector @@ " + tsQuery
		if q.SiteID != "" {
			where += " AND c.site_id = " + bind(q.SiteID)
		}
		if q.OwnerID != "" {
			where += " AND s.owner_id = " + bind(q.OwnerID)
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'component'::text AS type, c.id, c.name AS title,
				ts_headline('english', c.props::text, %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				c.site_id, s.owner_id, c.page,
				ts_rank(c.search_vector, %s) AS rank
			FROM components c
			JOIN sites s ON s.id = c.site_id
			WHERE %s`, tsQuery, tsQuery, where))
	}

	if (q.FilterType == "" || q.FilterType == ResultTemplate) && q.SiteID == "" {
		where := "t.search_vector @@ " + tsQuery
		if q.OwnerID != "" {
			where += " AND (t.is_public OR t.created_by = " + bind(q.OwnerID) + ")"
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'template'::text AS type, t.id, t.name AS title,
				ts_headline('english', coalesce(t.description, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				''::text AS site_id, t.created_by AS owner_id, ''::text AS page,
				ts_rank(t.search_vector, %s) AS rank
			FROM templates t
			WHERE %s`, tsQuery, tsQuery, where))
	}

	if len(subQueries) == 0 {
		return nil, 0, nil
	}

	union := strings.Join(subQueries, " UNION ALL ")
	countSQL := fmt.Sprintf("SELECT count(*) FROM (%s) sub", union)
	dataSQL := fmt.Sprintf(`SELECT type, id, title, snippet, site_id, owner_id, page
		FROM (%s) sub
		ORDER BY rank DESC, id
		LIMIT %d OFFSET %d`, union, limit, offset)

	ctx := context.Background()

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var typ string
		if err := rows.Scan(&typ, &r.ID, &r.Title, &r.Snippet, &r.SiteID, &r.OwnerID, &r.Page); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(typ)
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadAllRecords returns every searchable record for a full reindex.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]SiteRecord, []ComponentRecord, []TemplateRecord, error) {
	siteRows, err := p.db.QueryContext(ctx, `
		SELECT id, name, description, domain, owner_id, status FROM sites
	`)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load sites: %w", err)
	}
	defer siteRows.Close()

	sites := make([]SiteRecord, 0)
	for siteRows.Next() {
		var s SiteRecord
		if err := siteRows.Scan(&s.ID, &s.Name, &s.Description, &s.Domain, &s.OwnerID, &s.Status); err != nil {
			return nil, nil, nil, fmt.Errorf("scan site: %w", err)
		}
		sites = append(sites, s)
	}
	if err := siteRows.Err(); err != nil {
		return nil, nil, nil, fmt.Errorf("iterate sites: %w", err)
	}

	componentRows, err := p.db.QueryContext(ctx, `
		SELECT c.id, c.site_id, s.owner_id, c.page, c.type, c.name, c.props
		FROM components c
		JOIN sites s ON s.id = c.site_id
	`)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load components: %w", err)
	}
	defer componentRows.Close()

	components := make([]ComponentRecord, 0)
	for componentRows.Next() {
		var c ComponentRecord
		var props []byte
		if err := componentRows.Scan(&c.ID, &c.SiteID, &c.OwnerID, &c.Page, &c.Type, &c.Name, &props); err != nil {
			return nil, nil, nil, fmt.Errorf("scan component: %w", err)
		}
		c.Text = FlattenProps(props)
		components = append(components, c)
	}
	if err := componentRows.Err(); err != nil {
		return nil, nil, nil, fmt.Errorf("iterate components: %w", err)
	}

	templateRows, err := p.db.QueryContext(ctx, `
		SELECT id, name, category, description, is_public, created_by FROM templates
	`)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load templates: %w", err)
	}
	defer templateRows.Close()

	templates := make([]TemplateRecord, 0)
	for templateRows.Next() {
		var t TemplateRecord
		if err := templateRows.Scan(&t.ID, &t.Name, &t.Category, &t.Description, &t.IsPublic, &t.CreatedBy); err != nil {
			return nil, nil, nil, fmt.Errorf("scan template: %w", err)
		}
		templates = append(templates, t)
	}
	if err := templateRows.Err(); err != nil {
		return nil, nil, nil, fmt.Errorf("iterate templates: %w", err)
	}

	return sites, components, templates, nil
}
