package search

import (
	"context"
	"log"
)

// Service is the facade that tries Meilisearch first and falls back to PG FTS.
type Service struct {
	meili *Meili
	pgfts *PgFTS
}

// NewService creates a search service. meili may be nil if Meilisearch is not configured.
func NewService(meili *Meili, pgfts *PgFTS) *Service {
	return &Service{meili: meili, pgfts: pgfts}
}

func (s *Service) Search(q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		log.Printf("search: meilisearch error, falling back to pgfts: %v", err)
	}

	if s.pgfts == nil {
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	results, total, err := s.pgfts.Search(q)
	if err != nil {
		log.Printf("search: pgfts error: %v", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// async pushes an index write to Meilisearch without blocking the caller. PG FTS reads
// the tables directly, so nothing is lost when Meilisearch is down.
func (s *Service) async(what, id string, write func(*Meili) error) {
	if s == nil || s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := write(s.meili); err != nil {
			log.Printf("search: %s %s: %v", what, id, err)
		}
	}()
}

func (s *Service) IndexSite(site SiteRecord) {
	s.async("index site", site.ID, func(m *Meili) error { return m.IndexSite(site) })
}

func (s *Service) IndexComponent(component ComponentRecord) {
	s.async("index component", component.ID, func(m *Meili) error { return m.IndexComponent(component) })
}

func (s *Service) IndexTemplate(template TemplateRecord) {
	s.async("index template", template.ID, func(m *Meili) error { return m.IndexTemplate(template) })
}

func (s *Service) DeleteSite(id string) {
	s.async("delete site", id, func(m *Meili) error { return m.DeleteSite(id) })
}

func (s *Service) DeleteComponent(id string) {
	s.async("delete component", id, func(m *Meili) error { return m.DeleteComponent(id) })
}

func (s *Service) DeleteTemplate(id string) {
	s.async("delete template", id, func(m *Meili) error { return m.DeleteTemplate(id) })
}

// ReindexAllFromPG reindexes all searchable entities from PostgreSQL into Meilisearch.
// Called at startup once Meilisearch is reachable.
func (s *Service) ReindexAllFromPG(ctx context.Context) {
	if s.meili == nil || !s.meili.Healthy() || s.pgfts == nil {
		return
	}
	sites, components, templates, err := s.pgfts.LoadAllRecords(ctx)
	if err != nil {
		log.Printf("search: reindex load failed: %v", err)
		return
	}
	if err := s.meili.IndexAll(sites, components, templates); err != nil {
		log.Printf("search: reindex: %v", err)
		return
	}
	log.Printf("search: reindexed %d sites, %d components, %d templates", len(sites), len(components), len(templates))
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
