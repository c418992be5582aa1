package search

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
)

const (
	idxSites      = "sitecraft_sites"
	idxComponents = "sitecraft_components"
	idxTemplates  = "sitecraft_templates"
)

// Meili implements Searcher and Indexer via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a Meilisearch client and configures indexes. An unreachable server is
// not fatal: the health loop picks it up once it comes back.
func NewMeili(url, apiKey string) *Meili {
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client: client,
		done:   make(chan struct{}),
	}

	if _, err := client.Health(); err != nil {
		log.Printf("search: meilisearch unavailable at %s: %v", url, err)
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndexes()
	}

	go m.healthLoop()
	return m
}

type indexSpec struct {
	uid        string
	rtyp       ResultType
	filterable []string
	searchable []string
}

var indexSpecs = []indexSpec{
	{
		uid:        idxSites,
		rtyp:       ResultSite,
		filterable: []string{"id", "ownerId", "status"},
		searchable: []string{"name", "description", "domain"},
	},
	{
		uid:        idxComponents,
		rtyp:       ResultComponent,
		filterable: []string{"siteId", "ownerId", "page", "type"},
		searchable: []string{"name", "text", "type"},
	},
	{
		uid:        idxTemplates,
		rtyp:       ResultTemplate,
		filterable: []string{"category", "isPublic", "createdBy"},
		searchable: []string{"name", "category", "description"},
	},
}

func (m *Meili) configureIndexes() {
	for _, idx := range indexSpecs {
		if _, err := m.client.CreateIndex(&meili.IndexConfig{
			Uid:        idx.uid,
			PrimaryKey: "id",
		}); err != nil {
			log.Printf("search: create index %s (may already exist): %v", idx.uid, err)
		}

		index := m.client.Index(idx.uid)
		filterable := make([]interface{}, len(idx.filterable))
		for i, v := range idx.filterable {
			filterable[i] = v
		}
		if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
			log.Printf("search: update filterable attrs for %s: %v", idx.uid, err)
		}
		searchable := idx.searchable
		if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
			log.Printf("search: update searchable attrs for %s: %v", idx.uid, err)
		}
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				log.Println("search: meilisearch recovered, reconfiguring indexes")
				m.configureIndexes()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

// meiliFilters builds the filter expression list for one index. Entries are ANDed by Meilisearch.
func meiliFilters(q Query, rtyp ResultType) []string {
	var filters []string
	switch rtyp {
	case ResultSite:
		if q.SiteID != "" {
			filters = append(filters, fmt.Sprintf("id = %q", q.SiteID))
		}
		if q.OwnerID != "" {
			filters = append(filters, fmt.Sprintf("ownerId = %q", q.OwnerID))
		}
	case ResultComponent:
		if q.SiteID != "" {
			filters = append(filters, fmt.Sprintf("siteId = %q", q.SiteID))
		}
		if q.OwnerID != "" {
			filters = append(filters, fmt.Sprintf("ownerId = %q", q.OwnerID))
		}
	case ResultTemplate:
		if q.OwnerID != "" {
			filters = append(filters, fmt.Sprintf("isPublic = true OR createdBy = %q", q.OwnerID))
		}
	}
	return filters
}

// Search queries every index (or the one named by FilterType) and merges results.
func (m *Meili) Search(q Query) ([]Result, int, error) {
	if !m.healthy.Load() {
		return nil, 0, fmt.Errorf("meilisearch unhealthy")
	}

	limit := int64(q.Limit)
	if limit == 0 {
		limit = 20
	}

	var queries []*meili.SearchRequest
	for _, idx := range indexSpecs {
		if q.FilterType != "" && q.FilterType != idx.rtyp {
			continue
		}
		// A site filter leaves templates out: they do not belong to a site.
		if q.SiteID != "" && idx.rtyp == ResultTemplate {
			continue
		}
		sr := &meili.SearchRequest{
			IndexUID:              idx.uid,
			Query:                 q.Text,
			Limit:                 limit,
			Offset:                int64(q.Offset),
			AttributesToHighlight: []string{"*"},
			HighlightPreTag:       "<mark>",
			HighlightPostTag:      "</mark>",
			ShowRankingScore:      true,
		}
		if filters := meiliFilters(q, idx.rtyp); len(filters) > 0 {
			sr.Filter = filters
		}
		queries = append(queries, sr)
	}

	if len(queries) == 0 {
		return nil, 0, nil
	}

	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{
		Queries: queries,
	})
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch multi-search: %w", err)
	}

	var results []Result
	total := 0
	for _, sr := range resp.Results {
		total += int(sr.EstimatedTotalHits)
		rtyp := indexToResultType(sr.IndexUID)
		for _, hit := range sr.Hits {
			results = append(results, hitToResult(hit, rtyp))
		}
	}

	return results, total, nil
}

func indexToResultType(uid string) ResultType {
	for _, idx := range indexSpecs {
		if idx.uid == uid {
			return idx.rtyp
		}
	}
	return ""
}

func hitToResult(hit meili.Hit, rtyp ResultType) Result {
	r := Result{Type: rtyp}
	r.ID = decodeString(hit, "id")
	r.OwnerID = decodeString(hit, "ownerId")

	switch rtyp {
	case ResultSite:
		r.SiteID = r.ID
		r.Title = highlighted(hit, "name")
		r.Snippet = firstNonBlank(highlighted(hit, "description"), highlighted(hit, "domain"))
	case ResultComponent:
		r.SiteID = decodeString(hit, "siteId")
		r.Page = decodeString(hit, "page")
		r.Title = firstNonBlank(highlighted(hit, "name"), decodeString(hit, "type"))
		r.Snippet = highlighted(hit, "text")
	case ResultTemplate:
		r.OwnerID = decodeString(hit, "createdBy")
		r.Title = highlighted(hit, "name")
		r.Snippet = firstNonBlank(highlighted(hit, "description"), highlighted(hit, "category"))
	}
	return r
}

func highlighted(hit meili.Hit, key string) string {
	return firstNonBlank(decodeFormattedString(hit, key), decodeString(hit, key))
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

func decodeFormattedString(hit meili.Hit, key string) string {
	raw, ok := hit["_formatted"]
	if !ok {
		return ""
	}
	var formatted map[string]any
	if err := json.Unmarshal(raw, &formatted); err != nil {
		return ""
	}
	value, _ := formatted[key].(string)
	return strings.TrimSpace(value)
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

func (m *Meili) IndexSite(site SiteRecord) error {
	_, err := m.client.Index(idxSites).AddDocuments([]SiteRecord{site}, nil)
	return err
}

func (m *Meili) IndexComponent(component ComponentRecord) error {
	_, err := m.client.Index(idxComponents).AddDocuments([]ComponentRecord{component}, nil)
	return err
}

func (m *Meili) IndexTemplate(template TemplateRecord) error {
	_, err := m.client.Index(idxTemplates).AddDocuments([]TemplateRecord{template}, nil)
	return err
}

func (m *Meili) DeleteSite(id string) error {
	_, err := m.client.Index(idxSites).DeleteDocument(id, nil)
	return err
}

func (m *Meili) DeleteComponent(id string) error {
	_, err := m.client.Index(idxComponents).DeleteDocument(id, nil)
	return err
}

func (m *Meili) DeleteTemplate(id string) error {
	_, err := m.client.Index(idxTemplates).DeleteDocument(id, nil)
	return err
}

// IndexAll bulk-indexes every record set; empty sets are skipped.
func (m *Meili) IndexAll(sites []SiteRecord, components []ComponentRecord, templates []TemplateRecord) error {
	if len(sites) > 0 {
		if _, err := m.client.Index(idxSites).AddDocuments(sites, nil); err != nil {
			return fmt.Errorf("index sites: %w", err)
		}
	}
	if len(components) > 0 {
		if _, err := m.client.Index(idxComponents).AddDocuments(components, nil); err != nil {
			return fmt.Errorf("index components: %w", err)
		}
	}
	if len(templates) > 0 {
		if _, err := m.client.Index(idxTemplates).AddDocuments(templates, nil); err != nil {
			return fmt.Errorf("index templates: %w", err)
		}
	}
	return nil
}
