package search

import (
	"encoding/json"
	"sort"
	"strings"
)

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultSite      ResultType = "site"
	ResultComponent ResultType = "component"
	ResultTemplate  ResultType = "template"
)

// ParseResultType returns the result type for a query-string value; unknown values mean all types.
func ParseResultType(value string) ResultType {
	switch ResultType(value) {
	case ResultSite, ResultComponent, ResultTemplate:
		return ResultType(value)
	default:
		return ""
	}
}

// Result is a single search hit returned to the caller.
type Result struct {
	Type    ResultType `json:"type"`
	ID      string     `json:"id"`
	Title   string     `json:"title"`
	Snippet string     `json:"snippet"`
	SiteID  string     `json:"siteId,omitempty"`
	OwnerID string     `json:"ownerId,omitempty"`
	Page    string     `json:"page,omitempty"`
}

// Query describes a search request.
type Query struct {
	Text       string
	FilterType ResultType // empty = all types
	SiteID     string
	// OwnerID restricts sites and components to one owner; templates stay visible when public.
	OwnerID string
	Limit   int
	Offset  int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push entities into a search index.
type Indexer interface {
	IndexSite(site SiteRecord) error
	IndexComponent(component ComponentRecord) error
	IndexTemplate(template TemplateRecord) error
	DeleteSite(id string) error
	DeleteComponent(id string) error
	DeleteTemplate(id string) error
}

type SiteRecord struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Domain      string `json:"domain"`
	OwnerID     string `json:"ownerId"`
	Status      string `json:"status"`
}

// ComponentRecord flattens props into text so component copy is searchable.
type ComponentRecord struct {
	ID      string `json:"id"`
	SiteID  string `json:"siteId"`
	OwnerID string `json:"ownerId"`
	Page    string `json:"page"`
	Type    string `json:"type"`
	Name    string `json:"name"`
	Text    string `json:"text"`
}

type TemplateRecord struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Category    string `json:"category"`
	Description string `json:"description"`
	IsPublic    bool   `json:"isPublic"`
	CreatedBy   string `json:"createdBy"`
}

// FlattenProps collects the string leaves of a component's props, depth first, in key order.
func FlattenProps(raw []byte) string {
	if len(raw) == 0 {
		return ""
	}
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return ""
	}
	parts := make([]string, 0)
	collectStrings(value, &parts)
	return strings.Join(parts, " ")
}

func collectStrings(value any, parts *[]string) {
	switch typed := value.(type) {
	case string:
		if text := strings.TrimSpace(typed); text != "" {
			*parts = append(*parts, text)
		}
	case []any:
		for _, item := range typed {
			collectStrings(item, parts)
		}
	case map[string]any:
		keys := make([]string, 0, len(typed))
		for key := range typed {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			collectStrings(typed[key], parts)
		}
	}
}
