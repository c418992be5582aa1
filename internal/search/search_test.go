package search

import (
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlattenPropsCollectsStringLeavesInKeyOrder(t *testing.T) {
	raw := []byte(`{"title":"Spring Sale","cta":{"label":"Shop now","href":"/shop"},"items":["One","",2,"Two"]}`)
	assert.Equal(t, "/shop Shop now One Two Spring Sale", FlattenProps(raw))
	assert.Equal(t, "", FlattenProps(nil))
	assert.Equal(t, "", FlattenProps([]byte(`not json`)))
}

func TestParseResultType(t *testing.T) {
	assert.Equal(t, ResultSite, ParseResultType("site"))
	assert.Equal(t, ResultTemplate, ParseResultType("template"))
	assert.Equal(t, ResultType(""), ParseResultType("document"))
	assert.Equal(t, ResultType(""), ParseResultType(""))
}

func TestMeiliFiltersScopeByOwnerAndSite(t *testing.T) {
	q := Query{SiteID: "sit_1", OwnerID: "usr_1"}
	assert.Equal(t, []string{`id = "sit_1"`, `ownerId = "usr_1"`}, meiliFilters(q, ResultSite))
	assert.Equal(t, []string{`siteId = "sit_1"`, `ownerId = "usr_1"`}, meiliFilters(q, ResultComponent))
	assert.Equal(t, []string{`isPublic = true OR createdBy = "usr_1"`}, meiliFilters(q, ResultTemplate))
	assert.Empty(t, meiliFilters(Query{}, ResultSite))
}

func TestPgFTSSearchEmptyTextSkipsDatabase(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	results, total, err := NewPgFTS(db).Search(Query{Text: "   "})
	require.NoError(t, err)
	assert.Nil(t, results)
	assert.Zero(t, total)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPgFTSSearchComponentsScopedToOwner(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT count(*) FROM")).
		WithArgs("hero", "usr_1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT type, id, title, snippet, site_id, owner_id, page")).
		WithArgs("hero", "usr_1").
		WillReturnRows(sqlmock.NewRows([]string{"type", "id", "title", "snippet", "site_id", "owner_id", "page"}).
			AddRow("component", "cmp_1", "Hero", "Big <b>hero</b>", "sit_1", "usr_1", "home"))

	results, total, err := NewPgFTS(db).Search(Query{Text: "hero", FilterType: ResultComponent, OwnerID: "usr_1"})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, results, 1)
	assert.Equal(t, ResultComponent, results[0].Type)
	assert.Equal(t, "sit_1", results[0].SiteID)
	assert.Equal(t, "home", results[0].Page)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPgFTSSearchSiteFilterExcludesTemplates(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`SELECT count\(\*\) FROM \(\s+SELECT 'site'`).
		WithArgs("landing", "sit_9", "sit_9").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery("SELECT type, id").
		WithArgs("landing", "sit_9", "sit_9").
		WillReturnRows(sqlmock.NewRows([]string{"type", "id", "title", "snippet", "site_id", "owner_id", "page"}))

	results, total, err := NewPgFTS(db).Search(Query{Text: "landing", SiteID: "sit_9"})
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, results)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestServiceWithoutBackendsReturnsEmptyResponse(t *testing.T) {
	svc := NewService(nil, nil)
	resp := svc.Search(Query{Text: "anything"})
	assert.Equal(t, []Result{}, resp.Results)
	assert.Equal(t, "anything", resp.Query)

	// Index writes are no-ops without Meilisearch.
	svc.IndexSite(SiteRecord{ID: "sit_1"})
	svc.DeleteComponent("cmp_1")
}
