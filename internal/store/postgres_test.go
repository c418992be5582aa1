package store

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"testing/fstest"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresStore(db), mock
}

func componentRow(id string, version int) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{
		"id", "site_id", "page", "type", "name", "props", "position", "version", "updated_by", "created_at", "updated_at",
	}).AddRow(id, "site_1", "home", "hero", "Hero", []byte(`{"title":"Hi"}`), 0, version, "user_1", now, now)
}

func TestTransitionViolationIsCompareAndSet(t *testing.T) {
	s, mock := newMockStore(t)
	query := regexp.QuoteMeta(`UPDATE sla_violations SET status=$3, updated_at=NOW() WHERE id=$1 AND status=$2`)

	mock.ExpectExec(query).WithArgs("v1", "open", "analyzing").WillReturnResult(sqlmock.NewResult(0, 1))
	changed, err := s.TransitionViolation(context.Background(), "v1", "open", "analyzing")
	require.NoError(t, err)
	assert.True(t, changed)

	mock.ExpectExec(query).WithArgs("v1", "open", "analyzing").WillReturnResult(sqlmock.NewResult(0, 0))
	changed, err = s.TransitionViolation(context.Background(), "v1", "open", "analyzing")
	require.NoError(t, err)
	assert.False(t, changed)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateComponentBumpsVersion(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta(`UPDATE components`)).
		WithArgs("cmp_1", "hero", "Hero", `{"title":"Hi"}`, "user_1", 2).
		WillReturnRows(componentRow("cmp_1", 3))

	updated, err := s.UpdateComponent(context.Background(), Component{
		ID: "cmp_1", Type: "hero", Name: "Hero", Props: []byte(`{"title":"Hi"}`), UpdatedBy: "user_1",
	}, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, updated.Version)
	assert.JSONEq(t, `{"title":"Hi"}`, string(updated.Props))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateComponentVersionMismatchIsConflict(t *testing.T) {
	s, mock := newMockStore(t)
	emptyRows := sqlmock.NewRows([]string{
		"id", "site_id", "page", "type", "name", "props", "position", "version", "updated_by", "created_at", "updated_at",
	})
	mock.ExpectQuery(regexp.QuoteMeta(`UPDATE components`)).WillReturnRows(emptyRows)
	mock.ExpectQuery(regexp.QuoteMeta(`FROM components WHERE id=$1`)).WithArgs("cmp_1").WillReturnRows(componentRow("cmp_1", 5))

	_, err := s.UpdateComponent(context.Background(), Component{ID: "cmp_1", Type: "hero"}, 2)
	assert.ErrorIs(t, err, ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateComponentMissingIsNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	cols := []string{"id", "site_id", "page", "type", "name", "props", "position", "version", "updated_by", "created_at", "updated_at"}
	mock.ExpectQuery(regexp.QuoteMeta(`UPDATE components`)).WillReturnRows(sqlmock.NewRows(cols))
	mock.ExpectQuery(regexp.QuoteMeta(`FROM components WHERE id=$1`)).WithArgs("missing").WillReturnRows(sqlmock.NewRows(cols))

	_, err := s.UpdateComponent(context.Background(), Component{ID: "missing", Type: "hero"}, 1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReorderComponentsRollsBackOnUnknownID(t *testing.T) {
	s, mock := newMockStore(t)
	query := regexp.QuoteMeta(`UPDATE components SET position=$4`)

	mock.ExpectBegin()
	mock.ExpectExec(query).WithArgs("c1", "site_1", "home", 0).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(query).WithArgs("c2", "site_1", "home", 1).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := s.ReorderComponents(context.Background(), "site_1", "home", []string{"c1", "c2"})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetSiteNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta(`FROM sites WHERE id=$1`)).WithArgs("nope").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := s.GetSite(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRecordMessageOpenReportsFirstOpen(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now()
	cols := []string{"id", "campaign_id", "contact_id", "email", "status", "error", "opens", "clicks", "sent_at", "opened_at", "clicked_at", "created_at"}

	mock.ExpectQuery(regexp.QuoteMeta(`SET opens=opens+1`)).WithArgs("msg_1").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("msg_1", "cmp_1", "ct_1", "a@example.com", "sent", "", 1, 0, now, now, nil, now))
	message, first, err := s.RecordMessageOpen(context.Background(), "msg_1")
	require.NoError(t, err)
	assert.True(t, first)
	assert.NotNil(t, message.OpenedAt)
	assert.Nil(t, message.ClickedAt)

	mock.ExpectQuery(regexp.QuoteMeta(`SET opens=opens+1`)).WithArgs("msg_1").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("msg_1", "cmp_1", "ct_1", "a@example.com", "sent", "", 2, 0, now, now, nil, now))
	_, first, err = s.RecordMessageOpen(context.Background(), "msg_1")
	require.NoError(t, err)
	assert.False(t, first)
}

func TestEscalateViolationRequiresPreviousLevel(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta(`escalation_level=$3-1`)).WithArgs("v1", "remediating", 2).
		WillReturnResult(sqlmock.NewResult(0, 1))

	changed, err := s.EscalateViolation(context.Background(), "v1", "remediating", 2)
	require.NoError(t, err)
	assert.True(t, changed)
}

func TestTranslateUniqueViolation(t *testing.T) {
	err := translate(&pgconn.PgError{Code: "23505", ConstraintName: "users_email_key"})
	assert.True(t, errors.Is(err, ErrConflict))
	assert.Contains(t, err.Error(), "users_email_key")
	assert.Nil(t, translate(nil))
}

func TestApplyMigrationsFSSkipsAppliedVersions(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	migrations := fstest.MapFS{
		"0001_core.up.sql":   {Data: []byte("CREATE TABLE a (id TEXT);")},
		"0001_core.down.sql": {Data: []byte("DROP TABLE a;")},
		"0002_more.up.sql":   {Data: []byte("CREATE TABLE b (id TEXT);")},
	}

	mock.ExpectExec(regexp.QuoteMeta(`CREATE TABLE IF NOT EXISTS schema_migrations`)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT EXISTS(SELECT 1 FROM schema_migrations`)).WithArgs("0001_core.up.sql").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT EXISTS(SELECT 1 FROM schema_migrations`)).WithArgs("0002_more.up.sql").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`CREATE TABLE b`)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO schema_migrations`)).WithArgs("0002_more.up.sql").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, ApplyMigrationsFS(context.Background(), db, migrations))
	assert.NoError(t, mock.ExpectationsWereMet())
}
