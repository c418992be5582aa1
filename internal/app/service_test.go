package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"sitecraft/api/internal/collab"
	"sitecraft/api/internal/gitrepo"
	"sitecraft/api/internal/search"
	"sitecraft/api/internal/store"
)

func seedOwner(fs *fakeStore) store.User {
	return fs.addUser(store.User{ID: "usr_owner", DisplayName: "Olive Owner", Role: "editor"})
}

func createSite(t *testing.T, svc *Service, session Session, input SiteInput) string {
	t.Helper()
	site, err := svc.CreateSite(context.Background(), session, input)
	if err != nil {
		t.Fatalf("create site: %v", err)
	}
	return site["id"].(string)
}

func createHero(t *testing.T, svc *Service, session Session, siteID, title string) string {
	t.Helper()
	item, err := svc.CreateComponent(context.Background(), session, siteID, ComponentInput{
		Type:  "hero",
		Props: json.RawMessage(`{"title":"` + title + `"}`),
	})
	if err != nil {
		t.Fatalf("create component: %v", err)
	}
	return item["id"].(string)
}

func expectDomainError(t *testing.T, err error, status int, code string) {
	t.Helper()
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected domain error %s, got %v", code, err)
	}
	if domainErr.Status != status || domainErr.Code != code {
		t.Fatalf("expected %d %s, got %d %s", status, code, domainErr.Status, domainErr.Code)
	}
}

func TestCreateSiteFromTemplateInstantiatesComponents(t *testing.T) {
	fs := newFakeStore()
	owner := seedOwner(fs)
	fs.templates["tpl_landing"] = store.Template{
		ID:       "tpl_landing",
		Name:     "Landing",
		IsPublic: true,
		Blueprints: []store.ComponentBlueprint{
			{Type: "hero", Name: "Hero", Props: json.RawMessage(`{"title":"Welcome"}`)},
			{Page: "pricing", Type: "pricing-table", Name: "Plans"},
		},
	}
	svc := newTestService(t, fs)

	site, err := svc.CreateSite(context.Background(), testSession(owner), SiteInput{Name: "Spring Sale!", TemplateID: "tpl_landing"})
	if err != nil {
		t.Fatalf("create site: %v", err)
	}
	if site["status"] != "draft" {
		t.Fatalf("expected draft status, got %v", site["status"])
	}
	if slug, _ := site["slug"].(string); !strings.HasPrefix(slug, "spring-sale-") {
		t.Fatalf("unexpected slug %q", slug)
	}
	components := site["components"].([]map[string]any)
	if len(components) != 2 {
		t.Fatalf("expected 2 template components, got %d", len(components))
	}
	pages := map[string]bool{}
	for _, item := range components {
		pages[item["page"].(string)] = true
	}
	if !pages["home"] || !pages["pricing"] {
		t.Fatalf("expected home and pricing pages, got %v", pages)
	}

	history, err := svc.History(context.Background(), testSession(owner), site["id"].(string), 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if commits := history["commits"].([]map[string]any); len(commits) != 1 {
		t.Fatalf("expected initial commit only, got %d", len(commits))
	}
}

func TestCreateSiteRejectsPrivateTemplateOfAnotherUser(t *testing.T) {
	fs := newFakeStore()
	owner := seedOwner(fs)
	fs.templates["tpl_private"] = store.Template{ID: "tpl_private", Name: "Private", CreatedBy: "usr_other"}
	svc := newTestService(t, fs)

	_, err := svc.CreateSite(context.Background(), testSession(owner), SiteInput{Name: "Mine", TemplateID: "tpl_private"})
	if !errors.Is(err, errForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
}

func TestCreateSiteRequiresName(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(t, fs)

	_, err := svc.CreateSite(context.Background(), testSession(seedOwner(fs)), SiteInput{Name: "   "})
	expectDomainError(t, err, http.StatusUnprocessableEntity, "VALIDATION_ERROR")
}

func TestComponentEditsCommitSnapshots(t *testing.T) {
	fs := newFakeStore()
	owner := seedOwner(fs)
	svc := newTestService(t, fs)
	session := testSession(owner)
	siteID := createSite(t, svc, session, SiteInput{Name: "Launch"})

	heroID := createHero(t, svc, session, siteID, "Hello")
	if _, err := svc.UpdateComponent(context.Background(), session, siteID, heroID, ComponentInput{
		Props:           json.RawMessage(`{"title":"Hello again"}`),
		ExpectedVersion: 1,
	}); err != nil {
		t.Fatalf("update component: %v", err)
	}

	history, err := svc.History(context.Background(), session, siteID, 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	commits := history["commits"].([]map[string]any)
	if len(commits) != 3 {
		t.Fatalf("expected 3 commits, got %d", len(commits))
	}
	if msg := commits[0]["message"].(string); !strings.Contains(msg, "Update component") {
		t.Fatalf("expected newest commit first, got %q", msg)
	}
}

func TestUpdateComponentVersionConflict(t *testing.T) {
	fs := newFakeStore()
	owner := seedOwner(fs)
	svc := newTestService(t, fs)
	session := testSession(owner)
	siteID := createSite(t, svc, session, SiteInput{Name: "Launch"})
	heroID := createHero(t, svc, session, siteID, "Hello")

	_, err := svc.UpdateComponent(context.Background(), session, siteID, heroID, ComponentInput{
		Name:            "Renamed",
		ExpectedVersion: 7,
	})
	expectDomainError(t, err, http.StatusConflict, "VERSION_CONFLICT")
}

func TestUpdateComponentLockedByAnotherEditor(t *testing.T) {
	fs := newFakeStore()
	owner := seedOwner(fs)
	svc := newTestService(t, fs)
	session := testSession(owner)
	siteID := createSite(t, svc, session, SiteInput{Name: "Launch"})
	heroID := createHero(t, svc, session, siteID, "Hello")

	svc.locks = fakeLocks{held: true, lock: collab.Lock{ComponentID: heroID, UserID: "usr_other", UserName: "Sam", ExpiresAt: time.Now().Add(time.Minute)}}
	_, err := svc.UpdateComponent(context.Background(), session, siteID, heroID, ComponentInput{Name: "Mine now"})
	expectDomainError(t, err, http.StatusLocked, "COMPONENT_LOCKED")

	// The lock holder can still edit.
	svc.locks = fakeLocks{held: true, lock: collab.Lock{ComponentID: heroID, UserID: owner.ID}}
	if _, err := svc.UpdateComponent(context.Background(), session, siteID, heroID, ComponentInput{Name: "Mine now"}); err != nil {
		t.Fatalf("holder update: %v", err)
	}
}

func TestComponentOfAnotherSiteIsNotFound(t *testing.T) {
	fs := newFakeStore()
	owner := seedOwner(fs)
	svc := newTestService(t, fs)
	session := testSession(owner)
	first := createSite(t, svc, session, SiteInput{Name: "First"})
	second := createSite(t, svc, session, SiteInput{Name: "Second"})
	heroID := createHero(t, svc, session, first, "Hello")

	err := svc.DeleteComponent(context.Background(), session, second, heroID)
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestReorderComponentsRejectsDuplicates(t *testing.T) {
	fs := newFakeStore()
	owner := seedOwner(fs)
	svc := newTestService(t, fs)
	session := testSession(owner)
	siteID := createSite(t, svc, session, SiteInput{Name: "Launch"})
	a := createHero(t, svc, session, siteID, "A")
	b := createHero(t, svc, session, siteID, "B")

	_, err := svc.ReorderComponents(context.Background(), session, siteID, "", []string{a, a})
	expectDomainError(t, err, http.StatusUnprocessableEntity, "VALIDATION_ERROR")

	items, err := svc.ReorderComponents(context.Background(), session, siteID, "", []string{b, a})
	if err != nil {
		t.Fatalf("reorder: %v", err)
	}
	if items[0]["id"] != b || items[1]["id"] != a {
		t.Fatalf("unexpected order: %v, %v", items[0]["id"], items[1]["id"])
	}
}

func TestPublishTagsVersionsAndArchivesSnapshot(t *testing.T) {
	fs := newFakeStore()
	owner := seedOwner(fs)
	svc := newTestService(t, fs)
	archive := &fakeAssets{}
	svc.assets = archive
	session := testSession(owner)
	siteID := createSite(t, svc, session, SiteInput{Name: "Launch"})
	createHero(t, svc, session, siteID, "Hello")

	first, err := svc.Publish(context.Background(), session, siteID)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if first.Version != 1 || first.Tag != "publish-1" {
		t.Fatalf("unexpected first publish %+v", first)
	}
	if _, ok := archive.snapshots[first.ArchiveKey]; !ok {
		t.Fatalf("expected snapshot archived under %q", first.ArchiveKey)
	}

	second, err := svc.Publish(context.Background(), session, siteID)
	if err != nil {
		t.Fatalf("republish: %v", err)
	}
	if second.Version != 2 || second.Hash != first.Hash {
		t.Fatalf("expected version 2 on unchanged hash, got %+v", second)
	}

	site, _ := fs.GetSite(context.Background(), siteID)
	if site.Status != "published" || site.PublishedHash != first.Hash {
		t.Fatalf("unexpected site state %+v", site)
	}

	history, err := svc.History(context.Background(), session, siteID, 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	head := history["commits"].([]map[string]any)[0]
	if tags := head["tags"].([]string); len(tags) != 2 {
		t.Fatalf("expected both publish tags on head, got %v", tags)
	}
}

func TestUnpublishRequiresPublishedSite(t *testing.T) {
	fs := newFakeStore()
	owner := seedOwner(fs)
	svc := newTestService(t, fs)
	session := testSession(owner)
	siteID := createSite(t, svc, session, SiteInput{Name: "Launch"})

	_, err := svc.Unpublish(context.Background(), session, siteID)
	if !errors.Is(err, errNotPublished) {
		t.Fatalf("expected not published, got %v", err)
	}
}

func TestRestoreReplacesComponentsFromSnapshot(t *testing.T) {
	fs := newFakeStore()
	owner := seedOwner(fs)
	svc := newTestService(t, fs)
	session := testSession(owner)
	siteID := createSite(t, svc, session, SiteInput{Name: "Launch"})
	createHero(t, svc, session, siteID, "Hello")

	history, _ := svc.History(context.Background(), session, siteID, 10)
	withHero := history["commits"].([]map[string]any)[0]["hash"].(string)

	createHero(t, svc, session, siteID, "Second")
	site, err := svc.Restore(context.Background(), session, siteID, withHero)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if components := site["components"].([]map[string]any); len(components) != 1 {
		t.Fatalf("expected 1 component after restore, got %d", len(components))
	}

	_, err = svc.Restore(context.Background(), session, siteID, "0000000000000000000000000000000000000000")
	expectDomainError(t, err, http.StatusNotFound, "VERSION_NOT_FOUND")
}

func TestRollbackToPreviousPublishRestoresEarlierContent(t *testing.T) {
	fs := newFakeStore()
	owner := seedOwner(fs)
	svc := newTestService(t, fs)
	session := testSession(owner)
	siteID := createSite(t, svc, session, SiteInput{Name: "Launch"})
	heroID := createHero(t, svc, session, siteID, "Stable")

	first, err := svc.Publish(context.Background(), session, siteID)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if _, err := svc.UpdateComponent(context.Background(), session, siteID, heroID, ComponentInput{Props: json.RawMessage(`{"title":"Broken"}`)}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if _, err := svc.Publish(context.Background(), session, siteID); err != nil {
		t.Fatalf("publish: %v", err)
	}

	hash, err := svc.RollbackToPreviousPublish(context.Background(), siteID)
	if err != nil {
		t.Fatalf("rollback: %v", err)
	}

	items, _ := fs.ListComponents(context.Background(), siteID, "")
	if len(items) != 1 || !strings.Contains(string(items[0].Props), "Stable") {
		t.Fatalf("expected stable hero restored, got %+v", items)
	}
	site, _ := fs.GetSite(context.Background(), siteID)
	if site.PublishedVersion != 3 || site.PublishedHash != hash {
		t.Fatalf("expected republish as version 3, got %+v", site)
	}
	snap, _, err := svc.git.SnapshotByHash(siteID, hash)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if gitrepo.HasChanges(mustSnapshot(t, svc, siteID, first.Hash), snap) {
		t.Fatalf("expected rolled back content to match the first publish")
	}
}

func mustSnapshot(t *testing.T, svc *Service, siteID, hash string) gitrepo.Snapshot {
	t.Helper()
	snap, _, err := svc.git.SnapshotByHash(siteID, hash)
	if err != nil {
		t.Fatalf("snapshot %s: %v", hash, err)
	}
	return snap
}

func TestConsecutiveRollbacksKeepWalkingBack(t *testing.T) {
	fs := newFakeStore()
	owner := seedOwner(fs)
	svc := newTestService(t, fs)
	session := testSession(owner)
	ctx := context.Background()
	siteID := createSite(t, svc, session, SiteInput{Name: "Launch"})
	heroID := createHero(t, svc, session, siteID, "One")

	publishTitle := func(title string) {
		t.Helper()
		if _, err := svc.UpdateComponent(ctx, session, siteID, heroID, ComponentInput{Props: json.RawMessage(`{"title":"` + title + `"}`)}); err != nil {
			t.Fatalf("update: %v", err)
		}
		if _, err := svc.Publish(ctx, session, siteID); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	liveTitle := func() string {
		t.Helper()
		items, _ := fs.ListComponents(ctx, siteID, "")
		if len(items) != 1 {
			t.Fatalf("expected one component, got %+v", items)
		}
		var props struct {
			Title string `json:"title"`
		}
		if err := json.Unmarshal(items[0].Props, &props); err != nil {
			t.Fatalf("props: %v", err)
		}
		return props.Title
	}

	publishTitle("One")
	publishTitle("Two")
	publishTitle("Three")

	if _, err := svc.RollbackToPreviousPublish(ctx, siteID); err != nil {
		t.Fatalf("first rollback: %v", err)
	}
	if got := liveTitle(); got != "Two" {
		t.Fatalf("first rollback restored %q, want Two", got)
	}

	if _, err := svc.RollbackToPreviousPublish(ctx, siteID); err != nil {
		t.Fatalf("second rollback: %v", err)
	}
	if got := liveTitle(); got != "One" {
		t.Fatalf("second rollback restored %q, want One", got)
	}

	if _, err := svc.RollbackToPreviousPublish(ctx, siteID); !errors.Is(err, errNoPreviousPub) {
		t.Fatalf("expected nothing older to roll back to, got %v", err)
	}
	site, _ := fs.GetSite(ctx, siteID)
	if site.PublishedVersion != 5 {
		t.Fatalf("expected two rollback releases on top of three publishes, got version %d", site.PublishedVersion)
	}
}

func TestRollbackNeedsTwoPublishes(t *testing.T) {
	fs := newFakeStore()
	owner := seedOwner(fs)
	svc := newTestService(t, fs)
	session := testSession(owner)
	siteID := createSite(t, svc, session, SiteInput{Name: "Launch"})
	if _, err := svc.Publish(context.Background(), session, siteID); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if _, err := svc.RollbackToPreviousPublish(context.Background(), siteID); !errors.Is(err, errNoPreviousPub) {
		t.Fatalf("expected no previous publish, got %v", err)
	}
}

func TestSiteRoles(t *testing.T) {
	fs := newFakeStore()
	owner := seedOwner(fs)
	editor := fs.addUser(store.User{ID: "usr_editor", DisplayName: "Eddie", Role: "editor"})
	viewer := fs.addUser(store.User{ID: "usr_viewer", DisplayName: "Vera", Role: "viewer"})
	admin := fs.addUser(store.User{ID: "usr_admin", DisplayName: "Ada", Role: "admin"})
	svc := newTestService(t, fs)
	siteID := createSite(t, svc, testSession(owner), SiteInput{Name: "Launch"})

	if _, err := svc.UpdateSite(context.Background(), testSession(viewer), siteID, SiteInput{Name: "Nope"}); !errors.Is(err, errForbidden) {
		t.Fatalf("viewer update: expected forbidden, got %v", err)
	}
	if _, err := svc.UpdateSite(context.Background(), testSession(editor), siteID, SiteInput{Name: "Team edit"}); err != nil {
		t.Fatalf("editor update: %v", err)
	}
	if _, err := svc.Publish(context.Background(), testSession(editor), siteID); !errors.Is(err, errForbidden) {
		t.Fatalf("editor publish: expected forbidden, got %v", err)
	}
	if _, err := svc.Publish(context.Background(), testSession(owner), siteID); err != nil {
		t.Fatalf("owner publish: %v", err)
	}
	if err := svc.DeleteSite(context.Background(), testSession(editor), siteID); !errors.Is(err, errForbidden) {
		t.Fatalf("editor delete: expected forbidden, got %v", err)
	}
	if err := svc.DeleteSite(context.Background(), testSession(admin), siteID); err != nil {
		t.Fatalf("admin delete: %v", err)
	}
}

func TestListSitesScopesToOwnerUnlessAdmin(t *testing.T) {
	fs := newFakeStore()
	owner := seedOwner(fs)
	other := fs.addUser(store.User{ID: "usr_other", DisplayName: "Otto", Role: "editor"})
	admin := fs.addUser(store.User{ID: "usr_admin", DisplayName: "Ada", Role: "admin"})
	svc := newTestService(t, fs)
	createSite(t, svc, testSession(owner), SiteInput{Name: "Mine"})
	createSite(t, svc, testSession(other), SiteInput{Name: "Theirs"})

	mine, _ := svc.ListSites(context.Background(), testSession(owner))
	all, _ := svc.ListSites(context.Background(), testSession(admin))
	if len(mine) != 1 || len(all) != 2 {
		t.Fatalf("expected 1 own and 2 total sites, got %d and %d", len(mine), len(all))
	}
}

func TestTemplatesVisibilityAndOwnership(t *testing.T) {
	fs := newFakeStore()
	admin := fs.addUser(store.User{ID: "usr_admin", DisplayName: "Ada", Role: "admin"})
	editor := fs.addUser(store.User{ID: "usr_editor", DisplayName: "Eddie", Role: "editor"})
	svc := newTestService(t, fs)

	if _, err := svc.CreateTemplate(context.Background(), testSession(editor), TemplateInput{Name: "Mine"}); !errors.Is(err, errForbidden) {
		t.Fatalf("editor create: expected forbidden, got %v", err)
	}
	_, err := svc.CreateTemplate(context.Background(), testSession(admin), TemplateInput{
		Name:       "Draft",
		Components: []store.ComponentBlueprint{{Name: "missing type"}},
	})
	expectDomainError(t, err, http.StatusUnprocessableEntity, "VALIDATION_ERROR")

	private, err := svc.CreateTemplate(context.Background(), testSession(admin), TemplateInput{Name: "Internal", Category: "Landing"})
	if err != nil {
		t.Fatalf("create template: %v", err)
	}
	if private["category"] != "landing" {
		t.Fatalf("expected lower-cased category, got %v", private["category"])
	}
	if _, err := svc.CreateTemplate(context.Background(), testSession(admin), TemplateInput{Name: "Shared", IsPublic: true}); err != nil {
		t.Fatalf("create template: %v", err)
	}

	visible, _ := svc.ListTemplates(context.Background(), testSession(editor), "")
	if len(visible) != 1 || visible[0]["name"] != "Shared" {
		t.Fatalf("editor should see the public template only, got %v", visible)
	}
	if _, err := svc.GetTemplate(context.Background(), testSession(editor), private["id"].(string)); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected private template hidden, got %v", err)
	}
}

func TestSearchScopesNonAdminsToOwnSites(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(t, fs)
	index := &fakeSearch{}
	svc.search = index

	svc.Search(Session{UserID: "usr_1", Role: "editor"}, search.Query{Text: "hero", OwnerID: "usr_2"})
	if index.last.OwnerID != "usr_1" {
		t.Fatalf("expected owner filter usr_1, got %q", index.last.OwnerID)
	}
	svc.Search(Session{UserID: "usr_admin", Role: "admin"}, search.Query{Text: "hero"})
	if index.last.OwnerID != "" {
		t.Fatalf("expected admins unfiltered, got %q", index.last.OwnerID)
	}
}

func TestDeleteAssetRejectsForeignKeys(t *testing.T) {
	fs := newFakeStore()
	owner := seedOwner(fs)
	svc := newTestService(t, fs)
	objects := &fakeAssets{}
	svc.assets = objects
	session := testSession(owner)
	siteID := createSite(t, svc, session, SiteInput{Name: "Launch"})

	if err := svc.DeleteAsset(context.Background(), session, siteID, "sites/site_other/assets/logo.png"); !errors.Is(err, errForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if len(objects.deleted) != 0 {
		t.Fatalf("expected nothing deleted, got %v", objects.deleted)
	}
}

func TestAssetsUnavailableWithoutObjectStorage(t *testing.T) {
	fs := newFakeStore()
	owner := seedOwner(fs)
	svc := newTestService(t, fs)
	session := testSession(owner)
	siteID := createSite(t, svc, session, SiteInput{Name: "Launch"})

	if _, err := svc.ListAssets(context.Background(), session, siteID); !errors.Is(err, errAssetsDisabled) {
		t.Fatalf("expected assets disabled, got %v", err)
	}
}

func TestRefreshRotatesToken(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(t, fs)
	svc.sessions = &fakeSessions{}

	session, err := svc.Login(context.Background(), "Avery")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if session.RefreshToken == "" {
		t.Fatalf("expected refresh token")
	}
	rotated, err := svc.Refresh(context.Background(), session.RefreshToken)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if rotated.RefreshToken == session.RefreshToken {
		t.Fatalf("expected a new refresh token")
	}
	if _, err := svc.Refresh(context.Background(), session.RefreshToken); err == nil {
		t.Fatalf("expected reused refresh token to fail")
	}
}

func TestLogoutRevokesAccessToken(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(t, fs)

	session, err := svc.Login(context.Background(), "Avery")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if _, err := svc.SessionFromToken(context.Background(), session.Token); err != nil {
		t.Fatalf("session from token: %v", err)
	}
	if err := svc.Logout(context.Background(), session, ""); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if _, err := svc.SessionFromToken(context.Background(), session.Token); err == nil {
		t.Fatalf("expected revoked token to fail")
	}
}
