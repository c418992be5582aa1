package app

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"sitecraft/api/internal/assets"
	"sitecraft/api/internal/auth"
	"sitecraft/api/internal/collab"
	"sitecraft/api/internal/config"
	"sitecraft/api/internal/gitrepo"
	"sitecraft/api/internal/search"
	"sitecraft/api/internal/store"
)

// fakeStore keeps sites, components, templates and users in memory.
type fakeStore struct {
	mu         sync.Mutex
	users      map[string]store.User
	revoked    map[string]bool
	sites      map[string]store.Site
	components map[string]store.Component
	templates  map[string]store.Template

	pingFn             func(context.Context) error
	ensureUserByNameFn func(ctx context.Context, id, name string) (store.User, error)
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:      map[string]store.User{},
		revoked:    map[string]bool{},
		sites:      map[string]store.Site{},
		components: map[string]store.Component{},
		templates:  map[string]store.Template{},
	}
}

func (f *fakeStore) addUser(user store.User) store.User {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[user.ID] = user
	return user
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

func (f *fakeStore) GetUserByID(_ context.Context, userID string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[userID]
	if !ok {
		return store.User{}, store.ErrNotFound
	}
	return user, nil
}

func (f *fakeStore) GetUserByEmail(_ context.Context, email string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, user := range f.users {
		if user.Email == email {
			return user, nil
		}
	}
	return store.User{}, store.ErrNotFound
}

func (f *fakeStore) CreateUser(_ context.Context, user store.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[user.ID] = user
	return nil
}

func (f *fakeStore) EnsureUserByName(ctx context.Context, id, name string) (store.User, error) {
	if f.ensureUserByNameFn != nil {
		user, err := f.ensureUserByNameFn(ctx, id, name)
		if err == nil {
			f.addUser(user)
		}
		return user, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, user := range f.users {
		if user.DisplayName == name {
			return user, nil
		}
	}
	user := store.User{ID: id, DisplayName: name, Role: "editor"}
	f.users[id] = user
	return user, nil
}

func (f *fakeStore) RevokeAccessToken(_ context.Context, jti string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revoked[jti] = true
	return nil
}

func (f *fakeStore) IsAccessTokenRevoked(_ context.Context, jti string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.revoked[jti], nil
}

func (f *fakeStore) InsertSite(_ context.Context, site store.Site) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.sites {
		if site.Domain != "" && existing.Domain == site.Domain {
			return store.ErrConflict
		}
	}
	site.CreatedAt = time.Now()
	site.UpdatedAt = site.CreatedAt
	f.sites[site.ID] = site
	return nil
}

func (f *fakeStore) GetSite(_ context.Context, siteID string) (store.Site, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	site, ok := f.sites[siteID]
	if !ok {
		return store.Site{}, store.ErrNotFound
	}
	return site, nil
}

func (f *fakeStore) ListSites(_ context.Context, ownerID string) ([]store.Site, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Site
	for _, site := range f.sites {
		if ownerID == "" || site.OwnerID == ownerID {
			out = append(out, site)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeStore) UpdateSite(_ context.Context, site store.Site) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	current, ok := f.sites[site.ID]
	if !ok {
		return store.ErrNotFound
	}
	current.Name = site.Name
	current.Description = site.Description
	current.Domain = site.Domain
	current.Settings = site.Settings
	current.UpdatedAt = time.Now()
	f.sites[site.ID] = current
	return nil
}

func (f *fakeStore) TouchSite(_ context.Context, siteID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	site, ok := f.sites[siteID]
	if !ok {
		return store.ErrNotFound
	}
	site.UpdatedAt = time.Now()
	f.sites[siteID] = site
	return nil
}

func (f *fakeStore) DeleteSite(_ context.Context, siteID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sites[siteID]; !ok {
		return store.ErrNotFound
	}
	delete(f.sites, siteID)
	for id, item := range f.components {
		if item.SiteID == siteID {
			delete(f.components, id)
		}
	}
	return nil
}

func (f *fakeStore) MarkSitePublished(_ context.Context, siteID, hash string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	site, ok := f.sites[siteID]
	if !ok {
		return 0, store.ErrNotFound
	}
	now := time.Now()
	site.Status = "published"
	site.PublishedVersion++
	site.PublishedHash = hash
	site.PublishedAt = &now
	f.sites[siteID] = site
	return site.PublishedVersion, nil
}

func (f *fakeStore) MarkSiteUnpublished(_ context.Context, siteID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	site, ok := f.sites[siteID]
	if !ok {
		return false, store.ErrNotFound
	}
	if site.Status != "published" {
		return false, nil
	}
	site.Status = "draft"
	f.sites[siteID] = site
	return true, nil
}

func (f *fakeStore) InsertComponent(_ context.Context, item store.Component) (store.Component, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	position := 0
	for _, existing := range f.components {
		if existing.SiteID == item.SiteID && existing.Page == item.Page {
			position++
		}
	}
	item.Position = position
	item.Version = 1
	item.CreatedAt = time.Now()
	item.UpdatedAt = item.CreatedAt
	f.components[item.ID] = item
	return item, nil
}

func (f *fakeStore) GetComponent(_ context.Context, componentID string) (store.Component, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.components[componentID]
	if !ok {
		return store.Component{}, store.ErrNotFound
	}
	return item, nil
}

func (f *fakeStore) ListComponents(_ context.Context, siteID, page string) ([]store.Component, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []store.Component{}
	for _, item := range f.components {
		if item.SiteID == siteID && (page == "" || item.Page == page) {
			out = append(out, item)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Page != out[j].Page {
			return out[i].Page < out[j].Page
		}
		return out[i].Position < out[j].Position
	})
	return out, nil
}

func (f *fakeStore) UpdateComponent(_ context.Context, item store.Component, expectedVersion int) (store.Component, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	current, ok := f.components[item.ID]
	if !ok {
		return store.Component{}, store.ErrNotFound
	}
	if expectedVersion > 0 && current.Version != expectedVersion {
		return store.Component{}, store.ErrConflict
	}
	current.Type = item.Type
	current.Name = item.Name
	current.Props = item.Props
	current.UpdatedBy = item.UpdatedBy
	current.Version++
	current.UpdatedAt = time.Now()
	f.components[item.ID] = current
	return current, nil
}

func (f *fakeStore) DeleteComponent(_ context.Context, componentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.components[componentID]; !ok {
		return store.ErrNotFound
	}
	delete(f.components, componentID)
	return nil
}

func (f *fakeStore) ReorderComponents(_ context.Context, siteID, page string, orderedIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for index, id := range orderedIDs {
		item, ok := f.components[id]
		if !ok || item.SiteID != siteID || item.Page != page {
			return store.ErrNotFound
		}
		item.Position = index
		f.components[id] = item
	}
	return nil
}

func (f *fakeStore) ReplaceComponents(_ context.Context, siteID string, items []store.Component) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, item := range f.components {
		if item.SiteID == siteID {
			delete(f.components, id)
		}
	}
	for _, item := range items {
		f.components[item.ID] = item
	}
	return nil
}

func (f *fakeStore) InsertTemplate(_ context.Context, tmpl store.Template) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.templates[tmpl.ID] = tmpl
	return nil
}

func (f *fakeStore) GetTemplate(_ context.Context, templateID string) (store.Template, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tmpl, ok := f.templates[templateID]
	if !ok {
		return store.Template{}, store.ErrNotFound
	}
	return tmpl, nil
}

func (f *fakeStore) ListTemplates(_ context.Context, category string) ([]store.Template, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []store.Template{}
	for _, tmpl := range f.templates {
		if category == "" || tmpl.Category == category {
			out = append(out, tmpl)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeStore) UpdateTemplate(_ context.Context, tmpl store.Template) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.templates[tmpl.ID]; !ok {
		return store.ErrNotFound
	}
	f.templates[tmpl.ID] = tmpl
	return nil
}

func (f *fakeStore) DeleteTemplate(_ context.Context, templateID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.templates, templateID)
	return nil
}

// fakeSessions is an in-memory refresh token store.
type fakeSessions struct {
	mu    sync.Mutex
	users map[string]store.User
}

func (f *fakeSessions) SaveRefreshSession(_ context.Context, tokenHash string, user store.User, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.users == nil {
		f.users = map[string]store.User{}
	}
	f.users[tokenHash] = user
	return nil
}

func (f *fakeSessions) LookupRefreshSession(_ context.Context, tokenHash string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[tokenHash]
	if !ok {
		return store.User{}, store.ErrNotFound
	}
	return user, nil
}

func (f *fakeSessions) RevokeRefreshSession(_ context.Context, tokenHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.users, tokenHash)
	return nil
}

type fakeAssets struct {
	snapshots map[string][]byte
	deleted   []string
}

func (f *fakeAssets) Upload(_ context.Context, siteID, filename, contentType string, _ io.Reader, size int64) (assets.Asset, error) {
	return assets.Asset{Key: "sites/" + siteID + "/assets/" + filename, ContentType: contentType, Size: size}, nil
}

func (f *fakeAssets) List(context.Context, string) ([]assets.Asset, error) {
	return []assets.Asset{}, nil
}

func (f *fakeAssets) Delete(_ context.Context, key string) error {
	f.deleted = append(f.deleted, key)
	return nil
}

func (f *fakeAssets) PutSnapshot(_ context.Context, siteID, hash string, snapshot []byte) (string, error) {
	if f.snapshots == nil {
		f.snapshots = map[string][]byte{}
	}
	key := "sites/" + siteID + "/snapshots/" + hash + ".json"
	f.snapshots[key] = snapshot
	return key, nil
}

type fakeLocks struct {
	lock collab.Lock
	held bool
}

func (f fakeLocks) LockHolder(context.Context, string, string, string) (collab.Lock, bool, error) {
	return f.lock, f.held, nil
}

type fakeSearch struct {
	last search.Query
}

func (f *fakeSearch) Search(q search.Query) search.Response {
	f.last = q
	return search.Response{Results: []search.Result{}, Query: q.Text}
}
func (f *fakeSearch) IndexSite(search.SiteRecord)           {}
func (f *fakeSearch) IndexComponent(search.ComponentRecord) {}
func (f *fakeSearch) IndexTemplate(search.TemplateRecord)   {}
func (f *fakeSearch) DeleteSite(string)                     {}
func (f *fakeSearch) DeleteComponent(string)                {}
func (f *fakeSearch) DeleteTemplate(string)                 {}

func testConfig() config.Config {
	return config.Config{
		JWTSecret:  "test-secret",
		AccessTTL:  time.Hour,
		RefreshTTL: 24 * time.Hour,
		PublicURL:  "https://sitecraft.test",
	}
}

func newTestService(t *testing.T, fs *fakeStore) *Service {
	t.Helper()
	return New(testConfig(), Deps{Store: fs, Git: gitrepo.New(t.TempDir())})
}

func testSession(user store.User) Session {
	return Session{UserID: user.ID, UserName: user.DisplayName, Role: user.Role}
}

func bearerFor(t *testing.T, user store.User) string {
	t.Helper()
	token, err := auth.IssueToken([]byte("test-secret"), auth.Claims{
		Sub:  user.ID,
		Name: user.DisplayName,
		Role: user.Role,
		JTI:  "jti-" + user.ID,
		Exp:  time.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return "Bearer " + token
}

func doJSON(t *testing.T, handler http.Handler, method, path, authorization string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader io.Reader
	switch value := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(value)
	default:
		raw, err := json.Marshal(value)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	payload := map[string]any{}
	if strings.HasPrefix(rr.Header().Get("Content-Type"), "application/json") && rr.Body.Len() > 0 {
		if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
			t.Fatalf("parse response: %v body=%s", err, rr.Body.String())
		}
	}
	return rr, payload
}
