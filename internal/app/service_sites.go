package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"regexp"
	"strings"

	"sitecraft/api/internal/assets"
	"sitecraft/api/internal/events"
	"sitecraft/api/internal/gitrepo"
	"sitecraft/api/internal/rbac"
	"sitecraft/api/internal/search"
	"sitecraft/api/internal/store"
	"sitecraft/api/internal/util"
)

const (
	defaultPage      = "home"
	publishTagPrefix = "publish-"
	systemAuthor     = "Sitecraft"
)

var (
	errNotPublished   = domainError(http.StatusConflict, "NOT_PUBLISHED", "Site is not published", nil)
	errAssetsDisabled = domainError(http.StatusServiceUnavailable, "ASSETS_UNAVAILABLE", "Object storage is not configured", nil)
	errNoPreviousPub  = errors.New("no earlier published version to roll back to")
	slugCleaner       = regexp.MustCompile(`[^a-z0-9]+`)
)

type SiteInput struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Domain      string          `json:"domain"`
	Settings    json.RawMessage `json:"settings"`
	TemplateID  string          `json:"templateId"`
}

type ComponentInput struct {
	Page            string          `json:"page"`
	Type            string          `json:"type"`
	Name            string          `json:"name"`
	Props           json.RawMessage `json:"props"`
	ExpectedVersion int             `json:"expectedVersion"`
}

type TemplateInput struct {
	Name         string                     `json:"name"`
	Category     string                     `json:"category"`
	Description  string                     `json:"description"`
	ThumbnailURL string                     `json:"thumbnailUrl"`
	Components   []store.ComponentBlueprint `json:"components"`
	IsPublic     bool                       `json:"isPublic"`
}

func slugify(name string) string {
	slug := strings.Trim(slugCleaner.ReplaceAllString(strings.ToLower(name), "-"), "-")
	if len(slug) > 48 {
		slug = strings.Trim(slug[:48], "-")
	}
	if slug == "" {
		slug = "site"
	}
	return slug + "-" + util.ShortID(6)
}

func normalizeObject(raw json.RawMessage) json.RawMessage {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return json.RawMessage(`{}`)
	}
	return json.RawMessage(trimmed)
}

// siteRole is the caller's effective role on one site: owners act as owner, admins as admin
// and everybody else at most as editor.
func siteRole(session Session, site store.Site) rbac.Role {
	if session.isAdmin() {
		return rbac.RoleAdmin
	}
	if site.OwnerID == session.UserID {
		return rbac.RoleOwner
	}
	return rbac.Cap(rbac.Normalize(session.Role), rbac.RoleEditor)
}

func (s *Service) authorizeSite(ctx context.Context, session Session, siteID string, action rbac.Action) (store.Site, error) {
	site, err := s.store.GetSite(ctx, siteID)
	if err != nil {
		return store.Site{}, err
	}
	if !rbac.Can(siteRole(session, site), action) {
		return store.Site{}, errForbidden
	}
	return site, nil
}

// commit records the site's current state in its repository. Failures are logged so a
// missing repository never blocks an edit.
func (s *Service) commit(ctx context.Context, site store.Site, author, message string) (store.CommitInfo, error) {
	components, err := s.store.ListComponents(ctx, site.ID, "")
	if err != nil {
		return store.CommitInfo{}, err
	}
	snap := gitrepo.NewSnapshot(site, components)
	info, err := s.git.CommitSnapshot(site.ID, snap, firstNonBlank(author, systemAuthor), message)
	if errors.Is(err, gitrepo.ErrRepoNotFound) {
		if err := s.git.EnsureSiteRepo(site.ID, snap, firstNonBlank(author, systemAuthor)); err != nil {
			return store.CommitInfo{}, err
		}
		return s.git.CommitSnapshot(site.ID, snap, firstNonBlank(author, systemAuthor), message)
	}
	return info, err
}

func (s *Service) recordEdit(ctx context.Context, site store.Site, author, message string) {
	if err := s.store.TouchSite(ctx, site.ID); err != nil {
		log.Printf("app: touch site %s: %v", site.ID, err)
	}
	if _, err := s.commit(ctx, site, author, message); err != nil {
		log.Printf("app: commit site %s: %v", site.ID, err)
	}
}

func (s *Service) indexSite(site store.Site) {
	if s.search == nil {
		return
	}
	s.search.IndexSite(search.SiteRecord{
		ID: site.ID, Name: site.Name, Description: site.Description, Domain: site.Domain,
		OwnerID: site.OwnerID, Status: site.Status,
	})
}

func (s *Service) indexComponent(site store.Site, item store.Component) {
	if s.search == nil {
		return
	}
	s.search.IndexComponent(search.ComponentRecord{
		ID: item.ID, SiteID: item.SiteID, OwnerID: site.OwnerID, Page: item.Page,
		Type: item.Type, Name: item.Name, Text: search.FlattenProps(item.Props),
	})
}

func (s *Service) ListSites(ctx context.Context, session Session) ([]map[string]any, error) {
	ownerID := session.UserID
	if session.isAdmin() {
		ownerID = ""
	}
	sites, err := s.store.ListSites(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(sites))
	for _, site := range sites {
		items = append(items, siteView(site))
	}
	return items, nil
}

func (s *Service) CreateSite(ctx context.Context, session Session, input SiteInput) (map[string]any, error) {
	if !s.Can(session.Role, rbac.ActionEdit) {
		return nil, errForbidden
	}
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return nil, validationError("name is required")
	}

	var blueprints []store.ComponentBlueprint
	if templateID := strings.TrimSpace(input.TemplateID); templateID != "" {
		tmpl, err := s.store.GetTemplate(ctx, templateID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, validationError("template not found")
			}
			return nil, err
		}
		if !tmpl.IsPublic && tmpl.CreatedBy != session.UserID && !session.isAdmin() {
			return nil, errForbidden
		}
		blueprints = tmpl.Blueprints
	}

	site := store.Site{
		ID:          util.NewID("site"),
		OwnerID:     session.UserID,
		Name:        name,
		Slug:        slugify(name),
		Description: strings.TrimSpace(input.Description),
		Domain:      strings.ToLower(strings.TrimSpace(input.Domain)),
		Status:      "draft",
		TemplateID:  strings.TrimSpace(input.TemplateID),
		Settings:    normalizeObject(input.Settings),
	}
	if err := s.store.InsertSite(ctx, site); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, domainError(http.StatusConflict, "SITE_EXISTS", "A site with this domain already exists", nil)
		}
		return nil, err
	}

	components := make([]store.Component, 0, len(blueprints))
	for _, blueprint := range blueprints {
		item, err := s.store.InsertComponent(ctx, store.Component{
			ID:        util.NewID("cmp"),
			SiteID:    site.ID,
			Page:      firstNonBlank(blueprint.Page, defaultPage),
			Type:      blueprint.Type,
			Name:      blueprint.Name,
			Props:     normalizeObject(blueprint.Props),
			UpdatedBy: session.UserName,
		})
		if err != nil {
			return nil, fmt.Errorf("instantiate template component: %w", err)
		}
		components = append(components, item)
	}

	if err := s.git.EnsureSiteRepo(site.ID, gitrepo.NewSnapshot(site, components), session.UserName); err != nil {
		return nil, err
	}

	s.indexSite(site)
	for _, item := range components {
		s.indexComponent(site, item)
	}
	s.publish(events.SiteCreated, map[string]any{"siteId": site.ID, "ownerId": site.OwnerID, "templateId": site.TemplateID})
	return s.GetSite(ctx, session, site.ID)
}

func (s *Service) GetSite(ctx context.Context, session Session, siteID string) (map[string]any, error) {
	site, err := s.authorizeSite(ctx, session, siteID, rbac.ActionRead)
	if err != nil {
		return nil, err
	}
	components, err := s.store.ListComponents(ctx, siteID, "")
	if err != nil {
		return nil, err
	}
	view := siteView(site)
	view["components"] = componentViews(components)
	return view, nil
}

func (s *Service) UpdateSite(ctx context.Context, session Session, siteID string, input SiteInput) (map[string]any, error) {
	site, err := s.authorizeSite(ctx, session, siteID, rbac.ActionEdit)
	if err != nil {
		return nil, err
	}
	if name := strings.TrimSpace(input.Name); name != "" {
		site.Name = name
	}
	site.Description = strings.TrimSpace(input.Description)
	site.Domain = strings.ToLower(strings.TrimSpace(input.Domain))
	if len(input.Settings) > 0 {
		site.Settings = normalizeObject(input.Settings)
	}
	if err := s.store.UpdateSite(ctx, site); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, domainError(http.StatusConflict, "SITE_EXISTS", "A site with this domain already exists", nil)
		}
		return nil, err
	}
	if _, err := s.commit(ctx, site, session.UserName, "Update site settings"); err != nil {
		log.Printf("app: commit site %s: %v", site.ID, err)
	}
	s.indexSite(site)
	s.publish(events.SiteUpdated, map[string]any{"siteId": site.ID, "updatedBy": session.UserID})
	return s.GetSite(ctx, session, siteID)
}

func (s *Service) DeleteSite(ctx context.Context, session Session, siteID string) error {
	if _, err := s.authorizeSite(ctx, session, siteID, rbac.ActionManage); err != nil {
		return err
	}
	components, err := s.store.ListComponents(ctx, siteID, "")
	if err != nil {
		return err
	}
	if err := s.store.DeleteSite(ctx, siteID); err != nil {
		return err
	}
	if err := s.git.RemoveSiteRepo(siteID); err != nil {
		log.Printf("app: remove repo %s: %v", siteID, err)
	}
	if s.search != nil {
		s.search.DeleteSite(siteID)
		for _, item := range components {
			s.search.DeleteComponent(item.ID)
		}
	}
	return nil
}

type PublishResult struct {
	SiteID     string `json:"siteId"`
	Version    int    `json:"version"`
	Hash       string `json:"hash"`
	Tag        string `json:"tag"`
	ArchiveKey string `json:"archiveKey,omitempty"`
}

func (s *Service) Publish(ctx context.Context, session Session, siteID string) (PublishResult, error) {
	site, err := s.authorizeSite(ctx, session, siteID, rbac.ActionPublish)
	if err != nil {
		return PublishResult{}, err
	}
	return s.publishSite(ctx, site, session.UserName, session.UserID, "Publish site", "")
}

// publishSite commits, marks and tags a release. tagNote is stored on the
// release tag; rollbacks use it to record which release they restored.
func (s *Service) publishSite(ctx context.Context, site store.Site, author, actorID, message, tagNote string) (PublishResult, error) {
	info, err := s.commit(ctx, site, author, message)
	if err != nil {
		return PublishResult{}, err
	}
	version, err := s.store.MarkSitePublished(ctx, site.ID, info.Hash)
	if err != nil {
		return PublishResult{}, err
	}
	result := PublishResult{SiteID: site.ID, Version: version, Hash: info.Hash, Tag: fmt.Sprintf("%s%d", publishTagPrefix, version)}
	if err := s.git.CreateTag(site.ID, info.Hash, result.Tag, tagNote); err != nil {
		return PublishResult{}, err
	}

	if s.assets != nil {
		if snap, _, err := s.git.SnapshotByHash(site.ID, info.Hash); err == nil {
			if body, err := json.Marshal(snap); err == nil {
				key, err := s.assets.PutSnapshot(ctx, site.ID, info.Hash, body)
				if err != nil {
					log.Printf("app: archive snapshot %s@%s: %v", site.ID, info.Hash, err)
				}
				result.ArchiveKey = key
			}
		}
	}

	site.Status = "published"
	s.indexSite(site)
	s.publish(events.SitePublished, map[string]any{
		"siteId":      site.ID,
		"version":     version,
		"hash":        info.Hash,
		"tag":         result.Tag,
		"publishedBy": actorID,
	})
	return result, nil
}

func (s *Service) Unpublish(ctx context.Context, session Session, siteID string) (map[string]any, error) {
	if _, err := s.authorizeSite(ctx, session, siteID, rbac.ActionPublish); err != nil {
		return nil, err
	}
	changed, err := s.store.MarkSiteUnpublished(ctx, siteID)
	if err != nil {
		return nil, err
	}
	if !changed {
		return nil, errNotPublished
	}
	s.publish(events.SiteUpdated, map[string]any{"siteId": siteID, "status": "draft", "updatedBy": session.UserID})
	return s.GetSite(ctx, session, siteID)
}

func (s *Service) History(ctx context.Context, session Session, siteID string, limit int) (map[string]any, error) {
	if _, err := s.authorizeSite(ctx, session, siteID, rbac.ActionRead); err != nil {
		return nil, err
	}
	commits, err := s.git.History(siteID, limit)
	if err != nil {
		return nil, err
	}
	tags, err := s.git.Tags(siteID, publishTagPrefix)
	if err != nil {
		return nil, err
	}
	tagsByHash := make(map[string][]string, len(tags))
	for _, tag := range tags {
		tagsByHash[tag.Hash] = append(tagsByHash[tag.Hash], tag.Name)
	}
	items := make([]map[string]any, 0, len(commits))
	for _, commit := range commits {
		items = append(items, map[string]any{
			"hash":      commit.Hash,
			"message":   commit.Message,
			"author":    commit.Author,
			"createdAt": commit.CreatedAt,
			"added":     commit.Added,
			"removed":   commit.Removed,
			"tags":      nonNilStrings(tagsByHash[commit.Hash]),
		})
	}
	return map[string]any{"siteId": siteID, "commits": items}, nil
}

func (s *Service) Restore(ctx context.Context, session Session, siteID, hash string) (map[string]any, error) {
	site, err := s.authorizeSite(ctx, session, siteID, rbac.ActionEdit)
	if err != nil {
		return nil, err
	}
	if _, err := s.restore(ctx, site, hash, session.UserName); err != nil {
		return nil, err
	}
	return s.GetSite(ctx, session, siteID)
}

func (s *Service) restore(ctx context.Context, site store.Site, hash, author string) (store.Site, error) {
	snap, info, err := s.git.SnapshotByHash(site.ID, hash)
	if err != nil {
		return store.Site{}, domainError(http.StatusNotFound, "VERSION_NOT_FOUND", "Version not found", nil)
	}

	site.Name = firstNonBlank(snap.Site.Name, site.Name)
	site.Description = snap.Site.Description
	site.Domain = snap.Site.Domain
	site.Settings = normalizeObject(snap.Site.Settings)
	if err := s.store.UpdateSite(ctx, site); err != nil {
		return store.Site{}, err
	}

	components := make([]store.Component, 0, len(snap.Components))
	for _, item := range snap.Components {
		components = append(components, store.Component{
			ID:        item.ID,
			SiteID:    site.ID,
			Page:      item.Page,
			Type:      item.Type,
			Name:      item.Name,
			Props:     normalizeObject(item.Props),
			Position:  item.Position,
			Version:   item.Version,
			UpdatedBy: author,
		})
	}
	if err := s.store.ReplaceComponents(ctx, site.ID, components); err != nil {
		return store.Site{}, err
	}
	if _, err := s.commit(ctx, site, author, "Restore "+shortHash(info.Hash)); err != nil {
		return store.Site{}, err
	}
	for _, item := range components {
		s.indexComponent(site, item)
	}
	s.indexSite(site)
	s.publish(events.SiteUpdated, map[string]any{"siteId": site.ID, "restoredFrom": info.Hash})
	return site, nil
}

// RollbackToPreviousPublish restores the release before the one the live
// content came from and publishes it again. It returns the new published hash.
// Rollback releases name their source, so consecutive rollbacks keep walking
// back instead of bouncing between the last two releases.
func (s *Service) RollbackToPreviousPublish(ctx context.Context, siteID string) (string, error) {
	site, err := s.store.GetSite(ctx, siteID)
	if err != nil {
		return "", err
	}
	tags, err := s.git.Tags(siteID, publishTagPrefix)
	if err != nil {
		return "", err
	}
	if len(tags) < 2 {
		return "", errNoPreviousPub
	}
	current := tags[len(tags)-1]
	live, _, err := s.git.SnapshotByHash(siteID, current.Hash)
	if err != nil {
		return "", err
	}

	var previous *gitrepo.Tag
	for i := rollbackOrigin(tags, len(tags)-1) - 1; i >= 0; i-- {
		snap, _, err := s.git.SnapshotByHash(siteID, tags[i].Hash)
		if err != nil {
			return "", err
		}
		if gitrepo.HasChanges(live, snap) {
			previous = &tags[i]
			break
		}
	}
	if previous == nil {
		return "", errNoPreviousPub
	}

	site, err = s.restore(ctx, site, previous.Hash, "sla-remediation")
	if err != nil {
		return "", err
	}
	result, err := s.publishSite(ctx, site, "sla-remediation", "", "Roll back to "+previous.Name, rollbackNote+previous.Name)
	if err != nil {
		return "", err
	}
	return result.Hash, nil
}

const rollbackNote = "rollback-of "

// rollbackOrigin follows rollback notes from tags[idx] to the release whose
// content it carries and returns that release's index.
func rollbackOrigin(tags []gitrepo.Tag, idx int) int {
	index := make(map[string]int, len(tags))
	for i, tag := range tags {
		index[tag.Name] = i
	}
	for hops := 0; hops < len(tags); hops++ {
		source, ok := strings.CutPrefix(tags[idx].Message, rollbackNote)
		if !ok {
			return idx
		}
		next, ok := index[strings.TrimSpace(source)]
		if !ok || next >= idx {
			return idx
		}
		idx = next
	}
	return idx
}

func (s *Service) ListComponents(ctx context.Context, session Session, siteID, page string) ([]map[string]any, error) {
	if _, err := s.authorizeSite(ctx, session, siteID, rbac.ActionRead); err != nil {
		return nil, err
	}
	components, err := s.store.ListComponents(ctx, siteID, strings.TrimSpace(page))
	if err != nil {
		return nil, err
	}
	return componentViews(components), nil
}

func (s *Service) CreateComponent(ctx context.Context, session Session, siteID string, input ComponentInput) (map[string]any, error) {
	site, err := s.authorizeSite(ctx, session, siteID, rbac.ActionEdit)
	if err != nil {
		return nil, err
	}
	componentType := strings.TrimSpace(input.Type)
	if componentType == "" {
		return nil, validationError("type is required")
	}
	item, err := s.store.InsertComponent(ctx, store.Component{
		ID:        util.NewID("cmp"),
		SiteID:    siteID,
		Page:      firstNonBlank(input.Page, defaultPage),
		Type:      componentType,
		Name:      firstNonBlank(input.Name, componentType),
		Props:     normalizeObject(input.Props),
		UpdatedBy: session.UserName,
	})
	if err != nil {
		return nil, err
	}
	s.recordEdit(ctx, site, session.UserName, fmt.Sprintf("Add %s component %s", item.Type, item.Name))
	s.indexComponent(site, item)
	s.publish(events.ComponentUpdated, map[string]any{"siteId": siteID, "componentId": item.ID, "change": "created", "version": item.Version})
	return componentView(item), nil
}

// checkLock refuses edits to a component another user holds a collaboration lock on.
func (s *Service) checkLock(ctx context.Context, session Session, item store.Component) error {
	if s.locks == nil {
		return nil
	}
	lock, held, err := s.locks.LockHolder(ctx, item.SiteID, item.Page, item.ID)
	if err != nil {
		log.Printf("app: lock lookup %s: %v", item.ID, err)
		return nil
	}
	if held && lock.UserID != session.UserID {
		return domainError(http.StatusLocked, "COMPONENT_LOCKED", "Component is being edited by "+lock.UserName, map[string]any{
			"userId":    lock.UserID,
			"userName":  lock.UserName,
			"expiresAt": lock.ExpiresAt,
		})
	}
	return nil
}

func (s *Service) siteComponent(ctx context.Context, session Session, siteID, componentID string) (store.Site, store.Component, error) {
	site, err := s.authorizeSite(ctx, session, siteID, rbac.ActionEdit)
	if err != nil {
		return store.Site{}, store.Component{}, err
	}
	item, err := s.store.GetComponent(ctx, componentID)
	if err != nil {
		return store.Site{}, store.Component{}, err
	}
	if item.SiteID != siteID {
		return store.Site{}, store.Component{}, store.ErrNotFound
	}
	return site, item, nil
}

func (s *Service) UpdateComponent(ctx context.Context, session Session, siteID, componentID string, input ComponentInput) (map[string]any, error) {
	site, item, err := s.siteComponent(ctx, session, siteID, componentID)
	if err != nil {
		return nil, err
	}
	if err := s.checkLock(ctx, session, item); err != nil {
		return nil, err
	}
	if componentType := strings.TrimSpace(input.Type); componentType != "" {
		item.Type = componentType
	}
	if name := strings.TrimSpace(input.Name); name != "" {
		item.Name = name
	}
	if len(input.Props) > 0 {
		item.Props = normalizeObject(input.Props)
	}
	item.UpdatedBy = session.UserName

	updated, err := s.store.UpdateComponent(ctx, item, input.ExpectedVersion)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, domainError(http.StatusConflict, "VERSION_CONFLICT", "Component was changed by someone else", map[string]any{"expectedVersion": input.ExpectedVersion})
		}
		return nil, err
	}
	s.recordEdit(ctx, site, session.UserName, fmt.Sprintf("Update component %s", updated.Name))
	s.indexComponent(site, updated)
	s.publish(events.ComponentUpdated, map[string]any{"siteId": siteID, "componentId": updated.ID, "change": "updated", "version": updated.Version})
	return componentView(updated), nil
}

func (s *Service) DeleteComponent(ctx context.Context, session Session, siteID, componentID string) error {
	site, item, err := s.siteComponent(ctx, session, siteID, componentID)
	if err != nil {
		return err
	}
	if err := s.checkLock(ctx, session, item); err != nil {
		return err
	}
	if err := s.store.DeleteComponent(ctx, componentID); err != nil {
		return err
	}
	s.recordEdit(ctx, site, session.UserName, fmt.Sprintf("Remove component %s", item.Name))
	if s.search != nil {
		s.search.DeleteComponent(componentID)
	}
	s.publish(events.ComponentUpdated, map[string]any{"siteId": siteID, "componentId": componentID, "change": "deleted"})
	return nil
}

func (s *Service) ReorderComponents(ctx context.Context, session Session, siteID, page string, orderedIDs []string) ([]map[string]any, error) {
	site, err := s.authorizeSite(ctx, session, siteID, rbac.ActionEdit)
	if err != nil {
		return nil, err
	}
	page = firstNonBlank(page, defaultPage)
	if len(orderedIDs) == 0 {
		return nil, validationError("componentIds is required")
	}
	seen := make(map[string]bool, len(orderedIDs))
	for _, id := range orderedIDs {
		if seen[id] {
			return nil, validationError("componentIds contains duplicates")
		}
		seen[id] = true
	}
	if err := s.store.ReorderComponents(ctx, siteID, page, orderedIDs); err != nil {
		return nil, err
	}
	s.recordEdit(ctx, site, session.UserName, "Reorder "+page)
	s.publish(events.ComponentUpdated, map[string]any{"siteId": siteID, "page": page, "change": "reordered"})
	return s.ListComponents(ctx, session, siteID, page)
}

func (s *Service) ListTemplates(ctx context.Context, session Session, category string) ([]map[string]any, error) {
	templates, err := s.store.ListTemplates(ctx, strings.TrimSpace(category))
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(templates))
	for _, tmpl := range templates {
		if !tmpl.IsPublic && tmpl.CreatedBy != session.UserID && !session.isAdmin() {
			continue
		}
		items = append(items, templateView(tmpl))
	}
	return items, nil
}

func (s *Service) GetTemplate(ctx context.Context, session Session, templateID string) (map[string]any, error) {
	tmpl, err := s.store.GetTemplate(ctx, templateID)
	if err != nil {
		return nil, err
	}
	if !tmpl.IsPublic && tmpl.CreatedBy != session.UserID && !session.isAdmin() {
		return nil, store.ErrNotFound
	}
	return templateView(tmpl), nil
}

func (in TemplateInput) validate() error {
	if strings.TrimSpace(in.Name) == "" {
		return validationError("name is required")
	}
	for index, blueprint := range in.Components {
		if strings.TrimSpace(blueprint.Type) == "" {
			return validationError(fmt.Sprintf("components[%d].type is required", index))
		}
	}
	return nil
}

func (s *Service) CreateTemplate(ctx context.Context, session Session, input TemplateInput) (map[string]any, error) {
	if !s.Can(session.Role, rbac.ActionManage) {
		return nil, errForbidden
	}
	if err := input.validate(); err != nil {
		return nil, err
	}
	tmpl := store.Template{
		ID:           util.NewID("tpl"),
		Name:         strings.TrimSpace(input.Name),
		Category:     strings.ToLower(strings.TrimSpace(input.Category)),
		Description:  strings.TrimSpace(input.Description),
		ThumbnailURL: strings.TrimSpace(input.ThumbnailURL),
		Blueprints:   input.Components,
		IsPublic:     input.IsPublic,
		CreatedBy:    session.UserID,
	}
	if err := s.store.InsertTemplate(ctx, tmpl); err != nil {
		return nil, err
	}
	s.indexTemplate(tmpl)
	return s.GetTemplate(ctx, session, tmpl.ID)
}

func (s *Service) indexTemplate(tmpl store.Template) {
	if s.search == nil {
		return
	}
	s.search.IndexTemplate(search.TemplateRecord{
		ID: tmpl.ID, Name: tmpl.Name, Category: tmpl.Category, Description: tmpl.Description,
		IsPublic: tmpl.IsPublic, CreatedBy: tmpl.CreatedBy,
	})
}

func (s *Service) ownedTemplate(ctx context.Context, session Session, templateID string) (store.Template, error) {
	tmpl, err := s.store.GetTemplate(ctx, templateID)
	if err != nil {
		return store.Template{}, err
	}
	if tmpl.CreatedBy != session.UserID && !session.isAdmin() {
		return store.Template{}, errForbidden
	}
	return tmpl, nil
}

func (s *Service) UpdateTemplate(ctx context.Context, session Session, templateID string, input TemplateInput) (map[string]any, error) {
	tmpl, err := s.ownedTemplate(ctx, session, templateID)
	if err != nil {
		return nil, err
	}
	if err := input.validate(); err != nil {
		return nil, err
	}
	tmpl.Name = strings.TrimSpace(input.Name)
	tmpl.Category = strings.ToLower(strings.TrimSpace(input.Category))
	tmpl.Description = strings.TrimSpace(input.Description)
	tmpl.ThumbnailURL = strings.TrimSpace(input.ThumbnailURL)
	tmpl.Blueprints = input.Components
	tmpl.IsPublic = input.IsPublic
	if err := s.store.UpdateTemplate(ctx, tmpl); err != nil {
		return nil, err
	}
	s.indexTemplate(tmpl)
	return s.GetTemplate(ctx, session, templateID)
}

func (s *Service) DeleteTemplate(ctx context.Context, session Session, templateID string) error {
	if _, err := s.ownedTemplate(ctx, session, templateID); err != nil {
		return err
	}
	if err := s.store.DeleteTemplate(ctx, templateID); err != nil {
		return err
	}
	if s.search != nil {
		s.search.DeleteTemplate(templateID)
	}
	return nil
}

func (s *Service) UploadAsset(ctx context.Context, session Session, siteID, filename, contentType string, reader io.Reader, size int64) (any, error) {
	if _, err := s.authorizeSite(ctx, session, siteID, rbac.ActionEdit); err != nil {
		return nil, err
	}
	if s.assets == nil {
		return nil, errAssetsDisabled
	}
	return s.assets.Upload(ctx, siteID, filename, contentType, reader, size)
}

func (s *Service) ListAssets(ctx context.Context, session Session, siteID string) (any, error) {
	if _, err := s.authorizeSite(ctx, session, siteID, rbac.ActionRead); err != nil {
		return nil, err
	}
	if s.assets == nil {
		return nil, errAssetsDisabled
	}
	return s.assets.List(ctx, siteID)
}

func (s *Service) DeleteAsset(ctx context.Context, session Session, siteID, key string) error {
	if _, err := s.authorizeSite(ctx, session, siteID, rbac.ActionEdit); err != nil {
		return err
	}
	if s.assets == nil {
		return errAssetsDisabled
	}
	if !assets.OwnsKey(siteID, key) {
		return errForbidden
	}
	return s.assets.Delete(ctx, key)
}

func (s *Service) Search(session Session, query search.Query) search.Response {
	if !session.isAdmin() {
		query.OwnerID = session.UserID
	}
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: query.Text}
	}
	return s.search.Search(query)
}

func siteView(site store.Site) map[string]any {
	return map[string]any{
		"id":               site.ID,
		"ownerId":          site.OwnerID,
		"name":             site.Name,
		"slug":             site.Slug,
		"description":      site.Description,
		"domain":           site.Domain,
		"status":           site.Status,
		"templateId":       site.TemplateID,
		"settings":         normalizeObject(site.Settings),
		"publishedVersion": site.PublishedVersion,
		"publishedHash":    site.PublishedHash,
		"publishedAt":      site.PublishedAt,
		"createdAt":        site.CreatedAt,
		"updatedAt":        site.UpdatedAt,
	}
}

func componentView(item store.Component) map[string]any {
	return map[string]any{
		"id":        item.ID,
		"siteId":    item.SiteID,
		"page":      item.Page,
		"type":      item.Type,
		"name":      item.Name,
		"props":     normalizeObject(item.Props),
		"position":  item.Position,
		"version":   item.Version,
		"updatedBy": item.UpdatedBy,
		"updatedAt": item.UpdatedAt,
	}
}

func componentViews(items []store.Component) []map[string]any {
	views := make([]map[string]any, 0, len(items))
	for _, item := range items {
		views = append(views, componentView(item))
	}
	return views
}

func templateView(tmpl store.Template) map[string]any {
	blueprints := tmpl.Blueprints
	if blueprints == nil {
		blueprints = []store.ComponentBlueprint{}
	}
	return map[string]any{
		"id":           tmpl.ID,
		"name":         tmpl.Name,
		"category":     tmpl.Category,
		"description":  tmpl.Description,
		"thumbnailUrl": tmpl.ThumbnailURL,
		"components":   blueprints,
		"isPublic":     tmpl.IsPublic,
		"createdBy":    tmpl.CreatedBy,
		"createdAt":    tmpl.CreatedAt,
		"updatedAt":    tmpl.UpdatedAt,
	}
}

func shortHash(input string) string {
	if len(input) <= 7 {
		return input
	}
	return input[:7]
}

func nonNilStrings(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
