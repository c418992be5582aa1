package app

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"sitecraft/api/internal/assets"
	"sitecraft/api/internal/auth"
	"sitecraft/api/internal/authpw"
	"sitecraft/api/internal/collab"
	"sitecraft/api/internal/config"
	"sitecraft/api/internal/events"
	"sitecraft/api/internal/gitrepo"
	"sitecraft/api/internal/rbac"
	"sitecraft/api/internal/search"
	"sitecraft/api/internal/store"
	"sitecraft/api/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	Role         string
	JTI          string
	ExpiresAt    time.Time
}

func (s Session) isAdmin() bool {
	return rbac.Normalize(s.Role) == rbac.RoleAdmin
}

type dataStore interface {
	Ping(ctx context.Context) error
	GetUserByID(context.Context, string) (store.User, error)
	GetUserByEmail(context.Context, string) (store.User, error)
	CreateUser(context.Context, store.User) error
	EnsureUserByName(ctx context.Context, id, name string) (store.User, error)
	RevokeAccessToken(context.Context, string, time.Time) error
	IsAccessTokenRevoked(context.Context, string) (bool, error)

	InsertSite(context.Context, store.Site) error
	GetSite(context.Context, string) (store.Site, error)
	ListSites(ctx context.Context, ownerID string) ([]store.Site, error)
	UpdateSite(context.Context, store.Site) error
	TouchSite(context.Context, string) error
	DeleteSite(context.Context, string) error
	MarkSitePublished(ctx context.Context, siteID, hash string) (int, error)
	MarkSiteUnpublished(context.Context, string) (bool, error)

	InsertComponent(context.Context, store.Component) (store.Component, error)
	GetComponent(context.Context, string) (store.Component, error)
	ListComponents(ctx context.Context, siteID, page string) ([]store.Component, error)
	UpdateComponent(ctx context.Context, item store.Component, expectedVersion int) (store.Component, error)
	DeleteComponent(context.Context, string) error
	ReorderComponents(ctx context.Context, siteID, page string, orderedIDs []string) error
	ReplaceComponents(ctx context.Context, siteID string, items []store.Component) error

	InsertTemplate(context.Context, store.Template) error
	GetTemplate(context.Context, string) (store.Template, error)
	ListTemplates(ctx context.Context, category string) ([]store.Template, error)
	UpdateTemplate(context.Context, store.Template) error
	DeleteTemplate(context.Context, string) error
}

type gitService interface {
	EnsureSiteRepo(siteID string, initial gitrepo.Snapshot, author string) error
	CommitSnapshot(siteID string, snap gitrepo.Snapshot, author, message string) (store.CommitInfo, error)
	SnapshotByHash(siteID, hash string) (gitrepo.Snapshot, store.CommitInfo, error)
	History(siteID string, limit int) ([]store.CommitInfo, error)
	CreateTag(siteID, hash, name, message string) error
	Tags(siteID, prefix string) ([]gitrepo.Tag, error)
	RemoveSiteRepo(siteID string) error
}

type refreshStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash string, user store.User, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
}

type assetStore interface {
	Upload(ctx context.Context, siteID, filename, contentType string, reader io.Reader, size int64) (assets.Asset, error)
	List(ctx context.Context, siteID string) ([]assets.Asset, error)
	Delete(ctx context.Context, key string) error
	PutSnapshot(ctx context.Context, siteID, hash string, snapshot []byte) (string, error)
}

type searchService interface {
	Search(q search.Query) search.Response
	IndexSite(site search.SiteRecord)
	IndexComponent(component search.ComponentRecord)
	IndexTemplate(template search.TemplateRecord)
	DeleteSite(id string)
	DeleteComponent(id string)
	DeleteTemplate(id string)
}

type lockChecker interface {
	LockHolder(ctx context.Context, siteID, page, componentID string) (collab.Lock, bool, error)
}

type welcomeMailer interface {
	IsConfigured() bool
	SendWelcomeEmail(to, userName, dashboardURL string) error
}

// Deps are the collaborators of Service. Assets, Search, Locks, Mailer and Bus are optional.
type Deps struct {
	Store     dataStore
	Git       gitService
	Sessions  refreshStore
	Passwords *authpw.Service
	Assets    assetStore
	Search    searchService
	Locks     lockChecker
	Mailer    welcomeMailer
	Bus       *events.Bus
}

type Service struct {
	cfg       config.Config
	store     dataStore
	git       gitService
	sessions  refreshStore
	passwords *authpw.Service
	assets    assetStore
	search    searchService
	locks     lockChecker
	mailer    welcomeMailer
	bus       *events.Bus
	now       func() time.Time
}

func New(cfg config.Config, deps Deps) *Service {
	return &Service{
		cfg:       cfg,
		store:     deps.Store,
		git:       deps.Git,
		sessions:  deps.Sessions,
		passwords: deps.Passwords,
		assets:    deps.Assets,
		search:    deps.Search,
		locks:     deps.Locks,
		mailer:    deps.Mailer,
		bus:       deps.Bus,
		now:       time.Now,
	}
}

var (
	errForbidden          = domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	errAuthUnavailable    = domainError(http.StatusServiceUnavailable, "AUTH_UNAVAILABLE", "Authentication service not configured", nil)
	errInvalidCredentials = domainError(http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid email or password", nil)
	errEmailExists        = domainError(http.StatusConflict, "EMAIL_EXISTS", "Email already registered", nil)
)

func validationError(message string) *DomainError {
	return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", message, nil)
}

// Login is the development sign-in: it finds or creates a user by display name.
func (s *Service) Login(ctx context.Context, name string) (Session, error) {
	userName := strings.TrimSpace(name)
	if userName == "" {
		userName = "User"
	}

	user, err := s.store.EnsureUserByName(ctx, util.NewID("usr"), userName)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) SignUp(ctx context.Context, email, password, displayName string) (Session, error) {
	if s.passwords == nil {
		return Session{}, errAuthUnavailable
	}
	user, err := s.passwords.SignUp(ctx, authpw.SignUpRequest{Email: email, Password: password, DisplayName: displayName})
	if err != nil {
		switch {
		case errors.Is(err, authpw.ErrEmailExists):
			return Session{}, errEmailExists
		case errors.Is(err, authpw.ErrInvalidInput):
			return Session{}, validationError(err.Error())
		}
		return Session{}, err
	}
	if s.mailer != nil && s.mailer.IsConfigured() {
		go func() {
			if err := s.mailer.SendWelcomeEmail(user.Email, user.DisplayName, s.cfg.PublicURL); err != nil {
				log.Printf("app: welcome email to %s: %v", user.ID, err)
			}
		}()
	}
	return s.issueSession(ctx, user)
}

func (s *Service) SignIn(ctx context.Context, email, password string) (Session, error) {
	if s.passwords == nil {
		return Session{}, errAuthUnavailable
	}
	user, err := s.passwords.SignIn(ctx, email, password)
	if err != nil {
		if errors.Is(err, authpw.ErrInvalidCredentials) {
			return Session{}, errInvalidCredentials
		}
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	if s.sessions == nil || strings.TrimSpace(refreshToken) == "" {
		return Session{}, auth.ErrInvalidToken
	}
	tokenHash := auth.HashToken(refreshToken)
	user, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, auth.ErrInvalidToken
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	// Role changes since the token was issued take effect on refresh.
	if current, err := s.store.GetUserByID(ctx, user.ID); err == nil {
		user = current
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := s.now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:  user.ID,
		Name: user.DisplayName,
		Role: user.Role,
		JTI:  jti,
		Exp:  expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	session := Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		Role:      user.Role,
		JTI:       jti,
		ExpiresAt: expiresAt,
	}
	if s.sessions != nil {
		refresh := util.NewID("rft") + util.NewID("")
		if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user, now.Add(s.cfg.RefreshTTL)); err != nil {
			return Session{}, err
		}
		session.RefreshToken = refresh
	}
	return session, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.store.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Session{}, auth.ErrInvalidToken
		}
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		Role:      user.Role,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		_ = s.store.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt)
	}
	if refreshToken != "" && s.sessions != nil {
		_ = s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

func (s *Service) Can(role string, action rbac.Action) bool {
	return rbac.Can(rbac.Normalize(role), action)
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) SMTPConfigured() bool {
	return s.mailer != nil && s.mailer.IsConfigured()
}

func (s *Service) publish(eventType events.Type, payload map[string]any) {
	s.bus.PublishAsync(eventType, payload)
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

// Authorize checks a global action against the session role.
func (s *Service) Authorize(session Session, action rbac.Action) error {
	if !s.Can(session.Role, action) {
		return errForbidden
	}
	return nil
}

// AuthorizeScope checks action on siteID, or globally when the resource is not bound to a site.
func (s *Service) AuthorizeScope(ctx context.Context, session Session, siteID string, action rbac.Action) error {
	if strings.TrimSpace(siteID) == "" {
		return s.Authorize(session, action)
	}
	_, err := s.authorizeSite(ctx, session, siteID, action)
	return err
}
