// Package gitrepo keeps one git repository per site with the site's
// components serialized to site.json. Every saved edit is a commit, publishes
// are tags, and restores read an older commit back.
package gitrepo

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"sitecraft/api/internal/store"
)

const snapshotFile = "site.json"

var ErrRepoNotFound = errors.New("site repository not found")

type SiteMeta struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Domain      string          `json:"domain"`
	Settings    json.RawMessage `json:"settings,omitempty"`
}

type ComponentSnapshot struct {
	ID       string          `json:"id"`
	Page     string          `json:"page"`
	Type     string          `json:"type"`
	Name     string          `json:"name"`
	Props    json.RawMessage `json:"props,omitempty"`
	Position int             `json:"position"`
	Version  int             `json:"version"`
}

type Snapshot struct {
	Site       SiteMeta            `json:"site"`
	Components []ComponentSnapshot `json:"components"`
}

type Tag struct {
	Name    string `json:"name"`
	Hash    string `json:"hash"`
	Message string `json:"message,omitempty"`
}

type ComponentDiff struct {
	Added   []string `json:"added"`
	Removed []string `json:"removed"`
	Changed []string `json:"changed"`
}

func (d ComponentDiff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Changed) == 0
}

// NewSnapshot builds the serialized form from store rows.
func NewSnapshot(site store.Site, components []store.Component) Snapshot {
	snap := Snapshot{
		Site: SiteMeta{
			ID:          site.ID,
			Name:        site.Name,
			Description: site.Description,
			Domain:      site.Domain,
			Settings:    site.Settings,
		},
		Components: make([]ComponentSnapshot, 0, len(components)),
	}
	for _, item := range components {
		snap.Components = append(snap.Components, ComponentSnapshot{
			ID:       item.ID,
			Page:     item.Page,
			Type:     item.Type,
			Name:     item.Name,
			Props:    item.Props,
			Position: item.Position,
			Version:  item.Version,
		})
	}
	sort.SliceStable(snap.Components, func(i, j int) bool {
		a, b := snap.Components[i], snap.Components[j]
		if a.Page != b.Page {
			return a.Page < b.Page
		}
		if a.Position != b.Position {
			return a.Position < b.Position
		}
		return a.ID < b.ID
	})
	return snap
}

type Service struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
	}
}

func (s *Service) EnsureSiteRepo(siteID string, initial Snapshot, author string) error {
	lock := s.siteLock(siteID)
	lock.Lock()
	defer lock.Unlock()

	path := s.repoPath(siteID)
	if _, err := os.Stat(filepath.Join(path, ".git")); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat repo path: %w", err)
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("create repo dir: %w", err)
	}
	repo, err := git.PlainInit(path, false)
	if err != nil {
		return fmt.Errorf("init repo: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName("main"))); err != nil {
		return fmt.Errorf("set HEAD to main: %w", err)
	}
	if _, err := s.commit(repo, initial, author, "Create site", true); err != nil {
		return err
	}
	return nil
}

// CommitSnapshot records a new version. When nothing changed it returns the
// current head without committing.
func (s *Service) CommitSnapshot(siteID string, snap Snapshot, author, message string) (store.CommitInfo, error) {
	lock := s.siteLock(siteID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(siteID)
	if err != nil {
		return store.CommitInfo{}, err
	}

	if head, err := headCommit(repo); err == nil {
		current, readErr := readSnapshot(head)
		if readErr == nil && !HasChanges(current, snap) {
			return toCommitInfo(head), nil
		}
	}

	hash, err := s.commit(repo, snap, author, message, false)
	if err != nil {
		return store.CommitInfo{}, err
	}
	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return store.CommitInfo{}, fmt.Errorf("read commit object: %w", err)
	}
	return toCommitInfo(commitObj), nil
}

func (s *Service) HeadSnapshot(siteID string) (Snapshot, store.CommitInfo, error) {
	lock := s.siteLock(siteID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(siteID)
	if err != nil {
		return Snapshot{}, store.CommitInfo{}, err
	}
	commitObj, err := headCommit(repo)
	if err != nil {
		return Snapshot{}, store.CommitInfo{}, err
	}
	snap, err := readSnapshot(commitObj)
	if err != nil {
		return Snapshot{}, store.CommitInfo{}, err
	}
	return snap, toCommitInfo(commitObj), nil
}

func (s *Service) SnapshotByHash(siteID, hash string) (Snapshot, store.CommitInfo, error) {
	lock := s.siteLock(siteID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(siteID)
	if err != nil {
		return Snapshot{}, store.CommitInfo{}, err
	}
	resolvedHash, err := resolveHash(repo, hash)
	if err != nil {
		return Snapshot{}, store.CommitInfo{}, err
	}
	commitObj, err := repo.CommitObject(resolvedHash)
	if err != nil {
		return Snapshot{}, store.CommitInfo{}, fmt.Errorf("read commit %s: %w", hash, err)
	}
	snap, err := readSnapshot(commitObj)
	if err != nil {
		return Snapshot{}, store.CommitInfo{}, err
	}
	return snap, toCommitInfo(commitObj), nil
}

func (s *Service) History(siteID string, limit int) ([]store.CommitInfo, error) {
	lock := s.siteLock(siteID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(siteID)
	if err != nil {
		return nil, err
	}
	head, err := headCommit(repo)
	if err != nil {
		return nil, err
	}

	iter, err := repo.Log(&git.LogOptions{From: head.Hash})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]store.CommitInfo, 0)
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toCommitInfo(commitObj))
		if limit > 0 && len(items) >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

// CreateTag creates an annotated tag. An empty message defaults to the name.
func (s *Service) CreateTag(siteID, hash, name, message string) error {
	lock := s.siteLock(siteID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(siteID)
	if err != nil {
		return err
	}
	resolvedHash, err := resolveHash(repo, hash)
	if err != nil {
		return err
	}

	_, err = repo.CreateTag(name, resolvedHash, &git.CreateTagOptions{
		Tagger: &object.Signature{
			Name:  "Sitecraft",
			Email: "publisher@sitecraft.local",
			When:  time.Now(),
		},
		Message: firstLine(message, name),
	})
	if err != nil && !errors.Is(err, git.ErrTagExists) {
		return fmt.Errorf("create tag: %w", err)
	}
	return nil
}

// Tags lists tags starting with prefix. Names ending in a number sort numerically.
func (s *Service) Tags(siteID, prefix string) ([]Tag, error) {
	lock := s.siteLock(siteID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(siteID)
	if err != nil {
		return nil, err
	}
	iter, err := repo.Tags()
	if err != nil {
		return nil, fmt.Errorf("list tags: %w", err)
	}
	defer iter.Close()

	tags := make([]Tag, 0)
	err = iter.ForEach(func(ref *plumbing.Reference) error {
		name := ref.Name().Short()
		if !strings.HasPrefix(name, prefix) {
			return nil
		}
		hash := ref.Hash()
		message := ""
		if tagObj, err := repo.TagObject(hash); err == nil {
			hash = tagObj.Target
			message = strings.TrimSpace(tagObj.Message)
		}
		tags = append(tags, Tag{Name: name, Hash: hash.String(), Message: message})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("iterate tags: %w", err)
	}
	sort.Slice(tags, func(i, j int) bool {
		return tagOrdinal(tags[i].Name, prefix) < tagOrdinal(tags[j].Name, prefix)
	})
	return tags, nil
}

func firstLine(value, fallback string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return fallback
	}
	return value
}

func tagOrdinal(name, prefix string) int {
	value, err := strconv.Atoi(strings.TrimPrefix(name, prefix))
	if err != nil {
		return -1
	}
	return value
}

func (s *Service) RemoveSiteRepo(siteID string) error {
	lock := s.siteLock(siteID)
	lock.Lock()
	defer lock.Unlock()
	if err := os.RemoveAll(s.repoPath(siteID)); err != nil {
		return fmt.Errorf("remove repo: %w", err)
	}
	return nil
}

func (s *Service) open(siteID string) (*git.Repository, error) {
	repo, err := git.PlainOpen(s.repoPath(siteID))
	if err != nil {
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return nil, ErrRepoNotFound
		}
		return nil, fmt.Errorf("open repo: %w", err)
	}
	return repo, nil
}

func (s *Service) repoPath(siteID string) string {
	return filepath.Join(s.baseDir, siteID)
}

func (s *Service) siteLock(siteID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[siteID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[siteID] = lock
	return lock
}

func (s *Service) commit(repo *git.Repository, snap Snapshot, author, message string, allowEmpty bool) (plumbing.Hash, error) {
	worktree, err := repo.Worktree()
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("open worktree: %w", err)
	}

	if snap.Components == nil {
		snap.Components = []ComponentSnapshot{}
	}
	payload, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := os.WriteFile(filepath.Join(worktree.Filesystem.Root(), snapshotFile), append(payload, '\n'), 0o644); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("write %s: %w", snapshotFile, err)
	}
	if _, err := worktree.Add(snapshotFile); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("git add snapshot: %w", err)
	}

	if author == "" {
		author = "Sitecraft"
	}
	hash, err := worktree.Commit(message, &git.CommitOptions{
		AllowEmptyCommits: allowEmpty,
		Author: &object.Signature{
			Name:  author,
			Email: fmt.Sprintf("%s@sitecraft.local", sanitizeEmail(author)),
			When:  time.Now(),
		},
	})
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("commit snapshot: %w", err)
	}
	return hash, nil
}

func headCommit(repo *git.Repository) (*object.Commit, error) {
	ref, err := repo.Head()
	if err != nil {
		return nil, fmt.Errorf("resolve head: %w", err)
	}
	commitObj, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return nil, fmt.Errorf("load head commit: %w", err)
	}
	return commitObj, nil
}

func readSnapshot(commitObj *object.Commit) (Snapshot, error) {
	file, err := commitObj.File(snapshotFile)
	if err != nil {
		return Snapshot{}, fmt.Errorf("load %s from commit: %w", snapshotFile, err)
	}
	contents, err := file.Contents()
	if err != nil {
		return Snapshot{}, fmt.Errorf("read snapshot: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal([]byte(contents), &snap); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, nil
}

// DiffComponents compares two snapshots by component id.
func DiffComponents(from, to Snapshot) ComponentDiff {
	before := make(map[string]ComponentSnapshot, len(from.Components))
	for _, item := range from.Components {
		before[item.ID] = item
	}
	diff := ComponentDiff{Added: []string{}, Removed: []string{}, Changed: []string{}}
	seen := make(map[string]struct{}, len(to.Components))
	for _, item := range to.Components {
		seen[item.ID] = struct{}{}
		prev, ok := before[item.ID]
		if !ok {
			diff.Added = append(diff.Added, item.ID)
			continue
		}
		if componentChanged(prev, item) {
			diff.Changed = append(diff.Changed, item.ID)
		}
	}
	for _, item := range from.Components {
		if _, ok := seen[item.ID]; !ok {
			diff.Removed = append(diff.Removed, item.ID)
		}
	}
	sort.Strings(diff.Added)
	sort.Strings(diff.Removed)
	sort.Strings(diff.Changed)
	return diff
}

func componentChanged(a, b ComponentSnapshot) bool {
	return a.Page != b.Page || a.Type != b.Type || a.Name != b.Name || a.Position != b.Position ||
		!bytes.Equal(normalizeJSON(a.Props), normalizeJSON(b.Props))
}

func HasChanges(from, to Snapshot) bool {
	if from.Site.Name != to.Site.Name || from.Site.Description != to.Site.Description || from.Site.Domain != to.Site.Domain {
		return true
	}
	if !bytes.Equal(normalizeJSON(from.Site.Settings), normalizeJSON(to.Site.Settings)) {
		return true
	}
	return !DiffComponents(from, to).Empty()
}

func toCommitInfo(commitObj *object.Commit) store.CommitInfo {
	return store.CommitInfo{
		Hash:      commitObj.Hash.String(),
		Message:   strings.TrimSpace(commitObj.Message),
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
}

func sanitizeEmail(input string) string {
	runes := make([]rune, 0, len(input))
	for _, r := range strings.ToLower(input) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			runes = append(runes, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' {
			runes = append(runes, '.')
		}
	}
	if len(runes) == 0 {
		return "user"
	}
	return string(runes)
}

func normalizeJSON(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return nil
	}
	var parsed any
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil
	}
	normalized, err := json.Marshal(parsed)
	if err != nil {
		return nil
	}
	if string(normalized) == "null" || string(normalized) == "{}" {
		return nil
	}
	return normalized
}

func resolveHash(repo *git.Repository, hash string) (plumbing.Hash, error) {
	if len(hash) == 40 {
		return plumbing.NewHash(hash), nil
	}
	resolved, err := repo.ResolveRevision(plumbing.Revision(hash))
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("resolve hash %s: %w", hash, err)
	}
	return *resolved, nil
}
