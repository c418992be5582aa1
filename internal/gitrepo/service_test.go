package gitrepo

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"sitecraft/api/internal/store"
)

func sampleSnapshot() Snapshot {
	return NewSnapshot(
		store.Site{ID: "site_1", Name: "Launch", Description: "Landing page", Settings: json.RawMessage(`{"theme":"dark"}`)},
		[]store.Component{
			{ID: "cmp_b", Page: "home", Type: "cta", Name: "CTA", Position: 1, Version: 1, Props: json.RawMessage(`{"label":"Buy"}`)},
			{ID: "cmp_a", Page: "home", Type: "hero", Name: "Hero", Position: 0, Version: 1, Props: json.RawMessage(`{"title":"Hi"}`)},
		},
	)
}

func TestNewSnapshotOrdersComponents(t *testing.T) {
	snap := sampleSnapshot()
	if snap.Components[0].ID != "cmp_a" || snap.Components[1].ID != "cmp_b" {
		t.Fatalf("expected position order, got %+v", snap.Components)
	}
}

func TestSiteRepoLifecycle(t *testing.T) {
	tempDir := t.TempDir()
	svc := New(tempDir)
	initial := sampleSnapshot()

	if err := svc.EnsureSiteRepo("site_1", initial, "Avery"); err != nil {
		t.Fatalf("EnsureSiteRepo() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(tempDir, "site_1", snapshotFile)); err != nil {
		t.Fatalf("snapshot file missing: %v", err)
	}
	if err := svc.EnsureSiteRepo("site_1", initial, "Avery"); err != nil {
		t.Fatalf("EnsureSiteRepo() second call error = %v", err)
	}

	head, first, err := svc.HeadSnapshot("site_1")
	if err != nil {
		t.Fatalf("HeadSnapshot() error = %v", err)
	}
	if len(head.Components) != 2 || first.Hash == "" {
		t.Fatalf("unexpected head %+v %+v", head, first)
	}

	unchanged, err := svc.CommitSnapshot("site_1", initial, "Avery", "noop")
	if err != nil {
		t.Fatalf("CommitSnapshot() unchanged error = %v", err)
	}
	if unchanged.Hash != first.Hash {
		t.Fatalf("expected unchanged snapshot to keep head %s, got %s", first.Hash, unchanged.Hash)
	}

	updated := initial
	updated.Components = append([]ComponentSnapshot(nil), initial.Components...)
	updated.Components[0].Props = json.RawMessage(`{"title":"Hello"}`)
	second, err := svc.CommitSnapshot("site_1", updated, "Avery", "Edit hero")
	if err != nil {
		t.Fatalf("CommitSnapshot() error = %v", err)
	}
	if second.Hash == first.Hash {
		t.Fatal("expected a new commit")
	}

	history, err := svc.History("site_1", 10)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 2 || history[0].Message != "Edit hero" {
		t.Fatalf("unexpected history %+v", history)
	}

	old, info, err := svc.SnapshotByHash("site_1", first.Hash)
	if err != nil {
		t.Fatalf("SnapshotByHash() error = %v", err)
	}
	if info.Hash != first.Hash || string(old.Components[0].Props) != `{"title":"Hi"}` {
		t.Fatalf("unexpected old snapshot %+v %+v", old.Components[0], info)
	}
}

func TestTagsSortNumerically(t *testing.T) {
	svc := New(t.TempDir())
	snap := sampleSnapshot()
	if err := svc.EnsureSiteRepo("site_1", snap, "Avery"); err != nil {
		t.Fatalf("EnsureSiteRepo() error = %v", err)
	}
	_, head, err := svc.HeadSnapshot("site_1")
	if err != nil {
		t.Fatalf("HeadSnapshot() error = %v", err)
	}
	for _, name := range []string{"publish-10", "publish-2", "publish-1", "other"} {
		if err := svc.CreateTag("site_1", head.Hash, name, ""); err != nil {
			t.Fatalf("CreateTag(%s) error = %v", name, err)
		}
	}
	if err := svc.CreateTag("site_1", head.Hash, "publish-1", ""); err != nil {
		t.Fatalf("CreateTag() should ignore duplicates, got %v", err)
	}

	tags, err := svc.Tags("site_1", "publish-")
	if err != nil {
		t.Fatalf("Tags() error = %v", err)
	}
	if len(tags) != 3 || tags[0].Name != "publish-1" || tags[2].Name != "publish-10" {
		t.Fatalf("unexpected tags %+v", tags)
	}
	if tags[0].Hash != head.Hash {
		t.Fatalf("expected tag to peel to commit %s, got %s", head.Hash, tags[0].Hash)
	}
	if tags[0].Message != "publish-1" {
		t.Fatalf("expected message to default to the tag name, got %q", tags[0].Message)
	}
}

func TestTagMessageIsKept(t *testing.T) {
	svc := New(t.TempDir())
	if err := svc.EnsureSiteRepo("site_1", sampleSnapshot(), "Avery"); err != nil {
		t.Fatalf("EnsureSiteRepo() error = %v", err)
	}
	_, head, err := svc.HeadSnapshot("site_1")
	if err != nil {
		t.Fatalf("HeadSnapshot() error = %v", err)
	}
	if err := svc.CreateTag("site_1", head.Hash, "publish-4", "rollback-of publish-2\n"); err != nil {
		t.Fatalf("CreateTag() error = %v", err)
	}
	tags, err := svc.Tags("site_1", "publish-")
	if err != nil {
		t.Fatalf("Tags() error = %v", err)
	}
	if len(tags) != 1 || tags[0].Message != "rollback-of publish-2" {
		t.Fatalf("unexpected tags %+v", tags)
	}
}

func TestDiffComponents(t *testing.T) {
	from := sampleSnapshot()
	changed := from.Components[1]
	changed.Name = "Buy now"
	to := Snapshot{
		Site:       from.Site,
		Components: []ComponentSnapshot{changed, {ID: "cmp_c", Page: "home", Type: "footer", Position: 2}},
	}

	diff := DiffComponents(from, to)
	if len(diff.Added) != 1 || diff.Added[0] != "cmp_c" {
		t.Fatalf("unexpected added %v", diff.Added)
	}
	if len(diff.Removed) != 1 || diff.Removed[0] != "cmp_a" {
		t.Fatalf("unexpected removed %v", diff.Removed)
	}
	if len(diff.Changed) != 1 || diff.Changed[0] != "cmp_b" {
		t.Fatalf("unexpected changed %v", diff.Changed)
	}
	if !HasChanges(from, to) {
		t.Fatal("expected HasChanges")
	}
	if HasChanges(from, sampleSnapshot()) {
		t.Fatal("identical snapshots should not differ")
	}
}

func TestHasChangesIgnoresJSONFormatting(t *testing.T) {
	a := sampleSnapshot()
	b := sampleSnapshot()
	b.Components[0].Props = json.RawMessage("{ \"title\" : \"Hi\" }")
	if HasChanges(a, b) {
		t.Fatal("whitespace-only props change should not count")
	}
}

func TestMissingRepo(t *testing.T) {
	svc := New(t.TempDir())
	if _, _, err := svc.HeadSnapshot("nope"); !errors.Is(err, ErrRepoNotFound) {
		t.Fatalf("expected ErrRepoNotFound, got %v", err)
	}
}

func TestConcurrentCommitsAreSerialized(t *testing.T) {
	svc := New(t.TempDir())
	base := sampleSnapshot()
	if err := svc.EnsureSiteRepo("site_1", base, "Avery"); err != nil {
		t.Fatalf("EnsureSiteRepo() error = %v", err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			snap := sampleSnapshot()
			snap.Components[0].Name = fmt.Sprintf("Hero %d", i)
			if _, err := svc.CommitSnapshot("site_1", snap, "Avery", fmt.Sprintf("edit %d", i)); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("CommitSnapshot() error = %v", err)
	}

	history, err := svc.History("site_1", 0)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 6 {
		t.Fatalf("expected 6 commits, got %d", len(history))
	}
}
