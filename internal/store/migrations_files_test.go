package store

import (
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"testing"
)

var migrationName = regexp.MustCompile(`^(\d{4})_([a-z_]+)\.(up|down)\.sql$`)

func TestMigrationsArePairedAndContiguous(t *testing.T) {
	dir := filepath.Join("..", "..", "db", "migrations")
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read migrations dir: %v", err)
	}

	pairs := map[int]map[string]string{}
	for _, entry := range entries {
		match := migrationName.FindStringSubmatch(entry.Name())
		if entry.IsDir() || match == nil {
			continue
		}
		version, _ := strconv.Atoi(match[1])
		if pairs[version] == nil {
			pairs[version] = map[string]string{}
		}
		if _, dup := pairs[version][match[3]]; dup {
			t.Fatalf("version %04d has two %s files", version, match[3])
		}
		body, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			t.Fatalf("read %s: %v", entry.Name(), err)
		}
		pairs[version][match[3]] = strings.ToUpper(string(body))
	}
	if len(pairs) == 0 {
		t.Fatal("no migrations discovered")
	}

	versions := make([]int, 0, len(pairs))
	for version := range pairs {
		versions = append(versions, version)
	}
	sort.Ints(versions)
	for i, version := range versions {
		if version != i+1 {
			t.Fatalf("expected version %04d, found %04d", i+1, version)
		}
		up, down := pairs[version]["up"], pairs[version]["down"]
		if up == "" || down == "" {
			t.Fatalf("version %04d must include non-empty up and down files", version)
		}
		if strings.Contains(up, "CREATE TABLE") && !strings.Contains(down, "DROP TABLE") {
			t.Errorf("version %04d creates tables but its down file drops none", version)
		}
	}
}
