package db

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

const migrationsTestPrefix = "db:migrations_test"

func writeFiles(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatalf("%s - failed to write %s: %v", migrationsTestPrefix, name, err)
		}
	}
}

func TestLoadMigrationFiles(t *testing.T) {
	tests := []struct {
		name      string
		files     map[string]string
		dirs      []string
		wantNames string
	}{
		{
			name: "sorted by name",
			files: map[string]string{
				"0003_toggle_audit.sql":       "C",
				"0001_capability_toggles.sql": "A",
				"0002_toggle_index.sql":       "B",
			},
			wantNames: "[0001_capability_toggles.sql 0002_toggle_index.sql 0003_toggle_audit.sql]",
		},
		{
			name: "only sql files",
			files: map[string]string{
				"0001_capability_toggles.sql": "A",
				"README.md":                   "# Migrations",
				"gateway-tools.toml":          "[tools]",
			},
			wantNames: "[0001_capability_toggles.sql]",
		},
		{
			name:      "directories skipped even with sql suffix",
			files:     map[string]string{"0001_capability_toggles.sql": "A"},
			dirs:      []string{"archive.sql"},
			wantNames: "[0001_capability_toggles.sql]",
		},
		{
			name:      "empty dir",
			wantNames: "[]",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			writeFiles(t, dir, tt.files)
			for _, d := range tt.dirs {
				if err := os.Mkdir(filepath.Join(dir, d), 0o755); err != nil {
					t.Fatalf("%s - failed to create %s: %v", migrationsTestPrefix, d, err)
				}
			}

			got, err := LoadMigrationFiles(dir)
			if err != nil {
				t.Fatalf("%s - unexpected error: %v", migrationsTestPrefix, err)
			}
			names := make([]string, len(got))
			for i, m := range got {
				names[i] = m.Name
				if m.SQL != tt.files[m.Name] {
					t.Errorf("%s - %s SQL = %q, want %q", migrationsTestPrefix, m.Name, m.SQL, tt.files[m.Name])
				}
			}
			if fmt.Sprint(names) != tt.wantNames {
				t.Errorf("%s - names = %v, want %s", migrationsTestPrefix, names, tt.wantNames)
			}
		})
	}
}

func TestLoadMigrationFiles_MissingDir(t *testing.T) {
	if _, err := LoadMigrationFiles(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Errorf("%s - expected error for missing directory", migrationsTestPrefix)
	}
}

func TestPendingMigrations(t *testing.T) {
	all := []Migration{{Name: "0001_a.sql"}, {Name: "0002_b.sql"}, {Name: "0003_c.sql"}}

	got := pendingMigrations(all, map[string]bool{"0001_a.sql": true, "0003_c.sql": true})
	if len(got) != 1 || got[0].Name != "0002_b.sql" {
		t.Errorf("%s - pending = %v, want [0002_b.sql]", migrationsTestPrefix, got)
	}
	if got := pendingMigrations(all, map[string]bool{}); len(got) != 3 {
		t.Errorf("%s - expected all 3 pending, got %d", migrationsTestPrefix, len(got))
	}
}

func TestRepoMigrationsLoad(t *testing.T) {
	got, err := LoadMigrationFiles(filepath.Join("..", "..", "migrations"))
	if err != nil {
		t.Fatalf("%s - failed to load repo migrations: %v", migrationsTestPrefix, err)
	}
	if len(got) == 0 || got[0].Name != "0001_capability_toggles.sql" {
		t.Errorf("%s - unexpected repo migrations %v", migrationsTestPrefix, got)
	}
}
