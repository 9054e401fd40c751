package toggles

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

const storeTestPrefix = "toggles:store_test"

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	enabled, err := s.IsEnabled(ctx, "unknown")
	if err != nil || !enabled {
		t.Fatalf("%s - unknown capability = (%v, %v), want (true, nil)", storeTestPrefix, enabled, err)
	}

	if err := s.SetEnabled(ctx, "sleep", false); err != nil {
		t.Fatalf("%s - SetEnabled failed: %v", storeTestPrefix, err)
	}
	if err := s.SetEnabled(ctx, "echo", true); err != nil {
		t.Fatalf("%s - SetEnabled failed: %v", storeTestPrefix, err)
	}
	if enabled, _ := s.IsEnabled(ctx, "sleep"); enabled {
		t.Errorf("%s - sleep still enabled after disabling", storeTestPrefix)
	}
	if enabled, _ := s.IsEnabled(ctx, "echo"); !enabled {
		t.Errorf("%s - echo disabled after enabling", storeTestPrefix)
	}

	all, err := s.List(ctx)
	if err != nil {
		t.Fatalf("%s - List failed: %v", storeTestPrefix, err)
	}
	names := SortedNames(all)
	if len(names) != 2 || names[0] != "echo" || names[1] != "sleep" {
		t.Errorf("%s - List names = %v, want [echo sleep]", storeTestPrefix, names)
	}

	if err := s.SetEnabled(ctx, "", true); err == nil {
		t.Errorf("%s - expected error for empty name", storeTestPrefix)
	}
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestFileStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "tools.toml")
	s, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("%s - NewFileStore failed: %v", storeTestPrefix, err)
	}
	exerciseStore(t, s)

	// A fresh store over the same file sees the persisted toggles.
	reopened, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("%s - reopen failed: %v", storeTestPrefix, err)
	}
	if enabled, _ := reopened.IsEnabled(context.Background(), "sleep"); enabled {
		t.Errorf("%s - persisted toggle lost after reopen", storeTestPrefix)
	}
}

func TestFileStore_PicksUpExternalEdits(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tools.toml")
	if err := os.WriteFile(path, []byte("[tools]\necho = false\n"), 0o644); err != nil {
		t.Fatalf("%s - write failed: %v", storeTestPrefix, err)
	}
	s, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("%s - NewFileStore failed: %v", storeTestPrefix, err)
	}
	if enabled, _ := s.IsEnabled(context.Background(), "echo"); enabled {
		t.Fatalf("%s - echo enabled, want disabled from file", storeTestPrefix)
	}

	if err := os.WriteFile(path, []byte("[tools]\necho = true\nget_thread_info = false\n"), 0o644); err != nil {
		t.Fatalf("%s - rewrite failed: %v", storeTestPrefix, err)
	}
	if enabled, _ := s.IsEnabled(context.Background(), "echo"); !enabled {
		t.Errorf("%s - external edit not picked up for echo", storeTestPrefix)
	}
	if enabled, _ := s.IsEnabled(context.Background(), "get_thread_info"); enabled {
		t.Errorf("%s - external edit not picked up for get_thread_info", storeTestPrefix)
	}
}

func TestFileStore_MalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tools.toml")
	if err := os.WriteFile(path, []byte("[tools\necho = "), 0o644); err != nil {
		t.Fatalf("%s - write failed: %v", storeTestPrefix, err)
	}
	if _, err := NewFileStore(path); err == nil {
		t.Errorf("%s - expected decode error for malformed TOML", storeTestPrefix)
	}
}
