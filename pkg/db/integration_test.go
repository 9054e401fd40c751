//go:build integration

package db

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

const dbIntegrationPrefix = "db:integration_test"

// testDBEnv returns the database URL for integration tests; skips the test if not set.
func testDBEnv(t *testing.T) string {
	t.Helper()
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("db:integration_test - DATABASE_URL not set, skipping")
	}
	return url
}

// setupIntegrationDB creates a pool, runs migrations, clears toggles and returns the repo.
func setupIntegrationDB(t *testing.T) (context.Context, *Repository) {
	t.Helper()
	ctx := context.Background()
	url := testDBEnv(t)

	pool, err := NewPool(ctx, url)
	if err != nil {
		t.Fatalf("%s - NewPool failed: %v", dbIntegrationPrefix, err)
	}
	t.Cleanup(pool.Close)

	migrations, err := LoadMigrationFiles(filepath.Join("..", "..", "migrations"))
	if err != nil {
		t.Fatalf("%s - LoadMigrationFiles failed: %v", dbIntegrationPrefix, err)
	}
	if err := RunMigrations(ctx, pool, migrations); err != nil {
		t.Fatalf("%s - RunMigrations failed: %v", dbIntegrationPrefix, err)
	}
	// Second run must be a no-op.
	if err := RunMigrations(ctx, pool, migrations); err != nil {
		t.Fatalf("%s - second RunMigrations failed: %v", dbIntegrationPrefix, err)
	}
	if _, err := pool.Exec(ctx, `TRUNCATE capability_toggles`); err != nil {
		t.Fatalf("%s - truncate failed: %v", dbIntegrationPrefix, err)
	}
	return ctx, NewRepository(pool)
}

func TestRepository_ToggleLifecycle(t *testing.T) {
	ctx, repo := setupIntegrationDB(t)

	if _, err := repo.GetToggle(ctx, "echo"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("%s - GetToggle on empty table err = %v, want ErrNotFound", dbIntegrationPrefix, err)
	}

	set, err := repo.SetToggle(ctx, "echo", false, "test")
	if err != nil {
		t.Fatalf("%s - SetToggle failed: %v", dbIntegrationPrefix, err)
	}
	if set.Enabled || set.ModifiedBy != "test" {
		t.Errorf("%s - SetToggle returned %+v", dbIntegrationPrefix, set)
	}

	if _, err := repo.SetToggle(ctx, "echo", true, "test2"); err != nil {
		t.Fatalf("%s - SetToggle update failed: %v", dbIntegrationPrefix, err)
	}
	got, err := repo.GetToggle(ctx, "echo")
	if err != nil {
		t.Fatalf("%s - GetToggle failed: %v", dbIntegrationPrefix, err)
	}
	if !got.Enabled || got.ModifiedBy != "test2" {
		t.Errorf("%s - GetToggle = %+v, want enabled by test2", dbIntegrationPrefix, got)
	}

	if _, err := repo.SetToggle(ctx, "alpha", false, "test"); err != nil {
		t.Fatalf("%s - SetToggle failed: %v", dbIntegrationPrefix, err)
	}
	list, err := repo.ListToggles(ctx)
	if err != nil {
		t.Fatalf("%s - ListToggles failed: %v", dbIntegrationPrefix, err)
	}
	if len(list) != 2 || list[0].Name != "alpha" || list[1].Name != "echo" {
		t.Errorf("%s - ListToggles = %+v", dbIntegrationPrefix, list)
	}

	if err := repo.DeleteToggle(ctx, "alpha"); err != nil {
		t.Fatalf("%s - DeleteToggle failed: %v", dbIntegrationPrefix, err)
	}
	if err := repo.DeleteToggle(ctx, "alpha"); !errors.Is(err, ErrNotFound) {
		t.Errorf("%s - second DeleteToggle err = %v, want ErrNotFound", dbIntegrationPrefix, err)
	}
}
