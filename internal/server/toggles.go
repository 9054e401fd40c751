package server

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/morezero/capabilities-gateway/internal/config"
	"github.com/morezero/capabilities-gateway/pkg/db"
	"github.com/morezero/capabilities-gateway/pkg/toggles"
)

// OpenToggles opens the enablement store selected by TOGGLES_BACKEND. The
// returned close func releases any pool or connection and is never nil.
func OpenToggles(ctx context.Context, cfg *config.Config) (toggles.Store, func(), error) {
	noop := func() {}
	if err := cfg.ValidateToggles(); err != nil {
		return nil, noop, err
	}

	switch strings.ToLower(cfg.TogglesBackend) {
	case toggles.BackendMemory:
		slog.Info(fmt.Sprintf("%s - Using in-memory tool toggles", logPrefix))
		return toggles.NewMemoryStore(), noop, nil

	case toggles.BackendFile:
		store, err := toggles.NewFileStore(cfg.TogglesFile)
		if err != nil {
			return nil, noop, fmt.Errorf("%s - failed to open toggles file: %w", logPrefix, err)
		}
		slog.Info(fmt.Sprintf("%s - Using tool toggles from %s", logPrefix, cfg.TogglesFile))
		return store, noop, nil

	default:
		pool, err := db.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, noop, fmt.Errorf("%s - failed to connect to database: %w", logPrefix, err)
		}
		if cfg.RunMigrations {
			migrations, err := db.LoadMigrationFiles(cfg.MigrationPath)
			if err != nil {
				pool.Close()
				return nil, noop, fmt.Errorf("%s - failed to load migrations: %w", logPrefix, err)
			}
			if err := db.RunMigrations(ctx, pool, migrations); err != nil {
				pool.Close()
				return nil, noop, fmt.Errorf("%s - failed to run migrations: %w", logPrefix, err)
			}
		}
		slog.Info(fmt.Sprintf("%s - Using tool toggles from Postgres", logPrefix))
		return toggles.NewPostgresStore(db.NewRepository(pool), cfg.COMMSName), pool.Close, nil
	}
}
