package db

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const repoLogPrefix = "db:repository"

// ErrNotFound is returned when a toggle row does not exist.
var ErrNotFound = errors.New("not found")

// Repository provides access to capability toggles.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new Repository with the given connection pool.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetToggle returns the toggle for name, or ErrNotFound.
func (r *Repository) GetToggle(ctx context.Context, name string) (*CapabilityToggle, error) {
	slog.Debug(fmt.Sprintf("%s - GetToggle name=%s", repoLogPrefix, name))

	var t CapabilityToggle
	err := r.pool.QueryRow(ctx,
		`SELECT name, enabled, modified, modified_by
		 FROM capability_toggles
		 WHERE name = $1`, name).Scan(&t.Name, &t.Enabled, &t.Modified, &t.ModifiedBy)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%s - failed to get toggle %s: %w", repoLogPrefix, name, err)
	}
	return &t, nil
}

// SetToggle creates or updates the toggle for name.
func (r *Repository) SetToggle(ctx context.Context, name string, enabled bool, modifiedBy string) (*CapabilityToggle, error) {
	slog.Info(fmt.Sprintf("%s - SetToggle name=%s enabled=%v", repoLogPrefix, name, enabled))

	var t CapabilityToggle
	err := r.pool.QueryRow(ctx,
		`INSERT INTO capability_toggles (name, enabled, modified, modified_by)
		 VALUES ($1, $2, now(), $3)
		 ON CONFLICT (name) DO UPDATE
		 SET enabled = EXCLUDED.enabled, modified = EXCLUDED.modified, modified_by = EXCLUDED.modified_by
		 RETURNING name, enabled, modified, modified_by`,
		name, enabled, modifiedBy).Scan(&t.Name, &t.Enabled, &t.Modified, &t.ModifiedBy)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to set toggle %s: %w", repoLogPrefix, name, err)
	}
	return &t, nil
}

// ListToggles returns every toggle ordered by name.
func (r *Repository) ListToggles(ctx context.Context) ([]CapabilityToggle, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT name, enabled, modified, modified_by
		 FROM capability_toggles
		 ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to list toggles: %w", repoLogPrefix, err)
	}
	toggles, err := pgx.CollectRows(rows, pgx.RowToStructByPos[CapabilityToggle])
	if err != nil {
		return nil, fmt.Errorf("%s - failed to scan toggles: %w", repoLogPrefix, err)
	}
	return toggles, nil
}

// DeleteToggle removes the toggle for name so it falls back to the default.
func (r *Repository) DeleteToggle(ctx context.Context, name string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM capability_toggles WHERE name = $1`, name)
	if err != nil {
		return fmt.Errorf("%s - failed to delete toggle %s: %w", repoLogPrefix, name, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
