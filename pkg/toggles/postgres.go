package toggles

import (
	"context"
	"errors"
	"fmt"

	"github.com/morezero/capabilities-gateway/pkg/db"
)

const postgresLogPrefix = "toggles:postgres"

// PostgresStore keeps toggles in the capability_toggles table.
type PostgresStore struct {
	repo       *db.Repository
	modifiedBy string
}

// NewPostgresStore creates a PostgresStore. modifiedBy is recorded on writes.
func NewPostgresStore(repo *db.Repository, modifiedBy string) *PostgresStore {
	if modifiedBy == "" {
		modifiedBy = "system"
	}
	return &PostgresStore{repo: repo, modifiedBy: modifiedBy}
}

// IsEnabled reports the toggle for name, true if no row exists.
func (s *PostgresStore) IsEnabled(ctx context.Context, name string) (bool, error) {
	t, err := s.repo.GetToggle(ctx, name)
	if errors.Is(err, db.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return true, fmt.Errorf("%s - failed to read toggle: %w", postgresLogPrefix, err)
	}
	return t.Enabled, nil
}

// SetEnabled upserts the toggle for name.
func (s *PostgresStore) SetEnabled(ctx context.Context, name string, enabled bool) error {
	if name == "" {
		return fmt.Errorf("%s - capability name is required", postgresLogPrefix)
	}
	if _, err := s.repo.SetToggle(ctx, name, enabled, s.modifiedBy); err != nil {
		return fmt.Errorf("%s - failed to write toggle: %w", postgresLogPrefix, err)
	}
	return nil
}

// List returns every toggle row.
func (s *PostgresStore) List(ctx context.Context) (map[string]bool, error) {
	rows, err := s.repo.ListToggles(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to list toggles: %w", postgresLogPrefix, err)
	}
	out := make(map[string]bool, len(rows))
	for _, r := range rows {
		out[r.Name] = r.Enabled
	}
	return out, nil
}
