package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"basegraph.app/observer/core/db"
)

type cursorStore struct {
	db   db.DBTX
	name string
}

// NewCursorStore returns a CursorStore keyed by name in observer_cursors.
func NewCursorStore(conn db.DBTX, name string) CursorStore {
	return &cursorStore{db: conn, name: name}
}

const loadCursorSQL = `SELECT seq FROM observer_cursors WHERE name = $1`

func (s *cursorStore) Load(ctx context.Context) (int64, error) {
	var seq int64
	if err := s.db.QueryRow(ctx, loadCursorSQL, s.name).Scan(&seq); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("loading cursor %s: %w", s.name, err)
	}
	return seq, nil
}

const saveCursorSQL = `
INSERT INTO observer_cursors (name, seq, updated_at)
VALUES ($1, $2, now())
ON CONFLICT (name) DO UPDATE SET seq = EXCLUDED.seq, updated_at = EXCLUDED.updated_at`

func (s *cursorStore) Save(ctx context.Context, seq int64) error {
	if _, err := s.db.Exec(ctx, saveCursorSQL, s.name, seq); err != nil {
		return fmt.Errorf("saving cursor %s: %w", s.name, err)
	}
	return nil
}
