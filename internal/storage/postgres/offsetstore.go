package postgres

import (
	"context"
	"database/sql"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"gitlab.com/arcanecrypto/payday/internal/offsetstore"
)

// OffsetStore is the Postgres implementation of offsetstore.Store, backing
// the `offsets` table. It knows nothing about the
// monotonic-advancement rule or the namespace prefixing; offsetstore.Cache
// layers both on top of this.
type OffsetStore struct {
	db *sqlx.DB
}

// NewOffsetStore wraps an already-open connection pool.
func NewOffsetStore(db *sqlx.DB) *OffsetStore {
	return &OffsetStore{db: db}
}

var _ offsetstore.Store = (*OffsetStore)(nil)

// Get returns the durably stored offset for id, or ok=false if none has
// ever been written.
func (s *OffsetStore) Get(ctx context.Context, id string) (uint64, bool, error) {
	var offset uint64
	err := s.db.GetContext(ctx, &offset, `SELECT current_offset FROM offsets WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errors.Wrapf(err, "loading offset for %s", id)
	}
	return offset, true, nil
}

const upsertOffsetQuery = `
INSERT INTO offsets (id, current_offset)
VALUES ($1, $2)
ON CONFLICT (id) DO UPDATE SET current_offset = excluded.current_offset`

// Set durably stores offset for id via a single upsert statement.
// Monotonicity is offsetstore.Cache's job; this layer unconditionally
// overwrites via a single INSERT … ON CONFLICT UPDATE.
func (s *OffsetStore) Set(ctx context.Context, id string, offset uint64) error {
	if _, err := s.db.ExecContext(ctx, upsertOffsetQuery, id, offset); err != nil {
		return errors.Wrapf(err, "upserting offset for %s", id)
	}
	return nil
}
