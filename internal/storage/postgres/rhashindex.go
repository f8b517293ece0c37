package postgres

import (
	"context"
	"database/sql"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"gitlab.com/arcanecrypto/payday/internal/rhashindex"
)

// RHashIndex is the Postgres-backed rhashindex.Backend. It keeps the
// r_hash -> invoice_id mapping in its own lightning_rhash_index table,
// which EnsureSchema creates outside the numbered migrations.
type RHashIndex struct {
	db *sqlx.DB
}

// NewRHashIndex wraps an already-open connection pool.
func NewRHashIndex(db *sqlx.DB) *RHashIndex {
	return &RHashIndex{db: db}
}

var _ rhashindex.Backend = (*RHashIndex)(nil)

const createRHashIndexTable = `
CREATE TABLE IF NOT EXISTS lightning_rhash_index (
	r_hash     text PRIMARY KEY,
	invoice_id text NOT NULL
)`

// EnsureSchema creates the small supporting index table if it doesn't
// exist yet. Called once at startup, alongside the main migration run;
// kept separate since this table is an internal projection, not part of
// the core event-sourcing schema.
func (r *RHashIndex) EnsureSchema(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, createRHashIndexTable)
	return errors.Wrap(err, "creating lightning_rhash_index table")
}

// Put records the r_hash -> invoice_id mapping, upserting in case of
// redelivery of the same InvoiceCreated event.
func (r *RHashIndex) Put(ctx context.Context, rHash, invoiceID string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO lightning_rhash_index (r_hash, invoice_id)
		VALUES ($1, $2)
		ON CONFLICT (r_hash) DO UPDATE SET invoice_id = excluded.invoice_id`,
		rHash, invoiceID)
	return errors.Wrapf(err, "indexing r_hash %s", rHash)
}

// Get looks up the invoice_id indexed for rHash.
func (r *RHashIndex) Get(ctx context.Context, rHash string) (string, bool, error) {
	var invoiceID string
	err := r.db.GetContext(ctx, &invoiceID, `SELECT invoice_id FROM lightning_rhash_index WHERE r_hash = $1`, rHash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrapf(err, "looking up r_hash %s", rHash)
	}
	return invoiceID, true, nil
}
