/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L1
Logic:       (event_id, builder_id) insert-or-ignore table. TryMarkTx
             reports whether this call was the first to claim a key,
             against a caller-owned transaction so the mark and the
             store write it guards commit together.
Root Cause:  Two independent derived-state builders need the
             identical idempotence guarantee against the identical
             key shape; one shared table avoids two copies of the
             same insert-or-ignore check.
Suitability: L1 — single conflict-checked insert.
──────────────────────────────────────────────────────────────
*/

// Package dedup provides the idempotence index derived-state builders
// use to guarantee exactly-once effect under at-least-once delivery
// (§6.3's "Dedup index" and the idempotence invariants in §8).
package dedup

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const schema = `
CREATE TABLE IF NOT EXISTS dedup_index (
	event_id   TEXT NOT NULL,
	builder_id TEXT NOT NULL,
	applied_at INTEGER NOT NULL,
	PRIMARY KEY (event_id, builder_id)
);
`

// Index tracks which (event_id, builder_id) pairs have already been
// applied, so a builder can skip re-deriving state for a CDC record it
// has already processed.
type Index struct {
	db *sql.DB
}

// Open ensures the dedup_index table exists on db and returns an Index
// over it. Callers typically share one *sql.DB across the dedup index
// and whatever store the builder writes to, so both live in the same
// transaction boundary.
func Open(db *sql.DB) (*Index, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("migrate dedup_index schema: %w", err)
	}
	return &Index{db: db}, nil
}

// TryMarkTx atomically records (eventID, builderID) as applied against
// tx and reports whether this call was the first to do so. Builders
// call this inside the same transaction as the store write it guards,
// so a transient failure rolls back the mark along with the write.
func TryMarkTx(ctx context.Context, tx *sql.Tx, eventID, builderID string) (firstTime bool, err error) {
	res, err := tx.ExecContext(ctx,
		`INSERT INTO dedup_index (event_id, builder_id, applied_at) VALUES (?, ?, ?)
		 ON CONFLICT(event_id, builder_id) DO NOTHING`,
		eventID, builderID, time.Now().UnixNano(),
	)
	if err != nil {
		return false, fmt.Errorf("mark dedup (%s, %s): %w", eventID, builderID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected for dedup mark: %w", err)
	}
	return n > 0, nil
}

// Prune deletes dedup entries older than cutoff. Left uncalled by the
// pipeline itself, matching the raw store's externally-managed
// retention policy (§9) — the window this index should track is
// whatever retention an operator configures for the raw store.
func (i *Index) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := i.db.ExecContext(ctx, `DELETE FROM dedup_index WHERE applied_at < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("prune dedup_index: %w", err)
	}
	return res.RowsAffected()
}
