/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L1
Logic:       Append/Read/Scan/Prune interface the sqlite backing and
             any future backing must satisfy.
Root Cause:  Callers (cdc.Resolve, the fastpath sweeper) depend on the
             raw store through this interface, not the concrete type.
Suitability: L1 — interface declaration only.
──────────────────────────────────────────────────────────────
*/

package rawstore

import (
	"context"
	"time"

	"github.com/aculich/bp-telemetry-core/internal/telemetry"
)

// Store is the contract §4.1 names: append, read, and scan over the
// durable compressed event log.
type Store interface {
	// Append atomically persists a compressed batch and returns its
	// assigned batch_id. The transaction covers the full batch — a
	// crash mid-write rolls back the whole batch, never a partial one.
	Append(ctx context.Context, batch Batch) (int64, error)

	// Read returns the decompressed events for a previously committed
	// batch.
	Read(ctx context.Context, batchID int64) ([]telemetry.Event, error)

	// Scan calls fn for every event belonging to sessionKey with
	// EnqueuedAt >= since, across however many batches that spans:
	// batches in commit (written_at) order, events within a batch in
	// stored order. Events are not re-sorted by EnqueuedAt. Returning an
	// error from fn stops the scan and propagates the error.
	Scan(ctx context.Context, sessionKey string, since time.Time, fn func(telemetry.Event) error) error

	// Prune deletes committed batches whose WrittenAt is before cutoff.
	// The pipeline itself never calls this — raw-store retention is an
	// external operator concern (§9) — but the capability is exposed
	// for that operator tooling.
	Prune(ctx context.Context, cutoff time.Time) (int64, error)

	Close() error
}
