/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L2
Logic:       Resolves a CDC record back into a full telemetry.Event,
             reading the raw store only when the record carries a
             payload_ref instead of an inline payload.
Root Cause:  Builders operate on events, not records; by-reference
             payloads need one extra hop the inline path must skip.
Context:     The resolved event's EnqueuedAt comes from the record
             itself, then from the raw store for by-reference
             payloads — the raw store's copy is authoritative since
             it's the one actually persisted.
Suitability: L2 — single conditional read path.
──────────────────────────────────────────────────────────────
*/

package cdc

import (
	"context"
	"fmt"

	"github.com/aculich/bp-telemetry-core/internal/rawstore"
	"github.com/aculich/bp-telemetry-core/internal/telemetry"
)

// Resolve returns the full event a record describes, fetching the
// payload from the raw store when the record only carries a reference
// (§3.1's payload_ref path).
func Resolve(ctx context.Context, rec Record, store rawstore.Store) (telemetry.Event, error) {
	base := telemetry.Event{
		EventID:           rec.EventID,
		Platform:          rec.Platform,
		ExternalSessionID: rec.ExternalSessionID,
		EventType:         rec.EventType,
		EnqueuedAt:        rec.EnqueuedAt,
		RetryCount:        rec.RetryCount,
	}

	if rec.PayloadRef == nil {
		base.Payload = rec.InlinePayload
		return base, nil
	}

	events, err := store.Read(ctx, rec.PayloadRef.BatchID)
	if err != nil {
		return telemetry.Event{}, fmt.Errorf("resolve payload ref batch %d: %w", rec.PayloadRef.BatchID, err)
	}
	if rec.PayloadRef.Index < 0 || rec.PayloadRef.Index >= len(events) {
		return telemetry.Event{}, fmt.Errorf("payload ref index %d out of range for batch %d (len %d)",
			rec.PayloadRef.Index, rec.PayloadRef.BatchID, len(events))
	}

	resolved := events[rec.PayloadRef.Index]
	base.EnqueuedAt = resolved.EnqueuedAt
	base.Payload = resolved.Payload
	return base, nil
}
