/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L1
Logic:       Wire shapes for a persisted batch (Record) and an
             in-flight batch awaiting a batch_id (Batch), plus the
             first/last enqueued_at bounds a batch's rows need.
Root Cause:  The sqlite backing records each batch's first/last
             enqueued_at bounds alongside its blob.
Suitability: L1 — plain structs and a bounds helper.
──────────────────────────────────────────────────────────────
*/

// Package rawstore implements component A: the append-only compressed
// event log, one row per batch keyed by batch_id, with a per-session
// Scan over the decoded events (§4.1).
package rawstore

import (
	"time"

	"github.com/aculich/bp-telemetry-core/internal/telemetry"
)

// CodecVersion identifies the compression+serialization scheme a batch's
// blob was written with, so readers can dispatch correctly even if a
// future version changes the scheme (schema evolution of historical
// blobs is explicitly out of scope — the version byte is recorded, not
// migrated).
type CodecVersion byte

const (
	// CodecMsgpackZstd serializes the event array with msgpack, then
	// compresses the result with zstd. The only scheme this version
	// of the pipeline writes.
	CodecMsgpackZstd CodecVersion = 1
)

// Record is the durable persisted form of a batch of events (§3.1).
type Record struct {
	BatchID         int64
	WrittenAt       time.Time
	EventCount      int
	FirstEnqueuedAt time.Time
	LastEnqueuedAt  time.Time
	CodecVersion    CodecVersion
	Blob            []byte
}

// Batch groups the events a single commit-protocol Persist step writes
// together, before it has a batch_id.
type Batch struct {
	Events []telemetry.Event
}

func (b Batch) bounds() (first, last time.Time) {
	for i, e := range b.Events {
		if i == 0 || e.EnqueuedAt.Before(first) {
			first = e.EnqueuedAt
		}
		if i == 0 || e.EnqueuedAt.After(last) {
			last = e.EnqueuedAt
		}
	}
	return first, last
}
