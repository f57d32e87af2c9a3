/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L2
Logic:       Change-data-capture record and its Redis Streams wire
             encoding — flattens to/from string-keyed field maps,
             carrying either the event payload inline or a reference
             back into the raw store for oversized payloads.
Root Cause:  Derived-state builders need a stable, replayable
             notification format independent of the raw store's own
             blob encoding.
Context:     enqueued_at travels with the record so builders can
             order turns and sessions without re-reading the raw
             store for every inline-sized event.
Suitability: L2 — wire format with a well-defined round trip.
──────────────────────────────────────────────────────────────
*/

// Package cdc defines the change-data-capture record published after a
// successful raw-store commit (§3.1) — the sole input to the worker pool
// and its derived-state builders.
package cdc

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/aculich/bp-telemetry-core/internal/telemetry"
)

// Record is a per-event notification appended to the CDC stream once its
// batch is durably persisted.
type Record struct {
	CDCID             string
	EventID           string
	Platform          string
	ExternalSessionID string
	EventType         telemetry.EventType
	EnqueuedAt        time.Time
	BatchID           int64
	RetryCount        int

	// InlinePayload holds the event payload when it marshals at or under
	// the inline threshold. Exactly one of InlinePayload / PayloadRef is set.
	InlinePayload map[string]interface{}
	// PayloadRef points back into the raw store when the payload is too
	// large to carry inline (§3.1).
	PayloadRef *PayloadRef
}

// PayloadRef locates a payload within a previously committed raw batch.
type PayloadRef struct {
	BatchID int64
	Index   int
}

// stream field names, shared by the Redis encoder and decoder.
const (
	fieldCDCID      = "cdc_id"
	fieldEventID    = "event_id"
	fieldPlatform   = "platform"
	fieldExtSession = "external_session_id"
	fieldEventType  = "event_type"
	fieldEnqueuedAt = "enqueued_at"
	fieldBatchID    = "batch_id"
	fieldRetryCount = "retry_count"
	fieldInline     = "payload_inline"
	fieldRefBatch   = "payload_ref_batch_id"
	fieldRefIndex   = "payload_ref_index"
)

// ToValues flattens the record into the string-keyed map Redis Streams'
// XADD expects.
func (r Record) ToValues() (map[string]interface{}, error) {
	values := map[string]interface{}{
		fieldCDCID:      r.CDCID,
		fieldEventID:    r.EventID,
		fieldPlatform:   r.Platform,
		fieldExtSession: r.ExternalSessionID,
		fieldEventType:  string(r.EventType),
		fieldEnqueuedAt: strconv.FormatInt(r.EnqueuedAt.UnixNano(), 10),
		fieldBatchID:    strconv.FormatInt(r.BatchID, 10),
		fieldRetryCount: strconv.Itoa(r.RetryCount),
	}

	if r.PayloadRef != nil {
		values[fieldRefBatch] = strconv.FormatInt(r.PayloadRef.BatchID, 10)
		values[fieldRefIndex] = strconv.Itoa(r.PayloadRef.Index)
		return values, nil
	}

	raw, err := json.Marshal(r.InlinePayload)
	if err != nil {
		return nil, fmt.Errorf("marshal inline payload: %w", err)
	}
	values[fieldInline] = string(raw)
	return values, nil
}

// RecordFromValues reverses ToValues, tolerating the string/[]byte split
// go-redis returns values as.
func RecordFromValues(id string, values map[string]interface{}) (Record, error) {
	r := Record{CDCID: id}
	r.EventID = str(values[fieldEventID])
	r.Platform = str(values[fieldPlatform])
	r.ExternalSessionID = str(values[fieldExtSession])
	r.EventType = telemetry.EventType(str(values[fieldEventType]))

	if ea := str(values[fieldEnqueuedAt]); ea != "" {
		nanos, err := strconv.ParseInt(ea, 10, 64)
		if err != nil {
			return Record{}, fmt.Errorf("parse enqueued_at: %w", err)
		}
		r.EnqueuedAt = time.Unix(0, nanos)
	}

	batchID, err := strconv.ParseInt(str(values[fieldBatchID]), 10, 64)
	if err != nil {
		return Record{}, fmt.Errorf("parse batch_id: %w", err)
	}
	r.BatchID = batchID

	if rc := str(values[fieldRetryCount]); rc != "" {
		n, err := strconv.Atoi(rc)
		if err != nil {
			return Record{}, fmt.Errorf("parse retry_count: %w", err)
		}
		r.RetryCount = n
	}

	if refBatch := str(values[fieldRefBatch]); refBatch != "" {
		b, err := strconv.ParseInt(refBatch, 10, 64)
		if err != nil {
			return Record{}, fmt.Errorf("parse payload_ref_batch_id: %w", err)
		}
		i, err := strconv.Atoi(str(values[fieldRefIndex]))
		if err != nil {
			return Record{}, fmt.Errorf("parse payload_ref_index: %w", err)
		}
		r.PayloadRef = &PayloadRef{BatchID: b, Index: i}
		return r, nil
	}

	if inline := str(values[fieldInline]); inline != "" {
		var payload map[string]interface{}
		if err := json.Unmarshal([]byte(inline), &payload); err != nil {
			return Record{}, fmt.Errorf("unmarshal inline payload: %w", err)
		}
		r.InlinePayload = payload
	}
	return r, nil
}

func str(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", s)
	}
}

// FromEvent builds the CDC record for a persisted event. If the inline
// JSON encoding of event.Payload is at or under thresholdBytes it is
// carried inline; otherwise the record carries a reference back into the
// raw batch at index.
func FromEvent(cdcID string, event telemetry.Event, batchID int64, index int, thresholdBytes int) (Record, error) {
	r := Record{
		CDCID:             cdcID,
		EventID:           event.EventID,
		Platform:          event.Platform,
		ExternalSessionID: event.ExternalSessionID,
		EventType:         event.EventType,
		EnqueuedAt:        event.EnqueuedAt,
		BatchID:           batchID,
		RetryCount:        event.RetryCount,
	}

	raw, err := json.Marshal(event.Payload)
	if err != nil {
		return Record{}, fmt.Errorf("marshal payload for size check: %w", err)
	}

	if len(raw) <= thresholdBytes {
		r.InlinePayload = event.Payload
	} else {
		r.PayloadRef = &PayloadRef{BatchID: batchID, Index: index}
	}
	return r, nil
}
