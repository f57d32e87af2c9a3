/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L2
Logic:       Dead-letter stream writer and reader. Write always
             passes an unbounded maxLen; Read replays entries back
             out via a consumer group for operator inspection.
Root Cause:  Poison events need a permanent, never-trimmed home once
             they exceed their retry budget, distinct from the
             ingress/CDC streams' own (trimmed) retention.
Suitability: L2 — stream append/read with a fixed envelope.
──────────────────────────────────────────────────────────────
*/

// Package dlq writes and reads the dead-letter stream: the only durable
// record of events that failed processing beyond their retry budget
// (§4.5). Unlike the ingress/CDC streams it carries unbounded retention —
// operators drain it out-of-band, so nothing in this package trims it.
package dlq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aculich/bp-telemetry-core/internal/pipelineerr"
	"github.com/aculich/bp-telemetry-core/internal/streams"
)

// Stage names the pipeline stage that gave up on an event.
type Stage string

const (
	StageFastPath           Stage = "fast_path"
	StageConversationBuilder Stage = "conversation_builder"
	StageMetricsAggregator   Stage = "metrics_aggregator"
)

// Record is a single dead-lettered event (§4.5).
type Record struct {
	DLQID             string
	EventID           string
	Platform          string
	ExternalSessionID string
	Payload           json.RawMessage
	Stage             Stage
	ErrorKind         pipelineerr.Kind
	ErrorMessage      string
	FailedAt          time.Time
}

const (
	fieldEventID      = "event_id"
	fieldPlatform     = "platform"
	fieldExtSession   = "external_session_id"
	fieldPayload      = "payload"
	fieldStage        = "stage"
	fieldErrorKind    = "error_kind"
	fieldErrorMessage = "error_message"
	fieldFailedAt     = "failed_at"
)

// Writer appends dead-letter records to the DLQ stream.
type Writer struct {
	client     streams.Client
	streamName string
}

// NewWriter constructs a Writer over the given stream name.
func NewWriter(client streams.Client, streamName string) *Writer {
	return &Writer{client: client, streamName: streamName}
}

// Write appends rec to the DLQ stream. maxLen is 0 here regardless of
// caller input — the DLQ is never trimmed (§4.5's unbounded retention).
func (w *Writer) Write(ctx context.Context, rec Record) (string, error) {
	payload := rec.Payload
	if payload == nil {
		payload = json.RawMessage("null")
	}

	values := map[string]interface{}{
		fieldEventID:      rec.EventID,
		fieldPlatform:     rec.Platform,
		fieldExtSession:   rec.ExternalSessionID,
		fieldPayload:      string(payload),
		fieldStage:        string(rec.Stage),
		fieldErrorKind:    string(rec.ErrorKind),
		fieldErrorMessage: rec.ErrorMessage,
		fieldFailedAt:     rec.FailedAt.UTC().Format(time.RFC3339Nano),
	}

	id, err := w.client.Add(ctx, w.streamName, values, 0)
	if err != nil {
		return "", fmt.Errorf("append dlq record for event %s: %w", rec.EventID, err)
	}
	return id, nil
}

// Reader exposes read-only access to the DLQ stream's contents, the
// minimal seam the health surface needs to report recent dead-letters.
type Reader struct {
	client     streams.Client
	streamName string
}

// NewReader constructs a Reader over the given stream name.
func NewReader(client streams.Client, streamName string) *Reader {
	return &Reader{client: client, streamName: streamName}
}

// Recent decodes up to count DLQ entries not yet delivered to group,
// oldest first, delivering them to consumer. It acknowledges nothing, so
// the entries stay in the group's pending list. It uses the same
// consumer-group read path as every other stream so no special-case
// transport is needed for a stream that otherwise behaves exactly like
// ingress/cdc.
func (r *Reader) Recent(ctx context.Context, group, consumer string, count int64) ([]Record, error) {
	msgs, err := r.client.ReadGroup(ctx, r.streamName, group, consumer, count, 0)
	if err != nil {
		return nil, fmt.Errorf("read dlq stream: %w", err)
	}

	out := make([]Record, 0, len(msgs))
	for _, m := range msgs {
		rec, err := recordFromMessage(m)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// recordFromMessage decodes a raw stream message back into a Record.
func recordFromMessage(msg streams.Message) (Record, error) {
	r := Record{
		DLQID:             msg.ID,
		EventID:           str(msg.Values[fieldEventID]),
		Platform:          str(msg.Values[fieldPlatform]),
		ExternalSessionID: str(msg.Values[fieldExtSession]),
		Stage:             Stage(str(msg.Values[fieldStage])),
		ErrorKind:         pipelineerr.Kind(str(msg.Values[fieldErrorKind])),
		ErrorMessage:      str(msg.Values[fieldErrorMessage]),
		Payload:           json.RawMessage(str(msg.Values[fieldPayload])),
	}
	if raw := str(msg.Values[fieldFailedAt]); raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return Record{}, fmt.Errorf("parse failed_at: %w", err)
		}
		r.FailedAt = t
	}
	return r, nil
}

func str(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	default:
		return ""
	}
}
