package cdc

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aculich/bp-telemetry-core/internal/rawstore"
	"github.com/aculich/bp-telemetry-core/internal/telemetry"
)

func TestFromEventInlineUnderThreshold(t *testing.T) {
	e := telemetry.Event{
		EventID:           "e1",
		Platform:          "claude-code",
		ExternalSessionID: "s-1",
		EventType:         telemetry.EventUserPrompt,
		Payload:           map[string]interface{}{"prompt_length": 12},
	}
	r, err := FromEvent("cdc-1", e, 42, 0, 4096)
	require.NoError(t, err)
	require.Nil(t, r.PayloadRef)
	require.Equal(t, 12.0, toFloat(r.InlinePayload["prompt_length"]))
}

func TestFromEventByReferenceOverThreshold(t *testing.T) {
	e := telemetry.Event{
		EventID:           "e1",
		Platform:          "claude-code",
		ExternalSessionID: "s-1",
		EventType:         telemetry.EventAssistantResponse,
		Payload: map[string]interface{}{
			"response_length": strings.Repeat("x", 100),
			"tokens_used":      30,
			"model":            "m1",
			"duration_ms":      800,
		},
	}
	r, err := FromEvent("cdc-1", e, 42, 3, 10)
	require.NoError(t, err)
	require.Nil(t, r.InlinePayload)
	require.NotNil(t, r.PayloadRef)
	require.Equal(t, int64(42), r.PayloadRef.BatchID)
	require.Equal(t, 3, r.PayloadRef.Index)
}

func TestToValuesFromValuesRoundTripInline(t *testing.T) {
	enqueuedAt := time.Unix(0, time.Now().UnixNano())
	r := Record{
		CDCID:             "cdc-1",
		EventID:           "e1",
		Platform:          "claude-code",
		ExternalSessionID: "s-1",
		EventType:         telemetry.EventUserPrompt,
		EnqueuedAt:        enqueuedAt,
		BatchID:           7,
		RetryCount:        1,
		InlinePayload:     map[string]interface{}{"prompt_length": 12.0},
	}
	values, err := r.ToValues()
	require.NoError(t, err)

	got, err := RecordFromValues("cdc-1", values)
	require.NoError(t, err)
	require.Equal(t, r.EventID, got.EventID)
	require.Equal(t, r.BatchID, got.BatchID)
	require.Equal(t, r.RetryCount, got.RetryCount)
	require.True(t, enqueuedAt.Equal(got.EnqueuedAt))
	require.Equal(t, 12.0, toFloat(got.InlinePayload["prompt_length"]))
}

// TestResolveInlineSetsEnqueuedAt guards against the inline payload path
// silently dropping enqueued_at, which every conversation/metrics
// derivation keyed on event ordering depends on (§3.1, §8 invariant 3).
func TestResolveInlineSetsEnqueuedAt(t *testing.T) {
	ctx := context.Background()
	store, err := rawstore.OpenSQLiteStore(t.TempDir() + "/cdc-inline.db")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	enqueuedAt := time.Unix(0, time.Now().UnixNano())
	event := telemetry.Event{
		EventID: "e1", EnqueuedAt: enqueuedAt, Platform: "claude-code", ExternalSessionID: "s-1",
		EventType: telemetry.EventUserPrompt, Payload: map[string]interface{}{"prompt_length": 12},
	}
	rec, err := FromEvent("cdc-1", event, 1, 0, 4096)
	require.NoError(t, err)
	require.Nil(t, rec.PayloadRef)

	resolved, err := Resolve(ctx, rec, store)
	require.NoError(t, err)
	require.True(t, enqueuedAt.Equal(resolved.EnqueuedAt))
}

func TestResolveByReferenceReadsRawStore(t *testing.T) {
	ctx := context.Background()
	store, err := rawstore.OpenSQLiteStore(t.TempDir() + "/cdc.db")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	batch := rawstore.Batch{Events: []telemetry.Event{
		{
			EventID:           "e1",
			EnqueuedAt:        time.Now(),
			Platform:          "claude-code",
			ExternalSessionID: "s-1",
			EventType:         telemetry.EventAssistantResponse,
			Payload:           map[string]interface{}{"response_length": 5000},
		},
	}}
	batchID, err := store.Append(ctx, batch)
	require.NoError(t, err)

	rec := Record{
		EventID: "e1", Platform: "claude-code", ExternalSessionID: "s-1",
		EventType: telemetry.EventAssistantResponse, BatchID: batchID,
		PayloadRef: &PayloadRef{BatchID: batchID, Index: 0},
	}
	resolved, err := Resolve(ctx, rec, store)
	require.NoError(t, err)
	require.Equal(t, "e1", resolved.EventID)
	require.Equal(t, 5000.0, resolved.FloatPayload("response_length"))
}

func toFloat(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	default:
		return 0
	}
}
