package conversation

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/aculich/bp-telemetry-core/internal/dedup"
	"github.com/aculich/bp-telemetry-core/internal/telemetry"
)

func newTestBuilder(t *testing.T) (*Builder, Store) {
	t.Helper()
	store, err := OpenSQLiteStore(filepath.Join(t.TempDir(), "conv.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	idx, err := dedup.Open(store.DB())
	require.NoError(t, err)

	return NewBuilder(store, idx, zerolog.Nop()), store
}

func promptEvent(id, sessionID string, at time.Time) telemetry.Event {
	return telemetry.Event{
		EventID: id, Platform: "claude-code", ExternalSessionID: sessionID,
		EventType: telemetry.EventUserPrompt, EnqueuedAt: at,
		Payload: map[string]interface{}{"prompt_length": 12},
	}
}

func responseEvent(id, sessionID string, at time.Time) telemetry.Event {
	return telemetry.Event{
		EventID: id, Platform: "claude-code", ExternalSessionID: sessionID,
		EventType: telemetry.EventAssistantResponse, EnqueuedAt: at,
		Payload: map[string]interface{}{"response_length": 45, "tokens_used": 30, "model": "m1", "duration_ms": 800},
	}
}

func fileEditEvent(id, sessionID, operation string, at time.Time) telemetry.Event {
	return telemetry.Event{
		EventID: id, Platform: "claude-code", ExternalSessionID: sessionID,
		EventType: telemetry.EventFileEdit, EnqueuedAt: at,
		Payload: map[string]interface{}{
			"file_extension": ".go", "lines_added": 3, "lines_removed": 1, "operation": operation,
		},
	}
}

// TestHappyPathReconstructsOneTurn mirrors Scenario A: SessionStart,
// UserPrompt, AssistantResponse on one session yields one open session
// row and one turn with accepted=unknown and completed_at set.
func TestHappyPathReconstructsOneTurn(t *testing.T) {
	b, store := newTestBuilder(t)
	ctx := context.Background()
	base := time.Now()

	events := []telemetry.Event{
		{EventID: "e1", Platform: "claude-code", ExternalSessionID: "s-1", EventType: telemetry.EventSessionStart, EnqueuedAt: base},
		promptEvent("e2", "s-1", base.Add(time.Second)),
		responseEvent("e3", "s-1", base.Add(2*time.Second)),
	}
	for _, e := range events {
		require.NoError(t, b.Apply(ctx, e))
	}

	sess, err := store.GetSession(ctx, telemetry.SessionKey("claude-code", "s-1"))
	require.NoError(t, err)
	require.NotNil(t, sess)
	require.Equal(t, StatusOpen, sess.Status)

	turn, err := store.CurrentTurn(ctx, telemetry.SessionKey("claude-code", "s-1"))
	require.NoError(t, err)
	require.NotNil(t, turn)
	require.Equal(t, int64(1), turn.TurnID)
	require.Equal(t, AcceptedUnknown, turn.Accepted)
	require.True(t, turn.CompletedAt.Valid)
}

// TestRejectedSuggestionMarksTurnRejected mirrors Scenario B.
func TestRejectedSuggestionMarksTurnRejected(t *testing.T) {
	b, store := newTestBuilder(t)
	ctx := context.Background()
	base := time.Now()

	events := []telemetry.Event{
		promptEvent("e1", "s-1", base),
		responseEvent("e2", "s-1", base.Add(time.Second)),
		fileEditEvent("e3", "s-1", "rejected", base.Add(2*time.Second)),
	}
	for _, e := range events {
		require.NoError(t, b.Apply(ctx, e))
	}

	turn, err := store.CurrentTurn(ctx, telemetry.SessionKey("claude-code", "s-1"))
	require.NoError(t, err)
	require.Equal(t, AcceptedRejected, turn.Accepted)
}

// TestDuplicateDeliveryAppliesExactlyOnce mirrors Scenario C: replaying
// the same event_ids a second time must not create a second turn or
// session row.
func TestDuplicateDeliveryAppliesExactlyOnce(t *testing.T) {
	b, store := newTestBuilder(t)
	ctx := context.Background()
	base := time.Now()

	events := []telemetry.Event{
		promptEvent("e1", "s-1", base),
		responseEvent("e2", "s-1", base.Add(time.Second)),
	}
	for _, e := range events {
		require.NoError(t, b.Apply(ctx, e))
	}
	for _, e := range events {
		require.NoError(t, b.Apply(ctx, e))
	}

	turn, err := store.CurrentTurn(ctx, telemetry.SessionKey("claude-code", "s-1"))
	require.NoError(t, err)
	require.Equal(t, int64(1), turn.TurnID)
}

// TestNewPromptForcesClosePriorTurn verifies the TURN_OPEN ->
// forced-incomplete-close -> TURN_OPEN transition from the state
// machine.
func TestNewPromptForcesClosePriorTurn(t *testing.T) {
	b, store := newTestBuilder(t)
	ctx := context.Background()
	base := time.Now()

	require.NoError(t, b.Apply(ctx, promptEvent("e1", "s-1", base)))
	secondPromptAt := base.Add(5 * time.Second)
	require.NoError(t, b.Apply(ctx, promptEvent("e2", "s-1", secondPromptAt)))

	sessionKey := telemetry.SessionKey("claude-code", "s-1")
	current, err := store.CurrentTurn(ctx, sessionKey)
	require.NoError(t, err)
	require.Equal(t, int64(2), current.TurnID)
	require.Equal(t, "e2", current.PromptEventID)

	// The prior turn was force-closed at the new prompt's enqueued_at.
	var priorCompletedAt sql.NullInt64
	require.NoError(t, store.(*SQLiteStore).DB().QueryRowContext(ctx,
		`SELECT completed_at FROM turns WHERE session_key = ? AND turn_id = 1`, sessionKey).Scan(&priorCompletedAt))
	require.True(t, priorCompletedAt.Valid)
	require.Equal(t, secondPromptAt.UnixNano(), priorCompletedAt.Int64)
}

// TestSessionEndClosesSession covers the CLOSED terminal state.
func TestSessionEndClosesSession(t *testing.T) {
	b, store := newTestBuilder(t)
	ctx := context.Background()
	base := time.Now()

	require.NoError(t, b.Apply(ctx, promptEvent("e1", "s-1", base)))
	require.NoError(t, b.Apply(ctx, responseEvent("e2", "s-1", base.Add(time.Second))))
	require.NoError(t, b.Apply(ctx, telemetry.Event{
		EventID: "e3", Platform: "claude-code", ExternalSessionID: "s-1",
		EventType: telemetry.EventSessionEnd, EnqueuedAt: base.Add(2 * time.Second),
		Payload: map[string]interface{}{"session_duration_ms": 3000},
	}))

	sess, err := store.GetSession(ctx, telemetry.SessionKey("claude-code", "s-1"))
	require.NoError(t, err)
	require.Equal(t, StatusClosed, sess.Status)
}
