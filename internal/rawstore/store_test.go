package rawstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aculich/bp-telemetry-core/internal/telemetry"
)

var errStop = errors.New("stop scan")

func testEvent(id, sessionID string, at time.Time) telemetry.Event {
	return telemetry.Event{
		EventID:           id,
		EnqueuedAt:        at,
		Platform:          "claude-code",
		ExternalSessionID: sessionID,
		EventType:         telemetry.EventUserPrompt,
		Payload:           map[string]interface{}{"prompt_length": 42},
	}
}

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rawstore.db")
	s, err := OpenSQLiteStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAppendReadRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	now := time.Now()
	batch := Batch{Events: []telemetry.Event{
		testEvent("e1", "sess-1", now),
		testEvent("e2", "sess-1", now.Add(time.Second)),
	}}

	batchID, err := s.Append(ctx, batch)
	require.NoError(t, err)
	require.NotZero(t, batchID)

	got, err := s.Read(ctx, batchID)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "e1", got[0].EventID)
	require.Equal(t, "e2", got[1].EventID)
}

func TestAppendRejectsEmptyBatch(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Append(context.Background(), Batch{})
	require.Error(t, err)
}

func TestBatchIDsStrictlyIncrease(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	id1, err := s.Append(ctx, Batch{Events: []telemetry.Event{testEvent("e1", "sess-1", time.Now())}})
	require.NoError(t, err)
	id2, err := s.Append(ctx, Batch{Events: []telemetry.Event{testEvent("e2", "sess-1", time.Now())}})
	require.NoError(t, err)
	require.Greater(t, id2, id1)
}

func TestScanFiltersBySessionAndSince(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	base := time.Now()
	_, err := s.Append(ctx, Batch{Events: []telemetry.Event{
		testEvent("e1", "sess-a", base),
		testEvent("e2", "sess-b", base.Add(time.Second)),
	}})
	require.NoError(t, err)
	_, err = s.Append(ctx, Batch{Events: []telemetry.Event{
		testEvent("e3", "sess-a", base.Add(2 * time.Second)),
	}})
	require.NoError(t, err)

	var got []string
	err = s.Scan(ctx, telemetry.SessionKey("claude-code", "sess-a"), base, func(e telemetry.Event) error {
		got = append(got, e.EventID)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{"e1", "e3"}, got)
}

func TestScanPropagatesCallbackError(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	base := time.Now()
	_, err := s.Append(ctx, Batch{Events: []telemetry.Event{testEvent("e1", "sess-a", base)}})
	require.NoError(t, err)

	sentinel := errStop
	err = s.Scan(ctx, telemetry.SessionKey("claude-code", "sess-a"), base, func(e telemetry.Event) error {
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)
}

func TestPruneDeletesOldBatches(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	_, err := s.Append(ctx, Batch{Events: []telemetry.Event{testEvent("e1", "sess-a", time.Now())}})
	require.NoError(t, err)

	n, err := s.Prune(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	n, err = s.Prune(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.EqualValues(t, 0, n)
}
