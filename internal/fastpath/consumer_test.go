package fastpath

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/aculich/bp-telemetry-core/internal/dlq"
	"github.com/aculich/bp-telemetry-core/internal/rawstore"
	"github.com/aculich/bp-telemetry-core/internal/streams"
	"github.com/aculich/bp-telemetry-core/internal/telemetry"
)

type noopCustody struct{}

func (noopCustody) RecordIngressEnqueued(int)     {}
func (noopCustody) RecordRawPersisted(int)        {}
func (noopCustody) RecordCDCPublished(int)        {}
func (noopCustody) RecordDLQ(dlq.Stage, int)      {}

func newTestConsumer(t *testing.T, bMax int, tBatch time.Duration) (*Consumer, *streams.Fake, *rawstore.SQLiteStore) {
	return newTestConsumerWithRecovery(t, bMax, tBatch, 30*time.Second, time.Hour)
}

func newTestConsumerWithRecovery(t *testing.T, bMax int, tBatch, tStuck, recoveryPeriod time.Duration) (*Consumer, *streams.Fake, *rawstore.SQLiteStore) {
	t.Helper()
	fake := streams.NewFake()
	store, err := rawstore.OpenSQLiteStore(filepath.Join(t.TempDir(), "fp.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	c := New(Config{
		Client:               fake,
		Store:                store,
		DLQWriter:            dlq.NewWriter(fake, "telemetry:dlq"),
		Custody:              noopCustody{},
		Logger:               zerolog.Nop(),
		IngressStream:        "telemetry:ingress",
		CDCStream:            "telemetry:cdc",
		Group:                "fastpath-consumers",
		ConsumerID:           "fp-1",
		BMax:                 bMax,
		TPoll:                5 * time.Millisecond,
		TBatch:               tBatch,
		TStuck:               tStuck,
		RecoveryPeriod:       recoveryPeriod,
		RMax:                 3,
		CDCAppendTimeout:     time.Second,
		InlineThresholdBytes: 4096,
	})
	return c, fake, store
}

func pushEvent(t *testing.T, fake *streams.Fake, e telemetry.Event) {
	t.Helper()
	values, err := ValuesFromEvent(e)
	require.NoError(t, err)
	_, err = fake.Add(context.Background(), "telemetry:ingress", values, 0)
	require.NoError(t, err)
}

func TestCommitProtocolPersistsPublishesAndAcks(t *testing.T) {
	c, fake, store := newTestConsumer(t, 10, 20*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())

	pushEvent(t, fake, telemetry.Event{
		EventID: "e1", EnqueuedAt: time.Now(), Platform: "claude-code",
		ExternalSessionID: "s-1", EventType: telemetry.EventSessionStart,
	})

	done := make(chan struct{})
	go func() { _ = c.Run(ctx); close(done) }()

	require.Eventually(t, func() bool {
		return c.Counters().BatchesCommitted >= 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done

	require.EqualValues(t, 1, c.Counters().EventsRead)
	require.EqualValues(t, 1, c.Counters().CDCPublished)

	events, err := store.Read(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "e1", events[0].EventID)

	require.Equal(t, 1, fake.Len("telemetry:cdc"))
}

func TestPoisonEventGoesToDLQAfterRMaxAttempts(t *testing.T) {
	c, fake, _ := newTestConsumerWithRecovery(t, 10, 20*time.Millisecond, 10*time.Millisecond, 15*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())

	// Missing required payload key for UserPrompt fails schema validation.
	pushEvent(t, fake, telemetry.Event{
		EventID: "bad-1", EnqueuedAt: time.Now(), Platform: "claude-code",
		ExternalSessionID: "s-1", EventType: telemetry.EventUserPrompt,
		Payload: map[string]interface{}{},
	})

	done := make(chan struct{})
	go func() { _ = c.Run(ctx); close(done) }()

	require.Eventually(t, func() bool {
		return fake.Len("telemetry:dlq") >= 1
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	<-done

	require.Zero(t, c.Counters().BatchesCommitted)
}

func TestSingleOversizedEventStillCommitsAsOneEventBatch(t *testing.T) {
	c, fake, store := newTestConsumer(t, 1, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())

	// The payload alone is twice the consumer's 4096-byte inline threshold.
	pushEvent(t, fake, telemetry.Event{
		EventID: "big-1", EnqueuedAt: time.Now(), Platform: "claude-code",
		ExternalSessionID: "s-1", EventType: telemetry.EventSessionStart,
		Payload: map[string]interface{}{"padding": strings.Repeat("x", 8*1024)},
	})

	done := make(chan struct{})
	go func() { _ = c.Run(ctx); close(done) }()

	require.Eventually(t, func() bool {
		return c.Counters().BatchesCommitted >= 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done

	events, err := store.Read(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, events, 1)
}
