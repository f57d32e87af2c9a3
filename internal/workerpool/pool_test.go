package workerpool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/aculich/bp-telemetry-core/internal/cdc"
	"github.com/aculich/bp-telemetry-core/internal/dlq"
	"github.com/aculich/bp-telemetry-core/internal/pipelineerr"
	"github.com/aculich/bp-telemetry-core/internal/streams"
	"github.com/aculich/bp-telemetry-core/internal/telemetry"
)

type recordingBuilder struct {
	name string
	mu   sync.Mutex
	seen []string
	fail func(telemetry.Event) error
}

func (b *recordingBuilder) Name() string { return b.name }

func (b *recordingBuilder) Apply(_ context.Context, e telemetry.Event) error {
	if b.fail != nil {
		if err := b.fail(e); err != nil {
			return err
		}
	}
	b.mu.Lock()
	b.seen = append(b.seen, e.EventID)
	b.mu.Unlock()
	return nil
}

func (b *recordingBuilder) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.seen)
}

type noopCustody struct{}

func (noopCustody) RecordDerivedApplied(string, int) {}
func (noopCustody) RecordDLQ(dlq.Stage, int)         {}

func publishCDCRecord(t *testing.T, fake *streams.Fake, rec cdc.Record) {
	t.Helper()
	values, err := rec.ToValues()
	require.NoError(t, err)
	_, err = fake.Add(context.Background(), "telemetry:cdc", values, 0)
	require.NoError(t, err)
}

func TestPoolDispatchesToAllBuildersAndAcks(t *testing.T) {
	fake := streams.NewFake()
	require.NoError(t, fake.EnsureGroup(context.Background(), "telemetry:cdc", "workers"))

	conv := &recordingBuilder{name: "conversation"}
	metrics := &recordingBuilder{name: "metrics"}

	pool := New(Config{
		Client:             fake,
		DLQWriter:          dlq.NewWriter(fake, "telemetry:dlq"),
		Custody:            noopCustody{},
		Builders:           []Builder{conv, metrics},
		Logger:             zerolog.Nop(),
		CDCStream:          "telemetry:cdc",
		Group:              "workers",
		NWorkers:           2,
		TPoll:              5 * time.Millisecond,
		RMaxBuilder:        3,
		BuilderBaseBackoff: time.Millisecond,
		BuilderMaxBackoff:  10 * time.Millisecond,
	})

	publishCDCRecord(t, fake, cdc.Record{
		EventID: "e1", Platform: "claude-code", ExternalSessionID: "s-1",
		EventType: telemetry.EventUserPrompt, BatchID: 1,
		InlinePayload: map[string]interface{}{"prompt_length": 5},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { _ = pool.Run(ctx); close(done) }()

	require.Eventually(t, func() bool {
		return conv.count() == 1 && metrics.count() == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done

	info, err := fake.GroupDepth(context.Background(), "telemetry:cdc", "workers")
	require.NoError(t, err)
	require.Zero(t, info.Pending)
}

func TestPoolPermanentBuilderErrorGoesToDLQWithoutMetrics(t *testing.T) {
	fake := streams.NewFake()
	require.NoError(t, fake.EnsureGroup(context.Background(), "telemetry:cdc", "workers"))

	conv := &recordingBuilder{
		name: "conversation",
		fail: func(telemetry.Event) error {
			return pipelineerr.Schema("conversation", errors.New("bad turn state"))
		},
	}
	metrics := &recordingBuilder{name: "metrics"}

	pool := New(Config{
		Client:             fake,
		DLQWriter:          dlq.NewWriter(fake, "telemetry:dlq"),
		Custody:            noopCustody{},
		Builders:           []Builder{conv, metrics},
		Logger:             zerolog.Nop(),
		CDCStream:          "telemetry:cdc",
		Group:              "workers",
		NWorkers:           1,
		TPoll:              5 * time.Millisecond,
		RMaxBuilder:        2,
		BuilderBaseBackoff: time.Millisecond,
		BuilderMaxBackoff:  5 * time.Millisecond,
	})

	publishCDCRecord(t, fake, cdc.Record{
		EventID: "bad-1", Platform: "claude-code", ExternalSessionID: "s-1",
		EventType: telemetry.EventUserPrompt, BatchID: 1,
		InlinePayload: map[string]interface{}{"prompt_length": 5},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { _ = pool.Run(ctx); close(done) }()

	require.Eventually(t, func() bool {
		return fake.Len("telemetry:dlq") == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done

	require.Zero(t, metrics.count())
}
