package health

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/aculich/bp-telemetry-core/internal/dlq"
	"github.com/aculich/bp-telemetry-core/internal/metricsagg"
)

func TestRollupSumsCountsAcrossBuckets(t *testing.T) {
	tracker := NewTracker(nil, zerolog.Nop())
	tracker.RecordIngressEnqueued(10)
	tracker.RecordRawPersisted(10)
	tracker.RecordCDCPublished(9)
	tracker.RecordDerivedApplied("conversation", 9)
	tracker.RecordDLQ(dlq.StageFastPath, 1)

	snap := tracker.Rollup()
	require.Equal(t, int64(10), snap.IngressEnqueued)
	require.Equal(t, int64(10), snap.RawPersisted)
	require.Equal(t, int64(9), snap.CDCPublished)
	require.Equal(t, int64(9), snap.DerivedApplied["conversation"])
	require.False(t, snap.ChainBreak)
}

// TestChainBreakDetectedWhenRawPersistedLagsIngress mirrors Scenario D's
// accounting identity failing to hold.
func TestChainBreakDetectedWhenRawPersistedLagsIngress(t *testing.T) {
	tracker := NewTracker(nil, zerolog.Nop())
	tracker.RecordIngressEnqueued(10)
	tracker.RecordRawPersisted(7)
	tracker.RecordDLQ(dlq.StageFastPath, 1)

	snap := tracker.Rollup()
	// 7 < 10 - 1, so the chain-of-custody identity fails: 2 events are
	// unaccounted for.
	require.True(t, snap.ChainBreak)
}

// TestChainIntactWhenDLQAccountsForTheGap mirrors Scenario D's expected
// steady state: every ingested event is either persisted or dead-lettered.
func TestChainIntactWhenDLQAccountsForTheGap(t *testing.T) {
	tracker := NewTracker(nil, zerolog.Nop())
	tracker.RecordIngressEnqueued(10)
	tracker.RecordRawPersisted(9)
	tracker.RecordDLQ(dlq.StageFastPath, 1)

	snap := tracker.Rollup()
	require.False(t, snap.ChainBreak)
}

func TestFlushLoopPersistsGaugesToMetricsStore(t *testing.T) {
	store, err := metricsagg.OpenStore(filepath.Join(t.TempDir(), "metrics.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	tracker := NewTracker(store, zerolog.Nop())
	tracker.RecordIngressEnqueued(5)
	tracker.RecordRawPersisted(5)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { tracker.FlushLoop(ctx, 5*time.Millisecond); close(done) }()

	require.Eventually(t, func() bool {
		v, err := store.GaugeValue(context.Background(), "cc_ingress_enqueued", nil)
		return err == nil && v == 5
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}

func TestPruneDropsBucketsOutsideWindow(t *testing.T) {
	tracker := NewTracker(nil, zerolog.Nop())
	old := time.Now().Add(-2 * time.Hour)
	tracker.nowFn = func() time.Time { return old }
	tracker.RecordIngressEnqueued(3)

	tracker.nowFn = time.Now
	tracker.Prune()

	snap := tracker.Rollup()
	require.Equal(t, int64(0), snap.IngressEnqueued)
}
