package metricsagg

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenStore(filepath.Join(t.TempDir(), "metrics.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAddCounterAccumulates(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	labels := map[string]string{"platform": "claude-code", "event_type": "UserPrompt"}

	require.NoError(t, s.AddCounter(ctx, "events_total", labels, 1))
	require.NoError(t, s.AddCounter(ctx, "events_total", labels, 2))

	v, err := s.CounterValue(ctx, "events_total", labels)
	require.NoError(t, err)
	require.Equal(t, int64(3), v)
}

func TestCounterLabelsAreDistinct(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AddCounter(ctx, "events_total", map[string]string{"event_type": "UserPrompt"}, 1))
	require.NoError(t, s.AddCounter(ctx, "events_total", map[string]string{"event_type": "AssistantResponse"}, 5))

	v, err := s.CounterValue(ctx, "events_total", map[string]string{"event_type": "UserPrompt"})
	require.NoError(t, err)
	require.Equal(t, int64(1), v)
}

func TestGaugeSetAndAdd(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AddGauge(ctx, "sessions_active", nil, 1))
	require.NoError(t, s.AddGauge(ctx, "sessions_active", nil, 1))
	require.NoError(t, s.AddGauge(ctx, "sessions_active", nil, -1))

	v, err := s.GaugeValue(ctx, "sessions_active", nil)
	require.NoError(t, err)
	require.Equal(t, float64(1), v)
}

func TestHistogramPlacesIntoExponentialBucket(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	labels := map[string]string{"tool_name": "bash"}

	require.NoError(t, s.ObserveHistogram(ctx, "tool_latency_ms", labels, 3))
	require.NoError(t, s.ObserveHistogram(ctx, "tool_latency_ms", labels, 3))
	require.NoError(t, s.ObserveHistogram(ctx, "tool_latency_ms", labels, 20000))

	count, err := s.HistogramBucketCount(ctx, "tool_latency_ms", labels, 4)
	require.NoError(t, err)
	require.Equal(t, int64(2), count, "both 3ms observations land in the <=4ms bucket")

	overflow, err := s.HistogramBucketCount(ctx, "tool_latency_ms", labels, -1)
	require.NoError(t, err)
	require.Equal(t, int64(1), overflow, "20000ms exceeds the largest bucket and falls into +Inf")
}
