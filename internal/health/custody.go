/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L2
Logic:       Sliding-hour, per-minute custody counters plus the
             chain-break signal computed over the window's rollup.
             FlushLoop periodically persists the rollup into the
             metrics store as gauges.
Root Cause:  A silently dropped event between ingress and the raw
             store is otherwise invisible until someone notices a
             missing conversation; this turns that gap into a
             standing signal.
Suitability: L2 — bucketed counters with a periodic flush.
──────────────────────────────────────────────────────────────
*/

// Package health maintains chain-of-custody accounting across the
// pipeline (§4.6): the count of events observed at each stage, and a
// health signal that flags when events go missing between ingress and
// the raw store.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aculich/bp-telemetry-core/internal/dlq"
	"github.com/aculich/bp-telemetry-core/internal/metricsagg"
)

const windowMinutes = 60

// minuteBucket holds one minute's worth of chain-of-custody counts.
type minuteBucket struct {
	ingressEnqueued int64
	rawPersisted    int64
	cdcPublished    int64
	derivedApplied  map[string]int64
	dlqTotal        map[string]int64
}

func newMinuteBucket() *minuteBucket {
	return &minuteBucket{
		derivedApplied: make(map[string]int64),
		dlqTotal:       make(map[string]int64),
	}
}

// Tracker implements fastpath.CustodyRecorder and workerpool.CustodyRecorder,
// accumulating counts into a sliding in-memory window and periodically
// flushing the window's rollup to the durable metrics store as cc_*
// gauges (§4.6).
type Tracker struct {
	metrics *metricsagg.Store
	logger  zerolog.Logger
	nowFn   func() time.Time

	mu      sync.Mutex
	buckets map[int64]*minuteBucket // unix-minute -> bucket
}

// NewTracker constructs a Tracker that flushes into metrics. metrics may
// be nil for tests that only care about the in-process chain-break
// signal.
func NewTracker(metrics *metricsagg.Store, logger zerolog.Logger) *Tracker {
	return &Tracker{
		metrics: metrics,
		logger:  logger.With().Str("component", "custody-tracker").Logger(),
		nowFn:   time.Now,
		buckets: make(map[int64]*minuteBucket),
	}
}

func (t *Tracker) currentBucket() *minuteBucket {
	minute := t.nowFn().Unix() / 60
	b, ok := t.buckets[minute]
	if !ok {
		b = newMinuteBucket()
		t.buckets[minute] = b
	}
	return b
}

func (t *Tracker) RecordIngressEnqueued(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.currentBucket().ingressEnqueued += int64(n)
}

func (t *Tracker) RecordRawPersisted(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.currentBucket().rawPersisted += int64(n)
}

func (t *Tracker) RecordCDCPublished(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.currentBucket().cdcPublished += int64(n)
}

func (t *Tracker) RecordDerivedApplied(builder string, n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.currentBucket().derivedApplied[builder] += int64(n)
}

func (t *Tracker) RecordDLQ(stage dlq.Stage, n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.currentBucket().dlqTotal[string(stage)] += int64(n)
}

// Snapshot is a point-in-time rollup of the sliding hour window.
type Snapshot struct {
	IngressEnqueued int64
	RawPersisted    int64
	CDCPublished    int64
	DerivedApplied  map[string]int64
	DLQTotal        map[string]int64
	ChainBreak      bool
}

// Rollup sums every bucket in the retained window and evaluates the
// chain-break condition from §4.6: cc_raw_persisted falling below
// cc_ingress_enqueued minus the fast-path DLQ total means events were
// silently dropped between ingress and the raw store.
func (t *Tracker) Rollup() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	snap := Snapshot{
		DerivedApplied: make(map[string]int64),
		DLQTotal:       make(map[string]int64),
	}
	for _, b := range t.buckets {
		snap.IngressEnqueued += b.ingressEnqueued
		snap.RawPersisted += b.rawPersisted
		snap.CDCPublished += b.cdcPublished
		for builder, n := range b.derivedApplied {
			snap.DerivedApplied[builder] += n
		}
		for stage, n := range b.dlqTotal {
			snap.DLQTotal[stage] += n
		}
	}

	fastPathDLQ := snap.DLQTotal[string(dlq.StageFastPath)]
	snap.ChainBreak = snap.RawPersisted < snap.IngressEnqueued-fastPathDLQ
	return snap
}

// Prune discards buckets older than the sliding window, keeping memory
// bounded for a long-running process.
func (t *Tracker) Prune() {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.nowFn().Unix()/60 - windowMinutes
	for minute := range t.buckets {
		if minute < cutoff {
			delete(t.buckets, minute)
		}
	}
}

// FlushLoop periodically persists the rollup to the durable metrics
// store (grounded on the teacher's DogStatsD exporter's buffered-flush
// pattern) until ctx is cancelled. It is a no-op loop if metrics is nil.
func (t *Tracker) FlushLoop(ctx context.Context, interval time.Duration) {
	if t.metrics == nil {
		<-ctx.Done()
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			t.flush(ctx)
			return
		case <-ticker.C:
			t.flush(ctx)
			t.Prune()
		}
	}
}

func (t *Tracker) flush(ctx context.Context) {
	snap := t.Rollup()

	if err := t.metrics.SetGauge(ctx, "cc_ingress_enqueued", nil, float64(snap.IngressEnqueued)); err != nil {
		t.logger.Warn().Err(err).Msg("flush cc_ingress_enqueued failed")
	}
	if err := t.metrics.SetGauge(ctx, "cc_raw_persisted", nil, float64(snap.RawPersisted)); err != nil {
		t.logger.Warn().Err(err).Msg("flush cc_raw_persisted failed")
	}
	if err := t.metrics.SetGauge(ctx, "cc_cdc_published", nil, float64(snap.CDCPublished)); err != nil {
		t.logger.Warn().Err(err).Msg("flush cc_cdc_published failed")
	}
	for builder, n := range snap.DerivedApplied {
		if err := t.metrics.SetGauge(ctx, "cc_derived_applied", map[string]string{"builder": builder}, float64(n)); err != nil {
			t.logger.Warn().Err(err).Msg("flush cc_derived_applied failed")
		}
	}
	for stage, n := range snap.DLQTotal {
		if err := t.metrics.SetGauge(ctx, "cc_dlq_total", map[string]string{"stage": stage}, float64(n)); err != nil {
			t.logger.Warn().Err(err).Msg("flush cc_dlq_total failed")
		}
	}

	if snap.ChainBreak {
		t.logger.Error().
			Int64("ingress_enqueued", snap.IngressEnqueued).
			Int64("raw_persisted", snap.RawPersisted).
			Msg("chain-of-custody break detected: events missing between ingress and raw store")
	}
}
