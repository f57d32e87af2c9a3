/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L2
Logic:       Polls CDC group depth, maps it to one of four tiers, and
             applies hysteresis on the way down — two consecutive
             below-threshold probes before demoting a tier — while
             entering a worse tier happens immediately.
Root Cause:  Flapping the fast-path's batching tunables on every probe
             would thrash the consumer; hysteresis only on recovery
             keeps degraded-tier entry fast while damping the exit.
Suitability: L2 — small state machine driven by a polling loop.
──────────────────────────────────────────────────────────────
*/

package workerpool

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/aculich/bp-telemetry-core/internal/fastpath"
	"github.com/aculich/bp-telemetry-core/internal/streams"
)

// tier names the four backpressure levels (§4.3).
type tier int

const (
	tierNormal tier = iota
	tierWarn
	tierShed
	tierShedPause
)

// Thresholds holds the depth boundaries between tiers.
type Thresholds struct {
	Warn      int64
	Shed      int64
	ShedPause int64
}

// BaseTunables are the fast-path batching values normal mode restores.
type BaseTunables struct {
	BMax   int
	TBatch time.Duration
	TPause time.Duration
}

// BackpressureMonitor polls the CDC consumer group's depth (pending
// entries plus not-yet-delivered lag) and adjusts the fast-path
// consumer's batching tunables hysteretically (§4.3): entering a degraded tier is immediate, but
// recovering to a lower tier requires two consecutive probes below the
// tier's entry threshold.
type BackpressureMonitor struct {
	client    streams.Client
	cdcStream string
	group     string
	interval  time.Duration

	thresholds Thresholds
	base       BaseTunables
	consumer   *fastpath.Consumer
	logger     zerolog.Logger

	current          tier
	belowCount       int
}

// NewBackpressureMonitor constructs a monitor wired to adjust consumer's
// tunables in response to cdcStream/group's pending+lag depth.
func NewBackpressureMonitor(client streams.Client, cdcStream, group string, interval time.Duration, thresholds Thresholds, base BaseTunables, consumer *fastpath.Consumer, logger zerolog.Logger) *BackpressureMonitor {
	return &BackpressureMonitor{
		client:     client,
		cdcStream:  cdcStream,
		group:      group,
		interval:   interval,
		thresholds: thresholds,
		base:       base,
		consumer:   consumer,
		logger:     logger.With().Str("component", "backpressure-monitor").Logger(),
		current:    tierNormal,
	}
}

// Run polls on a fixed interval until ctx is cancelled.
func (m *BackpressureMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.probeOnce(ctx)
		}
	}
}

func (m *BackpressureMonitor) probeOnce(ctx context.Context) {
	info, err := m.client.GroupDepth(ctx, m.cdcStream, m.group)
	if err != nil {
		m.logger.Warn().Err(err).Msg("failed to read cdc group depth")
		return
	}
	depth := info.Pending + info.Lag

	next := m.tierFor(depth)
	if next > m.current {
		m.transition(next, depth)
		return
	}
	if next < m.current {
		m.belowCount++
		if m.belowCount >= 2 {
			m.transition(next, depth)
		}
		return
	}
	m.belowCount = 0
}

func (m *BackpressureMonitor) tierFor(depth int64) tier {
	switch {
	case depth >= m.thresholds.ShedPause:
		return tierShedPause
	case depth >= m.thresholds.Shed:
		return tierShed
	case depth >= m.thresholds.Warn:
		return tierWarn
	default:
		return tierNormal
	}
}

func (m *BackpressureMonitor) transition(next tier, depth int64) {
	m.current = next
	m.belowCount = 0
	m.logger.Info().Int64("depth", depth).Int("tier", int(next)).Msg("backpressure tier changed")

	switch next {
	case tierNormal, tierWarn:
		m.consumer.SetTunables(fastpath.Tunables{BMax: m.base.BMax, TBatch: m.base.TBatch, TPause: 0})
	case tierShed:
		m.consumer.SetTunables(fastpath.Tunables{
			BMax:   maxInt(1, m.base.BMax/2),
			TBatch: m.base.TBatch * 2,
			TPause: 0,
		})
	case tierShedPause:
		m.consumer.SetTunables(fastpath.Tunables{
			BMax:         maxInt(1, m.base.BMax/2),
			TBatch:       m.base.TBatch * 2,
			TPause:       m.base.TPause,
			PauseLimiter: rate.NewLimiter(rate.Every(m.base.TPause), 1),
		})
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
