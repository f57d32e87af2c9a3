/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L3
Logic:       Drains the ingress stream with at-least-once consumer-
             group semantics, micro-batches entries on a count/time
             double trigger, and runs the three-step commit protocol
             (persist, publish CDC, acknowledge) per batch. Poison
             entries that repeatedly fail commit are shipped to the
             DLQ instead of blocking the group.
Root Cause:  The synchronous half of the pipeline needs to never
             lose a durably-acknowledged event while never blocking
             producers on a slow downstream.
Suitability: L3 — stream consumption + transactional batching.
──────────────────────────────────────────────────────────────
*/

// Package fastpath implements the fast-path consumer and batch writer
// (§4.2): the synchronous sub-pipeline from ingress read through raw
// store commit and CDC publish.
package fastpath

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/aculich/bp-telemetry-core/internal/cdc"
	"github.com/aculich/bp-telemetry-core/internal/dlq"
	"github.com/aculich/bp-telemetry-core/internal/pipelineerr"
	"github.com/aculich/bp-telemetry-core/internal/rawstore"
	"github.com/aculich/bp-telemetry-core/internal/streams"
	"github.com/aculich/bp-telemetry-core/internal/telemetry"
)

// Tunables groups the batching/retry knobs the backpressure monitor is
// allowed to mutate at runtime (§4.3 shed mode halves BMax and doubles
// TBatch; shed+pause additionally sets TPause).
type Tunables struct {
	BMax   int
	TBatch time.Duration
	TPause time.Duration

	// PauseLimiter paces empty-poll backoff during shed+pause instead of
	// a flat sleep, so a recovering backpressure tier doesn't resume at
	// full throttle the instant TPause elapses. Nil outside shed+pause.
	PauseLimiter *rate.Limiter
}

// Counters are the observable counters §4.2's public contract names.
type Counters struct {
	EventsRead      int64
	BatchesCommitted int64
	BatchesFailed    int64
	CDCPublished     int64
	AckFailed        int64
}

func (c *Counters) snapshot() Counters {
	return Counters{
		EventsRead:       atomic.LoadInt64(&c.EventsRead),
		BatchesCommitted: atomic.LoadInt64(&c.BatchesCommitted),
		BatchesFailed:    atomic.LoadInt64(&c.BatchesFailed),
		CDCPublished:     atomic.LoadInt64(&c.CDCPublished),
		AckFailed:        atomic.LoadInt64(&c.AckFailed),
	}
}

// CustodyRecorder receives chain-of-custody signals (§4.6). health.Tracker
// implements this; tests can supply a no-op.
type CustodyRecorder interface {
	RecordIngressEnqueued(n int)
	RecordRawPersisted(n int)
	RecordCDCPublished(n int)
	RecordDLQ(stage dlq.Stage, n int)
}

// Consumer drains the ingress stream into the raw store and the CDC
// stream, one fast-path instance per consumer-group member.
type Consumer struct {
	client      streams.Client
	store       rawstore.Store
	dlqWriter   *dlq.Writer
	fallback    FallbackLog
	custody     CustodyRecorder
	logger      zerolog.Logger

	ingressStream string
	cdcStream     string
	group         string
	consumerID    string

	tunables atomic.Pointer[Tunables]

	rMax            int
	tPoll           time.Duration
	tStuck          time.Duration
	recoveryPeriod  time.Duration
	cdcAppendTimeout time.Duration
	inlineThreshold int

	counters Counters

	// retryCounts tracks commit-protocol attempts per event_id within
	// this process's lifetime, for poison detection (§4.2). An entry is
	// removed once its event is committed or dead-lettered. The map is
	// not persisted and the retry_count field of the stream record is
	// not consulted, so a restart resets every count: an entry re-read by
	// pending-entry recovery after a restart starts a fresh rMax budget.
	retryCounts map[string]int
}

// Config bundles the constructor's dependencies and tunables.
type Config struct {
	Client    streams.Client
	Store     rawstore.Store
	DLQWriter *dlq.Writer
	Fallback  FallbackLog
	Custody   CustodyRecorder
	Logger    zerolog.Logger

	IngressStream string
	CDCStream     string
	Group         string
	ConsumerID    string

	BMax             int
	TPoll            time.Duration
	TBatch           time.Duration
	TStuck           time.Duration
	RecoveryPeriod   time.Duration
	RMax             int
	CDCAppendTimeout time.Duration
	InlineThresholdBytes int
}

// New constructs a Consumer from cfg.
func New(cfg Config) *Consumer {
	c := &Consumer{
		client:           cfg.Client,
		store:            cfg.Store,
		dlqWriter:        cfg.DLQWriter,
		fallback:         cfg.Fallback,
		custody:          cfg.Custody,
		logger:           cfg.Logger.With().Str("component", "fastpath").Logger(),
		ingressStream:    cfg.IngressStream,
		cdcStream:        cfg.CDCStream,
		group:            cfg.Group,
		consumerID:       cfg.ConsumerID,
		rMax:             cfg.RMax,
		tPoll:            cfg.TPoll,
		tStuck:           cfg.TStuck,
		recoveryPeriod:   cfg.RecoveryPeriod,
		cdcAppendTimeout: cfg.CDCAppendTimeout,
		inlineThreshold:  cfg.InlineThresholdBytes,
		retryCounts:      make(map[string]int),
	}
	c.tunables.Store(&Tunables{BMax: cfg.BMax, TBatch: cfg.TBatch})
	return c
}

// SetTunables lets the backpressure monitor adjust batching behavior
// without stopping the consumer (§4.3).
func (c *Consumer) SetTunables(t Tunables) {
	c.tunables.Store(&t)
}

func (c *Consumer) currentTunables() Tunables {
	return *c.tunables.Load()
}

// Tunables returns the consumer's current batching tunables, which the
// backpressure monitor may have adjusted away from startup defaults.
func (c *Consumer) Tunables() Tunables {
	return c.currentTunables()
}

// Counters returns a point-in-time snapshot of the observable counters.
func (c *Consumer) Counters() Counters {
	return c.counters.snapshot()
}

type pendingEvent struct {
	msgID string
	event telemetry.Event
}

// Run drains the ingress stream until ctx is cancelled (§4.2's public
// contract). It returns an error only when the ingress consumer group
// cannot be ensured at startup; after that it returns nil on
// cancellation, and every read, persist, publish or ack failure is
// logged and left to a later read, a recovery pass or the DLQ rather
// than returned.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.client.EnsureGroup(ctx, c.ingressStream, c.group); err != nil {
		return fmt.Errorf("ensure ingress group: %w", err)
	}

	recoveryTicker := time.NewTicker(c.recoveryPeriod)
	defer recoveryTicker.Stop()

	// Run pending-entry recovery once immediately on startup (§4.2).
	c.recoverPending(ctx)

	var batch []pendingEvent
	var batchStarted time.Time

	flush := func() {
		if len(batch) == 0 {
			return
		}
		c.commitBatch(ctx, batch)
		batch = nil
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return nil
		case <-recoveryTicker.C:
			c.recoverPending(ctx)
		default:
		}

		tunables := c.currentTunables()
		remaining := tunables.BMax - len(batch)
		if remaining <= 0 {
			flush()
			continue
		}

		msgs, err := c.client.ReadGroup(ctx, c.ingressStream, c.group, c.consumerID, int64(remaining), c.tPoll)
		if err != nil {
			if ctx.Err() != nil {
				flush()
				return nil
			}
			c.logger.Warn().Err(err).Msg("ingress read failed")
			continue
		}

		if len(msgs) == 0 {
			if len(batch) > 0 && time.Since(batchStarted) >= tunables.TBatch {
				flush()
			}
			if tunables.PauseLimiter != nil {
				if err := tunables.PauseLimiter.Wait(ctx); err != nil {
					flush()
					return nil
				}
			} else if tunables.TPause > 0 {
				select {
				case <-ctx.Done():
					flush()
					return nil
				case <-time.After(tunables.TPause):
				}
			}
			continue
		}

		if len(batch) == 0 {
			batchStarted = time.Now()
		}

		for _, m := range msgs {
			atomic.AddInt64(&c.counters.EventsRead, 1)
			if c.custody != nil {
				c.custody.RecordIngressEnqueued(1)
			}
			event, err := eventFromValues(m.Values)
			if err != nil {
				// Malformed beyond parsing: treat as an immediate
				// poison event rather than retrying forever.
				c.deadLetter(ctx, m.ID, telemetry.Event{EventID: m.ID}, pipelineerr.Schema("fast_path", err))
				continue
			}
			batch = append(batch, pendingEvent{msgID: m.ID, event: event})
		}

		if len(batch) >= tunables.BMax || time.Since(batchStarted) >= tunables.TBatch {
			flush()
		}
	}
}

// commitBatch runs the three-step commit protocol (§4.2) for a closed
// batch, separating events that validate from poison events that don't,
// and only acknowledging entries that were either persisted or
// dead-lettered.
func (c *Consumer) commitBatch(ctx context.Context, pending []pendingEvent) {
	var toCommit []pendingEvent
	for _, pe := range pending {
		if err := pe.event.Validate(); err != nil {
			c.handleCommitFailure(ctx, pe, pipelineerr.Schema("fast_path", err))
			continue
		}
		toCommit = append(toCommit, pe)
	}
	if len(toCommit) == 0 {
		return
	}

	events := make([]telemetry.Event, len(toCommit))
	for i, pe := range toCommit {
		events[i] = pe.event
	}

	// Step 1 — Persist.
	batchID, err := c.store.Append(ctx, rawstore.Batch{Events: events})
	if err != nil {
		atomic.AddInt64(&c.counters.BatchesFailed, 1)
		for _, pe := range toCommit {
			c.handleCommitFailure(ctx, pe, pipelineerr.Transient("fast_path", err))
		}
		return
	}
	atomic.AddInt64(&c.counters.BatchesCommitted, 1)
	if c.custody != nil {
		c.custody.RecordRawPersisted(len(events))
	}

	// Step 2 — Publish CDC, fire-and-forget with a bounded timeout.
	// Failures land in the fallback log; they never block acknowledgement.
	cdcCtx, cancel := context.WithTimeout(ctx, c.cdcAppendTimeout)
	published := c.publishCDC(cdcCtx, batchID, events)
	cancel()
	if published < len(events) && c.fallback != nil {
		if err := c.fallback.Record(ctx, batchID); err != nil {
			c.logger.Error().Err(err).Int64("batch_id", batchID).Msg("failed to record cdc_unpublished fallback entry")
		}
	}

	// Step 3 — Acknowledge. Ack failures leave entries pending; a later
	// read re-delivers them, which builders tolerate via idempotence.
	ids := make([]string, len(toCommit))
	for i, pe := range toCommit {
		ids[i] = pe.msgID
	}
	if err := c.client.Ack(ctx, c.ingressStream, c.group, ids...); err != nil {
		atomic.AddInt64(&c.counters.AckFailed, 1)
		c.logger.Warn().Err(err).Int("count", len(ids)).Msg("ingress ack failed; entries remain pending")
	}

	for _, pe := range toCommit {
		delete(c.retryCounts, pe.event.EventID)
	}
}

// publishCDC appends one CDC record per event and returns how many
// succeeded.
func (c *Consumer) publishCDC(ctx context.Context, batchID int64, events []telemetry.Event) int {
	published := 0
	for i, e := range events {
		rec, err := cdc.FromEvent(uuid.NewString(), e, batchID, i, c.inlineThreshold)
		if err != nil {
			c.logger.Warn().Err(err).Str("event_id", e.EventID).Msg("build cdc record failed")
			continue
		}
		values, err := rec.ToValues()
		if err != nil {
			c.logger.Warn().Err(err).Str("event_id", e.EventID).Msg("encode cdc record failed")
			continue
		}
		if _, err := c.client.Add(ctx, c.cdcStream, values, 0); err != nil {
			c.logger.Warn().Err(err).Str("event_id", e.EventID).Msg("cdc publish failed; deferred to sweeper")
			continue
		}
		published++
		atomic.AddInt64(&c.counters.CDCPublished, 1)
		if c.custody != nil {
			c.custody.RecordCDCPublished(1)
		}
	}
	return published
}

// handleCommitFailure applies the poison-handling rule (§4.2): after
// rMax attempts for the same event_id, dead-letter it and acknowledge so
// the group makes progress; otherwise leave it pending for retry.
func (c *Consumer) handleCommitFailure(ctx context.Context, pe pendingEvent, err error) {
	c.retryCounts[pe.event.EventID]++
	attempts := c.retryCounts[pe.event.EventID]

	if attempts < c.rMax {
		c.logger.Warn().Err(err).Str("event_id", pe.event.EventID).Int("attempt", attempts).Msg("commit attempt failed, leaving pending for retry")
		return
	}

	c.deadLetter(ctx, pe.msgID, pe.event, err)
	delete(c.retryCounts, pe.event.EventID)
}

func (c *Consumer) deadLetter(ctx context.Context, msgID string, event telemetry.Event, cause error) {
	if c.dlqWriter != nil {
		payload, _ := json.Marshal(event.Payload)
		_, werr := c.dlqWriter.Write(ctx, dlq.Record{
			EventID:           event.EventID,
			Platform:          event.Platform,
			ExternalSessionID: event.ExternalSessionID,
			Payload:           payload,
			Stage:             dlq.StageFastPath,
			ErrorKind:         pipelineerr.Classify(cause),
			ErrorMessage:      cause.Error(),
			FailedAt:          time.Now(),
		})
		if werr != nil {
			c.logger.Error().Err(werr).Str("event_id", event.EventID).Msg("failed to write dlq record; entry remains pending")
			return
		}
		if c.custody != nil {
			c.custody.RecordDLQ(dlq.StageFastPath, 1)
		}
	}

	if err := c.client.Ack(ctx, c.ingressStream, c.group, msgID); err != nil {
		c.logger.Error().Err(err).Str("msg_id", msgID).Msg("failed to ack poison entry after dead-lettering")
	}
}

// recoverPending reclaims ingress entries idle longer than tStuck from
// dead or slow consumers in the same group (§4.2) and runs them through
// the normal commit protocol.
func (c *Consumer) recoverPending(ctx context.Context) {
	msgs, _, err := c.client.Claim(ctx, c.ingressStream, c.group, c.consumerID, c.tStuck, "0-0", 1000)
	if err != nil {
		c.logger.Warn().Err(err).Msg("pending-entry recovery claim failed")
		return
	}
	if len(msgs) == 0 {
		return
	}

	var reclaimed []pendingEvent
	for _, m := range msgs {
		event, err := eventFromValues(m.Values)
		if err != nil {
			c.deadLetter(ctx, m.ID, telemetry.Event{EventID: m.ID}, pipelineerr.Schema("fast_path", err))
			continue
		}
		reclaimed = append(reclaimed, pendingEvent{msgID: m.ID, event: event})
	}
	if len(reclaimed) > 0 {
		c.logger.Info().Int("count", len(reclaimed)).Msg("reclaimed stuck ingress entries")
		c.commitBatch(ctx, reclaimed)
	}
}
