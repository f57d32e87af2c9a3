/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L3
Logic:       Fixed worker goroutines read-group from the CDC stream
             one record at a time, resolve it, dispatch to every
             builder in registration order with per-builder retry and
             backoff, and ack only once every builder has succeeded or
             the record has been dead-lettered.
Root Cause:  Builders must observe records in the order the
             conversation/metrics invariants assume, and a record must
             never be acked while a builder's effect is still pending.
Context:     Builder.Apply's own atomicity (dedup mark + store write
             in one transaction) is each builder's concern; this pool
             only needs Apply's external contract — idempotent,
             returns a classified error — to stay unchanged.
Suitability: L3 — concurrent dispatch, retry/backoff, and dead-letter
             routing.
──────────────────────────────────────────────────────────────
*/

// Package workerpool implements the bounded concurrent consumer pool
// over the CDC stream (§4.3): dispatch to derived-state builders in
// sequence, retry transient builder failures with backoff, and ship
// permanent failures to the DLQ.
package workerpool

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aculich/bp-telemetry-core/internal/cdc"
	"github.com/aculich/bp-telemetry-core/internal/dlq"
	"github.com/aculich/bp-telemetry-core/internal/pipelineerr"
	"github.com/aculich/bp-telemetry-core/internal/rawstore"
	"github.com/aculich/bp-telemetry-core/internal/streams"
	"github.com/aculich/bp-telemetry-core/internal/telemetry"
)

// Builder is a derived-state builder the pool dispatches CDC records to
// in registration order (§4.3 — conversation, then metrics). Builders
// never panic or throw to the pool; they return a classified error via
// pipelineerr so retry/DLQ policy stays a pure function of the result.
type Builder interface {
	// Name identifies the builder for DLQ stage attribution and the
	// cc_derived_applied{builder} counter.
	Name() string
	// Apply updates the builder's store for a single event. It must be
	// idempotent per event.EventID.
	Apply(ctx context.Context, event telemetry.Event) error
}

// CustodyRecorder receives the slow-path chain-of-custody signals.
type CustodyRecorder interface {
	RecordDerivedApplied(builder string, n int)
	RecordDLQ(stage dlq.Stage, n int)
}

// Config bundles the pool's dependencies and tunables.
type Config struct {
	Client    streams.Client
	RawStore  rawstore.Store
	DLQWriter *dlq.Writer
	Custody   CustodyRecorder
	Builders  []Builder
	Logger    zerolog.Logger

	CDCStream string
	Group     string

	NWorkers           int
	TPoll              time.Duration
	RMaxBuilder        int
	BuilderBaseBackoff time.Duration
	BuilderMaxBackoff  time.Duration
}

// Pool is the fixed-size group of workers consuming the CDC stream.
type Pool struct {
	client    streams.Client
	rawStore  rawstore.Store
	dlqWriter *dlq.Writer
	custody   CustodyRecorder
	builders  []Builder
	logger    zerolog.Logger

	cdcStream string
	group     string

	nWorkers           int
	tPoll              time.Duration
	rMaxBuilder        int
	builderBaseBackoff time.Duration
	builderMaxBackoff  time.Duration
}

// New constructs a Pool from cfg.
func New(cfg Config) *Pool {
	return &Pool{
		client:             cfg.Client,
		rawStore:           cfg.RawStore,
		dlqWriter:          cfg.DLQWriter,
		custody:            cfg.Custody,
		builders:           cfg.Builders,
		logger:             cfg.Logger.With().Str("component", "workerpool").Logger(),
		cdcStream:          cfg.CDCStream,
		group:              cfg.Group,
		nWorkers:           cfg.NWorkers,
		tPoll:              cfg.TPoll,
		rMaxBuilder:        cfg.RMaxBuilder,
		builderBaseBackoff: cfg.BuilderBaseBackoff,
		builderMaxBackoff:  cfg.BuilderMaxBackoff,
	}
}

// Run starts nWorkers goroutines consuming the CDC stream and blocks
// until ctx is cancelled and every worker has finished its in-flight
// record (§4.3's cancellation rule).
func (p *Pool) Run(ctx context.Context) error {
	if err := p.client.EnsureGroup(ctx, p.cdcStream, p.group); err != nil {
		return fmt.Errorf("ensure cdc group: %w", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < p.nWorkers; i++ {
		wg.Add(1)
		consumerID := fmt.Sprintf("worker-%d", i)
		go func() {
			defer wg.Done()
			p.workerLoop(ctx, consumerID)
		}()
	}
	wg.Wait()
	return nil
}

func (p *Pool) workerLoop(ctx context.Context, consumerID string) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgs, err := p.client.ReadGroup(ctx, p.cdcStream, p.group, consumerID, 1, p.tPoll)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Warn().Err(err).Msg("cdc read failed")
			continue
		}
		if len(msgs) == 0 {
			continue
		}

		p.processMessage(ctx, msgs[0])
	}
}

// processMessage dispatches one CDC record to every registered builder
// in sequence, acknowledging only after all builders succeed (§4.3).
func (p *Pool) processMessage(ctx context.Context, msg streams.Message) {
	rec, err := cdc.RecordFromValues(msg.ID, msg.Values)
	if err != nil {
		p.deadLetterRaw(ctx, msg, pipelineerr.Schema("workerpool", err))
		p.ack(ctx, msg.ID)
		return
	}

	// A referential failure (e.g. a batch not yet readable after a restart
	// race) is retried with the builder backoff before it is dead-lettered.
	event, err := cdc.Resolve(ctx, rec, p.rawStore)
	backoff := p.builderBaseBackoff
	for attempt := 1; err != nil && attempt < p.rMaxBuilder && ctx.Err() == nil; attempt++ {
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
		case <-timer.C:
			event, err = cdc.Resolve(ctx, rec, p.rawStore)
		}
		backoff *= 2
		if backoff > p.builderMaxBackoff {
			backoff = p.builderMaxBackoff
		}
	}
	if err != nil {
		p.deadLetterRecord(ctx, rec, "", pipelineerr.Referential("workerpool", err))
		p.ack(ctx, msg.ID)
		return
	}

	for _, b := range p.builders {
		if err := p.applyWithRetry(ctx, b, event); err != nil {
			p.deadLetterRecord(ctx, rec, b.Name(), err)
			p.ack(ctx, msg.ID)
			return
		}
		if p.custody != nil {
			p.custody.RecordDerivedApplied(b.Name(), 1)
		}
	}

	p.ack(ctx, msg.ID)
}

// applyWithRetry retries transient builder errors with exponential
// backoff up to rMaxBuilder attempts before promoting to permanent
// (§4.3's retry policy).
func (p *Pool) applyWithRetry(ctx context.Context, b Builder, event telemetry.Event) error {
	backoff := p.builderBaseBackoff
	var lastErr error

	for attempt := 1; attempt <= p.rMaxBuilder; attempt++ {
		err := b.Apply(ctx, event)
		if err == nil {
			return nil
		}
		lastErr = err

		if pipelineerr.IsPermanent(err) {
			return err
		}
		if attempt == p.rMaxBuilder {
			break
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return pipelineerr.Transient(b.Name(), ctx.Err())
		case <-timer.C:
		}
		backoff *= 2
		if backoff > p.builderMaxBackoff {
			backoff = p.builderMaxBackoff
		}
	}

	// Retries exhausted on a transient error: promote to permanent so
	// the record is dead-lettered rather than retried forever.
	return pipelineerr.Schema(pipelineerr.StageOf(lastErr), fmt.Errorf("exhausted %d retries: %w", p.rMaxBuilder, lastErr))
}

func (p *Pool) ack(ctx context.Context, msgID string) {
	if err := p.client.Ack(ctx, p.cdcStream, p.group, msgID); err != nil {
		p.logger.Warn().Err(err).Str("msg_id", msgID).Msg("cdc ack failed; record remains pending")
	}
}

func (p *Pool) deadLetterRecord(ctx context.Context, rec cdc.Record, failingBuilder string, cause error) {
	stage := dlq.StageConversationBuilder
	if failingBuilder == "metrics" {
		stage = dlq.StageMetricsAggregator
	}

	payload := rec.InlinePayload
	raw, _ := json.Marshal(payload)

	p.writeDLQ(ctx, dlq.Record{
		EventID:           rec.EventID,
		Platform:          rec.Platform,
		ExternalSessionID: rec.ExternalSessionID,
		Payload:           raw,
		Stage:             stage,
		ErrorKind:         pipelineerr.Classify(cause),
		ErrorMessage:      cause.Error(),
		FailedAt:          time.Now(),
	})
}

func (p *Pool) deadLetterRaw(ctx context.Context, msg streams.Message, cause error) {
	raw, _ := json.Marshal(msg.Values)
	p.writeDLQ(ctx, dlq.Record{
		EventID:      msg.ID,
		Payload:      raw,
		Stage:        dlq.StageConversationBuilder,
		ErrorKind:    pipelineerr.Classify(cause),
		ErrorMessage: cause.Error(),
		FailedAt:     time.Now(),
	})
}

func (p *Pool) writeDLQ(ctx context.Context, rec dlq.Record) {
	if p.dlqWriter == nil {
		return
	}
	if _, err := p.dlqWriter.Write(ctx, rec); err != nil {
		p.logger.Error().Err(err).Str("event_id", rec.EventID).Msg("failed to write dlq record")
		return
	}
	if p.custody != nil {
		p.custody.RecordDLQ(rec.Stage, 1)
	}
}
