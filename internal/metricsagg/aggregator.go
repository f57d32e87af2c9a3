/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L2
Logic:       Per-event metric computation, each individual metric
             guarded by its own (event_id, metric_key) dedup mark, all
             folded into one store transaction per event.
Root Cause:  A single event can touch several independent metrics, and
             a transient failure partway through must not leave some
             of them double-counted or silently skipped on retry.
Suitability: L2 — branching dispatch over event type plus a shared
             idempotence helper.
──────────────────────────────────────────────────────────────
*/

package metricsagg

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/aculich/bp-telemetry-core/internal/dedup"
	"github.com/aculich/bp-telemetry-core/internal/pipelineerr"
	"github.com/aculich/bp-telemetry-core/internal/telemetry"
)

// BuilderID is the name workerpool.Pool and the DLQ use to identify this
// builder (§4.4.2, §4.5).
const BuilderID = "metrics"

// Metric key suffixes used as the dedup index's builder_id, giving each
// individual metric update its own (event_id, metric_key) idempotence
// guard as §4.4.2 and §6.3 require — a single event can touch more than
// one metric (an AssistantResponse bumps both events_total and
// tokens_total), and each must be applied exactly once independently.
const (
	metricEventsTotal   = "events_total"
	metricSessionStart  = "sessions_active:start"
	metricSessionEnd    = "sessions_active:end"
	metricTokensTotal   = "tokens_total"
	metricSuggestion    = "acceptance:suggestion_total"
	metricAccepted      = "acceptance:accepted_total"
	metricToolLatencyMs = "tool_latency_ms"
)

// Builder computes and applies the mandatory metric set from CDC
// records (§4.4.2). It implements workerpool.Builder.
type Builder struct {
	store  *Store
	logger zerolog.Logger
}

// NewBuilder constructs a Builder over store. idx must already be open
// against the same database as store (see dedup.Open) so the
// dedup_index table exists before Apply starts calling dedup.TryMarkTx
// against store's transactions; the Index value itself isn't otherwise
// retained, since TryMarkTx operates directly on the transaction
// Store.WithTx hands back.
func NewBuilder(store *Store, idx *dedup.Index, logger zerolog.Logger) *Builder {
	return &Builder{store: store, logger: logger.With().Str("builder", BuilderID).Logger()}
}

func (b *Builder) Name() string { return BuilderID }

// Apply computes and applies every metric event touches, one dedup mark
// and write per metric, all folded into a single transaction so a
// transient write failure can't leave a dedup mark committed with the
// metric update it was supposed to guard lost (§4.3, §8).
func (b *Builder) Apply(ctx context.Context, event telemetry.Event) error {
	sessionKey := telemetry.SessionKey(event.Platform, event.ExternalSessionID)
	sessionScope := "session:" + sessionKey

	return b.store.WithTx(ctx, func(tx *sql.Tx) error {
		if err := b.applyIfFirst(ctx, tx, event.EventID, metricEventsTotal, func() error {
			return b.store.AddCounterTx(ctx, tx, "events_total", map[string]string{
				"platform": event.Platform, "event_type": string(event.EventType),
			}, 1)
		}); err != nil {
			return err
		}

		switch event.EventType {
		case telemetry.EventSessionStart:
			if err := b.applyIfFirst(ctx, tx, event.EventID, metricSessionStart, func() error {
				return b.store.AddGaugeTx(ctx, tx, "sessions_active", nil, 1)
			}); err != nil {
				return err
			}
		case telemetry.EventSessionEnd:
			if err := b.applyIfFirst(ctx, tx, event.EventID, metricSessionEnd, func() error {
				return b.store.AddGaugeTx(ctx, tx, "sessions_active", nil, -1)
			}); err != nil {
				return err
			}
		case telemetry.EventAssistantResponse:
			if err := b.applyIfFirst(ctx, tx, event.EventID, metricTokensTotal, func() error {
				tokens := int64(event.FloatPayload("tokens_used"))
				return b.store.AddCounterTx(ctx, tx, "tokens_total", map[string]string{"session": sessionKey}, tokens)
			}); err != nil {
				return err
			}
			if err := b.applyIfFirst(ctx, tx, event.EventID, metricSuggestion, func() error {
				return b.store.AddCounterTx(ctx, tx, "suggestion_total", map[string]string{"scope": sessionScope}, 1)
			}); err != nil {
				return err
			}
		case telemetry.EventFileEdit:
			op := telemetry.FileEditOperation(event.StringPayload("operation"))
			if op == telemetry.FileEditAccepted {
				if err := b.applyIfFirst(ctx, tx, event.EventID, metricAccepted, func() error {
					return b.store.AddCounterTx(ctx, tx, "accepted_total", map[string]string{"scope": sessionScope}, 1)
				}); err != nil {
					return err
				}
			}
		case telemetry.EventToolPost:
			if err := b.applyIfFirst(ctx, tx, event.EventID, metricToolLatencyMs, func() error {
				return b.store.ObserveHistogramTx(ctx, tx, "tool_latency_ms",
					map[string]string{"tool_name": event.StringPayload("tool_name")},
					event.FloatPayload("duration_ms"),
				)
			}); err != nil {
				return err
			}
		}

		return nil
	})
}

// applyIfFirst runs fn only the first time (eventID, metricKey) is
// seen, making each metric's update idempotent independently of the
// others an event may also touch. The dedup mark and fn's write share
// tx, so they commit or roll back together.
func (b *Builder) applyIfFirst(ctx context.Context, tx *sql.Tx, eventID, metricKey string, fn func() error) error {
	first, err := dedup.TryMarkTx(ctx, tx, eventID, metricKey)
	if err != nil {
		return pipelineerr.Transient("metrics dedup check", err)
	}
	if !first {
		return nil
	}
	if err := fn(); err != nil {
		return pipelineerr.Transient("metrics", fmt.Errorf("%s: %w", metricKey, err))
	}
	return nil
}

// AcceptanceRate computes acceptance_rate{scope} as accepted_total /
// suggestion_total, 0 if there have been no suggestions yet (§4.4.2).
func (b *Builder) AcceptanceRate(ctx context.Context, scope string) (float64, error) {
	labels := map[string]string{"scope": scope}
	suggestions, err := b.store.CounterValue(ctx, "suggestion_total", labels)
	if err != nil {
		return 0, err
	}
	if suggestions == 0 {
		return 0, nil
	}
	accepted, err := b.store.CounterValue(ctx, "accepted_total", labels)
	if err != nil {
		return 0, err
	}
	return float64(accepted) / float64(suggestions), nil
}
