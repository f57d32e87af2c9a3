/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L3
Logic:       Reconstructs per-session conversations from CDC records:
             session/turn state machine, forced-close on a new
             prompt, tri-state acceptance inference, and per-event
             idempotence folded into the same transaction as the
             store write it guards.
Root Cause:  Turns and sessions are derived entirely from an
             at-least-once event stream; the state machine and its
             idempotence guard both have to survive redelivery and
             out-of-order arrival without drifting.
Suitability: L3 — stateful reconstruction with transactional
             idempotence.
──────────────────────────────────────────────────────────────
*/

package conversation

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aculich/bp-telemetry-core/internal/dedup"
	"github.com/aculich/bp-telemetry-core/internal/pipelineerr"
	"github.com/aculich/bp-telemetry-core/internal/telemetry"
)

// BuilderID is the name workerpool.Pool and the DLQ use to identify this
// builder (§4.4.1, §4.5).
const BuilderID = "conversation"

// Builder reconstructs per-session conversations from CDC records. It
// implements workerpool.Builder.
//
// Updates to a single session are serialized via a session-keyed lock
// (held only for the duration of one event's update); distinct sessions
// update fully in parallel (§4.4.1, §5).
type Builder struct {
	store  Store
	logger zerolog.Logger

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewBuilder constructs a Builder over store. idx must already be open
// against the same database as store (see dedup.Open) so the
// dedup_index table exists before Apply starts calling
// dedup.TryMarkTx against store's transactions; the Index value itself
// isn't otherwise retained, since TryMarkTx operates directly on the
// transaction Store.WithTx hands back.
func NewBuilder(store Store, idx *dedup.Index, logger zerolog.Logger) *Builder {
	return &Builder{
		store:  store,
		logger: logger.With().Str("builder", BuilderID).Logger(),
		locks:  make(map[string]*sync.Mutex),
	}
}

func (b *Builder) Name() string { return BuilderID }

// Apply updates the conversation store for event's session. It is
// idempotent per event_id: re-applying the same event leaves the store
// byte-equivalent.
//
// The dedup mark and the store writes it guards commit as one
// transaction (via Store.WithTx and dedup.TryMarkTx): if the write fails
// with a transient error and the pool retries, the mark rolls back with
// it, so a retry sees first=true again instead of silently skipping a
// write that never actually landed (§4.3, §8).
func (b *Builder) Apply(ctx context.Context, event telemetry.Event) error {
	sessionKey := telemetry.SessionKey(event.Platform, event.ExternalSessionID)

	lock := b.sessionLock(sessionKey)
	lock.Lock()
	defer lock.Unlock()

	return b.store.WithTx(ctx, func(tx *sql.Tx, txStore Store) error {
		first, err := dedup.TryMarkTx(ctx, tx, event.EventID, BuilderID)
		if err != nil {
			return pipelineerr.Transient("conversation dedup check", err)
		}
		if !first {
			return nil
		}
		return b.apply(ctx, txStore, sessionKey, event)
	})
}

func (b *Builder) sessionLock(sessionKey string) *sync.Mutex {
	b.locksMu.Lock()
	defer b.locksMu.Unlock()
	l, ok := b.locks[sessionKey]
	if !ok {
		l = &sync.Mutex{}
		b.locks[sessionKey] = l
	}
	return l
}

func (b *Builder) apply(ctx context.Context, store Store, sessionKey string, event telemetry.Event) error {
	sess, err := store.GetSession(ctx, sessionKey)
	if err != nil {
		return pipelineerr.Transient("load session", err)
	}
	if sess == nil {
		sess = &Session{
			SessionKey:        sessionKey,
			Platform:          event.Platform,
			ExternalSessionID: event.ExternalSessionID,
			FirstSeenAt:       event.EnqueuedAt,
			Status:            StatusOpen,
		}
	}
	sess.LastSeenAt = event.EnqueuedAt

	switch event.EventType {
	case telemetry.EventSessionStart:
		// Absorbed: a session implicitly opened by an earlier event is
		// not reset by a later SessionStart (§4.4.1).
	case telemetry.EventSessionEnd:
		sess.Status = StatusClosed
	case telemetry.EventUserPrompt:
		if err := b.openTurn(ctx, store, sessionKey, event); err != nil {
			return err
		}
	case telemetry.EventAssistantResponse:
		if err := b.closeTurn(ctx, store, sessionKey, event); err != nil {
			return err
		}
	case telemetry.EventToolPre, telemetry.EventToolPost, telemetry.EventShellPre, telemetry.EventShellPost:
		if err := b.appendToolUse(ctx, store, sessionKey, event); err != nil {
			return err
		}
	case telemetry.EventFileEdit:
		if err := b.recordFileEdit(ctx, store, sessionKey, event); err != nil {
			return err
		}
	default:
		// Unknown event types pass through without affecting
		// conversation state (§6.2).
	}

	if err := store.UpsertSession(ctx, *sess); err != nil {
		return pipelineerr.Transient("upsert session", err)
	}
	return nil
}

// openTurn handles a UserPrompt. If a turn is already TURN_OPEN (no
// response yet), it is forcibly closed as incomplete before the new one
// starts (§4.4.1).
func (b *Builder) openTurn(ctx context.Context, store Store, sessionKey string, event telemetry.Event) error {
	current, err := store.CurrentTurn(ctx, sessionKey)
	if err != nil {
		return pipelineerr.Transient("load current turn", err)
	}

	nextID := int64(1)
	if current != nil {
		nextID = current.TurnID + 1
		if !current.CompletedAt.Valid {
			current.CompletedAt = sql.NullTime{Time: event.EnqueuedAt, Valid: true}
			if err := store.UpdateTurn(ctx, *current); err != nil {
				return pipelineerr.Transient("force-close prior turn", err)
			}
		}
	}

	return wrapTransient("insert turn", store.InsertTurn(ctx, Turn{
		SessionKey:    sessionKey,
		TurnID:        nextID,
		PromptEventID: event.EventID,
		StartedAt:     event.EnqueuedAt,
		Accepted:      AcceptedUnknown,
		ToolUsesBlob:  "[]",
	}))
}

// closeTurn handles an AssistantResponse, marking the session's current
// turn TURN_CLOSED.
func (b *Builder) closeTurn(ctx context.Context, store Store, sessionKey string, event telemetry.Event) error {
	current, err := store.CurrentTurn(ctx, sessionKey)
	if err != nil {
		return pipelineerr.Transient("load current turn", err)
	}
	if current == nil {
		// A response with no open prompt turn (out-of-order or partial
		// history) synthesizes a turn so the response is not lost.
		current = &Turn{SessionKey: sessionKey, TurnID: 1, StartedAt: event.EnqueuedAt, Accepted: AcceptedUnknown, ToolUsesBlob: "[]"}
		if err := store.InsertTurn(ctx, *current); err != nil {
			return pipelineerr.Transient("synthesize turn for response", err)
		}
	}

	current.ResponseEventID = event.EventID
	current.CompletedAt = sql.NullTime{Time: event.EnqueuedAt, Valid: true}
	return wrapTransient("close turn", store.UpdateTurn(ctx, *current))
}

// appendToolUse appends a tool/shell event to the current turn's
// tool_uses_blob, a JSON array of lightweight descriptors.
func (b *Builder) appendToolUse(ctx context.Context, store Store, sessionKey string, event telemetry.Event) error {
	current, err := store.CurrentTurn(ctx, sessionKey)
	if err != nil {
		return pipelineerr.Transient("load current turn for tool use", err)
	}
	if current == nil {
		// Tool activity before any prompt has no turn to attach to;
		// nothing to record.
		return nil
	}

	var uses []toolUse
	if err := json.Unmarshal([]byte(current.ToolUsesBlob), &uses); err != nil {
		return pipelineerr.Schema("decode tool_uses_blob", err)
	}
	uses = append(uses, toolUse{
		EventID:   event.EventID,
		EventType: string(event.EventType),
		Name:      event.StringPayload("tool_name"),
		At:        event.EnqueuedAt,
	})
	blob, err := json.Marshal(uses)
	if err != nil {
		return pipelineerr.Transient("encode tool_uses_blob", err)
	}
	current.ToolUsesBlob = string(blob)
	return wrapTransient("append tool use", store.UpdateTurn(ctx, *current))
}

// recordFileEdit updates the current turn's accepted field from an
// explicit accept/reject signal. Any other FileEdit operation
// (created|edited|deleted) leaves accepted untouched.
func (b *Builder) recordFileEdit(ctx context.Context, store Store, sessionKey string, event telemetry.Event) error {
	op := telemetry.FileEditOperation(event.StringPayload("operation"))
	if op != telemetry.FileEditAccepted && op != telemetry.FileEditRejected {
		return b.appendToolUse(ctx, store, sessionKey, event)
	}

	current, err := store.CurrentTurn(ctx, sessionKey)
	if err != nil {
		return pipelineerr.Transient("load current turn for file edit", err)
	}
	if current == nil {
		return nil
	}

	if op == telemetry.FileEditAccepted {
		current.Accepted = AcceptedAccepted
	} else {
		current.Accepted = AcceptedRejected
	}
	return wrapTransient("record accept/reject", store.UpdateTurn(ctx, *current))
}

type toolUse struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Name      string    `json:"name,omitempty"`
	At        time.Time `json:"at"`
}

func wrapTransient(op string, err error) error {
	return pipelineerr.Transient(op, err)
}
