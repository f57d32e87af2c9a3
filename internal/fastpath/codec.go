package fastpath

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/aculich/bp-telemetry-core/internal/telemetry"
)

// Field names for the flat string-keyed values every stream record
// carries (§6.1).
const (
	fieldEventID    = "event_id"
	fieldEnqueuedAt = "enqueued_at"
	fieldPlatform   = "platform"
	fieldExtSession = "external_session_id"
	fieldEventType  = "event_type"
	fieldPayload    = "payload"
	fieldRetryCount = "retry_count"
)

// ValuesFromEvent flattens an Event into the map XADD expects. Producers
// are out of scope for this module, but the fast-path consumer needs the
// inverse (eventFromValues) and tests need a way to synthesize ingress
// entries, so both directions live together.
func ValuesFromEvent(e telemetry.Event) (map[string]interface{}, error) {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return map[string]interface{}{
		fieldEventID:    e.EventID,
		fieldEnqueuedAt: e.EnqueuedAt.UTC().Format(time.RFC3339Nano),
		fieldPlatform:   e.Platform,
		fieldExtSession: e.ExternalSessionID,
		fieldEventType:  string(e.EventType),
		fieldPayload:    string(payload),
		fieldRetryCount: strconv.Itoa(e.RetryCount),
	}, nil
}

func eventFromValues(values map[string]interface{}) (telemetry.Event, error) {
	e := telemetry.Event{
		Platform:          str(values[fieldPlatform]),
		ExternalSessionID: str(values[fieldExtSession]),
		EventType:         telemetry.EventType(str(values[fieldEventType])),
	}

	e.EventID = str(values[fieldEventID])
	if e.EventID == "" {
		return telemetry.Event{}, fmt.Errorf("ingress entry missing event_id")
	}

	ts := str(values[fieldEnqueuedAt])
	if ts == "" {
		return telemetry.Event{}, fmt.Errorf("ingress entry %s missing enqueued_at", e.EventID)
	}
	parsed, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return telemetry.Event{}, fmt.Errorf("ingress entry %s has invalid enqueued_at: %w", e.EventID, err)
	}
	e.EnqueuedAt = parsed

	if raw := str(values[fieldPayload]); raw != "" {
		var payload map[string]interface{}
		if err := json.Unmarshal([]byte(raw), &payload); err != nil {
			return telemetry.Event{}, fmt.Errorf("ingress entry %s has invalid payload: %w", e.EventID, err)
		}
		e.Payload = payload
	}

	if rc := str(values[fieldRetryCount]); rc != "" {
		n, err := strconv.Atoi(rc)
		if err == nil {
			e.RetryCount = n
		}
	}

	return e, nil
}

func str(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	default:
		return ""
	}
}
