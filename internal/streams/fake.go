/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L2
Logic:       In-memory consumer-group semantics: per-group cursor into
             the entry log, per-entry pending bookkeeping, idle-based
             Claim for reclaiming stalled deliveries.
Root Cause:  Component tests need deterministic, controllable delivery
             and reclaim timing that an embedded Redis can't offer.
Suitability: L2 — small state machine over maps and a clock seam.
──────────────────────────────────────────────────────────────
*/

package streams

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// entry is one record physically stored on a fake stream.
type entry struct {
	id     string
	seq    int64
	values map[string]interface{}
}

// pendingEntry tracks delivery bookkeeping for consumer-group semantics.
type pendingEntry struct {
	consumer    string
	deliveredAt time.Time
}

type fakeStream struct {
	entries []entry
	nextSeq int64

	// group -> entry id -> pending bookkeeping
	groups map[string]map[string]*pendingEntry
	// group -> next undelivered index per consumer-group cursor
	cursors map[string]int
}

// Fake is an in-memory Client used by component tests. It implements
// enough of Redis Streams' consumer-group semantics (new-message
// cursor, pending-entries list, idle-based reclaim) to exercise
// at-least-once delivery and pending-entry recovery deterministically,
// which is more reliable for this module's tests than relying on a
// partial-fidelity embedded Redis.
type Fake struct {
	mu      sync.Mutex
	streams map[string]*fakeStream
	clock   func() time.Time
}

// NewFake creates an empty fake stream transport.
func NewFake() *Fake {
	return &Fake{
		streams: make(map[string]*fakeStream),
		clock:   time.Now,
	}
}

// SetClock overrides the time source (tests exercising idle-based
// reclaim want deterministic control over elapsed time).
func (f *Fake) SetClock(clock func() time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clock = clock
}

func (f *Fake) stream(name string) *fakeStream {
	s, ok := f.streams[name]
	if !ok {
		s = &fakeStream{
			groups:  make(map[string]map[string]*pendingEntry),
			cursors: make(map[string]int),
		}
		f.streams[name] = s
	}
	return s
}

func (f *Fake) EnsureGroup(_ context.Context, stream, group string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.stream(stream)
	if _, ok := s.groups[group]; !ok {
		s.groups[group] = make(map[string]*pendingEntry)
		s.cursors[group] = 0
	}
	return nil
}

func (f *Fake) Add(_ context.Context, stream string, values map[string]interface{}, maxLen int64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.stream(stream)
	s.nextSeq++
	id := fmt.Sprintf("%d-0", s.nextSeq)
	s.entries = append(s.entries, entry{id: id, seq: s.nextSeq, values: values})

	if maxLen > 0 && int64(len(s.entries)) > maxLen {
		drop := int64(len(s.entries)) - maxLen
		s.entries = s.entries[drop:]
	}
	return id, nil
}

func (f *Fake) ReadGroup(_ context.Context, stream, group, consumer string, count int64, _ time.Duration) ([]Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.stream(stream)
	pending, ok := s.groups[group]
	if !ok {
		return nil, fmt.Errorf("no such group %s on stream %s", group, stream)
	}

	cursor := s.cursors[group]
	var out []Message
	for cursor < len(s.entries) && int64(len(out)) < count {
		e := s.entries[cursor]
		pending[e.id] = &pendingEntry{consumer: consumer, deliveredAt: f.clock()}
		out = append(out, Message{ID: e.id, Values: e.values})
		cursor++
	}
	s.cursors[group] = cursor
	return out, nil
}

func (f *Fake) Claim(_ context.Context, stream, group, consumer string, minIdle time.Duration, start string, count int64) ([]Message, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.stream(stream)
	pending, ok := s.groups[group]
	if !ok {
		return nil, start, fmt.Errorf("no such group %s on stream %s", group, stream)
	}

	ids := make([]string, 0, len(pending))
	for id := range pending {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	byID := make(map[string]entry, len(s.entries))
	for _, e := range s.entries {
		byID[e.id] = e
	}

	now := f.clock()
	var out []Message
	for _, id := range ids {
		if int64(len(out)) >= count {
			break
		}
		pe := pending[id]
		if now.Sub(pe.deliveredAt) < minIdle {
			continue
		}
		e, ok := byID[id]
		if !ok {
			// Entry was trimmed from the stream; drop the stale claim.
			delete(pending, id)
			continue
		}
		pe.consumer = consumer
		pe.deliveredAt = now
		out = append(out, Message{ID: e.id, Values: e.values})
	}
	return out, "0-0", nil
}

func (f *Fake) Ack(_ context.Context, stream, group string, ids ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.stream(stream)
	pending, ok := s.groups[group]
	if !ok {
		return nil
	}
	for _, id := range ids {
		delete(pending, id)
	}
	return nil
}

func (f *Fake) GroupDepth(_ context.Context, stream, group string) (GroupInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.stream(stream)
	pending, ok := s.groups[group]
	if !ok {
		return GroupInfo{}, nil
	}
	lag := int64(len(s.entries) - s.cursors[group])
	if lag < 0 {
		lag = 0
	}
	return GroupInfo{Pending: int64(len(pending)), Lag: lag}, nil
}

func (f *Fake) Close() error { return nil }

// Len returns the number of entries currently stored on stream (tests use
// this to assert DLQ/CDC fan-out counts without a real scan API).
func (f *Fake) Len(stream string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.stream(stream).entries)
}

var _ Client = (*Fake)(nil)
