// Package bus implements the event bus: publishing appends to the durable
// event log, then matching subscriptions synchronously produce execution
// requests that feed back into the dispatcher.
package bus

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"personad/pkg/protocol"
	"personad/pkg/store"
)

// EventHopsExceeded is logged when a delivery chain reaches the hop cap.
const EventHopsExceeded = "event_hops_exceeded"

// Request is one delivery: an event matched to a subscriber persona. The
// dispatcher turns it into an execution whose input is the event payload.
type Request struct {
	PersonaID      string
	SubscriptionID string
	EventID        string
	EventType      string
	Payload        string
	SourceID       string
	Hops           int // inherited by the spawned execution's events
}

// Sink receives matched deliveries. It must not publish synchronously back
// into the bus from within the callback.
type Sink func(ctx context.Context, req Request) error

// Bus matches published events against stored subscriptions.
type Bus struct {
	events  *store.Events
	subs    *store.Subscriptions
	sink    Sink
	maxHops int
	nowFunc func() time.Time
}

// New creates a Bus. maxHops bounds feedback chains: an event whose hop
// count has reached maxHops is persisted but never delivered.
func New(events *store.Events, subs *store.Subscriptions, sink Sink, maxHops int) *Bus {
	return &Bus{
		events:  events,
		subs:    subs,
		sink:    sink,
		maxHops: maxHops,
		nowFunc: time.Now,
	}
}

// SetNowFunc overrides the clock (for testing).
func (b *Bus) SetNowFunc(f func() time.Time) { b.nowFunc = f }

// Publish persists the event and synchronously delivers it to every
// matching subscription. Missing id and created_at are filled in.
func (b *Bus) Publish(ctx context.Context, e protocol.Event) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt == "" {
		e.CreatedAt = protocol.FormatTime(b.nowFunc())
	}
	if e.Payload == "" {
		e.Payload = "{}"
	}
	if err := b.events.Insert(ctx, e); err != nil {
		return fmt.Errorf("publish %s: %w", e.EventType, err)
	}

	if b.maxHops > 0 && e.Hops >= b.maxHops {
		guard := protocol.Event{
			ID:         uuid.NewString(),
			EventType:  EventHopsExceeded,
			SourceType: protocol.SourceSystem,
			SourceID:   e.ID,
			Payload:    fmt.Sprintf(`{"event_type":%q,"hops":%d}`, e.EventType, e.Hops),
			CreatedAt:  protocol.FormatTime(b.nowFunc()),
		}
		if err := b.events.Insert(ctx, guard); err != nil {
			return fmt.Errorf("log hop guard for %s: %w", e.ID, err)
		}
		return nil
	}

	subs, err := b.subs.ListEnabledByType(ctx, e.EventType)
	if err != nil {
		return fmt.Errorf("list subscriptions for %s: %w", e.EventType, err)
	}

	var firstErr error
	for _, sub := range Match(e, subs) {
		if err := b.sink(ctx, sub); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("deliver %s to %s: %w", e.EventType, sub.PersonaID, err)
		}
	}
	return firstErr
}

// Match returns one Request per subscription the event matches.
//
// Rules, all of which must hold:
//  1. the subscription is enabled
//  2. event_type is equal
//  3. if the event targets a specific persona, only that persona matches
//  4. if the subscription has a source filter, the event's source_id must
//     match it (exact, or prefix via trailing *)
func Match(e protocol.Event, subs []protocol.Subscription) []Request {
	var out []Request
	for _, sub := range subs {
		if !sub.Enabled {
			continue
		}
		if sub.EventType != e.EventType {
			continue
		}
		if e.TargetPersonaID != "" && e.TargetPersonaID != sub.PersonaID {
			continue
		}
		if sub.SourceFilter != "" && !sourceFilterMatches(sub.SourceFilter, e.SourceID) {
			continue
		}
		out = append(out, Request{
			PersonaID:      sub.PersonaID,
			SubscriptionID: sub.ID,
			EventID:        e.ID,
			EventType:      e.EventType,
			Payload:        e.Payload,
			SourceID:       e.SourceID,
			Hops:           e.Hops,
		})
	}
	return out
}

// sourceFilterMatches: exact match, or prefix match for a trailing *.
// An event without a source_id never matches a filter.
func sourceFilterMatches(filter, sourceID string) bool {
	if sourceID == "" {
		return false
	}
	if prefix, ok := strings.CutSuffix(filter, "*"); ok {
		return strings.HasPrefix(sourceID, prefix)
	}
	return sourceID == filter
}
