package bus

import (
	"context"
	"path/filepath"
	"testing"

	"personad/pkg/protocol"
	"personad/pkg/store"
)

func TestMatchRules(t *testing.T) {
	t.Parallel()
	sub := func(id, persona, eventType, filter string, enabled bool) protocol.Subscription {
		return protocol.Subscription{
			ID: id, PersonaID: persona, EventType: eventType,
			SourceFilter: filter, Enabled: enabled,
		}
	}

	tests := []struct {
		name  string
		event protocol.Event
		subs  []protocol.Subscription
		want  []string // matched subscription ids
	}{
		{
			name:  "match by event type",
			event: protocol.Event{ID: "e1", EventType: "file_changed"},
			subs:  []protocol.Subscription{sub("s1", "p1", "file_changed", "", true)},
			want:  []string{"s1"},
		},
		{
			name:  "different type does not match",
			event: protocol.Event{ID: "e1", EventType: "file_changed"},
			subs:  []protocol.Subscription{sub("s1", "p1", "build_complete", "", true)},
			want:  nil,
		},
		{
			name:  "disabled subscription skipped",
			event: protocol.Event{ID: "e1", EventType: "file_changed"},
			subs:  []protocol.Subscription{sub("s1", "p1", "file_changed", "", false)},
			want:  nil,
		},
		{
			name:  "exact source filter",
			event: protocol.Event{ID: "e1", EventType: "webhook_received", SourceID: "watcher-1"},
			subs:  []protocol.Subscription{sub("s1", "p1", "webhook_received", "watcher-1", true)},
			want:  []string{"s1"},
		},
		{
			name:  "source filter mismatch",
			event: protocol.Event{ID: "e1", EventType: "webhook_received", SourceID: "watcher-2"},
			subs:  []protocol.Subscription{sub("s1", "p1", "webhook_received", "watcher-1", true)},
			want:  nil,
		},
		{
			name:  "wildcard filter matches prefix",
			event: protocol.Event{ID: "e1", EventType: "webhook_received", SourceID: "persona-42"},
			subs:  []protocol.Subscription{sub("s1", "p1", "webhook_received", "persona-*", true)},
			want:  []string{"s1"},
		},
		{
			name:  "wildcard filter rejects other prefix",
			event: protocol.Event{ID: "e1", EventType: "webhook_received", SourceID: "user-1"},
			subs:  []protocol.Subscription{sub("s1", "p1", "webhook_received", "persona-*", true)},
			want:  nil,
		},
		{
			name:  "missing source id never matches a filter",
			event: protocol.Event{ID: "e1", EventType: "webhook_received"},
			subs:  []protocol.Subscription{sub("s1", "p1", "webhook_received", "persona-*", true)},
			want:  nil,
		},
		{
			name: "targeted event restricts to one persona",
			event: protocol.Event{
				ID: "e1", EventType: "trigger_fired", TargetPersonaID: "p2",
			},
			subs: []protocol.Subscription{
				sub("s1", "p1", "trigger_fired", "", true),
				sub("s2", "p2", "trigger_fired", "", true),
			},
			want: []string{"s2"},
		},
		{
			name:  "multiple subscriptions all match",
			event: protocol.Event{ID: "e1", EventType: "deploy_finished", SourceID: "persona-7"},
			subs: []protocol.Subscription{
				sub("s1", "p1", "deploy_finished", "", true),
				sub("s2", "p2", "deploy_finished", "persona-*", true),
				sub("s3", "p3", "deploy_finished", "user-*", true),
			},
			want: []string{"s1", "s2"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := Match(tt.event, tt.subs)
			if len(got) != len(tt.want) {
				t.Fatalf("matched %d subscriptions, want %d: %+v", len(got), len(tt.want), got)
			}
			for i, id := range tt.want {
				if got[i].SubscriptionID != id {
					t.Errorf("match[%d] = %q, want %q", i, got[i].SubscriptionID, id)
				}
			}
		})
	}
}

func openBusStores(t *testing.T) (*store.Events, *store.Subscriptions) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "personad.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return store.NewEvents(db), store.NewSubscriptions(db)
}

func TestPublishDeliversOncePerMatchingSubscription(t *testing.T) {
	t.Parallel()
	events, subs := openBusStores(t)
	ctx := context.Background()

	if err := subs.Sync(ctx, "p1", []protocol.Subscription{
		{ID: "p1-sub-0", EventType: "deploy_finished", Enabled: true},
	}); err != nil {
		t.Fatalf("sync p1: %v", err)
	}
	if err := subs.Sync(ctx, "p2", []protocol.Subscription{
		{ID: "p2-sub-0", EventType: "deploy_finished", SourceFilter: "persona-*", Enabled: true},
		{ID: "p2-sub-1", EventType: "other_event", Enabled: true},
	}); err != nil {
		t.Fatalf("sync p2: %v", err)
	}

	var delivered []Request
	b := New(events, subs, func(_ context.Context, req Request) error {
		delivered = append(delivered, req)
		return nil
	}, 8)

	err := b.Publish(ctx, protocol.Event{
		EventType:  "deploy_finished",
		SourceType: protocol.SourcePersona,
		SourceID:   "persona-7",
		Payload:    `{"release":"v1.2"}`,
		Hops:       1,
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	if len(delivered) != 2 {
		t.Fatalf("delivered %d requests, want 2: %+v", len(delivered), delivered)
	}
	seen := map[string]bool{}
	for _, req := range delivered {
		if seen[req.SubscriptionID] {
			t.Errorf("duplicate delivery for %s", req.SubscriptionID)
		}
		seen[req.SubscriptionID] = true
		if req.Payload != `{"release":"v1.2"}` {
			t.Errorf("payload = %q", req.Payload)
		}
		if req.Hops != 1 {
			t.Errorf("hops = %d, want 1", req.Hops)
		}
	}
	if !seen["p1-sub-0"] || !seen["p2-sub-0"] {
		t.Errorf("wrong subscriptions delivered: %v", seen)
	}
}

func TestPublishHopGuard(t *testing.T) {
	t.Parallel()
	events, subs := openBusStores(t)
	ctx := context.Background()

	if err := subs.Sync(ctx, "p1", []protocol.Subscription{
		{ID: "p1-sub-0", EventType: "chain_event", Enabled: true},
	}); err != nil {
		t.Fatalf("sync: %v", err)
	}

	delivered := 0
	b := New(events, subs, func(context.Context, Request) error {
		delivered++
		return nil
	}, 3)

	// Below the cap: delivered.
	if err := b.Publish(ctx, protocol.Event{
		EventType: "chain_event", SourceType: protocol.SourcePersona, Hops: 2,
	}); err != nil {
		t.Fatalf("publish below cap: %v", err)
	}
	if delivered != 1 {
		t.Fatalf("delivered = %d, want 1", delivered)
	}

	// At the cap: persisted but not delivered, guard event logged.
	if err := b.Publish(ctx, protocol.Event{
		EventType: "chain_event", SourceType: protocol.SourcePersona, Hops: 3,
	}); err != nil {
		t.Fatalf("publish at cap: %v", err)
	}
	if delivered != 1 {
		t.Errorf("delivered = %d after capped publish, want 1", delivered)
	}
}
