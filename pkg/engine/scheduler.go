package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"personad/pkg/cron"
	"personad/pkg/protocol"
)

// Tick evaluates every enabled schedule and polling trigger once. Due
// triggers are advanced first, then dispatched; a persona at capacity
// simply misses the fire and catches the next one.
func (e *Engine) Tick(ctx context.Context) {
	now := e.nowFunc().UTC()
	trigs, err := e.triggers.ListScheduled(ctx)
	if err != nil {
		e.logEvent(ctx, EventSchedulerError, protocol.SourceScheduler, "",
			fmt.Sprintf(`{"error":%q}`, err.Error()))
		return
	}
	for _, t := range trigs {
		e.evaluateTrigger(ctx, t, now)
	}
}

func (e *Engine) evaluateTrigger(ctx context.Context, t protocol.Trigger, now time.Time) {
	tc, err := protocol.ParseTriggerConfig(t.Kind, t.Config)
	if err != nil {
		e.disableTrigger(ctx, t, err)
		return
	}

	// First sight of the trigger: seed next_fire_at without firing.
	if t.NextFireAt == "" {
		next, err := nextFire(t.Kind, tc, now)
		if err != nil {
			e.disableTrigger(ctx, t, err)
			return
		}
		_ = e.triggers.SetNextFire(ctx, t.ID, protocol.FormatTime(next))
		return
	}

	fireAt, err := time.Parse(time.RFC3339, t.NextFireAt)
	if err != nil {
		e.disableTrigger(ctx, t, fmt.Errorf("parse next_fire_at: %w", err))
		return
	}
	if fireAt.After(now) {
		return
	}

	// Advance before dispatching so a crash mid-fire cannot double-fire.
	next, err := nextFire(t.Kind, tc, now)
	if err != nil {
		e.disableTrigger(ctx, t, err)
		return
	}
	if err := e.triggers.SetNextFire(ctx, t.ID, protocol.FormatTime(next)); err != nil {
		return
	}

	e.fireTrigger(ctx, t, tc, now)
}

// fireTrigger records the trigger event and submits the execution request
// directly, bypassing subscription matching.
func (e *Engine) fireTrigger(ctx context.Context, t protocol.Trigger, tc protocol.TriggerConfig, now time.Time) {
	eventType := tc.EventType
	if eventType == "" {
		eventType = protocol.DefaultTriggerEventType
	}
	payload := fmt.Sprintf(`{"trigger_id":%q,"event_type":%q,"fired_at":%q}`,
		t.ID, eventType, protocol.FormatTime(now))

	_ = e.events.Insert(ctx, protocol.Event{
		ID:              uuid.NewString(),
		EventType:       eventType,
		SourceType:      protocol.SourceScheduler,
		SourceID:        t.ID,
		TargetPersonaID: t.PersonaID,
		Payload:         payload,
		CreatedAt:       protocol.FormatTime(now),
	})

	_, err := e.Submit(ctx, SubmitOpts{
		PersonaID:  t.PersonaID,
		TriggerID:  t.ID,
		Priority:   protocol.PriorityNormal,
		Input:      payload,
		DropIfBusy: true,
	})
	if err != nil {
		e.logEvent(ctx, EventDeliverySkipped, protocol.SourceScheduler, t.ID,
			fmt.Sprintf(`{"trigger_id":%q,"reason":%q}`, t.ID, err.Error()))
	}
}

func (e *Engine) disableTrigger(ctx context.Context, t protocol.Trigger, cause error) {
	_ = e.triggers.Disable(ctx, t.ID)
	cfgErr := &protocol.TriggerConfigError{TriggerID: t.ID, Kind: t.Kind, Reason: cause.Error()}
	e.logEvent(ctx, EventTriggerConfigError, protocol.SourceScheduler, t.ID,
		fmt.Sprintf(`{"trigger_id":%q,"persona_id":%q,"error":%q}`,
			t.ID, t.PersonaID, cfgErr.Error()))
}

// nextFire computes the next fire time strictly after now.
func nextFire(kind string, tc protocol.TriggerConfig, now time.Time) (time.Time, error) {
	switch kind {
	case protocol.TriggerSchedule:
		sched, err := cron.Parse(tc.Cron)
		if err != nil {
			return time.Time{}, err
		}
		return sched.Next(now)
	case protocol.TriggerPolling:
		return now.Add(time.Duration(tc.IntervalSeconds) * time.Second), nil
	}
	return time.Time{}, fmt.Errorf("trigger kind %q has no fire time", kind)
}

func (e *Engine) schedulerLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.TickInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Tick(ctx)
		}
	}
}

// cleanupLoop prunes old events hourly per the configured retention.
func (e *Engine) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := protocol.FormatTime(e.nowFunc().Add(-e.cfg.EventRetention()))
			n, err := e.events.PruneOlderThan(ctx, cutoff)
			if err != nil {
				continue
			}
			if n > 0 {
				e.logEvent(ctx, EventEventsPruned, protocol.SourceSystem, "",
					fmt.Sprintf(`{"count":%d,"cutoff":%q}`, n, cutoff))
			}
		}
	}
}
