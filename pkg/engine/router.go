package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"personad/pkg/protocol"
	"personad/pkg/store"
)

// routeMessage applies one embedded protocol message mid-stream. Runs on
// the execution's stdout-reading goroutine, so failures are logged and
// never abort the run.
func (e *Engine) routeMessage(execID string, opts SubmitOpts, msg *protocol.Message) {
	ctx := context.Background()

	var err error
	switch msg.Key {
	case protocol.KeyUserMessage:
		p := msg.UserMessage
		_, err = e.messages.Insert(ctx, protocol.UserMessage{
			PersonaID:   opts.PersonaID,
			ExecutionID: execID,
			Title:       p.Title,
			Content:     p.Content,
			ContentType: p.ContentType,
			Priority:    p.Priority,
		})
		if err == nil {
			e.logEvent(ctx, protocol.KeyUserMessage, protocol.SourcePersona, opts.PersonaID,
				fmt.Sprintf(`{"execution_id":%q,"title":%q}`, execID, p.Title))
		}

	case protocol.KeyAgentMemory:
		p := msg.AgentMemory
		_, err = e.memories.Insert(ctx, protocol.Memory{
			PersonaID:   opts.PersonaID,
			ExecutionID: execID,
			Title:       p.Title,
			Content:     p.Content,
			Category:    p.Category,
			Importance:  p.Importance,
			Tags:        store.TagsJSON(p.Tags),
		})

	case protocol.KeyManualReview:
		p := msg.ManualReview
		var actions string
		if len(p.SuggestedActions) > 0 {
			if b, marshalErr := json.Marshal(p.SuggestedActions); marshalErr == nil {
				actions = string(b)
			}
		}
		_, err = e.reviews.Insert(ctx, protocol.Review{
			PersonaID:        opts.PersonaID,
			ExecutionID:      execID,
			Title:            p.Title,
			Description:      p.Description,
			Severity:         p.Severity,
			ContextData:      p.ContextData,
			SuggestedActions: actions,
		})
		if err == nil {
			e.logEvent(ctx, protocol.KeyManualReview, protocol.SourcePersona, opts.PersonaID,
				fmt.Sprintf(`{"execution_id":%q,"title":%q,"severity":%q}`, execID, p.Title, p.Severity))
		}

	case protocol.KeyEmitEvent:
		p := msg.EmitEvent
		payload := "{}"
		if len(p.Data) > 0 {
			payload = string(p.Data)
		}
		err = e.bus.Publish(ctx, protocol.Event{
			EventType:  p.EventType,
			SourceType: protocol.SourcePersona,
			SourceID:   opts.PersonaID,
			Payload:    payload,
			Hops:       opts.Hops,
		})

	case protocol.KeyPersonaAction:
		p := msg.PersonaAction
		input := "{}"
		if len(p.Input) > 0 {
			input = string(p.Input)
		}
		if p.Action != "" {
			input = fmt.Sprintf(`{"action":%q,"input":%s}`, p.Action, input)
		}
		var targetID string
		targetID, err = e.Submit(ctx, SubmitOpts{
			PersonaID: p.Target,
			Priority:  protocol.PriorityNormal,
			Input:     input,
			Hops:      opts.Hops + 1,
		})
		if err == nil {
			e.logEvent(ctx, protocol.KeyPersonaAction, protocol.SourcePersona, opts.PersonaID,
				fmt.Sprintf(`{"execution_id":%q,"target":%q,"action":%q,"target_execution_id":%q}`,
					execID, p.Target, p.Action, targetID))
		}

	case protocol.KeyExecutionFlow:
		// Captured in the runner result and recorded at completion.
		return
	}

	if err != nil {
		e.logEvent(ctx, EventRouterError, protocol.SourceSystem, execID,
			fmt.Sprintf(`{"execution_id":%q,"key":%q,"error":%q}`,
				execID, msg.Key, err.Error()))
	}
}
