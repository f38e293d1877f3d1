package protocol

import (
	"encoding/json"
	"strings"
)

// Protocol keys: the first key of a single-line JSON object emitted by the
// subprocess to signal a structured message.
const (
	KeyUserMessage   = "user_message"
	KeyPersonaAction = "persona_action"
	KeyEmitEvent     = "emit_event"
	KeyAgentMemory   = "agent_memory"
	KeyManualReview  = "manual_review"
	KeyExecutionFlow = "execution_flow"
)

// Message is one embedded protocol message. Exactly one variant field is
// non-nil; Key names it. The closed set of variants keeps loosely-typed
// payloads at the parse boundary.
type Message struct {
	Key           string
	UserMessage   *UserMessagePayload
	PersonaAction *PersonaActionPayload
	EmitEvent     *EmitEventPayload
	AgentMemory   *AgentMemoryPayload
	ManualReview  *ManualReviewPayload
	ExecutionFlow *ExecutionFlowPayload
}

// UserMessagePayload asks the engine to surface a notification to the user.
type UserMessagePayload struct {
	Title       string `json:"title,omitempty"`
	Content     string `json:"content"`
	ContentType string `json:"content_type,omitempty"`
	Priority    string `json:"priority,omitempty"`
}

// PersonaActionPayload asks the engine to run another persona.
type PersonaActionPayload struct {
	Target string          `json:"target"`
	Action string          `json:"action,omitempty"`
	Input  json.RawMessage `json:"input,omitempty"`
}

// EmitEventPayload publishes a custom event on the bus.
type EmitEventPayload struct {
	EventType string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// AgentMemoryPayload records a learning in the memory store.
type AgentMemoryPayload struct {
	Title      string   `json:"title"`
	Content    string   `json:"content"`
	Category   string   `json:"category,omitempty"`
	Importance int      `json:"importance,omitempty"`
	Tags       []string `json:"tags,omitempty"`
}

// ManualReviewPayload requests human attention.
type ManualReviewPayload struct {
	Title            string   `json:"title"`
	Description      string   `json:"description,omitempty"`
	Severity         string   `json:"severity,omitempty"`
	ContextData      string   `json:"context_data,omitempty"`
	SuggestedActions []string `json:"suggested_actions,omitempty"`
}

// ExecutionFlowPayload carries the structured flow the persona reports for
// this run; recorded on the execution at completion.
type ExecutionFlowPayload struct {
	Flows json.RawMessage `json:"flows"`
}

// protocolKeys in recognition order.
var protocolKeys = []string{
	KeyUserMessage,
	KeyPersonaAction,
	KeyEmitEvent,
	KeyAgentMemory,
	KeyManualReview,
	KeyExecutionFlow,
}

// hasProtocolPrefix reports whether the trimmed line starts with the given
// protocol key, tolerating a space before the colon.
func hasProtocolPrefix(trimmed, key string) bool {
	return strings.HasPrefix(trimmed, `{"`+key+`":`) ||
		strings.HasPrefix(trimmed, `{"`+key+`" :`)
}

// ExtractMessage parses a single output line as an embedded protocol
// message. Returns nil if the line is not a protocol message or if the
// payload is malformed: a malformed message is dropped at message
// granularity and never aborts the stream.
func ExtractMessage(line string) *Message {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return nil
	}

	var key string
	for _, k := range protocolKeys {
		if hasProtocolPrefix(trimmed, k) {
			key = k
			break
		}
	}
	if key == "" {
		return nil
	}

	var wrapper map[string]json.RawMessage
	if err := json.Unmarshal([]byte(trimmed), &wrapper); err != nil {
		return nil
	}
	raw, ok := wrapper[key]
	if !ok {
		return nil
	}

	msg := &Message{Key: key}
	switch key {
	case KeyUserMessage:
		var p UserMessagePayload
		if json.Unmarshal(raw, &p) != nil {
			return nil
		}
		msg.UserMessage = &p
	case KeyPersonaAction:
		var p PersonaActionPayload
		if json.Unmarshal(raw, &p) != nil {
			return nil
		}
		msg.PersonaAction = &p
	case KeyEmitEvent:
		var p EmitEventPayload
		if json.Unmarshal(raw, &p) != nil {
			return nil
		}
		msg.EmitEvent = &p
	case KeyAgentMemory:
		var p AgentMemoryPayload
		if json.Unmarshal(raw, &p) != nil {
			return nil
		}
		msg.AgentMemory = &p
	case KeyManualReview:
		var p ManualReviewPayload
		if json.Unmarshal(raw, &p) != nil {
			return nil
		}
		msg.ManualReview = &p
	case KeyExecutionFlow:
		var p ExecutionFlowPayload
		if json.Unmarshal(raw, &p) != nil {
			return nil
		}
		msg.ExecutionFlow = &p
	}
	return msg
}

// ExtractFlows scans accumulated output text for an execution_flow line and
// returns its raw JSON, or "" if none is present.
func ExtractFlows(text string) string {
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if hasProtocolPrefix(trimmed, KeyExecutionFlow) {
			if m := ExtractMessage(trimmed); m != nil && m.ExecutionFlow != nil {
				return trimmed
			}
		}
	}
	return ""
}
