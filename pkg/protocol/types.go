// Package protocol defines the shared data model for the personad engine:
// durable rows, lifecycle constants, the embedded protocol-message union,
// and the parser for the subprocess output stream.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Trigger kinds.
const (
	TriggerManual   = "manual"
	TriggerSchedule = "schedule"
	TriggerPolling  = "polling"
	TriggerWebhook  = "webhook"
)

// Execution statuses. queued and running are live; the rest are terminal.
const (
	StatusQueued     = "queued"
	StatusRunning    = "running"
	StatusCompleted  = "completed"
	StatusIncomplete = "incomplete"
	StatusFailed     = "failed"
	StatusCancelled  = "cancelled"
)

// IsTerminalStatus reports whether s is a terminal execution status.
// There is no transition out of a terminal status.
func IsTerminalStatus(s string) bool {
	switch s {
	case StatusCompleted, StatusIncomplete, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Event source types.
const (
	SourcePersona   = "persona"
	SourceUser      = "user"
	SourceSystem    = "system"
	SourceScheduler = "scheduler"
)

// System event types published by the engine itself.
const (
	EventExecutionCompleted = "execution_completed"
	EventExecutionFailed    = "execution_failed"
)

// DefaultTriggerEventType is published when a scheduled trigger fires and
// its config does not name a custom event type.
const DefaultTriggerEventType = "trigger_fired"

// Priority orders queued execution requests. Higher values drain first.
type Priority int

// Priority levels.
const (
	PriorityLow    Priority = 0
	PriorityNormal Priority = 1
	PriorityUrgent Priority = 2
)

// ParsePriority maps a priority name to its level. Unknown names get normal.
func ParsePriority(s string) Priority {
	switch s {
	case "low":
		return PriorityLow
	case "urgent":
		return PriorityUrgent
	default:
		return PriorityNormal
	}
}

// String returns the priority name.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityUrgent:
		return "urgent"
	default:
		return "normal"
	}
}

// TimeFormat is the canonical timestamp layout for all durable rows.
// RFC3339 UTC sorts lexicographically, so SQL comparisons on timestamp
// columns behave correctly.
const TimeFormat = time.RFC3339

// FormatTime renders t in the canonical layout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

// Persona is a configured agent: the unit of scheduling and concurrency.
type Persona struct {
	ID            string `json:"id" yaml:"id"`
	Name          string `json:"name" yaml:"name"`
	Enabled       bool   `json:"enabled" yaml:"enabled"`
	MaxConcurrent int    `json:"max_concurrent" yaml:"max_concurrent"` // <=0 means unlimited
	TimeoutMS     int64  `json:"timeout_ms" yaml:"timeout_ms"`
	Prompt        string `json:"prompt" yaml:"prompt"`
	CLICommand    string `json:"cli_command" yaml:"cli_command"` // external process; empty uses the engine default
}

// Trigger describes when a persona should run. next_fire_at is advanced
// only by the scheduler, strictly before the corresponding dispatch.
type Trigger struct {
	ID         string `json:"id"`
	PersonaID  string `json:"persona_id"`
	Kind       string `json:"kind"`
	Config     string `json:"config"` // JSON, shape depends on Kind
	Enabled    bool   `json:"enabled"`
	NextFireAt string `json:"next_fire_at,omitempty"` // RFC3339 UTC, empty for manual/webhook
}

// TriggerConfig is the decoded shape of Trigger.Config.
type TriggerConfig struct {
	Cron            string `json:"cron,omitempty"`             // schedule kind
	IntervalSeconds int    `json:"interval_seconds,omitempty"` // polling kind
	EventType       string `json:"event_type,omitempty"`       // published on fire; default trigger_fired
}

// ParseTriggerConfig decodes and validates a trigger config for its kind.
// A malformed config is a configuration error: the caller disables the
// trigger rather than failing the evaluation loop.
func ParseTriggerConfig(kind, config string) (TriggerConfig, error) {
	var tc TriggerConfig
	if config == "" {
		config = "{}"
	}
	if err := json.Unmarshal([]byte(config), &tc); err != nil {
		return TriggerConfig{}, fmt.Errorf("decode trigger config: %w", err)
	}
	switch kind {
	case TriggerSchedule:
		if tc.Cron == "" {
			return TriggerConfig{}, fmt.Errorf("schedule trigger requires cron expression")
		}
	case TriggerPolling:
		if tc.IntervalSeconds <= 0 {
			return TriggerConfig{}, fmt.Errorf("polling trigger requires positive interval_seconds")
		}
	case TriggerManual, TriggerWebhook:
		// No scheduler-computed fire time.
	default:
		return TriggerConfig{}, fmt.Errorf("unknown trigger kind %q", kind)
	}
	return tc, nil
}

// Execution is the durable record of one run of a persona.
type Execution struct {
	ID           string  `json:"id"`
	PersonaID    string  `json:"persona_id"`
	TriggerID    string  `json:"trigger_id,omitempty"`
	Status       string  `json:"status"`
	StartedAt    string  `json:"started_at"`
	EndedAt      string  `json:"ended_at,omitempty"`
	ExitCode     int     `json:"exit_code"` // -1 until the process has exited
	Output       string  `json:"output"`
	ToolSteps    string  `json:"tool_steps"` // JSON array of ToolStep
	CostUSD      float64 `json:"cost_usd"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	Model        string  `json:"model,omitempty"`
	SessionID    string  `json:"session_id,omitempty"`
	DurationMS   int64   `json:"duration_ms"`
	Flows        string  `json:"flows,omitempty"` // raw execution_flow JSON recorded at completion
	RetryOf      string  `json:"retry_of,omitempty"`
	RetryCount   int     `json:"retry_count"`
}

// ToolStep is one tool invocation observed in the output stream.
type ToolStep struct {
	StepIndex     int    `json:"step_index"`
	ToolName      string `json:"tool_name"`
	InputPreview  string `json:"input_preview"`
	OutputPreview string `json:"output_preview,omitempty"`
	StartedAtMS   int64  `json:"started_at_ms"`
	DurationMS    int64  `json:"duration_ms,omitempty"`
}

// Event is one append-only entry in the event log. Hops counts how many
// bus deliveries led to the execution that published it.
type Event struct {
	ID              string `json:"id"`
	EventType       string `json:"event_type"`
	SourceType      string `json:"source_type"`
	SourceID        string `json:"source_id,omitempty"`
	TargetPersonaID string `json:"target_persona_id,omitempty"`
	Payload         string `json:"payload"`
	Hops            int    `json:"hops"`
	CreatedAt       string `json:"created_at"`
}

// Subscription routes matching events to a persona as execution requests.
// source_filter supports a trailing-* glob (e.g. "persona-*").
type Subscription struct {
	ID           string `json:"id"`
	PersonaID    string `json:"persona_id"`
	EventType    string `json:"event_type"`
	SourceFilter string `json:"source_filter,omitempty"`
	Enabled      bool   `json:"enabled"`
}

// Issue is a durable healing issue raised for a failed or incomplete
// execution. At most one open issue exists per execution.
type Issue struct {
	ID           string `json:"id"`
	ExecutionID  string `json:"execution_id"`
	PersonaID    string `json:"persona_id"`
	Category     string `json:"category"`
	Severity     string `json:"severity"`
	Title        string `json:"title"`
	Detail       string `json:"detail,omitempty"`
	SuggestedFix string `json:"suggested_fix,omitempty"`
	AutoFixed    bool   `json:"auto_fixed"`
	RetryCount   int    `json:"retry_count"`
	Resolved     bool   `json:"resolved"`
	CreatedAt    string `json:"created_at"`
}

// Memory is a learning reported by a persona via the agent_memory message.
type Memory struct {
	ID          int64  `json:"id"`
	PersonaID   string `json:"persona_id"`
	ExecutionID string `json:"execution_id"`
	Title       string `json:"title"`
	Content     string `json:"content"`
	Category    string `json:"category,omitempty"`
	Importance  int    `json:"importance,omitempty"`
	Tags        string `json:"tags,omitempty"` // JSON array
	CreatedAt   string `json:"created_at"`
}

// UserMessage is a user-facing notification emitted via the user_message
// protocol message.
type UserMessage struct {
	ID          int64  `json:"id"`
	PersonaID   string `json:"persona_id"`
	ExecutionID string `json:"execution_id"`
	Title       string `json:"title,omitempty"`
	Content     string `json:"content"`
	ContentType string `json:"content_type,omitempty"`
	Priority    string `json:"priority,omitempty"`
	CreatedAt   string `json:"created_at"`
}

// Review is a request for human attention emitted via manual_review.
type Review struct {
	ID               int64  `json:"id"`
	PersonaID        string `json:"persona_id"`
	ExecutionID      string `json:"execution_id"`
	Title            string `json:"title"`
	Description      string `json:"description,omitempty"`
	Severity         string `json:"severity,omitempty"`
	ContextData      string `json:"context_data,omitempty"`
	SuggestedActions string `json:"suggested_actions,omitempty"` // JSON array
	Status           string `json:"status"`                      // pending | resolved
	CreatedAt        string `json:"created_at"`
}
