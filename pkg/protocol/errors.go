package protocol

import "fmt"

// QueueFullError reports an execution request rejected because the
// persona's pending queue is at capacity. It enables typed error
// discrimination via errors.As.
type QueueFullError struct {
	PersonaID string
	MaxDepth  int
}

func (e *QueueFullError) Error() string {
	return fmt.Sprintf("execution queue full for persona %s (max depth %d)",
		e.PersonaID, e.MaxDepth)
}

// PersonaDisabledError reports a request for a persona that is disabled
// or unknown to the registry.
type PersonaDisabledError struct {
	PersonaID string
}

func (e *PersonaDisabledError) Error() string {
	return fmt.Sprintf("persona %s is disabled or not registered", e.PersonaID)
}

// TriggerConfigError reports a trigger whose config failed to parse. The
// scheduler disables the trigger and keeps evaluating the rest.
type TriggerConfigError struct {
	TriggerID string
	Kind      string
	Reason    string
}

func (e *TriggerConfigError) Error() string {
	return fmt.Sprintf("trigger %s (%s) has invalid config: %s",
		e.TriggerID, e.Kind, e.Reason)
}

// ExecutionNotFoundError reports an execution lookup failure.
type ExecutionNotFoundError struct {
	ExecutionID string
}

func (e *ExecutionNotFoundError) Error() string {
	return fmt.Sprintf("execution %s not found", e.ExecutionID)
}
