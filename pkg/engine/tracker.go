// Package engine ties the pieces together: the dispatcher admits execution
// requests under per-persona concurrency limits, the scheduler turns due
// triggers into requests, the router applies embedded protocol messages,
// and terminal transitions feed the healing engine and the event bus.
package engine

import (
	"sync"

	"personad/pkg/protocol"
)

// DefaultMaxQueueDepth bounds each persona's waiting queue.
const DefaultMaxQueueDepth = 10

// queuedExecution is one waiting entry in a persona's queue.
type queuedExecution struct {
	ExecutionID string
	Priority    protocol.Priority
}

// AdmitResult reports what Admit did with a request.
type AdmitResult struct {
	// Running means the execution was granted a running slot immediately.
	Running bool
	// Position is the 0-indexed queue position when queued.
	Position int
	// Rejected means the queue was full; MaxDepth carries the limit.
	Rejected bool
	MaxDepth int
}

// tracker owns per-persona running sets and priority queues. One mutex
// guards both so the capacity check and the slot grant are atomic.
type tracker struct {
	mu       sync.Mutex
	running  map[string]map[string]struct{}
	queues   map[string][]queuedExecution
	maxDepth int
}

func newTracker(maxDepth int) *tracker {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxQueueDepth
	}
	return &tracker{
		running:  make(map[string]map[string]struct{}),
		queues:   make(map[string][]queuedExecution),
		maxDepth: maxDepth,
	}
}

// hasCapacityLocked reports whether personaID can take another running
// execution. maxConcurrent <= 0 means unlimited.
func (t *tracker) hasCapacityLocked(personaID string, maxConcurrent int) bool {
	if maxConcurrent <= 0 {
		return true
	}
	return len(t.running[personaID]) < maxConcurrent
}

func (t *tracker) addRunningLocked(personaID, executionID string) {
	set, ok := t.running[personaID]
	if !ok {
		set = make(map[string]struct{})
		t.running[personaID] = set
	}
	set[executionID] = struct{}{}
}

// TryAddRunning atomically checks capacity and grants a running slot.
func (t *tracker) TryAddRunning(personaID, executionID string, maxConcurrent int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.hasCapacityLocked(personaID, maxConcurrent) {
		return false
	}
	t.addRunningLocked(personaID, executionID)
	return true
}

// Admit grants a running slot, queues the execution by priority, or
// rejects it when the queue is full.
func (t *tracker) Admit(personaID, executionID string, maxConcurrent int, priority protocol.Priority) AdmitResult {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.hasCapacityLocked(personaID, maxConcurrent) {
		t.addRunningLocked(personaID, executionID)
		return AdmitResult{Running: true}
	}

	queue := t.queues[personaID]
	if len(queue) >= t.maxDepth {
		return AdmitResult{Rejected: true, MaxDepth: t.maxDepth}
	}

	// Insert after all entries of >= priority: FIFO within a level.
	pos := len(queue)
	for i, e := range queue {
		if e.Priority < priority {
			pos = i
			break
		}
	}
	entry := queuedExecution{ExecutionID: executionID, Priority: priority}
	queue = append(queue, queuedExecution{})
	copy(queue[pos+1:], queue[pos:])
	queue[pos] = entry
	t.queues[personaID] = queue

	return AdmitResult{Position: pos}
}

// RemoveRunning frees an execution's running slot.
func (t *tracker) RemoveRunning(personaID, executionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if set, ok := t.running[personaID]; ok {
		delete(set, executionID)
		if len(set) == 0 {
			delete(t.running, personaID)
		}
	}
}

// RemoveQueued removes a waiting execution, reporting whether it was found.
func (t *tracker) RemoveQueued(personaID, executionID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	queue, ok := t.queues[personaID]
	if !ok {
		return false
	}
	for i, e := range queue {
		if e.ExecutionID == executionID {
			queue = append(queue[:i], queue[i+1:]...)
			if len(queue) == 0 {
				delete(t.queues, personaID)
			} else {
				t.queues[personaID] = queue
			}
			return true
		}
	}
	return false
}

// DrainNext promotes the next waiting execution into a freed slot.
// Returns the promoted execution id, or "" when nothing was promoted.
func (t *tracker) DrainNext(personaID string, maxConcurrent int) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.hasCapacityLocked(personaID, maxConcurrent) {
		return ""
	}
	queue, ok := t.queues[personaID]
	if !ok || len(queue) == 0 {
		return ""
	}
	next := queue[0]
	queue = queue[1:]
	if len(queue) == 0 {
		delete(t.queues, personaID)
	} else {
		t.queues[personaID] = queue
	}
	t.addRunningLocked(personaID, next.ExecutionID)
	return next.ExecutionID
}

// RunningCount returns how many executions personaID is running.
func (t *tracker) RunningCount(personaID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.running[personaID])
}

// QueueDepth returns how many executions personaID has waiting.
func (t *tracker) QueueDepth(personaID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.queues[personaID])
}
