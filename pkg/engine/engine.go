package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"personad/pkg/bus"
	"personad/pkg/config"
	"personad/pkg/healing"
	"personad/pkg/persona"
	"personad/pkg/protocol"
	"personad/pkg/runner"
	"personad/pkg/store"
)

// CircuitBreakerThreshold is the consecutive-failure count at which a
// persona is taken out of rotation.
const CircuitBreakerThreshold = 5

// System event types logged by the engine itself.
const (
	EventPersonaDisabled    = "persona_disabled"
	EventTriggerConfigError = "trigger_config_error"
	EventQueueFull          = "queue_full"
	EventDeliverySkipped    = "delivery_skipped"
	EventRetryScheduled     = "retry_scheduled"
	EventRetryAbandoned     = "retry_abandoned"
	EventStaleRecovered     = "stale_executions_recovered"
	EventRouterError        = "router_error"
	EventSchedulerError     = "scheduler_error"
	EventEventsPruned       = "events_pruned"
)

// SubmitOpts describes one execution request.
type SubmitOpts struct {
	PersonaID string
	TriggerID string
	Priority  protocol.Priority
	// Input is the request's input payload (JSON), e.g. a delivered
	// event's payload.
	Input string
	// Hops counts bus/action deliveries in this request's ancestry.
	Hops int
	// RetryOf and RetryCount carry healing retry lineage.
	RetryOf    string
	RetryCount int
	// TimeoutMS overrides the persona timeout when positive.
	TimeoutMS int64
	// DropIfBusy drops the request silently when the persona is at
	// capacity instead of queueing it. Used by the scheduler, whose next
	// tick produces a fresh request anyway.
	DropIfBusy bool
}

// Engine is the persona execution engine: dispatcher, scheduler, protocol
// router, and healing evaluation around a shared SQLite database.
type Engine struct {
	cfg      config.Config
	registry *persona.Registry
	run      *runner.Runner
	bus      *bus.Bus
	tracker  *tracker

	personas   *store.Personas
	triggers   *store.Triggers
	executions *store.Executions
	events     *store.Events
	subs       *store.Subscriptions
	issues     *store.Issues
	memories   *store.Memories
	messages   *store.UserMessages
	reviews    *store.Reviews

	nowFunc   func() time.Time
	sleepFunc func(ctx context.Context, d time.Duration) bool

	mu      sync.Mutex
	runCtx  context.Context
	cancels map[string]context.CancelFunc
	pending map[string]SubmitOpts
	tripped map[string]bool

	wg sync.WaitGroup
}

// New creates an Engine over db. The spawner is injected so tests can run
// executions without a real subprocess.
func New(cfg config.Config, db *sql.DB, registry *persona.Registry, spawner runner.Spawner) *Engine {
	e := &Engine{
		cfg:        cfg,
		registry:   registry,
		run:        runner.New(spawner),
		tracker:    newTracker(cfg.MaxQueueDepth),
		personas:   store.NewPersonas(db),
		triggers:   store.NewTriggers(db),
		executions: store.NewExecutions(db),
		events:     store.NewEvents(db),
		subs:       store.NewSubscriptions(db),
		issues:     store.NewIssues(db),
		memories:   store.NewMemories(db),
		messages:   store.NewUserMessages(db),
		reviews:    store.NewReviews(db),
		nowFunc:    time.Now,
		sleepFunc:  sleepCtx,
		runCtx:     context.Background(),
		cancels:    make(map[string]context.CancelFunc),
		pending:    make(map[string]SubmitOpts),
		tripped:    make(map[string]bool),
	}
	e.bus = bus.New(e.events, e.subs, e.deliver, cfg.MaxEventHops)
	return e
}

// Bus exposes the event bus for external publishers (CLI, webhook surface).
func (e *Engine) Bus() *bus.Bus { return e.bus }

// SetProgress routes live subprocess display lines to fn. Set before any
// execution starts.
func (e *Engine) SetProgress(fn runner.LineHandler) { e.run.OnLine = fn }

// SetNowFunc overrides the clock (for testing).
func (e *Engine) SetNowFunc(f func() time.Time) {
	e.nowFunc = f
	e.bus.SetNowFunc(f)
}

// SetSleepFunc overrides retry backoff sleeping (for testing).
func (e *Engine) SetSleepFunc(f func(ctx context.Context, d time.Duration) bool) {
	e.sleepFunc = f
}

// Start launches the background loops. They stop when ctx is cancelled.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	e.runCtx = ctx
	e.mu.Unlock()

	e.wg.Add(2)
	go func() {
		defer e.wg.Done()
		e.schedulerLoop(ctx)
	}()
	go func() {
		defer e.wg.Done()
		e.cleanupLoop(ctx)
	}()
}

// Wait blocks until all background loops and executions have finished.
func (e *Engine) Wait() { e.wg.Wait() }

func (e *Engine) runContext() context.Context {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runCtx
}

// Submit admits an execution request for a persona. It returns the new
// execution id, or "" when a DropIfBusy request was silently dropped.
func (e *Engine) Submit(ctx context.Context, opts SubmitOpts) (string, error) {
	def, ok := e.registry.Get(opts.PersonaID)
	if !ok || !def.Enabled || e.isTripped(opts.PersonaID) {
		return "", &protocol.PersonaDisabledError{PersonaID: opts.PersonaID}
	}
	if e.cfg.MaxEventHops > 0 && opts.Hops > e.cfg.MaxEventHops {
		return "", fmt.Errorf("request for persona %s exceeds max event hops (%d)",
			opts.PersonaID, e.cfg.MaxEventHops)
	}

	execID := uuid.NewString()
	row := protocol.Execution{
		ID:         execID,
		PersonaID:  opts.PersonaID,
		TriggerID:  opts.TriggerID,
		Status:     protocol.StatusQueued,
		StartedAt:  protocol.FormatTime(e.nowFunc()),
		RetryOf:    opts.RetryOf,
		RetryCount: opts.RetryCount,
	}

	if opts.DropIfBusy {
		if !e.tracker.TryAddRunning(opts.PersonaID, execID, def.MaxConcurrent) {
			return "", nil
		}
		if err := e.executions.Insert(ctx, row); err != nil {
			e.tracker.RemoveRunning(opts.PersonaID, execID)
			return "", err
		}
		e.startRun(execID, opts)
		return execID, nil
	}

	admit := e.tracker.Admit(opts.PersonaID, execID, def.MaxConcurrent, opts.Priority)
	if admit.Rejected {
		e.logEvent(ctx, EventQueueFull, protocol.SourceSystem, opts.PersonaID,
			fmt.Sprintf(`{"persona_id":%q,"max_depth":%d}`, opts.PersonaID, admit.MaxDepth))
		return "", &protocol.QueueFullError{PersonaID: opts.PersonaID, MaxDepth: admit.MaxDepth}
	}
	if err := e.executions.Insert(ctx, row); err != nil {
		if admit.Running {
			e.tracker.RemoveRunning(opts.PersonaID, execID)
		} else {
			e.tracker.RemoveQueued(opts.PersonaID, execID)
		}
		return "", err
	}

	if admit.Running {
		e.startRun(execID, opts)
	} else {
		e.mu.Lock()
		e.pending[execID] = opts
		e.mu.Unlock()
	}
	return execID, nil
}

// Cancel terminates a queued or running execution. Cancelled executions
// are terminal and never healed.
func (e *Engine) Cancel(ctx context.Context, execID string) error {
	exec, err := e.executions.Get(ctx, execID)
	if err != nil {
		return err
	}
	if protocol.IsTerminalStatus(exec.Status) {
		return fmt.Errorf("execution %s is already %s", execID, exec.Status)
	}

	if e.tracker.RemoveQueued(exec.PersonaID, execID) {
		e.mu.Lock()
		delete(e.pending, execID)
		e.mu.Unlock()
		exec.Status = protocol.StatusCancelled
		exec.EndedAt = protocol.FormatTime(e.nowFunc())
		exec.ExitCode = -1
		if exec.ToolSteps == "" {
			exec.ToolSteps = "[]"
		}
		return e.executions.Finish(ctx, exec)
	}

	e.mu.Lock()
	cancel, ok := e.cancels[execID]
	e.mu.Unlock()
	if !ok {
		return &protocol.ExecutionNotFoundError{ExecutionID: execID}
	}
	cancel()
	return nil
}

// RecoverStale marks executions left queued or running by a previous
// engine process as failed. Call once at startup, before Start.
func (e *Engine) RecoverStale(ctx context.Context) (int64, error) {
	n, err := e.executions.RecoverStale(ctx, protocol.FormatTime(e.nowFunc()))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		e.logEvent(ctx, EventStaleRecovered, protocol.SourceSystem, "",
			fmt.Sprintf(`{"count":%d}`, n))
	}
	return n, nil
}

// SyncRegistry mirrors the YAML registry into the database: personas,
// triggers (preserving next_fire_at), and subscriptions. Editing a
// persona's file re-arms its circuit breaker.
func (e *Engine) SyncRegistry(ctx context.Context) error {
	defs := e.registry.All()
	keep := make([]string, 0, len(defs))
	now := protocol.FormatTime(e.nowFunc())

	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	for _, def := range defs {
		keep = append(keep, def.ID)
		record(e.personas.Upsert(ctx, def.Persona, now))

		trigRows := make([]protocol.Trigger, 0, len(def.Triggers))
		for _, td := range def.Triggers {
			trigRows = append(trigRows, def.TriggerRow(td))
		}
		record(e.triggers.Sync(ctx, def.ID, trigRows))

		subRows := make([]protocol.Subscription, 0, len(def.Subscriptions))
		for _, sd := range def.Subscriptions {
			subRows = append(subRows, def.SubscriptionRow(sd))
		}
		record(e.subs.Sync(ctx, def.ID, subRows))

		if def.Enabled {
			e.mu.Lock()
			delete(e.tripped, def.ID)
			e.mu.Unlock()
		}
	}
	record(e.personas.Prune(ctx, keep))
	return firstErr
}

// deliver is the bus sink: a matched event delivery becomes an execution
// request with an incremented hop count.
func (e *Engine) deliver(ctx context.Context, req bus.Request) error {
	_, err := e.Submit(ctx, SubmitOpts{
		PersonaID: req.PersonaID,
		Priority:  protocol.PriorityNormal,
		Input:     req.Payload,
		Hops:      req.Hops + 1,
	})
	if err != nil {
		// Capacity and disabled-persona drops are expected backpressure,
		// not publish failures.
		e.logEvent(ctx, EventDeliverySkipped, protocol.SourceSystem, req.PersonaID,
			fmt.Sprintf(`{"event_id":%q,"subscription_id":%q,"reason":%q}`,
				req.EventID, req.SubscriptionID, err.Error()))
	}
	return nil
}

func (e *Engine) isTripped(personaID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tripped[personaID]
}

func (e *Engine) startRun(execID string, opts SubmitOpts) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.execute(execID, opts)
	}()
}

// execute runs one admitted execution to its terminal state.
func (e *Engine) execute(execID string, opts SubmitOpts) {
	ctx, cancel := context.WithCancel(e.runContext())
	e.mu.Lock()
	e.cancels[execID] = cancel
	e.mu.Unlock()
	defer func() {
		cancel()
		e.mu.Lock()
		delete(e.cancels, execID)
		e.mu.Unlock()
	}()

	// Store writes use a background context so a cancelled run still
	// records its terminal state.
	dbctx := context.Background()

	def, ok := e.registry.Get(opts.PersonaID)
	if !ok {
		e.finish(dbctx, execID, opts, 0, protocol.StatusFailed, runner.Result{
			ExitCode:  -1,
			ErrorText: fmt.Sprintf("persona %s removed before execution started", opts.PersonaID),
		}, 0)
		return
	}

	timeoutMS := opts.TimeoutMS
	if timeoutMS <= 0 {
		timeoutMS = def.TimeoutMS
	}
	if timeoutMS <= 0 {
		timeoutMS = e.cfg.DefaultTimeoutMS
	}

	_ = e.executions.SetStatus(dbctx, execID, protocol.StatusRunning)

	// The work dir is per persona, not per execution. With max_concurrent
	// above 1, concurrent runs of the same persona share it.
	workDir := filepath.Join(e.cfg.WorkDir, opts.PersonaID)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		e.finish(dbctx, execID, opts, def.MaxConcurrent, protocol.StatusFailed, runner.Result{
			ExitCode:  -1,
			ErrorText: fmt.Sprintf("failed to create work dir: %v", err),
		}, timeoutMS)
		return
	}

	cliCmd := def.CLICommand
	if cliCmd == "" {
		cliCmd = e.cfg.CLICommand
	}

	res, err := e.run.Run(ctx, runner.Request{
		ExecutionID: execID,
		PersonaID:   opts.PersonaID,
		Command:     cliCmd,
		Args:        cliArgs(),
		Prompt:      buildPrompt(def, opts.Input),
		WorkDir:     workDir,
		TimeoutMS:   timeoutMS,
	}, func(msg *protocol.Message) {
		e.routeMessage(execID, opts, msg)
	})
	if err != nil {
		res = runner.Result{ExitCode: -1, ErrorText: err.Error()}
	}

	e.finish(dbctx, execID, opts, def.MaxConcurrent, runner.AssessOutcome(res), res, timeoutMS)
}

// finish records the terminal state, frees the slot, publishes the system
// event, evaluates healing, and promotes the next queued execution.
func (e *Engine) finish(ctx context.Context, execID string, opts SubmitOpts, maxConcurrent int, status string, res runner.Result, timeoutMS int64) {
	output := res.Output
	if res.ErrorText != "" {
		output += "\n[error] " + res.ErrorText
	}

	toolSteps := "[]"
	if len(res.ToolSteps) > 0 {
		if b, err := json.Marshal(res.ToolSteps); err == nil {
			toolSteps = string(b)
		}
	}

	exec := protocol.Execution{
		ID:         execID,
		Status:     status,
		EndedAt:    protocol.FormatTime(e.nowFunc()),
		ExitCode:   res.ExitCode,
		Output:     output,
		ToolSteps:  toolSteps,
		DurationMS: res.DurationMS,
		Flows:      res.Flows,
	}
	if s := res.Summary; s != nil {
		exec.CostUSD = s.CostUSD
		exec.InputTokens = s.InputTokens
		exec.OutputTokens = s.OutputTokens
		exec.Model = s.Model
		exec.SessionID = s.SessionID
	}
	_ = e.executions.Finish(ctx, exec)

	e.tracker.RemoveRunning(opts.PersonaID, execID)

	switch status {
	case protocol.StatusCompleted:
		e.publishTerminal(ctx, protocol.EventExecutionCompleted, execID, opts, status)
	case protocol.StatusFailed, protocol.StatusIncomplete:
		e.publishTerminal(ctx, protocol.EventExecutionFailed, execID, opts, status)
		e.evaluateHealing(ctx, execID, opts, res, timeoutMS)
	case protocol.StatusCancelled:
		// User action; no system event, no healing.
	}

	e.drain(opts.PersonaID, maxConcurrent)
}

func (e *Engine) publishTerminal(ctx context.Context, eventType, execID string, opts SubmitOpts, status string) {
	payload := fmt.Sprintf(`{"execution_id":%q,"persona_id":%q,"status":%q}`,
		execID, opts.PersonaID, status)
	_ = e.bus.Publish(ctx, protocol.Event{
		EventType:  eventType,
		SourceType: protocol.SourcePersona,
		SourceID:   opts.PersonaID,
		Payload:    payload,
		Hops:       opts.Hops,
	})
}

// drain promotes the next queued execution into the freed slot.
func (e *Engine) drain(personaID string, maxConcurrent int) {
	next := e.tracker.DrainNext(personaID, maxConcurrent)
	if next == "" {
		return
	}
	e.mu.Lock()
	opts, ok := e.pending[next]
	delete(e.pending, next)
	e.mu.Unlock()
	if !ok {
		e.tracker.RemoveRunning(personaID, next)
		return
	}
	e.startRun(next, opts)
}

// evaluateHealing diagnoses a failed or incomplete execution, raises the
// issue, and schedules an automatic retry when the policy allows one.
func (e *Engine) evaluateHealing(ctx context.Context, execID string, opts SubmitOpts, res runner.Result, timeoutMS int64) {
	consecutive, err := e.executions.ConsecutiveFailures(ctx, opts.PersonaID)
	if err != nil {
		e.logEvent(ctx, EventSchedulerError, protocol.SourceSystem, opts.PersonaID,
			fmt.Sprintf(`{"error":%q}`, err.Error()))
		return
	}

	category := healing.Classify(res.ErrorText, res.TimedOut, res.SessionLimit)
	// consecutive includes the execution just recorded; Diagnose wants the
	// failures that came before it.
	diag := healing.Diagnose(category, res.ErrorText, timeoutMS, consecutive-1, opts.RetryCount)

	issueID := uuid.NewString()
	_ = e.issues.Insert(ctx, protocol.Issue{
		ID:           issueID,
		ExecutionID:  execID,
		PersonaID:    opts.PersonaID,
		Category:     string(diag.Category),
		Severity:     diag.Severity,
		Title:        diag.Title,
		Detail:       diag.Description,
		SuggestedFix: diag.SuggestedFix,
		RetryCount:   opts.RetryCount,
		CreatedAt:    protocol.FormatTime(e.nowFunc()),
	})

	if consecutive >= CircuitBreakerThreshold {
		e.tripBreaker(ctx, opts.PersonaID, consecutive)
		return
	}

	autoFix := healing.IsAutoFixable(category) &&
		consecutive < 3 &&
		opts.RetryCount < healing.MaxRetryCount
	if !autoFix || diag.Action == healing.ActionCreateIssue {
		return
	}
	_ = e.issues.MarkAutoFixed(ctx, issueID, opts.RetryCount+1)

	var delay time.Duration
	var timeoutOverride int64
	switch diag.Action {
	case healing.ActionRetryWithBackoff:
		delay = time.Duration(diag.DelaySecs) * time.Second
	case healing.ActionRetryWithTimeout:
		delay = 5 * time.Second
		timeoutOverride = diag.NewTimeoutMS
	}

	originalID := opts.RetryOf
	if originalID == "" {
		originalID = execID
	}
	e.scheduleRetry(opts, originalID, delay, timeoutOverride)
}

// scheduleRetry sleeps out the backoff and resubmits, re-checking that the
// persona is still enabled after the delay.
func (e *Engine) scheduleRetry(opts SubmitOpts, originalID string, delay time.Duration, timeoutOverride int64) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if !e.sleepFunc(e.runContext(), delay) {
			return
		}

		ctx := context.Background()
		def, ok := e.registry.Get(opts.PersonaID)
		if !ok || !def.Enabled || e.isTripped(opts.PersonaID) {
			e.logEvent(ctx, EventRetryAbandoned, protocol.SourceSystem, opts.PersonaID,
				fmt.Sprintf(`{"original_execution_id":%q}`, originalID))
			return
		}

		retryID, err := e.Submit(ctx, SubmitOpts{
			PersonaID:  opts.PersonaID,
			TriggerID:  opts.TriggerID,
			Priority:   protocol.PriorityUrgent,
			Input:      opts.Input,
			Hops:       opts.Hops,
			RetryOf:    originalID,
			RetryCount: opts.RetryCount + 1,
			TimeoutMS:  timeoutOverride,
		})
		if err != nil {
			e.logEvent(ctx, EventRetryAbandoned, protocol.SourceSystem, opts.PersonaID,
				fmt.Sprintf(`{"original_execution_id":%q,"error":%q}`, originalID, err.Error()))
			return
		}
		e.logEvent(ctx, EventRetryScheduled, protocol.SourceSystem, opts.PersonaID,
			fmt.Sprintf(`{"original_execution_id":%q,"retry_execution_id":%q,"retry_count":%d}`,
				originalID, retryID, opts.RetryCount+1))
	}()
}

// tripBreaker disables a repeatedly failing persona until an operator
// re-enables it by editing its definition.
func (e *Engine) tripBreaker(ctx context.Context, personaID string, consecutive int) {
	e.mu.Lock()
	already := e.tripped[personaID]
	e.tripped[personaID] = true
	e.mu.Unlock()
	if already {
		return
	}

	_ = e.personas.SetEnabled(ctx, personaID, false, protocol.FormatTime(e.nowFunc()))
	e.logEvent(ctx, EventPersonaDisabled, protocol.SourceSystem, personaID,
		fmt.Sprintf(`{"persona_id":%q,"consecutive_failures":%d,"severity":"critical"}`,
			personaID, consecutive))
}

// logEvent appends a system event row. The events table is the engine's
// durable log; failures to log are swallowed.
func (e *Engine) logEvent(ctx context.Context, eventType, sourceType, sourceID, payload string) {
	_ = e.events.Insert(ctx, protocol.Event{
		ID:         uuid.NewString(),
		EventType:  eventType,
		SourceType: sourceType,
		SourceID:   sourceID,
		Payload:    payload,
		CreatedAt:  protocol.FormatTime(e.nowFunc()),
	})
}

// sleepCtx sleeps for d, returning false if ctx was cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
