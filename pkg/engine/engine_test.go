package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"personad/pkg/config"
	"personad/pkg/persona"
	"personad/pkg/protocol"
	"personad/pkg/runner"
	"personad/pkg/store"
)

// procScript describes one fake subprocess. Blocking processes hold their
// stdout open until released or killed.
type procScript struct {
	stdout string
	stderr string
	exit   int
	block  bool
}

type fakeProc struct {
	stdout io.Reader
	stderr string
	pipeW  *io.PipeWriter

	mu        sync.Mutex
	exit      int
	killed    bool
	input     string
	waitCh    chan struct{}
	closeOnce sync.Once
}

func newFakeProc(sc procScript) *fakeProc {
	p := &fakeProc{stderr: sc.stderr, exit: sc.exit, waitCh: make(chan struct{})}
	if sc.block {
		r, w := io.Pipe()
		p.stdout = r
		p.pipeW = w
		return p
	}
	p.stdout = strings.NewReader(sc.stdout)
	p.closeOnce.Do(func() { close(p.waitCh) })
	return p
}

func (p *fakeProc) Stdout() io.Reader { return p.stdout }
func (p *fakeProc) Stderr() io.Reader { return strings.NewReader(p.stderr) }

func (p *fakeProc) WriteInput(s string) error {
	p.mu.Lock()
	p.input += s
	p.mu.Unlock()
	return nil
}

func (p *fakeProc) wroteInput() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.input
}

func (p *fakeProc) Wait() error {
	<-p.waitCh
	return nil
}

func (p *fakeProc) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exit
}

func (p *fakeProc) Kill() error {
	p.mu.Lock()
	p.killed = true
	p.mu.Unlock()
	if p.pipeW != nil {
		_ = p.pipeW.Close()
	}
	p.closeOnce.Do(func() { close(p.waitCh) })
	return nil
}

// release finishes a blocking process: writes tail to stdout, sets the
// exit code, and lets Wait return.
func (p *fakeProc) release(tail string, exit int) {
	p.mu.Lock()
	p.exit = exit
	p.mu.Unlock()
	if p.pipeW != nil {
		_, _ = io.WriteString(p.pipeW, tail)
		_ = p.pipeW.Close()
	}
	p.closeOnce.Do(func() { close(p.waitCh) })
}

// stubSpawner pops one script per spawn, reusing the last script once the
// queue runs out.
type stubSpawner struct {
	mu      sync.Mutex
	scripts []procScript
	procs   []*fakeProc
	specs   []runner.SpawnSpec

	started chan *fakeProc
}

func newStubSpawner(scripts ...procScript) *stubSpawner {
	return &stubSpawner{scripts: scripts, started: make(chan *fakeProc, 32)}
}

func (s *stubSpawner) Spawn(_ context.Context, spec runner.SpawnSpec) (runner.Process, error) {
	s.mu.Lock()
	sc := s.scripts[0]
	if len(s.scripts) > 1 {
		s.scripts = s.scripts[1:]
	}
	p := newFakeProc(sc)
	s.procs = append(s.procs, p)
	s.specs = append(s.specs, spec)
	s.mu.Unlock()

	s.started <- p
	return p, nil
}

func (s *stubSpawner) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.procs)
}

func (s *stubSpawner) spec(i int) runner.SpawnSpec {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.specs[i]
}

func (s *stubSpawner) proc(i int) *fakeProc {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.procs[i]
}

func (s *stubSpawner) waitStarted(t *testing.T) *fakeProc {
	t.Helper()
	select {
	case p := <-s.started:
		return p
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for a process to start")
		return nil
	}
}

const okStream = `{"type":"system","subtype":"init","model":"test-model","session_id":"sess-1"}
{"type":"assistant","message":{"content":[{"type":"text","text":"all done"}]}}
{"type":"result","duration_ms":120,"total_cost_usd":0.02,"total_input_tokens":100,"total_output_tokens":40,"model":"test-model","session_id":"sess-1"}
`

const incompleteStream = `{"type":"assistant","message":{"content":[{"type":"text","text":"ran out of budget"}]}}
{"type":"result","duration_ms":90,"is_error":true,"subtype":"error_during_execution"}
`

// assistantLine renders one assistant text line of the output stream.
func assistantLine(text string) string {
	line := map[string]any{
		"type": "assistant",
		"message": map[string]any{
			"content": []any{map[string]any{"type": "text", "text": text}},
		},
	}
	b, _ := json.Marshal(line)
	return string(b)
}

type testEnv struct {
	t   *testing.T
	cfg config.Config
	db  *sql.DB
	reg *persona.Registry
	sp  *stubSpawner
	eng *Engine

	clockMu sync.Mutex
	now     time.Time
}

func newTestEnv(t *testing.T, sp *stubSpawner, yamls ...string) *testEnv {
	t.Helper()
	home := t.TempDir()
	personaDir := filepath.Join(home, "personas")
	if err := os.MkdirAll(personaDir, 0o755); err != nil {
		t.Fatal(err)
	}
	for i, y := range yamls {
		path := filepath.Join(personaDir, fmt.Sprintf("p%d.yaml", i))
		if err := os.WriteFile(path, []byte(y), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	db, err := store.Open(filepath.Join(home, "personad.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	reg := persona.NewRegistry(personaDir)
	if errs := reg.Reload(); len(errs) > 0 {
		t.Fatalf("reload personas: %v", errs)
	}

	cfg := config.Config{
		DBPath:             filepath.Join(home, "personad.db"),
		PersonaDir:         personaDir,
		WorkDir:            filepath.Join(home, "work"),
		CLICommand:         "agent",
		TickIntervalSecs:   5,
		DefaultTimeoutMS:   60_000,
		MaxQueueDepth:      10,
		MaxEventHops:       8,
		EventRetentionDays: 7,
	}

	env := &testEnv{
		t:   t,
		cfg: cfg,
		db:  db,
		reg: reg,
		sp:  sp,
		now: time.Date(2026, 2, 3, 12, 0, 0, 0, time.UTC),
	}

	eng := New(cfg, db, reg, sp)
	eng.SetNowFunc(env.nowFn)
	eng.SetSleepFunc(func(context.Context, time.Duration) bool { return true })
	if err := eng.SyncRegistry(context.Background()); err != nil {
		t.Fatalf("sync registry: %v", err)
	}
	env.eng = eng
	return env
}

func (env *testEnv) nowFn() time.Time {
	env.clockMu.Lock()
	defer env.clockMu.Unlock()
	return env.now
}

func (env *testEnv) advance(d time.Duration) {
	env.clockMu.Lock()
	env.now = env.now.Add(d)
	env.clockMu.Unlock()
}

func (env *testEnv) waitForStatus(execID, status string) protocol.Execution {
	env.t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	var last protocol.Execution
	for time.Now().Before(deadline) {
		exec, err := env.eng.executions.Get(context.Background(), execID)
		if err == nil {
			last = exec
			if exec.Status == status {
				return exec
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	env.t.Fatalf("execution %s never reached %s (last: %+v)", execID, status, last)
	return protocol.Execution{}
}

func (env *testEnv) waitFor(cond func() bool, what string) {
	env.t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	env.t.Fatalf("timed out waiting for %s", what)
}

func (env *testEnv) eventCount(eventType string) int {
	env.t.Helper()
	var n int
	err := env.db.QueryRow(`SELECT COUNT(*) FROM events WHERE event_type = ?`, eventType).Scan(&n)
	if err != nil {
		env.t.Fatalf("count events: %v", err)
	}
	return n
}

const workerYAML = `id: worker
name: Worker
enabled: true
max_concurrent: 1
prompt: Do the work.
`

func TestSubmitRunsToCompletion(t *testing.T) {
	t.Parallel()
	sp := newStubSpawner(procScript{stdout: okStream})
	env := newTestEnv(t, sp, workerYAML)

	execID, err := env.eng.Submit(context.Background(), SubmitOpts{
		PersonaID: "worker",
		Priority:  protocol.PriorityNormal,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	exec := env.waitForStatus(execID, protocol.StatusCompleted)
	if exec.ExitCode != 0 {
		t.Errorf("exit code = %d, want 0", exec.ExitCode)
	}
	if !strings.Contains(exec.Output, "all done") {
		t.Errorf("output %q missing stream text", exec.Output)
	}
	if exec.Model != "test-model" || exec.CostUSD != 0.02 {
		t.Errorf("summary not recorded: model=%q cost=%v", exec.Model, exec.CostUSD)
	}

	spec := sp.spec(0)
	if spec.Command != "agent" {
		t.Errorf("command = %q, want agent", spec.Command)
	}
	if want := filepath.Join(env.cfg.WorkDir, "worker"); spec.Dir != want {
		t.Errorf("workdir = %q, want %q", spec.Dir, want)
	}
	if _, err := os.Stat(spec.Dir); err != nil {
		t.Errorf("workdir was not created: %v", err)
	}

	env.waitFor(func() bool {
		return env.eventCount(protocol.EventExecutionCompleted) == 1
	}, "execution_completed event")
}

func TestSubmitDisabledPersona(t *testing.T) {
	t.Parallel()
	sp := newStubSpawner(procScript{stdout: okStream})
	env := newTestEnv(t, sp, `id: off
name: Off
enabled: false
prompt: Nope.
`)

	_, err := env.eng.Submit(context.Background(), SubmitOpts{PersonaID: "off"})
	var disabled *protocol.PersonaDisabledError
	if !errors.As(err, &disabled) {
		t.Fatalf("Submit = %v, want PersonaDisabledError", err)
	}
	if sp.count() != 0 {
		t.Errorf("spawn count = %d, want 0", sp.count())
	}
}

func TestMaxConcurrentQueuesSecondRequest(t *testing.T) {
	t.Parallel()
	sp := newStubSpawner(procScript{block: true})
	env := newTestEnv(t, sp, workerYAML)
	ctx := context.Background()

	idA, err := env.eng.Submit(ctx, SubmitOpts{PersonaID: "worker"})
	if err != nil {
		t.Fatalf("Submit A: %v", err)
	}
	procA := sp.waitStarted(t)

	idB, err := env.eng.Submit(ctx, SubmitOpts{PersonaID: "worker"})
	if err != nil {
		t.Fatalf("Submit B: %v", err)
	}
	execB, err := env.eng.executions.Get(ctx, idB)
	if err != nil {
		t.Fatal(err)
	}
	if execB.Status != protocol.StatusQueued {
		t.Fatalf("B status = %s, want queued while A runs", execB.Status)
	}
	if sp.count() != 1 {
		t.Fatalf("spawn count = %d, want 1 while A runs", sp.count())
	}

	procA.release(okStream, 0)
	env.waitForStatus(idA, protocol.StatusCompleted)

	procB := sp.waitStarted(t)
	procB.release(okStream, 0)
	env.waitForStatus(idB, protocol.StatusCompleted)
}

func TestCancelQueuedExecution(t *testing.T) {
	t.Parallel()
	sp := newStubSpawner(procScript{block: true})
	env := newTestEnv(t, sp, workerYAML)
	ctx := context.Background()

	idA, err := env.eng.Submit(ctx, SubmitOpts{PersonaID: "worker"})
	if err != nil {
		t.Fatal(err)
	}
	procA := sp.waitStarted(t)

	idB, err := env.eng.Submit(ctx, SubmitOpts{PersonaID: "worker"})
	if err != nil {
		t.Fatal(err)
	}
	if err := env.eng.Cancel(ctx, idB); err != nil {
		t.Fatalf("Cancel queued: %v", err)
	}
	execB := env.waitForStatus(idB, protocol.StatusCancelled)
	if execB.EndedAt == "" {
		t.Error("cancelled execution has no ended_at")
	}

	procA.release(okStream, 0)
	env.waitForStatus(idA, protocol.StatusCompleted)
	if sp.count() != 1 {
		t.Errorf("spawn count = %d, want 1; cancelled request must not run", sp.count())
	}
}

func TestCancelRunningExecution(t *testing.T) {
	t.Parallel()
	sp := newStubSpawner(procScript{block: true})
	env := newTestEnv(t, sp, workerYAML)
	ctx := context.Background()

	execID, err := env.eng.Submit(ctx, SubmitOpts{PersonaID: "worker"})
	if err != nil {
		t.Fatal(err)
	}
	sp.waitStarted(t)

	if err := env.eng.Cancel(ctx, execID); err != nil {
		t.Fatalf("Cancel running: %v", err)
	}
	env.waitForStatus(execID, protocol.StatusCancelled)

	issues, err := env.eng.issues.ListOpen(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(issues) != 0 {
		t.Errorf("cancellation raised %d issues, want 0", len(issues))
	}
	if n := env.eventCount(protocol.EventExecutionFailed); n != 0 {
		t.Errorf("execution_failed events = %d, want 0 for cancel", n)
	}
}

func TestRateLimitFailureRetriesOnce(t *testing.T) {
	t.Parallel()
	sp := newStubSpawner(
		procScript{stderr: "rate limit exceeded", exit: 1},
		procScript{stdout: okStream},
	)
	env := newTestEnv(t, sp, workerYAML)
	ctx := context.Background()

	firstID, err := env.eng.Submit(ctx, SubmitOpts{PersonaID: "worker"})
	if err != nil {
		t.Fatal(err)
	}
	first := env.waitForStatus(firstID, protocol.StatusFailed)
	if !strings.Contains(first.Output, "rate limit exceeded") {
		t.Errorf("failed output %q missing error text", first.Output)
	}

	var retry protocol.Execution
	env.waitFor(func() bool {
		list, err := env.eng.executions.ListRecent(ctx, store.ListOpts{PersonaID: "worker"})
		if err != nil {
			return false
		}
		for _, e := range list {
			if e.RetryOf == firstID && e.Status == protocol.StatusCompleted {
				retry = e
				return true
			}
		}
		return false
	}, "completed retry execution")

	if retry.RetryCount != 1 {
		t.Errorf("retry count = %d, want 1", retry.RetryCount)
	}

	issue, ok, err := env.eng.issues.OpenForExecution(ctx, firstID)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("no issue recorded for the failed execution")
	}
	if !issue.AutoFixed {
		t.Error("issue not marked auto-fixed")
	}
	if issue.Category != "rate_limit" {
		t.Errorf("issue category = %q, want rate_limit", issue.Category)
	}
}

func TestCredentialFailureNeverRetries(t *testing.T) {
	t.Parallel()
	sp := newStubSpawner(procScript{stderr: "401 unauthorized", exit: 1})
	env := newTestEnv(t, sp, workerYAML)
	ctx := context.Background()

	execID, err := env.eng.Submit(ctx, SubmitOpts{PersonaID: "worker"})
	if err != nil {
		t.Fatal(err)
	}
	env.waitForStatus(execID, protocol.StatusFailed)

	env.waitFor(func() bool {
		_, ok, err := env.eng.issues.OpenForExecution(ctx, execID)
		return err == nil && ok
	}, "credential issue")

	issue, _, err := env.eng.issues.OpenForExecution(ctx, execID)
	if err != nil {
		t.Fatal(err)
	}
	if issue.AutoFixed {
		t.Error("credential issue marked auto-fixed")
	}

	// A retry would spawn immediately with the instant sleep func.
	time.Sleep(50 * time.Millisecond)
	if sp.count() != 1 {
		t.Errorf("spawn count = %d, want 1; credential errors must not retry", sp.count())
	}
}

func TestCircuitBreakerDisablesPersona(t *testing.T) {
	t.Parallel()
	sp := newStubSpawner(procScript{stderr: "401 unauthorized", exit: 1})
	env := newTestEnv(t, sp, workerYAML)
	ctx := context.Background()

	for i := 0; i < CircuitBreakerThreshold; i++ {
		execID, err := env.eng.Submit(ctx, SubmitOpts{PersonaID: "worker"})
		if err != nil {
			t.Fatalf("Submit %d: %v", i, err)
		}
		env.waitForStatus(execID, protocol.StatusFailed)
	}

	env.waitFor(func() bool {
		return env.eventCount(EventPersonaDisabled) == 1
	}, "persona_disabled event")

	_, err := env.eng.Submit(ctx, SubmitOpts{PersonaID: "worker"})
	var disabled *protocol.PersonaDisabledError
	if !errors.As(err, &disabled) {
		t.Fatalf("Submit after trip = %v, want PersonaDisabledError", err)
	}

	row, err := env.eng.personas.Get(ctx, "worker")
	if err != nil {
		t.Fatal(err)
	}
	if row.Enabled {
		t.Error("persona row still enabled after circuit breaker tripped")
	}

	// Re-syncing an enabled definition re-arms the breaker.
	if err := env.eng.SyncRegistry(ctx); err != nil {
		t.Fatal(err)
	}
	rearmed, err := env.eng.Submit(ctx, SubmitOpts{PersonaID: "worker"})
	if err != nil {
		t.Fatalf("Submit after re-sync = %v, want admitted", err)
	}
	env.waitForStatus(rearmed, protocol.StatusFailed)
}

func TestIncompleteOutcomeRaisesIssue(t *testing.T) {
	t.Parallel()
	sp := newStubSpawner(procScript{stdout: incompleteStream})
	env := newTestEnv(t, sp, workerYAML)
	ctx := context.Background()

	execID, err := env.eng.Submit(ctx, SubmitOpts{PersonaID: "worker"})
	if err != nil {
		t.Fatal(err)
	}
	exec := env.waitForStatus(execID, protocol.StatusIncomplete)
	if exec.ExitCode != 0 {
		t.Errorf("exit code = %d, want 0 for incomplete", exec.ExitCode)
	}

	env.waitFor(func() bool {
		_, ok, err := env.eng.issues.OpenForExecution(ctx, execID)
		return err == nil && ok
	}, "incomplete issue")
	env.waitFor(func() bool {
		return env.eventCount(protocol.EventExecutionFailed) == 1
	}, "execution_failed event for incomplete")
}

func TestTimeoutMarksFailed(t *testing.T) {
	t.Parallel()
	sp := newStubSpawner(procScript{block: true})
	env := newTestEnv(t, sp, `id: slow
name: Slow
enabled: true
max_concurrent: 1
timeout_ms: 100
prompt: Take forever.
`)
	ctx := context.Background()

	execID, err := env.eng.Submit(ctx, SubmitOpts{PersonaID: "slow"})
	if err != nil {
		t.Fatal(err)
	}
	sp.waitStarted(t)

	exec := env.waitForStatus(execID, protocol.StatusFailed)
	if !strings.Contains(exec.Output, "timed out") {
		t.Errorf("output %q missing timeout error", exec.Output)
	}
	env.waitFor(func() bool {
		_, ok, err := env.eng.issues.OpenForExecution(ctx, execID)
		return err == nil && ok
	}, "timeout issue")
}

const pollingYAML = `id: poller
name: Poller
enabled: true
max_concurrent: 1
prompt: Poll the thing.
triggers:
  - id: poll-1
    kind: polling
    interval_seconds: 300
`

func TestTickSeedsThenFiresPollingTrigger(t *testing.T) {
	t.Parallel()
	sp := newStubSpawner(procScript{stdout: okStream})
	env := newTestEnv(t, sp, pollingYAML)
	ctx := context.Background()
	t0 := env.nowFn()

	// First tick seeds next_fire_at without firing.
	env.eng.Tick(ctx)
	trig, err := env.eng.triggers.Get(ctx, "poll-1")
	if err != nil {
		t.Fatal(err)
	}
	if want := protocol.FormatTime(t0.Add(300 * time.Second)); trig.NextFireAt != want {
		t.Fatalf("seeded next_fire_at = %q, want %q", trig.NextFireAt, want)
	}
	if sp.count() != 0 {
		t.Fatalf("spawn count = %d after seed tick, want 0", sp.count())
	}

	// Not due yet.
	env.advance(100 * time.Second)
	env.eng.Tick(ctx)
	if sp.count() != 0 {
		t.Fatalf("spawn count = %d before due time, want 0", sp.count())
	}

	// Due: advance first, then dispatch.
	env.advance(200 * time.Second)
	env.eng.Tick(ctx)
	trig, err = env.eng.triggers.Get(ctx, "poll-1")
	if err != nil {
		t.Fatal(err)
	}
	if want := protocol.FormatTime(t0.Add(600 * time.Second)); trig.NextFireAt != want {
		t.Errorf("advanced next_fire_at = %q, want %q", trig.NextFireAt, want)
	}

	env.waitFor(func() bool {
		list, err := env.eng.executions.ListRecent(ctx, store.ListOpts{PersonaID: "poller"})
		return err == nil && len(list) == 1 && list[0].Status == protocol.StatusCompleted
	}, "triggered execution")
	if n := env.eventCount(protocol.DefaultTriggerEventType); n != 1 {
		t.Errorf("trigger_fired events = %d, want 1", n)
	}
}

func TestTickFiresCronSchedule(t *testing.T) {
	t.Parallel()
	sp := newStubSpawner(procScript{stdout: okStream})
	env := newTestEnv(t, sp, `id: nightly
name: Nightly
enabled: true
prompt: Nightly run.
triggers:
  - id: cron-1
    kind: schedule
    cron: "0 9 * * *"
    event_type: nightly_check
`)
	ctx := context.Background()

	env.eng.Tick(ctx)
	trig, err := env.eng.triggers.Get(ctx, "cron-1")
	if err != nil {
		t.Fatal(err)
	}
	// Clock starts at 12:00 UTC, so the next 09:00 is tomorrow.
	if want := "2026-02-04T09:00:00Z"; trig.NextFireAt != want {
		t.Fatalf("next_fire_at = %q, want %q", trig.NextFireAt, want)
	}

	env.advance(21 * time.Hour)
	env.eng.Tick(ctx)

	env.waitFor(func() bool {
		list, err := env.eng.executions.ListRecent(ctx, store.ListOpts{PersonaID: "nightly"})
		return err == nil && len(list) == 1
	}, "cron-triggered execution")
	if n := env.eventCount("nightly_check"); n != 1 {
		t.Errorf("nightly_check events = %d, want 1", n)
	}

	trig, err = env.eng.triggers.Get(ctx, "cron-1")
	if err != nil {
		t.Fatal(err)
	}
	if want := "2026-02-05T09:00:00Z"; trig.NextFireAt != want {
		t.Errorf("advanced next_fire_at = %q, want %q", trig.NextFireAt, want)
	}
}

func TestTickDropsFireWhenPersonaBusy(t *testing.T) {
	t.Parallel()
	sp := newStubSpawner(procScript{block: true})
	env := newTestEnv(t, sp, pollingYAML)
	ctx := context.Background()

	env.eng.Tick(ctx)
	env.advance(300 * time.Second)
	env.eng.Tick(ctx)
	proc := sp.waitStarted(t)

	// The persona is at capacity; the next fire is dropped, not queued.
	env.advance(300 * time.Second)
	env.eng.Tick(ctx)
	time.Sleep(50 * time.Millisecond)
	if sp.count() != 1 {
		t.Fatalf("spawn count = %d, want 1 while busy", sp.count())
	}
	list, err := env.eng.executions.ListRecent(ctx, store.ListOpts{PersonaID: "poller"})
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 {
		t.Fatalf("execution count = %d, want 1; busy fire must leave no row", len(list))
	}

	// next_fire_at still advanced, so the trigger recovers on its own.
	trig, err := env.eng.triggers.Get(ctx, "poll-1")
	if err != nil {
		t.Fatal(err)
	}
	if want := protocol.FormatTime(env.nowFn().Add(300 * time.Second)); trig.NextFireAt != want {
		t.Errorf("next_fire_at = %q, want %q", trig.NextFireAt, want)
	}

	proc.release(okStream, 0)
	env.waitFor(func() bool {
		return env.eventCount(protocol.EventExecutionCompleted) == 1
	}, "released execution to finish")
}

func TestTickDisablesBadTriggerConfig(t *testing.T) {
	t.Parallel()
	sp := newStubSpawner(procScript{stdout: okStream})
	env := newTestEnv(t, sp, `id: broken
name: Broken
enabled: true
prompt: Misconfigured.
triggers:
  - id: bad-1
    kind: schedule
`)
	ctx := context.Background()

	env.eng.Tick(ctx)

	trig, err := env.eng.triggers.Get(ctx, "bad-1")
	if err != nil {
		t.Fatal(err)
	}
	if trig.Enabled {
		t.Error("trigger with invalid config still enabled")
	}
	if n := env.eventCount(EventTriggerConfigError); n != 1 {
		t.Errorf("trigger_config_error events = %d, want 1", n)
	}
	if sp.count() != 0 {
		t.Errorf("spawn count = %d, want 0", sp.count())
	}
}

func TestCompletionEventReachesSubscriber(t *testing.T) {
	t.Parallel()
	sp := newStubSpawner(procScript{stdout: okStream})
	env := newTestEnv(t, sp, workerYAML, `id: watcher
name: Watcher
enabled: true
max_concurrent: 1
prompt: Watch the worker.
subscriptions:
  - event_type: execution_completed
    source_filter: worker
`)
	ctx := context.Background()

	execID, err := env.eng.Submit(ctx, SubmitOpts{PersonaID: "worker"})
	if err != nil {
		t.Fatal(err)
	}
	env.waitForStatus(execID, protocol.StatusCompleted)

	var watched protocol.Execution
	env.waitFor(func() bool {
		list, err := env.eng.executions.ListRecent(ctx, store.ListOpts{PersonaID: "watcher"})
		if err != nil || len(list) != 1 {
			return false
		}
		watched = list[0]
		return watched.Status == protocol.StatusCompleted
	}, "subscriber execution")

	if got, want := sp.spec(1).Dir, filepath.Join(env.cfg.WorkDir, "watcher"); got != want {
		t.Errorf("subscriber workdir = %q, want %q", got, want)
	}
	// Watcher's own completion event must not loop back to itself.
	time.Sleep(50 * time.Millisecond)
	if sp.count() != 2 {
		t.Errorf("spawn count = %d, want 2", sp.count())
	}
}

func TestProtocolMessagesLandInStores(t *testing.T) {
	t.Parallel()
	stream := strings.Join([]string{
		assistantLine(`{"user_message":{"title":"Status","content":"all clear"}}`),
		assistantLine(`{"agent_memory":{"title":"lesson","content":"retry later","tags":["infra","flaky"]}}`),
		assistantLine(`{"manual_review":{"title":"odd diff","severity":"high","suggested_actions":["inspect"]}}`),
		assistantLine(`{"emit_event":{"type":"custom_signal","data":{"n":1}}}`),
		`{"type":"result","duration_ms":50}`,
	}, "\n") + "\n"

	sp := newStubSpawner(procScript{stdout: stream})
	env := newTestEnv(t, sp, workerYAML)
	ctx := context.Background()

	execID, err := env.eng.Submit(ctx, SubmitOpts{PersonaID: "worker"})
	if err != nil {
		t.Fatal(err)
	}
	env.waitForStatus(execID, protocol.StatusCompleted)

	msgs, err := env.eng.messages.ListRecent(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Content != "all clear" {
		t.Errorf("user messages = %+v, want one with content 'all clear'", msgs)
	}

	mems, err := env.eng.memories.ListByPersona(ctx, "worker", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(mems) != 1 || !strings.Contains(mems[0].Tags, "flaky") {
		t.Errorf("memories = %+v, want one tagged flaky", mems)
	}

	reviews, err := env.eng.reviews.ListPending(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(reviews) != 1 || reviews[0].Severity != "high" {
		t.Errorf("reviews = %+v, want one with severity high", reviews)
	}

	if n := env.eventCount("custom_signal"); n != 1 {
		t.Errorf("custom_signal events = %d, want 1", n)
	}

	// Handled messages leave an audit trail in the events table.
	if n := env.eventCount(protocol.KeyUserMessage); n != 1 {
		t.Errorf("user_message events = %d, want 1", n)
	}
	if n := env.eventCount(protocol.KeyManualReview); n != 1 {
		t.Errorf("manual_review events = %d, want 1", n)
	}
}

const helperYAML = `id: helper
name: Helper
enabled: true
max_concurrent: 1
prompt: Help out.
`

func TestPersonaActionSpawnsTargetExecution(t *testing.T) {
	t.Parallel()
	stream := strings.Join([]string{
		assistantLine(`{"persona_action":{"target":"helper","action":"run","input":{"task":"cleanup"}}}`),
		`{"type":"result","duration_ms":30}`,
	}, "\n") + "\n"

	sp := newStubSpawner(procScript{stdout: stream}, procScript{stdout: okStream})
	env := newTestEnv(t, sp, workerYAML, helperYAML)
	ctx := context.Background()

	execID, err := env.eng.Submit(ctx, SubmitOpts{PersonaID: "worker"})
	if err != nil {
		t.Fatal(err)
	}
	env.waitForStatus(execID, protocol.StatusCompleted)

	var helperExecs []protocol.Execution
	env.waitFor(func() bool {
		helperExecs, _ = env.eng.executions.ListRecent(ctx, store.ListOpts{PersonaID: "helper"})
		return len(helperExecs) == 1 && helperExecs[0].Status == protocol.StatusCompleted
	}, "helper execution to complete")

	if n := env.eventCount(protocol.KeyPersonaAction); n != 1 {
		t.Errorf("persona_action events = %d, want 1", n)
	}
	prompt := sp.proc(1).wroteInput()
	if !strings.Contains(prompt, "cleanup") {
		t.Errorf("helper prompt missing forwarded input: %q", prompt)
	}
}

func TestRecoverStaleAtStartup(t *testing.T) {
	t.Parallel()
	sp := newStubSpawner(procScript{stdout: okStream})
	env := newTestEnv(t, sp, workerYAML)
	ctx := context.Background()

	stale := protocol.Execution{
		ID:        "stale-1",
		PersonaID: "worker",
		Status:    protocol.StatusQueued,
		StartedAt: protocol.FormatTime(env.nowFn().Add(-time.Hour)),
	}
	if err := env.eng.executions.Insert(ctx, stale); err != nil {
		t.Fatal(err)
	}
	if err := env.eng.executions.SetStatus(ctx, "stale-1", protocol.StatusRunning); err != nil {
		t.Fatal(err)
	}

	n, err := env.eng.RecoverStale(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("recovered = %d, want 1", n)
	}
	exec, err := env.eng.executions.Get(ctx, "stale-1")
	if err != nil {
		t.Fatal(err)
	}
	if exec.Status != protocol.StatusFailed {
		t.Errorf("stale status = %s, want failed", exec.Status)
	}
	if n := env.eventCount(EventStaleRecovered); n != 1 {
		t.Errorf("stale_executions_recovered events = %d, want 1", n)
	}
}

func TestPromptCarriesPersonaAndInput(t *testing.T) {
	t.Parallel()

	def := persona.Definition{Persona: protocol.Persona{
		ID: "p", Name: "Checker", Prompt: "Check the deploys.",
	}}
	got := buildPrompt(def, `{"trigger_id":"t-1"}`)

	for _, want := range []string{
		"# Persona: Checker",
		"Check the deploys.",
		`{"trigger_id":"t-1"}`,
		"user_message",
		"emit_event",
		"execution_flow",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("prompt missing %q", want)
		}
	}

	if got := buildPrompt(def, "{}"); strings.Contains(got, "## Input") {
		t.Error("empty input must not add an input section")
	}
}
