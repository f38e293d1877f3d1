package runner

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"personad/pkg/protocol"
)

// DefaultTimeoutMS bounds executions whose persona sets no timeout.
const DefaultTimeoutMS = 600_000

// maxLineBytes caps a single stdout line; tool results can be large.
const maxLineBytes = 1 << 20

// outputPreviewLimit caps the tool output preview stored on a step.
const outputPreviewLimit = 500

// Request describes one persona execution.
type Request struct {
	ExecutionID string
	PersonaID   string
	Command     string
	Args        []string
	Prompt      string
	WorkDir     string
	TimeoutMS   int64
	Env         []string
}

// Result is everything one run produced. ErrorText is empty on success.
type Result struct {
	ExitCode     int
	TimedOut     bool
	Cancelled    bool
	SessionLimit bool
	ErrorText    string
	Output       string
	Stderr       string
	ToolSteps    []protocol.ToolStep
	ToolCounts   map[string]int
	Flows        string
	DurationMS   int64
	Summary      *protocol.ResultSummary
}

// MessageHandler receives embedded protocol messages as they appear in the
// output stream, in stream order.
type MessageHandler func(msg *protocol.Message)

// LineHandler receives human-readable progress lines.
type LineHandler func(line string)

// Runner runs persona executions through a Spawner.
type Runner struct {
	spawner Spawner

	// OnLine, when set, receives display lines for live progress.
	OnLine LineHandler
}

// New creates a Runner that spawns subprocesses through spawner.
func New(spawner Spawner) *Runner {
	return &Runner{spawner: spawner}
}

// Run executes one request to completion. The returned error covers only
// infrastructure faults; a failing subprocess comes back as a Result with
// ErrorText set.
func (r *Runner) Run(ctx context.Context, req Request, onMessage MessageHandler) (Result, error) {
	start := time.Now()

	timeoutMS := req.TimeoutMS
	if timeoutMS <= 0 {
		timeoutMS = DefaultTimeoutMS
	}

	proc, err := r.spawner.Spawn(ctx, SpawnSpec{
		Command: req.Command,
		Args:    req.Args,
		Dir:     req.WorkDir,
		Env:     req.Env,
	})
	if err != nil {
		res := Result{ExitCode: -1, DurationMS: time.Since(start).Milliseconds()}
		if errors.Is(err, ErrCommandNotFound) {
			res.ErrorText = fmt.Sprintf("CLI command not found: %s", req.Command)
		} else {
			res.ErrorText = fmt.Sprintf("failed to spawn CLI: %v", err)
		}
		return res, nil
	}

	if err := proc.WriteInput(req.Prompt); err != nil {
		_ = proc.Kill()
		_ = proc.Wait()
		return Result{
			ExitCode:   -1,
			DurationMS: time.Since(start).Milliseconds(),
			ErrorText:  fmt.Sprintf("failed to write prompt: %v", err),
		}, nil
	}

	// Read stderr in the background; it is consulted only after exit.
	stderrCh := make(chan string, 1)
	go func() {
		data, _ := io.ReadAll(proc.Stderr())
		stderrCh <- string(data)
	}()

	// Read stdout lines in a goroutine so the loop can select on the
	// context and the timeout.
	lineCh := make(chan string, 64)
	go func() {
		scanner := bufio.NewScanner(proc.Stdout())
		scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
		for scanner.Scan() {
			lineCh <- scanner.Text()
		}
		close(lineCh)
	}()

	var (
		st        streamState
		timedOut  bool
		cancelled bool
	)
	timer := time.NewTimer(time.Duration(timeoutMS) * time.Millisecond)
	defer timer.Stop()

loop:
	for {
		select {
		case <-ctx.Done():
			cancelled = true
			_ = proc.Kill()
			break loop
		case <-timer.C:
			timedOut = true
			_ = proc.Kill()
			break loop
		case line, ok := <-lineCh:
			if !ok {
				break loop
			}
			r.handleLine(&st, line, start, onMessage)
		}
	}
	// Let the scanner goroutine finish; lines after a kill are discarded.
	for range lineCh {
	}

	// Pipe reads must finish before Wait, which closes the pipes.
	stderrText := <-stderrCh
	_ = proc.Wait()
	durationMS := time.Since(start).Milliseconds()
	exitCode := proc.ExitCode()

	res := Result{
		ExitCode:   exitCode,
		TimedOut:   timedOut,
		Cancelled:  cancelled,
		Output:     st.output.String(),
		Stderr:     strings.TrimSpace(stderrText),
		ToolSteps:  st.toolSteps,
		ToolCounts: protocol.CountToolUsage(st.toolLines),
		DurationMS: durationMS,
		Summary:    st.summary,
	}
	res.Flows = protocol.ExtractFlows(res.Output)

	switch {
	case cancelled:
		res.ErrorText = "execution cancelled"
	case timedOut:
		res.ErrorText = fmt.Sprintf("execution timed out after %ds", timeoutMS/1000)
	case exitCode != 0:
		if protocol.IsSessionLimitError(stderrText) {
			res.SessionLimit = true
			res.ErrorText = "session limit reached"
		} else {
			res.ErrorText = fmt.Sprintf("execution failed (exit code %d): %s", exitCode, res.Stderr)
		}
	}
	return res, nil
}

// streamState accumulates per-run stream parsing state.
type streamState struct {
	output    strings.Builder
	toolSteps []protocol.ToolStep
	toolLines []protocol.StreamLine
	summary   *protocol.ResultSummary
}

// handleLine parses one stdout line and folds it into the stream state.
func (r *Runner) handleLine(st *streamState, line string, start time.Time, onMessage MessageHandler) {
	if strings.TrimSpace(line) == "" {
		return
	}

	parsed := protocol.ParseStreamLine(line)
	if r.OnLine != nil && parsed.Display != "" {
		r.OnLine(parsed.Display)
	}

	switch parsed.Kind {
	case protocol.StreamToolUse:
		st.toolLines = append(st.toolLines, parsed)
		st.toolSteps = append(st.toolSteps, protocol.ToolStep{
			StepIndex:    len(st.toolSteps) + 1,
			ToolName:     parsed.ToolName,
			InputPreview: parsed.InputPreview,
			StartedAtMS:  time.Since(start).Milliseconds(),
		})

	case protocol.StreamToolResult:
		// Attribute the result to the most recent open step.
		if n := len(st.toolSteps); n > 0 && st.toolSteps[n-1].DurationMS == 0 {
			last := &st.toolSteps[n-1]
			preview := parsed.ContentPreview
			if len(preview) > outputPreviewLimit {
				preview = preview[:outputPreviewLimit] + "..."
			}
			last.OutputPreview = preview
			elapsed := time.Since(start).Milliseconds()
			last.DurationMS = elapsed - last.StartedAtMS
			if last.DurationMS <= 0 {
				last.DurationMS = 1
			}
		}

	case protocol.StreamResult:
		st.summary = parsed.Result

	case protocol.StreamText:
		for _, textLine := range strings.Split(parsed.Text, "\n") {
			st.output.WriteString(textLine)
			st.output.WriteString("\n")
			if onMessage != nil {
				if msg := protocol.ExtractMessage(textLine); msg != nil {
					onMessage(msg)
				}
			}
		}
	}
}
