package runner

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"
)

// These tests spawn real shell processes through CLISpawner.

func TestRunTimeoutKillsProcessTree(t *testing.T) {
	t.Parallel()
	workDir := t.TempDir()

	// The shell backgrounds a long sleep and records its pid. Without a
	// process group kill the sleep survives, keeps the pipes open, and
	// Run blocks until the sleep exits.
	r := New(&CLISpawner{})
	start := time.Now()
	res, err := r.Run(context.Background(), Request{
		ExecutionID: "exec-pgid",
		PersonaID:   "p1",
		Command:     "sh",
		Args:        []string{"-c", "sleep 30 & echo $! > pid; wait"},
		Prompt:      "ignored",
		WorkDir:     workDir,
		TimeoutMS:   500,
	}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.TimedOut {
		t.Fatalf("TimedOut = false, want true (result: %+v)", res)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Fatalf("Run took %s, want well under the child's 30s sleep", elapsed)
	}

	data, readErr := os.ReadFile(filepath.Join(workDir, "pid"))
	if readErr != nil {
		t.Fatalf("read child pid file: %v", readErr)
	}
	childPID, convErr := strconv.Atoi(strings.TrimSpace(string(data)))
	if convErr != nil {
		t.Fatalf("parse child pid %q: %v", data, convErr)
	}

	// Give the kill a moment to land, then probe with signal 0.
	time.Sleep(200 * time.Millisecond)
	if sigErr := syscall.Kill(childPID, 0); sigErr == nil {
		_ = syscall.Kill(childPID, syscall.SIGKILL)
		t.Fatalf("child process %d still running after timeout kill", childPID)
	}
}

func TestRunCapturesFullStderr(t *testing.T) {
	t.Parallel()

	// 64 KiB exceeds the pipe buffer, so the read must complete before
	// Wait closes the pipes or the tail is lost.
	const stderrBytes = 64 * 1024
	r := New(&CLISpawner{})
	res, err := r.Run(context.Background(), Request{
		ExecutionID: "exec-stderr",
		PersonaID:   "p1",
		Command:     "sh",
		Args:        []string{"-c", `head -c 65536 /dev/zero | tr '\0' 'x' >&2; exit 3`},
		Prompt:      "ignored",
		WorkDir:     t.TempDir(),
		TimeoutMS:   30_000,
	}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.ExitCode != 3 {
		t.Fatalf("ExitCode = %d, want 3", res.ExitCode)
	}
	if len(res.Stderr) != stderrBytes {
		t.Fatalf("Stderr length = %d, want %d", len(res.Stderr), stderrBytes)
	}
}
