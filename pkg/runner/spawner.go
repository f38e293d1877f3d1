// Package runner executes a persona's CLI subprocess: it feeds the prompt
// on stdin, parses the line-oriented output stream, surfaces embedded
// protocol messages mid-stream, and assembles the terminal result.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// SpawnSpec describes one CLI invocation.
type SpawnSpec struct {
	Command string
	Args    []string
	Dir     string
	Env     []string // appended to the inherited environment
}

// Spawner abstracts CLI invocation for testing.
type Spawner interface {
	Spawn(ctx context.Context, spec SpawnSpec) (Process, error)
}

// Process abstracts a running subprocess.
type Process interface {
	Stdout() io.Reader
	Stderr() io.Reader
	WriteInput(input string) error
	Wait() error
	ExitCode() int
	Kill() error
}

// ErrCommandNotFound wraps a spawn failure caused by a missing CLI binary.
var ErrCommandNotFound = errors.New("command not found")

// CLISpawner is the production Spawner that invokes the configured CLI.
type CLISpawner struct{}

// Spawn starts the CLI subprocess with piped stdin, stdout, and stderr.
func (s *CLISpawner) Spawn(ctx context.Context, spec SpawnSpec) (Process, error) {
	cmd := exec.CommandContext(ctx, spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}
	// Own process group so Kill can terminate the entire tree, not just
	// the CLI itself. WaitDelay bounds Wait when an orphaned descendant
	// still holds the inherited pipe fds open.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.WaitDelay = 5 * time.Second

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return nil, fmt.Errorf("%s: %w", spec.Command, ErrCommandNotFound)
		}
		return nil, fmt.Errorf("start %s: %w", spec.Command, err)
	}
	return &cmdProcess{cmd: cmd, stdin: stdin, stdout: stdout, stderr: stderr}, nil
}

// cmdProcess wraps *exec.Cmd to implement the Process interface.
type cmdProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader
	stderr io.Reader
}

// Stdout returns the subprocess stdout stream.
func (p *cmdProcess) Stdout() io.Reader { return p.stdout }

// Stderr returns the subprocess stderr stream.
func (p *cmdProcess) Stderr() io.Reader { return p.stderr }

// WriteInput writes input to stdin and closes it, signalling end of prompt.
func (p *cmdProcess) WriteInput(input string) error {
	if _, err := io.WriteString(p.stdin, input); err != nil {
		_ = p.stdin.Close()
		return fmt.Errorf("write prompt: %w", err)
	}
	if err := p.stdin.Close(); err != nil {
		return fmt.Errorf("close stdin: %w", err)
	}
	return nil
}

// Wait blocks until the subprocess exits.
func (p *cmdProcess) Wait() error {
	if err := p.cmd.Wait(); err != nil {
		return fmt.Errorf("subprocess wait: %w", err)
	}
	return nil
}

// ExitCode returns the exit code of the finished subprocess, -1 if it was
// killed or has not exited.
func (p *cmdProcess) ExitCode() int {
	if p.cmd.ProcessState == nil {
		return -1
	}
	return p.cmd.ProcessState.ExitCode()
}

// Kill terminates the subprocess and its descendants immediately.
func (p *cmdProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	// Signal the whole process group (negative pid) so background
	// children spawned by the CLI die with it. Fall back to a direct
	// kill if the group signal fails.
	if err := syscall.Kill(-p.cmd.Process.Pid, syscall.SIGKILL); err != nil {
		if killErr := p.cmd.Process.Kill(); killErr != nil {
			return fmt.Errorf("kill subprocess: %w", killErr)
		}
	}
	return nil
}
