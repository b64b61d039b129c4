// Package proc abstracts external process supervision so the capture and
// probe code never touch os/exec directly, keeping the actual executable
// swappable in tests.
package proc

import (
	"context"
	"os/exec"
	"time"
)

// Handle is a running process.
type Handle interface {
	// Wait returns a channel that delivers the process exit error (nil for
	// exit code 0) exactly once and is then closed.
	Wait() <-chan error
	// Terminate asks the process to exit, waiting up to grace before killing
	// it outright.
	Terminate(grace time.Duration)
}

// Runner starts external processes.
type Runner interface {
	Start(ctx context.Context, name string, args ...string) (Handle, error)
	// Output runs a process to completion and returns its stdout, honouring
	// ctx cancellation with a forced kill.
	Output(ctx context.Context, name string, args ...string) ([]byte, error)
}

type execRunner struct{}

// NewRunner returns the os/exec-backed Runner.
func NewRunner() Runner {
	return execRunner{}
}

func (execRunner) Start(ctx context.Context, name string, args ...string) (Handle, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	h := &execHandle{cmd: cmd, done: make(chan error, 1)}
	go func() {
		h.done <- cmd.Wait()
		close(h.done)
	}()
	return h, nil
}

func (execRunner) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

type execHandle struct {
	cmd  *exec.Cmd
	done chan error
}

// Wait's channel delivers the exit error to the first receiver; later
// receivers observe the closed channel (nil), which is enough for "has it
// exited" checks.
func (h *execHandle) Wait() <-chan error {
	return h.done
}

// Terminate sends an interrupt-style stop, escalating to a kill after grace.
// In-flight output (e.g. a partially written capture segment) gets a chance
// to be flushed before the process dies.
func (h *execHandle) Terminate(grace time.Duration) {
	if h.cmd.Process == nil {
		return
	}
	_ = h.cmd.Process.Signal(terminateSignal)
	select {
	case <-h.Wait():
	case <-time.After(grace):
		_ = h.cmd.Process.Kill()
		<-h.Wait()
	}
}
