package shell

import (
	"fmt"
	"strings"
	"time"
)

// Status is the terminal state of one logical command invocation.
type Status string

const (
	StatusSuccess   Status = "success"
	StatusError     Status = "error"
	StatusTimeout   Status = "timeout"
	StatusCancelled Status = "cancelled"

	// StatusLaunched is the immediate resolution of a background command.
	// The matching final result arrives later on Engine.Updates.
	StatusLaunched Status = "launched"
)

// Result is the externally visible outcome of one command.
type Result struct {
	Command string
	Status  Status

	// ExitCode is nil when the command never produced one (validation
	// failure, crash, launch failure).
	ExitCode *int

	Stdout string
	Stderr string

	// Display is a short human-readable line for UI/transcripts.
	Display string

	// Cwd is the tracked working directory after the command, when known.
	Cwd string

	// Pid is set for background launches and background final results.
	Pid int

	// Err is nil on success; otherwise a *shell.Error.
	Err error

	StartedAt   time.Time
	CompletedAt time.Time
}

// Ok reports whether the command ran and exited zero.
func (r *Result) Ok() bool {
	return r != nil && r.Status == StatusSuccess && r.ExitCode != nil && *r.ExitCode == 0
}

func intPtr(v int) *int { return &v }

// buildDisplay prefers stderr content, then stdout, then a generic marker.
func buildDisplay(stdout, stderr string, exitCode *int) string {
	if s := strings.TrimSpace(stderr); s != "" {
		return firstLines(s, 5)
	}
	if s := strings.TrimSpace(stdout); s != "" {
		return firstLines(s, 5)
	}
	if exitCode != nil && *exitCode != 0 {
		return fmt.Sprintf("Command exited with code %d", *exitCode)
	}
	return "Command completed."
}

func firstLines(s string, n int) string {
	lines := strings.Split(s, "\n")
	if len(lines) <= n {
		return s
	}
	return strings.Join(lines[:n], "\n") + "\n..."
}

func errResult(cmd string, kind ErrorKind, status Status, format string, args ...any) *Result {
	e := newError(kind, format, args...)
	return &Result{
		Command:     cmd,
		Status:      status,
		Display:     e.Message,
		Err:         e,
		CompletedAt: time.Now(),
	}
}

// truncateMiddle keeps the head and tail of oversized output. Background
// captures can be arbitrarily large; the middle is the least useful part.
func truncateMiddle(s string, maxBytes int) string {
	if maxBytes <= 0 || len(s) <= maxBytes {
		return s
	}
	head := maxBytes / 2
	tail := maxBytes - head
	return s[:head] + fmt.Sprintf("\n... [%d bytes truncated] ...\n", len(s)-maxBytes) + s[len(s)-tail:]
}
