package shell

import "fmt"

// ErrorKind classifies engine failures. Every failure mode resolves the
// in-flight command with a structured result; kinds exist so callers can
// branch without string matching.
type ErrorKind string

const (
	ErrValidation ErrorKind = "validation"
	ErrLaunch     ErrorKind = "launch"
	ErrTimeout    ErrorKind = "timeout"
	ErrCrash      ErrorKind = "crash"
	ErrProtocol   ErrorKind = "protocol"
	ErrFileIO     ErrorKind = "file_io"
)

// Error is the only error type the engine attaches to results.
type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func newError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// crashMessage is the text attached to commands cancelled by a session
// crash. Callers relay it to the model so it knows shell state is gone.
const crashMessage = "shell session lost: all session state (cwd, env, background jobs) has been reset"
