package shell

import (
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ChunkFunc receives incremental, marker-stripped output while a foreground
// command is running. Callbacks must be fast; they run on the pump path.
type ChunkFunc func(stderr bool, data []byte)

type executorConfig struct {
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration
	LaunchTimeout  time.Duration
	PollInterval   time.Duration
	PollDeadline   time.Duration
	TruncateBytes  int
}

func (c *executorConfig) defaults() {
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 30 * time.Minute
	}
	if c.MaxTimeout <= 0 {
		c.MaxTimeout = 60 * time.Minute
	}
	if c.LaunchTimeout <= 0 {
		c.LaunchTimeout = 10 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.PollDeadline <= 0 {
		c.PollDeadline = 24 * time.Hour
	}
	if c.TruncateBytes <= 0 {
		c.TruncateBytes = 2 << 20
	}
}

// executor runs one job at a time against the session. The queue guarantees
// its foreground path is never entered concurrently; background pollers run
// off to the side and only touch the task registry.
type executor struct {
	sess     *Session
	log      *zap.Logger
	cfg      executorConfig
	analyzer Analyzer
	deliver  func(*Result)

	taskMu sync.Mutex
	tasks  map[int]*backgroundTask
}

// clampTimeout maps a caller-supplied millisecond value onto the configured
// window: zero means default, oversized values are clamped to the cap.
func (e *executor) clampTimeout(ms int64) time.Duration {
	if ms <= 0 {
		return e.cfg.DefaultTimeout
	}
	d := time.Duration(ms) * time.Millisecond
	if d > e.cfg.MaxTimeout {
		return e.cfg.MaxTimeout
	}
	return d
}

// interruptSettle is how long the executor waits, after writing the
// interrupt byte, for the shell to unwind and emit the end marker so the
// partial capture is as complete as possible.
const interruptSettle = 2 * time.Second

func (e *executor) runForeground(j *job) {
	started := time.Now()
	timeout := e.clampTimeout(j.params.TimeoutMS)

	if err := e.sess.Ready(j.ctx); err != nil {
		j.prom.resolve(e.readyFailure(j, started, err))
		return
	}

	fr := newFrame()
	p := newParser(fr, false)
	if j.onChunk != nil {
		p.onData = j.onChunk
	}
	exited := e.sess.exitedChan()
	if err := e.sess.attach(p); err != nil {
		e.log.Error("sink already attached, serialization invariant broken", zap.Error(err))
		j.prom.resolve(errResult(j.params.Command, ErrProtocol, StatusError,
			"internal inconsistency: %v", err))
		return
	}
	defer e.sess.detach()

	if err := e.sess.Write([]byte(fr.foregroundWrapper(j.params.Command))); err != nil {
		j.prom.resolve(e.writeFailure(j, started, err))
		return
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var res *Result
	select {
	case <-p.done:
		res = e.foregroundResult(j, p, started)

	case <-timer.C:
		e.log.Warn("foreground command timed out",
			zap.String("command", j.params.Command),
			zap.Duration("timeout", timeout))
		_ = e.sess.Interrupt()
		select {
		case <-p.done:
		case <-time.After(interruptSettle):
		}
		stdout, stderr, _, _ := p.snapshot()
		res = &Result{
			Command:     j.params.Command,
			Status:      StatusTimeout,
			Stdout:      truncateMiddle(stdout, e.cfg.TruncateBytes),
			Stderr:      truncateMiddle(stderr, e.cfg.TruncateBytes),
			Err:         newError(ErrTimeout, "command did not finish within %s", timeout),
			StartedAt:   started,
			CompletedAt: time.Now(),
		}
		// The interrupt is best effort and the command may have ignored
		// it; say so instead of pretending the shell is in a known state.
		res.Display = "Command timed out after " + timeout.String() +
			". An interrupt was sent; the shell's state may be inconsistent."

	case <-j.ctx.Done():
		_ = e.sess.Interrupt()
		select {
		case <-p.done:
		case <-time.After(interruptSettle):
		}
		stdout, stderr, _, _ := p.snapshot()
		res = &Result{
			Command:     j.params.Command,
			Status:      StatusCancelled,
			Stdout:      truncateMiddle(stdout, e.cfg.TruncateBytes),
			Stderr:      truncateMiddle(stderr, e.cfg.TruncateBytes),
			Display:     "Command cancelled.",
			Err:         newError(ErrLaunch, "cancelled: %v", j.ctx.Err()),
			StartedAt:   started,
			CompletedAt: time.Now(),
		}

	case <-exited:
		stdout, stderr, _, _ := p.snapshot()
		res = &Result{
			Command:     j.params.Command,
			Status:      StatusError,
			Stdout:      truncateMiddle(stdout, e.cfg.TruncateBytes),
			Stderr:      truncateMiddle(stderr, e.cfg.TruncateBytes),
			Display:     crashMessage,
			Err:         newError(ErrCrash, crashMessage),
			StartedAt:   started,
			CompletedAt: time.Now(),
		}
	}

	// The parser must be off the session before the cwd probe attaches its
	// own sink.
	e.sess.detach()
	if res.Status == StatusSuccess || maybeChangesDir(j.params.Command) {
		if err := e.refreshCwd(); err != nil {
			e.log.Warn("working directory probe failed", zap.Error(err))
		}
	}
	res.Cwd = e.sess.Cwd()
	j.prom.resolve(res)
}

// foregroundResult interprets a cleanly closed frame.
func (e *executor) foregroundResult(j *job, p *parser, started time.Time) *Result {
	stdout, stderr, exitCode, _ := p.snapshot()
	res := &Result{
		Command:     j.params.Command,
		ExitCode:    exitCode,
		Stdout:      truncateMiddle(stdout, e.cfg.TruncateBytes),
		Stderr:      truncateMiddle(stderr, e.cfg.TruncateBytes),
		StartedAt:   started,
		CompletedAt: time.Now(),
	}
	if exitCode == nil {
		// The frame closed without an exit marker. The wrapper makes this
		// impossible in a healthy shell, so treat it as an internal fault
		// and substitute a sentinel exit code rather than leaving it open.
		e.log.Error("frame closed without an exit status",
			zap.String("command", j.params.Command))
		perr := newError(ErrProtocol, "output frame closed without an exit status")
		res.Status = StatusError
		res.ExitCode = intPtr(-1)
		res.Err = perr
		res.Display = perr.Message
		return res
	}
	if *exitCode == 0 {
		res.Status = StatusSuccess
	} else {
		res.Status = StatusError
	}
	res.Display = buildDisplay(res.Stdout, res.Stderr, exitCode)
	return res
}

func (e *executor) readyFailure(j *job, started time.Time, err error) *Result {
	var res *Result
	switch {
	case j.ctx.Err() != nil:
		res = errResult(j.params.Command, ErrLaunch, StatusCancelled,
			"cancelled before execution: %v", err)
	case isErrKind(err, ErrCrash):
		res = errResult(j.params.Command, ErrCrash, StatusError, "%v", err)
	default:
		res = errResult(j.params.Command, ErrLaunch, StatusError, "shell not ready: %v", err)
	}
	res.StartedAt = started
	return res
}

func isErrKind(err error, kind ErrorKind) bool {
	se, ok := err.(*Error)
	return ok && se.Kind == kind
}

func (e *executor) writeFailure(j *job, started time.Time, err error) *Result {
	var res *Result
	if isErrKind(err, ErrCrash) {
		res = errResult(j.params.Command, ErrCrash, StatusError, "%s", crashMessage)
	} else {
		res = errResult(j.params.Command, ErrLaunch, StatusError, "failed to submit command: %v", err)
	}
	res.StartedAt = started
	return res
}

// maybeChangesDir reports whether the command mentions a directory-changing
// word anywhere in its text. Failed commands are only probed when this is
// true; a partially executed `cd /a && broken` may still have moved.
func maybeChangesDir(command string) bool {
	for _, f := range strings.Fields(command) {
		switch strings.TrimLeft(f, "({[!;&|") {
		case "cd", "pushd", "popd":
			return true
		}
	}
	return false
}
