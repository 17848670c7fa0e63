package shell

import (
	"context"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"
)

// streamSink receives raw chunks from the session's output pipes. At most
// one sink is attached at any instant; the queue's single-flight discipline
// is what makes that invariant hold.
type streamSink interface {
	OnStdout([]byte)
	OnStderr([]byte)
}

// SessionOptions configures the persistent shell process.
type SessionOptions struct {
	Shell        string
	WorkDir      string
	ReadyGrace   time.Duration // process must survive this long to be ready
	RespawnDelay time.Duration // pause before respawning a crashed shell
	Logger       *zap.Logger
}

func (o *SessionOptions) defaults() {
	if o.Shell == "" {
		o.Shell = "bash"
		if _, err := exec.LookPath(o.Shell); err != nil {
			o.Shell = "sh"
		}
	}
	if o.WorkDir == "" {
		o.WorkDir, _ = os.Getwd()
	}
	if o.ReadyGrace <= 0 {
		o.ReadyGrace = 250 * time.Millisecond
	}
	if o.RespawnDelay <= 0 {
		o.RespawnDelay = time.Second
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// Session owns the single persistent interactive shell process. It is
// spawned with plain pipes, not a pty: the engine needs stdout and stderr
// demultiplexed separately, which a pty cannot provide.
type Session struct {
	opts SessionOptions
	log  *zap.Logger

	mu        sync.Mutex
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	alive     bool
	closing   bool
	dead      bool // crash loop exhausted; no further respawns
	gen       int  // process generation, guards against stale exits
	restarts  int
	lastSpawn time.Time
	fastExits int
	ready     chan struct{} // closed once the current process is confirmed alive
	exited    chan struct{} // closed when the current process exits
	sink      streamSink
	cwd       string

	// onCrash is invoked (without the session lock held) whenever the
	// process exits unexpectedly. The engine uses it to drain the queue.
	onCrash func()
}

// NewSession spawns the shell and starts its readiness grace period.
func NewSession(opts SessionOptions) (*Session, error) {
	opts.defaults()
	s := &Session{
		opts:  opts,
		log:   opts.Logger,
		ready: make(chan struct{}),
		cwd:   opts.WorkDir,
	}
	s.mu.Lock()
	err := s.spawnLocked()
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return s, nil
}

// spawnLocked starts a fresh shell process. Caller holds s.mu.
func (s *Session) spawnLocked() error {
	cmd := exec.Command(s.opts.Shell)
	cmd.Dir = s.cwd
	cmd.Env = os.Environ()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return newError(ErrLaunch, "stdin pipe: %v", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return newError(ErrLaunch, "stdout pipe: %v", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return newError(ErrLaunch, "stderr pipe: %v", err)
	}
	if err := cmd.Start(); err != nil {
		return newError(ErrLaunch, "spawn %s: %v", s.opts.Shell, err)
	}

	s.gen++
	gen := s.gen
	s.cmd = cmd
	s.stdin = stdin
	s.alive = true
	s.lastSpawn = time.Now()
	s.exited = make(chan struct{})
	exited := s.exited

	s.log.Info("shell session spawned",
		zap.String("shell", s.opts.Shell),
		zap.Int("pid", cmd.Process.Pid),
		zap.Int("restarts", s.restarts))

	go s.pump(stdout, gen, false)
	go s.pump(stderr, gen, true)

	// Readiness: the process must survive a short grace period. The gate is
	// re-armed on every exit, so callers always wait on the current process.
	ready := s.ready
	go func() {
		time.Sleep(s.opts.ReadyGrace)
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.gen == gen && s.alive {
			close(ready)
		}
	}()

	go func() {
		err := cmd.Wait()
		s.handleExit(gen, exited, err)
	}()
	return nil
}

// pump copies one output pipe into whatever sink is currently attached.
// Chunks are copied because sinks may retain them past this read.
func (s *Session) pump(r io.Reader, gen int, isStderr bool) {
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			s.mu.Lock()
			sink := s.sink
			cur := s.gen
			s.mu.Unlock()
			if sink != nil && cur == gen {
				chunk := append([]byte(nil), buf[:n]...)
				if isStderr {
					sink.OnStderr(chunk)
				} else {
					sink.OnStdout(chunk)
				}
			}
		}
		if err != nil {
			return
		}
	}
}

func (s *Session) handleExit(gen int, exited chan struct{}, err error) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.alive = false
	close(exited)
	if s.closing {
		s.mu.Unlock()
		return
	}

	// Re-arm the readiness gate before anything can observe the dead state.
	s.ready = make(chan struct{})
	s.restarts++
	if time.Since(s.lastSpawn) < 5*time.Second {
		s.fastExits++
	} else {
		s.fastExits = 0
	}
	fatal := s.fastExits >= 3
	if fatal {
		s.dead = true
	}
	onCrash := s.onCrash
	s.mu.Unlock()

	s.log.Warn("shell session exited unexpectedly",
		zap.Error(err),
		zap.Int("restarts", s.restarts),
		zap.Bool("fatal_crash_loop", fatal))

	if onCrash != nil {
		onCrash()
	}
	if fatal {
		return
	}

	time.AfterFunc(s.opts.RespawnDelay, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closing || s.dead || s.alive {
			return
		}
		if err := s.spawnLocked(); err != nil {
			s.dead = true
			s.log.Error("shell session respawn failed", zap.Error(err))
		}
	})
}

// Ready blocks until the current shell process has survived its grace
// period, the context is done, or the session is permanently dead. The
// readiness channel is re-armed on every exit, so each pass re-reads it;
// waking on the exit channel covers a crash that happens while a waiter is
// already parked on the pre-crash gate.
func (s *Session) Ready(ctx context.Context) error {
	for {
		s.mu.Lock()
		ch, exited, dead := s.ready, s.exited, s.dead
		s.mu.Unlock()
		if dead {
			return newError(ErrCrash, "shell session is permanently dead after repeated crashes")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
			return nil
		case <-exited:
			// The process died under us. Its exit channel stays closed
			// until the respawn installs a new one, so pause before
			// re-reading the gate instead of spinning through the delay.
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(50 * time.Millisecond):
			}
		}
	}
}

// Write sends bytes to the shell's stdin.
func (s *Session) Write(p []byte) error {
	s.mu.Lock()
	stdin, alive := s.stdin, s.alive
	s.mu.Unlock()
	if !alive {
		return newError(ErrCrash, "shell session is not running")
	}
	if _, err := stdin.Write(p); err != nil {
		return newError(ErrLaunch, "write to shell stdin: %v", err)
	}
	return nil
}

// Interrupt writes a single ETX byte to the shell's input. This is a
// best-effort nudge at the foreground job, not an OS-level signal; the
// command may ignore it and the shell's state afterwards is uncertain.
// The trailing newline keeps the byte on an input line of its own, so
// when the shell ignores it the stray byte cannot concatenate with the
// next framed command and swallow its start marker.
func (s *Session) Interrupt() error {
	return s.Write([]byte{0x03, '\n'})
}

// attach installs the exclusive stream sink. It fails if another sink is
// already attached, which would mean the serialization invariant broke.
func (s *Session) attach(sink streamSink) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sink != nil {
		return newError(ErrProtocol, "a stream sink is already attached")
	}
	s.sink = sink
	return nil
}

func (s *Session) detach() {
	s.mu.Lock()
	s.sink = nil
	s.mu.Unlock()
}

// Cwd returns the tracked working directory.
func (s *Session) Cwd() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cwd
}

func (s *Session) setCwd(dir string) {
	s.mu.Lock()
	s.cwd = dir
	s.mu.Unlock()
}

// Alive reports whether the shell process is currently running.
func (s *Session) Alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.alive
}

// Restarts returns how many times the session has respawned.
func (s *Session) Restarts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restarts
}

// Pid returns the shell process id, or 0 when not running.
func (s *Session) Pid() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd == nil || s.cmd.Process == nil || !s.alive {
		return 0
	}
	return s.cmd.Process.Pid
}

// exitedChan snapshots the current process's exit channel. Callers select
// on it to notice a crash while a command is in flight.
func (s *Session) exitedChan() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exited
}

func (s *Session) setOnCrash(fn func()) {
	s.mu.Lock()
	s.onCrash = fn
	s.mu.Unlock()
}

// Close tears the session down: listeners are removed first so no callback
// fires against a dying process, then graceful termination via stdin EOF,
// then a kill after the grace window.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return nil
	}
	s.closing = true
	s.sink = nil
	stdin := s.stdin
	proc := s.cmd.Process
	exited := s.exited
	alive := s.alive
	s.mu.Unlock()

	if !alive {
		return nil
	}
	_ = stdin.Close()

	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if d := time.Until(dl); d < grace {
			grace = d
		}
	}
	select {
	case <-exited:
		return nil
	case <-time.After(grace):
	case <-ctx.Done():
	}
	if proc != nil {
		_ = proc.Kill()
	}
	return nil
}
