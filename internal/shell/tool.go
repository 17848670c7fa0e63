package shell

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Params is the tool-facing parameter shape, JSON-tagged for the agent's
// tool-call payloads.
type Params struct {
	Command string `json:"command"`

	// Description is a short model-written phrase shown to the user in
	// confirmation prompts and transcripts.
	Description string `json:"description,omitempty"`

	// TimeoutMS requests a foreground timeout; zero means the default and
	// oversized values are clamped.
	TimeoutMS int64 `json:"timeout_ms,omitempty"`

	RunInBackground bool `json:"run_in_background,omitempty"`
}

// Options configures an Engine. Zero values get sensible defaults.
type Options struct {
	Shell   string
	WorkDir string

	DefaultTimeout time.Duration
	MaxTimeout     time.Duration
	LaunchTimeout  time.Duration
	PollInterval   time.Duration
	PollDeadline   time.Duration
	TruncateBytes  int

	Analyzer Analyzer
	Logger   *zap.Logger
}

// Engine is the persistent shell-execution engine: one shell session, one
// FIFO queue, one executor. It satisfies the agent's tool contract via
// Execute, ShouldConfirm and Description.
type Engine struct {
	log     *zap.Logger
	sess    *Session
	q       *queue
	exec    *executor
	updates chan *Result

	mu      sync.Mutex
	closed  bool
	allowed map[string]bool // command roots the user approved for this engine's lifetime
}

// Roots that only ever read state; running them needs no confirmation.
var readOnlyRoots = map[string]bool{
	"ls": true, "pwd": true, "echo": true, "cat": true, "head": true,
	"tail": true, "wc": true, "grep": true, "find": true, "which": true,
	"date": true, "whoami": true, "env": true, "true": true, "false": true,
}

// New spawns the shell session and returns a ready engine.
func New(opts Options) (*Engine, error) {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	sess, err := NewSession(SessionOptions{
		Shell:   opts.Shell,
		WorkDir: opts.WorkDir,
		Logger:  log,
	})
	if err != nil {
		return nil, err
	}

	cfg := executorConfig{
		DefaultTimeout: opts.DefaultTimeout,
		MaxTimeout:     opts.MaxTimeout,
		LaunchTimeout:  opts.LaunchTimeout,
		PollInterval:   opts.PollInterval,
		PollDeadline:   opts.PollDeadline,
		TruncateBytes:  opts.TruncateBytes,
	}
	cfg.defaults()

	e := &Engine{
		log:     log,
		sess:    sess,
		q:       newQueue(log),
		updates: make(chan *Result, 16),
		allowed: map[string]bool{},
	}
	e.exec = &executor{
		sess:     sess,
		log:      log,
		cfg:      cfg,
		analyzer: opts.Analyzer,
		deliver:  e.deliverUpdate,
		tasks:    map[int]*backgroundTask{},
	}
	sess.setOnCrash(func() {
		e.q.drain(ErrCrash, crashMessage)
	})
	return e, nil
}

// Execute runs one command through the full pipeline and blocks until its
// promise resolves. Background commands resolve at launch confirmation;
// their final result arrives later on Updates. The error return is reserved
// for engine misuse (calling a closed engine); every command-level failure
// is a structured Result.
func (e *Engine) Execute(ctx context.Context, params Params, onChunk ChunkFunc) (*Result, error) {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return nil, newError(ErrLaunch, "engine is shut down")
	}

	// Validation failures never touch the queue or the shell.
	if verr := validate(params, e.exec.cfg.MaxTimeout); verr != nil {
		return &Result{
			Command:     params.Command,
			Status:      StatusError,
			Display:     verr.Message,
			Err:         verr,
			Cwd:         e.sess.Cwd(),
			StartedAt:   time.Now(),
			CompletedAt: time.Now(),
		}, nil
	}

	j := &job{
		ctx:     ctx,
		params:  params,
		prom:    newPromise(),
		onChunk: onChunk,
	}
	j.run = func(j *job) {
		defer e.q.release()
		if j.params.RunInBackground {
			e.exec.runBackground(j)
		} else {
			e.exec.runForeground(j)
		}
	}
	e.q.submit(j)
	return j.prom.wait(), nil
}

// Updates delivers late background results. The channel is buffered; when
// nobody is draining it, updates are dropped with a warning rather than
// blocking a poller.
func (e *Engine) Updates() <-chan *Result {
	return e.updates
}

func (e *Engine) deliverUpdate(r *Result) {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return
	}
	select {
	case e.updates <- r:
	default:
		e.log.Warn("updates channel full, background result dropped",
			zap.String("command", r.Command), zap.Int("pid", r.Pid))
	}
}

// ShouldConfirm reports whether the user must approve this command. Known
// read-only roots and roots the user already approved skip the prompt.
func (e *Engine) ShouldConfirm(params Params) bool {
	root := commandRoot(params.Command)
	if root == "" || readOnlyRoots[root] {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.allowed[root]
}

// AllowRoot records a user approval for a command root. The grant lives
// only as long as this engine instance.
func (e *Engine) AllowRoot(root string) {
	root = strings.ToLower(strings.TrimSpace(root))
	if root == "" {
		return
	}
	e.mu.Lock()
	e.allowed[root] = true
	e.mu.Unlock()
}

// Description returns the line shown for this invocation: the model's own
// phrasing when present, otherwise the command's first line.
func (e *Engine) Description(params Params) string {
	if d := strings.TrimSpace(params.Description); d != "" {
		return d
	}
	cmd := strings.TrimSpace(params.Command)
	if i := strings.IndexByte(cmd, '\n'); i >= 0 {
		cmd = cmd[:i] + " ..."
	}
	return cmd
}

// Cwd returns the engine's tracked working directory.
func (e *Engine) Cwd() string {
	return e.sess.Cwd()
}

// Close shuts the engine down: pending commands are cancelled, background
// pollers stopped and their temp files removed, then the shell is
// terminated gracefully with a kill fallback.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.q.close()
	e.exec.stopTasks()
	return e.sess.Close(ctx)
}
