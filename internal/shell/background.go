package shell

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"
)

// pidGrace covers the stdout/stderr ordering race: the end marker travels
// on stdout while the pid marker travels on stderr, so the pid may arrive
// a beat after the frame closes.
const pidGrace = 2 * time.Second

// Analyzer summarizes a finished background command's captured output.
// Implementations live outside this package; a nil analyzer disables
// summarization and the raw capture is used for display instead.
type Analyzer interface {
	Summarize(ctx context.Context, req AnalyzeRequest) (string, error)
}

// AnalyzeRequest describes one finished background command.
type AnalyzeRequest struct {
	Command    string
	Pid        int
	ExitCode   *int
	StdoutPath string
	StderrPath string
}

// backgroundTask is one detached command being watched by its own poller
// goroutine. Cleanup of the temp files must happen exactly once no matter
// which path (normal exit, poll deadline, engine shutdown) gets there first.
type backgroundTask struct {
	pid     int
	command string
	token   string

	stdoutPath string
	stderrPath string
	exitPath   string

	startedAt   time.Time
	cleanupOnce sync.Once
	stop        chan struct{}
}

func (t *backgroundTask) cleanup(log *zap.Logger) {
	t.cleanupOnce.Do(func() {
		for _, p := range []string{t.stdoutPath, t.stderrPath, t.exitPath} {
			if p == "" {
				continue
			}
			if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
				log.Warn("background temp file not removed",
					zap.String("path", p), zap.Error(err))
			}
		}
	})
}

func (e *executor) runBackground(j *job) {
	started := time.Now()

	if err := e.sess.Ready(j.ctx); err != nil {
		j.prom.resolve(e.readyFailure(j, started, err))
		return
	}

	fr := newFrame()
	dir := os.TempDir()
	task := &backgroundTask{
		command:    j.params.Command,
		token:      fr.token,
		stdoutPath: filepath.Join(dir, "shellbox-"+fr.token+".out"),
		stderrPath: filepath.Join(dir, "shellbox-"+fr.token+".err"),
		exitPath:   filepath.Join(dir, "shellbox-"+fr.token+".ec"),
		startedAt:  started,
		stop:       make(chan struct{}),
	}
	for _, p := range []string{task.stdoutPath, task.stderrPath} {
		f, err := os.Create(p)
		if err != nil {
			task.cleanup(e.log)
			res := errResult(j.params.Command, ErrFileIO, StatusError,
				"cannot create background capture file: %v", err)
			res.StartedAt = started
			j.prom.resolve(res)
			return
		}
		f.Close()
	}

	p := newParser(fr, true)
	if j.onChunk != nil {
		p.onData = j.onChunk
	}
	exited := e.sess.exitedChan()
	if err := e.sess.attach(p); err != nil {
		task.cleanup(e.log)
		e.log.Error("sink already attached, serialization invariant broken", zap.Error(err))
		j.prom.resolve(errResult(j.params.Command, ErrProtocol, StatusError,
			"internal inconsistency: %v", err))
		return
	}
	defer e.sess.detach()

	wrapper := fr.backgroundWrapper(j.params.Command, task.stdoutPath, task.stderrPath, task.exitPath)
	if err := e.sess.Write([]byte(wrapper)); err != nil {
		task.cleanup(e.log)
		j.prom.resolve(e.writeFailure(j, started, err))
		return
	}

	timer := time.NewTimer(e.cfg.LaunchTimeout)
	defer timer.Stop()

	select {
	case <-p.done:
	case <-timer.C:
		_ = e.sess.Interrupt()
		task.cleanup(e.log)
		res := errResult(j.params.Command, ErrTimeout, StatusTimeout,
			"background launch did not confirm within %s", e.cfg.LaunchTimeout)
		res.StartedAt = started
		j.prom.resolve(res)
		return
	case <-j.ctx.Done():
		task.cleanup(e.log)
		res := errResult(j.params.Command, ErrLaunch, StatusCancelled,
			"cancelled during background launch: %v", j.ctx.Err())
		res.StartedAt = started
		j.prom.resolve(res)
		return
	case <-exited:
		task.cleanup(e.log)
		res := errResult(j.params.Command, ErrCrash, StatusError, "%s", crashMessage)
		res.StartedAt = started
		j.prom.resolve(res)
		return
	}

	// Frame closed; give the pid marker its cross-stream grace.
	select {
	case <-p.pidSet:
	case <-time.After(pidGrace):
	}
	_, _, launchCode, pid := p.snapshot()
	if lerr := launchError(launchCode, pid); lerr != nil {
		task.cleanup(e.log)
		if lerr.Kind == ErrProtocol {
			e.log.Error("background launch frame closed without a status code",
				zap.String("command", j.params.Command))
		}
		res := errResult(j.params.Command, lerr.Kind, StatusError, "%s", lerr.Message)
		res.StartedAt = started
		j.prom.resolve(res)
		return
	}

	task.pid = *pid
	e.registerTask(task)
	go e.pollTask(task)

	e.log.Info("background command launched",
		zap.String("command", j.params.Command),
		zap.Int("pid", task.pid))
	j.prom.resolve(&Result{
		Command:     j.params.Command,
		Status:      StatusLaunched,
		Pid:         task.pid,
		Cwd:         e.sess.Cwd(),
		Display:     fmt.Sprintf("Command launched in background (pid %d). The result will be reported when it finishes.", task.pid),
		StartedAt:   started,
		CompletedAt: time.Now(),
	})
}

// launchError decides whether a closed launch frame counts as a successful
// background launch: the status marker must have arrived, carry zero, and a
// pid must have been captured. A frame that closed without a status code is
// a protocol fault, not a plain launch failure.
func launchError(launchCode, pid *int) *Error {
	switch {
	case launchCode == nil:
		return newError(ErrProtocol, "background launch frame closed without a status code")
	case *launchCode != 0:
		return newError(ErrLaunch, "background launch failed with status %d", *launchCode)
	case pid == nil:
		return newError(ErrLaunch, "background launch reported no pid")
	}
	return nil
}

func (e *executor) registerTask(t *backgroundTask) {
	e.taskMu.Lock()
	e.tasks[t.pid] = t
	e.taskMu.Unlock()
}

func (e *executor) unregisterTask(t *backgroundTask) {
	e.taskMu.Lock()
	delete(e.tasks, t.pid)
	e.taskMu.Unlock()
}

// stopTasks aborts every live poller and removes their temp files. Used on
// engine shutdown.
func (e *executor) stopTasks() {
	e.taskMu.Lock()
	tasks := make([]*backgroundTask, 0, len(e.tasks))
	for _, t := range e.tasks {
		tasks = append(tasks, t)
	}
	e.tasks = map[int]*backgroundTask{}
	e.taskMu.Unlock()

	for _, t := range tasks {
		close(t.stop)
		t.cleanup(e.log)
	}
}

// pollTask watches one detached pid until it disappears, then gathers the
// capture files, asks the analyzer for a summary, and delivers the final
// result. Each task polls independently; overlap between tasks is allowed.
func (e *executor) pollTask(t *backgroundTask) {
	defer e.unregisterTask(t)
	defer t.cleanup(e.log)

	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()
	deadline := time.NewTimer(e.cfg.PollDeadline)
	defer deadline.Stop()

	for {
		select {
		case <-t.stop:
			return
		case <-deadline.C:
			e.log.Warn("background poll deadline exceeded",
				zap.Int("pid", t.pid), zap.String("command", t.command))
			e.deliver(&Result{
				Command:     t.command,
				Status:      StatusTimeout,
				Pid:         t.pid,
				Display:     fmt.Sprintf("Background command (pid %d) still running after %s; gave up watching it.", t.pid, e.cfg.PollDeadline),
				Err:         newError(ErrTimeout, "background command outlived the poll deadline"),
				StartedAt:   t.startedAt,
				CompletedAt: time.Now(),
			})
			return
		case <-ticker.C:
			if pidRunning(t.pid) {
				continue
			}
			e.deliver(e.finishTask(t))
			return
		}
	}
}

// finishTask builds the final result for an exited background command.
func (e *executor) finishTask(t *backgroundTask) *Result {
	res := &Result{
		Command:     t.command,
		Pid:         t.pid,
		StartedAt:   t.startedAt,
		CompletedAt: time.Now(),
	}
	res.ExitCode = readExitFile(t.exitPath)
	if res.ExitCode != nil && *res.ExitCode == 0 {
		res.Status = StatusSuccess
	} else {
		res.Status = StatusError
	}

	// Capture-read failures degrade to a warning; they never block the
	// resolution the caller is waiting on.
	var readErr error
	res.Stdout, readErr = readCapped(t.stdoutPath, e.cfg.TruncateBytes)
	if readErr == nil {
		res.Stderr, readErr = readCapped(t.stderrPath, e.cfg.TruncateBytes)
	}
	res.Display = buildDisplay(res.Stdout, res.Stderr, res.ExitCode)
	if readErr != nil {
		res.Err = newError(ErrFileIO, "cannot read background capture: %v", readErr)
		res.Display += "\n[warning: " + res.Err.Error() + "]"
	}
	if e.analyzer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		summary, err := e.analyzer.Summarize(ctx, AnalyzeRequest{
			Command:    t.command,
			Pid:        t.pid,
			ExitCode:   res.ExitCode,
			StdoutPath: t.stdoutPath,
			StderrPath: t.stderrPath,
		})
		if err != nil {
			// Analysis failure never fails the command; it degrades to an
			// inline note.
			res.Display += "\n[output analysis failed: " + err.Error() + "]"
		} else if strings.TrimSpace(summary) != "" {
			res.Display = summary
		}
	}
	return res
}

// pidRunning treats a zombie as exited: the detached group stays a child
// of the session shell, which may not reap it until its next prompt.
func pidRunning(pid int) bool {
	if ok, err := process.PidExists(int32(pid)); err != nil || !ok {
		return false
	}
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return false
	}
	statuses, err := p.Status()
	if err != nil {
		return false
	}
	for _, s := range statuses {
		if s == process.Zombie {
			return false
		}
	}
	return true
}

// readExitFile parses the single decimal the wrapper writes when the
// detached group finishes. Missing or garbled content yields nil.
func readExitFile(path string) *int {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	code, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil {
		return nil
	}
	return &code
}

// readCapped reads a capture file, keeping only head and tail when it
// exceeds the cap.
func readCapped(path string, limit int) (string, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	if fi.Size() <= int64(limit) {
		b, err := os.ReadFile(path)
		return string(b), err
	}

	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	head := make([]byte, limit/2)
	if _, err := f.ReadAt(head, 0); err != nil {
		return "", err
	}
	tail := make([]byte, limit-limit/2)
	if _, err := f.ReadAt(tail, fi.Size()-int64(len(tail))); err != nil {
		return "", err
	}
	omitted := fi.Size() - int64(limit)
	return string(head) + fmt.Sprintf("\n... [%d bytes truncated] ...\n", omitted) + string(tail), nil
}
