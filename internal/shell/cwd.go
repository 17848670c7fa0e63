package shell

import (
	"bytes"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const cwdProbeTimeout = 5 * time.Second

// cwdProbe is the one-shot sink for the out-of-band `pwd` round trip. It
// uses its own random delimiter so it can never be confused with a command
// frame, and any stderr output at all fails the probe: a healthy shell's
// pwd is silent on stderr.
type cwdProbe struct {
	delim string

	mu  sync.Mutex
	buf bytes.Buffer
	dir string

	doneOnce sync.Once
	failOnce sync.Once
	done     chan struct{}
	failed   chan struct{}
}

func newCwdProbe(delim string) *cwdProbe {
	return &cwdProbe{
		delim:  delim,
		done:   make(chan struct{}),
		failed: make(chan struct{}),
	}
}

func (c *cwdProbe) OnStdout(b []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buf.Write(b)
	idx := bytes.Index(c.buf.Bytes(), []byte(c.delim))
	if idx < 0 {
		return
	}
	lines := strings.Split(string(c.buf.Bytes()[:idx]), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if dir := strings.TrimSpace(lines[i]); dir != "" {
			c.dir = dir
			break
		}
	}
	c.doneOnce.Do(func() { close(c.done) })
}

func (c *cwdProbe) OnStderr(b []byte) {
	if len(b) == 0 {
		return
	}
	c.failOnce.Do(func() { close(c.failed) })
}

func (c *cwdProbe) result() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dir
}

// refreshCwd asks the live shell where it is and records the answer. It is
// only ever called between commands, while no other sink is attached.
func (e *executor) refreshCwd() error {
	delim := "__SHELLBOX_CWD__" + strings.ReplaceAll(uuid.NewString(), "-", "") + "__"
	probe := newCwdProbe(delim)
	if err := e.sess.attach(probe); err != nil {
		return err
	}
	defer e.sess.detach()

	if err := e.sess.Write([]byte("pwd && echo " + shellQuoteSingle(delim) + "\n")); err != nil {
		return err
	}

	select {
	case <-probe.done:
		dir := probe.result()
		if !strings.HasPrefix(dir, "/") {
			return newError(ErrProtocol, "working directory probe returned %q", dir)
		}
		e.sess.setCwd(dir)
		return nil
	case <-probe.failed:
		return newError(ErrProtocol, "working directory probe wrote to stderr")
	case <-time.After(cwdProbeTimeout):
		return newError(ErrTimeout, "working directory probe timed out after %s", cwdProbeTimeout)
	}
}
