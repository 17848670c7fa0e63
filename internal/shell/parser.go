package shell

import (
	"bytes"
	"strconv"
	"sync"
)

// parser demultiplexes one framed command's output from the session's
// continuous stdout/stderr streams. It is incremental: chunks arrive in
// arbitrary sizes and a sentinel marker may be split across chunk
// boundaries, so each stream keeps a pending buffer and never flushes a
// tail that could still turn into a marker.
type parser struct {
	fr         frame
	background bool

	mu sync.Mutex

	started  bool // start marker seen on stdout
	terminal bool // end marker seen on stdout
	stripNL  bool // swallow the newline that follows a consumed marker

	exitCode *int
	pid      *int

	stdout bytes.Buffer
	stderr bytes.Buffer

	outPending []byte
	errPending []byte

	// onData, when set, is called for every marker-stripped flush. It runs
	// with the parser lock held and must not call back into the parser.
	onData func(stderr bool, data []byte)

	done   chan struct{} // closed when the end marker is seen
	pidSet chan struct{} // closed when the pid marker is parsed
}

func newParser(fr frame, background bool) *parser {
	return &parser{
		fr:         fr,
		background: background,
		done:       make(chan struct{}),
		pidSet:     make(chan struct{}),
	}
}

// holdback is the longest byte count that could still be an incomplete
// marker line: marker + ':' + a pid/exit number.
func (p *parser) holdback() int {
	return len(p.fr.exit) + 24
}

func (p *parser) writeOut(b []byte) {
	if len(b) == 0 {
		return
	}
	p.stdout.Write(b)
	if p.onData != nil {
		p.onData(false, append([]byte(nil), b...))
	}
}

func (p *parser) writeErr(b []byte) {
	if len(b) == 0 {
		return
	}
	p.stderr.Write(b)
	if p.onData != nil {
		p.onData(true, append([]byte(nil), b...))
	}
}

func (p *parser) OnStdout(b []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.terminal {
		return
	}
	p.outPending = append(p.outPending, b...)

	for {
		if !p.started {
			i := bytes.Index(p.outPending, []byte(p.fr.start))
			if i < 0 {
				// Everything before the start marker is noise from the
				// wrapper echo or a previous prompt; keep only a tail that
				// could hold a split marker.
				if keep := len(p.fr.start) - 1; len(p.outPending) > keep {
					p.outPending = append(p.outPending[:0], p.outPending[len(p.outPending)-keep:]...)
				}
				return
			}
			p.outPending = append(p.outPending[:0], p.outPending[i+len(p.fr.start):]...)
			p.started = true
			p.stripNL = true
		}

		if p.stripNL {
			if len(p.outPending) == 0 {
				return
			}
			if p.outPending[0] == '\n' {
				p.outPending = p.outPending[1:]
			}
			p.stripNL = false
		}

		exitMark := []byte(p.fr.exit + ":")
		endMark := []byte(p.fr.end + ":")
		iExit := bytes.Index(p.outPending, exitMark)
		iEnd := bytes.Index(p.outPending, endMark)

		idx, mark, isEnd := -1, exitMark, false
		if iExit >= 0 && (iEnd < 0 || iExit < iEnd) {
			idx = iExit
		} else if iEnd >= 0 {
			idx, mark, isEnd = iEnd, endMark, true
		}

		if idx < 0 {
			// No marker yet: flush all but a possible marker prefix.
			if flush := len(p.outPending) - p.holdback(); flush > 0 {
				p.writeOut(p.outPending[:flush])
				p.outPending = append(p.outPending[:0], p.outPending[flush:]...)
			}
			return
		}

		p.writeOut(p.outPending[:idx])
		after := p.outPending[idx+len(mark):]
		nl := bytes.IndexByte(after, '\n')
		if nl < 0 {
			// Marker found but its value line is incomplete; wait.
			p.outPending = append(p.outPending[:0], p.outPending[idx:]...)
			return
		}
		code, err := strconv.Atoi(string(bytes.TrimSpace(after[:nl])))
		p.outPending = append(p.outPending[:0], after[nl+1:]...)

		if isEnd {
			p.terminal = true
			close(p.done)
			return
		}
		if err == nil {
			c := code
			p.exitCode = &c
		}
	}
}

func (p *parser) OnStderr(b []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.terminal {
		return
	}
	if !p.background {
		p.writeErr(b)
		return
	}

	p.errPending = append(p.errPending, b...)
	pidMark := []byte(p.fr.pid + ":")
	for {
		idx := bytes.Index(p.errPending, pidMark)
		if idx < 0 {
			if flush := len(p.errPending) - p.holdback(); flush > 0 {
				p.writeErr(p.errPending[:flush])
				p.errPending = append(p.errPending[:0], p.errPending[flush:]...)
			}
			return
		}
		p.writeErr(p.errPending[:idx])
		after := p.errPending[idx+len(pidMark):]
		nl := bytes.IndexByte(after, '\n')
		if nl < 0 {
			p.errPending = append(p.errPending[:0], p.errPending[idx:]...)
			return
		}
		if pid, err := strconv.Atoi(string(bytes.TrimSpace(after[:nl]))); err == nil && p.pid == nil {
			v := pid
			p.pid = &v
			close(p.pidSet)
		}
		p.errPending = append(p.errPending[:0], after[nl+1:]...)
	}
}

// snapshot returns the captured output and parsed fields so far. Held-back
// pending tails are excluded: they are at most one incomplete marker line.
func (p *parser) snapshot() (stdout, stderr string, exitCode, pid *int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stdout.String(), p.stderr.String(), p.exitCode, p.pid
}
