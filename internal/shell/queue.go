package shell

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// job pairs an accepted request with its completion promise. run must
// resolve the promise exactly once; the promise's CAS enforces it.
type job struct {
	ctx     context.Context
	params  Params
	prom    *promise
	onChunk ChunkFunc
	run     func(*job)
}

// queue serializes jobs against the single shell session: one in flight,
// the rest FIFO. The in-flight slot is released by the executor calling
// release(), which for background commands happens at launch confirmation,
// well before the command itself finishes.
type queue struct {
	log *zap.Logger

	mu      sync.Mutex
	pending []*job
	busy    bool
	closed  bool
}

func newQueue(log *zap.Logger) *queue {
	return &queue{log: log}
}

// submit enqueues a job and starts it immediately if the slot is free.
func (q *queue) submit(j *job) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		j.prom.resolve(errResult(j.params.Command, ErrLaunch, StatusCancelled, "engine is shut down"))
		return
	}
	if q.busy {
		q.pending = append(q.pending, j)
		n := len(q.pending)
		q.mu.Unlock()
		q.log.Debug("command queued", zap.Int("depth", n))
		return
	}
	q.busy = true
	q.mu.Unlock()
	go j.run(j)
}

// release frees the in-flight slot and dispatches the next pending job.
func (q *queue) release() {
	q.mu.Lock()
	if len(q.pending) == 0 {
		q.busy = false
		q.mu.Unlock()
		return
	}
	next := q.pending[0]
	q.pending = q.pending[1:]
	q.mu.Unlock()
	go next.run(next)
}

// drain cancels every pending job with the given error kind and message.
// The in-flight job, if any, is not touched here; its own failure path
// resolves it.
func (q *queue) drain(kind ErrorKind, message string) {
	q.mu.Lock()
	pending := q.pending
	q.pending = nil
	q.mu.Unlock()

	if len(pending) > 0 {
		q.log.Warn("draining command queue", zap.Int("cancelled", len(pending)))
	}
	for _, j := range pending {
		j.prom.resolve(errResult(j.params.Command, kind, StatusCancelled, "%s", message))
	}
}

// close marks the queue terminal and cancels everything still pending.
func (q *queue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.drain(ErrLaunch, "engine is shut down")
}

func (q *queue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
