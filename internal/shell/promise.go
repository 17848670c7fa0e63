package shell

import "sync/atomic"

// promise is a single-fulfillment completion handle. The compare-and-swap
// makes double resolution structurally impossible: whichever path resolves
// first (completion, timeout, crash, cancellation) wins and the rest no-op.
type promise struct {
	fulfilled atomic.Bool
	result    *Result
	done      chan struct{}
}

func newPromise() *promise {
	return &promise{done: make(chan struct{})}
}

// resolve stores the result and reports whether this call won the race.
func (p *promise) resolve(r *Result) bool {
	if !p.fulfilled.CompareAndSwap(false, true) {
		return false
	}
	p.result = r
	close(p.done)
	return true
}

// wait blocks until the promise is resolved.
func (p *promise) wait() *Result {
	<-p.done
	return p.result
}
