package ingest

import (
	"io"
	"sync"
	"sync/atomic"

	"github.com/banshee-data/ballrig/internal/monitoring"
)

// writer serialises outbound writes on a duplex link. It holds at most one
// pending payload: a newer Write replaces one the goroutine has not yet
// picked up.
type writer struct {
	w io.Writer

	mu      sync.Mutex
	cond    *sync.Cond
	pending []byte
	has     bool
	ready   bool
	stopped bool
	done    chan struct{}

	written     atomic.Uint64
	overwritten atomic.Uint64
	errors      atomic.Uint64
}

func newWriter(w io.Writer) *writer {
	wr := &writer{w: w, done: make(chan struct{})}
	wr.cond = sync.NewCond(&wr.mu)
	return wr
}

// run is the writer goroutine. Readiness is only reported once it is
// waiting for work.
func (wr *writer) run() {
	defer close(wr.done)

	wr.mu.Lock()
	wr.ready = true
	for {
		for !wr.has && !wr.stopped {
			wr.cond.Wait()
		}
		if wr.stopped {
			wr.ready = false
			wr.mu.Unlock()
			return
		}
		p := wr.pending
		wr.pending, wr.has = nil, false
		wr.mu.Unlock()

		if _, err := wr.w.Write(p); err != nil {
			wr.errors.Add(1)
			monitoring.Logf("ingest: write of %d bytes failed: %v", len(p), err)
		} else {
			wr.written.Add(1)
		}

		wr.mu.Lock()
	}
}

// write copies p into the pending slot.
func (wr *writer) write(p []byte) error {
	buf := append([]byte(nil), p...)

	wr.mu.Lock()
	defer wr.mu.Unlock()
	if !wr.ready || wr.stopped {
		return ErrWriterNotReady
	}
	if wr.has {
		wr.overwritten.Add(1)
	}
	wr.pending, wr.has = buf, true
	wr.cond.Signal()
	return nil
}

func (wr *writer) isReady() bool {
	wr.mu.Lock()
	defer wr.mu.Unlock()
	return wr.ready && !wr.stopped
}

// stop wakes the goroutine and waits for it to exit. A write already in
// progress is unblocked by closing the connection, which the caller does
// first.
func (wr *writer) stop() {
	wr.mu.Lock()
	wr.stopped = true
	wr.cond.Broadcast()
	wr.mu.Unlock()
	<-wr.done
}
