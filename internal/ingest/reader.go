package ingest

import (
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/banshee-data/ballrig/internal/framebuf"
	"github.com/banshee-data/ballrig/internal/monitoring"
	"github.com/banshee-data/ballrig/internal/transport"
)

// DefaultFramingErrorThreshold is the number of consecutive framing errors
// a reader tolerates before giving up.
const DefaultFramingErrorThreshold = 10

// DefaultStreamFrameSize is the largest opaque frame read from a socket.
const DefaultStreamFrameSize = 1024

// readerCounters are shared between a reader goroutine and Stats callers.
type readerCounters struct {
	bytes         atomic.Uint64
	frames        atomic.Uint64
	framingErrors atomic.Uint64
	shortReads    atomic.Uint64
	resyncs       atomic.Uint64
	discarded     atomic.Uint64
}

// stamper returns the capture timestamp for a frame in monotonic
// milliseconds.
type stamper func() int64

// reader pumps one connection into the frame buffer until the link fails,
// the stop flag is raised or a fatal framing condition is reached.
type reader interface {
	run(conn io.Reader, stop *atomic.Bool) error
}

// framedReader reads fixed-size batches of sync-prefixed sub-packets.
type framedReader struct {
	frameSize   int
	packetWidth int
	threshold   int
	strict      bool

	buf      *framebuf.Buffer
	now      stamper
	counters *readerCounters
}

func (r *framedReader) run(conn io.Reader, stop *atomic.Bool) error {
	scratch := make([]byte, r.frameSize)
	have := 0
	consecutive := 0

	for {
		n, err := r.fill(conn, scratch[have:], have, stop)
		r.counters.bytes.Add(uint64(n))
		switch {
		case errors.Is(err, errStopped):
			return nil
		case errors.Is(err, errShortRead):
			// A batch cut short by the read timeout cannot be trusted.
			got := have + n
			r.counters.shortReads.Add(1)
			r.counters.discarded.Add(uint64(got))
			have = 0
			if r.framingError(&consecutive, "short read of %d/%d bytes", got, r.frameSize) {
				return fmt.Errorf("%w (%d)", ErrTooManyFramingErrors, consecutive)
			}
			continue
		case err != nil:
			if stop.Load() {
				return nil
			}
			return err
		}

		bad := r.firstBadPacket(scratch)
		if bad < 0 {
			r.buf.Give(scratch, r.now())
			r.counters.frames.Add(1)
			consecutive = 0
			have = 0
			continue
		}

		syncByte := scratch[bad*r.packetWidth]
		r.counters.resyncs.Add(1)
		have = r.resync(scratch, bad*r.packetWidth+1)
		if r.framingError(&consecutive, "sync byte 0x%02x at packet %d, kept %d bytes", syncByte, bad, have) {
			return fmt.Errorf("%w (%d)", ErrTooManyFramingErrors, consecutive)
		}
	}
}

// fill reads until p is full. carried is the number of batch bytes already
// held from a resync. An idle timeout before any byte of the batch arrives
// is not an error; a timeout part way through is a short read.
func (r *framedReader) fill(conn io.Reader, p []byte, carried int, stop *atomic.Bool) (int, error) {
	n := 0
	for n < len(p) {
		if stop.Load() {
			return n, errStopped
		}
		m, err := conn.Read(p[n:])
		n += m
		if err != nil && !transport.IsTimeout(err) {
			return n, err
		}
		if m == 0 && carried+n > 0 {
			return n, errShortRead
		}
	}
	return n, nil
}

// firstBadPacket returns the index of the first sub-packet whose sync byte
// is set, or -1. Without strict checking only the leading packet is checked.
func (r *framedReader) firstBadPacket(frame []byte) int {
	if frame[0] != 0 {
		return 0
	}
	if r.strict {
		for i := r.packetWidth; i < len(frame); i += r.packetWidth {
			if frame[i] != 0 {
				return i / r.packetWidth
			}
		}
	}
	return -1
}

// resync moves the bytes from the next plausible packet start to the front
// of scratch and returns how many were kept. A plausible start is a zero
// byte followed by a non-zero sequence counter, whose successor packet (when
// buffered) also starts with zero.
func (r *framedReader) resync(scratch []byte, from int) int {
	w := r.packetWidth
	for i := from; i < len(scratch); i++ {
		if scratch[i] != 0 {
			continue
		}
		if i+1 < len(scratch) && scratch[i+1] == 0 {
			continue
		}
		if i+w < len(scratch) && scratch[i+w] != 0 {
			continue
		}
		r.counters.discarded.Add(uint64(i))
		return copy(scratch, scratch[i:])
	}
	r.counters.discarded.Add(uint64(len(scratch)))
	return 0
}

// framingError records one error and reports whether the threshold has been
// exceeded.
func (r *framedReader) framingError(consecutive *int, format string, args ...interface{}) bool {
	*consecutive++
	r.counters.framingErrors.Add(1)
	monitoring.Logf("ingest: framing error %d/%d: "+format,
		append([]interface{}{*consecutive, r.threshold}, args...)...)
	return *consecutive > r.threshold
}

// streamReader hands each read result upward as an opaque frame.
type streamReader struct {
	maxFrame int
	buf      *framebuf.Buffer
	now      stamper
	counters *readerCounters
}

func (r *streamReader) run(conn io.Reader, stop *atomic.Bool) error {
	scratch := make([]byte, r.maxFrame)
	for {
		if stop.Load() {
			return nil
		}
		n, err := conn.Read(scratch)
		if n > 0 {
			r.counters.bytes.Add(uint64(n))
			r.counters.frames.Add(1)
			r.buf.Give(scratch[:n], r.now())
		}
		if err == nil || transport.IsTimeout(err) {
			continue
		}
		if stop.Load() {
			return nil
		}
		return err
	}
}
