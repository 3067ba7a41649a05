package ingest

import (
	"io"
	"sync"

	"github.com/google/uuid"

	"github.com/banshee-data/ballrig/internal/treadmill"
)

// sensorPacket builds a realistic 12- or 6-byte sub-packet: non-zero
// counter, small deltas and, for the wide variant, non-zero shutter values.
func sensorPacket(width int, seq byte, x0, y0, x1, y1 int) []byte {
	p := make([]byte, width)
	p[1] = seq
	p[2] = byte(x0 + 128)
	p[3] = byte(y0 + 128)
	p[4] = byte(x1 + 128)
	p[5] = byte(y1 + 128)
	if width >= 12 {
		p[6], p[7] = 2, 37
		p[8], p[9] = 3, 91
	}
	return p
}

// packetStream returns n consecutive packets with counters starting at
// first.
func packetStream(width, n int, first byte, x0, y0, x1, y1 int) []byte {
	var out []byte
	seq := first
	for i := 0; i < n; i++ {
		out = append(out, sensorPacket(width, seq, x0, y0, x1, y1)...)
		seq = seq%255 + 1
	}
	return out
}

type readResult struct {
	data []byte
	err  error
}

// scriptReader returns scripted read results, then io.EOF.
type scriptReader struct {
	steps []readResult
}

func (r *scriptReader) Read(p []byte) (int, error) {
	if len(r.steps) == 0 {
		return 0, io.EOF
	}
	st := &r.steps[0]
	if len(st.data) == 0 {
		r.steps = r.steps[1:]
		return 0, st.err
	}
	n := copy(p, st.data)
	st.data = st.data[n:]
	if len(st.data) == 0 {
		r.steps = r.steps[1:]
	}
	return n, nil
}

type recordingSink struct {
	mu      sync.Mutex
	session uuid.UUID
	records []treadmill.Diagnostics
}

func (s *recordingSink) Record(id uuid.UUID, d treadmill.Diagnostics) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.session = id
	s.records = append(s.records, d)
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}
