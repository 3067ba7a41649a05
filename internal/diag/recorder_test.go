package diag

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/ballrig/internal/timeutil"
	"github.com/banshee-data/ballrig/internal/treadmill"
)

const waitFor = 2 * time.Second

type memorySink struct {
	mu      sync.Mutex
	records []Record
	batches int
	err     error
}

func (s *memorySink) WriteRecords(records []Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches++
	if s.err != nil {
		return s.err
	}
	s.records = append(s.records, records...)
	return nil
}

func (s *memorySink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func (s *memorySink) snapshot() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Record(nil), s.records...)
}

func runRecorder(t *testing.T, r *Recorder) (cancel func()) {
	t.Helper()
	ctx, stop := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, r.Run(ctx))
	}()
	var once sync.Once
	cancel = func() {
		once.Do(func() {
			stop()
			select {
			case <-done:
			case <-time.After(waitFor):
				t.Error("recorder did not stop")
			}
		})
	}
	t.Cleanup(cancel)
	return cancel
}

func TestRecorderFlushesOnInterval(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(1000, 0))
	sink := &memorySink{}
	r := NewRecorder(Options{FlushInterval: 100 * time.Millisecond, Clock: clock}, sink)
	runRecorder(t, r)

	session := uuid.New()
	for i := 0; i < 3; i++ {
		r.Record(session, treadmill.Diagnostics{TimestampMs: int64(i), HasSample: true})
	}

	require.Eventually(t, func() bool {
		clock.Advance(100 * time.Millisecond)
		return sink.count() == 3
	}, waitFor, 5*time.Millisecond)

	got := sink.snapshot()
	for i, rec := range got {
		assert.Equal(t, session, rec.Session)
		assert.Equal(t, int64(i), rec.TimestampMs)
		assert.False(t, rec.RecordedAt.IsZero())
	}
	assert.Equal(t, uint64(3), r.Summary().Flushed)
}

func TestRecorderFlushesFullBatch(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(1000, 0))
	sink := &memorySink{}
	r := NewRecorder(Options{MaxBatch: 4, FlushInterval: time.Hour, Clock: clock}, sink)
	runRecorder(t, r)

	for i := 0; i < 8; i++ {
		r.Record(uuid.Nil, treadmill.Diagnostics{TimestampMs: int64(i)})
	}
	require.Eventually(t, func() bool { return sink.count() == 8 }, waitFor, time.Millisecond)
}

func TestRecorderDrainsOnShutdown(t *testing.T) {
	sink := &memorySink{}
	r := NewRecorder(Options{FlushInterval: time.Hour, Clock: timeutil.NewMockClock(time.Unix(0, 0))}, sink)
	for i := 0; i < 5; i++ {
		r.Record(uuid.Nil, treadmill.Diagnostics{})
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, r.Run(ctx))
	assert.Equal(t, 5, sink.count())
}

func TestRecorderDropsWhenFull(t *testing.T) {
	r := NewRecorder(Options{QueueSize: 2})
	for i := 0; i < 5; i++ {
		r.Record(uuid.Nil, treadmill.Diagnostics{})
	}
	s := r.Summary()
	assert.Equal(t, uint64(5), s.Received)
	assert.Equal(t, uint64(3), s.Dropped)
}

func TestRecorderCountsSinkErrors(t *testing.T) {
	failing := &memorySink{err: errors.New("disk full")}
	healthy := &memorySink{}
	r := NewRecorder(Options{FlushInterval: time.Hour}, failing, healthy)
	r.Record(uuid.Nil, treadmill.Diagnostics{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, r.Run(ctx))

	assert.Equal(t, uint64(1), r.Summary().SinkErrors)
	assert.Equal(t, 1, healthy.count(), "one failing sink must not starve the others")
}

func TestRecorderSummary(t *testing.T) {
	r := NewRecorder(Options{Window: 3})

	assert.Zero(t, r.Summary().Window)

	r.observe(Record{Diagnostics: treadmill.Diagnostics{BallSpeed: 5}})
	s := r.Summary()
	assert.Equal(t, 1, s.Window)
	assert.Equal(t, 5.0, s.MeanSpeed)
	assert.Zero(t, s.StdDevSpeed)

	for _, v := range []float64{2, 4, 6} {
		r.observe(Record{Diagnostics: treadmill.Diagnostics{BallSpeed: v}})
	}
	s = r.Summary()
	assert.Equal(t, 3, s.Window, "window keeps only the most recent speeds")
	assert.InDelta(t, 4.0, s.MeanSpeed, 1e-9)
	assert.InDelta(t, 2.0, s.StdDevSpeed, 1e-9)
	assert.Equal(t, 6.0, s.MaxSpeed)
	assert.False(t, math.IsNaN(s.StdDevSpeed))
}

func TestRecorderSubscribe(t *testing.T) {
	r := NewRecorder(Options{FlushInterval: time.Hour})
	id, ch := r.Subscribe()
	runRecorder(t, r)

	r.Record(uuid.Nil, treadmill.Diagnostics{TimestampMs: 42})
	select {
	case rec := <-ch:
		assert.Equal(t, int64(42), rec.TimestampMs)
	case <-time.After(waitFor):
		t.Fatal("subscriber did not receive record")
	}

	r.Unsubscribe(id)
	_, open := <-ch
	assert.False(t, open)
	r.Unsubscribe(id)
}

func TestJSONLinesSink(t *testing.T) {
	var buf bytes.Buffer
	sink := NewJSONLinesSink(&buf)
	session := uuid.New()

	require.NoError(t, sink.WriteRecords([]Record{
		{Session: session, Diagnostics: treadmill.Diagnostics{TimestampMs: 1, Pitch: 3, BallSpeed: 1.5}},
		{Session: session, Diagnostics: treadmill.Diagnostics{TimestampMs: 2, Moved: true}},
	}))
	require.NoError(t, sink.Close())

	scanner := bufio.NewScanner(&buf)
	var lines []map[string]interface{}
	for scanner.Scan() {
		var m map[string]interface{}
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &m))
		lines = append(lines, m)
	}
	require.Len(t, lines, 2)
	assert.Equal(t, session.String(), lines[0]["session"])
	assert.Equal(t, float64(3), lines[0]["pitch"], "diagnostics fields are inlined")
	assert.Equal(t, true, lines[1]["moved"])
}

func TestRotatingJSONLinesSink(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewRotatingJSONLinesSink(dir, "treadmill.jsonl", monitoringOpts())
	require.NoError(t, err)
	require.NoError(t, sink.WriteRecords([]Record{{Diagnostics: treadmill.Diagnostics{TimestampMs: 7}}}))
	require.NoError(t, sink.Close())

	data, err := readFile(dir, "treadmill.jsonl")
	require.NoError(t, err)
	assert.Contains(t, string(data), `"timestamp_ms":7`)
}
