// Package diag fans per-tick treadmill diagnostics out to durable sinks and
// live subscribers without ever blocking the consumer tick.
package diag

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/ballrig/internal/monitoring"
	"github.com/banshee-data/ballrig/internal/timeutil"
	"github.com/banshee-data/ballrig/internal/treadmill"
)

const (
	DefaultQueueSize     = 4096
	DefaultFlushInterval = time.Second
	DefaultMaxBatch      = 512
	// DefaultWindow is the number of recent ball speeds kept for Summary.
	DefaultWindow = 600
)

// Record is one tick's diagnostics tagged with the session that produced it.
type Record struct {
	Session    uuid.UUID `json:"session"`
	RecordedAt time.Time `json:"recorded_at"`
	treadmill.Diagnostics
}

// Sink persists batches of records. The batch slice is reused after
// WriteRecords returns.
type Sink interface {
	WriteRecords(records []Record) error
}

type Options struct {
	QueueSize     int
	FlushInterval time.Duration
	MaxBatch      int
	Window        int
	Clock         timeutil.Clock
}

func (o Options) withDefaults() Options {
	if o.QueueSize <= 0 {
		o.QueueSize = DefaultQueueSize
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = DefaultFlushInterval
	}
	if o.MaxBatch <= 0 {
		o.MaxBatch = DefaultMaxBatch
	}
	if o.Window <= 0 {
		o.Window = DefaultWindow
	}
	if o.Clock == nil {
		o.Clock = timeutil.RealClock{}
	}
	return o
}

// Recorder queues diagnostics from Record and writes them to its sinks in
// batches from Run.
type Recorder struct {
	opts  Options
	sinks []Sink
	queue chan Record

	received   atomic.Uint64
	dropped    atomic.Uint64
	flushed    atomic.Uint64
	sinkErrors atomic.Uint64

	subscriberMu sync.Mutex
	subscribers  map[string]chan Record

	windowMu sync.Mutex
	speeds   []float64
	next     int
}

func NewRecorder(opts Options, sinks ...Sink) *Recorder {
	opts = opts.withDefaults()
	return &Recorder{
		opts:        opts,
		sinks:       sinks,
		queue:       make(chan Record, opts.QueueSize),
		subscribers: make(map[string]chan Record),
		speeds:      make([]float64, 0, opts.Window),
	}
}

// Record enqueues d. When the queue is full the record is dropped and
// counted.
func (r *Recorder) Record(session uuid.UUID, d treadmill.Diagnostics) {
	r.received.Add(1)
	rec := Record{Session: session, RecordedAt: r.opts.Clock.Now(), Diagnostics: d}
	select {
	case r.queue <- rec:
	default:
		if n := r.dropped.Add(1); n == 1 || n%1000 == 0 {
			monitoring.Logf("diagnostics queue full, %d records dropped", n)
		}
	}
}

// Run drains the queue until ctx is done, then flushes what is left.
func (r *Recorder) Run(ctx context.Context) error {
	ticker := r.opts.Clock.NewTicker(r.opts.FlushInterval)
	defer ticker.Stop()

	batch := make([]Record, 0, r.opts.MaxBatch)
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case rec := <-r.queue:
					r.observe(rec)
					batch = append(batch, rec)
				default:
					r.flush(batch)
					return nil
				}
			}
		case rec := <-r.queue:
			r.observe(rec)
			batch = append(batch, rec)
			if len(batch) >= r.opts.MaxBatch {
				batch = r.flush(batch)
			}
		case <-ticker.C():
			batch = r.flush(batch)
		}
	}
}

func (r *Recorder) flush(batch []Record) []Record {
	if len(batch) == 0 {
		return batch
	}
	for _, s := range r.sinks {
		if err := s.WriteRecords(batch); err != nil {
			if n := r.sinkErrors.Add(1); n == 1 || n%100 == 0 {
				monitoring.Logf("diagnostics sink %T failed (%d errors): %v", s, n, err)
			}
		}
	}
	r.flushed.Add(uint64(len(batch)))
	return batch[:0]
}

func (r *Recorder) observe(rec Record) {
	r.windowMu.Lock()
	if len(r.speeds) < r.opts.Window {
		r.speeds = append(r.speeds, rec.BallSpeed)
	} else {
		r.speeds[r.next] = rec.BallSpeed
		r.next = (r.next + 1) % r.opts.Window
	}
	r.windowMu.Unlock()

	r.subscriberMu.Lock()
	defer r.subscriberMu.Unlock()
	for _, ch := range r.subscribers {
		// slow subscribers miss records rather than stall the flush loop
		select {
		case ch <- rec:
		default:
		}
	}
}

func randomID() string {
	b := make([]byte, 8)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// Subscribe returns a channel receiving every record Run dequeues.
func (r *Recorder) Subscribe() (string, <-chan Record) {
	id := randomID()
	ch := make(chan Record, 64)
	r.subscriberMu.Lock()
	defer r.subscriberMu.Unlock()
	r.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes and closes a subscriber channel.
func (r *Recorder) Unsubscribe(id string) {
	r.subscriberMu.Lock()
	defer r.subscriberMu.Unlock()
	if ch, ok := r.subscribers[id]; ok {
		close(ch)
		delete(r.subscribers, id)
	}
}

// Summary describes the recorder counters and the recent ball speed.
type Summary struct {
	Received   uint64 `json:"received"`
	Dropped    uint64 `json:"dropped"`
	Flushed    uint64 `json:"flushed"`
	SinkErrors uint64 `json:"sink_errors"`

	Window      int     `json:"window"`
	MeanSpeed   float64 `json:"mean_speed"`
	StdDevSpeed float64 `json:"stddev_speed"`
	MaxSpeed    float64 `json:"max_speed"`
}

func (r *Recorder) Summary() Summary {
	s := Summary{
		Received:   r.received.Load(),
		Dropped:    r.dropped.Load(),
		Flushed:    r.flushed.Load(),
		SinkErrors: r.sinkErrors.Load(),
	}

	r.windowMu.Lock()
	speeds := append([]float64(nil), r.speeds...)
	r.windowMu.Unlock()

	s.Window = len(speeds)
	switch len(speeds) {
	case 0:
	case 1:
		s.MeanSpeed = speeds[0]
		s.MaxSpeed = speeds[0]
	default:
		s.MeanSpeed, s.StdDevSpeed = stat.MeanStdDev(speeds, nil)
		s.MaxSpeed = floats.Max(speeds)
	}
	return s
}
