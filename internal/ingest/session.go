// Package ingest runs the real-time sensor pipeline for one rig: a reader
// goroutine pumps framed packets from a transport into a bounded frame
// buffer, a reconnect supervisor keeps the transport open, and the host's
// per-tick Update drains the buffer and integrates motion into a pose.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/banshee-data/ballrig/internal/framebuf"
	"github.com/banshee-data/ballrig/internal/monitoring"
	"github.com/banshee-data/ballrig/internal/timeutil"
	"github.com/banshee-data/ballrig/internal/transport"
	"github.com/banshee-data/ballrig/internal/treadmill"
)

// DefaultReconnectBackoff is the wait between transport open attempts.
const DefaultReconnectBackoff = 5000 * time.Millisecond

// Writer readiness polling, used by WaitWriterReady.
const (
	writerReadyPolls    = 10
	writerReadyInterval = 100 * time.Millisecond
)

// DiagnosticsSink receives one record per integrated tick.
type DiagnosticsSink interface {
	Record(session uuid.UUID, d treadmill.Diagnostics)
}

// Config describes one ingestion session.
type Config struct {
	Transport transport.Config
	// Dialer overrides Transport when set.
	Dialer transport.Dialer

	Variant    treadmill.Variant
	ClipPixels int
	// BufferCapacity defaults to the variant's capacity for framed
	// transports and 240 frames for byte streams.
	BufferCapacity int
	// StreamFrameSize bounds one opaque frame from a byte-stream transport.
	StreamFrameSize int

	FramingErrorThreshold int
	// StrictSync checks every sub-packet's sync byte in the reader instead of
	// only the first.
	StrictSync bool

	ReconnectBackoff time.Duration
	// RetryBudget caps consecutive failed reopen attempts. Zero retries
	// forever.
	RetryBudget int

	// StatsInterval enables a periodic stats log line.
	StatsInterval time.Duration

	Diagnostics DiagnosticsSink
	Clock       timeutil.Clock
}

// DefaultStreamBufferCapacity is the frame buffer depth for socket links.
const DefaultStreamBufferCapacity = 240

func (c Config) withDefaults() Config {
	if c.Transport.Kind == "" {
		c.Transport.Kind = transport.KindSerial
	}
	if c.Variant.Name == "" {
		c.Variant = treadmill.Optical12
	}
	if c.StreamFrameSize <= 0 {
		c.StreamFrameSize = DefaultStreamFrameSize
	}
	if c.BufferCapacity <= 0 {
		if c.Transport.Kind.Framed() {
			c.BufferCapacity = c.Variant.BufferCapacity
		} else {
			c.BufferCapacity = DefaultStreamBufferCapacity
		}
	}
	if c.FramingErrorThreshold <= 0 {
		c.FramingErrorThreshold = DefaultFramingErrorThreshold
	}
	if c.ReconnectBackoff <= 0 {
		c.ReconnectBackoff = DefaultReconnectBackoff
	}
	if c.Clock == nil {
		c.Clock = timeutil.RealClock{}
	}
	return c
}

// Stats is a point-in-time snapshot of a session.
type Stats struct {
	SessionID string                `json:"session_id"`
	Endpoint  string                `json:"endpoint"`
	State     State                 `json:"state"`
	Error     string                `json:"error,omitempty"`
	Uptime    time.Duration         `json:"uptime_ns"`
	Buffer    framebuf.Stats        `json:"buffer"`
	Parser    treadmill.ParserStats `json:"parser"`

	BytesRead      uint64 `json:"bytes_read"`
	FramesRead     uint64 `json:"frames_read"`
	FramingErrors  uint64 `json:"framing_errors"`
	ShortReads     uint64 `json:"short_reads"`
	Resyncs        uint64 `json:"resyncs"`
	BytesDiscarded uint64 `json:"bytes_discarded"`
	Connects       uint64 `json:"connects"`
	DialFailures   uint64 `json:"dial_failures"`
	Unparsed       uint64 `json:"unparsed_frames"`

	WritesCompleted   uint64 `json:"writes_completed"`
	WritesOverwritten uint64 `json:"writes_overwritten"`
	WriteErrors       uint64 `json:"write_errors"`
}

// Session owns a transport, its reader and writer goroutines, the frame
// buffer between them and the consumer, and the reconnect supervisor.
type Session struct {
	id     uuid.UUID
	cfg    Config
	dialer transport.Dialer
	buf    *framebuf.Buffer
	parser *treadmill.Parser
	rd     reader
	clock  timeutil.Clock
	origin time.Time

	state   atomic.Int32
	started atomic.Bool
	stop    atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	lifeMu sync.Mutex
	cancel context.CancelFunc

	stopOnce sync.Once

	errMu sync.Mutex
	err   error

	connMu  sync.Mutex
	conn    *sessionConn
	wr      *writer
	writeMu sync.Mutex

	counters     readerCounters
	connects     atomic.Uint64
	dialFailures atomic.Uint64
	unparsed     atomic.Uint64
	// Completed writer counters from previous connections.
	wrWritten, wrOverwritten, wrErrors atomic.Uint64

	scratch []byte
}

// NewSession validates cfg and builds the transport dialer. Invalid
// configuration is reported as transport.ErrConfig.
func NewSession(cfg Config) (*Session, error) {
	cfg = cfg.withDefaults()

	if err := cfg.Variant.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", transport.ErrConfig, err)
	}
	parser, err := treadmill.NewParser(cfg.Variant, cfg.ClipPixels)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", transport.ErrConfig, err)
	}

	dialer := cfg.Dialer
	if dialer == nil {
		dialer, err = transport.NewDialer(cfg.Transport)
		if err != nil {
			return nil, err
		}
	}

	frameSize := cfg.Variant.FrameSize()
	if !cfg.Transport.Kind.Framed() {
		frameSize = cfg.StreamFrameSize
	}
	buf, err := framebuf.New(cfg.BufferCapacity, frameSize)
	if err != nil {
		dialer.Close()
		return nil, fmt.Errorf("%w: %v", transport.ErrConfig, err)
	}

	s := &Session{
		id:      uuid.New(),
		cfg:     cfg,
		dialer:  dialer,
		buf:     buf,
		parser:  parser,
		clock:   cfg.Clock,
		origin:  cfg.Clock.Now(),
		stopCh:  make(chan struct{}),
		scratch: make([]byte, frameSize),
	}
	if cfg.Transport.Kind.Framed() {
		s.rd = &framedReader{
			frameSize:   frameSize,
			packetWidth: cfg.Variant.PacketWidth,
			threshold:   cfg.FramingErrorThreshold,
			strict:      cfg.StrictSync,
			buf:         buf,
			now:         s.nowMs,
			counters:    &s.counters,
		}
	} else {
		s.rd = &streamReader{maxFrame: frameSize, buf: buf, now: s.nowMs, counters: &s.counters}
	}
	s.state.Store(int32(StateDisconnected))
	return s, nil
}

func (s *Session) nowMs() int64 { return s.clock.Since(s.origin).Milliseconds() }

// ID identifies the session in diagnostics records.
func (s *Session) ID() uuid.UUID { return s.id }

func (s *Session) Endpoint() string { return s.dialer.Endpoint() }

func (s *Session) Variant() treadmill.Variant { return s.cfg.Variant }

func (s *Session) State() State { return State(s.state.Load()) }

// Err returns the fatal error that failed the session, if any.
func (s *Session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *Session) setState(st State) {
	for {
		cur := State(s.state.Load())
		if cur.Terminal() {
			return
		}
		if s.state.CompareAndSwap(int32(cur), int32(st)) {
			if cur != st {
				monitoring.Logf("ingest %s: %s -> %s", s.dialer.Endpoint(), cur, st)
			}
			return
		}
	}
}

func (s *Session) fail(err error) {
	s.errMu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.errMu.Unlock()
	monitoring.Logf("ingest %s: session failed: %v", s.dialer.Endpoint(), err)
	s.setState(StateFailed)
}

// Start opens the transport once. Configuration errors are returned without
// retry; transient failures are handed to the reconnect supervisor and Start
// returns nil. The session runs until Stop is called or ctx is done.
func (s *Session) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	// lifeMu orders Start against Stop: once Stop has raised the flag no
	// goroutine is added to wg.
	s.lifeMu.Lock()
	if s.stop.Load() {
		s.lifeMu.Unlock()
		return ErrNotStarted
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.setState(StateConnecting)
	s.lifeMu.Unlock()

	failures := 0
	conn, err := s.dialer.Dial(runCtx)
	if err != nil {
		if s.stop.Load() {
			return ErrNotStarted
		}
		if transport.IsConfigError(err) || ctx.Err() != nil {
			cancel()
			s.fail(err)
			s.dialer.Close()
			return err
		}
		failures = 1
		s.dialFailures.Add(1)
		monitoring.Logf("ingest %s: open failed, retrying every %v: %v", s.dialer.Endpoint(), s.cfg.ReconnectBackoff, err)
	}

	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if s.stop.Load() {
		if conn != nil {
			conn.Close()
		}
		return ErrNotStarted
	}
	if err != nil {
		s.setState(StateDisconnected)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.supervise(runCtx, conn, failures)
	}()

	if s.cfg.StatsInterval > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.logStatsEvery(runCtx, s.cfg.StatsInterval)
		}()
	}

	go func() {
		select {
		case <-runCtx.Done():
			s.Stop()
		case <-s.stopCh:
		}
	}()
	return nil
}

// supervise is the reader goroutine. It serves the current connection and
// reopens the transport after the configured backoff whenever it is lost.
func (s *Session) supervise(ctx context.Context, conn transport.Conn, failures int) {
	for {
		if conn == nil {
			select {
			case <-s.clock.After(s.cfg.ReconnectBackoff):
			case <-s.stopCh:
				return
			}
			if s.stop.Load() {
				return
			}
			s.setState(StateConnecting)
			var err error
			conn, err = s.dialer.Dial(ctx)
			if err != nil {
				if s.stop.Load() {
					return
				}
				if errors.Is(err, transport.ErrReplayDone) {
					monitoring.Logf("ingest %s: replay finished", s.dialer.Endpoint())
					s.setState(StateStopped)
					return
				}
				failures++
				s.dialFailures.Add(1)
				if s.cfg.RetryBudget > 0 && failures > s.cfg.RetryBudget {
					s.fail(fmt.Errorf("%w after %d attempts: %w", ErrRetryBudgetExceeded, failures, err))
					return
				}
				monitoring.Logf("ingest %s: reopen attempt %d failed: %v", s.dialer.Endpoint(), failures, err)
				s.setState(StateDisconnected)
				conn = nil
				continue
			}
			failures = 0
		}

		err := s.serve(conn)
		conn = nil
		if s.stop.Load() {
			return
		}
		if errors.Is(err, ErrTooManyFramingErrors) {
			s.fail(err)
			return
		}
		monitoring.Logf("ingest %s: link lost: %v", s.dialer.Endpoint(), err)
		s.setState(StateDisconnected)
	}
}

// serve runs the reader on conn until it returns, with a writer goroutine
// alongside on duplex links. conn is closed exactly once before returning.
func (s *Session) serve(conn transport.Conn) error {
	sc := &sessionConn{Conn: conn}

	var wr *writer
	if s.dialer.Duplex() {
		wr = newWriter(sc)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			wr.run()
		}()
	}

	s.connMu.Lock()
	if s.stop.Load() {
		s.connMu.Unlock()
		sc.Close()
		if wr != nil {
			wr.stop()
		}
		return nil
	}
	s.conn, s.wr = sc, wr
	s.connMu.Unlock()

	s.connects.Add(1)
	s.setState(StateConnected)

	err := s.rd.run(sc, &s.stop)

	s.connMu.Lock()
	s.conn, s.wr = nil, nil
	s.connMu.Unlock()

	sc.Close()
	if wr != nil {
		wr.stop()
		s.wrWritten.Add(wr.written.Load())
		s.wrOverwritten.Add(wr.overwritten.Load())
		s.wrErrors.Add(wr.errors.Load())
	}
	if err == nil && !s.stop.Load() {
		err = errors.New("reader exited")
	}
	return err
}

// Stop raises the stop flag, closes the transport to unblock a pending read
// and joins every goroutine. It is idempotent.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		s.lifeMu.Lock()
		s.stop.Store(true)
		cancel := s.cancel
		s.lifeMu.Unlock()
		close(s.stopCh)

		s.connMu.Lock()
		conn := s.conn
		s.connMu.Unlock()
		if conn != nil {
			conn.Close()
		}
		if err := s.dialer.Close(); err != nil {
			monitoring.Logf("ingest %s: close dialer: %v", s.dialer.Endpoint(), err)
		}
		if cancel != nil {
			cancel()
		}
		s.wg.Wait()
		s.setState(StateStopped)
		monitoring.Logf("ingest %s: stopped", s.dialer.Endpoint())
	})
}

// Take drains every buffered frame and returns the last one that decoded.
// Frames that fail to decode are skipped and counted. It never blocks.
func (s *Session) Take() (treadmill.MotionSample, bool) {
	var (
		last treadmill.MotionSample
		ok   bool
	)
	want := s.cfg.Variant.FrameSize()
	for {
		n, ts, got := s.buf.TakeInto(s.scratch)
		if !got {
			return last, ok
		}
		if n != want {
			s.unparsed.Add(1)
			continue
		}
		sample, err := s.parser.Parse(s.scratch[:n], ts)
		if err != nil {
			s.unparsed.Add(1)
			continue
		}
		last, ok = sample, true
	}
}

// Drain decodes every buffered frame in order and hands each sample to fn.
// Calibration uses it where Take would coalesce away motion. It returns the
// number of samples delivered.
func (s *Session) Drain(fn func(treadmill.MotionSample)) int {
	want := s.cfg.Variant.FrameSize()
	n := 0
	for {
		size, ts, got := s.buf.TakeInto(s.scratch)
		if !got {
			return n
		}
		if size != want {
			s.unparsed.Add(1)
			continue
		}
		sample, err := s.parser.Parse(s.scratch[:size], ts)
		if err != nil {
			s.unparsed.Add(1)
			continue
		}
		fn(sample)
		n++
	}
}

// TakeFrame removes the oldest raw frame, for consumers of opaque socket
// streams.
func (s *Session) TakeFrame() (framebuf.Frame, bool) { return s.buf.Take() }

// Update drains the buffer and integrates the latest sample into pose. With
// no new sample the pose is returned unchanged.
func (s *Session) Update(pose treadmill.Pose, cal treadmill.Calibration, tick time.Duration) (treadmill.Pose, treadmill.Diagnostics) {
	sample, ok := s.Take()
	next, d := treadmill.Integrate(pose, sample, ok, cal, tick)
	if ok && s.cfg.Diagnostics != nil {
		s.cfg.Diagnostics.Record(s.id, d)
	}
	return next, d
}

// Clear discards buffered frames, e.g. after a reconnect made them stale.
func (s *Session) Clear() {
	s.buf.Clear()
	s.parser.ResetSequence()
}

// Write queues p for the writer goroutine, replacing any payload still
// pending.
func (s *Session) Write(p []byte) error {
	if !s.dialer.Duplex() {
		return ErrNotDuplex
	}
	s.connMu.Lock()
	wr := s.wr
	s.connMu.Unlock()
	if wr == nil {
		return ErrWriterNotReady
	}
	return wr.write(p)
}

// ReadyToWrite reports whether a writer goroutine is waiting for work.
func (s *Session) ReadyToWrite() bool {
	s.connMu.Lock()
	wr := s.wr
	s.connMu.Unlock()
	return wr != nil && wr.isReady()
}

// WaitWriterReady polls ReadyToWrite for about a second.
func (s *Session) WaitWriterReady(ctx context.Context) error {
	if !s.dialer.Duplex() {
		return ErrNotDuplex
	}
	for i := 0; i < writerReadyPolls; i++ {
		if s.ReadyToWrite() {
			return nil
		}
		select {
		case <-s.clock.After(writerReadyInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if s.ReadyToWrite() {
		return nil
	}
	return ErrWriterNotReady
}

// SetStreaming sends the device start or stop command. Duplex links go
// through the writer; others write directly on the connection.
func (s *Session) SetStreaming(on bool) error {
	cmd := transport.StopStreamingCommand
	if on {
		cmd = transport.StartStreamingCommand
	}
	if s.dialer.Duplex() {
		return s.Write(cmd)
	}
	s.connMu.Lock()
	conn := s.conn
	s.connMu.Unlock()
	if conn == nil {
		return ErrNotStarted
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return transport.SetStreaming(conn, on)
}

func (s *Session) Stats() Stats {
	st := Stats{
		SessionID:      s.id.String(),
		Endpoint:       s.dialer.Endpoint(),
		State:          s.State(),
		Uptime:         s.clock.Since(s.origin),
		Buffer:         s.buf.Stats(),
		Parser:         s.parser.Stats(),
		BytesRead:      s.counters.bytes.Load(),
		FramesRead:     s.counters.frames.Load(),
		FramingErrors:  s.counters.framingErrors.Load(),
		ShortReads:     s.counters.shortReads.Load(),
		Resyncs:        s.counters.resyncs.Load(),
		BytesDiscarded: s.counters.discarded.Load(),
		Connects:       s.connects.Load(),
		DialFailures:   s.dialFailures.Load(),
		Unparsed:       s.unparsed.Load(),

		WritesCompleted:   s.wrWritten.Load(),
		WritesOverwritten: s.wrOverwritten.Load(),
		WriteErrors:       s.wrErrors.Load(),
	}
	if err := s.Err(); err != nil {
		st.Error = err.Error()
	}
	s.connMu.Lock()
	if wr := s.wr; wr != nil {
		st.WritesCompleted += wr.written.Load()
		st.WritesOverwritten += wr.overwritten.Load()
		st.WriteErrors += wr.errors.Load()
	}
	s.connMu.Unlock()
	return st
}

func (s *Session) logStatsEvery(ctx context.Context, every time.Duration) {
	ticker := s.clock.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C():
			monitoring.Logf("%s", s.Stats().Summary())
		}
	}
}

// Summary renders the counters as one log line.
func (st Stats) Summary() string {
	return fmt.Sprintf("ingest %s [%s]: %s read, %s frames, %s dropped, %d framing errors (%d short reads), %s buffered, %d connects",
		st.Endpoint, st.State,
		humanize.Bytes(st.BytesRead),
		humanize.Comma(int64(st.FramesRead)),
		humanize.Comma(int64(st.Buffer.Dropped)),
		st.FramingErrors, st.ShortReads,
		humanize.Comma(int64(st.Buffer.Buffered)),
		st.Connects)
}

// sessionConn closes the underlying transport exactly once.
type sessionConn struct {
	transport.Conn
	once sync.Once
	err  error
}

func (c *sessionConn) Close() error {
	c.once.Do(func() { c.err = c.Conn.Close() })
	return c.err
}
