package transport

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"time"
)

// ErrPortClosed is returned by TestablePort after Close.
var ErrPortClosed = errors.New("port closed")

// TestablePort is an in-memory SerialPort with controllable reads, writes and
// failures. An empty, non-blocking read returns (0, nil) like a serial read
// timeout.
type TestablePort struct {
	mu sync.Mutex

	ReadBuffer  *bytes.Buffer
	WriteBuffer *bytes.Buffer

	// ReadChunk caps the bytes returned by a single Read. Zero means no cap.
	ReadChunk int

	// ReadError is returned once by the next Read.
	ReadError error
	// WriteError is returned once by the next Write.
	WriteError error
	CloseError error

	Closed     bool
	ReadCalls  int
	WriteCalls int
	CloseCalls int

	ReadTimeout time.Duration
	DTR, RTS    bool
	InputResets int

	// BlockReads makes an empty Read wait for data or Close.
	BlockReads bool

	readCond *sync.Cond
}

// NewTestablePort returns an empty port.
func NewTestablePort() *TestablePort {
	p := &TestablePort{
		ReadBuffer:  bytes.NewBuffer(nil),
		WriteBuffer: bytes.NewBuffer(nil),
	}
	p.readCond = sync.NewCond(&p.mu)
	return p
}

func (p *TestablePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.ReadCalls++
	if p.Closed {
		return 0, ErrPortClosed
	}
	if p.ReadError != nil {
		err := p.ReadError
		p.ReadError = nil
		return 0, err
	}
	for p.BlockReads && !p.Closed && p.ReadBuffer.Len() == 0 {
		p.readCond.Wait()
	}
	if p.Closed {
		return 0, ErrPortClosed
	}
	if p.ReadBuffer.Len() == 0 {
		return 0, nil
	}
	if p.ReadChunk > 0 && len(b) > p.ReadChunk {
		b = b[:p.ReadChunk]
	}
	return p.ReadBuffer.Read(b)
}

func (p *TestablePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.WriteCalls++
	if p.Closed {
		return 0, ErrPortClosed
	}
	if p.WriteError != nil {
		err := p.WriteError
		p.WriteError = nil
		return 0, err
	}
	return p.WriteBuffer.Write(b)
}

// Close marks the port closed and wakes blocked readers.
func (p *TestablePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.CloseCalls++
	p.Closed = true
	p.readCond.Broadcast()
	return p.CloseError
}

func (p *TestablePort) SetReadTimeout(t time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ReadTimeout = t
	return nil
}

func (p *TestablePort) ResetInputBuffer() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.InputResets++
	p.ReadBuffer.Reset()
	return nil
}

func (p *TestablePort) ResetOutputBuffer() error { return nil }

func (p *TestablePort) SetDTR(v bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.DTR = v
	return nil
}

func (p *TestablePort) SetRTS(v bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.RTS = v
	return nil
}

// AddReadData queues bytes for subsequent reads.
func (p *TestablePort) AddReadData(data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ReadBuffer.Write(data)
	p.readCond.Broadcast()
}

// InjectReadError makes the next Read fail with err, waking a blocked reader.
func (p *TestablePort) InjectReadError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ReadError = err
	p.readCond.Broadcast()
}

// Written returns a copy of everything written so far.
func (p *TestablePort) Written() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte(nil), p.WriteBuffer.Bytes()...)
}

// ReadCount returns the number of Read calls so far.
func (p *TestablePort) ReadCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ReadCalls
}

// CloseCount returns the number of Close calls so far.
func (p *TestablePort) CloseCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.CloseCalls
}

// IsClosed reports whether Close has been called.
func (p *TestablePort) IsClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Closed
}

// DialResult is one scripted outcome of MockDialer.Dial.
type DialResult struct {
	Conn Conn
	Err  error
}

// ErrNoMoreConns is returned once a MockDialer script is exhausted.
var ErrNoMoreConns = errors.New("mock dialer: no more connections")

// MockDialer replays a script of dial results.
type MockDialer struct {
	mu     sync.Mutex
	script []DialResult
	calls  int
	closed bool
	duplex bool
	name   string
	dialed chan int
}

// NewMockDialer returns a dialer that yields results in order.
func NewMockDialer(duplex bool, results ...DialResult) *MockDialer {
	return &MockDialer{
		script: results,
		duplex: duplex,
		name:   "mock",
		dialed: make(chan int, 64),
	}
}

// Push appends further results to the script.
func (m *MockDialer) Push(results ...DialResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = append(m.script, results...)
}

func (m *MockDialer) Dial(ctx context.Context) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.calls++
	n := m.calls
	var res DialResult
	if len(m.script) > 0 {
		res = m.script[0]
		m.script = m.script[1:]
	} else {
		res.Err = ErrNoMoreConns
	}
	m.mu.Unlock()

	select {
	case m.dialed <- n:
	default:
	}
	return res.Conn, res.Err
}

// Dialed delivers the running call count after each Dial.
func (m *MockDialer) Dialed() <-chan int { return m.dialed }

// Calls returns how many times Dial ran.
func (m *MockDialer) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *MockDialer) Endpoint() string { return m.name }

func (m *MockDialer) Duplex() bool { return m.duplex }

func (m *MockDialer) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Closed reports whether Close has been called.
func (m *MockDialer) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
