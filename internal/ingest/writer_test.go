package ingest

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/ballrig/internal/timeutil"
	"github.com/banshee-data/ballrig/internal/transport"
)

// gatedWriter blocks each Write until released.
type gatedWriter struct {
	mu      sync.Mutex
	writes  [][]byte
	entered chan struct{}
	release chan struct{}
}

func newGatedWriter() *gatedWriter {
	return &gatedWriter{entered: make(chan struct{}, 8), release: make(chan struct{}, 8)}
}

func (g *gatedWriter) Write(p []byte) (int, error) {
	g.entered <- struct{}{}
	<-g.release
	g.mu.Lock()
	defer g.mu.Unlock()
	g.writes = append(g.writes, append([]byte(nil), p...))
	return len(p), nil
}

func (g *gatedWriter) got() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []string
	for _, w := range g.writes {
		out = append(out, string(w))
	}
	return out
}

func TestWriter_LatestWriteWins(t *testing.T) {
	g := newGatedWriter()
	wr := newWriter(g)
	assert.ErrorIs(t, wr.write([]byte("early")), ErrWriterNotReady, "not ready before the goroutine runs")

	go wr.run()
	require.Eventually(t, wr.isReady, waitFor, time.Millisecond)

	require.NoError(t, wr.write([]byte("a")))
	<-g.entered // "a" is in flight

	require.NoError(t, wr.write([]byte("b")))
	require.NoError(t, wr.write([]byte("c"))) // replaces "b"

	g.release <- struct{}{}
	<-g.entered
	g.release <- struct{}{}

	require.Eventually(t, func() bool { return wr.written.Load() == 2 }, waitFor, time.Millisecond)
	assert.Equal(t, []string{"a", "c"}, g.got())
	assert.EqualValues(t, 1, wr.overwritten.Load())

	wr.stop()
	assert.False(t, wr.isReady())
	assert.ErrorIs(t, wr.write([]byte("late")), ErrWriterNotReady)
}

func TestWriter_CopiesPayload(t *testing.T) {
	var out bytes.Buffer
	var mu sync.Mutex
	wr := newWriter(writerFunc(func(p []byte) (int, error) {
		mu.Lock()
		defer mu.Unlock()
		return out.Write(p)
	}))
	go wr.run()
	require.Eventually(t, wr.isReady, waitFor, time.Millisecond)

	p := []byte("abc")
	require.NoError(t, wr.write(p))
	p[0] = 'X'
	require.Eventually(t, func() bool { return wr.written.Load() == 1 }, waitFor, time.Millisecond)
	wr.stop()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "abc", out.String())
}

func TestWriter_CountsErrors(t *testing.T) {
	wr := newWriter(writerFunc(func([]byte) (int, error) { return 0, errors.New("broken pipe") }))
	go wr.run()
	require.Eventually(t, wr.isReady, waitFor, time.Millisecond)
	require.NoError(t, wr.write([]byte{1}))
	require.Eventually(t, func() bool { return wr.errors.Load() == 1 }, waitFor, time.Millisecond)
	wr.stop()
}

type writerFunc func([]byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }

func TestSession_DuplexWrite(t *testing.T) {
	port := blockingPort()
	s := newTestSession(t, Config{
		Transport: transport.Config{Kind: transport.KindTCPClient},
		Dialer:    transport.NewMockDialer(true, transport.DialResult{Conn: port}),
	})
	assert.False(t, s.ReadyToWrite())
	assert.ErrorIs(t, s.Write([]byte("x")), ErrWriterNotReady)

	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.WaitWriterReady(context.Background()))

	require.NoError(t, s.Write([]byte("teleport 0 0 0\n")))
	require.Eventually(t, func() bool { return string(port.Written()) == "teleport 0 0 0\n" }, waitFor, time.Millisecond)
	require.Eventually(t, func() bool { return s.Stats().WritesCompleted == 1 }, waitFor, time.Millisecond)

	require.NoError(t, s.SetStreaming(true))
	require.Eventually(t, func() bool {
		return bytes.HasSuffix(port.Written(), transport.StartStreamingCommand)
	}, waitFor, time.Millisecond)
}

func TestSession_WriteNotDuplex(t *testing.T) {
	port := blockingPort()
	s := newTestSession(t, Config{Dialer: transport.NewMockDialer(false, transport.DialResult{Conn: port})})
	assert.ErrorIs(t, s.Write([]byte{1}), ErrNotDuplex)
	assert.ErrorIs(t, s.WaitWriterReady(context.Background()), ErrNotDuplex)
	assert.ErrorIs(t, s.SetStreaming(true), ErrNotStarted)

	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool { return s.State() == StateConnected }, waitFor, time.Millisecond)
	require.NoError(t, s.SetStreaming(false))
	assert.Equal(t, transport.StopStreamingCommand, port.Written())
}

func TestSession_WaitWriterReadyTimesOut(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	// Duplex dialer that never connects: the writer can never become ready.
	s := newTestSession(t, Config{
		Dialer:           transport.NewMockDialer(true, transport.DialResult{Err: errors.New("refused")}),
		Clock:            clock,
		ReconnectBackoff: time.Hour,
	})
	require.NoError(t, s.Start(context.Background()))

	errc := make(chan error, 1)
	go func() { errc <- s.WaitWriterReady(context.Background()) }()
	for i := 0; i < writerReadyPolls; i++ {
		// One pending waiter is the supervisor's backoff; wait for the poll.
		require.Eventually(t, func() bool { return clock.Pending() == 2 }, waitFor, time.Millisecond)
		clock.Advance(writerReadyInterval)
	}
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrWriterNotReady)
	case <-time.After(waitFor):
		t.Fatal("WaitWriterReady did not give up")
	}
}
