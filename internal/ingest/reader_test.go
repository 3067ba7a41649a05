package ingest

import (
	"bytes"
	"errors"
	"io"
	"os"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/ballrig/internal/framebuf"
	"github.com/banshee-data/ballrig/internal/treadmill"
)

func newTestFramedReader(t *testing.T, v treadmill.Variant, strict bool) (*framedReader, *framebuf.Buffer, *readerCounters) {
	t.Helper()
	buf, err := framebuf.New(16, v.FrameSize())
	require.NoError(t, err)
	c := &readerCounters{}
	r := &framedReader{
		frameSize:   v.FrameSize(),
		packetWidth: v.PacketWidth,
		threshold:   DefaultFramingErrorThreshold,
		strict:      strict,
		buf:         buf,
		now:         func() int64 { return 0 },
		counters:    c,
	}
	return r, buf, c
}

func TestFramedReader_ValidStream(t *testing.T) {
	r, buf, c := newTestFramedReader(t, treadmill.Optical12, false)
	stream := packetStream(12, 30, 1, 1, 2, 3, 4)

	var stop atomic.Bool
	err := r.run(bytes.NewReader(stream), &stop)
	require.ErrorIs(t, err, io.EOF)

	assert.Equal(t, 3, buf.Len())
	assert.EqualValues(t, 3, c.frames.Load())
	assert.EqualValues(t, 0, c.framingErrors.Load())
	assert.EqualValues(t, 360, c.bytes.Load())
}

func TestFramedReader_ResyncAfterCorruptPacket(t *testing.T) {
	for _, v := range []treadmill.Variant{treadmill.Optical12, treadmill.Pixart6} {
		t.Run(v.Name, func(t *testing.T) {
			r, buf, c := newTestFramedReader(t, v, false)
			w := v.PacketWidth

			corrupt := sensorPacket(w, 200, 9, 9, 9, 9)
			corrupt[0] = 0x5a
			stream := append(corrupt, packetStream(w, 20, 1, 1, 2, 3, 4)...)

			var stop atomic.Bool
			err := r.run(bytes.NewReader(stream), &stop)
			require.ErrorIs(t, err, io.EOF)

			assert.EqualValues(t, 1, c.framingErrors.Load(), "error counter increments exactly once")
			assert.EqualValues(t, 1, c.resyncs.Load())
			assert.EqualValues(t, w, c.discarded.Load(), "only the corrupt packet is discarded")
			require.Equal(t, 2, buf.Len(), "the remaining valid packets decode")

			p, err := treadmill.NewParser(v, 0)
			require.NoError(t, err)
			for i := 0; i < 2; i++ {
				f, ok := buf.Take()
				require.True(t, ok)
				s, err := p.Parse(f.Data, f.TimestampMs)
				require.NoError(t, err)
				assert.Equal(t, treadmill.MotionSample{X0: 10, Y0: 20, X1: 30, Y1: 40, Shutter0: s.Shutter0, Shutter1: s.Shutter1}, s)
			}
			assert.EqualValues(t, 0, p.Stats().MissingPackets)
		})
	}
}

func TestFramedReader_TooManyFramingErrors(t *testing.T) {
	r, buf, c := newTestFramedReader(t, treadmill.Optical12, false)
	garbage := bytes.Repeat([]byte{0xff}, 120*20)

	var stop atomic.Bool
	err := r.run(bytes.NewReader(garbage), &stop)
	require.ErrorIs(t, err, ErrTooManyFramingErrors)
	assert.EqualValues(t, DefaultFramingErrorThreshold+1, c.framingErrors.Load())
	assert.Equal(t, 0, buf.Len())
}

func TestFramedReader_ConsecutiveCounterResets(t *testing.T) {
	r, buf, c := newTestFramedReader(t, treadmill.Pixart6, false)
	var stream []byte
	for i := 0; i < 15; i++ {
		bad := sensorPacket(6, 7, 0, 0, 0, 0)
		bad[0] = 1
		stream = append(stream, bad...)
		stream = append(stream, packetStream(6, 10, 1, 0, 1, 0, 1)...)
	}

	var stop atomic.Bool
	err := r.run(bytes.NewReader(stream), &stop)
	require.ErrorIs(t, err, io.EOF, "interleaved errors never reach the threshold")
	assert.EqualValues(t, 15, c.framingErrors.Load())
	assert.EqualValues(t, 15, c.frames.Load())
	assert.Equal(t, 15, buf.Len())
}

func TestFramedReader_ShortRead(t *testing.T) {
	r, buf, c := newTestFramedReader(t, treadmill.Pixart6, false)
	src := &scriptReader{steps: []readResult{
		{data: packetStream(6, 4, 1, 0, 0, 0, 0)},
		{err: os.ErrDeadlineExceeded},
		{err: os.ErrDeadlineExceeded}, // idle, not an error
		{data: packetStream(6, 10, 5, 0, 0, 0, 0)},
	}}

	var stop atomic.Bool
	err := r.run(src, &stop)
	require.ErrorIs(t, err, io.EOF)
	assert.EqualValues(t, 1, c.shortReads.Load())
	assert.EqualValues(t, 1, c.framingErrors.Load())
	assert.EqualValues(t, 24, c.discarded.Load())
	assert.Equal(t, 1, buf.Len())
}

func TestFramedReader_TimeoutAfterResyncIsShortRead(t *testing.T) {
	r, buf, c := newTestFramedReader(t, treadmill.Pixart6, false)
	corrupt := sensorPacket(6, 7, 0, 0, 0, 0)
	corrupt[0] = 1
	src := &scriptReader{steps: []readResult{
		{data: append(corrupt, packetStream(6, 9, 1, 0, 0, 0, 0)...)},
		{err: os.ErrDeadlineExceeded}, // the device goes quiet mid-batch
		{data: packetStream(6, 10, 50, 0, 3, 0, 3)},
	}}

	var stop atomic.Bool
	err := r.run(src, &stop)
	require.ErrorIs(t, err, io.EOF)
	assert.EqualValues(t, 1, c.resyncs.Load())
	assert.EqualValues(t, 1, c.shortReads.Load(), "held bytes are dropped on timeout")
	assert.EqualValues(t, 60, c.discarded.Load())
	require.Equal(t, 1, buf.Len())

	f, ok := buf.Take()
	require.True(t, ok)
	assert.Equal(t, byte(50), f.Data[1], "frame starts with fresh bytes only")
}

func TestFramedReader_StrictSync(t *testing.T) {
	stream := packetStream(12, 10, 1, 0, 0, 0, 0)
	stream[5*12] = 3

	t.Run("frame level", func(t *testing.T) {
		r, buf, c := newTestFramedReader(t, treadmill.Optical12, false)
		var stop atomic.Bool
		r.run(bytes.NewReader(stream), &stop)
		assert.Equal(t, 1, buf.Len(), "interior corruption passes a frame-level check")
		assert.EqualValues(t, 0, c.framingErrors.Load())
	})
	t.Run("strict", func(t *testing.T) {
		r, buf, c := newTestFramedReader(t, treadmill.Optical12, true)
		var stop atomic.Bool
		r.run(bytes.NewReader(stream), &stop)
		assert.Equal(t, 0, buf.Len())
		assert.EqualValues(t, 1, c.framingErrors.Load())
	})
}

func TestFramedReader_StopFlag(t *testing.T) {
	r, _, _ := newTestFramedReader(t, treadmill.Optical12, false)
	var stop atomic.Bool
	stop.Store(true)
	assert.NoError(t, r.run(bytes.NewReader(nil), &stop))
}

func TestStreamReader_OpaqueFrames(t *testing.T) {
	buf, err := framebuf.New(8, 16)
	require.NoError(t, err)
	c := &readerCounters{}
	r := &streamReader{maxFrame: 16, buf: buf, now: func() int64 { return 42 }, counters: c}

	src := &scriptReader{steps: []readResult{
		{data: []byte("hello\n")},
		{err: os.ErrDeadlineExceeded},
		{data: bytes.Repeat([]byte{'x'}, 20)},
	}}
	var stop atomic.Bool
	err = r.run(src, &stop)
	require.ErrorIs(t, err, io.EOF)

	f, ok := buf.Take()
	require.True(t, ok)
	assert.Equal(t, "hello\n", string(f.Data))
	assert.EqualValues(t, 42, f.TimestampMs)
	f, _ = buf.Take()
	assert.Len(t, f.Data, 16)
	f, _ = buf.Take()
	assert.Len(t, f.Data, 4)
	assert.EqualValues(t, 26, c.bytes.Load())
}

func TestStreamReader_ErrorAfterStopIsClean(t *testing.T) {
	buf, _ := framebuf.New(1, 4)
	r := &streamReader{maxFrame: 4, buf: buf, now: func() int64 { return 0 }, counters: &readerCounters{}}
	var stop atomic.Bool
	src := &scriptReader{steps: []readResult{{err: errors.New("closed")}}}
	stop.Store(true)
	assert.NoError(t, r.run(src, &stop))
}
