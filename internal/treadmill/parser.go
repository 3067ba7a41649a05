package treadmill

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/banshee-data/ballrig/internal/monitoring"
)

var (
	ErrSyncByte  = errors.New("sub-packet sync byte is not zero")
	ErrFrameSize = errors.New("frame size does not match sensor variant")
)

// DefaultClipPixels bounds a single sub-packet delta. Bench tests never saw
// values beyond about 10.
const DefaultClipPixels = 12

const clipLogEvery = 1000

// Byte offsets within a sub-packet.
const (
	offSync     = 0
	offSequence = 1
	offX0       = 2
	offY0       = 3
	offX1       = 4
	offY1       = 5
	offShutter0 = 6
	offShutter1 = 8
)

// MotionSample is the per-axis pixel motion accumulated over one frame.
type MotionSample struct {
	X0, Y0, X1, Y1 int
	TimestampMs    int64
	// Shutter0 and Shutter1 are the last sub-packet's shutter speeds in
	// 24 MHz ticks. Zero for boards without shutter fields.
	Shutter0, Shutter1 int
}

// ParserStats counts what the parser has seen since construction.
type ParserStats struct {
	Frames         uint64 `json:"frames"`
	SyncErrors     uint64 `json:"sync_errors"`
	SizeErrors     uint64 `json:"size_errors"`
	Clipped        uint64 `json:"clipped"`
	MissingPackets uint64 `json:"missing_packets"`
}

// Parser decodes frames of one sensor variant. Parse is called from a single
// consumer; Stats may be read concurrently.
type Parser struct {
	variant Variant
	clip    int

	lastSeq atomic.Int32

	frames     atomic.Uint64
	syncErrors atomic.Uint64
	sizeErrors atomic.Uint64
	clipped    atomic.Uint64
	missing    atomic.Uint64
}

// NewParser returns a parser for v. clip <= 0 selects DefaultClipPixels.
func NewParser(v Variant, clip int) (*Parser, error) {
	if err := v.Validate(); err != nil {
		return nil, err
	}
	if clip <= 0 {
		clip = DefaultClipPixels
	}
	return &Parser{variant: v, clip: clip}, nil
}

func (p *Parser) Variant() Variant { return p.variant }

// Parse sums the signed deltas of every sub-packet in frame. Each delta is
// clamped to the clip bound before accumulation; clamping is logged but the
// frame is kept. Any non-zero sync byte rejects the whole frame.
func (p *Parser) Parse(frame []byte, timestampMs int64) (MotionSample, error) {
	w := p.variant.PacketWidth
	if len(frame) != p.variant.FrameSize() {
		p.sizeErrors.Add(1)
		return MotionSample{}, fmt.Errorf("%w: got %d bytes, want %d", ErrFrameSize, len(frame), p.variant.FrameSize())
	}
	for i := 0; i < len(frame); i += w {
		if frame[i+offSync] != 0 {
			p.syncErrors.Add(1)
			return MotionSample{}, fmt.Errorf("%w: packet %d has 0x%02x", ErrSyncByte, i/w, frame[i+offSync])
		}
	}

	s := MotionSample{TimestampMs: timestampMs}
	for i := 0; i < len(frame); i += w {
		pkt := frame[i : i+w]
		s.X0 += p.delta(pkt[offX0], "x0")
		s.Y0 += p.delta(pkt[offY0], "y0")
		s.X1 += p.delta(pkt[offX1], "x1")
		s.Y1 += p.delta(pkt[offY1], "y1")
		p.trackSequence(int(pkt[offSequence]))
	}
	if p.variant.HasShutter {
		last := frame[len(frame)-w:]
		s.Shutter0 = shutter(last[offShutter0], last[offShutter0+1])
		s.Shutter1 = shutter(last[offShutter1], last[offShutter1+1])
	}
	p.frames.Add(1)
	return s, nil
}

func (p *Parser) delta(b byte, axis string) int {
	d := int(b) - 128
	if d >= -p.clip && d <= p.clip {
		return d
	}
	n := p.clipped.Add(1)
	if n == 1 || n%clipLogEvery == 0 {
		monitoring.Logf("treadmill: %s delta %d clipped to ±%d (%d clipped so far)", axis, d, p.clip, n)
	}
	if d > p.clip {
		return p.clip
	}
	return -p.clip
}

// trackSequence counts skipped counters. The counter runs 1..255 and wraps
// back to 1.
func (p *Parser) trackSequence(seq int) {
	if seq == 0 {
		return
	}
	if last := int(p.lastSeq.Load()); last != 0 {
		expected := last%255 + 1
		if seq != expected {
			p.missing.Add(uint64((seq - expected + 255) % 255))
		}
	}
	p.lastSeq.Store(int32(seq))
}

// ResetSequence forgets the last counter, e.g. after a reconnect.
func (p *Parser) ResetSequence() { p.lastSeq.Store(0) }

func shutter(hi, lo byte) int {
	return (int(hi)-1)*256 + int(lo)
}

func (p *Parser) Stats() ParserStats {
	return ParserStats{
		Frames:         p.frames.Load(),
		SyncErrors:     p.syncErrors.Load(),
		SizeErrors:     p.sizeErrors.Load(),
		Clipped:        p.clipped.Load(),
		MissingPackets: p.missing.Load(),
	}
}
