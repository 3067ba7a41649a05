package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/banshee-data/ballrig/internal/monitoring"
	"github.com/banshee-data/ballrig/internal/timeutil"
)

// PcapConfig describes a capture file replayed in place of a UDP socket.
type PcapConfig struct {
	Path string
	// Port selects UDP datagrams by destination port. Zero accepts any.
	Port int
	// Realtime paces payloads by their capture timestamps.
	Realtime bool
	// Loop restarts from the beginning of the file at EOF.
	Loop  bool
	Clock timeutil.Clock
}

// PcapDialer replays the UDP payloads of a capture file. Once a non-looping
// replay has been consumed, Dial returns ErrReplayDone.
type PcapDialer struct {
	cfg PcapConfig

	mu       sync.Mutex
	finished bool
}

func NewPcapDialer(cfg PcapConfig) (*PcapDialer, error) {
	if cfg.Path == "" {
		return nil, configErrorf(nil, "pcap path is empty")
	}
	if _, err := os.Stat(cfg.Path); err != nil {
		return nil, configErrorf(err, "pcap file")
	}
	if cfg.Port < 0 || cfg.Port > 65535 {
		return nil, configErrorf(nil, "invalid port %d", cfg.Port)
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	return &PcapDialer{cfg: cfg}, nil
}

func (d *PcapDialer) Dial(ctx context.Context) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	finished := d.finished
	d.mu.Unlock()
	if finished {
		return nil, ErrReplayDone
	}

	f, err := os.Open(d.cfg.Path)
	if err != nil {
		return nil, configErrorf(err, "open pcap")
	}
	r, err := pcapgo.NewReader(f)
	if err != nil {
		f.Close()
		return nil, configErrorf(err, "read pcap header %s", d.cfg.Path)
	}
	monitoring.Logf("pcap: replaying %s (udp port %d, realtime=%v, loop=%v)",
		d.cfg.Path, d.cfg.Port, d.cfg.Realtime, d.cfg.Loop)
	return &pcapConn{
		d:      d,
		f:      f,
		r:      r,
		done:   make(chan struct{}),
		decode: gopacket.DecodeOptions{Lazy: true, NoCopy: true},
	}, nil
}

func (d *PcapDialer) Endpoint() string { return "pcap:" + d.cfg.Path }
func (d *PcapDialer) Duplex() bool     { return false }
func (d *PcapDialer) Close() error     { return nil }

func (d *PcapDialer) markFinished() {
	d.mu.Lock()
	d.finished = true
	d.mu.Unlock()
}

type pcapConn struct {
	d      *PcapDialer
	f      *os.File
	r      *pcapgo.Reader
	decode gopacket.DecodeOptions

	pending []byte
	lastTS  time.Time
	packets int

	once sync.Once
	done chan struct{}
}

// Read returns the next matching UDP payload, or the remainder of one that
// did not fit in p.
func (c *pcapConn) Read(p []byte) (int, error) {
	for len(c.pending) == 0 {
		select {
		case <-c.done:
			return 0, ErrPortClosed
		default:
		}
		payload, ts, err := c.next()
		if err != nil {
			return 0, err
		}
		if c.d.cfg.Realtime && !c.lastTS.IsZero() {
			if gap := ts.Sub(c.lastTS); gap > 0 {
				select {
				case <-c.d.cfg.Clock.After(gap):
				case <-c.done:
					return 0, ErrPortClosed
				}
			}
		}
		c.lastTS = ts
		c.pending = payload
	}
	n := copy(p, c.pending)
	c.pending = c.pending[n:]
	return n, nil
}

func (c *pcapConn) next() ([]byte, time.Time, error) {
	for {
		data, ci, err := c.r.ReadPacketData()
		if errors.Is(err, io.EOF) {
			if c.d.cfg.Loop && c.packets > 0 {
				if err := c.rewind(); err != nil {
					return nil, time.Time{}, err
				}
				continue
			}
			monitoring.Logf("pcap: replay of %s complete (%d payloads)", c.d.cfg.Path, c.packets)
			c.d.markFinished()
			return nil, time.Time{}, io.EOF
		}
		if err != nil {
			return nil, time.Time{}, fmt.Errorf("read pcap packet: %w", err)
		}

		pkt := gopacket.NewPacket(data, c.r.LinkType(), c.decode)
		udpLayer := pkt.Layer(layers.LayerTypeUDP)
		if udpLayer == nil {
			continue
		}
		udp, ok := udpLayer.(*layers.UDP)
		if !ok || len(udp.Payload) == 0 {
			continue
		}
		if c.d.cfg.Port != 0 && int(udp.DstPort) != c.d.cfg.Port {
			continue
		}
		c.packets++
		return append([]byte(nil), udp.Payload...), ci.Timestamp, nil
	}
}

func (c *pcapConn) rewind() error {
	if _, err := c.f.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("rewind pcap: %w", err)
	}
	r, err := pcapgo.NewReader(c.f)
	if err != nil {
		return fmt.Errorf("rewind pcap: %w", err)
	}
	c.r = r
	c.lastTS = time.Time{}
	return nil
}

func (c *pcapConn) Write([]byte) (int, error) { return 0, ErrReceiveOnly }

func (c *pcapConn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		err = c.f.Close()
	})
	return err
}
