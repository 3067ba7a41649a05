package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/banshee-data/ballrig/internal/monitoring"
)

// SerialPort is the subset of serial.Port the sensor link uses.
type SerialPort interface {
	Conn
	SetReadTimeout(t time.Duration) error
	ResetInputBuffer() error
	ResetOutputBuffer() error
	SetDTR(dtr bool) error
	SetRTS(rts bool) error
}

// SerialPortOpener opens a serial port. It is swapped out in tests.
type SerialPortOpener func(path string, mode *serial.Mode) (SerialPort, error)

// PortLister enumerates serial ports for index-based device selection.
type PortLister func() ([]string, error)

func openSerialPort(path string, mode *serial.Mode) (SerialPort, error) {
	return serial.Open(path, mode)
}

// SerialConfig selects and configures a serial sensor link.
type SerialConfig struct {
	// Path names the device directly, e.g. /dev/ttyUSB0 or COM3.
	Path string
	// DeviceIndex picks the n-th enumerated port when Path is empty.
	DeviceIndex int
	Options     PortOptions
	ReadTimeout time.Duration
	// Streaming sends the start command after open and the stop command on
	// close.
	Streaming bool
}

// SerialDialer opens the ball sensor's USB serial link.
type SerialDialer struct {
	cfg    SerialConfig
	mode   *serial.Mode
	open   SerialPortOpener
	list   PortLister
	mu     sync.Mutex
	active string
}

// NewSerialDialer validates cfg. Invalid options are configuration errors.
func NewSerialDialer(cfg SerialConfig) (*SerialDialer, error) {
	mode, err := cfg.Options.SerialMode()
	if err != nil {
		return nil, configErrorf(err, "serial options")
	}
	if cfg.Path == "" && cfg.DeviceIndex < 0 {
		return nil, configErrorf(nil, "device index %d out of range", cfg.DeviceIndex)
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultIOTimeout
	}
	return &SerialDialer{
		cfg:  cfg,
		mode: mode,
		open: openSerialPort,
		list: serial.GetPortsList,
	}, nil
}

// WithOpener replaces the port opener and lister, for tests.
func (d *SerialDialer) WithOpener(open SerialPortOpener, list PortLister) *SerialDialer {
	if open != nil {
		d.open = open
	}
	if list != nil {
		d.list = list
	}
	return d
}

func (d *SerialDialer) resolvePath() (string, error) {
	if d.cfg.Path != "" {
		return d.cfg.Path, nil
	}
	ports, err := d.list()
	if err != nil {
		return "", fmt.Errorf("enumerate serial ports: %w", err)
	}
	if len(ports) == 0 {
		return "", configErrorf(nil, "no serial devices detected")
	}
	if d.cfg.DeviceIndex >= len(ports) {
		return "", configErrorf(nil, "device index %d out of range (%d devices)", d.cfg.DeviceIndex, len(ports))
	}
	return ports[d.cfg.DeviceIndex], nil
}

// Dial opens the port, discards stale bytes, asserts DTR/RTS and, when
// configured, starts streaming.
func (d *SerialDialer) Dial(ctx context.Context) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := d.resolvePath()
	if err != nil {
		return nil, err
	}

	port, err := d.open(path, d.mode)
	if err != nil {
		return nil, classifySerialError(path, err)
	}

	d.mu.Lock()
	d.active = path
	d.mu.Unlock()

	if err := port.SetReadTimeout(d.cfg.ReadTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("set read timeout on %s: %w", path, err)
	}
	// Some USB bridges do not implement modem lines.
	if err := port.SetDTR(true); err != nil {
		monitoring.Logf("serial %s: set DTR: %v", path, err)
	}
	if err := port.SetRTS(true); err != nil {
		monitoring.Logf("serial %s: set RTS: %v", path, err)
	}
	if err := port.ResetInputBuffer(); err != nil {
		monitoring.Logf("serial %s: reset input buffer: %v", path, err)
	}
	if err := port.ResetOutputBuffer(); err != nil {
		monitoring.Logf("serial %s: reset output buffer: %v", path, err)
	}

	c := &serialConn{SerialPort: port, path: path, streaming: d.cfg.Streaming}
	if d.cfg.Streaming {
		if err := SetStreaming(port, true); err != nil {
			port.Close()
			return nil, fmt.Errorf("start streaming on %s: %w", path, err)
		}
	}
	monitoring.Logf("serial %s: opened at %s", path, d.cfg.Options)
	return c, nil
}

// Endpoint returns the configured path, or the last resolved one.
func (d *SerialDialer) Endpoint() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.active != "" {
		return d.active
	}
	if d.cfg.Path != "" {
		return d.cfg.Path
	}
	return fmt.Sprintf("serial#%d", d.cfg.DeviceIndex)
}

// Duplex is false: the streaming commands are written inline, not by a
// writer goroutine.
func (d *SerialDialer) Duplex() bool { return false }

func (d *SerialDialer) Close() error { return nil }

// classifySerialError separates missing or forbidden devices, which retrying
// cannot fix, from transient conditions such as a busy port.
func classifySerialError(path string, err error) error {
	var perr *serial.PortError
	if errors.As(err, &perr) {
		switch perr.Code() {
		case serial.PortNotFound, serial.InvalidSerialPort, serial.PermissionDenied,
			serial.InvalidSpeed, serial.InvalidDataBits, serial.InvalidParity, serial.InvalidStopBits:
			return configErrorf(err, "open %s", path)
		}
	}
	return fmt.Errorf("open %s: %w", path, err)
}

type serialConn struct {
	SerialPort
	path      string
	streaming bool
	closeOnce sync.Once
	closeErr  error
}

// Close stops streaming and releases the port exactly once.
func (c *serialConn) Close() error {
	c.closeOnce.Do(func() {
		if c.streaming {
			if err := SetStreaming(c.SerialPort, false); err != nil {
				monitoring.Logf("serial %s: stop streaming: %v", c.path, err)
			}
		}
		c.closeErr = c.SerialPort.Close()
	})
	return c.closeErr
}
