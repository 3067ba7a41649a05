// Package transport opens the links a rig sensor streams over: USB serial
// devices, TCP and UDP sockets, and captured UDP streams for replay.
//
// Every link is presented as a Conn. Reads are bounded by a timeout so a
// reader goroutine can observe a stop request between reads; Close unblocks
// any pending Read.
package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"time"
)

// DefaultIOTimeout bounds open, read and write calls on every transport.
const DefaultIOTimeout = 1000 * time.Millisecond

// Conn is the minimal duplex link a reader and writer share.
type Conn interface {
	io.ReadWriter
	io.Closer
}

// Dialer acquires a Conn. A reconnect supervisor calls Dial again after the
// previous Conn fails, so implementations must tolerate repeated calls.
type Dialer interface {
	// Dial opens a new connection. Errors satisfying IsConfigError will not
	// succeed on retry.
	Dial(ctx context.Context) (Conn, error)
	// Endpoint identifies the device or address for logs and status.
	Endpoint() string
	// Duplex reports whether the link supports a concurrent writer goroutine.
	Duplex() bool
	// Close releases resources held across dials, such as a listening socket.
	Close() error
}

// Kind names a transport flavour in configuration.
type Kind string

const (
	KindSerial    Kind = "serial"
	KindTCPClient Kind = "tcp-client"
	KindTCPServer Kind = "tcp-server"
	KindUDP       Kind = "udp"
	KindPcap      Kind = "pcap"
	KindDisabled  Kind = "disabled"
)

// Framed reports whether the transport carries fixed-size sensor packets
// rather than an opaque byte stream.
func (k Kind) Framed() bool {
	return k == KindSerial
}

// IsTimeout reports whether err is a read or write deadline expiry. Callers
// treat it as "no data yet", not as a link failure.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// deadlineConn applies a fresh read deadline before every Read and a write
// deadline before every Write.
type deadlineConn struct {
	net.Conn
	timeout time.Duration
}

func (c *deadlineConn) Read(p []byte) (int, error) {
	if c.timeout > 0 {
		if err := c.Conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
			return 0, err
		}
	}
	return c.Conn.Read(p)
}

func (c *deadlineConn) Write(p []byte) (int, error) {
	if c.timeout > 0 {
		if err := c.Conn.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
			return 0, err
		}
	}
	return c.Conn.Write(p)
}
