package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/banshee-data/ballrig/internal/monitoring"
)

// SocketConfig addresses a TCP or UDP link.
type SocketConfig struct {
	Host    string
	Port    int
	Timeout time.Duration
}

func (c SocketConfig) addr() (string, error) {
	if c.Port <= 0 || c.Port > 65535 {
		return "", configErrorf(nil, "invalid port %d", c.Port)
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port)), nil
}

func (c SocketConfig) timeout() time.Duration {
	if c.Timeout <= 0 {
		return DefaultIOTimeout
	}
	return c.Timeout
}

// TCPClientDialer connects out to a streaming host. Refused or timed out
// connections are transient and left to the reconnect supervisor.
type TCPClientDialer struct {
	address string
	timeout time.Duration
}

// NewTCPClientDialer validates cfg. An empty host means localhost.
func NewTCPClientDialer(cfg SocketConfig) (*TCPClientDialer, error) {
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	addr, err := cfg.addr()
	if err != nil {
		return nil, err
	}
	return &TCPClientDialer{address: addr, timeout: cfg.timeout()}, nil
}

func (d *TCPClientDialer) Dial(ctx context.Context) (Conn, error) {
	nd := net.Dialer{Timeout: d.timeout}
	c, err := nd.DialContext(ctx, "tcp", d.address)
	if err != nil {
		var addrErr *net.AddrError
		if errors.As(err, &addrErr) {
			return nil, configErrorf(err, "dial %s", d.address)
		}
		return nil, fmt.Errorf("dial %s: %w", d.address, err)
	}
	monitoring.Logf("tcp client: connected to %s", d.address)
	return &deadlineConn{Conn: c, timeout: d.timeout}, nil
}

func (d *TCPClientDialer) Endpoint() string { return d.address }
func (d *TCPClientDialer) Duplex() bool     { return true }
func (d *TCPClientDialer) Close() error     { return nil }

// TCPServerDialer listens once and accepts one client per Dial. After a
// client drops, the next Dial waits for a new one on the same listener.
type TCPServerDialer struct {
	address string
	timeout time.Duration

	mu sync.Mutex
	ln net.Listener
}

// NewTCPServerDialer binds the listening socket immediately; a bind failure
// is a configuration error.
func NewTCPServerDialer(cfg SocketConfig) (*TCPServerDialer, error) {
	addr, err := cfg.addr()
	if err != nil {
		return nil, err
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, configErrorf(err, "listen %s", addr)
	}
	monitoring.Logf("tcp server: listening on %s", ln.Addr())
	return &TCPServerDialer{address: addr, timeout: cfg.timeout(), ln: ln}, nil
}

// Dial waits for the next client. It polls ctx between accept deadlines.
func (d *TCPServerDialer) Dial(ctx context.Context) (Conn, error) {
	d.mu.Lock()
	ln := d.ln
	d.mu.Unlock()
	if ln == nil {
		return nil, net.ErrClosed
	}
	tl, _ := ln.(*net.TCPListener)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if tl != nil {
			_ = tl.SetDeadline(time.Now().Add(d.timeout))
		}
		c, err := ln.Accept()
		if err != nil {
			if IsTimeout(err) {
				continue
			}
			return nil, fmt.Errorf("accept on %s: %w", d.address, err)
		}
		monitoring.Logf("tcp server: client %s connected", c.RemoteAddr())
		return &deadlineConn{Conn: c, timeout: d.timeout}, nil
	}
}

// Endpoint returns the bound address, which differs from the configured one
// when port 0 was requested.
func (d *TCPServerDialer) Endpoint() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ln != nil {
		return d.ln.Addr().String()
	}
	return d.address
}

func (d *TCPServerDialer) Duplex() bool { return true }

// Close stops listening. Any Dial in progress returns.
func (d *TCPServerDialer) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ln == nil {
		return nil
	}
	err := d.ln.Close()
	d.ln = nil
	return err
}

// UDPDialer receives datagrams on a local port. It is receive-only.
type UDPDialer struct {
	address string
	timeout time.Duration

	mu    sync.Mutex
	bound string
}

func NewUDPDialer(cfg SocketConfig) (*UDPDialer, error) {
	addr, err := cfg.addr()
	if err != nil {
		return nil, err
	}
	return &UDPDialer{address: addr, timeout: cfg.timeout()}, nil
}

// Dial binds the socket. Failing to bind is a configuration error.
func (d *UDPDialer) Dial(ctx context.Context) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var lc net.ListenConfig
	pc, err := lc.ListenPacket(ctx, "udp", d.address)
	if err != nil {
		return nil, configErrorf(err, "bind udp %s", d.address)
	}
	uc := pc.(*net.UDPConn)
	d.mu.Lock()
	d.bound = uc.LocalAddr().String()
	d.mu.Unlock()
	monitoring.Logf("udp: listening on %s", d.bound)
	return &udpConn{deadlineConn{Conn: uc, timeout: d.timeout}}, nil
}

func (d *UDPDialer) Endpoint() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.bound != "" {
		return d.bound
	}
	return d.address
}

func (d *UDPDialer) Duplex() bool { return false }
func (d *UDPDialer) Close() error { return nil }

// ErrReceiveOnly is returned by writes on a receive-only link.
var ErrReceiveOnly = errors.New("link is receive-only")

type udpConn struct {
	deadlineConn
}

func (c *udpConn) Write([]byte) (int, error) { return 0, ErrReceiveOnly }
