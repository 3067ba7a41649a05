package transport

import (
	"context"
	"sync"
)

// DisabledDialer stands in when no sensor hardware is attached. Its Conn
// never produces data; Read blocks until Close and writes are discarded.
type DisabledDialer struct{}

func NewDisabledDialer() *DisabledDialer { return &DisabledDialer{} }

func (DisabledDialer) Dial(ctx context.Context) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &disabledConn{done: make(chan struct{})}, nil
}

func (DisabledDialer) Endpoint() string { return "disabled" }
func (DisabledDialer) Duplex() bool     { return true }
func (DisabledDialer) Close() error     { return nil }

type disabledConn struct {
	once sync.Once
	done chan struct{}
}

func (c *disabledConn) Read([]byte) (int, error) {
	<-c.done
	return 0, ErrPortClosed
}

func (c *disabledConn) Write(p []byte) (int, error) {
	select {
	case <-c.done:
		return 0, ErrPortClosed
	default:
		return len(p), nil
	}
}

func (c *disabledConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}
