package dialer

import (
	"bufio"
	"context"
	"net"
	"time"
)

// aLongTimeAgo is a non-zero time far in the past, used to fail pending I/O
// immediately.
var aLongTimeAgo = time.Unix(1, 0)

// negotiate runs fn, which speaks some handshake over conn, bounded by timeout
// and by ctx. On failure conn is closed. On success any deadline is cleared.
func negotiate(ctx context.Context, conn net.Conn, timeout time.Duration, fn func() error) error {
	if timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(timeout))
	}

	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(aLongTimeAgo)
	})

	err := fn()
	if !stop() && ctx.Err() != nil {
		err = ctx.Err()
	}
	if err != nil {
		_ = conn.Close()
		return err
	}

	_ = conn.SetDeadline(time.Time{})
	return nil
}

// bufferedConn drains bytes an upstream sent right after its handshake reply
// before reading from the connection again.
type bufferedConn struct {
	net.Conn
	br *bufio.Reader
}

func withReader(conn net.Conn, br *bufio.Reader) net.Conn {
	if br.Buffered() == 0 {
		return conn
	}
	return &bufferedConn{Conn: conn, br: br}
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	return c.br.Read(p)
}

func (c *bufferedConn) CloseWrite() error {
	if cw, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return c.Conn.Close()
}
