package proxy

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"golang.org/x/sync/errgroup"
)

// TunnelStats reports how many bytes a splice moved in each direction.
type TunnelStats struct {
	ClientToTarget int64
	TargetToClient int64
}

// Splice copies bytes between client and target until both directions have
// reached EOF or either one fails.
//
// When one side's reads are exhausted, the opposite connection is half-closed
// and the reverse direction keeps running. An I/O error in either direction
// ends the whole tunnel. Canceling ctx closes both connections and Splice
// returns ctx.Err(). Both connections are always closed on return; close
// errors are ignored.
//
// The returned stats are valid even when err is non-nil.
func Splice(ctx context.Context, client, target net.Conn) (TunnelStats, error) {
	var (
		stats     TunnelStats
		closeOnce sync.Once
	)
	closeBoth := func() {
		closeOnce.Do(func() {
			_ = client.Close()
			_ = target.Close()
		})
	}
	defer closeBoth()

	g, gctx := errgroup.WithContext(ctx)

	// Unblocks the surviving copy once the other fails, or on cancellation.
	stop := context.AfterFunc(gctx, closeBoth)
	defer stop()

	g.Go(func() error {
		var err error
		stats.ClientToTarget, err = pipe(target, client)
		return err
	})

	g.Go(func() error {
		var err error
		stats.TargetToClient, err = pipe(client, target)
		return err
	})

	err := g.Wait()
	if err == nil {
		err = ctx.Err()
	}
	return stats, err
}

// pipe copies src into dst and half-closes dst once src reports EOF.
func pipe(dst, src net.Conn) (int64, error) {
	buf := copyBuffers.Get()
	defer copyBuffers.Put(buf)

	n, err := io.CopyBuffer(dst, src, buf)
	if err != nil {
		// The connections are owned by Splice, so a closed-connection error
		// means Splice itself tore the tunnel down after a failure elsewhere.
		if errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
			return n, nil
		}
		return n, err
	}

	_ = closeWrite(dst)
	return n, nil
}

type closeWriter interface {
	CloseWrite() error
}

// closeWrite shuts down the write side of c, or closes it entirely when it
// cannot be half-closed.
func closeWrite(c net.Conn) error {
	if cw, ok := c.(closeWriter); ok {
		return cw.CloseWrite()
	}
	return c.Close()
}

// prefixConn replays bytes that were read ahead from a connection before
// reading from the connection itself.
type prefixConn struct {
	net.Conn
	r io.Reader
}

func (c *prefixConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

func (c *prefixConn) CloseWrite() error {
	return closeWrite(c.Conn)
}

// withBuffered returns conn, prefixed with whatever br has already buffered
// from it.
func withBuffered(conn net.Conn, br *bufio.Reader) net.Conn {
	n := br.Buffered()
	if n == 0 {
		return conn
	}

	ahead, err := br.Peek(n)
	if err != nil {
		return conn
	}
	pending := make([]byte, len(ahead))
	copy(pending, ahead)

	return &prefixConn{Conn: conn, r: io.MultiReader(bytes.NewReader(pending), conn)}
}
