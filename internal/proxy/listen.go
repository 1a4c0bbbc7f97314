package proxy

import (
	"context"
	"fmt"
	"net"
)

// ListenTCP opens the proxy's listening socket. Accepted TCP connections get
// ka applied before net/http sees them.
func ListenTCP(ctx context.Context, network, addr string, ka net.KeepAliveConfig) (net.Listener, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s %s: %w", network, addr, err)
	}
	return &KeepAliveListener{Listener: ln, KeepAliveConfig: ka}, nil
}

// KeepAliveListener sets TCP keepalive on each accepted connection.
type KeepAliveListener struct {
	net.Listener
	KeepAliveConfig net.KeepAliveConfig
}

func (l *KeepAliveListener) Accept() (net.Conn, error) {
	c, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	// http.Server gives up on any Accept error, so a failed setsockopt only
	// costs this connection its keepalive.
	if tc, ok := c.(*net.TCPConn); ok {
		_ = tc.SetKeepAliveConfig(l.KeepAliveConfig)
	}
	return c, nil
}
