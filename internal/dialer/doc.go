// Package dialer opens the proxy's outbound connections.
//
// Every implementation satisfies Dialer, the DialContext half of net.Dialer.
// New picks one from an upstream URL: direct:// connects straight to the
// target, while http(s)://, socks5:// and ssh:// relay each connection
// through an upstream proxy using HTTP CONNECT, SOCKS5 CONNECT or SSH
// direct-tcpip channels respectively.
package dialer
