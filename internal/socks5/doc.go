// Package socks5 holds the SOCKS5 handshake used by the socks5:// upstream.
//
// It is a thin layer over the wire types in github.com/txthinking/socks5:
// the client side negotiates (optionally with username/password) and issues
// CONNECT; the server side exists so tests can stand up a minimal upstream
// without a second implementation of the protocol.
package socks5
