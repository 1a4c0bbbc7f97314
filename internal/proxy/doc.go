// Package proxy implements the hopproxy HTTP forward proxy.
//
// A single HTTPProxyServer dispatches every request it reads: CONNECT requests
// are answered by dialing the requested authority, hijacking the client
// connection and splicing the two sockets together; any other method must
// carry an absolute URI and is forwarded through a shared http.Transport after
// hop-by-hop headers are stripped.
//
// The package also holds the connection plumbing those paths share: the
// keepalive listener, pooled copy buffers and the tunnel splice itself.
package proxy
