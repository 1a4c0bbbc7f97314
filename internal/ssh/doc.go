// Package ssh holds the SSH client plumbing behind the ssh:// upstream.
//
// It turns user settings into an *ssh.Client: signers loaded from a private
// key file or the running SSH agent, host key verification backed by a
// known_hosts file with trust on first use, and a handshake bounded by a
// deadline. Connection sharing and channel dialing live in the dialer package.
package ssh
