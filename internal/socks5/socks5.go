package socks5

import (
	"errors"
	"fmt"
	"net"
	"slices"

	txsocks5 "github.com/txthinking/socks5"
)

// Reply codes a server may send in response to CONNECT.
const (
	RepSuccess             = txsocks5.RepSuccess
	RepHostUnreachable     = txsocks5.RepHostUnreachable
	RepConnectionRefused   = txsocks5.RepConnectionRefused
	RepCommandNotSupported = txsocks5.RepCommandNotSupported
)

// noAcceptableMethods is RFC 1928's refusal of every offered method.
const noAcceptableMethods = 0xff

var (
	ErrAuthFailed     = errors.New("socks5: authentication failed")
	ErrNoMethod       = errors.New("socks5: no acceptable authentication method")
	ErrConnectRefused = errors.New("socks5: connect refused")
)

// Auth configures optional username/password authentication. The zero value
// means no authentication.
type Auth struct {
	Username string
	Password string
}

func (a Auth) enabled() bool {
	return a.Username != ""
}

// ReplyError reports a non-success CONNECT reply.
type ReplyError struct {
	Rep byte
}

func (e *ReplyError) Error() string {
	return fmt.Sprintf("socks5: connect failed with reply code %d", e.Rep)
}

func (e *ReplyError) Unwrap() error {
	return ErrConnectRefused
}

// zeroReply carries an unspecified bind address of the same family as atyp.
func zeroReply(rep, atyp byte) *txsocks5.Reply {
	if atyp == txsocks5.ATYPIPv6 {
		return txsocks5.NewReply(rep, txsocks5.ATYPIPv6, []byte(net.IPv6zero), []byte{0x00, 0x00})
	}
	return txsocks5.NewReply(rep, txsocks5.ATYPIPv4, []byte{0x00, 0x00, 0x00, 0x00}, []byte{0x00, 0x00})
}

func hasMethod(methods []byte, want byte) bool {
	return slices.Contains(methods, want)
}
