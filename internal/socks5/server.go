package socks5

import (
	"fmt"
	"net"

	txsocks5 "github.com/txthinking/socks5"
)

// ServerAccept runs the server half of negotiation on conn and reads the
// client's request. When auth is enabled the client must present matching
// credentials. The caller answers the request with WriteSuccessReply or
// WriteFailureReply.
func ServerAccept(conn net.Conn, auth Auth) (*txsocks5.Request, error) {
	neg, err := txsocks5.NewNegotiationRequestFrom(conn)
	if err != nil {
		return nil, fmt.Errorf("socks5: read negotiation: %w", err)
	}

	method := byte(txsocks5.MethodNone)
	if auth.enabled() {
		method = txsocks5.MethodUsernamePassword
	}
	if !hasMethod(neg.Methods, method) {
		_, _ = txsocks5.NewNegotiationReply(noAcceptableMethods).WriteTo(conn)
		return nil, ErrNoMethod
	}
	if _, err := txsocks5.NewNegotiationReply(method).WriteTo(conn); err != nil {
		return nil, fmt.Errorf("socks5: write negotiation: %w", err)
	}

	if auth.enabled() {
		creds, err := txsocks5.NewUserPassNegotiationRequestFrom(conn)
		if err != nil {
			return nil, fmt.Errorf("socks5: read credentials: %w", err)
		}
		if string(creds.Uname) != auth.Username || string(creds.Passwd) != auth.Password {
			_, _ = txsocks5.NewUserPassNegotiationReply(txsocks5.UserPassStatusFailure).WriteTo(conn)
			return nil, ErrAuthFailed
		}
		if _, err := txsocks5.NewUserPassNegotiationReply(txsocks5.UserPassStatusSuccess).WriteTo(conn); err != nil {
			return nil, fmt.Errorf("socks5: write credentials reply: %w", err)
		}
	}

	req, err := txsocks5.NewRequestFrom(conn)
	if err != nil {
		return nil, fmt.Errorf("socks5: read request: %w", err)
	}
	return req, nil
}

// WriteSuccessReply reports a successful CONNECT bound to localAddr.
func WriteSuccessReply(conn net.Conn, localAddr net.Addr) error {
	atyp, addr, port, err := txsocks5.ParseAddress(localAddr.String())
	if err != nil {
		return fmt.Errorf("socks5: parse bind address %q: %w", localAddr, err)
	}
	if atyp == txsocks5.ATYPDomain {
		addr = addr[1:]
	}
	if _, err := txsocks5.NewReply(txsocks5.RepSuccess, atyp, addr, port).WriteTo(conn); err != nil {
		return fmt.Errorf("socks5: write reply: %w", err)
	}
	return nil
}

// WriteFailureReply answers a request with reply code rep.
func WriteFailureReply(conn net.Conn, rep, atyp byte) {
	_, _ = zeroReply(rep, atyp).WriteTo(conn)
}
