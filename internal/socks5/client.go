package socks5

import (
	"fmt"
	"net"

	txsocks5 "github.com/txthinking/socks5"
)

// ClientDial runs the client half of a SOCKS5 handshake on conn and asks the
// server to CONNECT to address. On success conn carries the relayed stream.
func ClientDial(conn net.Conn, auth Auth, address string) error {
	if err := clientNegotiate(conn, auth); err != nil {
		return err
	}
	return clientConnect(conn, address)
}

func clientNegotiate(conn net.Conn, auth Auth) error {
	methods := []byte{txsocks5.MethodNone}
	if auth.enabled() {
		methods = append(methods, txsocks5.MethodUsernamePassword)
	}

	if _, err := txsocks5.NewNegotiationRequest(methods).WriteTo(conn); err != nil {
		return fmt.Errorf("socks5: write negotiation: %w", err)
	}

	neg, err := txsocks5.NewNegotiationReplyFrom(conn)
	if err != nil {
		return fmt.Errorf("socks5: read negotiation: %w", err)
	}

	switch neg.Method {
	case txsocks5.MethodNone:
		return nil
	case txsocks5.MethodUsernamePassword:
		if !auth.enabled() {
			return fmt.Errorf("%w: server requires username/password", ErrNoMethod)
		}
		req := txsocks5.NewUserPassNegotiationRequest([]byte(auth.Username), []byte(auth.Password))
		if _, err := req.WriteTo(conn); err != nil {
			return fmt.Errorf("socks5: write credentials: %w", err)
		}
		rep, err := txsocks5.NewUserPassNegotiationReplyFrom(conn)
		if err != nil {
			return fmt.Errorf("socks5: read credentials reply: %w", err)
		}
		if rep.Status != txsocks5.UserPassStatusSuccess {
			return ErrAuthFailed
		}
		return nil
	default:
		return fmt.Errorf("%w: server chose %#x", ErrNoMethod, neg.Method)
	}
}

func clientConnect(conn net.Conn, address string) error {
	atyp, addr, port, err := txsocks5.ParseAddress(address)
	if err != nil {
		return fmt.Errorf("socks5: parse address %q: %w", address, err)
	}
	// ParseAddress length-prefixes domains; NewRequest adds its own prefix.
	if atyp == txsocks5.ATYPDomain {
		addr = addr[1:]
	}

	if _, err := txsocks5.NewRequest(txsocks5.CmdConnect, atyp, addr, port).WriteTo(conn); err != nil {
		return fmt.Errorf("socks5: write connect: %w", err)
	}

	rep, err := txsocks5.NewReplyFrom(conn)
	if err != nil {
		return fmt.Errorf("socks5: read connect reply: %w", err)
	}
	if rep.Rep != txsocks5.RepSuccess {
		return &ReplyError{Rep: rep.Rep}
	}
	return nil
}
