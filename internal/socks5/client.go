package socks5

import (
	"errors"
	"fmt"
	"net"

	txsocks5 "github.com/txthinking/socks5"
)

// ErrRejected is returned when the server refuses authentication or the
// CONNECT request.
var ErrRejected = errors.New("socks5: rejected by server")

// Auth carries optional username/password credentials.
type Auth struct {
	Username string
	Password string
}

// Connect runs the client handshake on conn, asking the server to open a
// tunnel to address. On success conn carries the tunnel.
func Connect(conn net.Conn, auth Auth, address string) error {
	if err := negotiate(conn, auth); err != nil {
		return err
	}

	atyp, host, port, err := txsocks5.ParseAddress(address)
	if err != nil {
		return fmt.Errorf("socks5: parse %q: %w", address, err)
	}
	if atyp == txsocks5.ATYPDomain {
		// ParseAddress prefixes domains with their length; NewRequest adds it again.
		host = host[1:]
	}
	if _, err := txsocks5.NewRequest(txsocks5.CmdConnect, atyp, host, port).WriteTo(conn); err != nil {
		return fmt.Errorf("socks5: write connect: %w", err)
	}

	rep, err := txsocks5.NewReplyFrom(conn)
	if err != nil {
		return fmt.Errorf("socks5: read reply: %w", err)
	}
	if rep.Rep != txsocks5.RepSuccess {
		return fmt.Errorf("%w: connect to %s (reply %d)", ErrRejected, address, rep.Rep)
	}
	return nil
}

func negotiate(conn net.Conn, auth Auth) error {
	methods := []byte{txsocks5.MethodNone}
	if auth.Username != "" {
		methods = append(methods, txsocks5.MethodUsernamePassword)
	}
	if _, err := txsocks5.NewNegotiationRequest(methods).WriteTo(conn); err != nil {
		return fmt.Errorf("socks5: write methods: %w", err)
	}

	neg, err := txsocks5.NewNegotiationReplyFrom(conn)
	if err != nil {
		return fmt.Errorf("socks5: read method: %w", err)
	}

	switch neg.Method {
	case txsocks5.MethodNone:
		return nil
	case txsocks5.MethodUsernamePassword:
		if auth.Username == "" {
			return fmt.Errorf("%w: credentials required", ErrRejected)
		}
		req := txsocks5.NewUserPassNegotiationRequest([]byte(auth.Username), []byte(auth.Password))
		if _, err := req.WriteTo(conn); err != nil {
			return fmt.Errorf("socks5: write credentials: %w", err)
		}
		rep, err := txsocks5.NewUserPassNegotiationReplyFrom(conn)
		if err != nil {
			return fmt.Errorf("socks5: read auth status: %w", err)
		}
		if rep.Status != txsocks5.UserPassStatusSuccess {
			return fmt.Errorf("%w: bad credentials", ErrRejected)
		}
		return nil
	default:
		return fmt.Errorf("%w: no acceptable method (%#x)", ErrRejected, neg.Method)
	}
}
