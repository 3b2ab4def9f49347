package socks5

import (
	"fmt"
	"net"
	"slices"

	txsocks5 "github.com/txthinking/socks5"
)

const noAcceptableMethods = 0xff

// Accept runs the server half of the handshake on conn and returns the
// address the client wants to reach. The caller answers with Grant or
// Refuse. Commands other than CONNECT are refused here.
func Accept(conn net.Conn, auth Auth) (string, error) {
	neg, err := txsocks5.NewNegotiationRequestFrom(conn)
	if err != nil {
		return "", fmt.Errorf("socks5: read methods: %w", err)
	}

	want := byte(txsocks5.MethodNone)
	if auth.Username != "" {
		want = txsocks5.MethodUsernamePassword
	}
	if !slices.Contains(neg.Methods, want) {
		_, _ = txsocks5.NewNegotiationReply(noAcceptableMethods).WriteTo(conn)
		return "", fmt.Errorf("%w: client lacks method %#x", ErrRejected, want)
	}
	if _, err := txsocks5.NewNegotiationReply(want).WriteTo(conn); err != nil {
		return "", fmt.Errorf("socks5: write method: %w", err)
	}

	if want == txsocks5.MethodUsernamePassword {
		up, err := txsocks5.NewUserPassNegotiationRequestFrom(conn)
		if err != nil {
			return "", fmt.Errorf("socks5: read credentials: %w", err)
		}
		if string(up.Uname) != auth.Username || string(up.Passwd) != auth.Password {
			_, _ = txsocks5.NewUserPassNegotiationReply(txsocks5.UserPassStatusFailure).WriteTo(conn)
			return "", fmt.Errorf("%w: bad credentials", ErrRejected)
		}
		if _, err := txsocks5.NewUserPassNegotiationReply(txsocks5.UserPassStatusSuccess).WriteTo(conn); err != nil {
			return "", fmt.Errorf("socks5: write auth status: %w", err)
		}
	}

	req, err := txsocks5.NewRequestFrom(conn)
	if err != nil {
		return "", fmt.Errorf("socks5: read request: %w", err)
	}
	if req.Cmd != txsocks5.CmdConnect {
		_, _ = zeroReply(txsocks5.RepCommandNotSupported, req.Atyp).WriteTo(conn)
		return "", fmt.Errorf("%w: command %d", ErrRejected, req.Cmd)
	}
	return req.Address(), nil
}

// Grant tells the client its tunnel is open, reporting bound as the local
// end.
func Grant(conn net.Conn, bound net.Addr) error {
	atyp, host, port, err := txsocks5.ParseAddress(bound.String())
	if err != nil {
		return fmt.Errorf("socks5: parse %q: %w", bound, err)
	}
	if atyp == txsocks5.ATYPDomain {
		host = host[1:]
	}
	if _, err := txsocks5.NewReply(txsocks5.RepSuccess, atyp, host, port).WriteTo(conn); err != nil {
		return fmt.Errorf("socks5: write reply: %w", err)
	}
	return nil
}

// Refuse tells the client the destination could not be reached.
func Refuse(conn net.Conn) {
	_, _ = zeroReply(txsocks5.RepConnectionRefused, txsocks5.ATYPIPv4).WriteTo(conn)
}

func zeroReply(rep, atyp byte) *txsocks5.Reply {
	if atyp == txsocks5.ATYPIPv6 {
		return txsocks5.NewReply(rep, txsocks5.ATYPIPv6, []byte(net.IPv6zero), []byte{0, 0})
	}
	return txsocks5.NewReply(rep, txsocks5.ATYPIPv4, []byte{0, 0, 0, 0}, []byte{0, 0})
}
