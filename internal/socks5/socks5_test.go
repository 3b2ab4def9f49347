package socks5

import (
	"errors"
	"net"
	"testing"

	"golang.org/x/sync/errgroup"
)

func TestConnect(t *testing.T) {
	tests := []struct {
		name       string
		server     Auth
		client     Auth
		wantReject bool
	}{
		{name: "no_auth"},
		{name: "user_pass", server: Auth{Username: "u", Password: "p"}, client: Auth{Username: "u", Password: "p"}},
		{name: "bad_password", server: Auth{Username: "u", Password: "p"}, client: Auth{Username: "u", Password: "x"}, wantReject: true},
		{name: "missing_credentials", server: Auth{Username: "u", Password: "p"}, wantReject: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clientConn, serverConn := net.Pipe()
			defer clientConn.Close()
			defer serverConn.Close()

			var got string
			var g errgroup.Group
			g.Go(func() error {
				defer serverConn.Close()
				addr, err := Accept(serverConn, tt.server)
				if err != nil {
					return err
				}
				got = addr
				return Grant(serverConn, &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 12345})
			})

			err := Connect(clientConn, tt.client, "example.com:443")
			clientConn.Close()
			serr := g.Wait()

			if tt.wantReject {
				if err == nil {
					t.Fatal("expected client error")
				}
				if serr == nil {
					t.Fatal("expected server error")
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if serr != nil {
				t.Fatal(serr)
			}
			if got != "example.com:443" {
				t.Fatalf("server saw %q", got)
			}
		})
	}
}

func TestConnectRefused(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()

	go func() {
		defer serverConn.Close()
		if _, err := Accept(serverConn, Auth{}); err == nil {
			Refuse(serverConn)
		}
	}()

	err := Connect(clientConn, Auth{}, "10.0.0.1:80")
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("err=%v, want ErrRejected", err)
	}
}
