// Package socks5 holds the SOCKS5 handshakes gatekeep needs: the client side
// used when tunnels leave through a socks5:// upstream, and a minimal server
// side used to stand in for such an upstream.
//
// Wire encoding is delegated to github.com/txthinking/socks5. Only the
// CONNECT command and the "none" and username/password methods are handled.
package socks5
