// Package dialer opens the proxy's outbound connections, either directly or
// through an upstream HTTP CONNECT or SOCKS5 proxy chosen by URL scheme.
package dialer
