// Package request parses the head of a proxied client request.
//
// Only the request line is interpreted; the rest of the head is consulted
// solely for a Host header when the target is origin-relative.
package request

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"strings"
)

const (
	// MaxMethodLen bounds the method token.
	MaxMethodLen = 16

	// DefaultVersion is assumed when the request line omits one.
	DefaultVersion = "HTTP/1.0"

	MethodConnect = "CONNECT"
	MethodGet     = "GET"
	MethodHead    = "HEAD"
)

// ErrParse is wrapped by every parse failure.
var ErrParse = errors.New("malformed request")

// Request is the parsed request line plus the fields derived from its
// target.
type Request struct {
	Method  string
	Target  string
	Version string

	Scheme string
	Host   string
	Port   string
	Path   string
}

// IsConnect reports whether the request asks for a tunnel.
func (r Request) IsConnect() bool {
	return r.Method == MethodConnect
}

// Address returns host:port of the origin.
func (r Request) Address() string {
	return net.JoinHostPort(r.Host, r.Port)
}

// Parse extracts the request from raw, the bytes of a request head.
func Parse(raw []byte) (Request, error) {
	line, rest, _ := bytes.Cut(raw, []byte("\n"))
	line = bytes.TrimSuffix(line, []byte("\r"))

	fields := strings.Fields(string(line))
	switch {
	case len(fields) == 0:
		return Request{}, fmt.Errorf("%w: empty request line", ErrParse)
	case len(fields) < 2:
		return Request{}, fmt.Errorf("%w: missing target", ErrParse)
	case len(fields[0]) > MaxMethodLen:
		return Request{}, fmt.Errorf("%w: method longer than %d bytes", ErrParse, MaxMethodLen)
	}

	r := Request{
		Method:  strings.ToUpper(fields[0]),
		Target:  fields[1],
		Version: DefaultVersion,
	}
	if len(fields) > 2 {
		r.Version = fields[2]
	}

	if r.IsConnect() {
		host, port, err := net.SplitHostPort(r.Target)
		if err != nil {
			host, port = r.Target, "443"
		}
		if host == "" {
			return Request{}, fmt.Errorf("%w: CONNECT target %q has no host", ErrParse, r.Target)
		}
		if port == "" {
			port = "443"
		}
		r.Host, r.Port = host, port
		return r, nil
	}

	r.Scheme, r.Host, r.Port, r.Path = splitURL(r.Target)
	if r.Host == "" {
		r.Host, r.Port = splitHostPort(hostHeader(rest), defaultPort(r.Scheme))
	}
	return r, nil
}

// splitURL follows scheme://host[:port]/path, tolerating a missing scheme
// or path. Anything it cannot make sense of yields path "/".
func splitURL(target string) (scheme, host, port, path string) {
	scheme = "http"
	rest := target
	if i := strings.Index(rest, "://"); i > 0 {
		scheme = strings.ToLower(rest[:i])
		rest = rest[i+3:]
	} else if strings.HasPrefix(rest, "/") {
		return scheme, "", "", rest
	}

	hostport := rest
	path = "/"
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		hostport, path = rest[:i], rest[i:]
	}
	host, port = splitHostPort(hostport, defaultPort(scheme))
	return scheme, host, port, path
}

func splitHostPort(hostport, def string) (string, string) {
	if hostport == "" {
		return "", ""
	}
	host, port, err := net.SplitHostPort(hostport)
	if err != nil || port == "" {
		return strings.Trim(hostport, "[]"), def
	}
	return host, port
}

func defaultPort(scheme string) string {
	if scheme == "https" {
		return "443"
	}
	return "80"
}

func hostHeader(head []byte) string {
	for len(head) > 0 {
		var line []byte
		line, head, _ = bytes.Cut(head, []byte("\n"))
		name, value, ok := bytes.Cut(bytes.TrimSpace(line), []byte(":"))
		if ok && strings.EqualFold(string(bytes.TrimSpace(name)), "Host") {
			return string(bytes.TrimSpace(value))
		}
	}
	return ""
}
