package proxy

import (
	"fmt"
	"io"
	"net/http"
)

const (
	connectEstablished = "HTTP/1.0 200 Connection Established\r\n\r\n"
	blockedBody        = "Blocked by Proxy Server"
)

// writeStatus sends a response generated by the proxy itself.
func writeStatus(w io.Writer, code int, body string) error {
	_, err := fmt.Fprintf(w, "HTTP/1.0 %d %s\r\n\r\n%s", code, http.StatusText(code), body)
	return err
}
