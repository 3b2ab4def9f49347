package proxy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/die-net/gatekeep/internal/origin"
	"github.com/die-net/gatekeep/internal/request"
)

var errHeadTooLarge = errors.New("request head too large")

// outcome is what became of one request, for the access log.
type outcome struct {
	kind   string
	status int
	bytes  int64
}

func (s *Server) handle(ctx context.Context, c net.Conn) {
	defer c.Close()
	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stop()

	start := time.Now()
	log := s.log.With().Str("client", c.RemoteAddr().String()).Logger()

	head, rest, err := readHead(c, s.cfg.NegotiationTimeout)
	if len(head) == 0 {
		if err != nil && !errors.Is(err, io.EOF) {
			log.Debug().Err(err).Msg("no request")
		}
		return
	}
	if err != nil {
		log.Debug().Err(err).Msg("bad request head")
		s.reply(c, http.StatusBadRequest, "Bad Request")
		s.failures.Add(1)
		return
	}

	req, err := request.Parse(head)
	if err == nil && req.Host == "" {
		err = errors.New("no host")
	}
	if err != nil {
		log.Debug().Err(err).Msg("bad request")
		s.reply(c, http.StatusBadRequest, "Bad Request")
		s.failures.Add(1)
		return
	}

	log = log.With().Str("method", req.Method).Str("target", req.Target).Logger()

	var out outcome
	switch req.Method {
	case request.MethodConnect:
		out = s.serveConnect(ctx, log, c, req, rest)
	case request.MethodGet:
		out = s.serveGet(ctx, log, c, req)
	case request.MethodHead:
		out = s.serveHead(ctx, log, c, req)
	default:
		s.reply(c, http.StatusNotImplemented, "Not Implemented")
		out = outcome{kind: "unsupported", status: http.StatusNotImplemented}
	}

	log.Info().
		Str("outcome", out.kind).
		Int("status", out.status).
		Int64("bytes", out.bytes).
		Dur("duration", time.Since(start)).
		Msg("request")
}

func (s *Server) serveConnect(ctx context.Context, log zerolog.Logger, c net.Conn, req request.Request, rest []byte) outcome {
	if s.cfg.BlockConnect && s.cfg.Blocks.IsBlocked(req.Target) {
		return s.refuse(c)
	}

	oc, err := s.cfg.Dialer.DialContext(ctx, "tcp", req.Address())
	if err != nil {
		log.Debug().Err(err).Msg("tunnel dial failed")
		return s.badGateway(c, err)
	}

	if _, err := io.WriteString(c, connectEstablished); err != nil {
		_ = oc.Close()
		return outcome{kind: "tunnel", status: http.StatusOK}
	}
	if len(rest) > 0 {
		if _, err := oc.Write(rest); err != nil {
			_ = oc.Close()
			return outcome{kind: "tunnel", status: http.StatusOK}
		}
	}

	s.tunnels.Add(1)
	if err := Relay(ctx, c, oc, s.cfg.IdleTimeout); err != nil {
		log.Debug().Err(err).Msg("tunnel ended")
	}
	return outcome{kind: "tunnel", status: http.StatusOK}
}

func (s *Server) serveGet(ctx context.Context, log zerolog.Logger, c net.Conn, req request.Request) outcome {
	key := cacheKey(req)
	if s.cfg.Blocks.IsBlocked(key) {
		return s.refuse(c)
	}

	// Stale or unreadable entries are dropped before refetching.
	if e, ok := s.cfg.Cache.Lookup(key); ok {
		if s.cfg.Cache.IsFresh(e, time.Now()) {
			data, err := s.cfg.Cache.ReadPayload(e)
			if err == nil {
				s.cacheHits.Add(1)
				n, _ := s.write(c, data)
				return outcome{kind: "hit", status: statusOf(data), bytes: int64(n)}
			}
			log.Warn().Err(err).Msg("cached payload unreadable, refetching")
		}
		s.cfg.Cache.RemoveIf(key, e.Payload)
	}

	return s.fetch(ctx, log, c, req, key)
}

func (s *Server) serveHead(ctx context.Context, log zerolog.Logger, c net.Conn, req request.Request) outcome {
	if s.cfg.Blocks.IsBlocked(cacheKey(req)) {
		return s.refuse(c)
	}
	return s.fetch(ctx, log, c, req, "")
}

// fetch streams the origin's response to c. A non-empty key makes the
// response a cache candidate, stored only if it arrived whole, was fully
// delivered, has status 200 and fits MaxObjectBytes.
func (s *Server) fetch(ctx context.Context, log zerolog.Logger, c net.Conn, req request.Request, key string) outcome {
	st, err := s.fetcher.Fetch(ctx, req.Method, req.Host, req.Port, req.Path)
	if err != nil {
		log.Debug().Err(err).Msg("fetch failed")
		return s.badGateway(c, err)
	}
	defer st.Close()
	s.fetches.Add(1)

	bp := buffers.Get()
	defer buffers.Put(bp)
	buf := *bp

	keep := key != ""
	var body bytes.Buffer
	var written int64
	var status int
	var statusLine []byte
	for {
		n, rerr := st.Read(buf)
		if n > 0 {
			if status == 0 && len(statusLine) < MaxHeadBytes {
				statusLine = append(statusLine, buf[:n]...)
				status = statusOf(statusLine)
			}
			if _, werr := s.write(c, buf[:n]); werr != nil {
				log.Debug().Err(werr).Msg("client went away")
				return outcome{kind: "aborted", status: status, bytes: written}
			}
			written += int64(n)
			if keep {
				if s.cfg.MaxObjectBytes > 0 && int64(body.Len()+n) > s.cfg.MaxObjectBytes {
					keep = false
					body = bytes.Buffer{}
				} else {
					body.Write(buf[:n])
				}
			}
		}
		if errors.Is(rerr, io.EOF) {
			break
		}
		if rerr != nil {
			if written == 0 {
				return s.badGateway(c, rerr)
			}
			log.Warn().Err(rerr).Msg("origin read failed")
			s.failures.Add(1)
			return outcome{kind: "aborted", status: status, bytes: written}
		}
	}

	if written == 0 {
		return s.badGateway(c, errors.New("empty response from origin"))
	}

	kind := "fetch"
	if keep && status == http.StatusOK {
		if _, err := s.cfg.Cache.Insert(key, body.Bytes()); err != nil {
			log.Warn().Err(err).Msg("cache insert failed")
		} else {
			kind = "miss"
		}
	}
	return outcome{kind: kind, status: status, bytes: written}
}

func (s *Server) refuse(c net.Conn) outcome {
	s.blocked.Add(1)
	s.reply(c, http.StatusForbidden, blockedBody)
	return outcome{kind: "blocked", status: http.StatusForbidden}
}

func (s *Server) badGateway(c net.Conn, err error) outcome {
	s.failures.Add(1)
	s.reply(c, http.StatusBadGateway, "Bad Gateway: "+err.Error())
	return outcome{kind: "unreachable", status: http.StatusBadGateway}
}

func (s *Server) reply(c net.Conn, code int, body string) {
	if s.cfg.IdleTimeout > 0 {
		_ = c.SetWriteDeadline(time.Now().Add(s.cfg.IdleTimeout))
	}
	_ = writeStatus(c, code, body)
}

func (s *Server) write(c net.Conn, p []byte) (int, error) {
	if s.cfg.IdleTimeout > 0 {
		_ = c.SetWriteDeadline(time.Now().Add(s.cfg.IdleTimeout))
	}
	return c.Write(p)
}

// lineGrace is how long readHead waits for more of the head once a complete
// request line has arrived.
const lineGrace = 250 * time.Millisecond

// readHead reads until the blank line ending the request head. rest holds
// any bytes the client sent beyond it. A client that closes, or goes quiet
// for lineGrace, after sending at least a full request line gets what it
// sent back without an error.
func readHead(c net.Conn, timeout time.Duration) (head, rest []byte, err error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
		_ = c.SetReadDeadline(deadline)
	}
	defer func() { _ = c.SetReadDeadline(time.Time{}) }()

	buf := make([]byte, MaxHeadBytes)
	n := 0
	for {
		m, rerr := c.Read(buf[n:])
		n += m
		if end := headEnd(buf[:n]); end >= 0 {
			return buf[:end], buf[end:n], nil
		}
		haveLine := bytes.IndexByte(buf[:n], '\n') >= 0
		if rerr != nil {
			if errors.Is(rerr, io.EOF) && n > 0 {
				return buf[:n], nil, nil
			}
			if haveLine && errors.Is(rerr, os.ErrDeadlineExceeded) {
				return buf[:n], nil, nil
			}
			return buf[:n], nil, rerr
		}
		if n == len(buf) {
			return buf[:n], nil, errHeadTooLarge
		}
		if haveLine && m > 0 {
			grace := time.Now().Add(lineGrace)
			if !deadline.IsZero() && deadline.Before(grace) {
				grace = deadline
			}
			_ = c.SetReadDeadline(grace)
		}
	}
}

func headEnd(b []byte) int {
	crlf := bytes.Index(b, []byte("\r\n\r\n"))
	lf := bytes.Index(b, []byte("\n\n"))
	switch {
	case crlf >= 0 && (lf < 0 || crlf < lf):
		return crlf + 4
	case lf >= 0:
		return lf + 2
	}
	return -1
}

// cacheKey is the absolute URL of req, used for both the block list and
// the cache.
func cacheKey(req request.Request) string {
	if strings.Contains(req.Target, "://") {
		return req.Target
	}
	hostport := req.Host
	if req.Port != "80" {
		hostport = req.Address()
	}
	return req.Scheme + "://" + hostport + req.Path
}

func statusOf(resp []byte) int {
	code, _ := origin.StatusCode(resp)
	return code
}
