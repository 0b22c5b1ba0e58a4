// Package proxy serves connections accepted on bindings. CONNECT requests
// become tunnels, every other request is forwarded over a shared transport.
package proxy

import (
	"bufio"
	"context"
	"errors"
	"io"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/numbata/metaproxy/metaproxy-srv/binding"
	"github.com/numbata/metaproxy/metaproxy-srv/config"
	"github.com/numbata/metaproxy/metaproxy-srv/hostmatch"
	"github.com/numbata/metaproxy/metaproxy-srv/logger"
	"github.com/numbata/metaproxy/metaproxy-srv/stats"
)

// Proxy implements binding.ConnHandler.
type Proxy struct {
	proxyToHeader string
	allowDirect   bool
	directHosts   *hostmatch.Matcher
	blockedHosts  *hostmatch.Matcher

	timeout        time.Duration
	connectTimeout time.Duration
	headerTimeout  time.Duration
	idleTimeout    time.Duration
	maxDuration    time.Duration
	maxHeaderBytes int

	collector stats.Collector
	dialer    *net.Dialer
	transport *http.Transport
}

var _ binding.ConnHandler = (*Proxy)(nil)

// NewProxy creates a proxy from cfg. A nil collector disables statistics.
func NewProxy(cfg *config.Config, collector stats.Collector) *Proxy {
	if collector == nil {
		collector = stats.NewDummyCollector()
	}

	p := &Proxy{
		proxyToHeader:  http.CanonicalHeaderKey(cfg.ProxyToHeader),
		allowDirect:    cfg.AllowDirect,
		directHosts:    hostmatch.New(cfg.DirectHosts),
		blockedHosts:   hostmatch.New(cfg.BlockedHosts),
		timeout:        cfg.Timeout(),
		connectTimeout: cfg.ConnectTimeout(),
		headerTimeout:  cfg.HeaderTimeout(),
		idleTimeout:    cfg.TunnelIdleTimeout(),
		maxDuration:    cfg.TunnelMaxDuration(),
		maxHeaderBytes: cfg.MaxHeaderBytes,
		collector:      collector,
		dialer: &net.Dialer{
			Timeout:   cfg.ConnectTimeout(),
			KeepAlive: 30 * time.Second,
		},
	}
	p.transport = p.newTransport()

	logger.Debug("Proxy created (allow-direct: %v, direct-hosts: %d, blocked-hosts: %d)",
		p.allowDirect, p.directHosts.Len(), p.blockedHosts.Len())
	return p
}

// Close releases idle upstream connections of the shared transport.
func (p *Proxy) Close() {
	p.transport.CloseIdleConnections()
}

// session is the per-connection state shared by the tunnel and the forwarder.
type session struct {
	id       string
	binding  binding.Binding
	clientIP string
	log      *logger.Scope
}

// ServeConn reads requests from conn until the client goes away, a tunnel
// takes over the connection or a response requires closing it.
func (p *Proxy) ServeConn(ctx context.Context, conn net.Conn, b binding.Binding) {
	defer conn.Close()

	s := &session{
		id:       uuid.NewString(),
		binding:  b,
		clientIP: remoteIP(conn),
	}
	s.log = logger.With("port", b.Port).With("conn", s.id[:8])
	s.log.Trace("Accepted connection from %s", conn.RemoteAddr())

	head := &io.LimitedReader{R: conn, N: int64(p.maxHeaderBytes)}
	reader := bufio.NewReader(head)

	for served := 0; ; served++ {
		head.N = int64(p.maxHeaderBytes)
		if p.headerTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(p.headerTimeout))
		}

		req, err := http.ReadRequest(reader)
		if err != nil {
			p.rejectHead(conn, s, err, head.N <= 0, served)
			return
		}
		head.N = math.MaxInt64
		_ = conn.SetReadDeadline(time.Time{})

		if req.Method == http.MethodConnect {
			p.handleConnect(ctx, newBufferConn(conn, reader), req, s)
			return
		}

		if !p.handleHTTP(ctx, conn, reader, req, s) {
			return
		}
	}
}

// rejectHead answers a request head that could not be read. A client that
// simply went away, or idled out between keep-alive requests, gets nothing.
func (p *Proxy) rejectHead(conn net.Conn, s *session, err error, tooLarge bool, served int) {
	switch {
	case tooLarge:
		s.log.Warn("Request head exceeds %d bytes", p.maxHeaderBytes)
		_ = writeErrorResponse(conn, http.StatusRequestHeaderFieldsTooLarge, ErrCodeRequestHeaderTooLarge, nil)
		lingerClose(conn)
	case errors.Is(err, io.EOF):
		s.log.Trace("Client closed connection after %d requests", served)
	case isTimeout(err):
		if served == 0 {
			s.log.Debug("Timed out reading request head")
		}
	case errors.Is(err, io.ErrUnexpectedEOF) || isClosedConnError(err):
		s.log.Debug("Client went away mid request: %v", err)
	default:
		s.log.Debug("Malformed request: %v", err)
		_ = writeErrorResponse(conn, http.StatusBadRequest, ErrCodeHTTPRequestReadFailed, nil)
		lingerClose(conn)
	}
}

const (
	lingerTimeout  = 500 * time.Millisecond
	lingerMaxBytes = 256 << 10
)

// lingerClose half-closes conn and discards what the client still sends, so
// closing with unread input does not reset the error response we just wrote.
func lingerClose(conn net.Conn) {
	closeWrite(conn)
	_ = conn.SetReadDeadline(time.Now().Add(lingerTimeout))
	_, _ = io.Copy(io.Discard, io.LimitReader(conn, lingerMaxBytes))
}

// handleConnect validates the CONNECT authority and runs the tunnel.
func (p *Proxy) handleConnect(ctx context.Context, client *bufferConn, req *http.Request, s *session) {
	authority := req.URL.Host
	if authority == "" {
		authority = req.Host
	}
	host, port, err := splitAuthority(authority)
	if err != nil {
		s.log.Debug("Invalid CONNECT authority %q: %v", authority, err)
		_ = writeErrorResponse(client, http.StatusBadRequest, ErrCodeInvalidAddress, nil)
		return
	}

	if p.blockedHosts.Match(host) {
		p.reject(ctx, client, s, host, "blocklist")
		return
	}

	route, err := p.resolveRoute(req.Header.Get(p.proxyToHeader), s.binding, host)
	if err != nil {
		p.writeRouteError(client, s, err)
		return
	}

	t := &tunnel{
		proxy:   p,
		session: s,
		client:  client,
		route:   route,
		target:  net.JoinHostPort(host, strconv.Itoa(port)),
		host:    host,
		port:    port,
		log:     s.log.With("target", authority).With("route", route.Kind),
		state:   StateConnecting,
	}
	t.run(ctx)
}

// reject answers a blocked host with 403.
func (p *Proxy) reject(ctx context.Context, w io.Writer, s *session, host, reason string) {
	s.log.Info("Blocked request to %s (%s)", host, reason)
	if err := p.collector.RecordBlockedRequest(ctx, s.clientIP, host, reason); err != nil {
		s.log.Debug("Failed to record blocked request: %v", err)
	}
	_ = writeErrorResponse(w, http.StatusForbidden, ErrCodeBlocklistMatch, nil)
}

func (p *Proxy) writeRouteError(w io.Writer, s *session, err error) {
	status := http.StatusBadGateway
	code := ErrorCode(err, ErrCodeNoUpstream)
	if code == ErrCodeInvalidCascadeUpstream {
		status = http.StatusBadRequest
	}
	s.log.Info("Cannot route request: %v", err)
	_ = writeErrorResponse(w, status, code, nil)
}

// splitAuthority parses host:port where the port is required.
func splitAuthority(authority string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(authority)
	if err != nil {
		return "", 0, err
	}
	if host == "" {
		return "", 0, errors.New("missing host")
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return "", 0, errors.New("invalid port " + strconv.Quote(portStr))
	}
	return host, port, nil
}

func remoteIP(conn net.Conn) string {
	addr := conn.RemoteAddr()
	if addr == nil {
		return ""
	}
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.IP.String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
