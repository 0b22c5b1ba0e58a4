package proxy

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/numbata/metaproxy/metaproxy-srv/binding"
	"github.com/numbata/metaproxy/metaproxy-srv/stats"
)

var errForwardTimeout = errors.New("request timeout exceeded")

type routeContextKey struct{}

func withRoute(ctx context.Context, route Route) context.Context {
	return context.WithValue(ctx, routeContextKey{}, route)
}

func routeFromContext(ctx context.Context) Route {
	route, _ := ctx.Value(routeContextKey{}).(Route)
	return route
}

// newTransport builds the transport shared by all forwarded requests. The
// next hop of each request comes from the route stored in its context, so
// pooled connections are keyed by upstream as well as target.
func (p *Proxy) newTransport() *http.Transport {
	return &http.Transport{
		Proxy: func(req *http.Request) (*url.URL, error) {
			return routeFromContext(req.Context()).Upstream, nil
		},
		DialContext:            p.dialer.DialContext,
		MaxIdleConns:           100,
		MaxIdleConnsPerHost:    10,
		IdleConnTimeout:        90 * time.Second,
		TLSHandshakeTimeout:    p.connectTimeout,
		ExpectContinueTimeout:  time.Second,
		MaxResponseHeaderBytes: 64 << 10,
		DisableCompression:     true,
	}
}

// handleHTTP forwards one non-CONNECT request. It reports whether the client
// connection can carry another request.
func (p *Proxy) handleHTTP(ctx context.Context, conn net.Conn, reader *bufio.Reader, req *http.Request, s *session) bool {
	target := req.URL.Host
	if target == "" {
		target = req.Host
	}
	if target == "" {
		s.log.Debug("Request %s %s names no host", req.Method, req.URL)
		_ = writeErrorResponse(conn, http.StatusBadRequest, ErrCodeMissingTargetHost, nil)
		return false
	}

	host, port := splitHostDefaultPort(target, req.URL.Scheme)
	if p.blockedHosts.Match(host) {
		p.reject(ctx, conn, s, host, "blocklist")
		return false
	}

	route, err := p.resolveRoute(req.Header.Get(p.proxyToHeader), s.binding, host)
	if err != nil {
		p.writeRouteError(conn, s, err)
		return false
	}

	return p.forward(ctx, conn, reader, req, s, route, target, host, port)
}

func (p *Proxy) forward(ctx context.Context, conn net.Conn, reader *bufio.Reader, req *http.Request, s *session, route Route, target, host string, port int) bool {
	collector := p.collector
	startTime := time.Now()
	log := s.log.With("target", target).With("route", route.Kind)

	connectionID, err := collector.StartConnection(ctx, stats.ConnectionInfo{
		UUID:        s.id,
		BindingPort: s.binding.Port,
		ClientIP:    s.clientIP,
		TargetHost:  host,
		TargetPort:  port,
		Protocol:    "http",
		Route:       route.Kind.String(),
		Upstream:    binding.Redacted(route.Upstream),
	})
	if err != nil {
		log.Debug("Failed to record connection start: %v", err)
	}

	var sent, received int64
	closeReason := "normal"
	defer func() {
		_ = collector.EndConnection(context.WithoutCancel(ctx), connectionID, sent, received, time.Since(startTime), closeReason)
	}()

	reqCtx, cancel := context.WithCancelCause(withRoute(ctx, route))
	defer cancel(nil)
	timer := time.AfterFunc(p.timeout, func() { cancel(errForwardTimeout) })
	defer timer.Stop()

	outReq := req.Clone(reqCtx)
	outReq.RequestURI = ""
	outReq.Close = false
	if outReq.URL.Scheme == "" {
		outReq.URL.Scheme = "http"
	}
	if outReq.URL.Host == "" {
		outReq.URL.Host = target
	}
	removeHopHeaders(outReq.Header)
	outReq.Header.Del(p.proxyToHeader)
	appendForwardedFor(outReq.Header, s.clientIP)

	var body *requestBody
	if req.Body != nil && req.Body != http.NoBody {
		body = newRequestBody(req.Body)
		outReq.Body = body
	}

	if err := collector.RecordHTTPRequest(ctx, connectionID, req.Method, outReq.URL.String(), host, req.ContentLength); err != nil {
		log.Debug("Failed to record HTTP request: %v", err)
	}
	log.Debug("Forwarding %s %s", req.Method, outReq.URL.Redacted())

	resp, err := p.transport.RoundTrip(outReq)
	if body != nil {
		sent = body.n.Load()
	}
	if err != nil {
		fwdErr := classifyForwardError(reqCtx, err)
		closeReason = fwdErr.Kind.String()
		log.Warn("Failed to forward request: %v", fwdErr)
		if recErr := collector.RecordError(ctx, connectionID, fwdErr.Code, fwdErr.Error()); recErr != nil {
			log.Debug("Failed to record error: %v", recErr)
		}
		_ = writeErrorResponse(conn, fwdErr.Status(), fwdErr.Code, nil)
		return false
	}
	defer resp.Body.Close()

	if err := collector.RecordHTTPResponse(ctx, connectionID, resp.StatusCode, resp.ContentLength); err != nil {
		log.Debug("Failed to record HTTP response: %v", err)
	}

	if resp.StatusCode == http.StatusSwitchingProtocols {
		timer.Stop()
		up, down, err := p.relayUpgrade(ctx, newBufferConn(conn, reader), resp)
		sent += up
		received = down
		if err != nil {
			closeReason = "upgrade_failed"
			log.Info("Upgraded connection ended: %v", err)
		}
		return false
	}

	keepAlive, n, err := writeResponse(conn, resp, req.Method, !req.Close)
	received = n
	if err != nil {
		closeReason = "response_copy_failed"
		if errors.Is(context.Cause(reqCtx), errForwardTimeout) {
			closeReason = UpstreamTimeout.String()
		}
		log.Info("Failed to stream response: %v", err)
		return false
	}
	if keepAlive && body != nil && !p.finishRequestBody(conn, req, body) {
		log.Debug("Request body not fully consumed, closing connection")
		keepAlive = false
	}
	if body != nil {
		sent = body.n.Load()
	}
	log.Debug("%s %s -> %d (%d bytes)", req.Method, outReq.URL.Redacted(), resp.StatusCode, n)
	return keepAlive
}

// relayUpgrade answers the client with the upstream's 101 and then relays
// the switched protocol in both directions.
func (p *Proxy) relayUpgrade(ctx context.Context, client *bufferConn, resp *http.Response) (int64, int64, error) {
	upstream, ok := resp.Body.(io.ReadWriteCloser)
	if !ok {
		_ = writeErrorResponse(client, http.StatusBadGateway, ErrCodeHTTPUpgradeFailed, nil)
		return 0, 0, NewProxyError(ErrCodeHTTPUpgradeFailed, errors.New("switched protocol body is not writable"))
	}

	header := resp.Header.Clone()
	removeHopHeaders(header)

	bw := bufio.NewWriter(client)
	fmt.Fprintf(bw, "HTTP/1.1 %s\r\n", statusLine(resp))
	_ = header.Write(bw)
	_, _ = bw.WriteString("\r\n")
	if err := bw.Flush(); err != nil {
		_ = upstream.Close()
		return 0, 0, NewProxyError(ErrCodeHTTPResponseWriteFailed, err)
	}

	return relay(ctx, client, upstream, p.idleTimeout, p.maxDuration)
}

// writeResponse streams resp to the client. keepAlive is what the client
// asked for; the result says whether the connection may be reused.
func writeResponse(w io.Writer, resp *http.Response, method string, keepAlive bool) (bool, int64, error) {
	header := resp.Header.Clone()
	removeHopHeaders(header)

	bodyAllowed := method != http.MethodHead &&
		resp.StatusCode >= 200 &&
		resp.StatusCode != http.StatusNoContent &&
		resp.StatusCode != http.StatusNotModified

	chunked := false
	switch {
	case bodyAllowed && resp.ContentLength >= 0, method == http.MethodHead && resp.ContentLength >= 0:
		header.Set("Content-Length", strconv.FormatInt(resp.ContentLength, 10))
	case !bodyAllowed:
	case keepAlive:
		header.Set("Transfer-Encoding", "chunked")
		chunked = true
	default:
		keepAlive = false
	}
	if !keepAlive {
		header.Set("Connection", "close")
	}

	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "HTTP/1.1 %s\r\n", statusLine(resp))
	_ = header.Write(bw)
	_, _ = bw.WriteString("\r\n")
	if err := bw.Flush(); err != nil {
		return false, 0, err
	}
	if !bodyAllowed {
		return keepAlive, 0, nil
	}

	if !chunked {
		n, err := copyBuffer(w, resp.Body)
		if err != nil {
			return false, n, err
		}
		if resp.ContentLength >= 0 && n != resp.ContentLength {
			return false, n, io.ErrUnexpectedEOF
		}
		return keepAlive, n, nil
	}

	cw := httputil.NewChunkedWriter(w)
	n, err := copyBuffer(cw, resp.Body)
	if err != nil {
		return false, n, err
	}
	if err := cw.Close(); err != nil {
		return false, n, err
	}
	if _, err := io.WriteString(w, "\r\n"); err != nil {
		return false, n, err
	}
	return keepAlive, n, nil
}

func statusLine(resp *http.Response) string {
	code := strconv.Itoa(resp.StatusCode)
	if status := strings.TrimSpace(resp.Status); status != "" && strings.HasPrefix(status, code) {
		return status
	}
	return code + " " + http.StatusText(resp.StatusCode)
}

// classifyForwardError maps a round trip failure to the response the client gets.
func classifyForwardError(ctx context.Context, err error) *ForwardError {
	switch {
	case errors.Is(context.Cause(ctx), errForwardTimeout) || isTimeout(err):
		return &ForwardError{Kind: UpstreamTimeout, Code: ErrCodeTimeoutExceeded, Cause: err}
	case isMalformedResponse(err):
		return &ForwardError{Kind: MalformedUpstreamResponse, Code: ErrCodeMalformedUpstreamResp, Cause: err}
	default:
		return &ForwardError{Kind: UpstreamUnreachable, Code: ErrCodeUpstreamUnreachable, Cause: err}
	}
}

func isMalformedResponse(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "malformed") || strings.Contains(msg, "invalid header") ||
		strings.Contains(msg, "server response headers exceeded")
}

// splitHostDefaultPort splits host[:port], falling back to the scheme's
// default port.
func splitHostDefaultPort(target, scheme string) (string, int) {
	host, portStr, err := net.SplitHostPort(target)
	if err != nil {
		host = strings.TrimSuffix(strings.TrimPrefix(target, "["), "]")
		if strings.EqualFold(scheme, "https") {
			return host, 443
		}
		return host, 80
	}
	port, _ := strconv.Atoi(portStr)
	return host, port
}

// maxDrainBytes caps how much of an unread request body is discarded to keep
// the client connection; net/http.Server uses the same limit.
const maxDrainBytes = 256 << 10

// requestBody is the client's request body as handed to the transport. The
// transport may keep reading it after RoundTrip returns and signals that it
// is done by calling Close. Close does not touch the client stream, so the
// remainder stays unread until finishRequestBody drains it.
type requestBody struct {
	r        io.Reader
	n        atomic.Int64
	once     sync.Once
	released chan struct{}
}

func newRequestBody(r io.Reader) *requestBody {
	return &requestBody{r: r, released: make(chan struct{})}
}

func (b *requestBody) Read(p []byte) (int, error) {
	n, err := b.r.Read(p)
	b.n.Add(int64(n))
	return n, err
}

func (b *requestBody) Close() error {
	b.once.Do(func() { close(b.released) })
	return nil
}

// finishRequestBody waits until the transport has let go of the request body
// and discards what the upstream did not read. It reports whether the next
// request can be read from the connection.
func (p *Proxy) finishRequestBody(conn net.Conn, req *http.Request, body *requestBody) bool {
	wait := time.NewTimer(p.timeout)
	defer wait.Stop()
	select {
	case <-body.released:
	case <-wait.C:
		return false
	}

	_ = conn.SetReadDeadline(time.Now().Add(p.headerTimeout))
	defer func() { _ = conn.SetReadDeadline(time.Time{}) }()
	n, err := io.Copy(io.Discard, io.LimitReader(req.Body, maxDrainBytes+1))
	return err == nil && n <= maxDrainBytes
}
