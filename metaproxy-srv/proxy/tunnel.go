package proxy

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/numbata/metaproxy/metaproxy-srv/binding"
	"github.com/numbata/metaproxy/metaproxy-srv/logger"
	"github.com/numbata/metaproxy/metaproxy-srv/stats"
)

// TunnelState is the lifecycle state of a CONNECT tunnel.
type TunnelState int

const (
	StateConnecting TunnelState = iota
	StateHandshaking
	StateRelaying
	StateClosed
	StateFailed
)

func (s TunnelState) String() string {
	switch s {
	case StateConnecting:
		return "Connecting"
	case StateHandshaking:
		return "Handshaking"
	case StateRelaying:
		return "Relaying"
	case StateClosed:
		return "Closed"
	case StateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

const connectEstablished = "HTTP/1.1 200 Connection Established\r\n\r\n"

type tunnel struct {
	proxy   *Proxy
	session *session
	client  *bufferConn
	route   Route
	target  string // host:port requested by the client
	host    string
	port    int
	log     *logger.Scope
	state   TunnelState
}

func (t *tunnel) setState(state TunnelState) {
	t.log.Trace("Tunnel %s -> %s", t.state, state)
	t.state = state
}

// run drives the tunnel from dial to teardown. The upstream connection is
// owned by this goroutine for its whole life.
func (t *tunnel) run(ctx context.Context) {
	collector := t.proxy.collector
	startTime := time.Now()

	connectionID, err := collector.StartConnection(ctx, stats.ConnectionInfo{
		UUID:        t.session.id,
		BindingPort: t.session.binding.Port,
		ClientIP:    t.session.clientIP,
		TargetHost:  t.host,
		TargetPort:  t.port,
		Protocol:    "connect",
		Route:       t.route.Kind.String(),
		Upstream:    binding.Redacted(t.route.Upstream),
	})
	if err != nil {
		t.log.Debug("Failed to record connection start: %v", err)
	}

	upstream, err := t.connect(ctx)
	if err != nil {
		t.fail(ctx, connectionID, startTime, err)
		return
	}

	if t.route.Upstream != nil {
		t.setState(StateHandshaking)
		if err := t.handshake(ctx, upstream); err != nil {
			_ = upstream.Close()
			t.fail(ctx, connectionID, startTime, err)
			return
		}
	}

	tracked := newTrackedConn(ctx, upstream, collector, connectionID)
	defer tracked.Close()

	if _, err := io.WriteString(t.client, connectEstablished); err != nil {
		t.log.Debug("Failed to confirm tunnel to client: %v", err)
		tracked.SetCloseReason("client_gone")
		t.setState(StateFailed)
		return
	}

	t.setState(StateRelaying)
	t.log.Debug("Tunnel established to %s (%s)", t.target, t.route)

	sent, received, err := relay(ctx, t.client, tracked, t.proxy.idleTimeout, t.proxy.maxDuration)
	if err != nil {
		t.setState(StateFailed)
		var tunnelErr *TunnelError
		if errors.As(err, &tunnelErr) {
			tracked.SetCloseReason(tunnelErr.Kind.String())
		}
		if recErr := collector.RecordError(ctx, connectionID, ErrorCode(err, ErrCodeInternalError), err.Error()); recErr != nil {
			t.log.Debug("Failed to record error: %v", recErr)
		}
		t.log.Info("Tunnel to %s ended: %v", t.target, err)
	} else {
		t.setState(StateClosed)
	}
	t.log.Debug("Tunnel to %s closed after %v (%d bytes sent, %d bytes received)",
		t.target, time.Since(startTime).Round(time.Millisecond), sent, received)
}

// fail answers the client for a tunnel that never reached Relaying.
func (t *tunnel) fail(ctx context.Context, connectionID int64, startTime time.Time, err error) {
	t.setState(StateFailed)

	var tunnelErr *TunnelError
	if !errors.As(err, &tunnelErr) {
		tunnelErr = &TunnelError{Phase: PhaseConnecting, Kind: ConnectFailed, Code: ErrCodeInternalError, Cause: err}
	}
	t.log.Warn("Tunnel to %s failed: %v", t.target, tunnelErr)

	collector := t.proxy.collector
	if recErr := collector.RecordError(ctx, connectionID, tunnelErr.Code, tunnelErr.Error()); recErr != nil {
		t.log.Debug("Failed to record error: %v", recErr)
	}
	_ = collector.EndConnection(ctx, connectionID, 0, 0, time.Since(startTime), tunnelErr.Kind.String())

	var extra http.Header
	if tunnelErr.UpstreamStatus != 0 {
		extra = http.Header{"X-Upstream-Status": {strconv.Itoa(tunnelErr.UpstreamStatus)}}
	}
	if werr := writeErrorResponse(t.client, tunnelErr.Status(), tunnelErr.Code, extra); werr != nil {
		t.log.Debug("Failed to write error response: %v", werr)
	}
}

// connect dials the target, or the upstream proxy when the route has one.
func (t *tunnel) connect(ctx context.Context) (net.Conn, error) {
	addr := t.target
	code := ErrCodeDialFailed
	if t.route.Upstream != nil {
		addr = binding.HostPort(t.route.Upstream)
		code = ErrCodeUpstreamConnectFailed
	}

	dialCtx, cancel := context.WithTimeout(ctx, t.proxy.connectTimeout)
	defer cancel()

	conn, err := t.proxy.dialer.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		timeout := isTimeout(err) || errors.Is(dialCtx.Err(), context.DeadlineExceeded)
		if timeout {
			code = ErrCodeConnectionTimeout
		}
		return nil, &TunnelError{Phase: PhaseConnecting, Kind: ConnectFailed, Code: code, Timeout: timeout, Cause: err}
	}

	if t.route.Upstream != nil && t.route.Upstream.Scheme == "https" {
		tlsConn := tls.Client(conn, &tls.Config{ServerName: t.route.Upstream.Hostname()})
		if err := tlsConn.HandshakeContext(dialCtx); err != nil {
			_ = conn.Close()
			return nil, &TunnelError{
				Phase:   PhaseConnecting,
				Kind:    ConnectFailed,
				Code:    ErrCodeTLSUpstreamFailed,
				Timeout: isTimeout(err),
				Cause:   err,
			}
		}
		conn = tlsConn
	}
	return conn, nil
}
