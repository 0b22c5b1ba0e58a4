package proxy

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/proxy"

	"github.com/numbata/metaproxy/metaproxy-srv/binding"
)

// maxHandshakeHead caps the response head of an upstream CONNECT.
const maxHandshakeHead = 8 * 1024

var (
	errHeadTruncated = errors.New("response head truncated")
	errHeadTooLarge  = errors.New("response head too large")
)

// handshake asks the upstream proxy for a tunnel to the target. The
// connection is bounded by the connect timeout until the upstream answers.
func (t *tunnel) handshake(ctx context.Context, conn net.Conn) error {
	ctx, cancel := context.WithTimeout(ctx, t.proxy.connectTimeout)
	defer cancel()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
		defer conn.SetDeadline(time.Time{})
	}

	switch t.route.Upstream.Scheme {
	case "socks5", "socks5h":
		return socks5Handshake(ctx, conn, t.route.Upstream, t.host, t.port)
	default:
		return httpConnectHandshake(conn, t.route.Upstream, t.target)
	}
}

// httpConnectHandshake sends CONNECT over conn and reads the answer without
// consuming any byte past the response head.
func httpConnectHandshake(conn net.Conn, upstream *url.URL, target string) error {
	var req strings.Builder
	fmt.Fprintf(&req, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n", target, target)
	if auth := basicAuth(upstream); auth != "" {
		fmt.Fprintf(&req, "Proxy-Authorization: Basic %s\r\n", auth)
	}
	req.WriteString("\r\n")

	if _, err := io.WriteString(conn, req.String()); err != nil {
		return &TunnelError{Phase: PhaseHandshaking, Kind: HandshakeMalformed, Code: ErrCodeCONNECTRequestFailed, Cause: err}
	}

	head, err := readResponseHead(conn, maxHandshakeHead)
	if err != nil {
		return &TunnelError{Phase: PhaseHandshaking, Kind: HandshakeMalformed, Code: ErrCodeCONNECTResponseFailed, Cause: err}
	}

	resp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(head)), &http.Request{Method: http.MethodConnect})
	if err != nil {
		return &TunnelError{Phase: PhaseHandshaking, Kind: HandshakeMalformed, Code: ErrCodeCONNECTResponseFailed, Cause: err}
	}
	_ = resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		code := ErrCodeProxyDenied
		if resp.StatusCode == http.StatusProxyAuthRequired {
			code = ErrCodeProxyAuthFailed
		}
		return &TunnelError{
			Phase:          PhaseHandshaking,
			Kind:           HandshakeRejected,
			Code:           code,
			UpstreamStatus: resp.StatusCode,
			Cause:          fmt.Errorf("upstream answered %q", resp.Status),
		}
	}
	return nil
}

// readResponseHead reads one byte at a time up to and including the blank
// line ending the head, so tunneled bytes after it stay in r.
func readResponseHead(r io.Reader, limit int) ([]byte, error) {
	head := make([]byte, 0, 256)
	var b [1]byte
	for len(head) < limit {
		n, err := r.Read(b[:])
		if n == 1 {
			head = append(head, b[0])
			if bytes.HasSuffix(head, []byte("\r\n\r\n")) || bytes.HasSuffix(head, []byte("\n\n")) {
				return head, nil
			}
			continue
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, errHeadTruncated
			}
			return nil, err
		}
	}
	return nil, errHeadTooLarge
}

func basicAuth(u *url.URL) string {
	if u == nil || u.User == nil {
		return ""
	}
	password, _ := u.User.Password()
	return base64.StdEncoding.EncodeToString([]byte(u.User.Username() + ":" + password))
}

// connDialer hands the already dialed upstream connection to the SOCKS5
// client instead of dialing a new one.
type connDialer struct {
	conn net.Conn
}

func (d connDialer) Dial(_, _ string) (net.Conn, error) {
	return d.conn, nil
}

func (d connDialer) DialContext(_ context.Context, _, _ string) (net.Conn, error) {
	return d.conn, nil
}

// socks5Handshake negotiates a SOCKS5 CONNECT over conn. With socks5 the
// target is resolved locally, with socks5h the upstream resolves it.
func socks5Handshake(ctx context.Context, conn net.Conn, upstream *url.URL, host string, port int) error {
	var auth *proxy.Auth
	if upstream.User != nil {
		password, _ := upstream.User.Password()
		auth = &proxy.Auth{User: upstream.User.Username(), Password: password}
	}

	dialer, err := proxy.SOCKS5("tcp", binding.HostPort(upstream), auth, connDialer{conn: conn})
	if err != nil {
		return &TunnelError{Phase: PhaseHandshaking, Kind: HandshakeRejected, Code: ErrCodeSOCKS5ConnectFailed, Cause: err}
	}

	if upstream.Scheme == "socks5" && net.ParseIP(host) == nil {
		addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
		if err != nil || len(addrs) == 0 {
			if err == nil {
				err = fmt.Errorf("no addresses for %s", host)
			}
			return &TunnelError{Phase: PhaseHandshaking, Kind: ConnectFailed, Code: ErrCodeDialFailed, Timeout: isTimeout(err), Cause: err}
		}
		host = addrs[0].IP.String()
	}
	target := net.JoinHostPort(host, strconv.Itoa(port))

	contextDialer, ok := dialer.(proxy.ContextDialer)
	if !ok {
		_, err = dialer.Dial("tcp", target)
	} else {
		_, err = contextDialer.DialContext(ctx, "tcp", target)
	}
	if err != nil {
		return &TunnelError{Phase: PhaseHandshaking, Kind: HandshakeRejected, Code: ErrCodeSOCKS5ConnectFailed, Cause: err}
	}
	return nil
}
