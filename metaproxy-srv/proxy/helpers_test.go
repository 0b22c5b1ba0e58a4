package proxy

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/numbata/metaproxy/metaproxy-srv/binding"
	"github.com/numbata/metaproxy/metaproxy-srv/config"
	"github.com/numbata/metaproxy/metaproxy-srv/stats"
	"github.com/stretchr/testify/require"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.AllowDirect = true
	cfg.TimeoutSeconds = 5
	cfg.ConnectTimeoutSeconds = 2
	cfg.HeaderTimeoutSeconds = 2
	cfg.TunnelIdleTimeoutSeconds = 5
	return cfg
}

// startProxy serves p on a loopback listener as a binding with the given
// upstream and returns the listen address.
func startProxy(t *testing.T, p *Proxy, upstream string) string {
	t.Helper()

	u, err := binding.ParseUpstream(upstream)
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	b := binding.Binding{Port: ln.Addr().(*net.TCPAddr).Port, Upstream: u}

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go p.ServeConn(context.Background(), conn, b)
		}
	}()

	t.Cleanup(func() {
		_ = ln.Close()
		p.Close()
	})
	return ln.Addr().String()
}

// echoServer echoes every byte and half-closes once the client has.
func echoServer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				_, _ = io.Copy(conn, conn)
				closeWrite(conn)
			}()
		}
	}()
	return ln.Addr().String()
}

// fakeConnectProxy is an upstream HTTP proxy. respond writes the answer to
// the CONNECT request; when it returns true the connection is then echoed.
func fakeConnectProxy(t *testing.T, respond func(conn net.Conn, req *http.Request) bool) (string, <-chan *http.Request) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	requests := make(chan *http.Request, 8)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				br := bufio.NewReader(conn)
				req, err := http.ReadRequest(br)
				if err != nil {
					return
				}
				requests <- req
				if respond(conn, req) {
					_, _ = io.Copy(conn, br)
				}
			}()
		}
	}()
	return ln.Addr().String(), requests
}

// closedAddr returns an address nothing listens on.
func closedAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

// dialProxy opens a client connection with a test deadline.
func dialProxy(t *testing.T, addr string) (net.Conn, *bufio.Reader) {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	require.NoError(t, err)
	require.NoError(t, conn.SetDeadline(time.Now().Add(10*time.Second)))
	t.Cleanup(func() { _ = conn.Close() })
	return conn, bufio.NewReader(conn)
}

// connect sends a CONNECT for target, plus optional extra header lines and
// pipelined payload, and returns the proxy's response.
func connect(t *testing.T, conn net.Conn, br *bufio.Reader, target string, extra string, payload string) *http.Response {
	t.Helper()
	_, err := fmt.Fprintf(conn, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n%s\r\n%s", target, target, extra, payload)
	require.NoError(t, err)
	resp, err := http.ReadResponse(br, &http.Request{Method: http.MethodConnect})
	require.NoError(t, err)
	return resp
}

func readN(t *testing.T, r io.Reader, n int) string {
	t.Helper()
	buf := make([]byte, n)
	_, err := io.ReadFull(r, buf)
	require.NoError(t, err)
	return string(buf)
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(body)
}

func header(lines ...string) string {
	if len(lines) == 0 {
		return ""
	}
	return strings.Join(lines, "\r\n") + "\r\n"
}

// recordingCollector keeps the calls the proxy makes.
type recordingCollector struct {
	*stats.DummyCollector

	mu      sync.Mutex
	nextID  int64
	started []stats.ConnectionInfo
	ended   []endedConnection
	errors  []string
	blocked []string
}

type endedConnection struct {
	id       int64
	sent     int64
	received int64
	reason   string
}

func newRecordingCollector() *recordingCollector {
	return &recordingCollector{DummyCollector: stats.NewDummyCollector()}
}

func (c *recordingCollector) StartConnection(_ context.Context, info stats.ConnectionInfo) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	c.started = append(c.started, info)
	return c.nextID, nil
}

func (c *recordingCollector) EndConnection(_ context.Context, id, sent, received int64, _ time.Duration, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ended = append(c.ended, endedConnection{id: id, sent: sent, received: received, reason: reason})
	return nil
}

func (c *recordingCollector) RecordError(_ context.Context, _ int64, code, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errors = append(c.errors, code)
	return nil
}

func (c *recordingCollector) RecordBlockedRequest(_ context.Context, _, host, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blocked = append(c.blocked, host)
	return nil
}

func (c *recordingCollector) snapshot() ([]stats.ConnectionInfo, []endedConnection, []string, []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]stats.ConnectionInfo(nil), c.started...),
		append([]endedConnection(nil), c.ended...),
		append([]string(nil), c.errors...),
		append([]string(nil), c.blocked...)
}

func mustBinding(t *testing.T, upstream string) binding.Binding {
	t.Helper()
	u, err := binding.ParseUpstream(upstream)
	require.NoError(t, err)
	return binding.Binding{Port: 1, Upstream: u}
}
