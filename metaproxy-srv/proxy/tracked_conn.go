package proxy

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/numbata/metaproxy/metaproxy-srv/stats"
)

// trackedConn is a wrapper around the target side of a tunnel that counts
// bytes and ends the statistics record exactly once on Close.
type trackedConn struct {
	net.Conn
	collector     stats.Collector
	connectionID  int64
	bytesSent     atomic.Int64
	bytesReceived atomic.Int64
	startTime     time.Time
	ctx           context.Context

	reasonMu    sync.Mutex
	closeReason string
	endOnce     sync.Once
}

// newTrackedConn creates a new tracked connection. ctx is only used for the
// collector calls and may outlive the client.
func newTrackedConn(ctx context.Context, conn net.Conn, collector stats.Collector, connectionID int64) *trackedConn {
	return &trackedConn{
		Conn:         conn,
		collector:    collector,
		connectionID: connectionID,
		startTime:    time.Now(),
		ctx:          context.WithoutCancel(ctx),
		closeReason:  "normal",
	}
}

// Read reads data from the connection, tracking the number of bytes received.
func (c *trackedConn) Read(b []byte) (n int, err error) {
	n, err = c.Conn.Read(b)
	if n > 0 {
		c.bytesReceived.Add(int64(n))
	}
	return n, err
}

// Write writes data to the connection, tracking the number of bytes sent.
func (c *trackedConn) Write(b []byte) (n int, err error) {
	n, err = c.Conn.Write(b)
	if n > 0 {
		c.bytesSent.Add(int64(n))
	}
	return n, err
}

// CloseWrite half-closes the underlying connection if it supports it.
func (c *trackedConn) CloseWrite() error {
	if cw, ok := c.Conn.(closeWriter); ok {
		return cw.CloseWrite()
	}
	return nil
}

// SetCloseReason records why the connection ends. The last reason set before
// Close wins.
func (c *trackedConn) SetCloseReason(reason string) {
	c.reasonMu.Lock()
	c.closeReason = reason
	c.reasonMu.Unlock()
}

// Close closes the connection and records the final statistics.
func (c *trackedConn) Close() error {
	err := c.Conn.Close()
	c.endOnce.Do(func() {
		c.reasonMu.Lock()
		reason := c.closeReason
		c.reasonMu.Unlock()

		_ = c.collector.EndConnection(c.ctx, c.connectionID,
			c.bytesSent.Load(), c.bytesReceived.Load(), time.Since(c.startTime), reason)
	})
	return err
}
