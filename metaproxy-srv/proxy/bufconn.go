package proxy

import (
	"bufio"
	"errors"
	"io"
	"net"
	"strings"
)

type closeWriter interface {
	CloseWrite() error
}

// bufferConn is the client side of a connection after its request head was
// parsed. Reads drain the bufio.Reader first so pipelined bytes are not lost.
type bufferConn struct {
	net.Conn
	reader *bufio.Reader
}

func newBufferConn(conn net.Conn, reader *bufio.Reader) *bufferConn {
	return &bufferConn{Conn: conn, reader: reader}
}

func (c *bufferConn) Read(b []byte) (int, error) {
	return c.reader.Read(b)
}

func (c *bufferConn) CloseWrite() error {
	if cw, ok := c.Conn.(closeWriter); ok {
		return cw.CloseWrite()
	}
	return nil
}

// closeWrite half-closes w when it supports it, otherwise it does nothing.
func closeWrite(w io.Writer) {
	if cw, ok := w.(closeWriter); ok {
		_ = cw.CloseWrite()
	}
}

// isClosedConnError reports errors caused by our own Close calls.
func isClosedConnError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return true
	}
	return strings.Contains(err.Error(), "use of closed network connection")
}
