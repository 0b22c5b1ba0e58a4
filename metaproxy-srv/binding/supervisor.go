package binding

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/numbata/metaproxy/metaproxy-srv/logger"
)

const (
	minAcceptDelay = 5 * time.Millisecond
	maxAcceptDelay = time.Second
)

// acceptLoop runs until the entry is stopped or the listener fails. The
// upstream is read per accepted connection so Update takes effect for the
// next connection.
func (r *Registry) acceptLoop(ctx context.Context, e *entry) {
	var tempDelay time.Duration

	defer func() {
		close(e.done)
		if !e.stopping.Load() {
			go r.reap(e)
		}
	}()

	for {
		conn, err := e.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || e.stopping.Load() {
				return
			}
			if isTemporary(err) {
				if tempDelay == 0 {
					tempDelay = minAcceptDelay
				} else {
					tempDelay *= 2
				}
				if tempDelay > maxAcceptDelay {
					tempDelay = maxAcceptDelay
				}
				logger.Warn("Accept error on port %d: %v; retrying in %v", e.port, err, tempDelay)
				select {
				case <-time.After(tempDelay):
					continue
				case <-ctx.Done():
					return
				}
			}

			logger.Error("Listener on port %d failed: %v", e.port, err)
			_ = e.listener.Close()
			return
		}
		tempDelay = 0

		b := e.snapshot()
		r.conns.Add(1)
		go func() {
			defer r.conns.Done()
			r.handler.ServeConn(r.connCtx, conn, b)
		}()
	}
}

func isTemporary(err error) bool {
	var te interface{ Temporary() bool }
	return errors.As(err, &te) && te.Temporary()
}

func isClosedErr(err error) bool {
	return errors.Is(err, net.ErrClosed) || strings.Contains(err.Error(), "use of closed network connection")
}
