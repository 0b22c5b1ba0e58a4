package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	minWatchdogTick = 10 * time.Millisecond
	maxWatchdogTick = time.Second
)

// relay copies bytes in both directions until both sides are done. EOF on one
// direction half-closes the other side's write half. A watchdog enforces the
// idle timeout (0 disables it) and the maximum duration (0 disables it) by
// closing both ends. Both ends are closed when relay returns.
//
// sent counts client to target bytes, received counts target to client bytes.
func relay(ctx context.Context, client, target io.ReadWriteCloser, idle, maxDuration time.Duration) (sent, received int64, err error) {
	var lastActivity atomic.Int64
	touch := func() { lastActivity.Store(time.Now().UnixNano()) }
	touch()

	var remaining atomic.Int32
	remaining.Store(2)
	drained := make(chan struct{})

	g, gctx := errgroup.WithContext(ctx)

	pipe := func(dst, src io.ReadWriteCloser, counter *int64, direction string) func() error {
		return func() error {
			defer func() {
				if remaining.Add(-1) == 0 {
					close(drained)
				}
			}()

			n, err := copyActive(dst, src, touch)
			*counter = n
			if err != nil && !isClosedConnError(err) {
				return &TunnelError{
					Phase: PhaseRelaying,
					Kind:  RelayIoError,
					Code:  ErrCodeInternalError,
					Cause: fmt.Errorf("%s: %w", direction, err),
				}
			}
			closeWrite(dst)
			return nil
		}
	}

	g.Go(pipe(target, client, &sent, "client to target"))
	g.Go(pipe(client, target, &received, "target to client"))

	g.Go(func() error {
		defer func() {
			_ = client.Close()
			_ = target.Close()
		}()

		var deadline <-chan time.Time
		if maxDuration > 0 {
			timer := time.NewTimer(maxDuration)
			defer timer.Stop()
			deadline = timer.C
		}

		var tick <-chan time.Time
		if idle > 0 {
			ticker := time.NewTicker(watchdogTick(idle))
			defer ticker.Stop()
			tick = ticker.C
		}

		for {
			select {
			case <-drained:
				return nil
			case <-gctx.Done():
				return nil
			case <-deadline:
				return &TunnelError{
					Phase: PhaseRelaying,
					Kind:  RelayTimeout,
					Code:  ErrCodeTimeoutExceeded,
					Cause: fmt.Errorf("maximum tunnel duration %v reached", maxDuration),
				}
			case <-tick:
				if time.Since(time.Unix(0, lastActivity.Load())) >= idle {
					return &TunnelError{
						Phase: PhaseRelaying,
						Kind:  RelayTimeout,
						Code:  ErrCodeRelayIdleTimeout,
						Cause: fmt.Errorf("no traffic for %v", idle),
					}
				}
			}
		}
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return sent, received, err
}

func watchdogTick(idle time.Duration) time.Duration {
	tick := idle / 4
	if tick < minWatchdogTick {
		return minWatchdogTick
	}
	if tick > maxWatchdogTick {
		return maxWatchdogTick
	}
	return tick
}
