package proxy

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// tcpPair returns both ends of a loopback TCP connection.
func tcpPair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			close(accepted)
			return
		}
		accepted <- conn
	}()

	dialed, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	other, ok := <-accepted
	require.True(t, ok)

	t.Cleanup(func() {
		_ = dialed.Close()
		_ = other.Close()
	})
	return dialed, other
}

type relayResult struct {
	sent, received int64
	err            error
}

func startRelay(client, target net.Conn, idle, maxDuration time.Duration) <-chan relayResult {
	done := make(chan relayResult, 1)
	go func() {
		sent, received, err := relay(context.Background(), client, target, idle, maxDuration)
		done <- relayResult{sent, received, err}
	}()
	return done
}

func waitRelay(t *testing.T, done <-chan relayResult) relayResult {
	t.Helper()
	select {
	case res := <-done:
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("relay did not finish")
		return relayResult{}
	}
}

func TestRelayHalfClose(t *testing.T) {
	user, clientSide := tcpPair(t)
	targetSide, server := tcpPair(t)

	done := startRelay(clientSide, targetSide, time.Second, 0)

	_, err := user.Write([]byte("request"))
	require.NoError(t, err)
	require.NoError(t, user.(*net.TCPConn).CloseWrite())

	// the server sees EOF after the request but can still answer
	got, err := io.ReadAll(server)
	require.NoError(t, err)
	assert.Equal(t, "request", string(got))

	_, err = server.Write([]byte("response after half-close"))
	require.NoError(t, err)
	require.NoError(t, server.Close())

	got, err = io.ReadAll(user)
	require.NoError(t, err)
	assert.Equal(t, "response after half-close", string(got))

	res := waitRelay(t, done)
	require.NoError(t, res.err)
	assert.Equal(t, int64(len("request")), res.sent)
	assert.Equal(t, int64(len("response after half-close")), res.received)
}

func TestRelayPreservesOrder(t *testing.T) {
	user, clientSide := tcpPair(t)
	targetSide, server := tcpPair(t)

	done := startRelay(clientSide, targetSide, time.Second, 0)

	go func() {
		for i := 0; i < 256; i++ {
			_, _ = user.Write([]byte{byte(i)})
		}
		_ = user.(*net.TCPConn).CloseWrite()
	}()

	got, err := io.ReadAll(server)
	require.NoError(t, err)
	require.Len(t, got, 256)
	for i, b := range got {
		require.Equal(t, byte(i), b)
	}
	require.NoError(t, server.Close())

	res := waitRelay(t, done)
	require.NoError(t, res.err)
}

func TestRelayIdleTimeout(t *testing.T) {
	user, clientSide := tcpPair(t)
	targetSide, server := tcpPair(t)

	start := time.Now()
	done := startRelay(clientSide, targetSide, 100*time.Millisecond, 0)

	res := waitRelay(t, done)
	assert.Less(t, time.Since(start), 2*time.Second)

	var tunnelErr *TunnelError
	require.True(t, errors.As(res.err, &tunnelErr))
	assert.Equal(t, RelayTimeout, tunnelErr.Kind)
	assert.Equal(t, PhaseRelaying, tunnelErr.Phase)
	assert.Equal(t, ErrCodeRelayIdleTimeout, tunnelErr.Code)

	// both transports are closed
	require.NoError(t, user.SetReadDeadline(time.Now().Add(time.Second)))
	_, err := user.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
	require.NoError(t, server.SetReadDeadline(time.Now().Add(time.Second)))
	_, err = server.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}

func TestRelayActivityDefersIdleTimeout(t *testing.T) {
	user, clientSide := tcpPair(t)
	targetSide, server := tcpPair(t)

	done := startRelay(clientSide, targetSide, 300*time.Millisecond, 0)

	buf := make([]byte, 1)
	for i := 0; i < 6; i++ {
		time.Sleep(100 * time.Millisecond)
		_, err := user.Write([]byte{'a'})
		require.NoError(t, err)
		_, err = io.ReadFull(server, buf)
		require.NoError(t, err)
	}

	select {
	case res := <-done:
		t.Fatalf("relay ended while traffic was flowing: %v", res.err)
	default:
	}

	require.NoError(t, user.Close())
	require.NoError(t, server.Close())
	waitRelay(t, done)
}

func TestRelayMaxDuration(t *testing.T) {
	_, clientSide := tcpPair(t)
	targetSide, _ := tcpPair(t)

	done := startRelay(clientSide, targetSide, 0, 100*time.Millisecond)
	res := waitRelay(t, done)

	var tunnelErr *TunnelError
	require.True(t, errors.As(res.err, &tunnelErr))
	assert.Equal(t, RelayTimeout, tunnelErr.Kind)
	assert.Equal(t, ErrCodeTimeoutExceeded, tunnelErr.Code)
}

func TestWatchdogTick(t *testing.T) {
	assert.Equal(t, minWatchdogTick, watchdogTick(time.Millisecond))
	assert.Equal(t, 250*time.Millisecond, watchdogTick(time.Second))
	assert.Equal(t, maxWatchdogTick, watchdogTick(time.Hour))
}
