package binding

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// freePort returns a port that was free a moment ago.
func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

// echoUpstream writes the binding's upstream (or "direct") and closes.
func echoUpstream() ConnHandler {
	return ConnHandlerFunc(func(_ context.Context, conn net.Conn, b Binding) {
		defer conn.Close()
		if b.Upstream == nil {
			fmt.Fprintln(conn, "direct")
			return
		}
		fmt.Fprintln(conn, b.Upstream.String())
	})
}

func readLine(t *testing.T, port int) string {
	t.Helper()
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), time.Second)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(2*time.Second)))
	line, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	return line[:len(line)-1]
}

func newTestRegistry(t *testing.T, h ConnHandler) *Registry {
	t.Helper()
	r := NewRegistry("127.0.0.1", h)
	t.Cleanup(r.Close)
	return r
}

func TestCreateListUpdateDelete(t *testing.T) {
	r := newTestRegistry(t, echoUpstream())
	port := freePort(t)

	b, err := r.Create(port, "http://127.0.0.1:8080")
	require.NoError(t, err)
	assert.Equal(t, port, b.Port)
	assert.Equal(t, "http://127.0.0.1:8080", b.Upstream.String())

	list := r.List()
	require.Len(t, list, 1)
	assert.Equal(t, port, list[0].Port)
	assert.Equal(t, "http://127.0.0.1:8080", readLine(t, port))

	b, err = r.Update(port, "http://127.0.0.1:9090")
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:9090", b.Upstream.String())
	assert.Equal(t, "http://127.0.0.1:9090", r.List()[0].Upstream.String())
	assert.Equal(t, "http://127.0.0.1:9090", readLine(t, port))

	require.NoError(t, r.Delete(port))
	assert.Empty(t, r.List())
	assert.Zero(t, r.Len())

	_, err = net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), time.Second)
	assert.Error(t, err, "deleted port must refuse connections")

	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	require.NoError(t, err, "deleted port must be reusable")
	require.NoError(t, ln.Close())
}

func TestCreateDirectBinding(t *testing.T) {
	r := newTestRegistry(t, echoUpstream())
	port := freePort(t)

	b, err := r.Create(port, "")
	require.NoError(t, err)
	assert.Nil(t, b.Upstream)
	assert.Equal(t, "direct", readLine(t, port))
}

func TestCreatePortInUse(t *testing.T) {
	r := newTestRegistry(t, echoUpstream())
	port := freePort(t)

	_, err := r.Create(port, "http://a:1")
	require.NoError(t, err)

	_, err = r.Create(port, "http://b:2")
	assert.ErrorIs(t, err, ErrPortInUse)

	list := r.List()
	require.Len(t, list, 1)
	assert.Equal(t, "http://a:1", list[0].Upstream.String(), "failed create must not replace the binding")
}

func TestConcurrentCreateSamePort(t *testing.T) {
	r := newTestRegistry(t, echoUpstream())
	port := freePort(t)

	var wg sync.WaitGroup
	var mu sync.Mutex
	successes, inUse := 0, 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Create(port, "")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, ErrPortInUse):
				inUse++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, 7, inUse)
	assert.Equal(t, 1, r.Len())
}

func TestCreateBindFailed(t *testing.T) {
	r := newTestRegistry(t, echoUpstream())

	occupied, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer occupied.Close()
	port := occupied.Addr().(*net.TCPAddr).Port

	_, err = r.Create(port, "")
	require.Error(t, err)
	assert.True(t, IsBindFailed(err))
	assert.Empty(t, r.List(), "a failed bind must not register anything")
}

func TestValidation(t *testing.T) {
	r := newTestRegistry(t, echoUpstream())

	_, err := r.Create(0, "")
	assert.ErrorIs(t, err, ErrInvalidPort)
	_, err = r.Create(70000, "")
	assert.ErrorIs(t, err, ErrInvalidPort)

	_, err = r.Create(freePort(t), "ftp://example.com")
	assert.True(t, IsInvalidUpstream(err))

	_, err = r.Update(freePort(t), "http://a:1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, r.Delete(freePort(t)), ErrNotFound)
	_, err = r.Get(freePort(t))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateInvalidUpstreamKeepsBinding(t *testing.T) {
	r := newTestRegistry(t, echoUpstream())
	port := freePort(t)
	_, err := r.Create(port, "http://a:1")
	require.NoError(t, err)

	_, err = r.Update(port, "gopher://x")
	assert.True(t, IsInvalidUpstream(err))

	b, err := r.Get(port)
	require.NoError(t, err)
	assert.Equal(t, "http://a:1", b.Upstream.String())
}

func TestUpdateDoesNotAffectInFlightConnections(t *testing.T) {
	release := make(chan struct{})
	seen := make(chan string, 2)
	handler := ConnHandlerFunc(func(_ context.Context, conn net.Conn, b Binding) {
		defer conn.Close()
		<-release
		seen <- b.Upstream.String()
	})

	r := newTestRegistry(t, handler)
	port := freePort(t)
	_, err := r.Create(port, "http://old:1")
	require.NoError(t, err)

	first, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	require.NoError(t, err)
	defer first.Close()

	// wait until the first connection has been handed to the handler
	time.Sleep(50 * time.Millisecond)

	_, err = r.Update(port, "http://new:2")
	require.NoError(t, err)

	second, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	require.NoError(t, err)
	defer second.Close()
	time.Sleep(50 * time.Millisecond)

	close(release)
	got := []string{<-seen, <-seen}
	assert.ElementsMatch(t, []string{"http://old:1", "http://new:2"}, got)
}

func TestDeleteLetsInFlightConnectionsFinish(t *testing.T) {
	release := make(chan struct{})
	handler := ConnHandlerFunc(func(_ context.Context, conn net.Conn, _ Binding) {
		defer conn.Close()
		<-release
		_, _ = conn.Write([]byte("done\n"))
	})

	r := newTestRegistry(t, handler)
	port := freePort(t)
	_, err := r.Create(port, "")
	require.NoError(t, err)

	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	require.NoError(t, err)
	defer conn.Close()
	time.Sleep(50 * time.Millisecond)

	deleted := make(chan error, 1)
	go func() { deleted <- r.Delete(port) }()
	select {
	case err := <-deleted:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Delete blocked on an in-flight connection")
	}

	close(release)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	line, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "done\n", line)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.NoError(t, r.Wait(ctx))
}

// TestRandomMutationSequences checks that List always equals a model built
// from the successful mutations.
func TestRandomMutationSequences(t *testing.T) {
	r := newTestRegistry(t, echoUpstream())

	ports := make([]int, 5)
	for i := range ports {
		ports[i] = freePort(t)
	}
	upstreams := []string{"", "http://a:1", "https://b:2", "socks5://c:3"}

	model := map[int]string{}
	rng := rand.New(rand.NewSource(42))

	for step := 0; step < 60; step++ {
		port := ports[rng.Intn(len(ports))]
		up := upstreams[rng.Intn(len(upstreams))]
		_, exists := model[port]

		switch rng.Intn(3) {
		case 0:
			_, err := r.Create(port, up)
			if exists {
				require.ErrorIs(t, err, ErrPortInUse)
			} else {
				require.NoError(t, err)
				model[port] = up
			}
		case 1:
			_, err := r.Update(port, up)
			if exists {
				require.NoError(t, err)
				model[port] = up
			} else {
				require.ErrorIs(t, err, ErrNotFound)
			}
		case 2:
			err := r.Delete(port)
			if exists {
				require.NoError(t, err)
				delete(model, port)
			} else {
				require.ErrorIs(t, err, ErrNotFound)
			}
		}

		list := r.List()
		require.Len(t, list, len(model), "step %d", step)
		for i, b := range list {
			if i > 0 {
				require.Less(t, list[i-1].Port, b.Port)
			}
			want, ok := model[b.Port]
			require.True(t, ok, "phantom binding on port %d", b.Port)
			if want == "" {
				require.Nil(t, b.Upstream)
			} else {
				require.Equal(t, want, b.Upstream.String())
			}
		}
	}
}

func TestCloseRejectsCreate(t *testing.T) {
	r := NewRegistry("127.0.0.1", echoUpstream())
	port := freePort(t)
	_, err := r.Create(port, "")
	require.NoError(t, err)

	r.Close()
	assert.Zero(t, r.Len())

	_, err = r.Create(freePort(t), "")
	assert.ErrorIs(t, err, ErrClosed)
}
