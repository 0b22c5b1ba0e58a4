// Package binding owns the set of proxy listeners. Each binding maps a local
// port to an upstream proxy and has exactly one acceptor goroutine.
package binding

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/numbata/metaproxy/metaproxy-srv/logger"
)

// Binding is a read-only snapshot of a registry entry. A nil Upstream means
// direct connections.
type Binding struct {
	Port     int
	Upstream *url.URL
}

// ConnHandler serves one accepted connection. It owns conn and must close it.
// b carries the upstream that was current when conn was accepted.
type ConnHandler interface {
	ServeConn(ctx context.Context, conn net.Conn, b Binding)
}

// ConnHandlerFunc adapts a function to ConnHandler.
type ConnHandlerFunc func(ctx context.Context, conn net.Conn, b Binding)

func (f ConnHandlerFunc) ServeConn(ctx context.Context, conn net.Conn, b Binding) {
	f(ctx, conn, b)
}

type entry struct {
	port     int
	upstream atomic.Pointer[url.URL]
	listener net.Listener
	cancel   context.CancelFunc
	done     chan struct{} // closed once the acceptor has returned
	stopping atomic.Bool
}

func (e *entry) snapshot() Binding {
	return Binding{Port: e.port, Upstream: e.upstream.Load()}
}

// Registry is the authoritative port to binding map.
//
// Mutations on one port are linearized by a per-port lock. The map lock mu is
// only held for in-memory transitions; binding sockets and waiting for
// acceptors happen outside it.
type Registry struct {
	host    string
	handler ConnHandler

	mu        sync.RWMutex
	entries   map[int]*entry
	portLocks map[int]*sync.Mutex
	closed    bool

	// connCtx is handed to connection goroutines. Deleting a binding never
	// cancels it, so in-flight connections run to completion.
	connCtx context.Context
	conns   sync.WaitGroup
}

// NewRegistry creates an empty registry whose listeners bind on host.
func NewRegistry(host string, handler ConnHandler) *Registry {
	return &Registry{
		host:      host,
		handler:   handler,
		entries:   make(map[int]*entry),
		portLocks: make(map[int]*sync.Mutex),
		connCtx:   context.Background(),
	}
}

func (r *Registry) lockPort(port int) func() {
	r.mu.Lock()
	l, ok := r.portLocks[port]
	if !ok {
		l = &sync.Mutex{}
		r.portLocks[port] = l
	}
	r.mu.Unlock()

	l.Lock()
	return l.Unlock
}

func validPort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("%w: %d", ErrInvalidPort, port)
	}
	return nil
}

func (r *Registry) lookup(port int) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[port]
	return e, ok
}

// Create binds port and starts its acceptor before returning. On any error
// nothing is registered and no goroutine is left running.
func (r *Registry) Create(port int, upstream string) (Binding, error) {
	if err := validPort(port); err != nil {
		return Binding{}, err
	}
	u, err := ParseUpstream(upstream)
	if err != nil {
		return Binding{}, err
	}

	unlock := r.lockPort(port)
	defer unlock()

	r.mu.RLock()
	closed := r.closed
	_, exists := r.entries[port]
	r.mu.RUnlock()
	if closed {
		return Binding{}, ErrClosed
	}
	if exists {
		return Binding{}, fmt.Errorf("%w: %d", ErrPortInUse, port)
	}

	ln, err := net.Listen("tcp", net.JoinHostPort(r.host, strconv.Itoa(port)))
	if err != nil {
		return Binding{}, &BindFailedError{Port: port, Err: err}
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &entry{
		port:     port,
		listener: ln,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	e.upstream.Store(u)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		cancel()
		_ = ln.Close()
		return Binding{}, ErrClosed
	}
	r.entries[port] = e
	r.mu.Unlock()

	go r.acceptLoop(ctx, e)

	logger.Info("Created binding on port %d (upstream: %s)", port, describeUpstream(u))
	return e.snapshot(), nil
}

// Update repoints a running binding. Connections accepted afterwards use the
// new upstream; connections already accepted keep the one they started with.
func (r *Registry) Update(port int, upstream string) (Binding, error) {
	if err := validPort(port); err != nil {
		return Binding{}, err
	}
	u, err := ParseUpstream(upstream)
	if err != nil {
		return Binding{}, err
	}

	unlock := r.lockPort(port)
	defer unlock()

	e, ok := r.lookup(port)
	if !ok {
		return Binding{}, fmt.Errorf("%w: %d", ErrNotFound, port)
	}
	e.upstream.Store(u)

	logger.Info("Updated binding on port %d (upstream: %s)", port, describeUpstream(u))
	return e.snapshot(), nil
}

// Delete stops accepting on port, waits until the listening socket is
// closed and then removes the entry. In-flight connections are not touched.
func (r *Registry) Delete(port int) error {
	if err := validPort(port); err != nil {
		return err
	}

	unlock := r.lockPort(port)
	defer unlock()

	e, ok := r.lookup(port)
	if !ok {
		return fmt.Errorf("%w: %d", ErrNotFound, port)
	}

	r.stop(e)
	r.remove(e)

	logger.Info("Deleted binding on port %d", port)
	return nil
}

// Get returns the binding on port.
func (r *Registry) Get(port int) (Binding, error) {
	if err := validPort(port); err != nil {
		return Binding{}, err
	}
	e, ok := r.lookup(port)
	if !ok {
		return Binding{}, fmt.Errorf("%w: %d", ErrNotFound, port)
	}
	return e.snapshot(), nil
}

// List returns all bindings ordered by port.
func (r *Registry) List() []Binding {
	r.mu.RLock()
	out := make([]Binding, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.snapshot())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Port < out[j].Port })
	return out
}

// Len returns the number of active bindings.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Close deletes every binding and rejects further creates. It does not wait
// for in-flight connections, see Wait.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	ports := make([]int, 0, len(r.entries))
	for port := range r.entries {
		ports = append(ports, port)
	}
	r.mu.Unlock()

	for _, port := range ports {
		if err := r.Delete(port); err != nil {
			logger.Debug("Binding on port %d already gone: %v", port, err)
		}
	}
}

// Wait blocks until every connection goroutine has returned or ctx is done.
func (r *Registry) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.conns.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// stop signals the acceptor and blocks until its socket is closed.
func (r *Registry) stop(e *entry) {
	e.stopping.Store(true)
	e.cancel()
	if err := e.listener.Close(); err != nil && !isClosedErr(err) {
		logger.Warn("Error closing listener on port %d: %v", e.port, err)
	}
	<-e.done
}

func (r *Registry) remove(e *entry) {
	r.mu.Lock()
	if cur, ok := r.entries[e.port]; ok && cur == e {
		delete(r.entries, e.port)
	}
	r.mu.Unlock()
}

// reap removes an entry whose acceptor died on its own.
func (r *Registry) reap(e *entry) {
	unlock := r.lockPort(e.port)
	defer unlock()
	r.remove(e)
	logger.Warn("Removed binding on port %d after listener failure", e.port)
}

func describeUpstream(u *url.URL) string {
	if u == nil {
		return "direct"
	}
	return Redacted(u)
}
