package mocktransport

import (
	"context"
	"sync"
	"time"

	"httpcore/transport"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
)

// Backend is an in-memory transport.Backend: DialTCP only succeeds against
// an Addr some test goroutine is Accept-ing on via a Listener registered
// with Listen. It plays the role of a mock backend: it does not record
// writes itself — the accepting goroutine reads them off its pipe end —
// and "scripted reads" is whatever that goroutine chooses to write back.
type Backend struct {
	mu        sync.Mutex
	listeners map[transport.Addr]*Listener
	clock     clock.Clock
}

var _ transport.Backend = (*Backend)(nil)

func New(clk clock.Clock) *Backend {
	if clk == nil {
		clk = clock.New()
	}
	return &Backend{listeners: make(map[transport.Addr]*Listener), clock: clk}
}

func (b *Backend) DialTCP(ctx context.Context, host string, port uint16, timeout time.Duration, localAddr *transport.Addr) (transport.Conn, error) {
	addr := transport.Addr{Network: "tcp", Host: host, Port: port}

	b.mu.Lock()
	l, ok := b.listeners[addr]
	b.mu.Unlock()
	if !ok {
		return nil, errors.Wrapf(transport.ErrConnRefused, "mocktransport: nothing listening on %s", addr)
	}

	client, server := Pipe("client:"+addr.String(), "server:"+addr.String(), b.clock)

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case l.incoming <- server:
		return client, nil
	}
}

func (b *Backend) DialUnix(ctx context.Context, path string, timeout time.Duration) (transport.Conn, error) {
	return b.DialTCP(ctx, path, 0, timeout, nil)
}

// Listen registers a Listener for addr; call Accept on the result from a
// test goroutine playing the server role.
func (b *Backend) Listen(addr transport.Addr) *Listener {
	b.mu.Lock()
	defer b.mu.Unlock()

	l := &Listener{incoming: make(chan transport.Conn)}
	b.listeners[addr] = l
	return l
}

// Listener hands out the server-side half of each dialed pipe.
type Listener struct {
	incoming chan transport.Conn
}

func (l *Listener) Accept(ctx context.Context) (transport.Conn, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case c := <-l.incoming:
		return c, nil
	}
}
