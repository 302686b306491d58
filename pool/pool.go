// Package pool implements the connection pool: an
// origin-keyed scheduler over a most-recently-used list of Connections,
// enforcing max_connections/max_keepalive_connections/keepalive_expiry
// and serving waiters strictly FIFO.
package pool

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"httpcore/httperr"
	"httpcore/httpurl"
	"httpcore/internal/queue"
	"httpcore/message"
	"httpcore/transport"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
)

// maxNotAvailableRetries bounds the transparent re-acquisition loop spec
// §4.4's "Failure handling" leaves as "a small bounded number of
// attempts" (an Open Question this module resolves explicitly).
const maxNotAvailableRetries = 3

// Config configures a Pool. Zero-value fields are replaced by their
// documented defaults in NewPool.
type Config struct {
	MaxConnections          uint
	MaxKeepaliveConnections uint
	KeepaliveExpiry         time.Duration
	HTTP1                   bool
	HTTP2                   bool
	Retries                 int
	LocalAddress            *transport.Addr

	Backend transport.Backend
	Clock   clock.Clock
	Logger  *slog.Logger
}

func (c Config) durationOf(seconds *float64) time.Duration {
	if seconds == nil {
		return 0
	}
	return time.Duration(*seconds * float64(time.Second))
}

func (c Config) withDefaults() Config {
	if c.MaxConnections == 0 {
		c.MaxConnections = 10
	}
	if c.MaxKeepaliveConnections == 0 {
		c.MaxKeepaliveConnections = c.MaxConnections
		if c.MaxKeepaliveConnections > 10 {
			c.MaxKeepaliveConnections = 10
		}
	}
	if c.KeepaliveExpiry == 0 {
		c.KeepaliveExpiry = 5 * time.Second
	}
	if !c.HTTP1 && !c.HTTP2 {
		c.HTTP1 = true
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

type waiter struct {
	origin httpurl.Origin
	signal chan struct{}
}

// Pool is the Connection Pool: a single most-recently-used-first list
// shared across every origin, guarded by one mutex (the pool
// lock linearizes state reads and mutations").
type Pool struct {
	cfg Config

	mu      sync.Mutex
	conns   []*Connection
	waiters queue.Queue[*waiter]
	closed  bool
}

func NewPool(cfg Config) *Pool {
	return &Pool{
		cfg:     cfg.withDefaults(),
		waiters: queue.NewSlice[*waiter](0),
	}
}

// HandleRequest is the Pool's single blocking entry point (one
// concurrency model, ctx cancellation doubling as the suspension
// mechanism). It acquires a Connection, delegates, transparently retries
// ConnectionNotAvailable races (at most maxNotAvailableRetries attempts
// in all, the first included), and wraps
// the returned body so the Pool learns when the connection is free again.
func (p *Pool) HandleRequest(ctx context.Context, req *message.Request) (*message.Response, error) {
	origin := httpurl.OriginOf(req.URL)

	poolTimeout := p.cfg.durationOf(req.Extensions.Timeout().Pool)

	for attempt := 0; ; attempt++ {
		conn, err := p.acquire(ctx, origin, poolTimeout)
		if err != nil {
			return nil, err
		}

		resp, err := conn.HandleRequest(ctx, req)
		if err != nil {
			_ = conn.Close()
			p.release(conn)
			if errors.Is(err, httperr.ConnectionNotAvailable) {
				if attempt+1 >= maxNotAvailableRetries {
					return nil, errors.Wrap(httperr.RuntimeError, "exceeded connection-not-available retries")
				}
				continue
			}
			return nil, err
		}

		resp.Body = &releasingBody{pool: p, conn: conn, body: resp.Body}
		return resp, nil
	}
}

// acquire implements the acquisition algorithm: prune, reuse,
// create-room, create, wait — restarting from the top on every wakeup.
// poolTimeout, if non-zero, bounds the whole call: a waiter that outlives
// it is dequeued and fails with PoolTimeout without touching any
// Connection — only the waiter fails, nothing gets marked CLOSED.
func (p *Pool) acquire(ctx context.Context, origin httpurl.Origin, poolTimeout time.Duration) (*Connection, error) {
	var deadline time.Time
	hasDeadline := poolTimeout > 0
	if hasDeadline {
		deadline = p.cfg.Clock.Now().Add(poolTimeout)
	}

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, errors.Wrap(httperr.RuntimeError, "pool is closed")
		}

		p.pruneLocked()

		if conn := p.reuseLocked(origin); conn != nil {
			p.mu.Unlock()
			return conn, nil
		}

		if p.ensureRoomLocked() {
			conn := p.createLocked(origin)
			p.mu.Unlock()
			return conn, nil
		}

		w := &waiter{origin: origin, signal: make(chan struct{}, 1)}
		p.waiters.Enqueue(w)
		p.mu.Unlock()

		if !hasDeadline {
			select {
			case <-ctx.Done():
				p.removeWaiter(w)
				return nil, ctx.Err()
			case <-w.signal:
				// Loop back to step 1; a signal only means "recheck", not
				// "a connection is yours" — someone else may win the race.
			}
			continue
		}

		remaining := deadline.Sub(p.cfg.Clock.Now())
		if remaining <= 0 {
			p.removeWaiter(w)
			return nil, errors.Wrap(httperr.PoolTimeout, "timed out waiting for a connection")
		}
		timer := p.cfg.Clock.Timer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			p.removeWaiter(w)
			return nil, ctx.Err()
		case <-timer.C:
			p.removeWaiter(w)
			return nil, errors.Wrap(httperr.PoolTimeout, "timed out waiting for a connection")
		case <-w.signal:
			timer.Stop()
		}
	}
}

func (p *Pool) pruneLocked() {
	kept := p.conns[:0]
	for _, c := range p.conns {
		if c.HasExpired() || c.IsClosed() {
			_ = c.Close()
			continue
		}
		kept = append(kept, c)
	}
	p.conns = kept
}

func (p *Pool) reuseLocked(origin httpurl.Origin) *Connection {
	for i, c := range p.conns {
		if c.Origin() == origin && c.IsAvailable() {
			p.moveToFrontLocked(i)
			return c
		}
	}
	return nil
}

func (p *Pool) moveToFrontLocked(i int) {
	if i == 0 {
		return
	}
	c := p.conns[i]
	copy(p.conns[1:i+1], p.conns[:i])
	p.conns[0] = c
}

// ensureRoomLocked evicts the oldest IDLE connection until there's room
// under max_connections, reporting whether room now exists.
func (p *Pool) ensureRoomLocked() bool {
	for uint(len(p.conns)) >= p.cfg.MaxConnections {
		idx := p.oldestIdleLocked()
		if idx < 0 {
			return false
		}
		_ = p.conns[idx].Close()
		p.conns = append(p.conns[:idx], p.conns[idx+1:]...)
	}
	return true
}

func (p *Pool) oldestIdleLocked() int {
	for i := len(p.conns) - 1; i >= 0; i-- {
		if p.conns[i].IsIdle() {
			return i
		}
	}
	return -1
}

func (p *Pool) createLocked(origin httpurl.Origin) *Connection {
	c := newConnection(origin, p.cfg.Backend, p.cfg, p.cfg.Clock, p.cfg.Logger)
	p.conns = append([]*Connection{c}, p.conns...)
	return c
}

// release is the post-request notification: wake the front
// waiter, then re-assert the keepalive cap.
func (p *Pool) release(conn *Connection) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.waiters.Len() > 0 {
		w, _ := p.waiters.Dequeue()
		select {
		case w.signal <- struct{}{}:
		default:
		}
	}

	idleCount := 0
	for _, c := range p.conns {
		if c.IsIdle() {
			idleCount++
		}
	}
	for idleCount > int(p.cfg.MaxKeepaliveConnections) {
		idx := p.oldestIdleLocked()
		if idx < 0 {
			break
		}
		_ = p.conns[idx].Close()
		p.conns = append(p.conns[:idx], p.conns[idx+1:]...)
		idleCount--
	}
}

func (p *Pool) removeWaiter(target *waiter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	remaining := p.waiters.Len()
	for i := uint(0); i < remaining; i++ {
		w, err := p.waiters.Dequeue()
		if err != nil {
			break
		}
		if w != target {
			p.waiters.Enqueue(w)
		}
	}
}

// Close marks the pool CLOSED, closes every Connection, and wakes every
// waiter (which will observe p.closed and fail with RuntimeError).
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	for _, c := range p.conns {
		_ = c.Close()
	}
	p.conns = nil
	for p.waiters.Len() > 0 {
		w, _ := p.waiters.Dequeue()
		select {
		case w.signal <- struct{}{}:
		default:
		}
	}
	return nil
}

// ConnInfo is one Connections() introspection entry.
type ConnInfo struct {
	Origin       httpurl.Origin
	Info         string
	RequestCount uint64
	LastActivity time.Time
}

func (p *Pool) Connections() []ConnInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ConnInfo, len(p.conns))
	for i, c := range p.conns {
		out[i] = ConnInfo{
			Origin:       c.Origin(),
			Info:         c.Info(),
			RequestCount: c.RequestCount(),
			LastActivity: c.LastActivity(),
		}
	}
	return out
}

// Stats is a small diagnostic addition in the
// spirit of simple length bookkeeping over the connection list.
type Stats struct {
	Open    int
	Idle    int
	Waiting int
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := Stats{Open: len(p.conns), Waiting: int(p.waiters.Len())}
	for _, c := range p.conns {
		if c.IsIdle() {
			s.Idle++
		}
	}
	return s
}

// releasingBody notifies the Pool exactly once a Response body has been
// fully consumed or explicitly closed ("on
// completion (response body closed), the pool is notified".
type releasingBody struct {
	pool *Pool
	conn *Connection
	body io.ReadCloser
	once sync.Once
}

func (b *releasingBody) Read(p []byte) (int, error) {
	n, err := b.body.Read(p)
	if err == io.EOF {
		// A caller that drains the body to EOF without ever calling Close
		// still frees the connection: the underlying Protocol Connection
		// has already returned to IDLE at this point, so a parked waiter
		// should not sit blocked on a Close call that never comes.
		b.once.Do(func() { b.pool.release(b.conn) })
	}
	return n, err
}

func (b *releasingBody) Close() error {
	err := b.body.Close()
	b.once.Do(func() { b.pool.release(b.conn) })
	return err
}
