// Package mocktransport is the mock Network Backend used by the pool,
// protocol, and proxy test suites: an in-memory duplex conn pair plus a
// dialer that hands the "client" half to callers once something is
// listening on the requested Addr. Each pair is backed by a synchronous
// channel pipe, generalized to satisfy transport.Conn (including a
// scripted StartTLS upgrade for ALPN/h2 tests).
package mocktransport

import (
	"context"
	"sync"
	"time"

	"httpcore/transport"

	"github.com/benbjohnson/clock"
)

// Pipe creates a pair of synchronous, unbuffered conns: writes on one
// side block until fully read on the other. name1/name2 only affect
// Addr.Host, for readability in failures.
func Pipe(name1, name2 string, clk clock.Clock) (c1, c2 *pipeConn) {
	if clk == nil {
		clk = clock.New()
	}
	c1 = &pipeConn{
		stream:    make(chan []byte),
		nc:        make(chan int),
		closed:    make(chan struct{}),
		rdeadline: newChanDeadline(clk),
		wdeadline: newChanDeadline(clk),
		addr:      transport.Addr{Network: "tcp", Host: name1},
	}
	c2 = &pipeConn{
		stream:    make(chan []byte),
		nc:        make(chan int),
		closed:    make(chan struct{}),
		rdeadline: newChanDeadline(clk),
		wdeadline: newChanDeadline(clk),
		addr:      transport.Addr{Network: "tcp", Host: name2},
	}
	c1.counterpart, c2.counterpart = c2, c1
	return
}

type pipeConn struct {
	stream chan []byte // what this pipe reads from
	nc     chan int    // counterpart's ack of how much it consumed

	writeMu sync.Mutex

	closed chan struct{}
	once   sync.Once

	rdeadline *chanDeadline
	wdeadline *chanDeadline

	counterpart *pipeConn

	addr transport.Addr

	tlsMu    sync.Mutex
	proto    string // negotiated ALPN proto, once StartTLS succeeds
	tlsScript func() (string, error)
}

var _ transport.Conn = (*pipeConn)(nil)

func (p *pipeConn) LocalAddr() transport.Addr  { return p.addr }
func (p *pipeConn) RemoteAddr() transport.Addr { return p.counterpart.addr }

func (p *pipeConn) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

func (p *pipeConn) Read(b []byte) (n int, err error) {
	if err := p.checkOK(p.rdeadline); err != nil {
		return 0, err
	}

	select {
	case received := <-p.stream:
		n := copy(b, received)
		p.counterpart.nc <- n
		return n, nil
	case <-p.closed:
		return 0, transport.ErrConnClosed
	case <-p.counterpart.closed:
		return 0, transport.ErrConnClosed
	case <-p.rdeadline.wait():
		return 0, transport.ErrDeadlineExceeded
	}
}

func (p *pipeConn) Write(b []byte) (n int, err error) {
	if err := p.checkOK(p.wdeadline); err != nil {
		return 0, err
	}
	if len(b) == 0 {
		return 0, nil
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	nn := 0
	for once := true; once || len(b) > 0; once = false {
		select {
		case p.counterpart.stream <- b:
			n := <-p.nc
			b = b[n:]
			nn += n
		case <-p.closed:
			return nn, transport.ErrConnClosed
		case <-p.counterpart.closed:
			return nn, transport.ErrConnClosed
		case <-p.wdeadline.wait():
			return nn, transport.ErrDeadlineExceeded
		}
	}

	return nn, nil
}

func (p *pipeConn) checkOK(d *chanDeadline) error {
	switch {
	case isClosed(p.closed):
		return transport.ErrConnClosed
	case isClosed(p.counterpart.closed):
		return transport.ErrConnClosed
	case isClosed(d.wait()):
		return transport.ErrDeadlineExceeded
	}
	return nil
}

func (p *pipeConn) SetReadDeadline(t time.Time)  { p.rdeadline.set(t) }
func (p *pipeConn) SetWriteDeadline(t time.Time) { p.wdeadline.set(t) }

// SetTLSScript arranges for StartTLS to succeed and report proto as the
// negotiated ALPN protocol, without performing a real handshake, which
// makes ALPN-driven HTTP/1.1 vs HTTP/2 selection reachable over a pipe.
func (p *pipeConn) SetTLSScript(proto string) {
	p.tlsMu.Lock()
	defer p.tlsMu.Unlock()
	p.tlsScript = func() (string, error) { return proto, nil }
}

func (p *pipeConn) StartTLS(ctx context.Context, opts transport.TLSOptions) (transport.Conn, error) {
	p.tlsMu.Lock()
	script := p.tlsScript
	p.tlsMu.Unlock()

	if script == nil {
		return nil, transport.ErrTLSUnsupported
	}
	proto, err := script()
	if err != nil {
		return nil, err
	}
	p.proto = proto
	return p, nil
}

func (p *pipeConn) NegotiatedProto() string { return p.proto }

type chanDeadline struct {
	clock clock.Clock

	t *clock.Timer
	m sync.Mutex

	closed chan struct{}
}

func newChanDeadline(clk clock.Clock) *chanDeadline {
	return &chanDeadline{clock: clk, closed: make(chan struct{})}
}

func (d *chanDeadline) set(t time.Time) {
	d.m.Lock()
	defer d.m.Unlock()

	if d.t != nil {
		d.t.Stop()
	}
	d.t = nil

	if isClosed(d.closed) {
		d.closed = make(chan struct{})
	}

	if t.IsZero() {
		return
	}

	d.t = d.clock.AfterFunc(d.clock.Until(t), func() {
		close(d.closed)
	})
}

func (d *chanDeadline) wait() <-chan struct{} {
	d.m.Lock()
	defer d.m.Unlock()
	return d.closed
}

func isClosed(c <-chan struct{}) bool {
	select {
	case <-c:
		return true
	default:
		return false
	}
}
