package pool

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"httpcore/httperr"
	"httpcore/httpurl"
	"httpcore/message"
	"httpcore/protocol"
	"httpcore/transport"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
)

// Connection is a thin wrapper: it defers opening a socket
// and building a Protocol Connection until the first request, then
// delegates every subsequent call. It never talks back to the Pool that
// owns it — release notification is the Pool's job, driven off the
// Response body it hands back.
type Connection struct {
	origin  httpurl.Origin
	backend transport.Backend
	cfg     Config
	clock   clock.Clock
	logger  *slog.Logger

	mu           sync.Mutex
	pending      bool
	dialErr      error
	proto        protocol.Connection
	requestCount uint64
	lastActivity time.Time
}

func newConnection(origin httpurl.Origin, backend transport.Backend, cfg Config, clk clock.Clock, logger *slog.Logger) *Connection {
	return &Connection{
		origin:       origin,
		backend:      backend,
		cfg:          cfg,
		clock:        clk,
		logger:       logger,
		pending:      true,
		lastActivity: clk.Now(),
	}
}

func (c *Connection) Origin() httpurl.Origin { return c.origin }

func (c *Connection) RequestCount() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requestCount
}

func (c *Connection) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// IsAvailable mirrors the underlying Protocol Connection's readiness
// (IDLE-and-kept-alive for HTTP/1.1, spare stream capacity for HTTP/2);
// a still-PENDING connection is never available for reuse by another
// waiter — only the caller currently establishing it may use it.
func (c *Connection) IsAvailable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.pending && c.proto != nil && c.proto.IsAvailable()
}

func (c *Connection) IsIdle() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.proto != nil && c.proto.IsIdle()
}

func (c *Connection) HasExpired() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.proto != nil && c.proto.HasExpired()
}

func (c *Connection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending {
		return c.dialErr != nil
	}
	return c.proto != nil && c.proto.IsClosed()
}

func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending {
		if c.dialErr == nil {
			c.dialErr = errors.Wrap(httperr.RuntimeError, "connection closed before it finished dialing")
		}
		return nil
	}
	if c.proto == nil {
		return nil
	}
	return c.proto.Close()
}

func (c *Connection) Info() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending {
		return "PENDING"
	}
	if c.proto == nil {
		return "CLOSED"
	}
	return c.proto.Info()
}

// HandleRequest performs dial + optional TLS + Protocol
// Connection instantiation on first use, origin-match enforcement, then
// delegation.
func (c *Connection) HandleRequest(ctx context.Context, req *message.Request) (*message.Response, error) {
	if httpurl.OriginOf(req.URL) != c.origin {
		return nil, errors.Wrap(httperr.RuntimeError, "request origin does not match connection origin")
	}

	c.mu.Lock()
	if c.pending {
		proto, err := c.establish(ctx, req)
		if err != nil {
			c.dialErr = err
			c.pending = false
			c.mu.Unlock()
			return nil, err
		}
		c.proto = proto
		c.pending = false
	}
	proto := c.proto
	c.mu.Unlock()

	if proto == nil {
		return nil, errors.Wrap(httperr.RuntimeError, "connection failed to establish")
	}

	resp, err := proto.HandleRequest(ctx, req)

	c.mu.Lock()
	c.requestCount++
	c.lastActivity = c.clock.Now()
	c.mu.Unlock()

	return resp, err
}

// establish performs the dial/TLS/protocol-negotiation steps. Called with c.mu held.
func (c *Connection) establish(ctx context.Context, req *message.Request) (protocol.Connection, error) {
	timeouts := req.Extensions.Timeout()
	connectTimeout := c.cfg.durationOf(timeouts.Connect)

	var netConn transport.Conn
	var err error
	for attempt := 0; ; attempt++ {
		netConn, err = c.backend.DialTCP(ctx, c.origin.Host, c.origin.Port, connectTimeout, c.cfg.LocalAddress)
		if err == nil {
			break
		}
		if attempt >= c.cfg.Retries {
			return nil, classifyConnect(err)
		}
	}

	if c.origin.Scheme == "https" {
		alpn := c.alpnFor(req)
		sni := req.Extensions.SNIHostname()
		if sni == "" {
			sni = c.origin.Host
		}
		tlsConn, err := netConn.StartTLS(ctx, transport.TLSOptions{
			ServerName: sni,
			ALPN:       alpn,
			Timeout:    connectTimeout,
		})
		if err != nil {
			_ = netConn.Close()
			return nil, classifyConnect(err)
		}
		netConn = tlsConn
	}

	if netConn.NegotiatedProto() == "h2" {
		return protocol.NewHTTP2Connection(ctx, netConn, c.clock, c.cfg.KeepaliveExpiry, c.logger)
	}
	return protocol.NewHTTP1Connection(netConn, c.clock, c.cfg.KeepaliveExpiry, c.logger), nil
}

func (c *Connection) alpnFor(req *message.Request) []string {
	if force, ok := req.Extensions.HTTP2(); ok {
		if force {
			return []string{"h2"}
		}
		return []string{"http/1.1"}
	}
	if c.cfg.HTTP2 {
		return []string{"h2", "http/1.1"}
	}
	return []string{"http/1.1"}
}

func classifyConnect(err error) error {
	if errors.Is(err, transport.ErrDeadlineExceeded) {
		return errors.Wrap(httperr.ConnectTimeout, err.Error())
	}
	return errors.Wrap(httperr.ConnectError, err.Error())
}
