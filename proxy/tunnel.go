package proxy

import (
	"bytes"
	"context"
	"strconv"
	"time"

	"httpcore/httperr"
	"httpcore/httpurl"
	"httpcore/internal/ioutil"
	"httpcore/message"
	"httpcore/pool"
	"httpcore/transport"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
)

// TunnelPool serves https:// origins through a proxy: one pool.Pool
// keyed on the *target* origin — distinct target origins
// require distinct tunnel connections — whose Backend is swapped for a
// tunnelBackend that performs CONNECT before handing back a plaintext
// stream. Everything downstream — TLS upgrade, HTTP/1.1 vs HTTP/2
// negotiation, keepalive, eviction — is the ordinary pool.Connection
// path, unmodified.
type TunnelPool struct {
	pool *pool.Pool
}

// NewTunnelPool builds a TunnelPool. cfg.Backend is the backend used to
// reach the proxy itself; proxyOrigin is the proxy's own origin.
func NewTunnelPool(cfg pool.Config, proxyOrigin httpurl.Origin, proxyAuth string) *TunnelPool {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	tb := &tunnelBackend{
		proxy:       cfg.Backend,
		proxyOrigin: proxyOrigin,
		proxyAuth:   proxyAuth,
		clock:       clk,
	}
	cfg.Backend = tb
	return &TunnelPool{pool: pool.NewPool(cfg)}
}

func (t *TunnelPool) HandleRequest(ctx context.Context, req *message.Request) (*message.Response, error) {
	if req.URL.Scheme != "https" {
		return nil, errors.Wrap(httperr.RuntimeError, "tunnel pool only serves https origins")
	}
	return t.pool.HandleRequest(ctx, req)
}

func (t *TunnelPool) Close() error                 { return t.pool.Close() }
func (t *TunnelPool) Connections() []pool.ConnInfo { return t.pool.Connections() }
func (t *TunnelPool) Stats() pool.Stats            { return t.pool.Stats() }

// tunnelBackend is a transport.Backend that dials the proxy and performs
// the CONNECT handshake before returning what looks, from
// pool.Connection's perspective, like a freshly dialed plaintext stream
// to the target host — the same stream Connection.establish would then
// wrap in TLS itself, exactly as it would for a direct connection.
type tunnelBackend struct {
	proxy       transport.Backend
	proxyOrigin httpurl.Origin
	proxyAuth   string
	clock       clock.Clock
}

var _ transport.Backend = (*tunnelBackend)(nil)

func (b *tunnelBackend) DialTCP(ctx context.Context, host string, port uint16, timeout time.Duration, localAddr *transport.Addr) (transport.Conn, error) {
	conn, err := b.proxy.DialTCP(ctx, b.proxyOrigin.Host, b.proxyOrigin.Port, timeout, localAddr)
	if err != nil {
		return nil, err
	}

	target := host + ":" + strconv.FormatUint(uint64(port), 10)

	var req bytes.Buffer
	req.WriteString("CONNECT " + target + " HTTP/1.1\r\n")
	req.WriteString("Host: " + target + "\r\n")
	if b.proxyAuth != "" {
		req.WriteString("Proxy-Authorization: " + b.proxyAuth + "\r\n")
	}
	req.WriteString("\r\n")

	if timeout > 0 {
		conn.SetWriteDeadline(b.clock.Now().Add(timeout))
	}
	if _, err := conn.Write(req.Bytes()); err != nil {
		_ = conn.Close()
		return nil, errors.Wrap(httperr.ProxyError, err.Error())
	}
	conn.SetWriteDeadline(time.Time{})

	if timeout > 0 {
		conn.SetReadDeadline(b.clock.Now().Add(timeout))
	}
	r := ioutil.NewUntilReader(conn)
	head, err := r.ReadUntil([]byte("\r\n\r\n"))
	conn.SetReadDeadline(time.Time{})
	if err != nil {
		_ = conn.Close()
		return nil, errors.Wrap(httperr.ProxyError, err.Error())
	}

	statusLine := bytes.SplitN(head, []byte("\r\n"), 2)[0]
	parts := bytes.SplitN(statusLine, []byte(" "), 3)
	if len(parts) < 2 {
		_ = conn.Close()
		return nil, errors.Wrap(httperr.ProxyError, "malformed CONNECT response")
	}
	code, err := strconv.ParseUint(string(parts[1]), 10, 16)
	if err != nil || code < 200 || code >= 300 {
		_ = conn.Close()
		return nil, errors.Wrapf(httperr.ProxyError, "CONNECT rejected: %s", statusLine)
	}

	return &tunnelConn{Conn: conn, r: r}, nil
}

func (b *tunnelBackend) DialUnix(ctx context.Context, path string, timeout time.Duration) (transport.Conn, error) {
	return nil, errors.Wrap(httperr.UnsupportedProtocol, "tunnel backend has no unix-socket target")
}

// tunnelConn is the post-CONNECT plaintext stream: Read is routed
// through the buffered UntilReader used to find the CONNECT response's
// terminator, since any bytes read past it belong to the tunnelled
// stream and must not be discarded. Every other method (including
// StartTLS) is the underlying proxy connection's, unmodified.
type tunnelConn struct {
	transport.Conn
	r *ioutil.UntilReader
}

func (t *tunnelConn) Read(p []byte) (int, error) { return t.r.Read(p) }
