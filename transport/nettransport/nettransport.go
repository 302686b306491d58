// Package nettransport is the production transport.Backend: TCP dialing
// via net.Dialer and TLS upgrade via crypto/tls. Delegating TCP/TLS to
// the standard library is deliberate — DNS and TLS handshaking are
// out of scope for the pool itself, and crypto/tls is the idiomatic
// choice every real Go HTTP client bottoms out on.
package nettransport

import (
	"context"
	"crypto/tls"
	"net"
	"strconv"
	"time"

	"httpcore/transport"

	"github.com/pkg/errors"
)

// Backend dials real TCP (and unix domain socket) connections.
type Backend struct {
	Dialer net.Dialer
}

var _ transport.Backend = (*Backend)(nil)

func New() *Backend { return &Backend{} }

func (b *Backend) DialTCP(ctx context.Context, host string, port uint16, timeout time.Duration, localAddr *transport.Addr) (transport.Conn, error) {
	dialer := b.Dialer
	if timeout > 0 {
		dialer.Timeout = timeout
	}
	if localAddr != nil {
		la, err := net.ResolveTCPAddr("tcp", localAddr.String())
		if err != nil {
			return nil, errors.Wrap(transport.ErrConnRefused, err.Error())
		}
		dialer.LocalAddr = la
	}

	addr := net.JoinHostPort(host, strconv.FormatUint(uint64(port), 10))

	c, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, errors.Wrapf(transport.ErrConnRefused, "dialing %s: %s", addr, err)
	}

	return &conn{Conn: c}, nil
}

func (b *Backend) DialUnix(ctx context.Context, path string, timeout time.Duration) (transport.Conn, error) {
	dialer := b.Dialer
	if timeout > 0 {
		dialer.Timeout = timeout
	}

	c, err := dialer.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, errors.Wrapf(transport.ErrConnRefused, "dialing %s: %s", path, err)
	}

	return &conn{Conn: c}, nil
}

// conn adapts net.Conn to transport.Conn, adding the start_tls upgrade
// and the deadline-setter signature the pool expects (no error return,
// matching transport.Conn — a deadline that can't be set is
// a bug, not a runtime condition).
type conn struct {
	net.Conn
	proto string
}

var _ transport.Conn = (*conn)(nil)

func (c *conn) LocalAddr() transport.Addr  { return addrOf(c.Conn.LocalAddr()) }
func (c *conn) RemoteAddr() transport.Addr { return addrOf(c.Conn.RemoteAddr()) }

func (c *conn) SetReadDeadline(t time.Time)  { _ = c.Conn.SetReadDeadline(t) }
func (c *conn) SetWriteDeadline(t time.Time) { _ = c.Conn.SetWriteDeadline(t) }

func (c *conn) NegotiatedProto() string { return c.proto }

func (c *conn) StartTLS(ctx context.Context, opts transport.TLSOptions) (transport.Conn, error) {
	cfg := &tls.Config{
		ServerName: opts.ServerName,
		NextProtos: opts.ALPN,
	}

	tc := tls.Client(c.Conn, cfg)

	if opts.Timeout > 0 {
		_ = tc.SetDeadline(time.Now().Add(opts.Timeout))
		defer tc.SetDeadline(time.Time{})
	}

	if err := tc.HandshakeContext(ctx); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errors.Wrap(err, "nettransport: tls handshake failed")
	}

	return &conn{Conn: tc, proto: tc.ConnectionState().NegotiatedProtocol}, nil
}

func addrOf(a net.Addr) transport.Addr {
	host, portStr, err := net.SplitHostPort(a.String())
	if err != nil {
		return transport.Addr{Network: a.Network(), Host: a.String()}
	}
	port, _ := strconv.ParseUint(portStr, 10, 16)
	return transport.Addr{Network: a.Network(), Host: host, Port: uint16(port)}
}
