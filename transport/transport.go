// Package transport defines the Network Backend contract the pool relies
// on to open connections: an opaque byte-duplex NetworkStream plus a
// dialer that produces one. TCP handshaking, TLS, and DNS resolution are
// implemented by concrete backends (nettransport, mocktransport); this
// core only ever depends on the interfaces here.
package transport

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

var (
	// ErrConnClosed is returned by Read/Write once the stream (or its
	// counterpart, for in-memory streams) has been closed.
	ErrConnClosed = errors.New("transport: connection is closed")
	// ErrDeadlineExceeded is returned by Read/Write once a deadline set
	// with SetReadDeadline/SetWriteDeadline has passed.
	ErrDeadlineExceeded = errors.New("transport: deadline exceeded")
	// ErrConnRefused is returned by a Backend when nothing is listening
	// at the requested address.
	ErrConnRefused = errors.New("transport: connection refused")
	// ErrTLSUnsupported is returned by StartTLS on a stream that has no
	// TLS upgrade path (e.g. most mock streams).
	ErrTLSUnsupported = errors.New("transport: stream does not support start_tls")
)

// Addr identifies one endpoint of a Conn. It's intentionally a plain
// value type (not an interface keyed on a custom IP stack): the pool only
// uses it as an optional local address, and mocktransport keys its
// listeners by it.
type Addr struct {
	Network string // "tcp" or "unix"
	Host    string // hostname, dotted-quad, or unix socket path
	Port    uint16 // zero for unix sockets
}

func (a Addr) String() string {
	if a.Network == "unix" {
		return a.Host
	}
	return a.Host + ":" + portString(a.Port)
}

func portString(p uint16) string {
	if p == 0 {
		return "0"
	}
	var buf [5]byte
	i := len(buf)
	for p > 0 {
		i--
		buf[i] = byte('0' + p%10)
		p /= 10
	}
	return string(buf[i:])
}

// TLSOptions configures a start_tls upgrade
// (start_tls(ssl_context, server_hostname, timeout)).
type TLSOptions struct {
	ServerName string
	ALPN       []string
	Timeout    time.Duration
}

// Conn is the NetworkStream contract: an opaque byte-duplex with
// at-most-one concurrent reader and at-most-one concurrent writer, and an
// idempotent Close. StartTLS consumes the plaintext stream and, on
// success, returns a new Conn wrapping the TLS session; the plaintext
// Conn must not be used again afterwards.
type Conn interface {
	Read(p []byte) (n int, err error)
	Write(p []byte) (n int, err error)
	Close() error

	LocalAddr() Addr
	RemoteAddr() Addr

	SetReadDeadline(t time.Time)
	SetWriteDeadline(t time.Time)

	StartTLS(ctx context.Context, opts TLSOptions) (Conn, error)
	// NegotiatedProto returns the ALPN protocol negotiated during
	// StartTLS ("h2", "http/1.1"), or "" if StartTLS was never called.
	NegotiatedProto() string
}

// Backend is the Network Backend: it opens streams to a
// host/port (and, optionally, a unix socket), each call independently
// timeout-bearing.
type Backend interface {
	DialTCP(ctx context.Context, host string, port uint16, timeout time.Duration, localAddr *Addr) (Conn, error)
	DialUnix(ctx context.Context, path string, timeout time.Duration) (Conn, error)
}
