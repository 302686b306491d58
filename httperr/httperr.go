// Package httperr defines the error taxonomy shared by the connection
// pool, protocol connections, and proxy pools.
package httperr

import "github.com/pkg/errors"

// Sentinel kinds. Wrap one of these with errors.Wrap to attach context;
// callers should match with errors.Is.
var (
	// ConnectError means the TCP connect failed (DNS, refused, unreachable).
	ConnectError = errors.New("connect error")
	// ConnectTimeout means the connect phase exceeded its timeout.
	ConnectTimeout = errors.New("connect timeout")

	// ReadError means an I/O failure on an established stream while reading.
	ReadError = errors.New("read error")
	// WriteError means an I/O failure on an established stream while writing.
	WriteError = errors.New("write error")
	// ReadTimeout means the read phase exceeded its timeout.
	ReadTimeout = errors.New("read timeout")
	// WriteTimeout means the write phase exceeded its timeout.
	WriteTimeout = errors.New("write timeout")

	// PoolTimeout means a waiter exceeded the pool timeout without
	// acquiring capacity.
	PoolTimeout = errors.New("pool timeout")

	// NetworkError is a generic socket error not otherwise classified.
	NetworkError = errors.New("network error")

	// LocalProtocolError means our side violated the protocol.
	LocalProtocolError = errors.New("local protocol error")
	// RemoteProtocolError means the peer violated the protocol.
	RemoteProtocolError = errors.New("remote protocol error")

	// ProxyError means the CONNECT tunnel handshake failed with a
	// non-2xx status.
	ProxyError = errors.New("proxy error")

	// UnsupportedProtocol means the request's scheme isn't http or https.
	UnsupportedProtocol = errors.New("unsupported protocol")

	// ConnectionNotAvailable is an internal signal that a selected
	// connection cannot service a new request. It triggers pool
	// re-acquisition and must never be surfaced to callers.
	ConnectionNotAvailable = errors.New("connection not available")

	// RuntimeError means API misuse: a closed pool, or a request routed
	// to a connection with a different origin.
	RuntimeError = errors.New("runtime error")
)
