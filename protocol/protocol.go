// Package protocol implements the two Protocol Connection variants —
// HTTP/1.1 and HTTP/2 — behind one shared Connection
// contract. Wire parsing/serializing lives here behind a narrow interface,
// kept intentionally small rather than a full
// RFC-9112/9113 conformance suite).
package protocol

import (
	"context"

	"httpcore/message"
)

// Connection is the contract pool.Connection delegates to once a socket
// is open. HandleRequest must not be called while IsAvailable reports
// false (for HTTP/1.1, while another request is in flight; HTTP/2 serves
// concurrent calls as separate streams) — callers that violate this get
// httperr.ConnectionNotAvailable back, never a panic.
type Connection interface {
	HandleRequest(ctx context.Context, req *message.Request) (*message.Response, error)

	// IsAvailable reports whether the connection can accept another
	// request right now: for HTTP/1.1, idle and kept alive by the peer;
	// for HTTP/2, ACTIVE with spare concurrent-stream capacity.
	IsAvailable() bool
	// HasExpired reports whether an IDLE connection has sat unused past
	// the keepalive expiry it was configured with at construction.
	HasExpired() bool
	IsIdle() bool
	IsClosed() bool

	// AttemptClose closes the connection only if doing so wouldn't
	// abandon in-flight work (graceful shutdown).
	AttemptClose() error
	// Close forces the connection closed unconditionally, idempotently.
	Close() error

	// Info is a short human-readable state summary for
	// pool.Pool.Connections() introspection.
	Info() string
}
