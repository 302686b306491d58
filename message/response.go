package message

import "io"

// Response is the pool's wire-agnostic response model. Body must be fully
// read to EOF or explicitly closed before the owning connection may be
// reused — see pool.Connection.
type Response struct {
	Status  uint16
	Headers Headers
	Body    io.ReadCloser

	Extensions Extensions
}

// HTTPVersion returns the "http_version" response extension.
func (e Extensions) HTTPVersion() []byte {
	v, ok := e.get("http_version")
	if !ok {
		return nil
	}
	b, _ := v.([]byte)
	return b
}

// ReasonPhrase returns the "reason_phrase" response extension.
func (e Extensions) ReasonPhrase() []byte {
	v, ok := e.get("reason_phrase")
	if !ok {
		return nil
	}
	b, _ := v.([]byte)
	return b
}

// NetworkStream returns the "network_stream" response extension. Neither
// protocol connection in this module sets this key, including for CONNECT
// responses, so it is present only if a caller stored it.
func (e Extensions) NetworkStream() (any, bool) {
	return e.get("network_stream")
}
