// Package message defines the Request/Response wire-agnostic model the
// pool and protocol connections pass around: an ordered header sequence,
// a lazily-read body, and an extensions bag for out-of-band data
// (timeouts, SNI overrides, the raw network stream after an upgrade).
package message

import (
	"bytes"
	"strconv"

	"github.com/pkg/errors"
)

// Version is [major, minor], mirroring the wire's "HTTP/major.minor".
type Version [2]uint

func (v Version) String() string {
	return "HTTP/" + strconv.FormatUint(uint64(v[0]), 10) + "." + strconv.FormatUint(uint64(v[1]), 10)
}

// Field is one header/trailer line. Name and Value are kept as bytes
// since the pool never needs to interpret them, only forward them.
type Field struct{ Name, Value []byte }

// Headers is an ordered sequence of fields. Order is preserved because
// callers (proxy header injection, header-based routing upstream of this
// module) may depend on it; lookups are a linear scan, same tradeoff the
// pool's connection list makes for its bounded-small n.
type Headers []Field

// Get returns the first field's value matching name, case-insensitively.
func (h Headers) Get(name string) ([]byte, bool) {
	for _, f := range h {
		if bytes.EqualFold(f.Name, []byte(name)) {
			return f.Value, true
		}
	}
	return nil, false
}

// Has reports whether any field matches name, case-insensitively.
func (h Headers) Has(name string) bool {
	_, ok := h.Get(name)
	return ok
}

// Set replaces every field matching name with a single field carrying
// value, appending one if none existed.
func (h *Headers) Set(name string, value []byte) {
	out := (*h)[:0]
	set := false
	for _, f := range *h {
		if bytes.EqualFold(f.Name, []byte(name)) {
			if !set {
				out = append(out, Field{Name: []byte(name), Value: value})
				set = true
			}
			continue
		}
		out = append(out, f)
	}
	if !set {
		out = append(out, Field{Name: []byte(name), Value: value})
	}
	*h = out
}

// Add appends a field without touching any existing ones.
func (h *Headers) Add(name string, value []byte) {
	*h = append(*h, Field{Name: []byte(name), Value: value})
}

// Del removes every field matching name.
func (h *Headers) Del(name string) {
	out := (*h)[:0]
	for _, f := range *h {
		if !bytes.EqualFold(f.Name, []byte(name)) {
			out = append(out, f)
		}
	}
	*h = out
}

// Clone returns a deep copy so a rewritten request (forward-proxy header
// injection) doesn't alias the caller's headers.
func (h Headers) Clone() Headers {
	out := make(Headers, len(h))
	for i, f := range h {
		out[i] = Field{Name: append([]byte(nil), f.Name...), Value: append([]byte(nil), f.Value...)}
	}
	return out
}

// Extensions carries the recognized out-of-band keys:
// "timeout" (Timeouts), "sni_hostname" (string), "http2" (bool) on
// requests; "http_version" ([]byte), "reason_phrase" ([]byte),
// "network_stream" (any, holding a transport.Conn) on responses.
type Extensions map[string]any

func (e Extensions) get(key string) (any, bool) {
	if e == nil {
		return nil, false
	}
	v, ok := e[key]
	return v, ok
}

// Timeouts is the value stored under the "timeout" extension key.
type Timeouts struct {
	Connect *float64
	Read    *float64
	Write   *float64
	Pool    *float64
}

// Timeout returns the Timeouts extension, or a zero value (no timeouts
// configured) if absent.
func (e Extensions) Timeout() Timeouts {
	v, ok := e.get("timeout")
	if !ok {
		return Timeouts{}
	}
	t, _ := v.(Timeouts)
	return t
}

// SNIHostname returns the "sni_hostname" override, or "" if unset.
func (e Extensions) SNIHostname() string {
	v, ok := e.get("sni_hostname")
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// HTTP2 returns the "http2" override and whether it was set at all.
func (e Extensions) HTTP2() (force bool, ok bool) {
	v, present := e.get("http2")
	if !present {
		return false, false
	}
	b, _ := v.(bool)
	return b, true
}

// ErrMissingHost names the case of a request with neither a Host header
// nor enough of a URL to synthesize one. No function in this module
// returns it: EnsureHost writes an empty Host value in that case.
var ErrMissingHost = errors.New("message: request has no host")
