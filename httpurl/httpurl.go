// Package httpurl implements the structural URL/Origin split the pool
// needs to key its connections. It deliberately does not normalize,
// percent-decode, or validate beyond what's needed to split scheme, host,
// port and request-target apart — full URI handling lives above this
// module's scope.
package httpurl

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// URL is the structural split of a request target: scheme, host, optional
// port, and the request-target sent on the wire. No normalization is
// performed.
type URL struct {
	Scheme string // "http" or "https"
	Host   string
	Port   *uint16 // nil means "use the scheme's default"
	Target string  // request-target, e.g. "/path?query"
}

// Origin identifies the server endpoint a connection is pooled against.
// Two origins are equal iff scheme, host and port are all equal; Origin is
// comparable so it can key a Go map directly.
type Origin struct {
	Scheme string
	Host   string
	Port   uint16
}

// DefaultPort returns the default port for scheme, or 0 if scheme is
// unrecognized.
func DefaultPort(scheme string) uint16 {
	switch scheme {
	case "http":
		return 80
	case "https":
		return 443
	default:
		return 0
	}
}

// OriginOf resolves u's origin, defaulting the port from its scheme when
// absent.
func OriginOf(u URL) Origin {
	port := DefaultPort(u.Scheme)
	if u.Port != nil {
		port = *u.Port
	}
	return Origin{Scheme: u.Scheme, Host: u.Host, Port: port}
}

func (o Origin) String() string {
	return o.Scheme + "://" + o.Host + ":" + strconv.FormatUint(uint64(o.Port), 10)
}

// Parse splits raw into a URL. raw must be in absolute-form
// ("scheme://host[:port][/target]"); origin-form targets aren't handled
// here since resolving them needs a base origin the caller already has.
func Parse(raw string) (URL, error) {
	scheme, rest, ok := strings.Cut(raw, "://")
	if !ok {
		return URL{}, errors.Errorf("httpurl: %q is not in absolute-form", raw)
	}
	scheme = strings.ToLower(scheme)
	if scheme != "http" && scheme != "https" {
		return URL{}, errors.Errorf("httpurl: unsupported scheme %q", scheme)
	}

	hostport := rest
	target := "/"
	if idx := strings.IndexByte(rest, '/'); idx >= 0 {
		hostport = rest[:idx]
		target = rest[idx:]
	}
	if hostport == "" {
		return URL{}, errors.Errorf("httpurl: %q has no host", raw)
	}

	host := hostport
	var port *uint16
	if idx := strings.LastIndexByte(hostport, ':'); idx >= 0 && !strings.Contains(hostport[idx:], "]") {
		host = hostport[:idx]
		p, err := strconv.ParseUint(hostport[idx+1:], 10, 16)
		if err != nil {
			return URL{}, errors.Wrapf(err, "httpurl: bad port in %q", raw)
		}
		p16 := uint16(p)
		port = &p16
	}

	return URL{Scheme: scheme, Host: host, Port: port, Target: target}, nil
}

// String reconstructs the absolute-form URL. It's used for forward-proxy
// request-target rewriting (proxy.ForwardPool), not for round-tripping
// parsed input verbatim.
func (u URL) String() string {
	b := new(strings.Builder)
	b.WriteString(u.Scheme)
	b.WriteString("://")
	b.WriteString(u.Host)
	if u.Port != nil {
		b.WriteByte(':')
		b.WriteString(strconv.FormatUint(uint64(*u.Port), 10))
	}
	b.WriteString(u.Target)
	return b.String()
}

// Authority returns the "host[:port]" pair used by CONNECT requests and by
// the Host header when one hasn't been set explicitly.
func (u URL) Authority() string {
	if u.Port == nil {
		return u.Host
	}
	return u.Host + ":" + strconv.FormatUint(uint64(*u.Port), 10)
}
