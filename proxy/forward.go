// Package proxy implements the Proxy Pool: ForwardPool for
// http:// origins (request-target rewritten to absolute-form, one proxy
// connection serving many target origins) and TunnelPool for https://
// origins (per-target-origin CONNECT tunnel, then start_tls). Both are
// pool.Pool specializations — ForwardPool by rewriting requests before
// delegating, TunnelPool by overriding how the underlying pool dials.
package proxy

import (
	"context"

	"httpcore/httperr"
	"httpcore/httpurl"
	"httpcore/message"
	"httpcore/pool"

	"github.com/pkg/errors"
)

// ForwardPool routes every request through one pool.Pool keyed on the
// proxy's own origin: many distinct target origins share the same
// forward connections, since the pool only ever sees the proxy as the
// connection's origin.
type ForwardPool struct {
	pool        *pool.Pool
	proxyOrigin httpurl.Origin
	proxyAuth   string
}

// NewForwardPool builds a ForwardPool that dials cfg.Backend directly at
// proxyOrigin. proxyAuth, if non-empty, is sent as a static
// Proxy-Authorization header value (e.g. "Basic <base64>") on every
// request — off by default, opt in by supplying it.
func NewForwardPool(cfg pool.Config, proxyOrigin httpurl.Origin, proxyAuth string) *ForwardPool {
	return &ForwardPool{
		pool:        pool.NewPool(cfg),
		proxyOrigin: proxyOrigin,
		proxyAuth:   proxyAuth,
	}
}

func (f *ForwardPool) HandleRequest(ctx context.Context, req *message.Request) (*message.Response, error) {
	if req.URL.Scheme != "http" {
		return nil, errors.Wrap(httperr.RuntimeError, "forward pool only serves http origins")
	}

	fwd := req.Clone()
	fwd.Headers.Set("Host", []byte(req.URL.Authority()))
	if f.proxyAuth != "" {
		fwd.Headers.Set("Proxy-Authorization", []byte(f.proxyAuth))
	}

	port := f.proxyOrigin.Port
	fwd.URL = httpurl.URL{
		Scheme: f.proxyOrigin.Scheme,
		Host:   f.proxyOrigin.Host,
		Port:   &port,
		Target: req.URL.String(),
	}

	return f.pool.HandleRequest(ctx, fwd)
}

func (f *ForwardPool) Close() error                 { return f.pool.Close() }
func (f *ForwardPool) Connections() []pool.ConnInfo { return f.pool.Connections() }
func (f *ForwardPool) Stats() pool.Stats            { return f.pool.Stats() }
