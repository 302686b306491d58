package message

import (
	"testing"

	"httpcore/httpurl"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeadersGetCaseInsensitive(t *testing.T) {
	h := Headers{{Name: []byte("Content-Type"), Value: []byte("text/plain")}}
	v, ok := h.Get("content-type")
	require.True(t, ok)
	assert.Equal(t, "text/plain", string(v))
}

func TestHeadersSetReplacesExisting(t *testing.T) {
	h := Headers{
		{Name: []byte("X-A"), Value: []byte("1")},
		{Name: []byte("X-B"), Value: []byte("2")},
	}
	h.Set("x-a", []byte("3"))
	assert.Len(t, h, 2)
	v, _ := h.Get("X-A")
	assert.Equal(t, "3", string(v))
}

func TestHeadersSetAppendsWhenAbsent(t *testing.T) {
	var h Headers
	h.Set("Host", []byte("example.com"))
	require.Len(t, h, 1)
	assert.Equal(t, "Host", string(h[0].Name))
}

func TestHeadersDel(t *testing.T) {
	h := Headers{
		{Name: []byte("X-A"), Value: []byte("1")},
		{Name: []byte("X-B"), Value: []byte("2")},
	}
	h.Del("x-a")
	assert.False(t, h.Has("X-A"))
	assert.True(t, h.Has("X-B"))
}

func TestHeadersCloneIsIndependent(t *testing.T) {
	h := Headers{{Name: []byte("X-A"), Value: []byte("1")}}
	clone := h.Clone()
	clone.Set("X-A", []byte("2"))
	v, _ := h.Get("X-A")
	assert.Equal(t, "1", string(v))
}

func TestExtensionsTimeout(t *testing.T) {
	sec := 5.0
	e := Extensions{"timeout": Timeouts{Connect: &sec}}
	require.NotNil(t, e.Timeout().Connect)
	assert.Equal(t, 5.0, *e.Timeout().Connect)
}

func TestExtensionsTimeoutAbsent(t *testing.T) {
	var e Extensions
	assert.Equal(t, Timeouts{}, e.Timeout())
}

func TestExtensionsHTTP2(t *testing.T) {
	force, ok := Extensions{"http2": true}.HTTP2()
	assert.True(t, ok)
	assert.True(t, force)

	_, ok = Extensions(nil).HTTP2()
	assert.False(t, ok)
}

func TestRequestEnsureHostSynthesizes(t *testing.T) {
	req := &Request{URL: httpurl.URL{Host: "example.com"}}
	req.EnsureHost()
	v, ok := req.Headers.Get("Host")
	require.True(t, ok)
	assert.Equal(t, "example.com", string(v))
}

func TestRequestEnsureHostRespectsExisting(t *testing.T) {
	req := &Request{URL: httpurl.URL{Host: "example.com"}}
	req.Headers.Set("Host", []byte("override.example"))
	req.EnsureHost()
	v, _ := req.Headers.Get("Host")
	assert.Equal(t, "override.example", string(v))
}

func TestRequestCloneDoesNotAliasHeaders(t *testing.T) {
	req := &Request{Headers: Headers{{Name: []byte("X-A"), Value: []byte("1")}}}
	clone := req.Clone()
	clone.Headers.Set("X-A", []byte("2"))
	v, _ := req.Headers.Get("X-A")
	assert.Equal(t, "1", string(v))
}

func TestResponseExtensions(t *testing.T) {
	resp := &Response{Extensions: Extensions{
		"http_version":  []byte("HTTP/1.1"),
		"reason_phrase": []byte("OK"),
	}}
	assert.Equal(t, "HTTP/1.1", string(resp.Extensions.HTTPVersion()))
	assert.Equal(t, "OK", string(resp.Extensions.ReasonPhrase()))
}
