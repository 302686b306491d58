package httpurl

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	cases := []struct {
		desc string
		raw  string
		want URL
	}{
		{
			desc: "path and query",
			raw:  "http://example.com/foo?bar=1",
			want: URL{Scheme: "http", Host: "example.com", Target: "/foo?bar=1"},
		},
		{
			desc: "no path defaults to slash",
			raw:  "https://example.com",
			want: URL{Scheme: "https", Host: "example.com", Target: "/"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			got, err := Parse(tc.raw)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestParseWithPort(t *testing.T) {
	got, err := Parse("http://example.com:8080/foo")
	require.NoError(t, err)
	require.NotNil(t, got.Port)
	assert.Equal(t, uint16(8080), *got.Port)
	assert.Equal(t, "example.com", got.Host)
}

func TestParseRejectsOriginForm(t *testing.T) {
	_, err := Parse("/foo/bar")
	assert.Error(t, err)
}

func TestParseRejectsUnknownScheme(t *testing.T) {
	_, err := Parse("ftp://example.com/")
	assert.Error(t, err)
}

func TestOriginOfDefaultsPort(t *testing.T) {
	u, err := Parse("https://example.com/")
	require.NoError(t, err)
	assert.Equal(t, Origin{Scheme: "https", Host: "example.com", Port: 443}, OriginOf(u))
}

func TestOriginOfExplicitPort(t *testing.T) {
	u, err := Parse("http://example.com:9000/")
	require.NoError(t, err)
	assert.Equal(t, Origin{Scheme: "http", Host: "example.com", Port: 9000}, OriginOf(u))
}

func TestOriginEquality(t *testing.T) {
	a := Origin{Scheme: "http", Host: "example.com", Port: 80}
	b := Origin{Scheme: "http", Host: "example.com", Port: 80}
	c := Origin{Scheme: "http", Host: "example.com", Port: 81}
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestURLStringAbsoluteForm(t *testing.T) {
	port := uint16(8443)
	u := URL{Scheme: "https", Host: "example.com", Port: &port, Target: "/a/b?c=d"}
	assert.Equal(t, "https://example.com:8443/a/b?c=d", u.String())
}

func TestAuthority(t *testing.T) {
	assert.Equal(t, "example.com", URL{Host: "example.com"}.Authority())
	port := uint16(1234)
	assert.Equal(t, "example.com:1234", URL{Host: "example.com", Port: &port}.Authority())
}
