package proxy

import (
	"bytes"
	"context"
	"testing"
	"time"

	"httpcore/httperr"
	"httpcore/httpurl"
	"httpcore/internal/ioutil"
	"httpcore/transport"
	"httpcore/transport/mocktransport"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/suite"
	"go.uber.org/goleak"
)

type TunnelBackendTestSuite struct {
	suite.Suite

	clk     *clock.Mock
	backend *mocktransport.Backend
	proxy   httpurl.Origin
}

func TestTunnelBackendTestSuite(t *testing.T) {
	suite.Run(t, new(TunnelBackendTestSuite))
}

func (s *TunnelBackendTestSuite) SetupTest() {
	s.clk = clock.NewMock()
	s.backend = mocktransport.New(s.clk)
	s.proxy = httpurl.Origin{Scheme: "http", Host: "proxy.example", Port: 3128}
}

func (s *TunnelBackendTestSuite) TearDownTest() {
	goleak.VerifyNone(s.T())
}

func (s *TunnelBackendTestSuite) newBackend(auth string) *tunnelBackend {
	return &tunnelBackend{proxy: s.backend, proxyOrigin: s.proxy, proxyAuth: auth, clock: s.clk}
}

func (s *TunnelBackendTestSuite) TestSuccessfulConnectPreservesLeftoverBytes() {
	addr := transport.Addr{Network: "tcp", Host: s.proxy.Host, Port: s.proxy.Port}
	l := s.backend.Listen(addr)

	requestLine := make(chan []byte, 1)
	go func() {
		conn, err := l.Accept(context.Background())
		s.Require().NoError(err)
		r := ioutil.NewUntilReader(conn)
		head, err := r.ReadUntil([]byte("\r\n\r\n"))
		s.Require().NoError(err)
		requestLine <- head

		// The 2xx response and the first bytes of the tunnelled stream
		// arrive in the same write, exercising the UntilReader's
		// leftover-byte retention.
		_, err = conn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\ntunnelled"))
		s.Require().NoError(err)
	}()

	tb := s.newBackend("")
	conn, err := tb.DialTCP(context.Background(), "target.example", 443, time.Second, nil)
	s.Require().NoError(err)
	defer conn.Close()

	head := <-requestLine
	s.True(bytes.HasPrefix(head, []byte("CONNECT target.example:443 HTTP/1.1\r\n")))

	buf := make([]byte, len("tunnelled"))
	n, err := conn.Read(buf)
	s.Require().NoError(err)
	s.Equal("tunnelled", string(buf[:n]))
}

func (s *TunnelBackendTestSuite) TestNonSuccessStatusIsProxyError() {
	addr := transport.Addr{Network: "tcp", Host: s.proxy.Host, Port: s.proxy.Port}
	l := s.backend.Listen(addr)

	go func() {
		conn, err := l.Accept(context.Background())
		s.Require().NoError(err)
		r := ioutil.NewUntilReader(conn)
		_, err = r.ReadUntil([]byte("\r\n\r\n"))
		s.Require().NoError(err)
		_, _ = conn.Write([]byte("HTTP/1.1 407 Proxy Authentication Required\r\n\r\n"))
	}()

	tb := s.newBackend("")
	_, err := tb.DialTCP(context.Background(), "target.example", 443, time.Second, nil)
	s.Require().Error(err)
	s.True(errors.Is(err, httperr.ProxyError))
}

func (s *TunnelBackendTestSuite) TestProxyAuthorizationHeaderSent() {
	addr := transport.Addr{Network: "tcp", Host: s.proxy.Host, Port: s.proxy.Port}
	l := s.backend.Listen(addr)

	requestLine := make(chan []byte, 1)
	go func() {
		conn, err := l.Accept(context.Background())
		s.Require().NoError(err)
		r := ioutil.NewUntilReader(conn)
		head, err := r.ReadUntil([]byte("\r\n\r\n"))
		s.Require().NoError(err)
		requestLine <- head
		_, _ = conn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n"))
	}()

	tb := s.newBackend("Basic dXNlcjpwYXNz")
	conn, err := tb.DialTCP(context.Background(), "target.example", 443, time.Second, nil)
	s.Require().NoError(err)
	defer conn.Close()

	head := <-requestLine
	s.Contains(string(head), "Proxy-Authorization: Basic dXNlcjpwYXNz")
}

func (s *TunnelBackendTestSuite) TestDialUnixUnsupported() {
	tb := s.newBackend("")
	_, err := tb.DialUnix(context.Background(), "/tmp/whatever", time.Second)
	s.True(errors.Is(err, httperr.UnsupportedProtocol))
}
