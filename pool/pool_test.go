package pool

import (
	"context"
	"io"
	"testing"
	"time"

	"httpcore/httperr"
	"httpcore/httpurl"
	"httpcore/internal/ioutil"
	"httpcore/message"
	"httpcore/transport"
	"httpcore/transport/mocktransport"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.uber.org/goleak"
)

type PoolTestSuite struct {
	suite.Suite

	clk     *clock.Mock
	backend *mocktransport.Backend
}

func TestPoolTestSuite(t *testing.T) {
	suite.Run(t, new(PoolTestSuite))
}

func (s *PoolTestSuite) SetupTest() {
	s.clk = clock.NewMock()
	s.backend = mocktransport.New(s.clk)
}

func (s *PoolTestSuite) TearDownTest() {
	goleak.VerifyNone(s.T())
}

// serveAddr accepts one connection on addr and answers every request on it
// with a fixed 200/"ok" response until the connection is closed.
func (s *PoolTestSuite) serveAddr(addr transport.Addr) {
	l := s.backend.Listen(addr)
	go func() {
		conn, err := l.Accept(context.Background())
		if err != nil {
			return
		}
		r := ioutil.NewUntilReader(conn)
		for {
			if _, err := r.ReadUntil([]byte("\r\n\r\n")); err != nil {
				return
			}
			if _, err := conn.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok")); err != nil {
				return
			}
		}
	}()
}

func (s *PoolTestSuite) get(p *Pool, target string) *message.Response {
	u, err := httpurl.Parse(target)
	s.Require().NoError(err)
	resp, err := p.HandleRequest(context.Background(), &message.Request{Method: "GET", URL: u})
	s.Require().NoError(err)
	_, err = io.ReadAll(resp.Body)
	s.Require().NoError(err)
	s.Require().NoError(resp.Body.Close())
	return resp
}

func (s *PoolTestSuite) TestReuseSameOrigin() {
	addr := transport.Addr{Network: "tcp", Host: "example.com", Port: 80}
	s.serveAddr(addr)

	p := NewPool(Config{Backend: s.backend, Clock: s.clk, HTTP1: true})
	defer p.Close()

	s.get(p, "http://example.com/a")
	s.get(p, "http://example.com/b")

	conns := p.Connections()
	s.Require().Len(conns, 1)
	s.Equal(uint64(2), conns[0].RequestCount)
}

func (s *PoolTestSuite) TestMaxConnectionsBlocksUntilRelease() {
	a1 := transport.Addr{Network: "tcp", Host: "one.example", Port: 80}
	a2 := transport.Addr{Network: "tcp", Host: "two.example", Port: 80}

	l1 := s.backend.Listen(a1)
	l2 := s.backend.Listen(a2)

	p := NewPool(Config{Backend: s.backend, Clock: s.clk, HTTP1: true, MaxConnections: 1})
	defer p.Close()

	firstDone := make(chan struct{})
	go func() {
		defer close(firstDone)
		u, _ := httpurl.Parse("http://one.example/")
		resp, err := p.HandleRequest(context.Background(), &message.Request{Method: "GET", URL: u})
		s.Require().NoError(err)
		_, _ = io.ReadAll(resp.Body)
		_ = resp.Body.Close()
	}()

	serverConn, err := l1.Accept(context.Background())
	s.Require().NoError(err)
	r := ioutil.NewUntilReader(serverConn)
	_, err = r.ReadUntil([]byte("\r\n\r\n"))
	s.Require().NoError(err)

	secondStarted := make(chan struct{})
	secondDone := make(chan struct{})
	go func() {
		close(secondStarted)
		defer close(secondDone)
		u, _ := httpurl.Parse("http://two.example/")
		resp, err := p.HandleRequest(context.Background(), &message.Request{Method: "GET", URL: u})
		s.Require().NoError(err)
		_, _ = io.ReadAll(resp.Body)
		_ = resp.Body.Close()
	}()
	<-secondStarted

	// MaxConnections=1 and the one slot is held by the still-in-flight first
	// request, so the second request's acquire must be parked as a waiter
	// rather than dialing two.example. Releasing the first connection is
	// what lets it proceed.
	_, err = serverConn.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok"))
	s.Require().NoError(err)
	<-firstDone

	s.serveOn(l2)
	<-secondDone
}

func (s *PoolTestSuite) serveOn(l *mocktransport.Listener) {
	conn, err := l.Accept(context.Background())
	s.Require().NoError(err)
	r := ioutil.NewUntilReader(conn)
	_, err = r.ReadUntil([]byte("\r\n\r\n"))
	s.Require().NoError(err)
	_, err = conn.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok"))
	s.Require().NoError(err)
}

func (s *PoolTestSuite) TestKeepaliveExpiryEvictsIdleConnection() {
	addr := transport.Addr{Network: "tcp", Host: "example.com", Port: 80}
	s.serveAddr(addr)

	p := NewPool(Config{Backend: s.backend, Clock: s.clk, HTTP1: true, KeepaliveExpiry: time.Second})
	defer p.Close()

	s.get(p, "http://example.com/a")
	require.Len(s.T(), p.Connections(), 1)

	s.clk.Add(2 * time.Second)
	s.serveAddr(addr)
	s.get(p, "http://example.com/b")

	conns := p.Connections()
	s.Require().Len(conns, 1)
	// A fresh connection was created for the second request rather than
	// reusing the expired one: its own request count starts back at 1.
	s.Equal(uint64(1), conns[0].RequestCount)
}

// TestPoolTimeoutFailsWaiterNotConnection pins the pool's one slot with an
// in-flight request to one.example, then sends a second request to a
// different origin carrying a short extensions.timeout.pool. The second
// request must fail with PoolTimeout without ever touching the first
// connection, which is left to complete normally.
func (s *PoolTestSuite) TestPoolTimeoutFailsWaiterNotConnection() {
	a1 := transport.Addr{Network: "tcp", Host: "one.example", Port: 80}
	l1 := s.backend.Listen(a1)

	p := NewPool(Config{Backend: s.backend, Clock: s.clk, HTTP1: true, MaxConnections: 1})
	defer p.Close()

	firstDone := make(chan struct{})
	go func() {
		defer close(firstDone)
		u, _ := httpurl.Parse("http://one.example/")
		resp, err := p.HandleRequest(context.Background(), &message.Request{Method: "GET", URL: u})
		s.Require().NoError(err)
		_, _ = io.ReadAll(resp.Body)
		_ = resp.Body.Close()
	}()

	serverConn, err := l1.Accept(context.Background())
	s.Require().NoError(err)
	r := ioutil.NewUntilReader(serverConn)
	_, err = r.ReadUntil([]byte("\r\n\r\n"))
	s.Require().NoError(err)

	poolTimeout := 0.05
	secondErr := make(chan error, 1)
	go func() {
		u, _ := httpurl.Parse("http://two.example/")
		req := &message.Request{
			Method:     "GET",
			URL:        u,
			Extensions: message.Extensions{"timeout": message.Timeouts{Pool: &poolTimeout}},
		}
		_, err := p.HandleRequest(context.Background(), req)
		secondErr <- err
	}()

	require.Eventually(s.T(), func() bool {
		return p.Stats().Waiting == 1
	}, time.Second, time.Millisecond)

	s.clk.Add(2 * time.Second)

	err = <-secondErr
	s.Require().Error(err)
	s.True(errors.Is(err, httperr.PoolTimeout))

	_, err = serverConn.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok"))
	s.Require().NoError(err)
	<-firstDone

	conns := p.Connections()
	s.Require().Len(conns, 1)
	s.Equal(httpurl.Origin{Scheme: "http", Host: "one.example", Port: 80}, conns[0].Origin)
}

func (s *PoolTestSuite) TestRequestAfterCloseFails() {
	p := NewPool(Config{Backend: s.backend, Clock: s.clk, HTTP1: true})
	s.Require().NoError(p.Close())

	u, _ := httpurl.Parse("http://example.com/")
	_, err := p.HandleRequest(context.Background(), &message.Request{Method: "GET", URL: u})
	s.Error(err)
}
