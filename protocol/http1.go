package protocol

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"httpcore/httperr"
	"httpcore/internal/ioutil"
	"httpcore/message"
	"httpcore/transport"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
)

type http1State int

const (
	http1Idle http1State = iota
	http1Active
	http1Closed
)

// HTTP1Connection is the IDLE/ACTIVE/CLOSED state machine for a single
// exactly one request in flight at a time, wire framing hand-rolled
// against transport.Conn rather than delegated to a parser library.
type HTTP1Connection struct {
	conn            transport.Conn
	clock           clock.Clock
	logger          *slog.Logger
	keepaliveExpiry time.Duration

	r *ioutil.UntilReader

	mu         sync.Mutex
	state      http1State
	idleAt     time.Time
	keepAlive  bool
	lastMethod string
}

var _ Connection = (*HTTP1Connection)(nil)

func NewHTTP1Connection(conn transport.Conn, clk clock.Clock, keepaliveExpiry time.Duration, logger *slog.Logger) *HTTP1Connection {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTP1Connection{
		conn:            conn,
		clock:           clk,
		logger:          logger,
		keepaliveExpiry: keepaliveExpiry,
		r:               ioutil.NewUntilReader(conn),
		state:           http1Idle,
		idleAt:          clk.Now(),
		keepAlive:       true,
	}
}

func (c *HTTP1Connection) HandleRequest(ctx context.Context, req *message.Request) (*message.Response, error) {
	c.mu.Lock()
	if c.state != http1Idle || !c.keepAlive {
		c.mu.Unlock()
		return nil, httperr.ConnectionNotAvailable
	}
	c.state = http1Active
	c.lastMethod = req.Method
	c.mu.Unlock()

	req.EnsureHost()
	timeouts := req.Extensions.Timeout()

	if dl, ok := deadlineFor(ctx, c.clock, timeouts.Write); ok {
		c.conn.SetWriteDeadline(dl)
	} else {
		c.conn.SetWriteDeadline(time.Time{})
	}
	if err := c.writeRequest(req); err != nil {
		return nil, c.fail(classify(err, httperr.WriteTimeout, httperr.WriteError))
	}
	c.conn.SetWriteDeadline(time.Time{})

	if dl, ok := deadlineFor(ctx, c.clock, timeouts.Read); ok {
		c.conn.SetReadDeadline(dl)
	} else {
		c.conn.SetReadDeadline(time.Time{})
	}
	resp, err := c.readResponseHead()
	if err != nil {
		return nil, c.fail(classify(err, httperr.ReadTimeout, httperr.ReadError))
	}
	c.conn.SetReadDeadline(time.Time{})

	body, keepAlive := c.bodyReaderFor(resp)
	resp.Body = &http1Body{conn: c, r: body, keepAlive: keepAlive}
	return resp, nil
}

func (c *HTTP1Connection) IsAvailable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == http1Idle && c.keepAlive
}

func (c *HTTP1Connection) HasExpired() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != http1Idle {
		return false
	}
	return c.clock.Now().Sub(c.idleAt) >= c.keepaliveExpiry
}

func (c *HTTP1Connection) IsIdle() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == http1Idle
}

func (c *HTTP1Connection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == http1Closed
}

func (c *HTTP1Connection) AttemptClose() error {
	c.mu.Lock()
	if c.state == http1Active {
		c.mu.Unlock()
		return nil
	}
	c.state = http1Closed
	c.mu.Unlock()
	return c.conn.Close()
}

func (c *HTTP1Connection) Close() error {
	c.mu.Lock()
	c.state = http1Closed
	c.mu.Unlock()
	return c.conn.Close()
}

func (c *HTTP1Connection) Info() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case http1Idle:
		return "HTTP/1.1, IDLE"
	case http1Active:
		return "HTTP/1.1, ACTIVE"
	default:
		return "HTTP/1.1, CLOSED"
	}
}

func (c *HTTP1Connection) fail(err error) error {
	c.mu.Lock()
	c.state = http1Closed
	c.mu.Unlock()
	_ = c.conn.Close()
	return err
}

func (c *HTTP1Connection) writeRequest(req *message.Request) error {
	var buf bytes.Buffer

	target := req.URL.Target
	if target == "" {
		target = "/"
	}
	buf.WriteString(req.Method)
	buf.WriteByte(' ')
	buf.WriteString(target)
	buf.WriteString(" HTTP/1.1\r\n")

	headers := req.Headers
	chunked := false
	if req.Body != nil && !headers.Has("Content-Length") {
		headers = headers.Clone()
		headers.Set("Transfer-Encoding", []byte("chunked"))
		chunked = true
	}
	for _, f := range headers {
		buf.Write(f.Name)
		buf.WriteString(": ")
		buf.Write(f.Value)
		buf.WriteString("\r\n")
	}
	buf.WriteString("\r\n")

	if _, err := c.conn.Write(buf.Bytes()); err != nil {
		return err
	}
	if req.Body == nil {
		return nil
	}
	if chunked {
		return c.writeChunkedBody(req.Body)
	}
	_, err := io.Copy(c.conn, req.Body)
	return err
}

func (c *HTTP1Connection) writeChunkedBody(body io.Reader) error {
	buf := make([]byte, 32*1024)
	for {
		n, rerr := body.Read(buf)
		if n > 0 {
			if _, err := c.conn.Write([]byte(strconv.FormatInt(int64(n), 16) + "\r\n")); err != nil {
				return err
			}
			if _, err := c.conn.Write(buf[:n]); err != nil {
				return err
			}
			if _, err := c.conn.Write([]byte("\r\n")); err != nil {
				return err
			}
		}
		if rerr == io.EOF {
			_, err := c.conn.Write([]byte("0\r\n\r\n"))
			return err
		}
		if rerr != nil {
			return rerr
		}
	}
}

func (c *HTTP1Connection) readResponseHead() (*message.Response, error) {
	block, err := c.r.ReadUntil([]byte("\r\n\r\n"))
	if err != nil {
		return nil, err
	}
	lines := bytes.Split(bytes.TrimSuffix(block, []byte("\r\n\r\n")), []byte("\r\n"))
	if len(lines) == 0 || len(lines[0]) == 0 {
		return nil, errors.Wrap(httperr.RemoteProtocolError, "empty status line")
	}

	parts := bytes.SplitN(lines[0], []byte(" "), 3)
	if len(parts) < 2 {
		return nil, errors.Wrap(httperr.RemoteProtocolError, "malformed status line")
	}
	version := append([]byte(nil), parts[0]...)
	code, err := strconv.ParseUint(string(parts[1]), 10, 16)
	if err != nil {
		return nil, errors.Wrap(httperr.RemoteProtocolError, "malformed status code")
	}
	var reason []byte
	if len(parts) == 3 {
		reason = append([]byte(nil), parts[2]...)
	}

	var headers message.Headers
	for _, line := range lines[1:] {
		if len(line) == 0 {
			continue
		}
		idx := bytes.IndexByte(line, ':')
		if idx < 0 {
			return nil, errors.Wrap(httperr.RemoteProtocolError, "malformed header line")
		}
		name := bytes.TrimSpace(line[:idx])
		value := bytes.TrimSpace(line[idx+1:])
		headers.Add(string(name), append([]byte(nil), value...))
	}

	return &message.Response{
		Status:  uint16(code),
		Headers: headers,
		Extensions: message.Extensions{
			"http_version":  version,
			"reason_phrase": reason,
		},
	}, nil
}

func (c *HTTP1Connection) bodyReaderFor(resp *message.Response) (io.Reader, bool) {
	keepAlive := canKeepAlive(resp.Extensions.HTTPVersion(), resp.Headers)

	if c.lastMethod == "HEAD" || noResponseBody(resp.Status) {
		return bytes.NewReader(nil), keepAlive
	}

	if te, ok := resp.Headers.Get("Transfer-Encoding"); ok && bytes.Contains(bytes.ToLower(te), []byte("chunked")) {
		return &chunkedReader{r: c.r}, keepAlive
	}

	if cl, ok := resp.Headers.Get("Content-Length"); ok {
		n, err := strconv.ParseUint(string(bytes.TrimSpace(cl)), 10, 64)
		if err != nil {
			return errReader{errors.Wrap(httperr.RemoteProtocolError, "malformed content-length")}, false
		}
		return ioutil.LimitReader(c.r, uint(n)), keepAlive
	}

	// No length framing: body runs until the peer closes the connection,
	// so it cannot be reused afterwards.
	return c.r, false
}

func noResponseBody(status uint16) bool {
	return status == 204 || status == 304 || (status >= 100 && status < 200)
}

func canKeepAlive(version []byte, headers message.Headers) bool {
	connHeader, hasConn := headers.Get("Connection")
	if hasConn && bytes.Contains(bytes.ToLower(connHeader), []byte("close")) {
		return false
	}
	if bytes.Equal(version, []byte("HTTP/1.0")) {
		return hasConn && bytes.Contains(bytes.ToLower(connHeader), []byte("keep-alive"))
	}
	return true
}

type errReader struct{ err error }

func (e errReader) Read([]byte) (int, error) { return 0, e.err }

// chunkedReader decodes an HTTP/1.1 chunked transfer-coded body, grounded
// on the same delimiter-read approach as ioutil.UntilReader.
type chunkedReader struct {
	r         *ioutil.UntilReader
	remaining uint64
	done      bool
	err       error
}

func (cr *chunkedReader) Read(p []byte) (int, error) {
	if cr.err != nil {
		return 0, cr.err
	}
	if cr.done {
		return 0, io.EOF
	}
	if cr.remaining == 0 {
		if err := cr.nextChunkSize(); err != nil {
			cr.err = err
			return 0, err
		}
		if cr.done {
			return 0, io.EOF
		}
	}

	if uint64(len(p)) > cr.remaining {
		p = p[:cr.remaining]
	}
	n, err := cr.r.Read(p)
	cr.remaining -= uint64(n)
	if err != nil && err != io.EOF {
		cr.err = errors.Wrap(httperr.RemoteProtocolError, err.Error())
		return n, cr.err
	}
	if cr.remaining == 0 {
		if _, err := cr.r.ReadUntil([]byte("\r\n")); err != nil {
			cr.err = errors.Wrap(httperr.RemoteProtocolError, err.Error())
		}
	}
	return n, nil
}

func (cr *chunkedReader) nextChunkSize() error {
	line, err := cr.r.ReadUntil([]byte("\r\n"))
	if err != nil {
		return errors.Wrap(httperr.RemoteProtocolError, err.Error())
	}
	sizeLine := bytes.TrimSuffix(line, []byte("\r\n"))
	if idx := bytes.IndexByte(sizeLine, ';'); idx >= 0 {
		sizeLine = sizeLine[:idx]
	}
	size, err := strconv.ParseUint(string(bytes.TrimSpace(sizeLine)), 16, 64)
	if err != nil {
		return errors.Wrap(httperr.RemoteProtocolError, "malformed chunk size")
	}
	if size == 0 {
		for {
			trailer, err := cr.r.ReadUntil([]byte("\r\n"))
			if err != nil {
				return errors.Wrap(httperr.RemoteProtocolError, err.Error())
			}
			if bytes.Equal(trailer, []byte("\r\n")) {
				break
			}
		}
		cr.done = true
		return nil
	}
	cr.remaining = size
	return nil
}

// http1Body is the streaming Response.Body: closing it (whether by full
// read to EOF or an early Close) is what returns the connection to IDLE,
// ACTIVE transitions back to IDLE once the response body is fully consumed.
type http1Body struct {
	conn      *HTTP1Connection
	r         io.Reader
	keepAlive bool
	closed    bool
}

func (b *http1Body) Read(p []byte) (int, error) {
	n, err := b.r.Read(p)
	if err != nil {
		b.finish(err)
	}
	return n, err
}

func (b *http1Body) Close() error {
	if b.closed {
		return nil
	}
	// Drain whatever the caller left unread so the connection can still be
	// reused rather than left half-drained.
	_, err := io.Copy(io.Discard, b.r)
	if err != nil && err != io.EOF {
		b.finish(err)
		return nil
	}
	b.finish(io.EOF)
	return nil
}

func (b *http1Body) finish(err error) {
	if b.closed {
		return
	}
	b.closed = true

	b.conn.mu.Lock()
	defer b.conn.mu.Unlock()
	if b.conn.state == http1Closed {
		return
	}
	if err != io.EOF || !b.keepAlive {
		b.conn.state = http1Closed
		_ = b.conn.conn.Close()
		return
	}
	b.conn.state = http1Idle
	b.conn.idleAt = b.conn.clock.Now()
	b.conn.keepAlive = true
}

// deadlineFor combines a request-level timeout (seconds, the
// "timeout" extension) with the caller's context deadline, honoring
// whichever comes first.
func deadlineFor(ctx context.Context, clk clock.Clock, seconds *float64) (time.Time, bool) {
	var dl time.Time
	have := false
	if seconds != nil {
		dl = clk.Now().Add(time.Duration(*seconds * float64(time.Second)))
		have = true
	}
	if ctxDL, ok := ctx.Deadline(); ok {
		if !have || ctxDL.Before(dl) {
			dl = ctxDL
			have = true
		}
	}
	return dl, have
}

// classify maps a raw transport error to the timeout or generic I/O
// sentinel kind, preferring the timeout kind whenever the
// underlying failure was a deadline.
func classify(err error, timeoutKind, ioKind error) error {
	if errors.Is(err, transport.ErrDeadlineExceeded) {
		return errors.Wrap(timeoutKind, err.Error())
	}
	return errors.Wrap(ioKind, err.Error())
}
