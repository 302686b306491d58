package protocol

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"httpcore/httperr"
	"httpcore/message"
	"httpcore/transport"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
)

const defaultInitialWindow = 65535

type http2ConnState int

const (
	http2ConnActive http2ConnState = iota
	http2ConnClosed
)

type http2StreamState int

const (
	streamIdle http2StreamState = iota
	streamOpen
	streamHalfClosed
	streamClosed
)

// HTTP2Connection is one transport shared by many concurrent streams: a
// dedicated reader task demultiplexes frames to per-stream
// state, writes are serialized under a send lock, and a GOAWAY or a frame
// read failure fails every outstanding stream with RemoteProtocolError.
// The connection sends no PINGs of its own, so a ping that goes
// unanswered is not detected.
type HTTP2Connection struct {
	conn   transport.Conn
	clock  clock.Clock
	logger *slog.Logger

	framer *http2.Framer

	writeMu sync.Mutex // serializes framer writes (send lock)

	mu                   sync.Mutex
	cond                 *sync.Cond
	state                http2ConnState
	streams              map[uint32]*http2Stream
	nextStreamID         uint32
	maxConcurrentStreams uint32
	connSendWindow       int64
	goErr                error
	keepaliveExpiry      time.Duration
	idleAt               time.Time

	hpackEnc *hpack.Encoder
	hpackBuf *bytes.Buffer

	closeOnce sync.Once
}

var _ Connection = (*HTTP2Connection)(nil)

// NewHTTP2Connection performs the client preface and initial SETTINGS
// exchange, starts the reader goroutine, and returns a connection ready
// to accept streams.
func NewHTTP2Connection(ctx context.Context, conn transport.Conn, clk clock.Clock, keepaliveExpiry time.Duration, logger *slog.Logger) (*HTTP2Connection, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var hpackBuf bytes.Buffer
	c := &HTTP2Connection{
		conn:                 conn,
		clock:                clk,
		logger:               logger,
		framer:               http2.NewFramer(conn, conn),
		state:                http2ConnActive,
		streams:              make(map[uint32]*http2Stream),
		nextStreamID:         1,
		maxConcurrentStreams: 100,
		connSendWindow:       defaultInitialWindow,
		hpackBuf:             &hpackBuf,
		keepaliveExpiry:      keepaliveExpiry,
		idleAt:               clk.Now(),
	}
	c.hpackEnc = hpack.NewEncoder(&hpackBuf)
	c.cond = sync.NewCond(&c.mu)
	// ReadMetaHeaders makes the framer reassemble HEADERS+CONTINUATION
	// sequences itself and hand back one decoded MetaHeadersFrame, instead
	// of this connection having to track per-stream fragment buffers.
	c.framer.ReadMetaHeaders = hpack.NewDecoder(4096, nil)

	if _, err := conn.Write([]byte(http2.ClientPreface)); err != nil {
		return nil, errors.Wrap(httperr.WriteError, err.Error())
	}
	if err := c.framer.WriteSettings(); err != nil {
		return nil, errors.Wrap(httperr.WriteError, err.Error())
	}

	go c.readLoop()

	return c, nil
}

func (c *HTTP2Connection) HandleRequest(ctx context.Context, req *message.Request) (*message.Response, error) {
	c.mu.Lock()
	if c.state != http2ConnActive {
		c.mu.Unlock()
		return nil, httperr.ConnectionNotAvailable
	}
	if uint32(len(c.streams)) >= c.maxConcurrentStreams {
		c.mu.Unlock()
		return nil, httperr.ConnectionNotAvailable
	}
	id := c.nextStreamID
	c.nextStreamID += 2
	st := &http2Stream{
		id:          id,
		state:       streamOpen,
		headersCh:   make(chan *message.Response, 1),
		errCh:       make(chan error, 1),
		bodyCh:      make(chan []byte, 8),
		bodyDoneCh:  make(chan error, 1),
		sendWindow:  defaultInitialWindow,
	}
	c.streams[id] = st
	c.mu.Unlock()

	req.EnsureHost()
	endStream := req.Body == nil

	if err := c.writeHeaders(id, req, endStream); err != nil {
		c.dropStream(id)
		return nil, err
	}

	if !endStream {
		if err := c.writeBody(id, req.Body, st); err != nil {
			c.dropStream(id)
			return nil, err
		}
	}

	select {
	case <-ctx.Done():
		c.rstStream(id, http2.ErrCodeCancel)
		c.dropStream(id)
		return nil, ctx.Err()
	case err := <-st.errCh:
		return nil, err
	case resp := <-st.headersCh:
		resp.Body = &http2Body{conn: c, stream: st}
		return resp, nil
	}
}

func (c *HTTP2Connection) writeHeaders(id uint32, req *message.Request, endStream bool) error {
	// The HPACK encoder and its buffer are connection-wide state, so
	// encoding and writing the block both happen under the send lock.
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.hpackBuf.Reset()

	scheme := req.URL.Scheme
	if scheme == "" {
		scheme = "https"
	}
	target := req.URL.Target
	if target == "" {
		target = "/"
	}

	_ = c.hpackEnc.WriteField(hpack.HeaderField{Name: ":method", Value: req.Method})
	_ = c.hpackEnc.WriteField(hpack.HeaderField{Name: ":scheme", Value: scheme})
	_ = c.hpackEnc.WriteField(hpack.HeaderField{Name: ":authority", Value: req.URL.Authority()})
	_ = c.hpackEnc.WriteField(hpack.HeaderField{Name: ":path", Value: target})
	for _, f := range req.Headers {
		name := string(bytes.ToLower(f.Name))
		if name == "host" || name == "connection" {
			continue
		}
		_ = c.hpackEnc.WriteField(hpack.HeaderField{Name: name, Value: string(f.Value)})
	}

	err := c.framer.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      id,
		BlockFragment: c.hpackBuf.Bytes(),
		EndHeaders:    true,
		EndStream:     endStream,
	})
	if err != nil {
		return errors.Wrap(httperr.WriteError, err.Error())
	}
	return nil
}

func (c *HTTP2Connection) writeBody(id uint32, body io.Reader, st *http2Stream) error {
	buf := make([]byte, 16*1024)
	for {
		n, rerr := body.Read(buf)
		if n > 0 {
			if err := c.writeDataFrame(id, st, buf[:n], false); err != nil {
				return err
			}
		}
		if rerr == io.EOF {
			return c.writeDataFrame(id, st, nil, true)
		}
		if rerr != nil {
			return errors.Wrap(httperr.WriteError, rerr.Error())
		}
	}
}

func (c *HTTP2Connection) writeDataFrame(id uint32, st *http2Stream, chunk []byte, end bool) error {
	c.mu.Lock()
	for len(chunk) > 0 && (st.sendWindow <= 0 || c.connSendWindow <= 0) {
		c.cond.Wait()
		if c.state != http2ConnActive {
			c.mu.Unlock()
			return errors.Wrap(httperr.RemoteProtocolError, "connection closed while writing body")
		}
	}
	n := int64(len(chunk))
	if n > st.sendWindow {
		n = st.sendWindow
	}
	if n > c.connSendWindow {
		n = c.connSendWindow
	}
	st.sendWindow -= n
	c.connSendWindow -= n
	c.mu.Unlock()

	c.writeMu.Lock()
	err := c.framer.WriteData(id, end && n == int64(len(chunk)), chunk[:n])
	c.writeMu.Unlock()
	if err != nil {
		return errors.Wrap(httperr.WriteError, err.Error())
	}

	if n < int64(len(chunk)) {
		return c.writeDataFrame(id, st, chunk[n:], end)
	}
	return nil
}

func (c *HTTP2Connection) rstStream(id uint32, code http2.ErrCode) {
	c.writeMu.Lock()
	_ = c.framer.WriteRSTStream(id, code)
	c.writeMu.Unlock()
}

func (c *HTTP2Connection) dropStream(id uint32) {
	c.mu.Lock()
	delete(c.streams, id)
	if len(c.streams) == 0 {
		c.idleAt = c.clock.Now()
	}
	c.mu.Unlock()
}

func (c *HTTP2Connection) readLoop() {
	for {
		frame, err := c.framer.ReadFrame()
		if err != nil {
			c.shutdown(errors.Wrap(httperr.RemoteProtocolError, err.Error()))
			return
		}

		switch f := frame.(type) {
		case *http2.SettingsFrame:
			if f.IsAck() {
				continue
			}
			f.ForeachSetting(func(s http2.Setting) error {
				if s.ID == http2.SettingMaxConcurrentStreams {
					c.mu.Lock()
					c.maxConcurrentStreams = s.Val
					c.mu.Unlock()
				}
				return nil
			})
			c.writeMu.Lock()
			_ = c.framer.WriteSettingsAck()
			c.writeMu.Unlock()

		case *http2.PingFrame:
			if f.IsAck() {
				continue
			}
			c.writeMu.Lock()
			_ = c.framer.WritePing(true, f.Data)
			c.writeMu.Unlock()

		case *http2.WindowUpdateFrame:
			c.mu.Lock()
			if f.StreamID == 0 {
				c.connSendWindow += int64(f.Increment)
			} else if st, ok := c.streams[f.StreamID]; ok {
				st.sendWindow += int64(f.Increment)
			}
			c.cond.Broadcast()
			c.mu.Unlock()

		case *http2.MetaHeadersFrame:
			c.deliverHeaders(f.StreamID, f.Fields, f.StreamEnded())

		case *http2.DataFrame:
			c.deliverData(f.StreamID, f.Data(), f.StreamEnded())
			if len(f.Data()) > 0 {
				c.writeMu.Lock()
				_ = c.framer.WriteWindowUpdate(0, uint32(len(f.Data())))
				_ = c.framer.WriteWindowUpdate(f.StreamID, uint32(len(f.Data())))
				c.writeMu.Unlock()
			}

		case *http2.RSTStreamFrame:
			c.mu.Lock()
			st, ok := c.streams[f.StreamID]
			if ok {
				delete(c.streams, f.StreamID)
			}
			c.mu.Unlock()
			if ok {
				st.fail(errors.Wrapf(httperr.RemoteProtocolError, "stream reset: %s", f.ErrCode))
			}

		case *http2.PushPromiseFrame:
			// Server push is rejected outright: refuse the promised
			// stream and otherwise ignore the frame.
			c.writeMu.Lock()
			_ = c.framer.WriteRSTStream(f.PromiseID, http2.ErrCodeRefusedStream)
			c.writeMu.Unlock()

		case *http2.GoAwayFrame:
			c.shutdown(errors.Wrapf(httperr.RemoteProtocolError, "GOAWAY: %s", f.ErrCode))
			return

		default:
			// Unrecognized/unsupported frame types are ignored, matching
			// the tolerant-reader stance the client side takes.
		}
	}
}

func (c *HTTP2Connection) deliverHeaders(streamID uint32, fields []hpack.HeaderField, endStream bool) {
	c.mu.Lock()
	st, ok := c.streams[streamID]
	c.mu.Unlock()
	if !ok {
		return
	}

	resp := &message.Response{Extensions: message.Extensions{"http_version": []byte("HTTP/2")}}
	for _, f := range fields {
		switch f.Name {
		case ":status":
			var status uint16
			_, _ = fmt.Sscanf(f.Value, "%d", &status)
			resp.Status = status
		default:
			resp.Headers.Add(f.Name, []byte(f.Value))
		}
	}

	if endStream {
		st.mu.Lock()
		st.state = streamClosed
		st.mu.Unlock()
		st.completeBody(nil)
	}

	select {
	case st.headersCh <- resp:
	default:
	}
}

func (c *HTTP2Connection) deliverData(streamID uint32, data []byte, endStream bool) {
	c.mu.Lock()
	st, ok := c.streams[streamID]
	c.mu.Unlock()
	if !ok {
		return
	}
	if len(data) > 0 {
		st.bodyCh <- append([]byte(nil), data...)
	}
	if endStream {
		st.mu.Lock()
		st.state = streamClosed
		st.mu.Unlock()
		st.completeBody(nil)
	}
}

func (c *HTTP2Connection) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = http2ConnClosed
		c.goErr = err
		streams := c.streams
		c.streams = make(map[uint32]*http2Stream)
		c.cond.Broadcast()
		c.mu.Unlock()

		for _, st := range streams {
			st.fail(err)
		}
		_ = c.conn.Close()
	})
}

func (c *HTTP2Connection) IsAvailable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == http2ConnActive && uint32(len(c.streams)) < c.maxConcurrentStreams
}

func (c *HTTP2Connection) HasExpired() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != http2ConnActive || len(c.streams) != 0 {
		return false
	}
	return c.clock.Now().Sub(c.idleAt) >= c.keepaliveExpiry
}

func (c *HTTP2Connection) IsIdle() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == http2ConnActive && len(c.streams) == 0
}

func (c *HTTP2Connection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == http2ConnClosed
}

func (c *HTTP2Connection) AttemptClose() error {
	c.mu.Lock()
	empty := len(c.streams) == 0
	c.mu.Unlock()
	if !empty {
		return nil
	}
	c.shutdown(errors.Wrap(httperr.RuntimeError, "connection closed while idle"))
	return nil
}

func (c *HTTP2Connection) Close() error {
	c.shutdown(errors.Wrap(httperr.RuntimeError, "connection closed"))
	return nil
}

func (c *HTTP2Connection) Info() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == http2ConnClosed {
		return "HTTP/2, CLOSED"
	}
	return fmt.Sprintf("HTTP/2, ACTIVE, %d streams", len(c.streams))
}

// http2Stream is the per-stream half of the connection-level state
// machine: IDLE/OPEN/HALF_CLOSED/CLOSED, though this client side only
// ever observes OPEN and CLOSED (it never receives a request itself).
type http2Stream struct {
	id uint32

	mu    sync.Mutex
	state http2StreamState

	headersCh  chan *message.Response
	errCh      chan error
	bodyCh     chan []byte
	bodyDoneCh chan error

	sendWindow int64

	failOnce     sync.Once
	bodyDoneOnce sync.Once
}

func (st *http2Stream) fail(err error) {
	st.failOnce.Do(func() {
		select {
		case st.errCh <- err:
		default:
		}
	})
	st.completeBody(err)
}

// completeBody delivers the single, once-only signal that no more DATA
// frames are coming for this stream — either because it ended normally
// (err == nil) or because it failed. Both the normal end-of-stream path
// (deliverHeaders/deliverData) and the failure path (fail, from a RST or
// connection shutdown) may race to call this for the same stream, so it
// must tolerate being called twice.
func (st *http2Stream) completeBody(err error) {
	st.bodyDoneOnce.Do(func() {
		st.bodyDoneCh <- err
	})
}

// http2Body streams DATA frames for one stream; closing it early sends
// RST_STREAM(CANCEL) so the peer stops sending.
type http2Body struct {
	conn   *HTTP2Connection
	stream *http2Stream
	queue  [][]byte
	done   bool
	err    error
	closed bool
}

// drainBodyCh moves whatever DATA is already buffered on bodyCh onto the
// local queue without blocking. deliverData sends a stream's final chunk
// to bodyCh before completeBody signals bodyDoneCh, but by the time Read
// wakes up both channels may already have something ready, and select
// picks between ready cases at random — draining here before honoring a
// done signal keeps trailing DATA from being silently dropped.
func (b *http2Body) drainBodyCh() {
	for {
		select {
		case chunk := <-b.stream.bodyCh:
			b.queue = append(b.queue, chunk)
		default:
			return
		}
	}
}

func (b *http2Body) Read(p []byte) (int, error) {
	for len(b.queue) == 0 {
		if b.done {
			if b.err != nil {
				return 0, b.err
			}
			return 0, io.EOF
		}
		select {
		case chunk := <-b.stream.bodyCh:
			b.queue = append(b.queue, chunk)
		case err := <-b.stream.bodyDoneCh:
			b.done = true
			b.err = err
			b.drainBodyCh()
		}
	}
	n := copy(p, b.queue[0])
	b.queue[0] = b.queue[0][n:]
	if len(b.queue[0]) == 0 {
		b.queue = b.queue[1:]
	}
	return n, nil
}

func (b *http2Body) Close() error {
	if b.closed {
		return nil
	}
	b.closed = true
	b.conn.dropStream(b.stream.id)
	if !b.done {
		b.conn.rstStream(b.stream.id, http2.ErrCodeCancel)
	}
	return nil
}
