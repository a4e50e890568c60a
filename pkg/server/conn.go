package server

import (
	"context"
	"io"
	"net"
	"time"

	"github.com/lithammer/shortuuid/v4"
	"github.com/rs/zerolog"

	"github.com/halcyon-oss/coroproxy/internal/buf"
	"github.com/halcyon-oss/coroproxy/pkg/wire"
	"github.com/halcyon-oss/coroproxy/pkg/wire/multipart"
)

const readChunkSize = 4096

// conn is one accepted connection's read pipeline, body-mode dispatch, and
// write path (§4.2.1-§4.2.6). It is owned by exactly one goroutine (serve);
// pushed writes from other goroutines go through pushWriter, the one piece
// of connection state safe to touch concurrently.
type conn struct {
	id     string
	rwc    net.Conn
	server *Server
	logger zerolog.Logger

	req  *wire.Request
	resp *wire.Response

	writer *pushWriter

	keepAlive bool

	// respDone is created lazily by the first invokeHandler call of a
	// request/response cycle, and closed by finishDelayed or endChunk once
	// the response is complete; finishUnary waits on it when resp.Delay is
	// set. A Handler that sets resp.Delay = true must eventually reach one
	// of those two via the Pusher obtained from ctx.
	respDone chan struct{}
}

func newConn(s *Server, rwc net.Conn) *conn {
	id := shortuuid.New()
	l := s.Logger.With().Str("conn_id", id).Str("remote_addr", rwc.RemoteAddr().String()).Logger()
	return &conn{
		id:     id,
		rwc:    rwc,
		server: s,
		logger: l,
		req:    wire.NewRequest(),
		resp:   wire.NewResponse(),
		writer: newPushWriter(rwc, l),
	}
}

// serve runs the connection's full lifetime: repeated request/response
// rounds over one TCP connection while keep-alive holds, per §4.2.1.
func (c *conn) serve(ctx context.Context) {
	defer func() {
		_ = c.rwc.Close()
	}()

	for {
		c.req.Reset()
		c.resp.Reset()
		c.respDone = nil

		headPool, headBuf, status, perr := c.readHead()
		switch status {
		case wire.Complete:
			// fall through to dispatch
		case wire.Error:
			buf.Put(headPool)
			c.keepAlive = false
			c.replyError(400, perr.Error())
			return
		default:
			// Read error or EOF while expecting a request: §4.2.6,
			// release the connection without a reply.
			buf.Put(headPool)
			return
		}

		c.keepAlive = c.req.KeepAlive

		dispatchErr := c.dispatch(ctx, headBuf)
		buf.Put(headPool)
		if dispatchErr != nil {
			return
		}
		if !c.keepAlive {
			return
		}
	}
}

// readHead arms the idle timer and reads into a growing buffer (its initial
// capacity drawn from the shared internal/buf pool, to avoid a fresh
// allocation on every request) until the HTTP parser reports Complete,
// Error, or the connection is closed/errors (reported back as Incomplete
// with the read error, since there is no partial-message case the caller
// should treat differently). The caller must return the *buf.Buffer to the
// pool once headBuf is no longer needed.
func (c *conn) readHead() (*buf.Buffer, []byte, wire.Status, error) {
	b := buf.Get()
	headBuf := b.B[:0]
	lastLen := 0
	tmp := make([]byte, readChunkSize)

	for {
		if err := c.armIdleTimer(); err != nil {
			return b, headBuf, wire.Incomplete, err
		}

		n, err := c.rwc.Read(tmp)
		if n > 0 {
			headBuf = append(headBuf, tmp[:n]...)
			status, perr := c.req.Parse(headBuf, lastLen)
			lastLen = len(headBuf)
			if status == wire.Complete {
				return b, headBuf, wire.Complete, nil
			}
			if status == wire.Error {
				return b, headBuf, wire.Error, perr
			}
		}
		if err != nil {
			return b, headBuf, wire.Incomplete, err
		}
	}
}

func (c *conn) armIdleTimer() error {
	if c.server.IdleTimeout <= 0 {
		return nil
	}
	return c.rwc.SetReadDeadline(time.Now().Add(c.server.IdleTimeout))
}

func (c *conn) applyConnectionHeader() {
	if c.keepAlive {
		c.resp.SetHeader("Connection", "keep-alive")
	} else {
		c.resp.SetHeader("Connection", "close")
	}
}

// dispatch branches on body mode per the table in §4.2.1.
func (c *conn) dispatch(ctx context.Context, headBuf []byte) error {
	if c.req.Type == wire.ContentWebSocket {
		if c.server.Recorder != nil {
			c.server.Recorder.WebSocketUpgraded()
		}
		return c.handleUpgrade(ctx, headBuf)
	}
	if c.server.Recorder != nil {
		c.server.Recorder.RequestHandled()
	}

	c.applyConnectionHeader()

	hasBody := (c.req.HasContentLength && c.req.ContentLength > 0) || c.req.Chunked
	if !hasBody {
		c.req.State = wire.StreamBegin
		c.invokeHandler(ctx)
		return c.finishUnary()
	}

	if c.req.Chunked {
		// Chunked *read* is explicitly out of scope (§4.2.1); reject.
		c.keepAlive = false
		c.replyError(500, "chunked request bodies are not supported")
		return nil
	}

	if int64(c.req.HeaderLen)+c.req.ContentLength > c.server.maxHeadBody() {
		c.keepAlive = false
		c.replyError(400, "the request is too long")
		return nil
	}

	switch c.req.Type {
	case wire.ContentOctetStream:
		return c.handleOctetStream(ctx, headBuf)
	case wire.ContentMultipart:
		return c.handleMultipart(ctx, headBuf)
	default: // ContentString, ContentURLEncoded, ContentUnknown
		return c.handleBufferedBody(ctx, headBuf)
	}
}

func (c *conn) invokeHandler(ctx context.Context) {
	if c.respDone == nil {
		c.respDone = make(chan struct{})
	}
	c.server.Handler.Handle(contextWithPusher(ctx, c), c.req, c.resp)
}

// finishUnary completes a non-streamed request/response round: it writes
// the response immediately, unless the handler set resp.Delay, in which
// case it blocks until the Pusher obtained from ctx completes the response.
func (c *conn) finishUnary() error {
	if c.resp.Delay {
		if c.respDone != nil {
			<-c.respDone
		}
		return nil
	}
	return c.writeResponse()
}

func (c *conn) finishDelayed() error {
	err := c.writeResponse()
	if c.respDone != nil {
		close(c.respDone)
		c.respDone = nil
	}
	return err
}

func (c *conn) writeResponse() error {
	b := buf.Get()
	defer buf.Put(b)
	c.resp.Serialize(b)
	data := append([]byte(nil), b.Bytes()...)
	return c.writer.enqueue(data)
}

func (c *conn) replyError(status int, msg string) {
	c.resp.Reset()
	c.resp.StatusCode = status
	c.resp.SetHeader("Content-Type", "text/plain; charset=utf-8")
	c.resp.Body.WriteString(msg)
	c.applyConnectionHeader()
	_ = c.writeResponse()
}

// readRemainingBody reads whatever bytes of req.ContentLength weren't
// already captured in headBuf (the initial read often contains some or all
// of a small body alongside the header block), growing the same backing
// array so any still-referenced header offsets stay valid.
func (c *conn) readRemainingBody(headBuf []byte) ([]byte, error) {
	already := int64(len(headBuf) - c.req.HeaderLen)
	need := c.req.ContentLength - already

	for need > 0 {
		if err := c.armIdleTimer(); err != nil {
			return nil, err
		}
		chunk := make([]byte, min(need, int64(readChunkSize)))
		n, err := io.ReadFull(c.rwc, chunk)
		if n > 0 {
			headBuf = append(headBuf, chunk[:n]...)
			need -= int64(n)
		}
		if err != nil {
			return nil, err
		}
	}

	return headBuf[c.req.HeaderLen:], nil
}

func (c *conn) handleBufferedBody(ctx context.Context, headBuf []byte) error {
	body, err := c.readRemainingBody(headBuf)
	if err != nil {
		return err
	}

	c.req.PartData = body
	if c.req.Type == wire.ContentURLEncoded {
		c.req.ParseForm(body)
	}
	c.req.State = wire.StreamBegin
	c.invokeHandler(ctx)
	return c.finishUnary()
}

func (c *conn) handleOctetStream(ctx context.Context, headBuf []byte) error {
	remaining := c.req.ContentLength

	if already := int64(len(headBuf) - c.req.HeaderLen); already > 0 {
		n := already
		if n > remaining {
			n = remaining
		}
		c.req.PartData = headBuf[c.req.HeaderLen : int64(c.req.HeaderLen)+n]
		c.req.State = wire.StreamContinue
		c.invokeHandler(ctx)
		remaining -= n
	}

	tmp := make([]byte, readChunkSize)
	for remaining > 0 {
		if err := c.armIdleTimer(); err != nil {
			return err
		}
		toRead := tmp
		if remaining < int64(len(tmp)) {
			toRead = tmp[:remaining]
		}
		n, err := c.rwc.Read(toRead)
		if n > 0 {
			c.req.PartData = toRead[:n]
			c.req.State = wire.StreamContinue
			c.invokeHandler(ctx)
			remaining -= int64(n)
		}
		if err != nil {
			return err
		}
	}

	c.req.PartData = nil
	c.req.State = wire.StreamEnd
	c.invokeHandler(ctx)
	return c.finishUnary()
}

func (c *conn) handleMultipart(ctx context.Context, headBuf []byte) error {
	boundary, ok := c.req.MultipartBoundary()
	if !ok {
		c.keepAlive = false
		c.replyError(400, "missing multipart boundary")
		return nil
	}

	var feedErr error
	parser := multipart.New(boundary, multipart.Callbacks{
		OnPartBegin: func(headers []multipart.Header) {
			c.req.PartHeaders = convertPartHeaders(headers)
			c.req.PartData = nil
			c.req.State = wire.StreamBegin
			c.invokeHandler(ctx)
		},
		OnPartData: func(data []byte) {
			c.req.PartData = data
			c.req.State = wire.StreamContinue
			c.invokeHandler(ctx)
		},
		OnPartEnd: func() {
			c.req.PartData = nil
			c.req.State = wire.StreamEnd
			c.invokeHandler(ctx)
		},
		OnEnd: func() {
			c.req.State = wire.StreamAllEnd
			c.invokeHandler(ctx)
		},
	})

	remaining := c.req.ContentLength
	if already := int64(len(headBuf) - c.req.HeaderLen); already > 0 {
		n := already
		if n > remaining {
			n = remaining
		}
		if _, err := parser.Feed(headBuf[c.req.HeaderLen : int64(c.req.HeaderLen)+n]); err != nil {
			feedErr = err
		}
		remaining -= n
	}

	tmp := make([]byte, readChunkSize)
	for remaining > 0 && feedErr == nil {
		if err := c.armIdleTimer(); err != nil {
			return err
		}
		toRead := tmp
		if remaining < int64(len(tmp)) {
			toRead = tmp[:remaining]
		}
		n, err := c.rwc.Read(toRead)
		if n > 0 {
			if _, ferr := parser.Feed(toRead[:n]); ferr != nil {
				feedErr = ferr
			}
			remaining -= int64(n)
		}
		if err != nil {
			return err
		}
	}

	if feedErr != nil {
		c.keepAlive = false
		c.replyError(400, "malformed multipart body")
		return nil
	}

	return c.finishUnary()
}

func convertPartHeaders(hs []multipart.Header) []wire.PartHeader {
	out := make([]wire.PartHeader, len(hs))
	for i, h := range hs {
		out[i] = wire.PartHeader{Name: h.Name, Value: h.Value}
	}
	return out
}
