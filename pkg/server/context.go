package server

import (
	"context"

	"github.com/halcyon-oss/coroproxy/pkg/websocket"
)

type pusherKey struct{}

// Pusher lets a Handler complete a response asynchronously (resp.Delay) or
// stream a chunked body (§4.2.5) or WebSocket frames (§4.2.2) from outside
// the connection's own read/dispatch call stack — e.g. from a goroutine
// fed by some other event source. It is carried on ctx rather than added as
// a parameter to Handle, so the Handler interface matches SPEC_FULL.md's
// literal signature while still giving handlers a way to push writes.
type Pusher struct {
	c *conn
}

// PusherFromContext returns the Pusher for the connection that produced
// ctx, or nil if ctx wasn't derived from a Handle call (e.g. in a unit
// test that constructs a bare context).
func PusherFromContext(ctx context.Context) *Pusher {
	p, _ := ctx.Value(pusherKey{}).(*Pusher)
	return p
}

func contextWithPusher(ctx context.Context, c *conn) context.Context {
	return context.WithValue(ctx, pusherKey{}, &Pusher{c: c})
}

// StartChunked begins a chunked response (§4.2.5): it writes the status
// line, Transfer-Encoding: chunked, and Content-Type headers immediately.
// The idle timer, a read deadline, is left as it is; the connection makes no
// reads until the stream ends.
// The Handler must have set resp.Delay = true before calling this.
func (p *Pusher) StartChunked(contentType string) error {
	return p.c.startChunked(contentType)
}

// WriteChunk emits one chunked-transfer-encoding data chunk.
func (p *Pusher) WriteChunk(data []byte) error {
	return p.c.writeChunk(data)
}

// EndChunk emits the zero-length terminating chunk and resumes the
// connection's normal keep-alive read loop.
func (p *Pusher) EndChunk() error {
	return p.c.endChunk()
}

// Finish completes a delayed (resp.Delay) non-chunked, non-WebSocket
// response: it serializes resp as the engine would have done automatically,
// and resumes the connection's read loop.
func (p *Pusher) Finish() error {
	return p.c.finishDelayed()
}

// SendText sends a WebSocket text frame on this connection, usable from a
// Handler reached via the post-upgrade frame loop or from any other
// goroutine holding this Pusher.
func (p *Pusher) SendText(data []byte) error {
	return p.c.sendWSFrame(websocket.OpcodeText, data)
}

// SendBinary sends a WebSocket binary frame on this connection.
func (p *Pusher) SendBinary(data []byte) error {
	return p.c.sendWSFrame(websocket.OpcodeBinary, data)
}
