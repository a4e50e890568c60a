// Package server implements the connection engine: per-connection read
// pipeline, body-mode dispatch, write path, WebSocket upgrade and frame
// loop, and chunked response streaming, driven by pkg/wire's codecs.
package server

import (
	"context"

	"github.com/halcyon-oss/coroproxy/pkg/wire"
)

// Handler is the router contract. The engine calls Handle once per complete
// request with no body, once after a fully-buffered string/urlencoded body,
// and repeatedly (with req.State threading StreamBegin/Continue/End/AllEnd)
// for octet-stream and multipart bodies and for WebSocket frames received
// after a successful upgrade. Exactly one of these call patterns applies to
// a given request, selected by req.Type.
//
// Handle must not retain req or resp beyond the call: both are reused on
// the next pipelined round of the same connection.
type Handler interface {
	Handle(ctx context.Context, req *wire.Request, resp *wire.Response)
}

// HandlerFunc adapts a plain function to the Handler interface.
type HandlerFunc func(ctx context.Context, req *wire.Request, resp *wire.Response)

func (f HandlerFunc) Handle(ctx context.Context, req *wire.Request, resp *wire.Response) {
	f(ctx, req, resp)
}
