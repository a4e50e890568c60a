package server

import (
	"github.com/halcyon-oss/coroproxy/internal/buf"
	"github.com/halcyon-oss/coroproxy/pkg/wire"
)

// startChunked writes the status line and headers for a chunked response
// (§4.2.5), with Transfer-Encoding: chunked in place of Content-Length. It
// does not change any deadline: the idle timer is a read deadline, and no
// read is made on the connection until endChunk lets the serve loop go on.
func (c *conn) startChunked(contentType string) error {
	c.resp.Chunked = true
	c.applyConnectionHeader()

	b := buf.Get()
	defer buf.Put(b)

	c.resp.SerializeChunkHeader(b, contentType)

	data := append([]byte(nil), b.Bytes()...)
	return c.writer.enqueue(data)
}

// writeChunk emits one chunked-transfer-encoding data chunk: the hex size,
// CRLF, the data, CRLF.
func (c *conn) writeChunk(data []byte) error {
	b := buf.Get()
	defer buf.Put(b)
	wire.EncodeChunk(b, data)
	out := append([]byte(nil), b.Bytes()...)
	return c.writer.enqueue(out)
}

// endChunk emits the zero-length terminating chunk and marks the response
// complete, resuming the connection's normal keep-alive read loop.
func (c *conn) endChunk() error {
	b := buf.Get()
	defer buf.Put(b)
	wire.EncodeChunkTerminator(b)
	out := append([]byte(nil), b.Bytes()...)
	err := c.writer.enqueue(out)

	if c.respDone != nil {
		close(c.respDone)
		c.respDone = nil
	}
	return err
}
