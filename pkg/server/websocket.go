package server

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/halcyon-oss/coroproxy/internal/buf"
	"github.com/halcyon-oss/coroproxy/pkg/websocket"
	"github.com/halcyon-oss/coroproxy/pkg/wire"
)

// maxCloseReason mirrors the 123-byte cap on a close frame's reason text
// (125-byte max control payload minus the 2-byte status code), applied
// server-side to the mirrored close frame just as pkg/websocket's
// client-role Conn applies it to its own.
const maxCloseReason = 123

// handleUpgrade completes the WebSocket handshake (§4.2.4): compute the
// accept key, reply 101, cancel the idle timer (the frame loop arms its own
// per-read deadlines), notify the handler once that the session began, then
// enter the frame loop.
func (c *conn) handleUpgrade(ctx context.Context, _ []byte) error {
	key, ok := c.req.Header("Sec-WebSocket-Key")
	if !ok {
		c.keepAlive = false
		c.replyError(400, "missing Sec-WebSocket-Key")
		return nil
	}

	c.resp.SetHeader("Upgrade", "websocket")
	c.resp.SetHeader("Connection", "Upgrade")
	c.resp.SetHeader("Sec-WebSocket-Accept", websocket.AcceptKey(key))
	if err := c.writeUpgradeResponse(); err != nil {
		return err
	}

	_ = c.rwc.SetReadDeadline(time.Time{})

	c.req.State = wire.StreamBegin
	c.invokeHandler(ctx)

	err := c.wsLoop(ctx)
	if err == errClosed {
		return nil
	}
	return err
}

func (c *conn) writeUpgradeResponse() error {
	b := buf.Get()
	defer buf.Put(b)

	fmt.Fprintf(b, "HTTP/1.1 101 %s\r\n", wire.StatusText(101))
	for _, k := range c.resp.SortedHeaderKeys() {
		v, _ := c.resp.Header(k)
		fmt.Fprintf(b, "%s: %s\r\n", k, v)
	}
	b.WriteString("\r\n")

	data := append([]byte(nil), b.Bytes()...)
	return c.writer.enqueue(data)
}

// wsLoop drives the post-upgrade frame loop (§4.2.2): read a header
// (growing the buffer by exactly what DecodeHeader reports it still needs),
// read the payload, unmask it, and dispatch by opcode. Continuation frames
// are reassembled across fin=0 fragments before being delivered as one
// message.
func (c *conn) wsLoop(ctx context.Context) error {
	var fragOpcode websocket.Opcode
	var fragBuf []byte
	fragmenting := false

	for {
		h, err := c.readWSHeader()
		if err != nil {
			return err
		}

		payload, err := c.readWSPayload(h)
		if err != nil {
			return err
		}
		if h.Mask {
			websocket.MaskPayload(payload, h.MaskKey)
		}

		switch h.Opcode {
		case websocket.OpcodeText, websocket.OpcodeBinary:
			if !h.Fin {
				fragmenting = true
				fragOpcode = h.Opcode
				fragBuf = append(fragBuf[:0], payload...)
				continue
			}
			c.deliverWSMessage(ctx, h.Opcode, payload)

		case websocket.OpcodeContinuation:
			if !fragmenting {
				return errProtocol("unexpected continuation frame")
			}
			fragBuf = append(fragBuf, payload...)
			if h.Fin {
				msg := fragBuf
				fragBuf = nil
				fragmenting = false
				c.deliverWSMessage(ctx, fragOpcode, msg)
			}

		case websocket.OpcodePing:
			if err := c.sendWSFrame(websocket.OpcodePong, payload); err != nil {
				return err
			}

		case websocket.OpcodePong:
			// No action required; RFC 6455 allows unsolicited pongs.

		case websocket.OpcodeClose:
			return c.handleWSClose(ctx, payload)

		default:
			return errProtocol("unsupported opcode")
		}
	}
}

func (c *conn) readWSHeader() (websocket.Header, error) {
	buf := make([]byte, 0, 14)
	for {
		status, need, h, err := websocket.DecodeHeader(buf)
		if err != nil {
			return websocket.Header{}, err
		}
		if status == websocket.HeaderComplete {
			return h, nil
		}

		if err := c.armIdleTimer(); err != nil {
			return websocket.Header{}, err
		}
		chunk := make([]byte, need)
		if _, err := io.ReadFull(c.rwc, chunk); err != nil {
			return websocket.Header{}, err
		}
		buf = append(buf, chunk...)
	}
}

func (c *conn) readWSPayload(h websocket.Header) ([]byte, error) {
	if h.PayloadLength == 0 {
		return nil, nil
	}
	if h.PayloadLength > uint64(c.server.maxHeadBody()) {
		return nil, errProtocol("frame payload too large")
	}

	if err := c.armIdleTimer(); err != nil {
		return nil, err
	}
	payload := make([]byte, h.PayloadLength)
	if _, err := io.ReadFull(c.rwc, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func (c *conn) sendWSFrame(opcode websocket.Opcode, payload []byte) error {
	h := websocket.Header{Fin: true, Opcode: opcode, PayloadLength: uint64(len(payload))}
	header := websocket.EncodeHeader(nil, h)
	return c.writer.enqueue(header, payload)
}

func (c *conn) deliverWSMessage(ctx context.Context, opcode websocket.Opcode, payload []byte) {
	c.req.Opcode = int(opcode)
	c.req.PartData = payload
	c.req.State = wire.StreamContinue
	c.invokeHandler(ctx)
}

// handleWSClose implements §4.2.2 step 5 plus the close-frame length==1
// edge case: a 1-byte payload can't carry a status code, so the correct
// reply is an empty close frame rather than a synthesized status.
func (c *conn) handleWSClose(ctx context.Context, payload []byte) error {
	switch len(payload) {
	case 0:
		_ = c.sendWSFrame(websocket.OpcodeClose, nil)
		c.deliverWSClose(ctx, websocket.StatusNormalClosure, "")
		return errClosed
	case 1:
		_ = c.sendWSFrame(websocket.OpcodeClose, nil)
		c.deliverWSClose(ctx, websocket.StatusNormalClosure, "")
		return errClosed
	}

	status := websocket.StatusCode(binary.BigEndian.Uint16(payload))
	reason := string(payload[2:])
	if !websocket.ValidCloseCode(uint16(status)) {
		status = websocket.StatusProtocolError
	}
	if len(reason) > maxCloseReason {
		reason = reason[:maxCloseReason]
	}

	reply := make([]byte, 2+len(reason))
	binary.BigEndian.PutUint16(reply, uint16(status))
	copy(reply[2:], reason)
	_ = c.sendWSFrame(websocket.OpcodeClose, reply)

	c.deliverWSClose(ctx, status, reason)
	return errClosed
}

func (c *conn) deliverWSClose(ctx context.Context, status websocket.StatusCode, reason string) {
	c.req.Opcode = int(websocket.OpcodeClose)
	c.req.PartData = []byte(reason)
	c.req.State = wire.StreamClose
	_ = status
	c.invokeHandler(ctx)
}
