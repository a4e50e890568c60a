package server

import (
	"bufio"
	"context"
	"crypto/rand"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/halcyon-oss/coroproxy/pkg/websocket"
	"github.com/halcyon-oss/coroproxy/pkg/wire"
)

func echoWSHandler() HandlerFunc {
	return func(ctx context.Context, req *wire.Request, _ *wire.Response) {
		if req.State != wire.StreamContinue {
			return
		}
		p := PusherFromContext(ctx)
		switch websocket.Opcode(req.Opcode) {
		case websocket.OpcodeText:
			_ = p.SendText(req.PartData)
		case websocket.OpcodeBinary:
			_ = p.SendBinary(req.PartData)
		}
	}
}

func maskedClientFrame(opcode websocket.Opcode, payload []byte) []byte {
	var key [4]byte
	_, _ = rand.Read(key[:])
	masked := append([]byte(nil), payload...)
	websocket.MaskPayload(masked, key)

	h := websocket.Header{Fin: true, Opcode: opcode, Mask: true, MaskKey: key, PayloadLength: uint64(len(payload))}
	frame := websocket.EncodeHeader(nil, h)
	return append(frame, masked...)
}

func TestServeWebSocketEchoRoundTrip(t *testing.T) {
	c, client := newTestConn(t, echoWSHandler())

	done := make(chan struct{})
	go func() {
		c.serve(context.Background())
		close(done)
	}()

	req := "GET /ws HTTP/1.1\r\n" +
		"Host: x\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n" +
		"Sec-WebSocket-Version: 13\r\n\r\n"
	if _, err := client.Write([]byte(req)); err != nil {
		t.Fatalf("write handshake: %v", err)
	}

	r := bufio.NewReader(client)
	status, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("read status line: %v", err)
	}
	if !strings.Contains(status, "101") {
		t.Fatalf("status line = %q, want 101", status)
	}
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("read handshake headers: %v", err)
		}
		if line == "\r\n" {
			break
		}
	}

	if _, err := client.Write(maskedClientFrame(websocket.OpcodeText, []byte("hello"))); err != nil {
		t.Fatalf("write frame: %v", err)
	}

	hdr := readFullHeader(t, r)
	if hdr.Opcode != websocket.OpcodeText {
		t.Fatalf("reply opcode = %v, want text", hdr.Opcode)
	}
	payload := make([]byte, hdr.PayloadLength)
	if _, err := io.ReadFull(r, payload); err != nil {
		t.Fatalf("read reply payload: %v", err)
	}
	if string(payload) != "hello" {
		t.Errorf("reply payload = %q, want %q", payload, "hello")
	}

	_ = client.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("serve did not return after the client closed the connection")
	}
}

func readFullHeader(t *testing.T, r *bufio.Reader) websocket.Header {
	t.Helper()
	buf := make([]byte, 0, 14)
	for {
		status, need, h, err := websocket.DecodeHeader(buf)
		if err != nil {
			t.Fatalf("decode header: %v", err)
		}
		if status == websocket.HeaderComplete {
			return h
		}
		chunk := make([]byte, need)
		if _, err := io.ReadFull(r, chunk); err != nil {
			t.Fatalf("read header bytes: %v", err)
		}
		buf = append(buf, chunk...)
	}
}
