package server

import (
	"bufio"
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/halcyon-oss/coroproxy/pkg/wire"
)

func newTestConn(t *testing.T, h Handler) (*conn, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() { _ = client.Close() })

	s := &Server{Handler: h, Logger: zerolog.Nop(), IdleTimeout: 0}
	c := newConn(s, server)
	return c, client
}

func echoHandler() HandlerFunc {
	return func(_ context.Context, req *wire.Request, resp *wire.Response) {
		resp.StatusCode = 200
		resp.SetHeader("Content-Type", "text/plain")
		resp.Body.Write(req.PartData)
	}
}

func TestServeUnaryGetRoundTrip(t *testing.T) {
	c, client := newTestConn(t, echoHandler())

	done := make(chan struct{})
	go func() {
		c.serve(context.Background())
		close(done)
	}()

	if _, err := client.Write([]byte("GET / HTTP/1.1\r\nHost: x\r\nConnection: close\r\n\r\n")); err != nil {
		t.Fatalf("write request: %v", err)
	}

	r := bufio.NewReader(client)
	status, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("read status line: %v", err)
	}
	if !strings.Contains(status, "200") {
		t.Errorf("status line = %q, want 200", status)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("serve did not return after Connection: close")
	}
}

func TestServeKeepAliveTwoRequests(t *testing.T) {
	c, client := newTestConn(t, echoHandler())

	done := make(chan struct{})
	go func() {
		c.serve(context.Background())
		close(done)
	}()

	r := bufio.NewReader(client)

	for i := 0; i < 2; i++ {
		if _, err := client.Write([]byte("GET / HTTP/1.1\r\nHost: x\r\n\r\n")); err != nil {
			t.Fatalf("write request %d: %v", i, err)
		}
		status, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("read status line %d: %v", i, err)
		}
		if !strings.Contains(status, "200") {
			t.Errorf("request %d: status line = %q, want 200", i, status)
		}
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				t.Fatalf("read headers %d: %v", i, err)
			}
			if line == "\r\n" {
				break
			}
		}
	}

	_ = client.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("serve did not return after client closed the connection")
	}
}

func TestServeRejectsChunkedRequestBody(t *testing.T) {
	c, client := newTestConn(t, echoHandler())

	done := make(chan struct{})
	go func() {
		c.serve(context.Background())
		close(done)
	}()

	req := "POST / HTTP/1.1\r\nHost: x\r\nTransfer-Encoding: chunked\r\n\r\n" +
		"5\r\nhello\r\n0\r\n\r\n"
	if _, err := client.Write([]byte(req)); err != nil {
		t.Fatalf("write request: %v", err)
	}

	r := bufio.NewReader(client)
	status, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("read status line: %v", err)
	}
	if !strings.Contains(status, "500") {
		t.Errorf("status line = %q, want 500", status)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("serve did not return after rejecting a chunked request")
	}
}
