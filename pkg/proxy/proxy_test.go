package proxy

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/halcyon-oss/coroproxy/pkg/balancer"
	"github.com/halcyon-oss/coroproxy/pkg/pool"
	"github.com/halcyon-oss/coroproxy/pkg/wire"
)

func testPoolConfig() pool.Config {
	cfg := pool.DefaultConfig()
	cfg.ConnectRetryCount = 2
	cfg.ReconnectWaitTime = 5 * time.Millisecond
	return cfg
}

func parseReq(t *testing.T, raw string) *wire.Request {
	t.Helper()
	r := wire.NewRequest()
	status, err := r.Parse([]byte(raw), 0)
	if err != nil || status != wire.Complete {
		t.Fatalf("parseReq: status = %v, err = %v", status, err)
	}
	return r
}

func TestHandleForwardsAndCopiesUpstreamHeaders(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/hello" {
			t.Errorf("backend saw path %q, want /hello", r.URL.Path)
		}
		w.Header().Set("X-Upstream", "yes")
		w.WriteHeader(201)
		fmt.Fprint(w, "backend-body")
	}))
	defer backend.Close()

	h, err := New([]string{backend.URL}, Config{Algorithm: balancer.RoundRobin, Pool: testPoolConfig()})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	req := parseReq(t, "GET /hello HTTP/1.1\r\nHost: x\r\n\r\n")
	req.Type = wire.ContentString
	req.PartData = nil
	resp := wire.NewResponse()

	h.Handle(t.Context(), req, resp)

	if resp.StatusCode != 201 {
		t.Errorf("StatusCode = %d, want 201", resp.StatusCode)
	}
	if v, ok := resp.Header("X-Upstream"); !ok || v != "yes" {
		t.Errorf("X-Upstream header = %q, %v, want yes true", v, ok)
	}
	if resp.Body.String() != "backend-body" {
		t.Errorf("Body = %q, want backend-body", resp.Body.String())
	}
}

func TestHandleOctetStreamAccumulatesBeforeForwarding(t *testing.T) {
	var gotBody string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, 1024)
		n, _ := r.Body.Read(buf)
		gotBody = string(buf[:n])
		w.WriteHeader(200)
	}))
	defer backend.Close()

	h, err := New([]string{backend.URL}, Config{Algorithm: balancer.RoundRobin, Pool: testPoolConfig()})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	req := parseReq(t, "POST /upload HTTP/1.1\r\nHost: x\r\nContent-Type: application/octet-stream\r\nContent-Length: 10\r\n\r\n")
	req.Type = wire.ContentOctetStream

	req.PartData = []byte("hello")
	req.State = wire.StreamContinue
	resp := wire.NewResponse()
	h.Handle(t.Context(), req, resp)
	if resp.StatusCode != 0 && resp.StatusCode != 200 {
		t.Errorf("unexpected early response before body complete: status = %d", resp.StatusCode)
	}

	req.PartData = []byte("world")
	req.State = wire.StreamContinue
	h.Handle(t.Context(), req, resp)

	req.PartData = nil
	req.State = wire.StreamEnd
	h.Handle(t.Context(), req, resp)

	if gotBody != "helloworld" {
		t.Errorf("backend saw body = %q, want helloworld", gotBody)
	}
	if resp.StatusCode != 200 {
		t.Errorf("StatusCode = %d, want 200", resp.StatusCode)
	}
}

func TestHandleMultipartReturns501(t *testing.T) {
	h, err := New([]string{"http://127.0.0.1:1"}, Config{Algorithm: balancer.RoundRobin, Pool: testPoolConfig()})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	req := parseReq(t, "POST /upload HTTP/1.1\r\nHost: x\r\nContent-Type: multipart/form-data; boundary=x\r\n\r\n")
	req.Type = wire.ContentMultipart
	resp := wire.NewResponse()

	h.Handle(t.Context(), req, resp)

	if resp.StatusCode != 501 {
		t.Errorf("StatusCode = %d, want 501", resp.StatusCode)
	}
}

func TestHandleUpstreamFailureReturns502(t *testing.T) {
	cfg := testPoolConfig()
	cfg.ConnectRetryCount = 1
	cfg.HostAliveDetectDuration = 0
	h, err := New([]string{"http://127.0.0.1:1"}, Config{Algorithm: balancer.RoundRobin, Pool: cfg})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	req := parseReq(t, "GET /x HTTP/1.1\r\nHost: x\r\n\r\n")
	req.Type = wire.ContentString
	resp := wire.NewResponse()

	h.Handle(t.Context(), req, resp)

	if resp.StatusCode != 502 {
		t.Errorf("StatusCode = %d, want 502", resp.StatusCode)
	}
}
