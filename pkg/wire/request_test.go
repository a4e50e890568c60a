package wire

import (
	"testing"
)

func parseAll(t *testing.T, raw string, chunkSize int) (*Request, Status, error) {
	t.Helper()
	r := NewRequest()
	var buf []byte
	last := 0
	var status Status
	var err error
	for i := 0; i < len(raw); i += chunkSize {
		end := i + chunkSize
		if end > len(raw) {
			end = len(raw)
		}
		buf = append(buf, raw[i:end]...)
		status, err = r.Parse(buf, last)
		last = len(buf)
		if status != Incomplete {
			break
		}
	}
	return r, status, err
}

func TestParseSimpleGET(t *testing.T) {
	raw := "GET /hello?a=1&b=2 HTTP/1.1\r\nHost: x\r\nConnection: keep-alive\r\n\r\n"
	r, status, err := parseAll(t, raw, 1024)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if status != Complete {
		t.Fatalf("Parse() status = %v, want Complete", status)
	}
	if string(r.Method()) != "GET" {
		t.Errorf("Method() = %q, want GET", r.Method())
	}
	if string(r.URI()) != "/hello?a=1&b=2" {
		t.Errorf("URI() = %q", r.URI())
	}
	if !r.KeepAlive {
		t.Errorf("KeepAlive = false, want true")
	}
	if r.Query["a"] != "1" || r.Query["b"] != "2" {
		t.Errorf("Query = %v", r.Query)
	}
	if host, ok := r.Header("host"); !ok || host != "x" {
		t.Errorf("Header(host) = %q, %v", host, ok)
	}
}

// TestParseChunkInvariance exercises SPEC_FULL.md's testable property 1: the
// sequence of results must not depend on how the byte stream is chunked.
func TestParseChunkInvariance(t *testing.T) {
	raw := "POST /submit HTTP/1.1\r\nHost: example.com\r\nContent-Type: application/x-www-form-urlencoded\r\nContent-Length: 7\r\n\r\nfoo=bar"
	head := raw[:len(raw)-7] // header portion ends right before the body

	for _, chunkSize := range []int{1, 2, 3, 7, 16, 1024} {
		r, status, err := parseAll(t, head, chunkSize)
		if err != nil {
			t.Fatalf("chunkSize=%d: Parse() error = %v", chunkSize, err)
		}
		if status != Complete {
			t.Fatalf("chunkSize=%d: Parse() status = %v, want Complete", chunkSize, status)
		}
		if r.ContentLength != 7 {
			t.Errorf("chunkSize=%d: ContentLength = %d, want 7", chunkSize, r.ContentLength)
		}
		if r.Type != ContentURLEncoded {
			t.Errorf("chunkSize=%d: Type = %v, want ContentURLEncoded", chunkSize, r.Type)
		}
	}
}

func TestParseContentLengthChunkedConflict(t *testing.T) {
	raw := "POST / HTTP/1.1\r\nHost: x\r\nContent-Length: 5\r\nTransfer-Encoding: chunked\r\n\r\n"
	_, status, err := parseAll(t, raw, 1024)
	if status != Error {
		t.Fatalf("status = %v, want Error", status)
	}
	if err != ErrContentLengthConflict {
		t.Errorf("err = %v, want ErrContentLengthConflict", err)
	}
}

func TestParseHTTP10DefaultsToClose(t *testing.T) {
	raw := "GET / HTTP/1.0\r\nHost: x\r\n\r\n"
	r, status, err := parseAll(t, raw, 1024)
	if err != nil || status != Complete {
		t.Fatalf("Parse() = %v, %v", status, err)
	}
	if r.KeepAlive {
		t.Errorf("KeepAlive = true, want false for bare HTTP/1.0")
	}
}

func TestParseHTTP10KeepAliveHeader(t *testing.T) {
	raw := "GET / HTTP/1.0\r\nHost: x\r\nConnection: keep-alive\r\n\r\n"
	r, status, err := parseAll(t, raw, 1024)
	if err != nil || status != Complete {
		t.Fatalf("Parse() = %v, %v", status, err)
	}
	if !r.KeepAlive {
		t.Errorf("KeepAlive = false, want true")
	}
}

func TestParseContentTypeTags(t *testing.T) {
	tests := []struct {
		name string
		ct   string
		want ContentType
	}{
		{"urlencoded", "application/x-www-form-urlencoded", ContentURLEncoded},
		{"multipart", "multipart/form-data; boundary=XYZ", ContentMultipart},
		{"octet", "application/octet-stream", ContentOctetStream},
		{"default", "text/plain", ContentString},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := "POST / HTTP/1.1\r\nHost: x\r\nContent-Type: " + tt.ct + "\r\nContent-Length: 0\r\n\r\n"
			r, status, err := parseAll(t, raw, 1024)
			if err != nil || status != Complete {
				t.Fatalf("Parse() = %v, %v", status, err)
			}
			if r.Type != tt.want {
				t.Errorf("Type = %v, want %v", r.Type, tt.want)
			}
		})
	}
}

func TestParseWebSocketUpgrade(t *testing.T) {
	raw := "GET /chat HTTP/1.1\r\nHost: x\r\nUpgrade: websocket\r\nConnection: Upgrade\r\nSec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\nSec-WebSocket-Version: 13\r\n\r\n"
	r, status, err := parseAll(t, raw, 5)
	if err != nil || status != Complete {
		t.Fatalf("Parse() = %v, %v", status, err)
	}
	if r.Type != ContentWebSocket {
		t.Errorf("Type = %v, want ContentWebSocket", r.Type)
	}
}

func TestParseTooManyHeaders(t *testing.T) {
	raw := "GET / HTTP/1.1\r\n"
	for i := 0; i < MaxHeaders+1; i++ {
		raw += "X-Header: v\r\n"
	}
	raw += "\r\n"
	_, status, err := parseAll(t, raw, 4096)
	if status != Error || err != ErrTooManyHeaders {
		t.Fatalf("status, err = %v, %v, want Error, ErrTooManyHeaders", status, err)
	}
}

func TestParseMalformedRequestLine(t *testing.T) {
	_, status, err := parseAll(t, "GET\r\n\r\n", 1024)
	if status != Error || err == nil {
		t.Fatalf("status, err = %v, %v, want Error, non-nil", status, err)
	}
}

func TestMultipartBoundary(t *testing.T) {
	raw := "POST / HTTP/1.1\r\nHost: x\r\nContent-Type: multipart/form-data; boundary=\"XYZ123\"\r\nContent-Length: 0\r\n\r\n"
	r, status, err := parseAll(t, raw, 1024)
	if err != nil || status != Complete {
		t.Fatalf("Parse() = %v, %v", status, err)
	}
	b, ok := r.MultipartBoundary()
	if !ok || b != "XYZ123" {
		t.Errorf("MultipartBoundary() = %q, %v, want XYZ123, true", b, ok)
	}
}
