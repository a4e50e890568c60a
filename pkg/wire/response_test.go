package wire

import (
	"strings"
	"testing"

	"github.com/valyala/bytebufferpool"
)

func TestResponseSerializeDefaultsContentLength(t *testing.T) {
	resp := NewResponse()
	resp.Body.WriteString("hello")

	var buf bytebufferpool.ByteBuffer
	resp.Serialize(&buf)

	got := buf.String()
	if !strings.HasPrefix(got, "HTTP/1.1 200 OK\r\n") {
		t.Fatalf("Serialize() = %q, missing status line", got)
	}
	if !strings.Contains(got, "Content-Length: 5\r\n") {
		t.Errorf("Serialize() = %q, missing Content-Length", got)
	}
	if !strings.HasSuffix(got, "\r\n\r\nhello") {
		t.Errorf("Serialize() = %q, body not appended", got)
	}
}

func TestResponseHeaderLastWriterWins(t *testing.T) {
	resp := NewResponse()
	resp.SetHeader("X-Foo", "1")
	resp.SetHeader("x-foo", "2")

	v, ok := resp.Header("X-FOO")
	if !ok || v != "2" {
		t.Fatalf("Header(X-FOO) = %q, %v, want 2, true", v, ok)
	}
	if len(resp.order) != 1 {
		t.Errorf("order = %v, want single entry", resp.order)
	}
}

func TestResponseChunkedEncoding(t *testing.T) {
	var buf bytebufferpool.ByteBuffer
	EncodeChunk(&buf, []byte("hi"))
	EncodeChunkTerminator(&buf)

	got := buf.String()
	want := "2\r\nhi\r\n0\r\n\r\n"
	if got != want {
		t.Errorf("chunk encoding = %q, want %q", got, want)
	}
}
