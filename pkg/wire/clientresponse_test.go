package wire

import "testing"

func parseResponseAll(t *testing.T, raw string, chunkSize int) (*ClientResponse, Status, error) {
	t.Helper()
	r := NewClientResponse()
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

func TestParseSimpleResponse(t *testing.T) {
	raw := "HTTP/1.1 200 OK\r\nContent-Length: 5\r\nConnection: keep-alive\r\n\r\nhello"
	r, status, err := parseResponseAll(t, raw, 1024)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if status != Complete {
		t.Fatalf("Parse() status = %v, want Complete", status)
	}
	if r.StatusCode != 200 {
		t.Errorf("StatusCode = %d, want 200", r.StatusCode)
	}
	if r.Reason() != "OK" {
		t.Errorf("Reason() = %q, want OK", r.Reason())
	}
	if !r.HasContentLength || r.ContentLength != 5 {
		t.Errorf("ContentLength = %d, HasContentLength = %v", r.ContentLength, r.HasContentLength)
	}
	if !r.KeepAlive {
		t.Errorf("KeepAlive = false, want true")
	}
	if r.CloseDelimited {
		t.Errorf("CloseDelimited = true, want false")
	}
	body := raw[r.HeaderLen:]
	if body != "hello" {
		t.Errorf("body = %q, want %q", body, "hello")
	}
}

func TestParseResponseSplitAcrossChunks(t *testing.T) {
	raw := "HTTP/1.1 404 Not Found\r\nContent-Type: text/plain\r\n\r\n"
	for sz := 1; sz <= len(raw); sz++ {
		r, status, err := parseResponseAll(t, raw, sz)
		if err != nil {
			t.Fatalf("chunk size %d: Parse() error = %v", sz, err)
		}
		if status != Complete {
			t.Fatalf("chunk size %d: Parse() status = %v, want Complete", sz, status)
		}
		if r.StatusCode != 404 {
			t.Errorf("chunk size %d: StatusCode = %d, want 404", sz, r.StatusCode)
		}
		if r.Reason() != "Not Found" {
			t.Errorf("chunk size %d: Reason() = %q", sz, r.Reason())
		}
	}
}

func TestParseResponseCloseDelimited(t *testing.T) {
	raw := "HTTP/1.0 200 OK\r\n\r\n"
	r, status, err := parseResponseAll(t, raw, 1024)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if status != Complete {
		t.Fatalf("Parse() status = %v, want Complete", status)
	}
	if !r.CloseDelimited {
		t.Errorf("CloseDelimited = false, want true")
	}
	if r.KeepAlive {
		t.Errorf("KeepAlive = true, want false (HTTP/1.0 default)")
	}
}

func TestParseResponseChunkedAndContentLengthConflict(t *testing.T) {
	raw := "HTTP/1.1 200 OK\r\nContent-Length: 5\r\nTransfer-Encoding: chunked\r\n\r\n"
	_, status, err := parseResponseAll(t, raw, 1024)
	if status != Error || err != ErrContentLengthConflict {
		t.Errorf("status = %v, err = %v, want Error / ErrContentLengthConflict", status, err)
	}
}

func TestParseResponseHeaderAt(t *testing.T) {
	raw := "HTTP/1.1 200 OK\r\nX-Foo: bar\r\nX-Baz: qux\r\n\r\n"
	r, status, err := parseResponseAll(t, raw, 1024)
	if err != nil || status != Complete {
		t.Fatalf("Parse() status = %v, err = %v", status, err)
	}
	if r.NumHeaders != 2 {
		t.Fatalf("NumHeaders = %d, want 2", r.NumHeaders)
	}
	name, value := r.HeaderAt(0)
	if name != "X-Foo" || value != "bar" {
		t.Errorf("HeaderAt(0) = %q, %q, want X-Foo, bar", name, value)
	}
}
