package wire

import (
	"fmt"
	"net/textproto"
	"sort"
	"strconv"

	"github.com/valyala/bytebufferpool"
)

// Response is the write-side builder attached to a connection. Header keys
// are case-insensitive with last-writer-wins semantics, matching
// SPEC_FULL.md's Data Model §3.
type Response struct {
	StatusCode int
	headers    map[string]string // canonicalized key -> value
	order      []string          // canonicalized keys, insertion order

	Body bytebufferpool.ByteBuffer

	// Delay signals that a handler will complete the response
	// asynchronously; the connection engine must not auto-write.
	Delay bool

	// Chunked marks that the body is being streamed via the chunked
	// writer (§4.2.5) rather than a fixed Content-Length body.
	Chunked bool
}

// NewResponse returns a Response defaulted to 200 OK with no headers.
func NewResponse() *Response {
	return &Response{StatusCode: 200}
}

// Reset clears the response for reuse on the next keep-alive round.
func (resp *Response) Reset() {
	resp.StatusCode = 200
	resp.headers = nil
	resp.order = nil
	resp.Body.Reset()
	resp.Delay = false
	resp.Chunked = false
}

// SetHeader sets header key to value, overwriting any previous value
// (last-writer-wins), case-insensitively on key.
func (resp *Response) SetHeader(key, value string) {
	ck := textproto.CanonicalMIMEHeaderKey(key)
	if resp.headers == nil {
		resp.headers = make(map[string]string, 8)
	}
	if _, exists := resp.headers[ck]; !exists {
		resp.order = append(resp.order, ck)
	}
	resp.headers[ck] = value
}

// Header returns the value set for key, if any.
func (resp *Response) Header(key string) (string, bool) {
	if resp.headers == nil {
		return "", false
	}
	v, ok := resp.headers[textproto.CanonicalMIMEHeaderKey(key)]
	return v, ok
}

var statusText = map[int]string{
	200: "OK",
	101: "Switching Protocols",
	204: "No Content",
	301: "Moved Permanently",
	302: "Found",
	304: "Not Modified",
	307: "Temporary Redirect",
	400: "Bad Request",
	404: "Not Found",
	408: "Request Timeout",
	413: "Payload Too Large",
	500: "Internal Server Error",
	502: "Bad Gateway",
	503: "Service Unavailable",
}

// StatusText returns the reason phrase for a status code, or "Unknown"
// if the core has no table entry for it (the router contract may set
// arbitrary codes; unlisted ones still serialize, just with a generic
// phrase).
func StatusText(code int) string {
	if t, ok := statusText[code]; ok {
		return t
	}
	return "Unknown"
}

// Serialize writes the full status line, headers, and body (when not
// Chunked; Delay is not consulted) into dst, appending a Content-Length
// header when one isn't already set and the response is not Chunked.
func (resp *Response) Serialize(dst *bytebufferpool.ByteBuffer) {
	fmt.Fprintf(dst, "HTTP/1.1 %d %s\r\n", resp.StatusCode, StatusText(resp.StatusCode))

	wroteContentLength := false
	for _, k := range resp.order {
		if k == "Content-Length" {
			wroteContentLength = true
		}
		fmt.Fprintf(dst, "%s: %s\r\n", k, resp.headers[k])
	}
	if !wroteContentLength && !resp.Chunked {
		fmt.Fprintf(dst, "Content-Length: %d\r\n", resp.Body.Len())
	}
	dst.WriteString("\r\n")
	if !resp.Chunked {
		dst.Write(resp.Body.Bytes())
	}
}

// SerializeChunkHeader is used once per chunked response, in place of
// Serialize, per the format in §4.2.5.
func (resp *Response) SerializeChunkHeader(dst *bytebufferpool.ByteBuffer, contentType string) {
	fmt.Fprintf(dst, "HTTP/1.1 %d %s\r\n", resp.StatusCode, StatusText(resp.StatusCode))
	fmt.Fprintf(dst, "Transfer-Encoding: chunked\r\n")
	if contentType != "" {
		fmt.Fprintf(dst, "Content-Type: %s\r\n", contentType)
	}
	for _, k := range resp.order {
		if k == "Transfer-Encoding" || k == "Content-Type" || k == "Content-Length" {
			continue
		}
		fmt.Fprintf(dst, "%s: %s\r\n", k, resp.headers[k])
	}
	dst.WriteString("\r\n")
}

// EncodeChunk formats one chunked-transfer-encoding data chunk.
func EncodeChunk(dst *bytebufferpool.ByteBuffer, data []byte) {
	fmt.Fprintf(dst, "%s\r\n", strconv.FormatInt(int64(len(data)), 16))
	dst.Write(data)
	dst.WriteString("\r\n")
}

// EncodeChunkTerminator appends the zero-length terminating chunk.
func EncodeChunkTerminator(dst *bytebufferpool.ByteBuffer) {
	dst.WriteString("0\r\n\r\n")
}

// SortedHeaderKeys returns the response's header keys in sorted order, used
// by the WebSocket 101 reply in pkg/server for deterministic iteration.
func (resp *Response) SortedHeaderKeys() []string {
	keys := make([]string, len(resp.order))
	copy(keys, resp.order)
	sort.Strings(keys)
	return keys
}
