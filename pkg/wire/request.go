package wire

import (
	"bytes"
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"
)

// parseState is the request-line+headers scanner's resume point. Unlike a
// recursive-descent parser this machine never looks backward: each byte is
// consumed exactly once, across however many Parse calls it takes to arrive.
type parseState int

const (
	stMethod parseState = iota
	stURISpace
	stURI
	stVersionSpace
	stVersionH
	stVersionHT
	stVersionHTT
	stVersionHTTP
	stVersionSlash
	stVersionMajor
	stVersionDot
	stVersionMinor
	stRequestLineCR
	stRequestLineLF
	stHeaderLineStart // start of a header line, or the blank line ending headers
	stHeaderNameStart
	stHeaderName
	stHeaderColon
	stHeaderValueLeadingSpace
	stHeaderValue
	stHeaderValueCR
	stHeadersCR // CR seen at header-line-start position: blank line
	stDone
)

// Request is an incremental parse over the request line and header block of
// a single HTTP/1.1 message. The caller owns the backing buffer (typically a
// pooled one from internal/buf) and must never mutate bytes already fed to
// Parse; it may only append.
type Request struct {
	state parseState

	methodStart, methodLen int
	uriStart, uriLen       int
	minorVersion           int

	curNameStart  int
	curNameLen    int
	curValueStart int

	Headers    [MaxHeaders]Header
	NumHeaders int

	// HeaderLen is the number of bytes from the start of the buffer to the
	// end of the terminating CRLFCRLF, valid once Parse returns Complete.
	HeaderLen int

	ContentLength    int64
	HasContentLength bool
	Chunked          bool
	Type             ContentType
	KeepAlive        bool

	Query map[string]string
	Form  map[string]string

	State StreamState

	// PartData is the current streaming chunk for octet-stream and
	// multipart bodies, and the current WebSocket frame payload after
	// upgrade. Valid only for the duration of one Handler.Handle call.
	PartData []byte
	// PartHeaders is the current multipart part's header list, set once
	// at StreamBegin for that part and left unchanged through its
	// StreamContinue/StreamEnd calls.
	PartHeaders []PartHeader
	// Opcode is the WebSocket frame opcode for the current Handle call,
	// meaningful only when Type == ContentWebSocket. It is stashed as a
	// plain int (rather than websocket.Opcode) so that pkg/wire does not
	// depend on pkg/websocket; the connection engine converts.
	Opcode int

	buf []byte // last buffer passed to Parse, kept for accessor methods
}

// NewRequest returns a freshly zeroed incremental request parser.
func NewRequest() *Request {
	return &Request{State: StreamBegin}
}

// Reset prepares r for a new message on the same connection (a keep-alive
// round), discarding all parsed state.
func (r *Request) Reset() {
	*r = Request{State: StreamBegin}
}

// Parse feeds buf[lastLen:len(buf)] into the state machine. buf must be the
// same backing array across calls for a given message (only grown via
// append, never reallocated to a different array after bytes already
// classified have been referenced) so that header offsets remain valid.
//
// On Incomplete, the caller appends more bytes and calls Parse again with
// lastLen == len(buf) from this call. On Complete, HeaderLen gives the
// offset of the first body byte. On Error, the message must be abandoned.
func (r *Request) Parse(buf []byte, lastLen int) (Status, error) {
	r.buf = buf
	n := len(buf)
	i := lastLen

	for ; i < n; i++ {
		c := buf[i]

		switch r.state {
		case stMethod:
			if c == ' ' {
				if r.methodLen == 0 {
					return Error, ErrMalformed
				}
				r.state = stURI
				continue
			}
			if !isTokenChar(c) {
				return Error, ErrMalformed
			}
			if r.methodLen == 0 {
				r.methodStart = i
			}
			r.methodLen++

		case stURI:
			if c == ' ' {
				if r.uriLen == 0 {
					return Error, ErrMalformed
				}
				r.state = stVersionH
				continue
			}
			if c == '\r' || c == '\n' {
				return Error, ErrMalformed
			}
			if r.uriLen == 0 {
				r.uriStart = i
			}
			r.uriLen++

		case stVersionH:
			if c != 'H' {
				return Error, ErrMalformed
			}
			r.state = stVersionHT
		case stVersionHT:
			if c != 'T' {
				return Error, ErrMalformed
			}
			r.state = stVersionHTT
		case stVersionHTT:
			if c != 'T' {
				return Error, ErrMalformed
			}
			r.state = stVersionHTTP
		case stVersionHTTP:
			if c != 'P' {
				return Error, ErrMalformed
			}
			r.state = stVersionSlash
		case stVersionSlash:
			if c != '/' {
				return Error, ErrMalformed
			}
			r.state = stVersionMajor
		case stVersionMajor:
			if c != '1' {
				return Error, ErrMalformed
			}
			r.state = stVersionDot
		case stVersionDot:
			if c != '.' {
				return Error, ErrMalformed
			}
			r.state = stVersionMinor
		case stVersionMinor:
			if c != '0' && c != '1' {
				return Error, ErrMalformed
			}
			r.minorVersion = int(c - '0')
			r.state = stRequestLineCR
		case stRequestLineCR:
			if c != '\r' {
				return Error, ErrMalformed
			}
			r.state = stRequestLineLF
		case stRequestLineLF:
			if c != '\n' {
				return Error, ErrMalformed
			}
			r.state = stHeaderLineStart

		case stHeaderLineStart:
			if c == '\r' {
				r.state = stHeadersCR
				continue
			}
			if !httpguts.IsTokenRune(rune(c)) {
				return Error, ErrMalformed
			}
			if r.NumHeaders >= MaxHeaders {
				return Error, ErrTooManyHeaders
			}
			r.curNameStart = i
			r.curNameLen = 1
			r.state = stHeaderName

		case stHeaderName:
			if c == ':' {
				r.state = stHeaderColon
				continue
			}
			if !httpguts.IsTokenRune(rune(c)) {
				return Error, ErrMalformed
			}
			r.curNameLen++

		case stHeaderColon:
			// first byte of the value region; leading OWS is skipped below
			if c == ' ' || c == '\t' {
				r.state = stHeaderValueLeadingSpace
				continue
			}
			r.curValueStart = i
			r.state = stHeaderValue

		case stHeaderValueLeadingSpace:
			if c == ' ' || c == '\t' {
				continue
			}
			if c == '\r' {
				r.curValueStart = i
				r.state = stHeaderValueCR
				continue
			}
			r.curValueStart = i
			r.state = stHeaderValue

		case stHeaderValue:
			if c == '\r' {
				r.state = stHeaderValueCR
				continue
			}

		case stHeaderValueCR:
			if c != '\n' {
				return Error, ErrMalformed
			}
			end := i - 1 // position of the CR
			if err := r.commitHeader(buf, end); err != nil {
				return Error, err
			}
			r.state = stHeaderLineStart

		case stHeadersCR:
			if c != '\n' {
				return Error, ErrMalformed
			}
			r.HeaderLen = i + 1
			r.state = stDone
			if err := r.finalize(buf); err != nil {
				return Error, err
			}
			return Complete, nil
		}

		if i > MaxHeadBody {
			return Error, ErrTooLarge
		}
	}

	if n > MaxHeadBody {
		return Error, ErrTooLarge
	}
	return Incomplete, nil
}

func (r *Request) commitHeader(buf []byte, valueEnd int) error {
	if r.NumHeaders >= MaxHeaders {
		return ErrTooManyHeaders
	}
	r.Headers[r.NumHeaders] = Header{
		NameStart:  r.curNameStart,
		NameLen:    r.curNameLen,
		ValueStart: r.curValueStart,
		ValueLen:   valueEnd - r.curValueStart,
	}
	if r.Headers[r.NumHeaders].ValueLen < 0 {
		r.Headers[r.NumHeaders].ValueLen = 0
	}
	r.NumHeaders++
	return nil
}

// Method returns the parsed request method.
func (r *Request) Method() []byte { return r.buf[r.methodStart : r.methodStart+r.methodLen] }

// URI returns the parsed request target, including any query string.
func (r *Request) URI() []byte { return r.buf[r.uriStart : r.uriStart+r.uriLen] }

// MinorVersion returns 0 for HTTP/1.0 and 1 for HTTP/1.1.
func (r *Request) MinorVersion() int { return r.minorVersion }

// Header returns the first header value matching name (case-insensitive),
// and whether it was found.
func (r *Request) Header(name string) (string, bool) {
	for i := 0; i < r.NumHeaders; i++ {
		h := r.Headers[i]
		if len(headerName(r.buf, h)) == len(name) && strings.EqualFold(string(headerName(r.buf, h)), name) {
			return string(headerValue(r.buf, h)), true
		}
	}
	return "", false
}

// HeaderAt returns the name and value of the i'th header in arrival order,
// for callers (pkg/proxy) that need to enumerate the full header set rather
// than look one up by name.
func (r *Request) HeaderAt(i int) (name, value string) {
	h := r.Headers[i]
	return string(headerName(r.buf, h)), string(headerValue(r.buf, h))
}

func headerEqualFold(buf []byte, h Header, value string) bool {
	return len(headerValue(buf, h)) == len(value) && strings.EqualFold(string(headerValue(buf, h)), value)
}

// finalize derives ContentLength, Chunked, Type, KeepAlive, and the parsed
// Query map from the now-complete header list. Called once, at the CRLFCRLF
// boundary.
func (r *Request) finalize(buf []byte) error {
	var hasChunked bool

	for i := 0; i < r.NumHeaders; i++ {
		h := r.Headers[i]
		name := headerName(buf, h)
		switch {
		case strings.EqualFold(string(name), "Content-Length"):
			v := strings.TrimSpace(string(headerValue(buf, h)))
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil || n < 0 {
				return ErrMalformed
			}
			r.ContentLength = n
			r.HasContentLength = true
		case strings.EqualFold(string(name), "Transfer-Encoding"):
			if strings.EqualFold(strings.TrimSpace(string(headerValue(buf, h))), "chunked") {
				hasChunked = true
			}
		}
	}

	if hasChunked && r.HasContentLength {
		return ErrContentLengthConflict
	}
	r.Chunked = hasChunked

	r.KeepAlive = r.minorVersion == 1
	if conn, ok := r.Header("Connection"); ok {
		switch {
		case tokenContainsFold(conn, "close"):
			r.KeepAlive = false
		case tokenContainsFold(conn, "keep-alive"):
			r.KeepAlive = true
		}
	}

	r.Type = r.classifyContentType()

	upgrade, hasUpgrade := r.Header("Upgrade")
	if hasUpgrade && strings.EqualFold(strings.TrimSpace(upgrade), "websocket") {
		if conn, ok := r.Header("Connection"); ok && tokenContainsFold(conn, "upgrade") {
			r.Type = ContentWebSocket
		}
	}

	r.Query = parseQuery(string(r.URI()))
	r.State = StreamBegin
	return nil
}

func (r *Request) classifyContentType() ContentType {
	ct, ok := r.Header("Content-Type")
	if !ok {
		if r.Chunked {
			return ContentChunked
		}
		return ContentString
	}
	ct = strings.TrimSpace(ct)
	switch {
	case strings.HasPrefix(ct, "application/x-www-form-urlencoded"):
		return ContentURLEncoded
	case strings.HasPrefix(ct, "multipart/form-data"):
		return ContentMultipart
	case strings.HasPrefix(ct, "application/octet-stream"):
		return ContentOctetStream
	default:
		if r.Chunked {
			return ContentChunked
		}
		return ContentString
	}
}

// MultipartBoundary extracts the boundary parameter from a multipart
// Content-Type header, if present.
func (r *Request) MultipartBoundary() (string, bool) {
	ct, ok := r.Header("Content-Type")
	if !ok {
		return "", false
	}
	const key = "boundary="
	idx := strings.Index(ct, key)
	if idx < 0 {
		return "", false
	}
	b := ct[idx+len(key):]
	if semi := strings.IndexByte(b, ';'); semi >= 0 {
		b = b[:semi]
	}
	return strings.Trim(strings.TrimSpace(b), `"`), true
}

func isTokenChar(c byte) bool {
	return httpguts.IsTokenRune(rune(c))
}

func tokenContainsFold(list, want string) bool {
	for _, tok := range strings.Split(list, ",") {
		if strings.EqualFold(strings.TrimSpace(tok), want) {
			return true
		}
	}
	return false
}

// parseQuery implements the spec's query-parsing rule: split on '?', then
// '&', then '='; keys with no '=' are absent; repeated keys, last wins.
func parseQuery(uri string) map[string]string {
	qIdx := strings.IndexByte(uri, '?')
	if qIdx < 0 {
		return nil
	}
	return parseFormEncoded(uri[qIdx+1:])
}

// parseFormEncoded implements the same '&'/'=' split used for both query
// strings and application/x-www-form-urlencoded bodies.
func parseFormEncoded(s string) map[string]string {
	if s == "" {
		return nil
	}
	out := make(map[string]string)
	for _, pair := range strings.Split(s, "&") {
		if pair == "" {
			continue
		}
		eq := strings.IndexByte(pair, '=')
		if eq < 0 {
			continue
		}
		out[pair[:eq]] = pair[eq+1:]
	}
	return out
}

// ParseForm parses an application/x-www-form-urlencoded body already read
// into memory and stores the result in r.Form.
func (r *Request) ParseForm(body []byte) {
	r.Form = parseFormEncoded(string(bytes.TrimRight(body, "\x00")))
}
