package wire

import (
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"
)

// respParseState is ClientResponse's scanner resume point, the status-line
// and header-block mirror of Request's parseState.
type respParseState int

const (
	rsVersionH respParseState = iota
	rsVersionT1
	rsVersionT2
	rsVersionP
	rsVersionSlash
	rsVersionMajor
	rsVersionDot
	rsVersionMinor
	rsStatusSpace
	rsStatusCode
	rsReasonSpace
	rsReason
	rsStatusLineCR
	rsHeaderLineStart
	rsHeaderName
	rsHeaderColon
	rsHeaderValueLeadingSpace
	rsHeaderValue
	rsHeaderValueCR
	rsHeadersCR
	rsDone
)

// ClientResponse is an incremental parse over a single HTTP/1.1 response's
// status line and header block, the client-side counterpart to Request: the
// client reads bytes off the wire into a growing buffer exactly as the
// connection engine does, and feeds them to Parse until it reports Complete.
type ClientResponse struct {
	state respParseState

	statusStart, statusLen int
	reasonStart, reasonLen int
	minorVersion           int
	StatusCode             int

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
	KeepAlive        bool
	// CloseDelimited is true when the body is terminated by the peer
	// closing the connection rather than by a length or chunking (§4.3.1
	// step 5's "Connection: close -> read-until-EOF" case).
	CloseDelimited bool

	buf []byte
}

// NewClientResponse returns a freshly zeroed incremental response parser.
func NewClientResponse() *ClientResponse {
	return &ClientResponse{}
}

// Reset prepares r for a new response on the same connection.
func (r *ClientResponse) Reset() {
	*r = ClientResponse{}
}

// Parse feeds buf[lastLen:len(buf)] into the state machine, with the same
// restart contract as Request.Parse.
func (r *ClientResponse) Parse(buf []byte, lastLen int) (Status, error) {
	r.buf = buf
	n := len(buf)
	i := lastLen

	for ; i < n; i++ {
		c := buf[i]

		switch r.state {
		case rsVersionH:
			if c != 'H' {
				return Error, ErrMalformed
			}
			r.state = rsVersionT1
		case rsVersionT1:
			if c != 'T' {
				return Error, ErrMalformed
			}
			r.state = rsVersionT2
		case rsVersionT2:
			if c != 'T' {
				return Error, ErrMalformed
			}
			r.state = rsVersionP
		case rsVersionP:
			if c != 'P' {
				return Error, ErrMalformed
			}
			r.state = rsVersionSlash
		case rsVersionSlash:
			if c != '/' {
				return Error, ErrMalformed
			}
			r.state = rsVersionMajor
		case rsVersionMajor:
			if c != '1' {
				return Error, ErrMalformed
			}
			r.state = rsVersionDot
		case rsVersionDot:
			if c != '.' {
				return Error, ErrMalformed
			}
			r.state = rsVersionMinor
		case rsVersionMinor:
			if c != '0' && c != '1' {
				return Error, ErrMalformed
			}
			r.minorVersion = int(c - '0')
			r.state = rsStatusSpace
		case rsStatusSpace:
			if c != ' ' {
				return Error, ErrMalformed
			}
			r.state = rsStatusCode
			r.statusStart = i + 1

		case rsStatusCode:
			if c == ' ' {
				r.statusLen = i - r.statusStart
				r.state = rsReasonSpace
				continue
			}
			if c < '0' || c > '9' {
				return Error, ErrMalformed
			}

		case rsReasonSpace:
			r.reasonStart = i
			r.state = rsReason
			fallthrough
		case rsReason:
			if c == '\r' {
				r.reasonLen = i - r.reasonStart
				r.state = rsStatusLineCR
				continue
			}

		case rsStatusLineCR:
			if c != '\n' {
				return Error, ErrMalformed
			}
			r.state = rsHeaderLineStart

		case rsHeaderLineStart:
			if c == '\r' {
				r.state = rsHeadersCR
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
			r.state = rsHeaderName

		case rsHeaderName:
			if c == ':' {
				r.state = rsHeaderColon
				continue
			}
			if !httpguts.IsTokenRune(rune(c)) {
				return Error, ErrMalformed
			}
			r.curNameLen++

		case rsHeaderColon:
			if c == ' ' || c == '\t' {
				r.state = rsHeaderValueLeadingSpace
				continue
			}
			r.curValueStart = i
			r.state = rsHeaderValue

		case rsHeaderValueLeadingSpace:
			if c == ' ' || c == '\t' {
				continue
			}
			if c == '\r' {
				r.curValueStart = i
				r.state = rsHeaderValueCR
				continue
			}
			r.curValueStart = i
			r.state = rsHeaderValue

		case rsHeaderValue:
			if c == '\r' {
				r.state = rsHeaderValueCR
				continue
			}

		case rsHeaderValueCR:
			if c != '\n' {
				return Error, ErrMalformed
			}
			end := i - 1
			if err := r.commitHeader(buf, end); err != nil {
				return Error, err
			}
			r.state = rsHeaderLineStart

		case rsHeadersCR:
			if c != '\n' {
				return Error, ErrMalformed
			}
			r.HeaderLen = i + 1
			r.state = rsDone
			if err := r.finalize(); err != nil {
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

func (r *ClientResponse) commitHeader(buf []byte, valueEnd int) error {
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

// Reason returns the parsed reason phrase.
func (r *ClientResponse) Reason() string {
	return string(r.buf[r.reasonStart : r.reasonStart+r.reasonLen])
}

// MinorVersion returns 0 for HTTP/1.0 and 1 for HTTP/1.1.
func (r *ClientResponse) MinorVersion() int { return r.minorVersion }

// Header returns the first header value matching name (case-insensitive).
func (r *ClientResponse) Header(name string) (string, bool) {
	for i := 0; i < r.NumHeaders; i++ {
		h := r.Headers[i]
		if len(headerName(r.buf, h)) == len(name) && strings.EqualFold(string(headerName(r.buf, h)), name) {
			return string(headerValue(r.buf, h)), true
		}
	}
	return "", false
}

// HeaderAt returns the name and value of the i'th header, for callers that
// need to enumerate every header rather than look one up by name.
func (r *ClientResponse) HeaderAt(i int) (name, value string) {
	h := r.Headers[i]
	return string(headerName(r.buf, h)), string(headerValue(r.buf, h))
}

// finalize derives StatusCode, ContentLength, Chunked, KeepAlive, and
// CloseDelimited from the now-complete header list, per §4.3.1 step 5.
func (r *ClientResponse) finalize() error {
	code, err := strconv.Atoi(string(r.buf[r.statusStart : r.statusStart+r.statusLen]))
	if err != nil {
		return ErrMalformed
	}
	r.StatusCode = code

	var hasChunked bool
	for i := 0; i < r.NumHeaders; i++ {
		h := r.Headers[i]
		name := headerName(r.buf, h)
		switch {
		case strings.EqualFold(string(name), "Content-Length"):
			v := strings.TrimSpace(string(headerValue(r.buf, h)))
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil || n < 0 {
				return ErrMalformed
			}
			r.ContentLength = n
			r.HasContentLength = true
		case strings.EqualFold(string(name), "Transfer-Encoding"):
			if strings.EqualFold(strings.TrimSpace(string(headerValue(r.buf, h))), "chunked") {
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

	r.CloseDelimited = !r.HasContentLength && !r.Chunked

	return nil
}
