// Package wire implements coroproxy's HTTP/1.1 request/response codecs: an
// incremental, restartable header parser (pkg/wire), a response builder, and
// query/form decoding. The multipart sub-parser lives in pkg/wire/multipart.
//
// The parser never rescans a committed prefix: each call to (*Request).Parse
// is handed only the bytes appended since the previous call, and resumes the
// state machine exactly where it left off. This is what makes property 1 in
// SPEC_FULL.md §8 hold — the same byte stream split at any chunk boundaries
// yields the same sequence of results.
package wire

import "errors"

// MaxHeaders bounds the number of headers a single message may carry.
const MaxHeaders = 32

// MaxHeadBody is the default combined head+body size cap (3 MiB).
const MaxHeadBody = 3 << 20

// Status is the result of one incremental Parse call.
type Status int

const (
	Incomplete Status = iota
	Complete
	Error
)

func (s Status) String() string {
	switch s {
	case Incomplete:
		return "incomplete"
	case Complete:
		return "complete"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// ContentType is the coarse body-shape tag the parser derives from the
// Content-Type header.
type ContentType int

const (
	ContentString ContentType = iota
	ContentURLEncoded
	ContentMultipart
	ContentOctetStream
	ContentChunked
	ContentWebSocket
	ContentUnknown
)

func (c ContentType) String() string {
	switch c {
	case ContentString:
		return "string"
	case ContentURLEncoded:
		return "urlencoded"
	case ContentMultipart:
		return "multipart"
	case ContentOctetStream:
		return "octet-stream"
	case ContentChunked:
		return "chunked"
	case ContentWebSocket:
		return "websocket"
	default:
		return "unknown"
	}
}

// StreamState is the request's current streaming-state token.
type StreamState int

const (
	StreamBegin StreamState = iota
	StreamContinue
	StreamEnd
	StreamAllEnd
	StreamClose
	StreamError
)

func (s StreamState) String() string {
	switch s {
	case StreamBegin:
		return "begin"
	case StreamContinue:
		return "continue"
	case StreamEnd:
		return "end"
	case StreamAllEnd:
		return "all-end"
	case StreamClose:
		return "close"
	case StreamError:
		return "error"
	default:
		return "unknown"
	}
}

// Errors returned by Parse. Matching one of these against the error kind
// taxonomy in SPEC_FULL.md §7 ("protocol" vs "capacity") is a simple
// errors.Is check.
var (
	// ErrMalformed covers any structural violation of the request/status
	// line or header grammar — a "protocol" error kind.
	ErrMalformed = errors.New("wire: malformed message")
	// ErrContentLengthConflict is raised when a message declares both
	// Content-Length and Transfer-Encoding: chunked.
	ErrContentLengthConflict = errors.New("wire: conflicting content-length and chunked transfer-encoding")
	// ErrTooManyHeaders is raised once a message would need more than
	// MaxHeaders header fields — a "capacity" error kind.
	ErrTooManyHeaders = errors.New("wire: too many headers")
	// ErrTooLarge is raised when a head or body would exceed MaxHeadBody.
	ErrTooLarge = errors.New("wire: request too long")
)

// Header is a (name, value) pair stored as offsets into the owning message's
// buffer. Offsets stay valid across Parse calls that only append to the
// buffer; they are invalidated only by Reset.
type Header struct {
	NameStart, NameLen   int
	ValueStart, ValueLen int
}

func headerValue(buf []byte, h Header) []byte {
	return buf[h.ValueStart : h.ValueStart+h.ValueLen]
}

// PartHeader is one multipart header field. It mirrors multipart.Header's
// shape without importing the multipart subpackage, so the connection
// engine (pkg/server) can attach per-part headers to a Request without
// pkg/wire depending on its own multipart subpackage's Header type at the
// field-declaration level.
type PartHeader struct {
	Name, Value string
}

func headerName(buf []byte, h Header) []byte {
	return buf[h.NameStart : h.NameStart+h.NameLen]
}
