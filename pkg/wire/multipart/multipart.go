// Package multipart implements the RFC 7578 multipart/form-data body parser:
// a restartable state machine driven by a boundary fixed at construction, fed
// arbitrarily-sized chunks of the request body across however many Feed
// calls it takes to see the whole part set.
package multipart

import "errors"

// State is one node of the parser's state machine.
type State int

const (
	StateStartBoundary State = iota
	StateHeaderFieldStart
	StateHeaderField
	StateHeaderValueStart
	StateHeaderValue
	StateHeaderValueAlmostDone
	StatePartDataStart
	StatePartData
	StatePartEnd
	StateEnd
)

// ErrMalformed is returned by Feed when the boundary grammar is violated: a
// header-name byte outside [A-Za-z-], or a byte sequence other than "--" or
// CRLF following the closing boundary.
var ErrMalformed = errors.New("multipart: malformed body")

// Header is one header field captured for the current part.
type Header struct {
	Name  string
	Value string
}

// Callbacks receives the parser's part-boundary events. OnPartData may be
// called zero or more times per part as data streams in.
type Callbacks struct {
	OnPartBegin func(headers []Header)
	OnPartData  func(data []byte)
	OnPartEnd   func()
	OnEnd       func()
}

// option models the source's UNMARKED sentinel ((size_t)-1) as a Go option
// instead of reusing an in-band offset value as "unset", per
// SPEC_FULL.md's resolution of that open question.
type option struct {
	set    bool
	offset int
}

// Parser is a restartable multipart/form-data parser for one fixed boundary.
//
// Feed may be called with chunks of any size, including single bytes; a
// boundary candidate that straddles two Feed calls is held in an internal
// lookbehind buffer and either confirmed (ending the part) or replayed as
// ordinary part data on the next call.
type Parser struct {
	boundary      []byte // "--" + boundary, without the leading CRLF
	marker        []byte // "\r\n--" + boundary, the part-terminating sequence
	boundaryIndex [256]bool

	state State

	// pending holds bytes already consumed from the caller that could not
	// yet be classified: either a boundary candidate that ran off the end
	// of a chunk, or header bytes mid-field/mid-value.
	pending []byte

	headerFieldMark option
	headerValueMark option

	curHeaderField string
	headers        []Header

	cb Callbacks
}

// New returns a Parser for the given boundary (without the leading "--").
func New(boundary string, cb Callbacks) *Parser {
	full := append([]byte("--"), boundary...)
	p := &Parser{
		boundary: full,
		marker:   append([]byte("\r\n"), full...),
		state:    StateStartBoundary,
		cb:       cb,
	}
	// The part-terminating marker is always "\r\n--boundary"; indexing its
	// first byte gives the O(1) "may this byte start the boundary?" check
	// scanPartData uses to skip through ordinary part data.
	p.boundaryIndex['\r'] = true
	return p
}

// Feed consumes data, driving the state machine and invoking callbacks, and
// returns the number of bytes consumed (always len(data); bytes the parser
// cannot yet classify are retained internally rather than left unconsumed).
func (p *Parser) Feed(data []byte) (int, error) {
	buf := data
	if len(p.pending) > 0 {
		buf = append(append([]byte(nil), p.pending...), data...)
		p.pending = nil
	}

	consumed, err := p.feedBuffered(buf)
	_ = consumed
	return len(data), err
}

func (p *Parser) feedBuffered(data []byte) (int, error) {
	n := len(data)
	i := 0

	for i < n {
		switch p.state {
		case StateStartBoundary:
			end := i + len(p.boundary)
			if end > n {
				p.pending = append(p.pending, data[i:]...)
				return n, nil
			}
			if string(data[i:end]) != string(p.boundary) {
				return i, ErrMalformed
			}
			i = end
			p.state = StatePartEnd // reuse the closing-boundary suffix logic: "--" means end, CRLF means headers

		case StateHeaderFieldStart:
			if i+1 < n && data[i] == '\r' && data[i+1] == '\n' {
				i += 2
				p.state = StatePartDataStart
				continue
			}
			if i+1 >= n {
				p.pending = append(p.pending, data[i:]...)
				return n, nil
			}
			p.headerFieldMark = option{set: true, offset: i}
			p.state = StateHeaderField

		case StateHeaderField:
			c := data[i]
			if c == ':' {
				p.curHeaderField = string(data[p.headerFieldMark.offset:i])
				p.headerFieldMark = option{}
				p.state = StateHeaderValueStart
				i++
				continue
			}
			if !isHeaderFieldByte(c) {
				return i, ErrMalformed
			}
			i++

		case StateHeaderValueStart:
			if data[i] == ' ' {
				i++
				continue
			}
			p.headerValueMark = option{set: true, offset: i}
			p.state = StateHeaderValue

		case StateHeaderValue:
			if data[i] == '\r' {
				p.headers = append(p.headers, Header{
					Name:  p.curHeaderField,
					Value: string(data[p.headerValueMark.offset:i]),
				})
				p.headerValueMark = option{}
				p.state = StateHeaderValueAlmostDone
			}
			i++

		case StateHeaderValueAlmostDone:
			if data[i] != '\n' {
				return i, ErrMalformed
			}
			p.state = StateHeaderFieldStart
			i++

		case StatePartDataStart:
			if p.cb.OnPartBegin != nil {
				p.cb.OnPartBegin(p.headers)
			}
			p.headers = nil
			p.state = StatePartData

		case StatePartData:
			consumed, boundaryLen, done, err := p.scanPartData(data[i:])
			if err != nil {
				return i, err
			}
			i += consumed
			if !done {
				return n, nil // whole remaining chunk folded into part data / pending
			}
			i += boundaryLen
			p.state = StatePartEnd

		case StatePartEnd:
			if i+1 < n {
				if data[i] == '-' && data[i+1] == '-' {
					p.state = StateEnd
					i += 2
					if p.cb.OnEnd != nil {
						p.cb.OnEnd()
					}
					continue
				}
				if data[i] == '\r' && data[i+1] == '\n' {
					p.state = StateHeaderFieldStart
					i += 2
					continue
				}
				return i, ErrMalformed
			}
			p.pending = append(p.pending, data[i:]...)
			return n, nil

		case StateEnd:
			i = n // trailing bytes after the final boundary are ignored
		}
	}

	// A header name or value still open at the end of data is held in
	// pending, so the next call sees it whole from offset 0.
	switch p.state {
	case StateHeaderField:
		p.pending = append(p.pending, data[p.headerFieldMark.offset:]...)
		p.headerFieldMark.offset = 0
	case StateHeaderValue:
		p.pending = append(p.pending, data[p.headerValueMark.offset:]...)
		p.headerValueMark.offset = 0
	}
	return i, nil
}

// scanPartData looks for the part-terminating "\r\n--boundary" sequence
// within data, emitting everything before a confirmed match as part data via
// OnPartData, then OnPartEnd. If a candidate match runs off the end of data
// without resolving, the candidate bytes are NOT emitted as data yet; they
// are appended to p.pending (and counted as consumed) so that Feed prepends
// them to the next call's data, preserving the lookbehind invariant
// (ambiguous bytes straddling chunk boundaries are never dropped nor
// double-counted).
func (p *Parser) scanPartData(data []byte) (consumed int, boundaryLen int, done bool, err error) {
	marker := p.marker
	n := len(data)

	for i := 0; i < n; i++ {
		if !p.boundaryIndex[data[i]] {
			continue
		}
		end := i + len(marker)
		if end > n {
			// candidate boundary runs off the end of this chunk
			if i > 0 && p.cb.OnPartData != nil {
				p.cb.OnPartData(data[:i])
			}
			p.pending = append(p.pending, data[i:]...)
			return n, 0, false, nil
		}
		if string(data[i:end]) == string(marker) {
			if i > 0 && p.cb.OnPartData != nil {
				p.cb.OnPartData(data[:i])
			}
			if p.cb.OnPartEnd != nil {
				p.cb.OnPartEnd()
			}
			return i, len(marker), true, nil
		}
		// '\r' that isn't a boundary start; keep scanning past it.
	}

	if p.cb.OnPartData != nil && n > 0 {
		p.cb.OnPartData(data)
	}
	return n, 0, false, nil
}

func isHeaderFieldByte(c byte) bool {
	return (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || c == '-'
}
