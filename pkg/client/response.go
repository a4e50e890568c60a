package client

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/halcyon-oss/coroproxy/pkg/wire"
)

// Response is the client-facing result of one request/response round: the
// status, headers, and body from §4.3.1 step 6. Transport errors are
// returned alongside it as an error value rather than stored in it.
type Response struct {
	StatusCode int
	Reason     string
	Header     map[string]string
	Body       []byte
}

func (r *Response) header(name string) (string, bool) {
	for k, v := range r.Header {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return "", false
}

// readResponse reads and parses the status line and headers, then
// accumulates the body according to the mode derived from the headers:
// Content-Length, chunked, or close-delimited read-until-EOF (§4.3.1 steps
// 4-6). When sink is non-nil, body bytes are streamed to it instead of
// being accumulated into the returned Response.Body (used by Download).
func (c *Client) readResponse(ctx context.Context, sink io.Writer) (*Response, bool, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetReadDeadline(deadline)
		defer c.conn.SetReadDeadline(time.Time{})
	}

	parsed := wire.NewClientResponse()
	buf := make([]byte, 0, 4096)
	lastLen := 0
	tmp := make([]byte, 4096)

	for {
		n, err := c.br.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
			status, perr := parsed.Parse(buf, lastLen)
			lastLen = len(buf)
			if status == wire.Complete {
				break
			}
			if status == wire.Error {
				return nil, false, fmt.Errorf("client: response parse: %w", perr)
			}
		}
		if err != nil {
			return nil, false, fmt.Errorf("client: reading response headers: %w", err)
		}
	}

	resp := &Response{
		StatusCode: parsed.StatusCode,
		Reason:     parsed.Reason(),
		Header:     make(map[string]string, parsed.NumHeaders),
	}
	for i := 0; i < parsed.NumHeaders; i++ {
		name, value := parsed.HeaderAt(i)
		resp.Header[name] = value
	}

	already := buf[parsed.HeaderLen:]

	var body []byte
	var err error
	switch {
	case parsed.HasContentLength:
		body, err = c.readFixedLength(already, parsed.ContentLength, sink)
	case parsed.Chunked:
		body, err = c.readChunked(already, sink)
	default:
		body, err = c.readUntilEOF(already, sink)
		if err == nil {
			// The peer is expected to close right after a close-delimited
			// body; reflect that in the client's own connection state.
			_ = c.closeLocked()
		}
	}
	if err != nil {
		return nil, false, err
	}
	if sink == nil {
		resp.Body = body
	}

	return resp, parsed.KeepAlive && !parsed.CloseDelimited, nil
}

func (c *Client) readFixedLength(already []byte, contentLength int64, sink io.Writer) ([]byte, error) {
	var out []byte
	if sink == nil {
		out = make([]byte, 0, contentLength)
	}

	write := func(b []byte) error {
		if sink != nil {
			_, err := sink.Write(b)
			return err
		}
		out = append(out, b...)
		return nil
	}

	n := int64(len(already))
	if n > contentLength {
		n = contentLength
	}
	if n > 0 {
		if err := write(already[:n]); err != nil {
			return nil, err
		}
	}
	remaining := contentLength - n

	tmp := make([]byte, 8192)
	for remaining > 0 {
		toRead := tmp
		if remaining < int64(len(tmp)) {
			toRead = tmp[:remaining]
		}
		rn, err := c.br.Read(toRead)
		if rn > 0 {
			if werr := write(toRead[:rn]); werr != nil {
				return nil, werr
			}
			remaining -= int64(rn)
		}
		if err != nil && remaining > 0 {
			return nil, fmt.Errorf("client: reading response body: %w", err)
		}
	}
	return out, nil
}

func (c *Client) readUntilEOF(already []byte, sink io.Writer) ([]byte, error) {
	var out []byte
	if sink == nil {
		out = append(out, already...)
	} else if len(already) > 0 {
		if _, err := sink.Write(already); err != nil {
			return nil, err
		}
	}

	tmp := make([]byte, 8192)
	for {
		n, err := c.br.Read(tmp)
		if n > 0 {
			if sink != nil {
				if _, werr := sink.Write(tmp[:n]); werr != nil {
					return nil, werr
				}
			} else {
				out = append(out, tmp[:n]...)
			}
		}
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("client: reading response body: %w", err)
		}
	}
}

// readChunked decodes a chunked-transfer-encoding body. already may
// contain the start of the chunk stream already read alongside the
// headers.
func (c *Client) readChunked(already []byte, sink io.Writer) ([]byte, error) {
	br := bufio.NewReader(io.MultiReader(bytes.NewReader(already), c.br))

	var out []byte
	for {
		sizeLine, err := br.ReadString('\n')
		if err != nil {
			return nil, fmt.Errorf("client: reading chunk size: %w", err)
		}
		sizeLine = strings.TrimRight(sizeLine, "\r\n")
		if semi := strings.IndexByte(sizeLine, ';'); semi >= 0 {
			sizeLine = sizeLine[:semi]
		}
		size, err := strconv.ParseUint(sizeLine, 16, 63)
		if err != nil {
			return nil, fmt.Errorf("client: malformed chunk size %q: %w", sizeLine, err)
		}
		if size == 0 {
			for {
				line, err := br.ReadString('\n')
				if err != nil {
					return nil, fmt.Errorf("client: reading chunk trailer: %w", err)
				}
				if strings.TrimRight(line, "\r\n") == "" {
					break
				}
			}
			break
		}

		chunk := make([]byte, size)
		if _, err := io.ReadFull(br, chunk); err != nil {
			return nil, fmt.Errorf("client: reading chunk data: %w", err)
		}
		if sink != nil {
			if _, err := sink.Write(chunk); err != nil {
				return nil, err
			}
		} else {
			out = append(out, chunk...)
		}

		if _, err := br.ReadString('\n'); err != nil { // trailing CRLF after chunk data
			return nil, fmt.Errorf("client: reading chunk terminator: %w", err)
		}
	}
	return out, nil
}
