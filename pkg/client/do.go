package client

import (
	"context"
	"fmt"
	"io"
)

// Request sends one HTTP request and returns the parsed response, following
// redirects (300/301/302/304/307) up to maxRedirects times when follow is
// true, per §4.3.1 steps 1-7.
func (c *Client) Request(ctx context.Context, method, target string, headers map[string]string, body []byte, follow bool) (*Response, error) {
	resp, err := c.roundTrip(ctx, method, target, headers, body, nil)
	if err != nil {
		return nil, err
	}
	if !follow || !redirectStatus[resp.StatusCode] {
		return resp, nil
	}

	for i := 0; i < maxRedirects; i++ {
		loc, ok := resp.header("Location")
		if !ok {
			return resp, nil
		}
		resp, err = c.roundTrip(ctx, method, loc, headers, body, nil)
		if err != nil {
			return nil, err
		}
		if !redirectStatus[resp.StatusCode] {
			return resp, nil
		}
	}
	return resp, nil
}

// Get issues a GET request against target (a path, or an absolute URL on
// this client's own host).
func (c *Client) Get(ctx context.Context, target string, headers map[string]string) (*Response, error) {
	return c.Request(ctx, "GET", target, headers, nil, true)
}

// Post issues a POST request with the given body against target.
func (c *Client) Post(ctx context.Context, target string, headers map[string]string, body []byte) (*Response, error) {
	return c.Request(ctx, "POST", target, headers, body, true)
}

// Download streams the response body directly to w instead of buffering
// it, for large payloads. The returned Response's Body field is nil.
func (c *Client) Download(ctx context.Context, target string, headers map[string]string, w io.Writer) (*Response, error) {
	return c.roundTrip(ctx, "GET", target, headers, nil, w)
}

// Upload sends body (streamed from a reader of known length) as a POST,
// for large request payloads that should not be buffered into memory by
// the caller.
func (c *Client) Upload(ctx context.Context, target string, headers map[string]string, body io.Reader, size int64, contentType string) (*Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := ctx.Deadline(); !ok && c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	if err := c.ensureConn(ctx); err != nil {
		return nil, err
	}

	u, err := resolveTarget(target)
	if err != nil {
		return nil, err
	}

	h := cloneHeaders(headers)
	if c.proxyAddr != "" && c.scheme == "http" {
		for k, v := range c.proxyHeaders() {
			h[k] = v[0]
		}
	}
	if contentType != "" {
		h["Content-Type"] = contentType
	}
	h["Content-Length"] = fmt.Sprintf("%d", size)

	head := buildRequest("POST", c.host, requestURIFor(u), h, nil)
	if _, err := c.conn.Write(head); err != nil {
		_ = c.closeLocked()
		return nil, fmt.Errorf("client: writing request head: %w", err)
	}
	if _, err := io.CopyN(c.conn, body, size); err != nil {
		_ = c.closeLocked()
		return nil, fmt.Errorf("client: writing request body: %w", err)
	}

	resp, keepAlive, err := c.readResponse(ctx, nil)
	if err != nil {
		_ = c.closeLocked()
		return nil, err
	}
	if !keepAlive {
		_ = c.closeLocked()
	}
	return resp, nil
}

// roundTrip is the shared core of Request/Get/Post/Download: one full pass
// through §4.3.1 steps 2-6, without following redirects.
func (c *Client) roundTrip(ctx context.Context, method, target string, headers map[string]string, body []byte, sink io.Writer) (*Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := ctx.Deadline(); !ok && c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	if err := c.ensureConn(ctx); err != nil {
		return nil, err
	}

	u, err := resolveTarget(target)
	if err != nil {
		return nil, err
	}

	h := headers
	if u.Host != "" && u.Host != c.host {
		h = cloneHeaders(headers)
		h["Host"] = u.Host
	}
	if c.proxyAddr != "" && c.scheme == "http" && c.proxyAuth != proxyAuthNone {
		h = cloneHeaders(h)
		for k, v := range c.proxyHeaders() {
			h[k] = v[0]
		}
	}

	req := buildRequest(method, c.host, requestURIFor(u), h, body)
	if _, err := c.conn.Write(req); err != nil {
		_ = c.closeLocked()
		return nil, fmt.Errorf("client: writing request: %w", err)
	}

	resp, keepAlive, err := c.readResponse(ctx, sink)
	if err != nil {
		_ = c.closeLocked()
		return nil, err
	}
	if !keepAlive {
		_ = c.closeLocked()
	}
	return resp, nil
}

func cloneHeaders(h map[string]string) map[string]string {
	out := make(map[string]string, len(h)+1)
	for k, v := range h {
		out[k] = v
	}
	return out
}
