package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/halcyon-oss/coroproxy/pkg/websocket"
)

// DialWS performs a WebSocket handshake (§4.3.2) against target on this
// client's host, reusing pkg/websocket's client-role Conn and Dial for the
// post-handshake framing, masking, and closing-handshake logic. Unlike
// Get/Post/Request, DialWS does not share this Client's persistent
// connection: a WebSocket session owns its own socket for its lifetime.
func (c *Client) DialWS(ctx context.Context, target string) (*websocket.Conn, error) {
	u, err := resolveTarget(target)
	if err != nil {
		return nil, err
	}
	if u.Host == "" {
		u.Host = c.host
	}
	u.Scheme = wsScheme(c.scheme)

	opts := []websocket.DialOpt{}
	if len(c.proxyHeaders()) > 0 {
		opts = append(opts, websocket.WithHTTPHeaders(c.proxyHeaders()))
	}
	if c.proxyAddr != "" {
		proxyURL, err := url.Parse("http://" + c.proxyAddr)
		if err != nil {
			return nil, fmt.Errorf("client: invalid proxy address: %w", err)
		}
		transport := &http.Transport{Proxy: http.ProxyURL(proxyURL)}
		if c.tlsConfig != nil {
			transport.TLSClientConfig = c.tlsConfig
		}
		opts = append(opts, websocket.WithHTTPClient(&http.Client{Transport: transport}))
	}

	return websocket.Dial(ctx, u.String(), opts...)
}

func wsScheme(scheme string) string {
	if scheme == "https" {
		return "wss"
	}
	return "ws"
}

func (c *Client) proxyHeaders() http.Header {
	h := http.Header{}
	switch c.proxyAuth {
	case proxyAuthBasic:
		h.Set("Proxy-Authorization", "Basic "+basicAuthValue(c.proxyUser, c.proxyPass))
	case proxyAuthBearer:
		h.Set("Proxy-Authorization", "Bearer "+c.proxyTok)
	}
	return h
}
