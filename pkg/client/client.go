// Package client implements coroproxy's HTTP/1.1 + WebSocket client: the
// per-request state machine in spec.md §4.3.1, reusing one persistent
// connection per Client instance across requests, the way a single pooled
// entry in pkg/pool is reused across acquisitions.
package client

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/halcyon-oss/coroproxy/pkg/wire"
)

// DefaultTimeout bounds a single request/response round trip, per
// SPEC_FULL.md §6's 15-60 s guidance.
const DefaultTimeout = 15 * time.Second

const maxRedirects = 10

// redirectStatus is the set of status codes that trigger a re-dispatch
// against the response's Location header, per §4.3.1 step 7.
var redirectStatus = map[int]bool{300: true, 301: true, 302: true, 304: true, 307: true}

type proxyAuthKind int

const (
	proxyAuthNone proxyAuthKind = iota
	proxyAuthBasic
	proxyAuthBearer
)

// Option configures a Client at construction time, mirroring the
// pkg/websocket DialOpt pattern.
type Option func(*Client)

// WithLogger overrides the Client's logger, otherwise the global zerolog
// logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithTLSConfig sets the TLS configuration used when the target scheme is
// https or wss. SNI is derived from the target host unless ServerName is
// already set.
func WithTLSConfig(cfg *tls.Config) Option {
	return func(c *Client) { c.tlsConfig = cfg }
}

// Client is bound to a single target host:port and scheme, and holds at
// most one live connection at a time, reconnecting lazily on the next
// request when the connection is closed (§4.3.1 step 2).
type Client struct {
	scheme string // "http" or "https"
	host   string // host:port
	logger zerolog.Logger

	timeout   time.Duration
	tlsConfig *tls.Config

	proxyAddr string
	proxyAuth proxyAuthKind
	proxyUser string
	proxyPass string
	proxyTok  string

	mu   sync.Mutex
	conn net.Conn
	br   *bufio.Reader
}

// New constructs a Client targeting baseURL's scheme and host ("http",
// "https", "ws", and "wss" are all accepted; ws/wss are normalized to their
// http/https equivalents for the underlying TCP/TLS connection).
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("client: invalid base URL: %w", err)
	}

	scheme := normalizeScheme(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return nil, fmt.Errorf("client: unsupported scheme %q", u.Scheme)
	}

	host := u.Host
	if !strings.Contains(host, ":") {
		if scheme == "https" {
			host += ":443"
		} else {
			host += ":80"
		}
	}

	c := &Client{
		scheme:  scheme,
		host:    host,
		logger:  log.Logger,
		timeout: DefaultTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func normalizeScheme(scheme string) string {
	switch scheme {
	case "ws":
		return "http"
	case "wss":
		return "https"
	default:
		return scheme
	}
}

// SetProxy routes the client's connections through an HTTP forward proxy
// (plain requests) or CONNECT tunnel (TLS requests) at addr.
func (c *Client) SetProxy(addr string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.proxyAddr = addr
	c.proxyAuth = proxyAuthNone
}

// SetProxyBasicAuth attaches HTTP Basic credentials to the proxy CONNECT
// request (or, for plain forward requests, to Proxy-Authorization).
func (c *Client) SetProxyBasicAuth(user, pass string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.proxyAuth = proxyAuthBasic
	c.proxyUser = user
	c.proxyPass = pass
}

// SetProxyBearerToken attaches a bearer token to the proxy's
// Proxy-Authorization header.
func (c *Client) SetProxyBearerToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.proxyAuth = proxyAuthBearer
	c.proxyTok = token
}

// Connect eagerly (re)establishes the connection, for callers (pkg/pool)
// that need to probe reachability before handing a Client to a caller.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ensureConn(ctx)
}

// Closed reports whether the client currently holds no live connection.
func (c *Client) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn == nil
}

// Host returns the host:port this client is bound to.
func (c *Client) Host() string { return c.host }

// Close releases the client's connection, if any. A subsequent request
// reconnects lazily.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeLocked()
}

func (c *Client) closeLocked() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.br = nil
	return err
}

// ensureConn implements §4.3.1 step 2: dial (optionally through a proxy)
// and TLS-handshake only if the socket is currently closed.
func (c *Client) ensureConn(ctx context.Context) error {
	if c.conn != nil {
		return nil
	}

	dialer := &net.Dialer{}
	var rwc net.Conn
	var err error

	target := c.host
	if c.proxyAddr != "" {
		rwc, err = dialer.DialContext(ctx, "tcp", c.proxyAddr)
		if err != nil {
			return fmt.Errorf("client: proxy dial: %w", err)
		}
		if c.scheme == "https" {
			if err := c.connectTunnel(ctx, rwc); err != nil {
				_ = rwc.Close()
				return err
			}
		}
	} else {
		rwc, err = dialer.DialContext(ctx, "tcp", target)
		if err != nil {
			return fmt.Errorf("client: dial: %w", err)
		}
	}

	if c.scheme == "https" {
		cfg := c.tlsConfig
		if cfg == nil {
			cfg = &tls.Config{}
		}
		if cfg.ServerName == "" {
			cfg = cfg.Clone()
			cfg.ServerName = hostOnly(c.host)
		}
		tlsConn := tls.Client(rwc, cfg)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			_ = rwc.Close()
			return fmt.Errorf("client: TLS handshake: %w", err)
		}
		rwc = tlsConn
	}

	c.conn = rwc
	c.br = bufio.NewReader(rwc)
	return nil
}

func hostOnly(hostPort string) string {
	h, _, err := net.SplitHostPort(hostPort)
	if err != nil {
		return hostPort
	}
	return h
}

// connectTunnel issues an HTTP CONNECT through a forward proxy to
// establish a tunnel to c.host, for subsequent TLS over the same socket.
func (c *Client) connectTunnel(ctx context.Context, conn net.Conn) error {
	var sb strings.Builder
	fmt.Fprintf(&sb, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n", c.host, c.host)
	switch c.proxyAuth {
	case proxyAuthBasic:
		fmt.Fprintf(&sb, "Proxy-Authorization: Basic %s\r\n", basicAuthValue(c.proxyUser, c.proxyPass))
	case proxyAuthBearer:
		fmt.Fprintf(&sb, "Proxy-Authorization: Bearer %s\r\n", c.proxyTok)
	}
	sb.WriteString("\r\n")

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
		defer conn.SetDeadline(time.Time{})
	}

	if _, err := conn.Write([]byte(sb.String())); err != nil {
		return fmt.Errorf("client: CONNECT request: %w", err)
	}

	br := bufio.NewReader(conn)
	resp := wire.NewClientResponse()
	buf := make([]byte, 0, 512)
	lastLen := 0
	tmp := make([]byte, 512)
	for {
		n, err := br.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
			status, perr := resp.Parse(buf, lastLen)
			lastLen = len(buf)
			if status == wire.Complete {
				break
			}
			if status == wire.Error {
				return fmt.Errorf("client: CONNECT response: %w", perr)
			}
		}
		if err != nil {
			return fmt.Errorf("client: CONNECT response: %w", err)
		}
	}
	if resp.StatusCode != 200 {
		return fmt.Errorf("client: CONNECT failed: status %d", resp.StatusCode)
	}
	return nil
}
