package client

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/halcyon-oss/coroproxy/internal/buf"
)

// buildRequest assembles the request-line, headers, and body per §4.3.1
// step 3: Host, Content-Length (when the body is non-empty or the method is
// POST), and Connection: keep-alive are added unless the caller already set
// them.
func buildRequest(method, host, requestURI string, headers map[string]string, body []byte) []byte {
	b := buf.Get()
	defer buf.Put(b)

	fmt.Fprintf(b, "%s %s HTTP/1.1\r\n", method, requestURI)

	has := func(name string) bool {
		for k := range headers {
			if strings.EqualFold(k, name) {
				return true
			}
		}
		return false
	}

	if !has("Host") {
		fmt.Fprintf(b, "Host: %s\r\n", host)
	}
	if !has("Connection") {
		b.WriteString("Connection: keep-alive\r\n")
	}
	if !has("Content-Length") && (len(body) > 0 || method == "POST") {
		fmt.Fprintf(b, "Content-Length: %s\r\n", strconv.Itoa(len(body)))
	}
	for k, v := range headers {
		fmt.Fprintf(b, "%s: %s\r\n", k, v)
	}
	b.WriteString("\r\n")
	if len(body) > 0 {
		b.Write(body)
	}

	return append([]byte(nil), b.Bytes()...)
}

// resolveTarget implements §4.3.1 step 1: parse the target URI, accepting
// http/https/ws/wss, and percent-encode the path once on a parse failure
// before giving up.
func resolveTarget(rawURL string) (*url.URL, error) {
	u, err := url.Parse(rawURL)
	if err == nil {
		return u, nil
	}

	encoded := url.PathEscape(rawURL)
	u, err2 := url.Parse(encoded)
	if err2 != nil {
		return nil, fmt.Errorf("client: invalid target URL %q: %w", rawURL, err)
	}
	return u, nil
}

func requestURIFor(u *url.URL) string {
	ru := u.Path
	if ru == "" {
		ru = "/"
	}
	if u.RawQuery != "" {
		ru += "?" + u.RawQuery
	}
	return ru
}
