package client

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestGetRoundTrip(t *testing.T) {
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/hello" {
			t.Errorf("path = %q, want /hello", r.URL.Path)
		}
		w.Header().Set("X-Test", "yes")
		fmt.Fprint(w, "world")
	}))
	defer s.Close()

	c, err := New(s.URL)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer c.Close()

	resp, err := c.Get(t.Context(), "/hello", nil)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if resp.StatusCode != 200 {
		t.Errorf("StatusCode = %d, want 200", resp.StatusCode)
	}
	if string(resp.Body) != "world" {
		t.Errorf("Body = %q, want %q", resp.Body, "world")
	}
	if v, _ := resp.header("X-Test"); v != "yes" {
		t.Errorf("X-Test header = %q, want yes", v)
	}
}

func TestPostRoundTripAndKeepAlive(t *testing.T) {
	var bodies []string
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		bodies = append(bodies, string(b))
		w.WriteHeader(201)
	}))
	defer s.Close()

	c, err := New(s.URL)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer c.Close()

	for i := 0; i < 2; i++ {
		resp, err := c.Post(t.Context(), "/submit", nil, []byte("payload"))
		if err != nil {
			t.Fatalf("Post() %d error = %v", i, err)
		}
		if resp.StatusCode != 201 {
			t.Errorf("request %d: StatusCode = %d, want 201", i, resp.StatusCode)
		}
	}

	if len(bodies) != 2 || bodies[0] != "payload" || bodies[1] != "payload" {
		t.Errorf("server saw bodies = %v", bodies)
	}
}

func TestRequestFollowsRedirect(t *testing.T) {
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/start" {
			http.Redirect(w, r, "/final", http.StatusFound)
			return
		}
		fmt.Fprint(w, "landed")
	}))
	defer s.Close()

	c, err := New(s.URL)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer c.Close()

	resp, err := c.Get(t.Context(), "/start", nil)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if resp.StatusCode != 200 || string(resp.Body) != "landed" {
		t.Errorf("resp = %+v, want 200 landed", resp)
	}
}

func TestDownloadStreamsToWriter(t *testing.T) {
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "streamed-body")
	}))
	defer s.Close()

	c, err := New(s.URL)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer c.Close()

	var sink fakeWriter
	resp, err := c.Download(t.Context(), "/file", nil, &sink)
	if err != nil {
		t.Fatalf("Download() error = %v", err)
	}
	if resp.Body != nil {
		t.Errorf("Body = %q, want nil (streamed)", resp.Body)
	}
	if sink.String() != "streamed-body" {
		t.Errorf("sink = %q, want streamed-body", sink.String())
	}
}

type fakeWriter struct {
	buf []byte
}

func (w *fakeWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	return len(p), nil
}

func (w *fakeWriter) String() string { return string(w.buf) }
