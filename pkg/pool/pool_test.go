package pool

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/halcyon-oss/coroproxy/pkg/client"
)

func TestPoolGetPutReuse(t *testing.T) {
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "ok")
	}))
	defer s.Close()

	factory := func() (*client.Client, error) { return client.New(s.URL) }
	p := New(s.Listener.Addr().String(), DefaultConfig(), factory)

	c1, err := p.Get(t.Context())
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if _, err := c1.Get(t.Context(), "/", nil); err != nil {
		t.Fatalf("warm-up request error = %v", err)
	}
	p.Put(c1)

	if p.Size() != 1 {
		t.Fatalf("Size() = %d, want 1 after Put", p.Size())
	}

	c2, err := p.Get(t.Context())
	if err != nil {
		t.Fatalf("Get() (reuse) error = %v", err)
	}
	if c2 != c1 {
		t.Errorf("Get() after Put returned a different client, want reuse of the same instance")
	}
	if p.Size() != 0 {
		t.Errorf("Size() = %d, want 0 after second Get", p.Size())
	}
}

func TestPoolDiscardsClosedClient(t *testing.T) {
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "ok")
	}))
	defer s.Close()

	var built int
	factory := func() (*client.Client, error) {
		built++
		return client.New(s.URL)
	}
	p := New(s.Listener.Addr().String(), DefaultConfig(), factory)

	c1, err := p.Get(t.Context())
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	_ = c1.Close() // simulate a failed checked-out client (§4.3.4)

	p.Put(c1)
	if p.Size() != 0 {
		t.Errorf("Size() = %d, want 0: a closed client must not be queued", p.Size())
	}

	if _, err := p.Get(t.Context()); err != nil {
		t.Fatalf("Get() after discard error = %v", err)
	}
	if built != 2 {
		t.Errorf("factory invoked %d times, want 2 (initial + after discard)", built)
	}
}

func TestPoolSpillsOverBeyondMaxConnection(t *testing.T) {
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "ok")
	}))
	defer s.Close()

	cfg := DefaultConfig()
	cfg.MaxConnection = 1
	factory := func() (*client.Client, error) { return client.New(s.URL) }
	p := New(s.Listener.Addr().String(), cfg, factory)

	c1, err := client.New(s.URL)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	c2, err := client.New(s.URL)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	_ = c1.Connect(t.Context())
	_ = c2.Connect(t.Context())

	p.Put(c1)
	p.Put(c2)

	if p.free.size() != 1 {
		t.Errorf("free.size() = %d, want 1", p.free.size())
	}
	if p.spillover.size() != 1 {
		t.Errorf("spillover.size() = %d, want 1", p.spillover.size())
	}
}

func TestPoolConnectFailureReturnsConnectionRefused(t *testing.T) {
	factory := func() (*client.Client, error) { return client.New("http://127.0.0.1:1") }
	cfg := DefaultConfig()
	cfg.ConnectRetryCount = 2
	cfg.ReconnectWaitTime = 5 * time.Millisecond
	cfg.HostAliveDetectDuration = 0 // disable the alive-detector for this test
	p := New("127.0.0.1:1", cfg, factory)

	ctx, cancel := context.WithTimeout(t.Context(), 2*time.Second)
	defer cancel()

	if _, err := p.Get(ctx); err == nil {
		t.Fatal("Get() error = nil, want connection_refused")
	}
	if p.IsAlive() {
		t.Errorf("IsAlive() = true, want false after exhausting retries")
	}
}
