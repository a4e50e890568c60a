package telemetry

import (
	"context"
	"encoding/csv"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestCountersAccumulate(t *testing.T) {
	r := New()

	r.ConnectionOpened()
	r.ConnectionOpened()
	r.ConnectionClosed()
	r.RequestHandled()
	r.WebSocketUpgraded()
	r.ProxyUpstreamResult(nil)
	r.ProxyUpstreamResult(errors.New("boom"))

	snap := r.Snapshot()
	if snap.ConnectionsOpened != 2 {
		t.Errorf("ConnectionsOpened = %d, want 2", snap.ConnectionsOpened)
	}
	if snap.ConnectionsClosed != 1 {
		t.Errorf("ConnectionsClosed = %d, want 1", snap.ConnectionsClosed)
	}
	if snap.RequestsHandled != 1 {
		t.Errorf("RequestsHandled = %d, want 1", snap.RequestsHandled)
	}
	if snap.WebSocketUpgrades != 1 {
		t.Errorf("WebSocketUpgrades = %d, want 1", snap.WebSocketUpgrades)
	}
	if snap.ProxyUpstreamOK != 1 {
		t.Errorf("ProxyUpstreamOK = %d, want 1", snap.ProxyUpstreamOK)
	}
	if snap.ProxyUpstreamErrors != 1 {
		t.Errorf("ProxyUpstreamErrors = %d, want 1", snap.ProxyUpstreamErrors)
	}
}

func TestCountersConcurrentSafe(t *testing.T) {
	r := New()
	var wg sync.WaitGroup
	for range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.ConnectionOpened()
		}()
	}
	wg.Wait()

	if got := r.Snapshot().ConnectionsOpened; got != 100 {
		t.Errorf("ConnectionsOpened = %d, want 100", got)
	}
}

func TestAppendCSVWritesHeaderOnce(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "metrics.csv")

	r := New()
	r.RequestHandled()
	if err := r.appendCSV(path); err != nil {
		t.Fatalf("appendCSV() error = %v", err)
	}

	r.RequestHandled()
	if err := r.appendCSV(path); err != nil {
		t.Fatalf("appendCSV() second call error = %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer f.Close()

	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}

	if len(records) != 3 {
		t.Fatalf("len(records) = %d, want 3 (header + 2 rows)", len(records))
	}
	for i, want := range csvHeader {
		if records[0][i] != want {
			t.Errorf("header[%d] = %q, want %q", i, records[0][i], want)
		}
	}
	if records[1][3] != "1" {
		t.Errorf("first row requests_handled = %q, want \"1\"", records[1][3])
	}
	if records[2][3] != "2" {
		t.Errorf("second row requests_handled = %q, want \"2\"", records[2][3])
	}
}

func TestFlushLoopStopsOnContextCancel(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "metrics.csv")

	r := New()
	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan struct{})
	go func() {
		r.FlushLoop(ctx, zerolog.Nop(), path, time.Millisecond)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("FlushLoop did not return after context cancellation")
	}
}
