// Package telemetry counts connection and request events and periodically
// flushes them to a CSV file, the same sink shape the teacher's deleted
// pkg/metrics used (one mutex-guarded os.OpenFile-append-csv.Writer call
// per flush) rather than a counter-per-event file write.
package telemetry

import (
	"context"
	"encoding/csv"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Recorder accumulates process-wide counters. The zero value is ready to
// use; a *Recorder is always safe for concurrent use from every connection
// goroutine.
type Recorder struct {
	connectionsOpened  atomic.Int64
	connectionsClosed  atomic.Int64
	requestsHandled    atomic.Int64
	websocketUpgrades  atomic.Int64
	proxyUpstreamOK    atomic.Int64
	proxyUpstreamError atomic.Int64

	mu sync.Mutex
}

// New returns a ready-to-use Recorder.
func New() *Recorder { return &Recorder{} }

func (r *Recorder) ConnectionOpened()  { r.connectionsOpened.Add(1) }
func (r *Recorder) ConnectionClosed()  { r.connectionsClosed.Add(1) }
func (r *Recorder) RequestHandled()    { r.requestsHandled.Add(1) }
func (r *Recorder) WebSocketUpgraded() { r.websocketUpgrades.Add(1) }

// ProxyUpstreamResult records whether a balancer.SendRequest round-trip
// succeeded, for Handler.forward to call after every attempt.
func (r *Recorder) ProxyUpstreamResult(err error) {
	if err != nil {
		r.proxyUpstreamError.Add(1)
		return
	}
	r.proxyUpstreamOK.Add(1)
}

// Snapshot is a point-in-time copy of every counter, the record shape
// FlushLoop writes as one CSV row.
type Snapshot struct {
	Time                time.Time
	ConnectionsOpened   int64
	ConnectionsClosed   int64
	RequestsHandled     int64
	WebSocketUpgrades   int64
	ProxyUpstreamOK     int64
	ProxyUpstreamErrors int64
}

func (r *Recorder) Snapshot() Snapshot {
	return Snapshot{
		Time:                time.Now(),
		ConnectionsOpened:   r.connectionsOpened.Load(),
		ConnectionsClosed:   r.connectionsClosed.Load(),
		RequestsHandled:     r.requestsHandled.Load(),
		WebSocketUpgrades:   r.websocketUpgrades.Load(),
		ProxyUpstreamOK:     r.proxyUpstreamOK.Load(),
		ProxyUpstreamErrors: r.proxyUpstreamError.Load(),
	}
}

func (s Snapshot) csvRecord() []string {
	return []string{
		s.Time.Format(time.RFC3339),
		strconv.FormatInt(s.ConnectionsOpened, 10),
		strconv.FormatInt(s.ConnectionsClosed, 10),
		strconv.FormatInt(s.RequestsHandled, 10),
		strconv.FormatInt(s.WebSocketUpgrades, 10),
		strconv.FormatInt(s.ProxyUpstreamOK, 10),
		strconv.FormatInt(s.ProxyUpstreamErrors, 10),
	}
}

// csvHeader labels Snapshot.csvRecord's columns, written once per file.
var csvHeader = []string{
	"time", "connections_opened", "connections_closed", "requests_handled",
	"websocket_upgrades", "proxy_upstream_ok", "proxy_upstream_errors",
}

// FlushLoop appends one CSV row (creating the file and its header row if
// it doesn't already exist) every interval, until ctx is canceled.
func (r *Recorder) FlushLoop(ctx context.Context, l zerolog.Logger, path string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.appendCSV(path); err != nil {
				l.Error().Err(err).Str("path", path).Msg("telemetry: failed to flush metrics file")
			}
		}
	}
}

func (r *Recorder) appendCSV(path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	needsHeader := true
	if _, err := os.Stat(path); err == nil {
		needsHeader = false
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if needsHeader {
		if err := w.Write(csvHeader); err != nil {
			return err
		}
	}
	if err := w.Write(r.Snapshot().csvRecord()); err != nil {
		return err
	}
	w.Flush()
	return w.Error()
}
