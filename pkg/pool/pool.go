// Package pool implements the per-host connection pool from spec.md
// §4.3.3-4.3.4: a free queue of idle clients, a spillover queue for surplus
// clients with a shorter idle TTL, a background collector per non-empty
// queue, and an alive-detector that keeps retrying a dead host on a
// jittered interval until a connection succeeds.
package pool

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/halcyon-oss/coroproxy/pkg/client"
)

// Config tunes a Pool's capacity, retry, and eviction behavior.
type Config struct {
	MaxConnection           int
	ConnectRetryCount       int
	ReconnectWaitTime       time.Duration
	IdleTimeout             time.Duration
	ShortConnectIdleTimeout time.Duration
	HostAliveDetectDuration time.Duration // zero disables the alive-detector
	IdleQueuePerMaxClearCnt int
}

// DefaultConfig mirrors client_pool.hpp's pool_config defaults.
func DefaultConfig() Config {
	return Config{
		MaxConnection:           100,
		ConnectRetryCount:       3,
		ReconnectWaitTime:       time.Second,
		IdleTimeout:             30 * time.Second,
		ShortConnectIdleTimeout: time.Second,
		HostAliveDetectDuration: 30 * time.Second,
		IdleQueuePerMaxClearCnt: 1000,
	}
}

// Factory constructs a new, not-yet-connected Client bound to the pool's
// host.
type Factory func() (*client.Client, error)

// Pool is keyed by a single host:port. Clients are never shared across
// pools.
type Pool struct {
	host    string
	cfg     Config
	factory Factory
	logger  zerolog.Logger

	free       *genQueue
	spillover  *genQueue
	freeColl   atomic.Bool
	spillColl  atomic.Bool
	alive      atomic.Bool
	aliveCheck atomic.Bool // true while an alive-detector goroutine is running
}

// New constructs a Pool for host using factory to build fresh clients.
func New(host string, cfg Config, factory Factory) *Pool {
	p := &Pool{
		host:      host,
		cfg:       cfg,
		factory:   factory,
		logger:    log.Logger.With().Str("pool_host", host).Logger(),
		free:      newGenQueue(),
		spillover: newGenQueue(),
	}
	p.alive.Store(true)
	return p
}

// HostName returns the host:port this pool is bound to.
func (p *Pool) HostName() string { return p.host }

// IsAlive reports whether the host is believed reachable. It turns false
// only after a fresh-client connect attempt fails while no free clients
// remain, and turns true again once the alive-detector (or any later
// successful connect) succeeds.
func (p *Pool) IsAlive() bool { return p.alive.Load() }

// Size approximates the pool's total idle client count (free + spillover).
func (p *Pool) Size() int { return p.free.size() + p.spillover.size() }

// Get acquires a client per §4.3.3's acquisition order: free-queue,
// spillover-queue, then a freshly constructed and connected client
// (retried up to ConnectRetryCount times with jittered backoff).
func (p *Pool) Get(ctx context.Context) (*client.Client, error) {
	if e, ok := p.free.tryDequeue(); ok {
		p.logger.Trace().Msg("got free client from queue")
		return e.client, nil
	}
	if e, ok := p.spillover.tryDequeue(); ok {
		p.logger.Trace().Msg("got spillover client from queue")
		return e.client, nil
	}

	c, err := p.factory()
	if err != nil {
		return nil, fmt.Errorf("pool: factory: %w", err)
	}
	if err := p.reconnect(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// Put returns a client to the pool, per §4.3.3: the free queue up to
// MaxConnection, the spillover queue beyond that. A closed client is
// dropped instead (§4.3.4: "write/read failure on a checked-out client: the
// client is discarded, not returned to the queue").
func (p *Pool) Put(c *client.Client) {
	if c.Closed() {
		p.logger.Trace().Msg("discarding closed client instead of returning it")
		return
	}

	p.alive.Store(true)
	e := &entry{client: c, enqueued: time.Now()}
	if p.free.size() < p.cfg.MaxConnection {
		p.enqueueAndCollect(p.free, &p.freeColl, e, p.cfg.IdleTimeout)
	} else {
		p.enqueueAndCollect(p.spillover, &p.spillColl, e, p.cfg.ShortConnectIdleTimeout)
	}
}

// Discard closes c without returning it to any queue, for §4.3.4's
// checked-out-client failure case.
func (p *Pool) Discard(c *client.Client) {
	_ = c.Close()
}

func (p *Pool) enqueueAndCollect(q *genQueue, running *atomic.Bool, e *entry, ttl time.Duration) {
	if q.enqueue(e) == 1 && running.CompareAndSwap(false, true) {
		sweep := ttl
		if sweep < 50*time.Millisecond {
			sweep = 50 * time.Millisecond
		}
		go p.collect(q, running, sweep)
	}
}

// collect is the Go realization of collect_idle_timeout_client: flip the
// active generation, sleep one sweep interval, then repeatedly clear the
// now-old generation until it is empty, before deciding whether to keep
// running (another enqueue may have raced in) or stop.
func (p *Pool) collect(q *genQueue, running *atomic.Bool, sweep time.Duration) {
	for {
		q.reselect()
		time.Sleep(sweep)

		for {
			evicted := q.clearOld(p.cfg.IdleQueuePerMaxClearCnt)
			if len(evicted) == 0 {
				break
			}
			for _, e := range evicted {
				_ = e.client.Close()
			}
		}

		if q.size() == 0 {
			running.Store(false)
			return
		}
	}
}

// reconnect retries connecting c up to ConnectRetryCount times, backing off
// by ReconnectWaitTime*rand(1.0,1.2) minus the observed connect latency
// each time, per §4.3.3. The backoff cadence is paced through a
// rate.Limiter (re-armed per attempt) instead of a bare time.Sleep, so the
// pacing is observable/throttleable the same way the rest of the ecosystem
// throttles retry loops.
func (p *Pool) reconnect(ctx context.Context, c *client.Client) error {
	attempts := p.cfg.ConnectRetryCount
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		start := time.Now()
		err := c.Connect(ctx)
		cost := time.Since(start)
		if err == nil {
			p.alive.Store(true)
			return nil
		}
		lastErr = err
		p.logger.Trace().Err(err).Int("attempt", i+1).Msg("reconnect failed")

		if i == attempts-1 {
			break
		}
		wait := jitter(p.cfg.ReconnectWaitTime) - cost
		if wait > 0 {
			if err := waitPaced(ctx, wait); err != nil {
				return err
			}
		}
	}

	p.logger.Warn().Err(lastErr).Msg("reconnect out of retries, starting alive-detector")
	p.alive.Store(false)
	p.startAliveDetector(ctx)
	return fmt.Errorf("pool: connection_refused: %w", lastErr)
}

// startAliveDetector launches (at most one concurrent) background loop that
// keeps retrying a fresh connection on a jittered HostAliveDetectDuration
// cadence until one succeeds, seeding the free queue with the survivor.
func (p *Pool) startAliveDetector(ctx context.Context) {
	if p.cfg.HostAliveDetectDuration <= 0 {
		return
	}
	if p.Size() > 0 {
		return
	}
	if !p.aliveCheck.CompareAndSwap(false, true) {
		return
	}

	go func() {
		defer p.aliveCheck.Store(false)
		// a fresh background context: the caller's ctx may already be
		// canceled by the time this goroutine runs past the first attempt.
		bgCtx := context.Background()
		for {
			if p.alive.Load() {
				return
			}
			c, err := p.factory()
			if err != nil {
				p.logger.Error().Err(err).Msg("alive-detector: factory failed")
				return
			}
			start := time.Now()
			err = c.Connect(bgCtx)
			cost := time.Since(start)
			if err == nil {
				p.logger.Trace().Msg("alive-detector: reconnect success")
				p.free.enqueue(&entry{client: c, enqueued: time.Now()})
				p.alive.Store(true)
				return
			}
			if p.alive.Load() {
				return
			}
			wait := jitter(p.cfg.HostAliveDetectDuration) - cost
			if wait > 0 {
				_ = waitPaced(bgCtx, wait)
			}
		}
	}()
}

func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	factor := 1.0 + rand.Float64()*0.2 // rand(1.0, 1.2)
	return time.Duration(factor * float64(d))
}

// waitPaced blocks for d, paced through a one-shot rate.Limiter rather than
// a bare time.Sleep, honoring ctx cancellation.
func waitPaced(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	lim := rate.NewLimiter(rate.Every(d), 1)
	_ = lim.Reserve() // consume the initial burst token so Wait actually blocks ~d
	return lim.Wait(ctx)
}
