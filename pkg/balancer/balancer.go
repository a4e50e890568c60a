// Package balancer selects among a fixed set of per-host connection pools
// (spec.md §4.4): round-robin, Nginx-style smooth weighted round-robin, or
// uniform random.
package balancer

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"

	"github.com/halcyon-oss/coroproxy/pkg/client"
	"github.com/halcyon-oss/coroproxy/pkg/pool"
)

// Algorithm selects the backend-pick strategy.
type Algorithm int

const (
	RoundRobin Algorithm = iota
	WeightedRoundRobin
	Random
)

// Config configures a Balancer's selection strategy and the pool.Config
// shared by every backend pool it creates.
type Config struct {
	Algorithm  Algorithm
	PoolConfig pool.Config
}

// NewClientFunc constructs a fresh, not-yet-connected client.Client bound
// to host.
type NewClientFunc func(host string) (*client.Client, error)

// Balancer holds one pool.Pool per backend host plus the selector state for
// the configured Algorithm.
type Balancer struct {
	cfg     Config
	pools   []*pool.Pool
	weights []int

	rrIndex atomic.Uint32

	wrrMu      sync.Mutex
	wrrCurrent int
	wrrWeight  int
	wrrGCD     int
	wrrMax     int
}

// Create builds a Balancer over hosts, one pool.Pool each, selected per
// cfg.Algorithm. weights is required (and must match len(hosts)) only for
// WeightedRoundRobin.
func Create(hosts []string, cfg Config, weights []int, newClient NewClientFunc) (*Balancer, error) {
	if len(hosts) == 0 {
		return nil, fmt.Errorf("balancer: host list is empty")
	}

	b := &Balancer{cfg: cfg}
	b.pools = make([]*pool.Pool, len(hosts))
	for i, host := range hosts {
		h := host
		b.pools[i] = pool.New(h, cfg.PoolConfig, func() (*client.Client, error) { return newClient(h) })
	}

	if cfg.Algorithm == WeightedRoundRobin {
		if len(weights) == 0 {
			return nil, fmt.Errorf("balancer: weight list is empty")
		}
		if len(weights) != len(hosts) {
			return nil, fmt.Errorf("balancer: hosts count (%d) does not match weights count (%d)", len(hosts), len(weights))
		}
		b.weights = weights
		b.wrrGCD = gcdAll(weights)
		b.wrrMax = maxInt(weights)
		b.wrrCurrent = -1
	}

	return b, nil
}

// Size returns the number of backend pools.
func (b *Balancer) Size() int { return len(b.pools) }

// SendRequest selects a backend pool per the configured algorithm and
// invokes op against one of its clients, retrying the selection (but not
// the request itself) up to 2*N times while skipping pools whose IsAlive
// is false, per §4.4's send contract. The acquired client is returned to
// its pool on success and discarded on error.
func (b *Balancer) SendRequest(ctx context.Context, op func(ctx context.Context, c *client.Client, host string) (*client.Response, error)) (*client.Response, error) {
	p, err := b.selectAlivePool()
	if err != nil {
		return nil, err
	}

	c, err := p.Get(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := op(ctx, c, p.HostName())
	if err != nil {
		p.Discard(c)
		return nil, err
	}
	p.Put(c)
	return resp, nil
}

func (b *Balancer) selectAlivePool() (*pool.Pool, error) {
	attempts := 2 * len(b.pools)
	for i := 0; i < attempts; i++ {
		p := b.pick()
		if p.IsAlive() {
			return p, nil
		}
	}
	return nil, fmt.Errorf("balancer: connection_refused: no alive backend among %d pools", len(b.pools))
}

func (b *Balancer) pick() *pool.Pool {
	switch b.cfg.Algorithm {
	case WeightedRoundRobin:
		return b.pickWRR()
	case Random:
		return b.pools[rand.IntN(len(b.pools))]
	default:
		i := b.rrIndex.Add(1) - 1
		return b.pools[int(i)%len(b.pools)]
	}
}

// pickWRR is the Go translation of load_blancer.hpp's
// select_host_with_weight_round_robin: Nginx-style smooth weighted
// round-robin over gcd(weights) and max(weights).
func (b *Balancer) pickWRR() *pool.Pool {
	b.wrrMu.Lock()
	defer b.wrrMu.Unlock()

	for {
		b.wrrCurrent = (b.wrrCurrent + 1) % len(b.weights)
		if b.wrrCurrent == 0 {
			b.wrrWeight -= b.wrrGCD
			if b.wrrWeight <= 0 {
				b.wrrWeight = b.wrrMax
				if b.wrrWeight == 0 {
					return b.pools[0]
				}
			}
		}
		if b.weights[b.wrrCurrent] >= b.wrrWeight {
			return b.pools[b.wrrCurrent]
		}
	}
}

func gcdAll(weights []int) int {
	res := weights[0]
	for _, w := range weights[1:] {
		res = gcd(max(res, w), min(res, w))
	}
	return res
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

func maxInt(weights []int) int {
	m := weights[0]
	for _, w := range weights[1:] {
		if w > m {
			m = w
		}
	}
	return m
}
