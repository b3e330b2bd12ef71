// Package backoff provides the reconnect policy used by the shadow
// transport: exponential growth from a base delay up to a cap, with
// optional jitter, reset once a connection has stayed up long enough.
package backoff

import (
	"math/rand"
	"sync"
	"time"
)

const (
	DefaultBase        = 1 * time.Second
	DefaultMax         = 32 * time.Second
	DefaultStableAfter = 20 * time.Second
	DefaultJitter      = 0.2
)

type Config struct {
	Base        time.Duration
	Max         time.Duration
	StableAfter time.Duration
	// Jitter is the fraction of the delay added at random, in [0, 1].
	Jitter float64
}

func DefaultConfig() Config {
	return Config{
		Base:        DefaultBase,
		Max:         DefaultMax,
		StableAfter: DefaultStableAfter,
		Jitter:      DefaultJitter,
	}
}

type Policy struct {
	cfg         Config
	mu          sync.Mutex
	attempt     int
	connectedAt time.Time
	rand        func() float64
}

func New(cfg Config) *Policy {
	if cfg.Base <= 0 {
		cfg.Base = DefaultBase
	}
	if cfg.Max < cfg.Base {
		cfg.Max = cfg.Base
	}
	if cfg.Jitter < 0 {
		cfg.Jitter = 0
	}
	if cfg.Jitter > 1 {
		cfg.Jitter = 1
	}

	return &Policy{cfg: cfg, rand: rand.Float64}
}

// WithRand replaces the jitter source; used by tests.
func (p *Policy) WithRand(r func() float64) *Policy {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rand = r
	return p
}

// Next returns the delay before the next attempt and advances the policy.
func (p *Policy) Next() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()

	delay := p.cfg.Base
	for i := 0; i < p.attempt && delay < p.cfg.Max; i++ {
		delay *= 2
	}
	if delay > p.cfg.Max {
		delay = p.cfg.Max
	}
	p.attempt++

	if p.cfg.Jitter > 0 {
		delay += time.Duration(float64(delay) * p.cfg.Jitter * p.rand())
		if delay > p.cfg.Max {
			delay = p.cfg.Max
		}
	}

	return delay
}

// Attempts returns how many delays were handed out since the last reset.
func (p *Policy) Attempts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempt
}

// Connected records the start of a connection.
func (p *Policy) Connected(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connectedAt = now
}

// Disconnected resets the policy if the connection that just ended lasted
// at least StableAfter.
func (p *Policy) Disconnected(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.connectedAt.IsZero() && now.Sub(p.connectedAt) >= p.cfg.StableAfter {
		p.attempt = 0
	}
	p.connectedAt = time.Time{}
}

func (p *Policy) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attempt = 0
}
