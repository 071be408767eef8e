// Package ratelimit keeps one token bucket per client IP for messages sent by
// broadcast subscribers.
package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config holds rate limit settings.
type Config struct {
	Requests    int           `long:"rate-requests" env:"RATE_REQUESTS" default:"100" description:"Client messages allowed per period, per IP"`
	Period      time.Duration `long:"rate-period" env:"RATE_PERIOD" default:"60s" description:"Refill period of the per-IP quota"`
	AbuseFactor int           `long:"rate-abuse-factor" env:"RATE_ABUSE_FACTOR" default:"10" description:"Rejected messages, as a multiple of the quota, within AbuseWindow that close the connection"`
	AbuseWindow time.Duration `long:"rate-abuse-window" env:"RATE_ABUSE_WINDOW" default:"1m" description:"Window over which rejected messages are counted"`
	IdleTTL     time.Duration `long:"rate-idle-ttl" env:"RATE_IDLE_TTL" default:"10m" description:"Idle buckets older than this are evicted"`
}

// DefaultConfig returns default limits.
func DefaultConfig() Config {
	return Config{
		Requests:    100,
		Period:      60 * time.Second,
		AbuseFactor: 10,
		AbuseWindow: time.Minute,
		IdleTTL:     10 * time.Minute,
	}
}

// Validate checks the quota.
func (c Config) Validate() error {
	switch {
	case c.Requests < 1:
		return errors.New("rate limit quota must be at least 1")
	case c.Period <= 0:
		return errors.New("rate limit period must be positive")
	case c.AbuseFactor < 1:
		return errors.New("abuse factor must be at least 1")
	case c.AbuseWindow <= 0:
		return errors.New("abuse window must be positive")
	}
	return nil
}

// AbuseThreshold returns the rejected-message count that marks abuse.
func (c Config) AbuseThreshold() int {
	return c.AbuseFactor * c.Requests
}

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
	Abusive    bool
}

type bucket struct {
	limiter     *rate.Limiter
	lastSeen    time.Time
	windowStart time.Time
	violations  int
}

// Limiter is a set of per-IP token buckets, refilled continuously. It is safe
// for concurrent use; connections from the same IP share a bucket.
type Limiter struct {
	cfg   Config
	every rate.Limit

	mu      sync.Mutex
	buckets map[string]*bucket
}

// New creates a Limiter.
func New(cfg Config) *Limiter {
	return &Limiter{
		cfg:     cfg,
		every:   rate.Limit(float64(cfg.Requests) / cfg.Period.Seconds()),
		buckets: make(map[string]*bucket),
	}
}

// Allow takes one token for ip at now.
func (l *Limiter) Allow(ip string, now time.Time) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[ip]
	if !ok {
		b = &bucket{
			limiter:     rate.NewLimiter(l.every, l.cfg.Requests),
			windowStart: now,
		}
		l.buckets[ip] = b
	}
	b.lastSeen = now

	if b.limiter.AllowN(now, 1) {
		return Decision{Allowed: true}
	}

	r := b.limiter.ReserveN(now, 1)
	retry := r.DelayFrom(now)
	r.CancelAt(now)

	if now.Sub(b.windowStart) >= l.cfg.AbuseWindow {
		b.windowStart = now
		b.violations = 0
	}
	b.violations++

	return Decision{
		RetryAfter: retry,
		Abusive:    b.violations >= l.cfg.AbuseThreshold(),
	}
}

// Sweep evicts buckets idle for longer than IdleTTL and returns how many were
// removed.
func (l *Limiter) Sweep(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for ip, b := range l.buckets {
		if now.Sub(b.lastSeen) > l.cfg.IdleTTL {
			delete(l.buckets, ip)
			removed++
		}
	}
	return removed
}

// Run sweeps idle buckets until ctx is cancelled.
func (l *Limiter) Run(ctx context.Context) {
	interval := l.cfg.IdleTTL / 2
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			l.Sweep(now)
		}
	}
}

// Len returns the number of tracked IPs.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
