package reconnect

import (
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy bounds reconnection delays.
type Policy struct {
	BaseDelay   time.Duration `long:"base-delay" env:"BASE_DELAY" default:"1s" description:"Delay before the first reconnection attempt"`
	MaxDelay    time.Duration `long:"max-delay" env:"MAX_DELAY" default:"60s" description:"Upper bound on the reconnection delay"`
	MaxAttempts int           `long:"max-attempts" env:"MAX_ATTEMPTS" default:"10" description:"Consecutive failures before giving up"`
	Jitter      float64       `long:"jitter" env:"JITTER" default:"0.2" description:"Multiplicative jitter applied to each delay"`
}

// DefaultPolicy returns the default reconnection policy.
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:   time.Second,
		MaxDelay:    60 * time.Second,
		MaxAttempts: 10,
		Jitter:      0.2,
	}
}

// Validate checks the policy bounds.
func (p Policy) Validate() error {
	switch {
	case p.BaseDelay <= 0:
		return errors.New("base delay must be positive")
	case p.MaxDelay < p.BaseDelay:
		return errors.New("base delay must not exceed max delay")
	case p.MaxAttempts < 1:
		return errors.New("max attempts must be at least 1")
	case p.Jitter < 0 || p.Jitter >= 1:
		return errors.New("jitter must be in [0, 1)")
	}
	return nil
}

// Delay returns min(BaseDelay * 2^attempt, MaxDelay), without jitter.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := p.BaseDelay
	for i := 0; i < attempt; i++ {
		if d >= p.MaxDelay/2 {
			return p.MaxDelay
		}
		d *= 2
	}
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Backoff walks a Policy one attempt at a time. It implements
// backoff.BackOff so it can drive backoff.Retry as well as the reconnect
// loops.
type Backoff struct {
	policy Policy

	mu      sync.Mutex
	attempt int
	rnd     *rand.Rand
}

var _ backoff.BackOff = (*Backoff)(nil)

// NewBackoff creates a Backoff for policy. A zero seed uses the clock.
func NewBackoff(policy Policy, seed int64) *Backoff {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Backoff{policy: policy, rnd: rand.New(rand.NewSource(seed))}
}

// NextBackOff returns the jittered delay for the current attempt and advances
// the attempt counter. It returns backoff.Stop once MaxAttempts is used up.
func (b *Backoff) NextBackOff() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.attempt >= b.policy.MaxAttempts {
		return backoff.Stop
	}
	d := b.policy.Delay(b.attempt)
	b.attempt++

	if j := b.policy.Jitter; j > 0 {
		factor := 1 - j + 2*j*b.rnd.Float64()
		d = time.Duration(float64(d) * factor)
	}
	return d
}

// Reset returns to the base delay.
func (b *Backoff) Reset() {
	b.mu.Lock()
	b.attempt = 0
	b.mu.Unlock()
}

// Attempt returns the number of delays handed out since the last reset.
func (b *Backoff) Attempt() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempt
}

// Exhausted reports whether MaxAttempts has been used up.
func (b *Backoff) Exhausted() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempt >= b.policy.MaxAttempts
}
