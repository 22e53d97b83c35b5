package channel

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// BreakerState is the state of a provider circuit breaker.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Breaker stops calling a provider after consecutive transient failures
// and lets a trial send through once the recovery timeout has passed. Only
// transient failures count: a permanent failure says something about the
// recipient, not the provider. Safe for concurrent use.
type Breaker struct {
	mu sync.Mutex

	failureThreshold int
	successThreshold int
	recoveryTimeout  time.Duration
	now              func() time.Time

	state        BreakerState
	failures     int
	successCount int
	openedAt     time.Time
}

// BreakerConfig configures a Breaker. Zero values fall back to 5 failures,
// 2 trial successes and 30 seconds.
type BreakerConfig struct {
	FailureThreshold int           `env:"FAILURE_THRESHOLD" envDefault:"5"`
	SuccessThreshold int           `env:"SUCCESS_THRESHOLD" envDefault:"2"`
	RecoveryTimeout  time.Duration `env:"RECOVERY_TIMEOUT" envDefault:"30s"`
}

func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 30 * time.Second
	}
	return &Breaker{
		failureThreshold: cfg.FailureThreshold,
		successThreshold: cfg.SuccessThreshold,
		recoveryTimeout:  cfg.RecoveryTimeout,
		now:              time.Now,
	}
}

// WithClock replaces the breaker clock. It returns b for chaining.
func (b *Breaker) WithClock(now func() time.Time) *Breaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	if now != nil {
		b.now = now
	}
	return b
}

// Allow reports whether a call may go through.
func (b *Breaker) Allow() bool {
	ok, _ := b.allow()
	return ok
}

// allow also returns when an open breaker lets calls through again.
func (b *Breaker) allow() (bool, time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != BreakerOpen {
		return true, time.Time{}
	}
	reopen := b.openedAt.Add(b.recoveryTimeout)
	if !b.now().Before(reopen) {
		b.state = BreakerHalfOpen
		b.successCount = 0
		return true, time.Time{}
	}
	return false, reopen
}

// Record feeds the outcome of a call into the breaker.
func (b *Breaker) Record(res Result) {
	if res.Classification == ClassDeferred {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if res.Classification != ClassTransient {
		switch b.state {
		case BreakerClosed:
			b.failures = 0
		case BreakerHalfOpen:
			b.successCount++
			if b.successCount >= b.successThreshold {
				b.state = BreakerClosed
				b.failures = 0
				b.successCount = 0
			}
		}
		return
	}

	switch b.state {
	case BreakerClosed:
		b.failures++
		if b.failures >= b.failureThreshold {
			b.state = BreakerOpen
			b.openedAt = b.now()
		}
	case BreakerHalfOpen:
		b.state = BreakerOpen
		b.openedAt = b.now()
		b.successCount = 0
	}
}

// State returns the current state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerOpen && b.now().Sub(b.openedAt) >= b.recoveryTimeout {
		return BreakerHalfOpen
	}
	return b.state
}

// Protect guards s with b. While the breaker is open the provider is not
// called and sends are deferred until the breaker lets calls through again.
func Protect(s Sender, b *Breaker) Sender {
	return &guarded{Sender: s, breaker: b}
}

type guarded struct {
	Sender
	breaker *Breaker
}

func (g *guarded) Send(ctx context.Context, msg Message) Result {
	if ok, reopen := g.breaker.allow(); !ok {
		return Deferred(fmt.Errorf("%w: %s", ErrCircuitOpen, g.Channel()), reopen)
	}
	res := g.Sender.Send(ctx, msg)
	g.breaker.Record(res)
	return res
}

func (g *guarded) Cleanup(ctx context.Context, msg Message, res Result) error {
	if c, ok := g.Sender.(Cleaner); ok {
		return c.Cleanup(ctx, msg, res)
	}
	return nil
}
