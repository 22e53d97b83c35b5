package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrThrottled is returned when a send could not get a provider slot
// before its deadline.
var ErrThrottled = errors.New("channel: provider send rate exceeded")

// ThrottleConfig is a token bucket: up to Capacity sends in a burst, then
// Refill sends per Interval. A zero Capacity disables throttling.
type ThrottleConfig struct {
	Capacity int           `env:"CAPACITY" envDefault:"0"`
	Refill   int           `env:"REFILL" envDefault:"10"`
	Interval time.Duration `env:"INTERVAL" envDefault:"1s"`
}

// Enabled reports whether cfg limits anything.
func (c ThrottleConfig) Enabled() bool { return c.Capacity > 0 }

func (c ThrottleConfig) validate() error {
	if c.Capacity <= 0 || c.Refill <= 0 || c.Interval <= 0 {
		return fmt.Errorf("%w: throttle needs positive capacity, refill and interval", ErrInvalidConfig)
	}
	return nil
}

// tokenBuckets takes n tokens from key, going into debt if needed, and
// returns the balance after the take plus the instant of the last refill.
// A negative n gives tokens back.
type tokenBuckets interface {
	take(ctx context.Context, key string, n int, cfg ThrottleConfig, now time.Time) (balance int, refilled time.Time, err error)
}

// Limiter hands out provider send slots. Every caller reserves a slot up
// front, so waiters are served in arrival order.
type Limiter struct {
	buckets tokenBuckets
	cfg     ThrottleConfig
	now     func() time.Time
}

// NewMemoryLimiter keeps buckets in process memory.
func NewMemoryLimiter(cfg ThrottleConfig) (*Limiter, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Limiter{buckets: &memoryBuckets{m: make(map[string]*bucket)}, cfg: cfg, now: time.Now}, nil
}

// NewRedisLimiter keeps buckets in Redis so that every dispatcher instance
// shares one provider quota.
func NewRedisLimiter(client redis.UniversalClient, prefix string, cfg ThrottleConfig) (*Limiter, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if prefix == "" {
		prefix = "dispatch"
	}
	return &Limiter{buckets: &redisBuckets{client: client, prefix: prefix}, cfg: cfg, now: time.Now}, nil
}

// Wait reserves a slot for key and blocks until it is due. When the slot
// is not due before ctx's deadline the reservation is returned and Wait
// fails with ErrThrottled without sleeping.
func (l *Limiter) Wait(ctx context.Context, key string) error {
	_, err := l.wait(ctx, key)
	return err
}

// wait is Wait that also reports when the refused slot would have been due.
func (l *Limiter) wait(ctx context.Context, key string) (time.Time, error) {
	now := l.now()
	balance, refilled, err := l.buckets.take(ctx, key, 1, l.cfg, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("reserve send slot: %w", err)
	}
	if balance >= 0 {
		return time.Time{}, nil
	}

	steps := (-balance + l.cfg.Refill - 1) / l.cfg.Refill
	due := refilled.Add(time.Duration(steps) * l.cfg.Interval)
	wait := due.Sub(now)

	if deadline, ok := ctx.Deadline(); ok && deadline.Before(due) {
		_, _, _ = l.buckets.take(context.WithoutCancel(ctx), key, -1, l.cfg, now)
		return due, fmt.Errorf("%w: %s, next slot in %s", ErrThrottled, key, wait)
	}

	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-t.C:
		return time.Time{}, nil
	case <-ctx.Done():
		_, _, _ = l.buckets.take(context.WithoutCancel(ctx), key, -1, l.cfg, l.now())
		return due, errors.Join(ErrThrottled, ctx.Err())
	}
}

// Throttle makes s wait for a slot of l before every send. A send that
// cannot get a slot within its timeout is deferred to the slot's due time
// and the provider is not called.
func Throttle(s Sender, l *Limiter) Sender {
	return &throttled{Sender: s, limiter: l}
}

type throttled struct {
	Sender
	limiter *Limiter
}

func (t *throttled) Send(ctx context.Context, msg Message) Result {
	due, err := t.limiter.wait(ctx, string(t.Channel()))
	switch {
	case errors.Is(err, ErrThrottled):
		return Deferred(err, due)
	case err != nil:
		return Transient(err)
	}
	return t.Sender.Send(ctx, msg)
}

func (t *throttled) Cleanup(ctx context.Context, msg Message, res Result) error {
	if c, ok := t.Sender.(Cleaner); ok {
		return c.Cleanup(ctx, msg, res)
	}
	return nil
}

type bucket struct {
	tokens   int
	refilled time.Time
}

type memoryBuckets struct {
	mu sync.Mutex
	m  map[string]*bucket
}

func (mb *memoryBuckets) take(_ context.Context, key string, n int, cfg ThrottleConfig, now time.Time) (int, time.Time, error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	b, ok := mb.m[key]
	if !ok {
		b = &bucket{tokens: cfg.Capacity, refilled: now}
		mb.m[key] = b
	}

	if steps := int(now.Sub(b.refilled) / cfg.Interval); steps > 0 {
		// Enough steps to fill the bucket restart the refill clock.
		if full := (cfg.Capacity-b.tokens)/cfg.Refill + 1; steps >= full {
			b.tokens = cfg.Capacity
			b.refilled = now
		} else {
			b.tokens += steps * cfg.Refill
			b.refilled = b.refilled.Add(time.Duration(steps) * cfg.Interval)
		}
	}

	b.tokens = min(b.tokens-n, cfg.Capacity)
	return b.tokens, b.refilled, nil
}

// takeScript mirrors memoryBuckets.take atomically inside Redis.
var takeScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2])
local interval = tonumber(ARGV[3])
local now = tonumber(ARGV[4])
local n = tonumber(ARGV[5])

local state = redis.call('HMGET', KEYS[1], 'tokens', 'refilled')
local tokens = tonumber(state[1])
local refilled = tonumber(state[2])
if tokens == nil then
  tokens = capacity
  refilled = now
end

local steps = math.floor((now - refilled) / interval)
if steps > 0 then
  local full = math.floor((capacity - tokens) / refill) + 1
  if steps >= full then
    tokens = capacity
    refilled = now
  else
    tokens = tokens + steps * refill
    refilled = refilled + steps * interval
  end
end

tokens = math.min(tokens - n, capacity)
redis.call('HSET', KEYS[1], 'tokens', tokens, 'refilled', refilled)
redis.call('PEXPIRE', KEYS[1], interval * (math.ceil(capacity / refill) + 2))
return {tokens, refilled}
`)

type redisBuckets struct {
	client redis.UniversalClient
	prefix string
}

func (rb *redisBuckets) take(ctx context.Context, key string, n int, cfg ThrottleConfig, now time.Time) (int, time.Time, error) {
	res, err := takeScript.Run(ctx, rb.client, []string{rb.prefix + ":throttle:" + key},
		cfg.Capacity, cfg.Refill, cfg.Interval.Milliseconds(), now.UnixMilli(), n,
	).Int64Slice()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("take %s tokens: %w", key, err)
	}
	if len(res) != 2 {
		return 0, time.Time{}, fmt.Errorf("take %s tokens: unexpected reply of %d values", key, len(res))
	}
	return int(res[0]), time.UnixMilli(res[1]), nil
}
