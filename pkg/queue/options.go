package queue

import "time"

// MemoryOption configures a Memory queue.
type MemoryOption func(*Memory)

// WithMemoryClock overrides the time source. Tests use it to move across
// NotBefore and visibility deadlines without sleeping.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(m *Memory) {
		if now != nil {
			m.now = now
		}
	}
}

// RedisOption configures a Redis queue.
type RedisOption func(*Redis)

// WithRedisPrefix sets the key prefix. Defaults to "dispatch".
func WithRedisPrefix(prefix string) RedisOption {
	return func(r *Redis) {
		if prefix != "" {
			r.prefix = prefix
		}
	}
}

// WithRedisClock overrides the time source used for visibility scores.
func WithRedisClock(now func() time.Time) RedisOption {
	return func(r *Redis) {
		if now != nil {
			r.now = now
		}
	}
}

// WithRedisPromoteBatch caps how many due delayed jobs one claim moves into the ready set.
func WithRedisPromoteBatch(n int) RedisOption {
	return func(r *Redis) {
		if n > 0 {
			r.promoteBatch = n
		}
	}
}
