package config

import (
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

var (
	cacheMu sync.Mutex
	cache   = make(map[reflect.Type]any)

	dotenvOnce sync.Once
)

// loadDotenv reads .env from the working directory once. A missing file is fine.
func loadDotenv() {
	dotenvOnce.Do(func() {
		_ = godotenv.Load()
	})
}

// Load parses environment variables into v using `env` struct tags.
// Each configuration type is parsed once per process; later calls copy the
// cached value.
//
//	type QueueConfig struct {
//		Driver string        `env:"QUEUE_DRIVER" envDefault:"redis"`
//		Poll   time.Duration `env:"QUEUE_POLL_INTERVAL" envDefault:"250ms"`
//	}
//
//	var cfg QueueConfig
//	if err := config.Load(&cfg); err != nil { ... }
func Load[T any](v *T) error {
	if v == nil {
		return ErrNilPointer
	}
	loadDotenv()

	key := reflect.TypeFor[T]()

	cacheMu.Lock()
	defer cacheMu.Unlock()

	if cached, ok := cache[key]; ok {
		*v = cached.(T)
		return nil
	}
	if err := env.Parse(v); err != nil {
		return errors.Join(ErrParsingConfig, err)
	}
	cache[key] = *v
	return nil
}

// LoadPrefixed parses environment variables whose names start with prefix
// into v. Results are not cached because the same type is typically loaded
// under several prefixes, one per delivery channel:
//
//	push := dispatch.DefaultPolicies()[notification.ChannelPush]
//	config.LoadPrefixed("DISPATCH_PUSH_", &push) // reads DISPATCH_PUSH_MAX_ATTEMPTS, ...
func LoadPrefixed[T any](prefix string, v *T) error {
	if v == nil {
		return ErrNilPointer
	}
	loadDotenv()

	if err := env.ParseWithOptions(v, env.Options{Prefix: prefix}); err != nil {
		return errors.Join(ErrParsingConfig, fmt.Errorf("prefix %q: %w", prefix, err))
	}
	return nil
}

// MustLoad works like Load but panics if configuration loading fails.
func MustLoad[T any](v *T) {
	if err := Load(v); err != nil {
		panic(fmt.Sprintf("failed to load required configuration: %v", err))
	}
}

// Reset drops every cached configuration. Intended for tests.
func Reset() {
	cacheMu.Lock()
	defer cacheMu.Unlock()
	clear(cache)
}
