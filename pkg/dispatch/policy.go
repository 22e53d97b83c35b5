package dispatch

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/carebridge/dispatch/pkg/config"
	"github.com/carebridge/dispatch/pkg/notification"
)

// Policy is the retry and concurrency configuration of one channel.
type Policy struct {
	MaxAttempts int           `env:"MAX_ATTEMPTS"`
	BaseDelay   time.Duration `env:"BASE_DELAY"`
	MaxDelay    time.Duration `env:"MAX_DELAY"`
	SendTimeout time.Duration `env:"SEND_TIMEOUT"`
	Workers     int           `env:"WORKERS"`
}

// Policies holds the policy of every channel.
type Policies map[notification.Channel]Policy

// DefaultPolicies returns the built-in per-channel policies.
func DefaultPolicies() Policies {
	return Policies{
		notification.ChannelPush: {
			MaxAttempts: 2,
			BaseDelay:   30 * time.Second,
			MaxDelay:    10 * time.Minute,
			SendTimeout: 10 * time.Second,
			Workers:     8,
		},
		notification.ChannelSMS: {
			MaxAttempts: 3,
			BaseDelay:   30 * time.Second,
			MaxDelay:    15 * time.Minute,
			SendTimeout: 15 * time.Second,
			Workers:     4,
		},
		notification.ChannelEmail: {
			MaxAttempts: 3,
			BaseDelay:   time.Minute,
			MaxDelay:    30 * time.Minute,
			SendTimeout: 20 * time.Second,
			Workers:     4,
		},
		notification.ChannelInApp: {
			MaxAttempts: 1,
			BaseDelay:   time.Second,
			MaxDelay:    time.Second,
			SendTimeout: 2 * time.Second,
			Workers:     4,
		},
	}
}

// LoadPolicies starts from DefaultPolicies and overrides fields from
// environment variables named DISPATCH_<CHANNEL>_<FIELD>, for example
// DISPATCH_EMAIL_MAX_ATTEMPTS or DISPATCH_PUSH_BASE_DELAY.
func LoadPolicies() (Policies, error) {
	ps := DefaultPolicies()
	for ch, p := range ps {
		prefix := "DISPATCH_" + strings.ToUpper(string(ch)) + "_"
		if err := config.LoadPrefixed(prefix, &p); err != nil {
			return nil, fmt.Errorf("dispatch: load %s policy: %w", ch, err)
		}
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("%s: %w", ch, err)
		}
		ps[ch] = p
	}
	return ps, nil
}

// For returns the policy of ch, falling back to the default one.
func (ps Policies) For(ch notification.Channel) Policy {
	if p, ok := ps[ch]; ok {
		return p
	}
	return DefaultPolicies()[ch]
}

// MaxAttempts returns the attempt budget of ch.
func (ps Policies) MaxAttempts(ch notification.Channel) int {
	return max(ps.For(ch).MaxAttempts, 1)
}

func (p Policy) Validate() error {
	switch {
	case p.MaxAttempts < 1:
		return fmt.Errorf("%w: max attempts must be at least 1", ErrInvalidPolicy)
	case p.Workers < 1:
		return fmt.Errorf("%w: workers must be at least 1", ErrInvalidPolicy)
	case p.SendTimeout <= 0:
		return fmt.Errorf("%w: send timeout must be positive", ErrInvalidPolicy)
	case p.BaseDelay < 0 || p.MaxDelay < p.BaseDelay:
		return fmt.Errorf("%w: need 0 <= base delay <= max delay", ErrInvalidPolicy)
	}
	return nil
}

// Backoff is the delay before the attempt that follows a transient failure
// of attempt: min(base*2^(attempt-1), max), where base is scaled by
// priority (urgent x1/4, high x1/2, normal x1, low x2) and the result is
// still capped by MaxDelay.
func (p Policy) Backoff(attempt int, prio notification.Priority) time.Duration {
	base := scaleByPriority(p.BaseDelay, prio)
	if base <= 0 {
		return 0
	}
	capped := p.MaxDelay
	if capped <= 0 {
		capped = math.MaxInt64
	}

	d := base
	for i := 1; i < attempt; i++ {
		if d >= capped/2 {
			return capped
		}
		d *= 2
	}
	return min(d, capped)
}

func scaleByPriority(d time.Duration, prio notification.Priority) time.Duration {
	switch prio {
	case notification.PriorityUrgent:
		return d / 4
	case notification.PriorityHigh:
		return d / 2
	case notification.PriorityLow:
		return d * 2
	default:
		return d
	}
}
