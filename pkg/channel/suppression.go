package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/carebridge/dispatch/pkg/notification"
)

// ErrSuppressed marks an address that was dropped after a permanent failure.
var ErrSuppressed = errors.New("channel: address suppressed")

// addressSet is the storage behind Suppressions.
type addressSet interface {
	add(ctx context.Context, ch notification.Channel, address string) error
	has(ctx context.Context, ch notification.Channel, address string) (bool, error)
}

// Suppressions records addresses that must not be contacted again: dead
// device tokens, phone numbers that opted out and inactive email
// recipients. It implements the cleanup hooks of Push, SMS and Email, and
// Filter hides suppressed addresses from a Directory.
type Suppressions struct {
	set addressSet
}

// NewMemorySuppressions keeps suppressions in process memory.
func NewMemorySuppressions() *Suppressions {
	return &Suppressions{set: &memorySet{m: make(map[notification.Channel]map[string]struct{})}}
}

// NewRedisSuppressions keeps suppressions in one Redis set per channel,
// shared by every dispatcher instance.
func NewRedisSuppressions(client redis.UniversalClient, prefix string) *Suppressions {
	if prefix == "" {
		prefix = "dispatch"
	}
	return &Suppressions{set: &redisSet{client: client, prefix: prefix}}
}

func (s *Suppressions) InvalidateToken(ctx context.Context, _ string, token string) error {
	return s.set.add(ctx, notification.ChannelPush, token)
}

func (s *Suppressions) RecordOptOut(ctx context.Context, _ string, phone string) error {
	return s.set.add(ctx, notification.ChannelSMS, phone)
}

func (s *Suppressions) Suppress(ctx context.Context, _ string, address string) error {
	return s.set.add(ctx, notification.ChannelEmail, address)
}

// Contains reports whether address is suppressed on ch.
func (s *Suppressions) Contains(ctx context.Context, ch notification.Channel, address string) (bool, error) {
	return s.set.has(ctx, ch, address)
}

// Filter wraps dir so that suppressed addresses resolve to ErrNoAddress.
func (s *Suppressions) Filter(dir Directory) Directory {
	return &suppressedDirectory{next: dir, s: s}
}

type suppressedDirectory struct {
	next Directory
	s    *Suppressions
}

func (d *suppressedDirectory) Lookup(ctx context.Context, n *notification.Notification, ch notification.Channel) (string, error) {
	addr, err := d.next.Lookup(ctx, n, ch)
	if err != nil {
		return "", err
	}
	blocked, err := d.s.Contains(ctx, ch, addr)
	if err != nil {
		return "", fmt.Errorf("check suppression: %w", err)
	}
	if blocked {
		return "", errors.Join(ErrNoAddress, fmt.Errorf("%w: %s on %s", ErrSuppressed, n.RecipientID, ch))
	}
	return addr, nil
}

type memorySet struct {
	mu sync.RWMutex
	m  map[notification.Channel]map[string]struct{}
}

func (s *memorySet) add(_ context.Context, ch notification.Channel, address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.m[ch] == nil {
		s.m[ch] = make(map[string]struct{})
	}
	s.m[ch][address] = struct{}{}
	return nil
}

func (s *memorySet) has(_ context.Context, ch notification.Channel, address string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.m[ch][address]
	return ok, nil
}

type redisSet struct {
	client redis.UniversalClient
	prefix string
}

func (s *redisSet) key(ch notification.Channel) string {
	return s.prefix + ":suppressed:" + string(ch)
}

func (s *redisSet) add(ctx context.Context, ch notification.Channel, address string) error {
	if err := s.client.SAdd(ctx, s.key(ch), address).Err(); err != nil {
		return fmt.Errorf("suppress %s address: %w", ch, err)
	}
	return nil
}

func (s *redisSet) has(ctx context.Context, ch notification.Channel, address string) (bool, error) {
	ok, err := s.client.SIsMember(ctx, s.key(ch), address).Result()
	if err != nil {
		return false, fmt.Errorf("lookup suppressed %s address: %w", ch, err)
	}
	return ok, nil
}
