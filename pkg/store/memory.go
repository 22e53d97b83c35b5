package store

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/carebridge/dispatch/pkg/notification"
)

// Memory is a mutex-guarded Store. Records are copied in and out so callers
// never share state with the store.
type Memory struct {
	mu   sync.RWMutex
	data map[string]*notification.Notification
	opts options
}

func NewMemory(opts ...Option) *Memory {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Memory{data: make(map[string]*notification.Notification), opts: o}
}

func (m *Memory) Create(ctx context.Context, n *notification.Notification) error {
	if n == nil || n.ID == "" {
		return fmt.Errorf("%w: notification without id", notification.ErrValidation)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.data[n.ID]; exists {
		return fmt.Errorf("%w: notification %s already exists", notification.ErrConflict, n.ID)
	}
	m.data[n.ID] = n.Clone()
	return nil
}

func (m *Memory) Get(ctx context.Context, id string) (*notification.Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n, ok := m.data[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", notification.ErrNotFound, id)
	}
	return n.Clone(), nil
}

func (m *Memory) Update(ctx context.Context, id string, fn Mutation) (*notification.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.data[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", notification.ErrNotFound, id)
	}

	next, err := apply(cur, fn, m.opts.now())
	if err != nil {
		if errors.Is(err, ErrNoChange) {
			return cur.Clone(), err
		}
		return nil, err
	}
	m.data[id] = next
	return next.Clone(), nil
}

func (m *Memory) UpdateDelivery(ctx context.Context, id string, ch notification.Channel, fn DeliveryMutation) (*notification.Notification, error) {
	return m.Update(ctx, id, forChannel(ch, fn))
}

func (m *Memory) List(ctx context.Context, f notification.Filter, limit int) ([]*notification.Notification, error) {
	m.mu.RLock()
	out := make([]*notification.Notification, 0)
	for _, n := range m.data {
		if f.Match(n) {
			out = append(out, n.Clone())
		}
	}
	m.mu.RUnlock()

	slices.SortFunc(out, func(a, b *notification.Notification) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	if limit = clampLimit(limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) Ping(context.Context) error { return nil }
