package inbox

import (
	"context"
	"maps"
	"slices"
	"sync"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	items map[string][]Item // userID -> items
	byNtf map[string]Item   // notificationID -> item
	opts  storeOptions
	mu    sync.RWMutex
}

func NewMemoryStore(opts ...StoreOption) *MemoryStore {
	o := defaultStoreOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &MemoryStore{
		items: make(map[string][]Item),
		byNtf: make(map[string]Item),
		opts:  o,
	}
}

func (s *MemoryStore) Create(ctx context.Context, item Item) (Item, error) {
	if err := validateItem(item); err != nil {
		return Item{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.byNtf[item.NotificationID]; ok {
		return copyItem(existing), nil
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = s.opts.now()
	}
	item = copyItem(item)
	s.items[item.UserID] = append(s.items[item.UserID], item)
	s.byNtf[item.NotificationID] = item
	return copyItem(item), nil
}

func (s *MemoryStore) Get(ctx context.Context, userID, itemID string) (*Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, it := range s.items[userID] {
		if it.ID == itemID {
			c := copyItem(it)
			return &c, nil
		}
	}
	return nil, ErrItemNotFound
}

func (s *MemoryStore) List(ctx context.Context, userID string, opts ListOptions) ([]Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var filtered []Item
	for _, it := range s.items[userID] {
		if opts.OnlyUnread && it.Read {
			continue
		}
		if len(opts.Types) > 0 && !slices.Contains(opts.Types, it.Type) {
			continue
		}
		if opts.Since != nil && it.CreatedAt.Before(*opts.Since) {
			continue
		}
		filtered = append(filtered, copyItem(it))
	}

	slices.SortStableFunc(filtered, func(a, b Item) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		switch {
		case a.ID > b.ID:
			return -1
		case a.ID < b.ID:
			return 1
		}
		return 0
	})

	start := min(opts.Offset, len(filtered))
	end := len(filtered)
	if opts.Limit > 0 {
		end = min(start+opts.Limit, end)
	}
	return filtered[start:end], nil
}

func (s *MemoryStore) MarkRead(ctx context.Context, userID string, itemIDs ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	items := s.items[userID]
	now := s.opts.now()
	for i := range items {
		if items[i].Read || !slices.Contains(itemIDs, items[i].ID) {
			continue
		}
		items[i].Read = true
		at := now
		items[i].ReadAt = &at
		s.byNtf[items[i].NotificationID] = items[i]
	}
	return nil
}

func (s *MemoryStore) CountUnread(ctx context.Context, userID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, it := range s.items[userID] {
		if !it.Read {
			count++
		}
	}
	return count, nil
}

func copyItem(it Item) Item {
	it.Data = maps.Clone(it.Data)
	if it.ReadAt != nil {
		t := *it.ReadAt
		it.ReadAt = &t
	}
	return it
}
