package inbox

import (
	"context"
	"sync"
)

// Hub fans freshly created items out to live subscribers of the same user,
// for example an SSE or websocket handler. Sends never block: a subscriber
// whose buffer is full is dropped and has to resubscribe and catch up from
// the Store.
type Hub struct {
	subs       map[string]map[*subscriber]struct{} // userID -> subscribers
	bufferSize int
	closed     bool
	mu         sync.RWMutex
	cleanupWg  sync.WaitGroup
}

type subscriber struct {
	userID string
	ch     chan Item
	closed bool
	mu     sync.Mutex
}

// NewHub creates a hub. bufferSize is the per-subscriber channel buffer,
// at least 1.
func NewHub(bufferSize int) *Hub {
	return &Hub{
		subs:       make(map[string]map[*subscriber]struct{}),
		bufferSize: max(bufferSize, 1),
	}
}

// Subscribe returns a channel receiving the user's new items. The channel
// is closed when ctx is done, when the subscriber falls behind, or when the
// hub is closed.
func (h *Hub) Subscribe(ctx context.Context, userID string) <-chan Item {
	h.mu.Lock()
	defer h.mu.Unlock()

	sub := &subscriber{userID: userID, ch: make(chan Item, h.bufferSize)}
	if h.closed {
		sub.close()
		return sub.ch
	}

	if h.subs[userID] == nil {
		h.subs[userID] = make(map[*subscriber]struct{})
	}
	h.subs[userID][sub] = struct{}{}

	if ctx.Done() != nil {
		h.cleanupWg.Add(1)
		go func() {
			defer h.cleanupWg.Done()
			<-ctx.Done()
			h.unsubscribe(sub)
		}()
	}
	return sub.ch
}

// Publish delivers item to every live subscriber of item.UserID and
// returns how many received it.
func (h *Hub) Publish(ctx context.Context, item Item) (int, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.closed {
		return 0, ErrHubClosed
	}

	delivered := 0
	for sub := range h.subs[item.UserID] {
		if sub.send(copyItem(item)) {
			delivered++
			continue
		}
		go h.unsubscribe(sub)
	}
	return delivered, nil
}

// Subscribers returns the number of live subscribers of a user.
func (h *Hub) Subscribers(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[userID])
}

// Close closes every subscriber. Subsequent Publish calls fail with
// ErrHubClosed.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	for _, set := range h.subs {
		for sub := range set {
			sub.close()
		}
	}
	clear(h.subs)
	h.mu.Unlock()

	h.cleanupWg.Wait()
	return nil
}

func (h *Hub) unsubscribe(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if set, ok := h.subs[sub.userID]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(h.subs, sub.userID)
		}
	}
	sub.close()
}

func (s *subscriber) send(item Item) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	select {
	case s.ch <- item:
		return true
	default:
		return false
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		close(s.ch)
		s.closed = true
	}
}
