package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/carebridge/dispatch/pkg/channel"
	"github.com/carebridge/dispatch/pkg/notification"
	"github.com/carebridge/dispatch/pkg/queue"
	"github.com/carebridge/dispatch/pkg/store"
)

// Engine runs one Pool per registered channel over a shared queue and store.
type Engine struct {
	queue queue.Queue
	pools map[notification.Channel]*Pool
	order []notification.Channel
}

// NewEngine builds a pool for every sender in senders, using the policy of
// its channel.
func NewEngine(
	q queue.Queue,
	st store.Store,
	senders channel.Registry,
	resolver ContentResolver,
	directory channel.Directory,
	policies Policies,
	opts ...Option,
) (*Engine, error) {
	if len(senders) == 0 {
		return nil, fmt.Errorf("%w: no senders registered", ErrMissingDependency)
	}

	e := &Engine{queue: q, pools: make(map[notification.Channel]*Pool, len(senders))}
	for _, ch := range senders.Channels() {
		p, err := NewPool(ch, q, st, senders[ch], resolver, directory, policies.For(ch), opts...)
		if err != nil {
			return nil, err
		}
		e.pools[ch] = p
		e.order = append(e.order, ch)
	}
	return e, nil
}

// Start starts every pool. Pools already started are stopped again if a
// later one fails.
func (e *Engine) Start(ctx context.Context) error {
	for i, ch := range e.order {
		if err := e.pools[ch].Start(ctx); err != nil {
			for _, started := range e.order[:i] {
				_ = e.pools[started].Stop()
			}
			return fmt.Errorf("start %s pool: %w", ch, err)
		}
	}
	return nil
}

// Stop stops every pool and waits for in-flight jobs.
func (e *Engine) Stop() error {
	var errs []error
	for _, ch := range e.order {
		if err := e.pools[ch].Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop %s pool: %w", ch, err))
		}
	}
	return errors.Join(errs...)
}

// Run starts the engine and stops it when ctx is done. The returned
// function fits errgroup.Group.Go.
func (e *Engine) Run(ctx context.Context) func() error {
	return func() error {
		if err := e.Start(ctx); err != nil {
			return err
		}
		<-ctx.Done()
		return e.Stop()
	}
}

// Pool returns the pool of ch.
func (e *Engine) Pool(ch notification.Channel) (*Pool, bool) {
	p, ok := e.pools[ch]
	return p, ok
}

// Channels lists the channels the engine serves, sorted.
func (e *Engine) Channels() []notification.Channel {
	return append([]notification.Channel(nil), e.order...)
}

// QueueDepth reports the number of queued and in-flight jobs per channel.
func (e *Engine) QueueDepth(ctx context.Context) (map[notification.Channel]int, error) {
	out := make(map[notification.Channel]int, len(e.order))
	for _, ch := range e.order {
		n, err := e.queue.Len(ctx, ch)
		if err != nil {
			return nil, fmt.Errorf("queue depth of %s: %w", ch, err)
		}
		out[ch] = n
	}
	return out, nil
}
