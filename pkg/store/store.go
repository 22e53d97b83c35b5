package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/carebridge/dispatch/pkg/notification"
)

// ErrNoChange may be returned by a mutation to leave the record untouched.
// The store then returns the current notification together with ErrNoChange.
var ErrNoChange = errors.New("store: no change")

// Mutation edits a notification in place inside an atomic update.
type Mutation func(n *notification.Notification) error

// DeliveryMutation edits one channel's delivery record inside an atomic update.
type DeliveryMutation func(n *notification.Notification, d *notification.Delivery) error

// Store is the durable record of notifications and their per-channel progress.
//
// Update and UpdateDelivery are atomic per notification: the mutation sees the
// latest persisted state, and concurrent updates of different channels never
// overwrite each other. After every successful mutation the store recomputes
// Status with DeriveStatus, bumps Version and sets UpdatedAt.
type Store interface {
	Create(ctx context.Context, n *notification.Notification) error
	Get(ctx context.Context, id string) (*notification.Notification, error)
	Update(ctx context.Context, id string, fn Mutation) (*notification.Notification, error)
	UpdateDelivery(ctx context.Context, id string, ch notification.Channel, fn DeliveryMutation) (*notification.Notification, error)
	List(ctx context.Context, f notification.Filter, limit int) ([]*notification.Notification, error)
	Ping(ctx context.Context) error
}

// Option configures a store implementation.
type Option func(*options)

type options struct {
	now        func() time.Time
	casRetries int
}

func defaultOptions() options {
	return options{now: time.Now, casRetries: 8}
}

// WithClock overrides the time source used for UpdatedAt.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithCASRetries bounds how often an optimistic update is retried after
// losing a version race. Only stores without row locks use it.
func WithCASRetries(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.casRetries = n
		}
	}
}

// forChannel adapts a DeliveryMutation to a Mutation.
func forChannel(ch notification.Channel, fn DeliveryMutation) Mutation {
	return func(n *notification.Notification) error {
		d, ok := n.Delivery[ch]
		if !ok || !n.HasChannel(ch) {
			return fmt.Errorf("%w: channel %s not requested by %s", notification.ErrNotFound, ch, n.ID)
		}
		return fn(n, d)
	}
}

// apply runs fn on a copy of cur and finalizes it. It returns the new
// record, or cur with ErrNoChange, or fn's error.
func apply(cur *notification.Notification, fn Mutation, now time.Time) (*notification.Notification, error) {
	next := cur.Clone()
	if err := fn(next); err != nil {
		return cur, err
	}
	next.ID = cur.ID
	next.Status = next.DeriveStatus()
	next.Version = cur.Version + 1
	next.UpdatedAt = now
	return next, nil
}

const defaultListLimit = 1000

func clampLimit(limit int) int {
	if limit <= 0 || limit > defaultListLimit*10 {
		return defaultListLimit
	}
	return limit
}
