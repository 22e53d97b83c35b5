package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/carebridge/dispatch/pkg/logger"
	"github.com/carebridge/dispatch/pkg/notification"
	"github.com/carebridge/dispatch/pkg/queue"
	"github.com/carebridge/dispatch/pkg/store"
	"github.com/carebridge/dispatch/pkg/validator"
)

// Orchestrator is the entry point of the engine: it validates and persists
// notifications, fans them out into per-channel jobs, and serves retries,
// cancellation and statistics.
type Orchestrator struct {
	store    store.Store
	queue    queue.Queue
	policies Policies
	opts     options
	logger   *slog.Logger
}

// BulkResult is the outcome of one request of SubmitBulk. Index refers to
// the position in the input slice.
type BulkResult struct {
	Index int    `json:"index"`
	ID    string `json:"id,omitempty"`
	Err   error  `json:"-"`
}

func NewOrchestrator(st store.Store, q queue.Queue, policies Policies, opts ...Option) (*Orchestrator, error) {
	if st == nil || q == nil {
		return nil, ErrMissingDependency
	}
	if policies == nil {
		policies = DefaultPolicies()
	}
	o := newOptions(opts)
	return &Orchestrator{
		store:    st,
		queue:    q,
		policies: policies,
		opts:     o,
		logger:   o.logger.With(logger.Component("dispatch.orchestrator")),
	}, nil
}

// Submit validates and persists req, then enqueues the first attempt of
// every requested channel, visible at the scheduled time. Nothing is
// persisted when validation or the store fails. When persisting succeeds
// but enqueueing does not, the id is returned together with ErrEnqueue;
// Reconcile re-creates the missing jobs.
func (o *Orchestrator) Submit(ctx context.Context, req notification.Request) (string, error) {
	now := o.opts.now()
	if err := req.Validate(o.opts.knownType, now); err != nil {
		return "", err
	}
	if o.opts.served != nil {
		if err := validator.Apply(validator.EachInList("channels", req.Channels, o.opts.served)); err != nil {
			return "", errors.Join(notification.ErrValidation, err)
		}
	}

	n := notification.New(o.opts.newID(), req, now, o.policies.MaxAttempts)
	if err := o.store.Create(ctx, n); err != nil {
		return "", fmt.Errorf("persist notification: %w", err)
	}

	log := o.logger.With(logger.NotificationID(n.ID), logger.RecipientID(n.RecipientID))

	var errs []error
	for _, ch := range n.Channels {
		job := queue.NewJob(n, ch, 1, n.NotBefore(now))
		if err := o.queue.Enqueue(ctx, job); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", ch, err))
		}
	}
	if len(errs) > 0 {
		err := errors.Join(append([]error{ErrEnqueue}, errs...)...)
		log.ErrorContext(ctx, "notification persisted but not fully enqueued", logger.Error(err))
		return n.ID, err
	}

	log.InfoContext(ctx, "notification accepted",
		slog.String("type", n.Type),
		slog.String("status", string(n.Status)),
		slog.Int("channels", len(n.Channels)))
	return n.ID, nil
}

// SubmitBulk submits every request independently. One result is returned
// per request, in input order; a failing request does not affect the others.
func (o *Orchestrator) SubmitBulk(ctx context.Context, reqs []notification.Request) []BulkResult {
	results := make([]BulkResult, len(reqs))

	var g errgroup.Group
	g.SetLimit(o.opts.bulkConcurrency)
	for i, req := range reqs {
		g.Go(func() error {
			id, err := o.Submit(ctx, req)
			results[i] = BulkResult{Index: i, ID: id, Err: err}
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
		}
	}
	o.logger.InfoContext(ctx, "bulk submit finished",
		slog.Int("total", len(reqs)),
		slog.Int("failed", failed))
	return results
}

// Get returns the notification with its per-channel delivery status.
func (o *Orchestrator) Get(ctx context.Context, id string) (*notification.Notification, error) {
	return o.store.Get(ctx, id)
}

// Retry re-queues the failed channels of a notification that still have
// attempts left, restricted to channels when given. The attempt counters
// are kept, so a channel never exceeds its budget. It returns the channels
// that were re-queued, or ErrNotRetryable when none qualifies.
func (o *Orchestrator) Retry(ctx context.Context, id string, channels ...notification.Channel) ([]notification.Channel, error) {
	var eligible []notification.Channel
	n, err := o.store.Update(ctx, id, func(n *notification.Notification) error {
		eligible = n.RetryableChannels(channels...)
		if len(eligible) == 0 {
			return notification.ErrNotRetryable
		}
		now := o.opts.now()
		for _, ch := range eligible {
			d := n.Delivery[ch]
			d.State = notification.StateQueued
			d.DeadLettered = false
			d.NextAttemptAt = &now
			d.UpdatedAt = now
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("retry %s: %w", id, err)
	}

	now := o.opts.now()
	var errs []error
	for _, ch := range eligible {
		d := n.Delivery[ch]
		job := queue.NewJob(n, ch, d.Attempts+1, n.NotBefore(now))
		if err := o.queue.Enqueue(ctx, job); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", ch, err))
		}
	}

	log := o.logger.With(logger.NotificationID(id))
	if len(errs) > 0 {
		err := errors.Join(append([]error{ErrEnqueue}, errs...)...)
		log.ErrorContext(ctx, "retry recorded but not fully enqueued", logger.Error(err))
		return eligible, err
	}
	log.InfoContext(ctx, "notification retried", slog.Any("channels", eligible))
	return eligible, nil
}

// Cancel stops a notification that has not started dispatching: every
// channel must still be queued without attempts and the schedule must lie
// in the future. Cancelling twice is not an error.
func (o *Orchestrator) Cancel(ctx context.Context, id string) error {
	_, err := o.store.Update(ctx, id, func(n *notification.Notification) error {
		if n.Status == notification.StatusCancelled {
			return store.ErrNoChange
		}
		now := o.opts.now()
		if n.ScheduledAt == nil || !n.ScheduledAt.After(now) {
			return fmt.Errorf("%w: %s is not scheduled in the future", notification.ErrNotCancellable, n.ID)
		}
		for _, ch := range n.Channels {
			d, ok := n.Delivery[ch]
			if !ok || d.State != notification.StateQueued || d.Attempts > 0 {
				return fmt.Errorf("%w: %s channel %s already started", notification.ErrNotCancellable, n.ID, ch)
			}
		}
		for _, ch := range n.Channels {
			d := n.Delivery[ch]
			d.State = notification.StateCancelled
			d.NextAttemptAt = nil
			d.UpdatedAt = now
		}
		return nil
	})
	if errors.Is(err, store.ErrNoChange) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("cancel %s: %w", id, err)
	}

	log := o.logger.With(logger.NotificationID(id))
	removed, err := o.queue.Cancel(ctx, id)
	if err != nil {
		// Workers discard jobs of cancelled channels.
		log.WarnContext(ctx, "failed to remove queued jobs", logger.Error(err))
	}
	log.InfoContext(ctx, "notification cancelled", slog.Int("jobs_removed", removed))
	return nil
}

// Stats aggregates every notification matching f.
func (o *Orchestrator) Stats(ctx context.Context, f notification.Filter) (notification.Stats, error) {
	s := notification.NewStats()
	err := o.scan(ctx, f, func(n *notification.Notification) error {
		s.Add(n, f.Channel)
		return nil
	})
	if err != nil {
		return notification.Stats{}, fmt.Errorf("stats: %w", err)
	}
	return s, nil
}
