package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/carebridge/dispatch/pkg/logger"
	"github.com/carebridge/dispatch/pkg/notification"
	"github.com/carebridge/dispatch/pkg/queue"
)

// maxScanPage is the largest page the stores serve.
const maxScanPage = 10000

// Reconcile re-creates the jobs of channels that have been idle for longer
// than the reconcile grace without reaching a terminal state. Such channels
// lost their job: the enqueue after persisting failed, or an in-memory
// queue was restarted. Queued channels get the job of their next attempt;
// dispatching channels get their current attempt again. Enqueue is
// idempotent, so jobs that still exist are left untouched. It returns the
// number of jobs ensured.
func (o *Orchestrator) Reconcile(ctx context.Context) (int, error) {
	now := o.opts.now()
	cutoff := now.Add(-o.opts.reconcileGrace)
	f := notification.Filter{Statuses: []notification.Status{
		notification.StatusPending,
		notification.StatusScheduled,
		notification.StatusDispatching,
	}}

	var (
		ensured int
		errs    []error
	)
	err := o.scan(ctx, f, func(n *notification.Notification) error {
		for _, ch := range n.Channels {
			d, ok := n.Delivery[ch]
			if !ok || d.State.Terminal() || d.UpdatedAt.After(cutoff) {
				continue
			}

			var job queue.Job
			switch d.State {
			case notification.StateQueued:
				at := n.NotBefore(now)
				if d.NextAttemptAt != nil && d.NextAttemptAt.After(at) {
					at = *d.NextAttemptAt
				}
				job = queue.NewJob(n, ch, d.Attempts+1, at)
			case notification.StateDispatching:
				job = queue.NewJob(n, ch, d.Attempts, now)
			default:
				continue
			}

			if err := o.queue.Enqueue(ctx, job); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", job.ID, err))
				continue
			}
			ensured++
		}
		return nil
	})
	if err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return ensured, fmt.Errorf("reconcile: %w", errors.Join(errs...))
	}
	return ensured, nil
}

// RunReconciler calls Reconcile at start and then every interval until ctx
// is done. The returned function fits errgroup.Group.Go.
func (o *Orchestrator) RunReconciler(ctx context.Context, interval time.Duration) func() error {
	return func() error {
		log := o.logger.With(logger.Component("dispatch.reconciler"))
		log.InfoContext(ctx, "reconciler started", logger.Duration(interval))

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			start := time.Now()
			n, err := o.Reconcile(ctx)
			switch {
			case err != nil && ctx.Err() == nil:
				log.ErrorContext(ctx, "reconcile failed", slog.Int("ensured", n), logger.Error(err))
			case n > 0:
				log.InfoContext(ctx, "reconcile ensured jobs", slog.Int("ensured", n), logger.Duration(time.Since(start)))
			}

			select {
			case <-ctx.Done():
				log.InfoContext(context.WithoutCancel(ctx), "reconciler stopped")
				return nil
			case <-ticker.C:
			}
		}
	}
}

// scan walks every notification matching f in creation order, page by
// page. Pages overlap on the last creation instant of the previous page;
// records seen at that instant are skipped. A page holding nothing new
// is fetched again at twice the size, and the larger size is kept.
func (o *Orchestrator) scan(ctx context.Context, f notification.Filter, fn func(*notification.Notification) error) error {
	var (
		cursor = f
		size   = o.opts.scanPage
		last   time.Time
		seen   = make(map[string]struct{})
	)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		page, err := o.store.List(ctx, cursor, size)
		if err != nil {
			return err
		}

		fresh := 0
		for _, n := range page {
			if _, dup := seen[n.ID]; dup {
				continue
			}
			if n.CreatedAt.After(last) {
				last = n.CreatedAt
				clear(seen)
			}
			seen[n.ID] = struct{}{}
			fresh++
			if err := fn(n); err != nil {
				return err
			}
		}
		if len(page) < size {
			return nil
		}

		if fresh == 0 {
			if size < maxScanPage {
				size = min(size*2, maxScanPage)
				continue
			}
			// More records share one instant than fit in a page.
			o.logger.WarnContext(ctx, "scan skipped records sharing a creation instant",
				slog.Time("created_at", last))
			last = last.Add(time.Nanosecond)
			clear(seen)
		}
		from := last
		cursor.CreatedFrom = &from
	}
}
