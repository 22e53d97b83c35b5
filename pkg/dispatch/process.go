package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/carebridge/dispatch/pkg/channel"
	"github.com/carebridge/dispatch/pkg/logger"
	"github.com/carebridge/dispatch/pkg/notification"
	"github.com/carebridge/dispatch/pkg/queue"
	"github.com/carebridge/dispatch/pkg/store"
)

type action int

const (
	actDiscard action = iota
	actSend
	actExpire
	actRequeue
)

// outcome is the result of one delivery attempt, before it is persisted.
type outcome struct {
	msg     channel.Message
	res     channel.Result
	skipped bool
}

// record is what finish persisted for an outcome.
type record struct {
	delivery *notification.Delivery
	// next is the job of the following attempt.
	next *queue.Job
	// deferTo is set when the attempt was given back; the claimed job is
	// released until then.
	deferTo *time.Time
	stale   bool
}

// handle runs one claimed job to completion: it moves the channel to
// dispatching, sends, records the result, schedules the next attempt and
// acknowledges the job. On a store or queue error the job is left
// unacknowledged and is redelivered once its lock expires.
func (p *Pool) handle(ctx context.Context, job *queue.Job) error {
	log := p.logger.With(
		logger.JobID(job.ID),
		logger.NotificationID(job.NotificationID),
		logger.Attempt(job.Attempt),
	)

	act, next, n, err := p.begin(ctx, job)
	if errors.Is(err, notification.ErrNotFound) {
		log.WarnContext(ctx, "notification gone, dropping job", logger.Error(err))
		return p.ack(ctx, log, job)
	}
	if err != nil {
		return fmt.Errorf("begin %s: %w", job.ID, err)
	}

	switch act {
	case actDiscard:
		log.DebugContext(ctx, "stale job discarded")
		return p.ack(ctx, log, job)
	case actExpire:
		log.InfoContext(ctx, "notification expired before delivery")
		return p.ack(ctx, log, job)
	case actRequeue:
		if err := p.queue.Enqueue(ctx, *next); err != nil {
			return errors.Join(ErrEnqueue, err)
		}
		return p.ack(ctx, log, job)
	}

	out := p.attempt(ctx, n, job)

	rec, err := p.finish(ctx, n, job, out)
	if err != nil {
		return fmt.Errorf("record %s: %w", job.ID, err)
	}
	if rec.stale {
		log.WarnContext(ctx, "delivery changed while sending, result dropped",
			slog.Bool("success", out.res.Success))
		return p.ack(ctx, log, job)
	}
	p.report(ctx, log, out, rec)

	if out.res.Classification == channel.ClassPermanent && !out.skipped {
		p.cleanup(ctx, log, out)
	}

	if rec.deferTo != nil {
		return p.release(ctx, log, job, *rec.deferTo)
	}
	if rec.next != nil {
		if err := p.queue.Enqueue(ctx, *rec.next); err != nil {
			return errors.Join(ErrEnqueue, err)
		}
	}
	return p.ack(ctx, log, job)
}

// begin decides in one atomic update what to do with job and, when the
// job is current, claims the attempt by moving the channel to dispatching.
func (p *Pool) begin(ctx context.Context, job *queue.Job) (action, *queue.Job, *notification.Notification, error) {
	var (
		act  action
		next *queue.Job
	)
	n, err := p.update(ctx, job.NotificationID, func(n *notification.Notification, d *notification.Delivery) error {
		act, next = actDiscard, nil
		now := p.opts.now()
		maxAttempts := p.maxAttempts(d)

		switch {
		case d.State.Terminal():
			return store.ErrNoChange

		case n.IsExpired(now):
			act = actExpire
			d.State = notification.StateExpired
			d.NextAttemptAt = nil
			d.LastError = "expired before delivery"
			d.UpdatedAt = now
			return nil

		case d.State == notification.StateQueued && d.Attempts == job.Attempt-1 && job.Attempt <= maxAttempts:
			act = actSend
			d.State = notification.StateDispatching
			d.Attempts = job.Attempt
			d.NextAttemptAt = nil
			d.UpdatedAt = now
			return nil

		case d.State == notification.StateDispatching && d.Attempts == job.Attempt:
			// Redelivered after the previous holder lost its lock.
			act = actSend
			return store.ErrNoChange

		case d.State == notification.StateQueued && d.Attempts == job.Attempt && job.Attempt < maxAttempts:
			// The attempt was recorded but its successor never made it
			// into the queue.
			act = actRequeue
			at := now
			if d.NextAttemptAt != nil {
				at = *d.NextAttemptAt
			}
			j := queue.NewJob(n, p.ch, job.Attempt+1, at)
			next = &j
			return store.ErrNoChange
		}
		return store.ErrNoChange
	})
	return act, next, n, err
}

// attempt resolves address and content and sends. It never returns an
// error: every failure is classified into the outcome.
func (p *Pool) attempt(ctx context.Context, n *notification.Notification, job *queue.Job) outcome {
	msg := channel.Message{
		NotificationID: n.ID,
		Channel:        p.ch,
		Type:           n.Type,
		RecipientID:    n.RecipientID,
		Payload:        n.Payload,
		Priority:       n.Priority,
		Attempt:        job.Attempt,
	}

	addr, err := p.directory.Lookup(ctx, n, p.ch)
	switch {
	case errors.Is(err, channel.ErrNoAddress):
		return outcome{msg: msg, res: channel.Permanent(err), skipped: true}
	case err != nil:
		return outcome{msg: msg, res: channel.Transient(fmt.Errorf("address lookup: %w", err))}
	}
	msg.Address = addr

	content, err := p.resolver.Resolve(n, p.ch)
	if err != nil {
		return outcome{msg: msg, res: channel.Permanent(fmt.Errorf("resolve content: %w", err))}
	}
	msg.Title, msg.Body = content.Title, content.Body

	return outcome{msg: msg, res: p.send(ctx, msg)}
}

func (p *Pool) send(ctx context.Context, msg channel.Message) (res channel.Result) {
	sendCtx, cancel := context.WithTimeout(ctx, p.policy.SendTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			res = channel.Transient(fmt.Errorf("sender panic: %v", r))
		}
	}()

	res = p.sender.Send(sendCtx, msg)
	if res.Success {
		return res
	}
	if res.Classification == channel.ClassDeferred {
		return res
	}
	if errors.Is(sendCtx.Err(), context.DeadlineExceeded) && res.Classification != channel.ClassTransient {
		return channel.Transient(errors.Join(context.DeadlineExceeded, res.Err))
	}
	if res.Classification != channel.ClassPermanent && res.Classification != channel.ClassTransient {
		err := res.Err
		if err == nil {
			err = errors.New("sender reported failure without classification")
		}
		return channel.Transient(err)
	}
	return res
}

// finish records out, guarded on the channel still holding this attempt.
func (p *Pool) finish(ctx context.Context, n *notification.Notification, job *queue.Job, out outcome) (record, error) {
	var rec record
	updated, err := p.update(ctx, n.ID, func(n *notification.Notification, d *notification.Delivery) error {
		rec = record{}
		if d.State != notification.StateDispatching || d.Attempts != job.Attempt {
			rec.stale = true
			return store.ErrNoChange
		}

		now := p.opts.now()
		d.UpdatedAt = now
		d.NextAttemptAt = nil
		res := out.res

		switch {
		case out.skipped:
			d.State = notification.StateSkipped
			d.LastError = errString(res.Err)

		case res.Success:
			d.State = notification.StateDelivered
			d.ProviderRef = res.ProviderRef
			d.LastError = ""

		case res.Classification == channel.ClassDeferred:
			// The provider was never called, so the attempt does not count.
			at := res.RetryAt
			if at.Before(now) {
				at = now
			}
			d.Attempts = job.Attempt - 1
			d.LastError = errString(res.Err)
			if n.ExpiresAt != nil && !at.Before(*n.ExpiresAt) {
				d.State = notification.StateExpired
				return nil
			}
			d.State = notification.StateQueued
			d.NextAttemptAt = &at
			rec.deferTo = &at

		case res.Classification == channel.ClassPermanent:
			d.State = notification.StateFailed
			d.LastError = errString(res.Err)

		case job.Attempt >= p.maxAttempts(d):
			d.State = notification.StateFailed
			d.DeadLettered = true
			d.LastError = errString(res.Err)

		default:
			at := now.Add(p.policy.Backoff(job.Attempt, n.Priority))
			d.LastError = errString(res.Err)
			if n.ExpiresAt != nil && !at.Before(*n.ExpiresAt) {
				d.State = notification.StateExpired
				return nil
			}
			d.State = notification.StateQueued
			d.NextAttemptAt = &at
			j := queue.NewJob(n, p.ch, job.Attempt+1, at)
			rec.next = &j
		}
		return nil
	})
	if err != nil {
		return record{}, err
	}
	rec.delivery = updated.Delivery[p.ch]
	return rec, nil
}

func (p *Pool) report(ctx context.Context, log *slog.Logger, out outcome, rec record) {
	res, d := out.res, rec.delivery
	switch {
	case d.State == notification.StateSkipped:
		log.InfoContext(ctx, "channel skipped", logger.Error(res.Err))
	case d.State == notification.StateDelivered:
		log.InfoContext(ctx, "notification delivered", logger.ProviderRef(res.ProviderRef))
	case rec.deferTo != nil:
		log.InfoContext(ctx, "send deferred",
			logger.Error(res.Err),
			logger.Delay(rec.deferTo.Sub(p.opts.now())))
	case rec.next != nil:
		log.WarnContext(ctx, "delivery failed, retry scheduled",
			logger.Error(res.Err),
			slog.String("code", res.Code),
			logger.Delay(rec.next.NotBefore.Sub(p.opts.now())))
	case d.State == notification.StateExpired:
		log.InfoContext(ctx, "notification expires before next attempt", logger.Error(res.Err))
	case d.DeadLettered:
		log.ErrorContext(ctx, "delivery dead-lettered",
			logger.Error(res.Err),
			slog.String("code", res.Code))
	default:
		log.WarnContext(ctx, "delivery failed",
			logger.Error(res.Err),
			slog.String("code", res.Code),
			slog.String("classification", string(res.Classification)))
	}
}

func (p *Pool) cleanup(ctx context.Context, log *slog.Logger, out outcome) {
	c, ok := p.sender.(channel.Cleaner)
	if !ok {
		return
	}
	if err := c.Cleanup(ctx, out.msg, out.res); err != nil {
		log.WarnContext(ctx, "cleanup after permanent failure failed", logger.Error(err))
	}
}

func (p *Pool) release(ctx context.Context, log *slog.Logger, job *queue.Job, at time.Time) error {
	err := p.queue.Release(ctx, job, at)
	if errors.Is(err, queue.ErrLockLost) {
		log.WarnContext(ctx, "job lock lost before release", logger.Error(err))
		return nil
	}
	if err != nil {
		return errors.Join(ErrEnqueue, err)
	}
	return nil
}

func (p *Pool) ack(ctx context.Context, log *slog.Logger, job *queue.Job) error {
	err := p.queue.Ack(ctx, job)
	if errors.Is(err, queue.ErrLockLost) {
		log.WarnContext(ctx, "job lock lost before ack", logger.Error(err))
		return nil
	}
	return err
}

// update applies fn to this pool's channel, retrying while the store is
// unavailable or the update lost a race. ErrNoChange counts as success.
func (p *Pool) update(ctx context.Context, id string, fn store.DeliveryMutation) (*notification.Notification, error) {
	delay := p.opts.storeBaseDelay
	for try := 1; ; try++ {
		n, err := p.store.UpdateDelivery(ctx, id, p.ch, fn)
		if err == nil || errors.Is(err, store.ErrNoChange) {
			return n, nil
		}
		if try >= p.opts.storeAttempts || !retryableStoreError(err) {
			return nil, err
		}

		p.logger.DebugContext(ctx, "store update failed, retrying",
			logger.NotificationID(id),
			logger.Error(err),
			logger.Delay(delay))

		select {
		case <-ctx.Done():
			return nil, errors.Join(err, ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
	}
}

func (p *Pool) maxAttempts(d *notification.Delivery) int {
	if d.MaxAttempts > 0 {
		return d.MaxAttempts
	}
	return p.policy.MaxAttempts
}

func retryableStoreError(err error) bool {
	return errors.Is(err, notification.ErrStoreUnavailable) || errors.Is(err, notification.ErrConflict)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
