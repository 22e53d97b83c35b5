package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/carebridge/dispatch/pkg/notification"
)

// Job is one attempt to deliver one notification over one channel.
// It carries no content; workers reload the notification by id.
type Job struct {
	ID             string                `json:"id"`
	NotificationID string                `json:"notification_id"`
	Channel        notification.Channel  `json:"channel"`
	Attempt        int                   `json:"attempt"`
	Priority       notification.Priority `json:"priority"`
	NotBefore      time.Time             `json:"not_before"`
	EnqueuedAt     time.Time             `json:"enqueued_at"`
	Seq            int64                 `json:"seq"`
	LockedUntil    *time.Time            `json:"locked_until,omitempty"`
	LockedBy       string                `json:"locked_by,omitempty"`
}

// JobID is deterministic so that re-enqueueing the same attempt is a no-op.
func JobID(notificationID string, ch notification.Channel, attempt int) string {
	return fmt.Sprintf("%s:%s:%d", notificationID, ch, attempt)
}

// NewJob builds the job for attempt of n on ch.
func NewJob(n *notification.Notification, ch notification.Channel, attempt int, notBefore time.Time) Job {
	return Job{
		ID:             JobID(n.ID, ch, attempt),
		NotificationID: n.ID,
		Channel:        ch,
		Attempt:        attempt,
		Priority:       n.Priority,
		NotBefore:      notBefore,
	}
}

// Queue holds dispatch jobs per channel.
//
// Jobs of a channel are offered by priority weight, highest first, then in
// enqueue order. A job is invisible until NotBefore. A claimed job is locked
// for the visibility timeout; if it is not acknowledged in time it becomes
// claimable again.
type Queue interface {
	// Enqueue adds job. Enqueueing an id that is already present is a no-op.
	Enqueue(ctx context.Context, job Job) error

	// Claim locks and returns the next visible job of ch, or ErrNoJob.
	Claim(ctx context.Context, ch notification.Channel, workerID string, visibility time.Duration) (*Job, error)

	// Ack removes a claimed job. It fails with ErrLockLost when the lock
	// expired and the job was claimed by someone else.
	Ack(ctx context.Context, job *Job) error

	// Release unlocks a claimed job and hides it until notBefore, keeping
	// its id and enqueue order. It fails with ErrLockLost when the caller
	// no longer holds the lock.
	Release(ctx context.Context, job *Job, notBefore time.Time) error

	// Cancel removes every unclaimed job of the notification and reports
	// how many were removed. Claimed jobs are left alone.
	Cancel(ctx context.Context, notificationID string) (int, error)

	// Len reports the number of jobs of ch, claimed or not.
	Len(ctx context.Context, ch notification.Channel) (int, error)
}
