package queue

import "errors"

var (
	// ErrNoJob is returned by Claim when no job is visible.
	ErrNoJob = errors.New("queue: no job to claim")

	// ErrLockLost is returned by Ack when the job is no longer held by the caller.
	ErrLockLost = errors.New("queue: job lock lost")

	// ErrInvalidJob is returned by Enqueue for jobs missing id, notification or channel.
	ErrInvalidJob = errors.New("queue: invalid job")

	// ErrUnavailable wraps backend connectivity failures.
	ErrUnavailable = errors.New("queue: backend unavailable")
)
