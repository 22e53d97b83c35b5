package dispatch

import "errors"

var (
	// ErrEnqueue means the notification was persisted but at least one of
	// its jobs could not be queued. Reconcile re-creates missing jobs.
	ErrEnqueue = errors.New("dispatch: failed to enqueue job")

	ErrInvalidPolicy     = errors.New("dispatch: invalid retry policy")
	ErrPoolStarted       = errors.New("dispatch: pool already started")
	ErrPoolNotStarted    = errors.New("dispatch: pool not started")
	ErrSenderMismatch    = errors.New("dispatch: sender serves a different channel")
	ErrMissingDependency = errors.New("dispatch: missing dependency")
)
