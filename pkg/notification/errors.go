package notification

import "errors"

var (
	// ErrValidation marks a malformed submit request. Nothing is persisted.
	ErrValidation = errors.New("notification: invalid request")

	// ErrNotRetryable is returned by retry when no channel is eligible.
	ErrNotRetryable = errors.New("notification: no retryable channel")

	// ErrNotCancellable is returned when a notification already started dispatching.
	ErrNotCancellable = errors.New("notification: not cancellable")

	// ErrStoreUnavailable wraps connectivity failures of the notification store.
	ErrStoreUnavailable = errors.New("notification: store unavailable")

	// ErrNotFound is returned when no notification has the given id.
	ErrNotFound = errors.New("notification: not found")

	// ErrConflict signals that a conditional update lost a race.
	ErrConflict = errors.New("notification: concurrent update conflict")

	// ErrUnknownType is returned for notification types without templates.
	ErrUnknownType = errors.New("notification: unknown type")
)
