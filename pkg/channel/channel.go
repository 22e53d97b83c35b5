package channel

import (
	"context"
	"time"

	"github.com/carebridge/dispatch/pkg/notification"
)

// Classification tells the worker what to do with an attempt's outcome.
type Classification string

const (
	ClassNone      Classification = "none"
	ClassTransient Classification = "transient"
	ClassPermanent Classification = "permanent"
	// ClassDeferred means the provider was never called. The attempt is
	// given back and tried again at RetryAt.
	ClassDeferred Classification = "deferred"
)

// Message is everything a sender needs for one delivery attempt. Title and
// Body are already resolved for the channel; Address is the channel-specific
// destination (device token, phone number, email address or user id).
type Message struct {
	NotificationID string
	Channel        notification.Channel
	Type           string
	RecipientID    string
	Address        string
	Title          string
	Body           string
	Payload        map[string]any
	Priority       notification.Priority
	Attempt        int
}

// Result is the synchronous outcome of one send.
type Result struct {
	Success        bool
	Classification Classification
	ProviderRef    string
	// Code is the provider's own error code, if it reported one.
	Code string
	Err  error
	// RetryAt is set on deferred results.
	RetryAt time.Time
}

// Sender delivers a message over one channel. Send never panics on
// provider failures; it reports them through Result.
type Sender interface {
	Channel() notification.Channel
	Send(ctx context.Context, msg Message) Result
}

// Cleaner is implemented by senders that need to react to a permanent
// failure, such as dropping a dead device token.
type Cleaner interface {
	Cleanup(ctx context.Context, msg Message, res Result) error
}

// Delivered reports a successful send.
func Delivered(providerRef string) Result {
	return Result{Success: true, Classification: ClassNone, ProviderRef: providerRef}
}

// Transient reports a failure worth retrying.
func Transient(err error) Result {
	return Result{Classification: ClassTransient, Err: joinClass(ErrTransient, err), Code: codeOf(err)}
}

// Permanent reports a failure that will not succeed on retry.
func Permanent(err error) Result {
	return Result{Classification: ClassPermanent, Err: joinClass(ErrPermanent, err), Code: codeOf(err)}
}

// Deferred reports a send held back before reaching the provider, for
// example by an open breaker or an exhausted send quota.
func Deferred(err error, retryAt time.Time) Result {
	return Result{Classification: ClassDeferred, Err: joinClass(ErrDeferred, err), RetryAt: retryAt}
}

// Classify wraps err into a Result according to class.
func Classify(class Classification, err error) Result {
	if class == ClassPermanent {
		return Permanent(err)
	}
	return Transient(err)
}
