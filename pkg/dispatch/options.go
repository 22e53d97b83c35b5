package dispatch

import (
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/carebridge/dispatch/pkg/notification"
)

// Option configures Pool, Engine and Orchestrator.
type Option func(*options)

type options struct {
	now             func() time.Time
	logger          *slog.Logger
	pollInterval    time.Duration
	visibility      time.Duration
	storeAttempts   int
	storeBaseDelay  time.Duration
	bulkConcurrency int
	reconcileGrace  time.Duration
	scanPage        int
	newID           func() string
	knownType       func(string) bool
	served          []notification.Channel
}

func defaultOptions() options {
	return options{
		now:             time.Now,
		logger:          slog.Default(),
		pollInterval:    250 * time.Millisecond,
		visibility:      2 * time.Minute,
		storeAttempts:   5,
		storeBaseDelay:  200 * time.Millisecond,
		bulkConcurrency: 16,
		reconcileGrace:  5 * time.Minute,
		scanPage:        500,
		newID:           uuid.NewString,
	}
}

func newOptions(opts []Option) options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithClock injects the time source used for delivery timestamps,
// schedules and backoff.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithPollInterval sets how often an idle pool polls its queue.
func WithPollInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.pollInterval = d
		}
	}
}

// WithVisibilityTimeout sets how long a claimed job stays locked. It also
// bounds the processing time of one job.
func WithVisibilityTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.visibility = d
		}
	}
}

// WithStoreRetry bounds the retries of a worker's store updates when the
// store is unavailable: attempts tries, waiting base, 2*base, 4*base...
func WithStoreRetry(attempts int, base time.Duration) Option {
	return func(o *options) {
		if attempts > 0 {
			o.storeAttempts = attempts
		}
		if base >= 0 {
			o.storeBaseDelay = base
		}
	}
}

// WithBulkConcurrency bounds concurrent submissions in SubmitBulk.
func WithBulkConcurrency(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.bulkConcurrency = n
		}
	}
}

// WithReconcileGrace sets how long a channel must have been idle before
// Reconcile re-creates its job.
func WithReconcileGrace(d time.Duration) Option {
	return func(o *options) {
		if d >= 0 {
			o.reconcileGrace = d
		}
	}
}

// WithScanPage sets the page size used when Stats and Reconcile walk the
// store.
func WithScanPage(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.scanPage = n
		}
	}
}

// WithIDGenerator replaces the notification id generator.
func WithIDGenerator(fn func() string) Option {
	return func(o *options) {
		if fn != nil {
			o.newID = fn
		}
	}
}

// WithTypeCatalog makes Submit reject notification types for which known
// returns false.
func WithTypeCatalog(known func(string) bool) Option {
	return func(o *options) { o.knownType = known }
}

// WithServedChannels makes Submit reject channels that no sender serves in
// this deployment.
func WithServedChannels(chs ...notification.Channel) Option {
	return func(o *options) { o.served = append([]notification.Channel(nil), chs...) }
}
