package inbox

import "time"

// StoreOption configures MemoryStore and PostgresStore.
type StoreOption func(*storeOptions)

type storeOptions struct {
	now func() time.Time
}

func defaultStoreOptions() storeOptions {
	return storeOptions{now: time.Now}
}

// WithClock overrides the clock used for read markers and missing
// creation times.
func WithClock(now func() time.Time) StoreOption {
	return func(o *storeOptions) {
		if now != nil {
			o.now = now
		}
	}
}
