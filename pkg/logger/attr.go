package logger

import (
	"log/slog"
	"strconv"
	"time"
)

// Group creates a slog group attribute from the provided attributes.
func Group(name string, attrs ...slog.Attr) slog.Attr {
	return slog.Attr{Key: name, Value: slog.GroupValue(attrs...)}
}

// Errors groups multiple non-nil errors under the key "errors".
// If all errors are nil, it returns an empty Attr.
func Errors(errs ...error) slog.Attr {
	as := make([]slog.Attr, 0, len(errs))
	for i, err := range errs {
		if err != nil {
			as = append(as, slog.Any(strconv.Itoa(i), err))
		}
	}
	if len(as) == 0 {
		return slog.Attr{}
	}
	return slog.Attr{Key: "errors", Value: slog.GroupValue(as...)}
}

// Error creates an attribute for a single error under the key "error".
// If err is nil, it returns an empty Attr.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.Any("error", err)
}

// NotificationID records the notification identifier under "notification_id".
func NotificationID(id string) slog.Attr {
	if id == "" {
		return slog.Attr{}
	}
	return slog.String("notification_id", id)
}

// RecipientID records the recipient under "recipient_id".
func RecipientID(id string) slog.Attr {
	if id == "" {
		return slog.Attr{}
	}
	return slog.String("recipient_id", id)
}

// Channel records a delivery channel under "channel". Accepts any
// string-kinded value so callers can pass typed channel constants.
func Channel[T ~string](ch T) slog.Attr {
	return slog.String("channel", string(ch))
}

// JobID records a dispatch job identifier under "job_id".
func JobID(id string) slog.Attr {
	if id == "" {
		return slog.Attr{}
	}
	return slog.String("job_id", id)
}

// Attempt records the attempt number under "attempt".
func Attempt(n int) slog.Attr {
	return slog.Int("attempt", n)
}

// ProviderRef records a provider message reference under "provider_ref".
func ProviderRef(ref string) slog.Attr {
	if ref == "" {
		return slog.Attr{}
	}
	return slog.String("provider_ref", ref)
}

// Delay records a scheduling delay under "delay".
func Delay(d time.Duration) slog.Attr {
	return slog.Duration("delay", d)
}

// Duration records a duration under the key "duration".
func Duration(d time.Duration) slog.Attr {
	return slog.Duration("duration", d)
}

// Component records the component name under the key "component".
func Component(name string) slog.Attr {
	return slog.String("component", name)
}

// WorkerID records the worker identifier under "worker_id".
func WorkerID(id string) slog.Attr {
	return slog.String("worker_id", id)
}
