package logger

import (
	"context"
	"log/slog"
)

type attrsKey struct{}

// ContextWithAttrs returns a copy of ctx carrying attrs. Loggers built by New
// append them to every record logged with that context, so a worker can tag
// a whole dispatch attempt once instead of repeating ids on each call.
func ContextWithAttrs(ctx context.Context, attrs ...slog.Attr) context.Context {
	if len(attrs) == 0 {
		return ctx
	}
	prev, _ := ctx.Value(attrsKey{}).([]slog.Attr)
	merged := make([]slog.Attr, 0, len(prev)+len(attrs))
	merged = append(merged, prev...)
	for _, a := range attrs {
		if !a.Equal(slog.Attr{}) {
			merged = append(merged, a)
		}
	}
	return context.WithValue(ctx, attrsKey{}, merged)
}

// AttrsFromContext returns attributes attached with ContextWithAttrs.
func AttrsFromContext(ctx context.Context) []slog.Attr {
	if ctx == nil {
		return nil
	}
	attrs, _ := ctx.Value(attrsKey{}).([]slog.Attr)
	return attrs
}
