// Package logger builds the structured slog loggers used across the
// dispatcher and keeps attribute naming consistent.
//
// New creates a *slog.Logger configured by Option functions: output format
// (json or text), minimum level, static attributes and ContextExtractor
// callbacks. The handler is wrapped by LogHandlerDecorator, which also
// appends any attributes attached to the context with ContextWithAttrs.
// Workers use that to tag every record of one dispatch attempt:
//
//	ctx = logger.ContextWithAttrs(ctx,
//	    logger.NotificationID(job.NotificationID),
//	    logger.Channel(job.Channel),
//	    logger.Attempt(job.Attempt),
//	)
//	log.InfoContext(ctx, "delivered", logger.ProviderRef(ref))
//
// Config can be loaded from the environment (APP_ENV, SERVICE_NAME,
// LOG_LEVEL, LOG_FORMAT) and turned into options with Config.Options.
//
// Error and Errors produce attributes only for non-nil errors, so
//
//	log.Info("done", logger.Error(err))
//
// needs no extra nil check.
package logger
