// Package httpserver runs the dispatcher's operational HTTP surface.
//
// Server wraps net/http with configurable timeouts and a Run method that
// blocks until its context is cancelled, then shuts down gracefully:
//
//	srv := httpserver.NewFromConfig(cfg, httpserver.WithLogger(log))
//	g.Go(func() error { return srv.Run(ctx, router) })
//
// LivenessHandler and ReadinessHandler serve health checks; readiness runs named
// dependency checks (store, queue) concurrently under a timeout. JSON and
// Error write responses in the shape shared by every ops endpoint.
//
// Run wraps listen errors with ErrStart and Shutdown wraps shutdown errors
// with ErrShutdown.
package httpserver
