// Command dispatcher runs the notification delivery engine: one worker pool
// per configured channel, the reconciler, and the ops HTTP server.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/carebridge/dispatch/pkg/dispatch"
	"github.com/carebridge/dispatch/pkg/httpserver"
	"github.com/carebridge/dispatch/pkg/inbox"
	"github.com/carebridge/dispatch/pkg/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		slog.Error("dispatcher stopped", logger.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	s, err := loadSettings()
	if err != nil {
		return err
	}

	logOpts, err := s.log.Options()
	if err != nil {
		return fmt.Errorf("configure logger: %w", err)
	}
	log := logger.New(append(logOpts, logger.WithContextExtractors(httpserver.RequestIDExtractor()))...)
	logger.SetAsDefault(log)

	b, err := openBackends(ctx, s, log)
	if err != nil {
		return err
	}
	defer b.close()

	hub := inbox.NewHub(s.app.InboxBuffer)
	defer hub.Close()

	senders, err := buildSenders(ctx, s, b, hub, log)
	if err != nil {
		return err
	}
	resolver, err := loadResolver(s.app.TemplateCatalog)
	if err != nil {
		return err
	}
	policies, err := dispatch.LoadPolicies()
	if err != nil {
		return err
	}

	opts := []dispatch.Option{
		dispatch.WithLogger(log),
		dispatch.WithPollInterval(s.queue.PollInterval),
		dispatch.WithVisibilityTimeout(s.queue.VisibilityTimeout),
		dispatch.WithReconcileGrace(s.app.ReconcileGrace),
		dispatch.WithTypeCatalog(resolver.Knows),
		dispatch.WithServedChannels(senders.Channels()...),
	}
	directory := b.supp.Filter(channelDirectory())

	engine, err := dispatch.NewEngine(b.queue, b.store, senders, resolver, directory, policies, opts...)
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}
	orch, err := dispatch.NewOrchestrator(b.store, b.queue, policies, opts...)
	if err != nil {
		return fmt.Errorf("build orchestrator: %w", err)
	}

	api := &opsAPI{
		orch:         orch,
		engine:       engine,
		inbox:        b.inbox,
		hub:          hub,
		checks:       b.checks,
		checkTimeout: s.http.CheckTimeout,
		log:          log.With(logger.Component("ops")),
	}
	srv := httpserver.NewFromConfig(s.http, httpserver.WithLogger(log))

	log.InfoContext(ctx, "dispatcher starting",
		slog.String("store", s.app.StoreDriver),
		slog.String("queue", s.queue.Driver),
		slog.String("ops_addr", s.http.Addr),
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(engine.Run(ctx))
	g.Go(orch.RunReconciler(ctx, s.app.ReconcileInterval))
	g.Go(func() error { return srv.Run(ctx, api.routes()) })
	return g.Wait()
}
