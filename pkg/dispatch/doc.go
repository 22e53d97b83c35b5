// Package dispatch is the delivery engine.
//
// An Orchestrator accepts notifications, persists them in a store.Store and
// enqueues one job per requested channel. An Engine runs one Pool per
// channel; each pool claims jobs of its channel from the shared queue,
// resolves content and address, calls the channel's sender and records the
// outcome atomically in the notification's delivery status.
//
// Transient failures are retried with exponential backoff until the
// channel's attempt budget is used up, after which the channel is marked
// failed and dead-lettered. Permanent failures are never retried
// automatically; senders implementing channel.Cleaner get a chance to react
// to them. Reconcile re-creates jobs that were lost between the store and
// the queue.
//
// Usage:
//
//	orch, _ := dispatch.NewOrchestrator(st, q, policies)
//	eng, _ := dispatch.NewEngine(q, st, senders, resolver, dir, policies)
//
//	g, ctx := errgroup.WithContext(ctx)
//	g.Go(eng.Run(ctx))
//	g.Go(orch.RunReconciler(ctx, time.Minute))
//
//	id, err := orch.Submit(ctx, notification.Request{
//		RecipientID: "user-1",
//		Type:        "appointment_reminder",
//		Channels:    []notification.Channel{notification.ChannelPush, notification.ChannelEmail},
//	})
package dispatch
