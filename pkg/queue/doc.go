// Package queue implements the per-channel dispatch queues.
//
// A Job names one attempt of one notification on one channel. Queues
// order visible jobs by priority weight and then by enqueue order, hide
// jobs until their NotBefore instant, and lock claimed jobs for a
// visibility timeout after which an unacknowledged job is offered again.
//
// Two implementations are provided: Memory for tests and single-process
// development, and Redis, which keeps jobs across restarts.
//
//	q := queue.NewRedis(client)
//	_ = q.Enqueue(ctx, queue.NewJob(n, notification.ChannelSMS, 1, time.Now()))
//	job, err := q.Claim(ctx, notification.ChannelSMS, workerID, 2*time.Minute)
//	if errors.Is(err, queue.ErrNoJob) { ... }
//	// deliver ...
//	_ = q.Ack(ctx, job)
package queue
