package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/carebridge/dispatch/pkg/channel"
	"github.com/carebridge/dispatch/pkg/logger"
	"github.com/carebridge/dispatch/pkg/notification"
	"github.com/carebridge/dispatch/pkg/queue"
	"github.com/carebridge/dispatch/pkg/store"
	"github.com/carebridge/dispatch/pkg/template"
)

// ContentResolver renders the channel-specific text of a notification.
type ContentResolver interface {
	Resolve(n *notification.Notification, ch notification.Channel) (template.Content, error)
}

// Pool is the fixed-size set of workers of one channel. Pools of different
// channels share nothing but the store, so a slow or failing provider only
// holds up its own channel.
type Pool struct {
	ch        notification.Channel
	queue     queue.Queue
	store     store.Store
	sender    channel.Sender
	resolver  ContentResolver
	directory channel.Directory
	policy    Policy
	opts      options
	workerID  string
	workers   atomic.Int64
	logger    *slog.Logger

	sem    chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
	stopMu sync.Mutex // guards stopping and wg.Add

	ctx      context.Context
	cancel   context.CancelFunc
	stopping atomic.Bool
}

// NewPool builds the pool of ch. The sender must serve ch.
func NewPool(
	ch notification.Channel,
	q queue.Queue,
	st store.Store,
	sender channel.Sender,
	resolver ContentResolver,
	directory channel.Directory,
	policy Policy,
	opts ...Option,
) (*Pool, error) {
	if q == nil || st == nil || sender == nil || resolver == nil || directory == nil {
		return nil, ErrMissingDependency
	}
	if sender.Channel() != ch {
		return nil, fmt.Errorf("%w: %s sender for %s pool", ErrSenderMismatch, sender.Channel(), ch)
	}
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", ch, err)
	}

	o := newOptions(opts)
	workerID := fmt.Sprintf("%s-%s", ch, uuid.NewString()[:8])
	return &Pool{
		ch:        ch,
		queue:     q,
		store:     st,
		sender:    sender,
		resolver:  resolver,
		directory: directory,
		policy:    policy,
		opts:      o,
		workerID:  workerID,
		logger: o.logger.With(
			logger.Component("dispatch.pool"),
			logger.Channel(ch),
			logger.WorkerID(workerID),
		),
		sem: make(chan struct{}, policy.Workers),
	}, nil
}

// Channel returns the channel the pool serves.
func (p *Pool) Channel() notification.Channel { return p.ch }

// Start begins polling the queue in the background.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.cancel != nil {
		p.mu.Unlock()
		return ErrPoolStarted
	}
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.mu.Unlock()

	p.stopping.Store(false)
	go p.run()

	p.logger.Info("pool started",
		slog.Int("workers", p.policy.Workers),
		slog.Int("max_attempts", p.policy.MaxAttempts))
	return nil
}

// Stop stops claiming jobs and waits for in-flight jobs to finish.
func (p *Pool) Stop() error {
	p.mu.Lock()
	if p.cancel == nil {
		p.mu.Unlock()
		return ErrPoolNotStarted
	}

	p.stopMu.Lock()
	p.stopping.Store(true)
	p.stopMu.Unlock()

	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()

	cancel()
	p.wg.Wait()

	p.logger.Info("pool stopped")
	return nil
}

// Run starts the pool and stops it when ctx is done. The returned function
// fits errgroup.Group.Go.
func (p *Pool) Run(ctx context.Context) func() error {
	return func() error {
		if err := p.Start(ctx); err != nil {
			return err
		}
		<-ctx.Done()
		return p.Stop()
	}
}

// ProcessNext claims and fully handles at most one job. It reports whether
// a job was claimed. Useful for driving the pool step by step.
func (p *Pool) ProcessNext(ctx context.Context) (bool, error) {
	return p.processNext(ctx, p.nextWorkerID(), nil)
}

// nextWorkerID names one claimer, so that queue locks tell the workers of
// a pool apart.
func (p *Pool) nextWorkerID() string {
	return fmt.Sprintf("%s-%d", p.workerID, p.workers.Add(1))
}

func (p *Pool) run() {
	ticker := time.NewTicker(p.opts.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			if !p.spawn() {
				p.logger.Debug("all worker slots busy, skipping tick")
			}
		}
	}
}

// spawn starts a worker if a slot is free. Workers drain the queue and
// spawn helpers while they find work, so an idle pool costs one claim per
// tick and a busy one runs at full width.
func (p *Pool) spawn() bool {
	select {
	case p.sem <- struct{}{}:
	default:
		return false
	}

	p.stopMu.Lock()
	if p.stopping.Load() {
		p.stopMu.Unlock()
		<-p.sem
		return false
	}
	p.wg.Add(1)
	p.stopMu.Unlock()

	go func() {
		defer p.wg.Done()
		defer func() { <-p.sem }()
		p.drain()
	}()
	return true
}

func (p *Pool) drain() {
	workerID := p.nextWorkerID()
	for p.ctx.Err() == nil {
		claimed, err := p.processNext(p.ctx, workerID, func() { p.spawn() })
		if err != nil {
			p.logger.LogAttrs(p.ctx, slog.LevelError, "failed to process job", logger.Error(err))
			return
		}
		if !claimed {
			return
		}
	}
}

func (p *Pool) processNext(ctx context.Context, workerID string, onClaim func()) (bool, error) {
	job, err := p.queue.Claim(ctx, p.ch, workerID, p.opts.visibility)
	if errors.Is(err, queue.ErrNoJob) {
		return false, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return false, nil
		}
		return false, fmt.Errorf("claim %s job: %w", p.ch, err)
	}
	if onClaim != nil {
		onClaim()
	}

	// A claimed job is finished even if the pool is stopping.
	jobCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.opts.visibility)
	defer cancel()

	return true, p.handle(jobCtx, job)
}
