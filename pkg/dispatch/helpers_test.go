package dispatch_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/carebridge/dispatch/pkg/channel"
	"github.com/carebridge/dispatch/pkg/dispatch"
	"github.com/carebridge/dispatch/pkg/logger"
	"github.com/carebridge/dispatch/pkg/notification"
	"github.com/carebridge/dispatch/pkg/queue"
	"github.com/carebridge/dispatch/pkg/store"
	"github.com/carebridge/dispatch/pkg/template"
)

const recipient = "patient-1"

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// stubSender replays results in order, repeating the last one.
type stubSender struct {
	ch      notification.Channel
	mu      sync.Mutex
	results []channel.Result
	calls   []channel.Message
	cleaned []channel.Message
	panics  bool
}

func newStub(ch notification.Channel, results ...channel.Result) *stubSender {
	if len(results) == 0 {
		results = []channel.Result{channel.Delivered("ref-" + string(ch))}
	}
	return &stubSender{ch: ch, results: results}
}

func (s *stubSender) Channel() notification.Channel { return s.ch }

func (s *stubSender) Send(_ context.Context, msg channel.Message) channel.Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.panics {
		panic("provider client bug")
	}
	i := min(len(s.calls), len(s.results)-1)
	s.calls = append(s.calls, msg)
	return s.results[i]
}

func (s *stubSender) Cleanup(_ context.Context, msg channel.Message, _ channel.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleaned = append(s.cleaned, msg)
	return nil
}

func (s *stubSender) Calls() []channel.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]channel.Message(nil), s.calls...)
}

func (s *stubSender) Cleaned() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cleaned)
}

// flakyStore fails the next n UpdateDelivery calls with ErrStoreUnavailable.
type flakyStore struct {
	store.Store
	failures atomic.Int32
}

func (f *flakyStore) UpdateDelivery(ctx context.Context, id string, ch notification.Channel, fn store.DeliveryMutation) (*notification.Notification, error) {
	if f.failures.Add(-1) >= 0 {
		return nil, errors.Join(notification.ErrStoreUnavailable, errors.New("connection reset"))
	}
	return f.Store.UpdateDelivery(ctx, id, ch, fn)
}

// brokenQueue rejects Enqueue while broken is set.
type brokenQueue struct {
	queue.Queue
	broken atomic.Bool
}

func (b *brokenQueue) Enqueue(ctx context.Context, job queue.Job) error {
	if b.broken.Load() {
		return errors.Join(queue.ErrUnavailable, errors.New("connection refused"))
	}
	return b.Queue.Enqueue(ctx, job)
}

// blockingSender never answers before its context ends and then reports
// an unclassified failure.
type blockingSender struct {
	ch notification.Channel
}

func (b *blockingSender) Channel() notification.Channel { return b.ch }

func (b *blockingSender) Send(ctx context.Context, _ channel.Message) channel.Result {
	<-ctx.Done()
	return channel.Result{Err: ctx.Err()}
}

// claimRecorder remembers the worker id of every claim.
type claimRecorder struct {
	queue.Queue
	mu      sync.Mutex
	workers []string
}

func (c *claimRecorder) Claim(ctx context.Context, ch notification.Channel, workerID string, visibility time.Duration) (*queue.Job, error) {
	c.mu.Lock()
	c.workers = append(c.workers, workerID)
	c.mu.Unlock()
	return c.Queue.Claim(ctx, ch, workerID, visibility)
}

func (c *claimRecorder) Workers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.workers...)
}

type harness struct {
	clock  *clock
	store  store.Store
	memory *queue.Memory
	queue  queue.Queue
	dir    *channel.StaticDirectory
	orch   *dispatch.Orchestrator
	engine *dispatch.Engine
}

type harnessConfig struct {
	store    func(store.Store) store.Store
	queue    func(queue.Queue) queue.Queue
	policies dispatch.Policies
}

func newHarness(t *testing.T, cfg harnessConfig, senders ...channel.Sender) *harness {
	t.Helper()

	c := newClock()
	var st store.Store = store.NewMemory(store.WithClock(c.Now))
	if cfg.store != nil {
		st = cfg.store(st)
	}
	mem := queue.NewMemory(queue.WithMemoryClock(c.Now))
	var q queue.Queue = mem
	if cfg.queue != nil {
		q = cfg.queue(mem)
	}
	policies := cfg.policies
	if policies == nil {
		policies = dispatch.DefaultPolicies()
	}

	dir := channel.NewStaticDirectory()
	for _, ch := range notification.AllChannels {
		dir.Set(recipient, ch, "addr-"+string(ch))
	}

	opts := []dispatch.Option{
		dispatch.WithClock(c.Now),
		dispatch.WithLogger(logger.Discard()),
		dispatch.WithStoreRetry(3, 0),
		dispatch.WithReconcileGrace(time.Minute),
		dispatch.WithScanPage(2),
	}

	orch, err := dispatch.NewOrchestrator(st, q, policies, opts...)
	require.NoError(t, err)

	resolver := template.NewResolver(template.DefaultCatalog())
	engine, err := dispatch.NewEngine(q, st, channel.NewRegistry(senders...), resolver, dir, policies, opts...)
	require.NoError(t, err)

	return &harness{clock: c, store: st, memory: mem, queue: q, dir: dir, orch: orch, engine: engine}
}

func (h *harness) submit(t *testing.T, req notification.Request) string {
	t.Helper()
	id, err := h.orch.Submit(context.Background(), req)
	require.NoError(t, err)
	return id
}

func (h *harness) get(t *testing.T, id string) *notification.Notification {
	t.Helper()
	n, err := h.orch.Get(context.Background(), id)
	require.NoError(t, err)
	return n
}

// step drains the visible jobs of every channel without moving the clock.
func (h *harness) step(t *testing.T) int {
	t.Helper()
	processed := 0
	for _, ch := range h.engine.Channels() {
		p, ok := h.engine.Pool(ch)
		require.True(t, ok)
		for {
			claimed, err := p.ProcessNext(context.Background())
			require.NoError(t, err)
			if !claimed {
				break
			}
			processed++
		}
	}
	return processed
}

// settle runs jobs and jumps the clock to the next delayed job until the
// queue is empty.
func (h *harness) settle(t *testing.T) {
	t.Helper()
	for range 100 {
		if h.step(t) > 0 {
			continue
		}
		jobs := h.memory.Jobs()
		if len(jobs) == 0 {
			return
		}
		next := jobs[0].NotBefore
		for _, j := range jobs[1:] {
			if j.NotBefore.Before(next) {
				next = j.NotBefore
			}
		}
		require.True(t, next.After(h.clock.Now()), "visible jobs left unprocessed")
		h.clock.Set(next)
	}
	t.Fatal("queue did not settle")
}

func request(channels ...notification.Channel) notification.Request {
	return notification.Request{
		RecipientID: recipient,
		Type:        "appointment_confirmed",
		Payload: map[string]any{
			"provider_name": "Dr. Okafor",
			"date":          "2026-03-02",
			"time":          "09:30",
		},
		Channels: channels,
	}
}
