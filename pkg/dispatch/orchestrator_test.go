package dispatch_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carebridge/dispatch/pkg/channel"
	"github.com/carebridge/dispatch/pkg/dispatch"
	"github.com/carebridge/dispatch/pkg/logger"
	"github.com/carebridge/dispatch/pkg/notification"
	"github.com/carebridge/dispatch/pkg/queue"
	"github.com/carebridge/dispatch/pkg/store"
)

func TestOrchestrator_Submit(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessConfig{}, newStub(notification.ChannelPush), newStub(notification.ChannelSMS))

	id := h.submit(t, request(notification.ChannelPush, notification.ChannelSMS))

	n := h.get(t, id)
	assert.Equal(t, notification.StatusPending, n.Status)
	assert.Equal(t, notification.PriorityNormal, n.Priority)
	assert.Equal(t, 2, n.Delivery[notification.ChannelPush].MaxAttempts)
	assert.Equal(t, 3, n.Delivery[notification.ChannelSMS].MaxAttempts)

	jobs := h.memory.Jobs()
	require.Len(t, jobs, 2)
	for _, j := range jobs {
		assert.Equal(t, id, j.NotificationID)
		assert.Equal(t, 1, j.Attempt)
		assert.Equal(t, h.clock.Now(), j.NotBefore)
	}
}

func TestOrchestrator_SubmitValidation(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessConfig{}, newStub(notification.ChannelPush))

	tests := []struct {
		name string
		edit func(r *notification.Request)
	}{
		{"no channels", func(r *notification.Request) { r.Channels = nil }},
		{"unknown channel", func(r *notification.Request) { r.Channels = []notification.Channel{"fax"} }},
		{"duplicate channel", func(r *notification.Request) {
			r.Channels = []notification.Channel{notification.ChannelPush, notification.ChannelPush}
		}},
		{"no recipient", func(r *notification.Request) { r.RecipientID = "" }},
		{"bad priority", func(r *notification.Request) { r.Priority = "critical" }},
		{"bad type", func(r *notification.Request) { r.Type = "Appointment Confirmed" }},
		{"expired", func(r *notification.Request) {
			past := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
			r.ExpiresAt = &past
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := request(notification.ChannelPush)
			tt.edit(&req)

			id, err := h.orch.Submit(context.Background(), req)
			require.ErrorIs(t, err, notification.ErrValidation)
			assert.Empty(t, id)
		})
	}

	assert.Empty(t, h.memory.Jobs())
	stats, err := h.orch.Stats(context.Background(), notification.Filter{})
	require.NoError(t, err)
	assert.Zero(t, stats.Total)
}

func TestOrchestrator_SubmitUnknownType(t *testing.T) {
	t.Parallel()

	st := store.NewMemory()
	orch, err := dispatch.NewOrchestrator(st, queue.NewMemory(), nil,
		dispatch.WithLogger(logger.Discard()),
		dispatch.WithTypeCatalog(func(typ string) bool { return typ == "appointment_confirmed" }),
	)
	require.NoError(t, err)

	req := request(notification.ChannelEmail)
	req.Type = "lab_results_ready"
	_, err = orch.Submit(context.Background(), req)
	require.ErrorIs(t, err, notification.ErrValidation)
}

func TestOrchestrator_SubmitUnservedChannel(t *testing.T) {
	t.Parallel()

	st := store.NewMemory()
	q := queue.NewMemory()
	orch, err := dispatch.NewOrchestrator(st, q, nil,
		dispatch.WithLogger(logger.Discard()),
		dispatch.WithServedChannels(notification.ChannelEmail, notification.ChannelInApp),
	)
	require.NoError(t, err)
	ctx := context.Background()

	id, err := orch.Submit(ctx, request(notification.ChannelPush, notification.ChannelEmail))
	require.ErrorIs(t, err, notification.ErrValidation)
	assert.Contains(t, err.Error(), "channels")
	assert.Empty(t, id)
	assert.Empty(t, q.Jobs(), "nothing is queued for a rejected request")

	all, err := st.List(ctx, notification.Filter{}, 10)
	require.NoError(t, err)
	assert.Empty(t, all)

	_, err = orch.Submit(ctx, request(notification.ChannelEmail))
	require.NoError(t, err)
}

func TestOrchestrator_SubmitStoreUnavailable(t *testing.T) {
	t.Parallel()

	q := queue.NewMemory()
	orch, err := dispatch.NewOrchestrator(downStore{}, q, nil, dispatch.WithLogger(logger.Discard()))
	require.NoError(t, err)

	id, err := orch.Submit(context.Background(), request(notification.ChannelEmail))
	require.ErrorIs(t, err, notification.ErrStoreUnavailable)
	assert.Empty(t, id)
	assert.Empty(t, q.Jobs())
}

func TestOrchestrator_ScheduledIsInvisibleUntilDue(t *testing.T) {
	t.Parallel()

	push := newStub(notification.ChannelPush)
	h := newHarness(t, harnessConfig{}, push)

	req := request(notification.ChannelPush)
	at := h.clock.Now().Add(time.Hour)
	req.ScheduledAt = &at
	id := h.submit(t, req)

	assert.Equal(t, notification.StatusScheduled, h.get(t, id).Status)
	assert.Zero(t, h.step(t))

	h.clock.Advance(59 * time.Minute)
	assert.Zero(t, h.step(t))
	assert.Equal(t, notification.StatusScheduled, h.get(t, id).Status)
	assert.Empty(t, push.Calls())

	h.clock.Set(at)
	assert.Equal(t, 1, h.step(t))
	assert.Equal(t, notification.StatusSent, h.get(t, id).Status)
}

func TestOrchestrator_SubmitBulk(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessConfig{}, newStub(notification.ChannelInApp))

	reqs := []notification.Request{
		request(notification.ChannelInApp),
		request(),
		request(notification.ChannelInApp),
	}
	results := h.orch.SubmitBulk(context.Background(), reqs)
	require.Len(t, results, 3)

	for i, r := range results {
		assert.Equal(t, i, r.Index)
	}
	require.NoError(t, results[0].Err)
	require.NoError(t, results[2].Err)
	assert.NotEmpty(t, results[0].ID)
	assert.NotEmpty(t, results[2].ID)
	assert.NotEqual(t, results[0].ID, results[2].ID)

	require.ErrorIs(t, results[1].Err, notification.ErrValidation)
	assert.Empty(t, results[1].ID)

	h.settle(t)
	assert.Equal(t, notification.StatusSent, h.get(t, results[0].ID).Status)
	assert.Equal(t, notification.StatusSent, h.get(t, results[2].ID).Status)
}

func TestOrchestrator_RetryDeliveredIsRejected(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessConfig{}, newStub(notification.ChannelPush), newStub(notification.ChannelEmail))

	id := h.submit(t, request(notification.ChannelPush, notification.ChannelEmail))
	h.settle(t)
	before := h.get(t, id)
	require.Equal(t, notification.StatusSent, before.Status)

	chs, err := h.orch.Retry(context.Background(), id)
	require.ErrorIs(t, err, notification.ErrNotRetryable)
	assert.Empty(t, chs)

	assert.Equal(t, before, h.get(t, id))
	assert.Empty(t, h.memory.Jobs())
}

func TestOrchestrator_RetryFailedChannel(t *testing.T) {
	t.Parallel()

	email := newStub(notification.ChannelEmail,
		channel.Permanent(errors.New("sender signature not confirmed")),
		channel.Delivered("pm-2"),
	)
	push := newStub(notification.ChannelPush)
	h := newHarness(t, harnessConfig{}, email, push)

	id := h.submit(t, request(notification.ChannelEmail, notification.ChannelPush))
	h.settle(t)
	require.Equal(t, notification.StatusPartiallyFailed, h.get(t, id).Status)

	_, err := h.orch.Retry(context.Background(), id, notification.ChannelPush)
	require.ErrorIs(t, err, notification.ErrNotRetryable)

	chs, err := h.orch.Retry(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, []notification.Channel{notification.ChannelEmail}, chs)

	n := h.get(t, id)
	assert.Equal(t, notification.StateQueued, n.Delivery[notification.ChannelEmail].State)
	assert.Equal(t, notification.StatusDispatching, n.Status)

	h.settle(t)
	n = h.get(t, id)
	d := n.Delivery[notification.ChannelEmail]
	assert.Equal(t, notification.StateDelivered, d.State)
	assert.Equal(t, 2, d.Attempts)
	assert.Equal(t, "pm-2", d.ProviderRef)
	assert.Equal(t, notification.StatusSent, n.Status)
	assert.Len(t, push.Calls(), 1)
}

func TestOrchestrator_RetryKeepsAttemptBudget(t *testing.T) {
	t.Parallel()

	push := newStub(notification.ChannelPush, channel.Transient(errTimeout))
	h := newHarness(t, harnessConfig{}, push)

	id := h.submit(t, request(notification.ChannelPush))
	h.settle(t)

	d := h.get(t, id).Delivery[notification.ChannelPush]
	require.Equal(t, notification.StateFailed, d.State)
	require.Equal(t, 2, d.Attempts)

	_, err := h.orch.Retry(context.Background(), id)
	require.ErrorIs(t, err, notification.ErrNotRetryable)
}

func TestOrchestrator_RetryUnknown(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessConfig{}, newStub(notification.ChannelPush))
	_, err := h.orch.Retry(context.Background(), "missing")
	require.ErrorIs(t, err, notification.ErrNotFound)
}

func TestOrchestrator_Cancel(t *testing.T) {
	t.Parallel()

	push := newStub(notification.ChannelPush)
	h := newHarness(t, harnessConfig{}, push, newStub(notification.ChannelEmail))
	ctx := context.Background()

	req := request(notification.ChannelPush, notification.ChannelEmail)
	at := h.clock.Now().Add(time.Hour)
	req.ScheduledAt = &at
	id := h.submit(t, req)
	require.Len(t, h.memory.Jobs(), 2)

	require.NoError(t, h.orch.Cancel(ctx, id))
	require.NoError(t, h.orch.Cancel(ctx, id))

	n := h.get(t, id)
	assert.Equal(t, notification.StatusCancelled, n.Status)
	for _, d := range n.Delivery {
		assert.Equal(t, notification.StateCancelled, d.State)
	}
	assert.Empty(t, h.memory.Jobs())

	h.clock.Set(at)
	h.settle(t)
	assert.Empty(t, push.Calls())
}

func TestOrchestrator_CancelStarted(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessConfig{}, newStub(notification.ChannelPush))
	ctx := context.Background()

	id := h.submit(t, request(notification.ChannelPush))
	require.ErrorIs(t, h.orch.Cancel(ctx, id), notification.ErrNotCancellable)

	h.settle(t)
	require.ErrorIs(t, h.orch.Cancel(ctx, id), notification.ErrNotCancellable)
	assert.Equal(t, notification.StatusSent, h.get(t, id).Status)
}

func TestOrchestrator_ReconcileAfterEnqueueFailure(t *testing.T) {
	t.Parallel()

	broken := &brokenQueue{}
	push := newStub(notification.ChannelPush)
	h := newHarness(t, harnessConfig{
		queue: func(q queue.Queue) queue.Queue {
			broken.Queue = q
			return broken
		},
	}, push)
	ctx := context.Background()

	broken.broken.Store(true)
	id, err := h.orch.Submit(ctx, request(notification.ChannelPush))
	require.ErrorIs(t, err, dispatch.ErrEnqueue)
	require.NotEmpty(t, id)
	assert.Equal(t, notification.StatusPending, h.get(t, id).Status)

	broken.broken.Store(false)

	ensured, err := h.orch.Reconcile(ctx)
	require.NoError(t, err)
	assert.Zero(t, ensured, "channels inside the grace period are left alone")

	h.clock.Advance(2 * time.Minute)
	ensured, err = h.orch.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, ensured)

	h.settle(t)
	assert.Equal(t, notification.StatusSent, h.get(t, id).Status)
	assert.Len(t, push.Calls(), 1)
}

func TestOrchestrator_ReconcileLostRetry(t *testing.T) {
	t.Parallel()

	broken := &brokenQueue{}
	sms := newStub(notification.ChannelSMS, channel.Transient(errTimeout), channel.Delivered("SM1"))
	h := newHarness(t, harnessConfig{
		queue: func(q queue.Queue) queue.Queue {
			broken.Queue = q
			return broken
		},
	}, sms)
	ctx := context.Background()

	id := h.submit(t, request(notification.ChannelSMS))

	// The first attempt fails and its retry cannot be queued.
	broken.broken.Store(true)
	p, _ := h.engine.Pool(notification.ChannelSMS)
	claimed, err := p.ProcessNext(ctx)
	require.True(t, claimed)
	require.ErrorIs(t, err, dispatch.ErrEnqueue)
	broken.broken.Store(false)

	d := h.get(t, id).Delivery[notification.ChannelSMS]
	require.Equal(t, notification.StateQueued, d.State)
	require.Equal(t, 1, d.Attempts)

	// The unacknowledged job comes back and queues the missing retry.
	h.clock.Advance(3 * time.Minute)
	h.settle(t)

	d = h.get(t, id).Delivery[notification.ChannelSMS]
	assert.Equal(t, notification.StateDelivered, d.State)
	assert.Equal(t, 2, d.Attempts)
	assert.Len(t, sms.Calls(), 2)
}

func TestOrchestrator_Stats(t *testing.T) {
	t.Parallel()

	push := newStub(notification.ChannelPush)
	email := newStub(notification.ChannelEmail, channel.Permanent(errors.New("inactive recipient")))
	h := newHarness(t, harnessConfig{}, push, email)
	ctx := context.Background()

	for i := range 5 {
		req := request(notification.ChannelPush, notification.ChannelEmail)
		if i%2 == 0 {
			req.Priority = notification.PriorityHigh
		}
		h.submit(t, req)
	}
	h.clock.Advance(time.Second)
	h.submit(t, request(notification.ChannelPush))
	h.settle(t)

	stats, err := h.orch.Stats(ctx, notification.Filter{})
	require.NoError(t, err)
	assert.Equal(t, 6, stats.Total)
	assert.Equal(t, 5, stats.ByStatus[notification.StatusPartiallyFailed])
	assert.Equal(t, 1, stats.ByStatus[notification.StatusSent])
	assert.Equal(t, 3, stats.ByPriority[notification.PriorityHigh])
	assert.Equal(t, 3, stats.ByPriority[notification.PriorityNormal])
	assert.Equal(t, 6, stats.ByChannel[notification.ChannelPush][notification.StateDelivered])
	assert.Equal(t, 5, stats.ByChannel[notification.ChannelEmail][notification.StateFailed])
	assert.Equal(t, 5, stats.Attempts[notification.ChannelEmail])

	onlyEmail, err := h.orch.Stats(ctx, notification.Filter{Channel: notification.ChannelEmail})
	require.NoError(t, err)
	assert.Equal(t, 5, onlyEmail.Total)
	assert.NotContains(t, onlyEmail.ByChannel, notification.ChannelPush)

	high, err := h.orch.Stats(ctx, notification.Filter{Priority: notification.PriorityHigh})
	require.NoError(t, err)
	assert.Equal(t, 3, high.Total)
}

func TestOrchestrator_StatsPagesAcrossManyRecords(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessConfig{}, newStub(notification.ChannelInApp))
	for i := range 7 {
		if i%3 == 0 {
			h.clock.Advance(time.Millisecond)
		}
		req := request(notification.ChannelInApp)
		req.RecipientID = fmt.Sprintf("patient-%d", i)
		h.submit(t, req)
	}

	stats, err := h.orch.Stats(context.Background(), notification.Filter{})
	require.NoError(t, err)
	assert.Equal(t, 7, stats.Total)
	assert.Equal(t, 7, stats.ByStatus[notification.StatusPending])
}

// downStore fails every call as unreachable.
type downStore struct{ store.Store }

func (downStore) Create(context.Context, *notification.Notification) error {
	return errors.Join(notification.ErrStoreUnavailable, errors.New("dial tcp: connection refused"))
}
