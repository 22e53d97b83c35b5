package queue_test

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carebridge/dispatch/pkg/notification"
	"github.com/carebridge/dispatch/pkg/queue"
)

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

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func job(nid string, ch notification.Channel, attempt int, p notification.Priority, notBefore time.Time) queue.Job {
	return queue.Job{
		ID:             queue.JobID(nid, ch, attempt),
		NotificationID: nid,
		Channel:        ch,
		Attempt:        attempt,
		Priority:       p,
		NotBefore:      notBefore,
	}
}

type factory func(t *testing.T, c *clock) queue.Queue

func backends(t *testing.T) map[string]factory {
	t.Helper()

	out := map[string]factory{
		"memory": func(t *testing.T, c *clock) queue.Queue {
			return queue.NewMemory(queue.WithMemoryClock(c.Now))
		},
	}

	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		return out
	}
	out["redis"] = func(t *testing.T, c *clock) queue.Queue {
		opt, err := goredis.ParseURL(url)
		require.NoError(t, err)
		client := goredis.NewClient(opt)
		t.Cleanup(func() { _ = client.Close() })
		return queue.NewRedis(client,
			queue.WithRedisPrefix("test-"+uuid.NewString()),
			queue.WithRedisClock(c.Now),
		)
	}
	return out
}

func TestQueue(t *testing.T) {
	t.Parallel()

	for name, newQueue := range backends(t) {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			runQueueSuite(t, newQueue)
		})
	}
}

func runQueueSuite(t *testing.T, newQueue factory) {
	ctx := context.Background()

	t.Run("urgent is claimed before earlier low", func(t *testing.T) {
		t.Parallel()

		c := newClock()
		q := newQueue(t, c)

		require.NoError(t, q.Enqueue(ctx, job("n-low", notification.ChannelPush, 1, notification.PriorityLow, c.Now())))
		c.Advance(time.Second)
		require.NoError(t, q.Enqueue(ctx, job("n-urgent", notification.ChannelPush, 1, notification.PriorityUrgent, c.Now())))

		first, err := q.Claim(ctx, notification.ChannelPush, "w1", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, "n-urgent", first.NotificationID)

		second, err := q.Claim(ctx, notification.ChannelPush, "w1", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, "n-low", second.NotificationID)
	})

	t.Run("fifo within a priority band", func(t *testing.T) {
		t.Parallel()

		c := newClock()
		q := newQueue(t, c)

		for _, id := range []string{"a", "b", "c"} {
			require.NoError(t, q.Enqueue(ctx, job(id, notification.ChannelSMS, 1, notification.PriorityNormal, c.Now())))
		}

		var got []string
		for range 3 {
			j, err := q.Claim(ctx, notification.ChannelSMS, "w", time.Minute)
			require.NoError(t, err)
			got = append(got, j.NotificationID)
		}
		assert.Equal(t, []string{"a", "b", "c"}, got)
	})

	t.Run("job invisible before not_before", func(t *testing.T) {
		t.Parallel()

		c := newClock()
		q := newQueue(t, c)

		require.NoError(t, q.Enqueue(ctx, job("n", notification.ChannelEmail, 1, notification.PriorityUrgent, c.Now().Add(time.Hour))))

		_, err := q.Claim(ctx, notification.ChannelEmail, "w", time.Minute)
		assert.ErrorIs(t, err, queue.ErrNoJob)

		c.Advance(59 * time.Minute)
		_, err = q.Claim(ctx, notification.ChannelEmail, "w", time.Minute)
		assert.ErrorIs(t, err, queue.ErrNoJob)

		c.Advance(time.Minute)
		j, err := q.Claim(ctx, notification.ChannelEmail, "w", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, "n", j.NotificationID)
	})

	t.Run("channels are isolated", func(t *testing.T) {
		t.Parallel()

		c := newClock()
		q := newQueue(t, c)

		require.NoError(t, q.Enqueue(ctx, job("n", notification.ChannelEmail, 1, notification.PriorityNormal, c.Now())))
		_, err := q.Claim(ctx, notification.ChannelSMS, "w", time.Minute)
		assert.ErrorIs(t, err, queue.ErrNoJob)
	})

	t.Run("enqueue is idempotent on id", func(t *testing.T) {
		t.Parallel()

		c := newClock()
		q := newQueue(t, c)

		j := job("n", notification.ChannelPush, 1, notification.PriorityNormal, c.Now())
		require.NoError(t, q.Enqueue(ctx, j))
		require.NoError(t, q.Enqueue(ctx, j))

		n, err := q.Len(ctx, notification.ChannelPush)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("claimed job is not handed out twice", func(t *testing.T) {
		t.Parallel()

		c := newClock()
		q := newQueue(t, c)

		require.NoError(t, q.Enqueue(ctx, job("n", notification.ChannelPush, 1, notification.PriorityNormal, c.Now())))

		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			claimed int
		)
		for i := range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := q.Claim(ctx, notification.ChannelPush, uuid.NewString(), time.Minute); err == nil {
					mu.Lock()
					claimed++
					mu.Unlock()
				} else {
					assert.ErrorIs(t, err, queue.ErrNoJob, "claimer %d", i)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, claimed)
	})

	t.Run("unacked job is redelivered after visibility timeout", func(t *testing.T) {
		t.Parallel()

		c := newClock()
		q := newQueue(t, c)

		require.NoError(t, q.Enqueue(ctx, job("n", notification.ChannelSMS, 1, notification.PriorityNormal, c.Now())))

		first, err := q.Claim(ctx, notification.ChannelSMS, "crashed", 30*time.Second)
		require.NoError(t, err)

		c.Advance(10 * time.Second)
		_, err = q.Claim(ctx, notification.ChannelSMS, "other", 30*time.Second)
		assert.ErrorIs(t, err, queue.ErrNoJob)

		c.Advance(21 * time.Second)
		again, err := q.Claim(ctx, notification.ChannelSMS, "other", 30*time.Second)
		require.NoError(t, err)
		assert.Equal(t, first.ID, again.ID)

		assert.ErrorIs(t, q.Ack(ctx, first), queue.ErrLockLost)
		require.NoError(t, q.Ack(ctx, again))

		n, err := q.Len(ctx, notification.ChannelSMS)
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("released job returns at not_before", func(t *testing.T) {
		t.Parallel()

		c := newClock()
		q := newQueue(t, c)

		require.NoError(t, q.Enqueue(ctx, job("n", notification.ChannelPush, 2, notification.PriorityUrgent, c.Now())))
		claimed, err := q.Claim(ctx, notification.ChannelPush, "w1", time.Minute)
		require.NoError(t, err)

		require.NoError(t, q.Release(ctx, claimed, c.Now().Add(30*time.Second)))
		assert.ErrorIs(t, q.Ack(ctx, claimed), queue.ErrLockLost, "the releasing worker no longer holds the job")

		c.Advance(29 * time.Second)
		_, err = q.Claim(ctx, notification.ChannelPush, "w2", time.Minute)
		assert.ErrorIs(t, err, queue.ErrNoJob)

		c.Advance(time.Second)
		again, err := q.Claim(ctx, notification.ChannelPush, "w2", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, claimed.ID, again.ID)
		assert.Equal(t, 2, again.Attempt)

		assert.ErrorIs(t, q.Release(ctx, claimed, c.Now()), queue.ErrLockLost)
		require.NoError(t, q.Ack(ctx, again))
	})

	t.Run("cancel removes only unclaimed jobs", func(t *testing.T) {
		t.Parallel()

		c := newClock()
		q := newQueue(t, c)

		require.NoError(t, q.Enqueue(ctx, job("n", notification.ChannelPush, 1, notification.PriorityNormal, c.Now())))
		require.NoError(t, q.Enqueue(ctx, job("n", notification.ChannelEmail, 1, notification.PriorityNormal, c.Now().Add(time.Hour))))
		require.NoError(t, q.Enqueue(ctx, job("other", notification.ChannelEmail, 1, notification.PriorityNormal, c.Now().Add(time.Hour))))

		claimed, err := q.Claim(ctx, notification.ChannelPush, "w", time.Minute)
		require.NoError(t, err)

		removed, err := q.Cancel(ctx, "n")
		require.NoError(t, err)
		assert.Equal(t, 1, removed)

		n, err := q.Len(ctx, notification.ChannelEmail)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		require.NoError(t, q.Ack(ctx, claimed))
	})

	t.Run("rejects malformed jobs", func(t *testing.T) {
		t.Parallel()

		q := newQueue(t, newClock())
		assert.ErrorIs(t, q.Enqueue(ctx, queue.Job{ID: "x"}), queue.ErrInvalidJob)
		assert.ErrorIs(t, q.Enqueue(ctx, job("n", "fax", 1, notification.PriorityLow, time.Now())), queue.ErrInvalidJob)
	})
}

func TestJobID(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "n1:sms:2", queue.JobID("n1", notification.ChannelSMS, 2))
	assert.NotEqual(t, queue.JobID("n1", notification.ChannelSMS, 1), queue.JobID("n1", notification.ChannelSMS, 2))
}

func TestNewJob(t *testing.T) {
	t.Parallel()

	at := time.Now()
	n := &notification.Notification{ID: "n1", Priority: notification.PriorityHigh}
	j := queue.NewJob(n, notification.ChannelEmail, 3, at)

	assert.Equal(t, "n1:email:3", j.ID)
	assert.Equal(t, notification.PriorityHigh, j.Priority)
	assert.Equal(t, at, j.NotBefore)
}

func TestMemory_Jobs(t *testing.T) {
	t.Parallel()

	q := queue.NewMemory()
	require.NoError(t, q.Enqueue(context.Background(), job("n", notification.ChannelInApp, 1, notification.PriorityLow, time.Now())))

	jobs := q.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, int64(1), jobs[0].Seq)
}
