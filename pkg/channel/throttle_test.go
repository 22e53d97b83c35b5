package channel_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carebridge/dispatch/pkg/channel"
	"github.com/carebridge/dispatch/pkg/notification"
)

var testThrottle = channel.ThrottleConfig{Capacity: 2, Refill: 1, Interval: 100 * time.Millisecond}

func limiterBackends(t *testing.T) map[string]func(t *testing.T) *channel.Limiter {
	t.Helper()

	out := map[string]func(t *testing.T) *channel.Limiter{
		"memory": func(t *testing.T) *channel.Limiter {
			l, err := channel.NewMemoryLimiter(testThrottle)
			require.NoError(t, err)
			return l
		},
	}
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		return out
	}
	out["redis"] = func(t *testing.T) *channel.Limiter {
		opt, err := goredis.ParseURL(url)
		require.NoError(t, err)
		client := goredis.NewClient(opt)
		t.Cleanup(func() { _ = client.Close() })
		l, err := channel.NewRedisLimiter(client, "test-"+uuid.NewString(), testThrottle)
		require.NoError(t, err)
		return l
	}
	return out
}

func TestLimiter_Wait(t *testing.T) {
	t.Parallel()

	for name, newLimiter := range limiterBackends(t) {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			l := newLimiter(t)
			ctx := context.Background()

			start := time.Now()
			require.NoError(t, l.Wait(ctx, "sms"))
			require.NoError(t, l.Wait(ctx, "sms"))
			assert.Less(t, time.Since(start), 50*time.Millisecond, "burst is served immediately")

			short, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
			defer cancel()
			require.ErrorIs(t, l.Wait(short, "sms"), channel.ErrThrottled)

			require.NoError(t, l.Wait(ctx, "push"), "keys are independent")

			require.NoError(t, l.Wait(ctx, "sms"))
			assert.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond, "third send waits for a refill")
		})
	}
}

func TestNewMemoryLimiter_Invalid(t *testing.T) {
	t.Parallel()

	for _, cfg := range []channel.ThrottleConfig{
		{},
		{Capacity: 1, Refill: 0, Interval: time.Second},
		{Capacity: 1, Refill: 1},
	} {
		_, err := channel.NewMemoryLimiter(cfg)
		assert.ErrorIs(t, err, channel.ErrInvalidConfig, "%+v", cfg)
	}
	assert.False(t, channel.ThrottleConfig{}.Enabled())
	assert.True(t, testThrottle.Enabled())
}

func TestThrottle(t *testing.T) {
	t.Parallel()

	l, err := channel.NewMemoryLimiter(channel.ThrottleConfig{Capacity: 1, Refill: 1, Interval: time.Hour})
	require.NoError(t, err)

	inner := &stubSender{ch: notification.ChannelSMS, results: []channel.Result{channel.Delivered("SM1")}}
	s := channel.Throttle(inner, l)
	assert.Equal(t, notification.ChannelSMS, s.Channel())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	res := s.Send(ctx, channel.Message{})
	require.True(t, res.Success)

	res = s.Send(ctx, channel.Message{})
	assert.Equal(t, channel.ClassDeferred, res.Classification)
	assert.ErrorIs(t, res.Err, channel.ErrThrottled)
	assert.WithinDuration(t, time.Now().Add(time.Hour), res.RetryAt, time.Minute, "deferred to the next refill")
	assert.Equal(t, 1, inner.calls, "provider is not called without a slot")

	cleaner, ok := s.(channel.Cleaner)
	require.True(t, ok)
	require.NoError(t, cleaner.Cleanup(ctx, channel.Message{}, res))
	assert.Equal(t, 1, inner.cleaned)
}
