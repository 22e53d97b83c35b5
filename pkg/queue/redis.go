package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/carebridge/dispatch/pkg/notification"
)

// Redis is a durable Queue backed by sorted sets, one group per channel:
//
//	<prefix>:<channel>:delayed   score = not_before (unix ms)
//	<prefix>:<channel>:ready     score = (100 - weight) * 1e12 + seq
//	<prefix>:<channel>:inflight  score = lock deadline (unix ms)
//	<prefix>:job:<id>            hash with the job JSON, seq, score, lock owner
//	<prefix>:notif:<id>          set of job ids of one notification
//
// Every state transition runs in a Lua script, so concurrent claimers never
// receive the same job. Keys are built inside scripts, which ties the queue
// to a single Redis node rather than a cluster.
type Redis struct {
	client       redis.UniversalClient
	prefix       string
	promoteBatch int
	now          func() time.Time
}

func NewRedis(client redis.UniversalClient, opts ...RedisOption) *Redis {
	r := &Redis{
		client:       client,
		prefix:       "dispatch",
		promoteBatch: 100,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

var enqueueScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then return 0 end
local seq = redis.call('INCR', KEYS[5])
local score = string.format('%.0f', (100 - tonumber(ARGV[4])) * 1000000000000 + seq)
redis.call('HSET', KEYS[1], 'data', ARGV[1], 'seq', seq, 'score', score, 'ch', ARGV[6], 'enqueued_at', ARGV[3])
redis.call('SADD', KEYS[4], ARGV[5])
if tonumber(ARGV[2]) <= tonumber(ARGV[3]) then
  redis.call('ZADD', KEYS[3], score, ARGV[5])
else
  redis.call('ZADD', KEYS[2], ARGV[2], ARGV[5])
end
return seq
`)

var claimScript = redis.NewScript(`
local batch = tonumber(ARGV[5])
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, batch)
for _, id in ipairs(due) do
  redis.call('ZREM', KEYS[1], id)
  local score = redis.call('HGET', ARGV[4] .. id, 'score')
  if score then redis.call('ZADD', KEYS[2], score, id) end
end
local expired = redis.call('ZRANGEBYSCORE', KEYS[3], '-inf', ARGV[1], 'LIMIT', 0, batch)
for _, id in ipairs(expired) do
  redis.call('ZREM', KEYS[3], id)
  local score = redis.call('HGET', ARGV[4] .. id, 'score')
  if score then redis.call('ZADD', KEYS[2], score, id) end
end
while true do
  local popped = redis.call('ZPOPMIN', KEYS[2])
  if #popped == 0 then return false end
  local id = popped[1]
  local key = ARGV[4] .. id
  if redis.call('EXISTS', key) == 1 then
    redis.call('ZADD', KEYS[3], ARGV[2], id)
    redis.call('HSET', key, 'locked_by', ARGV[3], 'locked_until', ARGV[2])
    return redis.call('HMGET', key, 'data', 'seq', 'enqueued_at')
  end
end
`)

var ackScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return 1 end
if redis.call('HGET', KEYS[1], 'locked_by') ~= ARGV[1] then return 0 end
redis.call('ZREM', KEYS[2], ARGV[2])
redis.call('ZREM', KEYS[3], ARGV[2])
redis.call('DEL', KEYS[1])
redis.call('SREM', KEYS[4], ARGV[2])
return 1
`)

var releaseScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return 0 end
if redis.call('HGET', KEYS[1], 'locked_by') ~= ARGV[1] then return 0 end
redis.call('ZREM', KEYS[2], ARGV[2])
redis.call('HSET', KEYS[1], 'data', ARGV[5], 'locked_by', '', 'locked_until', '')
if tonumber(ARGV[3]) <= tonumber(ARGV[4]) then
  redis.call('ZADD', KEYS[4], redis.call('HGET', KEYS[1], 'score'), ARGV[2])
else
  redis.call('ZADD', KEYS[3], ARGV[3], ARGV[2])
end
return 1
`)

var cancelScript = redis.NewScript(`
local ids = redis.call('SMEMBERS', KEYS[1])
local removed = 0
for _, id in ipairs(ids) do
  local key = ARGV[1] .. ':job:' .. id
  local ch = redis.call('HGET', key, 'ch')
  if not ch then
    redis.call('SREM', KEYS[1], id)
  else
    local base = ARGV[1] .. ':' .. ch
    local n = redis.call('ZREM', base .. ':delayed', id) + redis.call('ZREM', base .. ':ready', id)
    local lock = redis.call('ZSCORE', base .. ':inflight', id)
    if lock and tonumber(lock) <= tonumber(ARGV[2]) then
      n = n + redis.call('ZREM', base .. ':inflight', id)
    end
    if n > 0 then
      redis.call('DEL', key)
      redis.call('SREM', KEYS[1], id)
      removed = removed + 1
    end
  end
end
return removed
`)

func (r *Redis) Enqueue(ctx context.Context, job Job) error {
	if err := validateJob(job); err != nil {
		return err
	}

	now := r.now()
	job.EnqueuedAt = now
	job.Seq = 0
	job.LockedBy = ""
	job.LockedUntil = nil

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("queue: encode job %s: %w", job.ID, err)
	}

	keys := []string{
		r.jobKey(job.ID),
		r.chanKey(job.Channel, "delayed"),
		r.chanKey(job.Channel, "ready"),
		r.notifKey(job.NotificationID),
		r.prefix + ":seq",
	}
	args := []any{
		string(data),
		job.NotBefore.UnixMilli(),
		now.UnixMilli(),
		int(job.Priority.Weight()),
		job.ID,
		string(job.Channel),
	}
	if err := enqueueScript.Run(ctx, r.client, keys, args...).Err(); err != nil {
		return errors.Join(ErrUnavailable, err)
	}
	return nil
}

func (r *Redis) Claim(ctx context.Context, ch notification.Channel, workerID string, visibility time.Duration) (*Job, error) {
	now := r.now()
	deadline := now.Add(visibility)

	keys := []string{
		r.chanKey(ch, "delayed"),
		r.chanKey(ch, "ready"),
		r.chanKey(ch, "inflight"),
	}
	args := []any{
		now.UnixMilli(),
		deadline.UnixMilli(),
		workerID,
		r.prefix + ":job:",
		r.promoteBatch,
	}

	res, err := claimScript.Run(ctx, r.client, keys, args...).Slice()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoJob
	}
	if err != nil {
		return nil, errors.Join(ErrUnavailable, err)
	}
	if len(res) != 3 {
		return nil, fmt.Errorf("queue: unexpected claim reply of %d fields", len(res))
	}

	data, _ := res[0].(string)
	var job Job
	if err := json.Unmarshal([]byte(data), &job); err != nil {
		return nil, fmt.Errorf("queue: decode job: %w", err)
	}
	if s, ok := res[1].(string); ok {
		job.Seq, _ = strconv.ParseInt(s, 10, 64)
	}
	if s, ok := res[2].(string); ok {
		if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
			job.EnqueuedAt = time.UnixMilli(ms)
		}
	}
	job.LockedBy = workerID
	job.LockedUntil = &deadline
	return &job, nil
}

func (r *Redis) Ack(ctx context.Context, job *Job) error {
	if job == nil {
		return ErrInvalidJob
	}
	keys := []string{
		r.jobKey(job.ID),
		r.chanKey(job.Channel, "inflight"),
		r.chanKey(job.Channel, "ready"),
		r.notifKey(job.NotificationID),
	}
	ok, err := ackScript.Run(ctx, r.client, keys, job.LockedBy, job.ID).Int()
	if err != nil {
		return errors.Join(ErrUnavailable, err)
	}
	if ok == 0 {
		return fmt.Errorf("%w: job %s", ErrLockLost, job.ID)
	}
	return nil
}

func (r *Redis) Release(ctx context.Context, job *Job, notBefore time.Time) error {
	if job == nil {
		return ErrInvalidJob
	}

	released := *job
	released.NotBefore = notBefore
	released.Seq = 0
	released.LockedBy = ""
	released.LockedUntil = nil
	data, err := json.Marshal(released)
	if err != nil {
		return fmt.Errorf("queue: encode job %s: %w", job.ID, err)
	}

	keys := []string{
		r.jobKey(job.ID),
		r.chanKey(job.Channel, "inflight"),
		r.chanKey(job.Channel, "delayed"),
		r.chanKey(job.Channel, "ready"),
	}
	ok, err := releaseScript.Run(ctx, r.client, keys,
		job.LockedBy, job.ID, notBefore.UnixMilli(), r.now().UnixMilli(), string(data),
	).Int()
	if err != nil {
		return errors.Join(ErrUnavailable, err)
	}
	if ok == 0 {
		return fmt.Errorf("%w: job %s", ErrLockLost, job.ID)
	}
	return nil
}

func (r *Redis) Cancel(ctx context.Context, notificationID string) (int, error) {
	n, err := cancelScript.Run(ctx, r.client,
		[]string{r.notifKey(notificationID)},
		r.prefix, r.now().UnixMilli(),
	).Int()
	if err != nil {
		return 0, errors.Join(ErrUnavailable, err)
	}
	return n, nil
}

func (r *Redis) Len(ctx context.Context, ch notification.Channel) (int, error) {
	pipe := r.client.Pipeline()
	cmds := []*redis.IntCmd{
		pipe.ZCard(ctx, r.chanKey(ch, "delayed")),
		pipe.ZCard(ctx, r.chanKey(ch, "ready")),
		pipe.ZCard(ctx, r.chanKey(ch, "inflight")),
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, errors.Join(ErrUnavailable, err)
	}
	total := 0
	for _, c := range cmds {
		total += int(c.Val())
	}
	return total, nil
}

func (r *Redis) chanKey(ch notification.Channel, set string) string {
	return r.prefix + ":" + string(ch) + ":" + set
}

func (r *Redis) jobKey(id string) string {
	return r.prefix + ":job:" + id
}

func (r *Redis) notifKey(id string) string {
	return r.prefix + ":notif:" + id
}
