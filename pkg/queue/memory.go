package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/carebridge/dispatch/pkg/notification"
)

// Memory is an in-process Queue for tests and single-node development.
// Jobs do not survive a restart; lock expiry still redelivers jobs whose
// worker died inside the process.
type Memory struct {
	mu     sync.Mutex
	seq    int64
	jobs   map[string]*Job
	byChan map[notification.Channel]map[string]*Job
	now    func() time.Time
}

func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		jobs:   make(map[string]*Job),
		byChan: make(map[notification.Channel]map[string]*Job),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Memory) Enqueue(ctx context.Context, job Job) error {
	if err := validateJob(job); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.jobs[job.ID]; exists {
		return nil
	}

	m.seq++
	j := job
	j.Seq = m.seq
	j.EnqueuedAt = m.now()
	j.LockedUntil = nil
	j.LockedBy = ""

	m.jobs[j.ID] = &j
	if m.byChan[j.Channel] == nil {
		m.byChan[j.Channel] = make(map[string]*Job)
	}
	m.byChan[j.Channel][j.ID] = &j
	return nil
}

// Claim picks the visible job with the highest priority weight, breaking
// ties by enqueue sequence. A job whose lock has expired counts as visible.
func (m *Memory) Claim(ctx context.Context, ch notification.Channel, workerID string, visibility time.Duration) (*Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var best *Job
	for _, j := range m.byChan[ch] {
		if j.NotBefore.After(now) {
			continue
		}
		if j.LockedUntil != nil && j.LockedUntil.After(now) {
			continue
		}
		if best == nil || outranks(j, best) {
			best = j
		}
	}
	if best == nil {
		return nil, ErrNoJob
	}

	until := now.Add(visibility)
	best.LockedUntil = &until
	best.LockedBy = workerID

	c := *best
	return &c, nil
}

func (m *Memory) Ack(ctx context.Context, job *Job) error {
	if job == nil {
		return ErrInvalidJob
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.jobs[job.ID]
	if !ok {
		return nil
	}
	if stored.LockedBy != job.LockedBy {
		return fmt.Errorf("%w: job %s held by %q", ErrLockLost, job.ID, stored.LockedBy)
	}
	m.remove(stored)
	return nil
}

func (m *Memory) Release(ctx context.Context, job *Job, notBefore time.Time) error {
	if job == nil {
		return ErrInvalidJob
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.jobs[job.ID]
	if !ok {
		return fmt.Errorf("%w: job %s is gone", ErrLockLost, job.ID)
	}
	if stored.LockedBy != job.LockedBy {
		return fmt.Errorf("%w: job %s held by %q", ErrLockLost, job.ID, stored.LockedBy)
	}
	stored.NotBefore = notBefore
	stored.LockedUntil = nil
	stored.LockedBy = ""
	return nil
}

func (m *Memory) Cancel(ctx context.Context, notificationID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	removed := 0
	for _, j := range m.jobs {
		if j.NotificationID != notificationID {
			continue
		}
		if j.LockedUntil != nil && j.LockedUntil.After(now) {
			continue
		}
		m.remove(j)
		removed++
	}
	return removed, nil
}

func (m *Memory) Len(ctx context.Context, ch notification.Channel) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byChan[ch]), nil
}

// Jobs returns a snapshot of every job, for inspection in tests.
func (m *Memory) Jobs() []Job {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		out = append(out, *j)
	}
	return out
}

func (m *Memory) remove(j *Job) {
	delete(m.jobs, j.ID)
	delete(m.byChan[j.Channel], j.ID)
}

func outranks(a, b *Job) bool {
	wa, wb := a.Priority.Weight(), b.Priority.Weight()
	if wa != wb {
		return wa > wb
	}
	return a.Seq < b.Seq
}

func validateJob(j Job) error {
	if j.ID == "" || j.NotificationID == "" || !j.Channel.Valid() || j.Attempt < 1 {
		return fmt.Errorf("%w: id=%q notification=%q channel=%q attempt=%d",
			ErrInvalidJob, j.ID, j.NotificationID, j.Channel, j.Attempt)
	}
	return nil
}
