package queue

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory is the in-process queue. One mutex guards everything: job counts
// are small (bounded by maxPendingJobs upstream) and correctness beats
// lock granularity here.
type Memory struct {
	cfg Config

	mu        sync.Mutex
	jobs      map[string]*Job
	waiting   []string
	active    map[string]struct{}
	delayed   map[string]struct{}
	completed []string // newest first
	failed    []string // newest first
	seq       map[string]int
	nextSeq   int
}

func NewMemory(cfg Config) *Memory {
	return &Memory{
		cfg:     cfg.withDefaults(),
		jobs:    make(map[string]*Job),
		active:  make(map[string]struct{}),
		delayed: make(map[string]struct{}),
		seq:     make(map[string]int),
	}
}

func (q *Memory) Enqueue(ctx context.Context, job *Job, opts Options) (*Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	if existing, ok := q.jobs[job.ID]; ok && !existing.State.terminal() {
		return existing.clone(), nil
	}
	// A resubmitted terminal job vacates its history slot.
	q.completed = dropID(q.completed, job.ID)
	q.failed = dropID(q.failed, job.ID)

	j := job.clone()
	j.Priority = opts.Priority
	j.Attempts = 0
	j.Progress = 0
	j.EnqueuedAt = time.Now().UTC()
	if j.MaxAttempts <= 0 {
		j.MaxAttempts = q.cfg.MaxAttempts
	}
	q.jobs[j.ID] = j
	q.seq[j.ID] = q.nextSeq
	q.nextSeq++

	if opts.Delay > 0 {
		j.State = StateDelayed
		j.NotBefore = j.EnqueuedAt.Add(opts.Delay)
		q.delayed[j.ID] = struct{}{}
	} else {
		j.State = StateWaiting
		q.pushWaiting(j.ID)
	}
	return j.clone(), nil
}

// pushWaiting keeps the waiting list ordered by priority desc, then FIFO.
func (q *Memory) pushWaiting(id string) {
	q.waiting = append(q.waiting, id)
	sort.SliceStable(q.waiting, func(a, b int) bool {
		ja, jb := q.jobs[q.waiting[a]], q.jobs[q.waiting[b]]
		if ja.Priority != jb.Priority {
			return ja.Priority > jb.Priority
		}
		return q.seq[ja.ID] < q.seq[jb.ID]
	})
}

func (q *Memory) Dequeue(ctx context.Context) (*Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.waiting) == 0 {
		return nil, ErrEmpty
	}
	id := q.waiting[0]
	q.waiting = q.waiting[1:]

	j := q.jobs[id]
	j.State = StateActive
	j.Attempts++
	j.StartedAt = time.Now().UTC()
	q.active[id] = struct{}{}
	return j.clone(), nil
}

func (q *Memory) Complete(ctx context.Context, id string, result []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	j, ok := q.jobs[id]
	if !ok {
		return ErrNotFound
	}
	delete(q.active, id)
	j.State = StateCompleted
	j.Progress = 100
	j.Result = append([]byte(nil), result...)
	j.FinishedAt = time.Now().UTC()

	q.completed = append([]string{id}, q.completed...)
	q.trimLocked(&q.completed, q.cfg.KeepCompleted)
	return nil
}

func (q *Memory) Fail(ctx context.Context, id, reason string, retryAt time.Time, final bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	j, ok := q.jobs[id]
	if !ok {
		return ErrNotFound
	}
	delete(q.active, id)
	j.LastError = reason

	if final {
		j.State = StateFailed
		j.FinishedAt = time.Now().UTC()
		q.failed = append([]string{id}, q.failed...)
		q.trimLocked(&q.failed, q.cfg.KeepFailed)
		return nil
	}

	j.State = StateDelayed
	if retryAt.IsZero() {
		retryAt = time.Now().UTC().Add(Backoff(q.cfg.BackoffBase, j.Attempts))
	}
	j.NotBefore = retryAt
	q.delayed[id] = struct{}{}
	return nil
}

func dropID(list []string, id string) []string {
	for i, v := range list {
		if v == id {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

// trimLocked drops jobs beyond keep from a retention list and from the job
// map. Caller holds the lock.
func (q *Memory) trimLocked(list *[]string, keep int) {
	if len(*list) <= keep {
		return
	}
	for _, id := range (*list)[keep:] {
		delete(q.jobs, id)
		delete(q.seq, id)
	}
	*list = (*list)[:keep]
}

func (q *Memory) Progress(ctx context.Context, id string, pct int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	j, ok := q.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	j.Progress = pct
	return nil
}

func (q *Memory) PromoteDelayed(ctx context.Context, now time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	promoted := 0
	for id := range q.delayed {
		j := q.jobs[id]
		if j.NotBefore.After(now) {
			continue
		}
		delete(q.delayed, id)
		j.State = StateWaiting
		j.NotBefore = time.Time{}
		q.pushWaiting(id)
		promoted++
	}
	return promoted, nil
}

func (q *Memory) Stats(ctx context.Context) (Counts, error) {
	if err := ctx.Err(); err != nil {
		return Counts{}, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return Counts{
		Waiting:   len(q.waiting),
		Active:    len(q.active),
		Delayed:   len(q.delayed),
		Completed: len(q.completed),
		Failed:    len(q.failed),
	}, nil
}

func (q *Memory) Job(ctx context.Context, id string) (*Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return j.clone(), nil
}

func (q *Memory) Close() error { return nil }
