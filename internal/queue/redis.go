package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is the durable queue. Jobs live in a hash keyed by id; state lists
// and the delayed zset hold ids only. Dequeue is a polling LMOVE rather
// than a blocking pop so a worker shutdown never hangs on a dead
// connection.
//
// Priority handling is two-level here: priority > 0 jobs are pushed to the
// front of the waiting list, everything else to the back. Full ordering
// would need a zset per priority, which nothing upstream asks for.
type Redis struct {
	cfg    Config
	client *redis.Client

	jobsKey      string
	waitingKey   string
	activeKey    string
	delayedKey   string
	completedKey string
	failedKey    string
}

func NewRedis(client *redis.Client, cfg Config) *Redis {
	cfg = cfg.withDefaults()
	prefix := "tourforge:" + cfg.Name + ":"
	return &Redis{
		cfg:          cfg,
		client:       client,
		jobsKey:      prefix + "jobs",
		waitingKey:   prefix + "waiting",
		activeKey:    prefix + "active",
		delayedKey:   prefix + "delayed",
		completedKey: prefix + "completed",
		failedKey:    prefix + "failed",
	}
}

func (q *Redis) Enqueue(ctx context.Context, job *Job, opts Options) (*Job, error) {
	j := job.clone()
	j.Priority = opts.Priority
	j.Attempts = 0
	j.Progress = 0
	j.EnqueuedAt = time.Now().UTC()
	if j.MaxAttempts <= 0 {
		j.MaxAttempts = q.cfg.MaxAttempts
	}
	if opts.Delay > 0 {
		j.State = StateDelayed
		j.NotBefore = j.EnqueuedAt.Add(opts.Delay)
	} else {
		j.State = StateWaiting
	}

	raw, err := json.Marshal(j)
	if err != nil {
		return nil, fmt.Errorf("marshal job: %w", err)
	}

	created, err := q.client.HSetNX(ctx, q.jobsKey, j.ID, raw).Result()
	if err != nil {
		return nil, fmt.Errorf("enqueue %s: %w", j.ID, err)
	}
	if !created {
		existing, err := q.fetch(ctx, j.ID)
		if err != nil {
			return nil, err
		}
		if !existing.State.terminal() {
			return existing, nil
		}
		// Terminal jobs may be resubmitted; replace the record and vacate
		// the history slot so retention cannot reap the live job.
		q.client.LRem(ctx, q.completedKey, 0, j.ID)
		q.client.LRem(ctx, q.failedKey, 0, j.ID)
		if err := q.store(ctx, j); err != nil {
			return nil, err
		}
	}

	if j.State == StateDelayed {
		err = q.client.ZAdd(ctx, q.delayedKey, redis.Z{
			Score:  float64(j.NotBefore.UnixMilli()),
			Member: j.ID,
		}).Err()
	} else {
		err = q.pushWaiting(ctx, j)
	}
	if err != nil {
		return nil, fmt.Errorf("enqueue %s: %w", j.ID, err)
	}
	return j.clone(), nil
}

func (q *Redis) pushWaiting(ctx context.Context, j *Job) error {
	if j.Priority > 0 {
		return q.client.LPush(ctx, q.waitingKey, j.ID).Err()
	}
	return q.client.RPush(ctx, q.waitingKey, j.ID).Err()
}

func (q *Redis) Dequeue(ctx context.Context) (*Job, error) {
	for {
		id, err := q.client.LMove(ctx, q.waitingKey, q.activeKey, "LEFT", "RIGHT").Result()
		if errors.Is(err, redis.Nil) {
			return nil, ErrEmpty
		}
		if err != nil {
			return nil, fmt.Errorf("dequeue: %w", err)
		}

		j, err := q.fetch(ctx, id)
		if errors.Is(err, ErrNotFound) {
			// Retention trimmed the record out from under its list entry.
			q.client.LRem(ctx, q.activeKey, 1, id)
			continue
		}
		if err != nil {
			return nil, err
		}

		j.State = StateActive
		j.Attempts++
		j.StartedAt = time.Now().UTC()
		if err := q.store(ctx, j); err != nil {
			return nil, err
		}
		return j, nil
	}
}

func (q *Redis) Complete(ctx context.Context, id string, result []byte) error {
	j, err := q.fetch(ctx, id)
	if err != nil {
		return err
	}
	q.client.LRem(ctx, q.activeKey, 1, id)

	j.State = StateCompleted
	j.Progress = 100
	j.Result = append([]byte(nil), result...)
	j.FinishedAt = time.Now().UTC()
	if err := q.store(ctx, j); err != nil {
		return err
	}
	return q.retain(ctx, q.completedKey, id, q.cfg.KeepCompleted)
}

func (q *Redis) Fail(ctx context.Context, id, reason string, retryAt time.Time, final bool) error {
	j, err := q.fetch(ctx, id)
	if err != nil {
		return err
	}
	q.client.LRem(ctx, q.activeKey, 1, id)
	j.LastError = reason

	if final {
		j.State = StateFailed
		j.FinishedAt = time.Now().UTC()
		if err := q.store(ctx, j); err != nil {
			return err
		}
		return q.retain(ctx, q.failedKey, id, q.cfg.KeepFailed)
	}

	j.State = StateDelayed
	if retryAt.IsZero() {
		retryAt = time.Now().UTC().Add(Backoff(q.cfg.BackoffBase, j.Attempts))
	}
	j.NotBefore = retryAt
	if err := q.store(ctx, j); err != nil {
		return err
	}
	return q.client.ZAdd(ctx, q.delayedKey, redis.Z{
		Score:  float64(retryAt.UnixMilli()),
		Member: id,
	}).Err()
}

// retain pushes id onto a history list and trims both the list and the job
// hash to the retention window.
func (q *Redis) retain(ctx context.Context, key, id string, keep int) error {
	if err := q.client.LPush(ctx, key, id).Err(); err != nil {
		return fmt.Errorf("retain %s: %w", id, err)
	}
	evicted, err := q.client.LRange(ctx, key, int64(keep), -1).Result()
	if err != nil {
		return fmt.Errorf("retain trim scan: %w", err)
	}
	if len(evicted) > 0 {
		q.client.HDel(ctx, q.jobsKey, evicted...)
		if err := q.client.LTrim(ctx, key, 0, int64(keep)-1).Err(); err != nil {
			return fmt.Errorf("retain trim: %w", err)
		}
	}
	return nil
}

func (q *Redis) Progress(ctx context.Context, id string, pct int) error {
	j, err := q.fetch(ctx, id)
	if err != nil {
		return err
	}
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	j.Progress = pct
	return q.store(ctx, j)
}

func (q *Redis) PromoteDelayed(ctx context.Context, now time.Time) (int, error) {
	due, err := q.client.ZRangeByScore(ctx, q.delayedKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("scan delayed: %w", err)
	}

	promoted := 0
	for _, id := range due {
		removed, err := q.client.ZRem(ctx, q.delayedKey, id).Result()
		if err != nil || removed == 0 {
			continue // another promoter got it
		}
		j, err := q.fetch(ctx, id)
		if err != nil {
			continue
		}
		j.State = StateWaiting
		j.NotBefore = time.Time{}
		if err := q.store(ctx, j); err != nil {
			return promoted, err
		}
		if err := q.pushWaiting(ctx, j); err != nil {
			return promoted, err
		}
		promoted++
	}
	return promoted, nil
}

func (q *Redis) Stats(ctx context.Context) (Counts, error) {
	waiting, err := q.client.LLen(ctx, q.waitingKey).Result()
	if err != nil {
		return Counts{}, fmt.Errorf("stats: %w", err)
	}
	active, err := q.client.LLen(ctx, q.activeKey).Result()
	if err != nil {
		return Counts{}, fmt.Errorf("stats: %w", err)
	}
	delayed, err := q.client.ZCard(ctx, q.delayedKey).Result()
	if err != nil {
		return Counts{}, fmt.Errorf("stats: %w", err)
	}
	completed, err := q.client.LLen(ctx, q.completedKey).Result()
	if err != nil {
		return Counts{}, fmt.Errorf("stats: %w", err)
	}
	failed, err := q.client.LLen(ctx, q.failedKey).Result()
	if err != nil {
		return Counts{}, fmt.Errorf("stats: %w", err)
	}
	return Counts{
		Waiting:   int(waiting),
		Active:    int(active),
		Delayed:   int(delayed),
		Completed: int(completed),
		Failed:    int(failed),
	}, nil
}

func (q *Redis) Job(ctx context.Context, id string) (*Job, error) {
	return q.fetch(ctx, id)
}

func (q *Redis) Close() error {
	return q.client.Close()
}

func (q *Redis) fetch(ctx context.Context, id string) (*Job, error) {
	raw, err := q.client.HGet(ctx, q.jobsKey, id).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", id, err)
	}
	var j Job
	if err := json.Unmarshal([]byte(raw), &j); err != nil {
		return nil, fmt.Errorf("decode %s: %w", id, err)
	}
	return &j, nil
}

func (q *Redis) store(ctx context.Context, j *Job) error {
	raw, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", j.ID, err)
	}
	if err := q.client.HSet(ctx, q.jobsKey, j.ID, raw).Err(); err != nil {
		return fmt.Errorf("store %s: %w", j.ID, err)
	}
	return nil
}
