// Package queue provides the durable job queue behind the conversion
// worker: deduplicated enqueue, exponential-backoff retry, a dead-letter
// list, and retention-trimmed history. An in-process memory queue and a
// Redis-backed one share the contract; NewAuto picks between them at
// startup.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// ErrEmpty is returned by Dequeue when no job is ready.
var ErrEmpty = errors.New("queue: no jobs ready")

// ErrNotFound is returned when a job id has no record.
var ErrNotFound = errors.New("queue: job not found")

// State is a job's position in its lifecycle.
type State string

const (
	StateWaiting   State = "waiting"
	StateActive    State = "active"
	StateDelayed   State = "delayed"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// terminal reports whether a job in this state is finished. A new enqueue
// with the same id may replace a terminal job but never a live one.
func (s State) terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Job is the queued unit of work. Payload and Result are opaque to the
// queue; the worker owns their schema.
type Job struct {
	ID          string          `json:"id"`
	Payload     json.RawMessage `json:"payload"`
	Priority    int             `json:"priority"`
	State       State           `json:"state"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	Progress    int             `json:"progress"`
	EnqueuedAt  time.Time       `json:"enqueued_at"`
	NotBefore   time.Time       `json:"not_before,omitempty"`
	StartedAt   time.Time       `json:"started_at,omitempty"`
	FinishedAt  time.Time       `json:"finished_at,omitempty"`
	LastError   string          `json:"last_error,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
}

func (j *Job) clone() *Job {
	cp := *j
	cp.Payload = append(json.RawMessage(nil), j.Payload...)
	cp.Result = append(json.RawMessage(nil), j.Result...)
	return &cp
}

// Options tune a single enqueue.
type Options struct {
	// Priority: higher dequeues first.
	Priority int
	// Delay holds the job in the delayed set before it becomes ready.
	Delay time.Duration
}

// Counts is the queue depth by state. Completed and Failed count retained
// history, not lifetime totals.
type Counts struct {
	Waiting   int `json:"waiting"`
	Active    int `json:"active"`
	Delayed   int `json:"delayed"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// Pending is the backpressure-relevant depth.
func (c Counts) Pending() int { return c.Waiting + c.Active }

// Queue is the durable queue contract.
type Queue interface {
	// Enqueue adds job unless a live job with the same ID exists, in which
	// case the existing job is returned unchanged (submission idempotency).
	Enqueue(ctx context.Context, job *Job, opts Options) (*Job, error)
	// Dequeue moves the next ready job to active and returns it, or
	// ErrEmpty.
	Dequeue(ctx context.Context) (*Job, error)
	// Complete finishes a job successfully, attaching its result.
	Complete(ctx context.Context, id string, result []byte) error
	// Fail records a failure. final parks the job in the dead-letter list;
	// otherwise it is delayed until retryAt for another attempt. A zero
	// retryAt applies the queue's own exponential backoff.
	Fail(ctx context.Context, id, reason string, retryAt time.Time, final bool) error
	// Progress updates the job's progress percentage.
	Progress(ctx context.Context, id string, pct int) error
	// PromoteDelayed moves delayed jobs whose time has come into waiting.
	PromoteDelayed(ctx context.Context, now time.Time) (int, error)
	// Stats returns current depths.
	Stats(ctx context.Context) (Counts, error)
	// Job fetches a job by id.
	Job(ctx context.Context, id string) (*Job, error)
	Close() error
}

// Config tunes queue behavior. Zero values take the defaults from the
// operational contract.
type Config struct {
	Name          string
	MaxAttempts   int
	BackoffBase   time.Duration
	KeepCompleted int
	KeepFailed    int
}

func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = "conversions"
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 5 * time.Second
	}
	if c.KeepCompleted <= 0 {
		c.KeepCompleted = 100
	}
	if c.KeepFailed <= 0 {
		c.KeepFailed = 500
	}
	return c
}

// Backoff is the retry delay before attempt n runs again: base * 2^(n-1).
func Backoff(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return base << (attempt - 1)
}

// NewAuto returns a Redis-backed queue when REDIS_ADDR is set and
// reachable, an in-memory queue otherwise. Single-process deployments and
// tests run fine on memory; anything that must survive a restart sets
// REDIS_ADDR.
func NewAuto(cfg Config) Queue {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		log.Info().Str("queue", cfg.withDefaults().Name).Msg("using in-memory queue")
		return NewMemory(cfg)
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		log.Warn().Err(err).Str("addr", addr).Msg("redis unreachable, using in-memory queue")
		client.Close()
		return NewMemory(cfg)
	}

	log.Info().Str("addr", addr).Str("queue", cfg.withDefaults().Name).Msg("using redis queue")
	return NewRedis(client, cfg)
}
