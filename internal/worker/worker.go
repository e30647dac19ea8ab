// Package worker runs conversion jobs off the durable queue. It owns the
// submission gate (queue bound + circuit breaker), the token-bucket rate
// limit, the worker pool, and the delayed-job promoter.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/homewalk/tourforge/internal/errs"
	"github.com/homewalk/tourforge/internal/metrics"
	"github.com/homewalk/tourforge/internal/pipeline"
	"github.com/homewalk/tourforge/internal/queue"
)

// Config tunes the worker pool.
type Config struct {
	// Concurrency is the number of jobs run in parallel.
	Concurrency int
	// RateLimit caps throughput at RateLimit jobs per RateWindow.
	RateLimit  int
	RateWindow time.Duration
	// PollInterval is the sleep between empty dequeues.
	PollInterval time.Duration
	// PromoteInterval is the delayed-job promoter tick.
	PromoteInterval time.Duration
	// DrainTimeout bounds how long Stop waits for in-flight jobs before
	// cancelling them.
	DrainTimeout time.Duration

	Gate GateConfig
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 2
	}
	if c.RateLimit <= 0 {
		c.RateLimit = 10
	}
	if c.RateWindow <= 0 {
		c.RateWindow = 60 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 200 * time.Millisecond
	}
	if c.PromoteInterval <= 0 {
		c.PromoteInterval = time.Second
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 10 * time.Second
	}
	c.Gate = c.Gate.withDefaults()
	return c
}

// SubmitOptions tune a single submission.
type SubmitOptions struct {
	// JobID overrides the default "tour-"+assetID dedup key.
	JobID string
	// Priority: higher dequeues first.
	Priority int
	// Delay holds the job back before it becomes ready.
	Delay time.Duration
	// BypassBackpressure skips the gate. Operator tooling only.
	BypassBackpressure bool
}

// Event is one job lifecycle notification.
type Event struct {
	JobID    string    `json:"job_id"`
	AssetID  string    `json:"asset_id"`
	State    string    `json:"state"`
	Progress int       `json:"progress"`
	At       time.Time `json:"ts"`
}

// Notifier receives job lifecycle events. Implementations must not block.
type Notifier interface {
	Notify(Event)
}

// Worker ties the queue, the conversion service, and the gate together.
type Worker struct {
	// Events, when set, receives lifecycle notifications.
	Events Notifier
	// Metrics is optional; nil disables instrumentation.
	Metrics *metrics.Registry

	cfg     Config
	queue   queue.Queue
	service *pipeline.Service
	gate    *Gate
	limiter *rate.Limiter

	intakeCancel context.CancelFunc
	jobCancel    context.CancelFunc
	wg           sync.WaitGroup
}

func New(q queue.Queue, svc *pipeline.Service, cfg Config) *Worker {
	cfg = cfg.withDefaults()
	perSecond := float64(cfg.RateLimit) / cfg.RateWindow.Seconds()
	return &Worker{
		cfg:     cfg,
		queue:   q,
		service: svc,
		gate:    NewGate(cfg.Gate),
		limiter: rate.NewLimiter(rate.Limit(perSecond), cfg.RateLimit),
	}
}

// Gate exposes the breaker for status probes.
func (w *Worker) Gate() *Gate { return w.gate }

// Submit validates the job, applies the gate, and enqueues. The returned
// queue.Job is the live record: a duplicate submission returns the
// existing job unchanged.
func (w *Worker) Submit(ctx context.Context, job pipeline.ConversionJob, opts SubmitOptions) (*queue.Job, error) {
	if err := job.Validate(); err != nil {
		return nil, err
	}
	id := opts.JobID
	if id == "" {
		id = "tour-" + job.AssetID
	}

	if !opts.BypassBackpressure {
		counts, err := w.queue.Stats(ctx)
		if err != nil {
			return nil, fmt.Errorf("submit %s: %w", id, err)
		}
		if err := w.gate.Admit(counts.Pending()); err != nil {
			w.Metrics.RecordRejection(errs.Reason(err))
			w.Metrics.SetBreakerState(w.gate.State().String())
			log.Warn().
				Str("job", id).
				Str("reason", errs.Reason(err)).
				Int("pending", counts.Pending()).
				Msg("submission rejected")
			return nil, err
		}
	}

	payload, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("submit %s: %w", id, err)
	}
	j, err := w.queue.Enqueue(ctx, &queue.Job{ID: id, Payload: payload}, queue.Options{
		Priority: opts.Priority,
		Delay:    opts.Delay,
	})
	if err != nil {
		return nil, fmt.Errorf("submit %s: %w", id, err)
	}
	log.Info().
		Str("job", j.ID).
		Str("asset", job.AssetID).
		Str("state", string(j.State)).
		Msg("job submitted")
	w.notify(j.ID, job.AssetID, string(j.State), j.Progress)
	return j, nil
}

// Start launches the worker goroutines and the delayed-job promoter.
// Cancelling ctx aborts everything immediately; call Stop for a graceful
// drain.
func (w *Worker) Start(ctx context.Context) {
	intakeCtx, intakeCancel := context.WithCancel(ctx)
	jobCtx, jobCancel := context.WithCancel(ctx)
	w.intakeCancel = intakeCancel
	w.jobCancel = jobCancel

	for i := 0; i < w.cfg.Concurrency; i++ {
		w.wg.Add(1)
		go w.runLoop(intakeCtx, jobCtx)
	}
	w.wg.Add(1)
	go w.promoteLoop(intakeCtx)

	log.Info().
		Int("concurrency", w.cfg.Concurrency).
		Int("rate_limit", w.cfg.RateLimit).
		Dur("rate_window", w.cfg.RateWindow).
		Msg("worker started")
}

// Stop halts intake, drains in-flight jobs within the drain timeout, then
// cancels stragglers and closes the queue. ctx bounds the forced phase.
func (w *Worker) Stop(ctx context.Context) error {
	if w.intakeCancel == nil {
		return w.queue.Close()
	}
	w.intakeCancel()
	log.Info().Dur("drain_timeout", w.cfg.DrainTimeout).Msg("worker draining")

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(w.cfg.DrainTimeout):
		log.Warn().Msg("drain deadline passed, cancelling in-flight jobs")
		w.jobCancel()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	w.jobCancel()
	log.Info().Msg("worker stopped")
	return w.queue.Close()
}

// Stats reports queue depth by state.
func (w *Worker) Stats(ctx context.Context) (queue.Counts, error) {
	return w.queue.Stats(ctx)
}

// Backpressure reports the gate's view of the queue.
func (w *Worker) Backpressure(ctx context.Context) (Status, error) {
	counts, err := w.queue.Stats(ctx)
	if err != nil {
		return Status{}, err
	}
	st := w.gate.Status(counts.Pending())
	w.Metrics.SetBreakerState(st.State)
	return st, nil
}

// runLoop is one worker goroutine. Intake (dequeue + rate limit) stops
// with intakeCtx; the job in flight keeps jobCtx until the drain deadline.
func (w *Worker) runLoop(intakeCtx, jobCtx context.Context) {
	defer w.wg.Done()
	for {
		j, err := w.queue.Dequeue(intakeCtx)
		switch {
		case errors.Is(err, queue.ErrEmpty):
			if !w.sleep(intakeCtx, w.cfg.PollInterval) {
				return
			}
			continue
		case err != nil:
			if intakeCtx.Err() != nil {
				return
			}
			log.Warn().Err(err).Msg("dequeue failed")
			if !w.sleep(intakeCtx, w.cfg.PollInterval) {
				return
			}
			continue
		}

		if err := w.limiter.Wait(intakeCtx); err != nil {
			// Shutdown hit while holding an unstarted job: put it back.
			_ = w.queue.Fail(context.Background(), j.ID, "worker shutdown before start", time.Now().UTC(), false)
			return
		}
		w.execute(jobCtx, j)
	}
}

// execute runs one dequeued job through the conversion service and folds
// the outcome back into the queue and the gate.
func (w *Worker) execute(ctx context.Context, j *queue.Job) {
	w.Metrics.JobStarted()
	defer w.Metrics.JobFinished()
	started := time.Now()

	var job pipeline.ConversionJob
	if err := json.Unmarshal(j.Payload, &job); err != nil {
		w.completeNotOK(ctx, j, started, &pipeline.ConversionResult{
			Error: &pipeline.ErrorInfo{
				Code:      string(errs.KindValidation),
				Message:   fmt.Sprintf("undecodable payload: %v", err),
				Retryable: false,
			},
		})
		return
	}

	log.Info().
		Str("job", j.ID).
		Str("asset", job.AssetID).
		Int("attempt", j.Attempts).
		Msg("job started")
	if err := w.queue.Progress(ctx, j.ID, 10); err != nil {
		log.Warn().Err(err).Str("job", j.ID).Msg("progress update failed")
	}
	w.notify(j.ID, job.AssetID, string(queue.StateActive), 10)

	res := w.runService(ctx, job)

	switch {
	case res.OK:
		payload := w.marshalResult(j.ID, res)
		if err := w.queue.Complete(ctx, j.ID, payload); err != nil {
			log.Error().Err(err).Str("job", j.ID).Msg("complete failed")
		}
		w.gate.RecordSuccess()
		w.Metrics.RecordJob(metrics.ResultSuccess, time.Since(started))
		log.Info().
			Str("job", j.ID).
			Str("asset", res.AssetID).
			Int64("elapsed_ms", res.ElapsedMS).
			Msg("job completed")
		w.notify(j.ID, res.AssetID, string(queue.StateCompleted), 100)

	case !res.Retryable():
		w.completeNotOK(ctx, j, started, res)

	default:
		final := j.Attempts >= j.MaxAttempts
		if err := w.queue.Fail(ctx, j.ID, res.Error.Message, time.Time{}, final); err != nil {
			log.Error().Err(err).Str("job", j.ID).Msg("fail update failed")
		}
		w.gate.RecordFailure()
		w.Metrics.RecordJob(res.Error.Code, time.Since(started))
		state := queue.StateDelayed
		if final {
			state = queue.StateFailed
			log.Error().
				Str("job", j.ID).
				Str("asset", res.AssetID).
				Int("attempts", j.Attempts).
				Str("reason", res.Error.Message).
				Msg("job dead-lettered")
		} else {
			log.Warn().
				Str("job", j.ID).
				Str("asset", res.AssetID).
				Int("attempt", j.Attempts).
				Str("reason", res.Error.Message).
				Msg("job scheduled for retry")
		}
		w.notify(j.ID, res.AssetID, string(state), j.Progress)
	}
	w.Metrics.SetBreakerState(w.gate.State().String())
}

// completeNotOK parks a non-retryable failure as a completed job carrying
// the error result. Only exhausted retryable errors reach the failed list.
func (w *Worker) completeNotOK(ctx context.Context, j *queue.Job, started time.Time, res *pipeline.ConversionResult) {
	payload := w.marshalResult(j.ID, res)
	if err := w.queue.Complete(ctx, j.ID, payload); err != nil {
		log.Error().Err(err).Str("job", j.ID).Msg("complete failed")
	}
	w.gate.RecordFailure()
	w.Metrics.RecordJob(res.Error.Code, time.Since(started))
	log.Warn().
		Str("job", j.ID).
		Str("asset", res.AssetID).
		Str("kind", res.Error.Code).
		Str("reason", res.Error.Message).
		Msg("job completed with non-retryable failure")
	w.notify(j.ID, res.AssetID, string(queue.StateCompleted), 100)
	w.Metrics.SetBreakerState(w.gate.State().String())
}

// runService calls the conversion service with panic containment: a
// panicking job must not take the worker goroutine down with it.
func (w *Worker) runService(ctx context.Context, job pipeline.ConversionJob) (res *pipeline.ConversionResult) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("asset", job.AssetID).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("conversion panicked")
			res = &pipeline.ConversionResult{
				AssetID: job.AssetID,
				Error: &pipeline.ErrorInfo{
					Code:      string(errs.KindUnexpected),
					Message:   fmt.Sprintf("panic: %v", r),
					Retryable: true,
				},
			}
		}
	}()
	return w.service.Run(ctx, job)
}

func (w *Worker) marshalResult(jobID string, res *pipeline.ConversionResult) []byte {
	payload, err := json.Marshal(res)
	if err != nil {
		log.Error().Err(err).Str("job", jobID).Msg("result marshal failed")
		return []byte(`{"ok":false}`)
	}
	return payload
}

// promoteLoop moves due delayed jobs back to waiting and refreshes the
// depth gauges.
func (w *Worker) promoteLoop(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.cfg.PromoteInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		n, err := w.queue.PromoteDelayed(ctx, time.Now().UTC())
		if err != nil {
			if ctx.Err() == nil {
				log.Warn().Err(err).Msg("delayed promotion failed")
			}
			continue
		}
		if n > 0 {
			log.Debug().Int("promoted", n).Msg("delayed jobs ready")
		}
		if counts, err := w.queue.Stats(ctx); err == nil {
			w.Metrics.SetQueueDepth(counts.Waiting, counts.Active, counts.Delayed)
		}
		w.Metrics.SetBreakerState(w.gate.State().String())
	}
}

func (w *Worker) notify(jobID, assetID, state string, progress int) {
	if w.Events == nil {
		return
	}
	w.Events.Notify(Event{
		JobID:    jobID,
		AssetID:  assetID,
		State:    state,
		Progress: progress,
		At:       time.Now().UTC(),
	})
}

// sleep waits d or until ctx is done; it reports whether the caller
// should keep looping.
func (w *Worker) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
