package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/homewalk/tourforge/internal/blobstore"
	"github.com/homewalk/tourforge/internal/converter"
	"github.com/homewalk/tourforge/internal/errs"
	"github.com/homewalk/tourforge/internal/pipeline"
	"github.com/homewalk/tourforge/internal/provenance"
	"github.com/homewalk/tourforge/internal/qa"
	"github.com/homewalk/tourforge/internal/queue"
	"github.com/homewalk/tourforge/internal/render"
)

const testAssetID = "00000000-0000-4000-8000-0000000000aa"

func testWorker(t *testing.T, qcfg queue.Config, wcfg Config, runner converter.Runner) (*Worker, queue.Queue, *blobstore.Memory) {
	t.Helper()
	store := blobstore.NewMemory()
	svc := pipeline.NewService(store, runner, qa.NewEngine(render.ModeMock, 7, 4), provenance.NewLedger(provenance.NewMemorySink()))
	svc.WorkRoot = t.TempDir()
	q := queue.NewMemory(qcfg)
	return New(q, svc, wcfg), q, store
}

func seedAsset(store *blobstore.Memory, assetID string) string {
	key := blobstore.Key("NYC", assetID, "input.ply")
	store.PutBytes(key, bytes.Repeat([]byte("ply vertex splat data\n"), 64))
	return key
}

func convJob(assetID, key string) pipeline.ConversionJob {
	return pipeline.ConversionJob{AssetID: assetID, SourceKey: key, Market: "NYC"}
}

// blockingRunner parks every conversion until release is closed, then
// hands off to the real mock.
type blockingRunner struct {
	inner   converter.Mock
	release chan struct{}
}

func (r *blockingRunner) Run(ctx context.Context, spec converter.RunSpec) (*converter.RunResult, error) {
	select {
	case <-r.release:
		return r.inner.Run(ctx, spec)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *blockingRunner) Version(ctx context.Context) string { return r.inner.Version(ctx) }

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) Notify(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) states() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.events))
	for i, e := range l.events {
		out[i] = e.State
	}
	return out
}

func fastConfig() Config {
	return Config{
		Concurrency:     1,
		PollInterval:    5 * time.Millisecond,
		PromoteInterval: 10 * time.Millisecond,
	}
}

func TestWorkerEndToEnd(t *testing.T) {
	cfg := fastConfig()
	cfg.Concurrency = 2
	w, q, store := testWorker(t, queue.Config{Name: "e2e"}, cfg, converter.Mock{})
	key := seedAsset(store, testAssetID)
	events := &eventLog{}
	w.Events = events

	ctx := context.Background()
	w.Start(ctx)

	j, err := w.Submit(ctx, convJob(testAssetID, key), SubmitOptions{})
	require.NoError(t, err)
	assert.Equal(t, "tour-"+testAssetID, j.ID)
	assert.Equal(t, queue.StateWaiting, j.State)

	require.Eventually(t, func() bool {
		rec, err := q.Job(ctx, j.ID)
		return err == nil && rec.State == queue.StateCompleted
	}, 10*time.Second, 10*time.Millisecond, "job never completed")

	rec, err := q.Job(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, 100, rec.Progress)

	var res pipeline.ConversionResult
	require.NoError(t, json.Unmarshal(rec.Result, &res))
	assert.True(t, res.OK)
	assert.Equal(t, testAssetID, res.AssetID)
	assert.NotEmpty(t, res.OutputDigest)
	require.NotNil(t, res.QA)
	assert.True(t, res.QA.Passed)

	assert.Equal(t, GateClosed, w.Gate().State())

	require.Eventually(t, func() bool {
		s := events.states()
		return len(s) > 0 && s[len(s)-1] == "completed"
	}, time.Second, 5*time.Millisecond, "completed event never arrived")
	states := events.states()
	assert.Contains(t, states, "waiting")
	assert.Contains(t, states, "active")

	require.NoError(t, w.Stop(context.Background()))
}

func TestWorkerSubmitDedup(t *testing.T) {
	w, q, store := testWorker(t, queue.Config{Name: "dedup"}, fastConfig(), converter.Mock{})
	key := seedAsset(store, testAssetID)
	ctx := context.Background()

	first, err := w.Submit(ctx, convJob(testAssetID, key), SubmitOptions{})
	require.NoError(t, err)
	second, err := w.Submit(ctx, convJob(testAssetID, key), SubmitOptions{})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	counts, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Waiting, "duplicate submission must not enqueue twice")

	named, err := w.Submit(ctx, convJob(testAssetID, key), SubmitOptions{JobID: "tour-rush", Priority: 5})
	require.NoError(t, err)
	assert.Equal(t, "tour-rush", named.ID)
	assert.Equal(t, 5, named.Priority)
}

func TestWorkerSubmitValidation(t *testing.T) {
	w, q, _ := testWorker(t, queue.Config{Name: "valid"}, fastConfig(), converter.Mock{})
	ctx := context.Background()

	_, err := w.Submit(ctx, pipeline.ConversionJob{Market: "NYC"}, SubmitOptions{})
	require.Error(t, err)
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))

	counts, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, counts.Pending())
}

func TestWorkerQueueFullRejection(t *testing.T) {
	runner := &blockingRunner{release: make(chan struct{})}
	cfg := fastConfig()
	cfg.Gate = GateConfig{MaxPending: 2}
	w, q, store := testWorker(t, queue.Config{Name: "full"}, cfg, runner)

	assets := []string{"asset-a", "asset-b", "asset-c"}
	keys := make(map[string]string, len(assets))
	for _, a := range assets {
		keys[a] = seedAsset(store, a)
	}

	ctx := context.Background()
	w.Start(ctx)

	_, err := w.Submit(ctx, convJob("asset-a", keys["asset-a"]), SubmitOptions{})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		counts, err := q.Stats(ctx)
		return err == nil && counts.Active == 1
	}, 5*time.Second, 5*time.Millisecond, "first job never started")

	_, err = w.Submit(ctx, convJob("asset-b", keys["asset-b"]), SubmitOptions{})
	require.NoError(t, err)

	// One active inside the converter plus one waiting fills the bound.
	_, err = w.Submit(ctx, convJob("asset-c", keys["asset-c"]), SubmitOptions{})
	require.Error(t, err)
	assert.Equal(t, errs.KindBackpressure, errs.KindOf(err))
	assert.Equal(t, errs.ReasonQueueFull, errs.Reason(err))

	st, err := w.Backpressure(ctx)
	require.NoError(t, err)
	assert.Equal(t, Status{
		State:              "closed",
		QueueDepth:         2,
		MaxPendingJobs:     2,
		UtilizationPercent: 100,
		Accepting:          false,
		RejectionReason:    "queue_full",
	}, st)

	// Operator override goes straight to the queue.
	_, err = w.Submit(ctx, convJob("asset-c", keys["asset-c"]), SubmitOptions{BypassBackpressure: true})
	require.NoError(t, err)

	close(runner.release)
	require.Eventually(t, func() bool {
		counts, err := q.Stats(ctx)
		return err == nil && counts.Completed == 3
	}, 10*time.Second, 10*time.Millisecond, "jobs never drained after release")

	require.NoError(t, w.Stop(context.Background()))
}

func TestWorkerBreakerTripAndRecovery(t *testing.T) {
	cfg := fastConfig()
	cfg.Gate = GateConfig{FailureThreshold: 5, Reset: 200 * time.Millisecond}
	w, q, store := testWorker(t, queue.Config{Name: "trip", MaxAttempts: 1, BackoffBase: 10 * time.Millisecond}, cfg, converter.Mock{})

	ctx := context.Background()
	w.Start(ctx)

	// Five sources nobody uploaded: every attempt dies staging, and with a
	// single attempt each failure is terminal.
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("ghost-%d", i)
		_, err := w.Submit(ctx, convJob(id, blobstore.Key("NYC", id, "input.ply")), SubmitOptions{})
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool {
		counts, err := q.Stats(ctx)
		return err == nil && counts.Failed == 5
	}, 10*time.Second, 10*time.Millisecond, "failures never dead-lettered")

	require.Equal(t, GateOpen, w.Gate().State())

	st, err := w.Backpressure(ctx)
	require.NoError(t, err)
	assert.Equal(t, "open", st.State)
	assert.False(t, st.Accepting)
	assert.Equal(t, errs.ReasonCircuitOpen, st.RejectionReason)

	key := seedAsset(store, testAssetID)
	_, err = w.Submit(ctx, convJob(testAssetID, key), SubmitOptions{})
	require.Error(t, err)
	assert.Equal(t, errs.ReasonCircuitOpen, errs.Reason(err))

	// After the reset window one trial goes through; its success closes
	// the circuit.
	time.Sleep(250 * time.Millisecond)
	j, err := w.Submit(ctx, convJob(testAssetID, key), SubmitOptions{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		rec, err := q.Job(ctx, j.ID)
		return err == nil && rec.State == queue.StateCompleted
	}, 10*time.Second, 10*time.Millisecond, "trial job never completed")

	rec, err := q.Job(ctx, j.ID)
	require.NoError(t, err)
	var res pipeline.ConversionResult
	require.NoError(t, json.Unmarshal(rec.Result, &res))
	require.True(t, res.OK)

	require.Eventually(t, func() bool { return w.Gate().State() == GateClosed },
		time.Second, 5*time.Millisecond, "circuit never closed after trial success")

	require.NoError(t, w.Stop(context.Background()))
}

func TestWorkerRetryExhaustionDeadLetters(t *testing.T) {
	w, q, _ := testWorker(t, queue.Config{Name: "retry", MaxAttempts: 2, BackoffBase: 20 * time.Millisecond}, fastConfig(), converter.Mock{})
	ctx := context.Background()
	w.Start(ctx)

	j, err := w.Submit(ctx, convJob("ghost", blobstore.Key("NYC", "ghost", "input.ply")), SubmitOptions{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		rec, err := q.Job(ctx, j.ID)
		return err == nil && rec.State == queue.StateFailed
	}, 10*time.Second, 10*time.Millisecond, "job never exhausted its retries")

	rec, err := q.Job(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, rec.Attempts)
	assert.Contains(t, rec.LastError, "io: stage")

	require.NoError(t, w.Stop(context.Background()))
}

func TestWorkerPoisonPayloadParksAsCompleted(t *testing.T) {
	w, q, _ := testWorker(t, queue.Config{Name: "poison"}, fastConfig(), converter.Mock{})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, &queue.Job{ID: "poison-1", Payload: []byte(`{"asset_id":42}`)}, queue.Options{})
	require.NoError(t, err)
	w.Start(ctx)

	require.Eventually(t, func() bool {
		rec, err := q.Job(ctx, "poison-1")
		return err == nil && rec.State == queue.StateCompleted
	}, 5*time.Second, 10*time.Millisecond, "poison job never parked")

	rec, err := q.Job(ctx, "poison-1")
	require.NoError(t, err)
	var res pipeline.ConversionResult
	require.NoError(t, json.Unmarshal(rec.Result, &res))
	assert.False(t, res.OK)
	require.NotNil(t, res.Error)
	assert.Equal(t, "validation", res.Error.Code)
	assert.False(t, res.Error.Retryable)

	counts, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, counts.Failed, "non-retryable failures park as completed, not dead-lettered")

	require.NoError(t, w.Stop(context.Background()))
}

func TestWorkerStopDrainsInFlight(t *testing.T) {
	runner := &blockingRunner{release: make(chan struct{})}
	cfg := fastConfig()
	cfg.DrainTimeout = 5 * time.Second
	w, q, store := testWorker(t, queue.Config{Name: "drain"}, cfg, runner)
	key := seedAsset(store, testAssetID)

	ctx := context.Background()
	w.Start(ctx)

	j, err := w.Submit(ctx, convJob(testAssetID, key), SubmitOptions{})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		counts, err := q.Stats(ctx)
		return err == nil && counts.Active == 1
	}, 5*time.Second, 5*time.Millisecond, "job never started")

	go func() {
		time.Sleep(50 * time.Millisecond)
		close(runner.release)
	}()
	require.NoError(t, w.Stop(context.Background()))

	rec, err := q.Job(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StateCompleted, rec.State, "drain must let the in-flight job finish")
}

func TestWorkerStopForcesAfterDrainTimeout(t *testing.T) {
	runner := &blockingRunner{release: make(chan struct{})}
	cfg := fastConfig()
	cfg.DrainTimeout = 50 * time.Millisecond
	w, q, store := testWorker(t, queue.Config{Name: "force"}, cfg, runner)
	key := seedAsset(store, testAssetID)

	ctx := context.Background()
	w.Start(ctx)

	_, err := w.Submit(ctx, convJob(testAssetID, key), SubmitOptions{})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		counts, err := q.Stats(ctx)
		return err == nil && counts.Active == 1
	}, 5*time.Second, 5*time.Millisecond, "job never started")

	begin := time.Now()
	require.NoError(t, w.Stop(context.Background()))
	assert.Less(t, time.Since(begin), 3*time.Second, "forced stop must not hang on the stuck converter")
}

func TestWorkerStopWithoutStart(t *testing.T) {
	w, _, _ := testWorker(t, queue.Config{Name: "idle"}, fastConfig(), converter.Mock{})
	require.NoError(t, w.Stop(context.Background()))
}

func TestWorkerConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, 2, cfg.Concurrency)
	assert.Equal(t, 10, cfg.RateLimit)
	assert.Equal(t, 60*time.Second, cfg.RateWindow)
	assert.Equal(t, 10*time.Second, cfg.DrainTimeout)
	assert.Equal(t, 100, cfg.Gate.MaxPending)
	assert.Equal(t, 5, cfg.Gate.FailureThreshold)
	assert.Equal(t, 60*time.Second, cfg.Gate.Reset)
}
