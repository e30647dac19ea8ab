package ops

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/homewalk/tourforge/internal/blobstore"
	"github.com/homewalk/tourforge/internal/converter"
	"github.com/homewalk/tourforge/internal/metrics"
	"github.com/homewalk/tourforge/internal/pipeline"
	"github.com/homewalk/tourforge/internal/provenance"
	"github.com/homewalk/tourforge/internal/qa"
	"github.com/homewalk/tourforge/internal/queue"
	"github.com/homewalk/tourforge/internal/render"
	"github.com/homewalk/tourforge/internal/worker"
)

func testServer(t *testing.T, port int, q queue.Queue) (*Server, *worker.Worker) {
	t.Helper()
	store := blobstore.NewMemory()
	svc := pipeline.NewService(store, converter.Mock{}, qa.NewEngine(render.ModeMock, 7, 4), provenance.NewLedger(provenance.NewMemorySink()))
	svc.WorkRoot = t.TempDir()

	w := worker.New(q, svc, worker.Config{})
	w.Metrics = metrics.NewRegistry()

	srv, err := NewServer(Config{Port: port}, w, w.Metrics, Info{
		Version:     "1.2.3",
		Environment: "test",
		BinaryMode:  converter.ModeMock,
		BinaryPath:  "mock",
		QAMode:      render.ModeMock,
	})
	require.NoError(t, err)
	return srv, w
}

func getJSON(t *testing.T, url string, out any) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func TestServerEndpoints(t *testing.T) {
	srv, w := testServer(t, 39121, queue.NewMemory(queue.Config{Name: "ops"}))
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	var health healthResponse
	resp := getJSON(t, ts.URL+"/health", &health)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.Len(t, resp.Header.Get("X-Request-ID"), 8)
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "1.2.3", health.Version)
	assert.Equal(t, converter.ModeMock, health.Converter["mode"])
	assert.Equal(t, render.ModeMock, health.QAMode)
	require.NotNil(t, health.Queue)
	assert.Equal(t, 0, health.Queue.Waiting)

	_, err := w.Submit(context.Background(), pipeline.ConversionJob{
		AssetID:   "asset-1",
		SourceKey: blobstore.Key("NYC", "asset-1", "input.ply"),
		Market:    "NYC",
	}, worker.SubmitOptions{})
	require.NoError(t, err)

	var counts queue.Counts
	resp = getJSON(t, ts.URL+"/stats", &counts)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, counts.Waiting)

	var st worker.Status
	resp = getJSON(t, ts.URL+"/backpressure", &st)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "closed", st.State)
	assert.True(t, st.Accepting)
	assert.Equal(t, 1, st.QueueDepth)

	resp, err = http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "tourforge_active_jobs")
}

func TestServerNotFound(t *testing.T) {
	srv, _ := testServer(t, 39122, queue.NewMemory(queue.Config{Name: "ops"}))
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	var errResp errorResponse
	resp := getJSON(t, ts.URL+"/convert-all-the-things", &errResp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "endpoint_not_found", errResp.Code)
	assert.Equal(t, "Not Found", errResp.Error)
	assert.Len(t, errResp.RequestID, 8)
	assert.False(t, errResp.Timestamp.IsZero())
}

func TestServerHealthDegradedWhenQueueUnreachable(t *testing.T) {
	client, _ := redismock.NewClientMock()
	srv, _ := testServer(t, 39123, queue.NewRedis(client, queue.Config{Name: "ops"}))
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	var health healthResponse
	resp := getJSON(t, ts.URL+"/health", &health)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "degraded", health.Status)
	assert.NotEmpty(t, health.QueueError)
	assert.Nil(t, health.Queue)

	var errResp errorResponse
	resp = getJSON(t, ts.URL+"/stats", &errResp)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, "stats_unavailable", errResp.Code)

	resp = getJSON(t, ts.URL+"/backpressure", &errResp)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, "backpressure_unavailable", errResp.Code)
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, "127.0.0.1", cfg.Host)
	assert.Equal(t, 8090, cfg.Port)
	assert.Equal(t, 10*time.Second, cfg.ReadTimeout)
	assert.Equal(t, 5*time.Second, cfg.RequestTimeout)
}
