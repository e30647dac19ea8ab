package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSuccessRatioBeforeAnyJob(t *testing.T) {
	m := NewRegistry()
	assert.Equal(t, 1.0, m.SuccessRatio())
}

func TestSuccessRatioCountsFailureCodes(t *testing.T) {
	m := NewRegistry()

	m.RecordJob(ResultSuccess, 100*time.Millisecond)
	m.RecordJob(ResultSuccess, 150*time.Millisecond)
	m.RecordJob(ResultSuccess, 200*time.Millisecond)
	m.RecordJob("qa_below_threshold", 90*time.Millisecond)

	assert.InDelta(t, 0.75, m.SuccessRatio(), 1e-9)
}

func TestRecordJobSplitsDurationByResult(t *testing.T) {
	m := NewRegistry()

	m.RecordJob(ResultSuccess, time.Second)
	m.RecordJob("converter_exit", time.Second)

	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(w.Result().Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), `tourforge_job_duration_seconds_count{result="success"} 1`)
	assert.Contains(t, string(body), `tourforge_job_duration_seconds_count{result="error"} 1`)
	assert.Contains(t, string(body), `tourforge_jobs_total{outcome="converter_exit"} 1`)
}

func TestBreakerLevels(t *testing.T) {
	cases := []struct {
		state string
		want  float64
	}{
		{"closed", 0},
		{"half_open", 1},
		{"open", 2},
		{"bogus", -1},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, breakerLevel(tc.state), tc.state)
	}
}

func TestQueueDepthGauges(t *testing.T) {
	m := NewRegistry()
	m.SetQueueDepth(7, 2, 3)

	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(w.Result().Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), `tourforge_queue_depth{state="waiting"} 7`)
	assert.Contains(t, string(body), `tourforge_queue_depth{state="active"} 2`)
	assert.Contains(t, string(body), `tourforge_queue_depth{state="delayed"} 3`)
}

func TestStepTimerRecordsObservation(t *testing.T) {
	m := NewRegistry()
	timer := m.StartStepTimer(StepConvert)
	time.Sleep(5 * time.Millisecond)
	timer.Stop(ResultSuccess)

	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(w.Result().Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), `tourforge_step_duration_seconds_count{result="success",step="convert"} 1`)
}

func TestNilRegistryIsSafe(t *testing.T) {
	var m *Registry

	assert.NotPanics(t, func() {
		m.RecordJob(ResultSuccess, time.Second)
		m.RecordRejection("queue_full")
		m.SetQueueDepth(1, 2, 3)
		m.SetBreakerState("open")
		m.ObserveQAScore(0.9)
		m.ObserveQAFrames(8, 10)
		m.RecordConverterRun("local", ResultSuccess)
		m.RecordProvenance("conversion", true)
		m.SetProvenanceDropped(4)
		m.JobStarted()
		m.JobFinished()
		m.StartStepTimer(StepQA).Stop(ResultError)
	})
	assert.Equal(t, 1.0, m.SuccessRatio())
	assert.NotNil(t, m.Handler())
}

func TestIndependentRegistriesDoNotCollide(t *testing.T) {
	require.NotPanics(t, func() {
		_ = NewRegistry()
		_ = NewRegistry()
	})
}
