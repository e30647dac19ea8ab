package worker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/homewalk/tourforge/internal/errs"
)

func TestGateDefaults(t *testing.T) {
	g := NewGate(GateConfig{})

	st := g.Status(0)
	assert.Equal(t, "closed", st.State)
	assert.Equal(t, 100, st.MaxPendingJobs)
	assert.True(t, st.Accepting)
	assert.Empty(t, st.RejectionReason)
}

func TestGateQueueFull(t *testing.T) {
	g := NewGate(GateConfig{MaxPending: 2})

	require.NoError(t, g.Admit(0))
	require.NoError(t, g.Admit(1))

	err := g.Admit(2)
	require.Error(t, err)
	assert.Equal(t, errs.KindBackpressure, errs.KindOf(err))
	assert.Equal(t, errs.ReasonQueueFull, errs.Reason(err))
	assert.False(t, errs.IsRetryable(err))
}

func TestGateTripsAtThreshold(t *testing.T) {
	g := NewGate(GateConfig{FailureThreshold: 3, Reset: time.Minute})

	g.RecordFailure()
	g.RecordFailure()
	assert.Equal(t, GateClosed, g.State())
	require.NoError(t, g.Admit(0))

	g.RecordFailure()
	assert.Equal(t, GateOpen, g.State())

	err := g.Admit(0)
	require.Error(t, err)
	assert.Equal(t, errs.ReasonCircuitOpen, errs.Reason(err))
}

func TestGateSuccessResetsStreak(t *testing.T) {
	g := NewGate(GateConfig{FailureThreshold: 3, Reset: time.Minute})

	g.RecordFailure()
	g.RecordFailure()
	g.RecordSuccess()
	g.RecordFailure()
	g.RecordFailure()
	assert.Equal(t, GateClosed, g.State())

	g.RecordFailure()
	assert.Equal(t, GateOpen, g.State())
}

func TestGateHalfOpenAdmitsOneTrial(t *testing.T) {
	g := NewGate(GateConfig{FailureThreshold: 1, Reset: 20 * time.Millisecond})

	g.RecordFailure()
	require.Equal(t, GateOpen, g.State())
	require.Error(t, g.Admit(0))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, GateHalfOpen, g.State())

	require.NoError(t, g.Admit(0), "first submission after reset is the trial")
	err := g.Admit(0)
	require.Error(t, err, "trial slot is exclusive")
	assert.Equal(t, errs.ReasonCircuitOpen, errs.Reason(err))

	g.RecordSuccess()
	assert.Equal(t, GateClosed, g.State())
	assert.NoError(t, g.Admit(0))
}

func TestGateTrialFailureReopens(t *testing.T) {
	g := NewGate(GateConfig{FailureThreshold: 1, Reset: 20 * time.Millisecond})

	g.RecordFailure()
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, g.Admit(0))

	g.RecordFailure()
	assert.Equal(t, GateOpen, g.State())
	require.Error(t, g.Admit(0))

	// The reset clock restarted with the trial failure.
	time.Sleep(50 * time.Millisecond)
	assert.NoError(t, g.Admit(0))
}

func TestGateOpenFailuresPushResetClock(t *testing.T) {
	g := NewGate(GateConfig{FailureThreshold: 1, Reset: 200 * time.Millisecond})

	g.RecordFailure()
	time.Sleep(120 * time.Millisecond)
	g.RecordFailure()

	time.Sleep(120 * time.Millisecond)
	assert.Equal(t, GateOpen, g.State(), "reset counts from the latest failure")

	time.Sleep(120 * time.Millisecond)
	assert.Equal(t, GateHalfOpen, g.State())
}

func TestGateSuccessWhileOpenIgnored(t *testing.T) {
	g := NewGate(GateConfig{FailureThreshold: 1, Reset: time.Minute})

	g.RecordFailure()
	g.RecordSuccess()
	assert.Equal(t, GateOpen, g.State(), "only a half-open trial can close the circuit")
}

func TestGateQueueFullReportedBeforeCircuit(t *testing.T) {
	g := NewGate(GateConfig{MaxPending: 1, FailureThreshold: 1, Reset: time.Minute})
	g.RecordFailure()

	err := g.Admit(1)
	require.Error(t, err)
	assert.Equal(t, errs.ReasonQueueFull, errs.Reason(err))
}

func TestGateStatusShapes(t *testing.T) {
	g := NewGate(GateConfig{MaxPending: 2, FailureThreshold: 5, Reset: time.Minute})

	assert.Equal(t, Status{
		State:              "closed",
		QueueDepth:         1,
		MaxPendingJobs:     2,
		UtilizationPercent: 50,
		Accepting:          true,
	}, g.Status(1))

	assert.Equal(t, Status{
		State:              "closed",
		QueueDepth:         2,
		MaxPendingJobs:     2,
		UtilizationPercent: 100,
		Accepting:          false,
		RejectionReason:    "queue_full",
	}, g.Status(2))

	for i := 0; i < 5; i++ {
		g.RecordFailure()
	}
	assert.Equal(t, Status{
		State:              "open",
		QueueDepth:         0,
		MaxPendingJobs:     2,
		UtilizationPercent: 0,
		Accepting:          false,
		RejectionReason:    "circuit_open",
	}, g.Status(0))
}

func TestGateStatusUtilizationClamped(t *testing.T) {
	g := NewGate(GateConfig{MaxPending: 2})

	st := g.Status(5)
	assert.Equal(t, 100, st.UtilizationPercent)
	assert.False(t, st.Accepting)
}

func TestGateStatusDoesNotConsumeTrial(t *testing.T) {
	g := NewGate(GateConfig{FailureThreshold: 1, Reset: 20 * time.Millisecond})
	g.RecordFailure()
	time.Sleep(50 * time.Millisecond)

	st := g.Status(0)
	assert.Equal(t, "half_open", st.State)
	assert.True(t, st.Accepting, "status probe must not claim the trial slot")

	require.NoError(t, g.Admit(0))
	st = g.Status(0)
	assert.False(t, st.Accepting)
	assert.Equal(t, errs.ReasonCircuitOpen, st.RejectionReason)
}

func TestGateStateString(t *testing.T) {
	assert.Equal(t, "closed", GateClosed.String())
	assert.Equal(t, "half_open", GateHalfOpen.String())
	assert.Equal(t, "open", GateOpen.String())
	assert.Equal(t, "unknown", GateState(42).String())
}
