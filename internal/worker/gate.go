package worker

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/homewalk/tourforge/internal/errs"
)

// GateState is the circuit position.
type GateState int

const (
	GateClosed GateState = iota
	GateHalfOpen
	GateOpen
)

func (s GateState) String() string {
	switch s {
	case GateClosed:
		return "closed"
	case GateHalfOpen:
		return "half_open"
	case GateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// GateConfig bounds the submission path.
type GateConfig struct {
	// MaxPending caps waiting+active jobs before queue_full rejections.
	MaxPending int
	// FailureThreshold is the consecutive-failure count that opens the
	// circuit.
	FailureThreshold int
	// Reset is how long after the last failure the circuit waits before
	// admitting a trial job.
	Reset time.Duration
}

func (c GateConfig) withDefaults() GateConfig {
	if c.MaxPending <= 0 {
		c.MaxPending = 100
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.Reset <= 0 {
		c.Reset = 60 * time.Second
	}
	return c
}

// Status is the backpressure probe payload.
type Status struct {
	State              string `json:"state"`
	QueueDepth         int    `json:"queue_depth"`
	MaxPendingJobs     int    `json:"max_pending_jobs"`
	UtilizationPercent int    `json:"utilization_percent"`
	Accepting          bool   `json:"accepting"`
	RejectionReason    string `json:"rejection_reason,omitempty"`
}

// Gate is the submission-side circuit breaker. The worker's completion
// hook is the single writer; Admit and Status are lock-protected readers
// that also apply the lazy open to half_open transition.
type Gate struct {
	mu            sync.Mutex
	cfg           GateConfig
	state         GateState
	failures      int
	lastFailure   time.Time
	trialInFlight bool
}

func NewGate(cfg GateConfig) *Gate {
	return &Gate{cfg: cfg.withDefaults()}
}

// Admit decides whether a submission may enqueue given the current
// pending depth. The returned error, when non-nil, is an
// errs.Backpressure carrying the machine reason.
func (g *Gate) Admit(pending int) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if pending >= g.cfg.MaxPending {
		return errs.Backpressure(errs.ReasonQueueFull,
			fmt.Sprintf("%d of %d pending jobs", pending, g.cfg.MaxPending))
	}
	switch g.stateLocked(time.Now()) {
	case GateOpen:
		return errs.Backpressure(errs.ReasonCircuitOpen, "conversion circuit is open")
	case GateHalfOpen:
		if g.trialInFlight {
			return errs.Backpressure(errs.ReasonCircuitOpen, "trial job already in flight")
		}
		g.trialInFlight = true
	}
	return nil
}

// stateLocked applies the lazy open to half_open transition. Caller holds
// the lock.
func (g *Gate) stateLocked(now time.Time) GateState {
	if g.state == GateOpen && now.Sub(g.lastFailure) >= g.cfg.Reset {
		g.state = GateHalfOpen
		g.trialInFlight = false
		log.Info().Msg("circuit half-open, next submission is the trial")
	}
	return g.state
}

// RecordSuccess feeds one successful completion into the breaker.
func (g *Gate) RecordSuccess() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.trialInFlight = false
	switch g.state {
	case GateHalfOpen:
		g.state = GateClosed
		g.failures = 0
		log.Info().Msg("circuit closed after successful trial")
	case GateClosed:
		g.failures = 0
	}
}

// RecordFailure feeds one failed completion into the breaker. While the
// circuit is open further failures push the reset clock forward.
func (g *Gate) RecordFailure() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.trialInFlight = false
	g.lastFailure = time.Now()
	switch g.state {
	case GateHalfOpen:
		g.state = GateOpen
		g.failures = 0
		log.Warn().Msg("trial job failed, circuit open again")
	case GateClosed:
		g.failures++
		if g.failures >= g.cfg.FailureThreshold {
			g.state = GateOpen
			log.Error().
				Int("consecutive_failures", g.failures).
				Dur("reset", g.cfg.Reset).
				Msg("circuit tripped open")
		}
	}
}

// State returns the current circuit position.
func (g *Gate) State() GateState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stateLocked(time.Now())
}

// Status builds the probe payload for the given pending depth.
func (g *Gate) Status(pending int) Status {
	g.mu.Lock()
	defer g.mu.Unlock()

	st := g.stateLocked(time.Now())
	s := Status{
		State:          st.String(),
		QueueDepth:     pending,
		MaxPendingJobs: g.cfg.MaxPending,
		Accepting:      true,
	}
	util := pending * 100 / g.cfg.MaxPending
	if util < 0 {
		util = 0
	}
	if util > 100 {
		util = 100
	}
	s.UtilizationPercent = util

	switch {
	case pending >= g.cfg.MaxPending:
		s.Accepting = false
		s.RejectionReason = errs.ReasonQueueFull
	case st == GateOpen, st == GateHalfOpen && g.trialInFlight:
		s.Accepting = false
		s.RejectionReason = errs.ReasonCircuitOpen
	}
	return s
}
