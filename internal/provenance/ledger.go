package provenance

import (
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/homewalk/tourforge/internal/digest"
	"github.com/homewalk/tourforge/internal/metrics"
)

// Ledger stamps and emits records. Emission never returns an error: a sink
// that starts failing is cut off by a circuit breaker and the records are
// dropped with a warning, because provenance must not take down conversions.
type Ledger struct {
	sink    Sink
	seq     atomic.Uint64
	dropped atomic.Uint64
	breaker *gobreaker.CircuitBreaker
	metrics *metrics.Registry
}

// NewLedger wraps sink. The breaker opens after 3 consecutive sink failures
// and probes again after 30s.
func NewLedger(sink Sink) *Ledger {
	l := &Ledger{sink: sink}
	l.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "provenance-sink",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("provenance sink breaker state change")
		},
	})
	return l
}

// WithMetrics attaches the instrumentation registry and returns l.
func (l *Ledger) WithMetrics(m *metrics.Registry) *Ledger {
	l.metrics = m
	return l
}

// Emit stamps rec with a UTC timestamp and the next sequence number, then
// writes it through the breaker. Failures are counted and logged, never
// returned.
func (l *Ledger) Emit(typ Type, assetID string, details any) {
	l.emit(Record{Type: typ, AssetID: assetID, Details: details})
}

// EmitActor is Emit with the acting identity attached.
func (l *Ledger) EmitActor(typ Type, assetID, actorID, actorEmail string, details any) {
	l.emit(Record{Type: typ, AssetID: assetID, ActorID: actorID, ActorEmail: actorEmail, Details: details})
}

func (l *Ledger) emit(rec Record) {
	rec.Timestamp = time.Now().UTC()
	rec.Seq = l.seq.Add(1)

	_, err := l.breaker.Execute(func() (interface{}, error) {
		return nil, l.sink.Emit(rec)
	})
	l.metrics.RecordProvenance(string(rec.Type), err == nil)
	if err != nil {
		l.dropped.Add(1)
		l.metrics.SetProvenanceDropped(l.dropped.Load())
		log.Warn().
			Err(err).
			Str("type", string(rec.Type)).
			Str("asset_id", rec.AssetID).
			Uint64("seq", rec.Seq).
			Msg("provenance record dropped")
	}
}

// Dropped reports how many records failed to reach the sink.
func (l *Ledger) Dropped() uint64 {
	return l.dropped.Load()
}

// EmitUpload records the ingest of a source asset.
func (l *Ledger) EmitUpload(assetID string, d UploadDetails) {
	l.Emit(TypeUpload, assetID, d)
}

// EmitConversion records a completed conversion.
func (l *Ledger) EmitConversion(assetID string, d ConversionDetails) {
	l.Emit(TypeConversion, assetID, d)
}

// EmitQAPass records a passing QA verdict.
func (l *Ledger) EmitQAPass(assetID string, d QAPassDetails) {
	l.Emit(TypeQAPass, assetID, d)
}

// EmitAccess records a read of a stored artifact.
func (l *Ledger) EmitAccess(assetID, actorID, actorEmail string, d AccessDetails) {
	l.EmitActor(TypeAccess, assetID, actorID, actorEmail, d)
}

// IntegrityCheck is the outcome of one digest verification.
type IntegrityCheck struct {
	Valid         bool   `json:"valid"`
	ChecksumMatch bool   `json:"checksum_match"`
	Expected      string `json:"expected"`
	Actual        string `json:"actual,omitempty"`
	Error         string `json:"error,omitempty"`
}

// VerifyIntegrity hashes path and compares against expected. An
// integrity_check record is emitted whichever way the check goes.
func (l *Ledger) VerifyIntegrity(assetID, fileType, path, expected string) IntegrityCheck {
	check := IntegrityCheck{Expected: expected}

	actual, _, err := digest.File(path)
	if err != nil {
		check.Error = err.Error()
	} else {
		check.Actual = actual
		check.ChecksumMatch = strings.EqualFold(actual, expected)
		check.Valid = check.ChecksumMatch
	}

	l.EmitIntegrityCheck(assetID, IntegrityDetails{
		FileType:      fileType,
		Expected:      check.Expected,
		Actual:        check.Actual,
		ChecksumMatch: check.ChecksumMatch,
		Valid:         check.Valid,
		Error:         check.Error,
	})
	return check
}

// EmitIntegrityCheck records one digest verification.
func (l *Ledger) EmitIntegrityCheck(assetID string, d IntegrityDetails) {
	l.Emit(TypeIntegrityCheck, assetID, d)
}
