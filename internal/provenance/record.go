// Package provenance maintains the append-only audit trail for every asset:
// who uploaded it, what it converted to, whether QA passed, and each
// integrity check performed along the way. Emission is best-effort and never
// blocks or fails the data path.
package provenance

import "time"

// Type enumerates the record types.
type Type string

const (
	TypeUpload         Type = "upload"
	TypeConversion     Type = "conversion"
	TypeQAPass         Type = "qa_pass"
	TypeIntegrityCheck Type = "integrity_check"
	TypeAccess         Type = "access"
)

// Record is one immutable ledger entry. Ordering within an asset is by
// Timestamp with Seq breaking ties, which matters when two steps of the same
// job land in the same clock tick.
type Record struct {
	Type       Type      `json:"type"`
	AssetID    string    `json:"asset_id"`
	Timestamp  time.Time `json:"timestamp"`
	Seq        uint64    `json:"seq"`
	ActorID    string    `json:"actor_id,omitempty"`
	ActorEmail string    `json:"actor_email,omitempty"`
	Details    any       `json:"details"`
}

// UploadDetails records the ingest of a source asset.
type UploadDetails struct {
	SourceKey    string `json:"source_key"`
	SourceDigest string `json:"source_digest"`
	SourceSize   int64  `json:"source_size"`
}

// ConversionDetails records a completed conversion.
type ConversionDetails struct {
	OutputKey        string `json:"output_key,omitempty"`
	OutputDigest     string `json:"output_digest"`
	OutputSize       int64  `json:"output_size"`
	ConverterVersion string `json:"converter_version"`
	Iterations       uint32 `json:"iterations"`
	ElapsedMS        int64  `json:"elapsed_ms"`
}

// QAPassDetails records a passing QA verdict.
type QAPassDetails struct {
	Score          float64 `json:"score"`
	Mode           string  `json:"mode"`
	FramesPassed   int     `json:"frames_passed"`
	FramesRendered int     `json:"frames_rendered"`
}

// IntegrityDetails records one digest verification, passing or not.
type IntegrityDetails struct {
	FileType      string `json:"file_type"`
	Expected      string `json:"expected"`
	Actual        string `json:"actual,omitempty"`
	ChecksumMatch bool   `json:"checksum_match"`
	Valid         bool   `json:"valid"`
	Error         string `json:"error,omitempty"`
}

// AccessDetails records a read of a stored artifact.
type AccessDetails struct {
	Key       string `json:"key"`
	Operation string `json:"operation"`
}
