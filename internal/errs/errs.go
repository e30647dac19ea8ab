// Package errs defines the pipeline error taxonomy. Every failure that can
// reach the queue is classified into a Kind, and the Kind decides whether the
// job is retried or parked in the dead-letter queue.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies a pipeline failure.
type Kind string

const (
	// KindIO covers storage and filesystem failures. Retryable.
	KindIO Kind = "io"
	// KindConverterFailed covers converter process failures. Retryable by
	// default; the exit-code classifier may pin individual codes.
	KindConverterFailed Kind = "converter_failed"
	// KindQAFailed means the output was produced but failed perceptual QA.
	// Never retryable: the same input deterministically fails again.
	KindQAFailed Kind = "qa_failed"
	// KindValidation covers malformed requests rejected before any work.
	KindValidation Kind = "validation"
	// KindBackpressure covers submissions refused at the front door.
	KindBackpressure Kind = "backpressure"
	// KindRendering covers QA frame rendering failures inside a run.
	KindRendering Kind = "rendering"
	// KindUnexpected is the fallback for unclassified failures. Retryable.
	KindUnexpected Kind = "unexpected"
)

// Backpressure reason codes carried in Error.Code.
const (
	ReasonQueueFull   = "queue_full"
	ReasonCircuitOpen = "circuit_open"
)

// Error is the taxonomy-carrying error. Code is an optional machine-readable
// detail (backpressure reason, converter exit code). Retryable reflects the
// Kind's default unless a constructor overrode it.
type Error struct {
	Kind      Kind
	Code      string
	Message   string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil && e.Message != "":
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// IO wraps err as a retryable storage/filesystem failure.
func IO(msg string, err error) *Error {
	return &Error{Kind: KindIO, Message: msg, Retryable: true, Err: err}
}

// ConverterFailed wraps err as a converter failure. Code should carry the
// exit code when one exists; retryable controls whether the queue retries.
func ConverterFailed(code, msg string, retryable bool, err error) *Error {
	return &Error{Kind: KindConverterFailed, Code: code, Message: msg, Retryable: retryable, Err: err}
}

// QAFailed marks a quality-gate failure. Never retryable.
func QAFailed(msg string) *Error {
	return &Error{Kind: KindQAFailed, Message: msg, Retryable: false}
}

// Validation marks a rejected request. Never retryable.
func Validation(msg string) *Error {
	return &Error{Kind: KindValidation, Message: msg, Retryable: false}
}

// Backpressure marks a refused submission. reason is ReasonQueueFull or
// ReasonCircuitOpen. Backpressure errors never enter the queue, so the
// retryable flag is false by construction.
func Backpressure(reason, msg string) *Error {
	return &Error{Kind: KindBackpressure, Code: reason, Message: msg, Retryable: false}
}

// Rendering wraps err as a QA frame rendering failure. Retryable.
func Rendering(msg string, err error) *Error {
	return &Error{Kind: KindRendering, Message: msg, Retryable: true, Err: err}
}

// Unexpected wraps any unclassified failure. Retryable.
func Unexpected(msg string, err error) *Error {
	return &Error{Kind: KindUnexpected, Message: msg, Retryable: true, Err: err}
}

// KindOf walks err's chain and returns the outermost taxonomy Kind, or
// KindUnexpected when no taxonomy error is present.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnexpected
}

// IsRetryable reports whether the queue should retry the job that failed with
// err. Errors outside the taxonomy are treated as unexpected and retried.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return true
}

// Reason returns the machine-readable code of the outermost taxonomy error,
// or "" when there is none.
func Reason(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
