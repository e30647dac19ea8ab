package errs

import (
	"errors"
	"fmt"
	"io/fs"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindDefaults(t *testing.T) {
	cases := []struct {
		name      string
		err       *Error
		kind      Kind
		retryable bool
	}{
		{"io", IO("stage input", errors.New("disk full")), KindIO, true},
		{"converter transient", ConverterFailed("137", "killed", true, errors.New("signal: killed")), KindConverterFailed, true},
		{"converter permanent", ConverterFailed("64", "usage", false, errors.New("exit status 64")), KindConverterFailed, false},
		{"qa", QAFailed("2/10 frames passed"), KindQAFailed, false},
		{"validation", Validation("market is required"), KindValidation, false},
		{"backpressure", Backpressure(ReasonQueueFull, "pending limit reached"), KindBackpressure, false},
		{"rendering", Rendering("pose 3", errors.New("boom")), KindRendering, true},
		{"unexpected", Unexpected("panic recovered", errors.New("nil deref")), KindUnexpected, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.kind, KindOf(tc.err))
			assert.Equal(t, tc.retryable, IsRetryable(tc.err))
		})
	}
}

func TestQAFailedNeverRetryable(t *testing.T) {
	err := QAFailed("ssim below threshold")
	assert.False(t, IsRetryable(err))

	// Still non-retryable through wrapping.
	wrapped := fmt.Errorf("job %s: %w", "job-1", err)
	assert.False(t, IsRetryable(wrapped))
	assert.Equal(t, KindQAFailed, KindOf(wrapped))
}

func TestKindOfWalksChain(t *testing.T) {
	inner := IO("read scene", fs.ErrNotExist)
	wrapped := fmt.Errorf("stage: %w", inner)

	assert.Equal(t, KindIO, KindOf(wrapped))
	assert.True(t, errors.Is(wrapped, fs.ErrNotExist))
}

func TestUnknownErrorsRetryAsUnexpected(t *testing.T) {
	err := errors.New("something else entirely")
	assert.Equal(t, KindUnexpected, KindOf(err))
	assert.True(t, IsRetryable(err))
}

func TestBackpressureReason(t *testing.T) {
	assert.Equal(t, ReasonQueueFull, Reason(Backpressure(ReasonQueueFull, "full")))
	assert.Equal(t, ReasonCircuitOpen, Reason(Backpressure(ReasonCircuitOpen, "open")))
	assert.Equal(t, "", Reason(errors.New("plain")))
}

func TestErrorString(t *testing.T) {
	assert.Equal(t, "qa_failed: 2/10 frames passed", QAFailed("2/10 frames passed").Error())
	assert.Equal(t, "io: stage input: disk full", IO("stage input", errors.New("disk full")).Error())
	assert.Equal(t, "unexpected: boom", Unexpected("", errors.New("boom")).Error())
}
