// Package converter drives the external splat-transform process that turns
// PLY point clouds into SOG tours. The binary is resolved once per process;
// every invocation pins SPLAT_SEED so converted output is reproducible.
package converter

import (
	"context"
	"time"
)

// Modes recorded in results and provenance.
const (
	ModeLocal         = "local"
	ModePackageRunner = "package_runner"
	ModeMock          = "mock"
)

// DefaultWaitDelay is how long a canceled converter gets between SIGTERM
// and the hard kill.
const DefaultWaitDelay = 10 * time.Second

// Config tunes binary resolution and shutdown behavior.
type Config struct {
	// BinaryPath short-circuits resolution when it points at an existing
	// file.
	BinaryPath string
	// WaitDelay is the SIGTERM grace period on cancellation.
	WaitDelay time.Duration
}

// RunSpec describes one conversion invocation.
type RunSpec struct {
	InputPath  string
	OutputPath string
	Iterations uint32
	Format     string // defaults to "sog"
	Verbose    bool
}

// RunResult captures what the process did. It is populated even when the
// run failed, so diagnostics survive into the job result.
type RunResult struct {
	OK         bool          `json:"ok"`
	ExitCode   int           `json:"exit_code"`
	Stdout     string        `json:"stdout,omitempty"`
	Stderr     string        `json:"stderr,omitempty"`
	Elapsed    time.Duration `json:"elapsed"`
	BinaryMode string        `json:"binary_mode"`
	BinaryPath string        `json:"binary_path"`
}

// Runner is what the pipeline calls. Driver runs the real process; Mock
// fabricates bit-valid output for tests and --mock runs.
type Runner interface {
	Run(ctx context.Context, spec RunSpec) (*RunResult, error)
	Version(ctx context.Context) string
}

// RetryableExit classifies a non-zero converter exit code.
//
// 137 and 143 are SIGKILL/SIGTERM (OOM killer, node drain) and 74 is
// EX_IOERR; all three are worth retrying. The remaining sysexits range
// 64-78 signals bad input or environment, which a retry cannot fix.
// Codes outside the table default to retryable so an unknown crash gets
// its attempts before the dead-letter queue.
func RetryableExit(code int) bool {
	switch code {
	case 137, 143, 74:
		return true
	}
	if code >= 64 && code <= 78 {
		return false
	}
	return true
}
