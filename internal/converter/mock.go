package converter

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"time"

	"github.com/homewalk/tourforge/internal/digest"
	"github.com/homewalk/tourforge/internal/errs"
	"github.com/homewalk/tourforge/internal/sog"
)

// MockVersion is what Mock reports as its converter version.
const MockVersion = "splat-transform-mock 1.0.0"

// Mock fabricates a valid SOG file without running anything. The output is
// a pure function of the input bytes: the header's gaussian count comes
// from the input size and the payload is the input digest, so re-running
// the mock on the same input produces a byte-identical file.
type Mock struct{}

func (Mock) Version(context.Context) string { return MockVersion }

func (Mock) Run(ctx context.Context, spec RunSpec) (*RunResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, errs.ConverterFailed("", "mock canceled", true, err)
	}
	started := time.Now()

	sum, size, err := digest.File(spec.InputPath)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(spec.OutputPath), 0o755); err != nil {
		return nil, errs.IO("create converter output dir", err)
	}

	count := uint32(size / 64)
	if count == 0 {
		count = 1
	}

	out, err := os.Create(spec.OutputPath)
	if err != nil {
		return nil, errs.IO("create mock output", err)
	}
	werr := sog.WriteHeader(out, count)
	if werr == nil {
		// Deterministic payload: the input digest plus the iteration count.
		var iter [4]byte
		binary.LittleEndian.PutUint32(iter[:], spec.Iterations)
		_, err := out.Write(append([]byte(sum), iter[:]...))
		if err != nil {
			werr = errs.IO("write mock payload", err)
		}
	}
	if cerr := out.Close(); werr == nil && cerr != nil {
		werr = errs.IO("close mock output", cerr)
	}
	if werr != nil {
		return nil, werr
	}

	return &RunResult{
		OK:         true,
		Elapsed:    time.Since(started),
		BinaryMode: ModeMock,
		BinaryPath: "builtin",
	}, nil
}
