package converter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/homewalk/tourforge/internal/errs"
)

// Driver launches the resolved splat-transform process.
type Driver struct {
	cfg  Config
	once sync.Once
	res  Resolution
}

func NewDriver(cfg Config) *Driver {
	if cfg.WaitDelay <= 0 {
		cfg.WaitDelay = DefaultWaitDelay
	}
	return &Driver{cfg: cfg}
}

// Resolution reports where the binary was found, resolving on first use.
func (d *Driver) Resolution() Resolution {
	d.once.Do(func() { d.res = resolve(d.cfg) })
	return d.res
}

// Version asks the converter for its version string. Failures degrade to
// "unknown" rather than blocking a conversion.
func (d *Driver) Version(ctx context.Context) string {
	argv := append(d.Resolution().argv(), "--version")
	out, err := exec.CommandContext(ctx, argv[0], argv[1:]...).CombinedOutput()
	if err != nil {
		log.Warn().Err(err).Msg("converter version probe failed")
		return "unknown"
	}
	line, _, _ := strings.Cut(strings.TrimSpace(string(out)), "\n")
	line = strings.TrimSpace(line)
	if line == "" {
		return "unknown"
	}
	return line
}

// Run executes one conversion. The process inherits the environment plus
// SPLAT_SEED=42; on context cancellation it gets SIGTERM and WaitDelay to
// flush before the hard kill. No timeout is imposed here: the worker owns
// the outer deadline.
func (d *Driver) Run(ctx context.Context, spec RunSpec) (*RunResult, error) {
	res := d.Resolution()

	if _, err := os.Stat(spec.InputPath); err != nil {
		return nil, errs.IO("converter input missing: "+spec.InputPath, err)
	}
	if err := os.MkdirAll(filepath.Dir(spec.OutputPath), 0o755); err != nil {
		return nil, errs.IO("create converter output dir", err)
	}

	format := spec.Format
	if format == "" {
		format = "sog"
	}
	argv := append(res.argv(),
		spec.InputPath,
		"-o", spec.OutputPath,
		"-i", strconv.FormatUint(uint64(spec.Iterations), 10),
		"--format", format,
	)
	if spec.Verbose {
		argv = append(argv, "--verbose")
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.Env = append(os.Environ(), "SPLAT_SEED=42")
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = d.cfg.WaitDelay

	log.Debug().
		Str("binary", res.Path).
		Str("mode", res.Mode).
		Str("input", spec.InputPath).
		Uint32("iterations", spec.Iterations).
		Msg("launching converter")

	started := time.Now()
	err := cmd.Run()
	result := &RunResult{
		OK:         err == nil,
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		Elapsed:    time.Since(started),
		BinaryMode: res.Mode,
		BinaryPath: res.Path,
	}
	if err == nil {
		return result, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		result.ExitCode = exitErr.ExitCode()
		retryable := RetryableExit(result.ExitCode)
		return result, errs.ConverterFailed(
			strconv.Itoa(result.ExitCode),
			fmt.Sprintf("converter exited %d: %s", result.ExitCode, firstLine(result.Stderr)),
			retryable, err)
	}
	// Launch failure: binary disappeared between resolution and exec, or
	// the package runner itself is unavailable.
	result.ExitCode = -1
	return result, errs.ConverterFailed("", "converter failed to start", true, err)
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(line)
}
