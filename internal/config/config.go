// Package config loads the tourforge YAML configuration. Durations are
// integer milliseconds in the file; zero values (or a missing file) fall
// back to the operational defaults each subsystem pins. TOURFORGE_*
// environment variables override the file for deployment-specific knobs.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/homewalk/tourforge/internal/converter"
	"github.com/homewalk/tourforge/internal/ops"
	"github.com/homewalk/tourforge/internal/queue"
	"github.com/homewalk/tourforge/internal/worker"
)

// Config is the full process configuration.
type Config struct {
	// LogLevel is debug, info, warn or error.
	LogLevel string `yaml:"log_level"`
	// Environment labels results and provenance records.
	Environment string `yaml:"environment"`
	// WorkRoot hosts per-job scratch directories. Empty means the OS
	// temp dir.
	WorkRoot string `yaml:"work_root"`

	Storage    Storage          `yaml:"storage"`
	Queue      QueueConfig      `yaml:"queue"`
	Worker     WorkerConfig     `yaml:"worker"`
	Ops        OpsConfig        `yaml:"ops"`
	Converter  Converter        `yaml:"converter"`
	QA         QA               `yaml:"qa"`
	Provenance Provenance       `yaml:"provenance"`
	Regression RegressionConfig `yaml:"regression"`
}

// Storage locates the blob store.
type Storage struct {
	// Root is the filesystem root holding tours/<market>/<asset>/ keys.
	Root string `yaml:"root"`
}

// QueueConfig tunes the durable queue. REDIS_ADDR selects the backend.
type QueueConfig struct {
	Name          string `yaml:"name"`
	MaxAttempts   int    `yaml:"max_attempts"`
	BackoffBaseMs int64  `yaml:"backoff_base_ms"`
	KeepCompleted int    `yaml:"keep_completed"`
	KeepFailed    int    `yaml:"keep_failed"`
}

// Queue converts to the queue package config.
func (c QueueConfig) Queue() queue.Config {
	return queue.Config{
		Name:          c.Name,
		MaxAttempts:   c.MaxAttempts,
		BackoffBase:   ms(c.BackoffBaseMs),
		KeepCompleted: c.KeepCompleted,
		KeepFailed:    c.KeepFailed,
	}
}

// WorkerConfig tunes the worker pool and its submission gate.
type WorkerConfig struct {
	Concurrency       int          `yaml:"concurrency"`
	RateLimit         int          `yaml:"rate_limit"`
	RateWindowMs      int64        `yaml:"rate_window_ms"`
	PollIntervalMs    int64        `yaml:"poll_interval_ms"`
	PromoteIntervalMs int64        `yaml:"promote_interval_ms"`
	DrainTimeoutMs    int64        `yaml:"drain_timeout_ms"`
	Backpressure      Backpressure `yaml:"backpressure"`
}

// Backpressure bounds the submission path.
type Backpressure struct {
	MaxPendingJobs          int   `yaml:"max_pending_jobs"`
	CircuitBreakerThreshold int   `yaml:"circuit_breaker_threshold"`
	CircuitBreakerResetMs   int64 `yaml:"circuit_breaker_reset_ms"`
}

// Worker converts to the worker package config.
func (c WorkerConfig) Worker() worker.Config {
	return worker.Config{
		Concurrency:     c.Concurrency,
		RateLimit:       c.RateLimit,
		RateWindow:      ms(c.RateWindowMs),
		PollInterval:    ms(c.PollIntervalMs),
		PromoteInterval: ms(c.PromoteIntervalMs),
		DrainTimeout:    ms(c.DrainTimeoutMs),
		Gate: worker.GateConfig{
			MaxPending:       c.Backpressure.MaxPendingJobs,
			FailureThreshold: c.Backpressure.CircuitBreakerThreshold,
			Reset:            ms(c.Backpressure.CircuitBreakerResetMs),
		},
	}
}

// OpsConfig binds the operational HTTP server.
type OpsConfig struct {
	Host             string `yaml:"host"`
	Port             int    `yaml:"port"`
	ReadTimeoutMs    int64  `yaml:"read_timeout_ms"`
	WriteTimeoutMs   int64  `yaml:"write_timeout_ms"`
	IdleTimeoutMs    int64  `yaml:"idle_timeout_ms"`
	RequestTimeoutMs int64  `yaml:"request_timeout_ms"`
}

// Server converts to the ops package config.
func (c OpsConfig) Server() ops.Config {
	return ops.Config{
		Host:           c.Host,
		Port:           c.Port,
		ReadTimeout:    ms(c.ReadTimeoutMs),
		WriteTimeout:   ms(c.WriteTimeoutMs),
		IdleTimeout:    ms(c.IdleTimeoutMs),
		RequestTimeout: ms(c.RequestTimeoutMs),
	}
}

// Converter selects and tunes the conversion binary.
type Converter struct {
	// BinaryPath short-circuits resolution when set.
	BinaryPath string `yaml:"binary_path"`
	// WaitDelayMs is the SIGTERM grace period on cancellation.
	WaitDelayMs int64 `yaml:"wait_delay_ms"`
	// Mock replaces the external process with the deterministic
	// in-process converter.
	Mock bool `yaml:"mock"`
}

// Driver converts to the converter package config.
func (c Converter) Driver() converter.Config {
	return converter.Config{BinaryPath: c.BinaryPath, WaitDelay: ms(c.WaitDelayMs)}
}

// QA tunes the perceptual comparison engine. Mode is overridden by the
// RENDER_MODE environment variable when that is set.
type QA struct {
	Mode        string `yaml:"mode"`
	Seed        int64  `yaml:"seed"`
	Parallelism int    `yaml:"parallelism"`
}

// Provenance selects the ledger sink. DSN wins over Path; with neither
// set records stay in memory.
type Provenance struct {
	// Path appends records to a JSONL file.
	Path string `yaml:"path"`
	// DSN is a postgres connection string.
	DSN string `yaml:"dsn"`
}

// RegressionConfig locates the QA baselines.
type RegressionConfig struct {
	// BaselinePath is a JSON baseline bundle on disk.
	BaselinePath string `yaml:"baseline_path"`
	// DSN is a postgres connection string; wins over BaselinePath.
	DSN string `yaml:"dsn"`
	// Watch reloads the bundle when the file changes.
	Watch bool `yaml:"watch"`
}

func ms(v int64) time.Duration {
	return time.Duration(v) * time.Millisecond
}

// Default returns the configuration every knob falls back to.
func Default() Config {
	cfg := Config{
		LogLevel:    "info",
		Environment: "production",
		Storage:     Storage{Root: "./data/blobs"},
		QA:          QA{Seed: 42, Parallelism: 4},
	}
	return applyEnv(cfg)
}

// Load reads path, fills defaults, and applies environment overrides. An
// empty path skips the file and returns Default(). Subsystem knobs left
// at zero keep each package's own default, so a partial file is fine.
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}

	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Environment == "" {
		cfg.Environment = "production"
	}
	if cfg.Storage.Root == "" {
		cfg.Storage.Root = "./data/blobs"
	}
	if cfg.QA.Seed == 0 {
		cfg.QA.Seed = 42
	}
	if cfg.QA.Parallelism <= 0 {
		cfg.QA.Parallelism = 4
	}

	return applyEnv(cfg), nil
}

// applyEnv layers TOURFORGE_* overrides on top of the file. RENDER_MODE
// and REDIS_ADDR are read where they are used and stay out of here.
func applyEnv(cfg Config) Config {
	if v := os.Getenv("TOURFORGE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("TOURFORGE_ENVIRONMENT"); v != "" {
		cfg.Environment = v
	}
	if v := os.Getenv("TOURFORGE_WORK_ROOT"); v != "" {
		cfg.WorkRoot = v
	}
	if v := os.Getenv("TOURFORGE_STORAGE_ROOT"); v != "" {
		cfg.Storage.Root = v
	}
	if v := os.Getenv("TOURFORGE_OPS_ADDR"); v != "" {
		if host, port, ok := splitAddr(v); ok {
			cfg.Ops.Host = host
			cfg.Ops.Port = port
		}
	}
	if v := os.Getenv("TOURFORGE_CONVERTER_PATH"); v != "" {
		cfg.Converter.BinaryPath = v
	}
	if v := os.Getenv("TOURFORGE_PROVENANCE_PATH"); v != "" {
		cfg.Provenance.Path = v
	}
	if v := os.Getenv("TOURFORGE_PROVENANCE_DSN"); v != "" {
		cfg.Provenance.DSN = v
	}
	if v := os.Getenv("TOURFORGE_BASELINE_PATH"); v != "" {
		cfg.Regression.BaselinePath = v
	}
	if v := os.Getenv("TOURFORGE_REGRESSION_DSN"); v != "" {
		cfg.Regression.DSN = v
	}
	return cfg
}

// splitAddr parses "host:port" or ":port". A bare port number also works.
func splitAddr(addr string) (string, int, bool) {
	host, portStr, found := strings.Cut(addr, ":")
	if !found {
		portStr = host
		host = ""
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 {
		return "", 0, false
	}
	return host, port, true
}
