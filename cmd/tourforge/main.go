package main

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/homewalk/tourforge/internal/config"
)

const (
	appName = "TourForge"
	version = "v1.4.2"
)

// Loaded once in the root PersistentPreRunE; every subcommand reads from
// here.
var (
	configPath string
	cfg        config.Config
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	if term.IsTerminal(int(os.Stderr.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}

	rootCmd := &cobra.Command{
		Use:     "tourforge",
		Short:   "Queued conversion pipeline turning PLY tour captures into SOG assets",
		Version: version,
		Long: `TourForge converts real-estate tour captures (PLY gaussian splats) into
compact SOG assets. Every conversion is digest-verified, scored by a
perceptual QA gate (SSIM + pHash along the canonical camera path), checked
for drift against per-asset baselines, and written to the provenance ledger.

Run 'tourforge serve' for the durable queue worker; the one-shot verbs
(convert, qa, webp, regression) cover local and CI work.`,
		SilenceUsage:      true,
		PersistentPreRunE: setupRuntime,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to tourforge.yaml (built-in defaults when unset)")
	rootCmd.SetGlobalNormalizationFunc(normalizeFlags)

	// Add serve command for the long-running worker
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the conversion worker and ops server",
		Long: `Starts the worker pool on the durable queue, the delayed-job promoter,
and the local-only ops HTTP server (health, stats, backpressure, metrics,
websocket job events). Runs until SIGINT/SIGTERM, then drains in-flight
jobs before exiting.`,
		RunE: runServe,
	}
	serveCmd.Flags().Bool("mock", false, "Use the built-in deterministic converter instead of splat-transform")

	// Add submit command for enqueueing work
	submitCmd := &cobra.Command{
		Use:   "submit",
		Short: "Enqueue one conversion job",
		Long: `Validates and enqueues a conversion job. Submissions pass the
backpressure gate unless bypassed; a duplicate job ID returns the live job
unchanged. Requires REDIS_ADDR to reach a running worker's queue.`,
		RunE: runSubmit,
	}
	submitCmd.Flags().String("asset-id", "", "Asset UUID (generated when empty)")
	submitCmd.Flags().String("source-key", "", "Blob key of the source PLY (required)")
	submitCmd.Flags().String("market", "", "Market segment for the output key (required)")
	submitCmd.Flags().Uint32("iterations", 0, "Converter iterations (default 30000)")
	submitCmd.Flags().Float64("quality-threshold", 0, "Minimum acceptable QA score (default 0.85)")
	submitCmd.Flags().Int("priority", 0, "Queue priority, higher dequeues first")
	submitCmd.Flags().Duration("delay", 0, "Hold the job back before it becomes ready")
	submitCmd.Flags().String("job-id", "", "Override the tour-<asset-id> dedup key")
	submitCmd.Flags().Bool("bypass-backpressure", false, "Skip the submission gate (operator tooling)")

	// Add convert command for one-shot local conversions
	convertCmd := &cobra.Command{
		Use:   "convert",
		Short: "Convert one PLY file locally, no queue",
		Long: `Runs the full conversion service once against a local file: stage,
digest, convert, digest, QA, publish. Provenance goes to an in-memory
sink; the converted SOG is copied to --output.`,
		RunE: runConvert,
	}
	convertCmd.Flags().String("input", "", "Path to the source PLY (required)")
	convertCmd.Flags().String("output", "", "Destination for the converted SOG (default <input>.sog)")
	convertCmd.Flags().String("asset-id", "", "Asset UUID (generated when empty)")
	convertCmd.Flags().String("market", "local", "Market segment for the output key")
	convertCmd.Flags().Uint32("iterations", 0, "Converter iterations (default 30000)")
	convertCmd.Flags().Float64("quality-threshold", 0, "Minimum acceptable QA score (default 0.85)")
	convertCmd.Flags().Bool("mock", false, "Use the built-in deterministic converter")
	convertCmd.Flags().Bool("json", false, "Print the full ConversionResult as JSON")

	// Add qa command for scoring a conversion pair
	qaCmd := &cobra.Command{
		Use:   "qa",
		Short: "Score a converted scene against its source",
		Long: `Renders both scenes along the canonical 10-pose camera path and prints
the QA report (per-frame SSIM and pHash distance, aggregate score).
Exits 1 when the report fails the frame-pass ratio.`,
		RunE: runQAReport,
	}
	qaCmd.Flags().String("source", "", "Path to the source scene (required)")
	qaCmd.Flags().String("converted", "", "Path to the converted scene (required)")
	qaCmd.Flags().Bool("json", false, "Print the full QA report as JSON")

	// Add regression command as the CI gate
	regressionCmd := &cobra.Command{
		Use:   "regression",
		Short: "Check a conversion against the asset's baseline (CI gate)",
		Long: `Compares a QA report against the recorded baseline for the asset and
prints the fixed key/value block CI parses. The report comes from --report
(saved by 'tourforge qa --json') or is produced in place from --source and
--converted. Exits 0 when within tolerances, 1 on a detected regression.`,
		RunE: runRegression,
	}
	regressionCmd.Flags().String("baselines", "", "Baseline bundle JSON (default from config)")
	regressionCmd.Flags().String("report", "", "Saved QA report JSON (alternative to --source/--converted)")
	regressionCmd.Flags().String("source", "", "Path to the source scene, scored in place")
	regressionCmd.Flags().String("converted", "", "Path to the converted scene, scored in place")
	regressionCmd.Flags().String("asset-id", "", "Asset the report belongs to (required)")
	regressionCmd.Flags().String("converter-version", "", "Converter version that produced the report")
	regressionCmd.Flags().Bool("register", false, "Record this report as the new baseline in the bundle")

	// Add webp command for texture policy checks
	webpCmd := &cobra.Command{
		Use:   "webp <file>",
		Short: "Validate a WebP texture against the lossless policy",
		Long: `Parses the RIFF container and reports the codec, dimensions and
compression type. --enforce-lossless exits 1 on lossy or invalid input;
--to-lossless transcodes lossy input and writes the result.`,
		Args: cobra.ExactArgs(1),
		RunE: runWebP,
	}
	webpCmd.Flags().Bool("enforce-lossless", false, "Fail unless the file is lossless WebP")
	webpCmd.Flags().String("to-lossless", "", "Transcode to lossless WebP at this path")

	// Add status command probing a running worker
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show queue depth and backpressure of a running worker",
		RunE:  runStatus,
	}
	statusCmd.Flags().String("addr", "", "Ops server address (default from config)")
	statusCmd.Flags().Bool("json", false, "Print raw endpoint responses")

	rootCmd.AddCommand(serveCmd)      // Long-running worker
	rootCmd.AddCommand(submitCmd)     // Queue intake
	rootCmd.AddCommand(convertCmd)    // One-shot conversion
	rootCmd.AddCommand(qaCmd)         // Perceptual scoring
	rootCmd.AddCommand(regressionCmd) // CI gate
	rootCmd.AddCommand(webpCmd)       // Texture policy
	rootCmd.AddCommand(statusCmd)     // Worker probe

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

// setupRuntime loads the config and applies the log level before any
// subcommand runs.
func setupRuntime(cmd *cobra.Command, args []string) error {
	var err error
	cfg, err = config.Load(configPath)
	if err != nil {
		return err
	}
	level, perr := zerolog.ParseLevel(cfg.LogLevel)
	if perr != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	return nil
}

// normalizeFlags lets --asset_id work as --asset-id.
func normalizeFlags(f *pflag.FlagSet, name string) pflag.NormalizedName {
	return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
}
