// Package pipeline orchestrates one conversion end to end: stage the
// source PLY, hash it, run the converter, hash the output, score it
// against the source with the QA engine, and publish the artifact. Every
// step feeds the provenance ledger; the result carries whatever
// measurements completed before a failure.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/homewalk/tourforge/internal/blobstore"
	"github.com/homewalk/tourforge/internal/converter"
	"github.com/homewalk/tourforge/internal/digest"
	"github.com/homewalk/tourforge/internal/errs"
	"github.com/homewalk/tourforge/internal/metrics"
	"github.com/homewalk/tourforge/internal/provenance"
	"github.com/homewalk/tourforge/internal/qa"
	"github.com/homewalk/tourforge/internal/regression"
	"github.com/homewalk/tourforge/internal/render"
)

const (
	DefaultIterations       uint32  = 30000
	DefaultQualityThreshold float64 = 0.85
)

// ConversionJob is the submission record for one tour asset.
type ConversionJob struct {
	AssetID          string  `json:"asset_id"`
	SourceKey        string  `json:"source_key"`
	Market           string  `json:"market"`
	Iterations       uint32  `json:"iterations"`
	QualityThreshold float64 `json:"quality_threshold"`
}

func (j ConversionJob) withDefaults() ConversionJob {
	if j.Iterations < 1 {
		j.Iterations = DefaultIterations
	}
	if j.QualityThreshold <= 0 {
		j.QualityThreshold = DefaultQualityThreshold
	}
	return j
}

// Validate rejects jobs that cannot possibly run.
func (j ConversionJob) Validate() error {
	if j.AssetID == "" {
		return errs.Validation("asset_id is required")
	}
	if j.Market == "" {
		return errs.Validation("market is required")
	}
	if err := blobstore.ValidateKey(j.SourceKey); err != nil {
		return err
	}
	if j.QualityThreshold < 0 || j.QualityThreshold > 1 {
		return errs.Validation(fmt.Sprintf("quality_threshold %v outside [0,1]", j.QualityThreshold))
	}
	return nil
}

// ErrorInfo is the serialized failure attached to a ConversionResult.
// Code is the taxonomy kind; Details carries machine detail such as the
// converter exit code.
type ErrorInfo struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
	Details   string `json:"details,omitempty"`
}

// RunInfo records execution facts that travel with the result.
type RunInfo struct {
	QAMode      string    `json:"qa_mode"`
	BinaryMode  string    `json:"binary_mode,omitempty"`
	BinaryPath  string    `json:"binary_path,omitempty"`
	Environment string    `json:"environment"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
}

// ConversionResult is the durable outcome of one job. On failure it still
// holds every measurement taken before the failing step.
type ConversionResult struct {
	OK               bool              `json:"ok"`
	AssetID          string            `json:"asset_id"`
	SourceDigest     string            `json:"source_digest,omitempty"`
	SourceSize       int64             `json:"source_size,omitempty"`
	OutputKey        string            `json:"output_key,omitempty"`
	OutputDigest     string            `json:"output_digest,omitempty"`
	OutputSize       int64             `json:"output_size,omitempty"`
	ConverterVersion string            `json:"converter_version,omitempty"`
	Iterations       uint32            `json:"iterations"`
	ElapsedMS        int64             `json:"elapsed_ms"`
	QA               *qa.Report        `json:"qa,omitempty"`
	Regression       *regression.Check `json:"regression,omitempty"`
	Error            *ErrorInfo        `json:"error,omitempty"`
	Provenance       RunInfo           `json:"provenance"`
}

// Retryable reports whether the queue should schedule another attempt.
func (r *ConversionResult) Retryable() bool {
	return r.Error != nil && r.Error.Retryable
}

// Service wires the conversion steps together. Store, Converter, QA and
// Ledger are required; Harness is optional and only annotates results.
type Service struct {
	Store     blobstore.Store
	Converter converter.Runner
	QA        *qa.Engine
	Ledger    *provenance.Ledger

	// Harness, when set, evaluates passing QA reports against stored
	// baselines. Drift is attached to the result, never a job failure.
	Harness *regression.Harness

	// WorkRoot hosts per-job working directories. Empty means the OS
	// temp dir.
	WorkRoot string

	// Environment labels results and provenance ("production", "staging").
	Environment string

	// Metrics is optional; nil disables instrumentation.
	Metrics *metrics.Registry
}

func NewService(store blobstore.Store, conv converter.Runner, engine *qa.Engine, ledger *provenance.Ledger) *Service {
	return &Service{
		Store:       store,
		Converter:   conv,
		QA:          engine,
		Ledger:      ledger,
		Environment: "production",
	}
}

func (s *Service) workRoot() string {
	if s.WorkRoot != "" {
		return s.WorkRoot
	}
	return os.TempDir()
}

// Run executes the staged pipeline for one job. It never returns a Go
// error: failures are folded into the result so the queue can persist
// them verbatim.
func (s *Service) Run(ctx context.Context, job ConversionJob) *ConversionResult {
	job = job.withDefaults()
	started := time.Now().UTC()
	res := &ConversionResult{
		AssetID:    job.AssetID,
		Iterations: job.Iterations,
		Provenance: RunInfo{
			QAMode:      s.QA.Mode,
			Environment: s.Environment,
			StartedAt:   started,
		},
	}

	if err := job.Validate(); err != nil {
		return s.finish(res, started, err)
	}

	workDir, err := os.MkdirTemp(s.workRoot(), "tourforge-"+job.AssetID+"-")
	if err != nil {
		return s.finish(res, started, errs.IO("create working directory", err))
	}
	defer os.RemoveAll(workDir)

	inputPath := filepath.Join(workDir, "input.ply")
	outputPath := filepath.Join(workDir, "output.sog")

	// Stage the source.
	timer := s.Metrics.StartStepTimer(metrics.StepStage)
	err = s.Store.Get(ctx, job.SourceKey, inputPath)
	timer.Stop(stepResult(err))
	if err != nil {
		return s.finish(res, started, errs.IO("stage "+job.SourceKey, err))
	}
	log.Debug().Str("asset", job.AssetID).Str("key", job.SourceKey).Msg("source staged")

	// Hash the exact bytes the converter will consume.
	timer = s.Metrics.StartStepTimer(metrics.StepDigest)
	srcDigest, srcSize, err := digest.File(inputPath)
	timer.Stop(stepResult(err))
	if err != nil {
		return s.finish(res, started, err)
	}
	res.SourceDigest = srcDigest
	res.SourceSize = srcSize
	s.recordDigest(job.AssetID, "source_ply", srcDigest)

	// Convert.
	timer = s.Metrics.StartStepTimer(metrics.StepConvert)
	runRes, runErr := s.Converter.Run(ctx, converter.RunSpec{
		InputPath:  inputPath,
		OutputPath: outputPath,
		Iterations: job.Iterations,
	})
	timer.Stop(stepResult(runErr))
	if runRes != nil {
		res.Provenance.BinaryMode = runRes.BinaryMode
		res.Provenance.BinaryPath = runRes.BinaryPath
	}
	s.Metrics.RecordConverterRun(res.Provenance.BinaryMode, stepResult(runErr))
	if runErr != nil {
		return s.finish(res, started, runErr)
	}
	res.ConverterVersion = s.Converter.Version(ctx)

	// Hash the produced artifact.
	timer = s.Metrics.StartStepTimer(metrics.StepDigest)
	outDigest, outSize, err := digest.File(outputPath)
	timer.Stop(stepResult(err))
	if err != nil {
		return s.finish(res, started, err)
	}
	res.OutputDigest = outDigest
	res.OutputSize = outSize
	s.recordDigest(job.AssetID, "output_sog", outDigest)

	s.Ledger.EmitConversion(job.AssetID, provenance.ConversionDetails{
		OutputDigest:     outDigest,
		OutputSize:       outSize,
		ConverterVersion: res.ConverterVersion,
		Iterations:       job.Iterations,
		ElapsedMS:        runRes.Elapsed.Milliseconds(),
	})

	// Score the conversion.
	timer = s.Metrics.StartStepTimer(metrics.StepQA)
	report, qaErr := s.QA.Run(ctx,
		render.Scene{Path: inputPath, Label: "source"},
		render.Scene{Path: outputPath, Label: "converted"},
	)
	timer.Stop(stepResult(qaErr))
	res.QA = report
	if qaErr != nil {
		return s.finish(res, started, qaErr)
	}
	s.Metrics.ObserveQAScore(report.Score)
	s.Metrics.ObserveQAFrames(report.Metrics.FramesPassed, report.Metrics.FramesRendered)
	// A passing report below the job's own bar is still a failure, and a
	// deterministic one: the same input converts to the same output.
	if !report.Passed || report.Score < job.QualityThreshold {
		return s.finish(res, started, errs.QAFailed(fmt.Sprintf(
			"qa score %.4f (passed=%v) below threshold %.2f",
			report.Score, report.Passed, job.QualityThreshold)))
	}
	s.Ledger.EmitQAPass(job.AssetID, provenance.QAPassDetails{
		Score:          report.Score,
		Mode:           report.Mode,
		FramesPassed:   report.Metrics.FramesPassed,
		FramesRendered: report.Metrics.FramesRendered,
	})

	if s.Harness != nil {
		check := s.Harness.Check(job.AssetID, report, res.ConverterVersion, report.PHash)
		res.Regression = &check
		if check.RegressionDetected {
			log.Warn().
				Str("asset", job.AssetID).
				Str("severity", string(check.Severity)).
				Float64("score_delta", check.ScoreDelta).
				Msg("perceptual drift against baseline")
		}
	}

	// Publish.
	outputKey := blobstore.OutputKey(job.Market, job.AssetID)
	timer = s.Metrics.StartStepTimer(metrics.StepPublish)
	err = s.Store.Put(ctx, outputPath, outputKey)
	timer.Stop(stepResult(err))
	if err != nil {
		return s.finish(res, started, errs.IO("publish "+outputKey, err))
	}
	res.OutputKey = outputKey

	res.OK = true
	s.finishTimes(res, started)
	log.Info().
		Str("asset", job.AssetID).
		Str("output", outputKey).
		Float64("qa_score", res.QA.Score).
		Int64("elapsed_ms", res.ElapsedMS).
		Msg("conversion published")
	return res
}

func stepResult(err error) string {
	if err != nil {
		return metrics.ResultError
	}
	return metrics.ResultSuccess
}

// recordDigest emits the integrity_check provenance entry for a freshly
// hashed file. The first hash of a file is its own expectation.
func (s *Service) recordDigest(assetID, fileType, actual string) {
	s.Ledger.EmitIntegrityCheck(assetID, provenance.IntegrityDetails{
		FileType:      fileType,
		Expected:      actual,
		Actual:        actual,
		ChecksumMatch: true,
		Valid:         true,
	})
}

func (s *Service) finishTimes(res *ConversionResult, started time.Time) {
	res.Provenance.CompletedAt = time.Now().UTC()
	res.ElapsedMS = res.Provenance.CompletedAt.Sub(started).Milliseconds()
}

// finish folds a step failure into the result.
func (s *Service) finish(res *ConversionResult, started time.Time, err error) *ConversionResult {
	s.finishTimes(res, started)
	res.Error = &ErrorInfo{
		Code:      string(errs.KindOf(err)),
		Message:   err.Error(),
		Retryable: errs.IsRetryable(err),
		Details:   errs.Reason(err),
	}
	log.Warn().
		Str("asset", res.AssetID).
		Str("kind", res.Error.Code).
		Bool("retryable", res.Error.Retryable).
		Err(err).
		Msg("conversion failed")
	return res
}
