package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/homewalk/tourforge/internal/qa"
	"github.com/homewalk/tourforge/internal/regression"
	"github.com/homewalk/tourforge/internal/render"
)

// runRegression checks a QA report against the stored baseline and prints
// the machine-readable block CI parses. Exit 1 on a detected regression.
func runRegression(cmd *cobra.Command, args []string) error {
	bundlePath, _ := cmd.Flags().GetString("baselines")
	reportPath, _ := cmd.Flags().GetString("report")
	sourcePath, _ := cmd.Flags().GetString("source")
	convertedPath, _ := cmd.Flags().GetString("converted")
	assetID, _ := cmd.Flags().GetString("asset-id")
	converterVersion, _ := cmd.Flags().GetString("converter-version")
	register, _ := cmd.Flags().GetBool("register")

	if assetID == "" {
		return fmt.Errorf("--asset-id is required")
	}
	if bundlePath == "" {
		bundlePath = cfg.Regression.BaselinePath
	}

	report, err := regressionReport(cmd, reportPath, sourcePath, convertedPath)
	if err != nil {
		return err
	}

	h := regression.NewHarness(regression.Thresholds{})
	var store *regression.PostgresStore
	switch {
	case cfg.Regression.DSN != "":
		db, derr := sqlx.Connect("postgres", cfg.Regression.DSN)
		if derr != nil {
			return derr
		}
		defer db.Close()
		store = regression.NewPostgresStore(db)
		if err := h.LoadFrom(cmd.Context(), store); err != nil {
			return err
		}
	case bundlePath != "":
		if err := h.LoadBundle(bundlePath); err != nil {
			if !errors.Is(err, os.ErrNotExist) || !register {
				return err
			}
			log.Info().Str("path", bundlePath).Msg("bundle missing, starting empty")
		}
	default:
		return fmt.Errorf("no baseline source: set --baselines, regression.baseline_path, or TOURFORGE_REGRESSION_DSN")
	}

	check := h.Check(assetID, report, converterVersion, report.PHash)

	printCheck(check)

	if register {
		b := regression.Baseline{
			AssetID:          assetID,
			ConverterVersion: converterVersion,
			QAScore:          report.Score,
			PHashBaseline:    report.PHash,
			SSIMBaseline:     report.Metrics.AvgSSIM,
			RecordedAt:       time.Now().UTC(),
		}
		h.Register(b)
		if store != nil {
			if err := store.Save(cmd.Context(), b); err != nil {
				return err
			}
		} else if err := h.SaveBundle(bundlePath); err != nil {
			return err
		}
		log.Info().Str("asset_id", assetID).Float64("qa_score", b.QAScore).Msg("baseline registered")
	}

	if check.RegressionDetected {
		os.Exit(1)
	}
	return nil
}

// regressionReport loads a saved QA report, or scores the scene pair in
// place when only paths were given.
func regressionReport(cmd *cobra.Command, reportPath, sourcePath, convertedPath string) (*qa.Report, error) {
	if reportPath != "" {
		raw, err := os.ReadFile(reportPath)
		if err != nil {
			return nil, fmt.Errorf("read qa report: %w", err)
		}
		var report qa.Report
		if err := json.Unmarshal(raw, &report); err != nil {
			return nil, fmt.Errorf("parse qa report: %w", err)
		}
		return &report, nil
	}
	if sourcePath == "" || convertedPath == "" {
		return nil, fmt.Errorf("--report, or --source with --converted, is required")
	}
	engine := qa.NewEngine(renderMode(), uint64(cfg.QA.Seed), cfg.QA.Parallelism)
	return engine.Run(cmd.Context(),
		render.Scene{Path: sourcePath, Label: "source"},
		render.Scene{Path: convertedPath, Label: "converted"},
	)
}

// printCheck emits the fixed key: value block. CI greps these lines, so
// the keys and formats are contractual.
func printCheck(c regression.Check) {
	verdict := "pass"
	if c.RegressionDetected {
		verdict = "fail"
	}
	phashDist := "n/a"
	if c.PHashDistance != nil {
		phashDist = strconv.Itoa(*c.PHashDistance)
	}
	cv := c.ConverterVersion
	if cv == "" {
		cv = "unknown"
	}
	fmt.Printf("regression_check: %s\n", verdict)
	fmt.Printf("asset_id: %s\n", c.AssetID)
	fmt.Printf("baseline_found: %v\n", c.BaselineFound)
	fmt.Printf("qa_score: %.4f\n", c.Score)
	fmt.Printf("score_delta: %+.4f\n", c.ScoreDelta)
	fmt.Printf("phash_distance: %s\n", phashDist)
	fmt.Printf("severity: %s\n", c.Severity)
	fmt.Printf("converter_version: %s\n", cv)
	fmt.Printf("recommendation: %s\n", c.Recommendation)
}
