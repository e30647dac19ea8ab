package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/homewalk/tourforge/internal/qa"
	"github.com/homewalk/tourforge/internal/render"
)

// runQAReport scores a converted scene against its source and prints the
// per-frame verdicts. Exit 1 when the run fails the quality gate.
func runQAReport(cmd *cobra.Command, args []string) error {
	sourcePath, _ := cmd.Flags().GetString("source")
	convertedPath, _ := cmd.Flags().GetString("converted")
	asJSON, _ := cmd.Flags().GetBool("json")

	if sourcePath == "" || convertedPath == "" {
		return fmt.Errorf("--source and --converted are required")
	}
	for _, p := range []string{sourcePath, convertedPath} {
		if _, err := os.Stat(p); err != nil {
			return fmt.Errorf("scene not readable: %w", err)
		}
	}

	engine := qa.NewEngine(renderMode(), uint64(cfg.QA.Seed), cfg.QA.Parallelism)
	report, err := engine.Run(cmd.Context(),
		render.Scene{Path: sourcePath, Label: "source"},
		render.Scene{Path: convertedPath, Label: "converted"},
	)
	if err != nil {
		return err
	}

	if asJSON {
		raw, jerr := json.MarshalIndent(report, "", "  ")
		if jerr != nil {
			return jerr
		}
		fmt.Println(string(raw))
	} else {
		fmt.Printf("QA Report (%s)\n", report.Mode)
		fmt.Printf("  %s\n", report.Summary())
		fmt.Printf("  SSIM avg/min/max:  %.4f / %.4f / %.4f\n",
			report.Metrics.AvgSSIM, report.Metrics.MinSSIM, report.Metrics.MaxSSIM)
		fmt.Printf("  pHash avg dist:    %.1f\n", report.Metrics.AvgPHashDistance)
		fmt.Printf("  Render time:       %dms\n", report.Metrics.RenderElapsedMS)
		fmt.Println("  Frames:")
		for _, f := range report.Frames {
			fmt.Printf("    [%d] pose(%.1f,%.1f,%.1f yaw=%.0f) ssim=%.4f phash=%d %s\n",
				f.Index, f.Pose.X, f.Pose.Y, f.Pose.Z, f.Pose.Yaw,
				f.SSIM, f.PHashDistance, passWord(f.Passed))
		}
	}

	if !report.Passed {
		os.Exit(1)
	}
	return nil
}

func passWord(ok bool) string {
	if ok {
		return "pass"
	}
	return "FAIL"
}
