package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/homewalk/tourforge/internal/blobstore"
	"github.com/homewalk/tourforge/internal/pipeline"
	"github.com/homewalk/tourforge/internal/provenance"
	"github.com/homewalk/tourforge/internal/qa"
)

// runConvert runs the full pipeline once against a local PLY, bypassing
// the queue. The blob store and ledger live in memory for the run; the
// converted SOG is copied back out to --output.
func runConvert(cmd *cobra.Command, args []string) error {
	inputPath, _ := cmd.Flags().GetString("input")
	outputPath, _ := cmd.Flags().GetString("output")
	assetID, _ := cmd.Flags().GetString("asset-id")
	market, _ := cmd.Flags().GetString("market")
	iterations, _ := cmd.Flags().GetUint32("iterations")
	threshold, _ := cmd.Flags().GetFloat64("quality-threshold")
	mock, _ := cmd.Flags().GetBool("mock")
	asJSON, _ := cmd.Flags().GetBool("json")

	if inputPath == "" {
		return fmt.Errorf("--input is required")
	}
	if outputPath == "" {
		outputPath = inputPath + ".sog"
	}
	if assetID == "" {
		assetID = uuid.New().String()
	}

	store := blobstore.NewMemory()
	sourceKey := blobstore.Key(market, assetID, "source.ply")
	if err := store.Put(cmd.Context(), inputPath, sourceKey); err != nil {
		return err
	}

	conv, _, _ := buildConverter(mock)
	engine := qa.NewEngine(renderMode(), uint64(cfg.QA.Seed), cfg.QA.Parallelism)
	ledger := provenance.NewLedger(provenance.NewMemorySink())

	svc := pipeline.NewService(store, conv, engine, ledger)
	svc.WorkRoot = cfg.WorkRoot
	svc.Environment = cfg.Environment

	res := svc.Run(cmd.Context(), pipeline.ConversionJob{
		AssetID:          assetID,
		SourceKey:        sourceKey,
		Market:           market,
		Iterations:       iterations,
		QualityThreshold: threshold,
	})

	if res.OK {
		if err := store.Get(cmd.Context(), res.OutputKey, outputPath); err != nil {
			return err
		}
	}

	if asJSON {
		raw, err := json.MarshalIndent(res, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(raw))
		if !res.OK {
			os.Exit(1)
		}
		return nil
	}

	fmt.Printf("Conversion %s\n", resultWord(res.OK))
	fmt.Printf("  Asset ID:   %s\n", res.AssetID)
	fmt.Printf("  Source:     %s (%s, %s)\n", inputPath, humanize.Bytes(uint64(res.SourceSize)), short(res.SourceDigest))
	if res.OutputDigest != "" {
		fmt.Printf("  Output:     %s (%s, %s)\n", outputPath, humanize.Bytes(uint64(res.OutputSize)), short(res.OutputDigest))
	}
	if res.ConverterVersion != "" {
		fmt.Printf("  Converter:  %s [%s]\n", res.ConverterVersion, res.Provenance.BinaryMode)
	}
	if res.QA != nil {
		fmt.Printf("  QA:         %s\n", res.QA.Summary())
	}
	fmt.Printf("  Elapsed:    %dms\n", res.ElapsedMS)
	if res.Error != nil {
		fmt.Printf("  Error:      [%s] %s\n", res.Error.Code, res.Error.Message)
		if res.Error.Retryable {
			fmt.Printf("              retryable: a queued run would try again\n")
		}
		os.Exit(1)
	}
	return nil
}

func resultWord(ok bool) string {
	if ok {
		return "Succeeded"
	}
	return "Failed"
}

// short truncates a sha256 hex digest for terminal output.
func short(digest string) string {
	if len(digest) > 12 {
		return digest[:12]
	}
	return digest
}
