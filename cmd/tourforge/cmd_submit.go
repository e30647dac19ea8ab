package main

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/homewalk/tourforge/internal/pipeline"
	"github.com/homewalk/tourforge/internal/queue"
	"github.com/homewalk/tourforge/internal/worker"
)

// runSubmit enqueues one conversion job. With REDIS_ADDR set the job lands
// in the shared queue a running serve instance drains; without it the
// in-memory queue dies with this process, so we warn.
func runSubmit(cmd *cobra.Command, args []string) error {
	assetID, _ := cmd.Flags().GetString("asset-id")
	sourceKey, _ := cmd.Flags().GetString("source-key")
	market, _ := cmd.Flags().GetString("market")
	iterations, _ := cmd.Flags().GetUint32("iterations")
	threshold, _ := cmd.Flags().GetFloat64("quality-threshold")
	priority, _ := cmd.Flags().GetInt("priority")
	delay, _ := cmd.Flags().GetDuration("delay")
	jobID, _ := cmd.Flags().GetString("job-id")
	bypass, _ := cmd.Flags().GetBool("bypass-backpressure")

	if assetID == "" {
		assetID = uuid.New().String()
		log.Info().Str("asset_id", assetID).Msg("generated asset id")
	} else if _, err := uuid.Parse(assetID); err != nil {
		return fmt.Errorf("asset-id %q is not a UUID: %w", assetID, err)
	}

	q := queue.NewAuto(cfg.Queue.Queue())
	defer q.Close()
	if _, memOnly := q.(*queue.Memory); memOnly {
		log.Warn().Msg("REDIS_ADDR not set: job goes to a process-local queue and will not reach a running worker")
	}

	w := worker.New(q, nil, cfg.Worker.Worker())
	job, err := w.Submit(cmd.Context(), pipeline.ConversionJob{
		AssetID:          assetID,
		SourceKey:        sourceKey,
		Market:           market,
		Iterations:       iterations,
		QualityThreshold: threshold,
	}, worker.SubmitOptions{
		JobID:              jobID,
		Priority:           priority,
		Delay:              delay,
		BypassBackpressure: bypass,
	})
	if err != nil {
		return err
	}

	fmt.Printf("Job Submitted\n")
	fmt.Printf("  Job ID:    %s\n", job.ID)
	fmt.Printf("  Asset ID:  %s\n", assetID)
	fmt.Printf("  State:     %s\n", job.State)
	fmt.Printf("  Priority:  %d\n", job.Priority)
	if delay > 0 {
		fmt.Printf("  Delayed:   %s\n", delay)
	}
	return nil
}
