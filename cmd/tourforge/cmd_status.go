package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/homewalk/tourforge/internal/queue"
	"github.com/homewalk/tourforge/internal/worker"
)

// opsHealth mirrors the /health response.
type opsHealth struct {
	Status      string            `json:"status"`
	UptimeSec   int64             `json:"uptime_seconds"`
	Version     string            `json:"version"`
	Environment string            `json:"environment"`
	Converter   map[string]string `json:"converter"`
	QAMode      string            `json:"qa_mode"`
	Queue       *queue.Counts     `json:"queue"`
	QueueError  string            `json:"queue_error"`
}

// runStatus queries a running serve instance's ops endpoints.
func runStatus(cmd *cobra.Command, args []string) error {
	addr, _ := cmd.Flags().GetString("addr")
	asJSON, _ := cmd.Flags().GetBool("json")

	if addr == "" {
		host := cfg.Ops.Host
		if host == "" {
			host = "127.0.0.1"
		}
		port := cfg.Ops.Port
		if port == 0 {
			port = 8090
		}
		addr = fmt.Sprintf("%s:%d", host, port)
	}

	client := &http.Client{Timeout: 5 * time.Second}
	get := func(path string) ([]byte, error) {
		resp, err := client.Get("http://" + addr + path)
		if err != nil {
			return nil, fmt.Errorf("GET %s: %w (is 'tourforge serve' running?)", path, err)
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("GET %s: %w", path, err)
		}
		return body, nil
	}

	healthRaw, err := get("/health")
	if err != nil {
		return err
	}
	statsRaw, err := get("/stats")
	if err != nil {
		return err
	}
	bpRaw, err := get("/backpressure")
	if err != nil {
		return err
	}

	if asJSON {
		fmt.Printf("{\"health\": %s, \"stats\": %s, \"backpressure\": %s}\n",
			trimNL(healthRaw), trimNL(statsRaw), trimNL(bpRaw))
		return nil
	}

	var health opsHealth
	if err := json.Unmarshal(healthRaw, &health); err != nil {
		return fmt.Errorf("parse /health: %w", err)
	}
	var counts queue.Counts
	if err := json.Unmarshal(statsRaw, &counts); err != nil {
		return fmt.Errorf("parse /stats: %w", err)
	}
	var bp worker.Status
	if err := json.Unmarshal(bpRaw, &bp); err != nil {
		return fmt.Errorf("parse /backpressure: %w", err)
	}

	fmt.Printf("TourForge @ %s\n", addr)
	fmt.Printf("  Status:       %s\n", health.Status)
	fmt.Printf("  Version:      %s (%s)\n", health.Version, health.Environment)
	fmt.Printf("  Uptime:       %s\n", (time.Duration(health.UptimeSec) * time.Second).String())
	fmt.Printf("  Converter:    %s [%s]\n", health.Converter["path"], health.Converter["mode"])
	fmt.Printf("  QA mode:      %s\n", health.QAMode)
	if health.QueueError != "" {
		fmt.Printf("  Queue error:  %s\n", health.QueueError)
	}
	fmt.Println("Queue")
	fmt.Printf("  Waiting:      %s\n", humanize.Comma(int64(counts.Waiting)))
	fmt.Printf("  Active:       %s\n", humanize.Comma(int64(counts.Active)))
	fmt.Printf("  Delayed:      %s\n", humanize.Comma(int64(counts.Delayed)))
	fmt.Printf("  Completed:    %s\n", humanize.Comma(int64(counts.Completed)))
	fmt.Printf("  Failed:       %s\n", humanize.Comma(int64(counts.Failed)))
	fmt.Println("Backpressure")
	fmt.Printf("  Gate:         %s\n", bp.State)
	fmt.Printf("  Depth:        %d / %d (%d%%)\n", bp.QueueDepth, bp.MaxPendingJobs, bp.UtilizationPercent)
	fmt.Printf("  Accepting:    %v\n", bp.Accepting)
	if bp.RejectionReason != "" {
		fmt.Printf("  Rejecting:    %s\n", bp.RejectionReason)
	}
	return nil
}

func trimNL(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return b
}
