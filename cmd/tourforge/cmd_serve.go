package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/homewalk/tourforge/internal/blobstore"
	"github.com/homewalk/tourforge/internal/converter"
	"github.com/homewalk/tourforge/internal/metrics"
	"github.com/homewalk/tourforge/internal/ops"
	"github.com/homewalk/tourforge/internal/pipeline"
	"github.com/homewalk/tourforge/internal/provenance"
	"github.com/homewalk/tourforge/internal/qa"
	"github.com/homewalk/tourforge/internal/queue"
	"github.com/homewalk/tourforge/internal/regression"
	"github.com/homewalk/tourforge/internal/render"
	"github.com/homewalk/tourforge/internal/worker"
)

// runServe wires the whole pipeline and runs it until a signal arrives.
func runServe(cmd *cobra.Command, args []string) error {
	mockConverter, _ := cmd.Flags().GetBool("mock")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := metrics.NewRegistry()

	store, err := blobstore.NewFS(cfg.Storage.Root)
	if err != nil {
		return err
	}

	ledger, closeSink, err := buildLedger(reg)
	if err != nil {
		return err
	}
	defer closeSink()

	harness, err := buildHarness(ctx)
	if err != nil {
		return err
	}

	conv, binaryMode, binaryPath := buildConverter(mockConverter)
	qaMode := renderMode()
	engine := qa.NewEngine(qaMode, uint64(cfg.QA.Seed), cfg.QA.Parallelism)

	svc := pipeline.NewService(store, conv, engine, ledger)
	svc.Harness = harness
	svc.WorkRoot = cfg.WorkRoot
	svc.Environment = cfg.Environment
	svc.Metrics = reg

	q := queue.NewAuto(cfg.Queue.Queue())
	w := worker.New(q, svc, cfg.Worker.Worker())
	w.Metrics = reg

	srv, err := ops.NewServer(cfg.Ops.Server(), w, reg, ops.Info{
		Version:     version,
		Environment: cfg.Environment,
		BinaryMode:  binaryMode,
		BinaryPath:  binaryPath,
		QAMode:      qaMode,
	})
	if err != nil {
		return err
	}
	w.Events = srv.Hub()

	go func() {
		if err := srv.Start(); err != nil {
			log.Error().Err(err).Msg("ops server failed")
			stop()
		}
	}()

	w.Start(context.Background())
	log.Info().
		Str("app", appName).
		Str("version", version).
		Str("environment", cfg.Environment).
		Str("converter", binaryMode).
		Str("qa_mode", qaMode).
		Str("ops", srv.Address()).
		Msg("conversion worker running")

	<-ctx.Done()
	log.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("ops server shutdown failed")
	}
	if err := w.Stop(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("worker drain failed")
	}
	return nil
}

// buildLedger picks the provenance sink from config: postgres when a DSN
// is set, else a JSONL file, else memory.
func buildLedger(reg *metrics.Registry) (*provenance.Ledger, func(), error) {
	noop := func() {}
	switch {
	case cfg.Provenance.DSN != "":
		db, err := sqlx.Connect("postgres", cfg.Provenance.DSN)
		if err != nil {
			return nil, noop, err
		}
		log.Info().Msg("provenance sink: postgres")
		return provenance.NewLedger(provenance.NewPostgresSink(db)).WithMetrics(reg),
			func() { db.Close() }, nil
	case cfg.Provenance.Path != "":
		sink, err := provenance.NewFileSink(cfg.Provenance.Path)
		if err != nil {
			return nil, noop, err
		}
		log.Info().Str("path", cfg.Provenance.Path).Msg("provenance sink: file")
		return provenance.NewLedger(sink).WithMetrics(reg),
			func() { sink.Close() }, nil
	default:
		log.Warn().Msg("provenance sink: memory (records do not survive restart)")
		return provenance.NewLedger(provenance.NewMemorySink()).WithMetrics(reg), noop, nil
	}
}

// buildHarness loads baselines from postgres or the bundle file and starts
// the watcher when configured. No baseline source means no harness.
func buildHarness(ctx context.Context) (*regression.Harness, error) {
	switch {
	case cfg.Regression.DSN != "":
		db, err := sqlx.Connect("postgres", cfg.Regression.DSN)
		if err != nil {
			return nil, err
		}
		h := regression.NewHarness(regression.Thresholds{})
		if err := h.LoadFrom(ctx, regression.NewPostgresStore(db)); err != nil {
			db.Close()
			return nil, err
		}
		db.Close()
		return h, nil
	case cfg.Regression.BaselinePath != "":
		h := regression.NewHarness(regression.Thresholds{})
		if err := h.LoadBundle(cfg.Regression.BaselinePath); err != nil {
			return nil, err
		}
		if cfg.Regression.Watch {
			if err := h.Watch(ctx, cfg.Regression.BaselinePath); err != nil {
				return nil, err
			}
		}
		return h, nil
	default:
		return nil, nil
	}
}

// buildConverter returns the runner plus the mode/path recorded in health
// and provenance.
func buildConverter(forceMock bool) (converter.Runner, string, string) {
	if forceMock || cfg.Converter.Mock {
		return converter.Mock{}, converter.ModeMock, "builtin"
	}
	drv := converter.NewDriver(cfg.Converter.Driver())
	res := drv.Resolution()
	return drv, res.Mode, res.Path
}

// renderMode resolves the QA renderer: RENDER_MODE wins, then config,
// then the mock.
func renderMode() string {
	if os.Getenv("RENDER_MODE") != "" {
		return render.ModeFromEnv()
	}
	if cfg.QA.Mode != "" {
		return cfg.QA.Mode
	}
	return render.ModeMock
}
