// Command fitrunner orchestrates parallel forecast model fitting: it
// enumerates a (sources x regions x variants) job matrix, drains it over a
// bounded worker pool with durable per-job state, and exports the artifacts
// of completed runs.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v3"

	"fitrunner/internal/apperrors"
	"fitrunner/internal/config"
	"fitrunner/internal/export"
	"fitrunner/internal/fit"
	"fitrunner/internal/forecast"
	"fitrunner/internal/matrix"
	"fitrunner/internal/observability"
	"fitrunner/internal/runstore"
	"fitrunner/internal/scheduler"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	envFlag := &cli.StringFlag{
		Name:  "env",
		Usage: "environment file path",
		Value: ".env",
	}
	runFlag := &cli.StringFlag{
		Name:     "run",
		Usage:    "run ID",
		Required: true,
	}

	app := &cli.Command{
		Name:  "fitrunner",
		Usage: "parallel forecast model fitting orchestrator",
		Commands: []*cli.Command{
			{
				Name:  "start",
				Usage: "start a new run from a matrix definition",
				Flags: []cli.Flag{
					envFlag,
					&cli.StringFlag{
						Name:     "matrix",
						Usage:    "matrix definition YAML path",
						Required: true,
					},
					&cli.StringFlag{
						Name:  "name",
						Usage: "run name (generated when omitted)",
					},
				},
				Action: startAction,
			},
			{
				Name:   "resume",
				Usage:  "resume a stopped or crashed run",
				Flags:  []cli.Flag{envFlag, runFlag},
				Action: resumeAction,
			},
			{
				Name:   "status",
				Usage:  "show the state of a run",
				Flags:  []cli.Flag{envFlag, runFlag},
				Action: statusAction,
			},
			{
				Name:   "export",
				Usage:  "export the artifacts of a completed run",
				Flags:  []cli.Flag{envFlag, runFlag},
				Action: exportAction,
			},
		},
	}

	if err := app.Run(ctx, os.Args); err != nil {
		logger.Error("Command failed", "error", err)
		if exitErr, ok := err.(cli.ExitCoder); ok {
			os.Exit(exitErr.ExitCode())
		}
		os.Exit(exitCode(err))
	}
}

// exitCode maps error classes onto shell conventions: 2 for configuration
// mistakes and aborted runs, 1 for everything else.
func exitCode(err error) int {
	if errors.Is(err, apperrors.ErrConfiguration) || errors.Is(err, apperrors.ErrPersistence) {
		return 2
	}
	return 1
}

// app bundles the wired components behind one Close.
type app struct {
	config   *config.RunnerConfig
	store    runstore.Store
	service  *scheduler.Service
	exporter *export.Exporter
	logger   *slog.Logger

	metricsServer *http.Server
}

func newApp(ctx context.Context, envFile string) (*app, error) {
	// Missing env file is fine; the environment itself still applies.
	_ = godotenv.Load(envFile)

	cfg := config.LoadRunnerConfig()
	logger := slog.Default()
	if cfg.Debug {
		logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		}))
		slog.SetDefault(logger)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.StorePath), 0o755); err != nil {
		return nil, apperrors.Persistence("open store", err)
	}
	store, err := runstore.OpenSQLite(cfg.StorePath)
	if err != nil {
		return nil, err
	}

	a := &app{
		config: cfg,
		store:  store,
		logger: logger,
	}

	var metrics scheduler.Metrics
	if cfg.MetricsPort != "" {
		m, handler, err := observability.NewMetrics(ctx)
		if err != nil {
			store.Close()
			return nil, err
		}
		metrics = m

		mux := http.NewServeMux()
		mux.Handle("/metrics", handler)
		a.metricsServer = &http.Server{
			Addr:              ":" + cfg.MetricsPort,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("Metrics server listening", "port", cfg.MetricsPort)
			if err := a.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Metrics server failed", "error", err)
			}
		}()
	}

	provider := fit.NewFileProvider(cfg.DataDir)
	catalogs := func(runID string) fit.Catalog {
		return forecast.NewCatalog(filepath.Join(cfg.ModelsDir, runID))
	}
	a.service = scheduler.NewService(store, provider, catalogs, scheduler.ServiceConfig{
		Workers:     cfg.Workers,
		MaxAttempts: cfg.MaxAttempts,
		JobTimeout:  cfg.JobTimeout,
	}, logger, metrics)
	a.exporter = export.New(store, cfg.ExportDir, logger)
	return a, nil
}

func (a *app) Close() {
	if a.metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = a.metricsServer.Shutdown(shutdownCtx)
		cancel()
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn("Store close failed", "error", err)
	}
}

func startAction(ctx context.Context, cmd *cli.Command) error {
	a, err := newApp(ctx, cmd.String("env"))
	if err != nil {
		return wrap(err)
	}
	defer a.Close()

	def, err := matrix.LoadFile(cmd.String("matrix"))
	if err != nil {
		return wrap(err)
	}

	summary, err := a.service.StartRun(ctx, def, cmd.String("name"))
	if err != nil {
		return wrap(err)
	}
	printSummary(summary)
	return summaryExit(summary)
}

func resumeAction(ctx context.Context, cmd *cli.Command) error {
	a, err := newApp(ctx, cmd.String("env"))
	if err != nil {
		return wrap(err)
	}
	defer a.Close()

	summary, err := a.service.ResumeRun(ctx, cmd.String("run"))
	if err != nil {
		return wrap(err)
	}
	printSummary(summary)
	return summaryExit(summary)
}

func statusAction(ctx context.Context, cmd *cli.Command) error {
	a, err := newApp(ctx, cmd.String("env"))
	if err != nil {
		return wrap(err)
	}
	defer a.Close()

	summary, err := a.service.Status(ctx, cmd.String("run"))
	if err != nil {
		return wrap(err)
	}
	printSummary(summary)
	return nil
}

func exportAction(ctx context.Context, cmd *cli.Command) error {
	a, err := newApp(ctx, cmd.String("env"))
	if err != nil {
		return wrap(err)
	}
	defer a.Close()

	manifest, dest, err := a.exporter.Export(ctx, cmd.String("run"))
	if err != nil {
		return wrap(err)
	}
	fmt.Printf("exported run %s (%s): %d models -> %s\n",
		manifest.RunID, manifest.Name, len(manifest.Entries), dest)
	return nil
}

// wrap turns internal errors into cli exit errors with the right code.
func wrap(err error) error {
	return cli.Exit(err.Error(), exitCode(err))
}

// summaryExit reports partial failure through the exit code so scripts can
// tell a clean run from one with failed jobs.
func summaryExit(summary *scheduler.Summary) error {
	if summary.Failed > 0 || summary.Remaining > 0 {
		return cli.Exit("", 1)
	}
	return nil
}

func printSummary(summary *scheduler.Summary) {
	fmt.Printf("run %s (%s): %s\n", summary.RunID, summary.Name, summary.Status)
	fmt.Printf("  jobs: %d total, %d succeeded, %d failed, %d remaining\n",
		summary.Total, summary.Succeeded, summary.Failed, summary.Remaining)
	for _, failure := range summary.Failures {
		fmt.Printf("  failed: %s after %d attempts: %s\n",
			failure.Key, failure.Attempts, failure.LastError)
	}
}
