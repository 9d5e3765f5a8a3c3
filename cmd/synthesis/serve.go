package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/synthesis-run/synthesis/internal/scheduler"
	"github.com/synthesis-run/synthesis/pkg/mcp"
	"github.com/synthesis-run/synthesis/pkg/schema"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the MCP control tools over stdio",
	Long: `Starts the engine, restores interrupted executions from the checkpoint store
as paused, registers scheduled definitions and serves the synthesis.* control
tools over stdio. Logs go to stderr.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

var serveSchedules []string

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringArrayVar(&serveSchedules, "schedule", nil, "Definition file with a cron schedule to trigger (repeatable)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := configFromCmd(cmd)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := newRuntime(ctx, cfg, os.Stderr)
	if err != nil {
		return err
	}
	defer rt.Close()
	logger := rt.logger

	recovered, err := rt.engine.Recover(ctx)
	if err != nil {
		return err
	}
	if len(recovered) > 0 {
		logger.Info("restored interrupted executions as paused", slog.Int("count", len(recovered)))
	}

	sched := scheduler.NewScheduler(rt.engine, logger, cfg.ScheduleInterval.Std())
	for _, path := range serveSchedules {
		def, err := schema.LoadDefinitionFile(path)
		if err != nil {
			return err
		}
		if _, err := sched.Register(def); err != nil {
			return err
		}
	}
	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer sched.Stop()

	if cfg.MetricsAddr != "" {
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux(rt), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			logger.Info("metrics endpoint listening", slog.String("addr", cfg.MetricsAddr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics endpoint failed", slog.String("error", err.Error()))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	server := mcp.NewServer(mcp.ServerDeps{
		Engine:    rt.engine,
		Scheduler: sched,
		Logger:    logger,
	})
	logger.Info("serving control tools on stdio")
	if err := server.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func metricsMux(rt *runtime) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", rt.metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	return mux
}
