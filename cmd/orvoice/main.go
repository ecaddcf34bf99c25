// Package main is the orvoice CLI: the milestone service and a scripted
// session simulator.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/lexiqai/orvoice/internal/app"
	"github.com/lexiqai/orvoice/internal/bridge"
	"github.com/lexiqai/orvoice/internal/config"
	"github.com/lexiqai/orvoice/internal/domain"
	"github.com/lexiqai/orvoice/internal/observability"
	"github.com/lexiqai/orvoice/internal/simulate"
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "orvoice",
		Short:   "Voice-driven operating room milestone tracking",
		Version: observability.Version,
	}
	rootCmd.AddCommand(serveCmd(), simulateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var autoListen bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the milestone service and UI gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			return serve(cfg, autoListen)
		},
	}
	cmd.Flags().BoolVar(&autoListen, "auto-listen", false, "start listening on the preferred microphone at startup")
	return cmd
}

func serve(cfg *config.Config, autoListen bool) error {
	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	logger.Info().
		Str("port", cfg.Port).
		Str("recognizer", cfg.Recognizer).
		Str("submission_url", cfg.SubmissionURL).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("Milestone service starting")

	a, err := app.New(cfg, nil)
	if err != nil {
		return fmt.Errorf("failed to build service: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a.Start(ctx)

	if autoListen {
		if _, err := a.Service.StartListening(ctx, domain.UserContext{}); err != nil {
			logger.Warn().Err(err).Msg("Auto-listen failed, waiting for the UI")
		}
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", a.Gateway)
	mux.HandleFunc("/health", observability.HealthCheckHandler())
	mux.HandleFunc("/ready", observability.ReadinessHandler(a.ReadinessChecks()))

	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	// no WriteTimeout: /ws connections are long-lived
	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("endpoint", fmt.Sprintf("ws://localhost:%s/ws", cfg.Port)).
			Msg("Server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			logger.Error().Err(err).Msg("Server failed")
		}
		stop()
	}

	logger.Info().Msg("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Server forced to shutdown")
	}
	if err := a.Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close submission client")
	}

	logger.Info().Msg("Server exited gracefully")
	return nil
}

func simulateCmd() *cobra.Command {
	var exportOnly bool

	cmd := &cobra.Command{
		Use:   "simulate [script.yaml]",
		Short: "Replay a scripted session through the full pipeline",
		Long: `Replay a YAML session script against the real classifier, state machine
and recovery coordinator, with a fake recognizer standing in for the
microphone. The step report goes to stderr and the case export to stdout.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			script, err := simulate.LoadScript(args[0])
			if err != nil {
				return err
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			cfg.Recognizer = config.RecognizerFake
			observability.InitLoggerTo(os.Stderr, cfg.LogLevel, cfg.LogPretty)

			a, err := app.New(cfg, bridge.NewFakeRecognizer())
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			a.Start(ctx)
			defer func() {
				cancel()
				_ = a.Close()
			}()

			runner, err := simulate.NewRunner(a)
			if err != nil {
				return err
			}
			report, runErr := runner.Run(ctx, script)

			if !exportOnly && report != nil {
				for _, o := range report.Outcomes {
					line := fmt.Sprintf("%3d  %-10s %-28q %s", o.Step, o.Action, o.Input, o.Result)
					if o.Detail != "" {
						line += " (" + o.Detail + ")"
					}
					fmt.Fprintln(os.Stderr, line)
				}
				if report.Receipt != nil {
					fmt.Fprintf(os.Stderr, "submitted as %s\n", report.Receipt.CaseID)
				}
			}
			if runErr != nil {
				return runErr
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(report.Export)
		},
	}
	cmd.Flags().BoolVar(&exportOnly, "export-only", false, "print only the case export")
	return cmd
}
