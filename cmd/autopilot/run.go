package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/codeready-toolchain/autopilot/pkg/api"
	"github.com/codeready-toolchain/autopilot/pkg/config"
	"github.com/codeready-toolchain/autopilot/pkg/events"
	"github.com/codeready-toolchain/autopilot/pkg/llm"
	"github.com/codeready-toolchain/autopilot/pkg/orchestrator"
	"github.com/codeready-toolchain/autopilot/pkg/version"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the agent pool and the operator API",
	RunE:  runPool,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runPool(cmd *cobra.Command, args []string) error {
	setupLogging()

	if err := godotenv.Load(envFile); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envFile, "error", err)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	slog.Info("Starting autopilot",
		"version", version.Full(),
		"repo", cfg.Owner+"/"+cfg.Repo,
		"desired_instances", cfg.DesiredInstances,
		"api_addr", cfg.APIAddr)

	orch := orchestrator.Wire(cfg, llm.NewCLIStreamer(), events.LogSink{})
	if err := orch.Start(cmd.Context()); err != nil {
		return err
	}

	server := api.NewServer(orch)
	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", cfg.APIAddr)
		if err := server.Start(cfg.APIAddr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("HTTP server error triggered shutdown", "error", err)
	}

	// A second signal abandons the graceful drain.
	go func() {
		<-sigCh
		slog.Warn("Second signal received, emergency stop")
		orch.EmergencyStop()
		os.Exit(1)
	}()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Warn("HTTP server shutdown error", "error", err)
	}

	orch.Stop()
	slog.Info("Autopilot stopped")
	return nil
}

func setupLogging() {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}
