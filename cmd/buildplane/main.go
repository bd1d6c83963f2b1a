// Package main provides the buildplane binary entry point. Buildplane is a
// multi-tenant build orchestrator that compiles build specifications into
// task graphs and drives them through a staged agent pipeline under retry,
// quota, and approval discipline.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/c360studio/buildplane/config"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "buildplane"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		configPath string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Multi-tenant build orchestrator",
		Long: `Buildplane converts build specifications into executable task graphs and
runs them through a pipeline of specialized agents.

It provides:
- Plan compilation from free-text or structured spec documents
- Staged agent execution with typed artifact handoff
- Failure classification with retry, patch, replan, and escalation
- A crash-surviving build registry with per-tenant quotas`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, logLevel)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Config file path (YAML)")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	})

	return cmd
}

func run(configPath, logLevel string) error {
	level := slog.LevelInfo
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg, err := loadConfig(configPath, logger)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	signalCtx, signalCancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	app := NewApp(cfg, logger)
	if err := app.Start(signalCtx); err != nil {
		return err
	}

	slog.Info("buildplane running", "version", Version)

	<-signalCtx.Done()
	slog.Info("received shutdown signal")

	app.Shutdown(30 * time.Second)
	return nil
}

func loadConfig(configPath string, logger *slog.Logger) (*config.Config, error) {
	if configPath != "" {
		cfg, err := config.LoadFromFile(configPath)
		if err != nil {
			return nil, err
		}
		merged := config.DefaultConfig()
		merged.Merge(cfg)
		if err := merged.Validate(); err != nil {
			return nil, err
		}
		return merged, nil
	}

	return config.NewLoader(logger).Load()
}
