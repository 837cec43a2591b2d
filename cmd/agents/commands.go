// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianAgents/pkg/logging"
	"github.com/AleutianAI/AleutianAgents/services/orchestrator"
	"github.com/AleutianAI/AleutianAgents/services/orchestrator/config"
)

// Set by -ldflags at build time.
var (
	version = "dev"
	commit  = "none"
)

// --- Global Command Variables ---
var (
	configPath string
	logLevel   string
	logFormat  string
	logDir     string
	watchCfg   bool

	// closeLog releases the log file opened in PersistentPreRunE.
	closeLog = func() error { return nil }

	rootCmd = &cobra.Command{
		Use:           "agents",
		Short:         "Route free-form tasks to specialised LLM agents",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			lvl, err := logging.ParseLevel(logLevel)
			if err != nil {
				return err
			}
			logger, closeFn, err := logging.New(logging.Config{
				Level:   lvl,
				Format:  logging.Format(logFormat),
				Console: cmd.ErrOrStderr(),
				LogDir:  logDir,
				Service: "agents",
			})
			if err != nil {
				return err
			}
			closeLog = closeFn
			slog.SetDefault(logger)
			return nil
		},
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and run the worker pool",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "agents %s (%s)\n", version, commit)
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"Path to a YAML config file. Defaults and environment apply without one.")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info",
		"Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", string(logging.FormatAuto),
		"Console log format: auto, text, json")
	rootCmd.PersistentFlags().StringVar(&logDir, "log-dir", "",
		"Also append JSON logs to a daily file in this directory")

	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().BoolVar(&watchCfg, "watch", true,
		"Reload the config file on change (routing threshold only)")

	rootCmd.AddCommand(tasksCmd)
	rootCmd.AddCommand(versionCmd)
}

func loadConfig() (config.Config, error) {
	return config.Load(configPath, os.Getenv)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := []orchestrator.Option{orchestrator.WithLogger(slog.Default())}
	if watchCfg && configPath != "" {
		opts = append(opts, orchestrator.WithConfigWatch(configPath))
	}
	svc, err := orchestrator.New(cfg, opts...)
	if err != nil {
		return err
	}
	if err := svc.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	slog.Info("agents service stopped")
	return nil
}

func executeContext(ctx context.Context, args ...string) error {
	rootCmd.SetArgs(args)
	return rootCmd.ExecuteContext(ctx)
}
