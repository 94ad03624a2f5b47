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
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jinterlante1206/sessionplane/cmd/sessionplane/config"
	"github.com/jinterlante1206/sessionplane/pkg/logging"
	"github.com/jinterlante1206/sessionplane/services/sessionplane/api"
	"github.com/jinterlante1206/sessionplane/services/sessionplane/engine"
	"github.com/jinterlante1206/sessionplane/services/sessionplane/telemetry"
)

const shutdownTimeout = 15 * time.Second

// runServe loads the config, wires every component and serves until
// SIGINT or SIGTERM.
func runServe(cmd *cobra.Command, _ []string) error {
	path := configPath
	if path == "" {
		var err error
		if path, err = config.DefaultPath(); err != nil {
			return err
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("api") {
		cfg.API.Addr = apiAddr
	}
	if cmd.Flags().Changed("token") {
		cfg.API.Token = apiToken
	}

	logger := logging.New(cfg.LoggingSettings())
	defer logger.Close()
	slog.SetDefault(logger.Slog())

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	settings, err := cfg.EngineSettings()
	if err != nil {
		return err
	}
	settings.Registry = prometheus.NewRegistry()
	settings.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	telCfg := cfg.Telemetry
	telCfg.Registerer = settings.Registry
	shutdownTelemetry, err := telemetry.Init(ctx, telCfg)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	deps, err := engine.Open(ctx, settings, logger.Slog())
	if err != nil {
		return fmt.Errorf("open engine: %w", err)
	}
	defer func() {
		if err := deps.Close(); err != nil {
			logger.Error("engine close failed", "error", err)
		}
	}()
	eng := engine.New(deps)

	watcher, err := config.NewWatcher(config.WatcherOptions{
		Path:        path,
		Contingency: deps.Tracker,
		Resource:    deps.Sampler,
		Logger:      logger.Slog(),
	})
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.API.Addr,
		Handler:           api.NewServer(eng).WithExtensions(cfg.Extensions(logger.Slog())).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("sessionplane starting",
		"config", path, "data_dir", settings.DataDir, "api_addr", cfg.API.Addr)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return eng.Run(gctx) })
	g.Go(func() error { return watcher.Run(gctx) })
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("admin api: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	err = g.Wait()
	logger.Info("sessionplane stopped", "error", err)
	return err
}
