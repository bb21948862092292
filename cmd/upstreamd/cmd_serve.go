// Copyright (C) 2026 Resolvetech Systems (dev@resolvetech.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/resolvetech/upstreamd/services/resolver/engine"
	"github.com/resolvetech/upstreamd/services/resolver/httpapi"
)

// runServe starts the management API daemon and blocks until SIGINT or
// SIGTERM.
func runServe(cmd *cobra.Command, args []string) {
	logger := buildLogger(cfg, false)
	defer logger.Close()

	eng, err := buildEngine(cfg, logger)
	if err != nil {
		log.Fatalf("Error building engine: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	watcher := engine.NewDriftWatcher(eng, logger.Slog())
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("drift watcher unavailable", "error", err)
	} else {
		defer watcher.Close()
	}

	limiter := rate.NewLimiter(
		rate.Every(time.Minute/time.Duration(cfg.HTTP.ApplyPerMinute)),
		cfg.HTTP.ApplyBurst,
	)
	handlers := httpapi.NewHandlers(eng, logger.Slog(), limiter, cfg.Apply.SelfTest)

	server := &http.Server{
		Addr:              cfg.HTTP.Listen,
		Handler:           httpapi.NewRouter(handlers),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("management API listening", "addr", cfg.HTTP.Listen)
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Error serving HTTP: %v", err)
		}
		return
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}
