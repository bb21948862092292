// Copyright (C) 2026 Resolvetech Systems (dev@resolvetech.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"fmt"

	"github.com/resolvetech/upstreamd/pkg/logging"
	"github.com/resolvetech/upstreamd/services/resolver/config"
	"github.com/resolvetech/upstreamd/services/resolver/engine"
	"github.com/resolvetech/upstreamd/services/resolver/gateway"
	"github.com/resolvetech/upstreamd/services/resolver/snapshot"
)

// buildLogger creates the process logger from the daemon config, with
// the --log-level flag taking precedence.
func buildLogger(cfg *config.Config, quiet bool) *logging.Logger {
	level := cfg.Log.Level
	if logLevel != "" {
		level = logLevel
	}
	return logging.New(logging.Config{
		Level:   logging.ParseLevel(level),
		LogDir:  cfg.Log.Dir,
		Service: "upstreamd",
		JSON:    cfg.Log.JSON,
		Quiet:   quiet,
	})
}

// buildEngine wires the snapshot store, the command gateway, and the
// apply engine from the daemon config.
func buildEngine(cfg *config.Config, logger *logging.Logger) (*engine.Engine, error) {
	store, err := snapshot.NewStore(cfg.Paths.SnapshotDir, logger.Slog())
	if err != nil {
		return nil, fmt.Errorf("open snapshot store: %w", err)
	}

	runner, err := gateway.NewExecRunner(cfg.CommandTable(), logger.Slog())
	if err != nil {
		return nil, fmt.Errorf("build command gateway: %w", err)
	}

	eng, err := engine.New(engine.Options{
		ManagedConfigPath:    cfg.Paths.ManagedConfig,
		DescriptorPath:       cfg.Paths.Descriptor,
		ProbeDomains:         cfg.Apply.ProbeDomains,
		FlushCacheAfterApply: cfg.Apply.FlushCacheAfterApply,
		SnapshotRetention:    cfg.Apply.SnapshotRetention,
	}, store, runner, logger.Slog())
	if err != nil {
		return nil, fmt.Errorf("build engine: %w", err)
	}
	return eng, nil
}
