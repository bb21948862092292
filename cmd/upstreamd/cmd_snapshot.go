// Copyright (C) 2026 Resolvetech Systems (dev@resolvetech.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/spf13/cobra"

	"github.com/resolvetech/upstreamd/services/resolver/snapshot"
)

// runSnapshotList prints stored snapshots, newest first.
func runSnapshotList(cmd *cobra.Command, args []string) {
	logger := buildLogger(cfg, true)
	defer logger.Close()

	store, err := snapshot.NewStore(cfg.Paths.SnapshotDir, logger.Slog())
	if err != nil {
		log.Fatalf("Error opening snapshot store: %v", err)
	}

	metas, err := store.List()
	if err != nil {
		log.Fatalf("Error listing snapshots: %v", err)
	}
	if len(metas) == 0 {
		fmt.Println("no snapshots")
		return
	}
	for _, m := range metas {
		fmt.Printf("%s  %s  %d files\n",
			m.ID, m.CapturedAt.Local().Format(time.RFC3339), m.FileCount)
	}
}

// runSnapshotPrune deletes all but the newest --keep snapshots.
func runSnapshotPrune(cmd *cobra.Command, args []string) {
	logger := buildLogger(cfg, true)
	defer logger.Close()

	store, err := snapshot.NewStore(cfg.Paths.SnapshotDir, logger.Slog())
	if err != nil {
		log.Fatalf("Error opening snapshot store: %v", err)
	}

	removed, err := store.Prune(keepCount)
	if err != nil {
		log.Fatalf("Error pruning snapshots: %v", err)
	}
	fmt.Printf("pruned %d snapshot(s), kept %d\n", removed, keepCount)
}

// runSnapshotRestore restores a snapshot by id and reloads the
// resolver, the manual counterpart of an automatic rollback.
func runSnapshotRestore(cmd *cobra.Command, args []string) {
	logger := buildLogger(cfg, false)
	defer logger.Close()

	eng, err := buildEngine(cfg, logger)
	if err != nil {
		log.Fatalf("Error building engine: %v", err)
	}

	if err := eng.RestoreSnapshot(context.Background(), args[0]); err != nil {
		log.Fatalf("Error restoring snapshot %s: %v", args[0], err)
	}
	fmt.Printf("snapshot %s restored\n", args[0])
}
