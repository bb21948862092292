// Copyright (C) 2026 Resolvetech Systems (dev@resolvetech.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/resolvetech/upstreamd/services/resolver/httpapi"
)

// --- Global Command Variables ---
var (
	configPath string
	logLevel   string
	selfTest   bool
	noSelfTest bool
	keepCount  int

	rootCmd = &cobra.Command{
		Use:   "upstreamd",
		Short: "Manage the appliance resolver's upstream configuration",
		Long: `upstreamd deploys DNS upstream configuration to the local resolver
transactionally: every apply snapshots the current state, validates the
generated configuration, reloads the service, and rolls back on any failure.`,
	}

	// --- Daemon ---
	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the management API daemon",
		Run:   runServe, // Defined in cmd_serve.go
	}

	// --- Apply ---
	applyCmd = &cobra.Command{
		Use:   "apply [config-file]",
		Short: "Apply an upstream configuration from a YAML file",
		Args:  cobra.ExactArgs(1),
		Run:   runApply, // Defined in cmd_apply.go
	}

	// --- Status / Config ---
	statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Show the currently applied resolution mode and providers",
		Run:   runStatus, // Defined in cmd_status.go
	}
	configCmd = &cobra.Command{
		Use:   "config",
		Short: "Inspect upstream configuration",
	}
	configShowCmd = &cobra.Command{
		Use:   "show",
		Short: "Print the currently applied configuration as YAML",
		Run:   runConfigShow, // Defined in cmd_status.go
	}

	// --- Snapshots ---
	snapshotCmd = &cobra.Command{
		Use:   "snapshot",
		Short: "Manage pre-apply snapshots",
	}
	snapshotListCmd = &cobra.Command{
		Use:   "list",
		Short: "List stored snapshots, newest first",
		Run:   runSnapshotList, // Defined in cmd_snapshot.go
	}
	snapshotPruneCmd = &cobra.Command{
		Use:   "prune",
		Short: "Delete all but the newest snapshots",
		Run:   runSnapshotPrune, // Defined in cmd_snapshot.go
	}
	snapshotRestoreCmd = &cobra.Command{
		Use:   "restore [snapshot-id]",
		Short: "Restore a snapshot and reload the resolver",
		Args:  cobra.ExactArgs(1),
		Run:   runSnapshotRestore, // Defined in cmd_snapshot.go
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the upstreamd version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(httpapi.ServiceVersion)
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "/etc/upstreamd/upstreamd.yaml",
		"Path to the daemon configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"Override the configured log level (debug, info, warn, error)")

	applyCmd.Flags().BoolVar(&selfTest, "self-test", false,
		"Force live resolution probes before committing")
	applyCmd.Flags().BoolVar(&noSelfTest, "no-self-test", false,
		"Skip live resolution probes even if the daemon config enables them")

	snapshotPruneCmd.Flags().IntVar(&keepCount, "keep", 10,
		"Number of newest snapshots to keep")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(applyCmd)
	rootCmd.AddCommand(statusCmd)

	configCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(configCmd)

	snapshotCmd.AddCommand(snapshotListCmd)
	snapshotCmd.AddCommand(snapshotPruneCmd)
	snapshotCmd.AddCommand(snapshotRestoreCmd)
	rootCmd.AddCommand(snapshotCmd)

	rootCmd.AddCommand(versionCmd)
}
