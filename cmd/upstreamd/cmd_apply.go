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
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/resolvetech/upstreamd/services/resolver/engine"
	"github.com/resolvetech/upstreamd/services/resolver/upstream"
)

// runApply deploys the upstream configuration in the given YAML file
// through the local engine.
//
// Exit codes: 0 committed, 1 rolled back or rejected, 2 fatal.
func runApply(cmd *cobra.Command, args []string) {
	logger := buildLogger(cfg, false)
	defer logger.Close()

	data, err := os.ReadFile(args[0])
	if err != nil {
		log.Fatalf("Error reading %s: %v", args[0], err)
	}
	var desired upstream.Configuration
	if err := yaml.Unmarshal(data, &desired); err != nil {
		log.Fatalf("Error parsing %s: %v", args[0], err)
	}

	eng, err := buildEngine(cfg, logger)
	if err != nil {
		log.Fatalf("Error building engine: %v", err)
	}

	runSelfTest := cfg.Apply.SelfTest
	if selfTest {
		runSelfTest = true
	}
	if noSelfTest {
		runSelfTest = false
	}

	result, err := eng.Apply(context.Background(), &desired, runSelfTest)
	if err != nil {
		fmt.Fprintf(os.Stderr, "apply rejected: %v\n", err)
		os.Exit(1)
	}

	switch {
	case result.Success:
		fmt.Printf("apply committed (attempt %s, snapshot %s)\n", result.AttemptID, result.SnapshotID)
	case result.RolledBack:
		fmt.Fprintf(os.Stderr, "apply failed and rolled back: %s\n", result.Error)
		os.Exit(1)
	case result.State == engine.StateFatal:
		fmt.Fprintf(os.Stderr, "apply FATAL, manual recovery required: %s\n", result.Error)
		fmt.Fprintf(os.Stderr, "snapshot %s is preserved on disk\n", result.SnapshotID)
		os.Exit(2)
	}
}
