// Copyright (C) 2026 Resolvetech Systems (dev@resolvetech.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/resolvetech/upstreamd/services/resolver/upstream"
)

// runStatus prints the currently applied mode and the enabled provider
// list for it.
func runStatus(cmd *cobra.Command, args []string) {
	logger := buildLogger(cfg, true)
	defer logger.Close()

	eng, err := buildEngine(cfg, logger)
	if err != nil {
		log.Fatalf("Error building engine: %v", err)
	}

	current, err := eng.GetCurrentConfiguration()
	if err != nil {
		log.Fatalf("Error reading applied configuration: %v", err)
	}

	fmt.Printf("mode: %s\n", current.Mode)

	var active []upstream.Provider
	switch current.Mode {
	case upstream.ModeTLS:
		active = upstream.EnabledByPriority(current.TLSProviders)
	case upstream.ModeHTTPS:
		active = upstream.EnabledByPriority(current.HTTPSProviders)
		if current.HTTPSProxy != nil {
			fmt.Printf("proxy: %s on 127.0.0.1:%d\n",
				current.HTTPSProxy.Implementation, current.HTTPSProxy.LocalPort)
		}
	}

	for _, p := range active {
		fmt.Printf("  %s (%s:%d)\n", p.Label(), p.Address, p.EffectivePort())
	}
}

// runConfigShow prints the full applied configuration as YAML, which
// round-trips back into `upstreamd apply`.
func runConfigShow(cmd *cobra.Command, args []string) {
	logger := buildLogger(cfg, true)
	defer logger.Close()

	eng, err := buildEngine(cfg, logger)
	if err != nil {
		log.Fatalf("Error building engine: %v", err)
	}

	current, err := eng.GetCurrentConfiguration()
	if err != nil {
		log.Fatalf("Error reading applied configuration: %v", err)
	}

	out, err := yaml.Marshal(current)
	if err != nil {
		log.Fatalf("Error encoding configuration: %v", err)
	}
	os.Stdout.Write(out)
}
