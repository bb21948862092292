// Copyright (C) 2026 Resolvetech Systems (dev@resolvetech.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package config loads the daemon's own configuration from YAML.
//
// The loaded Config is passed explicitly to the components that need
// it. There is no package-level current configuration; whoever
// constructs a component owns handing it its config.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/resolvetech/upstreamd/services/resolver/atomicfile"
	"github.com/resolvetech/upstreamd/services/resolver/gateway"
)

var validate = validator.New()

// Config is the daemon configuration.
type Config struct {
	Paths    PathsConfig    `yaml:"paths"`
	Commands CommandsConfig `yaml:"commands"`
	Apply    ApplyConfig    `yaml:"apply"`
	HTTP     HTTPConfig     `yaml:"http"`
	Log      LogConfig      `yaml:"log"`
}

// PathsConfig names the files and directories the daemon owns.
type PathsConfig struct {
	// ManagedConfig is the resolver-native artifact, placed where the
	// resolver's include directive picks it up.
	ManagedConfig string `yaml:"managed_config" validate:"required"`

	// Descriptor holds the last-applied upstream configuration.
	Descriptor string `yaml:"descriptor" validate:"required"`

	// SnapshotDir is the root of the pre-apply snapshot store.
	SnapshotDir string `yaml:"snapshot_dir" validate:"required"`
}

// CommandSpec is one external command template. Argv elements may
// contain {name} placeholders; which names are allowed is fixed per
// command and not configurable.
type CommandSpec struct {
	Argv           []string `yaml:"argv" validate:"min=1"`
	TimeoutSeconds int      `yaml:"timeout_seconds" validate:"gte=0"`
}

// CommandsConfig holds the argv templates for every allow-listed
// command. Operators override these to match their init system and
// resolver tooling.
type CommandsConfig struct {
	ValidateConfig CommandSpec `yaml:"validate_config"`
	ReloadService  CommandSpec `yaml:"reload_service"`
	RestartService CommandSpec `yaml:"restart_service"`
	ResolveProbe   CommandSpec `yaml:"resolve_probe"`
	FlushCache     CommandSpec `yaml:"flush_cache"`
}

// ApplyConfig tunes apply-attempt behavior.
type ApplyConfig struct {
	// ProbeDomains are resolved during the self-test step. Every one
	// must resolve for the apply to commit.
	ProbeDomains []string `yaml:"probe_domains" validate:"min=1,dive,hostname"`

	// SelfTest gates commits on live resolution probes by default.
	// Individual API calls and CLI invocations may override it.
	SelfTest bool `yaml:"self_test"`

	// FlushCacheAfterApply drops cached answers after a commit so
	// stale records from the previous upstreams do not linger.
	FlushCacheAfterApply bool `yaml:"flush_cache_after_apply"`

	// SnapshotRetention caps stored snapshots. Zero keeps everything.
	SnapshotRetention int `yaml:"snapshot_retention" validate:"gte=0"`
}

// HTTPConfig configures the management API listener.
type HTTPConfig struct {
	Listen string `yaml:"listen" validate:"required"`

	// ApplyPerMinute and ApplyBurst rate-limit the apply endpoint.
	// Applies reload the resolver; a runaway client must not be able
	// to flap the service.
	ApplyPerMinute int `yaml:"apply_per_minute" validate:"gte=1"`
	ApplyBurst     int `yaml:"apply_burst" validate:"gte=1"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error"`
	JSON  bool   `yaml:"json"`

	// Dir, when set, duplicates logs into a file under this directory
	// in addition to stderr.
	Dir string `yaml:"dir"`
}

// Default returns the configuration for a stock unbound appliance
// managed through systemd.
func Default() *Config {
	return &Config{
		Paths: PathsConfig{
			ManagedConfig: "/etc/unbound/unbound.conf.d/upstreamd.conf",
			Descriptor:    "/var/lib/upstreamd/upstream.yaml",
			SnapshotDir:   "/var/lib/upstreamd/snapshots",
		},
		Commands: CommandsConfig{
			ValidateConfig: CommandSpec{
				Argv:           []string{"unbound-checkconf", "{config}"},
				TimeoutSeconds: 30,
			},
			ReloadService: CommandSpec{
				Argv:           []string{"systemctl", "reload", "unbound"},
				TimeoutSeconds: 60,
			},
			RestartService: CommandSpec{
				Argv:           []string{"systemctl", "restart", "unbound"},
				TimeoutSeconds: 120,
			},
			ResolveProbe: CommandSpec{
				Argv:           []string{"dig", "+time=5", "+tries=1", "@127.0.0.1", "{domain}", "A"},
				TimeoutSeconds: 15,
			},
			FlushCache: CommandSpec{
				Argv:           []string{"unbound-control", "flush_zone", "."},
				TimeoutSeconds: 30,
			},
		},
		Apply: ApplyConfig{
			ProbeDomains:         []string{"example.com", "cloudflare.com"},
			SelfTest:             true,
			FlushCacheAfterApply: true,
			SnapshotRetention:    20,
		},
		HTTP: HTTPConfig{
			Listen:         "127.0.0.1:8953",
			ApplyPerMinute: 6,
			ApplyBurst:     2,
		},
		Log: LogConfig{
			Level: "info",
			JSON:  false,
		},
	}
}

// Load reads the configuration at path. On first run, when the file
// does not exist yet, the defaults are written there and returned, so
// the operator has a complete file to edit.
//
// Absent keys keep their default values; the file only needs to state
// what differs from stock.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		defaults, err := yaml.Marshal(cfg)
		if err != nil {
			return nil, fmt.Errorf("encode default config: %w", err)
		}
		if err := atomicfile.WriteFile(path, defaults, 0o644); err != nil {
			return nil, fmt.Errorf("write default config %s: %w", path, err)
		}
		return cfg, nil
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks field constraints and the command templates.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	return c.CommandTable().Validate()
}

// CommandTable builds the execution gateway's allow-list from the
// configured templates. The placeholder sets are fixed here; operators
// choose the tooling, not the interpolation surface.
func (c *Config) CommandTable() gateway.Table {
	return gateway.Table{
		gateway.CmdValidateConfig: {
			Argv:         c.Commands.ValidateConfig.Argv,
			Placeholders: []string{"config"},
			Timeout:      time.Duration(c.Commands.ValidateConfig.TimeoutSeconds) * time.Second,
		},
		gateway.CmdReloadService: {
			Argv:    c.Commands.ReloadService.Argv,
			Timeout: time.Duration(c.Commands.ReloadService.TimeoutSeconds) * time.Second,
		},
		gateway.CmdRestartService: {
			Argv:    c.Commands.RestartService.Argv,
			Timeout: time.Duration(c.Commands.RestartService.TimeoutSeconds) * time.Second,
		},
		gateway.CmdResolveProbe: {
			Argv:         c.Commands.ResolveProbe.Argv,
			Placeholders: []string{"domain"},
			Timeout:      time.Duration(c.Commands.ResolveProbe.TimeoutSeconds) * time.Second,
		},
		gateway.CmdFlushCache: {
			Argv:    c.Commands.FlushCache.Argv,
			Timeout: time.Duration(c.Commands.FlushCache.TimeoutSeconds) * time.Second,
		},
	}
}
