// Copyright (C) 2026 Resolvetech Systems (dev@resolvetech.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package upstream

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/resolvetech/upstreamd/services/resolver/atomicfile"
)

// descriptor is the on-disk form of the last-applied Configuration.
// A version field leaves room for future format migrations.
type descriptor struct {
	Version int            `yaml:"version"`
	Config  *Configuration `yaml:"config"`
}

// descriptorVersion is the current descriptor format version.
const descriptorVersion = 1

// Marshal serializes cfg to descriptor YAML.
func Marshal(cfg *Configuration) ([]byte, error) {
	data, err := yaml.Marshal(descriptor{Version: descriptorVersion, Config: cfg})
	if err != nil {
		return nil, fmt.Errorf("marshal upstream descriptor: %w", err)
	}
	return data, nil
}

// Unmarshal parses descriptor YAML produced by Marshal.
func Unmarshal(data []byte) (*Configuration, error) {
	var d descriptor
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("parse upstream descriptor: %w", err)
	}
	if d.Config == nil {
		return nil, fmt.Errorf("upstream descriptor has no config section")
	}
	if d.Version != descriptorVersion {
		return nil, fmt.Errorf("upstream descriptor version %d not supported (want %d)", d.Version, descriptorVersion)
	}
	return d.Config, nil
}

// LoadDescriptor reads and parses the descriptor at path.
//
// A missing descriptor is a valid first-boot state and is reported
// via os.ErrNotExist so callers can fall back to recursive mode.
func LoadDescriptor(path string) (*Configuration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read upstream descriptor %s: %w", path, err)
	}
	return Unmarshal(data)
}

// SaveDescriptor persists cfg at path through the atomic primitive.
func SaveDescriptor(path string, cfg *Configuration) error {
	data, err := Marshal(cfg)
	if err != nil {
		return err
	}
	return atomicfile.WriteFile(path, data, 0o644)
}
