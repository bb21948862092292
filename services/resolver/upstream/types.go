// Copyright (C) 2026 Resolvetech Systems (dev@resolvetech.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package upstream defines the deployable upstream-provider model.
//
// A Configuration is the unit handed to the apply engine: the active
// resolution mode plus the provider lists for each transport. The
// package owns validation and the stable priority ordering the codec
// relies on; it performs no I/O beyond descriptor (de)serialization.
package upstream

import (
	"errors"
	"fmt"
	"sort"

	"github.com/go-playground/validator/v10"
)

// Kind is the transport of a single upstream provider.
type Kind string

const (
	// KindTLS is DNS-over-TLS (RFC 7858).
	KindTLS Kind = "tls"

	// KindHTTPS is DNS-over-HTTPS (RFC 8484).
	KindHTTPS Kind = "https"
)

// Mode selects how the resolver answers queries.
type Mode string

const (
	// ModeRecursive resolves queries locally with no upstream forwarders.
	ModeRecursive Mode = "recursive"

	// ModeTLS forwards all queries to DNS-over-TLS upstreams.
	ModeTLS Mode = "tls"

	// ModeHTTPS forwards all queries to a local DNS-over-HTTPS proxy.
	ModeHTTPS Mode = "https"
)

// Transport default ports used when a provider omits its port.
const (
	DefaultTLSPort   = 853
	DefaultHTTPSPort = 443
)

// Sentinel errors for configuration validation.
var (
	// ErrDuplicateProviderID indicates two providers share an id.
	ErrDuplicateProviderID = errors.New("duplicate provider id")

	// ErrProxyRequired indicates https mode without a proxy section.
	ErrProxyRequired = errors.New("https mode requires a proxy")

	// ErrNoEnabledProviders indicates a forwarding mode with nothing to forward to.
	ErrNoEnabledProviders = errors.New("no enabled providers for the active mode")
)

// Provider is one upstream DNS endpoint.
//
// The id is stable across edits so audit entries and dashboard rows
// can refer to the same provider over time. Priority orders the
// generated forwarding lines: lower sorts earlier, providers without
// a priority sort after all that have one, ties keep list order.
type Provider struct {
	ID string `yaml:"id" json:"id" validate:"required"`

	Kind Kind `yaml:"kind" json:"kind" validate:"required,oneof=tls https"`

	// Address is a hostname or IP for tls providers, a URL for https
	// providers (consumed by the external proxy, not the resolver).
	Address string `yaml:"address" json:"address" validate:"required"`

	// Port overrides the transport default (853 for tls, 443 for https).
	Port int `yaml:"port,omitempty" json:"port,omitempty" validate:"gte=0,lte=65535"`

	// ServerNameIndication pins the TLS authentication name. TLS only.
	ServerNameIndication string `yaml:"sni,omitempty" json:"sni,omitempty"`

	DisplayName string `yaml:"display_name,omitempty" json:"display_name,omitempty"`

	Enabled bool `yaml:"enabled" json:"enabled"`

	// Priority orders forwarding lines; nil means "after all prioritized".
	Priority *int `yaml:"priority,omitempty" json:"priority,omitempty"`
}

// EffectivePort returns the provider's port, falling back to the
// transport default.
func (p Provider) EffectivePort() int {
	if p.Port != 0 {
		return p.Port
	}
	if p.Kind == KindHTTPS {
		return DefaultHTTPSPort
	}
	return DefaultTLSPort
}

// Label returns the operator-facing name for the provider.
func (p Provider) Label() string {
	if p.DisplayName != "" {
		return p.DisplayName
	}
	return p.Address
}

// HTTPSProxy describes the local DNS-over-HTTPS proxy the resolver
// forwards to when the mode is https.
type HTTPSProxy struct {
	// Implementation tags the proxy binary (e.g. "cloudflared", "dnscrypt-proxy").
	Implementation string `yaml:"implementation" json:"implementation" validate:"required"`

	// LocalPort is the loopback port the proxy listens on.
	LocalPort int `yaml:"local_port" json:"local_port" validate:"required,gt=0,lte=65535"`
}

// Configuration is the deployable unit: the requested mode plus the
// provider lists for both transports.
//
// Provider lists are persisted in full regardless of mode so a later
// mode switch does not lose edits; generation only consumes the
// enabled subset of the active mode's list.
type Configuration struct {
	Mode Mode `yaml:"mode" json:"mode" validate:"required,oneof=recursive tls https"`

	TLSProviders []Provider `yaml:"tls_providers" json:"tls_providers" validate:"dive"`

	HTTPSProviders []Provider `yaml:"https_providers" json:"https_providers" validate:"dive"`

	// HTTPSProxy is required iff Mode is https.
	HTTPSProxy *HTTPSProxy `yaml:"https_proxy,omitempty" json:"https_proxy,omitempty"`
}

var validate = validator.New()

// Validate checks the configuration against the structural rules and
// the cross-field invariants the engine relies on.
//
// Outputs:
//
//	error - Non-nil for tag violations, duplicate provider ids across
//	        both lists, https mode without a proxy, or a forwarding
//	        mode whose active list has no enabled provider.
func (c *Configuration) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("upstream configuration: %w", err)
	}

	seen := make(map[string]struct{}, len(c.TLSProviders)+len(c.HTTPSProviders))
	for _, p := range append(append([]Provider{}, c.TLSProviders...), c.HTTPSProviders...) {
		if _, dup := seen[p.ID]; dup {
			return fmt.Errorf("%w: %q", ErrDuplicateProviderID, p.ID)
		}
		seen[p.ID] = struct{}{}
	}

	switch c.Mode {
	case ModeTLS:
		if len(EnabledByPriority(c.TLSProviders)) == 0 {
			return fmt.Errorf("%w: mode tls", ErrNoEnabledProviders)
		}
	case ModeHTTPS:
		if c.HTTPSProxy == nil {
			return ErrProxyRequired
		}
		if len(EnabledByPriority(c.HTTPSProviders)) == 0 {
			return fmt.Errorf("%w: mode https", ErrNoEnabledProviders)
		}
	}

	return nil
}

// EnabledByPriority returns the enabled subset of providers in
// generation order: ascending priority, missing-priority last, ties
// broken by original list order.
func EnabledByPriority(providers []Provider) []Provider {
	var enabled []Provider
	for _, p := range providers {
		if p.Enabled {
			enabled = append(enabled, p)
		}
	}

	sort.SliceStable(enabled, func(i, j int) bool {
		pi, pj := enabled[i].Priority, enabled[j].Priority
		switch {
		case pi == nil:
			return false
		case pj == nil:
			return true
		default:
			return *pi < *pj
		}
	})

	return enabled
}

// Clone returns a deep copy. The engine hands copies outward so the
// descriptor it persisted can never be mutated behind its back.
func (c *Configuration) Clone() *Configuration {
	out := &Configuration{Mode: c.Mode}
	out.TLSProviders = cloneProviders(c.TLSProviders)
	out.HTTPSProviders = cloneProviders(c.HTTPSProviders)
	if c.HTTPSProxy != nil {
		proxy := *c.HTTPSProxy
		out.HTTPSProxy = &proxy
	}
	return out
}

func cloneProviders(in []Provider) []Provider {
	if in == nil {
		return nil
	}
	out := make([]Provider, len(in))
	copy(out, in)
	for i := range out {
		if in[i].Priority != nil {
			prio := *in[i].Priority
			out[i].Priority = &prio
		}
	}
	return out
}
