// Copyright (C) 2026 Resolvetech Systems (dev@resolvetech.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package codec turns an upstream configuration into resolver-native
// configuration text.
//
// Generate is pure: no I/O, no clock, no randomness. Identical input
// produces byte-identical output, which keeps apply attempts
// idempotent and audit diffs meaningful.
package codec

import (
	"fmt"
	"strings"

	"github.com/resolvetech/upstreamd/services/resolver/upstream"
)

// header is the first line of every generated artifact. The self-test
// and operators rely on the managed file being self-describing.
const header = "# upstreamd managed configuration -- do not edit by hand"

// Generate renders cfg as resolver configuration text.
//
// Description:
//
//	Recursive mode emits a minimal server block and never a
//	forward-zone. TLS mode emits one root forward-zone with
//	forward-tls-upstream set and one forward-addr line per enabled
//	provider in priority order. HTTPS mode documents the local proxy
//	and forwards everything to 127.0.0.1 on the proxy port; the https
//	providers themselves are consumed by the proxy, so they appear
//	only as descriptive comments. Disabled providers never appear in
//	any form.
//
// Outputs:
//
//	string - The generated artifact, always newline-terminated.
//	error  - Non-nil for an unknown mode or https mode without a
//	         proxy; both are rejected by validation upstream, this is
//	         the last line of defense.
func Generate(cfg *upstream.Configuration) (string, error) {
	var b strings.Builder

	b.WriteString(header)
	b.WriteByte('\n')
	fmt.Fprintf(&b, "# mode: %s\n", cfg.Mode)

	switch cfg.Mode {
	case upstream.ModeRecursive:
		writeRecursive(&b)
	case upstream.ModeTLS:
		writeTLS(&b, upstream.EnabledByPriority(cfg.TLSProviders))
	case upstream.ModeHTTPS:
		if cfg.HTTPSProxy == nil {
			return "", fmt.Errorf("codec: https mode without proxy")
		}
		writeHTTPS(&b, cfg.HTTPSProxy, upstream.EnabledByPriority(cfg.HTTPSProviders))
	default:
		return "", fmt.Errorf("codec: unknown mode %q", cfg.Mode)
	}

	return b.String(), nil
}

func writeRecursive(b *strings.Builder) {
	b.WriteString("server:\n")
	b.WriteString("    # full recursive resolution; no upstream forwarders configured\n")
}

func writeTLS(b *strings.Builder, providers []upstream.Provider) {
	b.WriteString("forward-zone:\n")
	b.WriteString("    name: \".\"\n")
	b.WriteString("    forward-tls-upstream: yes\n")
	for _, p := range providers {
		b.WriteString("    forward-addr: ")
		b.WriteString(forwardAddr(p))
		b.WriteByte('\n')
	}
}

func writeHTTPS(b *strings.Builder, proxy *upstream.HTTPSProxy, providers []upstream.Provider) {
	fmt.Fprintf(b, "# queries are forwarded to the %s proxy on 127.0.0.1:%d\n",
		proxy.Implementation, proxy.LocalPort)
	for _, p := range providers {
		fmt.Fprintf(b, "# provider: %s (%s)\n", p.Label(), p.Address)
	}
	b.WriteString("forward-zone:\n")
	b.WriteString("    name: \".\"\n")
	fmt.Fprintf(b, "    forward-addr: 127.0.0.1@%d\n", proxy.LocalPort)
}

// forwardAddr encodes one forwarding target as address@port#sni, with
// the sni segment omitted when the provider has none.
func forwardAddr(p upstream.Provider) string {
	addr := fmt.Sprintf("%s@%d", p.Address, p.EffectivePort())
	if p.ServerNameIndication != "" {
		addr += "#" + p.ServerNameIndication
	}
	return addr
}
