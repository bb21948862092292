// Copyright (C) 2026 Resolvetech Systems (dev@resolvetech.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package httpapi

import (
	"time"

	"github.com/resolvetech/upstreamd/services/resolver/engine"
	"github.com/resolvetech/upstreamd/services/resolver/upstream"
)

// ServiceVersion reported by the status and health endpoints.
const ServiceVersion = "1.2.0"

// ApplyRequest is the body of POST /v1/resolver/apply.
type ApplyRequest struct {
	// Config is the upstream configuration to deploy.
	Config *upstream.Configuration `json:"config" binding:"required"`

	// SelfTest overrides the daemon's default self-test setting for
	// this attempt. Omitted means "use the default".
	SelfTest *bool `json:"self_test,omitempty"`
}

// StatusResponse is the body of GET /v1/resolver/status.
type StatusResponse struct {
	// Version is the daemon version.
	Version string `json:"version"`

	// Mode is the currently applied resolution mode.
	Mode upstream.Mode `json:"mode"`

	// ApplyInProgress reports whether an attempt is currently running.
	ApplyInProgress bool `json:"apply_in_progress"`

	// LastApply is the most recent completed attempt, if any.
	LastApply *engine.ApplyResult `json:"last_apply,omitempty"`
}

// SnapshotResponse is one entry of GET /v1/resolver/snapshots.
type SnapshotResponse struct {
	ID         string    `json:"id"`
	CapturedAt time.Time `json:"captured_at"`
	FileCount  int       `json:"file_count"`
}

// RestoreResponse is the body of POST /v1/resolver/snapshots/:id/restore.
type RestoreResponse struct {
	Restored   bool   `json:"restored"`
	SnapshotID string `json:"snapshot_id"`
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	// Error is the error message.
	Error string `json:"error"`

	// Code is the error code (optional).
	Code string `json:"code,omitempty"`
}
