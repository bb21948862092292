// Copyright (C) 2026 Resolvetech Systems (dev@resolvetech.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package engine

import "time"

// State is the orchestrator's position in the apply state machine.
type State string

const (
	StateIdle        State = "idle"
	StateSnapshot    State = "snapshotting"
	StateGenerating  State = "generating"
	StateWriting     State = "writing"
	StateValidating  State = "validating"
	StateReloading   State = "reloading"
	StateSelfTesting State = "self_testing"
	StateCommitted   State = "committed"
	StateRollingBack State = "rolling_back"
	StateRolledBack  State = "rolled_back"
	StateFatal       State = "fatal"
)

// ApplyResult is the outcome record for one completed apply attempt.
//
// Exactly one of these shapes holds:
//
//   - Success true, RolledBack false: applied cleanly.
//   - RolledBack true with Error set: rejected and safely rolled back.
//   - Success false, RolledBack false with Error set: fatal -- the
//     durable files and the running service may disagree and manual
//     recovery is required.
type ApplyResult struct {
	// AttemptID uniquely identifies this apply attempt in logs and
	// audit records.
	AttemptID string `json:"attempt_id"`

	Success bool `json:"success"`

	// SnapshotID is the capture taken before any mutation.
	SnapshotID string `json:"snapshot_id"`

	ValidationPassed bool `json:"validation_passed"`
	ReloadPassed     bool `json:"reload_passed"`

	// SelfTestPassed is nil when the self-test was skipped, never false
	// for a skipped test.
	SelfTestPassed *bool `json:"self_test_passed,omitempty"`

	RolledBack bool `json:"rolled_back"`

	// ErrorKind and Error are populated only on failure.
	ErrorKind Kind   `json:"error_kind,omitempty"`
	Error     string `json:"error,omitempty"`

	// State is the terminal state of the attempt: committed,
	// rolled_back, or fatal.
	State State `json:"state"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Fatal reports whether the attempt left the system needing manual
// recovery.
func (r *ApplyResult) Fatal() bool {
	return r.State == StateFatal
}

// Outcome is a short label for logs and metrics.
func (r *ApplyResult) Outcome() string {
	switch {
	case r.Success:
		return "committed"
	case r.RolledBack:
		return "rolled_back"
	default:
		return "fatal"
	}
}
