// Copyright (C) 2026 Resolvetech Systems (dev@resolvetech.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package engine

import (
	"errors"
	"fmt"
)

// Kind classifies an apply-step failure. Rollback decisions are driven
// by these values rather than by unwinding control flow.
type Kind string

const (
	// KindIO is an atomic write or snapshot read/write failure.
	KindIO Kind = "io"

	// KindValidation means the external syntax check rejected the
	// generated configuration.
	KindValidation Kind = "validation"

	// KindReload means the service failed to adopt new configuration.
	KindReload Kind = "reload"

	// KindSelfTest means a live probe failed against the new upstreams.
	KindSelfTest Kind = "self_test"

	// KindRollback means snapshot restoration partially or fully
	// failed. Always escalated to a fatal result.
	KindRollback Kind = "rollback"

	// KindCommand is a process execution gateway failure: timeout,
	// launch failure, or execution environment error.
	KindCommand Kind = "command"
)

// Sentinel errors.
var (
	// ErrApplyInProgress rejects a concurrent apply attempt. The
	// rejected attempt takes no snapshot and mutates nothing.
	ErrApplyInProgress = errors.New("an apply attempt is already in progress")

	// ErrInvalidConfiguration rejects an apply before any snapshot is
	// taken.
	ErrInvalidConfiguration = errors.New("invalid upstream configuration")
)

// StepError is a classified failure from one orchestrator step.
type StepError struct {
	// Kind is the taxonomy classification.
	Kind Kind

	// Step is the state in which the failure occurred.
	Step State

	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *StepError) Error() string {
	return fmt.Sprintf("%s failed (%s): %v", e.Step, e.Kind, e.Err)
}

// Unwrap returns the underlying cause.
func (e *StepError) Unwrap() error { return e.Err }

func stepErr(kind Kind, step State, err error) *StepError {
	return &StepError{Kind: kind, Step: step, Err: err}
}
