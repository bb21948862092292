// Copyright (C) 2026 Resolvetech Systems (dev@resolvetech.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package gateway executes the fixed set of external commands the
// apply engine depends on.
//
// Commands are drawn from a closed allow-list and built from argv
// templates with named placeholders. Arbitrary shell text is never
// accepted: a call site can only fill the placeholders its command's
// template declares, so a new caller cannot reintroduce unescaped
// interpolation.
package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"regexp"
	"strings"
	"time"
)

// CommandID names one entry in the command allow-list.
type CommandID string

const (
	// CmdValidateConfig runs the resolver's own configuration checker.
	CmdValidateConfig CommandID = "validate-config"

	// CmdReloadService makes the running resolver adopt new configuration.
	CmdReloadService CommandID = "reload-service"

	// CmdRestartService fully restarts the resolver service.
	CmdRestartService CommandID = "restart-service"

	// CmdResolveProbe issues one live resolution through the resolver.
	CmdResolveProbe CommandID = "resolve-probe"

	// CmdFlushCache drops cached answers after an upstream switch.
	CmdFlushCache CommandID = "flush-cache"
)

// Sentinel errors.
var (
	// ErrUnknownCommand indicates an id outside the allow-list.
	ErrUnknownCommand = errors.New("unknown command id")

	// ErrUnknownPlaceholder indicates a param not declared by the template.
	ErrUnknownPlaceholder = errors.New("unknown placeholder")

	// ErrMissingPlaceholder indicates a declared placeholder without a param.
	ErrMissingPlaceholder = errors.New("missing placeholder")
)

// placeholderPattern matches {name} tokens inside argv elements.
var placeholderPattern = regexp.MustCompile(`\{([a-z_]+)\}`)

// Spec declares one allowed command: its argv template, the
// placeholders the template may reference, and its execution timeout.
type Spec struct {
	// Argv is the command and arguments; elements may contain {name}
	// placeholder tokens.
	Argv []string

	// Placeholders is the closed set of names Argv may reference.
	Placeholders []string

	// Timeout bounds one execution. Exceeding it is a CommandError.
	Timeout time.Duration
}

// Table maps the allow-list to specs.
type Table map[CommandID]Spec

// Validate checks every spec's template against its declared
// placeholder set, so a malformed table fails at startup rather than
// mid-apply.
func (t Table) Validate() error {
	for id, spec := range t {
		if len(spec.Argv) == 0 {
			return fmt.Errorf("gateway: command %s has empty argv", id)
		}
		declared := make(map[string]struct{}, len(spec.Placeholders))
		for _, name := range spec.Placeholders {
			declared[name] = struct{}{}
		}
		for _, arg := range spec.Argv {
			for _, match := range placeholderPattern.FindAllStringSubmatch(arg, -1) {
				if _, ok := declared[match[1]]; !ok {
					return fmt.Errorf("gateway: command %s references undeclared placeholder %q: %w",
						id, match[1], ErrUnknownPlaceholder)
				}
			}
		}
	}
	return nil
}

// Result is the outcome of one command execution. A non-zero exit
// code is a Result, not an error; only launch failures and timeouts
// surface as errors.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Ok reports whether the command exited zero.
func (r Result) Ok() bool { return r.ExitCode == 0 }

// Runner executes allow-listed commands. The engine depends on this
// interface; tests inject fakes.
type Runner interface {
	Run(ctx context.Context, id CommandID, params map[string]string) (Result, error)
}

// CommandError wraps a command that could not be executed: launch
// failure, timeout, or an execution-environment error. It carries the
// rendered command and any stderr collected before the failure.
type CommandError struct {
	Command  string
	ExitCode int
	Stderr   string
	Wrapped  error
}

// Error returns a formatted message including stderr when available.
func (e *CommandError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("%s (exit %d): %s", e.Command, e.ExitCode, e.Stderr)
	}
	if e.Wrapped != nil {
		return fmt.Sprintf("%s (exit %d): %v", e.Command, e.ExitCode, e.Wrapped)
	}
	return fmt.Sprintf("%s (exit %d)", e.Command, e.ExitCode)
}

// Unwrap enables errors.Is/As through the chain.
func (e *CommandError) Unwrap() error { return e.Wrapped }

// ExecRunner runs commands via os/exec with per-command timeouts.
type ExecRunner struct {
	table  Table
	logger *slog.Logger
}

// NewExecRunner validates the table and returns a runner over it.
func NewExecRunner(table Table, logger *slog.Logger) (*ExecRunner, error) {
	if err := table.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ExecRunner{table: table, logger: logger.With("component", "gateway.ExecRunner")}, nil
}

// Run executes the identified command with params substituted into
// its template.
//
// Description:
//
//	The command runs under the spec's timeout (bounded additionally by
//	ctx). Stdout and stderr are captured in full. A non-zero exit is
//	returned as a Result; a command that cannot start or exceeds its
//	timeout returns a *CommandError.
//
// Outputs:
//
//	Result - Stdout, stderr, and exit code of the completed command.
//	error  - ErrUnknownCommand, placeholder errors, or *CommandError.
func (r *ExecRunner) Run(ctx context.Context, id CommandID, params map[string]string) (Result, error) {
	spec, ok := r.table[id]
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownCommand, id)
	}

	argv, err := expand(spec, params)
	if err != nil {
		return Result{}, fmt.Errorf("gateway: command %s: %w", id, err)
	}

	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)

	result := Result{Stdout: stdout.String(), Stderr: stderr.String()}

	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) && ctx.Err() == nil {
			// The command ran and exited non-zero: an outcome, not an error.
			result.ExitCode = exitErr.ExitCode()
			r.logger.Debug("command exited non-zero",
				"command_id", string(id),
				"exit_code", result.ExitCode,
				"duration_ms", elapsed.Milliseconds())
			return result, nil
		}

		wrapped := runErr
		if ctx.Err() != nil {
			wrapped = fmt.Errorf("timeout after %s: %w", timeout, ctx.Err())
		}
		r.logger.Error("command execution failed",
			"command_id", string(id),
			"error", wrapped)
		return Result{}, &CommandError{
			Command:  argv[0],
			ExitCode: -1,
			Stderr:   stderr.String(),
			Wrapped:  wrapped,
		}
	}

	r.logger.Debug("command completed",
		"command_id", string(id),
		"duration_ms", elapsed.Milliseconds())
	return result, nil
}

// expand renders the spec's argv with params. Every param must be a
// declared placeholder and every declared placeholder must be filled;
// substitution happens token-by-token, never by shell.
func expand(spec Spec, params map[string]string) ([]string, error) {
	declared := make(map[string]struct{}, len(spec.Placeholders))
	for _, name := range spec.Placeholders {
		declared[name] = struct{}{}
	}
	for name := range params {
		if _, ok := declared[name]; !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownPlaceholder, name)
		}
	}

	argv := make([]string, len(spec.Argv))
	for i, arg := range spec.Argv {
		expanded := arg
		for _, match := range placeholderPattern.FindAllStringSubmatch(arg, -1) {
			name := match[1]
			value, ok := params[name]
			if !ok {
				return nil, fmt.Errorf("%w: %q", ErrMissingPlaceholder, name)
			}
			expanded = strings.ReplaceAll(expanded, "{"+name+"}", value)
		}
		argv[i] = expanded
	}
	return argv, nil
}

// Compile-time interface check.
var _ Runner = (*ExecRunner)(nil)
