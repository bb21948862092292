// Copyright (C) 2026 Resolvetech Systems (dev@resolvetech.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package engine sequences the transactional deployment of upstream
// configuration against a live resolver.
//
// One apply attempt walks the state machine
//
//	Idle -> Snapshotting -> Generating -> Writing -> Validating ->
//	Reloading -> SelfTesting -> Committed
//
// and any failure from Writing onward rolls back to the pre-attempt
// snapshot and reloads the service so it converges on the prior state.
// A failure during the rollback itself is fatal: the durable files and
// the running service may disagree, and the engine reports that state
// distinctly instead of guessing.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/resolvetech/upstreamd/services/resolver/atomicfile"
	"github.com/resolvetech/upstreamd/services/resolver/codec"
	"github.com/resolvetech/upstreamd/services/resolver/gateway"
	"github.com/resolvetech/upstreamd/services/resolver/snapshot"
	"github.com/resolvetech/upstreamd/services/resolver/upstream"
)

// Logical file names used in snapshots. Captures are keyed by these
// names, not by path, so the layout can move without invalidating old
// snapshots.
const (
	fileManagedConfig = "managed-config"
	fileDescriptor    = "descriptor"
)

var tracer = otel.Tracer("upstreamd.engine")

// Options configures an Engine.
type Options struct {
	// ManagedConfigPath is the resolver-native artifact consumed by the
	// resolver through its include mechanism.
	ManagedConfigPath string

	// DescriptorPath holds the last-applied upstream configuration for
	// future edits and status reporting.
	DescriptorPath string

	// ProbeDomains are resolved through the reloaded resolver when the
	// caller requests a self-test. Every probe must succeed.
	ProbeDomains []string

	// FlushCacheAfterApply forces a cache flush after a successful
	// apply so stale answers from the old upstreams do not linger. The
	// flush is best-effort: its failure never fails the apply.
	FlushCacheAfterApply bool

	// SnapshotRetention caps stored snapshots; oldest are pruned after
	// a successful apply. Zero disables pruning.
	SnapshotRetention int
}

// Engine is the apply/rollback orchestrator. It exclusively owns the
// managed configuration file and the upstream descriptor; no other
// component writes them.
//
// Thread Safety: all methods are safe for concurrent use. Apply
// attempts are serialized; a second concurrent Apply is rejected
// immediately rather than queued, so it can never snapshot a state
// that is itself mid-mutation.
type Engine struct {
	opts   Options
	store  *snapshot.Store
	runner gateway.Runner
	logger *slog.Logger

	// applyMu is held for the full state-machine duration.
	applyMu  sync.Mutex
	inFlight atomic.Bool

	lastMu sync.RWMutex
	last   *ApplyResult
}

// New creates an Engine and sweeps stale temp artifacts from the
// directories it owns.
func New(opts Options, store *snapshot.Store, runner gateway.Runner, logger *slog.Logger) (*Engine, error) {
	if opts.ManagedConfigPath == "" || opts.DescriptorPath == "" {
		return nil, fmt.Errorf("engine: managed config and descriptor paths are required")
	}
	if store == nil || runner == nil {
		return nil, fmt.Errorf("engine: snapshot store and runner are required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	for _, dir := range []string{filepath.Dir(opts.ManagedConfigPath), filepath.Dir(opts.DescriptorPath)} {
		if removed, err := atomicfile.CleanupStale(dir); err != nil {
			logger.Warn("stale temp cleanup failed", "dir", dir, "error", err)
		} else if removed > 0 {
			logger.Info("removed stale temp files", "dir", dir, "count", removed)
		}
	}

	return &Engine{
		opts:   opts,
		store:  store,
		runner: runner,
		logger: logger.With("component", "engine.Engine"),
	}, nil
}

// Apply deploys cfg transactionally against the live resolver.
//
// Description:
//
//	Captures a snapshot, generates and atomically writes the new
//	configuration, validates it with the resolver's own tooling,
//	reloads the service, and optionally probes live resolution. Any
//	failure from the write step onward restores the snapshot and
//	reloads the service with the restored files.
//
// Inputs:
//
//	ctx         - Observed only up to the write step. Once mutation
//	              begins the attempt runs to completion through commit
//	              or rollback regardless of cancellation; individual
//	              commands carry their own timeouts.
//	cfg         - The configuration to deploy. Validated before any
//	              snapshot is taken.
//	runSelfTest - Whether to gate the commit on live resolution probes.
//
// Outputs:
//
//	*ApplyResult - The structured outcome for every attempt that
//	               reached the mutation phase, including rolled-back
//	               and fatal attempts.
//	error        - Only for attempts that never mutated anything:
//	               ErrApplyInProgress, ErrInvalidConfiguration, or a
//	               *StepError from snapshot capture or generation.
func (e *Engine) Apply(ctx context.Context, cfg *upstream.Configuration, runSelfTest bool) (*ApplyResult, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: nil configuration", ErrInvalidConfiguration)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfiguration, err)
	}

	// Reject concurrency immediately; never queue behind an attempt
	// that is mid-mutation.
	if !e.applyMu.TryLock() {
		return nil, ErrApplyInProgress
	}
	defer e.applyMu.Unlock()

	e.inFlight.Store(true)
	defer e.inFlight.Store(false)

	ctx, span := tracer.Start(ctx, "engine.apply")
	defer span.End()
	span.SetAttributes(
		attribute.String("apply.mode", string(cfg.Mode)),
		attribute.Bool("apply.self_test", runSelfTest),
	)

	result := &ApplyResult{
		AttemptID: uuid.New().String(),
		StartedAt: time.Now().UTC(),
	}
	logger := e.logger.With("attempt_id", result.AttemptID, "mode", string(cfg.Mode))
	logger.Info("apply attempt started", "self_test", runSelfTest)

	// Snapshotting. Must complete before any mutation; failure here
	// leaves nothing to roll back.
	snap, err := e.store.Capture(map[string]string{
		fileManagedConfig: e.opts.ManagedConfigPath,
		fileDescriptor:    e.opts.DescriptorPath,
	})
	if err != nil {
		recordApply("rejected", time.Since(result.StartedAt))
		span.SetStatus(codes.Error, "snapshot capture failed")
		return nil, stepErr(KindIO, StateSnapshot, err)
	}
	result.SnapshotID = snap.ID
	span.SetAttributes(attribute.String("apply.snapshot_id", snap.ID))
	e.refreshSnapshotGauge()

	// Generating. Pure; a failure means malformed input that slipped
	// past validation, and nothing has been mutated yet.
	text, err := codec.Generate(cfg)
	if err != nil {
		recordApply("rejected", time.Since(result.StartedAt))
		span.SetStatus(codes.Error, "generation failed")
		return nil, stepErr(KindIO, StateGenerating, err)
	}

	descriptorBytes, err := upstream.Marshal(cfg)
	if err != nil {
		recordApply("rejected", time.Since(result.StartedAt))
		span.SetStatus(codes.Error, "descriptor encoding failed")
		return nil, stepErr(KindIO, StateGenerating, err)
	}

	// Writing. From here on, every failure demands a rollback, and the
	// attempt runs to completion even if the caller goes away: a
	// dropped HTTP client must not strand the resolver mid-transition.
	// Individual commands keep their own timeouts.
	ctx = context.WithoutCancel(ctx)

	if err := atomicfile.WriteFile(e.opts.ManagedConfigPath, []byte(text), 0o644); err != nil {
		return e.rollback(ctx, logger, result, stepErr(KindIO, StateWriting, err)), nil
	}
	if err := atomicfile.WriteFile(e.opts.DescriptorPath, descriptorBytes, 0o644); err != nil {
		return e.rollback(ctx, logger, result, stepErr(KindIO, StateWriting, err)), nil
	}

	// Validating.
	if cause := e.runStep(ctx, StateValidating, KindValidation, gateway.CmdValidateConfig,
		map[string]string{"config": e.opts.ManagedConfigPath}); cause != nil {
		return e.rollback(ctx, logger, result, cause), nil
	}
	result.ValidationPassed = true

	// Reloading.
	if cause := e.runStep(ctx, StateReloading, KindReload, gateway.CmdReloadService, nil); cause != nil {
		return e.rollback(ctx, logger, result, cause), nil
	}
	result.ReloadPassed = true

	// SelfTesting, gated by the caller. A skipped self-test leaves
	// SelfTestPassed nil rather than false.
	if runSelfTest {
		for _, domain := range e.opts.ProbeDomains {
			if cause := e.runStep(ctx, StateSelfTesting, KindSelfTest, gateway.CmdResolveProbe,
				map[string]string{"domain": domain}); cause != nil {
				logger.Warn("self-test probe failed", "domain", domain, "error", cause.Err)
				return e.rollback(ctx, logger, result, cause), nil
			}
		}
		passed := true
		result.SelfTestPassed = &passed
	}

	// Committed.
	result.Success = true
	result.State = StateCommitted
	result.FinishedAt = time.Now().UTC()

	e.flushCache(ctx, logger)
	e.pruneSnapshots(logger)

	logger.Info("apply committed",
		"snapshot_id", result.SnapshotID,
		"duration_ms", result.FinishedAt.Sub(result.StartedAt).Milliseconds())
	recordApply(result.Outcome(), result.FinishedAt.Sub(result.StartedAt))
	e.setLast(result)
	return result, nil
}

// rollback restores the attempt's snapshot and reloads the service so
// the running resolver converges back to the prior state. A failure in
// either restore or the convergence reload is fatal.
func (e *Engine) rollback(ctx context.Context, logger *slog.Logger, result *ApplyResult, cause *StepError) *ApplyResult {
	result.ErrorKind = cause.Kind
	result.Error = cause.Error()
	result.State = StateRollingBack

	logger.Warn("apply failed, rolling back",
		"failed_step", string(cause.Step),
		"error_kind", string(cause.Kind),
		"snapshot_id", result.SnapshotID)

	if err := e.store.Restore(result.SnapshotID); err != nil {
		return e.fatal(logger, result, fmt.Errorf("restore snapshot %s: %w", result.SnapshotID, err))
	}

	// Re-run the reload with the restored files. Skipping this would
	// leave the running service on configuration that no longer exists
	// on disk.
	reloadRes, err := e.runner.Run(ctx, gateway.CmdReloadService, nil)
	if err != nil {
		return e.fatal(logger, result, fmt.Errorf("reload after restore: %w", err))
	}
	if !reloadRes.Ok() {
		return e.fatal(logger, result, fmt.Errorf("reload after restore exited %d: %s",
			reloadRes.ExitCode, reloadRes.Stderr))
	}

	result.RolledBack = true
	result.State = StateRolledBack
	result.FinishedAt = time.Now().UTC()

	logger.Info("rollback complete", "snapshot_id", result.SnapshotID)
	recordApply(result.Outcome(), result.FinishedAt.Sub(result.StartedAt))
	recordRollback()
	e.setLast(result)
	return result
}

// fatal marks the attempt as needing manual recovery. Never retried
// automatically: durable files and the running service may disagree.
func (e *Engine) fatal(logger *slog.Logger, result *ApplyResult, err error) *ApplyResult {
	result.RolledBack = false
	result.Success = false
	result.ErrorKind = KindRollback
	result.Error = fmt.Sprintf("rollback failed, manual recovery required: %v (original failure: %s)", err, result.Error)
	result.State = StateFatal
	result.FinishedAt = time.Now().UTC()

	logger.Error("rollback failed, system state is ambiguous",
		"snapshot_id", result.SnapshotID,
		"error", err)
	recordApply(result.Outcome(), result.FinishedAt.Sub(result.StartedAt))
	recordFatal()
	e.setLast(result)
	return result
}

// runStep executes one gateway command and classifies its failure. A
// gateway error (launch/timeout) is KindCommand; a non-zero exit is
// the step's own kind.
func (e *Engine) runStep(ctx context.Context, step State, kind Kind, id gateway.CommandID, params map[string]string) *StepError {
	res, err := e.runner.Run(ctx, id, params)
	if err != nil {
		return stepErr(KindCommand, step, err)
	}
	if !res.Ok() {
		detail := res.Stderr
		if detail == "" {
			detail = res.Stdout
		}
		return stepErr(kind, step, fmt.Errorf("%s exited %d: %s", id, res.ExitCode, detail))
	}
	return nil
}

// flushCache drops cached answers after a successful apply so answers
// from the old upstreams do not outlive the switch. Best-effort.
func (e *Engine) flushCache(ctx context.Context, logger *slog.Logger) {
	if !e.opts.FlushCacheAfterApply {
		return
	}
	res, err := e.runner.Run(ctx, gateway.CmdFlushCache, nil)
	if err != nil {
		logger.Warn("cache flush failed", "error", err)
		return
	}
	if !res.Ok() {
		logger.Warn("cache flush exited non-zero", "exit_code", res.ExitCode, "stderr", res.Stderr)
	}
}

func (e *Engine) pruneSnapshots(logger *slog.Logger) {
	if e.opts.SnapshotRetention <= 0 {
		return
	}
	if _, err := e.store.Prune(e.opts.SnapshotRetention); err != nil {
		logger.Warn("snapshot prune failed", "error", err)
	}
	e.refreshSnapshotGauge()
}

func (e *Engine) refreshSnapshotGauge() {
	if metas, err := e.store.List(); err == nil {
		snapshotCount.Set(float64(len(metas)))
	}
}

// InProgress reports whether an apply attempt is currently between
// Snapshotting and RollingBack. Never blocks on the apply lock.
func (e *Engine) InProgress() bool {
	return e.inFlight.Load()
}

// LastResult returns the most recent completed ApplyResult, or nil if
// no attempt has completed since startup.
func (e *Engine) LastResult() *ApplyResult {
	e.lastMu.RLock()
	defer e.lastMu.RUnlock()
	if e.last == nil {
		return nil
	}
	copied := *e.last
	return &copied
}

func (e *Engine) setLast(result *ApplyResult) {
	e.lastMu.Lock()
	e.last = result
	e.lastMu.Unlock()
}

// GetCurrentConfiguration returns the last-applied configuration from
// the descriptor, or the recursive default when no apply has ever
// happened on this appliance.
func (e *Engine) GetCurrentConfiguration() (*upstream.Configuration, error) {
	cfg, err := upstream.LoadDescriptor(e.opts.DescriptorPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &upstream.Configuration{Mode: upstream.ModeRecursive}, nil
		}
		return nil, err
	}
	return cfg, nil
}

// ListSnapshots returns snapshot metadata, newest first, for operator
// visibility and rollback-by-hand tooling.
func (e *Engine) ListSnapshots() ([]snapshot.Meta, error) {
	return e.store.List()
}

// RestoreSnapshot restores a named snapshot and reloads the service,
// the operator-driven counterpart of an automatic rollback. Rejected
// while an apply attempt is in flight.
func (e *Engine) RestoreSnapshot(ctx context.Context, id string) error {
	if !e.applyMu.TryLock() {
		return ErrApplyInProgress
	}
	defer e.applyMu.Unlock()

	// Like an apply past the write step, a restore runs to completion
	// once started; the caller disconnecting must not skip the reload.
	ctx = context.WithoutCancel(ctx)

	if err := e.store.Restore(id); err != nil {
		return stepErr(KindRollback, StateRollingBack, err)
	}

	res, err := e.runner.Run(ctx, gateway.CmdReloadService, nil)
	if err != nil {
		return stepErr(KindCommand, StateReloading, err)
	}
	if !res.Ok() {
		return stepErr(KindReload, StateReloading,
			fmt.Errorf("reload after restore exited %d: %s", res.ExitCode, res.Stderr))
	}

	e.logger.Info("snapshot restored by operator", "snapshot_id", id)
	return nil
}
