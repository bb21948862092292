// Copyright (C) 2026 Resolvetech Systems (dev@resolvetech.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/resolvetech/upstreamd/services/resolver/gateway"
	"github.com/resolvetech/upstreamd/services/resolver/snapshot"
	"github.com/resolvetech/upstreamd/services/resolver/upstream"
)

// fakeRunner records every invocation and returns canned results per
// command. Hooks fire before the result is returned, which lets tests
// sabotage the filesystem at a precise step.
type fakeRunner struct {
	mu      sync.Mutex
	calls   []fakeCall
	results map[gateway.CommandID]gateway.Result
	errs    map[gateway.CommandID]error
	hooks   map[gateway.CommandID]func()
}

type fakeCall struct {
	ID     gateway.CommandID
	Params map[string]string
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		results: make(map[gateway.CommandID]gateway.Result),
		errs:    make(map[gateway.CommandID]error),
		hooks:   make(map[gateway.CommandID]func()),
	}
}

func (f *fakeRunner) Run(ctx context.Context, id gateway.CommandID, params map[string]string) (gateway.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, fakeCall{ID: id, Params: params})
	hook := f.hooks[id]
	res, hasRes := f.results[id]
	err := f.errs[id]
	f.mu.Unlock()

	if hook != nil {
		hook()
	}
	// The real runner's process dies with its context; the fake must
	// fail the same way or cancellation bugs stay invisible.
	if ctxErr := ctx.Err(); ctxErr != nil {
		return gateway.Result{}, &gateway.CommandError{Command: string(id), ExitCode: -1, Wrapped: ctxErr}
	}
	if err != nil {
		return gateway.Result{}, err
	}
	if hasRes {
		return res, nil
	}
	return gateway.Result{ExitCode: 0}, nil
}

func (f *fakeRunner) countCalls(id gateway.CommandID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.ID == id {
			n++
		}
	}
	return n
}

type testHarness struct {
	engine  *Engine
	runner  *fakeRunner
	store   *snapshot.Store
	managed string
	desc    string
}

func newHarness(t *testing.T, runSelfTestDomains ...string) *testHarness {
	t.Helper()
	root := t.TempDir()

	store, err := snapshot.NewStore(filepath.Join(root, "snapshots"), slog.Default())
	require.NoError(t, err)

	runner := newFakeRunner()
	managed := filepath.Join(root, "unbound.conf.d", "upstreamd.conf")
	desc := filepath.Join(root, "state", "upstream.yaml")

	eng, err := New(Options{
		ManagedConfigPath:    managed,
		DescriptorPath:       desc,
		ProbeDomains:         runSelfTestDomains,
		FlushCacheAfterApply: true,
	}, store, runner, slog.Default())
	require.NoError(t, err)

	return &testHarness{engine: eng, runner: runner, store: store, managed: managed, desc: desc}
}

func tlsConfig() *upstream.Configuration {
	return &upstream.Configuration{
		Mode: upstream.ModeTLS,
		TLSProviders: []upstream.Provider{
			{
				ID:                   "quad9",
				Kind:                 upstream.KindTLS,
				Address:              "9.9.9.9",
				ServerNameIndication: "dns.quad9.net",
				DisplayName:          "Quad9",
				Enabled:              true,
			},
		},
	}
}

func countSnapshots(t *testing.T, store *snapshot.Store) int {
	t.Helper()
	metas, err := store.List()
	require.NoError(t, err)
	return len(metas)
}

func TestApply_Committed(t *testing.T) {
	h := newHarness(t)

	result, err := h.engine.Apply(context.Background(), tlsConfig(), false)
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, StateCommitted, result.State)
	assert.False(t, result.RolledBack)
	assert.True(t, result.ValidationPassed)
	assert.True(t, result.ReloadPassed)
	assert.Nil(t, result.SelfTestPassed, "skipped self-test must stay unset")
	assert.NotEmpty(t, result.AttemptID)
	assert.NotEmpty(t, result.SnapshotID)
	assert.Equal(t, "committed", result.Outcome())

	data, err := os.ReadFile(h.managed)
	require.NoError(t, err)
	assert.Contains(t, string(data), "forward-addr: 9.9.9.9@853#dns.quad9.net")

	cfg, err := h.engine.GetCurrentConfiguration()
	require.NoError(t, err)
	assert.Equal(t, upstream.ModeTLS, cfg.Mode)
	require.Len(t, cfg.TLSProviders, 1)
	assert.Equal(t, "quad9", cfg.TLSProviders[0].ID)

	last := h.engine.LastResult()
	require.NotNil(t, last)
	assert.Equal(t, result.AttemptID, last.AttemptID)

	// Validation was handed the managed config path, reload ran once,
	// no probes, flush fired after commit.
	require.Equal(t, 1, h.runner.countCalls(gateway.CmdValidateConfig))
	assert.Equal(t, h.managed, h.runner.calls[0].Params["config"])
	assert.Equal(t, 1, h.runner.countCalls(gateway.CmdReloadService))
	assert.Equal(t, 0, h.runner.countCalls(gateway.CmdResolveProbe))
	assert.Equal(t, 1, h.runner.countCalls(gateway.CmdFlushCache))
}

func TestApply_SelfTestProbesEveryDomain(t *testing.T) {
	h := newHarness(t, "example.com", "cloudflare.com")

	result, err := h.engine.Apply(context.Background(), tlsConfig(), true)
	require.NoError(t, err)

	assert.True(t, result.Success)
	require.NotNil(t, result.SelfTestPassed)
	assert.True(t, *result.SelfTestPassed)

	assert.Equal(t, 2, h.runner.countCalls(gateway.CmdResolveProbe))
	domains := []string{}
	for _, c := range h.runner.calls {
		if c.ID == gateway.CmdResolveProbe {
			domains = append(domains, c.Params["domain"])
		}
	}
	assert.Equal(t, []string{"example.com", "cloudflare.com"}, domains)
}

func TestApply_ValidationFailureRollsBack(t *testing.T) {
	h := newHarness(t)

	// Seed a prior durable state so the rollback has real bytes to
	// restore.
	seeded, err := h.engine.Apply(context.Background(), tlsConfig(), false)
	require.NoError(t, err)
	require.True(t, seeded.Success)
	before, err := os.ReadFile(h.managed)
	require.NoError(t, err)

	h.runner.results[gateway.CmdValidateConfig] = gateway.Result{
		ExitCode: 1,
		Stderr:   "unbound-checkconf: syntax error",
	}

	next := tlsConfig()
	next.TLSProviders[0].Address = "1.1.1.1"
	next.TLSProviders[0].ServerNameIndication = "one.one.one.one"

	result, err := h.engine.Apply(context.Background(), next, false)
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.True(t, result.RolledBack)
	assert.Equal(t, StateRolledBack, result.State)
	assert.Equal(t, KindValidation, result.ErrorKind)
	assert.Contains(t, result.Error, "syntax error")
	assert.False(t, result.ValidationPassed)
	assert.False(t, result.ReloadPassed)
	assert.Equal(t, "rolled_back", result.Outcome())

	after, err := os.ReadFile(h.managed)
	require.NoError(t, err)
	assert.Equal(t, before, after, "rollback must restore the exact prior bytes")

	// The convergence reload ran even though the failed attempt never
	// reached its own reload step.
	assert.Equal(t, 2, h.runner.countCalls(gateway.CmdReloadService))
}

func TestApply_ReloadFailureRollsBack(t *testing.T) {
	h := newHarness(t)

	// Seed a prior durable state so the rollback has real bytes to
	// restore.
	seeded, err := h.engine.Apply(context.Background(), tlsConfig(), false)
	require.NoError(t, err)
	require.True(t, seeded.Success)
	before, err := os.ReadFile(h.managed)
	require.NoError(t, err)

	// The next attempt's reload fails, the convergence reload succeeds.
	reloads := 0
	h.runner.results[gateway.CmdReloadService] = gateway.Result{ExitCode: 1, Stderr: "job failed"}
	h.runner.hooks[gateway.CmdReloadService] = func() {
		reloads++
		if reloads == 1 {
			h.runner.mu.Lock()
			delete(h.runner.results, gateway.CmdReloadService)
			h.runner.mu.Unlock()
		}
	}

	next := tlsConfig()
	next.TLSProviders[0].Address = "1.1.1.1"
	next.TLSProviders[0].ServerNameIndication = "one.one.one.one"

	result, err := h.engine.Apply(context.Background(), next, false)
	require.NoError(t, err)

	assert.True(t, result.RolledBack)
	assert.Equal(t, KindReload, result.ErrorKind)
	assert.True(t, result.ValidationPassed)
	assert.False(t, result.ReloadPassed)
	assert.Equal(t, 2, reloads)

	after, err := os.ReadFile(h.managed)
	require.NoError(t, err)
	assert.Equal(t, before, after, "rollback must restore the exact prior bytes")
}

func TestApply_CallerDisconnectMidValidateRunsToCompletion(t *testing.T) {
	h := newHarness(t)

	// The caller vanishes while validation is in flight. The attempt
	// must still run through commit; a disconnect is not a failure and
	// must never drive the engine toward rollback or fatal.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.runner.hooks[gateway.CmdValidateConfig] = func() { cancel() }

	result, err := h.engine.Apply(ctx, tlsConfig(), false)
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, StateCommitted, result.State)
	assert.False(t, result.Fatal())
	assert.Equal(t, 1, h.runner.countCalls(gateway.CmdValidateConfig))
	assert.Equal(t, 1, h.runner.countCalls(gateway.CmdReloadService))
}

func TestApply_CallerDisconnectDuringRollbackStillConverges(t *testing.T) {
	h := newHarness(t)

	// Validation genuinely fails and the caller disconnects at the same
	// moment. The convergence reload must still run on live plumbing so
	// the outcome is a clean rollback, not fatal.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.runner.results[gateway.CmdValidateConfig] = gateway.Result{ExitCode: 1, Stderr: "syntax error"}
	h.runner.hooks[gateway.CmdValidateConfig] = func() { cancel() }

	result, err := h.engine.Apply(ctx, tlsConfig(), false)
	require.NoError(t, err)

	assert.True(t, result.RolledBack)
	assert.Equal(t, StateRolledBack, result.State)
	assert.False(t, result.Fatal())
	assert.Equal(t, KindValidation, result.ErrorKind)
	assert.Equal(t, 1, h.runner.countCalls(gateway.CmdReloadService))
}

func TestApply_SelfTestFailureRollsBackAndSkipsRemainingProbes(t *testing.T) {
	h := newHarness(t, "broken.example", "never-reached.example")

	h.runner.results[gateway.CmdResolveProbe] = gateway.Result{ExitCode: 9, Stderr: "SERVFAIL"}

	result, err := h.engine.Apply(context.Background(), tlsConfig(), true)
	require.NoError(t, err)

	assert.True(t, result.RolledBack)
	assert.Equal(t, KindSelfTest, result.ErrorKind)
	assert.Nil(t, result.SelfTestPassed, "a failed self-test never reports passed")
	assert.Equal(t, 1, h.runner.countCalls(gateway.CmdResolveProbe),
		"probing stops at the first failure")
}

func TestApply_SkippedSelfTestCannotTriggerRollback(t *testing.T) {
	h := newHarness(t, "broken.example")
	h.runner.results[gateway.CmdResolveProbe] = gateway.Result{ExitCode: 9, Stderr: "SERVFAIL"}

	result, err := h.engine.Apply(context.Background(), tlsConfig(), false)
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Nil(t, result.SelfTestPassed)
	assert.Equal(t, 0, h.runner.countCalls(gateway.CmdResolveProbe))
}

func TestApply_CommandLaunchFailureIsCommandKind(t *testing.T) {
	h := newHarness(t)

	h.runner.errs[gateway.CmdValidateConfig] = &gateway.CommandError{
		Command:  "unbound-checkconf",
		ExitCode: -1,
		Wrapped:  os.ErrNotExist,
	}

	result, err := h.engine.Apply(context.Background(), tlsConfig(), false)
	require.NoError(t, err)

	assert.True(t, result.RolledBack)
	assert.Equal(t, KindCommand, result.ErrorKind)
}

func TestApply_FlushCacheFailureDoesNotFailApply(t *testing.T) {
	h := newHarness(t)
	h.runner.results[gateway.CmdFlushCache] = gateway.Result{ExitCode: 1, Stderr: "control socket unavailable"}

	result, err := h.engine.Apply(context.Background(), tlsConfig(), false)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, StateCommitted, result.State)
}

func TestApply_InvalidConfigurationRejectedBeforeSnapshot(t *testing.T) {
	h := newHarness(t)

	_, err := h.engine.Apply(context.Background(), &upstream.Configuration{Mode: upstream.ModeTLS}, false)
	require.ErrorIs(t, err, ErrInvalidConfiguration)

	_, err = h.engine.Apply(context.Background(), nil, false)
	require.ErrorIs(t, err, ErrInvalidConfiguration)

	assert.Equal(t, 0, countSnapshots(t, h.store))
	assert.Empty(t, h.runner.calls)
}

func TestApply_ConcurrentAttemptRejectedWithoutSnapshot(t *testing.T) {
	h := newHarness(t)

	entered := make(chan struct{})
	release := make(chan struct{})
	h.runner.hooks[gateway.CmdValidateConfig] = func() {
		close(entered)
		<-release
	}

	done := make(chan *ApplyResult, 1)
	go func() {
		result, err := h.engine.Apply(context.Background(), tlsConfig(), false)
		require.NoError(t, err)
		done <- result
	}()

	<-entered
	assert.True(t, h.engine.InProgress())

	_, err := h.engine.Apply(context.Background(), tlsConfig(), false)
	require.ErrorIs(t, err, ErrApplyInProgress)

	close(release)
	result := <-done
	assert.True(t, result.Success)
	assert.False(t, h.engine.InProgress())

	// Only the winning attempt captured state.
	assert.Equal(t, 1, countSnapshots(t, h.store))
}

func TestApply_RestoreFailureIsFatal(t *testing.T) {
	root := t.TempDir()
	snapDir := filepath.Join(root, "snapshots")
	store, err := snapshot.NewStore(snapDir, slog.Default())
	require.NoError(t, err)

	runner := newFakeRunner()
	eng, err := New(Options{
		ManagedConfigPath: filepath.Join(root, "managed.conf"),
		DescriptorPath:    filepath.Join(root, "upstream.yaml"),
	}, store, runner, slog.Default())
	require.NoError(t, err)

	// Destroy the snapshot between capture and the rollback attempt.
	runner.results[gateway.CmdValidateConfig] = gateway.Result{ExitCode: 1, Stderr: "bad config"}
	runner.hooks[gateway.CmdValidateConfig] = func() {
		entries, err := os.ReadDir(snapDir)
		require.NoError(t, err)
		for _, entry := range entries {
			require.NoError(t, os.RemoveAll(filepath.Join(snapDir, entry.Name())))
		}
	}

	result, err := eng.Apply(context.Background(), tlsConfig(), false)
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.False(t, result.RolledBack)
	assert.True(t, result.Fatal())
	assert.Equal(t, StateFatal, result.State)
	assert.Equal(t, KindRollback, result.ErrorKind)
	assert.Contains(t, result.Error, "manual recovery required")
	assert.Equal(t, "fatal", result.Outcome())

	// No convergence reload after a failed restore.
	assert.Equal(t, 0, runner.countCalls(gateway.CmdReloadService))
}

func TestApply_ReloadAfterRestoreFailureIsFatal(t *testing.T) {
	h := newHarness(t)

	h.runner.results[gateway.CmdValidateConfig] = gateway.Result{ExitCode: 1, Stderr: "bad config"}
	h.runner.results[gateway.CmdReloadService] = gateway.Result{ExitCode: 1, Stderr: "unit stuck"}

	result, err := h.engine.Apply(context.Background(), tlsConfig(), false)
	require.NoError(t, err)

	assert.True(t, result.Fatal())
	assert.Equal(t, KindRollback, result.ErrorKind)
	assert.Contains(t, result.Error, "reload after restore")
}

func TestApply_AbsentFilesRestoredAsAbsent(t *testing.T) {
	h := newHarness(t)

	// First apply on a pristine appliance: no managed file, no
	// descriptor. A rollback must delete both again.
	h.runner.results[gateway.CmdValidateConfig] = gateway.Result{ExitCode: 1, Stderr: "nope"}

	result, err := h.engine.Apply(context.Background(), tlsConfig(), false)
	require.NoError(t, err)
	require.True(t, result.RolledBack)

	_, err = os.Stat(h.managed)
	assert.True(t, errors.Is(err, os.ErrNotExist))
	_, err = os.Stat(h.desc)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestGetCurrentConfiguration_DefaultsToRecursive(t *testing.T) {
	h := newHarness(t)

	cfg, err := h.engine.GetCurrentConfiguration()
	require.NoError(t, err)
	assert.Equal(t, upstream.ModeRecursive, cfg.Mode)
	assert.Empty(t, cfg.TLSProviders)
}

func TestRestoreSnapshot_OperatorPath(t *testing.T) {
	h := newHarness(t)

	_, err := h.engine.Apply(context.Background(), tlsConfig(), false)
	require.NoError(t, err)

	second := tlsConfig()
	second.TLSProviders[0].Address = "1.1.1.1"
	second.TLSProviders[0].ServerNameIndication = "one.one.one.one"
	res2, err := h.engine.Apply(context.Background(), second, false)
	require.NoError(t, err)
	require.True(t, res2.Success)

	// res2's snapshot holds the state written by the first apply.
	require.NoError(t, h.engine.RestoreSnapshot(context.Background(), res2.SnapshotID))

	data, err := os.ReadFile(h.managed)
	require.NoError(t, err)
	assert.Contains(t, string(data), "9.9.9.9@853")
	assert.NotContains(t, string(data), "1.1.1.1")

	assert.ErrorIs(t, h.engine.RestoreSnapshot(context.Background(), "20000101T000000.000"), snapshot.ErrNotFound)
}

func TestRestoreSnapshot_CallerDisconnectStillReloads(t *testing.T) {
	h := newHarness(t)

	res, err := h.engine.Apply(context.Background(), tlsConfig(), false)
	require.NoError(t, err)

	// A restore started against an already-dead caller context still
	// restores and reloads; partial restores are never acceptable.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, h.engine.RestoreSnapshot(ctx, res.SnapshotID))

	// One reload from the apply, one from the restore.
	assert.Equal(t, 2, h.runner.countCalls(gateway.CmdReloadService))
}

func TestRestoreSnapshot_RejectedWhileApplyInFlight(t *testing.T) {
	h := newHarness(t)

	entered := make(chan struct{})
	release := make(chan struct{})
	h.runner.hooks[gateway.CmdValidateConfig] = func() {
		close(entered)
		<-release
	}

	go func() {
		_, _ = h.engine.Apply(context.Background(), tlsConfig(), false)
	}()
	<-entered

	err := h.engine.RestoreSnapshot(context.Background(), "anything")
	assert.ErrorIs(t, err, ErrApplyInProgress)
	close(release)
}

func TestApply_RetentionPrunesOldSnapshots(t *testing.T) {
	root := t.TempDir()
	store, err := snapshot.NewStore(filepath.Join(root, "snapshots"), slog.Default())
	require.NoError(t, err)

	eng, err := New(Options{
		ManagedConfigPath: filepath.Join(root, "managed.conf"),
		DescriptorPath:    filepath.Join(root, "upstream.yaml"),
		SnapshotRetention: 2,
	}, store, newFakeRunner(), slog.Default())
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		cfg := tlsConfig()
		cfg.TLSProviders[0].Address = fmt.Sprintf("9.9.9.%d", i+1)
		result, err := eng.Apply(context.Background(), cfg, false)
		require.NoError(t, err)
		require.True(t, result.Success)
	}

	metas, err := store.List()
	require.NoError(t, err)
	assert.Len(t, metas, 2)
}
