// Copyright (C) 2026 Resolvetech Systems (dev@resolvetech.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package engine

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDriftWatcher_ReportsExternalEdit(t *testing.T) {
	h := newHarness(t)

	_, err := h.engine.Apply(context.Background(), tlsConfig(), false)
	require.NoError(t, err)

	w := NewDriftWatcher(h.engine, slog.Default())
	w.debounce = 10 * time.Millisecond
	require.NoError(t, w.Start(context.Background()))
	defer w.Close()

	before := testutil.ToFloat64(driftTotal)
	require.NoError(t, os.WriteFile(h.managed, []byte("# edited by hand\n"), 0o644))

	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(driftTotal) > before
	}, 5*time.Second, 20*time.Millisecond)
}

func TestDriftWatcher_IgnoresOtherFiles(t *testing.T) {
	h := newHarness(t)

	_, err := h.engine.Apply(context.Background(), tlsConfig(), false)
	require.NoError(t, err)

	w := NewDriftWatcher(h.engine, slog.Default())
	w.debounce = 10 * time.Millisecond
	require.NoError(t, w.Start(context.Background()))
	defer w.Close()

	before := testutil.ToFloat64(driftTotal)
	sibling := h.managed + ".other"
	require.NoError(t, os.WriteFile(sibling, []byte("unrelated"), 0o644))

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, before, testutil.ToFloat64(driftTotal))
}

func TestDriftWatcher_StartIsIdempotentAndCloseStops(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.Apply(context.Background(), tlsConfig(), false)
	require.NoError(t, err)

	w := NewDriftWatcher(h.engine, slog.Default())
	require.NoError(t, w.Start(context.Background()))
	require.NoError(t, w.Start(context.Background()))
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
}
