// Copyright (C) 2026 Resolvetech Systems (dev@resolvetech.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package httpapi

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/resolvetech/upstreamd/services/resolver/engine"
	"github.com/resolvetech/upstreamd/services/resolver/snapshot"
	"github.com/resolvetech/upstreamd/services/resolver/upstream"
)

// Handlers contains the HTTP handlers for the resolver management API.
type Handlers struct {
	engine          *engine.Engine
	logger          *slog.Logger
	applyLimiter    *rate.Limiter
	defaultSelfTest bool
}

// NewHandlers creates handlers bound to the given engine.
//
// Inputs:
//
//	eng             - The apply/rollback engine.
//	logger          - Structured logger; nil falls back to slog.Default.
//	applyLimiter    - Rate limiter for the apply endpoint. Applies
//	                  reload the resolver, so a runaway client must
//	                  not be able to flap the service.
//	defaultSelfTest - Self-test setting used when a request omits it.
func NewHandlers(eng *engine.Engine, logger *slog.Logger, applyLimiter *rate.Limiter, defaultSelfTest bool) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		engine:          eng,
		logger:          logger.With("component", "httpapi.Handlers"),
		applyLimiter:    applyLimiter,
		defaultSelfTest: defaultSelfTest,
	}
}

// HandleStatus handles GET /v1/resolver/status.
//
// Response:
//
//	200 OK: StatusResponse
func (h *Handlers) HandleStatus(c *gin.Context) {
	mode, err := h.currentMode()
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: err.Error(),
			Code:  "DESCRIPTOR_UNREADABLE",
		})
		return
	}

	c.JSON(http.StatusOK, StatusResponse{
		Version:         ServiceVersion,
		Mode:            mode,
		ApplyInProgress: h.engine.InProgress(),
		LastApply:       h.engine.LastResult(),
	})
}

// HandleGetConfig handles GET /v1/resolver/config.
//
// Response:
//
//	200 OK: upstream.Configuration (the last applied one, or the
//	        recursive default on a pristine appliance)
func (h *Handlers) HandleGetConfig(c *gin.Context) {
	cfg, err := h.engine.GetCurrentConfiguration()
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: err.Error(),
			Code:  "DESCRIPTOR_UNREADABLE",
		})
		return
	}
	c.JSON(http.StatusOK, cfg)
}

// HandleApply handles POST /v1/resolver/apply.
//
// Request Body:
//
//	ApplyRequest
//
// Response:
//
//	200 OK: engine.ApplyResult - committed, or rolled back cleanly
//	400 Bad Request: malformed body or invalid configuration
//	409 Conflict: another apply attempt is in flight
//	429 Too Many Requests: apply rate limit exceeded
//	500 Internal Server Error: pre-mutation failure or fatal outcome
func (h *Handlers) HandleApply(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := h.logger.With("request_id", requestID, "handler", "HandleApply")

	if h.applyLimiter != nil && !h.applyLimiter.Allow() {
		logger.Warn("apply rate limit exceeded")
		c.JSON(http.StatusTooManyRequests, ErrorResponse{
			Error: "apply rate limit exceeded",
			Code:  "RATE_LIMITED",
		})
		return
	}

	var req ApplyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Warn("invalid request body", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "invalid request body",
			Code:  "INVALID_REQUEST",
		})
		return
	}

	selfTest := h.defaultSelfTest
	if req.SelfTest != nil {
		selfTest = *req.SelfTest
	}

	logger.Info("apply requested", "mode", string(req.Config.Mode), "self_test", selfTest)

	result, err := h.engine.Apply(c.Request.Context(), req.Config, selfTest)
	if err != nil {
		statusCode := http.StatusInternalServerError
		errCode := "APPLY_FAILED"

		if errors.Is(err, engine.ErrApplyInProgress) {
			statusCode = http.StatusConflict
			errCode = "APPLY_IN_PROGRESS"
		} else if errors.Is(err, engine.ErrInvalidConfiguration) {
			statusCode = http.StatusBadRequest
			errCode = "INVALID_CONFIG"
		}

		logger.Error("apply rejected", "error", err)
		c.JSON(statusCode, ErrorResponse{
			Error: err.Error(),
			Code:  errCode,
		})
		return
	}

	// A fatal outcome is a server-side emergency; rolled-back attempts
	// are a clean, reportable result.
	if result.Fatal() {
		logger.Error("apply ended fatal", "attempt_id", result.AttemptID)
		c.JSON(http.StatusInternalServerError, result)
		return
	}

	logger.Info("apply finished",
		"attempt_id", result.AttemptID,
		"outcome", result.Outcome())
	c.JSON(http.StatusOK, result)
}

// HandleListSnapshots handles GET /v1/resolver/snapshots.
//
// Response:
//
//	200 OK: []SnapshotResponse, newest first
func (h *Handlers) HandleListSnapshots(c *gin.Context) {
	metas, err := h.engine.ListSnapshots()
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: err.Error(),
			Code:  "SNAPSHOT_LIST_FAILED",
		})
		return
	}

	out := make([]SnapshotResponse, 0, len(metas))
	for _, m := range metas {
		out = append(out, SnapshotResponse{
			ID:         m.ID,
			CapturedAt: m.CapturedAt,
			FileCount:  m.FileCount,
		})
	}
	c.JSON(http.StatusOK, out)
}

// HandleRestoreSnapshot handles POST /v1/resolver/snapshots/:id/restore.
//
// Response:
//
//	200 OK: RestoreResponse
//	404 Not Found: unknown snapshot id
//	409 Conflict: an apply attempt is in flight
//	500 Internal Server Error: restore or reload failure
func (h *Handlers) HandleRestoreSnapshot(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := h.logger.With("request_id", requestID, "handler", "HandleRestoreSnapshot")

	id := c.Param("id")
	logger.Info("snapshot restore requested", "snapshot_id", id)

	if err := h.engine.RestoreSnapshot(c.Request.Context(), id); err != nil {
		statusCode := http.StatusInternalServerError
		errCode := "RESTORE_FAILED"

		if errors.Is(err, engine.ErrApplyInProgress) {
			statusCode = http.StatusConflict
			errCode = "APPLY_IN_PROGRESS"
		} else if errors.Is(err, snapshot.ErrNotFound) {
			statusCode = http.StatusNotFound
			errCode = "SNAPSHOT_NOT_FOUND"
		}

		logger.Error("snapshot restore failed", "snapshot_id", id, "error", err)
		c.JSON(statusCode, ErrorResponse{
			Error: err.Error(),
			Code:  errCode,
		})
		return
	}

	logger.Info("snapshot restored", "snapshot_id", id)
	c.JSON(http.StatusOK, RestoreResponse{Restored: true, SnapshotID: id})
}

// HandleHealth handles GET /healthz.
func (h *Handlers) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"version": ServiceVersion,
	})
}

func (h *Handlers) currentMode() (upstream.Mode, error) {
	cfg, err := h.engine.GetCurrentConfiguration()
	if err != nil {
		return "", err
	}
	return cfg.Mode, nil
}

// getOrCreateRequestID propagates the caller's X-Request-ID or mints
// one, and echoes it on the response.
func getOrCreateRequestID(c *gin.Context) string {
	requestID := c.GetHeader("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Header("X-Request-ID", requestID)
	return requestID
}
