// Copyright (C) 2026 Resolvetech Systems (dev@resolvetech.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package httpapi exposes the resolver management API over HTTP.
package httpapi

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RegisterRoutes registers all /v1/resolver/* endpoints with the given
// router group.
//
// Endpoints:
//
//	GET  /v1/resolver/status - Daemon and last-apply status
//	GET  /v1/resolver/config - Currently applied configuration
//	POST /v1/resolver/apply - Deploy a new configuration
//	GET  /v1/resolver/snapshots - List pre-apply snapshots
//	POST /v1/resolver/snapshots/:id/restore - Restore a snapshot
func RegisterRoutes(rg *gin.RouterGroup, handlers *Handlers) {
	resolver := rg.Group("/resolver")
	{
		resolver.GET("/status", handlers.HandleStatus)
		resolver.GET("/config", handlers.HandleGetConfig)
		resolver.POST("/apply", handlers.HandleApply)
		resolver.GET("/snapshots", handlers.HandleListSnapshots)
		resolver.POST("/snapshots/:id/restore", handlers.HandleRestoreSnapshot)
	}
}

// NewRouter builds the daemon's full HTTP surface: the v1 API plus the
// operational endpoints.
//
// Operational Endpoints:
//
//	GET /healthz - Liveness check
//	GET /metrics - Prometheus metrics
func NewRouter(handlers *Handlers) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	v1 := router.Group("/v1")
	RegisterRoutes(v1, handlers)

	router.GET("/healthz", handlers.HandleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return router
}
