// Copyright (C) 2025 The Wheatley contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kneasle/wheatley/pkg/logging"
)

const shutdownTimeout = 5 * time.Second

// StatusServer serves liveness and Prometheus metrics over HTTP:
//
//	GET /healthz - liveness probe
//	GET /metrics - Prometheus scrape endpoint
type StatusServer struct {
	addr   string
	logger *logging.Logger
}

// NewStatusServer creates a status server listening on addr.  A nil
// logger selects the default logger.
func NewStatusServer(addr string, logger *logging.Logger) *StatusServer {
	if logger == nil {
		logger = logging.Default()
	}
	return &StatusServer{addr: addr, logger: logger}
}

// Handler builds the HTTP handler for the status endpoints.
func (s *StatusServer) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return router
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *StatusServer) Run(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.Handler()}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("status server shutdown", "error", err)
		}
	}()

	s.logger.Info("status server listening", "addr", s.addr)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
