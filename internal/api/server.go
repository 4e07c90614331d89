// Copyright 2026 The loopguard Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package api exposes the detector over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/traylinx/loopguard/internal/advice"
	"github.com/traylinx/loopguard/internal/detector"
	"github.com/traylinx/loopguard/internal/dispatch"
	"github.com/traylinx/loopguard/internal/memory"
	"github.com/traylinx/loopguard/internal/util"
	"github.com/traylinx/loopguard/internal/window"
)

// HistoryReader is the part of the memory store the API reads.
type HistoryReader interface {
	History(ctx context.Context, agent string, limit int, all bool) ([]memory.Record, error)
	CountByAgent(ctx context.Context) (map[string]int64, error)
}

// StatsReader reports dispatcher counters.
type StatsReader interface {
	Stats() dispatch.Stats
}

// Deps are the collaborators served by the router. Only Detector is required.
type Deps struct {
	Detector   *detector.Detector
	History    HistoryReader
	Dispatcher StatsReader
	StateBox   *util.StateBox

	// DetectionLogPath is the resolved detection log; empty means the
	// StateBox default.
	DetectionLogPath string
}

// CheckRequest is the body of POST /v1/check.
type CheckRequest struct {
	Agent         string   `json:"agent"`
	Error         string   `json:"error"`
	Threshold     *int     `json:"threshold,omitempty"`
	WindowSeconds *float64 `json:"window_seconds,omitempty"`
}

// CheckResponse is the body returned by POST /v1/check.
type CheckResponse struct {
	IsLoop        bool    `json:"is_loop"`
	Count         int     `json:"count"`
	Fingerprint   string  `json:"fingerprint"`
	Threshold     int     `json:"threshold"`
	WindowSeconds float64 `json:"window_seconds"`
	Degraded      bool    `json:"degraded"`
}

// NewRouter builds the gin engine.
func NewRouter(deps Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := r.Group("/v1")
	v1.POST("/check", CheckHandler(deps.Detector))
	v1.GET("/status", StatusHandler(deps.Detector, deps.Dispatcher))
	v1.POST("/clear", ClearHandler(deps.Detector))
	v1.GET("/advice", AdviceHandler())
	v1.GET("/history", HistoryHandler(deps.History))
	v1.GET("/state", StateStatusHandler(deps.StateBox, deps.DetectionLogPath))
	return r
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.WithFields(log.Fields{
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"status":  c.Writer.Status(),
			"latency": time.Since(start).String(),
		}).Debug("http request")
	}
}

// CheckHandler returns a handler for POST /v1/check.
func CheckHandler(det *detector.Detector) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CheckRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid request body: %v", err)})
			return
		}

		var opts []detector.CheckOption
		if req.Threshold != nil {
			opts = append(opts, detector.WithThreshold(*req.Threshold))
		}
		if req.WindowSeconds != nil {
			opts = append(opts, detector.WithWindow(time.Duration(*req.WindowSeconds*float64(time.Second))))
		}

		res, err := det.Check(c.Request.Context(), req.Agent, req.Error, opts...)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, detector.ErrInvalidInput) {
				status = http.StatusBadRequest
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, CheckResponse{
			IsLoop:        res.IsLoop,
			Count:         res.Count,
			Fingerprint:   string(res.Fingerprint),
			Threshold:     res.Threshold,
			WindowSeconds: res.WindowSeconds(),
			Degraded:      res.Degraded,
		})
	}
}

// StatusHandler returns a handler for GET /v1/status.
func StatusHandler(det *detector.Detector, stats StatsReader) gin.HandlerFunc {
	return func(c *gin.Context) {
		st := det.Status()
		if stats == nil {
			c.JSON(http.StatusOK, st)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"active_monitors": st.ActiveMonitors,
			"total_errors":    st.TotalErrors,
			"threshold":       st.Threshold,
			"window_seconds":  st.WindowSeconds,
			"dispatch":        stats.Stats(),
		})
	}
}

// ClearHandler returns a handler for POST /v1/clear.
func ClearHandler(det *detector.Detector) gin.HandlerFunc {
	return func(c *gin.Context) {
		err := det.Clear()
		switch {
		case err == nil:
			c.JSON(http.StatusOK, gin.H{"cleared": true, "degraded": false})
		case errors.Is(err, window.ErrPersistenceDegraded):
			c.JSON(http.StatusOK, gin.H{"cleared": true, "degraded": true, "warning": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
	}
}

// AdviceHandler returns a handler for GET /v1/advice?message=.
func AdviceHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		msg := strings.TrimSpace(c.Query("message"))
		if msg == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "message is required"})
			return
		}
		b := advice.Advise(msg)
		c.JSON(http.StatusOK, gin.H{
			"advice": b,
			"text":   advice.Render(b),
		})
	}
}

// HistoryHandler returns a handler for GET /v1/history?agent=&limit=&all=.
// With by_agent=true it returns loop totals per agent instead.
func HistoryHandler(h HistoryReader) gin.HandlerFunc {
	return func(c *gin.Context) {
		if h == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "memory store disabled"})
			return
		}

		if byAgent, _ := strconv.ParseBool(c.Query("by_agent")); byAgent {
			counts, err := h.CountByAgent(c.Request.Context())
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusOK, gin.H{"loops_by_agent": counts})
			return
		}

		limit := 20
		if raw := c.Query("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 1 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
				return
			}
			limit = n
		}
		all, _ := strconv.ParseBool(c.Query("all"))

		records, err := h.History(c.Request.Context(), c.Query("agent"), limit, all)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if records == nil {
			records = []memory.Record{}
		}
		c.JSON(http.StatusOK, gin.H{"events": records})
	}
}

// Server runs the router until its context is cancelled.
type Server struct {
	httpServer *http.Server
}

// NewServer creates a server listening on addr.
func NewServer(addr string, handler http.Handler) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Infof("loopguard API listening on %s", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down API server: %w", err)
	}
	return nil
}
