// Copyright 2026 The loopguard Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package cmd wires loopguard's components from a configuration and runs the
// long-lived modes (HTTP service and log watching).
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/traylinx/loopguard/internal/advice"
	"github.com/traylinx/loopguard/internal/api"
	"github.com/traylinx/loopguard/internal/config"
	"github.com/traylinx/loopguard/internal/detector"
	"github.com/traylinx/loopguard/internal/dispatch"
	"github.com/traylinx/loopguard/internal/ingest"
	"github.com/traylinx/loopguard/internal/memory"
	"github.com/traylinx/loopguard/internal/telemetry"
	"github.com/traylinx/loopguard/internal/util"
	"github.com/traylinx/loopguard/internal/window"
)

// App holds the wired components of one loopguard process.
type App struct {
	Config     *config.Config
	StateBox   *util.StateBox
	Store      *window.Store
	Detector   *detector.Detector
	Dispatcher *dispatch.Dispatcher

	// Memory is nil when the memory store is disabled or unavailable.
	Memory *memory.Store

	events           *telemetry.FileSink
	detectionLogPath string
}

// Build wires every component from cfg. The snapshot is loaded immediately.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	sb, err := util.NewStateBox(cfg.StateDir)
	if err != nil {
		return nil, err
	}
	sb.SetReadOnly(cfg.ReadOnly || sb.IsReadOnly())

	if !sb.IsReadOnly() {
		if err := sb.EnsureDir(sb.RootPath()); err != nil {
			log.WithError(err).Warnf("failed to create state directory %s", sb.RootPath())
		}
	}

	app := &App{Config: cfg, StateBox: sb}

	tcfg := cfg.Telemetry
	if tcfg.Path == "" {
		tcfg.Path = sb.TelemetryPath()
	} else {
		tcfg.Path = sb.ResolvePath(tcfg.Path)
	}
	app.detectionLogPath = tcfg.Path
	if sb.IsReadOnly() {
		tcfg.Enabled = false
	}
	app.events, err = telemetry.NewFileSink(tcfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open detection log: %w", err)
	}

	sinks := telemetry.Multi{app.events}
	if cfg.Memory.Enabled {
		mem, err := memory.Open(ctx, sb.MemoryDBPath(), sb, cfg.Memory.RetentionDays)
		if err != nil {
			log.WithError(err).Warn("memory store unavailable, continuing without it")
		} else {
			app.Memory = mem
			sinks = append(sinks, mem)
			if !sb.IsReadOnly() {
				if _, err := mem.Cleanup(ctx, time.Now()); err != nil {
					log.WithError(err).Warn("memory cleanup failed")
				}
			}
		}
	}

	transport, err := dispatch.NewTransport(cfg.Dispatch.TransportConfig)
	if err != nil {
		app.closeSinks()
		return nil, fmt.Errorf("invalid dispatch transport: %w", err)
	}
	policy, err := dispatch.NewPolicy(cfg.Dispatch.Policy)
	if err != nil {
		app.closeSinks()
		return nil, fmt.Errorf("invalid dispatch policy: %w", err)
	}

	app.Dispatcher = dispatch.New(transport,
		dispatch.WithQueueSize(cfg.Dispatch.QueueSize),
		dispatch.WithDeliveryTimeout(time.Duration(cfg.Dispatch.Timeout)),
		dispatch.WithPolicy(policy),
		dispatch.WithTelemetry(sinks),
		dispatch.WithAdvisor(advice.NewMatcher()),
	)

	app.Store = window.Open(window.NewFilePersister(sb.SnapshotPath(), sb))
	app.Detector = detector.New(app.Store,
		detector.WithDispatcher(app.Dispatcher),
		detector.WithTelemetry(sinks),
		detector.WithDefaults(cfg.Threshold, cfg.Window()),
	)

	log.WithFields(log.Fields{
		"state_dir": sb.RootPath(),
		"read_only": sb.IsReadOnly(),
		"threshold": cfg.Threshold,
		"window":    cfg.Window().String(),
		"transport": transport.Name(),
	}).Debug("loopguard initialized")
	return app, nil
}

// Close drains pending interventions, bounded by ctx, and releases the sinks.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.Dispatcher != nil {
		if err := a.Dispatcher.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to drain dispatcher: %w", err))
		}
	}
	if err := a.closeSinks(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (a *App) closeSinks() error {
	var errs []error
	if a.events != nil {
		if err := a.events.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close detection log: %w", err))
		}
	}
	if a.Memory != nil {
		if err := a.Memory.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close memory store: %w", err))
		}
	}
	return errors.Join(errs...)
}

// APIDeps returns the collaborators served over HTTP.
func (a *App) APIDeps() api.Deps {
	deps := api.Deps{
		Detector:   a.Detector,
		Dispatcher: a.Dispatcher,
		StateBox:   a.StateBox,

		DetectionLogPath: a.detectionLogPath,
	}
	if a.Memory != nil {
		deps.History = a.Memory
	}
	return deps
}

// StartService serves the HTTP API on addr until SIGINT or SIGTERM.
func StartService(app *App, addr string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	srv := api.NewServer(addr, api.NewRouter(app.APIDeps()))
	return srv.Run(ctx)
}

// Watch tails path and checks every error entry until SIGINT or SIGTERM.
// It returns the number of loops detected.
func Watch(app *App, path string, fromStart bool) (int, error) {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	return WatchContext(ctx, app, path, fromStart)
}

// WatchContext is Watch bounded by ctx instead of signals. Entries are counted
// at their logged time; entries already older than the window are skipped.
func WatchContext(ctx context.Context, app *App, path string, fromStart bool) (int, error) {
	loops := 0
	w := ingest.NewWatcher(path, fromStart, func(ctx context.Context, e ingest.Entry) {
		if !e.Timestamp.IsZero() && app.Detector.Now().Sub(e.Timestamp) > app.Detector.Window() {
			log.WithField("agent", e.Agent).Debugf("skipping log entry from %s, outside the window", e.Timestamp.Format(time.RFC3339))
			return
		}
		res, err := app.Detector.Check(ctx, e.Agent, e.ErrorText, detector.WithObservedAt(e.Timestamp))
		if err != nil {
			log.WithError(err).WithField("agent", e.Agent).Warn("skipping log entry")
			return
		}
		if res.IsLoop {
			loops++
			log.WithFields(log.Fields{
				"agent":       e.Agent,
				"count":       res.Count,
				"fingerprint": res.Fingerprint.Short(8),
			}).Warn("error loop detected")
		}
	})
	err := w.Run(ctx)
	return loops, err
}
