// Copyright 2026 The loopguard Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package detector decides whether an agent is stuck repeating the same error.
//
// Each reported error is fingerprinted and recorded in a window store. When the
// number of occurrences inside the window reaches the threshold, the detector
// emits a loop_detected event and submits exactly one intervention. Every call
// at or above the threshold triggers again; no suppression is applied here.
package detector

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/traylinx/loopguard/internal/dispatch"
	"github.com/traylinx/loopguard/internal/fingerprint"
	"github.com/traylinx/loopguard/internal/telemetry"
	"github.com/traylinx/loopguard/internal/window"
)

const (
	DefaultThreshold = 3
	DefaultWindow    = 300 * time.Second
)

// ErrInvalidInput is returned for empty agents or messages and for
// out-of-range thresholds or windows.
var ErrInvalidInput = errors.New("invalid input")

// Submitter accepts interventions without blocking.
type Submitter interface {
	Submit(ctx context.Context, iv dispatch.Intervention) error
}

// Result is the outcome of one Check.
type Result struct {
	IsLoop      bool                    `json:"is_loop"`
	Count       int                     `json:"count"`
	Fingerprint fingerprint.Fingerprint `json:"fingerprint"`
	Threshold   int                     `json:"threshold"`
	Window      time.Duration           `json:"-"`
	Degraded    bool                    `json:"degraded"`
}

// WindowSeconds returns the window length in seconds.
func (r Result) WindowSeconds() float64 {
	return r.Window.Seconds()
}

// Option configures a Detector.
type Option func(*Detector)

// WithDispatcher sets where interventions are submitted.
func WithDispatcher(s Submitter) Option {
	return func(d *Detector) { d.dispatcher = s }
}

// WithTelemetry sets the event sink.
func WithTelemetry(sink telemetry.Sink) Option {
	return func(d *Detector) {
		if sink != nil {
			d.sink = sink
		}
	}
}

// WithClock replaces time.Now.
func WithClock(clock func() time.Time) Option {
	return func(d *Detector) {
		if clock != nil {
			d.clock = clock
		}
	}
}

// WithDefaults sets the process-wide threshold and window. Values out of range
// are ignored.
func WithDefaults(threshold int, window time.Duration) Option {
	return func(d *Detector) {
		if threshold >= 1 {
			d.threshold = threshold
		}
		if window > 0 {
			d.window = window
		}
	}
}

// Detector is safe for concurrent use.
type Detector struct {
	store      *window.Store
	dispatcher Submitter
	sink       telemetry.Sink
	clock      func() time.Time
	threshold  int
	window     time.Duration
}

// New creates a detector over store.
func New(store *window.Store, opts ...Option) *Detector {
	d := &Detector{
		store:     store,
		sink:      telemetry.Nop{},
		clock:     time.Now,
		threshold: DefaultThreshold,
		window:    DefaultWindow,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Threshold returns the default threshold.
func (d *Detector) Threshold() int { return d.threshold }

// Window returns the default window.
func (d *Detector) Window() time.Duration { return d.window }

// Now returns the detector's current time.
func (d *Detector) Now() time.Time { return d.clock() }

// CheckOption overrides a default for one call.
type CheckOption func(*checkOptions)

type checkOptions struct {
	threshold    int
	window       time.Duration
	hasThreshold bool
	hasWindow    bool
	observedAt   time.Time
}

// WithThreshold overrides the threshold for one call. It must be at least 1.
func WithThreshold(n int) CheckOption {
	return func(o *checkOptions) {
		o.threshold = n
		o.hasThreshold = true
	}
}

// WithWindow overrides the window for one call. It must be positive.
func WithWindow(w time.Duration) CheckOption {
	return func(o *checkOptions) {
		o.window = w
		o.hasWindow = true
	}
}

// WithObservedAt records the occurrence at t instead of the detector's clock.
// A zero t is ignored and a t in the future is clamped to now.
func WithObservedAt(t time.Time) CheckOption {
	return func(o *checkOptions) {
		o.observedAt = t
	}
}

// Check records one occurrence of rawMessage for agent and reports whether
// the agent is in an error loop.
//
// Persistence failures do not fail the check: the result is marked Degraded
// and a persistence_degraded event is emitted.
func (d *Detector) Check(ctx context.Context, agent, rawMessage string, opts ...CheckOption) (Result, error) {
	o := checkOptions{threshold: d.threshold, window: d.window}
	for _, opt := range opts {
		opt(&o)
	}

	agent = strings.TrimSpace(agent)
	if agent == "" {
		return Result{}, fmt.Errorf("%w: agent must not be empty", ErrInvalidInput)
	}
	if strings.TrimSpace(rawMessage) == "" {
		return Result{}, fmt.Errorf("%w: error message must not be empty", ErrInvalidInput)
	}
	if o.hasThreshold && o.threshold < 1 {
		return Result{}, fmt.Errorf("%w: threshold must be at least 1, got %d", ErrInvalidInput, o.threshold)
	}
	if o.hasWindow && o.window <= 0 {
		return Result{}, fmt.Errorf("%w: window must be positive, got %s", ErrInvalidInput, o.window)
	}

	fp := fingerprint.Of(rawMessage)
	now := d.clock()
	if !o.observedAt.IsZero() && o.observedAt.Before(now) {
		now = o.observedAt
	}

	count, err := d.store.RecordAndCount(window.Key{Agent: agent, Fingerprint: fp}, now, o.window)
	res := Result{
		Count:       count,
		Fingerprint: fp,
		Threshold:   o.threshold,
		Window:      o.window,
	}
	if err != nil {
		log.WithField("agent", agent).WithError(err).Warn("error loop state could not be persisted, continuing in memory")
		res.Degraded = true
		d.emit(ctx, telemetry.KindPersistenceDegraded, now, agent, fp, count, o.window, rawMessage, err)
	}

	res.IsLoop = count >= o.threshold
	if !res.IsLoop {
		return res, nil
	}

	log.WithFields(log.Fields{
		"agent":       agent,
		"fingerprint": fp.Short(telemetry.PrefixLen),
		"count":       count,
		"window":      o.window.String(),
	}).Warn("error loop detected")
	d.emit(ctx, telemetry.KindLoopDetected, now, agent, fp, count, o.window, rawMessage, nil)

	if d.dispatcher == nil {
		return res, nil
	}
	iv := dispatch.NewIntervention(agent, fp, count, o.threshold, o.window, rawMessage, now)
	if err := d.dispatcher.Submit(ctx, iv); err != nil {
		log.WithField("agent", agent).WithError(err).Error("failed to submit intervention")
		d.emit(ctx, telemetry.KindDispatchFailed, now, agent, fp, count, o.window, rawMessage, err)
	}
	return res, nil
}

func (d *Detector) emit(ctx context.Context, kind telemetry.Kind, now time.Time, agent string, fp fingerprint.Fingerprint, count int, w time.Duration, msg string, err error) {
	e := telemetry.NewEvent(kind, now, agent, fp, count, w, msg)
	d.sink.Emit(ctx, e.WithError(err))
}

// Clear drops every window record. A persistence failure is returned wrapped
// in window.ErrPersistenceDegraded; the in-memory state is cleared regardless.
func (d *Detector) Clear() error {
	if err := d.store.Clear(); err != nil {
		log.WithError(err).Warn("cleared error loop state could not be persisted")
		return err
	}
	log.Info("error loop state cleared")
	return nil
}
