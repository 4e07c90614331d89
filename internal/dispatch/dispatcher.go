// Copyright 2026 The loopguard Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package dispatch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/traylinx/loopguard/internal/advice"
	"github.com/traylinx/loopguard/internal/telemetry"
)

const (
	// DefaultQueueSize is the delivery queue capacity.
	DefaultQueueSize = 256

	// DefaultDeliveryTimeout bounds a single delivery.
	DefaultDeliveryTimeout = 30 * time.Second
)

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithQueueSize sets the queue capacity.
func WithQueueSize(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.queueSize = n
		}
	}
}

// WithDeliveryTimeout bounds each delivery.
func WithDeliveryTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.timeout = timeout
		}
	}
}

// WithPolicy sets the delivery policy.
func WithPolicy(p *Policy) Option {
	return func(d *Dispatcher) {
		d.policy = p
	}
}

// WithTelemetry sets the sink for delivery outcomes.
func WithTelemetry(sink telemetry.Sink) Option {
	return func(d *Dispatcher) {
		if sink != nil {
			d.sink = sink
		}
	}
}

// WithAdvisor sets the matcher used to attach advice to instructions. A nil
// matcher disables advice.
func WithAdvisor(m *advice.Matcher) Option {
	return func(d *Dispatcher) {
		d.advisor = m
	}
}

// Stats counts delivery outcomes since creation.
type Stats struct {
	Delivered  int64 `json:"delivered"`
	Failed     int64 `json:"failed"`
	Suppressed int64 `json:"suppressed"`
}

// Dispatcher queues interventions and delivers them on a background worker.
type Dispatcher struct {
	transport Transport
	policy    *Policy
	advisor   *advice.Matcher
	sink      telemetry.Sink
	timeout   time.Duration
	queueSize int

	queue     chan Intervention
	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once
	done      chan struct{}

	delivered  atomic.Int64
	failed     atomic.Int64
	suppressed atomic.Int64
}

// New creates a dispatcher delivering through t and starts its worker.
func New(t Transport, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		transport: t,
		advisor:   advice.NewMatcher(),
		sink:      telemetry.Nop{},
		timeout:   DefaultDeliveryTimeout,
		queueSize: DefaultQueueSize,
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.transport == nil {
		d.transport = NewLogTransport()
	}
	d.queue = make(chan Intervention, d.queueSize)

	go d.processQueue()
	return d
}

// Submit queues iv for delivery without blocking.
func (d *Dispatcher) Submit(ctx context.Context, iv Intervention) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return ErrDispatcherClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	select {
	case d.queue <- iv:
		return nil
	default:
		log.WithField("agent", iv.Agent).Warn("intervention queue full, dropping intervention")
		return ErrQueueFull
	}
}

// Close stops accepting submissions and waits for queued interventions to
// be delivered, bounded by ctx.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.closeOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		close(d.queue)
		d.mu.Unlock()
	})

	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("dispatcher drain interrupted: %w", ctx.Err())
	}
}

// Pending returns the number of queued interventions.
func (d *Dispatcher) Pending() int {
	return len(d.queue)
}

// Stats returns the delivery counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Delivered:  d.delivered.Load(),
		Failed:     d.failed.Load(),
		Suppressed: d.suppressed.Load(),
	}
}

func (d *Dispatcher) processQueue() {
	defer close(d.done)
	for iv := range d.queue {
		d.handle(iv)
	}
}

func (d *Dispatcher) handle(iv Intervention) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("panic in %s transport for %s: %v", d.transport.Name(), iv.Agent, r)
			d.report(telemetry.KindDispatchFailed, iv, fmt.Errorf("transport panic: %v", r))
		}
	}()

	allowed, err := d.policy.Allow(iv)
	if err != nil {
		log.WithError(err).Warnf("dispatch policy %q failed, delivering anyway", d.policy.String())
		allowed = true
	}
	if !allowed {
		log.WithField("agent", iv.Agent).Infof("intervention suppressed by policy %q", d.policy.String())
		d.report(telemetry.KindDispatchSuppressed, iv, nil)
		return
	}

	var bundle *advice.Bundle
	if d.advisor != nil {
		bundle = d.advisor.Advise(iv.Message)
	}
	delivery := Delivery{Intervention: iv, Instruction: BuildInstruction(iv, bundle)}

	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	if err := d.transport.Deliver(ctx, delivery); err != nil {
		log.WithFields(log.Fields{
			"agent":     iv.Agent,
			"transport": d.transport.Name(),
		}).WithError(err).Error("failed to deliver stop instruction")
		d.report(telemetry.KindDispatchFailed, iv, err)
		return
	}

	log.WithFields(log.Fields{
		"agent":     iv.Agent,
		"transport": d.transport.Name(),
	}).Info("stop instruction delivered")
	d.report(telemetry.KindDispatchDelivered, iv, nil)
}

func (d *Dispatcher) report(kind telemetry.Kind, iv Intervention, err error) {
	switch kind {
	case telemetry.KindDispatchDelivered:
		d.delivered.Add(1)
	case telemetry.KindDispatchFailed:
		d.failed.Add(1)
	case telemetry.KindDispatchSuppressed:
		d.suppressed.Add(1)
	}
	e := telemetry.NewEvent(kind, time.Now(), iv.Agent, iv.Fingerprint, iv.Count, iv.Window, iv.Message)
	d.sink.Emit(context.Background(), e.WithError(err))
}
