// Copyright 2026 The loopguard Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package telemetry records detector decisions as structured events.
// Events are written as JSON lines to a rotating audit log and can be fanned
// out to further sinks such as the memory database.
package telemetry

import (
	"context"
	"sync"
	"time"

	"github.com/traylinx/loopguard/internal/fingerprint"
)

// Kind categorizes a telemetry event.
type Kind string

const (
	KindLoopDetected        Kind = "loop_detected"
	KindPersistenceDegraded Kind = "persistence_degraded"
	KindDispatchDelivered   Kind = "dispatch_delivered"
	KindDispatchFailed      Kind = "dispatch_failed"
	KindDispatchSuppressed  Kind = "dispatch_suppressed"
)

const (
	// MaxMessageRunes bounds the message excerpt carried by an event.
	MaxMessageRunes = 200

	// PrefixLen is the number of fingerprint characters carried by an event.
	PrefixLen = 8
)

// Event is one line of the telemetry log.
type Event struct {
	// Timestamp is when the event was produced.
	Timestamp time.Time `json:"timestamp"`

	// Kind is the event category.
	Kind Kind `json:"kind"`

	// Agent is the reporting agent id.
	Agent string `json:"agent"`

	// FingerprintPrefix is the leading part of the error fingerprint.
	FingerprintPrefix string `json:"fingerprint_prefix"`

	// Count is the number of occurrences inside the window at detection time.
	Count int `json:"count"`

	// WindowSeconds is the window length used for the count.
	WindowSeconds float64 `json:"window_seconds"`

	// TruncatedMessage is the raw error text cut to MaxMessageRunes runes.
	TruncatedMessage string `json:"truncated_message"`

	// Error describes the failure for degraded and dispatch_failed events.
	Error string `json:"error,omitempty"`
}

// NewEvent builds an event stamped with now.
func NewEvent(kind Kind, now time.Time, agent string, fp fingerprint.Fingerprint, count int, window time.Duration, message string) Event {
	return Event{
		Timestamp:         now,
		Kind:              kind,
		Agent:             agent,
		FingerprintPrefix: fp.Short(PrefixLen),
		Count:             count,
		WindowSeconds:     window.Seconds(),
		TruncatedMessage:  Truncate(message, MaxMessageRunes),
	}
}

// WithError returns a copy of e carrying err.
func (e Event) WithError(err error) Event {
	if err != nil {
		e.Error = err.Error()
	}
	return e
}

// Truncate cuts s to at most n runes.
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}

// Sink consumes telemetry events. Emit must not block for long and never fails
// the caller; sinks report their own write failures through the process log.
type Sink interface {
	Emit(ctx context.Context, e Event)
}

// Nop discards every event.
type Nop struct{}

// Emit implements Sink.
func (Nop) Emit(context.Context, Event) {}

// Multi fans one event out to several sinks in order.
type Multi []Sink

// Emit implements Sink.
func (m Multi) Emit(ctx context.Context, e Event) {
	for _, s := range m {
		if s != nil {
			s.Emit(ctx, e)
		}
	}
}

// Recorder keeps events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Emit implements Sink.
func (r *Recorder) Emit(_ context.Context, e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Kinds returns the recorded event kinds in order.
func (r *Recorder) Kinds() []Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Kind, len(r.events))
	for i, e := range r.events {
		out[i] = e.Kind
	}
	return out
}

// Count returns how many events of kind were recorded.
func (r *Recorder) Count(kind Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}
