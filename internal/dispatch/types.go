// Copyright 2026 The loopguard Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package dispatch delivers stop instructions to agents caught in an error
// loop. Submissions are queued and delivered by a single background worker,
// so the detector never waits on a slow or failing transport.
package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/traylinx/loopguard/internal/fingerprint"
)

var (
	// ErrQueueFull is returned by Submit when the delivery queue has no room.
	ErrQueueFull = errors.New("dispatch: queue full")

	// ErrDispatcherClosed is returned by Submit after Close.
	ErrDispatcherClosed = errors.New("dispatch: dispatcher closed")
)

// Intervention is one request to stop an agent.
type Intervention struct {
	ID          string
	Agent       string
	Fingerprint fingerprint.Fingerprint
	Count       int
	Threshold   int
	Window      time.Duration
	Message     string
	DetectedAt  time.Time
}

// NewIntervention builds an intervention with a fresh id.
func NewIntervention(agent string, fp fingerprint.Fingerprint, count, threshold int, window time.Duration, message string, now time.Time) Intervention {
	return Intervention{
		ID:          uuid.NewString(),
		Agent:       agent,
		Fingerprint: fp,
		Count:       count,
		Threshold:   threshold,
		Window:      window,
		Message:     message,
		DetectedAt:  now,
	}
}

// Delivery is what a transport sends: the intervention and its rendered instruction.
type Delivery struct {
	Intervention
	Instruction string
}

// Transport sends a stop instruction to an agent.
type Transport interface {
	// Name identifies the transport in logs.
	Name() string
	// Deliver sends d. It must honour ctx cancellation.
	Deliver(ctx context.Context, d Delivery) error
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, d Delivery) error

// Name implements Transport.
func (f TransportFunc) Name() string { return "func" }

// Deliver implements Transport.
func (f TransportFunc) Deliver(ctx context.Context, d Delivery) error { return f(ctx, d) }
