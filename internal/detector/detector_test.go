// Copyright 2026 The loopguard Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package detector

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/traylinx/loopguard/internal/dispatch"
	"github.com/traylinx/loopguard/internal/fingerprint"
	"github.com/traylinx/loopguard/internal/telemetry"
	"github.com/traylinx/loopguard/internal/window"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeSubmitter struct {
	mu  sync.Mutex
	ivs []dispatch.Intervention
	err error
}

func (f *fakeSubmitter) Submit(_ context.Context, iv dispatch.Intervention) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.ivs = append(f.ivs, iv)
	return nil
}

func (f *fakeSubmitter) Submitted() []dispatch.Intervention {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]dispatch.Intervention(nil), f.ivs...)
}

type harness struct {
	det       *Detector
	clock     *fakeClock
	submitter *fakeSubmitter
	events    *telemetry.Recorder
	persister *window.MemoryPersister
}

func newHarness(opts ...Option) *harness {
	h := &harness{
		clock:     newFakeClock(),
		submitter: &fakeSubmitter{},
		events:    &telemetry.Recorder{},
		persister: window.NewMemoryPersister(nil),
	}
	base := []Option{
		WithClock(h.clock.Now),
		WithDispatcher(h.submitter),
		WithTelemetry(h.events),
	}
	h.det = New(window.Open(h.persister), append(base, opts...)...)
	return h
}

func TestCheck_EndToEndScenario(t *testing.T) {
	h := newHarness()
	msg := "SyntaxError: Unexpected token at line 10, column 4"
	ctx := context.Background()

	var loops []bool
	for i := 0; i < 3; i++ {
		res, err := h.det.Check(ctx, "worker1", msg, WithThreshold(3), WithWindow(300*time.Second))
		require.NoError(t, err)
		loops = append(loops, res.IsLoop)
		assert.Equal(t, i+1, res.Count)
		h.clock.Advance(4 * time.Second)
	}

	assert.Equal(t, []bool{false, false, true}, loops)
	assert.Equal(t, []telemetry.Kind{telemetry.KindLoopDetected}, h.events.Kinds())
	require.Len(t, h.submitter.Submitted(), 1)

	iv := h.submitter.Submitted()[0]
	assert.Equal(t, "worker1", iv.Agent)
	assert.Equal(t, fingerprint.Of(msg), iv.Fingerprint)
	assert.Equal(t, 3, iv.Count)
	assert.Equal(t, 3, iv.Threshold)
	assert.NotEmpty(t, iv.ID)

	e := h.events.Events()[0]
	assert.Equal(t, "worker1", e.Agent)
	assert.Equal(t, string(fingerprint.Of(msg))[:8], e.FingerprintPrefix)
	assert.Equal(t, 300.0, e.WindowSeconds)
	assert.Equal(t, msg, e.TruncatedMessage)
}

func TestCheck_ReTriggersAboveThreshold(t *testing.T) {
	h := newHarness()
	for i := 0; i < 5; i++ {
		_, err := h.det.Check(context.Background(), "worker1", "boom")
		require.NoError(t, err)
	}
	assert.Len(t, h.submitter.Submitted(), 3)
	assert.Equal(t, 3, h.events.Count(telemetry.KindLoopDetected))
}

func TestCheck_DistinctAgentsDoNotShareCounters(t *testing.T) {
	h := newHarness()
	msg := "Error: Cannot find module 'express'"

	for i := 0; i < 2; i++ {
		r1, err := h.det.Check(context.Background(), "worker1", msg)
		require.NoError(t, err)
		r2, err := h.det.Check(context.Background(), "worker2", msg)
		require.NoError(t, err)
		assert.False(t, r1.IsLoop)
		assert.False(t, r2.IsLoop)
	}

	r1, _ := h.det.Check(context.Background(), "worker1", msg)
	assert.True(t, r1.IsLoop)
	r2, _ := h.det.Check(context.Background(), "worker2", msg)
	assert.True(t, r2.IsLoop)
	assert.Len(t, h.submitter.Submitted(), 2)
}

func TestCheck_VolatileNoiseSharesFingerprint(t *testing.T) {
	h := newHarness()
	msgs := []string{
		"2026-03-01T12:00:00 TypeError at line 10 after 15ms",
		"2026-03-01T12:00:09 TypeError at line 11 after 230ms",
		"2026-03-01 12:00:17   typeerror AT LINE 99 after 1ms",
	}
	var last Result
	for _, m := range msgs {
		var err error
		last, err = h.det.Check(context.Background(), "worker1", m)
		require.NoError(t, err)
	}
	assert.True(t, last.IsLoop)
	assert.Equal(t, 3, last.Count)
}

func TestCheck_WindowExpiry(t *testing.T) {
	h := newHarness()

	counts := []int{}
	for _, step := range []time.Duration{0, 301 * time.Second, time.Second} {
		h.clock.Advance(step)
		res, err := h.det.Check(context.Background(), "worker1", "boom")
		require.NoError(t, err)
		counts = append(counts, res.Count)
	}
	assert.Equal(t, []int{1, 1, 2}, counts)
}

func TestCheck_ObservedAtSpreadOverHours(t *testing.T) {
	h := newHarness()
	now := h.clock.Now()
	ctx := context.Background()

	for _, ago := range []time.Duration{6 * time.Hour, 4 * time.Hour, 2 * time.Hour} {
		res, err := h.det.Check(ctx, "worker1", "KeyError: boom", WithObservedAt(now.Add(-ago)))
		require.NoError(t, err)
		assert.Equal(t, 1, res.Count)
		assert.False(t, res.IsLoop)
	}
	assert.Empty(t, h.submitter.Submitted())
	assert.Empty(t, h.events.Events())
}

func TestCheck_ObservedAtWithinWindow(t *testing.T) {
	h := newHarness()
	now := h.clock.Now()
	ctx := context.Background()

	var res Result
	var err error
	for _, ago := range []time.Duration{90 * time.Second, 60 * time.Second, 30 * time.Second} {
		res, err = h.det.Check(ctx, "worker1", "KeyError: boom", WithObservedAt(now.Add(-ago)))
		require.NoError(t, err)
	}
	assert.True(t, res.IsLoop)
	assert.Equal(t, 3, res.Count)

	require.Len(t, h.events.Events(), 1)
	assert.Equal(t, now.Add(-30*time.Second), h.events.Events()[0].Timestamp)
}

func TestCheck_ObservedAtClampsFutureAndIgnoresZero(t *testing.T) {
	h := newHarness()
	now := h.clock.Now()
	ctx := context.Background()

	res, err := h.det.Check(ctx, "worker1", "boom", WithObservedAt(now.Add(time.Hour)))
	require.NoError(t, err)
	_, err = h.det.Check(ctx, "worker1", "boom", WithObservedAt(time.Time{}))
	require.NoError(t, err)

	key := window.Key{Agent: "worker1", Fingerprint: res.Fingerprint}
	assert.Equal(t, []time.Time{now, now}, h.det.store.Timestamps(key))
	assert.Equal(t, now, h.det.Now())
}

func TestCheck_ThresholdBoundary(t *testing.T) {
	h := newHarness()

	res, err := h.det.Check(context.Background(), "worker1", "boom", WithThreshold(1))
	require.NoError(t, err)
	assert.True(t, res.IsLoop, "threshold 1 trips on the first occurrence")

	res, err = h.det.Check(context.Background(), "worker2", "boom", WithThreshold(2))
	require.NoError(t, err)
	assert.False(t, res.IsLoop)
	res, err = h.det.Check(context.Background(), "worker2", "boom", WithThreshold(2))
	require.NoError(t, err)
	assert.True(t, res.IsLoop)
	assert.Equal(t, 2, res.Threshold)
}

func TestCheck_InvalidInput(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	tests := []struct {
		name  string
		agent string
		msg   string
		opts  []CheckOption
	}{
		{"empty agent", "", "boom", nil},
		{"blank agent", "   ", "boom", nil},
		{"empty message", "worker1", "", nil},
		{"blank message", "worker1", " \n\t", nil},
		{"zero threshold", "worker1", "boom", []CheckOption{WithThreshold(0)}},
		{"negative threshold", "worker1", "boom", []CheckOption{WithThreshold(-2)}},
		{"zero window", "worker1", "boom", []CheckOption{WithWindow(0)}},
		{"negative window", "worker1", "boom", []CheckOption{WithWindow(-time.Second)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.det.Check(ctx, tt.agent, tt.msg, tt.opts...)
			assert.ErrorIs(t, err, ErrInvalidInput)
		})
	}
	assert.Empty(t, h.det.Status().ActiveMonitors, "rejected input is never recorded")
}

func TestCheck_DegradedPersistence(t *testing.T) {
	h := newHarness()
	h.persister.FailSaves(2, errors.New("disk full"))

	res, err := h.det.Check(context.Background(), "worker1", "boom", WithThreshold(1))
	require.NoError(t, err)
	assert.True(t, res.Degraded)
	assert.True(t, res.IsLoop, "degraded persistence does not affect detection")
	assert.Equal(t, []telemetry.Kind{telemetry.KindPersistenceDegraded, telemetry.KindLoopDetected}, h.events.Kinds())
	assert.Contains(t, h.events.Events()[0].Error, "disk full")

	res, err = h.det.Check(context.Background(), "worker1", "boom", WithThreshold(1))
	require.NoError(t, err)
	assert.False(t, res.Degraded)
}

func TestCheck_DispatchFailure(t *testing.T) {
	h := newHarness()
	h.submitter.err = dispatch.ErrQueueFull

	var res Result
	for i := 0; i < 3; i++ {
		var err error
		res, err = h.det.Check(context.Background(), "worker1", "boom")
		require.NoError(t, err)
	}
	assert.True(t, res.IsLoop)
	assert.Equal(t, []telemetry.Kind{telemetry.KindLoopDetected, telemetry.KindDispatchFailed}, h.events.Kinds())
	assert.Equal(t, dispatch.ErrQueueFull.Error(), h.events.Events()[1].Error)
}

func TestCheck_WithoutDispatcher(t *testing.T) {
	det := New(window.New(nil), WithDefaults(1, time.Minute))
	res, err := det.Check(context.Background(), "worker1", "boom")
	require.NoError(t, err)
	assert.True(t, res.IsLoop)
	assert.Equal(t, time.Minute, res.Window)
}

func TestStatus(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, _ = h.det.Check(ctx, "worker1", "boom")
		h.clock.Advance(time.Second)
	}
	_, _ = h.det.Check(ctx, "worker2", "other")

	st := h.det.Status()
	assert.Equal(t, 4, st.TotalErrors)
	assert.Equal(t, 3, st.Threshold)
	assert.Equal(t, 300.0, st.WindowSeconds)

	m := st.ActiveMonitors["worker1"][string(fingerprint.Of("boom"))]
	assert.Equal(t, 3, m.Count)
	assert.True(t, m.ThresholdReached)
	assert.Equal(t, 2*time.Second, m.LastSeen.Sub(m.FirstSeen))

	assert.False(t, st.ActiveMonitors["worker2"][string(fingerprint.Of("other"))].ThresholdReached)

	// Status is read-only.
	again := h.det.Status()
	assert.Equal(t, st, again)

	h.clock.Advance(time.Hour)
	assert.Empty(t, h.det.Status().ActiveMonitors)
	assert.Zero(t, h.det.Status().TotalErrors)
}

func TestClear(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, _ = h.det.Check(ctx, "worker1", "boom")
	}
	require.NoError(t, h.det.Clear())
	assert.Empty(t, h.det.Status().ActiveMonitors)

	res, err := h.det.Check(ctx, "worker1", "boom")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Count)
	assert.False(t, res.IsLoop)
}

func TestRestartDurability(t *testing.T) {
	path := filepath.Join(t.TempDir(), "error_loops.json")
	clock := newFakeClock()

	first := New(window.Open(window.NewFilePersister(path, nil)), WithClock(clock.Now))
	for i := 0; i < 2; i++ {
		_, err := first.Check(context.Background(), "worker1", "boom")
		require.NoError(t, err)
		clock.Advance(time.Second)
	}
	before := first.Status()

	second := New(window.Open(window.NewFilePersister(path, nil)), WithClock(clock.Now))
	after := second.Status()
	assert.Equal(t, before.TotalErrors, after.TotalErrors)

	res, err := second.Check(context.Background(), "worker1", "boom")
	require.NoError(t, err)
	assert.True(t, res.IsLoop, "occurrences before the restart still count")
}

func TestFormatStatus(t *testing.T) {
	h := newHarness()
	for i := 0; i < 3; i++ {
		_, _ = h.det.Check(context.Background(), "worker1", "boom")
	}

	text := FormatStatus(h.det.Status())
	assert.Contains(t, text, "Total errors in window: 3")
	assert.Contains(t, text, "worker1:")
	assert.Contains(t, text, string(fingerprint.Of("boom"))[:8]+": 3/3 LOOP")

	assert.Contains(t, FormatStatus(Status{ActiveMonitors: map[string]map[string]Monitor{}}), "No active monitors")
}

func TestCheck_Concurrent(t *testing.T) {
	h := newHarness(WithDefaults(1000, time.Hour))

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = h.det.Check(context.Background(), "worker1", "boom")
		}()
	}
	wg.Wait()

	st := h.det.Status()
	assert.Equal(t, 40, st.TotalErrors)
}
