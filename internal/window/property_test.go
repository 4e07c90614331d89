// Copyright 2026 The loopguard Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package window

import (
	"sort"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestProperty_CountMatchesWindow(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("count equals occurrences within the window of the latest call", prop.ForAll(
		func(offsets []int, windowSecs int) bool {
			sort.Ints(offsets)
			store := New(NewMemoryPersister(nil))
			key := testKey("worker1", "boom")
			window := time.Duration(windowSecs) * time.Second

			for i, off := range offsets {
				now := t0.Add(time.Duration(off) * time.Second)
				got, err := store.RecordAndCount(key, now, window)
				if err != nil {
					return false
				}
				want := 0
				for _, prev := range offsets[:i+1] {
					if off-prev <= windowSecs {
						want++
					}
				}
				if got != want {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 3600)),
		gen.IntRange(1, 900),
	))

	properties.Property("persisted snapshot never holds expired occurrences", prop.ForAll(
		func(offsets []int) bool {
			sort.Ints(offsets)
			persister := NewMemoryPersister(nil)
			store := New(persister)
			key := testKey("worker1", "boom")
			window := 300 * time.Second

			var last time.Time
			for _, off := range offsets {
				last = t0.Add(time.Duration(off) * time.Second)
				_, _ = store.RecordAndCount(key, last, window)
			}
			snap, _ := persister.Load()
			for _, f := range snap[key.String()] {
				ts, ok := fromSeconds(f)
				if !ok || last.Sub(ts) > window {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 3600)),
	))

	properties.TestingRun(t, gopter.ConsoleReporter(false))
}
