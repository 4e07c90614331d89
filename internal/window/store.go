// Copyright 2026 The loopguard Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package window

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Store owns every window record. It is safe for concurrent use; all
// mutations are serialized by a single mutex, including the persist step.
type Store struct {
	mu        sync.Mutex
	records   map[Key][]time.Time
	persister Persister
}

// New creates an empty store that persists through p. A nil p keeps state in memory only.
func New(p Persister) *Store {
	return &Store{
		records:   make(map[Key][]time.Time),
		persister: p,
	}
}

// Open creates a store and loads the persisted snapshot. Load failures are
// recovered locally: the store starts empty and the failure is logged.
func Open(p Persister) *Store {
	s := New(p)
	if p == nil {
		return s
	}

	snap, err := p.Load()
	if err != nil {
		log.WithError(err).Warn("discarding unreadable window snapshot, starting empty")
		return s
	}

	loaded := 0
	for raw, stamps := range snap {
		key, err := ParseKey(raw)
		if err != nil {
			log.Debugf("skipping snapshot entry: %v", err)
			continue
		}
		times := make([]time.Time, 0, len(stamps))
		for _, f := range stamps {
			if t, ok := fromSeconds(f); ok {
				times = append(times, t)
			}
		}
		if len(times) == 0 {
			continue
		}
		s.records[key] = times
		loaded++
	}
	log.Debugf("loaded %d window records", loaded)
	return s
}

// RecordAndCount prunes the record for key against now, inserts now in
// chronological order, persists the store and returns the number of
// occurrences kept.
//
// The returned count is always valid. A non-nil error can only wrap
// ErrPersistenceDegraded: the count was computed but not made durable.
func (s *Store) RecordAndCount(key Key, now time.Time, window time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stamps := insertSorted(prune(s.records[key], now, window), now)
	s.records[key] = stamps

	return len(stamps), s.persistLocked()
}

// Snapshot returns per-key stats pruned against now without mutating the
// store. Keys without occurrences inside the window are omitted.
func (s *Store) Snapshot(now time.Time, window time.Duration) map[Key]Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[Key]Stats, len(s.records))
	for key, stamps := range s.records {
		var st Stats
		for _, t := range stamps {
			if now.Sub(t) > window {
				continue
			}
			if st.Count == 0 || t.Before(st.FirstSeen) {
				st.FirstSeen = t
			}
			if st.Count == 0 || t.After(st.LastSeen) {
				st.LastSeen = t
			}
			st.Count++
		}
		if st.Count > 0 {
			out[key] = st
		}
	}
	return out
}

// Timestamps returns a copy of the raw occurrence list for key.
func (s *Store) Timestamps(key Key) []time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	stamps := s.records[key]
	out := make([]time.Time, len(stamps))
	copy(out, stamps)
	return out
}

// Len returns the number of records held, live or not.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Clear drops every record and persists the empty store. The in-memory state
// is cleared even when persisting fails.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records = make(map[Key][]time.Time)
	return s.persistLocked()
}

// persistLocked saves the full store, retrying once.
func (s *Store) persistLocked() error {
	if s.persister == nil {
		return nil
	}

	snap := make(Snapshot, len(s.records))
	for key, stamps := range s.records {
		if len(stamps) == 0 {
			continue
		}
		secs := make([]float64, len(stamps))
		for i, t := range stamps {
			secs[i] = toSeconds(t)
		}
		snap[key.String()] = secs
	}

	err := s.persister.Save(snap)
	if err == nil {
		return nil
	}
	log.WithError(err).Debug("window snapshot save failed, retrying once")
	if retryErr := s.persister.Save(snap); retryErr != nil {
		return fmt.Errorf("%w: %w", ErrPersistenceDegraded, errors.Join(err, retryErr))
	}
	return nil
}

// insertSorted adds t keeping stamps in chronological order. Equal
// timestamps keep insertion order.
func insertSorted(stamps []time.Time, t time.Time) []time.Time {
	i := sort.Search(len(stamps), func(i int) bool { return stamps[i].After(t) })
	stamps = append(stamps, time.Time{})
	copy(stamps[i+1:], stamps[i:])
	stamps[i] = t
	return stamps
}

// prune drops timestamps older than window relative to now, in place.
func prune(stamps []time.Time, now time.Time, window time.Duration) []time.Time {
	kept := stamps[:0]
	for _, t := range stamps {
		if now.Sub(t) <= window {
			kept = append(kept, t)
		}
	}
	return kept
}
