// Copyright 2026 The loopguard Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package window keeps a persisted, time-windowed occurrence history per
// (agent, fingerprint) pair.
//
// Every mutation is prune-then-append-then-persist-then-count under one lock,
// so the reported count always reflects the pruned state and the snapshot on
// disk never holds more than pruning would allow on the next access.
package window

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/traylinx/loopguard/internal/fingerprint"
)

var (
	// ErrPersistenceDegraded marks a mutation whose in-memory result is valid but
	// could not be made durable. Detection across a restart is not guaranteed.
	ErrPersistenceDegraded = errors.New("window: persistence degraded")

	// ErrCorruptSnapshot is returned by persisters whose stored snapshot cannot be decoded.
	ErrCorruptSnapshot = errors.New("window: corrupt snapshot")

	// ErrInvalidKey is returned when a serialized key cannot be parsed.
	ErrInvalidKey = errors.New("window: invalid key")
)

// Key identifies one occurrence counter.
type Key struct {
	Agent       string
	Fingerprint fingerprint.Fingerprint
}

// String returns the serialized "agent:fingerprint" form.
func (k Key) String() string {
	return k.Agent + ":" + string(k.Fingerprint)
}

// ParseKey parses the "agent:fingerprint" form. The split happens on the last
// colon, so agent ids may themselves contain colons.
func ParseKey(s string) (Key, error) {
	i := strings.LastIndex(s, ":")
	if i <= 0 || i == len(s)-1 {
		return Key{}, fmt.Errorf("%w: %q", ErrInvalidKey, s)
	}
	fp := s[i+1:]
	if !fingerprint.Valid(fp) {
		return Key{}, fmt.Errorf("%w: bad fingerprint in %q", ErrInvalidKey, s)
	}
	return Key{Agent: s[:i], Fingerprint: fingerprint.Fingerprint(fp)}, nil
}

// Snapshot is the durable form of the whole store: serialized key to ordered
// timestamps in seconds since the epoch.
type Snapshot map[string][]float64

// Stats is the read-only view of one live record.
type Stats struct {
	Count     int       `json:"count"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

// Persister is the storage port of the Store.
type Persister interface {
	// Load returns the stored snapshot. A missing snapshot is not an error.
	Load() (Snapshot, error)
	// Save durably replaces the stored snapshot.
	Save(Snapshot) error
}

func toSeconds(t time.Time) float64 {
	return float64(t.Unix()) + float64(t.Nanosecond())/1e9
}

func fromSeconds(f float64) (time.Time, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f < 0 {
		return time.Time{}, false
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(math.Round(frac*1e9))), true
}
