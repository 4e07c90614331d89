// Copyright 2026 The loopguard Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package window

import (
	"fmt"
	"os"
	"sync"

	"github.com/goccy/go-json"
	log "github.com/sirupsen/logrus"

	"github.com/traylinx/loopguard/internal/util"
)

// FilePersister stores the snapshot as a JSON object in a single file,
// replaced atomically on every save.
type FilePersister struct {
	path string
	sb   *util.StateBox
}

// NewFilePersister creates a persister for path. sb may be nil; when set, its
// read-only flag is honoured on save.
func NewFilePersister(path string, sb *util.StateBox) *FilePersister {
	return &FilePersister{path: path, sb: sb}
}

// Path returns the snapshot file path.
func (p *FilePersister) Path() string {
	return p.path
}

// Load reads the snapshot. A missing or empty file yields an empty snapshot.
// An undecodable file is moved aside to <path>.corrupt and ErrCorruptSnapshot is returned.
func (p *FilePersister) Load() (Snapshot, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		if os.IsNotExist(err) {
			return Snapshot{}, nil
		}
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}
	if len(data) == 0 {
		return Snapshot{}, nil
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		if target, mvErr := util.MoveAside(p.sb, p.path, ".corrupt"); mvErr == nil {
			log.Warnf("moved corrupt snapshot to %s", target)
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptSnapshot, p.path, err)
	}
	if snap == nil {
		snap = Snapshot{}
	}
	return snap, nil
}

// Save atomically replaces the snapshot file.
func (p *FilePersister) Save(snap Snapshot) error {
	return util.SecureWriteJSON(p.sb, p.path, snap, 0)
}

// MemoryPersister keeps the snapshot in memory. Failures can be injected to
// exercise the degraded path.
type MemoryPersister struct {
	mu        sync.Mutex
	snap      Snapshot
	loadErr   error
	failSaves int
	saveErr   error
	saves     int
}

// NewMemoryPersister creates an in-memory persister seeded with snap.
func NewMemoryPersister(snap Snapshot) *MemoryPersister {
	if snap == nil {
		snap = Snapshot{}
	}
	return &MemoryPersister{snap: snap}
}

// FailLoad makes the next Load calls return err.
func (m *MemoryPersister) FailLoad(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loadErr = err
}

// FailSaves makes the next n Save calls return err.
func (m *MemoryPersister) FailSaves(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failSaves = n
	m.saveErr = err
}

// Saves returns the number of Save calls, failed ones included.
func (m *MemoryPersister) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

// Load returns a copy of the held snapshot.
func (m *MemoryPersister) Load() (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	return copySnapshot(m.snap), nil
}

// Save replaces the held snapshot unless a failure is pending.
func (m *MemoryPersister) Save(snap Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	if m.failSaves > 0 {
		m.failSaves--
		return m.saveErr
	}
	m.snap = copySnapshot(snap)
	return nil
}

func copySnapshot(snap Snapshot) Snapshot {
	out := make(Snapshot, len(snap))
	for k, v := range snap {
		c := make([]float64, len(v))
		copy(c, v)
		out[k] = c
	}
	return out
}
