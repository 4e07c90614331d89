// Copyright 2026 The loopguard Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package util provides state directory resolution and durable file writes for loopguard.
package util

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const (
	// EnvStateDir overrides the state directory.
	EnvStateDir = "LOOPGUARD_STATE_DIR"
	// EnvReadOnly disables every write to the state directory when set to "1".
	EnvReadOnly = "LOOPGUARD_READONLY"

	// DefaultStateDir is relative to the working directory so that each agent-owning
	// project keeps its own history.
	DefaultStateDir = "logs"

	snapshotFileName  = "error_loops.json"
	telemetryFileName = "error_loops_detected.jsonl"
	memoryFileName    = "loopguard_memory.db"
)

// StateBox manages the canonical state directory for loopguard.
// The window snapshot, the detection log and the memory database all live below it.
type StateBox struct {
	rootPath string
	readOnly bool
	mu       sync.RWMutex
}

// NewStateBox creates a StateBox from LOOPGUARD_STATE_DIR and LOOPGUARD_READONLY.
// An empty dir argument defers to the environment, then to DefaultStateDir.
func NewStateBox(dir string) (*StateBox, error) {
	if dir == "" {
		dir = os.Getenv(EnvStateDir)
	}
	if dir == "" {
		dir = DefaultStateDir
	}

	resolvedPath, err := ExpandPath(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve state directory: %w", err)
	}

	return &StateBox{
		rootPath: resolvedPath,
		readOnly: os.Getenv(EnvReadOnly) == "1",
	}, nil
}

// ExpandPath expands a leading tilde and returns an absolute, cleaned path.
func ExpandPath(path string) (string, error) {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	return filepath.Clean(abs), nil
}

// RootPath returns the resolved state directory.
func (sb *StateBox) RootPath() string {
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	return sb.rootPath
}

// IsReadOnly returns whether writes are disabled.
func (sb *StateBox) IsReadOnly() bool {
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	return sb.readOnly
}

// SetReadOnly toggles read-only mode.
func (sb *StateBox) SetReadOnly(readOnly bool) {
	sb.mu.Lock()
	sb.readOnly = readOnly
	sb.mu.Unlock()
}

// SnapshotPath is where the window store snapshot is persisted.
func (sb *StateBox) SnapshotPath() string {
	return filepath.Join(sb.RootPath(), snapshotFileName)
}

// TelemetryPath is the append-only detection log.
func (sb *StateBox) TelemetryPath() string {
	return filepath.Join(sb.RootPath(), telemetryFileName)
}

// MemoryDBPath is the SQLite database of the memory sink.
func (sb *StateBox) MemoryDBPath() string {
	return filepath.Join(sb.RootPath(), memoryFileName)
}

// ResolvePath joins a relative path with the state directory.
// Absolute and tilde paths are returned expanded and cleaned.
func (sb *StateBox) ResolvePath(relativePath string) string {
	if relativePath == "" {
		return sb.RootPath()
	}

	if strings.HasPrefix(relativePath, "~") || filepath.IsAbs(relativePath) {
		cleaned, err := ExpandPath(relativePath)
		if err != nil {
			return filepath.Clean(relativePath)
		}
		return cleaned
	}

	return filepath.Join(sb.RootPath(), relativePath)
}

// EnsureDir creates a directory with 0700 permissions if it doesn't exist.
func (sb *StateBox) EnsureDir(path string) error {
	if sb.IsReadOnly() {
		return ErrReadOnlyMode
	}

	info, err := os.Stat(path)
	if err == nil {
		if !info.IsDir() {
			return fmt.Errorf("path exists but is not a directory: %s", path)
		}
		return nil
	}

	if !os.IsNotExist(err) {
		return fmt.Errorf("failed to stat directory %s: %w", path, err)
	}

	if err := os.MkdirAll(path, 0700); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", path, err)
	}

	return nil
}
