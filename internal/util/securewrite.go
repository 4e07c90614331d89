// Copyright 2026 The loopguard Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package util

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// ErrReadOnlyMode is returned when a write is attempted while the state directory is read-only.
var ErrReadOnlyMode = errors.New("read-only state directory: write operations disabled")

// DefaultFileMode is used when SecureWrite is called with a zero mode.
const DefaultFileMode os.FileMode = 0600

// SecureWrite atomically replaces path with data using the rename-swap pattern:
// write a uniquely named temp file, fsync it, rename it over the target, then
// fsync the directory. Readers never observe a partially written file.
//
// A nil sb skips the read-only check.
func SecureWrite(sb *StateBox, path string, data []byte, perm os.FileMode) error {
	if sb != nil && sb.IsReadOnly() {
		return ErrReadOnlyMode
	}
	if perm == 0 {
		perm = DefaultFileMode
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	tempPath := fmt.Sprintf("%s.tmp.%s", path, uuid.New().String())
	tempFile, err := os.OpenFile(tempPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return fmt.Errorf("failed to create temp file %s: %w", tempPath, err)
	}

	cleanupTemp := true
	defer func() {
		if cleanupTemp {
			_ = os.Remove(tempPath)
		}
	}()

	if _, err := tempFile.Write(data); err != nil {
		tempFile.Close()
		return fmt.Errorf("failed to write to temp file: %w", err)
	}
	if err := tempFile.Sync(); err != nil {
		tempFile.Close()
		return fmt.Errorf("failed to fsync temp file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("failed to rename temp file to target: %w", err)
	}
	cleanupTemp = false

	// The file is in place; a failed directory sync only weakens crash durability.
	if err := syncDir(dir); err != nil {
		log.Debugf("failed to sync directory %s: %v", dir, err)
	}

	return nil
}

// SecureWriteJSON marshals v with indentation and writes it with SecureWrite.
func SecureWriteJSON(sb *StateBox, path string, v interface{}, perm os.FileMode) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	data = append(data, '\n')
	return SecureWrite(sb, path, data, perm)
}

// MoveAside renames path to path+suffix, replacing any previous file with that name.
// It is used to keep a copy of unreadable state for later inspection.
func MoveAside(sb *StateBox, path, suffix string) (string, error) {
	if sb != nil && sb.IsReadOnly() {
		return "", ErrReadOnlyMode
	}
	target := path + suffix
	if err := os.Rename(path, target); err != nil {
		return "", fmt.Errorf("failed to move %s aside: %w", path, err)
	}
	return target, nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
