// Copyright 2026 The loopguard Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package util

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNewStateBox_DefaultPath(t *testing.T) {
	t.Setenv(EnvStateDir, "")
	t.Setenv(EnvReadOnly, "")

	sb, err := NewStateBox("")
	if err != nil {
		t.Fatalf("NewStateBox() failed: %v", err)
	}

	wd, _ := os.Getwd()
	expected := filepath.Join(wd, DefaultStateDir)
	if sb.RootPath() != expected {
		t.Errorf("Expected root path %s, got %s", expected, sb.RootPath())
	}
	if sb.IsReadOnly() {
		t.Error("Expected read-write mode by default")
	}
}

func TestNewStateBox_EnvVarOverride(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv(EnvStateDir, tempDir)

	sb, err := NewStateBox("")
	if err != nil {
		t.Fatalf("NewStateBox() failed: %v", err)
	}
	if sb.RootPath() != tempDir {
		t.Errorf("Expected root path %s, got %s", tempDir, sb.RootPath())
	}
}

func TestNewStateBox_ExplicitDirWins(t *testing.T) {
	envDir := t.TempDir()
	explicit := t.TempDir()
	t.Setenv(EnvStateDir, envDir)

	sb, err := NewStateBox(explicit)
	if err != nil {
		t.Fatalf("NewStateBox() failed: %v", err)
	}
	if sb.RootPath() != explicit {
		t.Errorf("Expected root path %s, got %s", explicit, sb.RootPath())
	}
}

func TestNewStateBox_TildeExpansion(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory available")
	}

	sb, err := NewStateBox("~/.loopguard-test")
	if err != nil {
		t.Fatalf("NewStateBox() failed: %v", err)
	}
	expected := filepath.Join(home, ".loopguard-test")
	if sb.RootPath() != expected {
		t.Errorf("Expected root path %s, got %s", expected, sb.RootPath())
	}
}

func TestNewStateBox_ReadOnlyMode(t *testing.T) {
	t.Setenv(EnvReadOnly, "1")

	sb, err := NewStateBox(t.TempDir())
	if err != nil {
		t.Fatalf("NewStateBox() failed: %v", err)
	}
	if !sb.IsReadOnly() {
		t.Error("Expected read-only mode when LOOPGUARD_READONLY=1")
	}
}

func TestStateBox_FileAccessors(t *testing.T) {
	tempDir := t.TempDir()
	sb, err := NewStateBox(tempDir)
	if err != nil {
		t.Fatalf("NewStateBox() failed: %v", err)
	}

	cases := map[string]string{
		sb.SnapshotPath():  filepath.Join(tempDir, "error_loops.json"),
		sb.TelemetryPath(): filepath.Join(tempDir, "error_loops_detected.jsonl"),
		sb.MemoryDBPath():  filepath.Join(tempDir, "loopguard_memory.db"),
	}
	for got, want := range cases {
		if got != want {
			t.Errorf("Expected %s, got %s", want, got)
		}
	}
}

func TestStateBox_ResolvePath(t *testing.T) {
	tempDir := t.TempDir()
	sb, _ := NewStateBox(tempDir)

	tests := []struct {
		input    string
		expected string
	}{
		{"", tempDir},
		{"snapshots/a.json", filepath.Join(tempDir, "snapshots/a.json")},
		{"/etc/loopguard.yaml", "/etc/loopguard.yaml"},
	}
	for _, tt := range tests {
		if got := sb.ResolvePath(tt.input); got != tt.expected {
			t.Errorf("ResolvePath(%q) = %s, expected %s", tt.input, got, tt.expected)
		}
	}
}

func TestStateBox_EnsureDir(t *testing.T) {
	tempDir := t.TempDir()
	sb, _ := NewStateBox(tempDir)

	target := filepath.Join(tempDir, "a", "b")
	if err := sb.EnsureDir(target); err != nil {
		t.Fatalf("EnsureDir() failed: %v", err)
	}
	info, err := os.Stat(target)
	if err != nil {
		t.Fatalf("Directory not created: %v", err)
	}
	if info.Mode().Perm() != 0700 {
		t.Errorf("Expected 0700 permissions, got %o", info.Mode().Perm())
	}

	// Idempotent
	if err := sb.EnsureDir(target); err != nil {
		t.Errorf("second EnsureDir() failed: %v", err)
	}
}

func TestStateBox_EnsureDir_FileExists(t *testing.T) {
	tempDir := t.TempDir()
	sb, _ := NewStateBox(tempDir)

	filePath := filepath.Join(tempDir, "file")
	if err := os.WriteFile(filePath, []byte("x"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := sb.EnsureDir(filePath); err == nil {
		t.Error("Expected error when path is a regular file")
	}
}

func TestStateBox_EnsureDir_ReadOnly(t *testing.T) {
	sb, _ := NewStateBox(t.TempDir())
	sb.SetReadOnly(true)

	if err := sb.EnsureDir(filepath.Join(sb.RootPath(), "x")); err != ErrReadOnlyMode {
		t.Errorf("Expected ErrReadOnlyMode, got %v", err)
	}
}
