// Copyright 2026 The loopguard Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package api

import (
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/traylinx/loopguard/internal/util"
)

// StateStatus describes the state directory for API responses.
type StateStatus struct {
	RootPath         string      `json:"root_path"`
	ReadOnly         bool        `json:"read_only"`
	Snapshot         *FileStatus `json:"snapshot"`
	DetectionLog     *FileStatus `json:"detection_log"`
	MemoryDatabase   *FileStatus `json:"memory_database"`
	PermissionStatus string      `json:"permission_status"` // "ok", "warning", "error"
	Warnings         []string    `json:"warnings,omitempty"`
	Errors           []string    `json:"errors,omitempty"`
}

// FileStatus represents the status of a state file.
type FileStatus struct {
	Path    string    `json:"path"`
	Exists  bool      `json:"exists"`
	Size    int64     `json:"size"`
	Mode    string    `json:"mode"`
	ModTime time.Time `json:"mod_time,omitempty"`
}

func getFileStatus(path string) *FileStatus {
	status := &FileStatus{Path: path}

	info, err := os.Stat(path)
	if err != nil {
		return status
	}

	status.Exists = true
	status.Size = info.Size()
	status.Mode = info.Mode().String()
	status.ModTime = info.ModTime()
	return status
}

// StateStatusHandler returns a handler for GET /v1/state. detectionLog is the
// configured detection log path; empty means the StateBox default.
func StateStatusHandler(sb *util.StateBox, detectionLog string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if sb == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "state directory not initialized"})
			return
		}

		status := &StateStatus{
			RootPath:         sb.RootPath(),
			ReadOnly:         sb.IsReadOnly(),
			PermissionStatus: "ok",
			Warnings:         []string{},
			Errors:           []string{},
		}

		if _, err := os.Stat(sb.RootPath()); err != nil {
			if os.IsNotExist(err) {
				status.Warnings = append(status.Warnings, "state directory does not exist")
				status.PermissionStatus = "warning"
			} else {
				status.Errors = append(status.Errors, "failed to access state directory")
				status.PermissionStatus = "error"
			}
		}

		status.Snapshot = getFileStatus(sb.SnapshotPath())
		logPath := detectionLog
		if logPath == "" {
			logPath = sb.TelemetryPath()
		}
		status.DetectionLog = getFileStatus(logPath)
		status.MemoryDatabase = getFileStatus(sb.MemoryDBPath())

		for name, fs := range map[string]*FileStatus{
			"snapshot":        status.Snapshot,
			"memory database": status.MemoryDatabase,
		} {
			if !fs.Exists {
				continue
			}
			if info, err := os.Stat(fs.Path); err == nil && info.Mode().Perm()&0077 != 0 {
				status.Warnings = append(status.Warnings, name+" has overly permissive permissions")
				if status.PermissionStatus == "ok" {
					status.PermissionStatus = "warning"
				}
			}
		}

		c.JSON(http.StatusOK, status)
	}
}
