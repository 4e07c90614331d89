// Copyright 2026 The loopguard Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package telemetry

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/goccy/go-json"
	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config holds configuration for the JSONL file sink.
type Config struct {
	// Enabled toggles the file sink. A disabled sink only logs.
	Enabled bool `yaml:"enabled"`

	// Path is the JSONL file path.
	Path string `yaml:"path"`

	// MaxSizeMB is the size in megabytes before rotation. Default: 50.
	MaxSizeMB int `yaml:"max-size-mb"`

	// MaxBackups is the number of rotated files to retain. Default: 5.
	MaxBackups int `yaml:"max-backups"`

	// MaxAgeDays is the number of days to retain rotated files. Default: 30.
	MaxAgeDays int `yaml:"max-age-days"`

	// Compress gzips rotated files.
	Compress bool `yaml:"compress"`
}

// FileSink appends events as JSON lines to a rotating file.
type FileSink struct {
	mu       sync.Mutex
	encoder  *json.Encoder
	file     *lumberjack.Logger
	enabled  bool
	path     string
	fallback *log.Logger
}

// NewFileSink creates a file sink. A disabled config yields a sink that
// reports events through the process log only.
func NewFileSink(cfg Config) (*FileSink, error) {
	if !cfg.Enabled || cfg.Path == "" {
		return &FileSink{fallback: log.StandardLogger()}, nil
	}

	if cfg.MaxSizeMB == 0 {
		cfg.MaxSizeMB = 50
	}
	if cfg.MaxBackups == 0 {
		cfg.MaxBackups = 5
	}
	if cfg.MaxAgeDays == 0 {
		cfg.MaxAgeDays = 30
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0700); err != nil {
		return nil, err
	}

	file := &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}

	return &FileSink{
		encoder:  json.NewEncoder(file),
		file:     file,
		enabled:  true,
		path:     cfg.Path,
		fallback: log.StandardLogger(),
	}, nil
}

// Path returns the JSONL file path, empty when disabled.
func (s *FileSink) Path() string {
	return s.path
}

// Emit writes e as one JSON line. Write failures are logged, never returned.
func (s *FileSink) Emit(_ context.Context, e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	if !s.enabled {
		s.fallback.WithFields(fields(e)).Debug("telemetry event")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.encoder.Encode(e); err != nil {
		f := fields(e)
		f["error"] = err.Error()
		s.fallback.WithFields(f).Error("failed to write telemetry event")
	}
}

// Close flushes and closes the underlying file.
func (s *FileSink) Close() error {
	if !s.enabled || s.file == nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.file.Close()
}

func fields(e Event) log.Fields {
	f := log.Fields{
		"kind":        e.Kind,
		"agent":       e.Agent,
		"fingerprint": e.FingerprintPrefix,
		"count":       e.Count,
	}
	if e.Error != "" {
		f["cause"] = e.Error
	}
	return f
}
