// Copyright 2026 The loopguard Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package config loads loopguard settings from an optional YAML file, a .env
// file and the environment. Environment values override the file; command
// line flags are applied last by the caller.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/traylinx/loopguard/internal/dispatch"
	"github.com/traylinx/loopguard/internal/telemetry"
	"github.com/traylinx/loopguard/internal/util"
)

const (
	EnvConfig     = "LOOPGUARD_CONFIG"
	EnvThreshold  = "LOOPGUARD_THRESHOLD"
	EnvTimeWindow = "LOOPGUARD_TIME_WINDOW"
	EnvLogLevel   = "LOOPGUARD_LOG_LEVEL"

	// DefaultConfigFile is looked up in the working directory.
	DefaultConfigFile = "loopguard.yaml"

	DefaultThreshold  = 3
	DefaultTimeWindow = 300 * time.Second
	DefaultServerAddr = ":8390"
)

// Config is the complete loopguard configuration.
type Config struct {
	// Threshold is the number of identical errors inside the window that
	// constitutes a loop.
	Threshold int `yaml:"threshold"`

	// TimeWindow is the sliding window length.
	TimeWindow Duration `yaml:"time-window"`

	// StateDir holds the snapshot, detection log and memory database.
	StateDir string `yaml:"state-dir"`

	// ReadOnly disables every write below StateDir.
	ReadOnly bool `yaml:"read-only"`

	// LogLevel is a logrus level name.
	LogLevel string `yaml:"log-level"`

	// LoggingToFile writes the process log to <state-dir>/loopguard.log instead of stdout.
	LoggingToFile bool `yaml:"logging-to-file"`

	// LogsMaxSizeMB is the rotation size of the process log file.
	LogsMaxSizeMB int `yaml:"logs-max-size-mb"`

	Telemetry telemetry.Config `yaml:"telemetry"`
	Dispatch  DispatchConfig   `yaml:"dispatch"`
	Memory    MemoryConfig     `yaml:"memory"`
	Server    ServerConfig     `yaml:"server"`
	Watch     WatchConfig      `yaml:"watch"`
}

// DispatchConfig configures intervention delivery.
type DispatchConfig struct {
	dispatch.TransportConfig `yaml:",inline"`

	// QueueSize is the number of interventions that may wait for delivery.
	QueueSize int `yaml:"queue-size"`

	// Timeout bounds one delivery.
	Timeout Duration `yaml:"timeout"`

	// Policy is an optional expr condition; interventions for which it is
	// false are suppressed.
	Policy string `yaml:"policy"`
}

// MemoryConfig configures the SQLite event memory.
type MemoryConfig struct {
	Enabled       bool `yaml:"enabled"`
	RetentionDays int  `yaml:"retention-days"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// WatchConfig configures error log ingestion.
type WatchConfig struct {
	File      string `yaml:"file"`
	FromStart bool   `yaml:"from-start"`
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg := &Config{}
	cfg.Threshold = DefaultThreshold
	cfg.TimeWindow = Duration(DefaultTimeWindow)
	cfg.StateDir = util.DefaultStateDir
	cfg.LogLevel = "info"
	cfg.LogsMaxSizeMB = 10
	cfg.Telemetry.Enabled = true
	cfg.Dispatch.Kind = dispatch.TransportLog
	cfg.Dispatch.QueueSize = dispatch.DefaultQueueSize
	cfg.Dispatch.Timeout = Duration(dispatch.DefaultDeliveryTimeout)
	cfg.Memory.Enabled = true
	cfg.Memory.RetentionDays = 90
	cfg.Server.Addr = DefaultServerAddr
	cfg.Watch.File = filepath.Join(util.DefaultStateDir, "errors_all.jsonl")
	return cfg
}

// Load reads configFile over the defaults. When optional is set, a missing
// file yields the defaults.
func Load(configFile string, optional bool) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(configFile)
	if err != nil {
		if optional && (os.IsNotExist(err) || errors.Is(err, syscall.EISDIR)) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return cfg, nil
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}

// ResolveFile returns the config file to read: the flag value, then
// LOOPGUARD_CONFIG, then DefaultConfigFile. The second result reports whether
// the file was named explicitly and must exist.
func ResolveFile(flagValue string) (string, bool) {
	if flagValue != "" {
		return flagValue, true
	}
	if env := strings.TrimSpace(os.Getenv(EnvConfig)); env != "" {
		return env, true
	}
	return DefaultConfigFile, false
}

// LoadDotEnv loads dir/.env into the environment without overriding
// variables that are already set. A missing file is ignored.
func LoadDotEnv(dir string) {
	path := filepath.Join(dir, ".env")
	if err := godotenv.Load(path); err != nil {
		if !os.IsNotExist(err) {
			log.WithError(err).Warnf("failed to load %s", path)
		}
		return
	}
	log.Debugf("loaded environment from %s", path)
}

// ApplyEnv overrides settings from the environment.
func (cfg *Config) ApplyEnv() error {
	return cfg.applyEnv(os.LookupEnv)
}

func (cfg *Config) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookupTrimmed(lookup, EnvThreshold); ok {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return fmt.Errorf("%s must be a positive integer, got %q", EnvThreshold, v)
		}
		cfg.Threshold = n
	}
	if v, ok := lookupTrimmed(lookup, EnvTimeWindow); ok {
		d, err := ParseDuration(v)
		if err != nil || d <= 0 {
			return fmt.Errorf("%s must be a positive duration or number of seconds, got %q", EnvTimeWindow, v)
		}
		cfg.TimeWindow = Duration(d)
	}
	if v, ok := lookupTrimmed(lookup, util.EnvStateDir); ok {
		cfg.StateDir = v
	}
	if v, ok := lookupTrimmed(lookup, util.EnvReadOnly); ok {
		cfg.ReadOnly = v == "1" || strings.EqualFold(v, "true")
	}
	if v, ok := lookupTrimmed(lookup, EnvLogLevel); ok {
		cfg.LogLevel = v
	}
	return nil
}

func lookupTrimmed(lookup func(string) (string, bool), key string) (string, bool) {
	v, ok := lookup(key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

// Sanitize replaces out-of-range values with defaults.
func (cfg *Config) Sanitize() {
	if cfg == nil {
		return
	}
	if cfg.Threshold < 1 {
		log.Warnf("invalid threshold %d, using %d", cfg.Threshold, DefaultThreshold)
		cfg.Threshold = DefaultThreshold
	}
	if cfg.TimeWindow <= 0 {
		log.Warnf("invalid time window %s, using %s", cfg.TimeWindow, DefaultTimeWindow)
		cfg.TimeWindow = Duration(DefaultTimeWindow)
	}
	cfg.StateDir = strings.TrimSpace(cfg.StateDir)
	if cfg.StateDir == "" {
		cfg.StateDir = util.DefaultStateDir
	}
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if _, err := log.ParseLevel(cfg.LogLevel); err != nil {
		cfg.LogLevel = "info"
	}
	if cfg.LogsMaxSizeMB <= 0 {
		cfg.LogsMaxSizeMB = 10
	}
	if cfg.Dispatch.QueueSize <= 0 {
		cfg.Dispatch.QueueSize = dispatch.DefaultQueueSize
	}
	if cfg.Dispatch.Timeout <= 0 {
		cfg.Dispatch.Timeout = Duration(dispatch.DefaultDeliveryTimeout)
	}
	cfg.Dispatch.Kind = strings.ToLower(strings.TrimSpace(cfg.Dispatch.Kind))
	if cfg.Dispatch.Kind == "" {
		cfg.Dispatch.Kind = dispatch.TransportLog
	}
	if cfg.Memory.RetentionDays <= 0 {
		cfg.Memory.RetentionDays = 90
	}
	if strings.TrimSpace(cfg.Server.Addr) == "" {
		cfg.Server.Addr = DefaultServerAddr
	}
}

// Window returns TimeWindow as a time.Duration.
func (cfg *Config) Window() time.Duration {
	return time.Duration(cfg.TimeWindow)
}
