// Copyright 2026 The loopguard Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package memory keeps a long-term record of detector events in SQLite so
// that recurring loops can be analyzed after the fact.
package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
	log "github.com/sirupsen/logrus"

	"github.com/traylinx/loopguard/internal/telemetry"
	"github.com/traylinx/loopguard/internal/util"
)

// DefaultRetentionDays is used when no retention is configured.
const DefaultRetentionDays = 90

// ErrNotEnabled is returned when the store has not been opened.
var ErrNotEnabled = errors.New("memory store not enabled")

const schema = `
CREATE TABLE IF NOT EXISTS loop_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp DATETIME NOT NULL,
	kind TEXT NOT NULL,
	agent TEXT NOT NULL,
	fingerprint_prefix TEXT NOT NULL,
	count INTEGER NOT NULL,
	window_seconds REAL NOT NULL,
	message TEXT,
	error TEXT,
	created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_loop_events_timestamp ON loop_events(timestamp);
CREATE INDEX IF NOT EXISTS idx_loop_events_agent ON loop_events(agent);
CREATE INDEX IF NOT EXISTS idx_loop_events_kind ON loop_events(kind);
`

// Record is one stored event.
type Record struct {
	ID                int64          `json:"id"`
	Timestamp         time.Time      `json:"timestamp"`
	Kind              telemetry.Kind `json:"kind"`
	Agent             string         `json:"agent"`
	FingerprintPrefix string         `json:"fingerprint_prefix"`
	Count             int            `json:"count"`
	WindowSeconds     float64        `json:"window_seconds"`
	Message           string         `json:"message"`
	Error             string         `json:"error,omitempty"`
}

// Store persists telemetry events. It implements telemetry.Sink.
type Store struct {
	db            *sql.DB
	path          string
	retentionDays int
	enabled       bool
	stateBox      *util.StateBox
	mu            sync.RWMutex
}

// Open opens or creates the database at path. With a read-only StateBox the
// database is opened with mode=ro and must already exist.
func Open(ctx context.Context, path string, sb *util.StateBox, retentionDays int) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("database path cannot be empty")
	}
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	s := &Store{path: path, retentionDays: retentionDays, stateBox: sb}

	readOnly := sb != nil && sb.IsReadOnly()
	dir := filepath.Dir(path)
	if readOnly {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("database does not exist in read-only mode: %w", err)
		}
	} else if sb != nil {
		if err := sb.EnsureDir(dir); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	} else if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	dsn := path
	if readOnly {
		dsn = fmt.Sprintf("file:%s?mode=ro", path)
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if !readOnly {
		if _, err := db.ExecContext(ctx, schema); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create schema: %w", err)
		}
	}

	s.db = db
	s.enabled = true
	log.Debugf("memory store opened (db: %s, retention: %d days, read-only: %t)", path, retentionDays, readOnly)
	return s, nil
}

// NewWithDB wraps an open database whose schema already exists.
func NewWithDB(db *sql.DB, retentionDays int) *Store {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	return &Store{db: db, retentionDays: retentionDays, enabled: db != nil}
}

// Path returns the database path.
func (s *Store) Path() string {
	return s.path
}

// Record stores e.
func (s *Store) Record(ctx context.Context, e telemetry.Event) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.enabled {
		return ErrNotEnabled
	}
	if s.stateBox != nil && s.stateBox.IsReadOnly() {
		return util.ErrReadOnlyMode
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
	INSERT INTO loop_events (
		timestamp, kind, agent, fingerprint_prefix, count, window_seconds, message, error
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Timestamp.UTC(),
		string(e.Kind),
		e.Agent,
		e.FingerprintPrefix,
		e.Count,
		e.WindowSeconds,
		e.TruncatedMessage,
		e.Error,
	)
	if err != nil {
		return fmt.Errorf("failed to insert loop event: %w", err)
	}
	return nil
}

// Emit implements telemetry.Sink. Failures are logged.
func (s *Store) Emit(ctx context.Context, e telemetry.Event) {
	if err := s.Record(ctx, e); err != nil && !errors.Is(err, util.ErrReadOnlyMode) {
		log.WithFields(log.Fields{
			"agent": e.Agent,
			"kind":  e.Kind,
		}).WithError(err).Warn("failed to store event in memory")
	}
}

// History returns the most recent events, newest first. An empty agent
// returns events of every agent. Only loop_detected events are returned
// unless all is set.
func (s *Store) History(ctx context.Context, agent string, limit int, all bool) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.enabled {
		return nil, ErrNotEnabled
	}
	if limit <= 0 {
		limit = 20
	}

	query := `
	SELECT id, timestamp, kind, agent, fingerprint_prefix, count, window_seconds, message, error
	FROM loop_events
	WHERE (? = '' OR agent = ?) AND (? OR kind = ?)
	ORDER BY timestamp DESC, id DESC
	LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, agent, agent, all, string(telemetry.KindLoopDetected), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query loop events: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var r Record
		var kind string
		var message, errText sql.NullString
		if err := rows.Scan(&r.ID, &r.Timestamp, &kind, &r.Agent, &r.FingerprintPrefix,
			&r.Count, &r.WindowSeconds, &message, &errText); err != nil {
			log.Warnf("failed to scan loop event: %v", err)
			continue
		}
		r.Kind = telemetry.Kind(kind)
		r.Message = message.String
		r.Error = errText.String
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating loop events: %w", err)
	}
	return records, nil
}

// CountByAgent returns the number of loop_detected events per agent.
func (s *Store) CountByAgent(ctx context.Context) (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.enabled {
		return nil, ErrNotEnabled
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT agent, COUNT(*) FROM loop_events WHERE kind = ? GROUP BY agent",
		string(telemetry.KindLoopDetected))
	if err != nil {
		return nil, fmt.Errorf("failed to count loop events: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var agent string
		var n int64
		if err := rows.Scan(&agent, &n); err != nil {
			continue
		}
		out[agent] = n
	}
	return out, rows.Err()
}

// Cleanup removes events older than the retention period.
func (s *Store) Cleanup(ctx context.Context, now time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.enabled {
		return 0, ErrNotEnabled
	}
	if s.stateBox != nil && s.stateBox.IsReadOnly() {
		return 0, util.ErrReadOnlyMode
	}

	cutoff := now.AddDate(0, 0, -s.retentionDays).UTC()
	result, err := s.db.ExecContext(ctx, "DELETE FROM loop_events WHERE timestamp < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up loop events: %w", err)
	}
	n, err := result.RowsAffected()
	if err == nil && n > 0 {
		log.Infof("cleaned up %d loop events older than %d days", n, s.retentionDays)
	}
	return n, nil
}

// Close closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.enabled {
		return nil
	}
	s.enabled = false
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			return fmt.Errorf("failed to close database: %w", err)
		}
	}
	return nil
}
