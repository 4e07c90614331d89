// Copyright 2026 The loopguard Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package ingest

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// Handler receives every error entry read from the log.
type Handler func(ctx context.Context, e Entry)

// Watcher follows a log file with fsnotify and hands new entries to a handler.
type Watcher struct {
	path    string
	tailer  *Tailer
	handler Handler
	poll    time.Duration
}

// NewWatcher creates a watcher for path. With fromStart set, entries already
// present in the file are processed first.
func NewWatcher(path string, fromStart bool, handler Handler) *Watcher {
	return &Watcher{
		path:    path,
		tailer:  NewTailer(path, fromStart),
		handler: handler,
		poll:    5 * time.Second,
	}
}

// SetPollInterval sets the fallback poll period used in addition to
// filesystem notifications.
func (w *Watcher) SetPollInterval(d time.Duration) {
	if d > 0 {
		w.poll = d
	}
}

// Run processes the log until ctx is done. The parent directory is watched so
// the file may be created or rotated while running.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	dir := filepath.Dir(w.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	log.Infof("watching %s for agent errors", w.path)

	w.drain(ctx)

	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()

	target := filepath.Clean(w.path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				w.drain(ctx)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Errorf("error log watcher error: %v", err)
		case <-ticker.C:
			w.drain(ctx)
		}
	}
}

func (w *Watcher) drain(ctx context.Context) {
	entries, err := w.tailer.ReadEntries()
	if err != nil {
		log.WithError(err).Warn("failed to read error log")
		return
	}
	for _, e := range entries {
		w.handler(ctx, e)
	}
}
