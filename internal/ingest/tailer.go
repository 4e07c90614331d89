// Copyright 2026 The loopguard Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package ingest

import (
	"bytes"
	"fmt"
	"io"
	"os"
)

// maxPartial bounds a line that has not been terminated yet.
const maxPartial = 1 << 20

// Tailer reads complete lines appended to a file since the last read.
// It is not safe for concurrent use.
type Tailer struct {
	path    string
	offset  int64
	partial []byte
}

// NewTailer creates a tailer. With fromStart unset, existing content is
// skipped and only lines appended later are returned.
func NewTailer(path string, fromStart bool) *Tailer {
	t := &Tailer{path: path}
	if !fromStart {
		if fi, err := os.Stat(path); err == nil {
			t.offset = fi.Size()
		}
	}
	return t
}

// Offset returns the byte offset consumed so far.
func (t *Tailer) Offset() int64 {
	return t.offset
}

// ReadLines returns the complete lines appended since the previous call.
// A missing file yields no lines. A file shorter than the consumed offset is
// treated as truncated or rotated and read from the beginning.
func (t *Tailer) ReadLines() ([][]byte, error) {
	f, err := os.Open(t.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open %s: %w", t.path, err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if fi.Size() < t.offset {
		t.offset = 0
		t.partial = nil
	}
	if fi.Size() == t.offset {
		return nil, nil
	}

	if _, err := f.Seek(t.offset, io.SeekStart); err != nil {
		return nil, err
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	t.offset += int64(len(data))

	buf := append(t.partial, data...)
	var lines [][]byte
	for {
		i := bytes.IndexByte(buf, '\n')
		if i < 0 {
			break
		}
		if line := bytes.TrimSpace(buf[:i]); len(line) > 0 {
			lines = append(lines, append([]byte(nil), line...))
		}
		buf = buf[i+1:]
	}
	if len(buf) > maxPartial {
		buf = nil
	}
	t.partial = append([]byte(nil), buf...)
	return lines, nil
}

// ReadEntries returns the parsed error entries appended since the previous call.
func (t *Tailer) ReadEntries() ([]Entry, error) {
	lines, err := t.ReadLines()
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(lines))
	for _, line := range lines {
		if e, ok := ParseLine(line); ok {
			entries = append(entries, e)
		}
	}
	return entries, nil
}
