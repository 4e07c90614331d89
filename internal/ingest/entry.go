// Copyright 2026 The loopguard Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package ingest reads the structured error log agents write
// (errors_all.jsonl) and turns each logged error into a detector check.
package ingest

import (
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// DefaultFile is the conventional name of the shared agent error log.
const DefaultFile = "errors_all.jsonl"

// Entry is one error taken from the log.
type Entry struct {
	Timestamp time.Time
	Level     string
	Agent     string
	// Message is the log message the agent wrote.
	Message string
	// ErrorText is what gets fingerprinted: "<ErrorType>: <error message>".
	ErrorText string
}

// ParseLine extracts an entry from one JSON log line. Lines that are not
// valid JSON, have no agent, or carry no error object are skipped.
func ParseLine(line []byte) (Entry, bool) {
	if len(line) == 0 || !gjson.ValidBytes(line) {
		return Entry{}, false
	}

	res := gjson.ParseBytes(line)
	agent := strings.TrimSpace(res.Get("agent").String())
	if agent == "" {
		return Entry{}, false
	}

	errObj := res.Get("error")
	if !errObj.Exists() {
		return Entry{}, false
	}

	var text string
	if errObj.IsObject() {
		errType := strings.TrimSpace(errObj.Get("type").String())
		errMsg := strings.TrimSpace(errObj.Get("message").String())
		switch {
		case errType != "" && errMsg != "":
			text = errType + ": " + errMsg
		case errType != "":
			text = errType
		default:
			text = errMsg
		}
	} else {
		text = strings.TrimSpace(errObj.String())
	}
	if text == "" {
		return Entry{}, false
	}

	e := Entry{
		Level:     strings.ToUpper(res.Get("level").String()),
		Agent:     agent,
		Message:   res.Get("message").String(),
		ErrorText: text,
	}
	if ts := res.Get("timestamp").String(); ts != "" {
		e.Timestamp = parseTimestamp(ts)
	}
	return e, true
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

func parseTimestamp(s string) time.Time {
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t
		}
	}
	return time.Time{}
}
