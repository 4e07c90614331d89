// Copyright 2026 The loopguard Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package fingerprint maps raw error text to a stable, fixed-width identity.
// Volatile substrings (timestamps, durations, line and column numbers) are
// stripped first so that repeats of the same failure collapse to one key.
package fingerprint

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Width is the number of hex characters in a Fingerprint.
const Width = 16

// Fingerprint identifies a normalized error message.
type Fingerprint string

// Short returns the first n characters, used for display and telemetry.
func (f Fingerprint) Short(n int) string {
	if n <= 0 || n >= len(f) {
		return string(f)
	}
	return string(f[:n])
}

// Empty is the fingerprint of an empty (or entirely volatile) message.
var Empty = Of("")

var (
	timestampPattern = regexp.MustCompile(`(?i)\d{4}-\d{2}-\d{2}[t ]?\d{2}:\d{2}:\d{2}(?:[.,]\d+)?(?:z|[+-]\d{2}:?\d{2})?`)
	durationPattern  = regexp.MustCompile(`(?i)\d+ms`)
	linePattern      = regexp.MustCompile(`(?i)line \d+`)
	columnPattern    = regexp.MustCompile(`(?i)column \d+`)
)

// Normalize strips volatile substrings, collapses whitespace and lower-cases.
// It is idempotent: Normalize(Normalize(s)) == Normalize(s).
func Normalize(raw string) string {
	s := collapse(raw)
	// Removing a token can splice its neighbours into a new one.
	for {
		next := collapse(durationPattern.ReplaceAllString(timestampPattern.ReplaceAllString(s, ""), ""))
		if next == s {
			break
		}
		s = next
	}
	s = linePattern.ReplaceAllString(s, "line X")
	s = columnPattern.ReplaceAllString(s, "column X")
	return strings.ToLower(s)
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// Of returns the fingerprint of raw.
func Of(raw string) Fingerprint {
	return Hash(Normalize(raw))
}

// Hash digests already-normalized text.
func Hash(normalized string) Fingerprint {
	return Fingerprint(fmt.Sprintf("%0*x", Width, xxhash.Sum64String(normalized)))
}

// Valid reports whether s has the shape of a Fingerprint.
func Valid(s string) bool {
	if len(s) != Width {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
