// Copyright 2026 The loopguard Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package advice

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Bundle is the help material for one error.
type Bundle struct {
	ErrorType     string            `json:"error_type"`
	Documentation []string          `json:"documentation"`
	Tips          []string          `json:"tips"`
	Context       map[string]string `json:"context"`
}

var (
	quotedToken  = regexp.MustCompile(`['"]([^'"]+)['"]`)
	fileToken    = regexp.MustCompile(`(?i)(?:in|at|file) ['"]?([^\s'"]+\.[a-z]+)`)
	lineToken    = regexp.MustCompile(`(?i)line (\d+)`)
	placeholders = regexp.MustCompile(`\{([a-z_]+)\}`)
)

// Matcher evaluates rules in priority order.
type Matcher struct {
	rules []*Rule
}

// NewMatcher creates a matcher over DefaultRules.
func NewMatcher() *Matcher {
	return NewMatcherWithRules(DefaultRules)
}

// NewMatcherWithRules creates a matcher over rules, sorted by priority
// (highest first). Equal priorities keep their given order.
func NewMatcherWithRules(rules []*Rule) *Matcher {
	sorted := make([]*Rule, len(rules))
	copy(sorted, rules)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority > sorted[j].Priority
	})
	return &Matcher{rules: sorted}
}

// Rules returns the rules in matching order.
func (m *Matcher) Rules() []*Rule {
	out := make([]*Rule, len(m.rules))
	copy(out, m.rules)
	return out
}

// Lookup returns the bundle of the first rule matching raw.
func (m *Matcher) Lookup(raw string) (*Bundle, bool) {
	for _, rule := range m.rules {
		if !rule.Regex.MatchString(raw) {
			continue
		}
		ctx := extractContext(raw, rule.ModuleError)
		return &Bundle{
			ErrorType:     rule.ErrorType,
			Documentation: fill(rule.Documentation, ctx),
			Tips:          fill(rule.Tips, ctx),
			Context:       ctx,
		}, true
	}
	return nil, false
}

// Advise returns the matching bundle or Generic.
func (m *Matcher) Advise(raw string) *Bundle {
	if b, ok := m.Lookup(raw); ok {
		return b
	}
	return Generic()
}

var defaultMatcher = NewMatcher()

// Lookup runs the default matcher.
func Lookup(raw string) (*Bundle, bool) {
	return defaultMatcher.Lookup(raw)
}

// Advise runs the default matcher with the generic fallback.
func Advise(raw string) *Bundle {
	return defaultMatcher.Advise(raw)
}

func extractContext(raw string, moduleError bool) map[string]string {
	ctx := make(map[string]string)
	if moduleError {
		if m := quotedToken.FindStringSubmatch(raw); m != nil {
			ctx["module_name"] = m[1]
		}
	}
	if m := fileToken.FindStringSubmatch(raw); m != nil {
		ctx["file_name"] = m[1]
	}
	if m := lineToken.FindStringSubmatch(raw); m != nil {
		ctx["line_number"] = m[1]
	}
	return ctx
}

// fill substitutes placeholders and drops lines that reference unknown values.
func fill(lines []string, ctx map[string]string) []string {
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		complete := true
		filled := placeholders.ReplaceAllStringFunc(line, func(tok string) string {
			v, ok := ctx[tok[1:len(tok)-1]]
			if !ok {
				complete = false
				return tok
			}
			return v
		})
		if complete {
			out = append(out, filled)
		}
	}
	return out
}

// Render formats b as human-readable help text.
func Render(b *Bundle) string {
	if b == nil {
		b = Generic()
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Error type: %s\n", b.ErrorType)

	if len(b.Documentation) > 0 {
		sb.WriteString("\nDocumentation:\n")
		for _, doc := range b.Documentation {
			fmt.Fprintf(&sb, "- %s\n", doc)
		}
	}

	if len(b.Tips) > 0 {
		sb.WriteString("\nTips:\n")
		for i, tip := range b.Tips {
			fmt.Fprintf(&sb, "%d. %s\n", i+1, tip)
		}
	}

	sb.WriteString("\nFurther research:\n")
	for i, step := range researchSteps {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, step)
	}
	sb.WriteString("\nReview the material above before attempting another fix.\n")

	if len(b.Context) > 0 {
		keys := make([]string, 0, len(b.Context))
		for k := range b.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteString("\nDetected context:\n")
		for _, k := range keys {
			fmt.Fprintf(&sb, "  %s: %s\n", k, b.Context[k])
		}
	}
	return sb.String()
}
