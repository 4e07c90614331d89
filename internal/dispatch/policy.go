// Copyright 2026 The loopguard Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package dispatch

import (
	"fmt"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Policy decides whether an intervention is delivered. The condition is an
// expr-lang boolean expression over the intervention, for example
//
//	Count >= Threshold * 2 || Agent startsWith "boss"
//
// An empty condition allows everything.
type Policy struct {
	condition string
	program   *vm.Program
}

// NewPolicy compiles condition.
func NewPolicy(condition string) (*Policy, error) {
	condition = strings.TrimSpace(condition)
	p := &Policy{condition: condition}
	if condition == "" || condition == "true" {
		return p, nil
	}

	program, err := expr.Compile(condition, expr.Env(policyEnv(Intervention{})), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("invalid dispatch policy %q: %w", condition, err)
	}
	p.program = program
	return p, nil
}

// String returns the source condition.
func (p *Policy) String() string {
	if p == nil {
		return ""
	}
	return p.condition
}

// Allow evaluates the policy for iv.
func (p *Policy) Allow(iv Intervention) (bool, error) {
	if p == nil || p.program == nil {
		return true, nil
	}

	out, err := expr.Run(p.program, policyEnv(iv))
	if err != nil {
		return false, err
	}
	allowed, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("dispatch policy returned %T, want bool", out)
	}
	return allowed, nil
}

func policyEnv(iv Intervention) map[string]interface{} {
	return map[string]interface{}{
		"Agent":         iv.Agent,
		"Fingerprint":   string(iv.Fingerprint),
		"Count":         iv.Count,
		"Threshold":     iv.Threshold,
		"WindowSeconds": iv.Window.Seconds(),
		"Message":       iv.Message,
	}
}
