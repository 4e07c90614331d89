// Copyright 2026 The loopguard Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package dispatch

import (
	"fmt"
	"strings"

	"github.com/traylinx/loopguard/internal/advice"
)

// BuildInstruction renders the stop instruction sent to the agent. The advice
// bundle is appended when non-nil.
func BuildInstruction(iv Intervention, b *advice.Bundle) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "ERROR LOOP DETECTED: the same error occurred %d times within %s (threshold %d).\n\n",
		iv.Count, iv.Window, iv.Threshold)
	sb.WriteString("Stop modifying code for now. Do the following instead:\n\n")

	sb.WriteString("1. Summarize the situation\n")
	sb.WriteString("   - List the errors you are seeing\n")
	sb.WriteString("   - List the fixes you have already tried\n")
	sb.WriteString("   - Form a hypothesis for why they did not work\n\n")

	sb.WriteString("2. Research similar errors\n")
	sb.WriteString("   - Search for the error message and similar reports\n")
	sb.WriteString("   - Check Stack Overflow, GitHub Issues and the official documentation\n")
	sb.WriteString("   - Find at least three alternative approaches\n\n")

	sb.WriteString("3. Re-read the documentation\n")
	sb.WriteString("   - Re-check the docs of the libraries and frameworks involved\n")
	sb.WriteString("   - Check API contracts and limitations\n")
	sb.WriteString("   - Check for version incompatibilities\n\n")

	sb.WriteString("4. Clarify open questions\n")
	sb.WriteString("   - Write down what you do not understand as questions\n")
	sb.WriteString("   - Prepare the questions for your supervisor or other workers\n")
	sb.WriteString("   - Restate what the actual problem is\n\n")

	sb.WriteString("Report your findings when done. Do not modify code until the investigation is complete.\n")

	if msg := strings.TrimSpace(iv.Message); msg != "" {
		fmt.Fprintf(&sb, "\nRepeated error:\n%s\n", msg)
	}

	if b != nil {
		sb.WriteString("\n")
		sb.WriteString(advice.Render(b))
	}
	return sb.String()
}
