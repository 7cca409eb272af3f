package app

import (
	"fmt"
	"sort"
	"strings"

	"github.com/re-cinq/agentgate/internal/types"
)

// maxFeedbackBytes bounds the synthesized feedback addendum, per spec.md
// §7's structured-feedback contract.
const maxFeedbackBytes = 4000

// synthesizeFeedback turns a failed iteration's gate results into the prompt
// addendum the next Build call appends, per spec.md §7: a header naming the
// iteration, one block per failing gate listing its failures with file
// references, and a closing suggestion to address the gate with the most
// failures first.
func synthesizeFeedback(iteration int, results []types.GateResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Iteration %d verification feedback:\n\n", iteration)

	failing := make([]types.GateResult, 0, len(results))
	for _, r := range results {
		if !r.Passed {
			failing = append(failing, r)
		}
	}
	sort.Slice(failing, func(i, j int) bool { return failing[i].Gate < failing[j].Gate })

	for _, r := range failing {
		fmt.Fprintf(&b, "Gate %q (%s) failed:\n", r.Gate, r.Check)
		for _, f := range r.Failures {
			ref := f.File
			if f.Line > 0 {
				ref = fmt.Sprintf("%s:%d", ref, f.Line)
			}
			switch {
			case ref != "" && f.Command != "":
				fmt.Fprintf(&b, "  - %s (%s, running %q)\n", f.Message, ref, f.Command)
			case ref != "":
				fmt.Fprintf(&b, "  - %s (%s)\n", f.Message, ref)
			case f.Command != "":
				fmt.Fprintf(&b, "  - %s (running %q)\n", f.Message, f.Command)
			default:
				fmt.Fprintf(&b, "  - %s\n", f.Message)
			}
		}
		b.WriteString("\n")
	}

	if suggestion := suggestFix(failing); suggestion != "" {
		b.WriteString(suggestion)
		b.WriteString("\n")
	}

	out := b.String()
	if len(out) > maxFeedbackBytes {
		out = out[:maxFeedbackBytes]
	}
	return out
}

// suggestFix names the gate with the most failures, on the theory that
// fixing the most broken check first gives the agent the clearest signal
// of what to try next.
func suggestFix(failing []types.GateResult) string {
	if len(failing) == 0 {
		return ""
	}
	worst := failing[0]
	for _, r := range failing[1:] {
		if len(r.Failures) > len(worst.Failures) {
			worst = r
		}
	}
	return fmt.Sprintf("Suggested focus: resolve the %d issue(s) in gate %q before addressing the others.", len(worst.Failures), worst.Gate)
}
