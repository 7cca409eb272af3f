package cli

import "github.com/re-cinq/agentgate/internal/runstate"

// ANSI escape codes for terminal colors, kept re-keyed from the teacher's
// colors.go (which maps engine.StateX strings) onto runstate.State.
const (
	ansiGreen  = "\033[32m"
	ansiCyan   = "\033[36m"
	ansiYellow = "\033[33m"
	ansiRed    = "\033[31m"
	ansiDim    = "\033[2m"
	ansiReset  = "\033[0m"
)

// stateDisplay returns the symbol and color for a given run state.
func stateDisplay(state runstate.State) (symbol, color string) {
	switch state {
	case runstate.Queued:
		return "◯", ansiYellow
	case runstate.Leased, runstate.Building, runstate.Snapshotting, runstate.Verifying, runstate.Feedback:
		return "⟳", ansiCyan
	case runstate.Succeeded:
		return "✓", ansiGreen
	case runstate.Failed:
		return "✗", ansiRed
	case runstate.Canceled:
		return "⊘", ansiDim
	default:
		return "·", ansiReset
	}
}
