// Package gate implements C4: per-gate check runners, per spec.md §4.4.
// Grounded in the teacher's internal/cli/gate.go (the run-command-in-
// sequence shape) and internal/engine/ignore_test.go (gitignore-aware
// pattern matching via github.com/sabhiram/go-gitignore), extended with
// check kinds the teacher's gate command never had: contract checks,
// convergence, and CI/external-signal polling.
package gate

import (
	"time"

	"github.com/re-cinq/agentgate/internal/sandbox"
	"github.com/re-cinq/agentgate/internal/types"
)

// OnFailure is a gate's policy when its check fails.
type OnFailure string

const (
	OnFailureContinue OnFailure = "continue"
	OnFailureStop     OnFailure = "stop"
	OnFailureRetry    OnFailure = "retry"
)

// Runner executes one gate check kind against a sandbox and returns a
// GateResult. Implementations own any per-work-order state they need
// between iterations (e.g. convergence's previous fingerprint) and must
// support Reset so a controller can clear it between independent runs.
type Runner interface {
	Name() string
	Check(box sandbox.Sandbox, workOrderID string) (types.GateResult, error)
	Reset(workOrderID string)
}

// Gate pairs a named check with its failure policy.
type Gate struct {
	Name      string
	OnFailure OnFailure
	Runner    Runner
}

// timeIt runs fn and returns its GateResult with Duration populated.
func timeIt(name, check string, fn func() (bool, map[string]any, []types.GateFailure)) types.GateResult {
	start := time.Now()
	passed, details, failures := fn()
	return types.GateResult{
		Gate:     name,
		Check:    check,
		Passed:   passed,
		Duration: time.Since(start),
		Details:  details,
		Failures: failures,
	}
}
