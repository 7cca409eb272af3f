package convergence

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/re-cinq/agentgate/internal/types"
)

// BuildFunc invokes the agent for one iteration, given the feedback
// addendum synthesized from the previous iteration's gate failures (empty
// on the first iteration).
type BuildFunc func(ctx context.Context, iteration int, feedback string) error

// SnapshotFunc captures the workspace state resulting from the iteration's
// build step.
type SnapshotFunc func(ctx context.Context, iteration int) (types.Snapshot, error)

// GateCheckFunc runs every configured gate and returns its results.
type GateCheckFunc func(ctx context.Context, iteration int) ([]types.GateResult, error)

// FeedbackFunc synthesizes the next iteration's prompt addendum from the
// gate results that kept the loop from converging.
type FeedbackFunc func(ctx context.Context, gateResults []types.GateResult) (string, error)

// Status is the terminal outcome of a Run.
type Status string

const (
	StatusConverged Status = "converged"
	StatusDiverged  Status = "diverged"
	StatusCanceled  Status = "canceled"
)

// Result is what Run returns once the loop stops.
type Result struct {
	Status  Status
	Reason  string
	History []IterationRecord
}

// Caps bounds how long a loop may run, per spec.md §4.6.
type Caps struct {
	MaxIterations int
	MaxWallClock  time.Duration
	MaxCost       *float64
	MaxTokens     *int
}

// Controller drives the iteration loop described in spec.md §4.6: build,
// snapshot, gate-check, decide, repeat. Grounded in the teacher's
// RunnerLoop (internal/engine/runner.go) for the overall for{}/select
// shape and RunOnceWithLogs (internal/engine/engine.go) for the single-
// pass build-then-record sequence within one iteration.
type Controller struct {
	Strategy Strategy
	Build    BuildFunc
	Snapshot SnapshotFunc
	GateCheck GateCheckFunc
	Feedback FeedbackFunc
	Caps     Caps

	// CostFunc and TokensFunc, if set, report cumulative spend so far;
	// used to enforce MaxCost/MaxTokens.
	CostFunc   func() float64
	TokensFunc func() int
}

// Run executes the loop until the strategy or a cap stops it, or ctx is
// canceled.
func (c *Controller) Run(ctx context.Context) (Result, error) {
	c.Strategy.OnLoopStart(ctx)

	start := time.Now()
	window := &Window{}
	var history []IterationRecord
	prevErrorsRemaining := 0
	var feedback string

	for iteration := 1; ; iteration++ {
		select {
		case <-ctx.Done():
			return Result{Status: StatusCanceled, Reason: "context canceled", History: history}, nil
		default:
		}

		if cap := c.checkCaps(iteration, start); cap != "" {
			return Result{Status: StatusDiverged, Reason: cap, History: history}, nil
		}

		c.Strategy.OnIterationStart(ctx, iteration)

		if err := c.Build(ctx, iteration, feedback); err != nil {
			if canceled, res := c.canceledResult(ctx, history); canceled {
				return res, nil
			}
			return Result{}, fmt.Errorf("iteration %d build: %w", iteration, err)
		}

		snap, err := c.Snapshot(ctx, iteration)
		if err != nil {
			if canceled, res := c.canceledResult(ctx, history); canceled {
				return res, nil
			}
			return Result{}, fmt.Errorf("iteration %d snapshot: %w", iteration, err)
		}

		gateResults, err := c.GateCheck(ctx, iteration)
		if err != nil {
			if canceled, res := c.canceledResult(ctx, history); canceled {
				return res, nil
			}
			return Result{}, fmt.Errorf("iteration %d gate check: %w", iteration, err)
		}
		gatesPassed := allPassed(gateResults)
		errorsRemaining := countFailures(gateResults)
		errorsFixed := prevErrorsRemaining - errorsRemaining
		if errorsFixed < 0 {
			errorsFixed = 0
		}

		fp := Fingerprint{
			Iteration:      iteration,
			SHA:            snap.AfterSHA,
			PerFileHashes:  snap.FileHashes,
			ErrorSignature: errorSignature(gateResults),
		}
		window.Add(fp)
		detection := window.Detect()

		lc := LoopContext{
			Iteration:       iteration,
			GatesPassed:     gatesPassed,
			ErrorsFixed:     errorsFixed,
			ErrorsRemaining: errorsRemaining,
			LinesChanged:    snap.Insertions + snap.Deletions,
			FilesChanged:    snap.FilesChanged,
			Elapsed:         time.Since(start),
			History:         history,
		}
		if detection.Detected {
			lc.LoopDetection = &detection
		}

		outcome := c.Strategy.ShouldContinue(ctx, lc)

		record := IterationRecord{
			Iteration:       iteration,
			Timestamp:       time.Now(),
			GatesPassed:     gatesPassed,
			ErrorsFixed:     errorsFixed,
			ErrorsRemaining: errorsRemaining,
			LinesChanged:    lc.LinesChanged,
			FilesChanged:    lc.FilesChanged,
			Decision:        outcome.Decision,
			Fingerprint:     fp,
			GateResults:     gateResults,
		}
		history = append(history, record)

		switch outcome.Decision {
		case DecisionStop:
			if gatesPassed {
				return Result{Status: StatusConverged, Reason: outcome.Reason, History: history}, nil
			}
			return Result{Status: StatusDiverged, Reason: outcome.Reason, History: history}, nil
		case DecisionEscalate:
			return Result{Status: StatusDiverged, Reason: outcome.Reason, History: history}, nil
		case DecisionRetry, DecisionContinue:
			if gatesPassed {
				return Result{Status: StatusConverged, Reason: "all gates passed", History: history}, nil
			}
			nextFeedback, err := c.Feedback(ctx, gateResults)
			if err != nil {
				if canceled, res := c.canceledResult(ctx, history); canceled {
					return res, nil
				}
				return Result{}, fmt.Errorf("iteration %d feedback: %w", iteration, err)
			}
			feedback = nextFeedback
			prevErrorsRemaining = errorsRemaining
		}
	}
}

// canceledResult reports whether ctx was canceled out from under the step
// that just failed, distinguishing "the agent/gate step itself errored"
// from "the run was canceled mid-step" — a driver cancellation (e.g.
// agent.AgentResult.Cancelled) surfaces to Build as a plain error, and
// without this check that error would be misreported as a build failure
// rather than propagated as StatusCanceled.
func (c *Controller) canceledResult(ctx context.Context, history []IterationRecord) (bool, Result) {
	if ctx.Err() == nil {
		return false, Result{}
	}
	return true, Result{Status: StatusCanceled, Reason: "context canceled", History: history}
}

func (c *Controller) checkCaps(iteration int, start time.Time) string {
	if c.Caps.MaxIterations > 0 && iteration > c.Caps.MaxIterations {
		return fmt.Sprintf("exceeded maxIterations cap (%d)", c.Caps.MaxIterations)
	}
	if c.Caps.MaxWallClock > 0 && time.Since(start) > c.Caps.MaxWallClock {
		return fmt.Sprintf("exceeded maxWallClock cap (%s)", c.Caps.MaxWallClock)
	}
	if c.Caps.MaxCost != nil && c.CostFunc != nil && c.CostFunc() > *c.Caps.MaxCost {
		return fmt.Sprintf("exceeded maxCost cap (%.2f)", *c.Caps.MaxCost)
	}
	if c.Caps.MaxTokens != nil && c.TokensFunc != nil && c.TokensFunc() > *c.Caps.MaxTokens {
		return fmt.Sprintf("exceeded maxTokens cap (%d)", *c.Caps.MaxTokens)
	}
	return ""
}

func allPassed(results []types.GateResult) bool {
	for _, r := range results {
		if !r.Passed {
			return false
		}
	}
	return true
}

func countFailures(results []types.GateResult) int {
	n := 0
	for _, r := range results {
		n += len(r.Failures)
	}
	return n
}

// errorSignature builds the compact signature stored in
// types.IterationHistoryEntry.ErrorSignature: the first five sorted
// gate:file pairs, joined with ";". GateFailure carries no severity level
// or failure type, so neither is part of the signature.
func errorSignature(results []types.GateResult) string {
	var parts []string
	for _, r := range results {
		for _, f := range r.Failures {
			parts = append(parts, fmt.Sprintf("%s:%s", r.Gate, f.File))
		}
	}
	sort.Strings(parts)
	if len(parts) > 5 {
		parts = parts[:5]
	}
	return strings.Join(parts, ";")
}
