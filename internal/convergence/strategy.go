// Package convergence implements C6: the iteration loop that drives the
// agent to a converged result, per spec.md §4.6. Grounded in the teacher's
// RunnerLoop (internal/engine/runner.go) for the for{}/select-on-ctx.Done
// loop shape, and RunOnceWithLogs/processConcern (internal/engine/engine.go)
// for the single-pass build→snapshot→record shape each iteration follows.
package convergence

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/re-cinq/agentgate/internal/types"
)

// Decision is what a Strategy wants to happen after the current iteration.
type Decision string

const (
	DecisionContinue Decision = "continue"
	DecisionStop     Decision = "stop"
	DecisionRetry    Decision = "retry"
	DecisionEscalate Decision = "escalate"
)

// Outcome pairs a Decision with the reason a strategy (or the controller's
// own cap/loop-detector checks) reached it.
type Outcome struct {
	Decision Decision
	Reason   string
}

// LoopContext is the state a Strategy needs to decide whether to continue.
// It is rebuilt by the controller before every shouldContinue call.
type LoopContext struct {
	Iteration      int
	GatesPassed    bool
	ErrorsFixed    int
	ErrorsRemaining int
	LinesChanged   int
	FilesChanged   int
	Elapsed        time.Duration
	History        []IterationRecord
	LoopDetection  *DetectionResult
}

// IterationRecord is one pass through the loop, kept for velocity/history
// based strategies and for the caller's own audit trail.
type IterationRecord struct {
	Iteration       int
	Timestamp       time.Time
	GatesPassed     bool
	ErrorsFixed     int
	ErrorsRemaining int
	LinesChanged    int
	FilesChanged    int
	Decision        Decision
	Fingerprint     Fingerprint
	GateResults     []types.GateResult
}

// Strategy decides when an iteration loop is done.
type Strategy interface {
	Name() string
	OnLoopStart(ctx context.Context)
	OnIterationStart(ctx context.Context, iteration int)
	ShouldContinue(ctx context.Context, lc LoopContext) Outcome
}

// Fixed runs exactly N iterations unless gates pass early or a loop is
// detected, in which case it escalates.
type Fixed struct {
	N int
}

func (f Fixed) Name() string                                       { return "fixed" }
func (f Fixed) OnLoopStart(ctx context.Context)                     {}
func (f Fixed) OnIterationStart(ctx context.Context, iteration int) {}

func (f Fixed) ShouldContinue(ctx context.Context, lc LoopContext) Outcome {
	if lc.GatesPassed {
		return Outcome{DecisionStop, "gates passed"}
	}
	if lc.LoopDetection != nil && lc.LoopDetection.Detected {
		return Outcome{DecisionEscalate, lc.LoopDetection.Reason}
	}
	if lc.Iteration >= f.N {
		return Outcome{DecisionStop, fmt.Sprintf("reached fixed iteration cap %d", f.N)}
	}
	return Outcome{DecisionContinue, "more iterations available"}
}

// Hybrid runs up to Base iterations, earning up to Bonus extra only while
// progress velocity (errors fixed per iteration) stays at or above
// Threshold.
type Hybrid struct {
	Base      int
	Bonus     int
	Threshold float64
}

func (h Hybrid) Name() string                                       { return "hybrid" }
func (h Hybrid) OnLoopStart(ctx context.Context)                     {}
func (h Hybrid) OnIterationStart(ctx context.Context, iteration int) {}

func (h Hybrid) ShouldContinue(ctx context.Context, lc LoopContext) Outcome {
	if lc.GatesPassed {
		return Outcome{DecisionStop, "gates passed"}
	}
	if lc.LoopDetection != nil && lc.LoopDetection.Detected {
		return Outcome{DecisionEscalate, lc.LoopDetection.Reason}
	}
	if lc.Iteration < h.Base {
		return Outcome{DecisionContinue, "within base iteration budget"}
	}
	if lc.Iteration >= h.Base+h.Bonus {
		return Outcome{DecisionStop, fmt.Sprintf("reached hybrid cap %d+%d", h.Base, h.Bonus)}
	}
	if velocity(lc.History) >= h.Threshold {
		return Outcome{DecisionContinue, "velocity above threshold, spending bonus iteration"}
	}
	return Outcome{DecisionStop, "velocity below threshold, bonus iterations exhausted"}
}

// velocity is the errorsFixed of the most recent iteration already
// recorded in history (excludes the in-flight one); earlier iterations
// are not averaged in.
func velocity(history []IterationRecord) float64 {
	if len(history) == 0 {
		return 0
	}
	last := history[len(history)-1]
	return float64(last.ErrorsFixed)
}

// Ralph continues until the agent signals convergence via successive
// outputs' similarity staying at or above Threshold for WindowSize
// consecutive iterations, and only once Iteration >= MinIterations. Named
// after the "ralph wiggum" brute-force-retry technique this mirrors.
type Ralph struct {
	WindowSize    int
	Threshold     float64
	MinIterations int
}

func (r Ralph) Name() string                                       { return "ralph" }
func (r Ralph) OnLoopStart(ctx context.Context)                     {}
func (r Ralph) OnIterationStart(ctx context.Context, iteration int) {}

func (r Ralph) ShouldContinue(ctx context.Context, lc LoopContext) Outcome {
	if lc.GatesPassed {
		return Outcome{DecisionStop, "gates passed"}
	}
	if lc.LoopDetection != nil && lc.LoopDetection.Detected {
		return Outcome{DecisionEscalate, lc.LoopDetection.Reason}
	}
	if lc.Iteration < r.MinIterations {
		return Outcome{DecisionContinue, "below minimum iterations"}
	}
	if stableFor(lc.History, r.WindowSize, r.Threshold) {
		return Outcome{DecisionStop, fmt.Sprintf("output stable for %d iterations", r.WindowSize)}
	}
	return Outcome{DecisionContinue, "output still changing"}
}

func stableFor(history []IterationRecord, window int, threshold float64) bool {
	if len(history) < window {
		return false
	}
	recent := history[len(history)-window:]
	base := recent[0].Fingerprint
	for _, rec := range recent[1:] {
		if similarity(base, rec.Fingerprint) < threshold {
			return false
		}
	}
	return true
}

// Manual defers every decision to an external actor; the controller's
// caller supplies the decision out of band (e.g. a human clicking
// "continue" in a UI) via the Decide field.
type Manual struct {
	Decide func(ctx context.Context, lc LoopContext) Outcome
}

func (m Manual) Name() string                                       { return "manual" }
func (m Manual) OnLoopStart(ctx context.Context)                     {}
func (m Manual) OnIterationStart(ctx context.Context, iteration int) {}

func (m Manual) ShouldContinue(ctx context.Context, lc LoopContext) Outcome {
	if lc.LoopDetection != nil && lc.LoopDetection.Detected {
		return Outcome{DecisionEscalate, lc.LoopDetection.Reason}
	}
	return m.Decide(ctx, lc)
}

var wallClockPattern = regexp.MustCompile(`^(\d+)([smhd])$`)

// ParseWallClock parses strings like "30m", "2h", "1d" per spec.md §4.6.
func ParseWallClock(s string) (time.Duration, error) {
	m := wallClockPattern.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("expected format like 30m, 2h, 1d, got %q", s)
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, err
	}
	var unit time.Duration
	switch m[2] {
	case "s":
		unit = time.Second
	case "m":
		unit = time.Minute
	case "h":
		unit = time.Hour
	case "d":
		unit = 24 * time.Hour
	}
	return time.Duration(n) * unit, nil
}
