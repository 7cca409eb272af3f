package gate

import (
	"context"
	"fmt"
	"time"

	"github.com/re-cinq/agentgate/internal/sandbox"
	"github.com/re-cinq/agentgate/internal/types"
)

// CIStatus is the terminal classification of an external signal poll,
// per spec.md §4.4.
type CIStatus string

const (
	CISuccess   CIStatus = "success"
	CIFailure   CIStatus = "failure"
	CICancelled CIStatus = "cancelled"
	CITimeout   CIStatus = "timeout"
)

// CIPollResult is one observation returned by a PollFunc.
type CIPollResult struct {
	Status  CIStatus
	JobID   string
	StepID  string
	Message string
	Done    bool // false means "still running, poll again"
}

// PollFunc queries the external system (GitHub Actions, Buildkite, etc.)
// for the current status of workOrderID's run. Implementations live
// outside this package (they need network clients); the runner only
// knows how to drive polling to a terminal result.
type PollFunc func(ctx context.Context, workOrderID string) (CIPollResult, error)

// CIConfig configures the CI / external signal gate.
type CIConfig struct {
	Poll     PollFunc
	Interval time.Duration
	Timeout  time.Duration
}

// CIRunner polls an external system until it reports a terminal status,
// per spec.md §4.4. There is no teacher precedent for this check kind —
// the teacher only ran local commands — so the poll loop follows the
// same timeout/grace shape as the sandbox's command execution for
// consistency.
type CIRunner struct {
	cfg CIConfig
}

// NewCIRunner validates cfg at construction.
func NewCIRunner(cfg CIConfig) (*CIRunner, error) {
	if cfg.Poll == nil {
		return nil, fmt.Errorf("CI gate requires a Poll function")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Minute
	}
	return &CIRunner{cfg: cfg}, nil
}

func (r *CIRunner) Name() string { return "ci" }

func (r *CIRunner) Reset(workOrderID string) {}

func (r *CIRunner) Check(box sandbox.Sandbox, workOrderID string) (types.GateResult, error) {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.Timeout)
	defer cancel()

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		result, err := r.cfg.Poll(ctx, workOrderID)
		if err != nil {
			return types.GateResult{}, fmt.Errorf("polling CI status: %w", err)
		}
		if result.Done {
			return ciResultToGateResult(result), nil
		}

		select {
		case <-ctx.Done():
			return ciResultToGateResult(CIPollResult{Status: CITimeout, Done: true, Message: "polling timed out"}), nil
		case <-ticker.C:
		}
	}
}

func ciResultToGateResult(result CIPollResult) types.GateResult {
	passed := result.Status == CISuccess
	var failures []types.GateFailure
	if !passed {
		failures = append(failures, types.GateFailure{
			Message:  result.Message,
			Workflow: result.JobID,
		})
	}
	return types.GateResult{
		Gate:   "ci",
		Check:  "ci",
		Passed: passed,
		Details: map[string]any{
			"status": string(result.Status),
			"jobId":  result.JobID,
			"stepId": result.StepID,
		},
		Failures: failures,
	}
}
