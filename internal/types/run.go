package types

import "time"

// RunResult tags why a Run reached a terminal state.
type RunResult string

const (
	ResultPassed           RunResult = "passed"
	ResultFailedVerify     RunResult = "failed-verification"
	ResultFailedBuild      RunResult = "failed-build"
	ResultFailedTimeout    RunResult = "failed-timeout"
	ResultFailedError      RunResult = "failed-error"
	ResultCanceled         RunResult = "canceled"
)

// Run is one execution attempt at a WorkOrder.
type Run struct {
	ID          string `json:"id"`
	WorkOrderID string `json:"workOrderId"`
	WorkspaceID string `json:"workspaceId"`

	Iteration int    `json:"iteration"` // 1..maxIterations
	State     string `json:"state"`    // runstate.State, stored as string to avoid an import cycle
	Result    *RunResult `json:"result,omitempty"`

	StartedAt   time.Time  `json:"startedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`

	SnapshotBefore string `json:"snapshotBefore,omitempty"`
	SnapshotAfter  string `json:"snapshotAfter,omitempty"`

	SessionID string `json:"sessionId,omitempty"` // agent resume handle

	Branch string `json:"branch,omitempty"`
	PRID   string `json:"prId,omitempty"`

	Error string `json:"error,omitempty"`

	History []IterationHistoryEntry `json:"history,omitempty"`
}

// IterationHistoryEntry records one pass through the convergence loop.
type IterationHistoryEntry struct {
	Iteration       int          `json:"iteration"`
	Timestamp       time.Time    `json:"timestamp"`
	GateResults     []GateResult `json:"gateResults"`
	Decision        string       `json:"decision"` // continue|stop|retry|escalate
	Snapshot        string       `json:"snapshot,omitempty"`
	ErrorSignature  string       `json:"errorSignature,omitempty"` // up to 5 sorted "gate:file" failure pairs, ";"-joined; no level or type
}
