// Package types holds the shared data model: work orders, runs, workspaces,
// snapshots, findings, gate results, and the event envelope. Every other
// package imports these shapes rather than redeclaring them.
package types

import "time"

// WorkOrderStatus is the coarse lifecycle status of a work order, distinct
// from the fine-grained Run state machine in package runstate.
type WorkOrderStatus string

const (
	WorkOrderQueued    WorkOrderStatus = "queued"
	WorkOrderRunning   WorkOrderStatus = "running"
	WorkOrderSucceeded WorkOrderStatus = "succeeded"
	WorkOrderFailed    WorkOrderStatus = "failed"
	WorkOrderCanceled  WorkOrderStatus = "canceled"
)

// Terminal reports whether the status has no further transitions.
func (s WorkOrderStatus) Terminal() bool {
	switch s {
	case WorkOrderSucceeded, WorkOrderFailed, WorkOrderCanceled:
		return true
	default:
		return false
	}
}

// WorkspaceSourceKind tags the WorkspaceSource union.
type WorkspaceSourceKind string

const (
	SourceLocal  WorkspaceSourceKind = "local"
	SourceGit    WorkspaceSourceKind = "git"
	SourceFresh  WorkspaceSourceKind = "fresh"
	SourceGithub WorkspaceSourceKind = "github"
)

// WorkspaceSource is a tagged union over the four ways a workspace can be
// populated. Only the fields matching Kind are meaningful; callers must
// switch on Kind rather than guess from which fields are non-zero.
type WorkspaceSource struct {
	Kind WorkspaceSourceKind `json:"kind"`

	// local
	Path string `json:"path,omitempty"`

	// git
	URL    string `json:"url,omitempty"`
	Branch string `json:"branch,omitempty"`

	// fresh
	DestPath     string `json:"destPath,omitempty"`
	TemplateKind string `json:"templateKind,omitempty"`
	ProjectName  string `json:"projectName,omitempty"`

	// github
	Owner string `json:"owner,omitempty"`
	Repo  string `json:"repo,omitempty"`
}

// SecurityPolicy bounds what a work order's sandbox is permitted to do.
type SecurityPolicy struct {
	NetworkAllowed    bool     `json:"networkAllowed"`
	ForbiddenPathGlob []string `json:"forbiddenPathGlobs,omitempty"`
}

// WorkOrder is immutable after submission except for the fields explicitly
// called out below (Status, CompletedAt, Error, RunID).
type WorkOrder struct {
	ID     string `json:"id"`
	Prompt string `json:"prompt"`

	Workspace      WorkspaceSource `json:"workspace"`
	AgentDriverKey string          `json:"agentDriverKey"`

	MaxIterations       int `json:"maxIterations"`
	MaxWallClockSeconds int `json:"maxWallClockSeconds"`

	// AgentTimeoutMS bounds a single agent invocation within one
	// iteration, per spec.md §4.2's request timeoutMs. Zero means the
	// driver's own default (agent.DefaultTimeout).
	AgentTimeoutMS int64 `json:"agentTimeoutMs,omitempty"`

	GatePlanSource string         `json:"gatePlanSource"`
	Security       SecurityPolicy `json:"security"`

	Status      WorkOrderStatus `json:"status"`
	CreatedAt   time.Time       `json:"createdAt"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
	Error       string          `json:"error,omitempty"`
	RunID       string          `json:"runId,omitempty"`
}

// Validate checks the invariants spec.md §3 requires of a submission, before
// any state is created. Returns all problems found, not just the first.
func (w *WorkOrder) Validate() []error {
	var errs []error
	if len(w.Prompt) < 10 {
		errs = append(errs, errValidation("task prompt must be at least 10 characters"))
	}
	switch w.Workspace.Kind {
	case SourceLocal:
		if w.Workspace.Path == "" {
			errs = append(errs, errValidation("local workspace source requires path"))
		}
	case SourceGit:
		if w.Workspace.URL == "" {
			errs = append(errs, errValidation("git workspace source requires url"))
		}
	case SourceFresh:
		if w.Workspace.DestPath == "" {
			errs = append(errs, errValidation("fresh workspace source requires destPath"))
		}
	case SourceGithub:
		if w.Workspace.Owner == "" || w.Workspace.Repo == "" {
			errs = append(errs, errValidation("github workspace source requires owner and repo"))
		}
	default:
		errs = append(errs, errValidation("unknown workspace source kind %q", w.Workspace.Kind))
	}
	if w.MaxIterations < 1 || w.MaxIterations > 10 {
		errs = append(errs, errValidation("maxIterations must be between 1 and 10, got %d", w.MaxIterations))
	}
	if w.MaxWallClockSeconds < 60 || w.MaxWallClockSeconds > 86400 {
		errs = append(errs, errValidation("maxWallClockSeconds must be between 60 and 86400, got %d", w.MaxWallClockSeconds))
	}
	return errs
}
