package types

import "time"

// WorkspaceStatus is the lease lifecycle of a Workspace.
type WorkspaceStatus string

const (
	WorkspaceAvailable WorkspaceStatus = "available"
	WorkspaceLeased    WorkspaceStatus = "leased"
	WorkspaceError     WorkspaceStatus = "error"
)

// Workspace is a filesystem root plus a git history backend.
type Workspace struct {
	ID       string          `json:"id"`
	RootPath string          `json:"rootPath"`
	Source   WorkspaceSource `json:"source"`

	LeaseID   string     `json:"leaseId,omitempty"`
	LeasedAt  *time.Time `json:"leasedAt,omitempty"`
	Status    WorkspaceStatus `json:"status"`

	HistoryInitialized bool `json:"historyInitialized"`
}
