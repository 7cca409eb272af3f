package store

import (
	"path/filepath"

	"github.com/re-cinq/agentgate/internal/types"
)

// Entities bundles the three per-entity-kind stores the application keeps,
// each under its own subdirectory of the application dir.
type Entities struct {
	WorkOrders *Store
	Runs       *Store
	Workspaces *Store
}

// Open creates (or reopens) the three entity stores under appDir.
func Open(appDir string) (*Entities, error) {
	wo, err := New(filepath.Join(appDir, "work_orders"))
	if err != nil {
		return nil, err
	}
	runs, err := New(filepath.Join(appDir, "runs"))
	if err != nil {
		return nil, err
	}
	ws, err := New(filepath.Join(appDir, "workspaces"))
	if err != nil {
		return nil, err
	}
	return &Entities{WorkOrders: wo, Runs: runs, Workspaces: ws}, nil
}

func (e *Entities) SaveWorkOrder(w *types.WorkOrder) error { return e.WorkOrders.Save(w.ID, w) }

func (e *Entities) LoadWorkOrder(id string) (*types.WorkOrder, error) {
	var w types.WorkOrder
	if err := e.WorkOrders.Load(id, &w); err != nil {
		return nil, err
	}
	return &w, nil
}

func (e *Entities) SaveRun(r *types.Run) error { return e.Runs.Save(r.ID, r) }

func (e *Entities) LoadRun(id string) (*types.Run, error) {
	var r types.Run
	if err := e.Runs.Load(id, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (e *Entities) SaveWorkspace(w *types.Workspace) error { return e.Workspaces.Save(w.ID, w) }

func (e *Entities) LoadWorkspace(id string) (*types.Workspace, error) {
	var w types.Workspace
	if err := e.Workspaces.Load(id, &w); err != nil {
		return nil, err
	}
	return &w, nil
}
