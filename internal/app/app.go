// Package app wires C1-C9 together into the single "application" value the
// system prompt's singleton-registries guidance (spec.md §9) asks for:
// the driver registry, queue, process manager, and event broadcaster all
// carry module-level lifetime in the source system, but here they are
// fields of an explicitly constructed and torn-down App rather than
// package-level globals, so a test can build a fresh one per case.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/re-cinq/agentgate/internal/agent"
	"github.com/re-cinq/agentgate/internal/audit"
	"github.com/re-cinq/agentgate/internal/events"
	"github.com/re-cinq/agentgate/internal/logging"
	"github.com/re-cinq/agentgate/internal/procmgr"
	"github.com/re-cinq/agentgate/internal/queue"
	"github.com/re-cinq/agentgate/internal/sandbox"
	"github.com/re-cinq/agentgate/internal/store"
)

// SandboxMode selects which sandbox.Provider an App constructs, per
// spec.md §4.1's two variants.
type SandboxMode string

const (
	SandboxSubprocess SandboxMode = "subprocess"
	SandboxContainer  SandboxMode = "container"
)

// Config configures a new App.
type Config struct {
	// StoreDir is the application directory entity JSON files and the
	// audit log live under, per spec.md §6. Created with 0700 permissions.
	StoreDir string

	MaxQueueSize  int
	MaxConcurrent int64

	SandboxMode SandboxMode

	Audit audit.Config

	Logger *slog.Logger
}

// App bundles the application-lifetime singletons spec.md §9 describes:
// the driver registry, queue, process manager, and event broadcaster.
// Construct one with New, and tear it down with Close.
type App struct {
	Entities    *store.Entities
	Queue       *queue.Queue
	ProcManager *procmgr.Manager
	Broadcaster *events.Broadcaster
	Drivers     *agent.Registry
	Sandbox     sandbox.Provider
	Audit       *audit.Logger
	Logger      *slog.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup

	dispatchOnce sync.Once
}

// New constructs an App. The caller registers agent drivers on
// Drivers before submitting work orders.
func New(cfg Config) (*App, error) {
	if cfg.StoreDir == "" {
		return nil, fmt.Errorf("app: StoreDir is required")
	}
	if err := os.MkdirAll(cfg.StoreDir, 0o700); err != nil {
		return nil, fmt.Errorf("app: creating store dir: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}

	entities, err := store.Open(cfg.StoreDir)
	if err != nil {
		return nil, fmt.Errorf("app: opening entity stores: %w", err)
	}

	auditCfg := cfg.Audit
	if auditCfg.Destination == "" {
		auditCfg.Destination = audit.DestinationFile
	}
	if auditCfg.Path == "" && auditCfg.Destination == audit.DestinationFile {
		auditCfg.Path = filepath.Join(cfg.StoreDir, "audit.jsonl")
	}
	auditCfg.Fallback = logger
	auditLogger, err := audit.New(auditCfg)
	if err != nil {
		return nil, fmt.Errorf("app: opening audit log: %w", err)
	}

	var provider sandbox.Provider
	switch cfg.SandboxMode {
	case SandboxContainer:
		provider, err = sandbox.NewContainerProvider()
		if err != nil {
			return nil, fmt.Errorf("app: creating container sandbox provider: %w", err)
		}
	default:
		provider = sandbox.NewSubprocessProvider()
	}

	return &App{
		Entities:    entities,
		Queue:       queue.New(cfg.MaxQueueSize, cfg.MaxConcurrent),
		ProcManager: procmgr.New(),
		Broadcaster: events.New(),
		Drivers:     agent.NewRegistry(),
		Sandbox:     provider,
		Audit:       auditLogger,
		Logger:      logger,
		cancels:     make(map[string]context.CancelFunc),
	}, nil
}

// Close cancels every in-flight run, waits for its goroutine to unwind,
// then tears down every owned singleton: kills any subprocess still
// registered, sweeps sandbox resources, and closes the audit log.
func (a *App) Close(ctx context.Context) error {
	a.mu.Lock()
	for id, cancel := range a.cancels {
		cancel()
		delete(a.cancels, id)
	}
	a.mu.Unlock()
	a.wg.Wait()

	a.ProcManager.Shutdown(procmgr.KillOpts{})
	var errs []error
	if err := a.Sandbox.Cleanup(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := a.Audit.Close(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("app: close: %v", errs)
	}
	return nil
}

func (a *App) registerCancel(workOrderID string, cancel context.CancelFunc) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cancels[workOrderID] = cancel
}

func (a *App) popCancel(workOrderID string) (context.CancelFunc, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	cancel, ok := a.cancels[workOrderID]
	delete(a.cancels, workOrderID)
	return cancel, ok
}
