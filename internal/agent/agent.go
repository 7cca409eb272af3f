// Package agent implements C2: invoking an external coding-agent binary
// as a subprocess and turning its stdout into either a single AgentResult
// or a stream of typed events. Grounded in the teacher's
// internal/engine/engine.go invokeAgent: a PTY-backed child process with
// SIGTERM-then-grace cancellation, generalized here from one hardcoded
// agent config into a registry of interchangeable Driver implementations.
package agent

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/re-cinq/agentgate/internal/procmgr"
	"github.com/re-cinq/agentgate/internal/types"
)

// Capabilities describes what a Driver supports, per spec.md §4.2.
type Capabilities struct {
	SupportsSessionResume    bool
	SupportsStructuredOutput bool
	SupportsToolRestriction  bool
	SupportsTimeout          bool
	MaxTurns                 int
}

// Constraints narrows what the agent is allowed to do during one request.
type Constraints struct {
	MaxTurns              int
	AdditionalSystemPrompt string
}

// Request is one invocation of a Driver.
type Request struct {
	WorkspacePath   string
	Prompt          string
	PriorFeedback   string
	SessionID       string
	Constraints     Constraints
	TimeoutMS       int64
	GatePlanSummary string
}

// AgentResult is the outcome of one Driver.Execute call.
type AgentResult struct {
	Success          bool
	ExitCode         int
	Stdout           string
	Stderr           string
	StructuredOutput map[string]any
	SessionID        string
	TokensUsed       int64
	DurationMS       int64
	Cancelled        bool
	// TimedOut reports the request's own TimeoutMS elapsing, distinct from
	// Cancelled (an external opts.Cancel signal). ExitCode is reported as
	// 124 per the conventional timeout(1) exit status when this is true.
	TimedOut bool
}

// EventFunc receives streamed events during Execute when streaming mode is
// requested; see Driver.Execute's opts.
type EventFunc func(types.Event)

// ExecOpts controls one Execute call beyond what Request already carries.
type ExecOpts struct {
	// OnEvent, if non-nil along with WorkOrderID/RunID, switches the driver
	// into streaming mode: stdout is parsed line by line and emitted as
	// typed events rather than collected into AgentResult.Stdout.
	OnEvent     EventFunc
	WorkOrderID string
	RunID       string
	// Cancel, if non-nil, is closed to signal the driver to SIGTERM the
	// child and return a Cancelled result.
	Cancel <-chan struct{}
	// ProcManager, if non-nil, takes ownership of the spawned subprocess's
	// lifecycle (registration, wait, kill escalation) per spec.md §4.8,
	// instead of the driver tracking it unilaterally. WorkOrderID/RunID
	// must also be set when ProcManager is, since Register is keyed by them.
	ProcManager *procmgr.Manager
}

// Driver is one coding-agent backend (e.g. a `claude`/`aider`/`codex`
// binary). Multiple drivers coexist in a Registry.
type Driver interface {
	Name() string
	IsAvailable() bool
	Capabilities() Capabilities
	Execute(ctx context.Context, req Request, opts ExecOpts) (AgentResult, error)
}

// Registry holds Drivers keyed by lowercase name. The first Driver
// registered becomes Default(), per spec.md §4.2.
type Registry struct {
	mu        sync.RWMutex
	drivers   map[string]Driver
	order     []string
	defaultOf string
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{drivers: make(map[string]Driver)}
}

// Register adds d, keyed by the lowercased form of d.Name(). The first
// registration becomes the default driver.
func (r *Registry) Register(d Driver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := lower(d.Name())
	if _, exists := r.drivers[key]; !exists {
		r.order = append(r.order, key)
	}
	r.drivers[key] = d
	if r.defaultOf == "" {
		r.defaultOf = key
	}
}

// Get returns the driver registered under name (case-insensitive).
func (r *Registry) Get(name string) (Driver, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.drivers[lower(name)]
	return d, ok
}

// Default returns the first-registered driver.
func (r *Registry) Default() (Driver, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.drivers[r.defaultOf]
	return d, ok
}

// Names lists registered driver keys in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Available lists the names of drivers currently reporting IsAvailable,
// sorted for deterministic display.
func (r *Registry) Available() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for _, name := range r.order {
		if r.drivers[name].IsAvailable() {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func lower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

// deadline is a small helper shared by drivers to compute an effective
// context timeout from a Request's TimeoutMS, defaulting when unset.
func deadline(ms int64, def time.Duration) time.Duration {
	if ms <= 0 {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}
