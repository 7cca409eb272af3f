// Orchestrator wiring ties the queue, the convergence loop, and the gate
// runners together into the single work-order run lifecycle spec.md §4
// describes. Grounded in the teacher's RunnerLoop (internal/engine/runner.go)
// for the "drain a channel of ready work, run one at a time per slot,
// goroutine per item" dispatcher shape.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/re-cinq/agentgate/internal/agent"
	"github.com/re-cinq/agentgate/internal/audit"
	"github.com/re-cinq/agentgate/internal/convergence"
	"github.com/re-cinq/agentgate/internal/gate"
	"github.com/re-cinq/agentgate/internal/gateplan"
	"github.com/re-cinq/agentgate/internal/runstate"
	"github.com/re-cinq/agentgate/internal/sandbox"
	"github.com/re-cinq/agentgate/internal/snapshot"
	"github.com/re-cinq/agentgate/internal/types"
)

// errAgentTimeout tags an iteration's Build error as originating from the
// agent driver's own request timeout (agent.AgentResult.TimedOut) rather
// than a generic failure, so executeRun can report types.ResultFailedTimeout
// per spec.md §8 instead of the catch-all ResultFailedError.
var errAgentTimeout = errors.New("agent timed out")

// Submit validates and persists a new WorkOrder, then admits it to the
// queue. Call Start once, separately, to begin draining admitted work.
func (a *App) Submit(wo *types.WorkOrder) error {
	if errs := wo.Validate(); len(errs) > 0 {
		return fmt.Errorf("invalid work order: %v", errs)
	}
	if wo.ID == "" {
		wo.ID = uuid.NewString()
	}
	wo.Status = types.WorkOrderQueued
	wo.CreatedAt = time.Now()

	if err := a.Entities.SaveWorkOrder(wo); err != nil {
		return fmt.Errorf("persisting work order: %w", err)
	}
	if err := a.Queue.Enqueue(wo.ID); err != nil {
		return fmt.Errorf("enqueueing work order: %w", err)
	}
	a.Audit.Write(audit.Entry{
		Action: "work_order.submitted",
		Actor:  "operator",
		Details: map[string]any{
			"workOrderId": wo.ID,
			"driver":      wo.AgentDriverKey,
		},
	})
	return nil
}

// Start begins draining admitted work orders, running each to completion in
// its own goroutine, bounded by the queue's semaphore. Start is idempotent;
// only the first call has any effect. It returns immediately.
func (a *App) Start(ctx context.Context) {
	a.dispatchOnce.Do(func() {
		a.wg.Add(1)
		go a.dispatch(ctx)
	})
}

func (a *App) dispatch(ctx context.Context) {
	defer a.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case id, ok := <-a.Queue.Ready():
			if !ok {
				return
			}
			if err := a.Queue.MarkStarted(id); err != nil {
				a.Logger.Error("work order could not start", "workOrderId", id, "error", err)
				continue
			}
			a.wg.Add(1)
			go func(workOrderID string) {
				defer a.wg.Done()
				defer a.Queue.Complete(workOrderID)
				a.runWorkOrder(ctx, workOrderID)
			}(id)
		}
	}
}

// Cancel requests that a running work order stop. A work order that isn't
// running in this App is removed from the queue via ForceCancel instead;
// Cancel returns an error only when the work order is neither queued nor
// running.
func (a *App) Cancel(workOrderID string) error {
	cancel, ok := a.popCancel(workOrderID)
	if !ok {
		res := a.Queue.ForceCancel(workOrderID)
		if !res.FromQueue && !res.FromRunning {
			return fmt.Errorf("work order %q is not queued or running", workOrderID)
		}
		return nil
	}
	cancel()
	a.Audit.Write(audit.Entry{Action: "work_order.cancel_requested", Actor: "operator", Details: map[string]any{"workOrderId": workOrderID}})
	return nil
}

// runWorkOrder executes one work order's full lifecycle: acquire a
// workspace, build a sandbox, run the convergence loop against the
// configured gate plan, and persist the terminal state. Every error path
// ends the Run in runstate.Failed and the WorkOrder in types.WorkOrderFailed
// rather than propagating, since there is no caller left to return to once
// the dispatcher has handed this off to its own goroutine.
func (a *App) runWorkOrder(parentCtx context.Context, workOrderID string) {
	wo, err := a.Entities.LoadWorkOrder(workOrderID)
	if err != nil {
		a.Logger.Error("loading work order", "workOrderId", workOrderID, "error", err)
		return
	}

	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()
	a.registerCancel(workOrderID, cancel)
	defer a.popCancel(workOrderID)

	run := &types.Run{
		ID:          uuid.NewString(),
		WorkOrderID: wo.ID,
		Iteration:   0,
		State:       string(runstate.Initial),
		StartedAt:   time.Now(),
	}
	wo.Status = types.WorkOrderRunning
	wo.RunID = run.ID
	_ = a.Entities.SaveWorkOrder(wo)
	_ = a.Entities.SaveRun(run)

	result, resultErr := a.executeRun(ctx, wo, run)

	now := time.Now()
	wo.CompletedAt = &now
	run.CompletedAt = &now
	if resultErr != nil {
		run.Error = resultErr.Error()
		wo.Error = resultErr.Error()
		// Setup errors return before the Run reaches a terminal state;
		// SYSTEM_ERROR moves any non-terminal state to Failed.
		if next, err := runstate.Apply(runstate.State(run.State), runstate.SystemError); err == nil {
			run.State = string(next)
		}
	}
	run.Result = &result
	switch result {
	case types.ResultPassed:
		wo.Status = types.WorkOrderSucceeded
	case types.ResultCanceled:
		wo.Status = types.WorkOrderCanceled
	default:
		wo.Status = types.WorkOrderFailed
	}
	_ = a.Entities.SaveRun(run)
	_ = a.Entities.SaveWorkOrder(wo)

	a.Audit.Write(audit.Entry{
		Action: "work_order.completed",
		Actor:  "system",
		Details: map[string]any{
			"workOrderId": wo.ID,
			"runId":       run.ID,
			"result":      string(result),
		},
	})
}

// executeRun drives one Run through runstate transitions while the
// convergence loop iterates, and returns the terminal types.RunResult.
func (a *App) executeRun(ctx context.Context, wo *types.WorkOrder, run *types.Run) (types.RunResult, error) {
	transition := func(evt runstate.Event) error {
		next, err := runstate.Apply(runstate.State(run.State), evt)
		if err != nil {
			return err
		}
		from := run.State
		run.State = string(next)
		_ = a.Entities.SaveRun(run)
		a.Broadcaster.Emit(types.Event{
			Type:        types.EventStateTransition,
			WorkOrderID: wo.ID,
			RunID:       run.ID,
			FromState:   from,
			ToState:     string(next),
		})
		return nil
	}

	ws, err := a.acquireWorkspace(wo, nil)
	if err != nil {
		return types.ResultFailedError, fmt.Errorf("acquiring workspace: %w", err)
	}
	defer a.releaseWorkspace(ws)

	if err := transition(runstate.WorkspaceAcquired); err != nil {
		return types.ResultFailedError, err
	}

	box, err := a.Sandbox.Create(ctx, sandbox.Config{
		WorkspacePath: ws.RootPath,
		AllowNetwork:  wo.Security.NetworkAllowed,
		Label:         fmt.Sprintf("agentgate-%s", wo.ID),
	})
	if err != nil {
		return types.ResultFailedError, fmt.Errorf("creating sandbox: %w", err)
	}
	defer box.Destroy(context.Background())

	driver, ok := a.Drivers.Get(wo.AgentDriverKey)
	if !ok {
		driver, ok = a.Drivers.Default()
	}
	if !ok {
		return types.ResultFailedError, fmt.Errorf("no agent driver registered")
	}

	plan, gates, err := a.loadGatePlan(wo)
	if err != nil {
		return types.ResultFailedError, fmt.Errorf("loading gate plan: %w", err)
	}

	strategy, err := a.buildStrategy(plan)
	if err != nil {
		return types.ResultFailedError, fmt.Errorf("building convergence strategy: %w", err)
	}

	caps, err := plan.ToCaps()
	if err != nil {
		return types.ResultFailedError, fmt.Errorf("building convergence caps: %w", err)
	}
	if wo.MaxIterations > 0 && (caps.MaxIterations == 0 || wo.MaxIterations < caps.MaxIterations) {
		caps.MaxIterations = wo.MaxIterations
	}
	if wo.MaxWallClockSeconds > 0 {
		wallClock := time.Duration(wo.MaxWallClockSeconds) * time.Second
		if caps.MaxWallClock == 0 || wallClock < caps.MaxWallClock {
			caps.MaxWallClock = wallClock
		}
	}

	for _, g := range gates {
		defer g.Runner.Reset(wo.ID)
	}

	sessionID := ""
	var lastGateResults []types.GateResult

	// Declared via var, not :=, so the GateCheck closure below can assign
	// controller.Strategy from inside the literal that builds controller
	// itself — a plain := would put controller out of scope for its own
	// initializer.
	var controller *convergence.Controller
	controller = &convergence.Controller{
		Strategy: strategy,
		Caps:     caps,
		Build: func(ctx context.Context, iteration int, feedback string) error {
			// Only the first iteration needs BUILD_STARTED: every iteration
			// after a retry arrives here already in Building, landed there by
			// Feedback's FEEDBACK_GENERATED transition.
			if run.State == string(runstate.Leased) {
				if err := transition(runstate.BuildStarted); err != nil {
					return err
				}
			}
			run.Iteration = iteration
			_ = a.Entities.SaveRun(run)

			req := agent.Request{
				WorkspacePath:   ws.RootPath,
				Prompt:          wo.Prompt,
				PriorFeedback:   feedback,
				SessionID:       sessionID,
				GatePlanSummary: summarizeGatePlan(plan),
				TimeoutMS:       wo.AgentTimeoutMS,
			}
			opts := agent.ExecOpts{
				WorkOrderID: wo.ID,
				RunID:       run.ID,
				OnEvent:     func(evt types.Event) { a.Broadcaster.Emit(evt) },
				// ctx is canceled only by App.Cancel/Close, never by the
				// request's own TimeoutMS (that deadline is internal to
				// Execute) — so its Done channel is exactly the cancel signal
				// the driver's opts.Cancel contract wants.
				Cancel:      ctx.Done(),
				ProcManager: a.ProcManager,
			}
			res, err := driver.Execute(ctx, req, opts)
			if err != nil {
				_ = transition(runstate.BuildFailed)
				return err
			}
			if res.SessionID != "" {
				sessionID = res.SessionID
				run.SessionID = sessionID
			}
			if res.Cancelled {
				return ctx.Err()
			}
			if res.TimedOut {
				_ = transition(runstate.BuildFailed)
				return fmt.Errorf("%w: agent exceeded timeout", errAgentTimeout)
			}
			if !res.Success {
				_ = transition(runstate.BuildFailed)
				return fmt.Errorf("agent exited %d: %s", res.ExitCode, truncateTail(res.Stderr, 2000))
			}
			return transition(runstate.BuildCompleted)
		},
		Snapshot: func(ctx context.Context, iteration int) (types.Snapshot, error) {
			snap, err := snapshot.Capture(ws.RootPath, wo.ID, iteration)
			if err != nil {
				_ = transition(runstate.SnapshotFailed)
				return types.Snapshot{}, err
			}
			if err := transition(runstate.SnapshotCompleted); err != nil {
				return types.Snapshot{}, err
			}
			if !snap.Unchanged() {
				a.Broadcaster.Emit(types.Event{
					Type:        types.EventFileChanged,
					WorkOrderID: wo.ID,
					RunID:       run.ID,
				})
			}
			return snap, nil
		},
		GateCheck: func(ctx context.Context, iteration int) ([]types.GateResult, error) {
			results, hardStop := a.runGates(box, wo.ID, gates)
			lastGateResults = results
			if hardStop {
				controller.Strategy = forceStop{reason: "a gate with onFailure=stop failed", inner: controller.Strategy}
			}
			return results, nil
		},
		Feedback: func(ctx context.Context, gateResults []types.GateResult) (string, error) {
			if err := transition(runstate.VerifyFailedRetryable); err != nil {
				return "", err
			}
			msg := synthesizeFeedback(run.Iteration, gateResults)
			if err := transition(runstate.FeedbackGenerated); err != nil {
				return "", err
			}
			return msg, nil
		},
	}

	result, err := controller.Run(ctx)
	if err != nil {
		if errors.Is(err, errAgentTimeout) {
			return types.ResultFailedTimeout, err
		}
		_ = transition(runstate.SystemError)
		return types.ResultFailedError, err
	}

	run.History = append(run.History, historyFromResult(result)...)

	switch result.Status {
	case convergence.StatusConverged:
		if err := transition(runstate.VerifyPassed); err != nil {
			return types.ResultFailedError, err
		}
		a.emitRunComplete(wo, run)
		return types.ResultPassed, nil
	case convergence.StatusCanceled:
		_ = transition(runstate.UserCanceled)
		return types.ResultCanceled, nil
	default:
		if allGatesPassedLast(lastGateResults) {
			_ = transition(runstate.VerifyPassed)
			a.emitRunComplete(wo, run)
			return types.ResultPassed, nil
		}
		_ = transition(runstate.VerifyFailedTerminal)
		return types.ResultFailedVerify, fmt.Errorf("%s", result.Reason)
	}
}

// emitRunComplete broadcasts the terminal progress_update a successful run
// never otherwise reaches: percentageLocked caps every in-flight reading at
// 99 so that 100 is reserved for completion, per spec.md §4.6.
func (a *App) emitRunComplete(wo *types.WorkOrder, run *types.Run) {
	a.Broadcaster.Emit(types.Event{
		Type:        types.EventProgressUpdate,
		WorkOrderID: wo.ID,
		RunID:       run.ID,
		Percentage:  100,
		Phase:       "Finalizing",
	})
}

// runGates executes every configured gate in declared order against box,
// stopping early once a gate whose OnFailure policy is "stop" fails — its
// result is still included, but gates after it don't run. The second
// return value reports whether that happened, so the caller can force the
// convergence loop to stop this iteration rather than retry it.
func (a *App) runGates(box sandbox.Sandbox, workOrderID string, gates []gate.Gate) ([]types.GateResult, bool) {
	results := make([]types.GateResult, 0, len(gates))
	for _, g := range gates {
		res, err := g.Runner.Check(box, workOrderID)
		if err != nil {
			res = types.GateResult{
				Gate:   g.Name,
				Check:  "error",
				Passed: false,
				Failures: []types.GateFailure{{
					Message: err.Error(),
				}},
			}
		}
		results = append(results, res)
		if !res.Passed && g.OnFailure == gate.OnFailureStop {
			return results, true
		}
	}
	return results, false
}

// loadGatePlan reads and decodes the work order's gate-plan document, and
// builds its gate.Gate list. "ci" checks have no poll function registered
// in this build, per acquireWorkspace's out-of-scope note on external
// collaborators, so a plan containing one fails to load with a clear error
// rather than silently running a no-op gate.
func (a *App) loadGatePlan(wo *types.WorkOrder) (*gateplan.Plan, []gate.Gate, error) {
	data, err := os.ReadFile(wo.GatePlanSource)
	if err != nil {
		return nil, nil, fmt.Errorf("reading gate plan %q: %w", wo.GatePlanSource, err)
	}
	plan, err := gateplan.Decode(data)
	if err != nil {
		return nil, nil, err
	}
	if errs := plan.Validate(); len(errs) > 0 {
		return nil, nil, fmt.Errorf("invalid gate plan: %v", errs)
	}

	gates, err := plan.ToGates(nil)
	if err != nil {
		return nil, nil, err
	}

	if len(wo.Security.ForbiddenPathGlob) > 0 {
		runner, err := gate.NewContractsRunner(gate.ContractsConfig{
			ForbiddenPatterns: wo.Security.ForbiddenPathGlob,
			HonorGitignore:    true,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("building security policy gate: %w", err)
		}
		gates = append([]gate.Gate{{
			Name:      "security-policy",
			OnFailure: gate.OnFailureStop,
			Runner:    runner,
		}}, gates...)
	}

	return plan, gates, nil
}

func (a *App) buildStrategy(plan *gateplan.Plan) (convergence.Strategy, error) {
	if plan.Strategy == "manual" {
		return nil, fmt.Errorf("manual strategy requires an operator decision channel, not supported for unattended runs")
	}
	return plan.ToStrategy()
}

// forceStop decorates a Strategy so the iteration loop stops immediately
// the first time it's consulted, regardless of what the wrapped strategy
// would have decided. executeRun's GateCheck closure swaps the controller's
// Strategy out for one of these when runGates reports that a stop-policy
// gate failed, implementing per-gate
// onFailure=stop without requiring convergence.Strategy itself to know
// about individual gates.
type forceStop struct {
	reason string
	inner  convergence.Strategy
}

func (f forceStop) Name() string                                       { return f.inner.Name() }
func (f forceStop) OnLoopStart(ctx context.Context)                     { f.inner.OnLoopStart(ctx) }
func (f forceStop) OnIterationStart(ctx context.Context, iteration int) { f.inner.OnIterationStart(ctx, iteration) }
func (f forceStop) ShouldContinue(ctx context.Context, lc convergence.LoopContext) convergence.Outcome {
	return convergence.Outcome{Decision: convergence.DecisionStop, Reason: f.reason}
}

func allGatesPassedLast(results []types.GateResult) bool {
	if len(results) == 0 {
		return false
	}
	for _, r := range results {
		if !r.Passed {
			return false
		}
	}
	return true
}

func historyFromResult(result convergence.Result) []types.IterationHistoryEntry {
	entries := make([]types.IterationHistoryEntry, 0, len(result.History))
	for _, rec := range result.History {
		entries = append(entries, types.IterationHistoryEntry{
			Iteration:      rec.Iteration,
			Timestamp:      rec.Timestamp,
			GateResults:    rec.GateResults,
			Decision:       string(rec.Decision),
			Snapshot:       rec.Fingerprint.SHA,
			ErrorSignature: rec.Fingerprint.ErrorSignature,
		})
	}
	return entries
}

func summarizeGatePlan(plan *gateplan.Plan) string {
	names := make([]string, 0, len(plan.Gates))
	for _, g := range plan.Gates {
		names = append(names, fmt.Sprintf("%s (%s)", g.Name, g.Check.Type))
	}
	return fmt.Sprintf("strategy=%s gates=%v", plan.Strategy, names)
}

func truncateTail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
