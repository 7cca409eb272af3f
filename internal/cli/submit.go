package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/re-cinq/agentgate/internal/agent"
	"github.com/re-cinq/agentgate/internal/app"
	"github.com/re-cinq/agentgate/internal/types"
)

var (
	submitPrompt        string
	submitWorkspacePath string
	submitFreshDest     string
	submitDriverName    string
	submitDriverCommand string
	submitGatePlan      string
	submitMaxIterations int
	submitMaxWallClock  int
	submitAgentTimeout  int
	submitNetwork       bool
	submitForbidden     []string
	submitWait          bool
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a new work order and, by default, wait for it to finish",
	RunE:  runSubmit,
}

func init() {
	submitCmd.Flags().StringVar(&submitPrompt, "prompt", "", "task prompt (required, at least 10 characters)")
	submitCmd.Flags().StringVar(&submitWorkspacePath, "workspace", "", "path to an existing local workspace")
	submitCmd.Flags().StringVar(&submitFreshDest, "fresh-dest", "", "path to create and seed a brand-new workspace at, instead of --workspace")
	submitCmd.Flags().StringVar(&submitDriverName, "driver", "claude", "agent driver name")
	submitCmd.Flags().StringVar(&submitDriverCommand, "driver-command", "claude", "executable to invoke for the agent driver")
	submitCmd.Flags().StringVar(&submitGatePlan, "gate-plan", "", "path to the gate-plan document (required)")
	submitCmd.Flags().IntVar(&submitMaxIterations, "max-iterations", 5, "maximum convergence-loop iterations")
	submitCmd.Flags().IntVar(&submitMaxWallClock, "max-wallclock", 1800, "maximum run wall-clock time, in seconds")
	submitCmd.Flags().IntVar(&submitAgentTimeout, "agent-timeout", 0, "maximum time for a single agent invocation, in seconds (0 uses the driver default)")
	submitCmd.Flags().BoolVar(&submitNetwork, "network", false, "allow outbound networking from the sandbox")
	submitCmd.Flags().StringSliceVar(&submitForbidden, "forbidden", nil, "glob patterns the agent must never touch (repeatable)")
	submitCmd.Flags().BoolVar(&submitWait, "wait", true, "block and report progress until the run reaches a terminal state")
	_ = submitCmd.MarkFlagRequired("prompt")
	_ = submitCmd.MarkFlagRequired("gate-plan")
}

func runSubmit(cmd *cobra.Command, args []string) error {
	ws := types.WorkspaceSource{Kind: types.SourceLocal, Path: submitWorkspacePath}
	if submitFreshDest != "" {
		ws = types.WorkspaceSource{Kind: types.SourceFresh, DestPath: submitFreshDest, ProjectName: "agentgate-run"}
	}

	wo := &types.WorkOrder{
		Prompt:              submitPrompt,
		Workspace:           ws,
		AgentDriverKey:      submitDriverName,
		MaxIterations:       submitMaxIterations,
		MaxWallClockSeconds: submitMaxWallClock,
		AgentTimeoutMS:      int64(submitAgentTimeout) * 1000,
		GatePlanSource:      absOrSelf(submitGatePlan),
		Security: types.SecurityPolicy{
			NetworkAllowed:    submitNetwork,
			ForbiddenPathGlob: submitForbidden,
		},
	}

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	a.Drivers.Register(agent.NewSubprocessDriver(submitDriverName, submitDriverCommand, nil, false, agent.Capabilities{
		SupportsSessionResume: true,
		SupportsTimeout:       true,
	}))

	if err := a.Submit(wo); err != nil {
		return fmt.Errorf("submit: %w", err)
	}
	fmt.Printf("submitted work order %s\n", wo.ID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a.Start(ctx)

	if !submitWait {
		return nil
	}

	return waitForTerminal(a, wo.ID)
}

func waitForTerminal(a *app.App, workOrderID string) error {
	for {
		loaded, err := a.Entities.LoadWorkOrder(workOrderID)
		if err != nil {
			return fmt.Errorf("reading work order status: %w", err)
		}
		if loaded.Status.Terminal() {
			fmt.Printf("work order %s finished: %s\n", workOrderID, loaded.Status)
			if loaded.Error != "" {
				fmt.Printf("error: %s\n", loaded.Error)
			}
			return nil
		}
		time.Sleep(2 * time.Second)
	}
}
