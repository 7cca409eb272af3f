package cli

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/re-cinq/agentgate/internal/app"
	"github.com/re-cinq/agentgate/internal/runstate"
)

var (
	statusFollow   bool
	statusInterval float64
)

var statusCmd = &cobra.Command{
	Use:   "status <work-order-id>",
	Short: "Show the status of a work order and its active run",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().BoolVarP(&statusFollow, "follow", "f", false, "live-update status (like watch)")
	statusCmd.Flags().Float64VarP(&statusInterval, "interval", "n", 2.0, "seconds between updates (with --follow)")
}

func runStatus(cmd *cobra.Command, args []string) error {
	workOrderID := args[0]
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close(cmd.Context())

	if statusFollow {
		return followStatus(a, workOrderID)
	}
	return renderStatus(os.Stdout, a, workOrderID)
}

func followStatus(a *app.App, workOrderID string) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	interval := time.Duration(statusInterval * float64(time.Second))
	var lastOutput string

	for {
		var buf bytes.Buffer
		if err := renderStatus(&buf, a, workOrderID); err != nil {
			fmt.Fprintf(os.Stderr, "\nerror: %s\n", err)
		}
		output := buf.String()
		if output != lastOutput {
			fmt.Print("\033[2J\033[H")
			fmt.Print(output)
			lastOutput = output
		}

		select {
		case <-sigCh:
			fmt.Println()
			return nil
		case <-time.After(interval):
		}
	}
}

// renderStatus writes a one-shot snapshot of a work order, its active run,
// and the run's per-iteration gate history to w.
func renderStatus(w io.Writer, a *app.App, workOrderID string) error {
	wo, err := a.Entities.LoadWorkOrder(workOrderID)
	if err != nil {
		return fmt.Errorf("loading work order %s: %w", workOrderID, err)
	}

	fmt.Fprintf(w, "work order %s\n", wo.ID)
	fmt.Fprintf(w, "  prompt:  %s\n", truncateForDisplay(wo.Prompt, 80))
	fmt.Fprintf(w, "  status:  %s\n", wo.Status)
	if wo.Error != "" {
		fmt.Fprintf(w, "  error:   %s\n", wo.Error)
	}

	if wo.RunID == "" {
		fmt.Fprintln(w, "  (no run has started yet)")
		return nil
	}

	run, err := a.Entities.LoadRun(wo.RunID)
	if err != nil {
		return fmt.Errorf("loading run %s: %w", wo.RunID, err)
	}
	symbol, color := stateDisplay(runstate.State(run.State))
	fmt.Fprintf(w, "\nrun %s %s%s %s%s  (iteration %d)\n", run.ID, color, symbol, run.State, ansiReset, run.Iteration)
	if run.SnapshotAfter != "" {
		fmt.Fprintf(w, "  snapshot: %s -> %s\n", short(run.SnapshotBefore), short(run.SnapshotAfter))
	}

	for _, entry := range run.History {
		passed := 0
		for _, g := range entry.GateResults {
			if g.Passed {
				passed++
			}
		}
		fmt.Fprintf(w, "  iter %d: %d/%d gates passed, decision=%s\n", entry.Iteration, passed, len(entry.GateResults), entry.Decision)
		for _, g := range entry.GateResults {
			mark := "✓"
			c := ansiGreen
			if !g.Passed {
				mark = "✗"
				c = ansiRed
			}
			fmt.Fprintf(w, "    %s%s%s %s (%s)\n", c, mark, ansiReset, g.Gate, g.Check)
		}
	}
	return nil
}

func truncateForDisplay(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
