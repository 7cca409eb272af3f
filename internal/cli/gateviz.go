// gateviz.go adapts the teacher's viz.go (internal/cli/viz.go): that prints
// a concern watch-chain as a tree. A gate plan has no watch-chain — gates
// run in declared sequential order, per spec.md §9's Open Questions
// decision — so there is nothing to build downstream edges over. What
// carries over is the tree-printing shape itself, repurposed to show each
// gate's onFailure fan-out instead: gates with action "stop" branch off as
// a leaf marked "(halts run)", gates with action "retry" are marked
// "(retry up to N)", and the rest print as plain sequential steps.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/re-cinq/agentgate/internal/gateplan"
)

var gateCmd = &cobra.Command{
	Use:   "gate",
	Short: "Inspect gate-plan documents",
}

var gatePlanValidateCmd = &cobra.Command{
	Use:   "plan-validate <gate-plan-file>",
	Short: "Validate a gate-plan document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := loadAndValidateGatePlan(args[0]); err != nil {
			return err
		}
		fmt.Println("Gate plan is valid.")
		return nil
	},
}

var gatePlanVizCmd = &cobra.Command{
	Use:   "plan-viz <gate-plan-file>",
	Short: "Print a gate plan's sequential fan-out as a tree",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		plan, err := loadAndValidateGatePlan(args[0])
		if err != nil {
			return err
		}
		printGatePlan(plan)
		return nil
	},
}

func init() {
	gateCmd.AddCommand(gatePlanValidateCmd)
	gateCmd.AddCommand(gatePlanVizCmd)
}

func printGatePlan(plan *gateplan.Plan) {
	fmt.Printf("[%s strategy]\n", plan.Strategy)
	for i, g := range plan.Gates {
		isLast := i == len(plan.Gates)-1
		printGateBranch(g, "", isLast)
	}
}

func printGateBranch(g gateplan.GateSpec, prefix string, isLast bool) {
	connector := "├── "
	if isLast {
		connector = "└── "
	}

	suffix := ""
	if g.OnFailure.Action == "stop" {
		suffix = "  (halts run)"
	} else if g.OnFailure.Action == "retry" {
		suffix = fmt.Sprintf("  (retry up to %d)", g.OnFailure.MaxRetries)
	}
	fmt.Printf("%s%s%s [%s]%s\n", prefix, connector, g.Name, g.Check.Type, suffix)
}
