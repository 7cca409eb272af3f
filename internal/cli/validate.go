package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/re-cinq/agentgate/internal/gateplan"
)

var validateCmd = &cobra.Command{
	Use:   "validate <gate-plan-file>",
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

// loadAndValidateGatePlan reads, decodes, and validates a gate-plan
// document, printing every problem found to stderr before returning an
// aggregate error — the same load-then-validate-then-print shape the
// teacher's loadAndValidateConfig uses.
func loadAndValidateGatePlan(path string) (*gateplan.Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		return nil, err
	}
	plan, err := gateplan.Decode(data)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		return nil, err
	}
	if errs := plan.Validate(); len(errs) > 0 {
		for _, e := range errs {
			fmt.Fprintf(os.Stderr, "Error: %s\n", e)
		}
		return nil, fmt.Errorf("%d validation error(s)", len(errs))
	}
	return plan, nil
}
