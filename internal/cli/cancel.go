package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel <work-order-id>",
	Short: "Request cancellation of a queued or running work order",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		workOrderID := args[0]
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close(cmd.Context())

		if err := a.Cancel(workOrderID); err != nil {
			return fmt.Errorf("cancel: %w", err)
		}
		fmt.Printf("cancellation requested for %s\n", workOrderID)
		return nil
	},
}
