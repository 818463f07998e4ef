package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// --- apply ---

func applyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "apply",
		Short: "Re-push every stored node config to the connected nodes",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			resp, err := request("apply")
			if err != nil {
				return fmt.Errorf("apply configs: %w", err)
			}

			fmt.Println(resp)

			return nil
		},
	}
}

// --- quit ---

func quitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "quit",
		Short: "Shut the slimhub daemon down",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			resp, err := request("quit")
			if err != nil {
				return fmt.Errorf("quit daemon: %w", err)
			}

			fmt.Println(resp)

			return nil
		},
	}
}
