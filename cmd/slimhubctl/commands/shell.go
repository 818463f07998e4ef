package commands

import (
	"fmt"

	"github.com/reeflective/console"
	"github.com/spf13/cobra"
)

func shellCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Start an interactive slimhubctl shell",
		Long:  "Launches a REPL with completion and history that accepts slimhubctl subcommands.",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			app := console.New("slimhubctl")

			menu := app.ActiveMenu()
			menu.SetCommands(func() *cobra.Command {
				return rootCmd
			})
			menu.Prompt().Primary = func() string {
				return "slimhubctl> "
			}

			if err := app.Start(); err != nil {
				return fmt.Errorf("run shell: %w", err)
			}

			return nil
		},
	}
}
