package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

// errUnknownFeatureAction is returned for a feature action other than
// start or stop.
var errUnknownFeatureAction = errors.New("unknown feature action, expected start or stop")

// --- list ---

func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all known sensor nodes",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			resp, err := request("list")
			if err != nil {
				return fmt.Errorf("list nodes: %w", err)
			}

			out, err := formatNodes(resp, outputFormat)
			if err != nil {
				return fmt.Errorf("format nodes: %w", err)
			}

			fmt.Print(out)

			return nil
		},
	}
}

// --- config ---

func configCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config <mac> <name> <location>",
		Short: "Set a node's name and room location",
		Long:  "Persists the node configuration on the hub and pushes it to the node when it is connected.",
		Args:  cobra.ExactArgs(3),
		RunE: func(_ *cobra.Command, args []string) error {
			resp, err := request("config", args[0], args[1], args[2])
			if err != nil {
				return fmt.Errorf("configure node: %w", err)
			}

			fmt.Println(resp)

			return nil
		},
	}
}

// --- service ---

func serviceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "service <mac> <service> <work|raw|both|off>",
		Short: "Switch a sensor service's streaming mode",
		Args:  cobra.ExactArgs(3),
		RunE: func(_ *cobra.Command, args []string) error {
			resp, err := request("service", args[0], args[1], args[2])
			if err != nil {
				return fmt.Errorf("switch service: %w", err)
			}

			fmt.Println(resp)

			return nil
		},
	}
}

// --- reset ---

func resetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset <mac>",
		Short: "Reboot a sensor node",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			resp, err := request("reset", args[0])
			if err != nil {
				return fmt.Errorf("reset node: %w", err)
			}

			fmt.Println(resp)

			return nil
		},
	}
}

// --- feature ---

func featureCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "feature <mac> <start|stop>",
		Short: "Start or stop sound feature streaming on a node",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			if args[1] != "start" && args[1] != "stop" {
				return fmt.Errorf("%w: %q", errUnknownFeatureAction, args[1])
			}

			resp, err := request("feature", args[0], args[1])
			if err != nil {
				return fmt.Errorf("feature control: %w", err)
			}

			fmt.Println(resp)

			return nil
		},
	}
}
