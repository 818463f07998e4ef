package commands

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"
)

// --- model ---

func modelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "model <mac> <path | update <path> | train | remove>",
		Short: "Push a model artifact to a node, remove it, or request training",
		Long:  "Transfers the model file over the chunked BLE protocol. The daemon reads the file, so the path must be visible to the daemon process.",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(_ *cobra.Command, args []string) error {
			wire := []string{"model", args[0]}
			switch {
			case len(args) == 2 && (args[1] == "remove" || args[1] == "train"):
				wire = append(wire, args[1])
			default:
				path := args[len(args)-1]
				// The daemon resolves relative paths against its own
				// working directory; send an absolute path instead.
				abs, err := filepath.Abs(path)
				if err != nil {
					return fmt.Errorf("resolve path %q: %w", path, err)
				}
				if len(args) == 3 {
					wire = append(wire, args[1], abs)
				} else {
					wire = append(wire, abs)
				}
			}

			resp, err := request(wire...)
			if err != nil {
				return fmt.Errorf("model transfer: %w", err)
			}

			fmt.Println(resp)

			return nil
		},
	}
}

// --- file ---

func fileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "file <mac> <local_path> <target_path>",
		Short: "Push a file to a path on a node's flash",
		Args:  cobra.ExactArgs(3),
		RunE: func(_ *cobra.Command, args []string) error {
			abs, err := filepath.Abs(args[1])
			if err != nil {
				return fmt.Errorf("resolve path %q: %w", args[1], err)
			}

			resp, err := request("file", args[0], abs, args[2])
			if err != nil {
				return fmt.Errorf("file transfer: %w", err)
			}

			fmt.Println(resp)

			return nil
		},
	}
}

// --- transfers ---

func transfersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "transfers",
		Short: "List in-flight and settled transfers",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			resp, err := request("transfers")
			if err != nil {
				return fmt.Errorf("list transfers: %w", err)
			}

			fmt.Println(resp)

			return nil
		},
	}
}
