package commands

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/slimhive/slimhub/internal/server"
)

// requestTimeout bounds one command-plane round trip.
const requestTimeout = 30 * time.Second

var (
	// outputFormat controls the output format for listing commands
	// (table or json).
	outputFormat string

	// serverAddr is the daemon command-plane address (host:port).
	serverAddr string
)

// rootCmd is the top-level cobra command for slimhubctl.
var rootCmd = &cobra.Command{
	Use:   "slimhubctl",
	Short: "CLI client for the slimhub daemon",
	Long:  "slimhubctl manages DEAN sensor nodes through the slimhub daemon's local command plane.",
	// Silence cobra's built-in usage/error printing so we control it.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverAddr, "addr", "localhost:6604",
		"slimhub daemon address (host:port)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "table",
		"output format: table, json")

	rootCmd.AddCommand(listCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serviceCmd())
	rootCmd.AddCommand(resetCmd())
	rootCmd.AddCommand(featureCmd())
	rootCmd.AddCommand(modelCmd())
	rootCmd.AddCommand(fileCmd())
	rootCmd.AddCommand(transfersCmd())
	rootCmd.AddCommand(applyCmd())
	rootCmd.AddCommand(quitCmd())
	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(shellCmd())
}

// Execute runs the root command and exits with code 1 on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// request performs one round trip to the daemon and returns the raw
// response. Responses starting with "ERROR:" surface as errors.
func request(args ...string) (string, error) {
	resp, err := server.Request(serverAddr, args, requestTimeout)
	if err != nil {
		return "", err
	}
	if len(resp) >= 6 && resp[:6] == "ERROR:" {
		return "", fmt.Errorf("daemon: %s", resp[6:])
	}
	return resp, nil
}
