package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// socketPath is the daemon admin socket for all commands.
	socketPath string

	// outputFormat controls the output format (table, json, yaml).
	outputFormat string
)

// rootCmd is the top-level cobra command for citadelctl.
var rootCmd = &cobra.Command{
	Use:   "citadelctl",
	Short: "Admin CLI for the citadeld daemon",
	Long:  "citadelctl talks to the citadeld daemon over its local admin socket to inspect sessions and contacts and to run BBS commands.",
	// Silence cobra's built-in usage/error printing so we control it.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&socketPath, "socket", "/run/citadel/admin.sock",
		"citadeld admin socket path")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "table",
		"output format: table, json, yaml")

	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(whoCmd())
	rootCmd.AddCommand(contactsCmd())
	rootCmd.AddCommand(sendCmd())
	rootCmd.AddCommand(messageCmd())
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
