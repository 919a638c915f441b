// ABOUTME: Root command for the edge-admin CLI
// ABOUTME: Wires the operator subcommands together

package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "edge-admin",
	Short: "edge-admin manages edge-gateway credentials",
	Long: `Operator tooling for edge-gateway: generate signing secrets, hash
admin passwords and mint test tokens against a gateway config.`,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}
