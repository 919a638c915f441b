// ABOUTME: Subcommand that generates a random token signing secret
// ABOUTME: 32 bytes from crypto/rand, base64-encoded for config files

package cmd

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var secretBytes int

var secretCmd = &cobra.Command{
	Use:   "secret",
	Short: "Generate a random signing secret",
	Long: `Generates a cryptographically random secret suitable for
auth.signing_secret. Store it in your secret manager and reference it from
the config via ${EDGE_SIGNING_SECRET}.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if secretBytes < 32 {
			return fmt.Errorf("secret must be at least 32 bytes (got %d)", secretBytes)
		}
		buf := make([]byte, secretBytes)
		if _, err := rand.Read(buf); err != nil {
			return fmt.Errorf("generating secret: %w", err)
		}
		color.New(color.FgGreen).Println(base64.StdEncoding.EncodeToString(buf))
		return nil
	},
}

func init() {
	secretCmd.Flags().IntVar(&secretBytes, "bytes", 32, "secret length in bytes")
	rootCmd.AddCommand(secretCmd)
}
