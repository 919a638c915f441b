// ABOUTME: Subcommand that bcrypt-hashes an admin password
// ABOUTME: Reads the password from stdin so it never lands in shell history

package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
)

var hashCost int

var hashPasswordCmd = &cobra.Command{
	Use:   "hash-password",
	Short: "Hash an admin password for the config file",
	Long: `Reads a password from stdin and prints its bcrypt hash for
auth.admin_password_hash. The plaintext is never written anywhere.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if hashCost < bcrypt.MinCost || hashCost > bcrypt.MaxCost {
			return fmt.Errorf("cost must be between %d and %d", bcrypt.MinCost, bcrypt.MaxCost)
		}

		fmt.Fprint(os.Stderr, "Password: ")
		reader := bufio.NewReader(os.Stdin)
		password, err := reader.ReadString('\n')
		if err != nil {
			return fmt.Errorf("reading password: %w", err)
		}
		password = strings.TrimRight(password, "\r\n")
		if password == "" {
			return fmt.Errorf("password cannot be empty")
		}

		hash, err := bcrypt.GenerateFromPassword([]byte(password), hashCost)
		if err != nil {
			return fmt.Errorf("hashing password: %w", err)
		}
		color.New(color.FgGreen).Println(string(hash))
		return nil
	},
}

func init() {
	hashPasswordCmd.Flags().IntVar(&hashCost, "cost", bcrypt.DefaultCost, "bcrypt cost factor")
	rootCmd.AddCommand(hashPasswordCmd)
}
