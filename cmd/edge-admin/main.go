// ABOUTME: Entry point for the edge-admin operator CLI
// ABOUTME: Secrets, password hashes and test tokens for gateway operators

package main

import "github.com/meridian/edge-gateway/cmd/edge-admin/cmd"

func main() {
	cmd.Execute()
}
