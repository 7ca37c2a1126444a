// Sanduku — sandbox manager for container-backed execution environments.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "sanduku",
	Short: "Sanduku — provisions, pools, and recycles container-backed sandboxes.",
	Long: `Sanduku manages a fleet of hardened, short-lived sandbox containers.
It keeps a warm pool per sandbox type so acquires are fast, coordinates
host ports and instance records across worker processes through a shared
state store, and exposes an HTTP management API for acquire, release,
and inspection.`,
	RunE:          runServe, // Default to serve mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
