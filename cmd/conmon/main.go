// Command conmon is the container monitor. It spawns the container runtime,
// supervises the container entrypoint and records its exit status.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "conmon",
	Short:         "container monitor",
	Long:          "conmon spawns the container runtime, supervises the container entrypoint and writes its exit status",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, versionCmd, clientCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "conmon:", err)
		os.Exit(1)
	}
}
