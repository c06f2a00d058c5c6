// Command gateway runs the Mumble↔WebSocket voice bridge.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "gateway",
	Short: "gateway bridges browser WebSocket peers to native Mumble voice servers.",
}

func main() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(whitelistCmd)

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
