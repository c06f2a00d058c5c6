package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/incomudon/mumble-ws-gateway/internal/config"
	"github.com/incomudon/mumble-ws-gateway/internal/whitelist"
)

var whitelistCmd = &cobra.Command{
	Use:   "whitelist",
	Short: "Inspect the server whitelist.",
}

var whitelistValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Load the resolved whitelist and print it without starting a listener.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("gateway: %w", err)
		}

		wl, err := whitelist.Load(cfg.ServersConfigPath)
		if err != nil {
			return fmt.Errorf("gateway: load whitelist: %w", err)
		}

		servers := wl.Servers()
		fmt.Printf("%s: %d server(s)\n", cfg.ServersConfigPath, len(servers))
		for _, s := range servers {
			fmt.Printf("  %-20s %s:%d (insecureSkipVerify=%v)\n", s.ID, s.Host, s.Port, s.InsecureSkipVerify())
		}
		return nil
	},
}

func init() {
	whitelistCmd.AddCommand(whitelistValidateCmd)
}
