package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/envoyage/envoyage/internal/config"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the gateway name and version",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		fmt.Printf("%s %s\n", cfg.GatewayName, cfg.GatewayVersion)
		return nil
	},
}
