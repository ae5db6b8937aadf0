package main

import (
	"github.com/spf13/cobra"
)

var pidFile string

var rootCmd = &cobra.Command{
	Use:   "envoyage-gateway",
	Short: "envoyage API gateway request-processing core",
	Long: `envoyage-gateway runs the router, plugin engine, and upstream
balancer that sit in front of the home/VPS Envoy pair, plus the xDS control
plane and admin API that feed them from the same config snapshot store.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&pidFile, "pid-file", "/var/run/envoyage/envoyage-gateway.pid", "path to the running instance's pid file")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(reloadCmd)
	rootCmd.AddCommand(versionCmd)
}
