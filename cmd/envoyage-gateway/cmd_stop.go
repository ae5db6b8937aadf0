package main

import (
	"fmt"
	"os"
	"syscall"

	"github.com/spf13/cobra"
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Signal a running envoyage-gateway instance to shut down",
	RunE: func(cmd *cobra.Command, args []string) error {
		pid, err := readPID(pidFile)
		if err != nil {
			return err
		}
		proc, err := os.FindProcess(pid)
		if err != nil {
			return err
		}
		if err := proc.Signal(syscall.SIGTERM); err != nil {
			return fmt.Errorf("signaling pid %d: %w", pid, err)
		}
		fmt.Printf("sent SIGTERM to pid %d\n", pid)
		return nil
	},
}
