package main

import (
	"fmt"
	"os"
	"syscall"

	"github.com/spf13/cobra"
)

// reloadCmd sends SIGHUP to a running instance. A file-configured instance
// re-reads its config file immediately; an etcd-configured one already
// stays current via its watch, so it treats SIGHUP as a diagnostic ping
// and logs the current store version instead.
var reloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Ask a running envoyage-gateway instance to re-read its config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		pid, err := readPID(pidFile)
		if err != nil {
			return err
		}
		proc, err := os.FindProcess(pid)
		if err != nil {
			return err
		}
		if err := proc.Signal(syscall.SIGHUP); err != nil {
			return fmt.Errorf("signaling pid %d: %w", pid, err)
		}
		fmt.Printf("sent SIGHUP to pid %d\n", pid)
		return nil
	},
}
