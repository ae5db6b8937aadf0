// Command envoyage-gateway is the request-processing core's entry point:
// start runs the Router/Plugin/Balancer pipeline plus the xDS and admin
// surfaces; stop and reload signal an already-running instance via its pid
// file; version prints build identification.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
