// Command carapace-supervisord runs the sandbox supervisor as a long
// lived daemon: it loads a YAML config, wires the container runtime
// and the reference handler pack, and serves the supervisor's
// control-plane gRPC health service and Prometheus metrics endpoint
// until it receives SIGINT/SIGTERM.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
