// Dispatchd schedules a dependency graph of work items into execution
// phases, routes each item through a coordinator hierarchy to an
// executor, and audits every produced artifact through a three-stage
// verification pipeline.
//
// Usage:
//
//	dispatchd plan --plan plan.yaml
//	dispatchd run --plan plan.yaml --topology topology.yaml
//	dispatchd version
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
