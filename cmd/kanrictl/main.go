// Kanrictl is the operator CLI for a Kanri deployment.
//
// It talks to the store directly, so it works while the server is down:
//
//	# Apply the Postgres schema
//	kanrictl migrate --database-url postgres://...
//
//	# Today's budget for every agent of a principal
//	kanrictl budget status --principal team-a
//
//	# Pull the kill switch on an agent
//	kanrictl kill 0b6e... --principal team-a --reason "runaway loop"
//
//	# Fail runs stuck longer than ten minutes
//	kanrictl sweep --stuck-after 10m
package main

import (
	"fmt"
	"os"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
