// Package main is the entry point for the gnunae controller.
// It serves the task API, runs the scheduler and drives execution hosts,
// and offers offline task and host commands.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
