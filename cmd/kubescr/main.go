package main

import (
	"context"
	"fmt"
	"os"

	"github.com/kubescr/kubescr/cmd/kubescr/cmd"
	"github.com/kubescr/kubescr/internal/hook"
)

var version = "dev"

func main() {
	// CRIU invokes the binary directly with the action in the
	// environment; no CLI arguments are involved in that path.
	if hook.Active() {
		if err := hook.Run(context.Background()); err != nil {
			fmt.Fprintln(os.Stderr, "Error:", err)
			os.Exit(1)
		}
		return
	}

	cmd.Version = version
	if err := cmd.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
