// Command opqueue runs the single-worker operation scheduler.
package main

import (
	"os"

	"github.com/hollowforge/opqueue/internal/cli"
)

func main() {
	if err := cli.BuildCLI().Execute(); err != nil {
		os.Exit(1)
	}
}
