// Command slotrunner drives a batch of synthetic events through the event
// processor, the thread pool manager and the incident dispatcher.
package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "slotrunner",
		Usage: "run events through the slot runner concurrency core",
		Commands: []*cli.Command{
			runCommand(),
			checkConfigCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
