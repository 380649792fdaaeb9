package main

import (
	"context"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/groupcast/groupcast/internal/pkg/logs"
)

func main() {
	cmd := &cli.Command{
		Name:  "groupcast",
		Usage: "Recurring broadcast posting to group chats",
		Commands: []*cli.Command{
			initHwd.cmd(),
			runHwd.cmd(),
			jobHwd.cmd(),
			templateHwd.cmd(),
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		logs.Error("Command execution failed: %v", err)
		os.Exit(1)
	}
}
