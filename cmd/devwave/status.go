package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"devwave/pkg/config"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <project-file>",
		Short: "Print the current status of a running devwave instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(args[0])
		},
	}
}

func runStatus(projectFile string) error {
	f, err := config.LoadFromFile(projectFile)
	if err != nil {
		return fmt.Errorf("load project file: %w", err)
	}
	socketPath := f.SocketPath()
	if socketPath == "" {
		return fmt.Errorf("project file has no display.socketPath configured; `devwave status` has nothing to connect to")
	}

	conn, err := dialBroadcast(socketPath)
	if err != nil {
		return err
	}
	defer conn.Close()

	msg, err := readStatusUpdate(conn, 5*time.Second)
	if err != nil {
		return err
	}

	fmt.Printf("%s — as of %s\n", f.Project, msg.Timestamp.Format(time.Kitchen))
	return renderStatusTable(msg.Processes, os.Stdout)
}
