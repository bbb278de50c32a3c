package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"devwave/pkg/config"
)

func newStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop <project-file> <process...>",
		Short: "Stop one or more processes in a running devwave instance",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLifecycleCommand(args[0], args[1:], "stop")
		},
	}
}

func newRestartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restart <project-file> <process...>",
		Short: "Restart one or more processes in a running devwave instance",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLifecycleCommand(args[0], args[1:], "restart")
		},
	}
}

// runLifecycleCommand dials the project's broadcast socket and issues
// action against each named process. The wire protocol's CommandMessage
// names exactly one process per command (spec.md §4.7) — there is no
// remote "stop all" opcode, so at least one process name is required here
// even though the in-process Orchestrator.Stop accepts an empty list.
func runLifecycleCommand(projectFile string, processes []string, action string) error {
	if len(processes) == 0 {
		return fmt.Errorf("%s requires at least one process name", action)
	}

	f, err := config.LoadFromFile(projectFile)
	if err != nil {
		return fmt.Errorf("load project file: %w", err)
	}
	socketPath := f.SocketPath()
	if socketPath == "" {
		return fmt.Errorf("project file has no display.socketPath configured; `devwave %s` has nothing to connect to", action)
	}

	conn, err := dialBroadcast(socketPath)
	if err != nil {
		return err
	}
	defer conn.Close()

	for _, name := range processes {
		resp, err := sendCommand(conn, action, name, 5*time.Second)
		if err != nil {
			return fmt.Errorf("%s %s: %w", action, name, err)
		}
		if !resp.Success {
			return fmt.Errorf("%s %s: %s", action, name, resp.Message)
		}
		fmt.Printf("%s: %s\n", name, resp.Message)
	}
	return nil
}
