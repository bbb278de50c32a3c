package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"devwave/pkg/broadcast"
	"devwave/pkg/config"
	"devwave/pkg/event"
	"devwave/pkg/orchestrator"
	"devwave/pkg/status"
)

func newStartCmd() *cobra.Command {
	var watch bool
	c := &cobra.Command{
		Use:   "start <project-file>",
		Short: "Start every process in the project file and supervise them",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart(args[0], watch)
		},
	}
	c.Flags().BoolVar(&watch, "watch", true, "Print a live status table while running (disable for plain log output)")
	return c
}

func runStart(projectFile string, watch bool) error {
	f, err := config.LoadFromFile(projectFile)
	if err != nil {
		return fmt.Errorf("load project file: %w", err)
	}

	specs, err := f.ProcessSpecs()
	if err != nil {
		return fmt.Errorf("build process specs: %w", err)
	}
	globalHooks, err := f.GlobalHooks()
	if err != nil {
		return fmt.Errorf("build global hooks: %w", err)
	}
	statusInterval, err := f.StatusInterval()
	if err != nil {
		return fmt.Errorf("parse display.statusInterval: %w", err)
	}

	o := orchestrator.New(orchestrator.Config{
		Processes:      specs,
		Categories:     f.Categories,
		GlobalHooks:    globalHooks,
		Preflight:      f.PreflightOptions(),
		PreflightExtra: f.PreflightChecks(),
		SocketPath:     f.SocketPath(),
		StatusInterval: statusInterval,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("starting project", "project", f.Project, "processes", len(specs))
	if err := o.Start(ctx); err != nil {
		return fmt.Errorf("start: %w", err)
	}

	var sub *event.Subscriber
	if watch {
		sub = o.Events().Subscribe()
		go watchStatus(sub)
	}

	<-ctx.Done()
	slog.Info("shutdown signal received, stopping")
	if sub != nil {
		o.Events().Unsubscribe(sub)
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := o.Stop(stopCtx, nil); err != nil {
		return fmt.Errorf("stop: %w", err)
	}
	return nil
}

// watchStatus prints a fresh status table each time a status:update event
// arrives, for the lifetime of sub.
func watchStatus(sub *event.Subscriber) {
	for ev := range sub.C() {
		if ev.Kind != event.KindStatusUpdate {
			continue
		}
		snap, ok := ev.Data.(status.Snapshot)
		if !ok {
			continue
		}
		if terminalWidth() > 0 {
			fmt.Print("\033[H\033[2J")
		}
		fmt.Printf("devwave — %s\n", snap.Timestamp.Format(time.Kitchen))
		if err := renderStatusTable(processStatusesFromSnapshot(snap), os.Stdout); err != nil {
			slog.Error("render status table", "error", err)
		}
	}
}

// processStatusesFromSnapshot mirrors the translation the broadcast server
// applies before putting a snapshot on the wire (devwave/pkg/broadcast),
// so the live watch view and a remote `devwave status` render identically.
func processStatusesFromSnapshot(snap status.Snapshot) []broadcast.ProcessStatus {
	out := make([]broadcast.ProcessStatus, 0, len(snap.Processes))
	for name, view := range snap.Processes {
		ps := broadcast.ProcessStatus{
			Name:         name,
			Status:       string(view.Record.Status),
			RestartCount: view.Record.RestartCount,
		}
		if view.Record.HasPid {
			ps.Pid = view.Record.Pid
		}
		if view.Resource.Supported {
			ps.CPUPercent = view.Resource.CPUPercent
			ps.RSSBytes = view.Resource.RSSBytes
		}
		out = append(out, ps)
	}
	return out
}
