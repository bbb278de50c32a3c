package main

import (
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"golang.org/x/term"

	"devwave/pkg/broadcast"
)

// renderStatusTable renders a set of process statuses as an adaptive
// terminal table: one row per process, columns for status, pid, restart
// count, and resource usage when available.
func renderStatusTable(processes []broadcast.ProcessStatus, w io.Writer) error {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.SetStyle(table.StyleRounded)
	tw.Style().Options.SeparateRows = false
	tw.Style().Options.SeparateColumns = false

	tw.AppendHeader(table.Row{"Process", "Status", "PID", "Restarts", "CPU%", "RSS"})

	procs := append([]broadcast.ProcessStatus(nil), processes...)
	sort.Slice(procs, func(i, j int) bool { return procs[i].Name < procs[j].Name })

	for _, p := range procs {
		pid := "—"
		if p.Pid != 0 {
			pid = fmt.Sprintf("%d", p.Pid)
		}
		cpu := "—"
		rss := "—"
		if p.CPUPercent > 0 {
			cpu = fmt.Sprintf("%.1f", p.CPUPercent)
		}
		if p.RSSBytes > 0 {
			rss = humanBytes(p.RSSBytes)
		}
		tw.AppendRow(table.Row{p.Name, statusCell(p.Status), pid, p.RestartCount, cpu, rss})
	}

	tw.Render()
	return nil
}

func statusCell(status string) string {
	switch status {
	case "running":
		return text.Colors{text.FgGreen}.Sprint(status)
	case "failed":
		return text.Colors{text.FgRed}.Sprint(status)
	case "building":
		return text.Colors{text.FgYellow}.Sprint(status)
	default:
		return status
	}
}

func humanBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%dB", n)
	}
	div, exp := uint64(unit), 0
	for n/div >= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

// terminalWidth best-effort detects stdout's width, returning -1 when stdout
// is not a terminal. The live watch view uses it only to decide whether to
// clear the screen before each table.
func terminalWidth() int {
	if width, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil {
		return width
	}
	return -1
}
