// Package multiplexer defines the terminal-multiplexer collaborator
// boundary: an opaque sink the engine drives to host Pane-strategy
// processes and show an interactive overview. The driver itself is an
// external collaborator (spec.md §1 non-goals); this package owns only
// the interface and a no-op implementation so the engine is fully
// functional without one wired in (spec.md §9's "multiplexer integration
// is optional" redesign note).
package multiplexer

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/jedib0t/go-pretty/v6/table"
)

// Multiplexer is the capability set the engine calls into. Method names
// and signatures follow spec.md §1's enumerated collaborator contract.
type Multiplexer interface {
	CreateSession(ctx context.Context, name string) error
	CreateWindow(ctx context.Context, category string) error
	CreatePane(ctx context.Context, category, name, cmd, cwd string) (paneID string, err error)
	SendKeys(ctx context.Context, paneID, keys string) error
	UpdateOverview(ctx context.Context, text string) error
	Attach(ctx context.Context) error
	KillSession(ctx context.Context) error
}

// NoOp is the default Multiplexer: every method succeeds silently except
// UpdateOverview, which renders a plain table to w so `attach`-less
// operation still surfaces useful terminal output (SPEC_FULL.md's CLI
// section).
type NoOp struct {
	mu  sync.Mutex
	out io.Writer

	paneSeq int
}

// NewNoOp builds a no-op multiplexer that writes overview renders to out.
// A nil out discards them.
func NewNoOp(out io.Writer) *NoOp {
	return &NoOp{out: out}
}

func (n *NoOp) CreateSession(ctx context.Context, name string) error { return nil }
func (n *NoOp) CreateWindow(ctx context.Context, category string) error { return nil }

func (n *NoOp) CreatePane(ctx context.Context, category, name, cmd, cwd string) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.paneSeq++
	return fmt.Sprintf("noop-pane-%d", n.paneSeq), nil
}

func (n *NoOp) SendKeys(ctx context.Context, paneID, keys string) error { return nil }

// UpdateOverview renders text as a single-column table, matching the
// width-adaptive look cmd/devwave's status table uses elsewhere.
func (n *NoOp) UpdateOverview(ctx context.Context, text string) error {
	if n.out == nil {
		return nil
	}
	t := table.NewWriter()
	t.SetOutputMirror(n.out)
	t.AppendHeader(table.Row{"overview"})
	t.AppendRow(table.Row{text})
	t.Render()
	return nil
}

func (n *NoOp) Attach(ctx context.Context) error     { return nil }
func (n *NoOp) KillSession(ctx context.Context) error { return nil }
