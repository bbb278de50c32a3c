package multiplexer

import (
	"bytes"
	"context"
	"strings"
	"testing"
)

func TestNoOpCreatePaneReturnsUniqueIDs(t *testing.T) {
	m := NewNoOp(nil)
	ctx := context.Background()

	id1, err := m.CreatePane(ctx, "backend", "api", "go run .", "/tmp")
	if err != nil {
		t.Fatalf("CreatePane: %v", err)
	}
	id2, err := m.CreatePane(ctx, "backend", "worker", "go run ./worker", "/tmp")
	if err != nil {
		t.Fatalf("CreatePane: %v", err)
	}
	if id1 == id2 {
		t.Fatalf("expected distinct pane ids, got %q twice", id1)
	}
}

func TestNoOpUpdateOverviewRendersText(t *testing.T) {
	var buf bytes.Buffer
	m := NewNoOp(&buf)

	if err := m.UpdateOverview(context.Background(), "3/3 ready"); err != nil {
		t.Fatalf("UpdateOverview: %v", err)
	}
	if !strings.Contains(buf.String(), "3/3 ready") {
		t.Fatalf("expected rendered overview to contain status text, got %q", buf.String())
	}
}

func TestNoOpUpdateOverviewNilWriterIsSafe(t *testing.T) {
	m := NewNoOp(nil)
	if err := m.UpdateOverview(context.Background(), "anything"); err != nil {
		t.Fatalf("UpdateOverview with nil writer: %v", err)
	}
}

func TestNoOpLifecycleMethodsSucceedSilently(t *testing.T) {
	m := NewNoOp(nil)
	ctx := context.Background()
	if err := m.CreateSession(ctx, "devwave"); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := m.CreateWindow(ctx, "backend"); err != nil {
		t.Fatalf("CreateWindow: %v", err)
	}
	if err := m.SendKeys(ctx, "noop-pane-1", "\x03"); err != nil {
		t.Fatalf("SendKeys: %v", err)
	}
	if err := m.Attach(ctx); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if err := m.KillSession(ctx); err != nil {
		t.Fatalf("KillSession: %v", err)
	}
}
