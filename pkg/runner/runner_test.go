package runner

import (
	"context"
	"testing"
	"time"

	"devwave/pkg/event"
	"devwave/pkg/multiplexer"
	"devwave/pkg/spec"
)

func waitStatus(t *testing.T, r Runner, want Status, timeout time.Duration) {
	t.Helper()
	deadline := time.After(timeout)
	tick := time.NewTicker(5 * time.Millisecond)
	defer tick.Stop()
	for {
		if r.Status() == want {
			return
		}
		select {
		case <-tick.C:
		case <-deadline:
			t.Fatalf("timed out waiting for status %v, last was %v", want, r.Status())
		}
	}
}

func TestDirectRunnerGenericShellRuns(t *testing.T) {
	p := spec.ProcessSpec{Name: "sleepy", Command: "sleep 5", RunnerKind: spec.RunnerGenericShell}
	r := New(p, nil, nil)
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer r.Stop(context.Background())

	waitStatus(t, r, StatusRunning, time.Second)
	if pid, ok := r.Pid(); !ok || pid == 0 {
		t.Fatalf("expected a pid, got %d, %v", pid, ok)
	}
}

func TestDirectRunnerStopTerminatesChild(t *testing.T) {
	p := spec.ProcessSpec{Name: "sleepy", Command: "sleep 30", RunnerKind: spec.RunnerGenericShell}
	r := New(p, nil, nil)
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitStatus(t, r, StatusRunning, time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if r.Status() != StatusStopped {
		t.Fatalf("expected stopped, got %v", r.Status())
	}
}

func TestDirectRunnerExitedChannel(t *testing.T) {
	p := spec.ProcessSpec{Name: "exiter", Command: "exit 0", RunnerKind: spec.RunnerGenericShell}
	r := New(p, nil, nil)
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	select {
	case code := <-r.Exited():
		if code != 0 {
			t.Fatalf("expected exit code 0, got %d", code)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for exit")
	}
}

func TestDirectRunnerLinesChannel(t *testing.T) {
	p := spec.ProcessSpec{Name: "echoer", Command: "echo hello-world", RunnerKind: spec.RunnerGenericShell}
	r := New(p, nil, nil)
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	select {
	case line := <-r.Lines():
		if line != "hello-world" {
			t.Fatalf("expected %q, got %q", "hello-world", line)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for line")
	}
}

func TestDirectRunnerPublishesEvents(t *testing.T) {
	bus := event.NewBus(16)
	sub := bus.Subscribe()
	defer bus.Unsubscribe(sub)

	p := spec.ProcessSpec{Name: "echoer", Command: "echo from-proc", RunnerKind: spec.RunnerGenericShell}
	r := New(p, bus, nil)
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer r.Stop(context.Background())

	var sawStart, sawStdout bool
	deadline := time.After(time.Second)
	for !sawStart || !sawStdout {
		select {
		case ev := <-sub.C():
			switch ev.Kind {
			case event.KindProcessStarting:
				sawStart = true
			case event.KindStdout:
				if ev.Line == "from-proc" {
					sawStdout = true
				}
			}
		case <-deadline:
			t.Fatalf("timed out, sawStart=%v sawStdout=%v", sawStart, sawStdout)
		}
	}
}

func TestDirectRunnerBuildParserTransitions(t *testing.T) {
	p := spec.ProcessSpec{
		Name:       "bundler",
		Command:    `printf 'compiling...\n50%% done\nbuild complete\n'`,
		RunnerKind: spec.RunnerBundler,
	}
	r := New(p, nil, nil)
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer r.Stop(context.Background())

	waitStatus(t, r, StatusRunning, time.Second)
	info := r.BuildInfo()
	if !info.LastBuildSuccess {
		t.Fatalf("expected LastBuildSuccess, got %+v", info)
	}
}

func TestDirectRunnerBuildParserFailure(t *testing.T) {
	p := spec.ProcessSpec{
		Name:       "bundler",
		Command:    `printf '1 error\nbuild failed\n'`,
		RunnerKind: spec.RunnerBundler,
	}
	r := New(p, nil, nil)
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer r.Stop(context.Background())

	waitStatus(t, r, StatusFailed, time.Second)
}

func TestDirectRunnerDevServerReady(t *testing.T) {
	p := spec.ProcessSpec{
		Name:       "vite",
		Command:    `printf 'starting...\nready in 120ms\n' && sleep 1`,
		RunnerKind: spec.RunnerDevServer,
	}
	r := New(p, nil, nil)
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer r.Stop(context.Background())

	waitStatus(t, r, StatusRunning, time.Second)
}

func TestDirectRunnerContainerParserCapturesID(t *testing.T) {
	hexID := "a1b2c3d4e5f60718293a4b5c6d7e8f90a1b2c3d4e5f60718293a4b5c6d7e8f9"
	p := spec.ProcessSpec{
		Name:       "containerized",
		Command:    "printf '" + hexID + "\\n' && sleep 1",
		RunnerKind: spec.RunnerContainer,
	}
	cr := New(p, nil, nil).(*containerRunner)
	if err := cr.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer cr.Stop(context.Background())

	deadline := time.After(time.Second)
	for {
		if id, ok := cr.parser.ContainerID(); ok {
			if id != hexID {
				t.Fatalf("expected %q, got %q", hexID, id)
			}
			return
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for container id capture")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestNewDispatchesContainerKindToContainerRunner(t *testing.T) {
	p := spec.ProcessSpec{Name: "containerized", Command: "true", RunnerKind: spec.RunnerContainer}
	if _, ok := New(p, nil, nil).(*containerRunner); !ok {
		t.Fatalf("expected *containerRunner for RunnerContainer, got %T", New(p, nil, nil))
	}
}

// TestContainerRunnerStopWithoutIDFallsBackToGenericStop covers a command
// that never printed a container id (e.g. a non-detached container launch,
// or any command misclassified as RunnerContainer): Stop must still
// terminate the child via the generic process-group path rather than no-op.
func TestContainerRunnerStopWithoutIDFallsBackToGenericStop(t *testing.T) {
	p := spec.ProcessSpec{Name: "containerless", Command: "sleep 30", RunnerKind: spec.RunnerContainer}
	cr := New(p, nil, nil).(*containerRunner)
	if err := cr.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitStatus(t, cr, StatusRunning, time.Second)

	if _, ok := cr.parser.ContainerID(); ok {
		t.Fatal("expected no container id to have been captured")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := cr.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if cr.Status() != StatusStopped {
		t.Fatalf("expected stopped, got %v", cr.Status())
	}
}

func TestPaneRunnerUsesMultiplexer(t *testing.T) {
	mux := multiplexer.NewNoOp(nil)
	p := spec.ProcessSpec{Name: "ui", Command: "npm run dev", IntegrationMode: spec.IntegrationShallow}
	r := New(p, nil, mux)
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if r.Status() != StatusRunning {
		t.Fatalf("expected running, got %v", r.Status())
	}
	if _, ok := r.Pid(); ok {
		t.Fatal("pane runner should report no pid")
	}
	if err := r.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if r.Status() != StatusStopped {
		t.Fatalf("expected stopped, got %v", r.Status())
	}
}

func TestMergeEnv(t *testing.T) {
	base := []string{"PATH=/bin", "HOME=/root"}
	out := mergeEnv(base, map[string]string{"HOME": "/custom", "FOO": "bar"})

	got := map[string]string{}
	for _, kv := range out {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				got[kv[:i]] = kv[i+1:]
				break
			}
		}
	}
	if got["HOME"] != "/custom" {
		t.Fatalf("expected overridden HOME, got %q", got["HOME"])
	}
	if got["FOO"] != "bar" {
		t.Fatalf("expected added FOO, got %q", got["FOO"])
	}
	if got["PATH"] != "/bin" {
		t.Fatalf("expected untouched PATH, got %q", got["PATH"])
	}
}
