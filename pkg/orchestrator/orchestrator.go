// Package orchestrator composes the resolver, supervisor, status
// aggregator, broadcast server, and multiplexer collaborator into the
// top-level operations spec.md §4.8 names: start, stop, restart,
// getStatus, getSnapshot, attach.
package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"devwave/pkg/broadcast"
	"devwave/pkg/event"
	"devwave/pkg/multiplexer"
	"devwave/pkg/preflight"
	"devwave/pkg/resolver"
	"devwave/pkg/spec"
	"devwave/pkg/status"
	"devwave/pkg/supervisor"
)

// Config bundles everything the Orchestrator needs beyond the process
// specs themselves.
type Config struct {
	Processes      []spec.ProcessSpec
	Categories     map[string]string // category -> window label
	GlobalHooks    *spec.GlobalHooks
	Preflight      preflight.Options
	PreflightExtra []preflight.Check
	Multiplexer    multiplexer.Multiplexer // nil uses a no-op
	SocketPath     string                  // empty disables the broadcast server
	StatusInterval time.Duration           // 0 uses status.DefaultInterval
	EventBufferLen int                     // 0 uses event.NewBus's default
}

// Orchestrator owns the supervisor collection and the shared services
// layered on top of it for the lifetime of one `start`..`stop` cycle.
type Orchestrator struct {
	cfg Config
	mux multiplexer.Multiplexer
	bus *event.Bus

	mu          sync.Mutex
	supervisors map[string]*supervisor.Supervisor
	waves       []spec.Wave

	aggregator *status.Aggregator
	broadcastS *broadcast.Server

	cancelServices context.CancelFunc
	servicesDone   chan struct{}

	// lifecycleCtx outlives any single wave's errgroup context; it is
	// what each Supervisor's background watch-and-restart loop runs
	// under, so a wave's startup errgroup completing does not tear down
	// restart supervision for processes that already started
	// successfully. It is cancelled by Stop or by ctx (the context
	// passed to Start) being cancelled, propagating a parent
	// cancellation to every supervisor per spec.md §5.
	lifecycleCtx    context.Context
	lifecycleCancel context.CancelFunc
}

// New constructs an Orchestrator. It does not start anything.
func New(cfg Config) *Orchestrator {
	if cfg.Multiplexer == nil {
		cfg.Multiplexer = multiplexer.NewNoOp(nil)
	}
	return &Orchestrator{
		cfg:         cfg,
		mux:         cfg.Multiplexer,
		bus:         event.NewBus(cfg.EventBufferLen),
		supervisors: make(map[string]*supervisor.Supervisor),
	}
}

// Events exposes the orchestrator's event bus for external subscribers
// (e.g. a CLI status view).
func (o *Orchestrator) Events() *event.Bus { return o.bus }

// Start runs preflight, resolves waves, and starts every process in
// dependency order, wave by wave. On a terminal failure before fleet
// readiness it cascades teardown across everything already started and
// returns an aggregate error naming the failing process.
func (o *Orchestrator) Start(ctx context.Context) error {
	if err := spec.ValidateSet(o.cfg.Processes); err != nil {
		return fmt.Errorf("orchestrator: %w", err)
	}

	waves, err := resolver.Waves(o.cfg.Processes)
	if err != nil {
		return fmt.Errorf("orchestrator: %w", err)
	}

	report := preflight.Run(ctx, o.cfg.Preflight, o.cfg.Processes, o.cfg.PreflightExtra)
	if report.Failed() {
		return fmt.Errorf("orchestrator: %w", report.Error())
	}

	if err := o.mux.CreateSession(ctx, "devwave"); err != nil {
		return fmt.Errorf("orchestrator: create multiplexer session: %w", err)
	}
	for category := range o.cfg.Categories {
		if err := o.mux.CreateWindow(ctx, category); err != nil {
			return fmt.Errorf("orchestrator: create window %s: %w", category, err)
		}
	}

	if err := supervisor.RunGlobalHook(ctx, o.cfg.GlobalHooks, preStartAll(o.cfg.GlobalHooks)); err != nil {
		return fmt.Errorf("orchestrator: pre_start_all hook: %w", err)
	}

	limiter := supervisor.NewRestartLimiter()

	o.mu.Lock()
	o.waves = waves
	for _, p := range o.cfg.Processes {
		o.supervisors[p.Name] = supervisor.New(p, o.bus, o.mux, limiter)
	}
	o.mu.Unlock()

	o.lifecycleCtx, o.lifecycleCancel = context.WithCancel(ctx)

	o.startServices(o.lifecycleCtx)

	var started []string
	for waveIdx, wave := range waves {
		var eg errgroup.Group
		for _, name := range wave {
			name := name
			eg.Go(func() error {
				sup := o.supervisorFor(name)
				// Supervise starts the process and, once it reaches
				// running/failed, hands off to a background watch loop
				// (under the orchestrator's full-lifetime context, not
				// this wave's) that applies the restart policy on
				// unexpected exit.
				if err := sup.Supervise(o.lifecycleCtx); err != nil {
					return fmt.Errorf("%s: %w", name, err)
				}
				return nil
			})
		}
		if err := eg.Wait(); err != nil {
			started = append(started, wave...) // best-effort: include this wave for teardown
			o.cascadeTeardown(ctx, started)
			return fmt.Errorf("orchestrator: wave %d failed: %w", waveIdx, err)
		}
		started = append(started, wave...)
	}

	o.bus.Publish(event.Event{Kind: event.KindAllReady})
	return nil
}

func preStartAll(h *spec.GlobalHooks) string {
	if h == nil {
		return ""
	}
	return h.PreStartAll
}

func postStopAll(h *spec.GlobalHooks) string {
	if h == nil {
		return ""
	}
	return h.PostStopAll
}

// cascadeTeardown stops every process in names (in reverse order), used
// when a wave fails before the fleet reaches readiness.
func (o *Orchestrator) cascadeTeardown(ctx context.Context, names []string) {
	for i := len(names) - 1; i >= 0; i-- {
		sup := o.supervisorFor(names[i])
		if sup == nil {
			continue
		}
		_ = sup.Stop(ctx)
	}
	o.stopServices()
}

func (o *Orchestrator) supervisorFor(name string) *supervisor.Supervisor {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.supervisors[name]
}

// startServices launches the status aggregator and broadcast server as
// independent background tasks, per spec.md §5.
func (o *Orchestrator) startServices(ctx context.Context) {
	svcCtx, cancel := context.WithCancel(ctx)
	o.cancelServices = cancel
	o.servicesDone = make(chan struct{})

	sources := make(map[string]status.Source, len(o.supervisors))
	o.mu.Lock()
	for name, sup := range o.supervisors {
		sources[name] = supervisorSource{sup}
	}
	o.mu.Unlock()

	o.aggregator = status.New(sources, o.bus, o.cfg.StatusInterval, nil)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		o.aggregator.Run(svcCtx)
	}()

	if o.cfg.SocketPath != "" {
		o.broadcastS = broadcast.New(o.cfg.SocketPath, dispatcherFunc(o.dispatch))
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = o.broadcastS.Run(svcCtx, o.bus)
		}()
	}

	wg.Add(1)
	go o.overviewWatcher(svcCtx, &wg)

	go func() {
		wg.Wait()
		close(o.servicesDone)
	}()
}

// overviewWatcher pushes a rendered overview to the multiplexer every time
// the status aggregator publishes a snapshot, so the mux.UpdateOverview
// sink (spec.md §1's collaborator contract) is actually driven rather than
// left dead — for the NoOp multiplexer this is what prints the fallback
// overview table when no real multiplexer is attached.
func (o *Orchestrator) overviewWatcher(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	sub := o.bus.Subscribe()
	defer o.bus.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			if ev.Kind != event.KindStatusUpdate {
				continue
			}
			snap, ok := ev.Data.(status.Snapshot)
			if !ok {
				continue
			}
			_ = o.mux.UpdateOverview(ctx, renderOverview(snap))
		}
	}
}

// renderOverview formats a status.Snapshot as the plain-text overview the
// multiplexer collaborator displays (an attach-able pane for a real
// multiplexer, or NoOp's fallback table).
func renderOverview(snap status.Snapshot) string {
	names := make([]string, 0, len(snap.Processes))
	for name := range snap.Processes {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	fmt.Fprintf(&b, "%s — running=%d building=%d failed=%d stopped=%d",
		snap.Timestamp.Format(time.Kitchen),
		snap.Summary.Running, snap.Summary.Building, snap.Summary.Failed, snap.Summary.Stopped)
	for _, name := range names {
		fmt.Fprintf(&b, "\n%-20s %s", name, snap.Processes[name].Record.Status)
	}
	return b.String()
}

func (o *Orchestrator) stopServices() {
	if o.cancelServices != nil {
		o.cancelServices()
	}
	if o.servicesDone != nil {
		<-o.servicesDone
	}
	if o.lifecycleCancel != nil {
		o.lifecycleCancel()
	}
}

// supervisorSource adapts *supervisor.Supervisor to status.Source.
type supervisorSource struct{ s *supervisor.Supervisor }

func (s supervisorSource) Record() supervisor.ProcessRecord { return s.s.Record() }

// dispatcherFunc adapts a plain function to broadcast.Dispatcher.
type dispatcherFunc func(ctx context.Context, action, processName string) broadcast.CommandResponseMessage

func (f dispatcherFunc) Dispatch(ctx context.Context, action, processName string) broadcast.CommandResponseMessage {
	return f(ctx, action, processName)
}

// dispatch executes a broadcast command message against this
// orchestrator's supervisors.
func (o *Orchestrator) dispatch(ctx context.Context, action, processName string) broadcast.CommandResponseMessage {
	sup := o.supervisorFor(processName)
	if sup == nil {
		return broadcast.CommandResponseMessage{Success: false, Message: fmt.Sprintf("unknown process %q", processName)}
	}
	switch action {
	case "start":
		// Supervise, not Start: a manually (re)started process must regain
		// restart-policy supervision, not just run once unwatched.
		if err := sup.Supervise(ctx); err != nil {
			return broadcast.CommandResponseMessage{Success: false, Message: err.Error()}
		}
	case "stop":
		if err := sup.Stop(ctx); err != nil {
			return broadcast.CommandResponseMessage{Success: false, Message: err.Error()}
		}
	case "restart":
		if err := o.Restart(ctx, []string{processName}); err != nil {
			return broadcast.CommandResponseMessage{Success: false, Message: err.Error()}
		}
	default:
		return broadcast.CommandResponseMessage{Success: false, Message: fmt.Sprintf("unknown action %q", action)}
	}
	return broadcast.CommandResponseMessage{Success: true, Message: fmt.Sprintf("%s %s", action, processName)}
}

// Restart stops then starts each named process. A manual restart does not
// increment restartCount — it calls Stop/Supervise directly rather than the
// supervisor's internal failure-triggered restart path (resolved open
// question, SPEC_FULL.md §9). It uses Supervise rather than Start so the
// restarted process regains a watch goroutine and restart-policy
// supervision; Supervise itself never touches restartCount, only the
// watch-triggered restart path does.
func (o *Orchestrator) Restart(ctx context.Context, names []string) error {
	for _, name := range names {
		sup := o.supervisorFor(name)
		if sup == nil {
			return fmt.Errorf("orchestrator: unknown process %q", name)
		}
		if err := sup.Stop(ctx); err != nil {
			return fmt.Errorf("orchestrator: restart %s: stop: %w", name, err)
		}
		if err := sup.Supervise(ctx); err != nil {
			return fmt.Errorf("orchestrator: restart %s: start: %w", name, err)
		}
	}
	return nil
}

// Stop tears down the named processes (default: all) in reverse
// dependency order, then stops the aggregator, closes the broadcast
// server, and kills the multiplexer session.
func (o *Orchestrator) Stop(ctx context.Context, names []string) error {
	o.mu.Lock()
	waves := o.waves
	o.mu.Unlock()

	targets := names
	if len(targets) == 0 {
		for i := len(waves) - 1; i >= 0; i-- {
			targets = append(targets, waves[i]...)
		}
	}

	var firstErr error
	for _, name := range targets {
		sup := o.supervisorFor(name)
		if sup == nil {
			continue
		}
		if err := sup.Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	o.stopServices()

	if err := o.mux.KillSession(ctx); err != nil && firstErr == nil {
		firstErr = err
	}

	if err := supervisor.RunGlobalHook(ctx, o.cfg.GlobalHooks, postStopAll(o.cfg.GlobalHooks)); err != nil && firstErr == nil {
		firstErr = err
	}

	return firstErr
}

// GetStatus returns the ProcessRecord for name, if it is known.
func (o *Orchestrator) GetStatus(name string) (supervisor.ProcessRecord, bool) {
	sup := o.supervisorFor(name)
	if sup == nil {
		return supervisor.ProcessRecord{}, false
	}
	return sup.Record(), true
}

// GetSnapshot returns the most recently built fleet-wide Snapshot.
func (o *Orchestrator) GetSnapshot() status.Snapshot {
	if o.aggregator == nil {
		return status.Snapshot{}
	}
	return o.aggregator.Latest()
}

// Attach delegates to the multiplexer collaborator, a no-op under NoOp.
func (o *Orchestrator) Attach(ctx context.Context) error {
	return o.mux.Attach(ctx)
}
