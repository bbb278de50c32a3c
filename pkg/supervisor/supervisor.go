// Package supervisor implements the per-process lifecycle state machine
// (spec.md §4.4): hooks, readiness probing, restart policy, and a
// restart-rate governor. One Supervisor owns exactly one ProcessRecord for
// the lifetime of its ProcessSpec; no other component mutates that record.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/joeycumines/go-catrate"

	"devwave/pkg/event"
	"devwave/pkg/multiplexer"
	"devwave/pkg/probe"
	"devwave/pkg/runner"
	"devwave/pkg/spec"
)

// Status is a ProcessRecord's lifecycle state (spec.md §3's enumeration,
// plus the internal transitional states spec.md §4.4's diagram names).
type Status string

const (
	StatusPending    Status = "pending"
	StatusStarting   Status = "starting"
	StatusBuilding   Status = "building"
	StatusRunning    Status = "running"
	StatusRestarting Status = "restarting"
	StatusStopping   Status = "stopping"
	StatusStopped    Status = "stopped"
	StatusFailed     Status = "failed"
)

// HealthCheckStatus tracks the readiness probe's own state, independent of
// the overall process Status (spec.md §3).
type HealthCheckStatus string

const (
	HealthPending  HealthCheckStatus = "pending"
	HealthChecking HealthCheckStatus = "checking"
	HealthPassed   HealthCheckStatus = "passed"
	HealthFailed   HealthCheckStatus = "failed"
)

// DefaultHookTimeout applies when a Hooks/GlobalHooks value leaves Timeout
// at zero (spec.md §4.4).
const DefaultHookTimeout = 60 * time.Second

// DefaultRestartRateWindow and DefaultRestartRateLimit configure the
// catrate governor backstop described in SPEC_FULL.md §4.4: independent of
// maxRetries, no more than DefaultRestartRateLimit restarts are allowed
// within DefaultRestartRateWindow for a single process.
const (
	DefaultRestartRateWindow = 60 * time.Second
	DefaultRestartRateLimit  = 10
)

// ProcessRecord is the mutable per-process state a Supervisor owns
// exclusively (spec.md §3). Readers outside the Supervisor must use
// Supervisor.Record, which returns a value copy.
type ProcessRecord struct {
	Name              string
	Status            Status
	Pid               int
	HasPid            bool
	StartTime         time.Time
	StopTime          time.Time
	RestartCount      int
	BuildInfo         runner.BuildInfo
	PaneHandle        string
	HealthCheckStatus HealthCheckStatus
	LastError         error
}

// Supervisor drives one ProcessSpec through its lifecycle.
type Supervisor struct {
	spec spec.ProcessSpec
	bus  *event.Bus
	mux  multiplexer.Multiplexer

	limiter *catrate.Limiter

	mu     sync.Mutex
	record ProcessRecord
	runner runner.Runner

	stopRequested bool
	// watchGen increments every time Supervise arms a new watch goroutine;
	// a watch goroutine compares its captured generation against the
	// current one before acting on an unexpected exit, so a superseded
	// watch (one whose runner was replaced by a later Start/Supervise call,
	// e.g. a manual restart) never races the new one into a double restart.
	watchGen int
}

// New constructs a Supervisor for spec. bus may be nil (events are
// dropped). mux defaults to a no-op multiplexer when nil. limiter is the
// shared restart-rate governor; a nil limiter disables the backstop
// (maxRetries alone still applies).
func New(p spec.ProcessSpec, bus *event.Bus, mux multiplexer.Multiplexer, limiter *catrate.Limiter) *Supervisor {
	if mux == nil {
		mux = multiplexer.NewNoOp(nil)
	}
	return &Supervisor{
		spec:    p,
		bus:     bus,
		mux:     mux,
		limiter: limiter,
		record: ProcessRecord{
			Name:              p.Name,
			Status:            StatusPending,
			HealthCheckStatus: HealthPending,
		},
	}
}

// Record returns a value copy of the current ProcessRecord.
func (s *Supervisor) Record() ProcessRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.record
}

func (s *Supervisor) setStatus(st Status) {
	s.mu.Lock()
	s.record.Status = st
	s.mu.Unlock()
	s.publish(event.KindProcessStatus, string(st), nil)
}

func (s *Supervisor) publish(kind event.Kind, status string, err error) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(event.Event{Kind: kind, Process: s.spec.Name, Status: status, Err: err})
}

// Start brings the process from pending to running (or failed), running
// pre_start, spawning the runner, probing readiness, and running
// post_start. It returns an error only for a fatal failure (pre_start
// failure, spawn failure, a failed build, or a readiness probe that does not
// pass); restart handling after a fatal start is the
// caller's responsibility via Supervise.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	s.stopRequested = false
	s.mu.Unlock()

	s.setStatus(StatusStarting)

	if s.spec.Hooks != nil && s.spec.Hooks.PreStart != "" {
		if err := s.runHook(ctx, s.spec.Hooks.PreStart); err != nil {
			s.fail(fmt.Errorf("pre_start hook: %w", err))
			return err
		}
	}

	r := runner.New(s.spec, s.bus, s.mux)
	s.mu.Lock()
	s.runner = r
	s.mu.Unlock()

	if err := r.Start(ctx); err != nil {
		s.fail(fmt.Errorf("spawn: %w", err))
		return err
	}

	pid, hasPid := r.Pid()
	s.mu.Lock()
	s.record.Pid = pid
	s.record.HasPid = hasPid
	s.record.StartTime = time.Now()
	s.record.HealthCheckStatus = HealthChecking
	s.mu.Unlock()

	if r.Status() == runner.StatusBuilding {
		s.setStatus(StatusBuilding)
	}

	if s.spec.ReadyCheck == nil {
		if isBuildKind(s.spec.RunnerKind) {
			// build-style kinds without an explicit probe still require a
			// build-complete signal from the parser before running; poll
			// the runner's own status until it settles.
			if err := s.waitBuildSettle(ctx, r); err != nil {
				s.fail(err)
				return err
			}
		}
		s.markReady()
	} else {
		outcome := probe.Run(ctx, *s.spec.ReadyCheck, probe.Child{Exited: r.Exited(), Lines: r.Lines()}, nil)
		switch outcome {
		case probe.Ready:
			s.markReady()
		default:
			err := fmt.Errorf("readiness probe did not pass: %s", outcome)
			s.mu.Lock()
			s.record.HealthCheckStatus = HealthFailed
			s.mu.Unlock()
			s.fail(err)
			return err
		}
	}

	if s.spec.Hooks != nil && s.spec.Hooks.PostStart != "" {
		if err := s.runHook(ctx, s.spec.Hooks.PostStart); err != nil {
			// post_start failure is reported but non-fatal (spec.md §4.4).
			s.publish(event.KindProcessFailed, "post_start_hook_failed", err)
		}
	}

	return nil
}

func (s *Supervisor) waitBuildSettle(ctx context.Context, r runner.Runner) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		switch r.Status() {
		case runner.StatusRunning:
			return nil
		case runner.StatusFailed:
			return fmt.Errorf("build failed")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Supervisor) markReady() {
	s.mu.Lock()
	s.record.Status = StatusRunning
	s.record.HealthCheckStatus = HealthPassed
	s.mu.Unlock()
	s.publish(event.KindProcessReady, string(StatusRunning), nil)
}

func (s *Supervisor) fail(err error) {
	s.mu.Lock()
	s.record.Status = StatusFailed
	s.record.LastError = err
	s.mu.Unlock()
	s.publish(event.KindProcessFailed, string(StatusFailed), err)
}

// Stop tears the process down: pre_stop hook, runner stop, post_stop hook.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopRequested = true
	r := s.runner
	s.record.Status = StatusStopping
	s.mu.Unlock()
	s.publish(event.KindProcessStatus, string(StatusStopping), nil)

	if s.spec.Hooks != nil && s.spec.Hooks.PreStop != "" {
		if err := s.runHook(ctx, s.spec.Hooks.PreStop); err != nil {
			s.publish(event.KindProcessFailed, "pre_stop_hook_failed", err)
		}
	}

	var stopErr error
	if r != nil {
		stopErr = r.Stop(ctx)
	}

	s.mu.Lock()
	s.record.Status = StatusStopped
	s.record.StopTime = time.Now()
	s.mu.Unlock()
	s.publish(event.KindProcessStopped, string(StatusStopped), nil)

	if s.spec.Hooks != nil && s.spec.Hooks.PostStop != "" {
		if err := s.runHook(ctx, s.spec.Hooks.PostStop); err != nil {
			s.publish(event.KindProcessFailed, "post_stop_hook_failed", err)
		}
	}

	return stopErr
}

// Supervise starts the process and then, in a background goroutine, watches
// for unexpected exit, applying the restart policy until the process is
// stopped deliberately, exhausts maxRetries, or the catrate governor
// declines a restart (spec.md §4.4's restarting↔starting/failed loop).
// It returns once the initial Start completes (or fails fatally); the
// watch-and-restart loop continues asynchronously until ctx is cancelled.
func (s *Supervisor) Supervise(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	s.watchGen++
	gen := s.watchGen
	s.mu.Unlock()
	go s.watch(ctx, gen)
	return nil
}

// watch runs for one generation of the process: it watches the runner
// captured at its own Start for an unexpected exit and applies the restart
// policy. gen lets a later Supervise call (a manual restart, or dispatch's
// start action) supersede this watch without a race — once s.watchGen no
// longer matches gen, this goroutine has nothing left to do.
func (s *Supervisor) watch(ctx context.Context, gen int) {
	for {
		s.mu.Lock()
		r := s.runner
		s.mu.Unlock()
		if r == nil {
			return
		}
		exited := r.Exited()
		if exited == nil {
			return // pane strategy: no exit signal, nothing to watch
		}

		select {
		case <-ctx.Done():
			return
		case code, ok := <-exited:
			if !ok {
				return
			}
			s.mu.Lock()
			stopRequested := s.stopRequested
			superseded := s.watchGen != gen
			s.mu.Unlock()
			if stopRequested || superseded {
				return
			}
			if !s.shouldRestart(code) {
				s.fail(fmt.Errorf("exited with code %d, restart policy exhausted or disallows retry", code))
				return
			}
			if !s.restart(ctx) {
				return
			}
		}
	}
}

func (s *Supervisor) shouldRestart(exitCode int) bool {
	switch s.spec.RestartPolicy {
	case spec.RestartAlways:
	case spec.RestartOnFailure:
		if exitCode == 0 {
			return false
		}
	default:
		return false
	}

	s.mu.Lock()
	count := s.record.RestartCount
	s.mu.Unlock()
	return count < s.spec.MaxRetries
}

func (s *Supervisor) restart(ctx context.Context) bool {
	if s.limiter != nil {
		if _, ok := s.limiter.Allow(s.spec.Name); !ok {
			s.fail(fmt.Errorf("restart rate limit exceeded for %s", s.spec.Name))
			return false
		}
	}

	s.mu.Lock()
	s.record.RestartCount++
	s.record.Status = StatusRestarting
	s.mu.Unlock()
	s.publish(event.KindProcessRestarting, string(StatusRestarting), nil)

	delay := s.spec.RestartDelay
	if delay > 0 {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}
	}

	if err := s.Start(ctx); err != nil {
		return false
	}
	return true
}

func (s *Supervisor) runHook(ctx context.Context, command string) error {
	timeout := DefaultHookTimeout
	if s.spec.Hooks != nil && s.spec.Hooks.Timeout > 0 {
		timeout = s.spec.Hooks.Timeout
	}
	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(hctx, "sh", "-c", command)
	cmd.Dir = s.spec.Cwd
	cmd.Env = hookEnv(s.spec.Env)
	return cmd.Run()
}

func hookEnv(overlay map[string]string) []string {
	base := os.Environ()
	if len(overlay) == 0 {
		return base
	}
	out := append([]string{}, base...)
	for k, v := range overlay {
		out = append(out, k+"="+v)
	}
	return out
}

func isBuildKind(k spec.RunnerKind) bool {
	switch k {
	case spec.RunnerBundler, spec.RunnerUIBuild:
		return true
	default:
		return false
	}
}

// NewRestartLimiter builds the shared catrate.Limiter used as the
// restart-rate governor backstop (SPEC_FULL.md §4.4).
func NewRestartLimiter() *catrate.Limiter {
	return catrate.NewLimiter(map[time.Duration]int{
		DefaultRestartRateWindow: DefaultRestartRateLimit,
	})
}

// RunGlobalHook executes a GlobalHooks command (pre_start_all/
// post_stop_all/etc.), bracketing the whole startup/shutdown sequence
// rather than a single process (resolved open question, SPEC_FULL.md §9).
func RunGlobalHook(ctx context.Context, hooks *spec.GlobalHooks, command string) error {
	if command == "" {
		return nil
	}
	timeout := DefaultHookTimeout
	if hooks != nil && hooks.Timeout > 0 {
		timeout = hooks.Timeout
	}
	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return exec.CommandContext(hctx, "sh", "-c", command).Run()
}
