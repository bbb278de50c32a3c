// Package spec defines the declarative process model devwave supervises:
// ProcessSpec, its ReadyCheck variants, restart policy, runner kind, and
// the wave type produced by the dependency resolver. Values of these types
// are immutable once constructed; the engine never mutates a ProcessSpec.
package spec

import (
	"fmt"
	"regexp"
	"sort"
	"time"
)

// RestartPolicy controls whether and how a process is restarted after it exits.
type RestartPolicy string

const (
	RestartNever     RestartPolicy = "never"
	RestartOnFailure RestartPolicy = "on-failure"
	RestartAlways    RestartPolicy = "always"
)

// RunnerKind selects the output-parsing adapter used for a process.
// See pkg/runner for the variant implementations.
type RunnerKind string

const (
	RunnerGenericShell  RunnerKind = "generic-shell"
	RunnerContainer     RunnerKind = "container"
	RunnerScriptRuntime RunnerKind = "script-runtime"
	RunnerBundler       RunnerKind = "bundler"
	RunnerUIBuild       RunnerKind = "ui-build"
	RunnerDevServer     RunnerKind = "dev-server"
)

// IntegrationMode hints at how deeply a pane-bound process integrates with
// the multiplexer collaborator (e.g. whether it gets its own window).
type IntegrationMode string

const (
	IntegrationShallow IntegrationMode = "shallow"
	IntegrationDeep    IntegrationMode = "deep"
)

// Strategy is the execution strategy a ProcessSpec resolves to. It is
// derived, not configured directly: specs destined for a multiplexer pane
// (IntegrationMode set) use Pane; all others use Direct.
type Strategy string

const (
	StrategyDirect Strategy = "direct"
	StrategyPane   Strategy = "pane"
)

// Hooks are shell commands run at lifecycle transitions. Every hook has a
// bounded timeout (zero means the default of 60s, applied by the
// supervisor) and runs in the spec's cwd with the merged environment.
type Hooks struct {
	PreStart  string
	PostStart string
	PreStop   string
	PostStop  string
	Timeout   time.Duration
}

// GlobalHooks run once outside all waves: PreStartAll/PostStopAll bracket
// the whole startup/shutdown sequence (resolved open question, see
// SPEC_FULL.md §9). PostStartAll and PreStopAll are carried through from
// the project file, but the orchestrator does not run them.
type GlobalHooks struct {
	PreStartAll  string
	PostStartAll string
	PreStopAll   string
	PostStopAll  string
	Timeout      time.Duration
}

// ReadyCheckKind discriminates the ReadyCheck union.
type ReadyCheckKind string

const (
	ReadyHTTP       ReadyCheckKind = "http"
	ReadyTCP        ReadyCheckKind = "tcp"
	ReadyExitCode   ReadyCheckKind = "exit-code"
	ReadyLogPattern ReadyCheckKind = "log-pattern"
	ReadyCustom     ReadyCheckKind = "custom"
)

// Default numeric semantics for probes (spec.md §4.5).
const (
	DefaultProbeTimeout     = 60 * time.Second
	DefaultProbeInterval    = 1 * time.Second
	DefaultProbeMaxAttempts = 60
)

// ReadyCheck describes one of five readiness-probe variants. Exactly one
// variant's fields are meaningful for a given Kind; the zero value of the
// others is ignored.
type ReadyCheck struct {
	Kind ReadyCheckKind

	// http
	URL            string
	ExpectedStatus int // defaults to 200

	// tcp
	Host string
	Port int

	// log-pattern
	Pattern *regexp.Regexp

	// custom
	Command string

	// shared numeric knobs; zero means "use the default"
	Timeout     time.Duration
	Interval    time.Duration
	MaxAttempts int
}

// WithDefaults returns a copy of c with zero-valued numeric fields replaced
// by spec.md's documented defaults.
func (c ReadyCheck) WithDefaults() ReadyCheck {
	if c.Timeout == 0 {
		c.Timeout = DefaultProbeTimeout
	}
	if c.Interval == 0 {
		c.Interval = DefaultProbeInterval
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = DefaultProbeMaxAttempts
	}
	if c.Kind == ReadyHTTP && c.ExpectedStatus == 0 {
		c.ExpectedStatus = 200
	}
	return c
}

// ProcessSpec is the declarative, immutable description of one supervised
// process.
type ProcessSpec struct {
	Name            string
	Category        string
	Command         string
	Cwd             string
	Dependencies    []string
	RestartPolicy   RestartPolicy
	RestartDelay    time.Duration
	MaxRetries      int
	Env             map[string]string
	ReadyCheck      *ReadyCheck
	Hooks           *Hooks
	RunnerKind      RunnerKind
	IntegrationMode IntegrationMode
}

// Strategy returns the execution strategy this spec resolves to. A spec
// carries an IntegrationMode only when it is bound to a multiplexer pane;
// an empty IntegrationMode means Direct.
func (p ProcessSpec) Strategy() Strategy {
	if p.IntegrationMode != "" {
		return StrategyPane
	}
	return StrategyDirect
}

// Wave is an ordered partition of process names: wave i depends only on
// processes from waves < i. See pkg/resolver for construction.
type Wave []string

// Validate checks a single ProcessSpec for internal consistency. It does
// not check cross-spec invariants (uniqueness, dependency existence) —
// that is ValidateSet's job.
func (p ProcessSpec) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("process spec: name must not be empty")
	}
	if p.Command == "" {
		return fmt.Errorf("process %s: command must not be empty", p.Name)
	}
	switch p.RestartPolicy {
	case RestartNever, RestartOnFailure, RestartAlways, "":
	default:
		return fmt.Errorf("process %s: unknown restart policy %q", p.Name, p.RestartPolicy)
	}
	if p.MaxRetries < 0 {
		return fmt.Errorf("process %s: maxRetries must be non-negative", p.Name)
	}
	switch p.RunnerKind {
	case RunnerGenericShell, RunnerContainer, RunnerScriptRuntime, RunnerBundler, RunnerUIBuild, RunnerDevServer, "":
	default:
		return fmt.Errorf("process %s: unknown runner kind %q", p.Name, p.RunnerKind)
	}
	if p.ReadyCheck != nil {
		if err := validateReadyCheck(p.Name, *p.ReadyCheck); err != nil {
			return err
		}
		// Resolved open question (SPEC_FULL.md §9): log-pattern probes
		// require in-band output capture, which Pane strategy cannot
		// provide.
		if p.ReadyCheck.Kind == ReadyLogPattern && p.Strategy() == StrategyPane {
			return fmt.Errorf("process %s: log-pattern readiness check is not available for pane-bound processes", p.Name)
		}
	}
	return nil
}

func validateReadyCheck(name string, c ReadyCheck) error {
	switch c.Kind {
	case ReadyHTTP:
		if c.URL == "" {
			return fmt.Errorf("process %s: http ready check requires a url", name)
		}
	case ReadyTCP:
		if c.Host == "" || c.Port == 0 {
			return fmt.Errorf("process %s: tcp ready check requires host and port", name)
		}
	case ReadyExitCode:
		// no required fields beyond timeout
	case ReadyLogPattern:
		if c.Pattern == nil {
			return fmt.Errorf("process %s: log-pattern ready check requires a pattern", name)
		}
	case ReadyCustom:
		if c.Command == "" {
			return fmt.Errorf("process %s: custom ready check requires a command", name)
		}
	default:
		return fmt.Errorf("process %s: unknown ready check kind %q", name, c.Kind)
	}
	return nil
}

// ValidateSet validates a collection of ProcessSpecs together: individual
// validity, name uniqueness, and dependency references (existence only —
// cycle detection is the resolver's job).
func ValidateSet(specs []ProcessSpec) error {
	seen := make(map[string]bool, len(specs))
	for _, p := range specs {
		if err := p.Validate(); err != nil {
			return err
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate process name %q", p.Name)
		}
		seen[p.Name] = true
	}
	for _, p := range specs {
		for _, dep := range p.Dependencies {
			if !seen[dep] {
				return fmt.Errorf("process %s: unknown dependency %q", p.Name, dep)
			}
		}
	}
	return nil
}

// Names returns the sorted list of process names in specs, useful for
// deterministic iteration in tests and logging.
func Names(specs []ProcessSpec) []string {
	names := make([]string, 0, len(specs))
	for _, p := range specs {
		names = append(names, p.Name)
	}
	sort.Strings(names)
	return names
}
