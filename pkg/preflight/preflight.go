// Package preflight runs built-in and user-defined readiness gates before
// the orchestrator spawns any child (spec.md §4.2): multiplexer binary
// presence, container daemon reachability, a runtime-version floor, and
// TCP-port availability, followed by user checks. All checks run
// sequentially; any failure aggregates into a single error and startup
// aborts before a process is spawned.
package preflight

import (
	"context"
	"fmt"
	"net"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/mod/semver"

	"devwave/pkg/spec"
)

// Check is one preflight gate: a named predicate with a human fix
// suggestion and an optional applicability gate.
type Check struct {
	Name string
	// Run performs the check; a non-nil error is the failure reason.
	Run func(ctx context.Context) error
	// FixSuggestion is surfaced alongside a failure.
	FixSuggestion string
	// Applicable reports whether Run should execute at all; nil means
	// always applicable.
	Applicable func() bool
}

// Result records the outcome of one Check.
type Result struct {
	Name     string
	Err      error
	Duration time.Duration
	Skipped  bool
}

// Report is the full outcome of a preflight run.
type Report struct {
	Results []Result
}

// Failed reports whether any non-skipped check in the report failed.
func (r Report) Failed() bool {
	for _, res := range r.Results {
		if res.Err != nil {
			return true
		}
	}
	return false
}

// Error aggregates every failed check into one error naming each, or nil
// if the report has no failures.
func (r Report) Error() error {
	var names []string
	for _, res := range r.Results {
		if res.Err != nil {
			names = append(names, fmt.Sprintf("%s: %v", res.Name, res.Err))
		}
	}
	if len(names) == 0 {
		return nil
	}
	return fmt.Errorf("preflight failed (%d check(s)): %s", len(names), strings.Join(names, "; "))
}

// Options configures which built-in checks apply.
type Options struct {
	// MultiplexerBinary is the executable name to look up (e.g. "tmux").
	// Empty skips the multiplexer-presence check.
	MultiplexerBinary string
	// ContainerSocket is a unix socket path to dial for container-daemon
	// reachability (e.g. "/var/run/docker.sock"). Empty skips the check.
	ContainerSocket string
	// RuntimeCommand and RuntimeMinVersion gate on `<cmd> --version`
	// parsing to a semver at least RuntimeMinVersion (e.g. "node",
	// "v18.0.0"). Empty RuntimeCommand skips the check.
	RuntimeCommand    string
	RuntimeMinVersion string
}

var portFlagPattern = regexp.MustCompile(`(?:--port[= ]|(?:^|\s)-p\s|PORT=)(\d{2,5})`)

// Run executes, in order: built-in checks (gated by Options), the
// derived port-availability check, then user checks. It always runs every
// check (no short-circuit) so a caller sees every failure, not just the
// first (spec.md §4.2: "collects results ... returns the list").
func Run(ctx context.Context, opts Options, specs []spec.ProcessSpec, userChecks []Check) Report {
	var report Report

	for _, c := range builtinChecks(opts) {
		report.Results = append(report.Results, execute(ctx, c))
	}

	report.Results = append(report.Results, execute(ctx, portCheck(specs)))

	for _, c := range userChecks {
		report.Results = append(report.Results, execute(ctx, c))
	}

	return report
}

func execute(ctx context.Context, c Check) Result {
	if c.Applicable != nil && !c.Applicable() {
		return Result{Name: c.Name, Skipped: true}
	}
	start := time.Now()
	err := c.Run(ctx)
	if err != nil && c.FixSuggestion != "" {
		err = fmt.Errorf("%w (fix: %s)", err, c.FixSuggestion)
	}
	return Result{Name: c.Name, Err: err, Duration: time.Since(start)}
}

func builtinChecks(opts Options) []Check {
	var checks []Check

	if opts.MultiplexerBinary != "" {
		checks = append(checks, Check{
			Name:          "multiplexer binary",
			FixSuggestion: fmt.Sprintf("install %q and ensure it is on PATH", opts.MultiplexerBinary),
			Run: func(ctx context.Context) error {
				_, err := exec.LookPath(opts.MultiplexerBinary)
				if err != nil {
					return fmt.Errorf("%q not found on PATH", opts.MultiplexerBinary)
				}
				return nil
			},
		})
	}

	if opts.ContainerSocket != "" {
		checks = append(checks, Check{
			Name:          "container daemon",
			FixSuggestion: fmt.Sprintf("start the container daemon listening on %s", opts.ContainerSocket),
			Run: func(ctx context.Context) error {
				d := net.Dialer{Timeout: 2 * time.Second}
				conn, err := d.DialContext(ctx, "unix", opts.ContainerSocket)
				if err != nil {
					return fmt.Errorf("cannot reach container daemon at %s: %w", opts.ContainerSocket, err)
				}
				conn.Close()
				return nil
			},
		})
	}

	if opts.RuntimeCommand != "" {
		checks = append(checks, Check{
			Name:          "runtime version",
			FixSuggestion: fmt.Sprintf("install %s >= %s", opts.RuntimeCommand, opts.RuntimeMinVersion),
			Run: func(ctx context.Context) error {
				return checkRuntimeVersion(ctx, opts.RuntimeCommand, opts.RuntimeMinVersion)
			},
		})
	}

	return checks
}

func checkRuntimeVersion(ctx context.Context, cmdName, minVersion string) error {
	out, err := exec.CommandContext(ctx, cmdName, "--version").Output()
	if err != nil {
		return fmt.Errorf("running %s --version: %w", cmdName, err)
	}
	version := extractSemver(string(out))
	if version == "" {
		return fmt.Errorf("could not parse a version from %s --version output", cmdName)
	}
	if !semver.IsValid(minVersion) {
		return fmt.Errorf("configured minimum version %q is not valid semver", minVersion)
	}
	if semver.Compare(version, minVersion) < 0 {
		return fmt.Errorf("%s version %s is below required %s", cmdName, version, minVersion)
	}
	return nil
}

var semverPattern = regexp.MustCompile(`v?\d+\.\d+\.\d+`)

func extractSemver(s string) string {
	m := semverPattern.FindString(s)
	if m == "" {
		return ""
	}
	if m[0] != 'v' {
		m = "v" + m
	}
	return m
}

// portCheck scans every spec's ReadyCheck (tcp/http) and command line for
// a declared port, then verifies each is free to bind.
func portCheck(specs []spec.ProcessSpec) Check {
	return Check{
		Name: "port availability",
		Run: func(ctx context.Context) error {
			ports := derivePorts(specs)
			var conflicts []string
			for _, p := range ports {
				if err := checkPortFree(p.port); err != nil {
					conflicts = append(conflicts, fmt.Sprintf("%s: port %d in use%s", p.process, p.port, attributePort(p.port)))
				}
			}
			if len(conflicts) > 0 {
				return fmt.Errorf("%s", strings.Join(conflicts, "; "))
			}
			return nil
		},
	}
}

type portRef struct {
	process string
	port    int
}

func derivePorts(specs []spec.ProcessSpec) []portRef {
	var out []portRef
	for _, p := range specs {
		if p.ReadyCheck != nil {
			switch p.ReadyCheck.Kind {
			case spec.ReadyTCP:
				out = append(out, portRef{process: p.Name, port: p.ReadyCheck.Port})
			case spec.ReadyHTTP:
				if port, ok := portFromURL(p.ReadyCheck.URL); ok {
					out = append(out, portRef{process: p.Name, port: port})
				}
			}
		}
		if m := portFlagPattern.FindStringSubmatch(p.Command); m != nil {
			if port, err := strconv.Atoi(m[1]); err == nil {
				out = append(out, portRef{process: p.Name, port: port})
			}
		}
	}
	return out
}

func portFromURL(url string) (int, bool) {
	idx := strings.LastIndex(url, ":")
	if idx == -1 {
		return 0, false
	}
	rest := url[idx+1:]
	end := strings.IndexAny(rest, "/?#")
	if end != -1 {
		rest = rest[:end]
	}
	port, err := strconv.Atoi(rest)
	if err != nil {
		return 0, false
	}
	return port, true
}

func checkPortFree(port int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return err
	}
	return ln.Close()
}

// attributePort makes a best-effort attempt to identify the process
// occupying port via platform tools. Failure is silent: the conflict is
// still reported without attribution (spec.md §4.2).
func attributePort(port int) string {
	for _, attempt := range []func(int) (string, bool){attributeViaLsof, attributeViaSS, attributeViaFuser} {
		if s, ok := attempt(port); ok {
			return " (" + s + ")"
		}
	}
	return ""
}

func attributeViaLsof(port int) (string, bool) {
	out, err := exec.Command("lsof", "-n", "-P", "-i", fmt.Sprintf("tcp:%d", port)).Output()
	if err != nil {
		return "", false
	}
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	if len(lines) < 2 {
		return "", false
	}
	fields := strings.Fields(lines[1])
	if len(fields) < 2 {
		return "", false
	}
	return fmt.Sprintf("held by %s (pid %s)", fields[0], fields[1]), true
}

func attributeViaSS(port int) (string, bool) {
	out, err := exec.Command("ss", "-ltnp", fmt.Sprintf("sport = :%d", port)).Output()
	if err != nil {
		return "", false
	}
	s := strings.TrimSpace(string(out))
	if s == "" {
		return "", false
	}
	return "ss: " + s, true
}

func attributeViaFuser(port int) (string, bool) {
	out, err := exec.Command("fuser", fmt.Sprintf("%d/tcp", port)).Output()
	if err != nil {
		return "", false
	}
	pid := strings.TrimSpace(string(out))
	if pid == "" {
		return "", false
	}
	return "held by pid " + pid, true
}
