// Package config loads a devwave project file (YAML, or TOML by file
// extension) into pkg/spec values. It sits outside the core engine: the
// engine knows nothing about file formats, only about ProcessSpec,
// GlobalHooks, and preflight.Check values.
package config

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"devwave/pkg/preflight"
	"devwave/pkg/spec"
)

// File is the top-level project document: a name, a category->window-label
// map, the process set, optional global hooks, preflight configuration,
// and display/boot options.
type File struct {
	Project    string                `yaml:"project" toml:"project"`
	Categories map[string]string     `yaml:"categories" toml:"categories"`
	Processes  map[string]ProcessDoc `yaml:"processes" toml:"processes"`
	Hooks      *GlobalHooksDoc       `yaml:"hooks" toml:"hooks"`
	Preflight  PreflightDoc          `yaml:"preflight" toml:"preflight"`
	Display    DisplayDoc            `yaml:"display" toml:"display"`
}

// ProcessDoc is one entry of the processes map; its key is the process
// name, so ProcessDoc itself carries no name field.
type ProcessDoc struct {
	Category        string            `yaml:"category" toml:"category"`
	Command         string            `yaml:"command" toml:"command"`
	Cwd             string            `yaml:"cwd" toml:"cwd"`
	Dependencies    []string          `yaml:"dependencies" toml:"dependencies"`
	RestartPolicy   string            `yaml:"restartPolicy" toml:"restartPolicy"`
	RestartDelay    string            `yaml:"restartDelay" toml:"restartDelay"`
	MaxRetries      int               `yaml:"maxRetries" toml:"maxRetries"`
	Env             map[string]string `yaml:"env" toml:"env"`
	ReadyCheck      *ReadyCheckDoc    `yaml:"readyCheck" toml:"readyCheck"`
	Hooks           *HooksDoc         `yaml:"hooks" toml:"hooks"`
	RunnerKind      string            `yaml:"runnerKind" toml:"runnerKind"`
	IntegrationMode string            `yaml:"integrationMode" toml:"integrationMode"`
}

// ReadyCheckDoc is the document form of spec.ReadyCheck's five-variant
// union; only the fields relevant to Kind need be set.
type ReadyCheckDoc struct {
	Kind           string `yaml:"kind" toml:"kind"`
	URL            string `yaml:"url" toml:"url"`
	ExpectedStatus int    `yaml:"expectedStatus" toml:"expectedStatus"`
	Host           string `yaml:"host" toml:"host"`
	Port           int    `yaml:"port" toml:"port"`
	Pattern        string `yaml:"pattern" toml:"pattern"`
	Command        string `yaml:"command" toml:"command"`
	Timeout        string `yaml:"timeout" toml:"timeout"`
	Interval       string `yaml:"interval" toml:"interval"`
	MaxAttempts    int    `yaml:"maxAttempts" toml:"maxAttempts"`
}

// HooksDoc is the document form of spec.Hooks.
type HooksDoc struct {
	PreStart  string `yaml:"preStart" toml:"preStart"`
	PostStart string `yaml:"postStart" toml:"postStart"`
	PreStop   string `yaml:"preStop" toml:"preStop"`
	PostStop  string `yaml:"postStop" toml:"postStop"`
	Timeout   string `yaml:"timeout" toml:"timeout"`
}

// GlobalHooksDoc is the document form of spec.GlobalHooks.
type GlobalHooksDoc struct {
	PreStartAll  string `yaml:"preStartAll" toml:"preStartAll"`
	PostStartAll string `yaml:"postStartAll" toml:"postStartAll"`
	PreStopAll   string `yaml:"preStopAll" toml:"preStopAll"`
	PostStopAll  string `yaml:"postStopAll" toml:"postStopAll"`
	Timeout      string `yaml:"timeout" toml:"timeout"`
}

// PreflightDoc configures the built-in preflight checks and carries the
// user-defined ones.
type PreflightDoc struct {
	MultiplexerBinary string              `yaml:"multiplexerBinary" toml:"multiplexerBinary"`
	ContainerSocket   string              `yaml:"containerSocket" toml:"containerSocket"`
	RuntimeCommand    string              `yaml:"runtimeCommand" toml:"runtimeCommand"`
	RuntimeMinVersion string              `yaml:"runtimeMinVersion" toml:"runtimeMinVersion"`
	Checks            []PreflightCheckDoc `yaml:"checks" toml:"checks"`
}

// PreflightCheckDoc is one user-defined preflight gate: a shell command
// that must succeed before any process is started.
type PreflightCheckDoc struct {
	Name          string `yaml:"name" toml:"name"`
	Command       string `yaml:"command" toml:"command"`
	FixSuggestion string `yaml:"fixSuggestion" toml:"fixSuggestion"`
}

// DisplayDoc holds boot/display options that live outside the engine's
// own concerns: where the broadcast socket listens, and how often the
// status aggregator samples.
type DisplayDoc struct {
	SocketPath     string `yaml:"socketPath" toml:"socketPath"`
	StatusInterval string `yaml:"statusInterval" toml:"statusInterval"`
}

// LoadFromFile reads a devwave project file, choosing the decoder by file
// extension: ".toml" decodes as TOML, everything else as YAML.
func LoadFromFile(filename string) (*File, error) {
	var f File
	if filepath.Ext(filename) == ".toml" {
		if _, err := toml.DecodeFile(filename, &f); err != nil {
			return nil, fmt.Errorf("config: decoding %s: %w", filename, err)
		}
		return &f, nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", filename, err)
	}
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", filename, err)
	}
	return &f, nil
}

// ProcessSpecs translates every entry of f.Processes into a
// spec.ProcessSpec. It does not validate the result — call
// spec.ValidateSet on the returned slice, which also enforces the
// pane/log-pattern rejection.
func (f *File) ProcessSpecs() ([]spec.ProcessSpec, error) {
	specs := make([]spec.ProcessSpec, 0, len(f.Processes))
	for name, doc := range f.Processes {
		p, err := doc.toSpec(name)
		if err != nil {
			return nil, err
		}
		specs = append(specs, p)
	}
	return specs, nil
}

func (d ProcessDoc) toSpec(name string) (spec.ProcessSpec, error) {
	restartDelay, err := parseDuration(d.RestartDelay)
	if err != nil {
		return spec.ProcessSpec{}, fmt.Errorf("process %s: restartDelay: %w", name, err)
	}

	p := spec.ProcessSpec{
		Name:            name,
		Category:        d.Category,
		Command:         d.Command,
		Cwd:             d.Cwd,
		Dependencies:    d.Dependencies,
		RestartPolicy:   spec.RestartPolicy(d.RestartPolicy),
		RestartDelay:    restartDelay,
		MaxRetries:      d.MaxRetries,
		Env:             d.Env,
		RunnerKind:      spec.RunnerKind(d.RunnerKind),
		IntegrationMode: spec.IntegrationMode(d.IntegrationMode),
	}

	if d.ReadyCheck != nil {
		rc, err := d.ReadyCheck.toSpec(name)
		if err != nil {
			return spec.ProcessSpec{}, err
		}
		p.ReadyCheck = &rc
	}
	if d.Hooks != nil {
		h, err := d.Hooks.toSpec(name)
		if err != nil {
			return spec.ProcessSpec{}, err
		}
		p.Hooks = &h
	}
	return p, nil
}

func (d ReadyCheckDoc) toSpec(process string) (spec.ReadyCheck, error) {
	timeout, err := parseDuration(d.Timeout)
	if err != nil {
		return spec.ReadyCheck{}, fmt.Errorf("process %s: readyCheck.timeout: %w", process, err)
	}
	interval, err := parseDuration(d.Interval)
	if err != nil {
		return spec.ReadyCheck{}, fmt.Errorf("process %s: readyCheck.interval: %w", process, err)
	}

	rc := spec.ReadyCheck{
		Kind:           spec.ReadyCheckKind(d.Kind),
		URL:            d.URL,
		ExpectedStatus: d.ExpectedStatus,
		Host:           d.Host,
		Port:           d.Port,
		Command:        d.Command,
		Timeout:        timeout,
		Interval:       interval,
		MaxAttempts:    d.MaxAttempts,
	}
	if d.Pattern != "" {
		re, err := regexp.Compile(d.Pattern)
		if err != nil {
			return spec.ReadyCheck{}, fmt.Errorf("process %s: readyCheck.pattern: %w", process, err)
		}
		rc.Pattern = re
	}
	return rc, nil
}

func (d HooksDoc) toSpec(process string) (spec.Hooks, error) {
	timeout, err := parseDuration(d.Timeout)
	if err != nil {
		return spec.Hooks{}, fmt.Errorf("process %s: hooks.timeout: %w", process, err)
	}
	return spec.Hooks{
		PreStart:  d.PreStart,
		PostStart: d.PostStart,
		PreStop:   d.PreStop,
		PostStop:  d.PostStop,
		Timeout:   timeout,
	}, nil
}

// GlobalHooks translates the document's global hooks block, returning nil
// if the document didn't set one.
func (f *File) GlobalHooks() (*spec.GlobalHooks, error) {
	if f.Hooks == nil {
		return nil, nil
	}
	timeout, err := parseDuration(f.Hooks.Timeout)
	if err != nil {
		return nil, fmt.Errorf("hooks.timeout: %w", err)
	}
	return &spec.GlobalHooks{
		PreStartAll:  f.Hooks.PreStartAll,
		PostStartAll: f.Hooks.PostStartAll,
		PreStopAll:   f.Hooks.PreStopAll,
		PostStopAll:  f.Hooks.PostStopAll,
		Timeout:      timeout,
	}, nil
}

// PreflightOptions translates the document's built-in preflight knobs.
func (f *File) PreflightOptions() preflight.Options {
	return preflight.Options{
		MultiplexerBinary: f.Preflight.MultiplexerBinary,
		ContainerSocket:   f.Preflight.ContainerSocket,
		RuntimeCommand:    f.Preflight.RuntimeCommand,
		RuntimeMinVersion: f.Preflight.RuntimeMinVersion,
	}
}

// PreflightChecks translates the document's user-defined preflight checks
// into preflight.Check values, each running its configured shell command
// via "sh -c" and succeeding on a zero exit status.
func (f *File) PreflightChecks() []preflight.Check {
	checks := make([]preflight.Check, 0, len(f.Preflight.Checks))
	for _, c := range f.Preflight.Checks {
		command := c.Command
		checks = append(checks, preflight.Check{
			Name: c.Name,
			Run: func(ctx context.Context) error {
				return exec.CommandContext(ctx, "sh", "-c", command).Run()
			},
			FixSuggestion: c.FixSuggestion,
		})
	}
	return checks
}

// StatusInterval parses the display block's statusInterval, returning
// zero (the status aggregator's own default) when unset.
func (f *File) StatusInterval() (time.Duration, error) {
	return parseDuration(f.Display.StatusInterval)
}

// SocketPath returns the display block's broadcast socket path, empty
// meaning the broadcast server is disabled.
func (f *File) SocketPath() string {
	return f.Display.SocketPath
}

// parseDuration treats the empty string as "unset" (zero) and otherwise
// defers to time.ParseDuration, which already accepts exactly the ms/s/m/h
// suffixes a devwave project file uses.
func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid duration %q: must not be negative", s)
	}
	return d, nil
}
