package runner

import (
	"regexp"
	"strconv"
	"strings"
	"sync"

	"devwave/pkg/spec"
)

// parser adapts one line of a runner's output into an optional status
// transition, matching spec.md §4.3's per-variant output-parsing contract.
// A parser returning ok=false observed nothing state-changing in line.
type parser interface {
	Parse(line string) (status Status, info BuildInfo, ok bool)
}

// parserFor returns the adapter appropriate for kind, or nil for variants
// that need no output parsing (generic-shell, script-runtime: status
// follows spawn/exit directly, handled in runner.go).
func parserFor(kind spec.RunnerKind) parser {
	switch kind {
	case spec.RunnerContainer:
		return &containerParser{}
	case spec.RunnerBundler, spec.RunnerUIBuild:
		return &buildParser{}
	case spec.RunnerDevServer:
		return &devServerParser{}
	default:
		return nil
	}
}

var containerIDPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// containerParser captures the first 64-hex-digit line of stdout as the
// container id (spec.md §4.3). It never itself transitions status; the
// container runner behaves like generic-shell otherwise.
type containerParser struct {
	mu sync.Mutex
	id string
}

func (c *containerParser) Parse(line string) (Status, BuildInfo, bool) {
	trimmed := strings.TrimSpace(line)
	if containerIDPattern.MatchString(trimmed) {
		c.mu.Lock()
		if c.id == "" {
			c.id = trimmed
		}
		c.mu.Unlock()
	}
	return "", BuildInfo{}, false
}

// ContainerID returns the captured container id, if any has been seen yet.
func (c *containerParser) ContainerID() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id, c.id != ""
}

var (
	progressPattern   = regexp.MustCompile(`(\d{1,3})%`)
	errorCountPattern = regexp.MustCompile(`(\d+)\s+error`)
	warnCountPattern  = regexp.MustCompile(`(\d+)\s+warning`)
	bundleSizePattern = regexp.MustCompile(`(\d+(?:\.\d+)?\s?(?:[KMG]i?B))`)
	buildDonePattern  = regexp.MustCompile(`(?i)build (?:complete|succeeded)|compiled successfully|done in`)
	buildFailPattern  = regexp.MustCompile(`(?i)build failed|compilation error`)
)

// buildParser backs the bundler and ui-build variants: it tracks progress
// percentage, error/warning counts, and bundle size, setting `running`
// only on a completion marker, `building` on start/rebuild, and `failed`
// on an error marker (spec.md §4.3).
type buildParser struct {
	mu   sync.Mutex
	info BuildInfo
}

func (p *buildParser) Parse(line string) (Status, BuildInfo, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	changed := false
	if m := progressPattern.FindStringSubmatch(line); m != nil {
		if v, err := strconv.Atoi(m[1]); err == nil {
			p.info.Progress = v
			changed = true
		}
	}
	if m := errorCountPattern.FindStringSubmatch(line); m != nil {
		if v, err := strconv.Atoi(m[1]); err == nil {
			p.info.Errors = v
			changed = true
		}
	}
	if m := warnCountPattern.FindStringSubmatch(line); m != nil {
		if v, err := strconv.Atoi(m[1]); err == nil {
			p.info.Warnings = v
			changed = true
		}
	}
	if m := bundleSizePattern.FindStringSubmatch(line); m != nil {
		p.info.Size = m[1]
		changed = true
	}

	switch {
	case buildFailPattern.MatchString(line):
		p.info.LastBuildSuccess = false
		return StatusFailed, p.info, true
	case buildDonePattern.MatchString(line):
		p.info.LastBuildSuccess = p.info.Errors == 0
		if !p.info.LastBuildSuccess {
			return StatusFailed, p.info, true
		}
		return StatusRunning, p.info, true
	case changed:
		return StatusBuilding, p.info, true
	default:
		return "", BuildInfo{}, false
	}
}

var (
	devServerReadyPattern   = regexp.MustCompile(`(?i)ready in|listening on|server started|started server`)
	devServerRebuildPattern = regexp.MustCompile(`(?i)hmr|rebuild|recompil`)
)

// devServerParser backs the dev-server variant: a ready banner transitions
// to `running`; rebuild/HMR markers transition `building` and then back to
// `running` once the server reports ready again (spec.md §4.3).
type devServerParser struct {
	mu      sync.Mutex
	rebuild bool
}

func (p *devServerParser) Parse(line string) (Status, BuildInfo, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case devServerRebuildPattern.MatchString(line):
		p.rebuild = true
		return StatusBuilding, BuildInfo{}, true
	case devServerReadyPattern.MatchString(line):
		p.rebuild = false
		return StatusRunning, BuildInfo{LastBuildSuccess: true}, true
	default:
		return "", BuildInfo{}, false
	}
}
