package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"devwave/pkg/spec"
)

const yamlFixture = `
project: demo
categories:
  backend: Backend
  frontend: Frontend
processes:
  db:
    category: backend
    command: "postgres -D data"
    readyCheck:
      kind: tcp
      host: 127.0.0.1
      port: 5432
      timeout: 10s
      interval: 500ms
      maxAttempts: 20
  api:
    category: backend
    command: "./api"
    dependencies: ["db"]
    restartPolicy: on-failure
    restartDelay: 2s
    maxRetries: 5
    env:
      PORT: "8080"
hooks:
  preStartAll: "echo starting"
  postStopAll: "echo stopped"
  timeout: 30s
preflight:
  multiplexerBinary: tmux
  checks:
    - name: docker-running
      command: "docker info"
      fixSuggestion: "start docker"
display:
  socketPath: /tmp/devwave.sock
  statusInterval: 2s
`

func writeFixture(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}
	return path
}

func TestLoadFromFileYAML(t *testing.T) {
	path := writeFixture(t, "devwave.yaml", yamlFixture)

	f, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	if f.Project != "demo" {
		t.Errorf("expected project 'demo', got %q", f.Project)
	}
	if f.Categories["backend"] != "Backend" {
		t.Errorf("expected backend category label, got %q", f.Categories["backend"])
	}

	specs, err := f.ProcessSpecs()
	if err != nil {
		t.Fatalf("ProcessSpecs: %v", err)
	}
	if err := spec.ValidateSet(specs); err != nil {
		t.Fatalf("ValidateSet: %v", err)
	}

	byName := make(map[string]spec.ProcessSpec, len(specs))
	for _, p := range specs {
		byName[p.Name] = p
	}

	db, ok := byName["db"]
	if !ok {
		t.Fatal("db process not found")
	}
	if db.ReadyCheck == nil || db.ReadyCheck.Kind != spec.ReadyTCP {
		t.Fatalf("expected db tcp ready check, got %+v", db.ReadyCheck)
	}
	if db.ReadyCheck.Timeout != 10*time.Second {
		t.Errorf("expected 10s timeout, got %v", db.ReadyCheck.Timeout)
	}
	if db.ReadyCheck.Interval != 500*time.Millisecond {
		t.Errorf("expected 500ms interval, got %v", db.ReadyCheck.Interval)
	}

	api, ok := byName["api"]
	if !ok {
		t.Fatal("api process not found")
	}
	if api.RestartPolicy != spec.RestartOnFailure {
		t.Errorf("expected on-failure restart policy, got %q", api.RestartPolicy)
	}
	if api.RestartDelay != 2*time.Second {
		t.Errorf("expected 2s restart delay, got %v", api.RestartDelay)
	}
	if len(api.Dependencies) != 1 || api.Dependencies[0] != "db" {
		t.Errorf("expected api to depend on db, got %v", api.Dependencies)
	}
	if api.Env["PORT"] != "8080" {
		t.Errorf("expected PORT=8080, got %v", api.Env)
	}

	hooks, err := f.GlobalHooks()
	if err != nil {
		t.Fatalf("GlobalHooks: %v", err)
	}
	if hooks == nil || hooks.PreStartAll != "echo starting" {
		t.Fatalf("expected preStartAll hook, got %+v", hooks)
	}
	if hooks.Timeout != 30*time.Second {
		t.Errorf("expected 30s hook timeout, got %v", hooks.Timeout)
	}

	checks := f.PreflightChecks()
	if len(checks) != 1 || checks[0].Name != "docker-running" {
		t.Fatalf("expected one docker-running check, got %+v", checks)
	}
	if checks[0].Run == nil {
		t.Fatal("expected preflight check Run to be populated")
	}

	if f.SocketPath() != "/tmp/devwave.sock" {
		t.Errorf("expected socket path, got %q", f.SocketPath())
	}
	interval, err := f.StatusInterval()
	if err != nil {
		t.Fatalf("StatusInterval: %v", err)
	}
	if interval != 2*time.Second {
		t.Errorf("expected 2s status interval, got %v", interval)
	}
}

const tomlFixture = `
project = "demo"

[categories]
backend = "Backend"

[processes.web]
command = "./web"
restartPolicy = "always"
`

func TestLoadFromFileTOML(t *testing.T) {
	path := writeFixture(t, "devwave.toml", tomlFixture)

	f, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	if f.Project != "demo" {
		t.Errorf("expected project 'demo', got %q", f.Project)
	}

	specs, err := f.ProcessSpecs()
	if err != nil {
		t.Fatalf("ProcessSpecs: %v", err)
	}
	if len(specs) != 1 || specs[0].Name != "web" {
		t.Fatalf("expected a single 'web' process, got %+v", specs)
	}
	if specs[0].RestartPolicy != spec.RestartAlways {
		t.Errorf("expected always restart policy, got %q", specs[0].RestartPolicy)
	}
}

func TestLoadFromFileMissing(t *testing.T) {
	if _, err := LoadFromFile("nonexistent-devwave.yaml"); err == nil {
		t.Fatal("expected an error for a nonexistent file")
	}
}

func TestLoadFromFileInvalidYAML(t *testing.T) {
	path := writeFixture(t, "bad.yaml", "project: [this is not: valid")
	if _, err := LoadFromFile(path); err == nil {
		t.Fatal("expected a parse error for invalid YAML")
	}
}

func TestProcessSpecsRejectsBadDuration(t *testing.T) {
	f := &File{
		Processes: map[string]ProcessDoc{
			"web": {Command: "./web", RestartDelay: "not-a-duration"},
		},
	}
	if _, err := f.ProcessSpecs(); err == nil {
		t.Fatal("expected an error for an invalid restartDelay")
	}
}

func TestProcessSpecsRejectsBadPattern(t *testing.T) {
	f := &File{
		Processes: map[string]ProcessDoc{
			"web": {
				Command:    "./web",
				ReadyCheck: &ReadyCheckDoc{Kind: "log-pattern", Pattern: "(unclosed"},
			},
		},
	}
	if _, err := f.ProcessSpecs(); err == nil {
		t.Fatal("expected an error for an invalid regexp pattern")
	}
}

func TestProcessSpecsPaneLogPatternRejectedByValidateSet(t *testing.T) {
	// The document layer doesn't re-implement this invariant; it relies on
	// spec.ValidateSet, which rejects a log-pattern ready check on a
	// pane-bound process (resolved open question, §9).
	f := &File{
		Processes: map[string]ProcessDoc{
			"ui": {
				Command:         "./ui",
				IntegrationMode: string(spec.IntegrationDeep),
				ReadyCheck:      &ReadyCheckDoc{Kind: "log-pattern", Pattern: "ready"},
			},
		},
	}
	specs, err := f.ProcessSpecs()
	if err != nil {
		t.Fatalf("ProcessSpecs: %v", err)
	}
	if err := spec.ValidateSet(specs); err == nil {
		t.Fatal("expected ValidateSet to reject a pane-bound log-pattern check")
	}
}

func TestGlobalHooksNilWhenUnset(t *testing.T) {
	f := &File{}
	hooks, err := f.GlobalHooks()
	if err != nil {
		t.Fatalf("GlobalHooks: %v", err)
	}
	if hooks != nil {
		t.Fatalf("expected nil global hooks, got %+v", hooks)
	}
}

func TestStatusIntervalDefaultsToZero(t *testing.T) {
	f := &File{}
	interval, err := f.StatusInterval()
	if err != nil {
		t.Fatalf("StatusInterval: %v", err)
	}
	if interval != 0 {
		t.Errorf("expected zero default interval, got %v", interval)
	}
}
