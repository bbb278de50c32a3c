package preflight

import (
	"context"
	"net"
	"testing"

	"devwave/pkg/spec"
)

func TestRunAllPassNoChecks(t *testing.T) {
	report := Run(context.Background(), Options{}, nil, nil)
	if report.Failed() {
		t.Fatalf("expected no failures, got %+v", report.Results)
	}
	if report.Error() != nil {
		t.Fatalf("expected nil error, got %v", report.Error())
	}
	// the derived port-availability check always runs, even with nothing to check
	if len(report.Results) != 1 {
		t.Fatalf("expected exactly the port-availability check, got %d results", len(report.Results))
	}
}

func TestRunMultiplexerBinaryMissing(t *testing.T) {
	report := Run(context.Background(), Options{MultiplexerBinary: "definitely-not-a-real-binary-xyz"}, nil, nil)
	if !report.Failed() {
		t.Fatal("expected failure for missing multiplexer binary")
	}
	if report.Error() == nil {
		t.Fatal("expected aggregate error")
	}
}

func TestRunMultiplexerBinaryPresent(t *testing.T) {
	report := Run(context.Background(), Options{MultiplexerBinary: "sh"}, nil, nil)
	for _, r := range report.Results {
		if r.Name == "multiplexer binary" && r.Err != nil {
			t.Fatalf("expected sh to be found, got %v", r.Err)
		}
	}
}

func TestRunUserChecksRunAndAggregate(t *testing.T) {
	checks := []Check{
		{Name: "ok-check", Run: func(ctx context.Context) error { return nil }},
		{Name: "bad-check", Run: func(ctx context.Context) error { return errBoom }},
	}
	report := Run(context.Background(), Options{}, nil, checks)
	if !report.Failed() {
		t.Fatal("expected failure from bad-check")
	}
	var sawOK, sawBad bool
	for _, r := range report.Results {
		switch r.Name {
		case "ok-check":
			sawOK = r.Err == nil
		case "bad-check":
			sawBad = r.Err != nil
		}
	}
	if !sawOK || !sawBad {
		t.Fatalf("expected both checks to run, got %+v", report.Results)
	}
}

func TestRunUserCheckSkippedWhenNotApplicable(t *testing.T) {
	checks := []Check{
		{Name: "skippable", Applicable: func() bool { return false }, Run: func(ctx context.Context) error { return errBoom }},
	}
	report := Run(context.Background(), Options{}, nil, checks)
	if report.Failed() {
		t.Fatal("expected a skipped check not to count as a failure")
	}
	if !report.Results[len(report.Results)-1].Skipped {
		t.Fatal("expected the check to be marked skipped")
	}
}

func TestPortCheckDetectsConflict(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	specs := []spec.ProcessSpec{
		{Name: "api", Command: "serve", ReadyCheck: &spec.ReadyCheck{Kind: spec.ReadyTCP, Host: "127.0.0.1", Port: port}},
	}
	report := Run(context.Background(), Options{}, specs, nil)
	if !report.Failed() {
		t.Fatal("expected port conflict to be detected")
	}
}

func TestPortCheckFreePortPasses(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	specs := []spec.ProcessSpec{
		{Name: "api", Command: "serve", ReadyCheck: &spec.ReadyCheck{Kind: spec.ReadyTCP, Host: "127.0.0.1", Port: port}},
	}
	report := Run(context.Background(), Options{}, specs, nil)
	if report.Failed() {
		t.Fatalf("expected free port to pass, got %+v", report.Results)
	}
}

func TestDerivePortsFromCommandFlag(t *testing.T) {
	specs := []spec.ProcessSpec{
		{Name: "web", Command: "myserver --port=4123"},
	}
	ports := derivePorts(specs)
	if len(ports) != 1 || ports[0].port != 4123 {
		t.Fatalf("expected port 4123 derived from command, got %+v", ports)
	}
}

func TestDerivePortsFromHTTPReadyCheckURL(t *testing.T) {
	specs := []spec.ProcessSpec{
		{Name: "web", Command: "serve", ReadyCheck: &spec.ReadyCheck{Kind: spec.ReadyHTTP, URL: "http://localhost:8080/healthz"}},
	}
	ports := derivePorts(specs)
	if len(ports) != 1 || ports[0].port != 8080 {
		t.Fatalf("expected port 8080 derived from url, got %+v", ports)
	}
}

func TestExtractSemver(t *testing.T) {
	cases := map[string]string{
		"v18.17.1":          "v18.17.1",
		"node version 18.2.0 (LTS)": "v18.2.0",
		"no version here":  "",
	}
	for input, want := range cases {
		if got := extractSemver(input); got != want {
			t.Errorf("extractSemver(%q) = %q, want %q", input, got, want)
		}
	}
}

type boomError struct{}

func (boomError) Error() string { return "boom" }

var errBoom = boomError{}
