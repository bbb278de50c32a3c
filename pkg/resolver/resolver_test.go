package resolver

import (
	"testing"

	"devwave/pkg/spec"
)

func ps(name string, deps ...string) spec.ProcessSpec {
	return spec.ProcessSpec{Name: name, Command: "true", Dependencies: deps}
}

func TestResolveEmpty(t *testing.T) {
	order, err := Resolve(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(order) != 0 {
		t.Fatalf("expected empty order, got %v", order)
	}
}

func TestResolveSingleNoDeps(t *testing.T) {
	waves, err := Waves([]spec.ProcessSpec{ps("a")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(waves) != 1 || len(waves[0]) != 1 || waves[0][0] != "a" {
		t.Fatalf("expected single wave of size one, got %v", waves)
	}
}

func TestResolveChain(t *testing.T) {
	specs := []spec.ProcessSpec{
		ps("a"),
		ps("b", "a"),
		ps("c", "b"),
		ps("d", "c"),
	}
	waves, err := Waves(specs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(waves) != 4 {
		t.Fatalf("expected 4 waves for chain of depth 4, got %d: %v", len(waves), waves)
	}
	for i, w := range waves {
		if len(w) != 1 {
			t.Fatalf("wave %d expected size 1, got %v", i, w)
		}
	}

	order, err := Resolve(specs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	pos := make(map[string]int, len(order))
	for i, name := range order {
		pos[name] = i
	}
	for _, p := range specs {
		for _, dep := range p.Dependencies {
			if pos[dep] >= pos[p.Name] {
				t.Errorf("expected %s to precede %s in order %v", dep, p.Name, order)
			}
		}
	}
}

func TestResolveDiamond(t *testing.T) {
	specs := []spec.ProcessSpec{
		ps("top"),
		ps("left", "top"),
		ps("right", "top"),
		ps("bottom", "left", "right"),
	}
	waves, err := Waves(specs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(waves) != 3 {
		t.Fatalf("expected 3 waves for diamond, got %d: %v", len(waves), waves)
	}
	if len(waves[1]) != 2 {
		t.Fatalf("expected width-2 middle wave, got %v", waves[1])
	}
}

func TestResolveMissingDependency(t *testing.T) {
	specs := []spec.ProcessSpec{
		ps("x", "y"),
	}
	_, err := Resolve(specs)
	if err == nil {
		t.Fatal("expected error")
	}
	var missing *MissingDependencyError
	if !asMissing(err, &missing) {
		t.Fatalf("expected MissingDependencyError, got %T: %v", err, err)
	}
	if missing.Process != "x" || missing.Dep != "y" {
		t.Fatalf("unexpected missing dependency error: %+v", missing)
	}
}

func asMissing(err error, target **MissingDependencyError) bool {
	if e, ok := err.(*MissingDependencyError); ok {
		*target = e
		return true
	}
	return false
}

func TestResolveCircularDependency(t *testing.T) {
	specs := []spec.ProcessSpec{
		ps("a", "b"),
		ps("b", "a"),
	}
	_, err := Resolve(specs)
	if err == nil {
		t.Fatal("expected error")
	}
	cycleErr, ok := err.(*CircularDependencyError)
	if !ok {
		t.Fatalf("expected CircularDependencyError, got %T: %v", err, err)
	}
	if len(cycleErr.Cycle) < 2 {
		t.Fatalf("expected a cycle witness of at least 2 nodes, got %v", cycleErr.Cycle)
	}
}

func TestResolveDeterministic(t *testing.T) {
	specs := []spec.ProcessSpec{
		ps("c"),
		ps("a"),
		ps("b"),
	}
	order1, err := Resolve(specs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	order2, err := Resolve(specs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(order1) != len(order2) {
		t.Fatalf("mismatched lengths")
	}
	for i := range order1 {
		if order1[i] != order2[i] {
			t.Fatalf("non-deterministic ordering: %v vs %v", order1, order2)
		}
	}
	// Zero-in-degree ties broken lexicographically.
	want := []string{"a", "b", "c"}
	for i, name := range want {
		if order1[i] != name {
			t.Fatalf("expected lexicographic order %v, got %v", want, order1)
		}
	}
}

func TestWavesPartition(t *testing.T) {
	specs := []spec.ProcessSpec{
		ps("db"),
		ps("cache"),
		ps("api", "db", "cache"),
	}
	waves, err := Waves(specs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	seen := make(map[string]bool)
	for _, w := range waves {
		for _, name := range w {
			if seen[name] {
				t.Fatalf("name %s appears in more than one wave", name)
			}
			seen[name] = true
		}
	}
	if len(seen) != len(specs) {
		t.Fatalf("expected every name to appear exactly once, got %v", seen)
	}
}
