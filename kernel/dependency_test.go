package kernel

import "testing"

func TestAddDependencyEnforcesCreationOrder(t *testing.T) {
	tbl := newTable()
	older := tbl.create(ObjectTypeDevice, SubtypeDeviceSystem, NoHandle, true)
	tbl.release(older)
	younger := tbl.create(ObjectTypeContext, SubtypeContextConventional, NoHandle, false)
	tbl.release(younger)

	// Younger → older is the only legal direction; the reverse would
	// allow a cycle.
	if err := addDependency(younger, older); err != nil {
		t.Fatalf("young-to-old dependency should be accepted: %v", err)
	}
	if older.refCount != 2 {
		t.Errorf("target refCount = %d, want 2", older.refCount)
	}

	if err := addDependency(older, younger); !IsStatus(err, StatusArgumentObject) {
		t.Fatalf("old-to-young dependency must be rejected, got %v", err)
	}
	if err := addDependency(younger, younger); err == nil {
		t.Fatal("self-dependency must be rejected")
	}
}

func TestResolveModuleOrder(t *testing.T) {
	order, err := resolveModuleOrder([]moduleDep{
		{name: "c", deps: []string{"b"}},
		{name: "a"},
		{name: "b", deps: []string{"a"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	pos := map[string]int{}
	for i, n := range order {
		pos[n] = i
	}
	if !(pos["a"] < pos["b"] && pos["b"] < pos["c"]) {
		t.Errorf("bad order: %v", order)
	}
}

func TestResolveModuleOrderDetectsCycle(t *testing.T) {
	_, err := resolveModuleOrder([]moduleDep{
		{name: "a", deps: []string{"b"}},
		{name: "b", deps: []string{"a"}},
	})
	if !IsStatus(err, StatusInvalid) {
		t.Fatalf("expected cycle detection, got %v", err)
	}
}
