package sessions

import (
	"errors"
	"testing"
)

func TestRegisterAndQuery(t *testing.T) {
	tr := NewTracker()
	target := Target{Session: "work", Window: "3", Pane: "1"}

	if tr.HasActiveCall(target) {
		t.Fatalf("fresh tracker should have no active calls")
	}

	err := tr.Register(Mapping{
		CallID:     "call-1",
		Target:     target,
		WorkingDir: "/home/dev/projects/billing-api",
		EventType:  "permission_prompt",
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	if !tr.HasActiveCall(target) {
		t.Fatalf("expected active call for target")
	}
	id, ok := tr.CallIDForTarget(target)
	if !ok || id != "call-1" {
		t.Fatalf("expected call-1, got %q ok=%v", id, ok)
	}

	m, err := tr.MappingForCall("call-1")
	if err != nil {
		t.Fatalf("mapping: %v", err)
	}
	if m.ProjectLabel != "billing-api" {
		t.Fatalf("expected derived project label billing-api, got %q", m.ProjectLabel)
	}
	if m.StartedAt.IsZero() {
		t.Fatalf("expected start timestamp to be set")
	}
}

func TestSecondCallForOccupiedTargetFails(t *testing.T) {
	tr := NewTracker()
	target := Target{Session: "work", Window: "0", Pane: "0"}
	if err := tr.Register(Mapping{CallID: "a", Target: target}); err != nil {
		t.Fatalf("register: %v", err)
	}
	err := tr.Register(Mapping{CallID: "b", Target: target})
	if !errors.Is(err, ErrTargetBusy) {
		t.Fatalf("expected ErrTargetBusy, got %v", err)
	}
}

func TestRemoveFreesTarget(t *testing.T) {
	tr := NewTracker()
	target := Target{Session: "s", Window: "1", Pane: "2"}
	if err := tr.Register(Mapping{CallID: "a", Target: target}); err != nil {
		t.Fatalf("register: %v", err)
	}
	tr.Remove("a")
	if tr.HasActiveCall(target) {
		t.Fatalf("target should be free after Remove")
	}
	if _, err := tr.MappingForCall("a"); !errors.Is(err, ErrUnknownCall) {
		t.Fatalf("expected ErrUnknownCall, got %v", err)
	}
	// Removing again is a no-op.
	tr.Remove("a")
}

func TestDistinctTargetsNeverCollide(t *testing.T) {
	tr := NewTracker()
	a := Target{Session: "s", Window: "1", Pane: "1"}
	b := Target{Session: "s", Window: "1", Pane: "2"}
	c := Target{Session: "s2", Window: "1", Pane: "1"}
	for i, tgt := range []Target{a, b, c} {
		if err := tr.Register(Mapping{CallID: string(rune('a' + i)), Target: tgt}); err != nil {
			t.Fatalf("register %v: %v", tgt, err)
		}
	}
	if n := len(tr.Snapshot()); n != 3 {
		t.Fatalf("expected 3 mappings, got %d", n)
	}
}

func TestRegisterValidation(t *testing.T) {
	tr := NewTracker()
	if err := tr.Register(Mapping{CallID: "x", Target: Target{}}); !errors.Is(err, ErrInvalidTarget) {
		t.Fatalf("expected ErrInvalidTarget, got %v", err)
	}
	if err := tr.Register(Mapping{Target: Target{Session: "s", Window: "0"}}); err == nil {
		t.Fatalf("expected error for missing call id")
	}
}

func TestProjectLabel(t *testing.T) {
	cases := map[string]string{
		"":                          "unknown project",
		"/":                         "unknown project",
		"/home/dev/tooling":         "tooling",
		"/home/dev/tooling/":        "tooling",
		"relative/path/my-service": "my-service",
	}
	for in, want := range cases {
		if got := ProjectLabel(in); got != want {
			t.Fatalf("ProjectLabel(%q): expected %q, got %q", in, want, got)
		}
	}
}
