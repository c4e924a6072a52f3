package model

import "testing"

func TestTerminalStatesHaveNoTransitions(t *testing.T) {
	all := []JobStatus{StatusPending, StatusHeldSecure, StatusPrinting, StatusCompleted, StatusFailed, StatusCancelled}
	for _, from := range all {
		if !from.IsTerminal() {
			continue
		}
		for _, to := range all {
			if from.CanTransition(to) {
				t.Fatalf("terminal %s must not transition to %s", from, to)
			}
		}
	}
}

func TestStatusTransitions(t *testing.T) {
	cases := []struct {
		from, to JobStatus
		want     bool
	}{
		{StatusPending, StatusPrinting, true},
		{StatusPending, StatusCancelled, true},
		{StatusHeldSecure, StatusPrinting, true},
		{StatusHeldSecure, StatusCancelled, false},
		{StatusPrinting, StatusCompleted, true},
		{StatusPrinting, StatusFailed, true},
		{StatusPrinting, StatusPending, false},
		{StatusPending, StatusCompleted, false},
	}
	for _, tc := range cases {
		if got := tc.from.CanTransition(tc.to); got != tc.want {
			t.Fatalf("%s -> %s = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestPredecessors(t *testing.T) {
	got := Predecessors(StatusPrinting)
	if len(got) != 2 || got[0] != StatusPending || got[1] != StatusHeldSecure {
		t.Fatalf("Predecessors(printing) = %v", got)
	}
	if got := Predecessors(StatusPending); len(got) != 0 {
		t.Fatalf("Predecessors(pending) = %v, want none", got)
	}
}

func TestUserCapabilities(t *testing.T) {
	var actor Authenticatable = User{ID: 7, Username: "alice", Role: RoleAdmin, Active: true}
	if actor.Identity() != 7 || actor.Name() != "alice" {
		t.Fatalf("unexpected identity %d/%s", actor.Identity(), actor.Name())
	}
	if !actor.IsAdministrator() || !actor.IsActive() {
		t.Fatalf("expected active administrator")
	}
}

func TestParseColorMode(t *testing.T) {
	if m, ok := ParseColorMode("Colour"); !ok || m != ColorColor {
		t.Fatalf("ParseColorMode(Colour) = %q, %v", m, ok)
	}
	if m, ok := ParseColorMode(""); !ok || m != ColorBW {
		t.Fatalf("ParseColorMode(\"\") = %q, %v", m, ok)
	}
	if _, ok := ParseColorMode("sepia"); ok {
		t.Fatalf("expected sepia to be rejected")
	}
}
