package session

import "testing"

func TestState_Text(t *testing.T) {
	t.Parallel()

	var s State
	if err := s.UnmarshalText([]byte("paused")); err != nil || s != StatePaused {
		t.Errorf("UnmarshalText(paused) = %v, %v", s, err)
	}
	if err := s.UnmarshalText([]byte("sleeping")); err == nil {
		t.Error("expected error for unknown state")
	}
	if got := State(42).String(); got != "state(42)" {
		t.Errorf("String() = %q", got)
	}
}
