package journal

import "testing"

func TestStateMachineTransitions(t *testing.T) {
	t.Run("follows the full lifecycle", func(t *testing.T) {
		m := newStateMachine()
		if m.Current() != StateClosed {
			t.Fatalf("expected initial state CLOSED, got %s", m.Current())
		}
		steps := []State{StateInitializing, StateReady, StateCheckpointing, StateReady, StateClosing, StateClosed}
		for _, s := range steps {
			if err := m.transition(s); err != nil {
				t.Fatalf("transition to %s: %v", s, err)
			}
		}
	})

	t.Run("rejects illegal transitions", func(t *testing.T) {
		m := newStateMachine()
		if err := m.transition(StateReady); err == nil {
			t.Fatal("expected error transitioning CLOSED -> READY directly")
		}
		if err := m.transition(StateCheckpointing); err == nil {
			t.Fatal("expected error transitioning CLOSED -> CHECKPOINTING directly")
		}
	})

	t.Run("cannot reopen once closed without reinitializing", func(t *testing.T) {
		m := newStateMachine()
		_ = m.transition(StateInitializing)
		_ = m.transition(StateReady)
		_ = m.transition(StateClosing)
		_ = m.transition(StateClosed)
		if err := m.transition(StateReady); err == nil {
			t.Fatal("expected error transitioning CLOSED -> READY after close")
		}
		if err := m.transition(StateInitializing); err != nil {
			t.Fatalf("expected CLOSED -> INITIALIZING to remain legal, got %v", err)
		}
	})
}
