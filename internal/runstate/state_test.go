package runstate

import "testing"

func TestValidateSelfTest(t *testing.T) {
	if err := Validate(); err != nil {
		t.Fatalf("state machine failed startup self-test: %v", err)
	}
}

func TestHappyPath(t *testing.T) {
	s := Initial
	steps := []struct {
		event Event
		want  State
	}{
		{WorkspaceAcquired, Leased},
		{BuildStarted, Building},
		{BuildCompleted, Snapshotting},
		{SnapshotCompleted, Verifying},
		{VerifyPassed, Succeeded},
	}
	for _, step := range steps {
		next, err := Apply(s, step.event)
		if err != nil {
			t.Fatalf("Apply(%s, %s): %v", s, step.event, err)
		}
		if next != step.want {
			t.Fatalf("Apply(%s, %s) = %s, want %s", s, step.event, next, step.want)
		}
		s = next
	}
}

func TestRetryLoop(t *testing.T) {
	s := Verifying
	next, err := Apply(s, VerifyFailedRetryable)
	if err != nil || next != Feedback {
		t.Fatalf("Apply(VERIFYING, VERIFY_FAILED_RETRYABLE) = %s, %v", next, err)
	}
	next, err = Apply(next, FeedbackGenerated)
	if err != nil || next != Building {
		t.Fatalf("Apply(FEEDBACK, FEEDBACK_GENERATED) = %s, %v", next, err)
	}
}

func TestTerminalStatesRejectEverything(t *testing.T) {
	for _, term := range []State{Succeeded, Failed, Canceled} {
		for _, e := range AllEvents() {
			if _, err := Apply(term, e); err == nil {
				t.Errorf("Apply(%s, %s) should be rejected, terminal states have no outgoing edges", term, e)
			}
		}
	}
}

func TestUserCanceledAndSystemErrorFromEveryNonTerminalState(t *testing.T) {
	for _, s := range AllStates() {
		if Terminal(s) {
			continue
		}
		if next, err := Apply(s, UserCanceled); err != nil || next != Canceled {
			t.Errorf("Apply(%s, USER_CANCELED) = %s, %v; want CANCELED, nil", s, next, err)
		}
		if next, err := Apply(s, SystemError); err != nil || next != Failed {
			t.Errorf("Apply(%s, SYSTEM_ERROR) = %s, %v; want FAILED, nil", s, next, err)
		}
	}
}

func TestInvalidTransitionRejected(t *testing.T) {
	if _, err := Apply(Queued, BuildStarted); err == nil {
		t.Fatal("expected invalid transition error")
	}
}

func TestApplyIsPure(t *testing.T) {
	// Calling Apply repeatedly with the same inputs must yield the same
	// output and never mutate shared state (spec.md §8).
	for i := 0; i < 3; i++ {
		next, err := Apply(Verifying, VerifyFailedRetryable)
		if err != nil || next != Feedback {
			t.Fatalf("iteration %d: Apply(VERIFYING, VERIFY_FAILED_RETRYABLE) = %s, %v", i, next, err)
		}
	}
}
