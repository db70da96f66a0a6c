package enums

import "testing"

func TestParseJobState(t *testing.T) {
	for _, state := range validJobStates {
		got, err := ParseJobState(string(state))
		if err != nil || got != state {
			t.Fatalf("ParseJobState(%q) = %q, %v", state, got, err)
		}
	}
	if _, err := ParseJobState("running"); err == nil {
		t.Fatal("expected error for unknown state")
	}
}

func TestJobStateClaimable(t *testing.T) {
	if !JobStatePending.Claimable() || !JobStateActive.Claimable() {
		t.Fatal("pending and active jobs are claimable once visible")
	}
	if JobStateCompleted.Claimable() || JobStateFailed.Claimable() {
		t.Fatal("terminal jobs must not be claimable")
	}
}

func TestDeadLetterReasonIsValid(t *testing.T) {
	if !DeadLetterMaxAttempts.IsValid() || !DeadLetterNonRetryable.IsValid() {
		t.Fatal("expected canonical reasons to be valid")
	}
	if DeadLetterReason("boom").IsValid() {
		t.Fatal("expected unknown reason to be invalid")
	}
}
