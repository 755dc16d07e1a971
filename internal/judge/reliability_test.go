package judge

import "testing"

func TestAssess_Boundaries(t *testing.T) {
	c := DefaultReliabilityConfig()
	if got := c.Assess(0.6); got != Pass {
		t.Errorf("Assess(0.6) = %v, want Pass", got)
	}
	if got := c.Assess(0.4); got != Fail {
		t.Errorf("Assess(0.4) = %v, want Fail", got)
	}
	if got := c.Assess(0.5); got != Abstain {
		t.Errorf("Assess(0.5) = %v, want Abstain", got)
	}
}

func TestTriggersRerun_AlwaysThree(t *testing.T) {
	c := DefaultReliabilityConfig() // BaseSamples=3
	// AlwaysThree always wants BaseSamples votes; the caller's majority-lock
	// check (not TriggersRerun) is what allows early stop once an outcome
	// can no longer flip — see S6.
	if !c.TriggersRerun(1.0, 1) {
		t.Error("first vote should request another regardless of score")
	}
	if !c.TriggersRerun(0.5, 2) {
		t.Error("second vote (still below BaseSamples) should request another")
	}
	if c.TriggersRerun(0.667, 3) {
		t.Error("BaseSamples reached, should not request another")
	}
}

func TestTriggersRerun_StopsAtCap(t *testing.T) {
	c := DefaultReliabilityConfig() // BaseSamples=3, MaxExtraCallsPerTest=2
	if c.TriggersRerun(0.5, 5) {
		t.Error("should not trigger rerun once BaseSamples+MaxExtraCallsPerTest reached")
	}
}

func TestVerdictStatus_String(t *testing.T) {
	if Pass.String() != "Pass" || Fail.String() != "Fail" || Abstain.String() != "Abstain" {
		t.Fatal("unexpected VerdictStatus.String() output")
	}
}
