package judge

import "math"

// RerunStrategy selects how the sequential sampling loop decides when to
// stop asking the judge model for another vote.
type RerunStrategy int

const (
	AlwaysThree RerunStrategy = iota
	SequentialSPRT
)

func (s RerunStrategy) String() string {
	if s == SequentialSPRT {
		return "SequentialSPRT"
	}
	return "AlwaysThree"
}

// VerdictStatus is the final pass/fail/abstain classification of a judge
// evaluation after sampling completes.
type VerdictStatus int

const (
	Pass VerdictStatus = iota
	Fail
	Abstain
)

func (v VerdictStatus) String() string {
	switch v {
	case Pass:
		return "Pass"
	case Fail:
		return "Fail"
	default:
		return "Abstain"
	}
}

// ReliabilityConfig governs the judge's sequential sampling and rerun
// policy (§9 Open Question 2).
type ReliabilityConfig struct {
	Strategy             RerunStrategy
	BaseSamples          int
	MaxExtraCallsPerTest int
	MaxExtraCallsPerRun  int
	AbstainLowerBound    float64
	AbstainUpperBound    float64
	SPRTAlpha            float64
	SPRTBeta             float64
}

// DefaultReliabilityConfig matches the AlwaysThree strategy's documented
// defaults: three base samples, two extra on disagreement, abstain band
// (0.4, 0.6) exclusive.
func DefaultReliabilityConfig() ReliabilityConfig {
	return ReliabilityConfig{
		Strategy:             AlwaysThree,
		BaseSamples:          3,
		MaxExtraCallsPerTest: 2,
		MaxExtraCallsPerRun:  50,
		AbstainLowerBound:    0.4,
		AbstainUpperBound:    0.6,
		SPRTAlpha:            0.05,
		SPRTBeta:             0.05,
	}
}

// TriggersRerun reports whether the loop should request another vote given
// the current pass-fraction and how many votes have been cast. Majority
// lock (the remaining votes can no longer flip the outcome) is handled by
// the caller, which breaks out of the sampling loop independently of this
// check — see S6.
func (c ReliabilityConfig) TriggersRerun(score float64, votes int) bool {
	if votes >= c.BaseSamples+c.MaxExtraCallsPerTest {
		return false
	}
	switch c.Strategy {
	case SequentialSPRT:
		return c.sprtDecision(score, votes) == Abstain
	default:
		return votes < c.BaseSamples
	}
}

// Assess maps a final pass-fraction to a verdict.
func (c ReliabilityConfig) Assess(agreement float64) VerdictStatus {
	if agreement >= c.AbstainUpperBound {
		return Pass
	}
	if agreement <= c.AbstainLowerBound {
		return Fail
	}
	return Abstain
}

// sprtDecision applies Wald's sequential probability ratio test treating
// each vote as a Bernoulli trial under H0: true pass-rate <= AbstainLowerBound
// vs H1: true pass-rate >= AbstainUpperBound.
func (c ReliabilityConfig) sprtDecision(score float64, votes int) VerdictStatus {
	if votes == 0 {
		return Abstain
	}
	p0, p1 := c.AbstainLowerBound, c.AbstainUpperBound
	if p0 <= 0 {
		p0 = 0.01
	}
	if p1 >= 1 {
		p1 = 0.99
	}

	passes := int(math.Round(score * float64(votes)))
	logLR := float64(passes)*math.Log(p1/p0) + float64(votes-passes)*math.Log((1-p1)/(1-p0))

	upper := math.Log((1 - c.SPRTBeta) / c.SPRTAlpha)
	lower := math.Log(c.SPRTBeta / (1 - c.SPRTAlpha))

	switch {
	case logLR >= upper:
		return Pass
	case logLR <= lower:
		return Fail
	default:
		return Abstain
	}
}
