package summary

import (
	"strings"

	"github.com/Rul1an/assay/internal/eval"
)

// judgeMetricsOf aggregates judge reliability across every judged evaluation
// in a run (§4.12). One test contributes one evaluation per judged metric;
// rates are per-evaluation, not per-test. Returns nil when the run had no
// judged evaluations at all, so summary.json omits judge_metrics entirely
// rather than reporting misleading zero rates.
//
// flip_rate is always reported as 0 here: the judge service (internal/judge)
// does not record the counterfactual verdict under the swapped label order,
// so there is no signal to distinguish "order-sensitive disagreement" from
// ordinary non-unanimous agreement. Wiring a true flip_rate would require
// the judge to re-run under both orderings and compare, which it does not do.
func judgeMetricsOf(run eval.RunResult) *JudgeMetrics {
	var totalJudged, abstainCount, consensusCount int

	for _, r := range run.Results {
		judgeMeta, ok := r.Details["judge"].(map[string]any)
		if !ok {
			continue
		}
		verdict, _ := judgeMeta["verdict"].(string)
		agreement, hasAgreement := judgeMeta["agreement"].(float64)
		if verdict == "" && !hasAgreement {
			continue
		}
		totalJudged++
		if verdict == "Abstain" {
			abstainCount++
		}
		if hasAgreement && (agreement == 0 || agreement == 1) {
			consensusCount++
		}
	}

	if totalJudged == 0 {
		return nil
	}

	total := float64(totalJudged)
	abstainRate := float64(abstainCount) / total
	flipRate := 0.0
	consensusRate := float64(consensusCount) / total
	unavailable := unavailableJudgeErrors(run)

	return &JudgeMetrics{
		AbstainRate:      &abstainRate,
		FlipRate:         &flipRate,
		ConsensusRate:    &consensusRate,
		UnavailableCount: &unavailable,
	}
}

// unavailableJudgeErrors counts Error-status results whose message names an
// infra-shaped failure (timeout, 5xx, rate limit, network) rather than a
// genuine Abstain verdict, so infra flakiness is never folded into
// abstain_rate.
func unavailableJudgeErrors(run eval.RunResult) int {
	count := 0
	for _, r := range run.Results {
		if r.Status != eval.StatusError {
			continue
		}
		m := strings.ToLower(r.Message)
		if strings.Contains(m, "timeout") ||
			strings.Contains(m, "500") || strings.Contains(m, "502") ||
			strings.Contains(m, "503") || strings.Contains(m, "504") ||
			strings.Contains(m, "rate limit") || strings.Contains(m, "network") {
			count++
		}
	}
	return count
}
