package summary

import (
	"encoding/json"
	"testing"

	"github.com/Rul1an/assay/internal/eval"
	"github.com/google/go-cmp/cmp"
)

func TestSuccess_BasicFields(t *testing.T) {
	s := Success("2.12.0", true)
	if s.SchemaVersion != 1 || s.ReasonCodeVersion != 1 {
		t.Fatalf("schema_version/reason_code_version = %d/%d, want 1/1", s.SchemaVersion, s.ReasonCodeVersion)
	}
	if s.ExitCode != 0 {
		t.Fatalf("exit_code = %d, want 0", s.ExitCode)
	}
	if s.Provenance.VerifyMode != "enabled" {
		t.Fatalf("verify_mode = %q, want enabled", s.Provenance.VerifyMode)
	}
}

func TestFailure_CarriesReasonCodeAndNextStep(t *testing.T) {
	s := Failure(2, "E_TRACE_NOT_FOUND", "trace file not found", "run assay doctor", "2.12.0", true)
	if s.ExitCode != 2 || s.ReasonCode != "E_TRACE_NOT_FOUND" || s.NextStep == "" {
		t.Fatalf("unexpected failure summary: %+v", s)
	}
}

func TestSeeds_AlwaysPresentKeysNullWhenUnset(t *testing.T) {
	s := Success("2.12.0", true)
	data, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var v map[string]any
	if err := json.Unmarshal(data, &v); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	seeds, ok := v["seeds"].(map[string]any)
	if !ok {
		t.Fatalf("seeds missing or wrong type: %v", v["seeds"])
	}
	orderSeed, hasOrder := seeds["order_seed"]
	judgeSeed, hasJudge := seeds["judge_seed"]
	if !hasOrder || !hasJudge {
		t.Fatalf("order_seed/judge_seed keys must always be present: %v", seeds)
	}
	if orderSeed != nil || judgeSeed != nil {
		t.Fatalf("order_seed/judge_seed must be null when unset, got %v / %v", orderSeed, judgeSeed)
	}
}

func TestSeeds_SerializeAsStringNotNumber(t *testing.T) {
	big := uint64(17390767342376325021) // > 2^53, would lose precision as a JSON number
	s := Success("2.12.0", true).WithSeeds(&big, nil, nil)

	data, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var v map[string]any
	if err := json.Unmarshal(data, &v); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	seeds := v["seeds"].(map[string]any)
	orderSeed, ok := seeds["order_seed"].(string)
	if !ok {
		t.Fatalf("order_seed must decode as a JSON string, got %T", seeds["order_seed"])
	}
	if orderSeed != "17390767342376325021" {
		t.Fatalf("order_seed = %q, want exact decimal string", orderSeed)
	}
	if seeds["judge_seed"] != nil {
		t.Fatalf("judge_seed should remain null, got %v", seeds["judge_seed"])
	}
}

func TestSeedValue_RoundTripsExactly(t *testing.T) {
	var sv SeedValue
	big := uint64(18446744073709551615) // math.MaxUint64
	data, err := json.Marshal(SeedValue(big))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := json.Unmarshal(data, &sv); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if uint64(sv) != big {
		t.Fatalf("round-trip = %d, want %d", uint64(sv), big)
	}
}

func TestFromRunResult_ResultsRollup(t *testing.T) {
	run := eval.RunResult{
		ExitCode: 1,
		Results: []eval.TestResult{
			{TestID: "a", Status: eval.StatusPass},
			{TestID: "b", Status: eval.StatusFail},
			{TestID: "c", Status: eval.StatusWarn},
			{TestID: "d", Status: eval.StatusSkipped},
		},
	}
	s := FromRunResult(run, "2.12.0", true)
	if s.Results == nil {
		t.Fatal("expected results rollup")
	}

	warned, skipped := 1, 1
	want := &ResultsSummary{Passed: 1, Failed: 1, Warned: &warned, Skipped: &skipped, Total: 4}
	if diff := cmp.Diff(want, s.Results); diff != "" {
		t.Fatalf("results rollup mismatch (-want +got):\n%s", diff)
	}
}

func TestFromRunResult_NoJudgeEvaluationsOmitsJudgeMetrics(t *testing.T) {
	run := eval.RunResult{Results: []eval.TestResult{{TestID: "a", Status: eval.StatusPass}}}
	s := FromRunResult(run, "2.12.0", true)
	if s.JudgeMetrics != nil {
		t.Fatalf("expected nil judge_metrics, got %+v", s.JudgeMetrics)
	}
}

func TestFromRunResult_JudgeMetricsAggregated(t *testing.T) {
	run := eval.RunResult{
		Results: []eval.TestResult{
			{TestID: "a", Status: eval.StatusPass, Details: map[string]any{
				"judge": map[string]any{"verdict": "Pass", "agreement": 1.0},
			}},
			{TestID: "b", Status: eval.StatusWarn, Details: map[string]any{
				"judge": map[string]any{"verdict": "Abstain", "agreement": 0.5},
			}},
			{TestID: "c", Status: eval.StatusError, Message: "provider timeout after 30s"},
		},
	}
	s := FromRunResult(run, "2.12.0", true)
	if s.JudgeMetrics == nil {
		t.Fatal("expected judge_metrics to be present")
	}
	if *s.JudgeMetrics.AbstainRate != 0.5 {
		t.Fatalf("abstain_rate = %v, want 0.5", *s.JudgeMetrics.AbstainRate)
	}
	if *s.JudgeMetrics.ConsensusRate != 0.5 {
		t.Fatalf("consensus_rate = %v, want 0.5", *s.JudgeMetrics.ConsensusRate)
	}
	if *s.JudgeMetrics.UnavailableCount != 1 {
		t.Fatalf("unavailable_count = %v, want 1 (timeout error row)", *s.JudgeMetrics.UnavailableCount)
	}
}

func TestWithReplayProvenance_MarksReplayTrue(t *testing.T) {
	s := Success("2.12.0", true).WithReplayProvenance("sha256:abc", "offline", "run_123")
	if s.Provenance.Replay == nil || !*s.Provenance.Replay {
		t.Fatal("expected provenance.replay=true")
	}
	if s.Provenance.BundleDigest != "sha256:abc" || s.Provenance.ReplayMode != "offline" || s.Provenance.SourceRunID != "run_123" {
		t.Fatalf("unexpected provenance: %+v", s.Provenance)
	}
}

func TestWithSarifOmitted_ZeroLeavesFieldUnset(t *testing.T) {
	s := Success("2.12.0", true).WithSarifOmitted(0)
	if s.Sarif != nil {
		t.Fatalf("expected nil sarif for omitted=0, got %+v", s.Sarif)
	}
	s = s.WithSarifOmitted(3)
	if s.Sarif == nil || s.Sarif.Omitted != 3 {
		t.Fatalf("expected sarif.omitted=3, got %+v", s.Sarif)
	}
}
