// Package summary implements the Summary & Outcome schema (§4.12):
// summary.json's stable keys, u64-safe seed string-encoding, replay
// provenance annotation, and judge-reliability aggregation over a run's
// results.
package summary

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/Rul1an/assay/internal/eval"
)

// SchemaVersion is summary.json's schema_version.
const SchemaVersion = 1

// ReasonCodeVersion is the reason-code registry version; downstream
// consumers must branch on (ReasonCodeVersion, reason_code), never on
// exit_code alone.
const ReasonCodeVersion = 1

// SeedVersion is the seed schema version (§9 Design Notes: seed propagation).
const SeedVersion = 1

// Summary is the full summary.json document.
type Summary struct {
	SchemaVersion     int    `json:"schema_version"`
	ReasonCodeVersion int    `json:"reason_code_version"`
	ExitCode          int    `json:"exit_code"`
	ReasonCode        string `json:"reason_code"`
	Message           string `json:"message,omitempty"`
	NextStep          string `json:"next_step,omitempty"`

	Provenance Provenance `json:"provenance"`

	Results     *ResultsSummary     `json:"results,omitempty"`
	Performance *PerformanceMetrics `json:"performance,omitempty"`

	Seeds Seeds `json:"seeds"`

	JudgeMetrics *JudgeMetrics `json:"judge_metrics,omitempty"`
	Sarif        *SarifInfo    `json:"sarif,omitempty"`
}

// Provenance records what produced this summary, for auditability (§4.12,
// §4.14 replay annotation).
type Provenance struct {
	AssayVersion     string `json:"assay_version"`
	VerifyMode       string `json:"verify_mode"`
	PolicyPackDigest string `json:"policy_pack_digest,omitempty"`
	BaselineDigest   string `json:"baseline_digest,omitempty"`
	TraceDigest      string `json:"trace_digest,omitempty"`
	Replay           *bool  `json:"replay,omitempty"`
	BundleDigest     string `json:"bundle_digest,omitempty"`
	ReplayMode       string `json:"replay_mode,omitempty"`
	SourceRunID      string `json:"source_run_id,omitempty"`
}

// ResultsSummary is the pass/fail/warn/skip/total rollup.
type ResultsSummary struct {
	Passed  int  `json:"passed"`
	Failed  int  `json:"failed"`
	Warned  *int `json:"warned,omitempty"`
	Skipped *int `json:"skipped,omitempty"`
	Total   int  `json:"total"`
}

// PerformanceMetrics is optional run-timing telemetry.
type PerformanceMetrics struct {
	TotalDurationMs int64         `json:"total_duration_ms"`
	CacheHitRate    *float64      `json:"cache_hit_rate,omitempty"`
	SlowestTests    []SlowestTest `json:"slowest_tests,omitempty"`
}

// SlowestTest names one of the run's slowest test cases.
type SlowestTest struct {
	TestID     string `json:"test_id"`
	DurationMs int64  `json:"duration_ms"`
}

// Seeds are always present in summary.json for schema stability; OrderSeed
// and JudgeSeed marshal as decimal strings (or null), never JSON numbers, so
// u64 values above 2^53 round-trip exactly through JSON consumers that treat
// numbers as float64 (Testable Property 10).
type Seeds struct {
	SeedVersion   int        `json:"seed_version"`
	OrderSeed     *SeedValue `json:"order_seed"`
	JudgeSeed     *SeedValue `json:"judge_seed"`
	SamplingSeed  *SeedValue `json:"sampling_seed,omitempty"`
}

// SeedValue wraps a uint64 so it always marshals as a JSON string.
type SeedValue uint64

// MarshalJSON implements json.Marshaler, writing the value as a decimal
// string rather than a JSON number.
func (s SeedValue) MarshalJSON() ([]byte, error) {
	return json.Marshal(strconv.FormatUint(uint64(s), 10))
}

// UnmarshalJSON implements json.Unmarshaler, accepting a decimal string
// (the only form this package ever writes) or, for legacy inputs, a bare
// JSON number.
func (s *SeedValue) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "null" {
		return nil
	}
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		n, err := strconv.ParseUint(str, 10, 64)
		if err != nil {
			return fmt.Errorf("summary: seed string %q is not a valid u64: %w", str, err)
		}
		*s = SeedValue(n)
		return nil
	}
	var n uint64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("summary: seed must be a decimal string or null, got %s", trimmed)
	}
	*s = SeedValue(n)
	return nil
}

func seedPtr(v *uint64) *SeedValue {
	if v == nil {
		return nil
	}
	sv := SeedValue(*v)
	return &sv
}

// JudgeMetrics aggregates judge reliability across every judged evaluation
// in a run (§4.12, one evaluation per test per judged metric).
type JudgeMetrics struct {
	AbstainRate       *float64 `json:"abstain_rate,omitempty"`
	FlipRate          *float64 `json:"flip_rate,omitempty"`
	ConsensusRate     *float64 `json:"consensus_rate,omitempty"`
	UnavailableCount  *int     `json:"unavailable_count,omitempty"`
}

// SarifInfo records how many results were omitted from a truncated SARIF
// report.
type SarifInfo struct {
	Omitted uint64 `json:"omitted"`
}

func newProvenance(assayVersion string, verifyEnabled bool) Provenance {
	mode := "disabled"
	if verifyEnabled {
		mode = "enabled"
	}
	return Provenance{AssayVersion: assayVersion, VerifyMode: mode}
}

// Success builds the summary for a fully passing run (exit_code 0).
func Success(assayVersion string, verifyEnabled bool) Summary {
	return Summary{
		SchemaVersion:     SchemaVersion,
		ReasonCodeVersion: ReasonCodeVersion,
		ExitCode:          0,
		ReasonCode:        "",
		Message:           "All tests passed",
		Provenance:        newProvenance(assayVersion, verifyEnabled),
		Seeds:             Seeds{SeedVersion: SeedVersion},
	}
}

// Failure builds a summary for a run that ended before or without producing
// a results set: a configuration error, a trace miss, a policy rejection,
// or any other fatal, reason-coded outcome (§7 propagation policy).
func Failure(exitCode int, reasonCode, message, nextStep, assayVersion string, verifyEnabled bool) Summary {
	return Summary{
		SchemaVersion:     SchemaVersion,
		ReasonCodeVersion: ReasonCodeVersion,
		ExitCode:          exitCode,
		ReasonCode:        reasonCode,
		Message:           message,
		NextStep:          nextStep,
		Provenance:        newProvenance(assayVersion, verifyEnabled),
		Seeds:             Seeds{SeedVersion: SeedVersion},
	}
}

// FromRunResult builds the summary for a completed eval.RunResult: rollup
// counts, exit code, and (when the run had any judged evaluation) judge
// reliability metrics.
func FromRunResult(run eval.RunResult, assayVersion string, verifyEnabled bool) Summary {
	s := Summary{
		SchemaVersion:     SchemaVersion,
		ReasonCodeVersion: ReasonCodeVersion,
		ExitCode:          run.ExitCode,
		Provenance:        newProvenance(assayVersion, verifyEnabled),
		Seeds:             Seeds{SeedVersion: SeedVersion},
	}
	if run.ExitCode == 0 {
		s.Message = "All tests passed"
	} else {
		s.Message = "One or more tests did not pass"
	}
	s.Results = resultsSummaryOf(run)
	s.JudgeMetrics = judgeMetricsOf(run)
	return s
}

func resultsSummaryOf(run eval.RunResult) *ResultsSummary {
	if len(run.Results) == 0 {
		return nil
	}
	var passed, failed, warned, skipped int
	for _, r := range run.Results {
		switch r.Status {
		case eval.StatusPass, eval.StatusAllowedOnError:
			passed++
		case eval.StatusFail, eval.StatusError:
			failed++
		case eval.StatusWarn, eval.StatusFlaky:
			warned++
		case eval.StatusSkipped:
			skipped++
		}
	}
	return &ResultsSummary{
		Passed:  passed,
		Failed:  failed,
		Warned:  &warned,
		Skipped: &skipped,
		Total:   len(run.Results),
	}
}

// WithDuration attaches a total run duration.
func (s Summary) WithDuration(totalMs int64) Summary {
	if s.Performance == nil {
		s.Performance = &PerformanceMetrics{}
	}
	s.Performance.TotalDurationMs = totalMs
	return s
}

// WithSlowestTests attaches up to the given number of the run's slowest
// tests, already sorted slowest-first by the caller.
func (s Summary) WithSlowestTests(slowest []SlowestTest, max int) Summary {
	if len(slowest) == 0 {
		return s
	}
	if s.Performance == nil {
		s.Performance = &PerformanceMetrics{}
	}
	if max > 0 && len(slowest) > max {
		slowest = slowest[:max]
	}
	s.Performance.SlowestTests = slowest
	return s
}

// WithDigests sets the policy/baseline/trace provenance digests.
func (s Summary) WithDigests(policyDigest, baselineDigest, traceDigest string) Summary {
	s.Provenance.PolicyPackDigest = policyDigest
	s.Provenance.BaselineDigest = baselineDigest
	s.Provenance.TraceDigest = traceDigest
	return s
}

// WithSeeds sets the replay-determinism seeds. A nil pointer leaves the
// corresponding JSON field present but null.
func (s Summary) WithSeeds(orderSeed, judgeSeed, samplingSeed *uint64) Summary {
	s.Seeds.OrderSeed = seedPtr(orderSeed)
	s.Seeds.JudgeSeed = seedPtr(judgeSeed)
	s.Seeds.SamplingSeed = seedPtr(samplingSeed)
	return s
}

// WithSarifOmitted records SARIF truncation; a zero count leaves the field
// unset.
func (s Summary) WithSarifOmitted(omitted uint64) Summary {
	if omitted > 0 {
		s.Sarif = &SarifInfo{Omitted: omitted}
	}
	return s
}

// WithReplayProvenance marks this summary as produced by replaying a
// verified evidence bundle (§4.14): provenance.replay=true, the bundle's
// SHA-256 digest, the replay mode, and the original run id when it could be
// recovered from the bundle's events.
func (s Summary) WithReplayProvenance(bundleDigest, replayMode, sourceRunID string) Summary {
	t := true
	s.Provenance.Replay = &t
	s.Provenance.BundleDigest = bundleDigest
	s.Provenance.ReplayMode = replayMode
	s.Provenance.SourceRunID = sourceRunID
	return s
}

// Write marshals s as indented JSON to path.
func Write(s Summary, path string) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("summary: marshal: %w", err)
	}
	data = append(data, '\n')
	return os.WriteFile(path, data, 0o644)
}
