// Package eval implements the Evaluation Engine (§4.8): the per-test-case
// fingerprint → incremental-skip → cache → call → enrich → score → rerun
// pipeline, bounded-parallel test scheduling, and exit-code derivation.
package eval

import "github.com/Rul1an/assay/internal/metrics"

// Status is the terminal classification of one test case.
type Status string

const (
	StatusPass           Status = "pass"
	StatusFail           Status = "fail"
	StatusWarn           Status = "warn"
	StatusError          Status = "error"
	StatusSkipped        Status = "skipped"
	StatusFlaky          Status = "flaky"
	StatusAllowedOnError Status = "allowed_on_error"
)

// OnErrorPolicy controls how a provider error for one test case is handled.
type OnErrorPolicy string

const (
	OnErrorBlock OnErrorPolicy = "block"
	OnErrorAllow OnErrorPolicy = "allow"
)

// MetricSpec pairs a metric's stable name with its evaluator, so messages
// and summary details can reference "failed: {metric}" (§4.8 step 5).
type MetricSpec struct {
	Name      string
	Evaluator metrics.Evaluator
}

// TestCase is one row of a loaded suite.
type TestCase struct {
	ID      string
	Prompt  string
	Model   string
	Context map[string]any
	Metrics []MetricSpec
	OnError OnErrorPolicy

	// JudgeRubric, if non-empty, requests a judge verdict for this test
	// under the named rubric before metrics are scored.
	JudgeRubric  string
	RubricVersion string
}

// Suite is the loaded, validated set of test cases plus the fingerprint
// components shared across every case in it.
type Suite struct {
	Name              string
	Model             string
	ConfigFingerprint string
	Tests             []TestCase
}

// RunPolicy is the per-run execution policy (§4.8, §5).
type RunPolicy struct {
	RerunFailures int
	ReplayStrict  bool
	Parallel      int
	Strict        bool // strict mode: Warn/Flaky/Unstable also drive exit code 1
	Incremental   bool
	RefreshCache  bool
}

// AttemptResult is one rerun attempt's classification.
type AttemptResult struct {
	Status  Status
	Message string
}

// TestResult is the outcome of running (and possibly rerunning) one test
// case.
type TestResult struct {
	TestID        string
	Status        Status
	Message       string
	Score         float64
	Metric        string
	Cached        bool
	Fingerprint   string
	SkipReason    string
	PolicyApplied string
	Attempts      []AttemptResult
	DurationMs    int64
	Details       map[string]any
}

// RunResult is the full, deterministically ordered outcome of one run_suite
// call, plus its derived process exit code.
type RunResult struct {
	Results  []TestResult
	ExitCode int
}

// ProgressFunc is called after each test case completes; implementations
// must be non-blocking (§5).
type ProgressFunc func(done, total int)
