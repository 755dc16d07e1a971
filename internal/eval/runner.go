package eval

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Rul1an/assay/internal/baseline"
	"github.com/Rul1an/assay/internal/judge"
	"github.com/Rul1an/assay/internal/llm"
	"github.com/Rul1an/assay/internal/metrics"
)

// BaselineCheck is the subset of baseline.Baseline the runner needs, kept as
// an interface so tests can substitute a scripted baseline.
type BaselineCheck interface {
	Check(cfg baseline.Config, testID, metric string, score float64) baseline.Verdict
}

// Runner wires every collaborator the pipeline calls (§4.8): a persistent
// store, a VCR cache, the LLM client, the configured metric set, an optional
// embedder, an optional judge, an optional baseline, and the run policy.
type Runner struct {
	Store    Store
	Cache    Cache
	Client   llm.Client
	Embedder llm.Embedder
	EmbedCache EmbeddingCache
	Judge    *judge.Service
	Baseline BaselineCheck
	BaselineConfig baseline.Config
	Policy   RunPolicy
}

// RunSuite runs every test case in suite, scheduling up to Policy.Parallel
// concurrently, and returns results sorted by test_id (§4.8 step 8).
func (r *Runner) RunSuite(ctx context.Context, suite Suite, progress ProgressFunc) (RunResult, error) {
	total := len(suite.Tests)
	results := make([]TestResult, total)

	parallel := r.Policy.Parallel
	if parallel <= 0 {
		parallel = 1
	}
	sem := make(chan struct{}, parallel)

	var done int
	var doneMu sync.Mutex
	reportDone := func() {
		doneMu.Lock()
		done++
		n := done
		doneMu.Unlock()
		if progress != nil {
			progress(n, total)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, tc := range suite.Tests {
		i, tc := i, tc
		g.Go(func() error {
			sem <- struct{}{}
			defer func() { <-sem }()

			res := r.runTestWithRerun(gctx, suite, tc)
			results[i] = res
			if err := r.Store.RecordResult(res.Fingerprint, res); err != nil {
				return fmt.Errorf("record result for %s: %w", tc.ID, err)
			}
			reportDone()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return RunResult{}, err
	}

	sort.Slice(results, func(i, j int) bool { return results[i].TestID < results[j].TestID })

	return RunResult{Results: results, ExitCode: DeriveExitCode(results, r.Policy.Strict)}, nil
}

// runTestWithRerun runs tc once, then applies the rerun policy (§4.8 step
// 6): a failing attempt is retried up to Policy.RerunFailures times; any
// passing attempt reclassifies the test as Flaky rather than Fail.
func (r *Runner) runTestWithRerun(ctx context.Context, suite Suite, tc TestCase) TestResult {
	first := r.runTestOnce(ctx, suite, tc)
	if first.Status != StatusFail || r.Policy.RerunFailures == 0 {
		return first
	}

	attempts := []AttemptResult{{Status: first.Status, Message: first.Message}}
	best := first
	for i := 0; i < r.Policy.RerunFailures; i++ {
		next := r.runTestOnce(ctx, suite, tc)
		attempts = append(attempts, AttemptResult{Status: next.Status, Message: next.Message})
		if next.Status == StatusPass {
			best = next
			best.Status = StatusFlaky
			best.Message = fmt.Sprintf("flaky: passed after %d rerun(s)", i+1)
			best.Attempts = attempts
			return best
		}
	}
	first.Attempts = attempts
	return first
}

// runTestOnce executes the single-attempt pipeline: skip check, cache/call,
// enrichment, scoring, baseline check (§4.8 steps 1-5, 7).
func (r *Runner) runTestOnce(ctx context.Context, suite Suite, tc TestCase) TestResult {
	start := time.Now()
	fp := Fingerprint(suite.Name, modelOf(suite, tc), tc, "")

	if r.Policy.Incremental && !r.Policy.RefreshCache {
		if prev, ok, err := r.Store.GetLastPassingByFingerprint(fp); err == nil && ok {
			return TestResult{
				TestID: tc.ID, Status: StatusSkipped, Score: prev.Score,
				Message: "skipped: fingerprint_match", SkipReason: "fingerprint_match",
				Fingerprint: fp, Cached: true, DurationMs: 0,
			}
		}
	}

	resp, cached, err := r.callWithCache(ctx, suite, tc, fp)
	if err != nil {
		return r.errorResult(tc, fp, start, err)
	}

	meResp := metrics.Response{Text: resp.Text, Meta: resp.Meta}
	if meResp.Meta == nil {
		meResp.Meta = map[string]any{}
	}

	if err := r.enrichEmbeddings(ctx, suite, tc, &meResp); err != nil {
		return r.errorResult(tc, fp, start, err)
	}
	if err := r.enrichJudge(ctx, tc, &meResp); err != nil {
		return r.errorResult(tc, fp, start, err)
	}

	status := StatusPass
	message := "ok"
	var lastScore float64
	var lastMetric string
	details := map[string]any{}

	for _, m := range tc.Metrics {
		res, err := m.Evaluator.Evaluate(meResp)
		if err != nil {
			return r.errorResult(tc, fp, start, err)
		}
		details[m.Name] = map[string]any{"score": res.Score, "passed": res.Passed, "unstable": res.Unstable}
		lastScore = res.Score
		lastMetric = m.Name

		if res.Unstable {
			status = StatusWarn
			message = "unstable metric: " + m.Name
			break
		}
		if !res.Passed {
			status = StatusFail
			message = "failed: " + m.Name
			break
		}
	}

	if assay, ok := meResp.Meta["assay"].(map[string]any); ok {
		if judgeMeta, ok := assay["judge"].(map[string]any); ok && len(judgeMeta) > 0 {
			details["judge"] = judgeMeta
		}
	}

	if r.Baseline != nil && lastMetric != "" {
		v := r.Baseline.Check(r.BaselineConfig, tc.ID, lastMetric, lastScore)
		if v.Regressed && (v.Status == "fail" || v.Status == "warn") {
			if v.Status == "fail" {
				status = StatusFail
			} else if status == StatusPass {
				status = StatusWarn
			}
			message = v.Message
		}
	}

	return TestResult{
		TestID: tc.ID, Status: status, Message: message, Score: lastScore, Metric: lastMetric,
		Cached: cached, Fingerprint: fp, DurationMs: time.Since(start).Milliseconds(), Details: details,
	}
}

func (r *Runner) callWithCache(ctx context.Context, suite Suite, tc TestCase, fp string) (llm.Response, bool, error) {
	providerFP := ""
	if pf, ok := r.Client.(interface{ Fingerprint() string }); ok {
		providerFP = pf.Fingerprint()
	}
	key := CacheKey(modelOf(suite, tc), tc.Prompt, fp, providerFP)

	if r.Cache != nil && !r.Policy.RefreshCache {
		if cached, ok, err := r.Cache.Get(key); err == nil && ok {
			return llm.Response{Text: cached.Text, Model: cached.Model, Meta: cached.Meta}, true, nil
		}
	}

	resp, err := r.Client.Complete(ctx, llm.Request{Model: modelOf(suite, tc), Prompt: tc.Prompt})
	if err != nil {
		return llm.Response{}, false, err
	}
	if r.Cache != nil {
		_ = r.Cache.Put(key, CachedResponse{Text: resp.Text, Model: resp.Model, Meta: resp.Meta})
	}
	return resp, false, nil
}

func (r *Runner) enrichEmbeddings(ctx context.Context, suite Suite, tc TestCase, resp *metrics.Response) error {
	if r.Embedder == nil {
		return nil
	}
	vec, err := r.embedCached(ctx, modelOf(suite, tc), resp.Text)
	if err != nil {
		return err
	}
	assay, _ := resp.Meta["assay"].(map[string]any)
	if assay == nil {
		assay = map[string]any{}
		resp.Meta["assay"] = assay
	}
	embeddings, _ := assay["embeddings"].(map[string]any)
	if embeddings == nil {
		embeddings = map[string]any{}
		assay["embeddings"] = embeddings
	}
	embeddings["response"] = vec
	return nil
}

func (r *Runner) embedCached(ctx context.Context, model, text string) ([]float64, error) {
	if r.EmbedCache != nil {
		if vec, ok, err := r.EmbedCache.Get(model, text); err == nil && ok {
			return vec, nil
		}
	}
	vec, err := r.Embedder.Embed(ctx, model, text)
	if err != nil {
		return nil, err
	}
	if r.EmbedCache != nil {
		_ = r.EmbedCache.Put(model, text, vec)
	}
	return vec, nil
}

func (r *Runner) enrichJudge(ctx context.Context, tc TestCase, resp *metrics.Response) error {
	if r.Judge == nil || tc.JudgeRubric == "" {
		return nil
	}
	return r.Judge.Evaluate(ctx, tc.ID, tc.JudgeRubric, judge.Input{Prompt: tc.Prompt, Context: tc.Context}, resp.Text, tc.RubricVersion, resp.Meta, nil)
}

// errorResult applies the on_error policy (§4.8 step 7): Block maps a
// provider/enrichment error to Error; Allow records AllowedOnError with
// policy_applied noted.
func (r *Runner) errorResult(tc TestCase, fp string, start time.Time, err error) TestResult {
	status := StatusError
	policyApplied := ""
	if tc.OnError == OnErrorAllow {
		status = StatusAllowedOnError
		policyApplied = "allow"
	}
	return TestResult{
		TestID: tc.ID, Status: status, Message: err.Error(), Fingerprint: fp,
		DurationMs: time.Since(start).Milliseconds(), PolicyApplied: policyApplied,
	}
}

func modelOf(suite Suite, tc TestCase) string {
	if tc.Model != "" {
		return tc.Model
	}
	return suite.Model
}

// DeriveExitCode implements §4.8's exit-code derivation: any Fail or Error
// forces 1; in strict mode Warn/Flaky also force 1; otherwise 0. Config-shaped
// errors are never represented in results — the caller returns exit code 2
// directly when Suite loading or baseline validation fails before RunSuite
// is reached.
func DeriveExitCode(results []TestResult, strict bool) int {
	code := 0
	for _, r := range results {
		switch r.Status {
		case StatusFail, StatusError:
			code = 1
		case StatusWarn, StatusFlaky:
			if strict && code < 1 {
				code = 1
			}
		}
	}
	return code
}

// ConfigErrorExitCode is the exit code for configuration-shaped errors that
// abort a run before any test case is scheduled (§4.8).
const ConfigErrorExitCode = 2
