package metrics

import "fmt"

// Assertion is one claim to check against the persisted run store, e.g.
// "tool X was called with args matching Y" or "episode ended within N steps".
type Assertion struct {
	ID          string
	Description string
	Query       string // store-specific query expression
	Want        any
}

// AssertionDiagnostic is the per-assertion detail the runner attaches to a
// test result after agent_assertions evaluation.
type AssertionDiagnostic struct {
	AssertionID string
	Passed      bool
	Got         any
	Message     string
}

// Store is the subset of the persisted run store that agent_assertions
// needs: resolving a query expression against a completed run's recorded
// tool calls and episode state.
type Store interface {
	ResolveAssertion(runID string, a Assertion) (got any, err error)
}

// AgentAssertions evaluates a list of assertions against the run store for
// runID, run after base metrics per §4.7.
type AgentAssertions struct {
	RunID      string
	Store      Store
	Assertions []Assertion
}

func (a AgentAssertions) Evaluate(resp Response) (Result, error) {
	if len(a.Assertions) == 0 {
		return Result{Score: 1, Passed: true}, nil
	}

	var diagnostics []AssertionDiagnostic
	passedCount := 0

	for _, assertion := range a.Assertions {
		got, err := a.Store.ResolveAssertion(a.RunID, assertion)
		if err != nil {
			diagnostics = append(diagnostics, AssertionDiagnostic{
				AssertionID: assertion.ID,
				Passed:      false,
				Message:     fmt.Sprintf("resolve error: %v", err),
			})
			continue
		}
		passed := assertionMatches(got, assertion.Want)
		if passed {
			passedCount++
		}
		diagnostics = append(diagnostics, AssertionDiagnostic{
			AssertionID: assertion.ID,
			Passed:      passed,
			Got:         got,
		})
	}

	score := float64(passedCount) / float64(len(a.Assertions))
	return Result{
		Score:   score,
		Passed:  passedCount == len(a.Assertions),
		Details: map[string]any{"diagnostics": diagnostics},
	}, nil
}

func assertionMatches(got, want any) bool {
	if gs, ok := got.(string); ok {
		if ws, ok := want.(string); ok {
			return gs == ws
		}
	}
	if gf, ok := toFloat(got); ok {
		if wf, ok := toFloat(want); ok {
			return gf == wf
		}
	}
	if gb, ok := got.(bool); ok {
		if wb, ok := want.(bool); ok {
			return gb == wb
		}
	}
	return fmt.Sprintf("%v", got) == fmt.Sprintf("%v", want)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}
