package policy

import "testing"

func mustEngine(t *testing.T, cfg *Config) *Engine {
	t.Helper()
	e, err := NewEngine(cfg)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return e
}

func TestEvaluateCall_DeniedByGlob(t *testing.T) {
	e := mustEngine(t, &Config{Tools: ToolRules{Allow: []string{"*"}, Deny: []string{"drop_*"}}})
	d := e.EvaluateCall("drop_table", nil, &Episode{})
	if d.Outcome != Deny || d.Code != "E_TOOL_DENIED" {
		t.Fatalf("d = %+v", d)
	}
}

func TestEvaluateCall_UnconstrainedDeny(t *testing.T) {
	e := mustEngine(t, &Config{
		Tools:       ToolRules{Allow: []string{"get_*"}},
		Enforcement: EnforcementConfig{UnconstrainedTools: UnconstrainedDeny},
	})
	d := e.EvaluateCall("mystery_tool", nil, &Episode{})
	if d.Outcome != Deny || d.Code != "E_TOOL_NOT_ALLOWED" {
		t.Fatalf("d = %+v", d)
	}
}

func TestEvaluateCall_UnconstrainedWarnStillAllows(t *testing.T) {
	e := mustEngine(t, &Config{
		Tools:       ToolRules{Allow: []string{"get_*"}},
		Enforcement: EnforcementConfig{UnconstrainedTools: UnconstrainedWarn},
	})
	d := e.EvaluateCall("mystery_tool", nil, &Episode{})
	if d.Outcome != AllowWithWarning {
		t.Fatalf("d = %+v", d)
	}
}

func TestEvaluateCall_SchemaViolation(t *testing.T) {
	e := mustEngine(t, &Config{
		Tools: ToolRules{Allow: []string{"get_pods"}},
		Schemas: map[string]map[string]any{
			"get_pods": {
				"type":     "object",
				"required": []any{"namespace"},
			},
		},
	})
	d := e.EvaluateCall("get_pods", map[string]any{}, &Episode{})
	if d.Outcome != Deny || d.Code != "E_ARG_SCHEMA" {
		t.Fatalf("d = %+v", d)
	}
}

func TestEvaluateCall_MaxCallsExceeded(t *testing.T) {
	e := mustEngine(t, &Config{
		Tools:    ToolRules{Allow: []string{"*"}},
		Sequence: []SequenceRule{{Kind: RuleMaxCalls, Tool: "restart_pod", Max: 1}},
	})
	hist := &Episode{}
	first := e.EvaluateCall("restart_pod", nil, hist)
	if first.Outcome != Allow {
		t.Fatalf("first = %+v", first)
	}
	hist.Append(Call{Tool: "restart_pod"})
	second := e.EvaluateCall("restart_pod", nil, hist)
	if second.Outcome != Deny || second.Code != "E_RATE_LIMIT" {
		t.Fatalf("second = %+v", second)
	}
}

func TestEvaluateCall_BeforeRequiresPriorTool(t *testing.T) {
	e := mustEngine(t, &Config{
		Tools:    ToolRules{Allow: []string{"*"}},
		Sequence: []SequenceRule{{Kind: RuleBefore, Tool: "get_pods", Other: "delete_pod"}},
	})
	d := e.EvaluateCall("delete_pod", nil, &Episode{})
	if d.Outcome != Deny || d.Code != "E_TOOL_DRIFT" {
		t.Fatalf("d = %+v", d)
	}

	hist := &Episode{Calls: []Call{{Tool: "get_pods"}}}
	d2 := e.EvaluateCall("delete_pod", nil, hist)
	if d2.Outcome != Allow {
		t.Fatalf("d2 = %+v", d2)
	}
}

func TestEvaluateCall_Blocklist(t *testing.T) {
	e := mustEngine(t, &Config{
		Tools:    ToolRules{Allow: []string{"*"}},
		Sequence: []SequenceRule{{Kind: RuleBlocklist, Tools: []string{"drop_database"}}},
	})
	d := e.EvaluateCall("drop_database", nil, &Episode{})
	if d.Outcome != Deny || d.Code != "E_TOOL_DENIED" {
		t.Fatalf("d = %+v", d)
	}
}

func TestEpisodeViolations_RequireMissing(t *testing.T) {
	e := mustEngine(t, &Config{
		Tools:    ToolRules{Allow: []string{"*"}},
		Sequence: []SequenceRule{{Kind: RuleRequire, Tool: "commit_changes"}},
	})
	violations := e.EpisodeViolations(&Episode{Calls: []Call{{Tool: "get_pods"}}})
	if len(violations) != 1 {
		t.Fatalf("violations = %+v", violations)
	}
}

func TestAliasResolution(t *testing.T) {
	e := mustEngine(t, &Config{
		Tools:   ToolRules{Allow: []string{"k8s.get_pods"}},
		Aliases: map[string][]string{"list_pods": {"k8s.get_pods"}},
	})
	d := e.EvaluateCall("list_pods", nil, &Episode{})
	if d.Outcome != Allow {
		t.Fatalf("d = %+v", d)
	}
}
