package policy

import "testing"

func TestSequenceRule_StrictOrderViolation(t *testing.T) {
	rules := []SequenceRule{{Kind: RuleSequence, Tools: []string{"plan", "apply"}, Strict: true}}
	hist := &Episode{Calls: []Call{{Tool: "plan"}, {Tool: "get_status"}}}
	v := checkSequenceRulesForCall(rules, hist, "apply")
	if v == nil {
		t.Fatal("expected strict-sequence violation")
	}
}

func TestSequenceRule_NonStrictAllowsInterleaving(t *testing.T) {
	rules := []SequenceRule{{Kind: RuleSequence, Tools: []string{"plan", "apply"}, Strict: false}}
	hist := &Episode{Calls: []Call{{Tool: "plan"}, {Tool: "get_status"}}}
	v := checkSequenceRulesForCall(rules, hist, "apply")
	if v != nil {
		t.Fatalf("unexpected violation: %v", v)
	}
}

func TestSequenceRule_AfterWithinWindow(t *testing.T) {
	rules := []SequenceRule{{Kind: RuleAfter, Tool: "commit", Other: "plan", Within: 2}}
	hist := &Episode{Calls: []Call{{Tool: "plan"}, {Tool: "apply"}}}
	if v := checkSequenceRulesForCall(rules, hist, "commit"); v != nil {
		t.Fatalf("unexpected violation: %v", v)
	}

	hist2 := &Episode{Calls: []Call{{Tool: "plan"}, {Tool: "a"}, {Tool: "b"}}}
	if v := checkSequenceRulesForCall(rules, hist2, "commit"); v == nil {
		t.Fatal("expected after-window violation")
	}
}

func TestSequenceRule_NeverAfter(t *testing.T) {
	rules := []SequenceRule{{Kind: RuleNeverAfter, Tool: "delete_backup", Other: "restore"}}
	hist := &Episode{Calls: []Call{{Tool: "restore"}}}
	if v := checkSequenceRulesForCall(rules, hist, "delete_backup"); v == nil {
		t.Fatal("expected never_after violation")
	}
}

func TestCheckSequenceRulesAtEnd_Eventually(t *testing.T) {
	rules := []SequenceRule{{Kind: RuleEventually, Tool: "cleanup", Within: 2}}
	hist := &Episode{Calls: []Call{{Tool: "a"}, {Tool: "b"}, {Tool: "cleanup"}}}
	violations := checkSequenceRulesAtEnd(rules, hist)
	if len(violations) != 1 {
		t.Fatalf("violations = %+v", violations)
	}
}
