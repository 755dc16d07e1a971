package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSequenceRule_SequenceIgnoresUnrelatedTool(t *testing.T) {
	rules := []SequenceRule{{Kind: RuleSequence, Tools: []string{"plan", "apply"}, Strict: true}}
	hist := &Episode{Calls: []Call{{Tool: "plan"}}}

	v := checkSequenceRulesForCall(rules, hist, "unrelated_tool")
	assert.Nil(t, v, "a tool not part of the sequence must never be flagged")
}

func TestSequenceRule_SequenceFirstElementAlwaysAllowed(t *testing.T) {
	rules := []SequenceRule{{Kind: RuleSequence, Tools: []string{"plan", "apply"}, Strict: true}}
	hist := &Episode{Calls: []Call{}}

	v := checkSequenceRulesForCall(rules, hist, "plan")
	assert.Nil(t, v, "the first entry of a sequence may always start it")
}

func TestSequenceRule_SequenceMissingPriorStep(t *testing.T) {
	rules := []SequenceRule{{Kind: RuleSequence, Tools: []string{"plan", "apply", "commit"}, Strict: false}}
	hist := &Episode{Calls: []Call{{Tool: "get_status"}}}

	v := checkSequenceRulesForCall(rules, hist, "commit")
	require.NotNil(t, v, "commit before plan/apply ever ran must violate the sequence")
	assert.Contains(t, v.Message, "apply")
}
