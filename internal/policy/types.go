// Package policy evaluates tool-call policies: glob-based allow/deny lists,
// per-tool JSON schemas, and stateful sequence rules over an episode's
// observed tool calls.
package policy

import "github.com/Rul1an/assay/internal/metrics"

// Enforcement controls how a tool call whose name matches neither the allow
// nor the deny list is treated.
type Enforcement = metrics.Enforcement

const (
	UnconstrainedWarn  = metrics.UnconstrainedWarn
	UnconstrainedDeny  = metrics.UnconstrainedDeny
	UnconstrainedAllow = metrics.UnconstrainedAllow
)

// Config is the structured policy document: tools allow/deny globs, per-tool
// JSON schemas, unconstrained-tool enforcement, alias map, and stateful
// sequence rules evaluated over an episode's tool-call history.
type Config struct {
	Version     string                    `yaml:"version"`
	Tools       ToolRules                 `yaml:"tools"`
	Schemas     map[string]map[string]any `yaml:"schemas"`
	Enforcement EnforcementConfig         `yaml:"enforcement"`
	Aliases     map[string][]string       `yaml:"aliases"`
	Sequence    []SequenceRule            `yaml:"sequence"`
}

// ToolRules is the top-level tools.{allow,deny} glob list.
type ToolRules struct {
	Allow []string `yaml:"allow"`
	Deny  []string `yaml:"deny"`
}

// EnforcementConfig controls unconstrained-tool behavior.
type EnforcementConfig struct {
	UnconstrainedTools Enforcement `yaml:"unconstrained_tools"`
}

// SequenceRuleKind is one of the stateful sequence-rule shapes.
type SequenceRuleKind string

const (
	RuleRequire    SequenceRuleKind = "require"
	RuleEventually SequenceRuleKind = "eventually"
	RuleMaxCalls   SequenceRuleKind = "max_calls"
	RuleBefore     SequenceRuleKind = "before"
	RuleAfter      SequenceRuleKind = "after"
	RuleNeverAfter SequenceRuleKind = "never_after"
	RuleSequence   SequenceRuleKind = "sequence"
	RuleBlocklist  SequenceRuleKind = "blocklist"
)

// SequenceRule is one stateful rule over an episode's observed tool calls.
// Which fields apply depends on Kind:
//   - require:    Tool must appear at least once by episode end.
//   - eventually: Tool must appear within Within calls of episode start.
//   - max_calls:  Tool may be called at most Max times.
//   - before:     Tool must have already appeared before Other is called.
//   - after:      Tool must appear within Within calls after Other.
//   - never_after: Tool must never be called after Other has appeared.
//   - sequence:   Tools must appear in this relative order; Strict requires
//     no other tool call interleaved between consecutive entries.
//   - blocklist:  Tools may never be called.
type SequenceRule struct {
	Kind   SequenceRuleKind `yaml:"kind"`
	Tool   string           `yaml:"tool"`
	Other  string           `yaml:"other"`
	Tools  []string         `yaml:"tools"`
	Within int              `yaml:"within"`
	Max    int              `yaml:"max"`
	Strict bool             `yaml:"strict"`
}

// Outcome is the top-level shape of a PolicyDecision.
type Outcome int

const (
	Allow Outcome = iota
	AllowWithWarning
	Deny
)

func (o Outcome) String() string {
	switch o {
	case Allow:
		return "Allow"
	case AllowWithWarning:
		return "AllowWithWarning"
	default:
		return "Deny"
	}
}

// Decision is the result of evaluating one tool call against the policy:
// Allow, AllowWithWarning, or Deny{tool, code, reason, contract}.
type Decision struct {
	Outcome  Outcome
	Tool     string
	Code     string // stable reason code, e.g. E_TOOL_DENIED
	Reason   string // human-readable detail
	Contract string // violated schema/sequence contract description, if any
}

func (d Decision) IsAllowed() bool { return d.Outcome != Deny }
func (d Decision) IsDenied() bool  { return d.Outcome == Deny }

// Call is one observed tool invocation, used both as the call under
// evaluation and as an episode history entry.
type Call struct {
	Tool string
	Args map[string]any
}

// Episode is the ordered tool-call history accumulated so far for one run,
// used by stateful sequence rules.
type Episode struct {
	Calls []Call
}

// Append records a call as having completed (i.e. allowed) in the episode.
func (e *Episode) Append(c Call) {
	e.Calls = append(e.Calls, c)
}

func (e *Episode) names() []string {
	out := make([]string, len(e.Calls))
	for i, c := range e.Calls {
		out[i] = c.Tool
	}
	return out
}
