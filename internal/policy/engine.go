package policy

import (
	"fmt"
	"log/slog"

	"github.com/Rul1an/assay/internal/assayerr"
	"github.com/Rul1an/assay/internal/metrics"
)

// Engine evaluates tool calls against a compiled Config.
type Engine struct {
	config    *Config
	argsValid metrics.ArgsValid
}

// NewEngine compiles cfg's per-tool schemas and returns a ready Engine.
func NewEngine(cfg *Config) (*Engine, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	compiled, err := metrics.CompileSchemas(cfg.Schemas)
	if err != nil {
		return nil, fmt.Errorf("compile policy schemas: %w", err)
	}
	return &Engine{
		config: cfg,
		// EvaluateCall applies the unconstrained-tools setting itself;
		// args_valid here only checks deny patterns and schemas.
		argsValid: metrics.ArgsValid{
			Allow:                 cfg.Tools.Allow,
			Deny:                  cfg.Tools.Deny,
			Schemas:               compiled,
			UnconstrainedBehavior: UnconstrainedAllow,
		},
	}, nil
}

// Config returns the compiled policy configuration.
func (e *Engine) Config() *Config { return e.config }

// canonicalTool resolves a logical alias name to the concrete tool name used
// for matching, if tool is itself an alias key standing in for exactly one
// concrete tool; otherwise tool is returned unchanged.
func (e *Engine) canonicalTool(tool string) string {
	if names, ok := e.config.Aliases[tool]; ok && len(names) == 1 {
		return names[0]
	}
	return tool
}

func matchesAny(patterns []string, name string) bool {
	for _, p := range patterns {
		if metrics.MatchGlob(p, name) {
			return true
		}
	}
	return false
}

// EvaluateCall decides whether tool may proceed given args and the episode's
// history so far. It does not mutate history — callers append the call
// themselves once it is allowed (see Episode.Append).
func (e *Engine) EvaluateCall(tool string, args map[string]any, history *Episode) Decision {
	canon := e.canonicalTool(tool)

	if matchesAny(e.config.Tools.Deny, canon) {
		d := Decision{Outcome: Deny, Tool: tool, Code: assayerr.EToolDenied, Reason: fmt.Sprintf("%s matches a deny pattern", canon)}
		logDecision(d)
		return d
	}

	allowed := matchesAny(e.config.Tools.Allow, canon)
	if !allowed && e.config.Enforcement.UnconstrainedTools == UnconstrainedDeny {
		d := Decision{Outcome: Deny, Tool: tool, Code: assayerr.EToolNotAllowed, Reason: fmt.Sprintf("%s is not in the allow list", canon)}
		logDecision(d)
		return d
	}

	resp := metrics.Response{Meta: map[string]any{
		"assay": map[string]any{"tool_calls": []any{
			map[string]any{"tool_name": canon, "args": args},
		}},
	}}
	res, err := e.argsValid.Evaluate(resp)
	if err != nil {
		d := Decision{Outcome: Deny, Tool: tool, Code: assayerr.EToolNotAllowed, Reason: err.Error()}
		logDecision(d)
		return d
	}
	if !res.Passed {
		d := Decision{
			Outcome:  Deny,
			Tool:     tool,
			Code:     assayerr.EArgSchema,
			Reason:   fmt.Sprintf("%v", res.Details["violations"]),
			Contract: "args_valid",
		}
		logDecision(d)
		return d
	}

	if v := checkSequenceRulesForCall(e.config.Sequence, history, canon); v != nil {
		d := Decision{Outcome: Deny, Tool: tool, Code: sequenceReasonCode(v.Rule.Kind), Reason: v.Message, Contract: string(v.Rule.Kind)}
		logDecision(d)
		return d
	}

	outcome := Allow
	if !allowed {
		outcome = AllowWithWarning // reached here only when enforcement is warn or allow
	}
	d := Decision{Outcome: outcome, Tool: tool}
	logDecision(d)
	return d
}

// EpisodeViolations evaluates require/eventually rules once an episode has
// ended; these can never deny a single call, only be reported afterward.
func (e *Engine) EpisodeViolations(history *Episode) []SequenceViolation {
	return checkSequenceRulesAtEnd(e.config.Sequence, history)
}

func sequenceReasonCode(kind SequenceRuleKind) string {
	switch kind {
	case RuleMaxCalls:
		return assayerr.ERateLimit
	case RuleBlocklist:
		return assayerr.EToolDenied
	default:
		return assayerr.EToolDrift
	}
}

// EventCode maps a PolicyDecision reason code to the stable DecisionEvent
// code the mcp tool-call handler emits (§4.9 step 3): P_TOOL_DENIED,
// P_TOOL_NOT_ALLOWED, P_ARG_SCHEMA, P_RATE_LIMIT, P_TOOL_DRIFT, or the
// generic P_POLICY_DENY for anything else.
func EventCode(reasonCode string) string {
	switch reasonCode {
	case assayerr.EToolDenied:
		return assayerr.PToolDenied
	case assayerr.EToolNotAllowed:
		return assayerr.PToolNotAllowed
	case assayerr.EArgSchema:
		return assayerr.PArgSchema
	case assayerr.ERateLimit:
		return assayerr.PRateLimit
	case assayerr.EToolDrift:
		return assayerr.PToolDrift
	default:
		return assayerr.PPolicyDeny
	}
}

func logDecision(d Decision) {
	attrs := []any{"tool", d.Tool, "outcome", d.Outcome.String()}
	if d.Code != "" {
		attrs = append(attrs, "code", d.Code)
	}
	if d.Reason != "" {
		attrs = append(attrs, "reason", d.Reason)
	}
	switch d.Outcome {
	case Deny:
		slog.Warn("policy decision: DENY", attrs...)
	case AllowWithWarning:
		slog.Info("policy decision: ALLOW_WITH_WARNING", attrs...)
	default:
		slog.Debug("policy decision: ALLOW", attrs...)
	}
}

// DeniedError adapts a Deny Decision to the error interface for callers that
// want to propagate it as a Go error (e.g. a direct SDK entry point rather
// than the mcp tool-call handler's decision-event pipeline).
type DeniedError struct{ Decision Decision }

func (e *DeniedError) Error() string {
	if e.Decision.Reason != "" {
		return fmt.Sprintf("policy denied %s: %s", e.Decision.Tool, e.Decision.Reason)
	}
	return "policy denied " + e.Decision.Tool
}
