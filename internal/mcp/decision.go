// Package mcp implements the tool-call decision pipeline: policy
// evaluation, mandate authorization, and always-emit decision events.
package mcp

import (
	"time"

	"github.com/Rul1an/assay/internal/assayerr"
)

// Outcome is the terminal shape of a DecisionEvent.
type Outcome string

const (
	OutcomeAllow Outcome = "allow"
	OutcomeDeny  Outcome = "deny"
	OutcomeError Outcome = "error"
)

// DecisionEvent is the single event emitted per handled tool call (I1).
// Every field beyond the identifying ones is optional and populated only
// when the pipeline reaches the corresponding step.
type DecisionEvent struct {
	EventSource string // I3: fixed per-handler URI
	ToolCallID  string
	ToolName    string
	RequestID   string
	Timestamp   time.Time

	Outcome    Outcome
	ReasonCode string
	Reason     string

	MandateID string
	UseID     string
	UseCount  uint32

	ToolMatch        *bool
	KindMatch        *bool
	TransactionMatch *bool

	AuthzLatencyMs  *uint64
	PolicyLatencyMs *uint64
}

// Emitter receives exactly one DecisionEvent per handled tool call.
type Emitter interface {
	Emit(event DecisionEvent) error
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(event DecisionEvent) error

func (f EmitterFunc) Emit(event DecisionEvent) error { return f(event) }

// guard enforces I1 (always-emit): its finalize method, deferred immediately
// after construction, emits whatever decision was set, or a default
// S_INTERNAL_ERROR event if the pipeline returned without setting one.
type guard struct {
	emitter  Emitter
	event    DecisionEvent
	finished bool
}

func newGuard(emitter Emitter, eventSource, toolCallID, toolName string) *guard {
	return &guard{
		emitter: emitter,
		event: DecisionEvent{
			EventSource: eventSource,
			ToolCallID:  toolCallID,
			ToolName:    toolName,
			Timestamp:   time.Now().UTC(),
		},
	}
}

func (g *guard) setRequestID(id string) { g.event.RequestID = id }

func (g *guard) setMandateInfo(mandateID, useID string, useCount uint32) {
	g.event.MandateID = mandateID
	g.event.UseID = useID
	g.event.UseCount = useCount
}

func (g *guard) setMandateMatches(tool, kind, transaction *bool) {
	g.event.ToolMatch = tool
	g.event.KindMatch = kind
	g.event.TransactionMatch = transaction
}

func (g *guard) setLatencies(authzMs, policyMs *uint64) {
	g.event.AuthzLatencyMs = authzMs
	g.event.PolicyLatencyMs = policyMs
}

func (g *guard) emitAllow(code string) DecisionEvent {
	g.event.Outcome = OutcomeAllow
	g.event.ReasonCode = code
	return g.finish()
}

func (g *guard) emitDeny(code, reason string) DecisionEvent {
	g.event.Outcome = OutcomeDeny
	g.event.ReasonCode = code
	g.event.Reason = reason
	return g.finish()
}

func (g *guard) emitError(code, reason string) DecisionEvent {
	g.event.Outcome = OutcomeError
	g.event.ReasonCode = code
	g.event.Reason = reason
	return g.finish()
}

// finish marks the guard as having set a decision, and returns the event so
// the caller can build its HandleResult from the same value the emitter
// receives. It does not itself call Emit — that happens once, in
// guard.finalize, whether or not the pipeline set a decision.
func (g *guard) finish() DecisionEvent {
	g.finished = true
	return g.event
}

// finalize is called via defer in HandleToolCall (I1): if nothing set a
// decision before the function returned (panic, early return, or a bug),
// it emits a default error event instead of silently dropping the call.
func (g *guard) finalize() {
	if !g.finished {
		g.event.Outcome = OutcomeError
		g.event.ReasonCode = assayerr.SInternalError
		g.event.Reason = "handler returned without emitting a decision"
	}
	if err := g.emitter.Emit(g.event); err != nil {
		// Emission failure must not mask the original decision outcome —
		// there is nowhere left to report it but the process log, which is
		// the caller's concern (this package carries no logging dependency
		// of its own).
		_ = err
	}
}
