package mcp

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Rul1an/assay/internal/assayerr"
	"github.com/Rul1an/assay/internal/mandate"
	"github.com/Rul1an/assay/internal/metrics"
	"github.com/Rul1an/assay/internal/policy"
)

// ToolCall is the subset of an incoming MCP tool-call request the handler
// needs: name, arguments, request-level id, and any mandate/transaction
// material attached by the caller.
type ToolCall struct {
	Name        string
	Args        map[string]any
	RequestID   string // JSON-RPC request id, as a string
	Mandate     *mandate.Mandate
	TxObject    map[string]any // transaction_object, if present
	TxRefHash   string         // caller-computed digest of TxObject, for scope binding
	Nonce       string
	Audience    string
	Issuers     []string
	SourceRunID string
}

// Result is what HandleToolCall returns to its caller, mirroring the three
// terminal shapes of the decision pipeline.
type Result struct {
	Allowed bool
	Receipt *mandate.Receipt
	Event   DecisionEvent
}

// Config configures one Handler.
type Config struct {
	EventSource             string // I3
	RequireMandateForCommit bool
	CommitTools             []string // glob patterns classifying a tool as commit-class
	Authorizer              *mandate.Authorizer
	Emitter                 Emitter
}

// Handler is the central tool-call decision pipeline (§4.9).
type Handler struct {
	policy *policy.Engine
	config Config

	mu         sync.Mutex
	allowedIDs map[string]bool // I2: at most one Allow per tool_call_id
}

// NewHandler builds a Handler over a compiled policy Engine.
func NewHandler(eng *policy.Engine, cfg Config) *Handler {
	if cfg.EventSource == "" {
		cfg.EventSource = "assay://unknown"
	}
	return &Handler{policy: eng, config: cfg, allowedIDs: make(map[string]bool)}
}

// extractToolCallID implements I4: params._meta.tool_call_id, else a
// request-id-derived id, else a synthesized one.
func extractToolCallID(call ToolCall) string {
	if meta, ok := call.Args["_meta"].(map[string]any); ok {
		if id, ok := meta["tool_call_id"].(string); ok && id != "" {
			return id
		}
	}
	if call.RequestID != "" {
		return "req_" + call.RequestID
	}
	return "gen_" + uuid.New().String()
}

func (h *Handler) isCommitTool(tool string) bool {
	for _, pattern := range h.config.CommitTools {
		if metrics.MatchGlob(pattern, tool) {
			return true
		}
	}
	return false
}

// HandleToolCall runs the full decision pipeline (§4.9) for one tool call
// against history, the episode's accumulated tool-call state. On success
// (Allow), the caller is responsible for appending the call to history once
// it actually executes.
func (h *Handler) HandleToolCall(ctx context.Context, call ToolCall, history *policy.Episode) Result {
	toolCallID := extractToolCallID(call) // I4
	g := newGuard(h.emitterOrNoop(), h.config.EventSource, toolCallID, call.Name)
	defer g.finalize() // I1
	g.setRequestID(call.RequestID)

	start := time.Now()

	// Step 1: policy evaluation.
	decision := h.policy.EvaluateCall(call.Name, call.Args, history)
	if decision.Outcome == policy.Deny {
		code := policy.EventCode(decision.Code)
		ev := g.emitDeny(code, decision.Reason)
		return Result{Allowed: false, Event: ev}
	}

	// Step 2: commit-tool mandate requirement.
	isCommit := h.isCommitTool(call.Name)
	if isCommit && h.config.RequireMandateForCommit && call.Mandate == nil {
		ev := g.emitDeny(assayerr.PMandateRequired, "commit tool requires mandate authorization")
		return Result{Allowed: false, Event: ev}
	}

	// Step 3/4: mandate authorization, if a mandate is present.
	if call.Mandate != nil && h.config.Authorizer != nil {
		opClass := mandate.OpRead
		if isCommit {
			opClass = mandate.OpCommit
		}
		authzStart := time.Now()
		receipt, err := h.config.Authorizer.AuthorizeAndConsume(ctx, call.Mandate, mandate.AuthorizeParams{
			ToolCallID:        toolCallID,
			ToolName:          call.Name,
			OperationClass:    opClass,
			Audience:          call.Audience,
			TrustedIssuers:    call.Issuers,
			Nonce:             call.Nonce,
			SourceRunID:       call.SourceRunID,
			TransactionRef:    call.TxRefHash,
			HasTransactionObj: call.TxObject != nil,
		})
		authzMs := uint64(time.Since(authzStart).Milliseconds())
		if err != nil {
			g.setMandateInfo(call.Mandate.MandateID, "", 0)
			ev := g.emitDeny(mandate.ReasonCode(err), err.Error())
			return Result{Allowed: false, Event: ev}
		}

		allowedYes := true
		txMatch := (*bool)(nil)
		if call.TxObject != nil {
			txMatch = &allowedYes
		}
		g.setMandateInfo(call.Mandate.MandateID, receipt.UseID, receipt.UseCount)
		g.setMandateMatches(&allowedYes, &allowedYes, txMatch)
		g.setLatencies(&authzMs, nil)

		if !h.claimAllow(toolCallID) {
			// I2: a prior call already claimed Allow for this tool_call_id;
			// the mandate use has already been consumed above (idempotent
			// retry on the store side), so report the duplicate as denied
			// rather than emitting a second Allow event.
			ev := g.emitDeny(assayerr.PPolicyDeny, "duplicate tool_call_id already allowed")
			return Result{Allowed: false, Event: ev}
		}

		ev := g.emitAllow(assayerr.PMandateValid)
		r := receipt
		return Result{Allowed: true, Receipt: &r, Event: ev}
	}

	// Step 5: no mandate required, policy allows.
	elapsedMs := uint64(time.Since(start).Milliseconds())
	g.setLatencies(nil, &elapsedMs)

	if !h.claimAllow(toolCallID) {
		ev := g.emitDeny(assayerr.PPolicyDeny, "duplicate tool_call_id already allowed")
		return Result{Allowed: false, Event: ev}
	}

	ev := g.emitAllow(assayerr.PPolicyPass)
	return Result{Allowed: true, Event: ev}
}

// claimAllow records toolCallID as having been allowed, returning false if
// it was already claimed by a previous call (I2).
func (h *Handler) claimAllow(toolCallID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.allowedIDs[toolCallID] {
		return false
	}
	h.allowedIDs[toolCallID] = true
	return true
}

// emitterOrNoop lets HandleToolCall always construct a guard even when
// Config.Emitter is nil, so tests exercising only the Decision return value
// don't need a real sink.
func (h *Handler) emitterOrNoop() Emitter {
	if h.config.Emitter != nil {
		return h.config.Emitter
	}
	return EmitterFunc(func(DecisionEvent) error { return nil })
}
