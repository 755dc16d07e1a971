package mcp

import (
	"context"
	"testing"
	"time"

	"github.com/Rul1an/assay/internal/assayerr"
	"github.com/Rul1an/assay/internal/mandate"
	"github.com/Rul1an/assay/internal/policy"
)

type recordingEmitter struct {
	events []DecisionEvent
}

func (r *recordingEmitter) Emit(event DecisionEvent) error {
	r.events = append(r.events, event)
	return nil
}

func mustPolicyEngine(t *testing.T, cfg *policy.Config) *policy.Engine {
	t.Helper()
	e, err := policy.NewEngine(cfg)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return e
}

func testMandate(t *testing.T, s *mandate.Store) *mandate.Mandate {
	t.Helper()
	if err := s.UpsertMandate(context.Background(), mandate.Metadata{
		MandateID:       "m1",
		MandateKind:     mandate.KindTransaction,
		Audience:        "svc-a",
		Issuer:          "issuer-1",
		CanonicalDigest: "sha256:deadbeef",
		KeyID:           "sha256:keyid",
	}); err != nil {
		t.Fatalf("upsert mandate: %v", err)
	}
	return &mandate.Mandate{
		MandateID: "m1",
		Kind:      mandate.KindTransaction,
		Scope:     mandate.Scope{ToolGlobs: []string{"commit_*"}, OperationClass: mandate.OpCommit},
		Validity:  mandate.Validity{NotBefore: time.Now().Add(-time.Hour), NotAfter: time.Now().Add(time.Hour)},
		Context:   mandate.Context{Audience: "svc-a", Issuer: "issuer-1"},
	}
}

func newTestMandateStore(t *testing.T) *mandate.Store {
	t.Helper()
	s, err := mandate.Open(mandate.Config{DSN: ":memory:"})
	if err != nil {
		t.Fatalf("open mandate store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestHandleToolCall_PolicyDeny(t *testing.T) {
	eng := mustPolicyEngine(t, &policy.Config{Tools: policy.ToolRules{Allow: []string{"*"}, Deny: []string{"drop_*"}}})
	em := &recordingEmitter{}
	h := NewHandler(eng, Config{EventSource: "assay://test", Emitter: em})

	res := h.HandleToolCall(context.Background(), ToolCall{Name: "drop_table"}, &policy.Episode{})
	if res.Allowed {
		t.Fatalf("expected deny, got %+v", res)
	}
	if res.Event.ReasonCode != assayerr.PToolDenied {
		t.Fatalf("reason code = %s", res.Event.ReasonCode)
	}
	if len(em.events) != 1 {
		t.Fatalf("expected exactly one emitted event, got %d", len(em.events))
	}
}

func TestHandleToolCall_AllowWithoutMandate(t *testing.T) {
	eng := mustPolicyEngine(t, &policy.Config{Tools: policy.ToolRules{Allow: []string{"*"}}})
	em := &recordingEmitter{}
	h := NewHandler(eng, Config{EventSource: "assay://test", Emitter: em})

	res := h.HandleToolCall(context.Background(), ToolCall{Name: "get_weather"}, &policy.Episode{})
	if !res.Allowed {
		t.Fatalf("expected allow, got %+v", res)
	}
	if res.Event.ReasonCode != assayerr.PPolicyPass {
		t.Fatalf("reason code = %s", res.Event.ReasonCode)
	}
}

func TestHandleToolCall_CommitWithoutMandateDenied(t *testing.T) {
	eng := mustPolicyEngine(t, &policy.Config{Tools: policy.ToolRules{Allow: []string{"*"}}})
	em := &recordingEmitter{}
	h := NewHandler(eng, Config{
		EventSource:             "assay://test",
		Emitter:                 em,
		RequireMandateForCommit: true,
		CommitTools:             []string{"commit_*"},
	})

	res := h.HandleToolCall(context.Background(), ToolCall{Name: "commit_changes"}, &policy.Episode{})
	if res.Allowed {
		t.Fatalf("expected deny, got %+v", res)
	}
	if res.Event.ReasonCode != assayerr.PMandateRequired {
		t.Fatalf("reason code = %s", res.Event.ReasonCode)
	}
}

func TestHandleToolCall_MandateSuccess(t *testing.T) {
	eng := mustPolicyEngine(t, &policy.Config{Tools: policy.ToolRules{Allow: []string{"*"}}})
	store := newTestMandateStore(t)
	m := testMandate(t, store)
	em := &recordingEmitter{}
	h := NewHandler(eng, Config{
		EventSource:             "assay://test",
		Emitter:                 em,
		RequireMandateForCommit: true,
		CommitTools:             []string{"commit_*"},
		Authorizer:              mandate.NewAuthorizer(store),
	})

	res := h.HandleToolCall(context.Background(), ToolCall{
		Name:     "commit_changes",
		Mandate:  m,
		Audience: "svc-a",
		Issuers:  []string{"issuer-1"},
	}, &policy.Episode{})
	if !res.Allowed {
		t.Fatalf("expected allow, got %+v", res)
	}
	if res.Event.ReasonCode != assayerr.PMandateValid {
		t.Fatalf("reason code = %s", res.Event.ReasonCode)
	}
	if res.Receipt == nil || res.Receipt.UseCount != 1 {
		t.Fatalf("receipt = %+v", res.Receipt)
	}
	if res.Event.MandateID != "m1" {
		t.Fatalf("event mandate id = %s", res.Event.MandateID)
	}
}

func TestHandleToolCall_MandateFailureUsesMandateReasonCode(t *testing.T) {
	eng := mustPolicyEngine(t, &policy.Config{Tools: policy.ToolRules{Allow: []string{"*"}}})
	store := newTestMandateStore(t)
	m := testMandate(t, store)
	em := &recordingEmitter{}
	h := NewHandler(eng, Config{
		EventSource: "assay://test",
		Emitter:     em,
		CommitTools: []string{"commit_*"},
		Authorizer:  mandate.NewAuthorizer(store),
	})

	res := h.HandleToolCall(context.Background(), ToolCall{
		Name:     "commit_changes",
		Mandate:  m,
		Audience: "svc-b", // mismatched audience
	}, &policy.Episode{})
	if res.Allowed {
		t.Fatalf("expected deny, got %+v", res)
	}
	if res.Event.ReasonCode != assayerr.MAudienceMismatch {
		t.Fatalf("reason code = %s, want M_AUDIENCE_MISMATCH", res.Event.ReasonCode)
	}
}

func TestHandleToolCall_DuplicateToolCallIDDenied(t *testing.T) {
	eng := mustPolicyEngine(t, &policy.Config{Tools: policy.ToolRules{Allow: []string{"*"}}})
	em := &recordingEmitter{}
	h := NewHandler(eng, Config{EventSource: "assay://test", Emitter: em})

	call := ToolCall{Name: "get_weather", RequestID: "req-1"}
	first := h.HandleToolCall(context.Background(), call, &policy.Episode{})
	if !first.Allowed {
		t.Fatalf("first call should be allowed: %+v", first)
	}
	second := h.HandleToolCall(context.Background(), call, &policy.Episode{})
	if second.Allowed {
		t.Fatalf("second call with same tool_call_id should be denied: %+v", second)
	}
	if second.Event.ReasonCode != assayerr.PPolicyDeny {
		t.Fatalf("reason code = %s", second.Event.ReasonCode)
	}
	if first.Event.ToolCallID != second.Event.ToolCallID {
		t.Fatalf("expected same derived tool_call_id, got %q and %q", first.Event.ToolCallID, second.Event.ToolCallID)
	}
}

func TestHandleToolCall_ToolCallIDFromMeta(t *testing.T) {
	eng := mustPolicyEngine(t, &policy.Config{Tools: policy.ToolRules{Allow: []string{"*"}}})
	em := &recordingEmitter{}
	h := NewHandler(eng, Config{EventSource: "assay://test", Emitter: em})

	res := h.HandleToolCall(context.Background(), ToolCall{
		Name: "get_weather",
		Args: map[string]any{"_meta": map[string]any{"tool_call_id": "explicit-id"}},
	}, &policy.Episode{})
	if res.Event.ToolCallID != "explicit-id" {
		t.Fatalf("tool_call_id = %s", res.Event.ToolCallID)
	}
}

func TestHandleToolCall_ToolCallIDFromRequestID(t *testing.T) {
	eng := mustPolicyEngine(t, &policy.Config{Tools: policy.ToolRules{Allow: []string{"*"}}})
	em := &recordingEmitter{}
	h := NewHandler(eng, Config{EventSource: "assay://test", Emitter: em})

	res := h.HandleToolCall(context.Background(), ToolCall{Name: "get_weather", RequestID: "abc"}, &policy.Episode{})
	if res.Event.ToolCallID != "req_abc" {
		t.Fatalf("tool_call_id = %s", res.Event.ToolCallID)
	}
}

func TestHandleToolCall_ToolCallIDSynthesized(t *testing.T) {
	eng := mustPolicyEngine(t, &policy.Config{Tools: policy.ToolRules{Allow: []string{"*"}}})
	em := &recordingEmitter{}
	h := NewHandler(eng, Config{EventSource: "assay://test", Emitter: em})

	res := h.HandleToolCall(context.Background(), ToolCall{Name: "get_weather"}, &policy.Episode{})
	if len(res.Event.ToolCallID) < len("gen_") || res.Event.ToolCallID[:4] != "gen_" {
		t.Fatalf("tool_call_id = %s, want gen_ prefix", res.Event.ToolCallID)
	}
}

func TestHandleToolCall_EventSourceFixed(t *testing.T) {
	eng := mustPolicyEngine(t, &policy.Config{Tools: policy.ToolRules{Allow: []string{"*"}, Deny: []string{"drop_*"}}})
	em := &recordingEmitter{}
	h := NewHandler(eng, Config{EventSource: "assay://fixed-source", Emitter: em})

	h.HandleToolCall(context.Background(), ToolCall{Name: "get_weather"}, &policy.Episode{})
	h.HandleToolCall(context.Background(), ToolCall{Name: "drop_table"}, &policy.Episode{})

	if len(em.events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(em.events))
	}
	for _, ev := range em.events {
		if ev.EventSource != "assay://fixed-source" {
			t.Fatalf("event_source = %s", ev.EventSource)
		}
	}
}

func TestGuard_DefaultsToInternalErrorIfNeverSet(t *testing.T) {
	em := &recordingEmitter{}
	g := newGuard(em, "assay://test", "tc1", "some_tool")
	g.finalize()

	if len(em.events) != 1 {
		t.Fatalf("expected exactly one emitted event, got %d", len(em.events))
	}
	ev := em.events[0]
	if ev.Outcome != OutcomeError || ev.ReasonCode != assayerr.SInternalError {
		t.Fatalf("event = %+v", ev)
	}
}

func TestGuard_FinalizeAfterExplicitDecisionDoesNotOverride(t *testing.T) {
	em := &recordingEmitter{}
	g := newGuard(em, "assay://test", "tc1", "some_tool")
	g.emitAllow(assayerr.PPolicyPass)
	g.finalize()

	if len(em.events) != 1 {
		t.Fatalf("expected exactly one emitted event, got %d", len(em.events))
	}
	if em.events[0].Outcome != OutcomeAllow {
		t.Fatalf("event = %+v", em.events[0])
	}
}
