package mandate

import (
	"context"
	"fmt"
	"time"

	"github.com/Rul1an/assay/internal/metrics"
)

// ToolNotInScopeError, KindMismatchError, AudienceMismatchError,
// IssuerNotTrustedError, and TransactionRefMismatchError map to reason codes
// M_TOOL_NOT_IN_SCOPE, M_KIND_MISMATCH, M_AUDIENCE_MISMATCH,
// M_ISSUER_NOT_TRUSTED, and M_TRANSACTION_REF_MISMATCH respectively — see
// ReasonCode. NotYetValidError and ExpiredError are defined in errors.go and
// returned by Mandate.ActiveAt.

// KindMismatchError maps to reason code M_KIND_MISMATCH.
type KindMismatchError struct {
	Kind           Kind
	OperationClass OperationClass
}

func (e *KindMismatchError) Error() string {
	return fmt.Sprintf("mandate kind %q does not authorize operation class %q", e.Kind, e.OperationClass)
}

// AudienceMismatchError maps to reason code M_AUDIENCE_MISMATCH.
type AudienceMismatchError struct{ Expected, Actual string }

func (e *AudienceMismatchError) Error() string {
	return fmt.Sprintf("audience mismatch: expected %q, got %q", e.Expected, e.Actual)
}

// IssuerNotTrustedError maps to reason code M_ISSUER_NOT_TRUSTED.
type IssuerNotTrustedError struct{ Issuer string }

func (e *IssuerNotTrustedError) Error() string {
	return fmt.Sprintf("issuer %q not in trusted list", e.Issuer)
}

// TransactionRefMismatchError maps to reason code M_TRANSACTION_REF_MISMATCH.
type TransactionRefMismatchError struct{ Expected, Actual string }

func (e *TransactionRefMismatchError) Error() string {
	if e.Actual == "" {
		return "transaction object required but not provided"
	}
	return fmt.Sprintf("transaction ref mismatch: expected %q, computed %q", e.Expected, e.Actual)
}

// AuthorizeParams is the request-side data the Authorizer checks a Mandate
// against before consuming a use from the Store.
type AuthorizeParams struct {
	ToolCallID        string
	ToolName          string
	OperationClass    OperationClass
	Audience          string
	TrustedIssuers    []string
	Nonce             string
	SourceRunID       string
	TransactionRef    string // computed digest of the transaction_object, if any
	HasTransactionObj bool
}

// Authorizer validates a Mandate's policy fields (scope, kind, validity,
// audience, issuer, transaction binding) and, if all pass, consumes one use
// from the Store. It is the Go counterpart of the reference runtime's
// Authorizer, kept separate from Store because Store only knows about
// persisted use-counting, not the signed Mandate content.
type Authorizer struct {
	Store *Store
	Now   func() time.Time
}

// NewAuthorizer returns an Authorizer backed by store, using time.Now.
func NewAuthorizer(store *Store) *Authorizer {
	return &Authorizer{Store: store, Now: time.Now}
}

// AuthorizeAndConsume checks m against p and, on success, consumes one use.
func (a *Authorizer) AuthorizeAndConsume(ctx context.Context, m *Mandate, p AuthorizeParams) (Receipt, error) {
	now := time.Now
	if a.Now != nil {
		now = a.Now
	}
	if err := m.ActiveAt(now()); err != nil {
		return Receipt{}, err
	}
	if !m.AuthorizesKind(p.OperationClass) {
		return Receipt{}, &KindMismatchError{Kind: m.Kind, OperationClass: p.OperationClass}
	}
	if !matchesAnyToolGlob(m.Scope.ToolGlobs, p.ToolName) {
		return Receipt{}, &ToolNotInScopeError{Tool: p.ToolName}
	}
	if m.Context.Audience != "" && m.Context.Audience != p.Audience {
		return Receipt{}, &AudienceMismatchError{Expected: m.Context.Audience, Actual: p.Audience}
	}
	if m.Context.Issuer != "" && len(p.TrustedIssuers) > 0 && !containsStr(p.TrustedIssuers, m.Context.Issuer) {
		return Receipt{}, &IssuerNotTrustedError{Issuer: m.Context.Issuer}
	}
	if m.Scope.TransactionRef != "" {
		if !p.HasTransactionObj {
			return Receipt{}, &TransactionRefMismatchError{Expected: m.Scope.TransactionRef}
		}
		if m.Scope.TransactionRef != p.TransactionRef {
			return Receipt{}, &TransactionRefMismatchError{Expected: m.Scope.TransactionRef, Actual: p.TransactionRef}
		}
	}

	return a.Store.Consume(ctx, ConsumeParams{
		MandateID:      m.MandateID,
		ToolCallID:     p.ToolCallID,
		Nonce:          p.Nonce,
		Audience:       p.Audience,
		Issuer:         m.Context.Issuer,
		ToolName:       p.ToolName,
		OperationClass: p.OperationClass,
		SourceRunID:    p.SourceRunID,
	})
}

func matchesAnyToolGlob(globs []string, tool string) bool {
	for _, g := range globs {
		if metrics.MatchGlob(g, tool) {
			return true
		}
	}
	return false
}

func containsStr(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}
