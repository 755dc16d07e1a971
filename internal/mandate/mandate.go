// Package mandate implements the transactional, idempotent Mandate
// Authorization Store: single-use / max-uses / nonce-replay enforcement over
// signed mandate objects consumed at tool-call time.
package mandate

import "time"

// OperationClass orders Read < Write < Commit; Commit subsumes Write
// subsumes Read.
type OperationClass int

const (
	OpRead OperationClass = iota
	OpWrite
	OpCommit
)

func (c OperationClass) String() string {
	switch c {
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	case OpCommit:
		return "commit"
	default:
		return "unknown"
	}
}

// ParseOperationClass parses the lowercase wire form.
func ParseOperationClass(s string) (OperationClass, bool) {
	switch s {
	case "read":
		return OpRead, true
	case "write":
		return OpWrite, true
	case "commit":
		return OpCommit, true
	default:
		return 0, false
	}
}

// Authorizes reports whether a mandate scoped to c authorizes an operation
// of class want, honoring Commit ⊇ Write ⊇ Read.
func (c OperationClass) Authorizes(want OperationClass) bool {
	return want <= c
}

// Kind distinguishes an Intent mandate (Read-only) from a Transaction
// mandate (authorizes up to its declared operation class).
type Kind string

const (
	KindIntent      Kind = "intent"
	KindTransaction Kind = "transaction"
)

// Principal is the opaque subject of a mandate. Display strings are never
// used for trust decisions — only ID + AuthMethod participate in digests and
// matching.
type Principal struct {
	ID         string `json:"id"`
	AuthMethod string `json:"auth_method"`
	Display    string `json:"display,omitempty"`
}

// Scope constrains which tool calls a mandate authorizes.
type Scope struct {
	ToolGlobs      []string       `json:"tool_globs"`
	OperationClass OperationClass `json:"operation_class"`
	MaxValue       *float64       `json:"max_value,omitempty"`
	TransactionRef string         `json:"transaction_ref,omitempty"`
}

// Validity is the mandate's activation window.
type Validity struct {
	NotBefore time.Time `json:"not_before"`
	NotAfter  time.Time `json:"not_after"`
}

// Constraints bound how many times a mandate may be consumed.
type Constraints struct {
	SingleUse          bool `json:"single_use"`
	MaxUses            *uint32 `json:"max_uses,omitempty"`
	RequireConfirmation bool `json:"require_confirmation,omitempty"`
}

// Validate enforces "single_use=true ⇒ max_uses ∈ {unset, 1}".
func (c Constraints) Validate() error {
	if c.SingleUse && c.MaxUses != nil && *c.MaxUses != 1 {
		return &InvalidConstraintsError{MaxUses: *c.MaxUses}
	}
	return nil
}

// Context carries the mandate's audience/issuer/nonce/trace binding.
type Context struct {
	Audience    string `json:"audience"`
	Issuer      string `json:"issuer"`
	Nonce       string `json:"nonce,omitempty"`
	TraceParent string `json:"trace_parent,omitempty"`
}

// Mandate is the full, content-addressed user-authorization object.
type Mandate struct {
	MandateID string `json:"mandate_id"`
	Kind      Kind   `json:"kind"`
	Principal Principal `json:"principal"`
	Scope     Scope     `json:"scope"`
	Validity  Validity  `json:"validity"`
	Constraints Constraints `json:"constraints"`
	Context   Context     `json:"context"`
	KeyID     string      `json:"key_id,omitempty"`
	Signature []byte      `json:"signature,omitempty"`

	// CanonicalDigest is the JCS+SHA-256 digest of the content struct
	// excluding MandateID (§9 mandate_id circularity note).
	CanonicalDigest string `json:"canonical_digest"`
}

// ActiveAt reports whether the mandate's validity window contains t.
func (m *Mandate) ActiveAt(t time.Time) error {
	if t.Before(m.Validity.NotBefore) {
		return &NotYetValidError{NotBefore: m.Validity.NotBefore}
	}
	if t.After(m.Validity.NotAfter) {
		return &ExpiredError{ExpiresAt: m.Validity.NotAfter}
	}
	return nil
}

// AuthorizesKind enforces "Intent kind authorizes only Read".
func (m *Mandate) AuthorizesKind(want OperationClass) bool {
	if m.Kind == KindIntent {
		return want == OpRead
	}
	return m.Scope.OperationClass.Authorizes(want)
}

// Receipt is returned on every successful Consume call.
type Receipt struct {
	MandateID  string
	UseID      string
	UseCount   uint32
	ConsumedAt time.Time
	ToolCallID string
	WasNew     bool
}

// UseRecord is a persisted mandate_uses row.
type UseRecord struct {
	UseID          string
	MandateID      string
	ToolCallID     string
	UseCount       uint32
	ConsumedAt     time.Time
	ToolName       string
	OperationClass OperationClass
	Nonce          string
	SourceRunID    string
}

// Revocation records that a mandate has been revoked.
type Revocation struct {
	MandateID string
	RevokedAt time.Time
	Reason    string
	RevokedBy string
	Source    string
	EventID   string
}
