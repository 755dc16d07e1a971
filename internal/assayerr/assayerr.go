// Package assayerr implements the stable reason-code error taxonomy shared
// across the mandate store, policy evaluator, registry client, and
// evaluation engine.
package assayerr

import (
	"errors"
	"fmt"
)

// Class groups reason codes into the categories used for propagation policy.
type Class string

const (
	ClassConfig   Class = "config"
	ClassTrace    Class = "trace"
	ClassEmbedJudge Class = "embed_judge"
	ClassPolicy   Class = "policy"
	ClassMandate  Class = "mandate"
	ClassSystem   Class = "system"
	ClassIntegrity Class = "integrity"
	ClassContract Class = "contract"
	ClassSecurity Class = "security"
	ClassLimits   Class = "limits"
)

// Stable reason codes, §7 of the spec (non-exhaustive list kept in sync with
// every code actually emitted by this module).
const (
	ECfgParse             = "E_CFG_PARSE"
	ECfgValidation        = "E_CFG_VALIDATION"
	EInvalidArgs          = "E_INVALID_ARGS"
	EUnknownMetric        = "E_UNKNOWN_METRIC"
	EPolicyValidation     = "E_POLICY_VALIDATION"
	ETraceNotFound        = "E_TRACE_NOT_FOUND"
	ETraceMiss            = "E_TRACE_MISS"
	ETraceDuplicate       = "E_TRACE_DUPLICATE"
	EReplayMissingDep     = "E_REPLAY_MISSING_DEPENDENCY"
	EStrictReplayViol     = "E_STRICT_REPLAY_VIOLATION"
	EEmbedDimMismatch     = "E_EMBED_DIM_MISMATCH"
	EJudgeNotPrecomputed  = "E_JUDGE_NOT_PRECOMPUTED"
	EJudgeDisagreement    = "E_JUDGE_DISAGREEMENT"
	ETimeout              = "E_TIMEOUT"

	// PolicyDecision reason codes (§4.9) — returned directly by the policy
	// evaluator. The mcp tool-call handler maps each to its P_* event code
	// when emitting a DecisionEvent.
	EToolDenied     = "E_TOOL_DENIED"
	EToolNotAllowed = "E_TOOL_NOT_ALLOWED"
	EArgSchema      = "E_ARG_SCHEMA"
	ERateLimit      = "E_RATE_LIMIT"
	EToolDrift      = "E_TOOL_DRIFT"

	PPolicyDeny       = "P_POLICY_DENY"
	PPolicyPass       = "P_POLICY_PASS"
	PToolDenied       = "P_TOOL_DENIED"
	PToolNotAllowed   = "P_TOOL_NOT_ALLOWED"
	PArgSchema        = "P_ARG_SCHEMA"
	PRateLimit        = "P_RATE_LIMIT"
	PToolDrift        = "P_TOOL_DRIFT"
	PMandateRequired  = "P_MANDATE_REQUIRED"
	PMandateValid     = "P_MANDATE_VALID"

	MNotFound            = "M_NOT_FOUND"
	MExpired             = "M_EXPIRED"
	MNotYetValid         = "M_NOT_YET_VALID"
	MToolNotInScope      = "M_TOOL_NOT_IN_SCOPE"
	MKindMismatch        = "M_KIND_MISMATCH"
	MAudienceMismatch    = "M_AUDIENCE_MISMATCH"
	MIssuerNotTrusted    = "M_ISSUER_NOT_TRUSTED"
	MTransactionRefMismatch = "M_TRANSACTION_REF_MISMATCH"
	MAlreadyUsed         = "M_ALREADY_USED"
	MMaxUsesExceeded     = "M_MAX_USES_EXCEEDED"
	MNonceReplay         = "M_NONCE_REPLAY"
	MRevoked             = "M_REVOKED"
	MConflict            = "M_CONFLICT"
	MInvalidConstraints  = "M_INVALID_CONSTRAINTS"

	SInternalError = "S_INTERNAL_ERROR"
	SDBError       = "S_DB_ERROR"
	STimeout       = "S_TIMEOUT"
)

// Error is the typed error every component returns for user-visible,
// reason-coded failures.
type Error struct {
	Code     string
	Class    Class
	Message  string
	FixSteps []string
	Context  map[string]any
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Code
}

// New builds an Error with the given code, class, and message.
func New(code string, class Class, message string) *Error {
	return &Error{Code: code, Class: class, Message: message}
}

// WithContext returns a copy of e with additional structured context merged in.
func (e *Error) WithContext(kv map[string]any) *Error {
	cp := *e
	cp.Context = make(map[string]any, len(e.Context)+len(kv))
	for k, v := range e.Context {
		cp.Context[k] = v
	}
	for k, v := range kv {
		cp.Context[k] = v
	}
	return &cp
}

// WithFixSteps returns a copy of e with 1-3 actionable fix steps attached.
func (e *Error) WithFixSteps(steps ...string) *Error {
	cp := *e
	cp.FixSteps = steps
	return &cp
}

func classOf(err error) (Class, bool) {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Class, true
	}
	return "", false
}

// IsConfig reports whether err is a configuration-class error (fatal: the
// run stops and only a minimal failure summary.json is written).
func IsConfig(err error) bool {
	c, ok := classOf(err)
	return ok && c == ClassConfig
}

// IsMandate reports whether err originates from the mandate store.
func IsMandate(err error) bool {
	c, ok := classOf(err)
	return ok && c == ClassMandate
}

// IsPolicy reports whether err originates from the policy evaluator.
func IsPolicy(err error) bool {
	c, ok := classOf(err)
	return ok && c == ClassPolicy
}

// IsSecurityRelevant reports whether err must be surfaced intact rather than
// downgraded to a Fail/Error row (DSSE and mandate errors per propagation
// policy).
func IsSecurityRelevant(err error) bool {
	c, ok := classOf(err)
	return ok && (c == ClassMandate || c == ClassSecurity)
}
