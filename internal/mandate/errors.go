package mandate

import (
	"fmt"
	"time"

	"github.com/Rul1an/assay/internal/assayerr"
)

// NotFoundError maps to reason code M_NOT_FOUND.
type NotFoundError struct{ MandateID string }

func (e *NotFoundError) Error() string { return fmt.Sprintf("mandate not found: %s", e.MandateID) }

// AlreadyUsedError maps to reason code M_ALREADY_USED.
type AlreadyUsedError struct{}

func (e *AlreadyUsedError) Error() string { return "mandate already used (single_use=true)" }

// MaxUsesExceededError maps to reason code M_MAX_USES_EXCEEDED.
type MaxUsesExceededError struct{ Max, Current uint32 }

func (e *MaxUsesExceededError) Error() string {
	return fmt.Sprintf("max uses exceeded: %d > %d", e.Current, e.Max)
}

// NonceReplayError maps to reason code M_NONCE_REPLAY.
type NonceReplayError struct{ Nonce string }

func (e *NonceReplayError) Error() string { return fmt.Sprintf("nonce replay detected: %s", e.Nonce) }

// ConflictError maps to reason code M_CONFLICT.
type ConflictError struct {
	MandateID, Field string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("mandate metadata conflict for %s: stored %s differs", e.MandateID, e.Field)
}

// InvalidConstraintsError maps to reason code M_INVALID_CONSTRAINTS.
type InvalidConstraintsError struct{ MaxUses uint32 }

func (e *InvalidConstraintsError) Error() string {
	return fmt.Sprintf("invalid mandate constraints: single_use=true with max_uses=%d", e.MaxUses)
}

// RevokedError maps to reason code M_REVOKED.
type RevokedError struct{ RevokedAt time.Time }

func (e *RevokedError) Error() string { return fmt.Sprintf("mandate revoked at %s", e.RevokedAt) }

// ExpiredError maps to reason code M_EXPIRED.
type ExpiredError struct{ ExpiresAt time.Time }

func (e *ExpiredError) Error() string { return fmt.Sprintf("mandate expired at %s", e.ExpiresAt) }

// NotYetValidError maps to reason code M_NOT_YET_VALID.
type NotYetValidError struct{ NotBefore time.Time }

func (e *NotYetValidError) Error() string {
	return fmt.Sprintf("mandate not yet valid until %s", e.NotBefore)
}

// ToolNotInScopeError maps to reason code M_TOOL_NOT_IN_SCOPE.
type ToolNotInScopeError struct{ Tool string }

func (e *ToolNotInScopeError) Error() string {
	return fmt.Sprintf("tool %q not in mandate scope", e.Tool)
}

// ReasonCode maps an authorization error returned by Store.Consume (or the
// scope/validity checks above it) to the stable §7 mandate reason code.
func ReasonCode(err error) string {
	switch err.(type) {
	case *NotFoundError:
		return assayerr.MNotFound
	case *AlreadyUsedError:
		return assayerr.MAlreadyUsed
	case *MaxUsesExceededError:
		return assayerr.MMaxUsesExceeded
	case *NonceReplayError:
		return assayerr.MNonceReplay
	case *ConflictError:
		return assayerr.MConflict
	case *InvalidConstraintsError:
		return assayerr.MInvalidConstraints
	case *RevokedError:
		return assayerr.MRevoked
	case *ExpiredError:
		return assayerr.MExpired
	case *NotYetValidError:
		return assayerr.MNotYetValid
	case *ToolNotInScopeError:
		return assayerr.MToolNotInScope
	case *KindMismatchError:
		return assayerr.MKindMismatch
	case *AudienceMismatchError:
		return assayerr.MAudienceMismatch
	case *IssuerNotTrustedError:
		return assayerr.MIssuerNotTrusted
	case *TransactionRefMismatchError:
		return assayerr.MTransactionRefMismatch
	default:
		return assayerr.SDBError
	}
}
