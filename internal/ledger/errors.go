package ledger

import (
	"fmt"
	"time"
)

// RejectionKind classifies why an operation was refused. Validation kinds
// cover malformed input; policy kinds cover rules such as cooldowns and
// balance limits. Rejections are returned to the requesting actor and are
// never system errors.
type RejectionKind string

const (
	RejectionInvalidAmount      RejectionKind = "invalid_amount"
	RejectionUnknownWarning     RejectionKind = "unknown_warning"
	RejectionCooldownActive     RejectionKind = "cooldown_active"
	RejectionInsufficientFunds  RejectionKind = "insufficient_funds"
	RejectionSelfTransfer       RejectionKind = "self_transfer"
	RejectionSelfReputation     RejectionKind = "self_reputation"
	RejectionAutomatedRecipient RejectionKind = "automated_recipient"
)

// Rejection is a typed refusal carrying a human-readable reason. Cooldown
// rejections also carry the remaining wait.
type Rejection struct {
	Kind       RejectionKind
	Reason     string
	RetryAfter time.Duration
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("ledger: %s: %s", r.Kind, r.Reason)
}

// Validation reports whether the rejection was caused by malformed input
// rather than a policy gate.
func (r *Rejection) Validation() bool {
	switch r.Kind {
	case RejectionInvalidAmount, RejectionUnknownWarning:
		return true
	default:
		return false
	}
}

func reject(kind RejectionKind, format string, args ...any) *Rejection {
	return &Rejection{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// ServiceError wraps internal faults (persistence, collaborator failures)
// with a dotted operation code.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the dotted operation code.
func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}
